package mock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/speechd/pkg/transports"
)

// Published is one message handed to Post.
type Published struct {
	Topic       string
	Payload     []byte
	Persistence transports.Persistence
}

// Transport is an in-memory transport for local testing and integration.
// It implements the transports.Transport interface without any network dependency.
type Transport struct {
	recvCh chan transports.Message
	sentCh chan Published
	closed atomic.Bool
	lost   atomic.Bool
	mu     sync.Mutex
	topics []string
	// postErr, when set, is returned by every Post.
	postErr error
}

func New() *Transport {
	return &Transport{
		recvCh: make(chan transports.Message, 256),
		sentCh: make(chan Published, 256),
	}
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()
	return nil
}

func (t *Transport) Stop() error {
	if t.closed.CompareAndSwap(false, true) {
		t.mu.Lock()
		close(t.recvCh)
		t.mu.Unlock()
	}
	return nil
}

func (t *Transport) Subscribe(ctx context.Context, topics ...string) error {
	if t.closed.Load() {
		return errors.New("mock transport stopped")
	}
	t.mu.Lock()
	t.topics = append(t.topics, topics...)
	t.mu.Unlock()
	return nil
}

// Topics returns every subscribed topic in subscription order.
func (t *Transport) Topics() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.topics...)
}

func (t *Transport) Recv() <-chan transports.Message { return t.recvCh }

func (t *Transport) Post(ctx context.Context, topic string, payload []byte, p transports.Persistence) error {
	if t.lost.Load() {
		return transports.ErrConnLost
	}
	t.mu.Lock()
	err := t.postErr
	t.mu.Unlock()
	if err != nil {
		return err
	}
	if t.closed.Load() {
		return transports.ErrConnLost
	}
	select {
	case t.sentCh <- Published{Topic: topic, Payload: append([]byte(nil), payload...), Persistence: p}:
	default:
	}
	return nil
}

// Push injects an inbound message into the transport.
func (t *Transport) Push(topic string, payload []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return
	}
	select {
	case t.recvCh <- transports.Message{Topic: topic, Payload: payload}:
	default:
	}
}

// Sent exposes outbound messages for inspection.
func (t *Transport) Sent() <-chan Published { return t.sentCh }

// Disconnect makes every later Post fail with transports.ErrConnLost.
func (t *Transport) Disconnect() { t.lost.Store(true) }

// Reconnect undoes Disconnect.
func (t *Transport) Reconnect() { t.lost.Store(false) }

// FailPosts makes every later Post return err. A nil err clears it.
func (t *Transport) FailPosts(err error) {
	t.mu.Lock()
	t.postErr = err
	t.mu.Unlock()
}

var _ transports.Transport = (*Transport)(nil)
