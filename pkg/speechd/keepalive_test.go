package speechd

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/speechd/pkg/metrics"
	"github.com/harunnryd/speechd/pkg/resilience"
	"github.com/harunnryd/speechd/pkg/transports"
	mocktransport "github.com/harunnryd/speechd/pkg/transports/mock"
)

type transportFactory struct {
	mu    sync.Mutex
	built []*mocktransport.Transport
	fails int
}

func (f *transportFactory) build() (transports.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return nil, errors.New("broker unreachable")
	}
	tr := mocktransport.New()
	f.built = append(f.built, tr)
	return tr, nil
}

func (f *transportFactory) all() []*mocktransport.Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*mocktransport.Transport(nil), f.built...)
}

func newTestKeepalive(f *transportFactory, handle *TransportHandle, sig *ReconnectSignal, obs metrics.Observer) *Keepalive {
	return NewKeepalive(KeepaliveOptions{
		Build:    f.build,
		Handle:   handle,
		Signal:   sig,
		Topics:   DefaultTopics().Inbound(),
		Retry:    resilience.RetryPolicy{MaxRetries: 3, Backoff: time.Millisecond},
		Breaker:  resilience.NewCircuitBreaker(10, time.Second),
		Observer: obs,
	})
}

func TestKeepaliveConnectSubscribesAndInstalls(t *testing.T) {
	f := &transportFactory{fails: 2}
	handle := &TransportHandle{}
	k := newTestKeepalive(f, handle, NewReconnectSignal(handle, nil), nil)

	require.NoError(t, k.Connect(context.Background()))
	built := f.all()
	require.Len(t, built, 1)
	assert.Equal(t, built[0], handle.Load())
	assert.Equal(t, DefaultTopics().Inbound(), built[0].Topics())
	k.Close()
	assert.Nil(t, handle.Load())
}

func TestKeepaliveConnectGivesUp(t *testing.T) {
	f := &transportFactory{fails: 10}
	handle := &TransportHandle{}
	k := newTestKeepalive(f, handle, NewReconnectSignal(handle, nil), nil)

	require.Error(t, k.Connect(context.Background()))
	assert.Nil(t, handle.Load())
}

func TestKeepaliveRebuildsAfterSignal(t *testing.T) {
	f := &transportFactory{}
	handle := &TransportHandle{}
	obs := metrics.NewMemoryObserver()
	sig := NewReconnectSignal(handle, obs)
	k := newTestKeepalive(f, handle, sig, obs)
	require.NoError(t, k.Connect(context.Background()))
	first := f.all()[0]

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = k.Run(ctx) }()

	sig.Raise(first, "test")
	require.Eventually(t, func() bool {
		cur := handle.Load()
		return cur != nil && cur != transports.Transport(first)
	}, 2*time.Second, 5*time.Millisecond)

	built := f.all()
	require.Len(t, built, 2)
	assert.Equal(t, DefaultTopics().Inbound(), built[1].Topics())
	// The retired transport is stopped.
	_, open := <-first.Recv()
	assert.False(t, open)
	assert.Eventually(t, func() bool { return obs.Count(metrics.EventReconnected) == 1 }, time.Second, 5*time.Millisecond)
}

func TestKeepaliveIgnoresSignalWhileConnected(t *testing.T) {
	f := &transportFactory{}
	handle := &TransportHandle{}
	sig := NewReconnectSignal(handle, nil)
	k := newTestKeepalive(f, handle, sig, nil)
	require.NoError(t, k.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = k.Run(ctx) }()

	// A stale transport failing does not clear the live one.
	sig.Raise(mocktransport.New(), "stale")
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, f.all(), 1)
	assert.NotNil(t, handle.Load())
}
