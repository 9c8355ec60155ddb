// Package websocket implements the bus transport as a client of a websocket
// hub. Every binary frame carries one msgpack envelope:
//
//	[op, topic, persistence, payload]
//
// where op is "sub" (client to hub) or "pub" (both directions).
package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/harunnryd/speechd/pkg/errorsx"
	"github.com/harunnryd/speechd/pkg/logging"
	"github.com/harunnryd/speechd/pkg/transports"
)

const (
	OpSubscribe = "sub"
	OpPublish   = "pub"
)

// Envelope is the hub frame.
type Envelope struct {
	_msgpack struct{} `msgpack:",as_array"`

	Op          string
	Topic       string
	Persistence int
	Payload     []byte
}

func EncodeEnvelope(e Envelope) ([]byte, error) {
	return msgpack.Marshal(&e)
}

func DecodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	if err := msgpack.Unmarshal(b, &e); err != nil {
		return Envelope{}, errorsx.Wrap(fmt.Errorf("websocket: decode envelope: %w", err), errorsx.ReasonMalformedMessage)
	}
	return e, nil
}

type Config struct {
	URL              string            `mapstructure:"url"`
	Headers          map[string]string `mapstructure:"headers"`
	HandshakeTimeout time.Duration     `mapstructure:"handshake_timeout"`
	WriteTimeout     time.Duration     `mapstructure:"write_timeout"`
	PingInterval     time.Duration     `mapstructure:"ping_interval"`
	Buffer           int               `mapstructure:"buffer"`
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.Buffer <= 0 {
		c.Buffer = 512
	}
	return c
}

// Transport is a transports.Transport over one websocket connection. It does
// not reconnect by itself; once the connection fails every Post returns
// transports.ErrConnLost and Recv is closed.
type Transport struct {
	cfg    Config
	logger *slog.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	recvCh   chan transports.Message
	done     chan struct{}
	stopOnce sync.Once
	lost     atomic.Bool
	wg       sync.WaitGroup
}

func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	return &Transport{
		cfg:    cfg,
		logger: logging.NewComponentLogger(slog.Default(), "websocket_transport"),
		recvCh: make(chan transports.Message, cfg.Buffer),
		done:   make(chan struct{}),
	}
}

func (t *Transport) Name() string { return "websocket" }

func (t *Transport) Recv() <-chan transports.Message { return t.recvCh }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{"url": t.cfg.URL}
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	header := http.Header{}
	for k, v := range t.cfg.Headers {
		header.Set(k, v)
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: t.cfg.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, t.cfg.URL, header)
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("websocket: dial %s: %w", t.cfg.URL, err), errorsx.ReasonTransportConnect)
	}
	t.conn = conn
	t.logger.Info("websocket_connected", slog.String("url", t.cfg.URL))

	t.wg.Add(1)
	go t.readLoop()
	if t.cfg.PingInterval > 0 {
		t.wg.Add(1)
		go t.pingLoop()
	}
	go func() {
		select {
		case <-ctx.Done():
			_ = t.Stop()
		case <-t.done:
		}
	}()
	return nil
}

func (t *Transport) readLoop() {
	defer t.wg.Done()
	defer close(t.recvCh)
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
			default:
				t.lost.Store(true)
				t.logger.Warn("websocket_read_error", slog.String("error", err.Error()))
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		env, err := DecodeEnvelope(data)
		if err != nil {
			t.logger.Warn("websocket_bad_envelope", slog.String("error", err.Error()))
			continue
		}
		if env.Op != OpPublish {
			continue
		}
		select {
		case t.recvCh <- transports.Message{Topic: env.Topic, Payload: env.Payload}:
		case <-t.done:
			return
		}
	}
}

func (t *Transport) pingLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.cfg.WriteTimeout))
			t.writeMu.Unlock()
			if err != nil {
				t.lost.Store(true)
				t.logger.Warn("websocket_ping_failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (t *Transport) write(ctx context.Context, env Envelope) error {
	if t.conn == nil || t.lost.Load() {
		return transports.ErrConnLost
	}
	select {
	case <-t.done:
		return transports.ErrConnLost
	default:
	}
	b, err := EncodeEnvelope(env)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}
	deadline := time.Now().Add(t.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		t.lost.Store(true)
		return fmt.Errorf("%w: %v", transports.ErrConnLost, err)
	}
	return nil
}

func (t *Transport) Subscribe(ctx context.Context, topics ...string) error {
	for _, topic := range topics {
		if err := t.write(ctx, Envelope{Op: OpSubscribe, Topic: topic}); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) Post(ctx context.Context, topic string, payload []byte, p transports.Persistence) error {
	return t.write(ctx, Envelope{Op: OpPublish, Topic: topic, Persistence: int(p), Payload: payload})
}

func (t *Transport) Stop() error {
	t.stopOnce.Do(func() {
		close(t.done)
		if t.conn == nil {
			close(t.recvCh)
			return
		}
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		_ = t.conn.Close()
		t.wg.Wait()
	})
	return nil
}

var _ transports.Transport = (*Transport)(nil)
