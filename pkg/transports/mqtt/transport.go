// Package mqtt implements the bus transport on an MQTT v5 broker.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/harunnryd/speechd/pkg/errorsx"
	"github.com/harunnryd/speechd/pkg/logging"
	"github.com/harunnryd/speechd/pkg/transports"
)

type Config struct {
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	// KeepAlive in seconds.
	KeepAlive         int           `mapstructure:"keep_alive"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	Buffer            int           `mapstructure:"buffer"`
}

func (c Config) withDefaults() Config {
	if c.ClientID == "" {
		c.ClientID = "speechd-" + uuid.NewString()
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 20
	}
	if c.ConnectRetryDelay <= 0 {
		c.ConnectRetryDelay = 3 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.Buffer <= 0 {
		c.Buffer = 512
	}
	return c
}

// Transport is a transports.Transport over autopaho. Subscriptions use QoS 0;
// persistent posts are published with the retain flag.
type Transport struct {
	cfg    Config
	logger *slog.Logger

	cm       *autopaho.ConnectionManager
	recvCh   chan transports.Message
	done     chan struct{}
	stopOnce sync.Once

	mu      sync.RWMutex
	stopped bool
	topics  []string
}

func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	return &Transport{
		cfg:    cfg,
		logger: logging.NewComponentLogger(slog.Default(), "mqtt_transport"),
		recvCh: make(chan transports.Message, cfg.Buffer),
		done:   make(chan struct{}),
	}
}

func (t *Transport) Name() string { return "mqtt" }

func (t *Transport) Recv() <-chan transports.Message { return t.recvCh }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"broker":    t.cfg.Broker,
		"client_id": t.cfg.ClientID,
	}
}

// Start dials the broker and waits for the first connection.
func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	u, err := url.Parse(t.cfg.Broker)
	if err != nil || u.Host == "" {
		return errorsx.Errorf(errorsx.ReasonTransportConnect, "mqtt: invalid broker url %q", t.cfg.Broker)
	}
	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{u},
		KeepAlive:                     uint16(t.cfg.KeepAlive),
		CleanStartOnInitialConnection: true,
		ConnectRetryDelay:             t.cfg.ConnectRetryDelay,
		ConnectTimeout:                t.cfg.ConnectTimeout,
		ConnectPacketBuilder:          t.connectPacket,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, c *paho.Connack) {
			t.logger.Info("mqtt_connection_up", slog.String("broker", t.cfg.Broker))
			t.resubscribe(cm)
		},
		OnConnectError: func(err error) {
			t.logger.Warn("mqtt_connect_error", slog.String("error", err.Error()))
		},
		ClientConfig: paho.ClientConfig{
			ClientID: t.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				t.onPublish,
			},
		},
	}
	cm, err := autopaho.NewConnection(context.Background(), cfg)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTransportConnect)
	}
	t.cm = cm
	if err := cm.AwaitConnection(ctx); err != nil {
		_ = cm.Disconnect(context.Background())
		return errorsx.Wrap(fmt.Errorf("mqtt: await connection: %w", err), errorsx.ReasonTransportConnect)
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

func (t *Transport) connectPacket(pc *paho.Connect, _ *url.URL) (*paho.Connect, error) {
	if t.cfg.Username == "" {
		return pc, nil
	}
	pc.UsernameFlag = true
	pc.Username = t.cfg.Username
	if t.cfg.Password != "" {
		pc.PasswordFlag = true
		pc.Password = []byte(t.cfg.Password)
	}
	return pc, nil
}

func (t *Transport) onPublish(pr paho.PublishReceived) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.stopped {
		return true, nil
	}
	msg := transports.Message{Topic: pr.Packet.Topic, Payload: pr.Packet.Payload}
	select {
	case t.recvCh <- msg:
	case <-t.done:
	}
	return true, nil
}

// Subscribe subscribes with QoS 0 and remembers the topics so they are
// restored after an automatic reconnect.
func (t *Transport) Subscribe(ctx context.Context, topics ...string) error {
	if t.cm == nil {
		return errorsx.Errorf(errorsx.ReasonTransportConnect, "mqtt: not started")
	}
	t.mu.Lock()
	t.topics = append(t.topics, topics...)
	t.mu.Unlock()
	if _, err := t.cm.Subscribe(ctx, subscribePacket(topics)); err != nil {
		return t.mapErr(fmt.Errorf("mqtt: subscribe: %w", err))
	}
	return nil
}

func (t *Transport) resubscribe(cm *autopaho.ConnectionManager) {
	t.mu.RLock()
	topics := append([]string(nil), t.topics...)
	t.mu.RUnlock()
	if len(topics) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.ConnectTimeout)
		defer cancel()
		if _, err := cm.Subscribe(ctx, subscribePacket(topics)); err != nil {
			t.logger.Error("mqtt_resubscribe_error", slog.String("error", err.Error()))
		}
	}()
}

func subscribePacket(topics []string) *paho.Subscribe {
	s := &paho.Subscribe{Subscriptions: make([]paho.SubscribeOptions, 0, len(topics))}
	for _, topic := range topics {
		s.Subscriptions = append(s.Subscriptions, paho.SubscribeOptions{Topic: topic, QoS: 0})
	}
	return s
}

func (t *Transport) Post(ctx context.Context, topic string, payload []byte, p transports.Persistence) error {
	if t.cm == nil {
		return transports.ErrConnLost
	}
	t.mu.RLock()
	stopped := t.stopped
	t.mu.RUnlock()
	if stopped {
		return transports.ErrConnLost
	}
	_, err := t.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
		Retain:  p == transports.Persist,
	})
	if err != nil {
		return t.mapErr(err)
	}
	return nil
}

func (t *Transport) mapErr(err error) error {
	if errors.Is(err, autopaho.ConnectionDownError) {
		return fmt.Errorf("%w: %v", transports.ErrConnLost, err)
	}
	return errorsx.Wrap(err, errorsx.ReasonTransportSend)
}

func (t *Transport) Stop() error {
	var err error
	t.stopOnce.Do(func() {
		// done first, so a handler blocked on a full recvCh releases its read lock.
		close(t.done)
		t.mu.Lock()
		t.stopped = true
		t.mu.Unlock()

		if t.cm != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err = t.cm.Disconnect(ctx)
		}
		t.mu.Lock()
		close(t.recvCh)
		t.mu.Unlock()
	})
	return err
}

var _ transports.Transport = (*Transport)(nil)
