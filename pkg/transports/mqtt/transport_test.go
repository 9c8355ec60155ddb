package mqtt

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/harunnryd/speechd/pkg/errorsx"
	"github.com/harunnryd/speechd/pkg/transports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Broker: "mqtt://localhost:1883"}.withDefaults()
	assert.True(t, strings.HasPrefix(cfg.ClientID, "speechd-"))
	assert.Equal(t, 20, cfg.KeepAlive)
	assert.Equal(t, 3*time.Second, cfg.ConnectRetryDelay)
	assert.Equal(t, 512, cfg.Buffer)

	cfg = Config{ClientID: "fixed"}.withDefaults()
	assert.Equal(t, "fixed", cfg.ClientID)
}

func TestSubscribePacketQoS0(t *testing.T) {
	s := subscribePacket([]string{"a", "b"})
	require.Len(t, s.Subscriptions, 2)
	assert.Equal(t, "b", s.Subscriptions[1].Topic)
	assert.Equal(t, byte(0), s.Subscriptions[0].QoS)
}

func TestMapErrConnectionDown(t *testing.T) {
	tr := New(Config{})
	err := tr.mapErr(autopaho.ConnectionDownError)
	assert.ErrorIs(t, err, transports.ErrConnLost)

	err = tr.mapErr(errors.New("boom"))
	assert.False(t, errors.Is(err, transports.ErrConnLost))
	assert.Equal(t, errorsx.ReasonTransportSend, errorsx.Reason(err))
}

func TestPostBeforeStart(t *testing.T) {
	tr := New(Config{})
	err := tr.Post(context.Background(), "t", nil, transports.Instant)
	assert.ErrorIs(t, err, transports.ErrConnLost)
}

func TestStartInvalidBroker(t *testing.T) {
	tr := New(Config{Broker: "::not a url"})
	err := tr.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, errorsx.ReasonTransportConnect, errorsx.Reason(err))
}

func TestStopIdempotent(t *testing.T) {
	tr := New(Config{})
	require.NoError(t, tr.Stop())
	require.NoError(t, tr.Stop())
	_, ok := <-tr.Recv()
	assert.False(t, ok)
}
