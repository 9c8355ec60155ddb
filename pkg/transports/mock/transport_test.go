package mock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/speechd/pkg/transports"
)

func TestTransportPushAndPost(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Start(context.Background()))
	require.NoError(t, tr.Subscribe(context.Background(), "a", "b"))
	assert.Equal(t, []string{"a", "b"}, tr.Topics())

	tr.Push("a", []byte("in"))
	msg := <-tr.Recv()
	assert.Equal(t, transports.Message{Topic: "a", Payload: []byte("in")}, msg)

	require.NoError(t, tr.Post(context.Background(), "out", []byte("x"), transports.Instant))
	got := <-tr.Sent()
	assert.Equal(t, "out", got.Topic)
	assert.Equal(t, transports.Instant, got.Persistence)
}

func TestTransportDisconnectAndFailures(t *testing.T) {
	tr := New()
	tr.Disconnect()
	assert.ErrorIs(t, tr.Post(context.Background(), "t", nil, transports.Instant), transports.ErrConnLost)
	tr.Reconnect()

	boom := errors.New("boom")
	tr.FailPosts(boom)
	assert.ErrorIs(t, tr.Post(context.Background(), "t", nil, transports.Instant), boom)
	tr.FailPosts(nil)
	assert.NoError(t, tr.Post(context.Background(), "t", nil, transports.Instant))
}

func TestTransportStopsWithContext(t *testing.T) {
	tr := New()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, tr.Start(ctx))
	cancel()

	select {
	case _, ok := <-tr.Recv():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("recv channel not closed")
	}
	assert.Error(t, tr.Subscribe(context.Background(), "a"))
	assert.ErrorIs(t, tr.Post(context.Background(), "t", nil, transports.Instant), transports.ErrConnLost)
	tr.Push("a", nil)
	require.NoError(t, tr.Stop())
}
