package speechd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/harunnryd/speechd/pkg/metrics"
	mockengine "github.com/harunnryd/speechd/pkg/providers/mock"
)

func TestDispatchRoutesByTopic(t *testing.T) {
	var got []string
	obs := metrics.NewMemoryObserver()
	table := NewDispatchTable(map[string]Handler{
		"a": func(_ context.Context, p []byte) { got = append(got, "a:"+string(p)) },
		"b": func(_ context.Context, p []byte) { got = append(got, "b:"+string(p)) },
		"c": nil,
	}, obs)

	assert.True(t, table.Dispatch(context.Background(), "b", []byte("1")))
	assert.True(t, table.Dispatch(context.Background(), "a", []byte("2")))
	assert.False(t, table.Dispatch(context.Background(), "c", nil))
	assert.False(t, table.Dispatch(context.Background(), "zzz", nil))

	assert.Equal(t, []string{"b:1", "a:2"}, got)
	assert.Equal(t, []string{"a", "b"}, table.Topics())
	assert.Equal(t, 2, obs.Count(metrics.EventMessageIn))
	assert.Equal(t, 2, obs.Count(metrics.EventMessageUnknown))
}

func TestDispatchTableIsImmutable(t *testing.T) {
	routes := map[string]Handler{"a": func(context.Context, []byte) {}}
	table := NewDispatchTable(routes, nil)
	routes["b"] = func(context.Context, []byte) {}
	assert.Equal(t, []string{"a"}, table.Topics())
}

func TestMustCoverPanicsOnMissingHandler(t *testing.T) {
	table := NewDispatchTable(map[string]Handler{"a": func(context.Context, []byte) {}}, nil)
	assert.NotPanics(t, func() { table.MustCover([]string{"a"}) })
	assert.PanicsWithError(t, "dispatch: no handler for b, c", func() { table.MustCover([]string{"a", "b", "c"}) })
}

func TestOrchestratorRoutesCoverInbound(t *testing.T) {
	f := newFixture(t, mockengine.EngineConfig{})
	assert.NoError(t, f.table.Covers(f.topics.Inbound()))
	assert.Len(t, f.table.Topics(), 6)
}
