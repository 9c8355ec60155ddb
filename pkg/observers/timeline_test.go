package observers

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/speechd/pkg/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimelineObserverWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)

	tags := map[string]string{metrics.TagTraceID: "trace-1", metrics.TagTurenID: "42"}
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventSessionStarted, Time: time.Now(), Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventPublish,
		Time: time.Now(),
		Tags: map[string]string{metrics.TagTraceID: "trace-1", metrics.TagResult: "end"},
	})
	require.NoError(t, obs.Close())

	b, err := os.ReadFile(filepath.Join(dir, "trace-1.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"turen_id":"42"`)
	assert.Contains(t, lines[1], "published_end")
}

func TestTimelineObserverIgnoresUntraced(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)
	obs.RecordEvent(metrics.NewEvent(metrics.EventMessageIn, nil))
	require.NoError(t, obs.Close())
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTimelineRedactsSecrets(t *testing.T) {
	fields := sanitizeFields(map[string]any{"secret": "abcdefgh1234", "count": 3})
	assert.Equal(t, "********1234", fields["secret"])
	assert.Equal(t, 3, fields["count"])
}

func TestPurgeTimelines(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old.jsonl")
	fresh := filepath.Join(dir, "fresh.jsonl")
	other := filepath.Join(dir, "keep.txt")
	for _, p := range []string{old, fresh, other} {
		require.NoError(t, os.WriteFile(p, []byte("{}\n"), 0o644))
	}
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))
	require.NoError(t, os.Chtimes(other, past, past))

	n, err := PurgeTimelines(dir, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
	assert.FileExists(t, other)

	n, err = PurgeTimelines(filepath.Join(dir, "missing"), time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
}
