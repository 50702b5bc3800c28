package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, data []byte) []map[string]any {
	t.Helper()
	var records []map[string]any
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var r map[string]any
		require.NoError(t, json.Unmarshal(line, &r))
		records = append(records, r)
	}
	return records
}

func TestAggregatorStopFlushesCounts(t *testing.T) {
	var buf bytes.Buffer
	agg := NewAggregator(slog.New(slog.NewJSONHandler(&buf, nil)), 3600)
	agg.Start()

	agg.Record(CompMonitor, "poll_tick", slog.String("session", "s1"))
	agg.Record(CompMonitor, "poll_tick", slog.String("session", "s1"))
	agg.Record(CompMonitor, "poll_tick", slog.String("session", "s1"))
	agg.Record(CompTmux, "capture_unchanged")
	assert.Equal(t, int64(3), agg.Pending(CompMonitor, "poll_tick"))

	agg.Stop()

	records := decodeLines(t, buf.Bytes())
	require.Len(t, records, 2)
	assert.Equal(t, "event_summary", records[0]["msg"])
	assert.Equal(t, "poll_tick", records[0]["event"])
	assert.Equal(t, float64(3), records[0]["count"])
	assert.Equal(t, "s1", records[0]["session"])
	assert.Equal(t, "capture_unchanged", records[1]["event"])
	assert.Equal(t, int64(0), agg.Pending(CompMonitor, "poll_tick"))
}

func TestAggregatorNilLogger(t *testing.T) {
	agg := NewAggregator(nil, 1)
	agg.Start()
	agg.Record(CompMonitor, "poll_tick")
	agg.Stop()
	agg.Stop()
}

func TestAggregatorStopWithoutStart(t *testing.T) {
	var buf bytes.Buffer
	agg := NewAggregator(slog.New(slog.NewJSONHandler(&buf, nil)), 60)
	agg.Record(CompDaemon, "prune")
	agg.Stop()

	records := decodeLines(t, buf.Bytes())
	require.Len(t, records, 1)
	assert.Equal(t, "prune", records[0]["event"])
	assert.Contains(t, records[0], "first")
	assert.Contains(t, records[0], "last")
}
