package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamWindowSnapshot(t *testing.T) {
	w := NewStreamWindow(8)
	w.Record(StreamSample{Status: "completed", FirstSegment: 500 * time.Millisecond, Total: 2 * time.Second, Natural: 3, Final: 1, IntervalSum: 900 * time.Millisecond})
	w.Record(StreamSample{Status: "completed", FirstSegment: 2 * time.Second, Total: 3 * time.Second, Natural: 1, Forced: 1})
	w.Record(StreamSample{Status: "failed", Total: 100 * time.Millisecond})

	snap := w.Snapshot()
	assert.Equal(t, 8, snap.Window)
	assert.Equal(t, 3, snap.Streams)
	assert.Equal(t, map[string]int{"completed": 2, "failed": 1}, snap.ByStatus)
	assert.Equal(t, map[string]int{"natural": 4, "forced": 1, "final": 1}, snap.Segments)
	assert.InDelta(t, 1.0/6, snap.ForcedRatio, 1e-9)
	assert.InDelta(t, 2.0, snap.SegmentsPerRun, 1e-9)

	// The failed run without segments has no first-segment latency.
	assert.Equal(t, 2, snap.FirstSegment.Samples)
	assert.EqualValues(t, 500, snap.FirstSegment.P50MS)
	assert.EqualValues(t, 2000, snap.FirstSegment.P95MS)
	assert.EqualValues(t, 1500, snap.FirstSegment.TargetMS)
	assert.InDelta(t, 50.0, snap.FirstSegment.OverPct, 1e-9)

	require.Equal(t, 1, snap.SegmentInterval.Samples)
	assert.EqualValues(t, 300, snap.SegmentInterval.P50MS)

	assert.Equal(t, 3, snap.StreamTotal.Samples)
	assert.EqualValues(t, 3000, snap.StreamTotal.MaxMS)
	assert.Zero(t, snap.StreamTotal.TargetMS)
}

func TestStreamWindowEvictsOldest(t *testing.T) {
	w := NewStreamWindow(3)
	for i := 1; i <= 5; i++ {
		w.Record(StreamSample{Status: "completed", Total: time.Duration(i) * time.Second})
	}
	snap := w.Snapshot()
	assert.Equal(t, 3, snap.Streams)
	assert.EqualValues(t, 5000, snap.StreamTotal.MaxMS)
	assert.EqualValues(t, 4000, snap.StreamTotal.P50MS)
}

func TestStreamWindowEmptyAndNil(t *testing.T) {
	snap := NewStreamWindow(0).Snapshot()
	assert.Equal(t, 256, snap.Window)
	assert.Zero(t, snap.Streams)
	assert.Zero(t, snap.ForcedRatio)

	var w *StreamWindow
	w.Record(StreamSample{Status: "completed"})
	assert.Zero(t, w.Snapshot().Streams)
}
