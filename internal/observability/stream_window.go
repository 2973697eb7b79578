package observability

import (
	"slices"
	"sync"
	"time"
)

// Latency targets for the relay's user-visible delays.
const (
	TargetFirstSegment    = 1500 * time.Millisecond
	TargetSegmentInterval = 800 * time.Millisecond
)

// StreamSample summarizes one finished relay run as reported by the driver.
type StreamSample struct {
	Status       string
	FirstSegment time.Duration // zero when no segment was produced
	Total        time.Duration
	Natural      int
	Forced       int
	Final        int
	// IntervalSum is the summed gap between consecutive segments.
	IntervalSum time.Duration
}

func (s StreamSample) segments() int { return s.Natural + s.Forced + s.Final }

// LatencySummary is a nearest-rank digest of one latency series.
type LatencySummary struct {
	Samples  int     `json:"samples"`
	P50MS    int64   `json:"p50_ms"`
	P95MS    int64   `json:"p95_ms"`
	MaxMS    int64   `json:"max_ms"`
	TargetMS int64   `json:"target_ms,omitempty"`
	OverPct  float64 `json:"over_target_pct,omitempty"`
}

type StreamSnapshot struct {
	GeneratedAt     time.Time      `json:"generated_at"`
	Window          int            `json:"window"`
	Streams         int            `json:"streams"`
	ByStatus        map[string]int `json:"by_status"`
	Segments        map[string]int `json:"segments"`
	ForcedRatio     float64        `json:"forced_ratio"`
	SegmentsPerRun  float64        `json:"segments_per_stream"`
	FirstSegment    LatencySummary `json:"first_segment"`
	SegmentInterval LatencySummary `json:"segment_interval"`
	StreamTotal     LatencySummary `json:"stream_total"`
}

// StreamWindow keeps the last N finished streams and derives the debug
// report from them on demand.
type StreamWindow struct {
	mu      sync.Mutex
	samples []StreamSample
	size    int
	start   int
}

func NewStreamWindow(size int) *StreamWindow {
	if size <= 0 {
		size = 256
	}
	return &StreamWindow{size: size, samples: make([]StreamSample, 0, size)}
}

// Record adds one finished stream, evicting the oldest when full.
func (w *StreamWindow) Record(s StreamSample) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.samples) < w.size {
		w.samples = append(w.samples, s)
		return
	}
	w.samples[w.start] = s
	w.start = (w.start + 1) % w.size
}

func (w *StreamWindow) Snapshot() StreamSnapshot {
	snap := StreamSnapshot{
		GeneratedAt: time.Now().UTC(),
		ByStatus:    map[string]int{},
		Segments:    map[string]int{"natural": 0, "forced": 0, "final": 0},
	}
	if w == nil {
		return snap
	}
	w.mu.Lock()
	samples := slices.Clone(w.samples)
	snap.Window = w.size
	w.mu.Unlock()

	var first, interval, total []time.Duration
	for _, s := range samples {
		snap.ByStatus[s.Status]++
		snap.Segments["natural"] += s.Natural
		snap.Segments["forced"] += s.Forced
		snap.Segments["final"] += s.Final
		total = append(total, s.Total)
		if n := s.segments(); n > 0 {
			first = append(first, s.FirstSegment)
			if n > 1 {
				interval = append(interval, s.IntervalSum/time.Duration(n-1))
			}
		}
	}
	snap.Streams = len(samples)
	if all := snap.Segments["natural"] + snap.Segments["forced"] + snap.Segments["final"]; all > 0 {
		snap.ForcedRatio = float64(snap.Segments["forced"]) / float64(all)
		snap.SegmentsPerRun = float64(all) / float64(len(samples))
	}
	snap.FirstSegment = summarize(first, TargetFirstSegment)
	snap.SegmentInterval = summarize(interval, TargetSegmentInterval)
	snap.StreamTotal = summarize(total, 0)
	return snap
}

func summarize(values []time.Duration, target time.Duration) LatencySummary {
	if len(values) == 0 {
		return LatencySummary{TargetMS: target.Milliseconds()}
	}
	slices.Sort(values)
	out := LatencySummary{
		Samples:  len(values),
		P50MS:    nearestRank(values, 50).Milliseconds(),
		P95MS:    nearestRank(values, 95).Milliseconds(),
		MaxMS:    values[len(values)-1].Milliseconds(),
		TargetMS: target.Milliseconds(),
	}
	if target > 0 {
		over := len(values) - sortSearch(values, target)
		out.OverPct = float64(over*100) / float64(len(values))
	}
	return out
}

// nearestRank expects sorted input.
func nearestRank(sorted []time.Duration, pct int) time.Duration {
	rank := (pct*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

// sortSearch returns the index of the first value above limit.
func sortSearch(sorted []time.Duration, limit time.Duration) int {
	i, _ := slices.BinarySearchFunc(sorted, limit, func(v, t time.Duration) int {
		if v <= t {
			return -1
		}
		return 1
	})
	return i
}
