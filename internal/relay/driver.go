package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ent0n29/streamrelay/internal/observability"
	"github.com/ent0n29/streamrelay/internal/session"
	"github.com/ent0n29/streamrelay/internal/upstream"
	"github.com/ent0n29/streamrelay/internal/usage"
)

// Driver pumps one upstream stream into one session. It is the session's
// only writer for the whole run.
type Driver struct {
	metrics  *observability.Metrics
	now      func() time.Time
	onFinish func(session.Snapshot)
}

func NewDriver(metrics *observability.Metrics) *Driver {
	return &Driver{
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// OnFinish registers a callback invoked once a run leaves the session in a
// terminal state. Runs that stop because the session went away do not call it.
func (d *Driver) OnFinish(fn func(session.Snapshot)) { d.onFinish = fn }

// Run consumes stream until it ends, fails, or the session is cancelled.
// Every delta is checked against the session first: once the session is
// ended, evicted or no longer Processing the stream is abandoned unread.
func (d *Driver) Run(ctx context.Context, sess *session.Session, stream upstream.Stream) {
	defer func() {
		if err := stream.Close(); err != nil {
			log.Debug().Err(err).Str("session_id", sess.ID()).Msg("close upstream stream")
		}
	}()

	w, err := sess.ClaimWriter()
	if err != nil {
		log.Error().Err(err).Str("session_id", sess.ID()).Msg("driver could not claim session")
		return
	}
	stats := &runStats{start: sess.CreatedAt()}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("session_id", sess.ID()).Msg("driver panic")
			d.fail(sess, w, fmt.Errorf("internal fault: %v", r), nil, stats)
		}
	}()

	var reported *upstream.Usage
	for stream.Next() {
		if !d.alive(ctx, sess) {
			d.stopQuietly(sess, stats.segments())
			return
		}
		chunk := stream.Current()
		if chunk.Model != "" {
			w.SetModel(chunk.Model)
		}
		if chunk.Usage != nil {
			u := *chunk.Usage
			reported = &u
		}
		if chunk.Content == "" {
			continue
		}

		pieces, err := w.Push(chunk.Content)
		if errors.Is(err, session.ErrTerminal) {
			return
		}
		for _, p := range pieces {
			if p.Forced {
				d.countSegment(stats, "forced")
			} else {
				d.countSegment(stats, "natural")
			}
		}
	}

	if !d.alive(ctx, sess) {
		d.stopQuietly(sess, stats.segments())
		return
	}
	if err := stream.Err(); err != nil {
		if d.metrics != nil {
			d.metrics.UpstreamErrors.WithLabelValues("stream").Inc()
		}
		d.fail(sess, w, err, reported, stats)
		return
	}

	d.setUsage(sess, w, reported)
	tail, err := w.Complete(d.now())
	if err != nil {
		return
	}
	if tail != "" {
		d.countSegment(stats, "final")
	}
	snap := sess.Snapshot()
	log.Info().
		Str("session_id", snap.ID).
		Int("segments", len(snap.Segments)).
		Str("model", snap.Model).
		Int("total_tokens", snap.Usage.TotalTokens).
		Msg("stream completed")
	d.finish(snap, stats)
}

func (d *Driver) alive(ctx context.Context, sess *session.Session) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case <-sess.Done():
		return false
	default:
	}
	return sess.Status() == session.StatusProcessing
}

func (d *Driver) stopQuietly(sess *session.Session, segments int) {
	log.Debug().Str("session_id", sess.ID()).Int("segments", segments).Msg("stream abandoned")
	if d.metrics != nil {
		d.metrics.SessionEvents.WithLabelValues("abandoned").Inc()
	}
}

func (d *Driver) fail(sess *session.Session, w *session.Writer, cause error, reported *upstream.Usage, stats *runStats) {
	d.setUsage(sess, w, reported)
	if err := w.Fail(cause, d.now()); err != nil {
		return
	}
	log.Warn().Err(cause).Str("session_id", sess.ID()).Msg("stream failed")
	if d.metrics != nil {
		d.metrics.SessionEvents.WithLabelValues("failed").Inc()
	}
	d.finish(sess.Snapshot(), stats)
}

// setUsage prefers upstream-reported accounting and estimates otherwise.
func (d *Driver) setUsage(sess *session.Session, w *session.Writer, reported *upstream.Usage) {
	if reported != nil {
		w.SetUsage(session.Usage{
			PromptTokens:     reported.PromptTokens,
			CompletionTokens: reported.CompletionTokens,
			TotalTokens:      reported.TotalTokens,
		})
		return
	}
	prompt := sess.Snapshot().Usage.PromptTokens
	w.SetUsage(session.Usage{
		PromptTokens:     prompt,
		CompletionTokens: usage.EstimateTokens(w.Text()),
	})
}

// runStats accumulates per-run segment timing for the stream window.
type runStats struct {
	sample observability.StreamSample
	start  time.Time
	last   time.Time
}

func (r *runStats) segments() int {
	return r.sample.Natural + r.sample.Forced + r.sample.Final
}

func (d *Driver) countSegment(stats *runStats, kind string) {
	now := d.now()
	if stats.segments() == 0 {
		stats.sample.FirstSegment = now.Sub(stats.start)
		if d.metrics != nil {
			d.metrics.ObserveFirstSegmentLatency(stats.sample.FirstSegment)
		}
	} else {
		stats.sample.IntervalSum += now.Sub(stats.last)
	}
	stats.last = now
	switch kind {
	case "forced":
		stats.sample.Forced++
	case "final":
		stats.sample.Final++
	default:
		stats.sample.Natural++
	}
	if d.metrics != nil {
		d.metrics.Segments.WithLabelValues(kind).Inc()
	}
}

func (d *Driver) finish(snap session.Snapshot, stats *runStats) {
	if d.metrics != nil {
		stats.sample.Status = string(snap.Status)
		stats.sample.Total = snap.FinishedAt.Sub(snap.CreatedAt)
		d.metrics.Streams.Record(stats.sample)
	}
	if d.onFinish != nil {
		d.onFinish(snap)
	}
}
