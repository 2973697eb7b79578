package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ent0n29/streamrelay/internal/observability"
	"github.com/ent0n29/streamrelay/internal/segment"
	"github.com/ent0n29/streamrelay/internal/session"
	"github.com/ent0n29/streamrelay/internal/upstream"
	"github.com/ent0n29/streamrelay/internal/usage"
)

var (
	// ErrInvalidRequest marks start requests rejected before any session exists.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrSessionClosed is returned by Follow when the session is ended or
	// evicted before reaching a terminal state.
	ErrSessionClosed = errors.New("session closed")
)

type Options struct {
	Registry  *session.Registry
	Client    upstream.Client
	Segmenter *segment.Segmenter
	Ledger    usage.Store
	Metrics   *observability.Metrics
	// StripTrailing removes trailing soft punctuation from segments on the
	// push paths. Stored segments and poll results are never altered.
	StripTrailing bool
}

// Service wires the registry, the upstream client and the driver into the
// start / poll / end / follow operations used by every delivery surface.
type Service struct {
	registry  *session.Registry
	client    upstream.Client
	segmenter *segment.Segmenter
	ledger    usage.Store
	metrics   *observability.Metrics
	driver    *Driver
	strip     []string

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

func NewService(opts Options) *Service {
	if opts.Registry == nil {
		opts.Registry = session.NewRegistry(session.DefaultTTL)
	}
	if opts.Segmenter == nil {
		opts.Segmenter = segment.MustNew(segment.DefaultRules())
	}
	if opts.Ledger == nil {
		opts.Ledger = usage.NewInMemoryStore()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		registry:  opts.Registry,
		client:    opts.Client,
		segmenter: opts.Segmenter,
		ledger:    opts.Ledger,
		metrics:   opts.Metrics,
		driver:    NewDriver(opts.Metrics),
		baseCtx:   ctx,
		stop:      cancel,
	}
	if opts.StripTrailing {
		s.strip = segment.SoftPunctuation
	}
	s.driver.OnFinish(s.recordFinished)
	s.registry.SetExpireHook(func(snap session.Snapshot) {
		if s.metrics != nil {
			s.metrics.SessionEvents.WithLabelValues("expired").Inc()
		}
	})
	return s
}

func (s *Service) Registry() *session.Registry { return s.registry }

func (s *Service) Ledger() usage.Store { return s.ledger }

// Start validates req, registers a Processing session, opens the upstream
// stream and launches its driver. On an open failure the session is removed
// again and the error matches upstream.ErrStart.
func (s *Service) Start(ctx context.Context, req upstream.Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if s.client == nil {
		return "", fmt.Errorf("%w: no upstream client configured", upstream.ErrStart)
	}

	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	sess, err := s.registry.Create(s.baseCtx, id, session.Init{
		Model:        req.Model(),
		PromptTokens: usage.EstimateTokens(req.PromptText()),
		Segmenter:    s.segmenter,
	})
	if err != nil {
		return "", err
	}

	// The stream lives as long as the session, not the calling request.
	openCtx, cancelOpen := context.WithCancel(sess.Context())
	stop := context.AfterFunc(ctx, cancelOpen)
	stream, err := s.client.Open(openCtx, req)
	if !stop() && err == nil {
		// The caller left while the stream was opening; openCtx is already cancelled.
		_ = stream.Close()
		err = fmt.Errorf("%w: caller cancelled while opening: %w", upstream.ErrStart, context.Cause(ctx))
	}
	if err != nil {
		cancelOpen()
		_, _ = s.registry.Delete(id)
		if s.metrics != nil {
			s.metrics.UpstreamErrors.WithLabelValues("start").Inc()
		}
		log.Warn().Err(err).Str("session_id", id).Msg("upstream start failed")
		return "", err
	}

	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("started").Inc()
		s.metrics.ActiveSessions.Inc()
	}
	log.Info().Str("session_id", id).Str("model", req.Model()).Msg("stream started")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancelOpen()
		if s.metrics != nil {
			defer s.metrics.ActiveSessions.Dec()
		}
		s.driver.Run(sess.Context(), sess, stream)
	}()
	return id, nil
}

// Poll returns the segments after the cursor without blocking.
func (s *Service) Poll(id string, after int) (session.PollResult, error) {
	sess, err := s.registry.Get(id)
	if err != nil {
		if s.metrics != nil {
			s.metrics.PollRequests.WithLabelValues("not_found").Inc()
		}
		return session.PollResult{}, err
	}
	res := sess.Poll(after)
	if s.metrics != nil {
		outcome := "empty"
		if len(res.Results) > 0 {
			outcome = "results"
		}
		s.metrics.PollRequests.WithLabelValues(outcome).Inc()
	}
	return res, nil
}

// EndResult is the accounting returned when a session is ended.
type EndResult struct {
	Status string        `json:"status"`
	Model  string        `json:"model"`
	Usage  session.Usage `json:"usage"`
}

// End deletes the session, which stops its driver at the next delta, and
// records its usage in the ledger.
func (s *Service) End(ctx context.Context, id string) (EndResult, error) {
	sess, err := s.registry.Delete(id)
	if err != nil {
		return EndResult{}, err
	}
	snap := sess.Snapshot()
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	}

	status := string(snap.Status)
	if !snap.Status.Terminal() {
		status = "cancelled"
	}
	if err := s.ledger.Record(ctx, recordOf(snap, status)); err != nil {
		log.Warn().Err(err).Str("session_id", id).Msg("record usage")
	}
	log.Info().Str("session_id", id).Str("status", status).Int("segments", len(snap.Segments)).Msg("session ended")

	return EndResult{Status: "success", Model: snap.Model, Usage: snap.Usage}, nil
}

// Snapshot returns the current state of a session.
func (s *Service) Snapshot(id string) (session.Snapshot, error) {
	sess, err := s.registry.Get(id)
	if err != nil {
		return session.Snapshot{}, err
	}
	return sess.Snapshot(), nil
}

// Sink receives pushed output. Segment is called once per segment in order,
// then Finished exactly once with the terminal snapshot.
type Sink interface {
	Segment(index int, text string) error
	Finished(snap session.Snapshot) error
}

// Follow pushes every segment at or after the cursor to sink as it appears,
// then the terminal state. It observes the session like any poller, so a
// slow or failed sink never blocks or affects the driver.
func (s *Service) Follow(ctx context.Context, id string, after int, sink Sink) error {
	sess, err := s.registry.Get(id)
	if err != nil {
		return err
	}
	wake, unsubscribe := sess.Subscribe()
	defer unsubscribe()

	cursor := after
	closed := false
	for {
		res := sess.Poll(cursor)
		for i, seg := range res.Results {
			text := segment.TrimTrailing(seg, s.strip)
			if err := sink.Segment(cursor+i, text); err != nil {
				return fmt.Errorf("deliver segment: %w", err)
			}
		}
		cursor = res.NextAfter
		if res.Status.Terminal() {
			if err := sink.Finished(sess.Snapshot()); err != nil {
				return fmt.Errorf("deliver terminal state: %w", err)
			}
			return nil
		}
		if closed {
			return ErrSessionClosed
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		case <-sess.Done():
			// One more pass picks up anything appended before the close.
			closed = true
		}
	}
}

// Usage returns per-model totals from the ledger.
func (s *Service) Usage(ctx context.Context) ([]usage.ModelTotal, error) {
	return s.ledger.Totals(ctx)
}

// Shutdown cancels every running driver and waits for them, bounded by ctx.
func (s *Service) Shutdown(ctx context.Context) error {
	s.stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) recordFinished(snap session.Snapshot) {
	if s.metrics != nil && snap.Status == session.StatusCompleted {
		s.metrics.SessionEvents.WithLabelValues("completed").Inc()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.ledger.Record(ctx, recordOf(snap, string(snap.Status))); err != nil {
		log.Warn().Err(err).Str("session_id", snap.ID).Msg("record usage")
	}
}

func recordOf(snap session.Snapshot, status string) usage.Record {
	return usage.Record{
		SessionID:        snap.ID,
		Model:            snap.Model,
		Status:           status,
		PromptTokens:     snap.Usage.PromptTokens,
		CompletionTokens: snap.Usage.CompletionTokens,
		TotalTokens:      snap.Usage.TotalTokens,
		Segments:         len(snap.Segments),
	}
}
