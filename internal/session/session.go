package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ent0n29/streamrelay/internal/segment"
)

type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var (
	ErrNotFound      = errors.New("session not found")
	ErrExists        = errors.New("session already exists")
	ErrTerminal      = errors.New("session already finished")
	ErrWriterClaimed = errors.New("session writer already claimed")
)

// Usage is token accounting for one generation.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Init carries the fields fixed at session creation.
type Init struct {
	Model        string
	PromptTokens int
	Segmenter    *segment.Segmenter
}

// Session is one in-flight generation stream. Mutation goes through the
// single Writer returned by ClaimWriter; everything else only reads.
type Session struct {
	id        string
	createdAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc

	mu       sync.RWMutex
	status   Status
	segments []string
	chunker  *segment.Chunker
	errText  string
	model    string
	usage    Usage
	finished time.Time

	claimed atomic.Bool

	subMu   sync.Mutex
	subs    map[int]chan struct{}
	nextSub int
}

func newSession(parent context.Context, id string, init Init, now time.Time) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		id:        id,
		createdAt: now,
		ctx:       ctx,
		cancel:    cancel,
		status:    StatusProcessing,
		chunker:   segment.NewChunker(init.Segmenter),
		model:     init.Model,
		usage:     Usage{PromptTokens: init.PromptTokens, TotalTokens: init.PromptTokens},
		subs:      make(map[int]chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Context is cancelled when the session is deleted or evicted.
func (s *Session) Context() context.Context { return s.ctx }

// Done is closed when the session leaves the registry.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Snapshot is an immutable copy of a session's observable state.
type Snapshot struct {
	ID         string    `json:"id"`
	Status     Status    `json:"status"`
	Segments   []string  `json:"segments"`
	Pending    string    `json:"pending,omitempty"`
	Depth      int       `json:"depth"`
	Error      string    `json:"error,omitempty"`
	Model      string    `json:"model,omitempty"`
	Usage      Usage     `json:"usage"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		ID:         s.id,
		Status:     s.status,
		Segments:   append([]string(nil), s.segments...),
		Pending:    s.chunker.Pending(),
		Depth:      s.chunker.State().Depth(),
		Error:      s.errText,
		Model:      s.model,
		Usage:      s.usage,
		CreatedAt:  s.createdAt,
		FinishedAt: s.finished,
	}
}

// PollResult is the pull-delivery view of a session after a cursor.
type PollResult struct {
	Status    Status   `json:"status"`
	Results   []string `json:"results"`
	NextAfter int      `json:"next_after"`
	Error     string   `json:"error,omitempty"`
}

// Poll returns every segment with index >= after and the cursor to use next.
// It never blocks on the producer and never mutates the session. A cursor
// beyond the end is returned unchanged.
func (s *Session) Poll(after int) PollResult {
	if after < 0 {
		after = 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := PollResult{
		Status:    s.status,
		Results:   []string{},
		NextAfter: after,
		Error:     s.errText,
	}
	if after < len(s.segments) {
		res.Results = append(res.Results, s.segments[after:]...)
		res.NextAfter = len(s.segments)
	}
	return res
}

// Subscribe returns a channel that receives a signal whenever the session
// gains segments or reaches a terminal state. Signals coalesce; subscribers
// re-read through Poll, so a missed signal never loses data.
func (s *Session) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.subMu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = ch
	s.subMu.Unlock()

	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Session) notify() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// ClaimWriter hands out the session's only Writer. A second claim fails.
func (s *Session) ClaimWriter() (*Writer, error) {
	if !s.claimed.CompareAndSwap(false, true) {
		return nil, ErrWriterClaimed
	}
	return &Writer{s: s}, nil
}

// Writer is the exclusive producer handle of a Session.
type Writer struct {
	s *Session
}

// Push appends delta to the pending buffer and finalizes every segment the
// segmenter releases.
func (w *Writer) Push(delta string) ([]segment.Piece, error) {
	s := w.s
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return nil, ErrTerminal
	}
	pieces := s.chunker.Push(delta)
	for _, p := range pieces {
		s.segments = append(s.segments, p.Text)
	}
	s.mu.Unlock()

	if len(pieces) > 0 {
		s.notify()
	}
	return pieces, nil
}

// SetModel records the model name reported by the upstream.
func (w *Writer) SetModel(model string) {
	model = strings.TrimSpace(model)
	if model == "" {
		return
	}
	w.s.mu.Lock()
	w.s.model = model
	w.s.mu.Unlock()
}

// SetUsage replaces the accounting fields.
func (w *Writer) SetUsage(u Usage) {
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	w.s.mu.Lock()
	w.s.usage = u
	w.s.mu.Unlock()
}

// Text is everything received so far: finalized segments then the pending buffer.
func (w *Writer) Text() string {
	s := w.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	var b strings.Builder
	for _, seg := range s.segments {
		b.WriteString(seg)
	}
	b.WriteString(s.chunker.Pending())
	return b.String()
}

// Complete flushes any pending text as a final segment and moves the session
// to StatusCompleted. It returns the flushed tail, which may be empty.
func (w *Writer) Complete(now time.Time) (string, error) {
	s := w.s
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return "", ErrTerminal
	}
	tail := s.chunker.Flush()
	if tail != "" {
		s.segments = append(s.segments, tail)
	}
	s.status = StatusCompleted
	s.finished = now
	s.mu.Unlock()

	s.notify()
	return tail, nil
}

// Fail moves the session to StatusFailed. Segments already appended stay
// visible; the pending buffer is kept but never emitted.
func (w *Writer) Fail(cause error, now time.Time) error {
	s := w.s
	msg := "unknown error"
	if cause != nil && cause.Error() != "" {
		msg = cause.Error()
	}
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return ErrTerminal
	}
	s.status = StatusFailed
	s.errText = msg
	s.finished = now
	s.mu.Unlock()

	s.notify()
	return nil
}
