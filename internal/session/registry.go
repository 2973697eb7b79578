package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const DefaultTTL = 24 * time.Hour

// Registry is the concurrent id -> Session map. Its lock guards only the map;
// each Session synchronizes its own fields.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration
	now      func() time.Time
	onExpire func(Snapshot)

	sweepMu   sync.Mutex
	sweeper   *cron.Cron
	sweepDone chan struct{}
}

func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the wall clock used for creation stamps and eviction.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *Registry) SetExpireHook(hook func(Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = hook
}

func (r *Registry) TTL() time.Duration { return r.ttl }

// Create registers a new Processing session. An existing id is never
// overwritten. The session context derives from parent.
func (r *Registry) Create(parent context.Context, id string, init Init) (*Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("create session: empty id")
	}
	if init.Segmenter == nil {
		return nil, fmt.Errorf("create session %s: segmenter is required", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return nil, fmt.Errorf("create session %s: %w", id, ErrExists)
	}
	s := newSession(parent, id, init, r.now())
	r.sessions[id] = s
	return s, nil
}

func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Delete removes the session and cancels its context so the producer stops
// consuming the upstream.
func (r *Registry) Delete(id string) (*Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return nil, ErrNotFound
	}
	s.cancel()
	return s, nil
}

// ForEach calls fn for every registered session until fn returns false. fn
// runs without the registry lock held.
func (r *Registry) ForEach(fn func(*Session) bool) {
	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	for _, s := range all {
		if !fn(s) {
			return
		}
	}
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ActiveCount is the number of sessions still Processing.
func (r *Registry) ActiveCount() int {
	count := 0
	r.ForEach(func(s *Session) bool {
		if s.Status() == StatusProcessing {
			count++
		}
		return true
	})
	return count
}

// Sweep evicts every session whose age reached the TTL, whatever its status,
// and returns how many were removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	now := r.now()
	var expired []*Session
	for id, s := range r.sessions {
		if now.Sub(s.createdAt) < r.ttl {
			continue
		}
		delete(r.sessions, id)
		expired = append(expired, s)
	}
	hook := r.onExpire
	r.mu.Unlock()

	for _, s := range expired {
		s.cancel()
		snap := s.Snapshot()
		log.Debug().
			Str("session_id", snap.ID).
			Str("status", string(snap.Status)).
			Int("segments", len(snap.Segments)).
			Msg("session expired")
		if hook != nil {
			hook(snap)
		}
	}
	if len(expired) > 0 {
		log.Info().Int("evicted", len(expired)).Dur("ttl", r.ttl).Msg("session sweep")
	}
	return len(expired)
}

// StartSweeper runs Sweep on a cron schedule (e.g. "@every 10m") until ctx is
// cancelled or Stop is called.
func (r *Registry) StartSweeper(ctx context.Context, schedule string) error {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		schedule = "@every 10m"
	}

	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()
	if r.sweeper != nil {
		return fmt.Errorf("session sweeper already running")
	}

	logger := newCronLogger()
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger)))
	if _, err := c.AddFunc(schedule, func() { r.Sweep() }); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	c.Start()
	done := make(chan struct{})
	r.sweeper = c
	r.sweepDone = done

	go func() {
		select {
		case <-ctx.Done():
			r.Stop()
		case <-done:
		}
	}()

	log.Info().Str("schedule", schedule).Dur("ttl", r.ttl).Msg("session sweeper started")
	return nil
}

// Stop halts the sweeper and waits for a running sweep to finish.
func (r *Registry) Stop() {
	r.sweepMu.Lock()
	c, done := r.sweeper, r.sweepDone
	r.sweeper, r.sweepDone = nil, nil
	r.sweepMu.Unlock()

	if c == nil {
		return
	}
	close(done)
	<-c.Stop().Done()
	log.Info().Msg("session sweeper stopped")
}
