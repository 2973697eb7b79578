package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/streamrelay/internal/segment"
)

var testSegmenter = segment.MustNew(segment.DefaultRules())

func testInit() Init {
	return Init{Model: "test-model", PromptTokens: 3, Segmenter: testSegmenter}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestRegistryCreateGetDelete(t *testing.T) {
	r := NewRegistry(time.Minute)

	s, err := r.Create(context.Background(), "abc", testInit())
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, s.Status())

	got, err := r.Get("abc")
	require.NoError(t, err)
	assert.Same(t, s, got)

	deleted, err := r.Delete("abc")
	require.NoError(t, err)
	assert.Same(t, s, deleted)

	select {
	case <-s.Done():
	default:
		t.Fatalf("Delete() should cancel the session context")
	}

	_, err = r.Get("abc")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Delete("abc")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryCreateRejectsDuplicate(t *testing.T) {
	r := NewRegistry(time.Minute)

	first, err := r.Create(context.Background(), "dup", testInit())
	require.NoError(t, err)
	_, err = r.Create(context.Background(), "dup", testInit())
	require.ErrorIs(t, err, ErrExists)

	got, err := r.Get("dup")
	require.NoError(t, err)
	assert.Same(t, first, got, "duplicate create must not overwrite")
}

func TestRegistrySweepEvictsAfterTTL(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := NewRegistry(time.Hour)
	r.SetClock(clock.Now)

	var expired []string
	r.SetExpireHook(func(s Snapshot) { expired = append(expired, s.ID) })

	_, err := r.Create(context.Background(), "old", testInit())
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	done, err := r.Create(context.Background(), "young", testInit())
	require.NoError(t, err)
	w, err := done.ClaimWriter()
	require.NoError(t, err)
	_, err = w.Complete(clock.Now())
	require.NoError(t, err)

	assert.Zero(t, r.Sweep())

	clock.Advance(31 * time.Minute)
	assert.Equal(t, 1, r.Sweep())
	_, err = r.Get("old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Get("young")
	require.NoError(t, err)

	// Completed sessions are reclaimed too.
	clock.Advance(30 * time.Minute)
	assert.Equal(t, 1, r.Sweep())
	_, err = r.Get("young")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{"old", "young"}, expired)
}

func TestRegistrySweeperRunsOnSchedule(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := NewRegistry(time.Minute)
	r.SetClock(clock.Now)

	_, err := r.Create(context.Background(), "stale", testInit())
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.StartSweeper(ctx, "@every 1s"))
	require.Error(t, r.StartSweeper(ctx, "@every 1s"))

	require.Eventually(t, func() bool { return r.Count() == 0 }, 5*time.Second, 50*time.Millisecond)

	r.Stop()
	r.Stop()
}

func TestRegistryStartSweeperRejectsBadSchedule(t *testing.T) {
	r := NewRegistry(time.Minute)
	err := r.StartSweeper(context.Background(), "every now and then")
	require.Error(t, err)
}

func TestRegistryConcurrentCreateDelete(t *testing.T) {
	r := NewRegistry(time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s-%d", i)
			_, err := r.Create(context.Background(), id, testInit())
			assert.NoError(t, err)
			if i%2 == 0 {
				_, err = r.Delete(id)
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 16, r.Count())
	assert.Equal(t, 16, r.ActiveCount())
}

func TestSessionsDoNotShareBuffers(t *testing.T) {
	r := NewRegistry(time.Minute)
	a, err := r.Create(context.Background(), "a", testInit())
	require.NoError(t, err)
	b, err := r.Create(context.Background(), "b", testInit())
	require.NoError(t, err)

	wa, err := a.ClaimWriter()
	require.NoError(t, err)
	wb, err := b.ClaimWriter()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, job := range []struct {
		w    *Writer
		word string
	}{{wa, "alpha"}, {wb, "beta"}} {
		wg.Add(1)
		go func(w *Writer, word string) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_, err := w.Push(word + ", ")
				assert.NoError(t, err)
			}
		}(job.w, job.word)
	}
	wg.Wait()

	assert.NotContains(t, wa.Text(), "beta")
	assert.NotContains(t, wb.Text(), "alpha")
	assert.Equal(t, strings.Repeat("alpha, ", 200), wa.Text())
	assert.Equal(t, strings.Repeat("beta, ", 200), wb.Text())
}

func TestErrorsAreDistinct(t *testing.T) {
	assert.False(t, errors.Is(ErrExists, ErrNotFound))
	assert.False(t, errors.Is(ErrTerminal, ErrWriterClaimed))
}
