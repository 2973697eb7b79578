package upstream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

const mockModel = "mock-echo"

// MockClient streams a deterministic reply built from the last prompt
// message, one word per chunk. It never contacts the network.
type MockClient struct {
	delay time.Duration
}

func NewMockClient(delay time.Duration) *MockClient { return &MockClient{delay: delay} }

func (c *MockClient) Open(ctx context.Context, req Request) (Stream, error) {
	if err := req.Validate(); err != nil {
		return nil, &StartError{Err: err}
	}
	select {
	case <-ctx.Done():
		return nil, &StartError{Err: ctx.Err()}
	default:
	}

	reply := buildMockReply(req)
	words := strings.SplitAfter(reply, " ")
	chunks := make([]Chunk, 0, len(words)+1)
	for _, w := range words {
		if w == "" {
			continue
		}
		chunks = append(chunks, Chunk{Content: w, Model: mockModel})
	}
	prompt := len(strings.Fields(req.PromptText()))
	chunks = append(chunks, Chunk{Usage: &Usage{
		PromptTokens:     prompt,
		CompletionTokens: len(chunks),
		TotalTokens:      prompt + len(chunks),
	}})

	s := NewScriptedStream(chunks, nil)
	s.ctx = ctx
	s.delay = c.delay
	return s, nil
}

func buildMockReply(req Request) string {
	text := strings.TrimSpace(req.PromptText())
	if text == "" {
		return "Nothing to echo."
	}
	lines := strings.Split(text, "\n")
	return fmt.Sprintf("You said: %s. That is all, thanks!", strings.TrimSpace(lines[len(lines)-1]))
}

// ScriptedStream replays fixed chunks and then ends with err (nil for a
// clean end). It is used by the mock client and by tests.
type ScriptedStream struct {
	ctx    context.Context
	delay  time.Duration
	chunks []Chunk
	final  error

	mu      sync.Mutex
	idx     int
	current Chunk
	err     error
	closed  bool
}

func NewScriptedStream(chunks []Chunk, err error) *ScriptedStream {
	return &ScriptedStream{ctx: context.Background(), chunks: chunks, final: err}
}

// TextChunks builds content-only chunks.
func TextChunks(parts ...string) []Chunk {
	out := make([]Chunk, 0, len(parts))
	for _, p := range parts {
		out = append(out, Chunk{Content: p})
	}
	return out
}

func (s *ScriptedStream) Next() bool {
	if s.delay > 0 {
		t := time.NewTimer(s.delay)
		select {
		case <-s.ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.err != nil {
		return false
	}
	if err := s.ctx.Err(); err != nil {
		s.err = err
		return false
	}
	if s.idx >= len(s.chunks) {
		s.err = s.final
		return false
	}
	s.current = s.chunks[s.idx]
	s.idx++
	return true
}

func (s *ScriptedStream) Current() Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *ScriptedStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *ScriptedStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *ScriptedStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
