package upstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrStart marks failures to open a generation stream. Errors after the
// stream started are returned by Stream.Err and never match ErrStart.
var ErrStart = errors.New("upstream stream failed to start")

// Request is what a client sends to open a relay: the upstream endpoint, its
// credential and the generation request body, forwarded as-is except that
// streaming is always enabled.
type Request struct {
	URL    string         `json:"url"`
	APIKey string         `json:"api_key"`
	Body   map[string]any `json:"body_obj"`
}

// Validate checks the fields a relay cannot start without.
func (r Request) Validate() error {
	if strings.TrimSpace(r.URL) == "" {
		return errors.New("url is required")
	}
	if strings.TrimSpace(r.APIKey) == "" {
		return errors.New("api_key is required")
	}
	if len(r.Body) == 0 {
		return errors.New("body_obj is required")
	}
	return nil
}

// Model is the model named in the request body, if any.
func (r Request) Model() string {
	if v, ok := r.Body["model"].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// PromptText concatenates the text content of every request message.
func (r Request) PromptText() string {
	msgs, _ := r.Body["messages"].([]any)
	var b strings.Builder
	for _, m := range msgs {
		obj, ok := m.(map[string]any)
		if !ok {
			continue
		}
		switch c := obj["content"].(type) {
		case string:
			b.WriteString(c)
			b.WriteByte('\n')
		case []any:
			for _, part := range c {
				p, ok := part.(map[string]any)
				if !ok {
					continue
				}
				if text, ok := p["text"].(string); ok {
					b.WriteString(text)
					b.WriteByte('\n')
				}
			}
		}
	}
	return b.String()
}

// BaseURL derives the API base from the configured endpoint, which may be
// given either as the base or as the full chat completions URL.
func BaseURL(endpoint string) string {
	u := strings.TrimSpace(endpoint)
	u = strings.TrimRight(u, "/")
	u = strings.TrimSuffix(u, "/chat/completions")
	return strings.TrimRight(u, "/") + "/"
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Chunk is one item of a generation stream. Content may be empty when the
// chunk only carries metadata such as usage.
type Chunk struct {
	Content string
	Model   string
	Usage   *Usage
}

// Stream is a finite, fallible sequence of chunks.
type Stream interface {
	Next() bool
	Current() Chunk
	Err() error
	Close() error
}

// Client opens generation streams.
type Client interface {
	Open(ctx context.Context, req Request) (Stream, error)
}

// Config controls client construction.
type Config struct {
	Mode         string
	Timeout      time.Duration
	StartRetries int
	RetryBase    time.Duration
	RetryCap     time.Duration
	MockDelay    time.Duration
}

func NewClient(cfg Config) (Client, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "openai"
	}

	var base Client
	switch mode {
	case "openai":
		base = NewOpenAIClient(cfg.Timeout)
	case "mock":
		base = NewMockClient(cfg.MockDelay)
	default:
		return nil, fmt.Errorf("unsupported upstream mode %q", cfg.Mode)
	}
	if cfg.StartRetries > 0 {
		return WithRetry(base, cfg.StartRetries, cfg.RetryBase, cfg.RetryCap), nil
	}
	return base, nil
}
