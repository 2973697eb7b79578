package usage

import (
	"context"
	"time"
)

// Record is the accounting entry written once per finished session.
type Record struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"session_id"`
	Model            string    `json:"model"`
	Status           string    `json:"status"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	Segments         int       `json:"segments"`
	CreatedAt        time.Time `json:"created_at"`
}

// ModelTotal aggregates records of one model.
type ModelTotal struct {
	Model            string `json:"model"`
	Sessions         int    `json:"sessions"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
}

// Store persists usage records. Recording the same session twice keeps the
// first record.
type Store interface {
	Record(ctx context.Context, rec Record) error
	Totals(ctx context.Context) ([]ModelTotal, error)
	Recent(ctx context.Context, limit int) ([]Record, error)
	Close() error
}
