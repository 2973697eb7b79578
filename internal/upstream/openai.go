package upstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
)

// StartError is returned by Open when the upstream rejected or never
// answered the request. StatusCode is zero for transport failures.
type StartError struct {
	StatusCode int
	Err        error
}

func (e *StartError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %v", ErrStart, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", ErrStart, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

func (e *StartError) Is(target error) bool { return target == ErrStart }

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	timeout time.Duration
}

func NewOpenAIClient(timeout time.Duration) *OpenAIClient {
	return &OpenAIClient{timeout: timeout}
}

func (c *OpenAIClient) Open(ctx context.Context, req Request) (Stream, error) {
	if err := req.Validate(); err != nil {
		return nil, &StartError{Err: err}
	}

	opts := []option.RequestOption{
		option.WithBaseURL(BaseURL(req.URL)),
		option.WithAPIKey(req.APIKey),
		option.WithMaxRetries(0),
	}
	if c.timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(c.timeout))
	}
	client := openai.NewClient(opts...)

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(req.Model()),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	// Everything else in the body passes through untouched.
	var bodyOpts []option.RequestOption
	for k, v := range req.Body {
		switch k {
		case "stream", "model":
			continue
		}
		bodyOpts = append(bodyOpts, option.WithJSONSet(k, v))
	}

	stream := client.Chat.Completions.NewStreaming(ctx, params, bodyOpts...)
	if err := stream.Err(); err != nil {
		_ = stream.Close()
		return nil, classifyStartError(err)
	}
	return &openAIStream{stream: stream}, nil
}

func classifyStartError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &StartError{StatusCode: apiErr.StatusCode, Err: err}
	}
	return &StartError{Err: err}
}

type openAIStream struct {
	stream  *ssestream.Stream[openai.ChatCompletionChunk]
	current Chunk
}

func (s *openAIStream) Next() bool {
	for s.stream.Next() {
		chunk := s.stream.Current()
		out := Chunk{Model: strings.TrimSpace(chunk.Model)}
		for _, choice := range chunk.Choices {
			out.Content += choice.Delta.Content
		}
		if chunk.Usage.TotalTokens > 0 || chunk.Usage.CompletionTokens > 0 {
			out.Usage = &Usage{
				PromptTokens:     int(chunk.Usage.PromptTokens),
				CompletionTokens: int(chunk.Usage.CompletionTokens),
				TotalTokens:      int(chunk.Usage.TotalTokens),
			}
		}
		if out.Content == "" && out.Usage == nil && out.Model == "" {
			continue
		}
		s.current = out
		return true
	}
	return false
}

func (s *openAIStream) Current() Chunk { return s.current }

func (s *openAIStream) Err() error { return s.stream.Err() }

func (s *openAIStream) Close() error { return s.stream.Close() }
