package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/streamrelay/internal/protocol"
)

type benchOptions struct {
	baseURL     string
	upstreamURL string
	apiKey      string
	model       string
	runs        int
	concurrency int
	runTimeout  time.Duration
	texts       []string
	verbose     bool
}

var defaultPrompts = []string{
	"Reply in three words: latency bottleneck?",
	"Reply in three words: next optimization?",
	"Reply in three words: architecture summary?",
	"Reply in three words: top risk?",
}

// benchResult is the timing of one relayed stream.
type benchResult struct {
	Connected    time.Duration
	FirstSegment time.Duration
	Total        time.Duration
	Segments     int
	Status       string
	Err          error
}

func newBenchCmd() *cobra.Command {
	var (
		opts     benchOptions
		textsRaw string
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Replay prompts over the WebSocket surface and report latency",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.normalize(textsRaw); err != nil {
				return err
			}
			results, err := runBench(cmd.Context(), opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			printBenchSummary(cmd.OutOrStdout(), results)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.baseURL, "base-url", "http://127.0.0.1:3010", "streamrelay base URL")
	cmd.Flags().StringVar(&opts.upstreamURL, "upstream-url", "https://api.openai.com/v1/chat/completions", "chat completions endpoint the relay should call")
	cmd.Flags().StringVar(&opts.apiKey, "api-key", "bench", "API key forwarded to the upstream")
	cmd.Flags().StringVar(&opts.model, "model", "gpt-4o-mini", "model requested from the upstream")
	cmd.Flags().IntVar(&opts.runs, "runs", 10, "number of streams to open")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 2, "streams in flight at once")
	cmd.Flags().DurationVar(&opts.runTimeout, "run-timeout", 30*time.Second, "timeout per stream")
	cmd.Flags().StringVar(&textsRaw, "texts", "", "prompts separated by '|' (optional)")
	cmd.Flags().BoolVar(&opts.verbose, "verbose", false, "print per-stream progress")
	return cmd
}

func (o *benchOptions) normalize(textsRaw string) error {
	o.baseURL = strings.TrimRight(strings.TrimSpace(o.baseURL), "/")
	if o.baseURL == "" {
		return fmt.Errorf("base-url is required")
	}
	if o.runs <= 0 {
		return fmt.Errorf("runs must be > 0")
	}
	if o.concurrency <= 0 {
		o.concurrency = 1
	}
	if o.runTimeout < time.Second {
		o.runTimeout = time.Second
	}
	if strings.TrimSpace(textsRaw) == "" {
		o.texts = append([]string(nil), defaultPrompts...)
		return nil
	}
	for _, part := range strings.Split(textsRaw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			o.texts = append(o.texts, t)
		}
	}
	if len(o.texts) == 0 {
		return fmt.Errorf("texts produced no non-empty prompts")
	}
	return nil
}

func wsURLFor(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = ""
	return u.String(), nil
}

func runBench(ctx context.Context, opts benchOptions, progress io.Writer) ([]benchResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	wsURL, err := wsURLFor(opts.baseURL)
	if err != nil {
		return nil, fmt.Errorf("build ws URL: %w", err)
	}

	results := make([]benchResult, opts.runs)
	var progressMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.concurrency)
	for i := 0; i < opts.runs; i++ {
		g.Go(func() error {
			runCtx, cancel := context.WithTimeout(gctx, opts.runTimeout)
			defer cancel()
			res := benchOnce(runCtx, wsURL, opts, opts.texts[i%len(opts.texts)])
			results[i] = res
			if opts.verbose {
				progressMu.Lock()
				fmt.Fprintf(progress, "bench: run %d/%d status=%s segments=%d first=%s total=%s err=%v\n",
					i+1, opts.runs, res.Status, res.Segments, res.FirstSegment, res.Total, res.Err)
				progressMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

func benchOnce(ctx context.Context, wsURL string, opts benchOptions, prompt string) benchResult {
	began := time.Now()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return benchResult{Err: fmt.Errorf("open websocket: %w", err)}
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
	}

	msg := protocol.Init{
		Type:   protocol.TypeInit,
		URL:    opts.upstreamURL,
		APIKey: opts.apiKey,
		Body: map[string]any{
			"model":    opts.model,
			"messages": []any{map[string]any{"role": "user", "content": prompt}},
		},
	}
	if err := conn.WriteJSON(msg); err != nil {
		return benchResult{Err: fmt.Errorf("send init: %w", err)}
	}

	var res benchResult
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			res.Err = fmt.Errorf("ws read: %w", err)
			return res
		}
		var env struct {
			Type   protocol.MessageType `json:"type"`
			Status string               `json:"status"`
			Error  string               `json:"error"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case protocol.TypeConnected:
			res.Connected = time.Since(began)
		case protocol.TypeContent:
			if res.Segments == 0 {
				res.FirstSegment = time.Since(began)
			}
			res.Segments++
		case protocol.TypeCompleted:
			res.Status = env.Status
			res.Total = time.Since(began)
			return res
		case protocol.TypeError:
			res.Status = "failed"
			res.Total = time.Since(began)
			res.Err = fmt.Errorf("relay error: %s", env.Error)
			return res
		}
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func printBenchSummary(w io.Writer, results []benchResult) {
	var (
		first, total []time.Duration
		failed       int
		segments     int
	)
	for _, r := range results {
		if r.Err != nil {
			failed++
			continue
		}
		segments += r.Segments
		total = append(total, r.Total)
		if r.Segments > 0 {
			first = append(first, r.FirstSegment)
		}
	}
	slices.Sort(first)
	slices.Sort(total)

	fmt.Fprintf(w, "runs=%d ok=%d failed=%d segments=%d\n", len(results), len(results)-failed, failed, segments)
	fmt.Fprintf(w, "first_segment p50=%s p95=%s\n", percentile(first, 0.50), percentile(first, 0.95))
	fmt.Fprintf(w, "stream_total  p50=%s p95=%s\n", percentile(total, 0.50), percentile(total, 0.95))
}
