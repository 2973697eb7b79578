package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/streamrelay/internal/config"
	"github.com/ent0n29/streamrelay/internal/httpapi"
	"github.com/ent0n29/streamrelay/internal/observability"
	"github.com/ent0n29/streamrelay/internal/relay"
	"github.com/ent0n29/streamrelay/internal/session"
	"github.com/ent0n29/streamrelay/internal/upstream"
)

var metricsSeq atomic.Int64

func TestSegmentCommandPlain(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader("Hello, world! (a, b) done"))
	cmd.SetArgs([]string{"segment", "--chunk", "3"})
	require.NoError(t, cmd.Execute())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, `0	"Hello, "`, lines[0])
	assert.Equal(t, `1	"world! "`, lines[1])
	assert.Equal(t, `2 (final)	"(a, b) done"`, lines[2])
}

func TestSegmentCommandJSONStrip(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runSegment(&out, "one, two, three", segmentOptions{chunkSize: 1, asJSON: true, strip: true}))

	var got []segmentLine
	dec := json.NewDecoder(&out)
	for dec.More() {
		var l segmentLine
		require.NoError(t, dec.Decode(&l))
		got = append(got, l)
	}
	require.Len(t, got, 3)
	assert.Equal(t, "one ", got[0].Text)
	assert.Equal(t, ",", got[0].Token)
	assert.Equal(t, "two ", got[1].Text)
	assert.Equal(t, "three", got[2].Text)
	assert.True(t, got[2].Final)
}

func TestSegmentCommandRejectsBadRules(t *testing.T) {
	var out bytes.Buffer
	err := runSegment(&out, "text", segmentOptions{rulesFile: "/nonexistent/rules.yaml"})
	require.Error(t, err)
}

func TestBenchOptionsNormalize(t *testing.T) {
	o := benchOptions{baseURL: " http://localhost:3010/ ", runs: 3}
	require.NoError(t, o.normalize("a | | b"))
	assert.Equal(t, "http://localhost:3010", o.baseURL)
	assert.Equal(t, []string{"a", "b"}, o.texts)
	assert.Equal(t, 1, o.concurrency)
	assert.Equal(t, time.Second, o.runTimeout)

	bad := benchOptions{baseURL: "http://x", runs: 0}
	assert.Error(t, bad.normalize(""))

	empty := benchOptions{baseURL: "http://x", runs: 1}
	assert.Error(t, empty.normalize(" | "))
}

func TestWSURLFor(t *testing.T) {
	got, err := wsURLFor("https://relay.example.com/base/")
	require.NoError(t, err)
	assert.Equal(t, "wss://relay.example.com/base/ws", got)

	got, err = wsURLFor("http://127.0.0.1:3010")
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:3010/ws", got)

	_, err = wsURLFor("ftp://example.com")
	assert.Error(t, err)
}

func TestBenchAgainstMockRelay(t *testing.T) {
	metrics := observability.NewMetrics(fmt.Sprintf("test_cmd_%d", metricsSeq.Add(1)))
	svc := relay.NewService(relay.Options{
		Registry: session.NewRegistry(time.Hour),
		Client:   upstream.NewMockClient(0),
		Metrics:  metrics,
	})
	defer svc.Shutdown(context.Background())
	ts := httptest.NewServer(httpapi.New(config.Config{UpstreamMode: "mock"}, svc, metrics).Router())
	defer ts.Close()

	opts := benchOptions{baseURL: ts.URL, upstreamURL: "https://api.example.com/v1/chat/completions", apiKey: "k", model: "m", runs: 4, concurrency: 2}
	require.NoError(t, opts.normalize(""))

	var progress bytes.Buffer
	results, err := runBench(context.Background(), opts, &progress)
	require.NoError(t, err)
	require.Len(t, results, 4)
	for _, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, "completed", r.Status)
		assert.Positive(t, r.Segments)
		assert.LessOrEqual(t, r.FirstSegment, r.Total)
	}

	var summary bytes.Buffer
	printBenchSummary(&summary, results)
	assert.Contains(t, summary.String(), "runs=4 ok=4 failed=0")
}

func TestPercentile(t *testing.T) {
	assert.Zero(t, percentile(nil, 0.5))
	sorted := []time.Duration{1, 2, 3, 4, 5}
	assert.Equal(t, time.Duration(3), percentile(sorted, 0.5))
	assert.Equal(t, time.Duration(4), percentile(sorted, 0.95))
}
