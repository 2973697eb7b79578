package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/streamrelay/internal/config"
	"github.com/ent0n29/streamrelay/internal/observability"
	"github.com/ent0n29/streamrelay/internal/relay"
	"github.com/ent0n29/streamrelay/internal/session"
	"github.com/ent0n29/streamrelay/internal/upstream"
)

var metricsSeq atomic.Int64

const mockReply = "You said: hello there. That is all, thanks!"

func newTestServer(t *testing.T, delay time.Duration) (*httptest.Server, *relay.Service) {
	t.Helper()
	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_%d", metricsSeq.Add(1)))
	svc := relay.NewService(relay.Options{
		Registry: session.NewRegistry(time.Hour),
		Client:   upstream.NewMockClient(delay),
		Metrics:  metrics,
	})
	cfg := config.Config{UpstreamMode: "mock"}
	ts := httptest.NewServer(New(cfg, svc, metrics).Router())
	t.Cleanup(func() {
		ts.Close()
		_ = svc.Shutdown(context.Background())
	})
	return ts, svc
}

func startBody() map[string]any {
	return map[string]any{
		"url":     "https://api.example.com/v1/chat/completions",
		"api_key": "sk-test",
		"body_obj": map[string]any{
			"model":    "gpt-test",
			"messages": []any{map[string]any{"role": "user", "content": "hello there"}},
		},
	}
}

func postJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	res, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return res
}

func decode[T any](t *testing.T, res *http.Response) T {
	t.Helper()
	defer res.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	return out
}

func startStream(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	res := postJSON(t, ts.URL+"/start", startBody())
	require.Equal(t, http.StatusOK, res.StatusCode)
	created := decode[startResponse](t, res)
	require.Len(t, created.ID, 32)
	return created.ID
}

func pollUntilDone(t *testing.T, ts *httptest.Server, id string) session.PollResult {
	t.Helper()
	var (
		all    []string
		after  int
		latest session.PollResult
	)
	require.Eventually(t, func() bool {
		res, err := http.Get(fmt.Sprintf("%s/poll?id=%s&after=%d", ts.URL, id, after))
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, res.StatusCode)
		latest = decode[session.PollResult](t, res)
		all = append(all, latest.Results...)
		after = latest.NextAfter
		return latest.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	latest.Results = all
	return latest
}

func TestStartPollEnd(t *testing.T) {
	ts, _ := newTestServer(t, 0)
	id := startStream(t, ts)

	res := pollUntilDone(t, ts, id)
	assert.Equal(t, session.StatusCompleted, res.Status)
	assert.Equal(t, mockReply, strings.Join(res.Results, ""))
	assert.Equal(t, len(res.Results), res.NextAfter)

	endRes, err := http.Get(ts.URL + "/end?id=" + id)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, endRes.StatusCode)
	ended := decode[relay.EndResult](t, endRes)
	assert.Equal(t, "success", ended.Status)
	assert.Equal(t, "mock-echo", ended.Model)
	assert.Equal(t, 2, ended.Usage.PromptTokens)
	assert.Positive(t, ended.Usage.CompletionTokens)

	again, err := http.Get(ts.URL + "/poll?id=" + id)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, again.StatusCode)
	body := decode[errorResponse](t, again)
	assert.Equal(t, "Stream not found", body.Error)
}

func TestStartRejectsBadRequests(t *testing.T) {
	ts, _ := newTestServer(t, 0)

	empty, err := http.Post(ts.URL+"/start", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, empty.StatusCode)
	assert.Equal(t, "Missing required fields", decode[errorResponse](t, empty).Error)

	missing := startBody()
	delete(missing, "api_key")
	res := postJSON(t, ts.URL+"/start", missing)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "invalid_request", decode[errorResponse](t, res).Code)

	garbled, err := http.Post(ts.URL+"/start", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, garbled.StatusCode)
	garbled.Body.Close()
}

func TestPollAndEndValidation(t *testing.T) {
	ts, _ := newTestServer(t, 0)

	cases := []struct {
		path   string
		status int
		code   string
	}{
		{"/poll", http.StatusBadRequest, "missing_id"},
		{"/poll?id=abc&after=x", http.StatusBadRequest, "invalid_after"},
		{"/poll?id=abc&after=-1", http.StatusBadRequest, "invalid_after"},
		{"/poll?id=abc", http.StatusNotFound, "stream_not_found"},
		{"/end", http.StatusBadRequest, "missing_id"},
		{"/end?id=abc", http.StatusNotFound, "stream_not_found"},
		{"/sessions/abc", http.StatusNotFound, "stream_not_found"},
		{"/stream?id=abc", http.StatusNotFound, "stream_not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			res, err := http.Get(ts.URL + tc.path)
			require.NoError(t, err)
			assert.Equal(t, tc.status, res.StatusCode)
			assert.Equal(t, tc.code, decode[errorResponse](t, res).Code)
		})
	}
}

func TestPollCursorBeyondEnd(t *testing.T) {
	ts, _ := newTestServer(t, 0)
	id := startStream(t, ts)
	pollUntilDone(t, ts, id)

	res, err := http.Get(ts.URL + "/poll?id=" + id + "&after=500")
	require.NoError(t, err)
	out := decode[session.PollResult](t, res)
	assert.Empty(t, out.Results)
	assert.Equal(t, 500, out.NextAfter)
	assert.Equal(t, session.StatusCompleted, out.Status)
}

func TestSessionSnapshotAndUsage(t *testing.T) {
	ts, _ := newTestServer(t, 0)
	id := startStream(t, ts)
	pollUntilDone(t, ts, id)

	res, err := http.Get(ts.URL + "/sessions/" + id)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	snap := decode[session.Snapshot](t, res)
	assert.Equal(t, id, snap.ID)
	assert.Equal(t, session.StatusCompleted, snap.Status)

	type usageResponse struct {
		Models []struct {
			Model    string `json:"model"`
			Sessions int    `json:"sessions"`
		} `json:"models"`
		Recent []map[string]any `json:"recent"`
	}
	var usageBody usageResponse
	require.Eventually(t, func() bool {
		res, err := http.Get(ts.URL + "/usage?limit=5")
		require.NoError(t, err)
		usageBody = decode[usageResponse](t, res)
		return len(usageBody.Models) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "mock-echo", usageBody.Models[0].Model)
	assert.Equal(t, 1, usageBody.Models[0].Sessions)
	assert.Len(t, usageBody.Recent, 1)
}

func TestHealthReadyAndStages(t *testing.T) {
	ts, _ := newTestServer(t, 0)

	res, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	health := decode[map[string]any](t, res)
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "mock", health["upstream_mode"])

	res, err = http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	ready := decode[map[string]any](t, res)
	assert.Equal(t, "ready", ready["status"])
	assert.EqualValues(t, 3600000, ready["session_ttl_ms"])

	id := startStream(t, ts)
	pollUntilDone(t, ts, id)

	// The driver records the run just after the session turns terminal.
	var report observability.StreamSnapshot
	require.Eventually(t, func() bool {
		res, err := http.Get(ts.URL + "/debug/stages")
		if err != nil {
			return false
		}
		report = decode[observability.StreamSnapshot](t, res)
		return report.Streams == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, report.ByStatus["completed"])
	assert.Equal(t, 1, report.FirstSegment.Samples)
	assert.Positive(t, report.SegmentsPerRun)

	res, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	res.Body.Close()
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func TestWebSocketStreamsSegments(t *testing.T) {
	ts, _ := newTestServer(t, 0)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(startBody()))
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var connected map[string]any
	require.NoError(t, conn.ReadJSON(&connected))
	assert.Equal(t, "connected", connected["type"])
	assert.Len(t, connected["stream_id"], 32)

	var text strings.Builder
	next := 0
	for {
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		if msg["type"] == "content" {
			assert.EqualValues(t, next, msg["index"])
			next++
			text.WriteString(msg["content"].(string))
			continue
		}
		assert.Equal(t, "completed", msg["type"])
		assert.Equal(t, "completed", msg["status"])
		assert.Equal(t, "mock-echo", msg["model"])
		break
	}
	assert.Equal(t, mockReply, text.String())

	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
}

func TestWebSocketRejectsInvalidInit(t *testing.T) {
	ts, _ := newTestServer(t, 0)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "init", "url": "https://x"}))
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, "invalid_client_message", msg["code"])
}

func TestWebSocketCancelEndsSession(t *testing.T) {
	ts, svc := newTestServer(t, 200*time.Millisecond)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(startBody()))
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var connected map[string]any
	require.NoError(t, conn.ReadJSON(&connected))
	id := connected["stream_id"].(string)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "cancel"}))
	require.Eventually(t, func() bool {
		_, err := svc.Snapshot(id)
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		recent, err := svc.Ledger().Recent(context.Background(), 1)
		return err == nil && len(recent) == 1 && recent[0].Status == "cancelled"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	ts, _ := newTestServer(t, 0)

	header := http.Header{}
	header.Set("Origin", "https://evil.example.com")
	_, res, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

type sseEvent struct {
	id    string
	event string
	data  string
}

func readSSE(t *testing.T, res *http.Response) []sseEvent {
	t.Helper()
	defer res.Body.Close()
	var (
		events []sseEvent
		cur    sseEvent
	)
	sc := bufio.NewScanner(res.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			events = append(events, cur)
			cur = sseEvent{}
		case strings.HasPrefix(line, "id: "):
			cur.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		}
	}
	return events
}

func TestServerSentEvents(t *testing.T) {
	ts, _ := newTestServer(t, 0)
	id := startStream(t, ts)
	done := pollUntilDone(t, ts, id)

	res, err := http.Get(ts.URL + "/stream?id=" + id)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))

	events := readSSE(t, res)
	require.Len(t, events, len(done.Results)+1)
	for i, ev := range events[:len(done.Results)] {
		assert.Equal(t, "content", ev.event)
		assert.Equal(t, fmt.Sprint(i+1), ev.id)
		var msg map[string]any
		require.NoError(t, json.Unmarshal([]byte(ev.data), &msg))
		assert.Equal(t, done.Results[i], msg["content"])
	}
	last := events[len(events)-1]
	assert.Equal(t, "completed", last.event)
}

func TestServerSentEventsResume(t *testing.T) {
	ts, _ := newTestServer(t, 0)
	id := startStream(t, ts)
	done := pollUntilDone(t, ts, id)
	require.Greater(t, len(done.Results), 1)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/stream?id="+id, nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	events := readSSE(t, res)
	require.Len(t, events, len(done.Results))
	assert.Equal(t, "2", events[0].id)

	bad, err := http.NewRequest(http.MethodGet, ts.URL+"/stream?id="+id, nil)
	require.NoError(t, err)
	bad.Header.Set("Last-Event-ID", "nope")
	res, err = http.DefaultClient.Do(bad)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	res.Body.Close()
}
