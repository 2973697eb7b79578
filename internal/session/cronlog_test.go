package session

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureGlobalLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })
	return &buf
}

func TestCronRecoverLogsPanicThroughZerolog(t *testing.T) {
	buf := captureGlobalLog(t)
	logger := newCronLogger()

	job := cron.NewChain(cron.Recover(logger)).Then(cron.FuncJob(func() {
		panic("sweep exploded")
	}))
	require.NotPanics(t, job.Run)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "sweeper", entry["component"])
	assert.Equal(t, "panic", entry["message"])
	assert.Contains(t, entry["error"], "sweep exploded")
}

func TestCronLoggerInfoIsDebugWithFields(t *testing.T) {
	buf := captureGlobalLog(t)

	newCronLogger().Info("schedule", "entry", 3, "next", "soon")

	out := buf.String()
	assert.True(t, strings.Contains(out, `"level":"debug"`), out)
	assert.Contains(t, out, `"entry":3`)
	assert.Contains(t, out, `"next":"soon"`)
	assert.Contains(t, out, `"message":"schedule"`)
}
