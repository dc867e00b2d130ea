package viewer

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	boomboxLine = `{"level":"info","ts":"2026-10-14T12:00:01.000+0200","logger":"boombox","caller":"boombox/barrier.go:62","msg":"barrier r1 complete"}`
	controlLine = `{"level":"warn","ts":"2026-10-14T12:00:02.000+0200","logger":"control","caller":"control/arbiter.go:112","msg":"operator panel closed"}`
	fetchLine   = `{"level":"debug","ts":"2026-10-14T12:00:03.000+0200","logger":"fetch","caller":"fetch/ytdlp.go:40","msg":"yt-dlp started"}`
)

func filled(t *testing.T) *LogBuffer {
	t.Helper()
	b := NewLogBuffer(10)
	_, err := b.Write([]byte(boomboxLine + "\n" + controlLine + "\n\n" + fetchLine + "\n"))
	require.NoError(t, err)
	return b
}

func TestParseLogLine(t *testing.T) {
	now := time.Now()
	e := parseLogLine(boomboxLine, now)
	assert.Equal(t, "info", e.Level)
	assert.Equal(t, "boombox", e.Subsystem)
	assert.Equal(t, "boombox/barrier.go:62", e.Caller)
	assert.Equal(t, "barrier r1 complete", e.Msg)
	assert.Equal(t, 2026, e.TS.Year())
	assert.Equal(t, 1, e.TS.Second())

	plain := parseLogLine("panic: boom", now)
	assert.Equal(t, "panic: boom", plain.Msg)
	assert.Empty(t, plain.Subsystem)
	assert.Equal(t, now, plain.TS)
}

func TestLogBufferJoinsPartialLines(t *testing.T) {
	b := NewLogBuffer(10)
	_, _ = b.Write([]byte(boomboxLine[:20]))
	assert.Empty(t, b.Snapshot(LogFilter{}))

	_, _ = b.Write([]byte(boomboxLine[20:] + "\n"))
	got := b.Snapshot(LogFilter{})
	require.Len(t, got, 1)
	assert.Equal(t, "barrier r1 complete", got[0].Msg)
}

func TestLogFilter(t *testing.T) {
	b := filled(t)

	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{"boombox", "control", "fetch"}},
		{"subsystem=control", []string{"control"}},
		{"subsystem=boombox,fetch", []string{"boombox", "fetch"}},
		{"subsystem=boombox&subsystem=control", []string{"boombox", "control"}},
		{"level=info", []string{"boombox", "control"}},
		{"level=WARN", []string{"control"}},
		{"subsystem=fetch&level=info", nil},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			q, err := url.ParseQuery(tt.query)
			require.NoError(t, err)
			f, err := ParseLogFilter(q)
			require.NoError(t, err)

			var subs []string
			for _, e := range b.Snapshot(f) {
				subs = append(subs, e.Subsystem)
			}
			assert.Equal(t, tt.want, subs)
		})
	}

	_, err := ParseLogFilter(url.Values{"level": {"loud"}})
	assert.Error(t, err)
}

func TestServeLogsJSON(t *testing.T) {
	b := filled(t)

	rec := httptest.NewRecorder()
	b.ServeLogsJSON(rec, httptest.NewRequest(http.MethodGet, "/api/logs?subsystem=control", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got []LogEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "operator panel closed", got[0].Msg)

	rec = httptest.NewRecorder()
	b.ServeLogsJSON(rec, httptest.NewRequest(http.MethodGet, "/api/logs?level=loud", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	b.ServeLogsJSON(rec, httptest.NewRequest(http.MethodPost, "/api/logs", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServeLogsSSEStreamsMatchingEntries(t *testing.T) {
	b := NewLogBuffer(10)
	srv := httptest.NewServer(http.HandlerFunc(b.ServeLogsSSE))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?subsystem=control", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream; charset=utf-8", resp.Header.Get("Content-Type"))

	// The handler subscribes after flushing headers; keep writing until a
	// line arrives.
	go func() {
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				_, _ = b.Write([]byte(boomboxLine + "\n" + controlLine + "\n"))
			}
		}
	}()

	sc := bufio.NewScanner(resp.Body)
	require.True(t, sc.Scan())
	assert.Equal(t, "event: control", sc.Text())
	require.True(t, sc.Scan())
	assert.True(t, strings.HasPrefix(sc.Text(), "data: "))
	var e LogEntry
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(sc.Text(), "data: ")), &e))
	assert.Equal(t, "control", e.Subsystem)
}
