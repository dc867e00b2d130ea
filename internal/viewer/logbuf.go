package viewer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/samber/lo"

	"github.com/petervdpas/boombox/internal/util"
)

// zapTimeLayout is what go-log's ISO8601 encoder writes into "ts".
const zapTimeLayout = "2006-01-02T15:04:05.000Z0700"

// LogEntry is one line of go-log output, split into its fields.
type LogEntry struct {
	TS        time.Time `json:"ts"`
	Level     string    `json:"level,omitempty"`
	Subsystem string    `json:"subsystem,omitempty"`
	Caller    string    `json:"caller,omitempty"`
	Msg       string    `json:"msg"`
}

type zapLine struct {
	Level  string `json:"level"`
	TS     string `json:"ts"`
	Logger string `json:"logger"`
	Caller string `json:"caller"`
	Msg    string `json:"msg"`
}

// parseLogLine decodes a go-log JSON line. Anything else is kept verbatim.
func parseLogLine(line string, now time.Time) LogEntry {
	var z zapLine
	if !strings.HasPrefix(line, "{") || json.Unmarshal([]byte(line), &z) != nil || z.Msg == "" {
		return LogEntry{TS: now, Msg: line}
	}
	ts, err := time.Parse(zapTimeLayout, z.TS)
	if err != nil {
		ts = now
	}
	return LogEntry{TS: ts, Level: z.Level, Subsystem: z.Logger, Caller: z.Caller, Msg: z.Msg}
}

// LogFilter selects entries by subsystem and minimum level. The zero value
// matches everything.
type LogFilter struct {
	Subsystems []string
	MinLevel   *logging.LogLevel
}

// ParseLogFilter reads ?subsystem=boombox,control&level=warn. subsystem may
// also be repeated.
func ParseLogFilter(q url.Values) (LogFilter, error) {
	var f LogFilter
	for _, v := range q["subsystem"] {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				f.Subsystems = append(f.Subsystems, s)
			}
		}
	}
	if lvl := q.Get("level"); lvl != "" {
		l, err := logging.LevelFromString(lvl)
		if err != nil {
			return f, fmt.Errorf("bad level %q", lvl)
		}
		f.MinLevel = &l
	}
	return f, nil
}

func (f LogFilter) Match(e LogEntry) bool {
	if len(f.Subsystems) > 0 && !lo.Contains(f.Subsystems, e.Subsystem) {
		return false
	}
	if f.MinLevel != nil {
		l, err := logging.LevelFromString(e.Level)
		if err != nil || l < *f.MinLevel {
			return false
		}
	}
	return true
}

// LogBuffer keeps the newest log entries and fans new ones out to live
// subscribers. It is fed by a go-log pipe reader.
type LogBuffer struct {
	mu      sync.Mutex
	entries *util.RingBuffer[LogEntry]
	subs    map[chan LogEntry]struct{}
	partial bytes.Buffer
}

func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 500
	}
	return &LogBuffer{
		entries: util.NewRingBuffer[LogEntry](max),
		subs:    make(map[chan LogEntry]struct{}),
	}
}

// Write splits p into lines. A trailing partial line waits for the next call.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)
	for {
		data := b.partial.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i == -1 {
			break
		}
		line := strings.TrimSpace(string(data[:i]))
		b.partial.Next(i + 1)
		if line == "" {
			continue
		}

		e := parseLogLine(line, time.Now())
		b.entries.Push(e)
		for ch := range b.subs {
			select {
			case ch <- e:
			default:
			}
		}
	}
	return len(p), nil
}

// Snapshot returns the buffered entries that match f, oldest first.
func (b *LogBuffer) Snapshot(f LogFilter) []LogEntry {
	return lo.Filter(b.entries.Snapshot(), func(e LogEntry, _ int) bool { return f.Match(e) })
}

func (b *LogBuffer) Subscribe() (<-chan LogEntry, func()) {
	ch := make(chan LogEntry, 64)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
}

// GET /api/logs?subsystem=&level=
func (b *LogBuffer) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	f, err := ParseLogFilter(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(b.Snapshot(f))
}

// GET /api/logs/stream?subsystem=&level=  (SSE, new entries only)
func (b *LogBuffer) ServeLogsSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	f, err := ParseLogFilter(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, cancel := b.Subscribe()
	defer cancel()
	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if !f.Match(e) {
				continue
			}
			data, _ := json.Marshal(e)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", lo.CoalesceOrEmpty(e.Subsystem, "log"), data)
			flusher.Flush()
		}
	}
}
