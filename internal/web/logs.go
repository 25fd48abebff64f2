package web

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultLogTail = 200
	maxLogTail     = 5000
	maxLogLine     = 4096
)

// LogLine is one buffered log line. Seq increases by one per line and
// never repeats, so a poller can ask for everything after the last line it
// saw.
type LogLine struct {
	Seq  uint64 `json:"seq"`
	Text string `json:"text"`
}

// LogBuffer is the io.Writer the root logger tees into. It keeps the most
// recent lines for /api/logs.
type LogBuffer struct {
	mu      sync.Mutex
	max     int
	lines   []LogLine
	partial []byte
	seq     uint64
	dropped uint64
}

func NewLogBuffer(maxLines int) *LogBuffer {
	if maxLines <= 0 {
		maxLines = 2000
	}
	return &LogBuffer{max: maxLines}
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rest := p
	for {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			break
		}
		b.partial = append(b.partial, rest[:i]...)
		b.pushLocked(string(b.partial))
		b.partial = b.partial[:0]
		rest = rest[i+1:]
	}
	if len(b.partial)+len(rest) > maxLogLine {
		rest = rest[:max(0, maxLogLine-len(b.partial))]
	}
	b.partial = append(b.partial, rest...)
	return len(p), nil
}

func (b *LogBuffer) pushLocked(line string) {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return
	}
	if len(line) > maxLogLine {
		line = line[:maxLogLine]
	}
	b.seq++
	b.lines = append(b.lines, LogLine{Seq: b.seq, Text: line})
	if over := len(b.lines) - b.max; over > 0 {
		b.lines = append(b.lines[:0], b.lines[over:]...)
		b.dropped += uint64(over)
	}
}

// Tail returns up to n of the newest lines and how many lines have been
// evicted so far.
func (b *LogBuffer) Tail(n int) ([]LogLine, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n > len(b.lines) {
		n = len(b.lines)
	}
	return append([]LogLine(nil), b.lines[len(b.lines)-n:]...), b.dropped
}

// Since returns up to n lines with Seq greater than seq, oldest first.
func (b *LogBuffer) Since(seq uint64, n int) []LogLine {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []LogLine
	for _, l := range b.lines {
		if l.Seq > seq {
			out = append(out, l)
			if n > 0 && len(out) == n {
				break
			}
		}
	}
	return out
}

type LogsResponse struct {
	NowUTC  string    `json:"now_utc"`
	Dropped uint64    `json:"dropped"`
	Lines   []LogLine `json:"lines"`
}

func (b *LogBuffer) Handler() http.Handler {
	return getOnly(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		tail := defaultLogTail
		if s := strings.TrimSpace(q.Get("tail")); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v < 1 || v > maxLogTail {
				http.Error(w, fmt.Sprintf("tail must be an integer in [1,%d]", maxLogTail), http.StatusBadRequest)
				return
			}
			tail = v
		}

		var lines []LogLine
		var dropped uint64
		if s := strings.TrimSpace(q.Get("since")); s != "" {
			seq, err := strconv.ParseUint(s, 10, 64)
			if err != nil {
				http.Error(w, "since must be a line sequence number", http.StatusBadRequest)
				return
			}
			lines = b.Since(seq, tail)
			_, dropped = b.Tail(0)
		} else {
			lines, dropped = b.Tail(tail)
		}

		if strings.EqualFold(q.Get("format"), "text") {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Cache-Control", "no-store")
			for _, l := range lines {
				_, _ = fmt.Fprintln(w, l.Text)
			}
			return
		}
		if lines == nil {
			lines = []LogLine{}
		}
		writeJSON(w, LogsResponse{
			NowUTC:  time.Now().UTC().Format(time.RFC3339),
			Dropped: dropped,
			Lines:   lines,
		})
	})
}
