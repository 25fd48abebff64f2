package decoder

import (
	"bufio"
	"io"
	"strings"
	"sync"
)

// stderrTail keeps the last lines a decode pipeline wrote to stderr so a
// failed session can say why it failed.
type stderrTail struct {
	mu        sync.Mutex
	ring      []string
	next      int
	seen      uint64
	lineBytes int
}

func newStderrTail(lines, lineBytes int) *stderrTail {
	if lines < 0 {
		lines = 0
	}
	if lineBytes <= 0 {
		lineBytes = 16 * 1024
	}
	return &stderrTail{ring: make([]string, 0, lines), lineBytes: lineBytes}
}

func (t *stderrTail) add(line string) {
	if t == nil {
		return
	}
	if len(line) > t.lineBytes {
		line = strings.ToValidUTF8(line[:t.lineBytes], "")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen++
	switch {
	case cap(t.ring) == 0:
	case len(t.ring) < cap(t.ring):
		t.ring = append(t.ring, line)
	default:
		t.ring[t.next] = line
		t.next = (t.next + 1) % len(t.ring)
	}
}

// lines returns the retained lines, oldest first.
func (t *stderrTail) lines() []string {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.ring))
	out = append(out, t.ring[t.next:]...)
	return append(out, t.ring[:t.next]...)
}

// count is the number of lines written, retained or not.
func (t *stderrTail) count() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seen
}

func (t *stderrTail) consume(r io.Reader) {
	if r == nil || t == nil {
		return
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		t.add(sc.Text())
	}
	if err := sc.Err(); err != nil {
		t.add("[stderr] " + err.Error())
	}
}
