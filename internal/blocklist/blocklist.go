// Package blocklist tracks frequencies temporarily excluded from candidate
// selection after persistent decode failures.
package blocklist

import (
	"sort"
	"sync"
	"time"
)

// Entry is one blocked frequency.
type Entry struct {
	Freq   int64     `json:"freq_hz"`
	Expiry time.Time `json:"expiry"`
}

// List is safe for concurrent use by several SDR tasks. Frequencies are
// keyed by their quantized Hz value.
type List struct {
	blockFor    time.Duration
	maxFailures int

	mu       sync.Mutex
	entries  map[int64]time.Time
	failures map[int64]int
}

// New returns a List that blocks for blockFor after maxFailures consecutive
// failures on the same frequency.
func New(blockFor time.Duration, maxFailures int) *List {
	if maxFailures <= 0 {
		maxFailures = 1
	}
	return &List{
		blockFor:    blockFor,
		maxFailures: maxFailures,
		entries:     make(map[int64]time.Time),
		failures:    make(map[int64]int),
	}
}

// Block excludes freq until the later of its existing expiry and until.
func (l *List) Block(freq int64, until time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blockLocked(freq, until)
}

func (l *List) blockLocked(freq int64, until time.Time) {
	if cur, ok := l.entries[freq]; ok && cur.After(until) {
		return
	}
	l.entries[freq] = until
}

// BlockFor blocks freq for the configured block duration starting at nowUTC.
func (l *List) BlockFor(freq int64, nowUTC time.Time) time.Time {
	until := nowUTC.Add(l.blockFor)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blockLocked(freq, until)
	delete(l.failures, freq)
	return l.entries[freq]
}

// Blocked reports whether freq is excluded at nowUTC. Expired entries are
// removed on the way.
func (l *List) Blocked(freq int64, nowUTC time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	exp, ok := l.entries[freq]
	if !ok {
		return false
	}
	if !nowUTC.Before(exp) {
		delete(l.entries, freq)
		return false
	}
	return true
}

// Expiry returns the expiry for freq, if any entry exists.
func (l *List) Expiry(freq int64) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	exp, ok := l.entries[freq]
	return exp, ok
}

// Purge drops all entries expired at nowUTC and returns how many were removed.
func (l *List) Purge(nowUTC time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for f, exp := range l.entries {
		if !nowUTC.Before(exp) {
			delete(l.entries, f)
			n++
		}
	}
	return n
}

// RecordFailure counts a failed detection or decode on freq. Once the
// consecutive failure count reaches the threshold the frequency is blocked
// and RecordFailure returns true.
func (l *List) RecordFailure(freq int64, nowUTC time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[freq]++
	if l.failures[freq] < l.maxFailures {
		return false
	}
	delete(l.failures, freq)
	l.blockLocked(freq, nowUTC.Add(l.blockFor))
	return true
}

// RecordSuccess clears the failure count for freq.
func (l *List) RecordSuccess(freq int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.failures, freq)
}

func (l *List) Failures(freq int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failures[freq]
}

// Snapshot returns unexpired entries ordered by frequency.
func (l *List) Snapshot(nowUTC time.Time) []Entry {
	l.mu.Lock()
	out := make([]Entry, 0, len(l.entries))
	for f, exp := range l.entries {
		if nowUTC.Before(exp) {
			out = append(out, Entry{Freq: f, Expiry: exp})
		}
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Freq < out[j].Freq })
	return out
}
