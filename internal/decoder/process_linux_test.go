//go:build linux

package decoder

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestExecLauncher_StreamsLinesAndExits(t *testing.T) {
	p, err := ExecLauncher{}.Launch(context.Background(), "printf 'a\\nb\\n'; echo oops >&2")
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	var got []string
	for l := range p.Lines() {
		got = append(got, l)
	}
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("process did not exit")
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("lines=%v", got)
	}
	if err := p.Err(); err != nil {
		t.Fatalf("Err()=%v", err)
	}
	snap := p.(*ExecProcess).Snapshot()
	if snap.Running || len(snap.Stderr) != 1 || snap.Stderr[0] != "oops" {
		t.Fatalf("snapshot=%+v", snap)
	}
	// Stop after exit is a no-op.
	p.Stop()
	p.Stop()
}

func TestExecLauncher_StopKillsPipeline(t *testing.T) {
	p, err := ExecLauncher{KillWait: 2 * time.Second}.Launch(context.Background(), "echo ready; sleep 60 | cat")
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	select {
	case l := <-p.Lines():
		if l != "ready" {
			t.Fatalf("line=%q", l)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no output")
	}

	start := time.Now()
	p.Stop()
	if time.Since(start) > 3*time.Second {
		t.Fatalf("Stop took %s", time.Since(start))
	}
	select {
	case <-p.Done():
	default:
		t.Fatalf("Done not closed after Stop")
	}
	p.Stop()
}

func TestExecLauncher_ContextCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p, err := ExecLauncher{}.Launch(ctx, "sleep 60")
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	cancel()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("process survived context cancel")
	}
}

func TestStderrTail_KeepsLastLines(t *testing.T) {
	tb := newStderrTail(2, 4)
	tb.add("one")
	tb.add("two")
	tb.add("three-long")
	got := tb.lines()
	if len(got) != 2 || got[0] != "two" || got[1] != "thre" {
		t.Fatalf("tail=%v", got)
	}
	tb.add("four")
	if got := tb.lines(); got[0] != "thre" || got[1] != "four" {
		t.Fatalf("tail=%v", got)
	}
	if tb.count() != 4 {
		t.Fatalf("count=%d want 4", tb.count())
	}
}

func TestStderrTail_Consume(t *testing.T) {
	tb := newStderrTail(3, 0)
	tb.consume(strings.NewReader("rs41mod: bad crc\nrs41mod: bad crc\nno sync\nlost lock\n"))
	got := tb.lines()
	want := []string{"rs41mod: bad crc", "no sync", "lost lock"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("tail=%v want %v", got, want)
	}
	if newStderrTail(0, 0).lines() == nil {
		t.Fatalf("empty tail should return an empty slice")
	}
}
