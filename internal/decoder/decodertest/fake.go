// Package decodertest provides in-memory decoder processes for tests.
package decodertest

import (
	"context"
	"sync"

	"autorx-ng/internal/decoder"
)

// Process is a scripted decoder.Process.
type Process struct {
	lines chan string
	done  chan struct{}

	mu      sync.Mutex
	closed  bool
	stopped bool
	err     error
}

// Silent returns a process that prints lines and then stays alive without
// further output until stopped.
func Silent(lines ...string) *Process {
	p := &Process{lines: make(chan string, len(lines)+16), done: make(chan struct{})}
	for _, l := range lines {
		p.lines <- l
	}
	return p
}

// Exits returns a process that prints lines and then exits with err.
func Exits(err error, lines ...string) *Process {
	p := Silent(lines...)
	p.finish(err, false)
	return p
}

// Emit sends one more line. It reports false once the process has ended.
func (p *Process) Emit(line string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.lines <- line:
		return true
	default:
		return false
	}
}

func (p *Process) finish(err error, stopped bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if stopped {
		p.stopped = true
	}
	if p.closed {
		return
	}
	p.closed = true
	p.err = err
	close(p.lines)
	close(p.done)
}

func (p *Process) Lines() <-chan string  { return p.lines }
func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Process) Stop() { p.finish(nil, true) }

// Stopped reports whether Stop was called.
func (p *Process) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// Launcher records commands and hands out processes from Script.
type Launcher struct {
	// Script returns the process for the n-th launch (0-based).
	Script func(n int, command string) (*Process, error)

	mu        sync.Mutex
	commands  []string
	processes []*Process
}

func (l *Launcher) Launch(ctx context.Context, command string) (decoder.Process, error) {
	l.mu.Lock()
	n := len(l.commands)
	l.commands = append(l.commands, command)
	l.mu.Unlock()

	p, err := l.Script(n, command)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.processes = append(l.processes, p)
	l.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			p.Stop()
		case <-p.done:
		}
	}()
	return p, nil
}

func (l *Launcher) Commands() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.commands...)
}

func (l *Launcher) Processes() []*Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Process(nil), l.processes...)
}
