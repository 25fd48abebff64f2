package decoder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Process is a running decoder pipeline.
type Process interface {
	// Lines yields stdout lines and is closed when stdout reaches EOF.
	Lines() <-chan string
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
	// Err reports the exit error after Done is closed.
	Err() error
	// Stop kills the process and waits for it to be reaped. It is safe to
	// call more than once and after the process exited on its own.
	Stop()
}

// Launcher starts decoder pipelines.
type Launcher interface {
	Launch(ctx context.Context, command string) (Process, error)
}

// ExecLauncher runs commands through /bin/sh in their own process group so
// the whole pipeline can be killed at once.
type ExecLauncher struct {
	Shell           string
	StderrTailLines int
	// KillWait bounds how long Stop waits for the group to exit.
	KillWait time.Duration
}

type Snapshot struct {
	Command string   `json:"command"`
	PID     int      `json:"pid,omitempty"`
	Running bool     `json:"running"`
	Stderr  []string `json:"stderr_tail,omitempty"`
	// StderrLines counts every stderr line, including those no longer in Stderr.
	StderrLines uint64 `json:"stderr_lines"`
}

type ExecProcess struct {
	command  string
	cmd      *exec.Cmd
	pid      int
	killWait time.Duration

	lines  chan string
	done   chan struct{}
	stopCh chan struct{}
	stderr *stderrTail

	stopOnce sync.Once

	mu  sync.Mutex
	err error
}

func (l ExecLauncher) Launch(ctx context.Context, command string) (Process, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, fmt.Errorf("decoder command is required")
	}
	shell := l.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	tail := l.StderrTailLines
	if tail <= 0 {
		tail = 50
	}
	killWait := l.KillWait
	if killWait <= 0 {
		killWait = 5 * time.Second
	}

	cmd := exec.Command(shell, "-c", command)
	setProcessGroup(cmd)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	p := &ExecProcess{
		command:  command,
		cmd:      cmd,
		pid:      cmd.Process.Pid,
		killWait: killWait,
		lines:    make(chan string, 64),
		done:     make(chan struct{}),
		stopCh:   make(chan struct{}),
		stderr:   newStderrTail(tail, 16*1024),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer close(p.lines)
		p.readLines(stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		p.stderr.consume(stderrPipe)
	}()
	go func() {
		wg.Wait()
		err := cmd.Wait()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	}()
	go func() {
		select {
		case <-ctx.Done():
			p.Stop()
		case <-p.done:
		}
	}()
	return p, nil
}

func (p *ExecProcess) readLines(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case p.lines <- scanner.Text():
		case <-p.stopCh:
			// Keep draining so the writer side never blocks on a full pipe.
			_, _ = io.Copy(io.Discard, r)
			return
		}
	}
}

func (p *ExecProcess) Lines() <-chan string  { return p.lines }
func (p *ExecProcess) Done() <-chan struct{} { return p.done }

func (p *ExecProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *ExecProcess) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		select {
		case <-p.done:
			return
		default:
		}
		_ = killProcessGroup(p.pid)
		t := time.NewTimer(p.killWait)
		defer t.Stop()
		select {
		case <-p.done:
		case <-t.C:
			// The group ignored SIGKILL (zombie shell?); kill the leader directly.
			_ = p.cmd.Process.Kill()
		}
	})
	<-p.done
}

func (p *ExecProcess) Snapshot() Snapshot {
	running := true
	select {
	case <-p.done:
		running = false
	default:
	}
	return Snapshot{
		Command: p.command,
		PID:     p.pid,
		Running: running,
		Stderr:  p.stderr.lines(),

		StderrLines: p.stderr.count(),
	}
}
