// Package supervisor runs the per-SDR scan, detect and decode cycle.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"autorx-ng/internal/blocklist"
	"autorx-ng/internal/decoder"
	"autorx-ng/internal/scan"
	"autorx-ng/internal/sdr"
	"autorx-ng/internal/telemetry"
)

// ErrDecodeTimeout ends a session that produced no frame within rx_timeout.
var ErrDecodeTimeout = errors.New("decode timeout")

type State int

const (
	Idle State = iota
	Detecting
	Decoding
)

func (s State) String() string {
	switch s {
	case Detecting:
		return "detecting"
	case Decoding:
		return "decoding"
	default:
		return "idle"
	}
}

// Scanner produces candidate peaks on an acquired SDR.
type Scanner interface {
	Scan(ctx context.Context, res *sdr.Resource) ([]scan.Peak, error)
}

// CommandBuilder renders the decode pipeline for a sonde type.
type CommandBuilder interface {
	Build(kind decoder.Kind, dev sdr.Settings, freq int64, nowUTC time.Time) (string, error)
}

// FrameSink receives every frame parsed during a session, before validation.
type FrameSink interface {
	HandleFrame(f telemetry.Frame)
}

type FrameSinkFunc func(f telemetry.Frame)

func (fn FrameSinkFunc) HandleFrame(f telemetry.Frame) { fn(f) }

// Event describes a state transition.
type Event struct {
	SDR     string
	From    State
	To      State
	Freq    int64
	Kind    decoder.Kind
	Session string
	// Reason is set when returning to Idle.
	Reason string
	Time   time.Time
}

type Config struct {
	SDR       string
	ScanDelay time.Duration
	RXTimeout time.Duration
	// Station is mixed into synthesized iMet identifiers.
	Station string

	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

type Deps struct {
	Pool      *sdr.Pool
	Scanner   Scanner
	Detector  decoder.Detector
	Builder   CommandBuilder
	Launcher  decoder.Launcher
	Blocklist *blocklist.List
	Claims    *Claims
	Sink      FrameSink

	// Observer, if set, is called synchronously on every transition.
	Observer func(Event)
	Log      logrus.FieldLogger
	Now      func() time.Time
}

// SessionInfo is a point-in-time view of a decode session.
type SessionInfo struct {
	ID       string       `json:"id"`
	Kind     decoder.Kind `json:"type"`
	Freq     int64        `json:"freq_hz"`
	Start    time.Time    `json:"start"`
	LastData time.Time    `json:"last_data,omitempty"`
	Serial   string       `json:"serial,omitempty"`
	Frames   int          `json:"frames"`
	Sequence int          `json:"last_frame"`
}

type Status struct {
	SDR       string       `json:"sdr"`
	State     string       `json:"state"`
	Since     time.Time    `json:"since"`
	Candidate int64        `json:"candidate_hz,omitempty"`
	Session   *SessionInfo `json:"session,omitempty"`
	LastError string       `json:"last_error,omitempty"`
	Sessions  uint64       `json:"sessions"`
}

// Supervisor drives one SDR through Idle, Detecting and Decoding for the
// lifetime of the process.
type Supervisor struct {
	cfg  Config
	deps Deps
	log  logrus.FieldLogger

	started atomic.Bool
	count   atomic.Uint64

	mu        sync.RWMutex
	state     State
	since     time.Time
	candidate int64
	session   *SessionInfo
	lastErr   string
}

func New(cfg Config, deps Deps) (*Supervisor, error) {
	if cfg.SDR == "" {
		return nil, fmt.Errorf("supervisor sdr is required")
	}
	if deps.Pool == nil || deps.Scanner == nil || deps.Detector == nil || deps.Builder == nil || deps.Launcher == nil {
		return nil, fmt.Errorf("supervisor %s: pool, scanner, detector, builder and launcher are required", cfg.SDR)
	}
	if cfg.RXTimeout <= 0 {
		return nil, fmt.Errorf("supervisor %s: rx timeout must be > 0", cfg.SDR)
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = time.Minute
	}
	if deps.Blocklist == nil {
		deps.Blocklist = blocklist.New(time.Hour, 3)
	}
	if deps.Claims == nil {
		deps.Claims = NewClaims()
	}
	if deps.Sink == nil {
		deps.Sink = FrameSinkFunc(func(telemetry.Frame) {})
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if deps.Log == nil {
		deps.Log = logrus.StandardLogger()
	}
	s := &Supervisor{
		cfg:  cfg,
		deps: deps,
		log:  deps.Log.WithField("sdr", cfg.SDR),
	}
	s.since = deps.Now()
	return s, nil
}

func (s *Supervisor) SDR() string { return s.cfg.SDR }

// Run blocks until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.started.Swap(true) {
		return fmt.Errorf("supervisor %s already running", s.cfg.SDR)
	}
	backoff := s.cfg.BackoffInitial
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		res, err := s.deps.Pool.Acquire(ctx, s.cfg.SDR)
		if err != nil {
			s.setErr(err)
			s.log.WithError(err).WithField("retry_in", backoff).Warn("sdr unavailable")
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff, s.cfg.BackoffMax)
			continue
		}

		decoded, err := s.cycle(ctx, res)
		if err != nil && errors.Is(err, sdr.ErrResourceUnavailable) {
			s.deps.Pool.MarkFailed(res, err)
		}
		s.deps.Pool.Release(res)
		s.toIdle(reasonFor(err, decoded))

		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil && errors.Is(err, sdr.ErrResourceUnavailable):
			s.setErr(err)
			s.log.WithError(err).WithField("retry_in", backoff).Warn("sdr failed, backing off")
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff, s.cfg.BackoffMax)
			continue
		case err != nil:
			s.setErr(err)
			s.log.WithError(err).Warn("scan cycle failed")
		}
		backoff = s.cfg.BackoffInitial

		// After a decode the band is rescanned straight away.
		if !decoded && !sleepCtx(ctx, s.cfg.ScanDelay) {
			return nil
		}
	}
}

func reasonFor(err error, decoded bool) string {
	switch {
	case err != nil:
		return err.Error()
	case decoded:
		return "session ended"
	default:
		return "no sonde decoded"
	}
}

// cycle runs one scan pass and works through its candidates until one is
// decoded or none remain. It reports whether a decode session ran.
func (s *Supervisor) cycle(ctx context.Context, res *sdr.Resource) (bool, error) {
	peaks, err := s.deps.Scanner.Scan(ctx, res)
	if err != nil {
		return false, err
	}

	now := s.deps.Now()
	s.deps.Blocklist.Purge(now)
	for _, p := range peaks {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if s.deps.Blocklist.Blocked(p.Freq, s.deps.Now()) {
			continue
		}
		if !s.deps.Claims.Claim(p.Freq, s.cfg.SDR) {
			continue
		}
		decoded, err := s.tryCandidate(ctx, res, p.Freq)
		s.deps.Claims.Release(p.Freq, s.cfg.SDR)
		if err != nil || decoded {
			return decoded, err
		}
	}
	return false, nil
}

func (s *Supervisor) tryCandidate(ctx context.Context, res *sdr.Resource, freq int64) (bool, error) {
	log := s.log.WithField("freq", scan.FormatFreq(freq))
	res.SetState(sdr.StateDecoding)
	s.transition(Detecting, freq, "", "", "")

	kind, err := s.deps.Detector.Detect(ctx, res.Settings(), freq)
	switch {
	case err == nil:
	case errors.Is(err, decoder.ErrEncrypted):
		until := s.deps.Blocklist.BlockFor(freq, s.deps.Now())
		log.WithFields(logrus.Fields{"type": kind, "until": until}).Warn("encrypted sonde, blocking frequency")
		return false, nil
	case errors.Is(err, decoder.ErrNoSondeDetected):
		if s.deps.Blocklist.RecordFailure(freq, s.deps.Now()) {
			log.Info("repeated detection failures, blocking frequency")
		} else {
			log.Debug("no sonde detected")
		}
		return false, nil
	default:
		return false, err
	}

	log = log.WithField("type", kind)
	log.Info("sonde detected")
	err = s.decode(ctx, res, freq, kind, log)
	return true, err
}

type sessionEnd string

const (
	endTimeout   sessionEnd = "timeout"
	endExited    sessionEnd = "exited"
	endEncrypted sessionEnd = "encrypted"
	endCancelled sessionEnd = "cancelled"
)

func (s *Supervisor) decode(ctx context.Context, res *sdr.Resource, freq int64, kind decoder.Kind, log logrus.FieldLogger) error {
	start := s.deps.Now()
	command, err := s.deps.Builder.Build(kind, res.Settings(), freq, start)
	if err != nil {
		return err
	}
	proc, err := s.deps.Launcher.Launch(ctx, command)
	if err != nil {
		return fmt.Errorf("%w: launch decoder: %w", sdr.ErrResourceUnavailable, err)
	}
	defer proc.Stop()

	id := uuid.NewString()
	s.count.Add(1)
	sess := &SessionInfo{ID: id, Kind: kind, Freq: freq, Start: start}
	s.mu.Lock()
	s.session = sess
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.session = nil
		s.mu.Unlock()
	}()

	log = log.WithField("session", id)
	log.WithField("command", command).Debug("decoder started")
	s.transition(Decoding, freq, kind, id, "")

	parser := decoder.NewParser(kind, freq, s.cfg.SDR, s.cfg.Station)
	timer := time.NewTimer(s.cfg.RXTimeout)
	defer timer.Stop()

	frames, undecodable := 0, 0
	lines := proc.Lines()
	handle := func(line string) (stop bool) {
		now := s.deps.Now()
		f, err := parser.Parse(line, now)
		switch {
		case err == nil:
			frames++
			s.mu.Lock()
			sess.LastData = now
			sess.Serial = f.Serial
			sess.Frames = frames
			sess.Sequence = f.Sequence
			s.mu.Unlock()
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.cfg.RXTimeout)
			s.deps.Sink.HandleFrame(f)
		case errors.Is(err, decoder.ErrEncrypted):
			log.WithError(err).Warn("encrypted telemetry, closing decoder")
			return true
		case errors.Is(err, decoder.ErrUndecodable):
			undecodable++
			log.WithError(err).Debug("undecodable line")
		}
		return false
	}

	var end sessionEnd
loop:
	for {
		select {
		case <-ctx.Done():
			end = endCancelled
			break loop
		case <-timer.C:
			end = endTimeout
			break loop
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if handle(line) {
				end = endEncrypted
				break loop
			}
		case <-proc.Done():
			if lines != nil {
				for line := range lines {
					if handle(line) {
						end = endEncrypted
						break loop
					}
				}
			}
			end = endExited
			break loop
		}
	}
	proc.Stop()

	now := s.deps.Now()
	fields := logrus.Fields{"frames": frames, "undecodable": undecodable, "end": string(end)}
	switch {
	case end == endCancelled:
		return ctx.Err()
	case end == endEncrypted:
		until := s.deps.Blocklist.BlockFor(freq, now)
		fields["until"] = until
		log.WithFields(fields).Warn("blocking encrypted sonde frequency")
	case frames > 0:
		s.deps.Blocklist.RecordSuccess(freq)
		log.WithFields(fields).Info("decode session ended")
	default:
		if s.deps.Blocklist.RecordFailure(freq, now) {
			fields["blocked"] = true
		}
		if err := proc.Err(); err != nil {
			fields["exit"] = err.Error()
		}
		if sp, ok := proc.(interface{ Snapshot() decoder.Snapshot }); ok {
			if tail := sp.Snapshot().Stderr; len(tail) > 0 {
				fields["stderr"] = tail[len(tail)-1]
			}
		}
		log.WithFields(fields).Warn("decode session produced no telemetry")
	}
	if end == endTimeout {
		log.WithError(ErrDecodeTimeout).WithField("rx_timeout", s.cfg.RXTimeout).Info("rx timed out")
	}
	return nil
}

func (s *Supervisor) transition(to State, freq int64, kind decoder.Kind, session, reason string) {
	now := s.deps.Now()
	s.mu.Lock()
	from := s.state
	s.state = to
	s.since = now
	s.candidate = freq
	if to == Idle {
		s.candidate = 0
	}
	s.mu.Unlock()

	if s.deps.Observer != nil {
		s.deps.Observer(Event{
			SDR:     s.cfg.SDR,
			From:    from,
			To:      to,
			Freq:    freq,
			Kind:    kind,
			Session: session,
			Reason:  reason,
			Time:    now,
		})
	}
}

// toIdle is called after the SDR has been released.
func (s *Supervisor) toIdle(reason string) {
	s.mu.RLock()
	cur := s.state
	s.mu.RUnlock()
	if cur == Idle {
		return
	}
	s.transition(Idle, 0, "", "", reason)
}

func (s *Supervisor) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
}

func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		SDR:       s.cfg.SDR,
		State:     s.state.String(),
		Since:     s.since,
		Candidate: s.candidate,
		LastError: s.lastErr,
		Sessions:  s.count.Load(),
	}
	if s.session != nil {
		cp := *s.session
		st.Session = &cp
	}
	return st
}

func nextBackoff(cur, max time.Duration) time.Duration {
	cur *= 2
	if cur > max {
		cur = max
	}
	return cur
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
