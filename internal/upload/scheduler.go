// Package upload fans accepted telemetry out to independent destinations
// under per-destination rate limits.
package upload

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"autorx-ng/internal/telemetry"
)

// ErrUploadFailure wraps every destination error reported by the scheduler.
var ErrUploadFailure = errors.New("upload failed")

// Destination is one telemetry sink.
type Destination interface {
	Name() string
	Upload(ctx context.Context, frames []telemetry.Frame) error
}

type Mode int

const (
	// ModeLatest sends the most recent frame of each payload once per interval.
	ModeLatest Mode = iota
	// ModeAll sends every accepted frame, batched once per interval.
	ModeAll
	// ModeOneShot sends the first frame of each newly seen payload
	// immediately and ignores the interval.
	ModeOneShot
)

func (m Mode) String() string {
	switch m {
	case ModeAll:
		return "all"
	case ModeOneShot:
		return "oneshot"
	default:
		return "latest"
	}
}

type Policy struct {
	Interval time.Duration
	Mode     Mode
	// Timeout bounds a single Upload call.
	Timeout time.Duration
	Enabled bool
}

type Config struct {
	// Synchronous aligns uploads to wall-clock instants where the epoch
	// seconds are a multiple of the destination interval.
	Synchronous bool
	// MaxPending bounds the frames buffered per destination in ModeAll.
	MaxPending int
	// PollPeriod is how often Run evaluates due destinations. It must stay
	// well under a second so no aligned second is skipped.
	PollPeriod time.Duration
	Log        logrus.FieldLogger
}

// State is the externally visible scheduling state of one destination.
type State struct {
	Name       string    `json:"name"`
	Mode       string    `json:"mode"`
	Interval   float64   `json:"interval_sec"`
	Enabled    bool      `json:"enabled"`
	LastUpload time.Time `json:"last_upload,omitempty"`
	Pending    int       `json:"pending"`
	Uploads    uint64    `json:"uploads"`
	Failures   uint64    `json:"failures"`
	Dropped    uint64    `json:"dropped"`
	LastError  string    `json:"last_error,omitempty"`
}

type destState struct {
	dest   Destination
	policy Policy

	lastUpload time.Time
	latest     map[string]telemetry.Frame
	order      []string
	all        []telemetry.Frame
	seen       map[string]bool

	queue chan []telemetry.Frame

	uploads  uint64
	failures uint64
	dropped  uint64
	lastErr  string
}

type Scheduler struct {
	cfg Config
	log logrus.FieldLogger

	mu    sync.Mutex
	dests []*destState

	runOnce sync.Once
}

const defaultPollPeriod = 100 * time.Millisecond

func NewScheduler(cfg Config) *Scheduler {
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 500
	}
	if cfg.PollPeriod <= 0 || cfg.PollPeriod >= time.Second {
		cfg.PollPeriod = defaultPollPeriod
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	return &Scheduler{cfg: cfg, log: cfg.Log}
}

// Add registers a destination. It must be called before Run.
func (s *Scheduler) Add(d Destination, p Policy) error {
	if d == nil {
		return fmt.Errorf("destination is nil")
	}
	if p.Mode != ModeOneShot && p.Interval < time.Second {
		return fmt.Errorf("%s: upload interval must be >= 1s", d.Name())
	}
	if p.Timeout <= 0 {
		p.Timeout = 30 * time.Second
	}
	qlen := 1
	if p.Mode == ModeOneShot {
		qlen = 16
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ds := range s.dests {
		if ds.dest.Name() == d.Name() {
			return fmt.Errorf("destination %q already registered", d.Name())
		}
	}
	s.dests = append(s.dests, &destState{
		dest:   d,
		policy: p,
		latest: make(map[string]telemetry.Frame),
		seen:   make(map[string]bool),
		queue:  make(chan []telemetry.Frame, qlen),
	})
	return nil
}

// Submit queues an accepted frame for every enabled destination and
// dispatches whatever is due at nowUTC. It returns the destinations
// dispatched.
func (s *Scheduler) Submit(f telemetry.Frame, nowUTC time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ds := range s.dests {
		if !ds.policy.Enabled {
			continue
		}
		switch ds.policy.Mode {
		case ModeOneShot:
			if ds.seen[f.Serial] {
				continue
			}
			ds.seen[f.Serial] = true
			ds.latest[f.Serial] = f
			ds.order = append(ds.order, f.Serial)
		case ModeAll:
			if len(ds.all) >= s.cfg.MaxPending {
				ds.all = ds.all[1:]
				ds.dropped++
			}
			ds.all = append(ds.all, f)
		default:
			if _, ok := ds.latest[f.Serial]; !ok {
				ds.order = append(ds.order, f.Serial)
			}
			ds.latest[f.Serial] = f
		}
	}
	return s.evaluateLocked(nowUTC)
}

// Tick dispatches every destination that is due at nowUTC.
func (s *Scheduler) Tick(nowUTC time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evaluateLocked(nowUTC)
}

func (s *Scheduler) evaluateLocked(nowUTC time.Time) []string {
	var fired []string
	for _, ds := range s.dests {
		if !ds.policy.Enabled || !ds.hasPending() {
			continue
		}
		if ds.policy.Mode != ModeOneShot && !s.due(ds, nowUTC) {
			continue
		}
		batch := ds.take()
		// The timer advances even if the worker is still busy with the
		// previous batch.
		ds.lastUpload = nowUTC
		select {
		case ds.queue <- batch:
		default:
			ds.dropped += uint64(len(batch))
			s.log.WithField("dest", ds.dest.Name()).Warn("destination busy, dropping upload")
		}
		fired = append(fired, ds.dest.Name())
	}
	return fired
}

func (s *Scheduler) due(ds *destState, nowUTC time.Time) bool {
	if s.cfg.Synchronous {
		sec := int64(ds.policy.Interval / time.Second)
		if sec <= 0 || nowUTC.Unix()%sec != 0 {
			return false
		}
		return ds.lastUpload.IsZero() || ds.lastUpload.Unix() != nowUTC.Unix()
	}
	return ds.lastUpload.IsZero() || nowUTC.Sub(ds.lastUpload) >= ds.policy.Interval
}

func (ds *destState) hasPending() bool {
	if ds.policy.Mode == ModeAll {
		return len(ds.all) > 0
	}
	return len(ds.order) > 0
}

func (ds *destState) take() []telemetry.Frame {
	if ds.policy.Mode == ModeAll {
		out := ds.all
		ds.all = nil
		return out
	}
	out := make([]telemetry.Frame, 0, len(ds.order))
	for _, id := range ds.order {
		out = append(out, ds.latest[id])
		delete(ds.latest, id)
	}
	ds.order = ds.order[:0]
	return out
}

// Run starts one worker per destination and polls every PollPeriod until
// ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	started := false
	s.runOnce.Do(func() { started = true })
	if !started {
		return fmt.Errorf("scheduler already running")
	}

	s.mu.Lock()
	dests := append([]*destState(nil), s.dests...)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, ds := range dests {
		if !ds.policy.Enabled {
			continue
		}
		wg.Add(1)
		go func(ds *destState) {
			defer wg.Done()
			s.worker(ctx, ds)
		}(ds)
	}

	t := time.NewTicker(s.cfg.PollPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case now := <-t.C:
			s.Tick(now.UTC())
		}
	}
}

func (s *Scheduler) worker(ctx context.Context, ds *destState) {
	log := s.log.WithField("dest", ds.dest.Name())
	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-ds.queue:
			uctx, cancel := context.WithTimeout(ctx, ds.policy.Timeout)
			err := ds.dest.Upload(uctx, batch)
			cancel()

			s.mu.Lock()
			if err != nil {
				ds.failures++
				ds.lastErr = err.Error()
			} else {
				ds.uploads++
				ds.lastErr = ""
			}
			s.mu.Unlock()

			if err != nil {
				log.WithError(fmt.Errorf("%w: %w", ErrUploadFailure, err)).Warn("upload failed")
			} else {
				log.WithField("frames", len(batch)).Debug("upload complete")
			}
		}
	}
}

func (s *Scheduler) Snapshot() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]State, 0, len(s.dests))
	for _, ds := range s.dests {
		pending := len(ds.order)
		if ds.policy.Mode == ModeAll {
			pending = len(ds.all)
		}
		out = append(out, State{
			Name:       ds.dest.Name(),
			Mode:       ds.policy.Mode.String(),
			Interval:   ds.policy.Interval.Seconds(),
			Enabled:    ds.policy.Enabled,
			LastUpload: ds.lastUpload,
			Pending:    pending,
			Uploads:    ds.uploads,
			Failures:   ds.failures,
			Dropped:    ds.dropped,
			LastError:  ds.lastErr,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
