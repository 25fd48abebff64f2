package sdr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrBusy is returned by Acquire when another task owns the SDR.
	ErrBusy = errors.New("sdr busy")
	// ErrResourceUnavailable wraps hardware failures. Callers release and
	// retry after a backoff.
	ErrResourceUnavailable = errors.New("sdr resource unavailable")
	ErrUnknownDevice       = errors.New("unknown sdr")
)

type State int

const (
	StateIdle State = iota
	StateScanning
	StateDecoding
)

func (s State) String() string {
	switch s {
	case StateScanning:
		return "scanning"
	case StateDecoding:
		return "decoding"
	default:
		return "idle"
	}
}

// Settings are the per-device receiver parameters applied on acquisition.
type Settings struct {
	DeviceIdx string
	PPM       int
	// GainDB is the tuner gain; -1 selects automatic gain.
	GainDB float64
	Bias   bool
}

// Tester checks that a device can be opened.
type Tester interface {
	Test(ctx context.Context, deviceIdx string) error
}

// Resource is an exclusive handle to one SDR. It is only valid until Release.
type Resource struct {
	settings Settings
	pool     *Pool
	gen      uint64
}

func (r *Resource) ID() string         { return r.settings.DeviceIdx }
func (r *Resource) Settings() Settings { return r.settings }

// SetState records what the owning task is doing with the SDR. It is a
// no-op once the handle has been released.
func (r *Resource) SetState(s State) {
	r.pool.setState(r, s)
}

type slot struct {
	settings Settings
	gen      uint64
	owned    bool
	state    State
	since    time.Time
	lastErr  string
	failures int
}

// Status is a point-in-time view of one SDR.
type Status struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	Owned     bool      `json:"owned"`
	Since     time.Time `json:"since"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"failures"`
}

// Pool owns the configured SDRs and hands each out to at most one task.
type Pool struct {
	tester Tester
	log    logrus.FieldLogger
	now    func() time.Time

	mu    sync.Mutex
	slots map[string]*slot
	order []string
}

// NewPool builds a pool. tester may be nil to skip health checks.
func NewPool(devices []Settings, tester Tester, log logrus.FieldLogger) *Pool {
	if log == nil {
		log = logrus.StandardLogger()
	}
	p := &Pool{
		tester: tester,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
		slots:  make(map[string]*slot, len(devices)),
	}
	for _, d := range devices {
		p.slots[d.DeviceIdx] = &slot{settings: d, since: p.now()}
		p.order = append(p.order, d.DeviceIdx)
	}
	return p
}

func (p *Pool) IDs() []string {
	return append([]string(nil), p.order...)
}

// Acquire hands out exclusive use of the SDR with the given id.
func (p *Pool) Acquire(ctx context.Context, id string) (*Resource, error) {
	p.mu.Lock()
	s, ok := p.slots[id]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknownDevice, id)
	}
	if s.owned {
		p.mu.Unlock()
		return nil, ErrBusy
	}
	// Reserve before the health check so a concurrent Acquire sees ErrBusy.
	s.owned = true
	s.gen++
	r := &Resource{settings: s.settings, pool: p, gen: s.gen}
	p.mu.Unlock()

	if p.tester != nil {
		if err := p.tester.Test(ctx, id); err != nil {
			p.mu.Lock()
			s.owned = false
			s.lastErr = err.Error()
			s.failures++
			p.mu.Unlock()
			p.log.WithField("sdr", id).WithError(err).Warn("sdr health check failed")
			return nil, fmt.Errorf("sdr %s: %w: %w", id, ErrResourceUnavailable, err)
		}
	}

	p.mu.Lock()
	s.lastErr = ""
	s.failures = 0
	s.state = StateIdle
	s.since = p.now()
	p.mu.Unlock()
	return r, nil
}

// Release returns the SDR to the pool. Releasing twice is a no-op.
func (p *Pool) Release(r *Resource) {
	if r == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[r.settings.DeviceIdx]
	if !ok || !s.owned || s.gen != r.gen {
		return
	}
	s.owned = false
	s.state = StateIdle
	s.since = p.now()
}

// MarkFailed records a runtime I/O failure reported by the owning task.
func (p *Pool) MarkFailed(r *Resource, err error) {
	if r == nil || err == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.slots[r.settings.DeviceIdx]; ok && s.gen == r.gen {
		s.lastErr = err.Error()
		s.failures++
	}
}

func (p *Pool) setState(r *Resource, st State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[r.settings.DeviceIdx]
	if !ok || !s.owned || s.gen != r.gen {
		return
	}
	if s.state != st {
		s.state = st
		s.since = p.now()
	}
}

// Probe health-checks every SDR not currently owned and returns the usable
// ids. It fails with ErrResourceUnavailable when none are usable.
func (p *Pool) Probe(ctx context.Context) ([]string, error) {
	var usable []string
	var errs []error
	for _, id := range p.order {
		r, err := p.Acquire(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		p.Release(r)
		usable = append(usable, id)
	}
	if len(usable) == 0 {
		if len(errs) == 0 {
			return nil, ErrResourceUnavailable
		}
		return nil, fmt.Errorf("no usable SDRs: %w", errors.Join(errs...))
	}
	return usable, nil
}

func (p *Pool) Snapshot() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Status, 0, len(p.order))
	for _, id := range p.order {
		s := p.slots[id]
		out = append(out, Status{
			ID:        id,
			State:     s.state.String(),
			Owned:     s.owned,
			Since:     s.since,
			LastError: s.lastErr,
			Failures:  s.failures,
		})
	}
	return out
}
