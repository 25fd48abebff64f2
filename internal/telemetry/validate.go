package telemetry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// ErrInvalidTelemetry is wrapped by every Rejection.
var ErrInvalidTelemetry = errors.New("invalid telemetry")

type Reason string

const (
	ReasonUnverifiedID        Reason = "unverified-id"
	ReasonImplausibleAltitude Reason = "implausible-altitude"
	ReasonImplausibleRange    Reason = "implausible-range"
)

// Rejection is returned by Validate for frames that must not be forwarded.
type Rejection struct {
	Reason Reason
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return string(r.Reason)
	}
	return string(r.Reason) + ": " + r.Detail
}

func (r *Rejection) Unwrap() error { return ErrInvalidTelemetry }

// ReasonOf extracts the rejection reason from err, or "" if err is not a
// Rejection.
func ReasonOf(err error) Reason {
	var r *Rejection
	if errors.As(err, &r) {
		return r.Reason
	}
	return ""
}

// Trust counts sightings per payload identifier. Counts persist for the
// lifetime of the process, across decode sessions and SDRs.
type Trust struct {
	threshold int

	mu     sync.Mutex
	counts map[string]int
}

func NewTrust(threshold int) *Trust {
	if threshold <= 0 {
		threshold = 1
	}
	return &Trust{threshold: threshold, counts: make(map[string]int)}
}

// Sight records one sighting of id and reports the new count and whether the
// id has reached the validity threshold.
func (t *Trust) Sight(id string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[id]++
	n := t.counts[id]
	return n, n >= t.threshold
}

func (t *Trust) Count(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[id]
}

func (t *Trust) Valid(id string) bool {
	return t.Count(id) >= t.threshold
}

type TrustEntry struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
	Valid bool   `json:"valid"`
}

func (t *Trust) Snapshot() []TrustEntry {
	t.mu.Lock()
	out := make([]TrustEntry, 0, len(t.counts))
	for id, n := range t.counts {
		out = append(out, TrustEntry{ID: id, Count: n, Valid: n >= t.threshold})
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type ValidatorConfig struct {
	MaxAltitude float64
	MaxRadiusKm float64

	// Range filtering is only applied when StationSet is true.
	StationSet bool
	StationLat float64
	StationLon float64
}

type ValidatorStats struct {
	Accepted uint64            `json:"accepted"`
	Rejected map[Reason]uint64 `json:"rejected"`
}

// Validator checks decoded frames for payload-ID trust and physical
// plausibility. It is safe for concurrent use by several decode sessions.
type Validator struct {
	cfg   ValidatorConfig
	trust *Trust

	accepted    atomic.Uint64
	unverified  atomic.Uint64
	badAltitude atomic.Uint64
	badRange    atomic.Uint64
}

func NewValidator(cfg ValidatorConfig, trust *Trust) *Validator {
	if trust == nil {
		trust = NewTrust(1)
	}
	return &Validator{cfg: cfg, trust: trust}
}

func (v *Validator) Trust() *Trust { return v.trust }

// Validate returns nil if f may be forwarded, or a *Rejection. The trust
// counter is incremented before any other check so rejected frames still
// count towards validity.
func (v *Validator) Validate(f Frame) error {
	n, ok := v.trust.Sight(f.Serial)
	if !ok {
		v.unverified.Add(1)
		return &Rejection{Reason: ReasonUnverifiedID, Detail: fmt.Sprintf("%s seen %d times", f.Serial, n)}
	}

	if v.cfg.MaxAltitude > 0 && f.Alt > v.cfg.MaxAltitude {
		v.badAltitude.Add(1)
		return &Rejection{Reason: ReasonImplausibleAltitude, Detail: fmt.Sprintf("%.0f m > %.0f m", f.Alt, v.cfg.MaxAltitude)}
	}

	if v.cfg.StationSet && v.cfg.MaxRadiusKm > 0 {
		d := DistanceKm(v.cfg.StationLat, v.cfg.StationLon, f.Lat, f.Lon)
		if d > v.cfg.MaxRadiusKm {
			v.badRange.Add(1)
			return &Rejection{Reason: ReasonImplausibleRange, Detail: fmt.Sprintf("%.1f km > %.1f km", d, v.cfg.MaxRadiusKm)}
		}
	}

	v.accepted.Add(1)
	return nil
}

func (v *Validator) Stats() ValidatorStats {
	return ValidatorStats{
		Accepted: v.accepted.Load(),
		Rejected: map[Reason]uint64{
			ReasonUnverifiedID:        v.unverified.Load(),
			ReasonImplausibleAltitude: v.badAltitude.Load(),
			ReasonImplausibleRange:    v.badRange.Load(),
		},
	}
}
