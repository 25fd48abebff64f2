package web

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"autorx-ng/internal/blocklist"
	"autorx-ng/internal/rotator"
	"autorx-ng/internal/sdr"
	"autorx-ng/internal/supervisor"
	"autorx-ng/internal/telemetry"
	"autorx-ng/internal/udp"
	"autorx-ng/internal/upload"
	"autorx-ng/internal/upload/aprs"
	"autorx-ng/internal/upload/sqlitelog"
)

// Sources are read on every snapshot. Any of them may be nil.
type Sources struct {
	SDRs      func() []sdr.Status
	Tasks     func() []supervisor.Status
	Claims    func() []supervisor.Claim
	Blocklist func(nowUTC time.Time) []blocklist.Entry
	Trust     func() []telemetry.TrustEntry
	Validator func() telemetry.ValidatorStats
	Uploaders func() []upload.State
	Payloads  func() []telemetry.Frame
	Rotator   func() rotator.Status
	APRS      func() aprs.Snapshot
	UDP       func() []udp.Stats
	Stream    func() StreamStats
	// Track serves /api/track from the telemetry log.
	Track     func(ctx context.Context, serial string) ([]sqlitelog.TrackPoint, error)
}

// EventView is a JSON-friendly supervisor transition.
type EventView struct {
	Time    string `json:"time"`
	SDR     string `json:"sdr"`
	From    string `json:"from"`
	To      string `json:"to"`
	FreqHz  int64  `json:"freq_hz,omitempty"`
	Type    string `json:"type,omitempty"`
	Session string `json:"session,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

const maxEvents = 100

type Status struct {
	startUnixNano int64
	transitions   uint64
	station       atomic.Value // string

	srcMu sync.RWMutex
	src   Sources

	evMu   sync.Mutex
	events []EventView
}

func NewStatus() *Status {
	s := &Status{}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.station.Store("")
	return s
}

func (s *Status) SetSources(src Sources) {
	s.srcMu.Lock()
	s.src = src
	s.srcMu.Unlock()
}

func (s *Status) SetStation(name string) {
	s.station.Store(name)
}

// RecordEvent keeps the most recent supervisor transitions. It is used as
// the supervisor observer.
func (s *Status) RecordEvent(e supervisor.Event) {
	atomic.AddUint64(&s.transitions, 1)
	v := EventView{
		Time:    e.Time.UTC().Format(time.RFC3339Nano),
		SDR:     e.SDR,
		From:    e.From.String(),
		To:      e.To.String(),
		FreqHz:  e.Freq,
		Type:    string(e.Kind),
		Session: e.Session,
		Reason:  e.Reason,
	}
	s.evMu.Lock()
	s.events = append(s.events, v)
	if len(s.events) > maxEvents {
		s.events = s.events[len(s.events)-maxEvents:]
	}
	s.evMu.Unlock()
}

type StatusSnapshot struct {
	Service     string                   `json:"service"`
	Station     string                   `json:"station,omitempty"`
	NowUTC      string                   `json:"now_utc"`
	UptimeSec   int64                    `json:"uptime_sec"`
	Transitions uint64                   `json:"transitions"`
	SDRs        []sdr.Status             `json:"sdrs"`
	Tasks       []supervisor.Status      `json:"tasks"`
	Claims      []supervisor.Claim       `json:"claims"`
	Blocklist   []blocklist.Entry        `json:"blocklist"`
	Trust       []telemetry.TrustEntry   `json:"trust"`
	Validator   telemetry.ValidatorStats `json:"validator"`
	Uploaders   []upload.State           `json:"uploaders"`
	Payloads    []telemetry.Frame        `json:"payloads"`
	Rotator     *rotator.Status          `json:"rotator,omitempty"`
	APRS        *aprs.Snapshot           `json:"aprs,omitempty"`
	UDP         []udp.Stats              `json:"udp,omitempty"`
	Stream      *StreamStats             `json:"stream,omitempty"`
	Events      []EventView              `json:"events"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()

	snap := StatusSnapshot{
		Service:     "autorx-ng",
		Station:     s.station.Load().(string),
		NowUTC:      nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec:   int64(nowUTC.Sub(start).Seconds()),
		Transitions: atomic.LoadUint64(&s.transitions),
	}

	src := s.sources()
	if src.SDRs != nil {
		snap.SDRs = src.SDRs()
	}
	if src.Tasks != nil {
		snap.Tasks = src.Tasks()
	}
	if src.Claims != nil {
		snap.Claims = src.Claims()
	}
	if src.Blocklist != nil {
		snap.Blocklist = src.Blocklist(nowUTC)
	}
	if src.Trust != nil {
		snap.Trust = src.Trust()
	}
	if src.Validator != nil {
		snap.Validator = src.Validator()
	}
	if src.Uploaders != nil {
		snap.Uploaders = src.Uploaders()
	}
	if src.Payloads != nil {
		snap.Payloads = src.Payloads()
	}
	if src.Rotator != nil {
		r := src.Rotator()
		snap.Rotator = &r
	}
	if src.APRS != nil {
		a := src.APRS()
		snap.APRS = &a
	}
	if src.UDP != nil {
		snap.UDP = src.UDP()
	}
	if src.Stream != nil {
		st := src.Stream()
		snap.Stream = &st
	}

	s.evMu.Lock()
	snap.Events = append([]EventView(nil), s.events...)
	s.evMu.Unlock()
	return snap
}

func (s *Status) sources() Sources {
	s.srcMu.RLock()
	defer s.srcMu.RUnlock()
	return s.src
}
