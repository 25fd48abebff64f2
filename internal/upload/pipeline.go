package upload

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"autorx-ng/internal/telemetry"
)

// Pipeline validates frames coming out of decode sessions and hands the
// accepted ones to the scheduler. It also keeps the latest accepted frame
// per payload for status reporting.
type Pipeline struct {
	validator *telemetry.Validator
	sched     *Scheduler
	log       logrus.FieldLogger
	now       func() time.Time

	mu     sync.Mutex
	latest map[string]telemetry.Frame
	subs   map[int]func(telemetry.Frame)
	nextID int
}

func NewPipeline(v *telemetry.Validator, sched *Scheduler, log logrus.FieldLogger) *Pipeline {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Pipeline{
		validator: v,
		sched:     sched,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
		latest:    make(map[string]telemetry.Frame),
		subs:      make(map[int]func(telemetry.Frame)),
	}
}

// HandleFrame is called concurrently by every decode session.
func (p *Pipeline) HandleFrame(f telemetry.Frame) {
	if err := p.validator.Validate(f); err != nil {
		p.log.WithFields(logrus.Fields{
			"id":     f.Serial,
			"sdr":    f.SDR,
			"reason": telemetry.ReasonOf(err),
		}).Debug("frame rejected")
		return
	}

	p.mu.Lock()
	p.latest[f.Serial] = f
	subs := make([]func(telemetry.Frame), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	p.mu.Unlock()

	p.log.WithFields(logrus.Fields{
		"id":   f.Serial,
		"type": f.Type,
		"freq": f.FreqString(),
	}).Infof("frame %d %.5f,%.5f %.0fm", f.Sequence, f.Lat, f.Lon, f.Alt)

	if p.sched != nil {
		p.sched.Submit(f, p.now())
	}
	for _, fn := range subs {
		fn(f)
	}
}

// Subscribe registers fn for every accepted frame. fn must not block.
func (p *Pipeline) Subscribe(fn func(telemetry.Frame)) (cancel func()) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

// Latest returns the most recent accepted frame of each payload, newest first.
func (p *Pipeline) Latest() []telemetry.Frame {
	p.mu.Lock()
	out := make([]telemetry.Frame, 0, len(p.latest))
	for _, f := range p.latest {
		out = append(out, f)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Received.Equal(out[j].Received) {
			return out[i].Serial < out[j].Serial
		}
		return out[i].Received.After(out[j].Received)
	})
	return out
}

func (p *Pipeline) Validator() *telemetry.Validator { return p.validator }
