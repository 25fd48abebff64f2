package rotator

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"autorx-ng/internal/telemetry"
)

// Mover is the rotator hardware interface.
type Mover interface {
	SetPosition(ctx context.Context, az, el float64) error
}

type Config struct {
	Station Position
	// Threshold is the minimum change in degrees that triggers a move.
	Threshold float64

	HomingEnable  bool
	HomingDelay   time.Duration
	HomeAzimuth   float64
	HomeElevation float64
}

type Status struct {
	Commanded bool      `json:"commanded"`
	Azimuth   float64   `json:"azimuth"`
	Elevation float64   `json:"elevation"`
	Target    string    `json:"target,omitempty"`
	LastFrame time.Time `json:"last_frame,omitempty"`
	Homed     bool      `json:"homed"`
	LastError string    `json:"last_error,omitempty"`
	Moves     uint64    `json:"moves"`
}

// Controller turns accepted frames into rotator moves. It is registered
// with the upload scheduler, which enforces the update rate.
type Controller struct {
	cfg   Config
	mover Mover
	log   logrus.FieldLogger
	now   func() time.Time

	mu        sync.Mutex
	commanded bool
	az, el    float64
	target    string
	lastFrame time.Time
	homed     bool
	lastErr   string
	moves     uint64
}

func NewController(cfg Config, mover Mover, log logrus.FieldLogger) *Controller {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Controller{cfg: cfg, mover: mover, log: log, now: func() time.Time { return time.Now().UTC() }}
}

func (c *Controller) Name() string { return "rotator" }

// Observe records that a valid frame arrived. It is subscribed to every
// accepted frame so the homing delay runs from the last frame, not from the
// last rate-limited move.
func (c *Controller) Observe(telemetry.Frame) {
	now := c.now()
	c.mu.Lock()
	if now.After(c.lastFrame) {
		c.lastFrame = now
	}
	c.mu.Unlock()
}

// Upload points at the most recent frame of the batch.
func (c *Controller) Upload(ctx context.Context, frames []telemetry.Frame) error {
	if len(frames) == 0 {
		return nil
	}
	latest := frames[0]
	for _, f := range frames[1:] {
		if f.Received.After(latest.Received) {
			latest = f
		}
	}

	look := Bearing(c.cfg.Station, Position{Lat: latest.Lat, Lon: latest.Lon, Alt: latest.Alt})
	el := math.Max(0, math.Min(90, look.Elevation))

	now := c.now()
	c.mu.Lock()
	if now.After(c.lastFrame) {
		c.lastFrame = now
	}
	c.target = latest.Serial
	move := !c.commanded || c.homed ||
		azimuthDelta(look.Azimuth, c.az) > c.cfg.Threshold ||
		math.Abs(el-c.el) > c.cfg.Threshold
	c.mu.Unlock()

	if !move {
		return nil
	}
	c.log.WithFields(logrus.Fields{
		"id":    latest.Serial,
		"range": math.Round(look.RangeKm*10) / 10,
	}).Infof("rotator to az %.1f el %.1f", look.Azimuth, el)
	return c.move(ctx, look.Azimuth, el, false)
}

func (c *Controller) move(ctx context.Context, az, el float64, home bool) error {
	err := c.mover.SetPosition(ctx, az, el)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.lastErr = err.Error()
		return err
	}
	c.lastErr = ""
	c.commanded = true
	c.az, c.el = az, el
	c.homed = home
	c.moves++
	return nil
}

// CheckHoming sends the rotator home when no frame has arrived within the
// homing delay. It returns true if a home command was issued.
func (c *Controller) CheckHoming(ctx context.Context, nowUTC time.Time) bool {
	if !c.cfg.HomingEnable {
		return false
	}
	c.mu.Lock()
	due := !c.homed && (c.lastFrame.IsZero() || nowUTC.Sub(c.lastFrame) >= c.cfg.HomingDelay)
	c.mu.Unlock()
	if !due {
		return false
	}
	c.log.Infof("no telemetry for %v, homing rotator", c.cfg.HomingDelay)
	if err := c.move(ctx, c.cfg.HomeAzimuth, c.cfg.HomeElevation, true); err != nil {
		c.log.WithError(err).Warn("rotator homing failed")
		return false
	}
	return true
}

// Run checks for homing every interval until ctx ends. The first check
// runs immediately so the rotator starts at home.
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	c.CheckHoming(ctx, c.now())
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.CheckHoming(ctx, c.now())
		}
	}
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Commanded: c.commanded,
		Azimuth:   c.az,
		Elevation: c.el,
		Target:    c.target,
		LastFrame: c.lastFrame,
		Homed:     c.homed,
		LastError: c.lastErr,
		Moves:     c.moves,
	}
}
