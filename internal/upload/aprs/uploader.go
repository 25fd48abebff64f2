package aprs

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"autorx-ng/internal/telemetry"
)

type Sender interface {
	Send(packet string) error
}

type UploaderConfig struct {
	Callsign string
	// ObjectName may contain <id>.
	ObjectName     string
	Comment        string
	PositionReport bool

	Beacon        bool
	BeaconRate    time.Duration
	BeaconComment string
	BeaconIcon    string
	StationLat    float64
	StationLon    float64
}

type Uploader struct {
	cfg    UploaderConfig
	sender Sender
	log    logrus.FieldLogger
}

func NewUploader(cfg UploaderConfig, sender Sender, log logrus.FieldLogger) *Uploader {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Uploader{cfg: cfg, sender: sender, log: log}
}

func (u *Uploader) Name() string { return "aprs" }

// Packet renders the packet sent for f.
func (u *Uploader) Packet(f telemetry.Frame) string {
	name := ObjectName(u.cfg.ObjectName, f)
	comment := Comment(u.cfg.Comment, f)
	if u.cfg.PositionReport {
		return PositionPacket(u.cfg.Callsign, name, comment, f)
	}
	return ObjectPacket(u.cfg.Callsign, name, comment, f)
}

func (u *Uploader) Upload(ctx context.Context, frames []telemetry.Frame) error {
	for _, f := range frames {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := u.sender.Send(u.Packet(f)); err != nil {
			return fmt.Errorf("aprs %s: %w", f.Serial, err)
		}
	}
	return nil
}

// RunBeacon sends the station beacon every BeaconRate until ctx ends. The
// first beacon goes out after one interval so it follows login.
func (u *Uploader) RunBeacon(ctx context.Context) {
	if !u.cfg.Beacon || u.cfg.BeaconRate <= 0 {
		return
	}
	t := time.NewTicker(u.cfg.BeaconRate)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pkt := BeaconPacket(u.cfg.Callsign, u.cfg.StationLat, u.cfg.StationLon, u.cfg.BeaconIcon, u.cfg.BeaconComment)
			if err := u.sender.Send(pkt); err != nil {
				u.log.WithError(err).Warn("station beacon failed")
			}
		}
	}
}
