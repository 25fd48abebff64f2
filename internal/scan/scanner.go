// Package scan sweeps the search band and turns the spectrum into an ordered
// list of candidate frequencies.
package scan

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"autorx-ng/internal/config"
	"autorx-ng/internal/sdr"
)

type Config struct {
	Low   int64
	High  int64
	Step  int
	Dwell time.Duration
	// Whitelist, when non-empty, replaces the sweep entirely.
	Whitelist []int64
	Peaks     Options
}

// ConfigFrom derives scanner settings from the station config.
func ConfigFrom(cfg config.Config) Config {
	return Config{
		Low:       config.Hz(cfg.Search.MinFreq),
		High:      config.Hz(cfg.Search.MaxFreq),
		Step:      cfg.Advanced.SearchStep,
		Dwell:     cfg.Advanced.ScanDwellTime,
		Whitelist: config.HzList(cfg.Search.Whitelist),
		Peaks: Options{
			SNRThreshold: cfg.Advanced.SNRThreshold,
			Quantization: int64(cfg.Advanced.Quantization),
			MinDistance:  int64(cfg.Advanced.MinDistance),
			MaxPeaks:     cfg.Advanced.MaxPeaks,
			Blacklist:    config.HzList(cfg.Search.Blacklist),
			Greylist:     config.HzList(cfg.Search.Greylist),
		},
	}
}

type Scanner struct {
	sweeper Sweeper
	cfg     Config
	log     logrus.FieldLogger
}

func New(sweeper Sweeper, cfg Config, log logrus.FieldLogger) *Scanner {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Scanner{sweeper: sweeper, cfg: cfg, log: log}
}

// Scan runs one pass on the SDR held by res. The SDR is marked Scanning for
// the duration of the sweep.
func (s *Scanner) Scan(ctx context.Context, res *sdr.Resource) ([]Peak, error) {
	log := s.log.WithField("sdr", res.ID())

	if len(s.cfg.Whitelist) > 0 {
		peaks := make([]Peak, 0, len(s.cfg.Whitelist))
		for _, f := range s.cfg.Whitelist {
			if contains(s.cfg.Peaks.Blacklist, f) {
				continue
			}
			peaks = append(peaks, Peak{Freq: f})
		}
		log.WithField("peaks", FormatPeaks(peaks)).Debug("whitelist scan")
		return peaks, nil
	}

	res.SetState(sdr.StateScanning)
	defer res.SetState(sdr.StateIdle)

	log.WithFields(logrus.Fields{
		"low":   FormatFreq(s.cfg.Low),
		"high":  FormatFreq(s.cfg.High),
		"dwell": s.cfg.Dwell,
	}).Debug("starting sweep")

	bins, err := s.sweeper.Sweep(ctx, Request{
		Device: res.Settings(),
		Low:    s.cfg.Low,
		High:   s.cfg.High,
		Step:   s.cfg.Step,
		Dwell:  s.cfg.Dwell,
	})
	if err != nil {
		return nil, err
	}
	peaks := FindPeaks(bins, s.cfg.Peaks)
	log.WithFields(logrus.Fields{"bins": len(bins), "peaks": FormatPeaks(peaks)}).Info("scan complete")
	return peaks, nil
}

// FormatFreq renders a frequency as "402.5 MHz".
func FormatFreq(hz int64) string {
	return humanize.SIWithDigits(float64(hz), 4, "Hz")
}

func FormatPeaks(peaks []Peak) []string {
	out := make([]string, len(peaks))
	for i, p := range peaks {
		out[i] = FormatFreq(p.Freq)
	}
	return out
}
