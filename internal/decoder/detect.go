package decoder

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"autorx-ng/internal/sdr"
)

// ErrNoSondeDetected is returned when no known sonde type is identified
// within the detect window.
var ErrNoSondeDetected = errors.New("no sonde detected")

// Detector identifies the sonde type transmitting on a frequency.
type Detector interface {
	Detect(ctx context.Context, dev sdr.Settings, freq int64) (Kind, error)
}

// UtilityDetector runs a signal classification utility (dft_detect) over the
// demodulated audio and picks the highest priority type it reports.
type UtilityDetector struct {
	FMPath   string
	Command  string
	Dwell    time.Duration
	Order    []Kind
	Launcher Launcher
	Log      logrus.FieldLogger
}

var detectLineRE = regexp.MustCompile(`^\s*(-?)([A-Za-z][A-Za-z0-9]*)\s*:\s*(-?[0-9.]+)?`)

// Detection is one classification reported by the utility.
type Detection struct {
	Kind     Kind
	Score    float64
	Inverted bool
}

// ParseDetectLine parses lines like "RS41: 0.93" or "-DFM9: -0.71".
func ParseDetectLine(line string) (Detection, bool) {
	m := detectLineRE.FindStringSubmatch(line)
	if m == nil {
		return Detection{}, false
	}
	name := strings.ToUpper(m[2])
	var k Kind
	switch {
	case strings.HasPrefix(name, "RS41"):
		k = RS41
	case strings.HasPrefix(name, "RS92"):
		k = RS92
	case strings.HasPrefix(name, "DFM"):
		k = DFM
	case strings.HasPrefix(name, "M10"):
		k = M10
	case strings.HasPrefix(name, "IMET"):
		k = IMet
	default:
		return Detection{}, false
	}
	d := Detection{Kind: k, Inverted: m[1] == "-"}
	if m[3] != "" {
		d.Score, _ = strconv.ParseFloat(m[3], 64)
	}
	return d, true
}

func (u UtilityDetector) command(dev sdr.Settings, freq int64) string {
	secs := int(u.Dwell.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	cmd := u.Command
	if cmd == "" {
		cmd = "dft_detect"
	}
	fm := u.FMPath
	if fm == "" {
		fm = "rtl_fm"
	}
	return "timeout " + strconv.Itoa(secs+2) + " " + FMArgs(fm, dev, 22000, freq) + " 2>/dev/null | " +
		"sox -t raw -r 22000 -e s -b 16 -c 1 - -r 48000 -b 8 -t wav - highpass 20 2>/dev/null | " +
		cmd + " -t " + strconv.Itoa(secs) + " 2>/dev/null"
}

func (u UtilityDetector) Detect(ctx context.Context, dev sdr.Settings, freq int64) (Kind, error) {
	ctx, cancel := context.WithTimeout(ctx, u.Dwell+5*time.Second)
	defer cancel()

	proc, err := u.Launcher.Launch(ctx, u.command(dev, freq))
	if err != nil {
		return "", fmt.Errorf("%w: %w", sdr.ErrResourceUnavailable, err)
	}
	defer proc.Stop()

	found := map[Kind]Detection{}
	for line := range proc.Lines() {
		if d, ok := ParseDetectLine(line); ok {
			found[d.Kind] = d
		}
	}
	if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "", ctx.Err()
	}

	for _, k := range u.order() {
		if d, ok := found[k]; ok {
			if u.Log != nil {
				u.Log.WithFields(logrus.Fields{"sdr": dev.DeviceIdx, "type": k, "score": d.Score, "inverted": d.Inverted}).Debug("detected sonde")
			}
			return k, nil
		}
	}
	return "", ErrNoSondeDetected
}

func (u UtilityDetector) order() []Kind {
	if len(u.Order) == 0 {
		return DefaultOrder
	}
	return u.Order
}

// TrialDetector launches each decoder in priority order for up to Dwell and
// picks the first one that produces a parseable frame.
type TrialDetector struct {
	Builder  *CommandBuilder
	Launcher Launcher
	Order    []Kind
	Dwell    time.Duration
	Station  string
	Now      func() time.Time
	Log      logrus.FieldLogger
}

func (d TrialDetector) Detect(ctx context.Context, dev sdr.Settings, freq int64) (Kind, error) {
	order := d.Order
	if len(order) == 0 {
		order = DefaultOrder
	}
	now := d.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	for _, k := range order {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		ok, err := d.try(ctx, k, dev, freq, now)
		if errors.Is(err, ErrEncrypted) {
			return k, err
		}
		if err != nil && !errors.Is(err, ErrNoSondeDetected) {
			return "", err
		}
		if ok {
			return k, nil
		}
	}
	return "", ErrNoSondeDetected
}

func (d TrialDetector) try(ctx context.Context, k Kind, dev sdr.Settings, freq int64, now func() time.Time) (bool, error) {
	command, err := d.Builder.Build(k, dev, freq, now())
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, d.Dwell)
	defer cancel()

	proc, err := d.Launcher.Launch(ctx, command)
	if err != nil {
		return false, fmt.Errorf("%w: %w", sdr.ErrResourceUnavailable, err)
	}
	defer proc.Stop()

	parser := NewParser(k, freq, dev.DeviceIdx, d.Station)
	for {
		select {
		case <-ctx.Done():
			return false, ErrNoSondeDetected
		case line, ok := <-proc.Lines():
			if !ok {
				return false, ErrNoSondeDetected
			}
			_, err := parser.Parse(line, now())
			if err == nil {
				return true, nil
			}
			if errors.Is(err, ErrEncrypted) {
				return true, err
			}
		}
	}
}
