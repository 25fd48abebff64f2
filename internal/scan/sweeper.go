package scan

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"autorx-ng/internal/sdr"
)

// Bin is one power spectrum bin.
type Bin struct {
	Freq  int64
	Power float64
}

// Request describes one sweep.
type Request struct {
	Device sdr.Settings
	Low    int64
	High   int64
	Step   int
	Dwell  time.Duration
}

// Sweeper captures a power spectrum.
type Sweeper interface {
	Sweep(ctx context.Context, req Request) ([]Bin, error)
}

// RTLPower sweeps with rtl_power, single shot, writing CSV to stdout.
type RTLPower struct {
	Path string
}

func (r RTLPower) Args(req Request) []string {
	dwell := int(req.Dwell.Round(time.Second) / time.Second)
	if dwell < 1 {
		dwell = 1
	}
	args := []string{
		"-f", fmt.Sprintf("%d:%d:%d", req.Low, req.High, req.Step),
		"-i", strconv.Itoa(dwell),
		"-1",
		"-c", "20%",
		"-p", strconv.Itoa(req.Device.PPM),
	}
	if req.Device.DeviceIdx != "" {
		args = append(args, "-d", req.Device.DeviceIdx)
	}
	if req.Device.GainDB >= 0 {
		args = append(args, "-g", strconv.FormatFloat(req.Device.GainDB, 'f', 1, 64))
	}
	if req.Device.Bias {
		args = append(args, "-T")
	}
	return append(args, "-")
}

// Sweep runs rtl_power and returns bins sorted by frequency. Failures are
// reported as sdr.ErrResourceUnavailable so the caller backs off.
func (r RTLPower) Sweep(ctx context.Context, req Request) ([]Bin, error) {
	path := r.Path
	if path == "" {
		path = "rtl_power"
	}
	ctx, cancel := context.WithTimeout(ctx, req.Dwell+30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, r.Args(req)...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %w", sdr.ErrResourceUnavailable, path, err)
	}

	acc := map[int64][]float64{}
	sc := bufio.NewScanner(out)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		bins, err := ParseRow(sc.Text())
		if err != nil {
			continue
		}
		for _, b := range bins {
			acc[b.Freq] = append(acc[b.Freq], b.Power)
		}
	}
	waitErr := cmd.Wait()
	if ctx.Err() != nil && waitErr != nil {
		return nil, ctx.Err()
	}
	if waitErr != nil || len(acc) == 0 {
		msg := strings.TrimSpace(stderr.String())
		if i := strings.LastIndexByte(msg, '\n'); i >= 0 {
			msg = msg[i+1:]
		}
		if waitErr == nil {
			waitErr = fmt.Errorf("no samples")
		}
		return nil, fmt.Errorf("%w: rtl_power: %w (%s)", sdr.ErrResourceUnavailable, waitErr, msg)
	}

	bins := make([]Bin, 0, len(acc))
	for f, ps := range acc {
		var sum float64
		for _, p := range ps {
			sum += p
		}
		bins = append(bins, Bin{Freq: f, Power: sum / float64(len(ps))})
	}
	sort.Slice(bins, func(i, j int) bool { return bins[i].Freq < bins[j].Freq })
	return bins, nil
}

// ParseRow parses one rtl_power CSV row:
// date, time, hz_low, hz_high, hz_step, samples, dB, dB, ...
func ParseRow(line string) ([]Bin, error) {
	fields := strings.Split(line, ",")
	if len(fields) < 7 {
		return nil, fmt.Errorf("invalid rtl_power output: not enough fields")
	}
	low, err := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid start frequency: %w", err)
	}
	high, err := strconv.ParseFloat(strings.TrimSpace(fields[3]), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid stop frequency: %w", err)
	}
	step, err := strconv.ParseFloat(strings.TrimSpace(fields[4]), 64)
	if err != nil || step <= 0 {
		return nil, fmt.Errorf("invalid bin size %q", strings.TrimSpace(fields[4]))
	}

	bins := make([]Bin, 0, len(fields)-6)
	for i, field := range fields[6:] {
		power, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil || math.IsNaN(power) || math.IsInf(power, 0) {
			continue
		}
		center := low + float64(i)*step + step/2
		if center > high {
			break
		}
		bins = append(bins, Bin{Freq: int64(center + 0.5), Power: power})
	}
	return bins, nil
}
