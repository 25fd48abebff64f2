package sdr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// RTLSDRDevice describes one RTL-SDR-class device as enumerated by rtl_test.
type RTLSDRDevice struct {
	Index  int
	Serial string
}

// DetectRTLSDRDevices lists attached devices by running rtl_test without a
// device argument. Partial output from a failing run is still parsed.
func DetectRTLSDRDevices(ctx context.Context, rtlTestPath string) ([]RTLSDRDevice, error) {
	if rtlTestPath == "" {
		rtlTestPath = "rtl_test"
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, rtlTestPath, "-t").CombinedOutput()
	if err != nil && len(out) == 0 {
		return nil, fmt.Errorf("%w: rtl_test: %w", ErrResourceUnavailable, err)
	}
	devs := ParseRTLTestOutput(string(out))
	if len(devs) == 0 {
		return nil, fmt.Errorf("%w: no RTL-SDR devices found", ErrResourceUnavailable)
	}
	return devs, nil
}

var (
	rtlTestLineRE = regexp.MustCompile(`(?m)^\s*(\d+):\s+.*?\bSN:\s*([^\s]+)\s*$`)
	rtlFailRE     = regexp.MustCompile(`(?mi)(no supported devices found|failed to open rtlsdr device|usb_claim_interface error|usb_open error)`)
)

// ParseRTLTestOutput extracts device indices + serials from rtl_test output.
func ParseRTLTestOutput(out string) []RTLSDRDevice {
	out = strings.ReplaceAll(out, "\r\n", "\n")
	matches := rtlTestLineRE.FindAllStringSubmatch(out, -1)
	if len(matches) == 0 {
		return nil
	}
	devs := make([]RTLSDRDevice, 0, len(matches))
	seen := map[int]bool{}
	for _, m := range matches {
		idx, err := strconv.Atoi(strings.TrimSpace(m[1]))
		if err != nil {
			continue
		}
		if seen[idx] {
			continue
		}
		seen[idx] = true
		serial := strings.TrimSpace(m[2])
		devs = append(devs, RTLSDRDevice{Index: idx, Serial: serial})
	}
	sort.Slice(devs, func(i, j int) bool { return devs[i].Index < devs[j].Index })
	return devs
}

// FindDevice matches a configured device_idx against enumerated devices. The
// value may be a numeric index or a serial, as rtl_fm and friends accept both.
func FindDevice(devs []RTLSDRDevice, deviceIdx string) (RTLSDRDevice, bool) {
	deviceIdx = strings.TrimSpace(deviceIdx)
	for _, d := range devs {
		if d.Serial == deviceIdx {
			return d, true
		}
	}
	if n, err := strconv.Atoi(deviceIdx); err == nil {
		for _, d := range devs {
			if d.Index == n {
				return d, true
			}
		}
	}
	return RTLSDRDevice{}, false
}

// RTLTest checks a single device by opening it with rtl_test.
type RTLTest struct {
	Path    string
	Timeout time.Duration
}

// Test returns an error if the device cannot be opened.
func (r RTLTest) Test(ctx context.Context, deviceIdx string) error {
	path := r.Path
	if path == "" {
		path = "rtl_test"
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// -t runs the tuner range check and exits, which is enough to prove the
	// device can be claimed.
	out, err := exec.CommandContext(ctx, path, "-d", deviceIdx, "-t").CombinedOutput()
	if m := rtlFailRE.Find(out); m != nil {
		return fmt.Errorf("rtl_test -d %s: %s", deviceIdx, strings.TrimSpace(string(m)))
	}
	if err != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("rtl_test -d %s: %w", deviceIdx, err)
	}
	return nil
}

// DebugFormatDevices formats devices for logging.
func DebugFormatDevices(devs []RTLSDRDevice) string {
	if len(devs) == 0 {
		return "[]"
	}
	var b bytes.Buffer
	b.WriteString("[")
	for i := range devs {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(fmt.Sprintf("%d:%s", devs[i].Index, devs[i].Serial))
	}
	b.WriteString("]")
	return b.String()
}
