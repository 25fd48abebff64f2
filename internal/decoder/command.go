package decoder

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lestrrat-go/strftime"

	"autorx-ng/internal/sdr"
)

type CommandConfig struct {
	// FMPath is the rtl_fm binary.
	FMPath string
	// RSPath is the directory holding the decoder binaries.
	RSPath        string
	RS92Ephemeris string

	SaveAudio      bool
	CaptureDir     string
	CapturePattern string
	// SaveRaw keeps the 16-bit rtl_fm output ahead of resampling.
	SaveRaw bool
}

// CommandBuilder renders the shell pipeline that demodulates and decodes one
// sonde type: rtl_fm | sox | [tee capture |] decoder.
type CommandBuilder struct {
	cfg     CommandConfig
	capture *strftime.Strftime
}

func NewCommandBuilder(cfg CommandConfig) (*CommandBuilder, error) {
	if cfg.FMPath == "" {
		cfg.FMPath = "rtl_fm"
	}
	if cfg.RSPath == "" {
		cfg.RSPath = "./"
	}
	b := &CommandBuilder{cfg: cfg}
	if cfg.SaveAudio || cfg.SaveRaw {
		pattern := cfg.CapturePattern
		if pattern == "" {
			pattern = "decode_%Y%m%d-%H%M%S"
		}
		f, err := strftime.New(pattern)
		if err != nil {
			return nil, fmt.Errorf("capture pattern %q: %w", pattern, err)
		}
		b.capture = f
	}
	return b, nil
}

type pipeline struct {
	rate    int
	filters string
	decoder string
}

func (b *CommandBuilder) pipelineFor(kind Kind, freq int64) (pipeline, error) {
	switch kind {
	case RS41:
		return pipeline{15000, "lowpass 2600", b.bin("rs41mod") + " --ptu --json"}, nil
	case RS92:
		gps := "-a almanac.txt --gpsepoch 2"
		if b.cfg.RS92Ephemeris != "" {
			gps = "-e " + shellQuote(b.cfg.RS92Ephemeris)
		}
		// 1680 MHz RS92-NGP needs a wider demod bandwidth.
		rate := 12000
		if freq >= 1000000000 {
			rate = 28000
		}
		return pipeline{rate, "lowpass 2500 highpass 20", b.bin("rs92mod") + " -vx -v --crc --ecc --vel --json " + gps}, nil
	case DFM:
		return pipeline{15000, "highpass 20 lowpass 2000", b.bin("dfm09ecc") + " -vv --ecc --json --dist --auto"}, nil
	case M10:
		return pipeline{22000, "highpass 20", b.bin("m10") + " -b -b2"}, nil
	case IMet:
		return pipeline{15000, "highpass 20", b.bin("imet1rs_dft") + " --json"}, nil
	}
	return pipeline{}, fmt.Errorf("no decoder for sonde type %q", kind)
}

func (b *CommandBuilder) bin(name string) string {
	return strings.TrimRight(b.cfg.RSPath, "/") + "/" + name
}

// Build returns the decode pipeline for kind on freq using dev.
func (b *CommandBuilder) Build(kind Kind, dev sdr.Settings, freq int64, nowUTC time.Time) (string, error) {
	p, err := b.pipelineFor(kind, freq)
	if err != nil {
		return "", err
	}
	rate := strconv.Itoa(p.rate)

	var sb strings.Builder
	sb.WriteString(FMArgs(b.cfg.FMPath, dev, p.rate, freq))
	sb.WriteString(" 2>/dev/null | ")
	if b.cfg.SaveRaw {
		sb.WriteString("tee " + shellQuote(b.capturePath(dev.DeviceIdx, nowUTC, ".raw")) + " | ")
	}
	sb.WriteString("sox -t raw -r " + rate + " -e s -b 16 -c 1 - -r 48000 -b 8 -t wav - " + p.filters + " 2>/dev/null | ")
	if b.cfg.SaveAudio {
		sb.WriteString("tee " + shellQuote(b.CapturePath(dev.DeviceIdx, nowUTC)) + " | ")
	}
	sb.WriteString(p.decoder)
	sb.WriteString(" 2>/dev/null")
	return sb.String(), nil
}

// FMArgs renders the rtl_fm invocation shared by decoders and detectors.
func FMArgs(fmPath string, dev sdr.Settings, rate int, freq int64) string {
	parts := []string{fmPath}
	if dev.Bias {
		parts = append(parts, "-T")
	}
	parts = append(parts, "-p", strconv.Itoa(dev.PPM), "-d", shellQuote(dev.DeviceIdx))
	if dev.GainDB >= 0 {
		parts = append(parts, "-g", strconv.FormatFloat(dev.GainDB, 'f', 1, 64))
	}
	parts = append(parts, "-M", "fm", "-F9", "-s", strconv.Itoa(rate), "-f", strconv.FormatInt(freq, 10))
	return strings.Join(parts, " ")
}

// CapturePath names the audio capture file for a session started at nowUTC.
func (b *CommandBuilder) CapturePath(deviceIdx string, nowUTC time.Time) string {
	if !b.cfg.SaveAudio {
		return ""
	}
	return b.capturePath(deviceIdx, nowUTC, ".wav")
}

func (b *CommandBuilder) capturePath(deviceIdx string, nowUTC time.Time, ext string) string {
	name := b.capture.FormatString(nowUTC) + "_sdr" + sanitizeName(deviceIdx) + ext
	return filepath.Join(b.cfg.CaptureDir, name)
}

func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

// shellQuote single-quotes s unless it is made only of safe characters.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=+", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
