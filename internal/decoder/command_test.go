package decoder

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"autorx-ng/internal/sdr"
)

func TestBuild_RS41(t *testing.T) {
	b, err := NewCommandBuilder(CommandConfig{FMPath: "rtl_fm", RSPath: "./"})
	if err != nil {
		t.Fatalf("NewCommandBuilder: %v", err)
	}
	got, err := b.Build(RS41, sdr.Settings{DeviceIdx: "0", PPM: 0, GainDB: -1}, 402500000, time.Time{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := "rtl_fm -p 0 -d 0 -M fm -F9 -s 15000 -f 402500000 2>/dev/null | " +
		"sox -t raw -r 15000 -e s -b 16 -c 1 - -r 48000 -b 8 -t wav - lowpass 2600 2>/dev/null | " +
		"./rs41mod --ptu --json 2>/dev/null"
	if got != want {
		t.Fatalf("command mismatch\n got: %s\nwant: %s", got, want)
	}
}

func TestBuild_GainBiasAndRS92Band(t *testing.T) {
	b, _ := NewCommandBuilder(CommandConfig{RSPath: "/opt/rs/", RS92Ephemeris: "eph.dat"})
	dev := sdr.Settings{DeviceIdx: "sonde 1", PPM: -3, GainDB: 42, Bias: true}

	got, err := b.Build(RS92, dev, 400500000, time.Time{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for _, want := range []string{"rtl_fm -T -p -3 -d 'sonde 1' -g 42.0 ", "-s 12000 ", "/opt/rs/rs92mod ", "-e eph.dat", "lowpass 2500 highpass 20"} {
		if !strings.Contains(got, want) {
			t.Fatalf("command %q missing %q", got, want)
		}
	}

	got, _ = b.Build(RS92, dev, 1680000000, time.Time{})
	if !strings.Contains(got, "-s 28000 ") {
		t.Fatalf("1680 MHz RS92 should use 28 kHz: %s", got)
	}
}

func TestBuild_DecoderPerKind(t *testing.T) {
	b, _ := NewCommandBuilder(CommandConfig{})
	cases := map[Kind]string{
		DFM:  "./dfm09ecc -vv --ecc --json --dist --auto",
		M10:  "./m10 -b -b2",
		IMet: "./imet1rs_dft --json",
	}
	for k, want := range cases {
		got, err := b.Build(k, sdr.Settings{DeviceIdx: "0", GainDB: -1}, 403000000, time.Time{})
		if err != nil {
			t.Fatalf("Build(%s): %v", k, err)
		}
		if !strings.Contains(got, want) {
			t.Fatalf("Build(%s)=%q missing %q", k, got, want)
		}
	}
	if _, err := b.Build(Kind("LMS6"), sdr.Settings{}, 1, time.Time{}); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestBuild_CaptureAudio(t *testing.T) {
	dir := t.TempDir()
	b, err := NewCommandBuilder(CommandConfig{SaveAudio: true, CaptureDir: dir, CapturePattern: "decode_%Y%m%d-%H%M%S"})
	if err != nil {
		t.Fatalf("NewCommandBuilder: %v", err)
	}
	at := time.Date(2024, 3, 9, 7, 5, 1, 0, time.UTC)
	got, _ := b.Build(DFM, sdr.Settings{DeviceIdx: "1", GainDB: -1}, 403000000, at)
	wantPath := filepath.Join(dir, "decode_20240309-070501_sdr1.wav")
	if !strings.Contains(got, "| tee "+wantPath+" | ./dfm09ecc") {
		t.Fatalf("command %q missing capture tee to %s", got, wantPath)
	}
}

func TestBuild_CaptureRaw(t *testing.T) {
	dir := t.TempDir()
	b, err := NewCommandBuilder(CommandConfig{SaveRaw: true, CaptureDir: dir, CapturePattern: "iq_%H%M%S"})
	if err != nil {
		t.Fatalf("NewCommandBuilder: %v", err)
	}
	at := time.Date(2024, 3, 9, 7, 5, 1, 0, time.UTC)
	got, _ := b.Build(RS41, sdr.Settings{DeviceIdx: "0", GainDB: -1}, 402500000, at)
	wantPath := filepath.Join(dir, "iq_070501_sdr0.raw")
	if !strings.Contains(got, "2>/dev/null | tee "+wantPath+" | sox ") {
		t.Fatalf("command %q missing raw tee to %s", got, wantPath)
	}
	if strings.Contains(got, ".wav") {
		t.Fatalf("command %q should not capture audio", got)
	}
	if p := b.CapturePath("0", at); p != "" {
		t.Fatalf("CapturePath=%q want empty", p)
	}
}
