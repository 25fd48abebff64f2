package sdr

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestParseRTLTestOutput(t *testing.T) {
	out := `Found 2 device(s):
  0:  Realtek, RTL2838UHIDIR, SN: 00000001
  1:  Realtek, RTL2838UHIDIR, SN: sonde:402

Using device 0: Generic RTL2832U OEM
`
	devs := ParseRTLTestOutput(out)
	if len(devs) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(devs))
	}
	if devs[0].Index != 0 || devs[0].Serial != "00000001" {
		t.Fatalf("device0 mismatch: %+v", devs[0])
	}
	if devs[1].Index != 1 || devs[1].Serial != "sonde:402" {
		t.Fatalf("device1 mismatch: %+v", devs[1])
	}
}

func TestFindDevice(t *testing.T) {
	devs := []RTLSDRDevice{{Index: 0, Serial: "00000001"}, {Index: 1, Serial: "sonde:402"}}
	if d, ok := FindDevice(devs, "sonde:402"); !ok || d.Index != 1 {
		t.Fatalf("by serial: %+v ok=%v", d, ok)
	}
	if d, ok := FindDevice(devs, "0"); !ok || d.Serial != "00000001" {
		t.Fatalf("by index: %+v ok=%v", d, ok)
	}
	if _, ok := FindDevice(devs, "5"); ok {
		t.Fatalf("expected no match for 5")
	}
}

func TestDebugFormatDevices(t *testing.T) {
	devs := []RTLSDRDevice{{Index: 0, Serial: "A"}, {Index: 1, Serial: "B"}}
	if got := DebugFormatDevices(devs); got != "[0:A, 1:B]" {
		t.Fatalf("got %q", got)
	}
	if got := DebugFormatDevices(nil); got != "[]" {
		t.Fatalf("got %q", got)
	}
}

func TestDetectRTLSDRDevices_MissingBinary(t *testing.T) {
	_, err := DetectRTLSDRDevices(context.Background(), filepath.Join(t.TempDir(), "rtl_test"))
	if !errors.Is(err, ErrResourceUnavailable) {
		t.Fatalf("err=%v want %v", err, ErrResourceUnavailable)
	}
}
