//go:build linux && (arm || arm64)

package indicator

import (
	"strings"
	"testing"
)

func TestOpenLED_RejectsBadPin(t *testing.T) {
	for _, pin := range []int{0, -4} {
		if _, err := openLED(pin); err == nil || !strings.Contains(err.Error(), "bad gpio pin") {
			t.Fatalf("pin %d: err=%v", pin, err)
		}
	}
}

func TestLineLED_ReleasedLine(t *testing.T) {
	l := &lineLED{}
	if err := l.Set(true); err == nil {
		t.Fatalf("Set on released line succeeded")
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close twice: %v", err)
	}
}
