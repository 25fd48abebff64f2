//go:build !linux || (!arm && !arm64)

package indicator

import "fmt"

func openLED(pin int) (Output, error) {
	return nil, fmt.Errorf("decode led: gpio unsupported on this platform")
}

var openLEDFn = openLED
