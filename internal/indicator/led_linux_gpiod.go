//go:build linux && (arm || arm64)

package indicator

import (
	"errors"
	"fmt"
	"sync"

	"github.com/warthog618/go-gpiocdev"
)

const ledConsumer = "autorx-ng-led"

var openLEDFn = openLED

// openLED drives the line named GPIO<pin>, wherever the kernel put the
// header (gpiochip0 on most Pis, gpiochip4 on a Pi 5).
func openLED(pin int) (Output, error) {
	if pin <= 0 {
		return nil, fmt.Errorf("decode led: bad gpio pin %d", pin)
	}
	name := fmt.Sprintf("GPIO%d", pin)

	chip, offset, err := gpiocdev.FindLine(name)
	if err != nil {
		if errors.Is(err, gpiocdev.ErrNotFound) {
			return nil, fmt.Errorf("decode led: no gpio line %s", name)
		}
		return nil, fmt.Errorf("decode led: looking up %s: %w", name, err)
	}
	line, err := gpiocdev.RequestLine(chip, offset, gpiocdev.AsOutput(0), gpiocdev.WithConsumer(ledConsumer))
	if err != nil {
		return nil, fmt.Errorf("decode led: requesting %s on %s: %w", name, chip, err)
	}
	return &lineLED{line: line}, nil
}

type lineLED struct {
	mu   sync.Mutex
	line *gpiocdev.Line
}

func (l *lineLED) Set(on bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.line == nil {
		return errors.New("decode led: line released")
	}
	v := 0
	if on {
		v = 1
	}
	return l.line.SetValue(v)
}

// Close turns the LED off and releases the line.
func (l *lineLED) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.line == nil {
		return nil
	}
	_ = l.line.SetValue(0)
	err := l.line.Close()
	l.line = nil
	return err
}
