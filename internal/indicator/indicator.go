// Package indicator drives a status LED that is lit while any SDR is
// decoding.
package indicator

import (
	"sync"

	"github.com/sirupsen/logrus"

	"autorx-ng/internal/supervisor"
)

type Output interface {
	Set(on bool) error
	Close() error
}

type Indicator struct {
	out Output
	log logrus.FieldLogger

	mu       sync.Mutex
	decoding map[string]bool
	lit      bool
}

// Open drives the LED on the given BCM GPIO.
func Open(pin int, log logrus.FieldLogger) (*Indicator, error) {
	out, err := openLEDFn(pin)
	if err != nil {
		return nil, err
	}
	return New(out, log), nil
}

func New(out Output, log logrus.FieldLogger) *Indicator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Indicator{out: out, log: log, decoding: make(map[string]bool)}
}

// Observe is a supervisor observer.
func (i *Indicator) Observe(e supervisor.Event) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if e.To == supervisor.Decoding {
		i.decoding[e.SDR] = true
	} else {
		delete(i.decoding, e.SDR)
	}

	want := len(i.decoding) > 0
	if want == i.lit {
		return
	}
	if err := i.out.Set(want); err != nil {
		i.log.WithError(err).Warn("indicator led write failed")
		return
	}
	i.lit = want
}

func (i *Indicator) Lit() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lit
}

func (i *Indicator) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	_ = i.out.Set(false)
	i.lit = false
	return i.out.Close()
}
