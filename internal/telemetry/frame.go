package telemetry

import (
	"fmt"
	"time"
)

// Frame is one decoded telemetry sentence from a radiosonde. Frames are
// values; nothing modifies a Frame after the decoder produced it.
type Frame struct {
	Serial   string    `json:"id"`
	Sequence int       `json:"frame"`
	Time     time.Time `json:"datetime"`

	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
	Alt float64 `json:"alt"`

	VelH    float64 `json:"vel_h"`
	VelV    float64 `json:"vel_v"`
	Heading float64 `json:"heading"`

	Temp     *float64 `json:"temp,omitempty"`
	Humidity *float64 `json:"humidity,omitempty"`
	Battery  *float64 `json:"batt,omitempty"`
	Sats     int      `json:"sats,omitempty"`

	// Type is the sonde family, optionally suffixed (e.g. "RS41-Ozone").
	Type string `json:"type"`
	// Freq is the frequency the frame was received on, in Hz.
	Freq int64  `json:"freq_hz"`
	SDR  string `json:"sdr"`

	Received time.Time `json:"received"`
}

// FreqMHz returns the receive frequency in MHz.
func (f Frame) FreqMHz() float64 {
	return float64(f.Freq) / 1e6
}

// FreqString formats the receive frequency as "402.500 MHz".
func (f Frame) FreqString() string {
	return fmt.Sprintf("%.3f MHz", f.FreqMHz())
}

// SpeedKph returns horizontal speed in km/h.
func (f Frame) SpeedKph() float64 {
	return f.VelH * 3.6
}
