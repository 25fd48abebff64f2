// Package ozimux broadcasts telemetry to local mapping clients: the OziMux
// CSV line protocol and the JSON payload summary used by chase-car software.
package ozimux

import (
	"context"
	"encoding/json"
	"fmt"

	"autorx-ng/internal/telemetry"
)

type Sender interface {
	Send(payload []byte) error
}

// Telemetry sends "TELEMETRY,HH:MM:SS,lat,lon,alt" lines.
type Telemetry struct {
	out Sender
}

func NewTelemetry(out Sender) *Telemetry { return &Telemetry{out: out} }

func (t *Telemetry) Name() string { return "ozimux" }

func Line(f telemetry.Frame) string {
	return fmt.Sprintf("TELEMETRY,%s,%.5f,%.5f,%d\n",
		f.Time.UTC().Format("15:04:05"), f.Lat, f.Lon, int(f.Alt))
}

func (t *Telemetry) Upload(ctx context.Context, frames []telemetry.Frame) error {
	for _, f := range frames {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.out.Send([]byte(Line(f))); err != nil {
			return fmt.Errorf("ozimux: %w", err)
		}
	}
	return nil
}

type Summary struct {
	Type      string   `json:"type"`
	Callsign  string   `json:"callsign"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Altitude  float64  `json:"altitude"`
	Speed     float64  `json:"speed"`
	Heading   float64  `json:"heading"`
	Time      string   `json:"time"`
	Comment   string   `json:"comment"`
	Model     string   `json:"model"`
	Freq      string   `json:"freq"`
	Frame     int      `json:"frame"`
	Temp      *float64 `json:"temp,omitempty"`
	SDR       string   `json:"sdr,omitempty"`
}

func SummaryOf(f telemetry.Frame) Summary {
	return Summary{
		Type:      "PAYLOAD_SUMMARY",
		Callsign:  f.Serial,
		Latitude:  f.Lat,
		Longitude: f.Lon,
		Altitude:  f.Alt,
		Speed:     f.SpeedKph(),
		Heading:   f.Heading,
		Time:      f.Time.UTC().Format("15:04:05"),
		Comment:   "Radiosonde",
		Model:     f.Type,
		Freq:      f.FreqString(),
		Frame:     f.Sequence,
		Temp:      f.Temp,
		SDR:       f.SDR,
	}
}

// PayloadSummary sends one JSON datagram per payload.
type PayloadSummary struct {
	out Sender
}

func NewPayloadSummary(out Sender) *PayloadSummary { return &PayloadSummary{out: out} }

func (p *PayloadSummary) Name() string { return "payload_summary" }

func (p *PayloadSummary) Upload(ctx context.Context, frames []telemetry.Frame) error {
	for _, f := range frames {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, err := json.Marshal(SummaryOf(f))
		if err != nil {
			return err
		}
		if err := p.out.Send(b); err != nil {
			return fmt.Errorf("payload summary: %w", err)
		}
	}
	return nil
}
