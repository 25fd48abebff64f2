package decoder

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"autorx-ng/internal/telemetry"
)

var (
	// ErrNotTelemetry marks decoder chatter that is not a JSON record.
	ErrNotTelemetry = errors.New("not a telemetry line")
	// ErrUndecodable marks a JSON record that cannot be turned into a frame.
	ErrUndecodable = errors.New("undecodable telemetry")
	// ErrEncrypted is returned for sondes whose telemetry is encrypted
	// (e.g. RS41-SGM). The session cannot produce positions.
	ErrEncrypted = errors.New("encrypted telemetry")
)

// Invalid sentinels some decoders print for missing sensor values.
const (
	noTemp     = -273.0
	noHumidity = -1.0
	noBattery  = -1.0
)

// minIMetSats is the GPS lock needed before an iMet timestamp is trusted.
const minIMetSats = 4

type rawFrame struct {
	Frame    *float64 `json:"frame"`
	ID       *string  `json:"id"`
	Datetime *string  `json:"datetime"`
	Lat      *float64 `json:"lat"`
	Lon      *float64 `json:"lon"`
	Alt      *float64 `json:"alt"`

	VelH     *float64 `json:"vel_h"`
	VelV     *float64 `json:"vel_v"`
	Heading  *float64 `json:"heading"`
	Temp     *float64 `json:"temp"`
	Humidity *float64 `json:"humidity"`
	Batt     *float64 `json:"batt"`
	Sats     *float64 `json:"sats"`

	Encrypted json.RawMessage `json:"encrypted"`
	Aux       json.RawMessage `json:"aux"`
}

// Parser turns decoder output lines into frames for one decode session.
type Parser struct {
	kind  Kind
	freq  int64
	sdrID string
	// station is mixed into synthesized iMet identifiers.
	station string

	imetID string
}

func NewParser(kind Kind, freq int64, sdrID, station string) *Parser {
	return &Parser{kind: kind, freq: freq, sdrID: sdrID, station: station}
}

func (p *Parser) Kind() Kind { return p.kind }

// Parse decodes one line. Lines that are not JSON objects return
// ErrNotTelemetry and should be ignored.
func (p *Parser) Parse(line string, nowUTC time.Time) (telemetry.Frame, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return telemetry.Frame{}, ErrNotTelemetry
	}

	var raw rawFrame
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return telemetry.Frame{}, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if err := raw.requireFields(); err != nil {
		return telemetry.Frame{}, err
	}
	if len(raw.Encrypted) > 0 {
		return telemetry.Frame{}, fmt.Errorf("%w: sonde %s", ErrEncrypted, *raw.ID)
	}

	f := telemetry.Frame{
		Serial:   *raw.ID,
		Sequence: int(*raw.Frame),
		Lat:      *raw.Lat,
		Lon:      *raw.Lon,
		Alt:      *raw.Alt,
		VelH:     valueOr(raw.VelH, 0),
		VelV:     valueOr(raw.VelV, 0),
		Heading:  valueOr(raw.Heading, 0),
		Temp:     optional(raw.Temp, noTemp),
		Humidity: optional(raw.Humidity, noHumidity),
		Battery:  optional(raw.Batt, noBattery),
		Sats:     int(valueOr(raw.Sats, 0)),
		Type:     string(p.kind),
		Freq:     p.freq,
		SDR:      p.sdrID,
		Received: nowUTC,
	}
	if len(raw.Aux) > 0 {
		f.Type += "-Ozone"
	}

	if p.kind == IMet {
		if f.Sats < minIMetSats {
			return telemetry.Frame{}, fmt.Errorf("%w: iMet has no GPS lock (%d sats)", ErrUndecodable, f.Sats)
		}
		t, err := imetFixDatetime(*raw.Datetime, nowUTC)
		if err != nil {
			return telemetry.Frame{}, fmt.Errorf("%w: %v", ErrUndecodable, err)
		}
		f.Time = t
		// iMet sondes do not transmit a serial; the synthesized one is
		// latched for the rest of the session.
		if p.imetID == "" {
			p.imetID = IMetUniqueID(t, f.Sequence, f.FreqString(), p.station)
		}
		f.Serial = p.imetID
		return f, nil
	}

	t, err := parseDatetime(*raw.Datetime)
	if err != nil {
		return telemetry.Frame{}, fmt.Errorf("%w: invalid datetime %q (no GPS lock?)", ErrUndecodable, *raw.Datetime)
	}
	f.Time = t
	return f, nil
}

func (r rawFrame) requireFields() error {
	missing := ""
	switch {
	case r.Frame == nil:
		missing = "frame"
	case r.ID == nil:
		missing = "id"
	case r.Datetime == nil:
		missing = "datetime"
	case r.Lat == nil:
		missing = "lat"
	case r.Lon == nil:
		missing = "lon"
	case r.Alt == nil:
		missing = "alt"
	}
	if missing != "" {
		return fmt.Errorf("%w: missing required field %s", ErrUndecodable, missing)
	}
	return nil
}

func valueOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func optional(v *float64, invalid float64) *float64 {
	if v == nil || *v == invalid {
		return nil
	}
	out := *v
	return &out
}

var datetimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

func parseDatetime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range datetimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised datetime %q", s)
}

// imetFixDatetime attaches a date to the time-of-day iMet decoders print,
// picking the day that puts the result closest to nowUTC.
func imetFixDatetime(s string, nowUTC time.Time) (time.Time, error) {
	if t, err := parseDatetime(s); err == nil {
		return t, nil
	}
	tod, err := time.Parse("15:04:05.999999999", strings.TrimSuffix(strings.TrimSpace(s), "Z"))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid iMet time %q", s)
	}
	nowUTC = nowUTC.UTC()
	t := time.Date(nowUTC.Year(), nowUTC.Month(), nowUTC.Day(),
		tod.Hour(), tod.Minute(), tod.Second(), tod.Nanosecond(), time.UTC)
	switch {
	case t.Sub(nowUTC) > 12*time.Hour:
		t = t.AddDate(0, 0, -1)
	case nowUTC.Sub(t) > 12*time.Hour:
		t = t.AddDate(0, 0, 1)
	}
	return t, nil
}

// IMetUniqueID derives a stable identifier from the sonde's power-on time
// (frame counter ticks once per second), its frequency and an optional
// station code.
func IMetUniqueID(frameTime time.Time, frame int, freq, station string) string {
	powerOn := frameTime.UTC().Add(-time.Duration(frame) * time.Second).Truncate(time.Second)
	sum := md5.Sum([]byte(powerOn.Format("2006-01-02T15:04:05Z") + freq + station))
	h := strings.ToUpper(hex.EncodeToString(sum[:]))
	return "IMET-" + h[len(h)-8:]
}
