// Package aprs formats radiosonde positions as APRS packets and sends them
// to APRS-IS.
package aprs

import (
	"fmt"
	"math"
	"strings"

	"autorx-ng/internal/config"
	"autorx-ng/internal/telemetry"
)

const toCall = "APRARX"

// ObjectName expands the configured object name for f. APRS object names
// are limited to 9 characters; longer serials keep their first character
// and last 8.
func ObjectName(pattern string, f telemetry.Frame) string {
	name := strings.ReplaceAll(pattern, config.IDPlaceholder, f.Serial)
	name = strings.ReplaceAll(name, "-", "")
	if len(name) > 9 {
		name = name[:1] + name[len(name)-8:]
	}
	return name
}

// Comment expands <id>, <type> and <freq> in pattern.
func Comment(pattern string, f telemetry.Frame) string {
	r := strings.NewReplacer(
		config.IDPlaceholder, f.Serial,
		"<type>", f.Type,
		"<freq>", f.FreqString(),
	)
	return r.Replace(pattern)
}

func latString(lat float64) string {
	hemi := "N"
	if lat < 0 {
		hemi = "S"
		lat = -lat
	}
	deg, mins := degMin(lat)
	return fmt.Sprintf("%02d%05.2f%s", deg, mins, hemi)
}

func lonString(lon float64) string {
	hemi := "E"
	if lon < 0 {
		hemi = "W"
		lon = -lon
	}
	deg, mins := degMin(lon)
	return fmt.Sprintf("%03d%05.2f%s", deg, mins, hemi)
}

// degMin splits a non-negative coordinate into whole degrees and minutes
// rounded to hundredths. Rounding happens on the total so minutes never
// reach 60.
func degMin(v float64) (int, float64) {
	m := int(math.Round(v * 6000))
	return m / 6000, float64(m%6000) / 100
}

// course renders "CCC/SSS/A=AAAAAA": heading in degrees, speed in knots,
// altitude in feet.
func course(f telemetry.Frame) string {
	hdg := int(math.Round(f.Heading)) % 360
	if hdg < 0 {
		hdg += 360
	}
	knots := int(math.Round(f.VelH * 1.943844))
	if knots > 999 {
		knots = 999
	}
	feet := int(math.Round(f.Alt * 3.28084))
	if feet < 0 {
		feet = 0
	}
	return fmt.Sprintf("%03d/%03d/A=%06d", hdg, knots, feet)
}

// ObjectPacket reports the sonde as an APRS object owned by callsign.
func ObjectPacket(callsign, name, comment string, f telemetry.Frame) string {
	return fmt.Sprintf("%s>%s,TCPIP*:;%-9s*%sh%s/%sO%s %s",
		callsign, toCall, name,
		f.Time.UTC().Format("150405"),
		latString(f.Lat), lonString(f.Lon),
		course(f), comment)
}

// PositionPacket reports the sonde as a station in its own right, gated by
// callsign.
func PositionPacket(callsign, name, comment string, f telemetry.Frame) string {
	return fmt.Sprintf("%s>%s,SONDEGATE,TCPIP,qAR,%s:/%sh%s/%sO%s %s",
		name, toCall, callsign,
		f.Time.UTC().Format("150405"),
		latString(f.Lat), lonString(f.Lon),
		course(f), comment)
}

// BeaconPacket is the receiving station's own position report. icon is the
// two-character symbol table and symbol code.
func BeaconPacket(callsign string, lat, lon float64, icon, comment string) string {
	table, sym := "/", "r"
	if len(icon) == 2 {
		table, sym = icon[:1], icon[1:]
	}
	return fmt.Sprintf("%s>%s,TCPIP*:=%s%s%s%s%s",
		callsign, toCall, latString(lat), table, lonString(lon), sym, comment)
}
