// Package email sends a notification the first time each payload is seen.
package email

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	humanize "github.com/dustin/go-humanize"

	"autorx-ng/internal/config"
	"autorx-ng/internal/telemetry"
)

type Config struct {
	Server   string
	Port     int
	Username string
	Password string
	From     string
	To       []string
	// Subject may contain <id>, <type> and <freq>.
	Subject string

	StationSet bool
	StationLat float64
	StationLon float64
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type Notifier struct {
	cfg  Config
	send sendFunc
	now  func() time.Time
}

func New(cfg Config) *Notifier {
	return &Notifier{cfg: cfg, send: smtp.SendMail, now: time.Now}
}

func (n *Notifier) Name() string { return "email" }

func (n *Notifier) Upload(ctx context.Context, frames []telemetry.Frame) error {
	addr := net.JoinHostPort(n.cfg.Server, strconv.Itoa(n.cfg.Port))
	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Server)
	}
	for _, f := range frames {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := n.send(addr, auth, n.cfg.From, n.cfg.To, n.Message(f)); err != nil {
			return fmt.Errorf("email %s: %w", f.Serial, err)
		}
	}
	return nil
}

func expand(pattern string, f telemetry.Frame) string {
	return strings.NewReplacer(
		config.IDPlaceholder, f.Serial,
		"<type>", f.Type,
		"<freq>", f.FreqString(),
	).Replace(pattern)
}

// Message renders the RFC 5322 message for f.
func (n *Notifier) Message(f telemetry.Frame) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", n.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(n.cfg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", expand(n.cfg.Subject, f))
	fmt.Fprintf(&b, "Date: %s\r\n", n.now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")

	fmt.Fprintf(&b, "Sonde launch detected.\r\n\r\n")
	fmt.Fprintf(&b, "Serial:    %s\r\n", f.Serial)
	fmt.Fprintf(&b, "Type:      %s\r\n", f.Type)
	fmt.Fprintf(&b, "Frequency: %s\r\n", humanize.SIWithDigits(float64(f.Freq), 4, "Hz"))
	fmt.Fprintf(&b, "Time:      %s\r\n", f.Time.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Position:  %.5f, %.5f\r\n", f.Lat, f.Lon)
	fmt.Fprintf(&b, "Altitude:  %s m\r\n", humanize.Comma(int64(f.Alt)))
	if n.cfg.StationSet {
		d := telemetry.DistanceKm(n.cfg.StationLat, n.cfg.StationLon, f.Lat, f.Lon)
		fmt.Fprintf(&b, "Range:     %s km\r\n", humanize.CommafWithDigits(d, 1))
	}
	fmt.Fprintf(&b, "\r\nhttps://sondehub.org/%s\r\n", f.Serial)
	return []byte(b.String())
}
