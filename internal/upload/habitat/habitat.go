// Package habitat uploads telemetry to a habitat CouchDB instance as UKHAS
// sentences.
package habitat

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"autorx-ng/internal/config"
	"autorx-ng/internal/telemetry"
)

type Config struct {
	URL              string
	UploaderCallsign string
	// PayloadCallsign may contain config.IDPlaceholder, replaced by the
	// payload serial.
	PayloadCallsign string
	Timeout         time.Duration
}

type Uploader struct {
	cfg    Config
	client *http.Client
	now    func() time.Time
}

func New(cfg Config) *Uploader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &Uploader{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (u *Uploader) Name() string { return "habitat" }

// Sentence renders f as a UKHAS telemetry sentence including the trailing
// newline.
func Sentence(callsign string, f telemetry.Frame) string {
	temp := -273.0
	if f.Temp != nil {
		temp = *f.Temp
	}
	hum := -1.0
	if f.Humidity != nil {
		hum = *f.Humidity
	}
	body := fmt.Sprintf("%s,%d,%s,%.5f,%.5f,%d,%.1f,%.1f,%.1f,%s %s %s",
		callsign,
		f.Sequence,
		f.Time.UTC().Format("15:04:05"),
		f.Lat, f.Lon, int(f.Alt),
		f.SpeedKph(),
		temp, hum,
		f.Type, f.Serial, f.FreqString(),
	)
	return fmt.Sprintf("$$%s*%04X\n", body, crc16([]byte(body)))
}

func (u *Uploader) callsign(f telemetry.Frame) string {
	return strings.ReplaceAll(u.cfg.PayloadCallsign, config.IDPlaceholder, f.Serial)
}

func (u *Uploader) Upload(ctx context.Context, frames []telemetry.Frame) error {
	for _, f := range frames {
		if err := u.put(ctx, Sentence(u.callsign(f), f)); err != nil {
			return fmt.Errorf("habitat %s: %w", f.Serial, err)
		}
	}
	return nil
}

type listenerDoc struct {
	Type      string                       `json:"type"`
	Data      map[string]string            `json:"data"`
	Receivers map[string]map[string]string `json:"receivers"`
}

func (u *Uploader) put(ctx context.Context, sentence string) error {
	raw := base64.StdEncoding.EncodeToString([]byte(sentence))
	sum := sha256.Sum256([]byte(raw))
	docID := hex.EncodeToString(sum[:])

	now := u.now().Format(time.RFC3339)
	doc := listenerDoc{
		Type: "payload_telemetry",
		Data: map[string]string{"_raw": raw},
		Receivers: map[string]map[string]string{
			u.cfg.UploaderCallsign: {"time_created": now, "time_uploaded": now},
		},
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	url := u.cfg.URL + "/habitat/_design/payload_telemetry/_update/add_listener/" + docID
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	// 409 means another listener already uploaded this sentence.
	if resp.StatusCode == http.StatusConflict || resp.StatusCode/100 == 2 {
		return nil
	}
	return fmt.Errorf("unexpected status %s", resp.Status)
}
