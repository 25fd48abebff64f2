package web

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"autorx-ng/internal/config"
	"autorx-ng/internal/upload/sqlitelog"
)

func writeJSON(w http.ResponseWriter, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

func getOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

// redact returns a copy of cfg without credentials.
func redact(cfg config.Config) config.Config {
	if cfg.APRS.Passcode != "" {
		cfg.APRS.Passcode = "***"
	}
	if cfg.Email.Password != "" {
		cfg.Email.Password = "***"
	}
	return cfg
}

type TrackResponse struct {
	ID     string                 `json:"id"`
	Points []sqlitelog.TrackPoint `json:"points"`
}

// Handler serves the status API. cfg, logs and stream may be nil.
func Handler(status *Status, cfg *config.Config, logs *LogBuffer, stream *Stream) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", getOnly(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, status.Snapshot(time.Now().UTC()))
	}))

	if cfg != nil {
		view := redact(*cfg)
		mux.HandleFunc("/api/config", getOnly(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, view)
		}))
	}

	mux.HandleFunc("/api/track", getOnly(func(w http.ResponseWriter, r *http.Request) {
		track := status.sources().Track
		if track == nil {
			http.Error(w, "telemetry log disabled", http.StatusNotFound)
			return
		}
		id := strings.TrimSpace(r.URL.Query().Get("id"))
		if id == "" {
			http.Error(w, "id is required", http.StatusBadRequest)
			return
		}
		pts, err := track(r.Context(), id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if pts == nil {
			pts = []sqlitelog.TrackPoint{}
		}
		writeJSON(w, TrackResponse{ID: id, Points: pts})
	}))

	if logs != nil {
		mux.Handle("/api/logs", logs.Handler())
	}
	if stream != nil {
		mux.Handle("/api/telemetry/ws", stream.Handler())
	}

	mux.HandleFunc("/", getOnly(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		snap := status.Snapshot(time.Now().UTC())
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>autorx-ng</title></head><body>")
		_, _ = fmt.Fprintf(w, "<h1>autorx-ng %s</h1>", html.EscapeString(snap.Station))
		_, _ = fmt.Fprintf(w, "<p><a href=\"/api/status\">status</a> | <a href=\"/api/logs?format=text\">logs</a></p>")
		_, _ = fmt.Fprintf(w, "<table border=\"1\"><tr><th>SDR</th><th>State</th><th>Session</th></tr>")
		for _, t := range snap.Tasks {
			sess := ""
			if t.Session != nil {
				sess = fmt.Sprintf("%s %s %.3f MHz, %d frames", t.Session.Serial, t.Session.Kind, float64(t.Session.Freq)/1e6, t.Session.Frames)
			}
			_, _ = fmt.Fprintf(w, "<tr><td>%s</td><td>%s</td><td>%s</td></tr>",
				html.EscapeString(t.SDR), html.EscapeString(t.State), html.EscapeString(sess))
		}
		_, _ = fmt.Fprintf(w, "</table><h2>Payloads</h2><pre>")
		for _, f := range snap.Payloads {
			_, _ = fmt.Fprintf(w, "%s %-10s %s  %.5f,%.5f  %.0f m\n",
				html.EscapeString(f.Serial), html.EscapeString(f.Type), f.FreqString(), f.Lat, f.Lon, f.Alt)
		}
		_, _ = fmt.Fprintf(w, "</pre></body></html>")
	}))

	return mux
}

func Serve(ctx context.Context, listenAddr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
