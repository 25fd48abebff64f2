package aprs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

var ErrNotConnected = errors.New("aprs-is not connected")

type ClientConfig struct {
	Addr     string
	Callsign string
	Passcode string
	Software string

	ReconnectDelay time.Duration
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
}

// Client holds a persistent APRS-IS connection, reconnecting as needed.
type Client struct {
	cfg ClientConfig
	log logrus.FieldLogger

	started atomic.Bool
	closed  atomic.Bool

	mu       sync.RWMutex
	conn     net.Conn
	state    string
	lastErr  string
	verified bool
	sent     uint64

	cancel context.CancelFunc
	done   chan struct{}
}

type Snapshot struct {
	Addr      string `json:"addr"`
	State     string `json:"state"`
	Verified  bool   `json:"verified"`
	LastError string `json:"last_error,omitempty"`
	Sent      uint64 `json:"sent"`
}

func NewClient(cfg ClientConfig, log logrus.FieldLogger) (*Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("aprs-is addr is required")
	}
	if cfg.Callsign == "" {
		return nil, fmt.Errorf("aprs-is callsign is required")
	}
	if cfg.Software == "" {
		cfg.Software = "autorx-ng 1.0"
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 10 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{cfg: cfg, log: log, state: "stopped", done: make(chan struct{})}, nil
}

func (c *Client) Start(ctx context.Context) error {
	if c.closed.Load() {
		return fmt.Errorf("aprs-is client is closed")
	}
	if c.started.Swap(true) {
		return fmt.Errorf("aprs-is client already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.setState("connecting", "")
	go func() {
		defer close(c.done)
		c.runLoop(runCtx)
	}()
	return nil
}

func (c *Client) Close() {
	if c.closed.Swap(true) {
		return
	}
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}

// Send writes one packet. It fails fast with ErrNotConnected while the
// client is reconnecting.
func (c *Client) Send(packet string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if _, err := c.conn.Write([]byte(packet + "\r\n")); err != nil {
		// Closing makes the read loop notice and reconnect.
		_ = c.conn.Close()
		c.conn = nil
		return fmt.Errorf("aprs-is write: %w", err)
	}
	c.sent++
	return nil
}

func (c *Client) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		Addr:      c.cfg.Addr,
		State:     c.state,
		Verified:  c.verified,
		LastError: c.lastErr,
		Sent:      c.sent,
	}
}

func (c *Client) loginLine() string {
	return fmt.Sprintf("user %s pass %s vers %s", c.cfg.Callsign, c.cfg.Passcode, c.cfg.Software)
}

func (c *Client) runLoop(ctx context.Context) {
	dialer := &net.Dialer{Timeout: c.cfg.DialTimeout}

	for {
		if ctx.Err() != nil {
			c.setState("stopped", "")
			return
		}

		c.setState("connecting", "")
		conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
		if err == nil {
			_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			_, err = conn.Write([]byte(c.loginLine() + "\r\n"))
			if err != nil {
				_ = conn.Close()
			}
		}
		if err != nil {
			c.setState("error", err.Error())
			c.log.WithError(err).Warn("aprs-is connect failed")
			if !sleepCtx(ctx, c.cfg.ReconnectDelay) {
				c.setState("stopped", "")
				return
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.verified = false
		c.mu.Unlock()
		c.setState("connected", "")
		c.log.WithField("addr", c.cfg.Addr).Info("aprs-is connected")

		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
		c.readLoop(conn)
		stop()

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()

		if ctx.Err() != nil {
			c.setState("stopped", "")
			return
		}
		c.setState("disconnected", "")
		if !sleepCtx(ctx, c.cfg.ReconnectDelay) {
			c.setState("stopped", "")
			return
		}
	}
}

// readLoop consumes server output until the connection drops. The server
// sends comments and a login response; packets from the feed are ignored.
func (c *Client) readLoop(conn net.Conn) {
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "# logresp") {
			continue
		}
		verified := strings.Contains(line, " verified") && !strings.Contains(line, "unverified")
		c.mu.Lock()
		c.verified = verified
		c.mu.Unlock()
		if !verified {
			c.log.WithField("resp", line).Warn("aprs-is login not verified, packets will be dropped by the server")
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		c.setState("disconnected", err.Error())
	}
}

func (c *Client) setState(state string, lastErr string) {
	c.mu.Lock()
	c.state = state
	if lastErr != "" {
		c.lastErr = lastErr
	} else if state == "connected" || state == "stopped" {
		c.lastErr = ""
	}
	c.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
