package rotator

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Client speaks the hamlib rotctld TCP protocol.
type Client struct {
	addr    string
	timeout time.Duration

	mu   sync.Mutex
	conn net.Conn
	rd   *bufio.Reader
}

func NewClient(addr string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{addr: addr, timeout: timeout}
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("rotctld dial %s: %w", c.addr, err)
	}
	c.conn = conn
	c.rd = bufio.NewReader(conn)
	return nil
}

func (c *Client) dropLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.rd = nil
}

// command sends cmd and reads up to lines reply lines, stopping early at an
// RPRT line.
func (c *Client) command(ctx context.Context, cmd string, lines int) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}
	_ = c.conn.SetDeadline(time.Now().Add(c.timeout))
	if _, err := c.conn.Write([]byte(cmd + "\n")); err != nil {
		c.dropLocked()
		return nil, fmt.Errorf("rotctld write: %w", err)
	}

	out := make([]string, 0, lines)
	for len(out) < lines {
		line, err := c.rd.ReadString('\n')
		if err != nil {
			c.dropLocked()
			return nil, fmt.Errorf("rotctld read: %w", err)
		}
		line = strings.TrimSpace(line)
		// An error reply can arrive in place of the expected values.
		if strings.HasPrefix(line, "RPRT ") {
			out = append(out, line)
			break
		}
		out = append(out, line)
	}
	return out, nil
}

func parseRPRT(line string) error {
	if !strings.HasPrefix(line, "RPRT ") {
		return fmt.Errorf("rotctld: unexpected reply %q", line)
	}
	code, err := strconv.Atoi(strings.TrimPrefix(line, "RPRT "))
	if err != nil {
		return fmt.Errorf("rotctld: bad reply %q", line)
	}
	if code != 0 {
		return fmt.Errorf("rotctld: error code %d", code)
	}
	return nil
}

// SetPosition commands the rotator to az/el in degrees.
func (c *Client) SetPosition(ctx context.Context, az, el float64) error {
	lines, err := c.command(ctx, fmt.Sprintf("P %.1f %.1f", az, el), 1)
	if err != nil {
		return err
	}
	return parseRPRT(lines[0])
}

// Position reads the current rotator position.
func (c *Client) Position(ctx context.Context) (az, el float64, err error) {
	lines, err := c.command(ctx, "p", 2)
	if err != nil {
		return 0, 0, err
	}
	if len(lines) < 2 {
		return 0, 0, parseRPRT(lines[0])
	}
	if az, err = strconv.ParseFloat(lines[0], 64); err != nil {
		return 0, 0, fmt.Errorf("rotctld: bad azimuth %q", lines[0])
	}
	if el, err = strconv.ParseFloat(lines[1], 64); err != nil {
		return 0, 0, fmt.Errorf("rotctld: bad elevation %q", lines[1])
	}
	return az, el, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked()
	return nil
}
