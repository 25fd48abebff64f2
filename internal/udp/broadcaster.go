// Package udp sends datagrams to a fixed destination, which may be a
// broadcast address.
package udp

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// MaxDatagram is the largest payload that fits in one IPv4 UDP datagram.
const MaxDatagram = 65507

var (
	ErrTooLarge = errors.New("udp payload too large")
	ErrClosed   = errors.New("udp broadcaster closed")
)

type udpConn interface {
	Write(p []byte) (int, error)
	Close() error
}

type resolveFunc func(network, address string) (*net.UDPAddr, error)
type dialFunc func(network string, laddr, raddr *net.UDPAddr) (udpConn, error)

// Broadcaster owns one connected UDP socket. Send and Close may be called
// from different goroutines.
type Broadcaster struct {
	dest string

	mu     sync.Mutex
	conn   udpConn
	sent   uint64
	errors uint64
}

type Stats struct {
	Dest   string `json:"dest"`
	Sent   uint64 `json:"sent"`
	Errors uint64 `json:"errors"`
}

func NewBroadcaster(dest string) (*Broadcaster, error) {
	return newBroadcaster(dest, net.ResolveUDPAddr, dialBroadcast)
}

func newBroadcaster(dest string, resolve resolveFunc, dial dialFunc) (*Broadcaster, error) {
	addr, err := resolve("udp4", dest)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", dest, err)
	}
	conn, err := dial("udp4", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", dest, err)
	}
	return &Broadcaster{dest: dest, conn: conn}, nil
}

// dialBroadcast sets SO_BROADCAST before connect so 255.255.255.255 and
// subnet broadcast destinations are accepted.
func dialBroadcast(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
	d := net.Dialer{Control: enableBroadcast}
	if laddr != nil {
		d.LocalAddr = laddr
	}
	return d.Dial(network, raddr.String())
}

func (b *Broadcaster) Dest() string { return b.dest }

func (b *Broadcaster) Send(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	if len(payload) > MaxDatagram {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(payload))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return ErrClosed
	}
	if _, err := b.conn.Write(payload); err != nil {
		b.errors++
		return fmt.Errorf("send to %s: %w", b.dest, err)
	}
	b.sent++
	return nil
}

func (b *Broadcaster) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{Dest: b.dest, Sent: b.sent, Errors: b.errors}
}

// Close releases the socket. Later sends fail with ErrClosed.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}
