package udp

import (
	"errors"
	"net"
	"testing"
	"time"
)

type fakeConn struct {
	writes   [][]byte
	writeErr error
	closed   int
}

func (c *fakeConn) Write(p []byte) (int, error) {
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	c.writes = append(c.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (c *fakeConn) Close() error {
	c.closed++
	return nil
}

func TestNewBroadcaster_DialsBroadcastAddr(t *testing.T) {
	var network string
	var raddr *net.UDPAddr
	dial := func(n string, _, r *net.UDPAddr) (udpConn, error) {
		network, raddr = n, r
		return &fakeConn{}, nil
	}
	b, err := newBroadcaster("255.255.255.255:55672", net.ResolveUDPAddr, dial)
	if err != nil {
		t.Fatalf("newBroadcaster: %v", err)
	}
	defer b.Close()

	if network != "udp4" {
		t.Fatalf("network=%q want udp4", network)
	}
	if raddr == nil || raddr.Port != 55672 || !raddr.IP.Equal(net.IPv4bcast) {
		t.Fatalf("raddr=%v want 255.255.255.255:55672", raddr)
	}
	if b.Dest() != "255.255.255.255:55672" {
		t.Fatalf("dest=%q", b.Dest())
	}
}

func TestNewBroadcaster_Errors(t *testing.T) {
	resolveErr := errors.New("no such host")
	dialErr := errors.New("network unreachable")
	cases := []struct {
		name    string
		resolve resolveFunc
		dial    dialFunc
		want    error
	}{
		{
			name:    "resolve",
			resolve: func(string, string) (*net.UDPAddr, error) { return nil, resolveErr },
			dial:    func(string, *net.UDPAddr, *net.UDPAddr) (udpConn, error) { return &fakeConn{}, nil },
			want:    resolveErr,
		},
		{
			name:    "dial",
			resolve: net.ResolveUDPAddr,
			dial:    func(string, *net.UDPAddr, *net.UDPAddr) (udpConn, error) { return nil, dialErr },
			want:    dialErr,
		},
	}
	for _, tc := range cases {
		_, err := newBroadcaster("127.0.0.1:8942", tc.resolve, tc.dial)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: err=%v want %v", tc.name, err, tc.want)
		}
	}
}

func TestBroadcaster_SendCounts(t *testing.T) {
	fc := &fakeConn{}
	b := &Broadcaster{dest: "x", conn: fc}

	if err := b.Send(nil); err != nil {
		t.Fatalf("Send(nil): %v", err)
	}
	if err := b.Send([]byte("TELEMETRY,01:02:03,-34.1,138.2,1000\n")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(fc.writes) != 1 {
		t.Fatalf("writes=%d want 1", len(fc.writes))
	}

	fc.writeErr = errors.New("boom")
	if err := b.Send([]byte("x")); !errors.Is(err, fc.writeErr) {
		t.Fatalf("err=%v want %v", err, fc.writeErr)
	}
	if st := b.Stats(); st.Sent != 1 || st.Errors != 1 {
		t.Fatalf("stats=%+v want sent=1 errors=1", st)
	}
}

func TestBroadcaster_RejectsOversize(t *testing.T) {
	fc := &fakeConn{}
	b := &Broadcaster{dest: "x", conn: fc}
	if err := b.Send(make([]byte, MaxDatagram+1)); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err=%v want %v", err, ErrTooLarge)
	}
	if len(fc.writes) != 0 {
		t.Fatalf("oversize payload was written")
	}
}

func TestBroadcaster_CloseIsIdempotent(t *testing.T) {
	fc := &fakeConn{}
	b := &Broadcaster{dest: "x", conn: fc}
	_ = b.Close()
	_ = b.Close()
	if fc.closed != 1 {
		t.Fatalf("closed=%d want 1", fc.closed)
	}
	if err := b.Send([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v want %v", err, ErrClosed)
	}
	if err := (&Broadcaster{}).Close(); err != nil {
		t.Fatalf("Close on zero value: %v", err)
	}
}

func TestNewBroadcaster_LoopbackDelivers(t *testing.T) {
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer pc.Close()

	b, err := NewBroadcaster(pc.LocalAddr().String())
	if err != nil {
		t.Fatalf("NewBroadcaster: %v", err)
	}
	defer b.Close()

	if err := b.Send([]byte("TELEMETRY,12:00:00,1,2,3\n")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	buf := make([]byte, 128)
	_ = pc.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := pc.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := string(buf[:n]); got != "TELEMETRY,12:00:00,1,2,3\n" {
		t.Fatalf("got %q", got)
	}
}
