package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autorx-ng/internal/blocklist"
	"autorx-ng/internal/decoder"
	"autorx-ng/internal/decoder/decodertest"
	"autorx-ng/internal/scan"
	"autorx-ng/internal/sdr"
	"autorx-ng/internal/telemetry"
)

func nullLog() logrus.FieldLogger {
	l, _ := test.NewNullLogger()
	return l
}

type fakeDetector struct {
	calls atomic.Int32
	fn    func(freq int64) (decoder.Kind, error)
}

func (d *fakeDetector) Detect(ctx context.Context, dev sdr.Settings, freq int64) (decoder.Kind, error) {
	d.calls.Add(1)
	return d.fn(freq)
}

type fixedScanner struct {
	calls atomic.Int32
	peaks []scan.Peak
}

func (s *fixedScanner) Scan(ctx context.Context, res *sdr.Resource) ([]scan.Peak, error) {
	s.calls.Add(1)
	return s.peaks, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type noSweep struct{}

func (noSweep) Sweep(context.Context, scan.Request) ([]scan.Bin, error) {
	return nil, fmt.Errorf("sweep should not run with a whitelist")
}

func frameLine(n int) string {
	return fmt.Sprintf(`{"frame": %d, "id": "S4321234", "datetime": "2024-06-01T10:00:%02dZ", "lat": -34.9, "lon": 138.6, "alt": %d}`, 100+n, n, 1000+n*5)
}

func newPool() *sdr.Pool {
	return sdr.NewPool([]sdr.Settings{{DeviceIdx: "0", GainDB: -1}}, nil, nullLog())
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func TestSupervisor_WhitelistDecodeThenTimeoutReleasesSDR(t *testing.T) {
	pool := newPool()
	builder, err := decoder.NewCommandBuilder(decoder.CommandConfig{})
	require.NoError(t, err)

	lines := make([]string, 5)
	for i := range lines {
		lines[i] = frameLine(i)
	}
	launcher := &decodertest.Launcher{Script: func(n int, cmd string) (*decodertest.Process, error) {
		return decodertest.Silent(lines...), nil
	}}
	det := &fakeDetector{fn: func(int64) (decoder.Kind, error) { return decoder.RS41, nil }}

	var mu sync.Mutex
	var frames []telemetry.Frame
	var lastFrameAt time.Time
	sink := FrameSinkFunc(func(f telemetry.Frame) {
		mu.Lock()
		frames = append(frames, f)
		lastFrameAt = time.Now()
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const rxTimeout = 300 * time.Millisecond
	var events []Event
	var idleAt time.Time
	var ownedAtIdle bool
	observer := func(ev Event) {
		events = append(events, ev)
		if ev.From == Decoding && ev.To == Idle {
			idleAt = time.Now()
			ownedAtIdle = pool.Snapshot()[0].Owned
			cancel()
		}
	}

	sup, err := New(Config{SDR: "0", RXTimeout: rxTimeout, ScanDelay: time.Second}, Deps{
		Pool:     pool,
		Scanner:  scan.New(noSweep{}, scan.Config{Whitelist: []int64{402500000}}, nullLog()),
		Detector: det,
		Builder:  builder,
		Launcher: launcher,
		Sink:     sink,
		Observer: observer,
		Log:      nullLog(),
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("supervisor did not return to idle")
	}

	require.Len(t, events, 3)
	assert.Equal(t, [2]State{Idle, Detecting}, [2]State{events[0].From, events[0].To})
	assert.Equal(t, int64(402500000), events[0].Freq)
	assert.Equal(t, [2]State{Detecting, Decoding}, [2]State{events[1].From, events[1].To})
	assert.Equal(t, decoder.RS41, events[1].Kind)
	assert.NotEmpty(t, events[1].Session)
	assert.Equal(t, [2]State{Decoding, Idle}, [2]State{events[2].From, events[2].To})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, frames, 5)
	for i, f := range frames {
		assert.Equal(t, 100+i, f.Sequence)
		assert.Equal(t, int64(402500000), f.Freq)
		assert.Equal(t, "RS41", f.Type)
	}
	assert.GreaterOrEqual(t, idleAt.Sub(lastFrameAt), rxTimeout-20*time.Millisecond)
	assert.False(t, ownedAtIdle, "sdr must be released before returning to idle")
	assert.False(t, pool.Snapshot()[0].Owned)

	procs := launcher.Processes()
	require.Len(t, procs, 1)
	assert.True(t, procs[0].Stopped())
	assert.Contains(t, launcher.Commands()[0], "-f 402500000")
	assert.Equal(t, uint64(1), sup.Status().Sessions)
}

func TestSupervisor_RepeatedDetectFailuresBlockFrequency(t *testing.T) {
	const freq = 400100000
	const blockFor = 2 * time.Hour
	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := &clock{now: t0}

	bl := blocklist.New(blockFor, 3)
	sc := &fixedScanner{peaks: []scan.Peak{{Freq: freq, SNR: 20}}}
	det := &fakeDetector{fn: func(int64) (decoder.Kind, error) { return "", decoder.ErrNoSondeDetected }}
	builder, _ := decoder.NewCommandBuilder(decoder.CommandConfig{})
	launcher := &decodertest.Launcher{Script: func(int, string) (*decodertest.Process, error) {
		return nil, fmt.Errorf("decoder should not launch")
	}}

	sup, err := New(Config{SDR: "0", RXTimeout: time.Second, ScanDelay: 2 * time.Millisecond}, Deps{
		Pool:      newPool(),
		Scanner:   sc,
		Detector:  det,
		Builder:   builder,
		Launcher:  launcher,
		Blocklist: bl,
		Log:       nullLog(),
		Now:       clk.Now,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = sup.Run(ctx)
		close(done)
	}()

	waitFor(t, 5*time.Second, func() bool { return sc.calls.Load() >= 8 }, "scan cycles")

	assert.Equal(t, int32(3), det.calls.Load(), "detection must stop once blocked")
	exp, ok := bl.Expiry(freq)
	require.True(t, ok)
	assert.Equal(t, t0.Add(blockFor), exp)
	assert.True(t, bl.Blocked(freq, clk.Now()))

	// Past expiry the frequency is a candidate again.
	clk.Set(t0.Add(blockFor + time.Second))
	waitFor(t, 5*time.Second, func() bool { return det.calls.Load() >= 4 }, "detection after expiry")

	cancel()
	<-done
	assert.Empty(t, launcher.Commands())
}

func TestSupervisor_EncryptedSessionBlocksImmediately(t *testing.T) {
	const freq = 405100000
	enc := `{"frame": 1, "id": "T1234567", "datetime": "2024-06-01T10:00:00Z", "lat": 1, "lon": 2, "alt": 3, "encrypted": true}`
	bl := blocklist.New(time.Hour, 3)
	launcher := &decodertest.Launcher{Script: func(int, string) (*decodertest.Process, error) {
		return decodertest.Silent(enc), nil
	}}
	builder, _ := decoder.NewCommandBuilder(decoder.CommandConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup, err := New(Config{SDR: "0", RXTimeout: 5 * time.Second, ScanDelay: time.Millisecond}, Deps{
		Pool:      newPool(),
		Scanner:   &fixedScanner{peaks: []scan.Peak{{Freq: freq}}},
		Detector:  &fakeDetector{fn: func(int64) (decoder.Kind, error) { return decoder.RS41, nil }},
		Builder:   builder,
		Launcher:  launcher,
		Blocklist: bl,
		Log:       nullLog(),
		Observer: func(ev Event) {
			if ev.From == Decoding && ev.To == Idle {
				cancel()
			}
		},
	})
	require.NoError(t, err)
	require.NoError(t, sup.Run(ctx))

	assert.True(t, bl.Blocked(freq, time.Now().UTC()))
	require.Len(t, launcher.Processes(), 1)
	assert.True(t, launcher.Processes()[0].Stopped())
}

func TestSupervisor_DecoderExitWithoutFramesCountsFailure(t *testing.T) {
	const freq = 403300000
	bl := blocklist.New(time.Hour, 3)
	launcher := &decodertest.Launcher{Script: func(int, string) (*decodertest.Process, error) {
		return decodertest.Exits(fmt.Errorf("exit status 1"), "decoder banner"), nil
	}}
	builder, _ := decoder.NewCommandBuilder(decoder.CommandConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup, _ := New(Config{SDR: "0", RXTimeout: 5 * time.Second}, Deps{
		Pool:      newPool(),
		Scanner:   &fixedScanner{peaks: []scan.Peak{{Freq: freq}}},
		Detector:  &fakeDetector{fn: func(int64) (decoder.Kind, error) { return decoder.M10, nil }},
		Builder:   builder,
		Launcher:  launcher,
		Blocklist: bl,
		Log:       nullLog(),
		Observer: func(ev Event) {
			if ev.From == Decoding && ev.To == Idle {
				cancel()
			}
		},
	})
	require.NoError(t, sup.Run(ctx))
	assert.Equal(t, 1, bl.Failures(freq))
	assert.False(t, bl.Blocked(freq, time.Now().UTC()))
}

func TestSupervisor_SkipsFrequencyClaimedByAnotherSDR(t *testing.T) {
	claims := NewClaims()
	require.True(t, claims.Claim(402000000, "other"))
	det := &fakeDetector{fn: func(int64) (decoder.Kind, error) { return "", decoder.ErrNoSondeDetected }}
	sc := &fixedScanner{peaks: []scan.Peak{{Freq: 402000000}, {Freq: 404000000}}}
	builder, _ := decoder.NewCommandBuilder(decoder.CommandConfig{})

	var seen []int64
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup, _ := New(Config{SDR: "0", RXTimeout: time.Second, ScanDelay: time.Hour}, Deps{
		Pool:     newPool(),
		Scanner:  sc,
		Detector: det,
		Builder:  builder,
		Launcher: &decodertest.Launcher{Script: func(int, string) (*decodertest.Process, error) { return decodertest.Silent(), nil }},
		Claims:   claims,
		Log:      nullLog(),
		Observer: func(ev Event) {
			if ev.To == Detecting {
				seen = append(seen, ev.Freq)
			}
			if ev.To == Idle {
				cancel()
			}
		},
	})
	require.NoError(t, sup.Run(ctx))
	assert.Equal(t, []int64{404000000}, seen)
	_, held := claims.owner(404000000)
	assert.False(t, held, "claims are released after each candidate")
}

type failingTester struct{ calls atomic.Int32 }

func (f *failingTester) Test(context.Context, string) error {
	f.calls.Add(1)
	return fmt.Errorf("usb_open error -3")
}

func TestSupervisor_BacksOffWhenSDRUnavailable(t *testing.T) {
	ft := &failingTester{}
	pool := sdr.NewPool([]sdr.Settings{{DeviceIdx: "0"}}, ft, nullLog())
	sc := &fixedScanner{}
	builder, _ := decoder.NewCommandBuilder(decoder.CommandConfig{})
	sup, _ := New(Config{SDR: "0", RXTimeout: time.Second, BackoffInitial: 10 * time.Millisecond, BackoffMax: 40 * time.Millisecond}, Deps{
		Pool:     pool,
		Scanner:  sc,
		Detector: &fakeDetector{fn: func(int64) (decoder.Kind, error) { return "", nil }},
		Builder:  builder,
		Launcher: &decodertest.Launcher{},
		Log:      nullLog(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, sup.Run(ctx))

	assert.Zero(t, sc.calls.Load())
	// 10+20+40+40... ms within 300 ms: a handful of attempts, not a hot loop.
	assert.GreaterOrEqual(t, ft.calls.Load(), int32(3))
	assert.LessOrEqual(t, ft.calls.Load(), int32(12))
	assert.Contains(t, sup.Status().LastError, "usb_open")
}

func TestClaims(t *testing.T) {
	c := NewClaims()
	assert.True(t, c.Claim(1, "a"))
	assert.True(t, c.Claim(1, "a"))
	assert.False(t, c.Claim(1, "b"))
	c.Release(1, "b")
	o, _ := c.owner(1)
	assert.Equal(t, "a", o)
	c.Release(1, "a")
	assert.True(t, c.Claim(1, "b"))
	assert.Equal(t, []Claim{{Freq: 1, SDR: "b"}}, c.Snapshot())
}
