package scan

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autorx-ng/internal/sdr"
)

type fakeSweeper struct {
	bins  []Bin
	err   error
	calls int
	last  Request
	// state observed on the pool while sweeping
	during string
	pool   *sdr.Pool
}

func (f *fakeSweeper) Sweep(ctx context.Context, req Request) ([]Bin, error) {
	f.calls++
	f.last = req
	if f.pool != nil {
		f.during = f.pool.Snapshot()[0].State
	}
	return f.bins, f.err
}

func acquire(t *testing.T) (*sdr.Pool, *sdr.Resource) {
	t.Helper()
	log, _ := test.NewNullLogger()
	p := sdr.NewPool([]sdr.Settings{{DeviceIdx: "0", PPM: 3, GainDB: -1}}, nil, log)
	r, err := p.Acquire(context.Background(), "0")
	require.NoError(t, err)
	return p, r
}

func TestScan_WhitelistSkipsSweep(t *testing.T) {
	pool, res := acquire(t)
	defer pool.Release(res)
	sw := &fakeSweeper{}
	log, _ := test.NewNullLogger()

	s := New(sw, Config{
		Low: 400000000, High: 406000000, Step: 800,
		Whitelist: []int64{402500000},
		Peaks:     Options{Greylist: []int64{401000000}},
	}, log)
	peaks, err := s.Scan(context.Background(), res)
	require.NoError(t, err)
	assert.Equal(t, []Peak{{Freq: 402500000}}, peaks)
	assert.Zero(t, sw.calls)
}

func TestScan_SweepsAndMarksState(t *testing.T) {
	pool, res := acquire(t)
	defer pool.Release(res)
	bins := flat(50, -50)
	bins[25].Power = -5
	sw := &fakeSweeper{bins: bins, pool: pool}
	log, _ := test.NewNullLogger()

	s := New(sw, Config{
		Low: 400000000, High: 400040000, Step: 800, Dwell: 20 * time.Second,
		Peaks: Options{SNRThreshold: 10, MaxPeaks: 5},
	}, log)
	peaks, err := s.Scan(context.Background(), res)
	require.NoError(t, err)
	require.Len(t, peaks, 1)
	assert.Equal(t, bins[25].Freq, peaks[0].Freq)
	assert.Equal(t, "scanning", sw.during)
	assert.Equal(t, "idle", pool.Snapshot()[0].State)
	assert.Equal(t, 3, sw.last.Device.PPM)
	assert.Equal(t, 20*time.Second, sw.last.Dwell)
}

func TestScan_SweepError(t *testing.T) {
	pool, res := acquire(t)
	defer pool.Release(res)
	boom := errors.New("usb")
	log, _ := test.NewNullLogger()
	s := New(&fakeSweeper{err: boom}, Config{Low: 1, High: 2, Step: 1}, log)
	_, err := s.Scan(context.Background(), res)
	assert.ErrorIs(t, err, boom)
}

func TestRTLPowerArgs(t *testing.T) {
	args := RTLPower{}.Args(Request{
		Device: sdr.Settings{DeviceIdx: "1", PPM: -2, GainDB: 38.6, Bias: true},
		Low:    400050000, High: 403000000, Step: 800, Dwell: 20 * time.Second,
	})
	want := []string{"-f", "400050000:403000000:800", "-i", "20", "-1", "-c", "20%", "-p", "-2", "-d", "1", "-g", "38.6", "-T", "-"}
	assert.Equal(t, want, args)

	args = RTLPower{}.Args(Request{Device: sdr.Settings{DeviceIdx: "0", GainDB: -1}, Low: 1, High: 2, Step: 1})
	assert.NotContains(t, args, "-g")
	assert.NotContains(t, args, "-T")
}

func TestFormatFreq(t *testing.T) {
	if got := FormatFreq(402500000); got != "402.5 MHz" {
		t.Fatalf("FormatFreq=%q", got)
	}
}
