package upload

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"autorx-ng/internal/telemetry"
)

type recorder struct {
	name string
	err  error

	mu      sync.Mutex
	batches [][]telemetry.Frame
	got     chan []telemetry.Frame
}

func newRecorder(name string) *recorder {
	return &recorder{name: name, got: make(chan []telemetry.Frame, 64)}
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) Upload(_ context.Context, frames []telemetry.Frame) error {
	r.mu.Lock()
	r.batches = append(r.batches, frames)
	r.mu.Unlock()
	r.got <- frames
	return r.err
}

type blocker struct{ release chan struct{} }

func (b *blocker) Name() string { return "stuck" }

func (b *blocker) Upload(ctx context.Context, _ []telemetry.Frame) error {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return ctx.Err()
}

func quietScheduler(sync bool) *Scheduler {
	log, _ := test.NewNullLogger()
	return NewScheduler(Config{Synchronous: sync, Log: log})
}

func frame(id string, seq int) telemetry.Frame {
	return telemetry.Frame{Serial: id, Sequence: seq, Type: "RS41", Freq: 402500000}
}

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestScheduler_SynchronousInstancesAgree(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		interval := rapid.IntRange(1, 120).Draw(t, "interval")
		offset := rapid.Int64Range(0, 86400).Draw(t, "offset")
		steps := rapid.IntRange(1, 400).Draw(t, "steps")
		arrivals := make([]bool, steps)
		for i := range arrivals {
			arrivals[i] = rapid.IntRange(0, 3).Draw(t, "arrival") == 0
		}

		a, b := quietScheduler(true), quietScheduler(true)
		pol := Policy{Interval: time.Duration(interval) * time.Second, Enabled: true}
		require.NoError(t, a.Add(newRecorder("habitat"), pol))
		require.NoError(t, b.Add(newRecorder("habitat"), pol))

		start := epoch.Add(time.Duration(offset) * time.Second)
		var firedA, firedB []int64
		for i := 0; i < steps; i++ {
			now := start.Add(time.Duration(i) * time.Second)
			var ra, rb []string
			if arrivals[i] {
				ra = a.Submit(frame("S1", i), now)
				rb = b.Submit(frame("S1", i), now)
			}
			ra = append(ra, a.Tick(now)...)
			rb = append(rb, b.Tick(now)...)
			if len(ra) > 0 {
				firedA = append(firedA, now.Unix())
			}
			if len(rb) > 0 {
				firedB = append(firedB, now.Unix())
			}
		}

		assert.Equal(t, firedA, firedB)
		for _, sec := range firedA {
			if sec%int64(interval) != 0 {
				t.Fatalf("upload at %d not aligned to %ds", sec, interval)
			}
		}
	})
}

func TestScheduler_NeverFasterThanInterval(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		interval := time.Duration(rapid.IntRange(1, 60).Draw(t, "interval")) * time.Second
		n := rapid.IntRange(1, 200).Draw(t, "frames")

		s := quietScheduler(false)
		require.NoError(t, s.Add(newRecorder("udp"), Policy{Interval: interval, Enabled: true}))

		now := epoch
		var last time.Time
		for i := 0; i < n; i++ {
			now = now.Add(time.Duration(rapid.IntRange(0, 5000).Draw(t, "gap_ms")) * time.Millisecond)
			if fired := s.Submit(frame("S1", i), now); len(fired) > 0 {
				if !last.IsZero() && now.Sub(last) < interval {
					t.Fatalf("uploads %v apart, interval %v", now.Sub(last), interval)
				}
				last = now
			}
		}
	})
}

func TestScheduler_SynchronousRequiresPending(t *testing.T) {
	s := quietScheduler(true)
	require.NoError(t, s.Add(newRecorder("habitat"), Policy{Interval: 10 * time.Second, Enabled: true}))

	aligned := time.Unix(1714564800, 0).UTC() // multiple of 10
	if got := s.Tick(aligned); len(got) != 0 {
		t.Fatalf("fired with nothing pending: %v", got)
	}
	// Pending but not aligned.
	if got := s.Submit(frame("S1", 1), aligned.Add(3*time.Second)); len(got) != 0 {
		t.Fatalf("fired off-alignment: %v", got)
	}
	if got := s.Tick(aligned.Add(10 * time.Second)); len(got) != 1 {
		t.Fatalf("fired=%v want [habitat]", got)
	}
	// Same second, nothing new.
	if got := s.Tick(aligned.Add(10 * time.Second)); len(got) != 0 {
		t.Fatalf("fired twice in one second: %v", got)
	}
}

func TestScheduler_JitteredPollingHitsEveryAlignedSecond(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		interval := rapid.IntRange(1, 10).Draw(t, "interval")
		phase := time.Duration(rapid.IntRange(0, 999).Draw(t, "phase_ms")) * time.Millisecond

		s := quietScheduler(true)
		require.NoError(t, s.Add(newRecorder("habitat"), Policy{Interval: time.Duration(interval) * time.Second, Enabled: true}))

		start := epoch.Add(phase)
		end := epoch.Add(30 * time.Second)
		fired := map[int64]int{}
		for now, i := start, 0; now.Before(end); i++ {
			for _, name := range s.Submit(frame("S1", i), now) {
				if name == "habitat" {
					fired[now.Unix()]++
				}
			}
			jitter := time.Duration(rapid.IntRange(-40, 40).Draw(t, "jitter_ms")) * time.Millisecond
			now = now.Add(defaultPollPeriod + jitter)
		}

		for sec := start.Unix() + 1; sec < end.Unix(); sec++ {
			want := 0
			if sec%int64(interval) == 0 {
				want = 1
			}
			if fired[sec] != want {
				t.Fatalf("second %d fired %d times want %d", sec, fired[sec], want)
			}
		}
	})
}

func TestNewScheduler_PollPeriod(t *testing.T) {
	if got := quietScheduler(true).cfg.PollPeriod; got != defaultPollPeriod {
		t.Fatalf("PollPeriod=%v want %v", got, defaultPollPeriod)
	}
	log, _ := test.NewNullLogger()
	s := NewScheduler(Config{Synchronous: true, PollPeriod: time.Second, Log: log})
	if s.cfg.PollPeriod >= time.Second {
		t.Fatalf("PollPeriod=%v must be under a second", s.cfg.PollPeriod)
	}
	s = NewScheduler(Config{PollPeriod: 50 * time.Millisecond, Log: log})
	if s.cfg.PollPeriod != 50*time.Millisecond {
		t.Fatalf("PollPeriod=%v want 50ms", s.cfg.PollPeriod)
	}
}

func TestScheduler_LatestPerPayload(t *testing.T) {
	s := quietScheduler(false)
	r := newRecorder("aprs")
	require.NoError(t, s.Add(r, Policy{Interval: 30 * time.Second, Enabled: true}))

	s.Submit(frame("A", 1), epoch) // fires immediately
	s.Submit(frame("A", 2), epoch.Add(5*time.Second))
	s.Submit(frame("B", 7), epoch.Add(6*time.Second))
	s.Submit(frame("A", 3), epoch.Add(10*time.Second))
	fired := s.Tick(epoch.Add(30 * time.Second))
	require.Equal(t, []string{"aprs"}, fired)

	<-r.got
	batch := <-r.got
	require.Len(t, batch, 2)
	assert.Equal(t, "A", batch[0].Serial)
	assert.Equal(t, 3, batch[0].Sequence)
	assert.Equal(t, "B", batch[1].Serial)
}

func TestScheduler_OneShotPerNewPayload(t *testing.T) {
	s := quietScheduler(false)
	r := newRecorder("email")
	require.NoError(t, s.Add(r, Policy{Mode: ModeOneShot, Enabled: true}))

	assert.Equal(t, []string{"email"}, s.Submit(frame("A", 1), epoch))
	assert.Empty(t, s.Submit(frame("A", 2), epoch.Add(time.Second)))
	assert.Equal(t, []string{"email"}, s.Submit(frame("B", 1), epoch.Add(time.Second)))
	assert.Empty(t, s.Tick(epoch.Add(time.Hour)))
}

func TestScheduler_AllModeIsBounded(t *testing.T) {
	log, _ := test.NewNullLogger()
	s := NewScheduler(Config{MaxPending: 3, Log: log})
	r := newRecorder("sqlite")
	require.NoError(t, s.Add(r, Policy{Mode: ModeAll, Interval: time.Minute, Enabled: true}))

	s.Submit(frame("A", 0), epoch)
	for i := 1; i <= 5; i++ {
		s.Submit(frame("A", i), epoch.Add(time.Duration(i)*time.Second))
	}
	st := s.Snapshot()[0]
	assert.Equal(t, 3, st.Pending)
	assert.Equal(t, uint64(2), st.Dropped)
}

func TestScheduler_DisabledNeverFires(t *testing.T) {
	s := quietScheduler(false)
	require.NoError(t, s.Add(newRecorder("off"), Policy{Interval: time.Second}))
	assert.Empty(t, s.Submit(frame("A", 1), epoch))
}

func TestScheduler_RejectsBadPolicies(t *testing.T) {
	s := quietScheduler(false)
	assert.Error(t, s.Add(newRecorder("x"), Policy{Interval: 100 * time.Millisecond, Enabled: true}))
	require.NoError(t, s.Add(newRecorder("x"), Policy{Interval: time.Second, Enabled: true}))
	assert.Error(t, s.Add(newRecorder("x"), Policy{Interval: time.Second, Enabled: true}))
	assert.Error(t, s.Add(nil, Policy{}))
}

func TestScheduler_StuckDestinationDoesNotBlockSiblings(t *testing.T) {
	s := quietScheduler(false)
	stuck := &blocker{release: make(chan struct{})}
	r := newRecorder("udp")
	pol := Policy{Interval: time.Second, Enabled: true, Timeout: time.Minute}
	require.NoError(t, s.Add(stuck, pol))
	require.NoError(t, s.Add(r, pol))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	defer func() {
		close(stuck.release)
		cancel()
		<-done
	}()

	for i := 0; i < 3; i++ {
		fired := s.Submit(frame("A", i), epoch.Add(time.Duration(i)*time.Second))
		assert.ElementsMatch(t, []string{"stuck", "udp"}, fired)
		select {
		case <-r.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("sibling upload %d delayed by stuck destination", i)
		}
	}

	var stuckState State
	for _, st := range s.Snapshot() {
		if st.Name == "stuck" {
			stuckState = st
		}
	}
	assert.Equal(t, epoch.Add(2*time.Second), stuckState.LastUpload)
}

func TestScheduler_FailuresAreCounted(t *testing.T) {
	s := quietScheduler(false)
	r := newRecorder("habitat")
	r.err = errors.New("connection refused")
	require.NoError(t, s.Add(r, Policy{Interval: time.Second, Enabled: true}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	s.Submit(frame("A", 1), epoch)
	require.Eventually(t, func() bool {
		return s.Snapshot()[0].Failures == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "connection refused", s.Snapshot()[0].LastError)
}
