package sqlitelog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autorx-ng/internal/telemetry"
)

func TestStore_UploadAndTrack(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "telemetry.db"))
	require.NoError(t, err)
	defer s.Close()

	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	temp := -20.5
	var frames []telemetry.Frame
	for i := 3; i >= 1; i-- {
		frames = append(frames, telemetry.Frame{
			Serial: "S1", Sequence: i, Time: t0.Add(time.Duration(i) * time.Second),
			Lat: -34.9, Lon: 138.6, Alt: float64(1000 * i), Temp: &temp,
			Type: "RS41", Freq: 402500000, SDR: "0", Received: t0,
		})
	}
	frames = append(frames, telemetry.Frame{Serial: "OTHER", Sequence: 9, Time: t0})

	ctx := context.Background()
	require.NoError(t, s.Upload(ctx, frames))
	require.NoError(t, s.Upload(ctx, nil))

	track, err := s.Track(ctx, "S1")
	require.NoError(t, err)
	require.Len(t, track, 3)
	assert.Equal(t, 1, track[0].Frame)
	assert.Equal(t, 3000.0, track[2].Alt)
	assert.True(t, track[1].Time.Equal(t0.Add(2*time.Second)))
}

func TestStore_CloseIdempotent(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "t.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
