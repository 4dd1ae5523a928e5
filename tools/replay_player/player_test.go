package replayplayer

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hillrider/broker/internal/match"
	"hillrider/broker/internal/physics"
	"hillrider/broker/internal/replay"
	"hillrider/broker/internal/simulation"
)

// recordRide drives a session the way the server does and writes a bundle.
func recordRide(t *testing.T, ticks int, tamper bool) string {
	t.Helper()
	const hz = 60.0
	settings := match.DefaultSettings()
	settings.Seed = 77
	session := match.NewSession(settings, match.WithSessionID("ride-77"))
	encoded, err := json.Marshal(settings)
	require.NoError(t, err)

	now := time.Date(2024, 7, 10, 15, 0, 0, 0, time.UTC)
	writer, _, err := replay.NewWriter(t.TempDir(), replay.Header{
		RideID:   session.ID(),
		Seed:     settings.Seed,
		Policy:   string(settings.Terrain.Policy),
		TickHz:   hz,
		Settings: encoded,
	}, func() time.Time { return now })
	require.NoError(t, err)

	frame := func(tick uint64, ms int64, force bool) {
		payload, err := json.Marshal(session.View())
		require.NoError(t, err)
		if force {
			require.NoError(t, writer.ForceFrame(tick, ms, payload))
			return
		}
		_, err = writer.AppendFrame(tick, ms, payload)
		require.NoError(t, err)
	}
	frame(0, 0, false)

	dt := simulation.StepFor(hz).Seconds()
	schedule := []physics.Input{{Accelerate: true}, {Accelerate: true, TiltBack: true}, {Brake: true}, {}}
	var last physics.Input
	for i := 0; i < ticks; i++ {
		in := schedule[(i/45)%len(schedule)]
		tick := session.TickCount() + 1
		if i == 0 || in != last {
			require.NoError(t, writer.AppendEvent(tick, 0, replay.EventInput, in))
			last = in
		}
		if tamper && i == ticks/2 {
			in = physics.Input{TiltForward: true}
		}
		session.Tick(dt, in)
		ms := int64(session.Elapsed() * 1000)
		if writer.FrameDue(ms) {
			frame(session.TickCount(), ms, false)
		}
	}
	frame(session.TickCount(), int64(session.Elapsed()*1000), true)
	require.NoError(t, writer.AppendEvent(session.TickCount(), 0, replay.EventRideClosed, map[string]string{"reason": "test"}))
	require.NoError(t, writer.Close())
	return writer.Directory()
}

func TestSummarize(t *testing.T) {
	bundle, err := Load(recordRide(t, 240, false))
	require.NoError(t, err)

	summary, err := Summarize(bundle)
	require.NoError(t, err)
	assert.Equal(t, "ride-77", summary.RideID)
	assert.Equal(t, uint64(77), summary.Seed)
	assert.Equal(t, uint64(240), summary.Ticks)
	assert.Equal(t, 1, summary.Events[replay.EventRideClosed])
	assert.Equal(t, 6, summary.Events[replay.EventInput])
	assert.Greater(t, summary.Distance, 0.0)
	assert.Equal(t, len(bundle.Frames), summary.Frames)
}

func TestVerifyReproducesRecordedRide(t *testing.T) {
	bundle, err := Load(recordRide(t, 300, false))
	require.NoError(t, err)

	result, err := Verify(bundle)
	require.NoError(t, err)
	assert.True(t, result.Matched, result.MismatchDiff)
	assert.Equal(t, len(bundle.Frames), result.Checked)
	assert.Equal(t, uint64(300), result.ReplayedTicks)
}

func TestVerifyDetectsDivergence(t *testing.T) {
	bundle, err := Load(recordRide(t, 300, true))
	require.NoError(t, err)

	result, err := Verify(bundle)
	require.NoError(t, err)
	assert.False(t, result.Matched)
	assert.Greater(t, result.MismatchTick, uint64(150))
	assert.NotEmpty(t, result.MismatchDiff)
}

func TestVerifyRequiresSettings(t *testing.T) {
	writer, _, err := replay.NewWriter(t.TempDir(), replay.Header{RideID: "bare", TickHz: 60}, nil)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	bundle, err := Load(writer.Directory())
	require.NoError(t, err)

	_, err = Verify(bundle)
	assert.ErrorIs(t, err, ErrNoSettings)
}
