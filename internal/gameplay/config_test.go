package gameplay

import "testing"

func TestDefaultBikeStatsMatchExpectedValues(t *testing.T) {
	stats := DefaultBikeStats()
	if stats.AccelRate != 100.0 {
		t.Fatalf("unexpected accel rate %.2f", stats.AccelRate)
	}
	if stats.BrakeRate != 80.0 {
		t.Fatalf("unexpected brake rate %.2f", stats.BrakeRate)
	}
	if stats.Drag != 0.5 {
		t.Fatalf("unexpected drag %.2f", stats.Drag)
	}
	if stats.SuspensionOffset != -5.0 {
		t.Fatalf("unexpected suspension offset %.2f", stats.SuspensionOffset)
	}
	if stats.SpringK != 10.0 {
		t.Fatalf("unexpected spring constant %.2f", stats.SpringK)
	}
	if stats.ErrorThreshold != 50.0 {
		t.Fatalf("unexpected error threshold %.2f", stats.ErrorThreshold)
	}
	if stats.TiltTorque != 5.0 {
		t.Fatalf("unexpected tilt torque %.2f", stats.TiltTorque)
	}
	if stats.AlignGain != 2.0 {
		t.Fatalf("unexpected align gain %.2f", stats.AlignGain)
	}
	if stats.AngularDamping != 3.0 {
		t.Fatalf("unexpected angular damping %.2f", stats.AngularDamping)
	}
}

func TestTerminalVelocity(t *testing.T) {
	stats := DefaultBikeStats()
	if got := stats.TerminalVelocity(); got != 200 {
		t.Fatalf("unexpected terminal velocity %.2f", got)
	}
	stats.Drag = 0
	if got := stats.TerminalVelocity(); got != 0 {
		t.Fatalf("zero drag should report 0, got %.2f", got)
	}
}

func TestDefaultBikeStatsReturnsCopy(t *testing.T) {
	tuned := DefaultBikeStats()
	tuned.AccelRate = 1
	if got := DefaultBikeStats().AccelRate; got != 100.0 {
		t.Fatalf("edits to a returned copy leaked into the defaults: accel %.2f", got)
	}
}
