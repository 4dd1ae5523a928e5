package replayplayer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/go-cmp/cmp"

	"hillrider/broker/internal/match"
	"hillrider/broker/internal/physics"
	"hillrider/broker/internal/replay"
	"hillrider/broker/internal/simulation"
)

// ErrNoSettings is returned when a bundle predates embedded ride settings.
var ErrNoSettings = errors.New("replay header carries no ride settings")

// Summary condenses a ride bundle for operators.
type Summary struct {
	RideID      string         `json:"ride_id"`
	Seed        uint64         `json:"seed"`
	Policy      string         `json:"policy,omitempty"`
	Bounded     bool           `json:"bounded"`
	TickHz      float64        `json:"tick_hz"`
	Ticks       uint64         `json:"ticks"`
	SimulatedMs int64          `json:"simulated_ms"`
	Frames      int            `json:"frames"`
	Events      map[string]int `json:"events"`
	Score       int            `json:"score"`
	Distance    float64        `json:"distance"`
	Finished    bool           `json:"finished"`
}

// Load reads a bundle from a directory or manifest path.
func Load(path string) (*replay.Bundle, error) {
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}
	return replay.ReadBundle(path)
}

// Summarize reports what a bundle contains. Score and distance come from
// the last recorded frame.
func Summarize(bundle *replay.Bundle) (Summary, error) {
	if bundle == nil {
		return Summary{}, fmt.Errorf("bundle is nil")
	}
	summary := Summary{
		RideID:  bundle.Header.RideID,
		Seed:    bundle.Header.Seed,
		Policy:  bundle.Header.Policy,
		Bounded: bundle.Header.Bounded,
		TickHz:  bundle.Header.TickHz,
		Frames:  len(bundle.Frames),
		Events:  make(map[string]int),
	}
	for _, event := range bundle.Events {
		summary.Events[event.Type]++
		if event.Tick > summary.Ticks {
			summary.Ticks, summary.SimulatedMs = event.Tick, event.SimulatedMs
		}
	}
	if n := len(bundle.Frames); n > 0 {
		last := bundle.Frames[n-1]
		var view match.View
		if err := json.Unmarshal(last.Payload, &view); err != nil {
			return Summary{}, fmt.Errorf("decode frame %d: %w", last.Tick, err)
		}
		if last.Tick >= summary.Ticks {
			summary.Ticks, summary.SimulatedMs = last.Tick, last.SimulatedMs
		}
		summary.Score = view.Bike.Score
		summary.Distance = view.Bike.Distance
		summary.Finished = view.Finished
	}
	return summary, nil
}

// Verification reports whether a re-simulation reproduced every frame.
type Verification struct {
	Checked       int    `json:"checked"`
	Matched       bool   `json:"matched"`
	MismatchTick  uint64 `json:"mismatch_tick,omitempty"`
	MismatchDiff  string `json:"mismatch_diff,omitempty"`
	ReplayedTicks uint64 `json:"replayed_ticks"`
}

// Verify rebuilds the ride from its header settings and recorded inputs and
// compares the result against every stored frame.
func Verify(bundle *replay.Bundle) (Verification, error) {
	if bundle == nil {
		return Verification{}, fmt.Errorf("bundle is nil")
	}
	if len(bundle.Header.Settings) == 0 {
		return Verification{}, ErrNoSettings
	}
	var settings match.Settings
	if err := json.Unmarshal(bundle.Header.Settings, &settings); err != nil {
		return Verification{}, fmt.Errorf("decode ride settings: %w", err)
	}

	//1.- Index control changes by the tick they first apply to.
	inputs := make(map[uint64]physics.Input)
	for _, event := range bundle.EventsOfType(replay.EventInput) {
		var in physics.Input
		if err := event.Decode(&in); err != nil {
			return Verification{}, fmt.Errorf("decode input at tick %d: %w", event.Tick, err)
		}
		inputs[event.Tick] = in
	}
	frames := append([]replay.Frame(nil), bundle.Frames...)
	sort.SliceStable(frames, func(i, j int) bool { return frames[i].Tick < frames[j].Tick })

	//2.- Step the rebuilt session with the live timestep and compare views.
	session := match.NewSession(settings, match.WithSessionID(bundle.Header.RideID))
	dt := simulation.StepFor(bundle.Header.TickHz).Seconds()
	var current physics.Input
	result := Verification{Matched: true}
	for _, frame := range frames {
		for session.TickCount() < frame.Tick {
			if in, ok := inputs[session.TickCount()+1]; ok {
				current = in
			}
			session.Tick(dt, current)
		}
		got, err := json.Marshal(session.View())
		if err != nil {
			return Verification{}, err
		}
		result.Checked++
		if !bytes.Equal(got, frame.Payload) {
			result.Matched = false
			result.MismatchTick = frame.Tick
			result.MismatchDiff = viewDiff(frame.Payload, got)
			break
		}
	}
	result.ReplayedTicks = session.TickCount()
	return result, nil
}

func viewDiff(want, got []byte) string {
	var a, b match.View
	if err := json.Unmarshal(want, &a); err != nil {
		return fmt.Sprintf("recorded frame unreadable: %v", err)
	}
	if err := json.Unmarshal(got, &b); err != nil {
		return fmt.Sprintf("replayed frame unreadable: %v", err)
	}
	return cmp.Diff(a, b)
}
