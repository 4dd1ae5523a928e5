package gameplay

import (
	"encoding/json"
	"sync"

	_ "embed"
)

// BikeStats captures the tunable coefficients of the rider's bike.
type BikeStats struct {
	AccelRate        float64 `json:"accelRate"`
	BrakeRate        float64 `json:"brakeRate"`
	Drag             float64 `json:"drag"`
	SuspensionOffset float64 `json:"suspensionOffset"`
	SpringK          float64 `json:"springK"`
	ErrorThreshold   float64 `json:"errorThreshold"`
	TiltTorque       float64 `json:"tiltTorque"`
	AlignGain        float64 `json:"alignGain"`
	AngularDamping   float64 `json:"angularDamping"`
}

// TerminalVelocity is the horizontal speed at which pedalling balances drag.
func (s BikeStats) TerminalVelocity() float64 {
	if !(s.Drag > 0) {
		return 0
	}
	return s.AccelRate / s.Drag
}

//go:embed bike.json
var bikePayload []byte

var (
	bikeOnce sync.Once
	bikeData BikeStats
	bikeErr  error
)

// DefaultBikeStats returns the embedded bike tuning. A bike.json that does
// not decode is a build defect, so it panics.
func DefaultBikeStats() BikeStats {
	bikeOnce.Do(func() {
		bikeErr = json.Unmarshal(bikePayload, &bikeData)
	})
	if bikeErr != nil {
		panic(bikeErr)
	}
	return bikeData
}
