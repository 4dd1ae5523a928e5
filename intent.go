package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"hillrider/broker/internal/input"
	"hillrider/broker/internal/physics"
	"hillrider/broker/internal/timesync"
)

const (
	controlTypeInput    = "input"
	controlTypeTimeSync = timesync.MessageType
)

var (
	errControlEmptyPayload = errors.New("empty control payload")
	errControlUnknownType  = errors.New("unknown control message type")
	errControlSequence     = errors.New("control sequence id must be positive")
)

// controlPayload is the JSON layout of rider control frames.
type controlPayload struct {
	Type        string `json:"type"`
	SequenceID  uint64 `json:"sequence_id"`
	Accelerate  bool   `json:"accelerate"`
	Brake       bool   `json:"brake"`
	TiltBack    bool   `json:"tilt_back"`
	TiltForward bool   `json:"tilt_forward"`
	SentAtMs    int64  `json:"sent_at_ms,omitempty"`
	ClientMs    int64  `json:"client_ms,omitempty"`
}

// decodeControlPayload parses and validates a control frame.
func decodeControlPayload(raw []byte) (*controlPayload, error) {
	//1.- Ensure we have data to decode before hitting JSON parsing.
	if len(raw) == 0 {
		return nil, errControlEmptyPayload
	}
	var payload controlPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode control frame: %w", err)
	}
	//2.- Missing type defaults to input so minimal clients stay terse.
	switch strings.TrimSpace(payload.Type) {
	case "", controlTypeInput:
		payload.Type = controlTypeInput
	case controlTypeTimeSync:
		//3.- Clock probes carry no controls and skip sequencing.
		payload.Type = controlTypeTimeSync
		return &payload, nil
	default:
		return nil, fmt.Errorf("%w: %q", errControlUnknownType, payload.Type)
	}
	if payload.SequenceID == 0 {
		return nil, errControlSequence
	}
	return &payload, nil
}

// Controls converts the wire flags into integrator input.
func (p *controlPayload) Controls() physics.Input {
	if p == nil {
		return physics.Input{}
	}
	return physics.Input{
		Accelerate:  p.Accelerate,
		Brake:       p.Brake,
		TiltBack:    p.TiltBack,
		TiltForward: p.TiltForward,
	}
}

// SentAt converts the optional capture timestamp into a time.Time instance.
func (p *controlPayload) SentAt() time.Time {
	//1.- Treat missing timestamps as unset so freshness derives from arrival time.
	if p == nil || p.SentAtMs == 0 {
		return time.Time{}
	}
	return time.UnixMilli(p.SentAtMs)
}

// Frame binds the payload to a ride for the input gate.
func (p *controlPayload) Frame(rideID string) input.Frame {
	return input.Frame{
		RideID:     rideID,
		SequenceID: p.SequenceID,
		SentAt:     p.SentAt(),
		Controls:   p.Controls(),
	}
}
