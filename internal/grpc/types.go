package grpc

import (
	"context"
	"errors"
)

// ErrUnknownRide is returned by sources when the requested ride does not exist.
var ErrUnknownRide = errors.New("unknown ride")

// SnapshotEvent carries one encoded ride snapshot and its tick.
type SnapshotEvent struct {
	Tick    uint64
	Payload []byte
	// Final marks the last snapshot before the ride closes.
	Final bool
}

// SnapshotSource exposes per-ride snapshot subscriptions. The channel closes
// when the ride ends or cancel is called.
type SnapshotSource interface {
	SubscribeSnapshots(ctx context.Context, rideID string) (<-chan SnapshotEvent, func(), error)
}

// RideSummary is the listing entry for one live ride.
type RideSummary struct {
	RideID   string
	Tick     uint64
	Score    int
	Distance float64
	Finished bool
}

// RideLister enumerates live rides.
type RideLister interface {
	Rides() []RideSummary
}

// ControlResult summarises how a control frame was handled.
type ControlResult struct {
	Accepted bool
	Err      error
}

// ControlSink feeds decoded control frames into a ride.
type ControlSink interface {
	ProcessControl(ctx context.Context, rideID string, payload []byte) ControlResult
}

// RideBridge aggregates the dependencies required by the gRPC service.
type RideBridge interface {
	SnapshotSource
	RideLister
	ControlSink
}
