package main

import (
	"context"
	"errors"

	grpcstream "hillrider/broker/internal/grpc"
	"hillrider/broker/internal/logging"
)

// SubscribeSnapshots lets the gRPC service follow one ride's snapshots.
func (b *Broker) SubscribeSnapshots(ctx context.Context, rideID string) (<-chan grpcstream.SnapshotEvent, func(), error) {
	if b == nil {
		return nil, func() {}, errors.New("broker is nil")
	}
	r, ok := b.lookup(rideID)
	if !ok {
		return nil, func() {}, grpcstream.ErrUnknownRide
	}
	ch, cancel := r.subscribe(ctx)
	return ch, cancel, nil
}

// Rides lists live rides for the gRPC catalogue call.
func (b *Broker) Rides() []grpcstream.RideSummary {
	infos := b.RideInfos()
	summaries := make([]grpcstream.RideSummary, 0, len(infos))
	for _, info := range infos {
		summaries = append(summaries, grpcstream.RideSummary{
			RideID:   info.RideID,
			Tick:     info.Tick,
			Score:    info.Score,
			Distance: info.Distance,
			Finished: info.Finished,
		})
	}
	return summaries
}

// ProcessControl feeds a control frame received over gRPC through the same
// gate as WebSocket input.
func (b *Broker) ProcessControl(ctx context.Context, rideID string, payload []byte) grpcstream.ControlResult {
	if b == nil {
		return grpcstream.ControlResult{Err: errors.New("broker is nil")}
	}
	r, ok := b.lookup(rideID)
	if !ok {
		return grpcstream.ControlResult{Err: grpcstream.ErrUnknownRide}
	}
	if err := ctx.Err(); err != nil {
		return grpcstream.ControlResult{Err: err}
	}
	if err := b.applyControl(r, payload); err != nil {
		b.log.Debug("grpc control frame dropped",
			logging.String("component", "grpc_control"),
			logging.String("ride_id", r.id),
			logging.Error(err),
		)
		return grpcstream.ControlResult{Err: err}
	}
	return grpcstream.ControlResult{Accepted: true}
}
