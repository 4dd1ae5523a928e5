package grpc

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"hillrider/broker/internal/logging"
)

const (
	controlProcessTimeout = 40 * time.Millisecond
	// DefaultSnapshotRateHz caps how often WatchRide pushes snapshots.
	DefaultSnapshotRateHz = 20
)

// Option customises the behaviour of the gRPC streaming service.
type Option func(*Service)

// tickerFactory constructs cancellable tick channels for throttled streaming.
type tickerFactory func(time.Duration) (<-chan time.Time, func())

// WithCompressor overrides the default payload compressor.
func WithCompressor(compressor Compressor) Option {
	return func(s *Service) {
		if compressor != nil {
			s.compressor = compressor
		}
	}
}

// WithSnapshotRate overrides the WatchRide push rate.
func WithSnapshotRate(hz float64) Option {
	return func(s *Service) {
		if hz > 0 {
			s.interval = time.Duration(float64(time.Second) / hz)
		}
	}
}

// WithTickerFactory overrides the throttling ticker factory.
func WithTickerFactory(factory tickerFactory) Option {
	return func(s *Service) {
		if factory != nil {
			s.newTicker = factory
		}
	}
}

// WithLogger attaches a logger for stream lifecycle messages.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.log = logger
		}
	}
}

// Service implements RideStreamServer on top of a RideBridge.
type Service struct {
	rides      RideBridge
	compressor Compressor
	interval   time.Duration
	newTicker  tickerFactory
	log        *logging.Logger
}

// NewService wires the gRPC service to the ride bridge and optional settings.
func NewService(rides RideBridge, opts ...Option) *Service {
	service := &Service{
		rides:      rides,
		compressor: NewGZIPCompressor(),
		interval:   time.Second / DefaultSnapshotRateHz,
		newTicker:  defaultTickerFactory,
		log:        logging.L(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(service)
		}
	}
	return service
}

func defaultTickerFactory(interval time.Duration) (<-chan time.Time, func()) {
	ticker := time.NewTicker(interval)
	return ticker.C, ticker.Stop
}

// ListRides returns one struct per live ride.
func (s *Service) ListRides(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	if s == nil || s.rides == nil {
		return nil, status.Error(codes.FailedPrecondition, "streaming unavailable")
	}
	summaries := s.rides.Rides()
	values := make([]any, 0, len(summaries))
	for _, ride := range summaries {
		values = append(values, map[string]any{
			"ride_id":  ride.RideID,
			"tick":     float64(ride.Tick),
			"score":    float64(ride.Score),
			"distance": ride.Distance,
			"finished": ride.Finished,
		})
	}
	list, err := structpb.NewList(values)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode rides: %v", err)
	}
	return list, nil
}

// WatchRide relays the newest snapshot of a ride at the throttled rate.
// Intermediate snapshots are conflated; the final one is always delivered.
func (s *Service) WatchRide(req *wrapperspb.StringValue, stream grpc.ServerStreamingServer[wrapperspb.BytesValue]) error {
	if s == nil || s.rides == nil {
		return status.Error(codes.FailedPrecondition, "streaming unavailable")
	}
	rideID := strings.TrimSpace(req.GetValue())
	if rideID == "" {
		return status.Error(codes.InvalidArgument, "ride id required")
	}
	ctx := stream.Context()
	//1.- Subscribe before advertising the codec so unknown rides fail fast.
	snapshots, cancel, err := s.rides.SubscribeSnapshots(ctx, rideID)
	if err != nil {
		if errors.Is(err, ErrUnknownRide) {
			return status.Errorf(codes.NotFound, "ride %q not found", rideID)
		}
		return status.Errorf(codes.Internal, "subscribe snapshots: %v", err)
	}
	defer cancel()
	if err := stream.SendHeader(metadata.Pairs(EncodingMetadataKey, s.compressor.Name())); err != nil {
		return err
	}
	logger := s.log.With(logging.String("ride_id", rideID), logging.String("component", "grpc_watch"))
	logger.Debug("snapshot stream opened")

	tickCh, stop := s.newTicker(s.interval)
	defer stop()

	var (
		latest  *SnapshotEvent
		lastOut uint64
		sent    bool
	)
	send := func(event SnapshotEvent) error {
		compressed, err := s.compressor.Compress(event.Payload)
		if err != nil {
			return status.Errorf(codes.Internal, "compress snapshot: %v", err)
		}
		lastOut, sent = event.Tick, true
		return stream.Send(wrapperspb.Bytes(compressed))
	}

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return status.Error(codes.Canceled, "stream cancelled")
			}
			return status.Error(codes.DeadlineExceeded, "stream deadline exceeded")
		case event, ok := <-snapshots:
			if !ok {
				//2.- Flush whatever is pending when the ride ends.
				if latest != nil && (!sent || latest.Tick != lastOut) {
					if err := send(*latest); err != nil {
						return err
					}
				}
				logger.Debug("snapshot stream closed", logging.Uint64("last_tick", lastOut))
				return nil
			}
			latest = &event
			if event.Final {
				snapshots = closedSnapshots
			}
		case <-tickCh:
			if latest == nil || (sent && latest.Tick == lastOut) {
				continue
			}
			if err := send(*latest); err != nil {
				return err
			}
		}
	}
}

var closedSnapshots = func() <-chan SnapshotEvent {
	ch := make(chan SnapshotEvent)
	close(ch)
	return ch
}()

// SteerRide ingests compressed control frames for the ride named in metadata.
func (s *Service) SteerRide(stream grpc.ClientStreamingServer[wrapperspb.BytesValue, wrapperspb.UInt64Value]) error {
	if s == nil || s.rides == nil {
		return status.Error(codes.FailedPrecondition, "streaming unavailable")
	}
	ctx := stream.Context()
	rideID := metadataValue(ctx, RideMetadataKey)
	if rideID == "" {
		return status.Errorf(codes.InvalidArgument, "%s metadata required", RideMetadataKey)
	}
	var accepted, rejected uint64
	for {
		frame, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			//1.- Report the rejected count in trailers alongside the accepted total.
			stream.SetTrailer(metadata.Pairs(RejectedMetadataKey, strconv.FormatUint(rejected, 10)))
			return stream.SendAndClose(wrapperspb.UInt64(accepted))
		}
		if err != nil {
			return err
		}
		payload, err := s.compressor.Decompress(frame.GetValue())
		if err != nil {
			rejected++
			continue
		}
		//2.- Bound the ride call so a stalled ride cannot block the stream.
		controlCtx, cancel := context.WithTimeout(ctx, controlProcessTimeout)
		result := s.rides.ProcessControl(controlCtx, rideID, payload)
		cancel()
		switch {
		case errors.Is(result.Err, ErrUnknownRide):
			return status.Errorf(codes.NotFound, "ride %q not found", rideID)
		case result.Err != nil || !result.Accepted:
			rejected++
		default:
			accepted++
		}
	}
}

func metadataValue(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, value := range md.Get(key) {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

var _ RideStreamServer = (*Service)(nil)
