package grpc

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"hillrider/broker/internal/logging"
)

type bridgeStub struct {
	mu        sync.Mutex
	snapshots chan SnapshotEvent
	rides     []RideSummary
	controls  [][]byte
	reject    map[string]bool
}

func (b *bridgeStub) SubscribeSnapshots(_ context.Context, rideID string) (<-chan SnapshotEvent, func(), error) {
	if rideID != "ride-1" {
		return nil, func() {}, ErrUnknownRide
	}
	return b.snapshots, func() {}, nil
}

func (b *bridgeStub) Rides() []RideSummary { return b.rides }

func (b *bridgeStub) ProcessControl(_ context.Context, rideID string, payload []byte) ControlResult {
	if rideID != "ride-1" {
		return ControlResult{Err: ErrUnknownRide}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.controls = append(b.controls, payload)
	if b.reject[string(payload)] {
		return ControlResult{Err: errors.New("sequence")}
	}
	return ControlResult{Accepted: true}
}

func startServer(t *testing.T, bridge RideBridge, token string, opts ...Option) *RideStreamClient {
	t.Helper()
	listener := bufconn.Listen(1 << 20)
	server := grpc.NewServer(TokenInterceptors(token)...)
	RegisterRideStreamServer(server, NewService(bridge, append(opts, WithLogger(logging.NewTestLogger()))...))
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return listener.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewRideStreamClient(conn)
}

func TestWatchRideConflatesAndDeliversFinalSnapshot(t *testing.T) {
	bridge := &bridgeStub{snapshots: make(chan SnapshotEvent, 8)}
	tickCh := make(chan time.Time)
	client := startServer(t, bridge, "", WithTickerFactory(func(time.Duration) (<-chan time.Time, func()) {
		return tickCh, func() {}
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := client.WatchRide(ctx, "ride-1")
	if err != nil {
		t.Fatalf("WatchRide: %v", err)
	}
	header, err := stream.Header()
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	if got := header.Get(EncodingMetadataKey); len(got) != 1 || got[0] != "gzip" {
		t.Fatalf("unexpected encoding header %v", got)
	}

	//1.- Two snapshots before a tick collapse into the newest one.
	bridge.snapshots <- SnapshotEvent{Tick: 1, Payload: []byte(`{"tick":1}`)}
	bridge.snapshots <- SnapshotEvent{Tick: 2, Payload: []byte(`{"tick":2}`)}
	time.Sleep(20 * time.Millisecond)
	tickCh <- time.Now()
	first, err := stream.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	decoded, err := NewGZIPCompressor().Decompress(first.GetValue())
	if err != nil || string(decoded) != `{"tick":2}` {
		t.Fatalf("unexpected first snapshot %q err=%v", decoded, err)
	}

	//2.- The final snapshot is flushed without waiting for a tick.
	bridge.snapshots <- SnapshotEvent{Tick: 3, Payload: []byte(`{"tick":3}`), Final: true}
	last, err := stream.Recv()
	if err != nil {
		t.Fatalf("recv final: %v", err)
	}
	decoded, _ = NewGZIPCompressor().Decompress(last.GetValue())
	if string(decoded) != `{"tick":3}` {
		t.Fatalf("unexpected final snapshot %q", decoded)
	}
	if _, err := stream.Recv(); err == nil {
		t.Fatalf("expected the stream to end after the final snapshot")
	}
}

func TestWatchRideUnknownRide(t *testing.T) {
	client := startServer(t, &bridgeStub{}, "")
	stream, err := client.WatchRide(context.Background(), "nope")
	if err != nil {
		t.Fatalf("WatchRide: %v", err)
	}
	if _, err := stream.Recv(); status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestListRides(t *testing.T) {
	bridge := &bridgeStub{rides: []RideSummary{{RideID: "ride-1", Tick: 60, Score: 10, Distance: 123.5}}}
	client := startServer(t, bridge, "")
	list, err := client.ListRides(context.Background())
	if err != nil {
		t.Fatalf("ListRides: %v", err)
	}
	if len(list.GetValues()) != 1 {
		t.Fatalf("expected one ride, got %v", list)
	}
	fields := list.GetValues()[0].GetStructValue().GetFields()
	if fields["ride_id"].GetStringValue() != "ride-1" || fields["score"].GetNumberValue() != 10 || fields["distance"].GetNumberValue() != 123.5 {
		t.Fatalf("unexpected ride fields %v", fields)
	}
}

func TestSteerRideCountsAcceptedFrames(t *testing.T) {
	bridge := &bridgeStub{reject: map[string]bool{"bad": true}}
	client := startServer(t, bridge, "")
	ctx := metadata.AppendToOutgoingContext(context.Background(), RideMetadataKey, "ride-1")
	stream, err := client.SteerRide(ctx)
	if err != nil {
		t.Fatalf("SteerRide: %v", err)
	}
	compressor := NewGZIPCompressor()
	for _, payload := range []string{"one", "bad", "two"} {
		data, err := compressor.Compress([]byte(payload))
		if err != nil {
			t.Fatalf("compress: %v", err)
		}
		if err := stream.Send(wrapBytes(data)); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if err := stream.Send(wrapBytes([]byte("not gzip"))); err != nil {
		t.Fatalf("send: %v", err)
	}
	ack, err := stream.CloseAndRecv()
	if err != nil {
		t.Fatalf("CloseAndRecv: %v", err)
	}
	if ack.GetValue() != 2 {
		t.Fatalf("expected 2 accepted frames, got %d", ack.GetValue())
	}
	if got := stream.Trailer().Get(RejectedMetadataKey); len(got) != 1 || got[0] != "2" {
		t.Fatalf("expected 2 rejected frames in trailer, got %v", got)
	}
	if len(bridge.controls) != 3 {
		t.Fatalf("expected 3 frames to reach the ride, got %d", len(bridge.controls))
	}
}

func TestSteerRideRequiresRideMetadata(t *testing.T) {
	client := startServer(t, &bridgeStub{}, "")
	stream, err := client.SteerRide(context.Background())
	if err != nil {
		t.Fatalf("SteerRide: %v", err)
	}
	if _, err := stream.CloseAndRecv(); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestTokenInterceptorsRejectMissingToken(t *testing.T) {
	client := startServer(t, &bridgeStub{}, "s3cret")
	if _, err := client.ListRides(context.Background()); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}
	ctx := metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer s3cret")
	if _, err := client.ListRides(ctx); err != nil {
		t.Fatalf("expected bearer token to pass, got %v", err)
	}
	ctx = metadata.AppendToOutgoingContext(context.Background(), TokenMetadataKey, "wrong")
	stream, err := client.WatchRide(ctx, "ride-1")
	if err == nil {
		_, err = stream.Recv()
	}
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated stream, got %v", err)
	}
}

func wrapBytes(data []byte) *wrapperspb.BytesValue { return wrapperspb.Bytes(data) }
