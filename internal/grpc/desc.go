package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	// ServiceName is the fully qualified service identifier.
	ServiceName = "hillrider.v1.RideStream"

	listRidesMethod = "/" + ServiceName + "/ListRides"
	watchRideMethod = "/" + ServiceName + "/WatchRide"
	steerRideMethod = "/" + ServiceName + "/SteerRide"

	// EncodingMetadataKey advertises the snapshot codec in response headers.
	EncodingMetadataKey = "x-hillrider-encoding"
	// RideMetadataKey selects the ride a SteerRide stream controls.
	RideMetadataKey = "x-hillrider-ride"
	// RejectedMetadataKey reports rejected control frames in SteerRide trailers.
	RejectedMetadataKey = "x-hillrider-rejected"
)

// RideStreamServer is the server API for the ride streaming service. The
// messages are well-known wrapper types so no generated code is needed.
type RideStreamServer interface {
	// ListRides returns a struct per live ride.
	ListRides(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	// WatchRide streams compressed JSON snapshots of the named ride.
	WatchRide(*wrapperspb.StringValue, grpc.ServerStreamingServer[wrapperspb.BytesValue]) error
	// SteerRide accepts compressed JSON control frames and returns the accepted count.
	SteerRide(grpc.ClientStreamingServer[wrapperspb.BytesValue, wrapperspb.UInt64Value]) error
}

// RideStreamServiceDesc describes the service for grpc.Server.RegisterService.
var RideStreamServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RideStreamServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListRides", Handler: listRidesHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchRide", Handler: watchRideHandler, ServerStreams: true},
		{StreamName: "SteerRide", Handler: steerRideHandler, ClientStreams: true},
	},
	Metadata: "hillrider/v1/ride_stream.proto",
}

// RegisterRideStreamServer attaches srv to a gRPC server.
func RegisterRideStreamServer(s grpc.ServiceRegistrar, srv RideStreamServer) {
	s.RegisterService(&RideStreamServiceDesc, srv)
}

func listRidesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RideStreamServer).ListRides(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: listRidesMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RideStreamServer).ListRides(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func watchRideHandler(srv any, stream grpc.ServerStream) error {
	in := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(RideStreamServer).WatchRide(in, &grpc.GenericServerStream[wrapperspb.StringValue, wrapperspb.BytesValue]{ServerStream: stream})
}

func steerRideHandler(srv any, stream grpc.ServerStream) error {
	return srv.(RideStreamServer).SteerRide(&grpc.GenericServerStream[wrapperspb.BytesValue, wrapperspb.UInt64Value]{ServerStream: stream})
}

// RideStreamClient is the client API for the ride streaming service.
type RideStreamClient struct {
	cc grpc.ClientConnInterface
}

// NewRideStreamClient wraps an established connection.
func NewRideStreamClient(cc grpc.ClientConnInterface) *RideStreamClient {
	return &RideStreamClient{cc: cc}
}

// ListRides fetches the live ride listing.
func (c *RideStreamClient) ListRides(ctx context.Context, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, listRidesMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// WatchRide opens a snapshot stream for rideID.
func (c *RideStreamClient) WatchRide(ctx context.Context, rideID string, opts ...grpc.CallOption) (grpc.ServerStreamingClient[wrapperspb.BytesValue], error) {
	stream, err := c.cc.NewStream(ctx, &RideStreamServiceDesc.Streams[0], watchRideMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[wrapperspb.StringValue, wrapperspb.BytesValue]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(wrapperspb.String(rideID)); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// SteerRide opens a control stream. The ride is selected with RideMetadataKey
// in the outgoing context.
func (c *RideStreamClient) SteerRide(ctx context.Context, opts ...grpc.CallOption) (grpc.ClientStreamingClient[wrapperspb.BytesValue, wrapperspb.UInt64Value], error) {
	stream, err := c.cc.NewStream(ctx, &RideStreamServiceDesc.Streams[1], steerRideMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[wrapperspb.BytesValue, wrapperspb.UInt64Value]{ClientStream: stream}, nil
}
