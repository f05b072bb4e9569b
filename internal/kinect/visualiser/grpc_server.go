package visualiser

import (
	"context"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/banshee-data/kinect.receiver/internal/monitoring"
	"github.com/banshee-data/kinect.receiver/internal/version"
)

const (
	serviceName = "kinect.receiver.FrameStream"

	streamFramesMethod = "/" + serviceName + "/StreamFrames"
	getStatusMethod    = "/" + serviceName + "/GetStatus"

	// Header metadata keys sent at the start of StreamFrames.
	headerBytesPerFrame = "bytes-per-frame"
	headerVersion       = "receiver-version"
)

// FrameStreamServer is the server API for the FrameStream service.
type FrameStreamServer interface {
	// StreamFrames sends every published frame as a BytesValue until the
	// client goes away.
	StreamFrames(*emptypb.Empty, FrameStreamFramesServer) error
	// GetStatus reports publisher counters.
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// FrameStreamFramesServer is the server side of a StreamFrames call.
type FrameStreamFramesServer interface {
	Send(*wrapperspb.BytesValue) error
	grpc.ServerStream
}

type frameStreamFramesServer struct {
	grpc.ServerStream
}

func (x *frameStreamFramesServer) Send(m *wrapperspb.BytesValue) error {
	return x.ServerStream.SendMsg(m)
}

func streamFramesHandler(srv interface{}, stream grpc.ServerStream) error {
	m := new(emptypb.Empty)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(FrameStreamServer).StreamFrames(m, &frameStreamFramesServer{stream})
}

func getStatusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FrameStreamServer).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getStatusMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(FrameStreamServer).GetStatus(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// FrameStreamServiceDesc describes the FrameStream service. The messages are
// protobuf well-known types, so no generated code is needed.
var FrameStreamServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*FrameStreamServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: getStatusHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamFrames", Handler: streamFramesHandler, ServerStreams: true},
	},
	Metadata: "kinect/receiver/frame_stream.proto",
}

// Ensure Server implements the gRPC interface.
var _ FrameStreamServer = (*Server)(nil)

// Server implements the FrameStream gRPC service on top of a Publisher.
type Server struct {
	publisher *Publisher
}

// NewServer creates a new gRPC service.
func NewServer(publisher *Publisher) *Server {
	return &Server{publisher: publisher}
}

// RegisterService registers the gRPC service with the server.
func RegisterService(grpcServer *grpc.Server, server *Server) {
	grpcServer.RegisterService(&FrameStreamServiceDesc, server)
}

// StreamFrames implements the streaming RPC for frame data.
func (s *Server) StreamFrames(_ *emptypb.Empty, stream FrameStreamFramesServer) error {
	client, ok := s.publisher.addClient()
	if !ok {
		return status.Errorf(codes.ResourceExhausted, "frame stream limited to %d clients", s.publisher.config.MaxClients)
	}
	defer s.publisher.removeClient(client.id)

	header := metadata.Pairs(
		headerBytesPerFrame, strconv.Itoa(s.publisher.config.BytesPerFrame),
		headerVersion, version.Version,
	)
	if err := stream.SendHeader(header); err != nil {
		return err
	}

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.publisher.stopCh:
			return status.Error(codes.Unavailable, "frame stream shutting down")
		case frame := <-client.frameCh:
			if err := stream.Send(wrapperspb.Bytes(frame.Data)); err != nil {
				monitoring.Logf("[FrameStream] Send error on %s: %v", client.id, err)
				return err
			}
		}
	}
}

// GetStatus returns publisher counters.
func (s *Server) GetStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st := s.publisher.Stats()
	out, err := structpb.NewStruct(map[string]interface{}{
		"frames":          float64(st.FrameCount),
		"dropped_frames":  float64(st.DroppedFrames),
		"clients":         float64(st.ClientCount),
		"max_clients":     float64(s.publisher.config.MaxClients),
		"bytes_per_frame": float64(s.publisher.config.BytesPerFrame),
		"running":         st.Running,
		"version":         version.Version,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode status: %v", err)
	}
	return out, nil
}
