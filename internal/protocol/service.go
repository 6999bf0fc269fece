package protocol

import (
	"context"

	"google.golang.org/grpc"
)

const (
	ServiceName = "liblocker.v1.Coordinator"

	streamMethod = "/" + ServiceName + "/Stream"
)

// CoordinatorServer is implemented by the coordinator's stream handler.
type CoordinatorServer interface {
	Stream(StreamServer) error
}

// StreamServer is the server side of the bidirectional envelope stream.
type StreamServer interface {
	Send(*Envelope) error
	Recv() (*Envelope, error)
	grpc.ServerStream
}

// StreamClient is the agent side of the bidirectional envelope stream.
type StreamClient interface {
	Send(*Envelope) error
	Recv() (*Envelope, error)
	grpc.ClientStream
}

type streamServer struct {
	grpc.ServerStream
}

func (s *streamServer) Send(e *Envelope) error {
	return s.ServerStream.SendMsg(e)
}

func (s *streamServer) Recv() (*Envelope, error) {
	e := new(Envelope)
	if err := s.ServerStream.RecvMsg(e); err != nil {
		return nil, err
	}
	return e, nil
}

type streamClient struct {
	grpc.ClientStream
}

func (s *streamClient) Send(e *Envelope) error {
	return s.ClientStream.SendMsg(e)
}

func (s *streamClient) Recv() (*Envelope, error) {
	e := new(Envelope)
	if err := s.ClientStream.RecvMsg(e); err != nil {
		return nil, err
	}
	return e, nil
}

func streamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(CoordinatorServer).Stream(&streamServer{stream})
}

// ServiceDesc describes the coordinator service. Messages are Envelopes encoded
// with the json codec, so no generated code is involved.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CoordinatorServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       streamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "liblocker/v1/coordinator",
}

func RegisterCoordinatorServer(s grpc.ServiceRegistrar, srv CoordinatorServer) {
	s.RegisterService(&ServiceDesc, srv)
}

type CoordinatorClient struct {
	cc grpc.ClientConnInterface
}

func NewCoordinatorClient(cc grpc.ClientConnInterface) *CoordinatorClient {
	return &CoordinatorClient{cc: cc}
}

// Stream opens the envelope stream. The json content-subtype is always applied.
func (c *CoordinatorClient) Stream(ctx context.Context, opts ...grpc.CallOption) (StreamClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], streamMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &streamClient{ClientStream: stream}, nil
}
