package rpc

import (
	"context"

	"github.com/TritonDataCenter/mako-gc-feeder/pkg/index"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// IndexServer is implemented by anything serving range queries, which in this
// repo means the fake index used in tests.
type IndexServer interface {
	FindObjects(req index.FindRequest, stream RecordSender) error
}

// RecordSender streams the results of a query back to the client.
type RecordSender interface {
	Send(index.Record) error
	Context() context.Context
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*IndexServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "FindObjects",
			Handler:       findObjectsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "mako/index/v1/index.proto",
}

// RegisterIndexServer registers the index service on the given server.
func RegisterIndexServer(s *grpc.Server, srv IndexServer) {
	s.RegisterService(&serviceDesc, srv)
}

func findObjectsHandler(srv interface{}, stream grpc.ServerStream) error {
	m := &structpb.Struct{}
	if err := stream.RecvMsg(m); err != nil {
		return err
	}

	req, err := requestFromProto(m)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	return srv.(IndexServer).FindObjects(req, &recordSender{stream})
}

type recordSender struct {
	grpc.ServerStream
}

func (s *recordSender) Send(r index.Record) error {
	return s.ServerStream.SendMsg(recordToProto(r))
}
