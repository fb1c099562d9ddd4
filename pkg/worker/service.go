package worker

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Messages are google.protobuf.Struct values, so the service needs no
// generated code: the descriptor below is what protoc-gen-go-grpc would
// emit for
//
//	service InferenceService {
//	  rpc Infer(google.protobuf.Struct) returns (google.protobuf.Struct);
//	  rpc GetMetrics(google.protobuf.Struct) returns (google.protobuf.Struct);
//	}
const (
	InferenceServiceName = "inference.v1.InferenceService"

	InferMethod      = "/" + InferenceServiceName + "/Infer"
	GetMetricsMethod = "/" + InferenceServiceName + "/GetMetrics"
)

// InferenceServer is the server API for InferenceService.
type InferenceServer interface {
	Infer(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetMetrics(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterInferenceServer registers srv on s.
func RegisterInferenceServer(s grpc.ServiceRegistrar, srv InferenceServer) {
	s.RegisterService(&inferenceServiceDesc, srv)
}

func inferHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InferenceServer).Infer(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: InferMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(InferenceServer).Infer(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func getMetricsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InferenceServer).GetMetrics(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetMetricsMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(InferenceServer).GetMetrics(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var inferenceServiceDesc = grpc.ServiceDesc{
	ServiceName: InferenceServiceName,
	HandlerType: (*InferenceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Infer", Handler: inferHandler},
		{MethodName: "GetMetrics", Handler: getMetricsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "inference/v1/inference.proto",
}

// Client calls InferenceService over a gRPC connection.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Infer sends one request and waits for its result.
func (c *Client) Infer(ctx context.Context, req *InferRequest, opts ...grpc.CallOption) (*InferResponse, error) {
	in, err := req.Encode()
	if err != nil {
		return nil, errors.Wrap(err, "encoding request")
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, InferMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return DecodeInferResponse(out)
}

// GetMetrics fetches the worker snapshot.
func (c *Client) GetMetrics(ctx context.Context, opts ...grpc.CallOption) (*Snapshot, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, GetMetricsMethod, &structpb.Struct{}, out, opts...); err != nil {
		return nil, err
	}
	data, err := out.MarshalJSON()
	if err != nil {
		return nil, errors.Wrap(err, "decoding metrics")
	}
	s := new(Snapshot)
	if err := json.Unmarshal(data, s); err != nil {
		return nil, errors.Wrap(err, "decoding metrics")
	}
	return s, nil
}

func snapshotToStruct(s *Snapshot) (*structpb.Struct, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "encoding metrics")
	}
	out := new(structpb.Struct)
	if err := out.UnmarshalJSON(data); err != nil {
		return nil, errors.Wrap(err, "encoding metrics")
	}
	return out, nil
}
