package proto

import (
	"context"

	iface "OwlDetServer/interface"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
)

type TrainImage struct {
	ImageContents []byte          `json:"image_contents"`
	Boxes         []iface.UserBox `json:"boxes"`
}

type TrainRequest struct {
	Images []TrainImage `json:"images"`
}

type TrainResponse struct {
	ModelID string   `json:"model_id"`
	Classes []string `json:"classes"`
}

type InferenceRequest struct {
	ModelID       string `json:"model_id"`
	ImageContents []byte `json:"image_contents"`
	// nil means the server's default confidence
	ConfidenceThreshold *float32 `json:"confidence_threshold,omitempty"`
}

type InferenceResponse struct {
	Boxes []iface.Detection `json:"boxes"`
}

type CheckModelRequest struct {
	ModelID string `json:"model_id"`
}

type CheckModelResponse struct {
	ModelID   string   `json:"model_id"`
	Classes   []string `json:"classes"`
	Dim       int      `json:"dim"`
	CreatedAt string   `json:"created_at"`
}

const (
	DetectService_Train_FullMethodName      = "/owldet.DetectService/Train"
	DetectService_Inference_FullMethodName  = "/owldet.DetectService/Inference"
	DetectService_CheckModel_FullMethodName = "/owldet.DetectService/CheckModel"
	DetectService_Shutdown_FullMethodName   = "/owldet.DetectService/Shutdown"
)

type DetectServiceClient interface {
	Train(ctx context.Context, in *TrainRequest, opts ...grpc.CallOption) (*TrainResponse, error)
	Inference(ctx context.Context, in *InferenceRequest, opts ...grpc.CallOption) (*InferenceResponse, error)
	CheckModel(ctx context.Context, in *CheckModelRequest, opts ...grpc.CallOption) (*CheckModelResponse, error)
	Shutdown(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*emptypb.Empty, error)
}

type detectServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewDetectServiceClient(cc grpc.ClientConnInterface) DetectServiceClient {
	return &detectServiceClient{cc}
}

func (c *detectServiceClient) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	cOpts := append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, method, in, out, cOpts...)
}

func (c *detectServiceClient) Train(ctx context.Context, in *TrainRequest, opts ...grpc.CallOption) (*TrainResponse, error) {
	out := new(TrainResponse)
	if err := c.invoke(ctx, DetectService_Train_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *detectServiceClient) Inference(ctx context.Context, in *InferenceRequest, opts ...grpc.CallOption) (*InferenceResponse, error) {
	out := new(InferenceResponse)
	if err := c.invoke(ctx, DetectService_Inference_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *detectServiceClient) CheckModel(ctx context.Context, in *CheckModelRequest, opts ...grpc.CallOption) (*CheckModelResponse, error) {
	out := new(CheckModelResponse)
	if err := c.invoke(ctx, DetectService_CheckModel_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *detectServiceClient) Shutdown(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.invoke(ctx, DetectService_Shutdown_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

type DetectServiceServer interface {
	Train(context.Context, *TrainRequest) (*TrainResponse, error)
	Inference(context.Context, *InferenceRequest) (*InferenceResponse, error)
	CheckModel(context.Context, *CheckModelRequest) (*CheckModelResponse, error)
	Shutdown(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

// UnimplementedDetectServiceServer can be embedded for forward compatibility.
type UnimplementedDetectServiceServer struct{}

func (UnimplementedDetectServiceServer) Train(context.Context, *TrainRequest) (*TrainResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Train not implemented")
}
func (UnimplementedDetectServiceServer) Inference(context.Context, *InferenceRequest) (*InferenceResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Inference not implemented")
}
func (UnimplementedDetectServiceServer) CheckModel(context.Context, *CheckModelRequest) (*CheckModelResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method CheckModel not implemented")
}
func (UnimplementedDetectServiceServer) Shutdown(context.Context, *emptypb.Empty) (*emptypb.Empty, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Shutdown not implemented")
}

func RegisterDetectServiceServer(s grpc.ServiceRegistrar, srv DetectServiceServer) {
	s.RegisterService(&DetectService_ServiceDesc, srv)
}

// unaryHandler adapts a typed method to grpc.MethodDesc's handler signature.
func unaryHandler[Req any, Resp any](fullMethod string, call func(DetectServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(DetectServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(DetectServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var DetectService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "owldet.DetectService",
	HandlerType: (*DetectServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Train",
			Handler:    unaryHandler(DetectService_Train_FullMethodName, DetectServiceServer.Train),
		},
		{
			MethodName: "Inference",
			Handler:    unaryHandler(DetectService_Inference_FullMethodName, DetectServiceServer.Inference),
		},
		{
			MethodName: "CheckModel",
			Handler:    unaryHandler(DetectService_CheckModel_FullMethodName, DetectServiceServer.CheckModel),
		},
		{
			MethodName: "Shutdown",
			Handler:    unaryHandler(DetectService_Shutdown_FullMethodName, DetectServiceServer.Shutdown),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "owldet.proto",
}
