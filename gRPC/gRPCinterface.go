// Package rpc serves and consumes the detection model over gRPC. Messages
// are google.protobuf.Struct so no generated code is needed.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"

	iface "SawitDetServer/interface"
	"SawitDetServer/logger"
	"SawitDetServer/monitor"
	"SawitDetServer/pipeline"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName       = "sawit.DetectService"
	PredictMethod     = "/" + ServiceName + "/Predict"
	CheckEngineMethod = "/" + ServiceName + "/CheckEngine"
)

// DetectServer is the server side of sawit.DetectService.
type DetectServer interface {
	Predict(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CheckEngine(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DetectServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Predict", Handler: predictHandler},
		{MethodName: "CheckEngine", Handler: checkEngineHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sawit/detect.proto",
}

func RegisterDetectServer(s grpc.ServiceRegistrar, srv DetectServer) {
	s.RegisterService(&serviceDesc, srv)
}

func predictHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DetectServer).Predict(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: PredictMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DetectServer).Predict(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func checkEngineHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DetectServer).CheckEngine(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: CheckEngineMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DetectServer).CheckEngine(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// Server exposes a local Predictor to remote clients.
type Server struct {
	predictor iface.Predictor
}

func NewServer(predictor iface.Predictor) *Server {
	return &Server{predictor: predictor}
}

func (s *Server) Predict(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	data, conf, err := decodePredictRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if conf > 1.0 || conf < 0.0 {
		return nil, status.Errorf(codes.InvalidArgument, "confidence must be between 0.0 and 1.0, got %f", conf)
	}
	frame, err := pipeline.DecodeImage(data)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	defer frame.Close()
	dets, err := s.predictor.Predict(ctx, frame, conf)
	if err != nil {
		logger.Log().Error("gRPC predict failed", zap.Error(err))
		return nil, status.Error(codes.Internal, err.Error())
	}
	return encodeDetections(dets)
}

func (s *Server) CheckEngine(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return encodeConfig(s.predictor.CheckConfig())
}

// countRequests is the unary interceptor feeding grpc_requests_total.
func countRequests(metrics *monitor.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if metrics != nil {
			metrics.GRPCTotal.Inc()
		}
		return handler(ctx, req)
	}
}

// NewGRPCServer builds a grpc.Server serving predictor. metrics may be nil.
func NewGRPCServer(predictor iface.Predictor, metrics *monitor.Metrics) *grpc.Server {
	s := grpc.NewServer(grpc.UnaryInterceptor(countRequests(metrics)))
	RegisterDetectServer(s, NewServer(predictor))
	return s
}

// StartGRPCServer listens on port and serves in the background. Stop it
// with GracefulStop.
func StartGRPCServer(port int, predictor iface.Predictor, metrics *monitor.Metrics) (*grpc.Server, error) {
	addr := fmt.Sprintf(":%d", port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s := NewGRPCServer(predictor, metrics)
	go func() {
		logger.Log().Info("gRPC server listening", zap.String("addr", addr))
		if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Log().Error("failed to serve gRPC server", zap.Error(err))
		}
	}()
	return s, nil
}
