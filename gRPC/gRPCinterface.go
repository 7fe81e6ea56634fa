package proto

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	iface "OwlDetServer/interface"
	"OwlDetServer/logger"
	"OwlDetServer/monitor"
	"OwlDetServer/sequencer"
	"OwlDetServer/service"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
)

// ImageDecoder turns transported image bytes into pixels.
type ImageDecoder func(data []byte) (iface.Image, error)

type Server struct {
	UnimplementedDetectServiceServer
	svc               *service.Service
	decode            ImageDecoder
	defaultConfidence float32
	log               *zap.Logger

	closeCh   chan struct{}
	closeOnce sync.Once
}

func NewServer(svc *service.Service, decode ImageDecoder, defaultConfidence float32) *Server {
	return &Server{
		svc:               svc,
		decode:            decode,
		defaultConfidence: defaultConfidence,
		log:               logger.Named("grpc"),
		closeCh:           make(chan struct{}),
	}
}

// Done is closed once a client calls Shutdown.
func (s *Server) Done() <-chan struct{} {
	return s.closeCh
}

func (s *Server) Train(ctx context.Context, req *TrainRequest) (*TrainResponse, error) {
	monitor.RequestsTotal.WithLabelValues("grpc", "train").Inc()
	images := make([]service.TrainImage, 0, len(req.Images))
	for i, ti := range req.Images {
		img, err := s.decode(ti.ImageContents)
		if err != nil {
			return nil, toStatus(fmt.Errorf("image %d: %w", i, err))
		}
		images = append(images, service.TrainImage{Image: img, Boxes: ti.Boxes})
	}
	m, err := s.svc.Train(ctx, images)
	if err != nil {
		s.log.Warn("train failed", zap.Error(err))
		return nil, toStatus(err)
	}
	return &TrainResponse{ModelID: m.ID, Classes: m.ClassNames()}, nil
}

func (s *Server) Inference(ctx context.Context, req *InferenceRequest) (*InferenceResponse, error) {
	monitor.RequestsTotal.WithLabelValues("grpc", "infer").Inc()
	img, err := s.decode(req.ImageContents)
	if err != nil {
		return nil, toStatus(err)
	}
	confidence := s.defaultConfidence
	if req.ConfidenceThreshold != nil {
		confidence = *req.ConfidenceThreshold
	}
	detections, err := s.svc.Infer(ctx, req.ModelID, img, confidence)
	if err != nil {
		s.log.Warn("inference failed", zap.String("model_id", req.ModelID), zap.Error(err))
		return nil, toStatus(err)
	}
	return &InferenceResponse{Boxes: detections}, nil
}

func (s *Server) CheckModel(ctx context.Context, req *CheckModelRequest) (*CheckModelResponse, error) {
	monitor.RequestsTotal.WithLabelValues("grpc", "check_model").Inc()
	m, err := s.svc.Model(ctx, req.ModelID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &CheckModelResponse{
		ModelID:   m.ID,
		Classes:   m.ClassNames(),
		Dim:       m.Dim(),
		CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339),
	}, nil
}

func (s *Server) Shutdown(ctx context.Context, req *emptypb.Empty) (*emptypb.Empty, error) {
	monitor.RequestsTotal.WithLabelValues("grpc", "shutdown").Inc()
	s.closeOnce.Do(func() {
		s.log.Warn("shutdown requested over gRPC")
		close(s.closeCh)
	})
	return &emptypb.Empty{}, nil
}

func toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case errors.Is(err, iface.ErrModelNotFound):
		code = codes.NotFound
	case errors.Is(err, iface.ErrInvalidRequest),
		errors.Is(err, iface.ErrExtractionFailure),
		errors.Is(err, iface.ErrNoMatchingRegion):
		code = codes.InvalidArgument
	case errors.Is(err, iface.ErrImageNotEmbedded), errors.Is(err, iface.ErrDimensionMismatch):
		code = codes.FailedPrecondition
	case errors.Is(err, iface.ErrModelExists):
		code = codes.AlreadyExists
	case errors.Is(err, sequencer.ErrClosed):
		code = codes.Unavailable
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

// StartGRPCServer listens on port and serves srv in the background.
func StartGRPCServer(port int, srv *Server) (*grpc.Server, error) {
	addr := fmt.Sprintf(":%d", port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s := grpc.NewServer(grpc.MaxRecvMsgSize(64 << 20))
	RegisterDetectServiceServer(s, srv)
	go func() {
		logger.Log().Info("gRPC server listening", zap.String("addr", addr))
		if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Log().Error("gRPC server stopped", zap.Error(err))
		}
	}()
	return s, nil
}
