package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/invoice-scraper/jobs"
	"github.com/invoice-scraper/logger"
	"github.com/invoice-scraper/progress"
)

const Version = "1.0.0"

const chunkSize = 64 * 1024

// JobManager is the part of *jobs.Manager the transport needs
type JobManager interface {
	Start(clientID string, ids []string) (string, bool)
	Progress(ctx context.Context, id string) progress.Record
	Result(ctx context.Context, id string) jobs.Result
	FetchArchive(name string) (io.ReadCloser, error)
}

// managerAdapter narrows *os.File to io.ReadCloser
type managerAdapter struct {
	*jobs.Manager
}

func (a managerAdapter) FetchArchive(name string) (io.ReadCloser, error) {
	f, err := a.Manager.FetchArchive(name)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// FromManager exposes m over gRPC
func FromManager(m *jobs.Manager) JobManager {
	return managerAdapter{m}
}

// GRPCServer implements JobsServer
type GRPCServer struct {
	Manager JobManager
	Logger  *zap.SugaredLogger
	Version string
}

func NewGRPCServer(m JobManager, log *zap.SugaredLogger) *GRPCServer {
	return &GRPCServer{Manager: m, Logger: logger.OrNop(log), Version: Version}
}

// StartJob queues a batch. booking_ids may be a list or a comma separated
// string.
func (s *GRPCServer) StartJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	clientID := fields["client_id"].GetStringValue()

	var ids []string
	switch v := fields["booking_ids"].GetKind().(type) {
	case *structpb.Value_ListValue:
		for _, item := range v.ListValue.GetValues() {
			ids = append(ids, item.GetStringValue())
		}
	case *structpb.Value_StringValue:
		ids = jobs.SplitIDs(v.StringValue)
	case nil:
	default:
		return nil, status.Error(codes.InvalidArgument, "booking_ids must be a list or a string")
	}

	id, created := s.Manager.Start(clientID, ids)
	s.Logger.Infof("StartJob: client %s, %d booking(s), created=%v", id, len(jobs.NormalizeIDs(ids)), created)

	return structpb.NewStruct(map[string]interface{}{
		"client_id": id,
		"created":   created,
	})
}

func (s *GRPCServer) GetProgress(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	return toStruct(s.Manager.Progress(ctx, req.GetValue()))
}

func (s *GRPCServer) GetResult(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	return toStruct(s.Manager.Result(ctx, req.GetValue()))
}

// FetchArchive streams the archive in fixed size chunks
func (s *GRPCServer) FetchArchive(req *wrapperspb.StringValue, stream grpc.ServerStreamingServer[wrapperspb.BytesValue]) error {
	f, err := s.Manager.FetchArchive(req.GetValue())
	switch {
	case errors.Is(err, jobs.ErrInvalidName):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, jobs.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case err != nil:
		return status.Error(codes.Internal, err.Error())
	}
	defer f.Close()

	buf := make([]byte, chunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if serr := stream.Send(wrapperspb.Bytes(append([]byte(nil), buf[:n]...))); serr != nil {
				return serr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return status.Errorf(codes.Internal, "failed to read archive: %v", err)
		}
	}
}

func (s *GRPCServer) Health(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"healthy": true,
		"version": s.Version,
	})
}

// toStruct converts v to a Struct through its JSON form
func toStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return out, nil
}

// loggingInterceptor logs every unary call with its duration
func loggingInterceptor(log *zap.SugaredLogger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			log.Warnf("%s failed after %v: %v", info.FullMethod, time.Since(start), err)
		} else {
			log.Debugf("%s ok in %v", info.FullMethod, time.Since(start))
		}
		return resp, err
	}
}

// NewServer builds a grpc.Server with the Jobs service and reflection
func NewServer(impl *GRPCServer) *grpc.Server {
	s := grpc.NewServer(grpc.UnaryInterceptor(loggingInterceptor(impl.Logger)))
	RegisterJobsServer(s, impl)
	reflection.Register(s)
	return s
}

// Serve runs the gRPC server on lis until ctx is cancelled
func Serve(ctx context.Context, lis net.Listener, impl *GRPCServer) error {
	s := NewServer(impl)

	stop := context.AfterFunc(ctx, s.GracefulStop)
	defer stop()

	impl.Logger.Infof("gRPC server listening on %s", lis.Addr())
	if err := s.Serve(lis); err != nil {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// RunGRPCServer listens on port and serves until ctx is cancelled
func RunGRPCServer(ctx context.Context, port string, impl *GRPCServer) error {
	lis, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return Serve(ctx, lis, impl)
}
