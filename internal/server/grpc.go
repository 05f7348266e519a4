package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/joseph-ayodele/integrity-pipeline/internal/common"
	"github.com/joseph-ayodele/integrity-pipeline/internal/ingest"
	jobstatus "github.com/joseph-ayodele/integrity-pipeline/internal/status"
)

// JSONCodecName is the gRPC content-subtype JobService messages travel as.
// Health keeps using protobuf.
const JSONCodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return JSONCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type GetJobRequest struct {
	JobID string `json:"job_id"`
}

type UploadRequest struct {
	Filename string          `json:"filename"`
	Content  []byte          `json:"content"`
	Metadata json.RawMessage `json:"metadata"`
}

// JobServiceServer is the server API for integrity.v1.JobService.
type JobServiceServer interface {
	GetJob(context.Context, *GetJobRequest) (*jobstatus.JobStatusView, error)
	Upload(context.Context, *UploadRequest) (*ingest.UploadResult, error)
}

// JobServiceDesc describes integrity.v1.JobService for grpc.Server.RegisterService.
var JobServiceDesc = grpc.ServiceDesc{
	ServiceName: "integrity.v1.JobService",
	HandlerType: (*JobServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetJob", Handler: getJobHandler},
		{MethodName: "Upload", Handler: uploadHandler},
	},
	Streams: []grpc.StreamDesc{},
}

const (
	getJobMethod = "/integrity.v1.JobService/GetJob"
	uploadMethod = "/integrity.v1.JobService/Upload"
)

func getJobHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetJobRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(JobServiceServer).GetJob(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getJobMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(JobServiceServer).GetJob(ctx, req.(*GetJobRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func uploadHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(UploadRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(JobServiceServer).Upload(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: uploadMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(JobServiceServer).Upload(ctx, req.(*UploadRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// JobServiceClient is the client API for integrity.v1.JobService.
type JobServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewJobServiceClient(cc grpc.ClientConnInterface) *JobServiceClient {
	return &JobServiceClient{cc: cc}
}

func (c *JobServiceClient) GetJob(ctx context.Context, in *GetJobRequest, opts ...grpc.CallOption) (*jobstatus.JobStatusView, error) {
	out := new(jobstatus.JobStatusView)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(JSONCodecName)}, opts...)
	if err := c.cc.Invoke(ctx, getJobMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *JobServiceClient) Upload(ctx context.Context, in *UploadRequest, opts ...grpc.CallOption) (*ingest.UploadResult, error) {
	out := new(ingest.UploadResult)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(JSONCodecName)}, opts...)
	if err := c.cc.Invoke(ctx, uploadMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// JobService implements JobServiceServer on top of the ingest and status services.
type JobService struct {
	ingest *ingest.Service
	status *jobstatus.Service
	logger *slog.Logger
}

func NewJobService(ingestSvc *ingest.Service, statusSvc *jobstatus.Service, logger *slog.Logger) *JobService {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobService{ingest: ingestSvc, status: statusSvc, logger: logger}
}

func (s *JobService) GetJob(ctx context.Context, req *GetJobRequest) (*jobstatus.JobStatusView, error) {
	id, err := common.ParseUUID("job_id", strings.TrimSpace(req.JobID))
	if err != nil {
		return nil, common.GRPCError(err)
	}
	view, err := s.status.Get(ctx, id)
	if err != nil {
		return nil, common.GRPCError(err)
	}
	return &view, nil
}

func (s *JobService) Upload(ctx context.Context, req *UploadRequest) (*ingest.UploadResult, error) {
	if strings.TrimSpace(req.Filename) == "" {
		return nil, common.InvalidArgumentError("filename is required")
	}
	res, err := s.ingest.Upload(ctx, ingest.UploadRequest{
		Filename: req.Filename,
		Body:     bytes.NewReader(req.Content),
		Metadata: req.Metadata,
	})
	if err != nil {
		if res.JobID != uuid.Nil {
			_ = grpc.SetHeader(ctx, metadata.Pairs("document-id", res.DocumentID.String(), "job-id", res.JobID.String()))
		}
		return nil, common.GRPCError(err)
	}
	return &res, nil
}

// requestInterceptor mirrors the HTTP request middleware: request id,
// request-scoped logger and one log line per call.
func requestInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		requestID := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if v := md.Get("x-request-id"); len(v) > 0 {
				requestID = v[0]
			}
		}
		if requestID == "" {
			requestID = uuid.NewString()
		}
		log := logger.With("request_id", requestID)
		ctx = common.WithLogger(common.WithRequestID(ctx, requestID), log)

		resp, err := handler(ctx, req)
		log.Info("grpc request",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return resp, err
	}
}

// NewGRPCServer builds a server with JobService and health registered. The
// health status is SERVING. JobService has no protobuf descriptor, so the
// server does not offer reflection.
func NewGRPCServer(jobs JobServiceServer, maxRecvBytes int64, logger *slog.Logger) (*grpc.Server, *health.Server) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []grpc.ServerOption{grpc.ChainUnaryInterceptor(requestInterceptor(logger))}
	if maxRecvBytes > 0 {
		// Upload carries the file inline, base64 encoded.
		opts = append(opts, grpc.MaxRecvMsgSize(int(maxRecvBytes*4/3)+multipartSlack))
	}
	gs := grpc.NewServer(opts...)
	gs.RegisterService(&JobServiceDesc, jobs)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(JobServiceDesc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return gs, hs
}
