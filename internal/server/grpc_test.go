package server_test

import (
	"context"
	"encoding/json"
	"net"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/joseph-ayodele/integrity-pipeline/constants"
	"github.com/joseph-ayodele/integrity-pipeline/internal/common"
	"github.com/joseph-ayodele/integrity-pipeline/internal/ingest"
	"github.com/joseph-ayodele/integrity-pipeline/internal/server"
)

func dialJobService(t *testing.T, e *apiEnv) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs, _ := server.NewGRPCServer(server.NewJobService(e.ingest, e.status, common.DiscardLogger()), 1<<20, common.DiscardLogger())
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestGRPCUploadAndGetJob(t *testing.T) {
	e := newAPIEnv(t)
	client := server.NewJobServiceClient(dialJobService(t, e))
	ctx := context.Background()

	res, err := client.Upload(ctx, &server.UploadRequest{
		Filename: "paper.txt",
		Content:  []byte("Abstract\nsubmitted over grpc"),
		Metadata: json.RawMessage(metadataJSON),
	})
	require.NoError(t, err)
	assert.Equal(t, ingest.StatusQueued, res.Status)
	assert.NotEqual(t, uuid.Nil, res.JobID)

	view, err := client.GetJob(ctx, &server.GetJobRequest{JobID: res.JobID.String()})
	require.NoError(t, err)
	assert.Equal(t, res.JobID, view.JobID)
	assert.Equal(t, res.DocumentID, view.DocumentID)
	assert.Equal(t, constants.JobStatusQueued, view.Status)

	dup, err := client.Upload(ctx, &server.UploadRequest{
		Filename: "again.txt",
		Content:  []byte("Abstract\nsubmitted over grpc"),
		Metadata: json.RawMessage(metadataJSON),
	})
	require.NoError(t, err)
	assert.Equal(t, ingest.StatusDuplicate, dup.Status)
	assert.Equal(t, res.JobID, dup.JobID)
}

func TestGRPCErrorCodes(t *testing.T) {
	e := newAPIEnv(t)
	client := server.NewJobServiceClient(dialJobService(t, e))
	ctx := context.Background()

	_, err := client.GetJob(ctx, &server.GetJobRequest{JobID: "nope"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.GetJob(ctx, &server.GetJobRequest{JobID: uuid.NewString()})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.Upload(ctx, &server.UploadRequest{
		Filename: "paper.txt",
		Content:  []byte("text"),
		Metadata: json.RawMessage(`{"authors": []}`),
	})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), common.CodeInvalidMetadata)

	_, err = client.Upload(ctx, &server.UploadRequest{
		Filename: "empty.txt",
		Metadata: json.RawMessage(metadataJSON),
	})
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}

func TestGRPCHealth(t *testing.T) {
	e := newAPIEnv(t)
	conn := dialJobService(t, e)

	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{
		Service: server.JobServiceDesc.ServiceName,
	})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestGRPCRegisteredServices(t *testing.T) {
	e := newAPIEnv(t)
	gs, _ := server.NewGRPCServer(server.NewJobService(e.ingest, e.status, common.DiscardLogger()), 1<<20, common.DiscardLogger())
	t.Cleanup(gs.Stop)

	info := gs.GetServiceInfo()
	assert.Len(t, info, 2)
	require.Contains(t, info, server.JobServiceDesc.ServiceName)
	assert.Contains(t, info, healthpb.Health_ServiceDesc.ServiceName)
	assert.NotContains(t, info, "grpc.reflection.v1.ServerReflection")
	assert.NotContains(t, info, "grpc.reflection.v1alpha.ServerReflection")

	var methods []string
	for _, m := range info[server.JobServiceDesc.ServiceName].Methods {
		methods = append(methods, m.Name)
	}
	assert.ElementsMatch(t, []string{"GetJob", "Upload"}, methods)
}
