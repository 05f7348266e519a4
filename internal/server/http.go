package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/joseph-ayodele/integrity-pipeline/constants"
	"github.com/joseph-ayodele/integrity-pipeline/internal/common"
	"github.com/joseph-ayodele/integrity-pipeline/internal/export"
	"github.com/joseph-ayodele/integrity-pipeline/internal/ingest"
	"github.com/joseph-ayodele/integrity-pipeline/internal/repository"
	"github.com/joseph-ayodele/integrity-pipeline/internal/status"
)

const (
	// multipartSlack covers form boundaries and the metadata field on top of
	// the file limit.
	multipartSlack  = 1 << 20
	multipartMemory = 8 << 20

	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// HealthChecker reports whether the job store is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context, timeout time.Duration) error
}

// HTTPConfig tunes the HTTP API.
type HTTPConfig struct {
	MaxUploadBytes int64
	// UploadsPerMin is the global upload budget; 0 disables limiting.
	UploadsPerMin int
	WatchInterval time.Duration
}

// HTTPServer serves the document and job API.
type HTTPServer struct {
	ingest  *ingest.Service
	status  *status.Service
	export  *export.Service
	health  HealthChecker
	limiter *rate.Limiter
	cfg     HTTPConfig
	logger  *slog.Logger
}

func NewHTTPServer(
	ingestSvc *ingest.Service,
	statusSvc *status.Service,
	exportSvc *export.Service,
	health HealthChecker,
	cfg HTTPConfig,
	logger *slog.Logger,
) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 50 << 20
	}
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = time.Second
	}
	s := &HTTPServer{
		ingest: ingestSvc,
		status: statusSvc,
		export: exportSvc,
		health: health,
		cfg:    cfg,
		logger: logger,
	}
	if cfg.UploadsPerMin > 0 {
		s.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.UploadsPerMin)), cfg.UploadsPerMin)
	}
	return s
}

// Handler returns the routed API wrapped in request middleware.
func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/documents", s.handleUpload)
	mux.HandleFunc("GET /api/documents/{id}", s.handleGetDocument)
	mux.HandleFunc("DELETE /api/documents/{id}", s.handleDeleteDocument)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("GET /api/jobs/{id}/watch", s.handleWatchJob)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/reports/jobs.xlsx", s.handleExport)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return withRequestContext(mux, s.logger)
}

func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		w.Header().Set("Retry-After", "60")
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "upload rate limit exceeded", Code: CodeRateLimited})
		return
	}

	limit := s.cfg.MaxUploadBytes + multipartSlack
	if r.ContentLength > limit {
		writeError(w, r, s.logger, tooLarge(s.cfg.MaxUploadBytes))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, r, s.logger, tooLarge(s.cfg.MaxUploadBytes))
			return
		}
		writeError(w, r, s.logger, invalidInput("expected a multipart/form-data body"))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, s.logger, invalidInput("the file field is required"))
		return
	}
	defer func() { _ = file.Close() }()

	res, err := s.ingest.Upload(r.Context(), ingest.UploadRequest{
		Filename: header.Filename,
		Body:     file,
		Metadata: []byte(r.FormValue("metadata")),
	})
	if err != nil {
		var body errorBody
		if res.JobID != uuid.Nil {
			body.DocumentID, body.JobID = &res.DocumentID, &res.JobID
		}
		writeErrorBody(w, r, s.logger, err, body)
		return
	}

	code := http.StatusAccepted
	if res.Status == ingest.StatusDuplicate {
		code = http.StatusOK
	}
	writeJSON(w, code, res)
}

func tooLarge(max int64) error {
	return common.NewAppError(common.CodePayloadTooLarge,
		fmt.Sprintf("file exceeds the %d byte limit", max), common.ErrPayloadTooLarge)
}

func (s *HTTPServer) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	view, err := s.status.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	view, err := s.status.Document(r.Context(), id)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	if err := s.ingest.DeleteDocument(r.Context(), id); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	overview, err := s.status.Overview(r.Context())
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, overview)
}

// handleExport streams the job report. ?status=completed,failed narrows the
// rows, ?limit= caps them.
func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	filter, err := jobFilter(r)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	data, err := s.export.ExportJobsXLSX(r.Context(), filter)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="jobs.xlsx"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.HealthCheck(r.Context(), 2*time.Second); err != nil {
			common.LoggerFromContext(r.Context(), s.logger).Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func pathID(r *http.Request) (uuid.UUID, error) {
	return common.ParseUUID("id", r.PathValue("id"))
}

func jobFilter(r *http.Request) (repository.JobFilter, error) {
	var filter repository.JobFilter
	q := r.URL.Query()
	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := constants.JobStatus(strings.TrimSpace(part))
			if !st.Valid() {
				return filter, invalidInput(fmt.Sprintf("unknown status %q", part))
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return filter, invalidInput("limit must be a positive integer")
		}
		filter.Limit = n
	}
	return filter, nil
}
