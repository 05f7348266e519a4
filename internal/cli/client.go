package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/integrity-pipeline/internal/ingest"
	"github.com/joseph-ayodele/integrity-pipeline/internal/status"
)

// apiClient talks to a running integrity HTTP API.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{baseURL: baseURL, http: &http.Client{Timeout: 5 * time.Minute}}
}

// apiError is a non-2xx response decoded from the error body.
type apiError struct {
	StatusCode int
	Message    string `json:"error"`
	Code       string `json:"code"`
	JobID      string `json:"job_id"`
}

func (e *apiError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("%s (%d): %s [job %s]", e.Code, e.StatusCode, e.Message, e.JobID)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func (c *apiClient) upload(ctx context.Context, path string, metadata []byte) (ingest.UploadResult, error) {
	var res ingest.UploadResult

	f, err := os.Open(path)
	if err != nil {
		return res, err
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("metadata", string(metadata)); err != nil {
		return res, err
	}
	fw, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return res, err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return res, fmt.Errorf("read %s: %w", path, err)
	}
	if err := mw.Close(); err != nil {
		return res, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/documents", &body)
	if err != nil {
		return res, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	err = c.do(req, &res)
	return res, err
}

func (c *apiClient) job(ctx context.Context, id uuid.UUID) (status.JobStatusView, error) {
	var view status.JobStatusView
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/jobs/"+id.String(), nil)
	if err != nil {
		return view, err
	}
	err = c.do(req, &view)
	return view, err
}

func (c *apiClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		apiErr := &apiError{StatusCode: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Code == "" {
			apiErr.Code, apiErr.Message = http.StatusText(resp.StatusCode), string(bytes.TrimSpace(data))
		}
		return apiErr
	}
	return json.Unmarshal(data, out)
}
