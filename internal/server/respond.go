package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/integrity-pipeline/internal/common"
)

// CodeRateLimited is returned when the upload budget is exhausted.
const CodeRateLimited = "RateLimited"

// errorBody is the JSON shape of every error response. Ids are set only when
// the failed request still created records, as on QueueUnavailable.
type errorBody struct {
	Error      string     `json:"error"`
	Code       string     `json:"code"`
	DocumentID *uuid.UUID `json:"document_id,omitempty"`
	JobID      *uuid.UUID `json:"job_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpStatus(code string) int {
	switch code {
	case common.CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case common.CodeInvalidMetadata, common.CodeInvalidInput:
		return http.StatusBadRequest
	case common.CodeNotFound:
		return http.StatusNotFound
	case common.CodeQueueUnavailable, common.CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeRateLimited:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// writeError maps err onto the taxonomy. Causes are logged, never returned.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	writeErrorBody(w, r, logger, err, errorBody{})
}

func writeErrorBody(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error, body errorBody) {
	body.Code = common.Code(err)
	body.Error = common.PublicMessage(err)
	status := httpStatus(body.Code)

	log := common.LoggerFromContext(r.Context(), logger)
	var appErr *common.AppError
	switch {
	case status >= 500:
		log.Error("request failed", "code", body.Code, "error", err)
	case !errors.As(err, &appErr):
		log.Warn("request rejected", "code", body.Code, "error", err)
	default:
		log.Info("request rejected", "code", body.Code, "reason", appErr.Message)
	}
	writeJSON(w, status, body)
}

func invalidInput(msg string) error {
	return common.NewAppError(common.CodeInvalidInput, msg, common.ErrInvalidInput)
}
