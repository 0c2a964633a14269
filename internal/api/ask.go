package api

import (
	"errors"
	"net/http"

	json "github.com/goccy/go-json"

	"github.com/askledger/askledger/internal/auth"
	"github.com/askledger/askledger/internal/format"
	"github.com/askledger/askledger/internal/pipeline"
)

const maxAskBodyBytes = 64 << 10

type askRequest struct {
	Question  string `json:"question"`
	SessionID string `json:"session_id"`
}

type askResponse struct {
	format.Answer
	TenantID string `json:"tenant_id"`
}

func handleAsk(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Asker == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ASK_NOT_CONFIGURED", "question answering is not configured", false, nil)
		return
	}

	tenantID, err := tenantFromRequest(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "TENANT_REQUIRED", err.Error(), false, nil)
		return
	}
	if err := requireRole(r, auth.RoleAnalyst); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var request askRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAskBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid ask request body", false, map[string]any{"details": err.Error()})
		return
	}

	q, err := pipeline.NewQuery(request.Question, tenantID, request.SessionID, deps.Clock())
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_REQUIRED", "question is required", false, nil)
		return
	}

	answer, err := deps.Asker.Run(r.Context(), q)
	if err != nil {
		writeAskFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, askResponse{Answer: answer, TenantID: tenantID})
}

func writeAskFailure(w http.ResponseWriter, r *http.Request, err error) {
	var failure *pipeline.Failure
	if !errors.As(err, &failure) {
		writeError(r.Context(), w, http.StatusInternalServerError, "INTERNAL", "the question could not be answered", true, nil)
		return
	}
	status, retryable := failureStatus(failure.Code)
	writeError(r.Context(), w, status, string(failure.Code), failure.Message, retryable, nil)
}

func failureStatus(code pipeline.Code) (int, bool) {
	switch code {
	case pipeline.CodeRewriteExhausted:
		return http.StatusUnprocessableEntity, false
	case pipeline.CodeExecutionFailed, pipeline.CodeDraftFailed:
		return http.StatusBadGateway, true
	case pipeline.CodeSchemaUnavailable:
		return http.StatusServiceUnavailable, true
	case pipeline.CodeTimeout:
		return http.StatusGatewayTimeout, true
	case pipeline.CodeCancelled:
		// nginx's client-closed-request; the caller is usually gone.
		return 499, false
	default:
		return http.StatusInternalServerError, true
	}
}
