package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	lferrors "leadflow/internal/errors"
	"leadflow/internal/run"
)

// APIResponse is the uniform JSON envelope for every endpoint.
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

func respondOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: data})
}

func respondCreated(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, APIResponse{Success: true, Data: data})
}

func respondError(c *gin.Context, err error) {
	status, code := classifyError(err)
	c.JSON(status, APIResponse{Success: false, Message: err.Error(), Code: code})
}

// classifyError maps the domain error taxonomy to HTTP status and a stable
// machine-readable code.
func classifyError(err error) (int, string) {
	var (
		invalidTask *lferrors.InvalidTaskError
		validation  *lferrors.ValidationError
		notFound    *lferrors.NotFoundError
		noAgent     *lferrors.NoAgentAvailableError
		decided     *lferrors.AlreadyDecidedError
		timeout     *lferrors.TimeoutError
	)
	switch {
	case errors.As(err, &invalidTask):
		return http.StatusBadRequest, "INVALID_TASK"
	case errors.As(err, &validation):
		return http.StatusBadRequest, "VALIDATION_FAILED"
	case errors.As(err, &notFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.As(err, &noAgent):
		return http.StatusConflict, "NO_AGENT_AVAILABLE"
	case errors.As(err, &decided):
		return http.StatusConflict, "ALREADY_DECIDED"
	case errors.Is(err, run.ErrTerminalRun):
		return http.StatusConflict, "RUN_TERMINAL"
	case errors.Is(err, run.ErrPendingProposalExists):
		return http.StatusConflict, "PROPOSAL_PENDING"
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout, "RUN_TIMEOUT"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}
