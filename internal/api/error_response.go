package api //nolint:revive // package name is intentional

import (
	"net/http"

	llmerrors "github.com/blueberrycongee/llmsched/pkg/errors"
)

// ErrorResponse is the error envelope returned by every endpoint.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes the error payload.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// writeError maps err to a status code and error envelope. Scheduler errors
// are already sanitized; the message is passed through as is.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := llmerrors.HTTPStatusCode(err)
	if status == 499 {
		// The client is gone; nothing useful can be written.
		return
	}
	h.writeJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Message: err.Error(),
			Type:    llmerrors.TypeOf(err),
		},
	})
}
