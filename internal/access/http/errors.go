package accesshttp

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/odyssey-erp/odyssey-access/internal/access"
	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
)

// StatusFor maps an error kind onto its HTTP status.
func StatusFor(kind access.ErrorKind) int {
	switch kind {
	case access.KindNotFound:
		return http.StatusNotFound
	case access.KindInvalidHierarchy, access.KindInvalidReference:
		return http.StatusUnprocessableEntity
	case access.KindValidation:
		return http.StatusBadRequest
	case access.KindConflict:
		return http.StatusConflict
	case access.KindCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func validation(msg string) error {
	return fmt.Errorf("%w: %s", access.ErrValidation, msg)
}

// writeError renders err as a problem document. Internal errors are logged
// and their text is never sent to the client.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	if errors.Is(err, httpx.ErrValidation) {
		err = fmt.Errorf("%w: %v", access.ErrValidation, err)
	}
	kind := access.KindOf(err)
	status := StatusFor(kind)
	detail := err.Error()
	switch kind {
	case access.KindInternal:
		h.logger.ErrorContext(r.Context(), op, slog.Any("error", err))
		detail = ""
	case access.KindCancelled:
		h.logger.WarnContext(r.Context(), op, slog.Any("error", err))
		detail = ""
	}
	httpx.ProblemKind(w, status, http.StatusText(status), detail, string(kind))
}
