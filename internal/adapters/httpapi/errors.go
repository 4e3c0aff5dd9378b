package httpapi

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"installcore/internal/adapters/exports"
	"installcore/internal/blob"
	"installcore/pkg/domain"
)

// StatusFor maps domain errors onto HTTP status codes.
func StatusFor(err error) int {
	var violation domain.RuleViolationError
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, blob.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrInstallationInFlight):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.As(err, &violation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, exports.ErrQueueFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}
