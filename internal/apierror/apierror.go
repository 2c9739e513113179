// Package apierror maps domain errors onto HTTP responses.
package apierror

import (
	"errors"
	"net/http"

	"github.com/joao-fontenele/followers-shop/internal/domain"
)

// Status returns the HTTP status and client-facing message for err. Internal
// failures never leak their cause to the client.
func Status(err error) (int, string) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, verr.Error()
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "order not found"
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrPaymentGateway):
		return http.StatusBadGateway, "payment provider unavailable"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// Internal reports whether err should be logged as a server-side failure.
func Internal(err error) bool {
	status, _ := Status(err)
	return status >= http.StatusInternalServerError
}
