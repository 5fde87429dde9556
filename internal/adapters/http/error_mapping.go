package httpadapter

import (
	"fmt"
	"net/http"

	"github.com/mlindgren/lagrum/internal/core/domain"
)

func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrTemporary):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errUnknownMode(raw string) error {
	return fmt.Errorf("unknown mode %q", raw)
}
