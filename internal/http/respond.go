package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/models"
)

var errForbidden = errors.New("not a participant of this ride")

type roleError struct{ want string }

func (e roleError) Error() string { return "only a " + e.want + " may do this" }

func (roleError) Is(target error) bool { return target == errForbidden }

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", models.ErrInvalidInput, msg)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, errForbidden):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrSessionNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, models.ErrCandidateUnavailable):
		return http.StatusConflict, "driver no longer available, please choose again"
	case errors.Is(err, models.ErrInvalidStateTransition), errors.Is(err, models.ErrNoSelection),
		errors.Is(err, models.ErrStaleData), errors.Is(err, models.ErrLocationUnavailable):
		return http.StatusConflict, err.Error()
	case errors.Is(err, models.ErrExternalService):
		return http.StatusBadGateway, "upstream service unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeError(w http.ResponseWriter, err error) {
	code, msg := statusFor(err)
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
