// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/ledgerline/ledgerline/internal/shared"
)

// RespondError maps pipeline errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	var (
		transitionErr  *shared.TransitionError
		validationErr  *shared.ValidationError
		deleteGuardErr *shared.DeleteGuardError
		authErr        *shared.AuthorizationError
	)
	switch {
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.As(err, &transitionErr):
		Problem(w, http.StatusConflict, "Invalid Transition", transitionErr.Error())
	case errors.As(err, &validationErr):
		ValidationProblem(w, validationErr.Issues)
	case errors.As(err, &deleteGuardErr):
		Problem(w, http.StatusConflict, "Delete Blocked", deleteGuardErr.Error())
	case errors.As(err, &authErr):
		Problem(w, http.StatusForbidden, "Forbidden", authErr.Error())
	case errors.Is(err, shared.ErrAlreadyReversed):
		Problem(w, http.StatusConflict, "Already Reversed", err.Error())
	case errors.Is(err, shared.ErrPostingConflict):
		Problem(w, http.StatusConflict, "Posting Conflict", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		Problem(w, http.StatusConflict, "Duplicate Request", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
