package httpx

import (
	"errors"
	"net/http"
)

// Sentinel errors for the domain layer.
var (
	ErrNotFound   = errors.New("resource not found")
	ErrDuplicate  = errors.New("duplicate entry")
	ErrValidation = errors.New("validation failed")
	ErrConflict   = errors.New("conflict")
	ErrEmptyBody  = errors.New("request body required")
)

// RespondError maps domain errors to JSON error responses.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		Error(w, http.StatusNotFound, "Not Found")
	case errors.Is(err, ErrDuplicate):
		Error(w, http.StatusConflict, "Already exists")
	case errors.Is(err, ErrConflict):
		Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrValidation), errors.Is(err, ErrEmptyBody):
		Error(w, http.StatusBadRequest, err.Error())
	default:
		Error(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
	}
}
