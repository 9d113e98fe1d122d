package api

import (
	"context"
	"errors"
	"net/http"

	"trash-change-map/pkg/change"
	"trash-change-map/pkg/config"
	"trash-change-map/pkg/database"
	"trash-change-map/pkg/export"
	"trash-change-map/pkg/extract"
	"trash-change-map/pkg/raster"
	"trash-change-map/pkg/session"
	"trash-change-map/pkg/window"
)

// errorBody is what every failing API call returns.
type errorBody struct {
	Error string `json:"error"`
	Type  string `json:"type"`
}

// classify maps an error to a status code and a type name the page shows.
func classify(err error) (int, string) {
	var (
		loadErr  *raster.LoadError
		shapeErr *change.ShapeMismatchError
		paramErr *extract.InvalidParameterError
		cfgErr   *config.ValidationError
		serErr   *export.SerializationError
	)
	switch {
	case errors.Is(err, session.ErrUnknownSession):
		return http.StatusNotFound, "UnknownSession"
	case errors.Is(err, database.ErrRunNotFound):
		return http.StatusNotFound, "UnknownRun"
	case errors.As(err, &shapeErr):
		return http.StatusConflict, "ShapeMismatchError"
	case errors.As(err, &paramErr), errors.As(err, &cfgErr),
		errors.Is(err, window.ErrUnknownWindow), errors.Is(err, window.ErrUnorderedPair):
		return http.StatusBadRequest, "InvalidParameterError"
	case errors.As(err, &serErr):
		return http.StatusInternalServerError, "SerializationError"
	case errors.As(err, &loadErr), errors.Is(err, session.ErrWindowNotLoaded), errors.Is(err, session.ErrNoRasters):
		return http.StatusUnprocessableEntity, "LoadError"
	case errors.Is(err, errTooManyRequests):
		return http.StatusTooManyRequests, "TooManyRequests"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, "Cancelled"
	}
	return http.StatusInternalServerError, "InternalError"
}

// respondError writes err as JSON. Server side failures are logged too.
func (h *Handler) respondError(w http.ResponseWriter, err error) {
	status, kind := classify(err)
	if status >= http.StatusInternalServerError {
		h.logf("[API] %s: %v", kind, err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	h.respondJSON(w, errorBody{Error: err.Error(), Type: kind})
}
