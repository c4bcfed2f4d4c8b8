package respond

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"dmchat/internal/apperr"
)

func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Error writes {"code", "error"} for err. Server-side failures are logged with their
// cause and answered with a generic message.
func Error(w http.ResponseWriter, r *http.Request, logger zerolog.Logger, err error) {
	code := apperr.CodeOf(err)
	status := Status(code)
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
		if code == apperr.CodeUnknown {
			code = apperr.CodeInternal
		}
	}
	JSON(w, status, map[string]string{"code": string(code), "error": apperr.MessageOf(err)})
}

func Status(code apperr.Code) int {
	switch code {
	case apperr.CodeInvalidArgument:
		return http.StatusBadRequest
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodePermissionDenied:
		return http.StatusForbidden
	case apperr.CodeUnauthenticated:
		return http.StatusUnauthorized
	case apperr.CodeAlreadyExists:
		return http.StatusConflict
	case apperr.CodeUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Decode reads a JSON body of at most 1MB into v.
func Decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.InvalidArg("invalid request body")
	}
	return nil
}
