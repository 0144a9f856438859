package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kalambet/feedbackd/internal/upstream"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// queryErrorStatus maps a pipeline error to an HTTP status and error type.
func queryErrorStatus(err error) (int, string) {
	var te *upstream.TransportError
	var le *upstream.LogicalError
	switch {
	case errors.As(err, &te):
		return http.StatusBadGateway, "upstream_unavailable"
	case errors.As(err, &le):
		return http.StatusBadGateway, "upstream_malformed"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		// nginx's "client closed request"
		return 499, "canceled"
	default:
		return http.StatusInternalServerError, "api_error"
	}
}
