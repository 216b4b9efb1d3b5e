// Package codec renders canonical errors and server-sent events for the
// HTTP handlers.
package codec

import (
	"encoding/json"
	"net/http"

	"github.com/tjfontaine/legisdraft/internal/domain"
)

// ErrorResponse is a rendered error: status plus JSON body.
type ErrorResponse struct {
	StatusCode int
	Body       []byte
}

// FormatError renders err in the OpenAI error shape
// {"error":{"message","type","code"}} that the generation client parses.
func FormatError(err error) *ErrorResponse {
	apiErr := domain.AsAPIError(err)

	errObj := map[string]any{
		"message": apiErr.Message,
		"type":    errorTypeName(apiErr.Type),
	}
	if apiErr.Code != "" {
		errObj["code"] = string(apiErr.Code)
	}

	body, _ := json.Marshal(map[string]any{"error": errObj})

	return &ErrorResponse{
		StatusCode: apiErr.HTTPStatusCode(),
		Body:       body,
	}
}

// WriteError writes err as a JSON error response.
func WriteError(w http.ResponseWriter, err error) {
	resp := FormatError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func errorTypeName(t domain.ErrorType) string {
	switch t {
	case domain.ErrorTypeInvalidRequest, domain.ErrorTypeContextLength:
		return "invalid_request_error"
	case domain.ErrorTypeAuthentication:
		return "authentication_error"
	case domain.ErrorTypePermission:
		return "permission_denied"
	case domain.ErrorTypeNotFound:
		return "not_found"
	case domain.ErrorTypeRateLimit:
		return "rate_limit_error"
	case domain.ErrorTypeOverloaded:
		return "service_unavailable"
	default:
		return "server_error"
	}
}
