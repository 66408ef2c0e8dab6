// Package handlers implements the gateway's HTTP endpoints. Policy and
// pipeline decisions live in the services; handlers decode requests,
// invoke a service, and render the shared error envelope.
package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

func sendJSON(logger *zap.Logger, w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
	}
}

// sendError writes the error envelope every gateway endpoint shares.
func sendError(logger *zap.Logger, w http.ResponseWriter, status int, code, message string, details map[string]interface{}) {
	body := map[string]interface{}{
		"code":    code,
		"message": message,
	}
	if len(details) > 0 {
		body["details"] = details
	}
	sendJSON(logger, w, status, map[string]interface{}{"error": body})
}

// withCorrelationID copies details and adds the request id so a server
// failure can be matched to its log lines.
func withCorrelationID(details map[string]interface{}, requestID string) map[string]interface{} {
	if requestID == "" {
		return details
	}
	out := make(map[string]interface{}, len(details)+1)
	for k, v := range details {
		out[k] = v
	}
	out["correlationId"] = requestID
	return out
}
