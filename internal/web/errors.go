package web

// errors.go provides unified error response handling for the ops API.
//
// Every error is logged server-side with the request ID and returned to the
// client as a user message with a support code from core.MapError.

import (
	"net/http"

	"github.com/JonMunkholm/schedule-ingest/internal/core"
	"github.com/JonMunkholm/schedule-ingest/internal/logging"
)

// ErrorResponse represents the JSON structure for API error responses.
// Includes both machine-readable (Code) and human-readable (Message, Action) fields.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

// respondError logs the technical error and writes its user message.
func respondError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	userMsg := core.MapError(err)

	logging.FromContext(r.Context()).Error("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", statusCode,
		"error", err.Error(),
		"code", userMsg.Code,
	)

	respondMessage(w, userMsg, statusCode)
}

// respondMessage writes msg without logging.
func respondMessage(w http.ResponseWriter, msg core.UserMessage, statusCode int) {
	writeJSON(w, statusCode, ErrorResponse{
		Error:   msg.Message,
		Message: msg.Message,
		Action:  msg.Action,
		Code:    msg.Code,
	})
}

// Client errors raised by the handlers themselves.
var (
	msgBadVersionID = core.UserMessage{
		Message: "Invalid version id",
		Action:  "Use the numeric id of a ScheduleVersion",
		Code:    "API001",
	}
	msgBadIssueType = core.UserMessage{
		Message: "Unknown issue type",
		Action:  "Use overcrowding, inadequate-room or unwanted-slot",
		Code:    "API002",
	}
	msgNotFound = core.UserMessage{
		Message: "Version not found",
		Action:  "Check the version id",
		Code:    "API404",
	}
)
