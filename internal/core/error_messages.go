package core

// error_messages.go maps run failures to support codes.
//
// The code of a failed run is stored on its IngestionRun record and returned
// by the ops API, so operators can tell at a glance why a version ended in
// error without reading logs.
//
// # Ingestion Errors (ING001-ING099)
//
//	ING001 - Version has no CSV payload
//	ING002 - Run was cancelled or timed out
//
// # CSV Errors (CSV001-CSV099)
//
//	CSV001 - Malformed CSV (unterminated quote, wrong column count)
//	CSV002 - Header is missing a required column
//
// # Validation Errors (VAL001-VAL099)
//
//	VAL001 - Time is not HH:MM:SS on a 24-hour clock
//	VAL002 - Date is not DD/MM/YYYY
//	VAL003 - Integer column holds a non-number
//	VAL004 - Required field is empty
//
// # Database Errors (DB001-DB099)
//
//	DB001 - Unique constraint violated during normalization
//	DB002 - Foreign key violated during normalization
//	DB003 - Not-null constraint violated during normalization
//	DB004 - Database unreachable
//	DB005 - Deadlock or serialization failure
//
// # Staging File Errors (IO001-IO099)
//
//	IO001 - Staging file could not be written, read or removed
//
// # Fallback
//
//	ERR000 - Unexpected error; check logs for the run_id

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// UserMessage contains an operator-facing error description with an
// actionable suggestion and a code for support reference.
type UserMessage struct {
	Message string `json:"message"`
	Action  string `json:"action"`
	Code    string `json:"code"`
}

var (
	msgNoPayload = UserMessage{
		Message: "Version has no CSV payload",
		Action:  "Upload the schedule file again",
		Code:    "ING001",
	}
	msgCancelled = UserMessage{
		Message: "Run was cancelled or timed out",
		Action:  "The version stays in error; resubmit it or raise WORKER_RUN_TIMEOUT",
		Code:    "ING002",
	}
	msgParse = UserMessage{
		Message: "File is not a valid semicolon-delimited CSV",
		Action:  "Check quoting and that every row has the same number of columns as the header",
		Code:    "CSV001",
	}
	msgHeader = UserMessage{
		Message: "Required column is missing from CSV header",
		Action:  "Export the schedule with the standard Portuguese column labels",
		Code:    "CSV002",
	}
	msgTime = UserMessage{
		Message: "Invalid time value",
		Action:  "Use HH:MM:SS on a 24-hour clock, e.g. 08:00:00",
		Code:    "VAL001",
	}
	msgDate = UserMessage{
		Message: "Invalid date value",
		Action:  "Use DD/MM/YYYY, e.g. 15/09/2024",
		Code:    "VAL002",
	}
	msgNumber = UserMessage{
		Message: "Invalid number in an integer column",
		Action:  "Check Inscritos no turno and Lotação hold whole numbers",
		Code:    "VAL003",
	}
	msgRequired = UserMessage{
		Message: "Required field is empty",
		Action:  "Fill in the highlighted column on the reported line",
		Code:    "VAL004",
	}
	msgUnique = UserMessage{
		Message: "A duplicate value was rejected by the database",
		Action:  "Review the reported table for conflicting names",
		Code:    "DB001",
	}
	msgForeignKey = UserMessage{
		Message: "Referenced record does not exist",
		Action:  "Check the reference data (weekdays, rooms) is present",
		Code:    "DB002",
	}
	msgNotNull = UserMessage{
		Message: "A required value could not be resolved",
		Action:  "Check weekday abbreviations and shift names in the file",
		Code:    "DB003",
	}
	msgIO = UserMessage{
		Message: "Staging file could not be written or read",
		Action:  "Check free space and permissions of WORKER_TEMP_DIR",
		Code:    "IO001",
	}
)

// errorPatterns maps technical error substrings to user-friendly messages.
// Patterns are checked in order; the first match wins.
var errorPatterns = []struct {
	pattern string
	msg     UserMessage
}{
	{"connection refused", UserMessage{
		Message: "Unable to connect to database",
		Action:  "The version will stay pending; check the database is reachable",
		Code:    "DB004",
	}},
	{"connection reset", UserMessage{
		Message: "Database connection was interrupted",
		Action:  "Resubmit the version",
		Code:    "DB004",
	}},
	{"deadlock", UserMessage{
		Message: "Database was busy with conflicting operations",
		Action:  "Resubmit the version",
		Code:    "DB005",
	}},
	{"could not serialize", UserMessage{
		Message: "Database was busy with conflicting operations",
		Action:  "Resubmit the version",
		Code:    "DB005",
	}},
	{"duplicate key", msgUnique},
	{"violates foreign key", msgForeignKey},
	{"violates not-null", msgNotNull},
	{"missing required columns", msgHeader},
}

// defaultMessage is returned when no pattern matches (ERR000).
// Support staff should check the logs of the run_id when users report ERR000.
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Check the worker logs for this run",
	Code:    "ERR000",
}

// MapError converts a run error to an operator-facing message.
// Typed pipeline errors are matched first; anything else falls back to
// case-insensitive pattern matching and finally ERR000.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	var (
		noPayload  *NoPayloadError
		parseErr   *ParseError
		validation *ValidationError
		constraint *ConstraintError
		ioErr      *IOError
	)
	switch {
	case errors.As(err, &noPayload):
		return msgNoPayload
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return msgCancelled
	case errors.As(err, &parseErr):
		return msgParse
	case errors.As(err, &validation):
		return validationMessage(validation)
	case errors.As(err, &constraint):
		return constraintMessage(constraint)
	case errors.As(err, &ioErr):
		return msgIO
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

func validationMessage(e *ValidationError) UserMessage {
	switch e.Kind {
	case CheckTime:
		return msgTime
	case CheckDate:
		return msgDate
	case CheckInteger:
		return msgNumber
	case CheckRequired:
		return msgRequired
	case CheckHeader:
		return msgHeader
	}
	return msgRequired
}

func constraintMessage(e *ConstraintError) UserMessage {
	switch e.Code {
	case "23503":
		return msgForeignKey
	case "23502":
		return msgNotNull
	}
	return msgUnique
}

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}
