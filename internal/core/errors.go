package core

// errors.go defines the error taxonomy of a run.
//
// Every error returned by the pipeline is one of these types (possibly wrapped),
// so callers can branch with errors.As:
//
//   - NoPayloadError: version has no CSV bytes
//   - ParseError: CSV structure is malformed
//   - ValidationError: a field fails its format check
//   - ConstraintError: storage rejected a write (unique / foreign key / not null)
//   - IOError: staging file could not be written, read or removed

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// NoPayloadError is returned when a version carries no CSV payload.
type NoPayloadError struct {
	VersionID int64
}

func (e *NoPayloadError) Error() string {
	return fmt.Sprintf("version %d: no payload (empty file)", e.VersionID)
}

// ParseError is returned when the CSV stream is malformed.
type ParseError struct {
	Line int // 1-based line in the source file, 0 if unknown
	Err  error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("invalid csv at line %d: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("invalid csv: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ValidationKind names the check a field failed.
type ValidationKind string

const (
	CheckTime     ValidationKind = "time"
	CheckDate     ValidationKind = "date"
	CheckInteger  ValidationKind = "integer"
	CheckRequired ValidationKind = "required"
	CheckHeader   ValidationKind = "header"
)

// ValidationError represents a field that failed its format check.
type ValidationError struct {
	Line    int    // 1-based line in the source file
	Field   string // CSV column name
	Value   string // The invalid value
	Kind    ValidationKind
	Message string // Human-readable error message
}

func (e *ValidationError) Error() string {
	switch {
	case e.Line > 0 && e.Field != "":
		return fmt.Sprintf("line %d: %s: %s (%q)", e.Line, e.Field, e.Message, e.Value)
	case e.Field != "":
		return fmt.Sprintf("%s: %s (%q)", e.Field, e.Message, e.Value)
	default:
		return e.Message
	}
}

// ConstraintError wraps a storage-level integrity violation.
type ConstraintError struct {
	Step       string
	Table      string
	Constraint string
	Code       string // SQLSTATE
	Err        error
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("%s: constraint violation on %s (%s): %v", e.Step, e.Table, e.Constraint, e.Err)
}

func (e *ConstraintError) Unwrap() error { return e.Err }

// IOError wraps a staging file failure.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("staging file %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// classifyDBError turns integrity violations (SQLSTATE class 23) into ConstraintError,
// data exceptions (class 22, e.g. an impossible date reaching TO_DATE) into
// ValidationError, and wraps everything else with the step name.
func classifyDBError(step string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || len(pgErr.Code) != 5 {
		return fmt.Errorf("%s: %w", step, err)
	}
	switch pgErr.Code[:2] {
	case "23":
		return &ConstraintError{
			Step:       step,
			Table:      pgErr.TableName,
			Constraint: pgErr.ConstraintName,
			Code:       pgErr.Code,
			Err:        err,
		}
	case "22":
		kind := CheckRequired
		switch pgErr.Code {
		case "22007", "22008":
			kind = CheckDate
		case "22P02", "22003":
			kind = CheckInteger
		}
		return &ValidationError{
			Field:   pgErr.ColumnName,
			Kind:    kind,
			Message: fmt.Sprintf("%s: %s", step, pgErr.Message),
		}
	}
	return fmt.Errorf("%s: %w", step, err)
}
