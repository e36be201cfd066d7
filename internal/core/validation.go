package core

// validation.go checks parsed rows and converts them into staging values.
//
// Validation happens at two levels:
//  1. Header validation: every export column must be present
//  2. Row validation: each cell is checked against its FieldSpec
//
// Unlike a lenient import, the first failing cell aborts the run: a
// ValidationError names the source line, the column and the offending value.

import (
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
)

// StagingRow is one CSV data row converted to staging column types.
type StagingRow struct {
	RowNo int // 1-based data row number
	Line  int // 1-based line in the source file

	Program           string
	Subject           string
	Shift             string
	ClassGroup        pgtype.Text
	Enrollment        pgtype.Int4
	Weekday           string
	Start             ClockTime
	End               ClockTime
	Date              pgtype.Text // DD/MM/YYYY, already checked
	RequestedFeatures pgtype.Text // comma-joined, trimmed names
	Room              pgtype.Text // NULL when no room is needed
	Capacity          pgtype.Int4
	RealFeatures      pgtype.Text
}

// CopyValues returns the row in StagingColumns order.
func (r StagingRow) CopyValues() []any {
	return []any{
		r.Program,
		r.Subject,
		r.Shift,
		r.ClassGroup,
		r.Enrollment,
		r.Weekday,
		r.Start.PgTime(),
		r.End.PgTime(),
		r.Date,
		r.RequestedFeatures,
		r.Room,
		r.Capacity,
		r.RealFeatures,
		int32(r.RowNo),
	}
}

// ValidateHeaders validates that all export columns exist in the CSV header.
// Returns the header index, or a ValidationError listing missing columns.
func ValidateHeaders(headers []string, specs []FieldSpec) (HeaderIndex, error) {
	idx := MakeHeaderIndex(headers)
	var missing []string

	for _, spec := range specs {
		if _, ok := idx[FoldKey(spec.Name)]; !ok {
			missing = append(missing, spec.Name)
		}
	}

	if len(missing) > 0 {
		return nil, &ValidationError{
			Line:    1,
			Kind:    CheckHeader,
			Message: "missing required columns: " + strings.Join(missing, ", "),
		}
	}

	return idx, nil
}

// ConvertRow validates a parsed row and converts it for staging.
func ConvertRow(row Row) (StagingRow, error) {
	out := StagingRow{RowNo: row.Number, Line: row.Line}

	for _, spec := range ScheduleFields {
		raw := CleanCell(row.Get(spec.Name))

		if raw == "" {
			if spec.Required {
				return StagingRow{}, &ValidationError{
					Line:    row.Line,
					Field:   spec.Name,
					Kind:    CheckRequired,
					Message: "required field is empty",
				}
			}
			continue
		}

		if err := out.set(spec, raw); err != nil {
			return StagingRow{}, &ValidationError{
				Line:    row.Line,
				Field:   spec.Name,
				Value:   raw,
				Kind:    checkFor(spec.Type),
				Message: err.Error(),
			}
		}
	}

	return out, nil
}

// set converts a non-empty cell into its staging field.
func (r *StagingRow) set(spec FieldSpec, raw string) error {
	switch spec.Type {
	case FieldTime:
		t, err := ParseClockTime(raw)
		if err != nil {
			return err
		}
		if spec.Name == HeaderStart {
			r.Start = t
		} else {
			r.End = t
		}

	case FieldDate:
		if _, err := ParseScheduleDate(raw); err != nil {
			return err
		}
		r.Date = ToPgText(raw)

	case FieldInteger:
		n, err := ToPgInt4(raw)
		if err != nil {
			return err
		}
		if spec.Name == HeaderEnrollment {
			r.Enrollment = n
		} else {
			r.Capacity = n
		}

	case FieldFeatureList:
		joined := ToPgText(strings.Join(SplitFeatures(raw), ","))
		if spec.Name == HeaderRequestedFeatures {
			r.RequestedFeatures = joined
		} else {
			r.RealFeatures = joined
		}

	default:
		switch spec.Name {
		case HeaderProgram:
			r.Program = raw
		case HeaderSubject:
			r.Subject = raw
		case HeaderShift:
			r.Shift = raw
		case HeaderClassGroup:
			r.ClassGroup = ToPgText(raw)
		case HeaderWeekday:
			r.Weekday = raw
		case HeaderRoom:
			if raw != NoRoomSentinel {
				r.Room = ToPgText(raw)
			}
		}
	}
	return nil
}

func checkFor(ft FieldType) ValidationKind {
	switch ft {
	case FieldTime:
		return CheckTime
	case FieldDate:
		return CheckDate
	case FieldInteger:
		return CheckInteger
	default:
		return CheckRequired
	}
}
