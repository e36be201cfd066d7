package core

// convert.go provides type conversion functions for schedule CSV cells.
//
// The export is produced by a spreadsheet, so cells arrive with stray
// whitespace, Excel formula prefixes and inconsistent accents in labels.
// Times and dates are the exception: they are checked strictly and never
// coerced, because a silently shifted class time is worse than a failed run.
//
// All ToPg* functions return pgtype values with Valid=false for empty input,
// allowing the database to handle NULLs appropriately.

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/jackc/pgx/v5/pgtype"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// clockTimeRegex is the strict 24-hour HH:MM:SS format. Single-digit hours are rejected.
var clockTimeRegex = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d:[0-5]\d$`)

// ScheduleDateLayout is the day/month/year format of the Dia column.
const ScheduleDateLayout = "02/01/2006"

// ToPgText converts a string to pgtype.Text.
// Returns invalid if the string is empty or only whitespace.
func ToPgText(s string) pgtype.Text {
	s = strings.TrimSpace(s)
	if s == "" {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: s, Valid: true}
}

// ToPgInt4 converts an optional integer cell to pgtype.Int4.
// Empty cells are NULL; anything that is not a whole number is an error.
func ToPgInt4(s string) (pgtype.Int4, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return pgtype.Int4{Valid: false}, nil
	}
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return pgtype.Int4{Valid: false}, fmt.Errorf("invalid integer %q", s)
	}
	return pgtype.Int4{Int32: int32(n), Valid: true}, nil
}

// ParseClockTime parses a strict HH:MM:SS value.
func ParseClockTime(s string) (ClockTime, error) {
	s = strings.TrimSpace(s)
	if !clockTimeRegex.MatchString(s) {
		return 0, fmt.Errorf("invalid time %q (want HH:MM:SS)", s)
	}
	h, _ := strconv.Atoi(s[0:2])
	m, _ := strconv.Atoi(s[3:5])
	sec, _ := strconv.Atoi(s[6:8])
	return NewClockTime(h, m, sec), nil
}

// ParseScheduleDate parses a DD/MM/YYYY date. Impossible dates such as
// 31/02/2024 are rejected.
func ParseScheduleDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	t, err := time.Parse(ScheduleDateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want DD/MM/YYYY)", s)
	}
	return t, nil
}

// SplitFeatures splits a comma-separated feature list.
// Names are trimmed and kept case-sensitive; blanks and repeats are dropped,
// first occurrence order is preserved.
func SplitFeatures(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// MakeHeaderIndex creates a HeaderIndex from a CSV header row.
// Keys are folded (lowercase, accents removed) so "Início" and "INICIO" match.
func MakeHeaderIndex(header []string) HeaderIndex {
	idx := make(HeaderIndex, len(header))
	for i, h := range header {
		key := FoldKey(CleanCell(h))
		if _, exists := idx[key]; !exists {
			idx[key] = i
		}
	}
	return idx
}

// CleanCell removes common CSV artifacts from a cell value:
// - Trims whitespace
// - Removes Excel formula prefix (="...")
// - Removes surrounding quotes
func CleanCell(s string) string {
	s = strings.TrimSpace(s)

	// Remove leading '='
	if strings.HasPrefix(s, "=\"") && strings.HasSuffix(s, "\"") {
		s = s[2 : len(s)-1]
	} else if strings.HasPrefix(s, "=") {
		s = s[1:]
	}

	// Remove any surrounding quotes
	s = strings.Trim(s, `"'`)

	return strings.TrimSpace(s)
}

// FoldKey lowercases s and strips combining marks, for accent-insensitive
// comparison of labels ("Sábado" and "sabado" fold to the same key).
func FoldKey(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(strings.TrimSpace(folded))
}
