package core

import (
	"encoding/csv"
	"errors"
	"io"
	"iter"
	"os"
)

// Delimiter separates fields in the schedule export.
const Delimiter = ';'

// Row is one data row of the export, addressed by header label.
type Row struct {
	Number int // 1-based data row number, header excluded
	Line   int // 1-based line where the record starts

	header HeaderIndex
	record []string
}

// Get returns the cell under the given header label, or "" if the column is absent.
func (r Row) Get(label string) string {
	pos, ok := r.header[FoldKey(label)]
	if !ok || pos >= len(r.record) {
		return ""
	}
	return r.record[pos]
}

// RowParser turns a semicolon-delimited export into rows.
type RowParser struct {
	specs []FieldSpec
}

// NewRowParser creates a parser that requires the given header columns.
func NewRowParser(specs []FieldSpec) *RowParser {
	return &RowParser{specs: specs}
}

// Rows returns a lazy sequence over the data rows of r, in file order.
// The first error (ParseError for malformed structure, ValidationError for a
// bad header) is yielded once and ends the sequence.
func (p *RowParser) Rows(r io.Reader) iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		cr := csv.NewReader(r)
		cr.Comma = Delimiter
		cr.FieldsPerRecord = 0 // header sets the column count

		header, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			yield(Row{}, toParseError(err))
			return
		}

		idx, err := ValidateHeaders(header, p.specs)
		if err != nil {
			yield(Row{}, err)
			return
		}

		number := 0
		for {
			record, err := cr.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Row{}, toParseError(err))
				return
			}
			if blankRecord(record) {
				continue
			}

			number++
			line, _ := cr.FieldPos(0)
			if !yield(Row{Number: number, Line: line, header: idx, record: record}, nil) {
				return
			}
		}
	}
}

// File returns a sequence over the rows of the staging file at path. The file
// is reopened on every iteration, so the sequence can be restarted.
func (p *RowParser) File(path string) iter.Seq2[Row, error] {
	return p.FileWithProgress(path, nil)
}

// FileWithProgress is File that calls onProgress with the percentage of raw
// bytes read whenever it changes. onProgress may be nil.
func (p *RowParser) FileWithProgress(path string, onProgress func(percent int)) iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		f, err := os.Open(path)
		if err != nil {
			yield(Row{}, &IOError{Op: "open", Path: path, Err: err})
			return
		}
		defer f.Close()

		var size int64
		if info, err := f.Stat(); err == nil {
			size = info.Size()
		}
		decoded, counter, err := WrapForStreaming(f, size)
		if err != nil {
			yield(Row{}, &IOError{Op: "read", Path: path, Err: err})
			return
		}

		last := -1
		for row, err := range p.Rows(decoded) {
			if onProgress != nil && err == nil {
				if pct := counter.Progress(); pct != last {
					last = pct
					onProgress(pct)
				}
			}
			if !yield(row, err) || err != nil {
				return
			}
		}
	}
}

// toParseError maps csv structure errors to ParseError. Anything else came
// from the underlying reader.
func toParseError(err error) error {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return &ParseError{Line: pe.Line, Err: pe.Err}
	}
	return &IOError{Op: "read", Err: err}
}

// blankRecord reports whether every cell is empty, as in the trailing ";;;;"
// lines spreadsheets append.
func blankRecord(record []string) bool {
	for _, c := range record {
		if CleanCell(c) != "" {
			return false
		}
	}
	return true
}
