package core

// streaming.go provides the readers applied to a staging file before parsing.
//
// Schedule exports come from spreadsheets on Windows machines, so the file may
// start with a UTF-8 BOM or be encoded as Windows-1252 instead of UTF-8.
// Both are handled on the fly without loading the file into memory:
//
//   - BOMSkippingReader: Removes UTF-8 BOM (0xEF 0xBB 0xBF)
//   - NewCharsetReader: Decodes Windows-1252 when the leading bytes are not UTF-8
//   - StreamingCountingReader: Tracks bytes read for run statistics
//
// Use WrapForStreaming to apply all transforms in the correct order.

import (
	"bufio"
	"bytes"
	"io"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// charsetSniffSize is how much of the stream is inspected to pick an encoding.
const charsetSniffSize = 64 * 1024

// BOMSkippingReader wraps an io.Reader and skips the UTF-8 BOM if present.
type BOMSkippingReader struct {
	reader     *bufio.Reader
	bomChecked bool
}

// NewBOMSkippingReader creates a new BOM-skipping reader.
func NewBOMSkippingReader(r io.Reader) *BOMSkippingReader {
	return &BOMSkippingReader{reader: bufio.NewReader(r)}
}

// Read implements io.Reader. On the first read, it checks for and skips the BOM.
func (r *BOMSkippingReader) Read(p []byte) (int, error) {
	if !r.bomChecked {
		r.bomChecked = true
		head, err := r.reader.Peek(len(utf8BOM))
		if err != nil && err != io.EOF {
			return 0, err
		}
		if bytes.Equal(head, utf8BOM) {
			if _, err := r.reader.Discard(len(utf8BOM)); err != nil {
				return 0, err
			}
		}
	}
	return r.reader.Read(p)
}

// NewCharsetReader returns r decoded to UTF-8. The first charsetSniffSize bytes
// decide: valid UTF-8 passes through untouched, anything else is decoded as
// Windows-1252, the default encoding of Portuguese spreadsheet exports.
func NewCharsetReader(r io.Reader) (io.Reader, error) {
	br := bufio.NewReaderSize(r, charsetSniffSize)
	head, err := br.Peek(charsetSniffSize)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, err
	}

	// A multi-byte rune may straddle the sniff window.
	if err != io.EOF {
		head = head[:len(head)-incompleteTrailingBytes(head)]
	}
	if utf8.Valid(head) {
		return br, nil
	}
	return charmap.Windows1252.NewDecoder().Reader(br), nil
}

// incompleteTrailingBytes returns the number of bytes at the end of data
// that could be the start of an incomplete multi-byte UTF-8 sequence.
func incompleteTrailingBytes(data []byte) int {
	if len(data) == 0 {
		return 0
	}

	// Check last 1-3 bytes for incomplete sequences
	for i := 1; i <= 3 && i <= len(data); i++ {
		b := data[len(data)-i]
		// Check if this byte starts a multi-byte sequence
		if b >= 0xC0 {
			if i < runeLen(b) {
				return i
			}
			return 0
		}
		// Continuation byte (10xxxxxx) - keep checking
		if b&0xC0 != 0x80 {
			return 0
		}
	}
	return 0
}

// runeLen returns the expected length of a UTF-8 sequence starting with byte b.
func runeLen(b byte) int {
	switch {
	case b < 0x80:
		return 1
	case b < 0xC0:
		return 0 // continuation byte
	case b < 0xE0:
		return 2
	case b < 0xF0:
		return 3
	default:
		return 4
	}
}

// StreamingCountingReader wraps an io.Reader to track bytes read.
type StreamingCountingReader struct {
	reader    io.Reader
	BytesRead int64
	Total     int64 // If known (0 if unknown)
}

// NewStreamingCountingReader creates a counting reader with optional total size.
func NewStreamingCountingReader(r io.Reader, total int64) *StreamingCountingReader {
	return &StreamingCountingReader{
		reader: r,
		Total:  total,
	}
}

// Read implements io.Reader.
func (r *StreamingCountingReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	r.BytesRead += int64(n)
	return n, err
}

// Progress returns the read progress as a percentage (0-100).
// Returns 0 if total is unknown.
func (r *StreamingCountingReader) Progress() int {
	if r.Total <= 0 {
		return 0
	}
	return int(r.BytesRead * 100 / r.Total)
}

// WrapForStreaming wraps a raw file reader with byte counting, BOM skipping
// and charset decoding.
//
// The order matters:
// 1. Counting sits on the raw bytes so BytesRead matches the file size
// 2. BOM must be stripped before the charset is sniffed
// 3. Decoding happens last
func WrapForStreaming(r io.Reader, totalSize int64) (io.Reader, *StreamingCountingReader, error) {
	counter := NewStreamingCountingReader(r, totalSize)
	decoded, err := NewCharsetReader(NewBOMSkippingReader(counter))
	if err != nil {
		return nil, nil, err
	}
	return decoded, counter, nil
}
