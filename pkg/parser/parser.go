// Package parser turns decoded file content into a lazy stream of typed
// records. Two line formats are supported: fixed display-width fields
// and exact-delimiter splitting. The stream consumes one line at a time
// and never materialises the whole input.
package parser

import (
	"bufio"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/boa-dtp/transformat/pkg/convert"
	"github.com/boa-dtp/transformat/pkg/errcode"
)

// Field describes one column of an input file. Start and Length are
// display columns and only meaningful for the fixed-width format.
type Field struct {
	Name      string
	Type      convert.Kind
	Transform string
	Start     int
	Length    int
}

// Record is one parsed line: values aligned with the field list, in
// field order.
type Record struct {
	Fields []Field
	Values []any
}

// Value looks a value up by field name.
func (r Record) Value(name string) (any, bool) {
	for i, f := range r.Fields {
		if f.Name == name {
			return r.Values[i], true
		}
	}
	return nil, false
}

// Stream is a finite, non-restartable record iterator. Usage follows
// bufio.Scanner: Next, Record, then Err after Next returns false.
type Stream struct {
	scanner *bufio.Scanner
	fields  []Field
	parse   func(line string, lineNo int) ([]any, error)
	lineNo  int
	current Record
	err     error
	done    bool
}

const maxLineBytes = 4 << 20

func newStream(content string, fields []Field, parse func(string, int) ([]any, error)) *Stream {
	sc := bufio.NewScanner(strings.NewReader(content))
	sc.Buffer(make([]byte, 64<<10), maxLineBytes)
	return &Stream{scanner: sc, fields: fields, parse: parse}
}

// NewFixedWidth builds a stream over fixed display-width content.
func NewFixedWidth(content string, fields []Field, taskID string) *Stream {
	return newStream(content, fields, func(line string, lineNo int) ([]any, error) {
		return parseFixedLine(line, fields, lineNo, taskID)
	})
}

// NewDelimited builds a stream over delimiter-separated content. The
// delimiter is matched literally; there is no quoting or escaping.
func NewDelimited(content, delimiter string, fields []Field, taskID string) *Stream {
	return newStream(content, fields, func(line string, lineNo int) ([]any, error) {
		return parseDelimitedLine(line, delimiter, fields, lineNo, taskID)
	})
}

// Next advances to the next record, skipping blank lines. Returns false
// at end of input or on the first parse error.
func (s *Stream) Next() bool {
	if s.done || s.err != nil {
		return false
	}
	for s.scanner.Scan() {
		s.lineNo++
		line := s.scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		values, err := s.parse(line, s.lineNo)
		if err != nil {
			s.err = err
			return false
		}
		s.current = Record{Fields: s.fields, Values: values}
		return true
	}
	s.done = true
	s.err = s.scanner.Err()
	return false
}

// Record returns the record produced by the last successful Next.
func (s *Stream) Record() Record { return s.current }

// Err returns the error that terminated the stream, if any.
func (s *Stream) Err() error { return s.err }

// charWidth is the display width of one character. Wide East-Asian
// glyphs count 2; control and zero-width characters count 1.
func charWidth(r rune) int {
	if w := runewidth.RuneWidth(r); w > 0 {
		return w
	}
	return 1
}

// parseFixedLine extracts each field by accumulating display width.
// A character is captured while adding it keeps the field within its
// length; a wide character straddling the boundary is consumed to fill
// the trailing partial column without joining the value.
func parseFixedLine(line string, fields []Field, lineNo int, taskID string) ([]any, error) {
	runes := []rune(line)
	values := make([]any, len(fields))
	pos := 0
	for i, f := range fields {
		var sb strings.Builder
		width := 0
		for pos < len(runes) {
			w := charWidth(runes[pos])
			if width+w > f.Length {
				break
			}
			sb.WriteRune(runes[pos])
			width += w
			pos++
		}
		if width < f.Length {
			if pos >= len(runes) {
				return nil, errcode.New(errcode.ParseFixedLengthFailed,
					"line_number", lineNo,
					"field_name", f.Name,
					"expected", f.Length,
					"actual", width).WithTask(taskID)
			}
			// Straddling wide character: it covers the last display
			// column of this field, so advance past it.
			pos++
		}
		v, err := convert.Value(sb.String(), f.Type)
		if err != nil {
			return nil, errcode.Wrap(err, errcode.ParseFixedLengthFailed,
				"line_number", lineNo,
				"field_name", f.Name,
				"expected", f.Length,
				"actual", width).WithTask(taskID)
		}
		values[i] = v
	}
	return values, nil
}

// parseDelimitedLine splits on the exact delimiter string and requires
// the token count to match the field count.
func parseDelimitedLine(line, delimiter string, fields []Field, lineNo int, taskID string) ([]any, error) {
	tokens := strings.Split(line, delimiter)
	if len(tokens) != len(fields) {
		return nil, errcode.New(errcode.ParseDelimiterFailed,
			"line_number", lineNo,
			"delimiter", delimiter,
			"expected", len(fields),
			"actual", len(tokens)).WithTask(taskID)
	}
	values := make([]any, len(fields))
	for i, f := range fields {
		v, err := convert.Value(tokens[i], f.Type)
		if err != nil {
			return nil, errcode.Wrap(err, errcode.ParseDelimiterFailed,
				"line_number", lineNo,
				"delimiter", delimiter,
				"field_name", f.Name).WithTask(taskID)
		}
		values[i] = v
	}
	return values, nil
}
