package s3log

import (
	"errors"
	"fmt"
)

var (
	ErrUnterminatedQuote   = errors.New("unterminated quoted field")
	ErrUnterminatedBracket = errors.New("unterminated bracketed field")
	ErrDanglingEscape      = errors.New("escape at end of line")
	ErrLineTooLong         = errors.New("line too long")
)

// TokenizationError reports a line that could not be split into fields.
type TokenizationError struct {
	// Line is the offending line, truncated for long inputs.
	Line string
	// Offset is the byte offset of the field that failed.
	Offset int
	Err    error
}

func (e *TokenizationError) Error() string {
	return fmt.Sprintf("tokenize at offset %d: %v: %q", e.Offset, e.Err, e.Line)
}

func (e *TokenizationError) Unwrap() error {
	return e.Err
}

// FieldCountError reports a line whose field count does not fit the schema.
type FieldCountError struct {
	Schema string
	Min    int
	Max    int
	Got    int
}

func (e *FieldCountError) Error() string {
	if e.Min == e.Max {
		return fmt.Sprintf("%s schema wants %d fields, got %d", e.Schema, e.Min, e.Got)
	}
	return fmt.Sprintf("%s schema wants %d to %d fields, got %d", e.Schema, e.Min, e.Max, e.Got)
}

// CoercionError reports a token that could not be converted to its column's type.
type CoercionError struct {
	Index  int
	Column string
	Token  string
	Err    error
}

func (e *CoercionError) Error() string {
	return fmt.Sprintf("column %d (%s): cannot parse %q: %v", e.Index, e.Column, e.Token, e.Err)
}

func (e *CoercionError) Unwrap() error {
	return e.Err
}

// LineError attributes a parse failure to a line of its input.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}
