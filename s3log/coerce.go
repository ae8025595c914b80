package s3log

import (
	"strconv"
	"time"
)

// Sentinel marks a missing value in the access log format.
const Sentinel = "-"

// TimeLayout is the layout of the bracketed request time.
const TimeLayout = "02/Jan/2006:15:04:05 -0700"

// NullString is a string column that may be absent.
type NullString struct {
	String string
	Valid  bool
}

func NewNullString(s string) NullString {
	return NullString{String: s, Valid: true}
}

// Or returns the string, or def when it is null.
func (n NullString) Or(def string) string {
	if !n.Valid {
		return def
	}
	return n.String
}

// Value is one coerced column. Only the member matching Kind is set.
type Value struct {
	Kind Kind
	Str  NullString
	Int  int64
	Time time.Time
}

// Coerce converts tokens into values following the schema's column order.
func Coerce(schema *Schema, tokens []string) ([]Value, error) {
	if len(tokens) < schema.Required || len(tokens) > len(schema.Columns) {
		return nil, &FieldCountError{
			Schema: schema.Name,
			Min:    schema.Required,
			Max:    len(schema.Columns),
			Got:    len(tokens),
		}
	}
	values := make([]Value, len(schema.Columns))
	for i, col := range schema.Columns {
		if i >= len(tokens) {
			values[i] = Value{Kind: col.Kind}
			continue
		}
		v, err := coerce(col.Kind, tokens[i])
		if err != nil {
			return nil, &CoercionError{Index: i, Column: col.Name, Token: tokens[i], Err: err}
		}
		values[i] = v
	}
	return values, nil
}

func coerce(kind Kind, tok string) (Value, error) {
	switch kind {
	case IntKind:
		// A missing number is reported as zero, not null.
		if tok == Sentinel {
			return Value{Kind: IntKind}, nil
		}
		n, err := strconv.ParseInt(tok, 10, 64)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: IntKind, Int: n}, nil
	case TimestampKind:
		t, err := time.Parse(TimeLayout, tok)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: TimestampKind, Time: t}, nil
	default:
		if tok == Sentinel {
			return Value{Kind: StringKind}, nil
		}
		return Value{Kind: StringKind, Str: NewNullString(tok)}, nil
	}
}
