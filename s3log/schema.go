package s3log

import (
	"fmt"
	"strings"
)

// Kind tags how a column's token is coerced.
type Kind int

const (
	StringKind Kind = iota
	IntKind
	TimestampKind
)

func (k Kind) String() string {
	switch k {
	case StringKind:
		return "string"
	case IntKind:
		return "integer"
	case TimestampKind:
		return "timestamp"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

type Column struct {
	Name string
	Kind Kind
}

// Schema is the ordered column list a line is parsed against. Lines must
// carry at least Required fields; columns past Required are optional
// strings that default to null.
type Schema struct {
	Name     string
	Columns  []Column
	Required int
}

var standardColumns = []Column{
	{"bucket_owner", StringKind},
	{"bucket", StringKind},
	{"timestamp", TimestampKind},
	{"remote_ip", StringKind},
	{"requester", StringKind},
	{"request_id", StringKind},
	{"operation", StringKind},
	{"s3_key", StringKind},
	{"request_uri", StringKind},
	{"status_code", IntKind},
	{"error_code", StringKind},
	{"bytes_sent", IntKind},
	{"object_size", IntKind},
	{"total_time", IntKind},
	{"turn_around_time", IntKind},
	{"referrer", StringKind},
	{"user_agent", StringKind},
	{"version_id", StringKind},
}

var extendedColumns = []Column{
	{"host_id", StringKind},
	{"signature_version", StringKind},
	{"cipher_suite", StringKind},
	{"authentication_type", StringKind},
	{"host_header", StringKind},
	{"tls_version", StringKind},
	{"access_point_arn", StringKind},
	{"acl_required", StringKind},
}

var (
	// StandardSchema is the classic 18 column access log layout.
	StandardSchema = &Schema{
		Name:     "standard",
		Columns:  standardColumns,
		Required: len(standardColumns),
	}
	// ExtendedSchema adds the trailing columns AWS appended later. Older
	// lines that stop early still parse.
	ExtendedSchema = &Schema{
		Name:     "extended",
		Columns:  append(append([]Column{}, standardColumns...), extendedColumns...),
		Required: len(standardColumns),
	}
)

// SchemaByName returns one of the built in schemas.
func SchemaByName(name string) (*Schema, error) {
	switch strings.ToLower(name) {
	case "", "standard":
		return StandardSchema, nil
	case "extended":
		return ExtendedSchema, nil
	}
	return nil, fmt.Errorf("unknown schema %q", name)
}

// Validate checks that every column maps onto a LogRecord field of the same kind.
func (s *Schema) Validate() error {
	if len(s.Columns) == 0 {
		return fmt.Errorf("schema %s has no columns", s.Name)
	}
	if s.Required < 1 || s.Required > len(s.Columns) {
		return fmt.Errorf("schema %s: required count %d out of range", s.Name, s.Required)
	}
	seen := make(map[string]struct{}, len(s.Columns))
	for i, c := range s.Columns {
		f, ok := recordFields[c.Name]
		if !ok {
			return fmt.Errorf("schema %s: column %d: unknown field %q", s.Name, i, c.Name)
		}
		if f.kind != c.Kind {
			return fmt.Errorf("schema %s: column %s is %s, record field is %s", s.Name, c.Name, c.Kind, f.kind)
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("schema %s: duplicate column %s", s.Name, c.Name)
		}
		seen[c.Name] = struct{}{}
		if i >= s.Required && c.Kind != StringKind {
			return fmt.Errorf("schema %s: optional column %s must be a string", s.Name, c.Name)
		}
	}
	return nil
}

// Names returns the column names in order.
func (s *Schema) Names() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}
