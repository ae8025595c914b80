package s3log

import (
	"time"
)

// LogRecord is one parsed access log line. It holds no pointers, so copies
// are independent of each other and of the parser that built them.
type LogRecord struct {
	BucketOwner    NullString
	Bucket         NullString
	Timestamp      time.Time
	RemoteIP       NullString
	Requester      NullString
	RequestID      NullString
	Operation      NullString
	Key            NullString
	RequestURI     NullString
	StatusCode     int64
	ErrorCode      NullString
	BytesSent      int64
	ObjectSize     int64
	TotalTime      int64
	TurnAroundTime int64
	Referrer       NullString
	UserAgent      NullString
	VersionID      NullString

	HostID             NullString
	SignatureVersion   NullString
	CipherSuite        NullString
	AuthenticationType NullString
	HostHeader         NullString
	TLSVersion         NullString
	AccessPointARN     NullString
	ACLRequired        NullString
}

// Value returns the named column of the record.
func (r LogRecord) Value(column string) (Value, bool) {
	f, ok := recordFields[column]
	if !ok {
		return Value{}, false
	}
	return f.get(&r), true
}

// Assemble maps values, ordered as schema's columns, onto a record.
func Assemble(schema *Schema, values []Value) LogRecord {
	var r LogRecord
	for i, col := range schema.Columns {
		if i >= len(values) {
			break
		}
		if f, ok := recordFields[col.Name]; ok {
			f.set(&r, values[i])
		}
	}
	return r
}

type recordField struct {
	kind Kind
	get  func(*LogRecord) Value
	set  func(*LogRecord, Value)
}

func stringField(p func(*LogRecord) *NullString) recordField {
	return recordField{
		kind: StringKind,
		get:  func(r *LogRecord) Value { return Value{Kind: StringKind, Str: *p(r)} },
		set:  func(r *LogRecord, v Value) { *p(r) = v.Str },
	}
}

func intField(p func(*LogRecord) *int64) recordField {
	return recordField{
		kind: IntKind,
		get:  func(r *LogRecord) Value { return Value{Kind: IntKind, Int: *p(r)} },
		set:  func(r *LogRecord, v Value) { *p(r) = v.Int },
	}
}

var recordFields = map[string]recordField{
	"bucket_owner": stringField(func(r *LogRecord) *NullString { return &r.BucketOwner }),
	"bucket":       stringField(func(r *LogRecord) *NullString { return &r.Bucket }),
	"timestamp": {
		kind: TimestampKind,
		get:  func(r *LogRecord) Value { return Value{Kind: TimestampKind, Time: r.Timestamp} },
		set:  func(r *LogRecord, v Value) { r.Timestamp = v.Time },
	},
	"remote_ip":        stringField(func(r *LogRecord) *NullString { return &r.RemoteIP }),
	"requester":        stringField(func(r *LogRecord) *NullString { return &r.Requester }),
	"request_id":       stringField(func(r *LogRecord) *NullString { return &r.RequestID }),
	"operation":        stringField(func(r *LogRecord) *NullString { return &r.Operation }),
	"s3_key":           stringField(func(r *LogRecord) *NullString { return &r.Key }),
	"request_uri":      stringField(func(r *LogRecord) *NullString { return &r.RequestURI }),
	"status_code":      intField(func(r *LogRecord) *int64 { return &r.StatusCode }),
	"error_code":       stringField(func(r *LogRecord) *NullString { return &r.ErrorCode }),
	"bytes_sent":       intField(func(r *LogRecord) *int64 { return &r.BytesSent }),
	"object_size":      intField(func(r *LogRecord) *int64 { return &r.ObjectSize }),
	"total_time":       intField(func(r *LogRecord) *int64 { return &r.TotalTime }),
	"turn_around_time": intField(func(r *LogRecord) *int64 { return &r.TurnAroundTime }),
	"referrer":         stringField(func(r *LogRecord) *NullString { return &r.Referrer }),
	"user_agent":       stringField(func(r *LogRecord) *NullString { return &r.UserAgent }),
	"version_id":       stringField(func(r *LogRecord) *NullString { return &r.VersionID }),

	"host_id":             stringField(func(r *LogRecord) *NullString { return &r.HostID }),
	"signature_version":   stringField(func(r *LogRecord) *NullString { return &r.SignatureVersion }),
	"cipher_suite":        stringField(func(r *LogRecord) *NullString { return &r.CipherSuite }),
	"authentication_type": stringField(func(r *LogRecord) *NullString { return &r.AuthenticationType }),
	"host_header":         stringField(func(r *LogRecord) *NullString { return &r.HostHeader }),
	"tls_version":         stringField(func(r *LogRecord) *NullString { return &r.TLSVersion }),
	"access_point_arn":    stringField(func(r *LogRecord) *NullString { return &r.AccessPointARN }),
	"acl_required":        stringField(func(r *LogRecord) *NullString { return &r.ACLRequired }),
}

// Parser turns lines into records for a fixed schema. It is safe for
// concurrent use.
type Parser struct {
	schema *Schema
}

func NewParser(schema *Schema) (*Parser, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	return &Parser{schema: schema}, nil
}

func (p *Parser) Schema() *Schema {
	return p.schema
}

// ParseLine parses a single line, stripped of its terminator.
func (p *Parser) ParseLine(line string) (LogRecord, error) {
	tokens, err := Tokenize(line)
	if err != nil {
		return LogRecord{}, err
	}
	values, err := Coerce(p.schema, tokens)
	if err != nil {
		return LogRecord{}, err
	}
	return Assemble(p.schema, values), nil
}
