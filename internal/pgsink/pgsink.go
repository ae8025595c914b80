// Package pgsink bulk loads parsed access log records into PostgreSQL.
package pgsink

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/hashicorp/go-hclog"
	"github.com/jackc/pgx"
	"github.com/jackc/pgx/pgtype"
	unidecode "github.com/mozillazg/go-unidecode"
	"golang.org/x/text/encoding/charmap"

	"github.com/abennett/s3logparse/s3log"
)

const DefaultBatchSize = 1000

var validName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`).MatchString

// DB is the subset of *pgx.ConnPool the sink needs.
type DB interface {
	Exec(sql string, arguments ...interface{}) (pgx.CommandTag, error)
	CopyFrom(tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int, error)
}

// Connect opens a pool sized for the given number of parallel loaders.
func Connect(uri string, parallel int) (*pgx.ConnPool, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil, errors.New("empty uri")
	}
	config, err := pgx.ParseConnectionString(uri)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}
	if parallel < 1 {
		parallel = 1
	}
	return pgx.NewConnPool(pgx.ConnPoolConfig{
		ConnConfig:     config,
		MaxConnections: parallel,
	})
}

type Sink struct {
	db        DB
	table     string
	schema    *s3log.Schema
	columns   []string
	rows      [][]interface{}
	batchSize int
	log       hclog.Logger
}

func New(db DB, table string, schema *s3log.Schema, log hclog.Logger) (*Sink, error) {
	if !validName(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	return &Sink{
		db:        db,
		table:     table,
		schema:    schema,
		columns:   schema.Names(),
		rows:      make([][]interface{}, 0, DefaultBatchSize),
		batchSize: DefaultBatchSize,
		log:       log,
	}, nil
}

// CreateTable creates the destination table and its timestamp index if
// they do not exist.
func (s *Sink) CreateTable() error {
	stmt := buildCreateStmt(s.table, s.schema)
	s.log.Debug("executing", "stmt", stmt)
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("creating table %s: %w", s.table, err)
	}
	idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_timestamp_idx ON %s (timestamp);", s.table, s.table)
	s.log.Debug("executing", "stmt", idx)
	if _, err := s.db.Exec(idx); err != nil {
		return fmt.Errorf("creating index on %s: %w", s.table, err)
	}
	return nil
}

func buildCreateStmt(table string, schema *s3log.Schema) string {
	cols := make([]string, 0, len(schema.Columns))
	for _, c := range schema.Columns {
		cols = append(cols, c.Name+" "+pgType(c.Kind))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s);", table, strings.Join(cols, ", "))
}

func pgType(k s3log.Kind) string {
	switch k {
	case s3log.IntKind:
		return "BIGINT NOT NULL"
	case s3log.TimestampKind:
		return "TIMESTAMPTZ NOT NULL"
	default:
		return "TEXT"
	}
}

// Add buffers a record and copies the batch when it is full.
func (s *Sink) Add(rec s3log.LogRecord) error {
	row := make([]interface{}, len(s.columns))
	for i, name := range s.columns {
		v, _ := rec.Value(name)
		row[i] = pgConvert(v)
	}
	s.rows = append(s.rows, row)
	if len(s.rows) >= s.batchSize {
		_, err := s.Flush()
		return err
	}
	return nil
}

// Flush copies buffered rows and returns how many were written.
func (s *Sink) Flush() (int, error) {
	if len(s.rows) == 0 {
		return 0, nil
	}
	n, err := s.db.CopyFrom(pgx.Identifier{s.table}, s.columns, pgx.CopyFromRows(s.rows))
	if err != nil {
		return 0, fmt.Errorf("copying into %s: %w", s.table, err)
	}
	s.log.Debug("copied rows", "table", s.table, "rows", n)
	s.rows = s.rows[:0]
	return n, nil
}

// Load copies every record of rd. Lines that fail to parse are logged and
// counted, never loaded.
func (s *Sink) Load(rd *s3log.Reader) (loaded, skipped int, err error) {
	for {
		rec, err := rd.Read()
		if err == io.EOF {
			break
		}
		var le *s3log.LineError
		if errors.As(err, &le) {
			s.log.Warn("skipping line", "line", le.Line, "error", le.Err)
			skipped++
			continue
		}
		if err != nil {
			return loaded, skipped, err
		}
		if err := s.Add(rec); err != nil {
			return loaded, skipped, err
		}
		loaded++
	}
	if _, err := s.Flush(); err != nil {
		return loaded, skipped, err
	}
	return loaded, skipped, nil
}

func pgConvert(v s3log.Value) interface{} {
	switch v.Kind {
	case s3log.IntKind:
		return v.Int
	case s3log.TimestampKind:
		return &pgtype.Timestamptz{Time: v.Time, Status: pgtype.Present}
	default:
		if !v.Str.Valid {
			return &pgtype.Text{Status: pgtype.Null}
		}
		return &pgtype.Text{String: decodeCharset(v.Str.String), Status: pgtype.Present}
	}
}

// decodeCharset makes s valid UTF-8. Request URIs and user agents are
// written by clients and are not always UTF-8.
func decodeCharset(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	utf, err := charmap.ISO8859_15.NewDecoder().String(s)
	if err == nil {
		return utf
	}
	return unidecode.Unidecode(s)
}
