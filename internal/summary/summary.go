// Package summary aggregates access log records into traffic statistics.
package summary

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/clarkduvall/hyperloglog"
	"github.com/spaolacci/murmur3"

	"github.com/abennett/s3logparse/internal/tsv"
	"github.com/abennett/s3logparse/s3log"
)

const precision = 14

// Summary accumulates statistics over a stream of records. Distinct IP and
// requester counts are estimates.
type Summary struct {
	Records    int
	BadLines   int
	Duplicates int
	BytesSent  int64
	First      time.Time
	Last       time.Time
	Statuses   map[int64]int
	Operations map[string]int

	ips        *hyperloglog.HyperLogLogPlus
	requesters *hyperloglog.HyperLogLogPlus
	seen       map[[2]uint64]struct{}
	schema     *s3log.Schema
}

func New(schema *s3log.Schema) (*Summary, error) {
	ips, err := hyperloglog.NewPlus(precision)
	if err != nil {
		return nil, err
	}
	requesters, err := hyperloglog.NewPlus(precision)
	if err != nil {
		return nil, err
	}
	return &Summary{
		Statuses:   make(map[int64]int),
		Operations: make(map[string]int),
		ips:        ips,
		requesters: requesters,
		seen:       make(map[[2]uint64]struct{}),
		schema:     schema,
	}, nil
}

func hash64(s string) hyperloglog.Hash64 {
	h := murmur3.New64()
	h.Write([]byte(s))
	return h
}

// Add folds a record into the summary. A record identical to one already
// seen is counted as a duplicate and otherwise ignored.
func (s *Summary) Add(rec s3log.LogRecord) {
	h := murmur3.New128()
	for _, c := range s.schema.Columns {
		v, _ := rec.Value(c.Name)
		h.Write([]byte(tsv.Format(v)))
		h.Write([]byte{'\t'})
	}
	h1, h2 := h.Sum128()
	key := [2]uint64{h1, h2}
	if _, dup := s.seen[key]; dup {
		s.Duplicates++
		return
	}
	s.seen[key] = struct{}{}

	s.Records++
	s.BytesSent += rec.BytesSent
	if s.First.IsZero() || rec.Timestamp.Before(s.First) {
		s.First = rec.Timestamp
	}
	if rec.Timestamp.After(s.Last) {
		s.Last = rec.Timestamp
	}
	s.Statuses[rec.StatusCode]++
	s.Operations[rec.Operation.Or(s3log.Sentinel)]++
	if rec.RemoteIP.Valid {
		s.ips.Add(hash64(rec.RemoteIP.String))
	}
	if rec.Requester.Valid {
		s.requesters.Add(hash64(rec.Requester.String))
	}
}

// AddError counts a line that failed to parse.
func (s *Summary) AddError() {
	s.BadLines++
}

func (s *Summary) DistinctIPs() uint64 {
	return s.ips.Count()
}

func (s *Summary) DistinctRequesters() uint64 {
	return s.requesters.Count()
}

type count struct {
	key string
	n   int
}

func sorted(m map[string]int) []count {
	out := make([]count, 0, len(m))
	for k, n := range m {
		out = append(out, count{k, n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].n != out[j].n {
			return out[i].n > out[j].n
		}
		return out[i].key < out[j].key
	})
	return out
}

// WriteTo renders the summary as plain text.
func (s *Summary) WriteTo(w io.Writer) (int64, error) {
	var n int64
	p := func(format string, args ...interface{}) error {
		m, err := fmt.Fprintf(w, format, args...)
		n += int64(m)
		return err
	}
	if err := p("records\t%d\nbad_lines\t%d\nduplicates\t%d\nbytes_sent\t%d\n",
		s.Records, s.BadLines, s.Duplicates, s.BytesSent); err != nil {
		return n, err
	}
	if s.Records > 0 {
		if err := p("first\t%s\nlast\t%s\n", s.First.Format(tsv.TimeLayout), s.Last.Format(tsv.TimeLayout)); err != nil {
			return n, err
		}
	}
	if err := p("distinct_ips\t~%d\ndistinct_requesters\t~%d\n", s.DistinctIPs(), s.DistinctRequesters()); err != nil {
		return n, err
	}
	statuses := make(map[string]int, len(s.Statuses))
	for code, c := range s.Statuses {
		statuses[fmt.Sprint(code)] = c
	}
	for _, c := range sorted(statuses) {
		if err := p("status %s\t%d\n", c.key, c.n); err != nil {
			return n, err
		}
	}
	for _, c := range sorted(s.Operations) {
		if err := p("operation %s\t%d\n", c.key, c.n); err != nil {
			return n, err
		}
	}
	return n, nil
}
