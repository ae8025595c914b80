// Package compactor merges a bucket's access log objects into one sorted,
// gzipped TSV file per day.
package compactor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/hashicorp/go-hclog"
	"github.com/klauspost/compress/gzip"
	"github.com/spaolacci/murmur3"

	"github.com/abennett/s3logparse/internal/tsv"
	"github.com/abennett/s3logparse/s3log"
)

type Records []s3log.LogRecord

func (rs Records) Len() int {
	return len(rs)
}

func (rs Records) Less(i, j int) bool {
	return rs[i].Timestamp.Before(rs[j].Timestamp)
}

func (rs Records) Swap(i, j int) {
	rs[i], rs[j] = rs[j], rs[i]
}

// Stats summarises a compaction run. Kept counts source objects left in
// place because some of their lines could not be parsed.
type Stats struct {
	Days     int
	Objects  int
	Records  int
	BadLines int
	Kept     int
}

type S3Compactor struct {
	s3c    *S3Client
	log    hclog.Logger
	config *Config
	parser *s3log.Parser
}

func NewS3Compactor(log hclog.Logger, config *Config) (*S3Compactor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	sess, err := session.NewSession(aws.NewConfig().WithRegion(config.Region))
	if err != nil {
		return nil, fmt.Errorf("unable to create aws session: %w", err)
	}
	return NewS3CompactorWithClient(s3.New(sess), log, config)
}

func NewS3CompactorWithClient(api s3iface.S3API, log hclog.Logger, config *Config) (*S3Compactor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	parser, err := s3log.NewParser(config.Schema)
	if err != nil {
		return nil, err
	}
	return &S3Compactor{
		s3c:    NewS3Client(api, log.Named("s3_client")),
		log:    log,
		config: config,
		parser: parser,
	}, nil
}

func (cp *S3Compactor) Compact(ctx context.Context) (Stats, error) {
	var stats Stats
	if cp.config.OutputDir != "" {
		if err := os.MkdirAll(cp.config.OutputDir, 0700); err != nil {
			return stats, err
		}
	}
	ctx, cancel := context.WithTimeout(ctx, cp.config.Timeout)
	defer cancel()
	days, errc := cp.s3c.ScanDaysCh(ctx, cp.config.SrcBucket, cp.config.SourcePrefix)
	for day := range days {
		if ctx.Err() != nil {
			cp.log.Info("finished", "reason", ctx.Err())
			return stats, nil
		}
		readStart := time.Now()
		objs := DedupeObjects(day.objs)
		cp.log.Debug("reading group", "day", day.name, "objects", len(objs))
		res, err := cp.readDay(ctx, objs)
		cp.log.Debug("finished reading group", "day", day.name, "runtime", time.Since(readStart).String())
		if err != nil {
			if ctx.Err() != nil {
				cp.log.Info("finished", "reason", ctx.Err())
				return stats, nil
			}
			return stats, err
		}
		stats.BadLines += res.bad
		if len(res.kept) > 0 {
			stats.Kept += len(res.kept)
			cp.log.Warn("leaving objects with unparseable lines in place", "day", day.name, "keys", res.kept)
		}
		if len(res.done) == 0 {
			continue
		}
		reader, err := cp.writeRecords(res.records)
		if err != nil {
			return stats, err
		}
		if err := cp.store(ctx, dayFileName(day.name, res.done), reader); err != nil {
			return stats, err
		}
		if err := cp.archive(ctx, res.done); err != nil {
			return stats, err
		}
		stats.Days++
		stats.Objects += len(res.done)
		stats.Records += len(res.records)
		cp.log.Info("compacted day", "day", day.name, "records", len(res.records), "bad_lines", res.bad)
	}
	if err := <-errc; err != nil {
		return stats, err
	}
	return stats, nil
}

// dayFileName names the output for one run over objs. Each set of source
// objects gets its own file, so a later run over late deliveries for the
// same day never replaces the records of an earlier one.
func dayFileName(day string, objs []*s3.Object) string {
	keys := make([]string, 0, len(objs))
	for _, obj := range objs {
		keys = append(keys, aws.StringValue(obj.Key))
	}
	sort.Strings(keys)
	h := murmur3.New64()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{'\n'})
	}
	return fmt.Sprintf("%s-%016x.tsv.gz", day, h.Sum64())
}

func (cp *S3Compactor) store(ctx context.Context, fname string, reader io.ReadSeeker) error {
	if cp.config.OutputDir != "" {
		path := filepath.Join(cp.config.OutputDir, fname)
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(f, reader)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		cp.log.Debug("wrote file", "path", path)
	}
	if cp.config.DstBucket != "" {
		if _, err := reader.Seek(0, io.SeekStart); err != nil {
			return err
		}
		key := strings.TrimLeft(newKey(fname, cp.config.DstPrefix), "/")
		if err := cp.s3c.PutObj(ctx, cp.config.DstBucket, key, reader); err != nil {
			return err
		}
	}
	return nil
}

func (cp *S3Compactor) archive(ctx context.Context, objs []*s3.Object) error {
	for _, obj := range objs {
		switch {
		case cp.config.ArchivePrefix != "":
			err := cp.s3c.MoveObj(ctx, obj, cp.config.SrcBucket, cp.config.SrcBucket, cp.config.ArchivePrefix, true)
			if err != nil {
				return err
			}
		case cp.config.DeleteAfter:
			if err := cp.s3c.DeleteObj(ctx, cp.config.SrcBucket, aws.StringValue(obj.Key)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (cp *S3Compactor) writeRecords(rs Records) (io.ReadSeeker, error) {
	var b bytes.Buffer
	gz := gzip.NewWriter(&b)
	w := tsv.NewWriter(gz, cp.config.Schema)
	if err := w.WriteHeader(); err != nil {
		return nil, err
	}
	for _, r := range rs {
		if err := w.Write(r); err != nil {
			return nil, err
		}
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return bytes.NewReader(b.Bytes()), nil
}

type extracted struct {
	obj     *s3.Object
	records Records
	bad     int
}

type dayResult struct {
	records Records
	// done holds the objects whose records are all in records.
	done []*s3.Object
	kept []string
	bad  int
}

// readDay fetches and parses objs in parallel and returns their records
// sorted by request time. Objects with unparseable lines are reported in
// kept and contribute no records unless the config forces them.
func (cp *S3Compactor) readDay(ctx context.Context, objs []*s3.Object) (dayResult, error) {
	var res dayResult
	objCh := make(chan *s3.Object, len(objs))
	for _, obj := range objs {
		objCh <- obj
	}
	close(objCh)
	workers := cp.config.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	mergeCh := make(chan extracted, 10)
	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	for x := 0; x < workers; x++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for obj := range objCh {
				if ctx.Err() != nil {
					cp.log.Info("exceeded timeout")
					return
				}
				key := aws.StringValue(obj.Key)
				cp.log.Debug("processing", "key", key)
				body, err := cp.s3c.GetObj(ctx, cp.config.SrcBucket, key)
				if err != nil {
					errOnce.Do(func() { firstErr = err })
					return
				}
				ex, err := cp.extractRecords(key, body)
				if err != nil {
					errOnce.Do(func() { firstErr = err })
					return
				}
				ex.obj = obj
				mergeCh <- ex
			}
		}()
	}
	go func() {
		wg.Wait()
		close(mergeCh)
	}()
	for ex := range mergeCh {
		res.bad += ex.bad
		if ex.bad > 0 && !cp.config.Force {
			res.kept = append(res.kept, aws.StringValue(ex.obj.Key))
			continue
		}
		cp.log.Trace("merging records", "records_merged", len(ex.records))
		res.records = append(res.records, ex.records...)
		res.done = append(res.done, ex.obj)
	}
	if firstErr != nil {
		return dayResult{}, firstErr
	}
	if err := ctx.Err(); err != nil {
		return dayResult{}, err
	}
	sort.Strings(res.kept)
	sort.Stable(res.records)
	return res, nil
}

func (cp *S3Compactor) extractRecords(key string, rc io.ReadCloser) (extracted, error) {
	var ex extracted
	defer rc.Close()
	reader := s3log.NewReader(rc, cp.parser)
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			return ex, nil
		}
		var le *s3log.LineError
		if errors.As(err, &le) {
			cp.log.Warn("skipping line", "key", key, "line", le.Line, "error", le.Err)
			ex.bad++
			continue
		}
		if err != nil {
			return ex, fmt.Errorf("reading %s: %w", key, err)
		}
		ex.records = append(ex.records, rec)
	}
}
