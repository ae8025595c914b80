package s3log

import (
	"bufio"
	"context"
	"io"
	"runtime"
	"strings"
	"sync"
)

// maxLineSize bounds a line, terminator included. Longer lines are
// consumed and reported with ErrLineTooLong.
const maxLineSize = 1 << 20

// Reader reads records from a stream of newline separated log lines.
type Reader struct {
	p    *Parser
	br   *bufio.Reader
	line int
}

func NewReader(r io.Reader, p *Parser) *Reader {
	return &Reader{p: p, br: bufio.NewReaderSize(r, 64*1024)}
}

// Read returns the next record. A malformed or over-long line yields a
// *LineError and the reader stays usable; io.EOF marks the end of input.
func (r *Reader) Read() (LogRecord, error) {
	line, err := r.next()
	if err == ErrLineTooLong {
		return LogRecord{}, &LineError{Line: r.line, Err: err}
	}
	if err != nil {
		return LogRecord{}, err
	}
	rec, err := r.p.ParseLine(line)
	if err != nil {
		return LogRecord{}, &LineError{Line: r.line, Err: err}
	}
	return rec, nil
}

// Line returns the 1-based number of the last line read.
func (r *Reader) Line() int {
	return r.line
}

// next returns the next non blank line.
func (r *Reader) next() (string, error) {
	for {
		line, err := r.readLine()
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		return line, nil
	}
}

func (r *Reader) readLine() (string, error) {
	var (
		buf []byte
		n   int
	)
	for {
		frag, err := r.br.ReadSlice('\n')
		n += len(frag)
		if n <= maxLineSize {
			buf = append(buf, frag...)
		}
		switch {
		case err == bufio.ErrBufferFull:
			continue
		case err == io.EOF && n > 0:
			// last line has no terminator
		case err != nil:
			return "", err
		}
		r.line++
		if n > maxLineSize {
			return "", ErrLineTooLong
		}
		line := strings.TrimSuffix(string(buf), "\n")
		return strings.TrimSuffix(line, "\r"), nil
	}
}

// Result is the outcome of parsing one line in a Stream.
type Result struct {
	Line   int
	Record LogRecord
	Err    error
}

const batchSize = 256

type batch struct {
	lines   []string
	lineNos []int
	errs    []error
	results []Result
	done    chan struct{}
}

// Stream parses r on a pool of workers and delivers results in input order.
// Parse failures and over-long lines are delivered as results carrying a
// *LineError; a read failure is delivered last and ends the stream. The
// channel is closed when input is exhausted or ctx is cancelled.
func Stream(ctx context.Context, r io.Reader, p *Parser, workers int) <-chan Result {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	out := make(chan Result, batchSize)
	work := make(chan *batch, workers)
	ordered := make(chan *batch, workers*2)

	var wg sync.WaitGroup
	for x := 0; x < workers; x++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for b := range work {
				b.results = make([]Result, len(b.lines))
				for i, line := range b.lines {
					var rec LogRecord
					err := b.errs[i]
					if err == nil {
						rec, err = p.ParseLine(line)
					}
					if err != nil {
						err = &LineError{Line: b.lineNos[i], Err: err}
					}
					b.results[i] = Result{Line: b.lineNos[i], Record: rec, Err: err}
				}
				close(b.done)
			}
		}()
	}

	rd := NewReader(r, p)
	go func() {
		defer close(ordered)
		defer close(work)
		var rerr error
		for rerr == nil {
			b := &batch{done: make(chan struct{})}
			for len(b.lines) < batchSize {
				line, err := rd.next()
				if err != nil && err != ErrLineTooLong {
					rerr = err
					break
				}
				b.lines = append(b.lines, line)
				b.lineNos = append(b.lineNos, rd.line)
				b.errs = append(b.errs, err)
			}
			if len(b.lines) == 0 {
				break
			}
			select {
			case ordered <- b:
			case <-ctx.Done():
				return
			}
			select {
			case work <- b:
			case <-ctx.Done():
				return
			}
		}
		if rerr != nil && rerr != io.EOF {
			b := &batch{
				results: []Result{{Line: rd.line + 1, Err: rerr}},
				done:    make(chan struct{}),
			}
			close(b.done)
			select {
			case ordered <- b:
			case <-ctx.Done():
			}
		}
	}()

	go func() {
		defer func() {
			close(out)
			// Let the workers drain so nothing leaks on cancel.
			go func() {
				for range ordered {
				}
				wg.Wait()
			}()
		}()
		for b := range ordered {
			select {
			case <-b.done:
			case <-ctx.Done():
				return
			}
			for _, res := range b.results {
				select {
				case out <- res:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
