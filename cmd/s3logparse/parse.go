package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/cobra"

	"github.com/abennett/s3logparse/internal/tsv"
	"github.com/abennett/s3logparse/s3log"
)

var (
	workers    int
	skipErrors bool
	header     bool
	gzipOut    bool
	outputFile string
)

func init() {
	rootCmd.Flags().IntVar(&workers, "workers", 0, "parallel parsers (0 uses every CPU)")
	rootCmd.Flags().BoolVar(&skipErrors, "skip-errors", false, "log and skip malformed lines instead of stopping")
	rootCmd.Flags().BoolVar(&header, "header", false, "write a header row with the column names")
	rootCmd.Flags().BoolVar(&gzipOut, "gzip", false, "gzip the output")
	rootCmd.Flags().StringVarP(&outputFile, "output", "o", "", "write to this file instead of stdout")
}

func runParse(cmd *cobra.Command, args []string) (rerr error) {
	p, err := newParser()
	if err != nil {
		return err
	}
	var name string
	if len(args) > 0 {
		name = args[0]
	}
	in, err := openInput(name)
	if err != nil {
		return err
	}
	defer in.Close()

	var out io.Writer = os.Stdout
	if outputFile != "" {
		f, err := os.Create(outputFile)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := f.Close(); rerr == nil {
				rerr = cerr
			}
		}()
		out = f
	}
	bw := bufio.NewWriter(out)
	out = bw
	var gz *gzip.Writer
	if gzipOut {
		gz = gzip.NewWriter(bw)
		out = gz
	}

	n, bad, err := parseTo(cmd, in, out, p)
	if gz != nil {
		if cerr := gz.Close(); err == nil {
			err = cerr
		}
	}
	if ferr := bw.Flush(); err == nil {
		err = ferr
	}
	logger.Debug("done", "records", n, "skipped", bad)
	return err
}

func parseTo(cmd *cobra.Command, in io.Reader, out io.Writer, p *s3log.Parser) (n, bad int, err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := tsv.NewWriter(out, p.Schema())
	defer func() {
		if ferr := w.Flush(); err == nil {
			err = ferr
		}
	}()
	if header {
		if err := w.WriteHeader(); err != nil {
			return 0, 0, err
		}
	}
	for res := range s3log.Stream(ctx, in, p, workers) {
		if res.Err != nil {
			var le *s3log.LineError
			if skipErrors && errors.As(res.Err, &le) {
				logger.Warn("skipping line", "line", le.Line, "error", le.Err)
				bad++
				continue
			}
			return n, bad, res.Err
		}
		if err := w.Write(res.Record); err != nil {
			return n, bad, err
		}
		n++
	}
	return n, bad, ctx.Err()
}
