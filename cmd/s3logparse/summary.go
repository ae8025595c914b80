package main

import (
	"errors"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/abennett/s3logparse/internal/summary"
	"github.com/abennett/s3logparse/s3log"
)

var summaryCmd = &cobra.Command{
	Use:   "summary [file...]",
	Short: "Print request counts, status and operation breakdowns and distinct clients",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newParser()
		if err != nil {
			return err
		}
		s, err := summary.New(p.Schema())
		if err != nil {
			return err
		}
		if len(args) == 0 {
			args = []string{"-"}
		}
		for _, fname := range args {
			if err := summarize(fname, p, s); err != nil {
				return err
			}
		}
		_, err = s.WriteTo(os.Stdout)
		return err
	},
}

func summarize(fname string, p *s3log.Parser, s *summary.Summary) error {
	in, err := openInput(fname)
	if err != nil {
		return err
	}
	defer in.Close()
	rd := s3log.NewReader(in, p)
	for {
		rec, err := rd.Read()
		if err == io.EOF {
			return nil
		}
		var le *s3log.LineError
		if errors.As(err, &le) {
			logger.Debug("skipping line", "file", fname, "line", le.Line, "error", le.Err)
			s.AddError()
			continue
		}
		if err != nil {
			return err
		}
		s.Add(rec)
	}
}

func init() {
	rootCmd.AddCommand(summaryCmd)
}
