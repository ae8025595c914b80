package main

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/klauspost/compress/gzip"
	"github.com/spf13/cobra"

	"github.com/abennett/s3logparse/s3log"
)

var (
	schemaName string
	logLevel   string
	logger     hclog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "s3logparse [file]",
	Short:         "Convert S3 server access logs to tab separated values",
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:   "s3logparse",
			Level:  hclog.LevelFromString(logLevel),
			Output: os.Stderr,
		})
	},
	RunE: runParse,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&schemaName, "schema", "extended", "log layout: extended (18 to 26 fields) or standard (exactly 18)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "trace, debug, info, warn or error")
}

func newParser() (*s3log.Parser, error) {
	schema, err := s3log.SchemaByName(schemaName)
	if err != nil {
		return nil, err
	}
	return s3log.NewParser(schema)
}

// openInput opens name for reading, or stdin for "" and "-". Files ending in
// .gz are decompressed.
func openInput(name string) (io.ReadCloser, error) {
	if name == "" || name == "-" {
		return io.NopCloser(bufio.NewReader(os.Stdin)), nil
	}
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(name, ".gz") {
		return f, nil
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &gzipFile{Reader: gz, f: f}, nil
}

type gzipFile struct {
	*gzip.Reader
	f *os.File
}

func (g *gzipFile) Close() error {
	g.Reader.Close()
	return g.f.Close()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		if logger == nil {
			logger = hclog.New(&hclog.LoggerOptions{Name: "s3logparse", Output: os.Stderr})
		}
		logger.Error(err.Error())
		os.Exit(1)
	}
}
