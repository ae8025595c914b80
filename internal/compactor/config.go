package compactor

import (
	"errors"
	"os"
	"time"

	"github.com/abennett/s3logparse/s3log"
)

type Config struct {
	Region       string
	SrcBucket    string
	SourcePrefix string

	// Compacted days go to OutputDir, DstBucket, or both.
	OutputDir string
	DstBucket string
	DstPrefix string

	// ArchivePrefix moves compacted source objects under this prefix of
	// SrcBucket. DeleteAfter removes them instead when no archive is set.
	ArchivePrefix string
	DeleteAfter   bool

	// Objects with unparseable lines are left out of the day file and
	// stay in place. Force compacts and archives them anyway, dropping the
	// bad lines.
	Force bool

	Timeout time.Duration
	Workers int
	Schema  *s3log.Schema
}

func (c *Config) setDefaults() {
	if c.Region == "" {
		c.Region = os.Getenv("AWS_REGION")
	}
	if c.Region == "" {
		c.Region = "us-west-2"
	}
	if c.Timeout == 0 {
		c.Timeout = time.Minute
	}
	if c.Schema == nil {
		c.Schema = s3log.ExtendedSchema
	}
}

func (c *Config) Validate() error {
	c.setDefaults()
	if c.SrcBucket == "" {
		return errors.New("source bucket is required")
	}
	if c.OutputDir == "" && c.DstBucket == "" {
		return errors.New("an output directory or destination bucket is required")
	}
	return c.Schema.Validate()
}
