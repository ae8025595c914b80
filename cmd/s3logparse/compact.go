package main

import (
	"github.com/spf13/cobra"

	"github.com/abennett/s3logparse/internal/compactor"
	"github.com/abennett/s3logparse/s3log"
)

var compactConfig compactor.Config

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Merge a bucket's access log objects into one sorted gzipped TSV per day",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		schema, err := s3log.SchemaByName(schemaName)
		if err != nil {
			return err
		}
		compactConfig.Schema = schema
		cp, err := compactor.NewS3Compactor(logger.Named("compactor"), &compactConfig)
		if err != nil {
			return err
		}
		stats, err := cp.Compact(cmd.Context())
		logger.Info("compaction finished",
			"days", stats.Days,
			"objects", stats.Objects,
			"records", stats.Records,
			"bad_lines", stats.BadLines,
			"kept", stats.Kept)
		return err
	},
}

func init() {
	rootCmd.AddCommand(compactCmd)
	f := compactCmd.Flags()
	f.StringVar(&compactConfig.Region, "region", "", "AWS region (defaults to $AWS_REGION)")
	f.StringVar(&compactConfig.SrcBucket, "src-bucket", "", "bucket holding the access log objects")
	f.StringVar(&compactConfig.SourcePrefix, "src-prefix", "", "key prefix of the access log objects")
	f.StringVar(&compactConfig.OutputDir, "output-dir", "", "write compacted days to this directory")
	f.StringVar(&compactConfig.DstBucket, "dst-bucket", "", "upload compacted days to this bucket")
	f.StringVar(&compactConfig.DstPrefix, "dst-prefix", "compacted/", "key prefix for uploaded days")
	f.StringVar(&compactConfig.ArchivePrefix, "archive-prefix", "", "move compacted source objects under this prefix")
	f.BoolVar(&compactConfig.DeleteAfter, "delete", false, "delete compacted source objects when no archive prefix is set")
	f.BoolVar(&compactConfig.Force, "force", false, "also compact and archive objects with unparseable lines, dropping those lines")
	f.DurationVar(&compactConfig.Timeout, "timeout", 0, "stop after this long (default 1m)")
	f.IntVar(&compactConfig.Workers, "workers", 0, "parallel object readers (0 uses every CPU)")
}
