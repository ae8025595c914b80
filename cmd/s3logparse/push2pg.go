package main

import (
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx"
	"github.com/spf13/cobra"

	"github.com/abennett/s3logparse/internal/pgsink"
	"github.com/abennett/s3logparse/s3log"
)

var (
	dbURI       string
	tableName   string
	parallel    int
	createTable bool
)

var push2pgCmd = &cobra.Command{
	Use:   "push2pg file...",
	Short: "Parse access log files and copy the records into postgres",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newParser()
		if err != nil {
			return err
		}
		pool, err := pgsink.Connect(dbURI, parallel)
		if err != nil {
			return err
		}
		defer pool.Close()
		log := logger.Named("pgsink")
		if createTable {
			sink, err := pgsink.New(pool, tableName, p.Schema(), log)
			if err != nil {
				return err
			}
			if err := sink.CreateTable(); err != nil {
				return err
			}
		}
		return uploadFilesPG(args, pool, p, parallel)
	},
}

func uploadFilesPG(fnames []string, pool *pgx.ConnPool, p *s3log.Parser, nbInjectors int) error {
	if nbInjectors < 1 {
		nbInjectors = 1
	}
	fnamesChan := make(chan string)
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []string
	)
	for i := 0; i < nbInjectors; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for fname := range fnamesChan {
				if err := uploadFilePG(fname, pool, p); err != nil {
					logger.Error("upload failed", "file", fname, "error", err)
					mu.Lock()
					failed = append(failed, fname)
					mu.Unlock()
				}
			}
		}()
	}
	for _, fname := range fnames {
		fnamesChan <- strings.TrimSpace(fname)
	}
	close(fnamesChan)
	wg.Wait()
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d files failed: %s", len(failed), len(fnames), strings.Join(failed, ", "))
	}
	return nil
}

func uploadFilePG(fname string, pool *pgx.ConnPool, p *s3log.Parser) error {
	in, err := openInput(fname)
	if err != nil {
		return err
	}
	defer in.Close()
	sink, err := pgsink.New(pool, tableName, p.Schema(), logger.Named("pgsink").With("file", fname))
	if err != nil {
		return err
	}
	loaded, skipped, err := sink.Load(s3log.NewReader(in, p))
	if err != nil {
		return err
	}
	logger.Info("uploaded", "file", fname, "records", loaded, "skipped", skipped)
	return nil
}

func init() {
	rootCmd.AddCommand(push2pgCmd)
	f := push2pgCmd.Flags()
	f.StringVar(&dbURI, "uri", "", "the URI of the postgresql server to connect to")
	f.StringVar(&tableName, "tablename", "accesslogs", "name of pg table to push records to")
	f.IntVar(&parallel, "parallel", 1, "number of parallel injectors")
	f.BoolVar(&createTable, "create-table", false, "create the table if it does not exist")
}
