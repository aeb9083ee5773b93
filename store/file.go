package store

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/RedisAI/llmbench/inference"
	"github.com/RedisAI/llmbench/report"
)

// FileSink writes result<rep>.csv and results<rep>.json under Dir.
type FileSink struct {
	Dir string
}

// SummaryPath is the CSV summary of a repetition.
func SummaryPath(dir string, repetition int) string {
	return filepath.Join(dir, fmt.Sprintf("result%d.csv", repetition))
}

// RecordsPath holds the raw records of a repetition.
func RecordsPath(dir string, repetition int) string {
	return filepath.Join(dir, fmt.Sprintf("results%d.json", repetition))
}

func (s FileSink) Init(ctx context.Context) error {
	return os.MkdirAll(s.Dir, 0o755)
}

func (s FileSink) Write(ctx context.Context, run Run, rows []report.SummaryRow, records []inference.RequestRecord) error {
	f, err := os.Create(SummaryPath(s.Dir, run.Repetition))
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	err = report.WriteCSV(w, rows)
	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	env := &inference.Envelope{Results: records, Energy: map[string]interface{}{}}
	return inference.WriteEnvelope(RecordsPath(s.Dir, run.Repetition), env)
}
