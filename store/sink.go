// Package store persists benchmark outcomes: per-repetition CSV summaries,
// raw records, and optional SQL or Redis copies of both.
package store

import (
	"context"
	"time"

	"github.com/RedisAI/llmbench/inference"
	"github.com/RedisAI/llmbench/report"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Run identifies one repetition of a benchmark sweep.
type Run struct {
	ID         uuid.UUID
	Name       string
	Target     string
	Repetition int
	StartedAt  time.Time
}

// NewRun returns a Run with a fresh identifier.
func NewRun(name, target string, repetition int) Run {
	return Run{ID: uuid.New(), Name: name, Target: target, Repetition: repetition, StartedAt: time.Now().UTC()}
}

// Sink is a destination for the results of a run.
type Sink interface {
	// Init prepares the destination, for example by creating tables. It must
	// be safe to call on an already prepared destination.
	Init(ctx context.Context) error

	// Write stores the summary rows and the raw records of run.
	Write(ctx context.Context, run Run, rows []report.SummaryRow, records []inference.RequestRecord) error
}

// SinkCloser is a Sink holding connections that must be released.
type SinkCloser interface {
	Sink

	// Close releases the connections of the sink.
	Close() error
}

// MultiSink fans writes out to several sinks concurrently.
type MultiSink []Sink

// Init initializes every sink.
func (m MultiSink) Init(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range m {
		s := s
		g.Go(func() error { return s.Init(ctx) })
	}
	return g.Wait()
}

// Write writes to every sink and returns the first error.
func (m MultiSink) Write(ctx context.Context, run Run, rows []report.SummaryRow, records []inference.RequestRecord) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range m {
		s := s
		g.Go(func() error { return s.Write(ctx, run, rows, records) })
	}
	return g.Wait()
}

// Close closes the sinks that hold connections.
func (m MultiSink) Close() error {
	var first error
	for _, s := range m {
		if c, ok := s.(SinkCloser); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
