package cluster

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/RedisAI/llmbench/inference"
	"github.com/RedisAI/llmbench/report"
	"github.com/RedisAI/llmbench/store"
	"github.com/sirupsen/logrus"
)

// BenchmarkOptions configures a user sweep.
type BenchmarkOptions struct {
	Name        string
	Repetitions int
	Users       []int
	Evaluate    EvaluateOptions
	// WorkloadFile overrides the generated pool file name.
	WorkloadFile string
	ID           string
}

func (o *BenchmarkOptions) setDefaults() {
	setInt(&o.Repetitions, 1)
	if len(o.Users) == 0 {
		o.Users = []int{1}
	}
	if o.Name == "" {
		o.Name = "llmbench"
	}
	if o.Evaluate.ID == "" {
		o.Evaluate.ID = o.ID
	}
}

// RunResult is the outcome of one repetition.
type RunResult struct {
	Run    store.Run
	Rows   []report.SummaryRow
	Energy []map[string]interface{}
}

// Sweep evaluates ep once per user count for every repetition and writes each
// repetition to sink. User counts whose job output could not be parsed are
// skipped.
func (c *Cluster) Sweep(ctx context.Context, ep *Endpoint, w *GeneratedWorkload, opts BenchmarkOptions, sink store.Sink) ([]RunResult, error) {
	opts.setDefaults()
	var results []RunResult
	for rep := 0; rep < opts.Repetitions; rep++ {
		run := store.NewRun(opts.Name, ep.Target.Name(), rep)
		var records []inference.RequestRecord
		var energy []map[string]interface{}
		for _, users := range opts.Users {
			eo := opts.Evaluate
			eo.NumUsers = users
			recs, en, err := c.Evaluate(ctx, ep, w, eo)
			if err != nil {
				return results, err
			}
			if recs == nil {
				logrus.Warnf("repetition %d: no results for %d users", rep, users)
				continue
			}
			records = append(records, recs...)
			if en != nil {
				energy = append(energy, en)
			}
		}

		rows := report.Summarize(records)
		var table bytes.Buffer
		if err := report.WriteTable(&table, rows); err == nil {
			logrus.Infof("repetition %d of %s:\n%s", rep, run.Target, table.String())
		}
		if sink != nil {
			if err := sink.Write(ctx, run, rows, records); err != nil {
				return results, fmt.Errorf("storing repetition %d: %w", rep, err)
			}
		}
		results = append(results, RunResult{Run: run, Rows: rows, Energy: energy})
	}
	return results, nil
}

// RunBenchmark deploys each model in turn, generates its workload, sweeps it
// and deletes the deployment.
func (c *Cluster) RunBenchmark(ctx context.Context, specs []ModelSpec, w WorkloadSpec, opts BenchmarkOptions, sink store.Sink) ([]RunResult, error) {
	var results []RunResult
	for _, spec := range specs {
		res, err := c.benchmarkModel(ctx, spec, w, opts, sink)
		results = append(results, res...)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

func (c *Cluster) benchmarkModel(ctx context.Context, spec ModelSpec, w WorkloadSpec, opts BenchmarkOptions, sink store.Sink) (results []RunResult, err error) {
	ep, err := c.DeployModel(ctx, spec, opts.ID)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Join(err, c.DeleteModel(context.WithoutCancel(ctx), ep))
	}()
	return c.benchmarkEndpoint(ctx, ep, w, opts, sink)
}

// RunStackBenchmark sweeps every model served by an existing stack.
func (c *Cluster) RunStackBenchmark(ctx context.Context, stack StackSpec, w WorkloadSpec, opts BenchmarkOptions, sink store.Sink) ([]RunResult, error) {
	var results []RunResult
	for _, ep := range stack.Endpoints() {
		res, err := c.benchmarkEndpoint(ctx, ep, w, opts, sink)
		results = append(results, res...)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

func (c *Cluster) benchmarkEndpoint(ctx context.Context, ep *Endpoint, w WorkloadSpec, opts BenchmarkOptions, sink store.Sink) ([]RunResult, error) {
	gen, err := c.GenerateWorkload(ctx, ep, w, opts.WorkloadFile, opts.ID)
	if err != nil {
		return nil, err
	}
	return c.Sweep(ctx, ep, gen, opts, sink)
}
