package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RedisAI/llmbench/stream"
	"github.com/RedisAI/llmbench/workload"
	"github.com/cheggaaa/pb/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Config holds the knobs of one load-generation experiment.
type Config struct {
	NumUsers        int
	Duration        time.Duration
	Backoff         time.Duration
	GracePeriod     time.Duration
	OutputDir       string
	Seed            int64
	MaxRPS          float64       // 0 = unthrottled
	ReportingPeriod time.Duration // 0 = no periodic report
	Progress        bool
}

// EnergyCollector gathers energy readings for the interval of a run.
type EnergyCollector interface {
	Collect(ctx context.Context, start, end time.Time, numUsers int) (map[string]interface{}, error)
}

// Runner drives NumUsers concurrent simulated users against one endpoint.
type Runner struct {
	cfg    Config
	target Target
	client stream.Client
	pool   []workload.SampledRequest
	energy EnergyCollector
	out    io.Writer

	sp           *statProcessor
	limiter      *rate.Limiter
	requestCount uint64
	tokenCount   uint64
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithEnergyCollector attaches an energy side channel to the run.
func WithEnergyCollector(c EnergyCollector) RunnerOption {
	return func(r *Runner) { r.energy = c }
}

// WithTarget records which target the run is aimed at.
func WithTarget(t Target) RunnerOption {
	return func(r *Runner) { r.target = t }
}

// WithStatsOutput sets where periodic and final statistics are printed
// (default stderr, nil disables them).
func WithStatsOutput(w io.Writer) RunnerOption {
	return func(r *Runner) { r.out = w }
}

// NewRunner validates cfg and returns a Runner issuing requests drawn from pool.
func NewRunner(cfg Config, client stream.Client, pool []workload.SampledRequest, opts ...RunnerOption) (*Runner, error) {
	if cfg.NumUsers <= 0 {
		return nil, errors.New("must have at least one worker")
	}
	if cfg.Duration <= 0 {
		return nil, fmt.Errorf("invalid duration %s", cfg.Duration)
	}
	if len(pool) == 0 {
		return nil, errors.New("request pool is empty")
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "."
	}
	r := &Runner{
		cfg:    cfg,
		client: client,
		pool:   pool,
		out:    os.Stderr,
	}
	for _, opt := range opts {
		opt(r)
	}
	if cfg.MaxRPS > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRPS), 1)
	}
	return r, nil
}

// Run executes the experiment. It launches a goroutine to track stats, starts
// one worker per user, waits for them to finish, then merges their result
// files and collects energy readings.
func (r *Runner) Run(ctx context.Context) (*Envelope, error) {
	if err := os.MkdirAll(r.cfg.OutputDir, 0o755); err != nil {
		return nil, err
	}
	if err := clearWorkerResults(r.cfg.OutputDir, r.cfg.NumUsers); err != nil {
		return nil, err
	}
	atomic.StoreUint64(&r.requestCount, 0)
	atomic.StoreUint64(&r.tokenCount, 0)
	r.sp = newStatProcessor(r.out)
	r.sp.start(r.cfg.NumUsers)

	wallStart := time.Now()
	done := make(chan struct{})
	var bg sync.WaitGroup
	if r.cfg.ReportingPeriod > 0 && r.out != nil {
		bg.Add(1)
		go r.report(&bg, done, r.cfg.ReportingPeriod, wallStart)
	}
	if r.cfg.Progress {
		bg.Add(1)
		go r.progress(&bg, done, wallStart)
	}

	var wg sync.WaitGroup
	for i := 0; i < r.cfg.NumUsers; i++ {
		wg.Add(1)
		go r.work(ctx, &wg, i, wallStart)
	}
	wg.Wait()
	close(done)
	bg.Wait()
	r.sp.CloseAndWait()

	wallEnd := time.Now()
	logrus.Infof("%d users took %8.3f sec", r.cfg.NumUsers, wallEnd.Sub(wallStart).Seconds())

	env := &Envelope{
		Results: MergeWorkerResults(r.cfg.OutputDir, r.cfg.NumUsers, r.pool),
		Energy:  map[string]interface{}{},
		Run: &RunInfo{
			NumUsers:       r.cfg.NumUsers,
			MaxRps:         r.cfg.MaxRPS,
			StartTime:      wallStart.UnixNano(),
			EndTime:        wallEnd.UnixNano(),
			DurationMillis: wallEnd.Sub(wallStart).Milliseconds(),
			Requests:       atomic.LoadUint64(&r.requestCount),
			Tokens:         atomic.LoadUint64(&r.tokenCount),
		},
	}
	if r.target != nil {
		env.Run.Target = r.target.Name()
		env.Run.Endpoint = r.target.EndpointURL()
	}
	if r.energy == nil {
		logrus.Info("skipped collecting energy metrics because no collector is configured")
	} else {
		energy, err := r.energy.Collect(ctx, wallStart, wallEnd, r.cfg.NumUsers)
		if err != nil {
			logrus.Warnf("collecting energy metrics: %v", err)
		} else if energy != nil {
			env.Energy = energy
		}
	}
	return env, nil
}

// work is the loop of one simulated user. A worker that panics is logged and
// leaves no result file behind.
func (r *Runner) work(ctx context.Context, wg *sync.WaitGroup, wid int, start time.Time) {
	defer wg.Done()
	defer func() {
		if p := recover(); p != nil {
			logrus.Errorf("worker %d crashed: %v", wid, p)
		}
	}()

	rs := rand.New(rand.NewSource(r.cfg.Seed + int64(wid)))
	records := make([]RequestRecord, 0, 1024)
	for requestIdx := 0; time.Since(start) < r.cfg.Duration; requestIdx++ {
		if ctx.Err() != nil {
			break
		}
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				break
			}
		}
		sampleIdx := rs.Intn(len(r.pool))
		var failed bool
		records, failed = r.issue(ctx, records, wid, requestIdx, sampleIdx, start)
		atomic.AddUint64(&r.requestCount, 1)
		if failed && r.cfg.Backoff > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(r.cfg.Backoff):
			}
		}
	}

	if err := writeWorkerResults(r.cfg.OutputDir, wid, records); err != nil {
		logrus.Errorf("writing results of worker %d: %v", wid, err)
	}
}

// issue sends one request and records every event of its response. It
// reports whether the request ended in an error.
func (r *Runner) issue(ctx context.Context, records []RequestRecord, wid, requestIdx, sampleIdx int, start time.Time) ([]RequestRecord, bool) {
	t0 := time.Now().UnixNano()
	d, err := r.client.Send(ctx, r.pool[sampleIdx].Request)
	if err != nil {
		res := stream.Result{Timestamp: time.Now().UnixNano(), Err: err}
		records = append(records, r.record(res, wid, requestIdx, sampleIdx, 0, t0, start))
		r.sp.send(GetStat().Init("", 0, 0, true))
		logrus.Debugf("worker %d request %d failed: %v", wid, requestIdx, err)
		return records, true
	}
	defer d.Close()

	for responseIdx := 0; ; responseIdx++ {
		res := d.Next()
		if !res.OK && errors.Is(res.Err, stream.ErrEndOfStream) {
			return records, false
		}
		rec := r.record(res, wid, requestIdx, sampleIdx, responseIdx, t0, start)
		records = append(records, rec)
		if !res.OK {
			r.sp.send(GetStat().Init("", 0, 0, true))
			logrus.Debugf("worker %d request %d failed: %v", wid, requestIdx, res.Err)
			return records, true
		}
		label := labelNextToken
		if responseIdx == 0 {
			label = labelPrefill
		}
		r.sp.send(GetStat().Init(label, rec.DurationMs, uint64(res.Tokens), false))
		atomic.AddUint64(&r.tokenCount, uint64(res.Tokens))
		t0 = res.Timestamp
	}
}

func (r *Runner) record(res stream.Result, wid, requestIdx, sampleIdx, responseIdx int, t0 int64, start time.Time) RequestRecord {
	rec := RequestRecord{
		WorkerIdx:   wid,
		RequestIdx:  requestIdx,
		SampleIdx:   sampleIdx,
		ResponseIdx: responseIdx,
		Timestamp:   res.Timestamp,
		DurationMs:  float64(res.Timestamp-t0) / 1e6,
		ExpNumUsers: r.cfg.NumUsers,
		ExpDuration: r.cfg.Duration.Seconds(),
		OK:          res.OK,
		Exclude:     time.Duration(res.Timestamp-start.UnixNano()) > r.cfg.Duration+r.cfg.GracePeriod,
		NTokens:     res.Tokens,
		Response:    res.Event,
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	return rec
}

// report handles periodic reporting of request and token rates
func (r *Runner) report(wg *sync.WaitGroup, done <-chan struct{}, period time.Duration, start time.Time) {
	defer wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	prevTime := start
	prevTokens := uint64(0)
	fmt.Fprintf(r.out, "time (ns),total requests,total tokens,instantaneous tokens/s,overall tokens/s,ttft q50 (ms),ttft q99 (ms)\n")
	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			requests := atomic.LoadUint64(&r.requestCount)
			tokens := atomic.LoadUint64(&r.tokenCount)
			took := now.Sub(prevTime)
			instantRate := float64(tokens-prevTokens) / took.Seconds()
			overallRate := float64(tokens) / now.Sub(start).Seconds()
			q50, q99 := r.sp.quantiles(labelPrefill)
			fmt.Fprintf(r.out, "%d,%d,%d,%0.2f,%0.2f,%0.2f,%0.2f\n", now.UnixNano(), requests, tokens, instantRate, overallRate, q50, q99)
			prevTokens = tokens
			prevTime = now
		}
	}
}

// progress renders elapsed experiment time as a progress bar on stderr.
func (r *Runner) progress(wg *sync.WaitGroup, done <-chan struct{}, start time.Time) {
	defer wg.Done()
	total := int64(r.cfg.Duration / time.Second)
	if total <= 0 {
		total = 1
	}
	bar := pb.New64(total).SetWriter(os.Stderr).Start()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			bar.SetCurrent(total)
			bar.Finish()
			return
		case <-ticker.C:
			elapsed := int64(time.Since(start) / time.Second)
			if elapsed > total {
				elapsed = total
			}
			bar.SetCurrent(elapsed)
		}
	}
}
