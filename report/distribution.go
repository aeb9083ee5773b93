package report

import (
	"fmt"
	"io"
	"sort"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/RedisAI/llmbench/inference"
)

const (
	// latencies are recorded in microseconds, up to one hour
	histogramMinValue = 1
	histogramMaxValue = 3600 * 1000 * 1000
	histogramSigFigs  = 3
)

// Latency is the distribution of one latency kind, in milliseconds.
type Latency struct {
	Count int64   `json:"count"`
	Mean  float64 `json:"mean"`
	P50   float64 `json:"p50"`
	P90   float64 `json:"p90"`
	P99   float64 `json:"p99"`
	Max   float64 `json:"max"`
}

// Distribution holds the latency distributions of one concurrency level.
type Distribution struct {
	NumUsers  int     `json:"num_users"`
	Prefill   Latency `json:"prefill"`
	NextToken Latency `json:"next_token"`
	E2E       Latency `json:"e2e"`
}

type histograms struct {
	prefill   *hdrhistogram.Histogram
	nextToken *hdrhistogram.Histogram
	e2e       map[requestKey]float64
}

func newHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(histogramMinValue, histogramMaxValue, histogramSigFigs)
}

func record(h *hdrhistogram.Histogram, ms float64) {
	us := int64(ms * 1000)
	if us < histogramMinValue {
		us = histogramMinValue
	}
	if us > histogramMaxValue {
		us = histogramMaxValue
	}
	_ = h.RecordValue(us)
}

func latencyOf(h *hdrhistogram.Histogram) Latency {
	if h.TotalCount() == 0 {
		return Latency{}
	}
	return Latency{
		Count: h.TotalCount(),
		Mean:  h.Mean() / 1000,
		P50:   float64(h.ValueAtQuantile(50)) / 1000,
		P90:   float64(h.ValueAtQuantile(90)) / 1000,
		P99:   float64(h.ValueAtQuantile(99)) / 1000,
		Max:   float64(h.Max()) / 1000,
	}
}

// Distributions computes prefill, next-token and end-to-end latency
// percentiles over the successful, non-excluded records of each level.
func Distributions(records []inference.RequestRecord) []Distribution {
	levels := map[int]*histograms{}
	for _, r := range records {
		if !r.OK || r.Exclude {
			continue
		}
		h, ok := levels[r.ExpNumUsers]
		if !ok {
			h = &histograms{prefill: newHistogram(), nextToken: newHistogram(), e2e: map[requestKey]float64{}}
			levels[r.ExpNumUsers] = h
		}
		if r.ResponseIdx == 0 {
			record(h.prefill, r.DurationMs)
		} else {
			record(h.nextToken, r.DurationMs)
		}
		h.e2e[requestKey{r.WorkerIdx, r.RequestIdx}] += r.DurationMs
	}

	out := make([]Distribution, 0, len(levels))
	for users, h := range levels {
		e2e := newHistogram()
		for _, ms := range h.e2e {
			record(e2e, ms)
		}
		out = append(out, Distribution{
			NumUsers:  users,
			Prefill:   latencyOf(h.prefill),
			NextToken: latencyOf(h.nextToken),
			E2E:       latencyOf(e2e),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NumUsers < out[j].NumUsers })
	return out
}

func (l Latency) string() string {
	return fmt.Sprintf("mean: %8.2f ms, p50: %8.2f ms, p90: %8.2f ms, p99: %8.2f ms, max: %8.2f ms, count: %d",
		l.Mean, l.P50, l.P90, l.P99, l.Max, l.Count)
}

// WriteDistributions prints the distributions level by level.
func WriteDistributions(w io.Writer, dists []Distribution) error {
	for _, d := range dists {
		_, err := fmt.Fprintf(w, "%d users:\n\tprefill:    %s\n\tnext token: %s\n\te2e:        %s\n",
			d.NumUsers, d.Prefill.string(), d.NextToken.string(), d.E2E.string())
		if err != nil {
			return err
		}
	}
	return nil
}
