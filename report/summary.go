// Package report reduces raw load-generator records into per-concurrency
// statistics and renders them.
package report

import (
	"sort"
	"strings"

	"github.com/RedisAI/llmbench/inference"
)

// DefaultOOMMarker is the error substring that marks a request killed by the
// server running out of memory.
const DefaultOOMMarker = "out of memory"

// Options configures the aggregation.
type Options struct {
	// OOMMarker is matched against record errors to count n_oom.
	OOMMarker string
}

// DefaultOptions returns the options used by Summarize.
func DefaultOptions() Options {
	return Options{OOMMarker: DefaultOOMMarker}
}

// SummaryRow holds the statistics of one concurrency level. Rate and latency
// columns are nil when the level has no successful, non-excluded events.
type SummaryRow struct {
	NumUsers           int      `json:"num_users"`
	NRequests          int      `json:"n_requests"`
	NFail              int      `json:"n_fail"`
	NOOM               int      `json:"n_oom"`
	NToks              int      `json:"n_toks"`
	NExclude           int      `json:"n_exclude"`
	ConsistentPct      *float64 `json:"consistent_pct"`
	Throughput         *float64 `json:"throughput"`
	LatencyPrefillMs   *float64 `json:"latency_prefill_ms"`
	LatencyNextTokenMs *float64 `json:"latency_nexttoken_ms"`
	LatencyE2EMs       *float64 `json:"latency_e2e_ms"`
}

type requestKey struct {
	worker  int
	request int
}

type level struct {
	requests    map[requestKey]struct{}
	excluded    map[requestKey]struct{}
	e2e         map[requestKey]float64
	e2eOrder    []requestKey
	nFail       int
	nOOM        int
	nToks       int
	nValid      int
	nConsistent int
	expDuration float64
	prefill     mean
	nextToken   mean
}

type mean struct {
	sum float64
	n   int
}

func (m *mean) add(v float64) {
	m.sum += v
	m.n++
}

func (m mean) value() *float64 {
	if m.n == 0 {
		return nil
	}
	v := m.sum / float64(m.n)
	return &v
}

// Summarize reduces records with the default options.
func Summarize(records []inference.RequestRecord) []SummaryRow {
	return DefaultOptions().Summarize(records)
}

// Summarize reduces records into one row per distinct ExpNumUsers, sorted by
// it. It does not modify records.
func (o Options) Summarize(records []inference.RequestRecord) []SummaryRow {
	levels := map[int]*level{}
	for i := range records {
		r := &records[i]
		lv, ok := levels[r.ExpNumUsers]
		if !ok {
			lv = &level{
				requests: map[requestKey]struct{}{},
				excluded: map[requestKey]struct{}{},
				e2e:      map[requestKey]float64{},
			}
			levels[r.ExpNumUsers] = lv
		}
		key := requestKey{r.WorkerIdx, r.RequestIdx}
		lv.requests[key] = struct{}{}

		switch {
		case !r.OK:
			lv.nFail++
			if o.OOMMarker != "" && strings.Contains(r.Error, o.OOMMarker) {
				lv.nOOM++
			}
		case r.Exclude:
			lv.excluded[key] = struct{}{}
		default:
			if lv.nValid == 0 {
				lv.expDuration = r.ExpDuration
			}
			lv.nValid++
			lv.nToks += r.NTokens
			if r.Consistent {
				lv.nConsistent++
			}
			if r.ResponseIdx == 0 {
				lv.prefill.add(r.DurationMs)
			} else {
				lv.nextToken.add(r.DurationMs)
			}
			if _, seen := lv.e2e[key]; !seen {
				lv.e2eOrder = append(lv.e2eOrder, key)
			}
			lv.e2e[key] += r.DurationMs
		}
	}

	rows := make([]SummaryRow, 0, len(levels))
	for users, lv := range levels {
		row := SummaryRow{
			NumUsers:  users,
			NRequests: len(lv.requests),
			NFail:     lv.nFail,
			NOOM:      lv.nOOM,
			NToks:     lv.nToks,
			NExclude:  len(lv.excluded),
		}
		if lv.nValid > 0 {
			pct := 100 * float64(lv.nConsistent) / float64(lv.nValid)
			row.ConsistentPct = &pct
			if lv.expDuration > 0 {
				tp := float64(lv.nToks) / lv.expDuration
				row.Throughput = &tp
			}
			row.LatencyPrefillMs = lv.prefill.value()
			row.LatencyNextTokenMs = lv.nextToken.value()
			var e2e mean
			for _, k := range lv.e2eOrder {
				e2e.add(lv.e2e[k])
			}
			row.LatencyE2EMs = e2e.value()
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].NumUsers < rows[j].NumUsers })
	return rows
}
