package report

import (
	"bytes"
	"strings"
	"testing"

	"github.com/RedisAI/llmbench/inference"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ev builds a successful record.
func ev(users, worker, request, idx int, ms float64, consistent bool) inference.RequestRecord {
	return inference.RequestRecord{
		ExpNumUsers: users,
		ExpDuration: 10,
		WorkerIdx:   worker,
		RequestIdx:  request,
		ResponseIdx: idx,
		DurationMs:  ms,
		OK:          true,
		NTokens:     1,
		Consistent:  consistent,
	}
}

func failed(users, worker, request int, msg string) inference.RequestRecord {
	return inference.RequestRecord{ExpNumUsers: users, ExpDuration: 10, WorkerIdx: worker, RequestIdx: request, Error: msg}
}

func TestSummarize(t *testing.T) {
	records := []inference.RequestRecord{
		// level 1: two complete requests
		ev(1, 0, 0, 0, 100, true),
		ev(1, 0, 0, 1, 10, true),
		ev(1, 0, 0, 2, 20, true),
		ev(1, 0, 1, 0, 50, true),
		ev(1, 0, 1, 1, 30, false),
		// level 2: one complete request, one overrunning request, one failure
		ev(2, 0, 0, 0, 200, true),
		ev(2, 0, 0, 1, 40, true),
		ev(2, 1, 0, 0, 300, true),
		func() inference.RequestRecord { r := ev(2, 1, 0, 1, 60, true); r.Exclude = true; return r }(),
		failed(2, 1, 1, "CUDA out of memory. Tried to allocate"),
	}
	rows := Summarize(records)
	require.Len(t, rows, 2)

	one := rows[0]
	assert.Equal(t, 1, one.NumUsers)
	assert.Equal(t, 2, one.NRequests)
	assert.Equal(t, 0, one.NFail)
	assert.Equal(t, 5, one.NToks)
	assert.Equal(t, 0, one.NExclude)
	assert.InDelta(t, 80, *one.ConsistentPct, 1e-9)
	assert.InDelta(t, 0.5, *one.Throughput, 1e-9)
	assert.InDelta(t, 75, *one.LatencyPrefillMs, 1e-9)
	assert.InDelta(t, 20, *one.LatencyNextTokenMs, 1e-9)
	// groups sum to 130 and 80
	assert.InDelta(t, 105, *one.LatencyE2EMs, 1e-9)

	two := rows[1]
	assert.Equal(t, 2, two.NumUsers)
	assert.Equal(t, 3, two.NRequests)
	assert.Equal(t, 1, two.NFail)
	assert.Equal(t, 1, two.NOOM)
	assert.Equal(t, 1, two.NExclude)
	assert.Equal(t, 3, two.NToks)
	assert.InDelta(t, 250, *two.LatencyPrefillMs, 1e-9)
	assert.InDelta(t, 40, *two.LatencyNextTokenMs, 1e-9)
	// groups sum to 240 and 300, the excluded event does not count
	assert.InDelta(t, 270, *two.LatencyE2EMs, 1e-9)
}

func TestSummarizeCountsOnlyWithoutValidEvents(t *testing.T) {
	var records []inference.RequestRecord
	for i := 0; i < 10; i++ {
		msg := "connection reset by peer"
		if i < 3 {
			msg = "torch.cuda.OutOfMemoryError: CUDA out of memory"
		}
		records = append(records, failed(4, i%2, i, msg))
	}
	excluded := ev(4, 0, 99, 0, 5, true)
	excluded.Exclude = true
	records = append(records, excluded)

	rows := Summarize(records)
	require.Len(t, rows, 1)
	r := rows[0]
	assert.Equal(t, 10, r.NFail)
	assert.Equal(t, 3, r.NOOM)
	assert.Equal(t, 11, r.NRequests)
	assert.Equal(t, 1, r.NExclude)
	assert.Zero(t, r.NToks)
	assert.Nil(t, r.ConsistentPct)
	assert.Nil(t, r.Throughput)
	assert.Nil(t, r.LatencyPrefillMs)
	assert.Nil(t, r.LatencyNextTokenMs)
	assert.Nil(t, r.LatencyE2EMs)
}

func TestSummarizeIsPureAndIdempotent(t *testing.T) {
	records := []inference.RequestRecord{
		ev(8, 3, 0, 0, 12.5, true),
		ev(2, 0, 0, 0, 7, false),
		ev(8, 3, 0, 1, 1.25, true),
	}
	before := append([]inference.RequestRecord(nil), records...)
	first := Summarize(records)
	second := Summarize(records)
	assert.Equal(t, first, second)
	assert.Equal(t, before, records)
	assert.Equal(t, []int{2, 8}, []int{first[0].NumUsers, first[1].NumUsers})
	assert.Empty(t, Summarize(nil))
}

func TestWriteCSVAndTable(t *testing.T) {
	rows := Summarize([]inference.RequestRecord{
		ev(1, 0, 0, 0, 100, true),
		ev(1, 0, 0, 1, 10, true),
		failed(2, 0, 0, "boom"),
	})

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, rows))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, strings.Join(Columns, ","), lines[0])
	assert.Equal(t, "1,1,0,0,2,0,100,0.2,100,10,110", lines[1])
	assert.Equal(t, "2,1,1,0,0,0,,,,,", lines[2])

	buf.Reset()
	require.NoError(t, WriteTable(&buf, rows))
	out := buf.String()
	assert.Contains(t, out, "latency_e2e_ms")
	assert.Contains(t, out, "110.000")
	assert.Contains(t, out, "NaN")
}

func TestDistributions(t *testing.T) {
	var records []inference.RequestRecord
	for i := 0; i < 100; i++ {
		records = append(records, ev(1, 0, i, 0, float64(i+1), true))
		records = append(records, ev(1, 0, i, 1, 2, true))
	}
	records = append(records, failed(1, 0, 500, "boom"))

	dists := Distributions(records)
	require.Len(t, dists, 1)
	d := dists[0]
	assert.EqualValues(t, 100, d.Prefill.Count)
	assert.InDelta(t, 50, d.Prefill.P50, 0.5)
	assert.InDelta(t, 99, d.Prefill.P99, 0.5)
	assert.InDelta(t, 2, d.NextToken.P90, 0.01)
	assert.InDelta(t, 52.5, d.E2E.Mean, 0.5)

	var buf bytes.Buffer
	require.NoError(t, WriteDistributions(&buf, dists))
	assert.Contains(t, buf.String(), "1 users:")
}

func TestSummarizeOOMMarker(t *testing.T) {
	records := []inference.RequestRecord{
		failed(1, 0, 0, "RESOURCE_EXHAUSTED: KV cache full"),
		failed(1, 0, 1, "CUDA out of memory"),
	}
	rows := Options{OOMMarker: "RESOURCE_EXHAUSTED"}.Summarize(records)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].NOOM)

	rows = Options{}.Summarize(records)
	assert.Zero(t, rows[0].NOOM)
	assert.Equal(t, 2, rows[0].NFail)
}
