package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/RedisAI/llmbench/inference"
	"github.com/RedisAI/llmbench/report"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixture() (Run, []report.SummaryRow, []inference.RequestRecord) {
	records := []inference.RequestRecord{
		{ExpNumUsers: 1, ExpDuration: 10, OK: true, NTokens: 1, DurationMs: 100, Consistent: true, Timestamp: 5},
		{ExpNumUsers: 1, ExpDuration: 10, OK: true, NTokens: 1, DurationMs: 10, ResponseIdx: 1, Consistent: true, Timestamp: 6},
		{ExpNumUsers: 2, ExpDuration: 10, Error: "boom"},
	}
	return NewRun("sweep", "vllm", 3), report.Summarize(records), records
}

func TestFileSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	sink := FileSink{Dir: dir}
	run, rows, records := fixture()
	require.NoError(t, sink.Init(context.Background()))
	require.NoError(t, sink.Write(context.Background(), run, rows, records))

	csvData, err := os.ReadFile(SummaryPath(dir, 3))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(csvData)), "\n")
	assert.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "num_users,"))

	env, err := inference.ReadEnvelope(RecordsPath(dir, 3))
	require.NoError(t, err)
	assert.Equal(t, records, env.Results)
}

func TestSQLSinkSQLite(t *testing.T) {
	sink, err := NewSQLSink(DriverSQLite, filepath.Join(t.TempDir(), "bench.db"))
	require.NoError(t, err)
	defer sink.Close()
	ctx := context.Background()

	require.NoError(t, sink.Init(ctx))
	require.NoError(t, sink.Init(ctx))
	run, rows, records := fixture()
	require.NoError(t, sink.Write(ctx, run, rows, records))

	got, err := sink.Summaries(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, rows, got)

	var n int
	require.NoError(t, sink.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records WHERE run_id = ?", run.ID.String()).Scan(&n))
	assert.Equal(t, 3, n)

	// the same run cannot be written twice
	assert.Error(t, sink.Write(ctx, run, rows, records))
}

func TestSQLRebind(t *testing.T) {
	pg := &SQLSink{driver: DriverPostgres}
	assert.Equal(t, "INSERT INTO t VALUES ($1, $2, $3)", pg.rebind("INSERT INTO t VALUES (?, ?, ?)"))
	lite := &SQLSink{driver: DriverSQLite}
	assert.Equal(t, "SELECT ?", lite.rebind("SELECT ?"))

	my := &SQLSink{driver: DriverMySQL}
	assert.Equal(t, "SELECT ?", my.rebind("SELECT ?"))

	_, err := NewSQLSink("oracle", "")
	assert.Error(t, err)
}

func TestRedisFields(t *testing.T) {
	run, _, records := fixture()
	run.StartedAt = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	fields := runFields(run, records)
	assert.Equal(t, "sweep", fields["name"])
	assert.Equal(t, "3", fields["repetition"])
	assert.Equal(t, "3", fields["records"])
	assert.Equal(t, "1", fields["failed"])
	assert.Equal(t, "2024-05-01T12:00:00Z", fields["started_at"])
	assert.Equal(t, "llmbench:run:"+run.ID.String()+":summary", summaryKey(run))
}

func TestRedisSinkUnreachable(t *testing.T) {
	sink := NewRedisSink(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	defer sink.Close()
	run, rows, records := fixture()
	assert.Error(t, sink.Init(context.Background()))
	assert.Error(t, sink.Write(context.Background(), run, rows, records))
}

type countingSink struct {
	inits, writes int32
	err           error
}

func (s *countingSink) Init(context.Context) error { atomic.AddInt32(&s.inits, 1); return nil }

func (s *countingSink) Write(context.Context, Run, []report.SummaryRow, []inference.RequestRecord) error {
	atomic.AddInt32(&s.writes, 1)
	return s.err
}

func TestMultiSink(t *testing.T) {
	a, b := &countingSink{}, &countingSink{err: errors.New("disk full")}
	m := MultiSink{a, b}
	require.NoError(t, m.Init(context.Background()))
	run, rows, records := fixture()
	err := m.Write(context.Background(), run, rows, records)
	assert.EqualError(t, err, "disk full")
	assert.EqualValues(t, 1, a.inits)
	assert.EqualValues(t, 1, a.writes)
	assert.EqualValues(t, 1, b.writes)
	assert.NoError(t, m.Close())
}
