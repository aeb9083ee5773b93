package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/RedisAI/llmbench/inference"
	"github.com/RedisAI/llmbench/report"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Supported SQL drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id VARCHAR(64) PRIMARY KEY,
		name TEXT NOT NULL,
		target TEXT NOT NULL,
		repetition INTEGER NOT NULL,
		started_at VARCHAR(64) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS summaries (
		run_id VARCHAR(64) NOT NULL REFERENCES runs(id),
		num_users INTEGER NOT NULL,
		n_requests INTEGER NOT NULL,
		n_fail INTEGER NOT NULL,
		n_oom INTEGER NOT NULL,
		n_toks INTEGER NOT NULL,
		n_exclude INTEGER NOT NULL,
		consistent_pct DOUBLE PRECISION,
		throughput DOUBLE PRECISION,
		latency_prefill_ms DOUBLE PRECISION,
		latency_nexttoken_ms DOUBLE PRECISION,
		latency_e2e_ms DOUBLE PRECISION,
		PRIMARY KEY (run_id, num_users)
	)`,
	`CREATE TABLE IF NOT EXISTS records (
		run_id VARCHAR(64) NOT NULL REFERENCES runs(id),
		num_users INTEGER NOT NULL,
		worker_idx INTEGER NOT NULL,
		request_idx INTEGER NOT NULL,
		response_idx INTEGER NOT NULL,
		sample_idx INTEGER NOT NULL,
		ts BIGINT NOT NULL,
		duration_ms DOUBLE PRECISION NOT NULL,
		ok BOOLEAN NOT NULL,
		error TEXT NOT NULL,
		exclude BOOLEAN NOT NULL,
		n_tokens INTEGER NOT NULL,
		consistent BOOLEAN NOT NULL
	)`,
}

// SQLSink stores runs, summaries and records in a SQLite, PostgreSQL or MySQL
// database.
type SQLSink struct {
	db     *sql.DB
	driver string
}

// NewSQLSink opens dsn with driver.
func NewSQLSink(driver, dsn string) (*SQLSink, error) {
	switch driver {
	case DriverSQLite, DriverPostgres, DriverMySQL:
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		// sqlite serializes writers
		db.SetMaxOpenConns(1)
	}
	return &SQLSink{db: db, driver: driver}, nil
}

// rebind rewrites ? placeholders for drivers that number them.
func (s *SQLSink) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLSink) Init(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
	}
	return nil
}

func (s *SQLSink) Write(ctx context.Context, run Run, rows []report.SummaryRow, records []inference.RequestRecord) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	id := run.ID.String()
	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO runs (id, name, target, repetition, started_at) VALUES (?, ?, ?, ?, ?)`),
		id, run.Name, run.Target, run.Repetition, run.StartedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}

	summary, err := tx.PrepareContext(ctx, s.rebind(`INSERT INTO summaries (run_id, num_users, n_requests, n_fail, n_oom,
		n_toks, n_exclude, consistent_pct, throughput, latency_prefill_ms, latency_nexttoken_ms, latency_e2e_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return err
	}
	defer summary.Close()
	for _, r := range rows {
		_, err = summary.ExecContext(ctx, id, r.NumUsers, r.NRequests, r.NFail, r.NOOM, r.NToks, r.NExclude,
			nullable(r.ConsistentPct), nullable(r.Throughput), nullable(r.LatencyPrefillMs),
			nullable(r.LatencyNextTokenMs), nullable(r.LatencyE2EMs))
		if err != nil {
			return fmt.Errorf("inserting summary: %w", err)
		}
	}

	record, err := tx.PrepareContext(ctx, s.rebind(`INSERT INTO records (run_id, num_users, worker_idx, request_idx,
		response_idx, sample_idx, ts, duration_ms, ok, error, exclude, n_tokens, consistent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return err
	}
	defer record.Close()
	for _, r := range records {
		_, err = record.ExecContext(ctx, id, r.ExpNumUsers, r.WorkerIdx, r.RequestIdx, r.ResponseIdx, r.SampleIdx,
			r.Timestamp, r.DurationMs, r.OK, r.Error, r.Exclude, r.NTokens, r.Consistent)
		if err != nil {
			return fmt.Errorf("inserting record: %w", err)
		}
	}
	return tx.Commit()
}

func nullable(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

// Summaries reads back the summary rows of a run, ordered by user count.
func (s *SQLSink) Summaries(ctx context.Context, run Run) ([]report.SummaryRow, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT num_users, n_requests, n_fail, n_oom, n_toks, n_exclude,
		consistent_pct, throughput, latency_prefill_ms, latency_nexttoken_ms, latency_e2e_ms
		FROM summaries WHERE run_id = ? ORDER BY num_users`), run.ID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []report.SummaryRow
	for rows.Next() {
		var r report.SummaryRow
		var pct, tput, prefill, next, e2e sql.NullFloat64
		if err := rows.Scan(&r.NumUsers, &r.NRequests, &r.NFail, &r.NOOM, &r.NToks, &r.NExclude,
			&pct, &tput, &prefill, &next, &e2e); err != nil {
			return nil, err
		}
		r.ConsistentPct, r.Throughput = ptr(pct), ptr(tput)
		r.LatencyPrefillMs, r.LatencyNextTokenMs, r.LatencyE2EMs = ptr(prefill), ptr(next), ptr(e2e)
		out = append(out, r)
	}
	return out, rows.Err()
}

func ptr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func (s *SQLSink) Close() error {
	return s.db.Close()
}
