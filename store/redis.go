package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/RedisAI/llmbench/inference"
	"github.com/RedisAI/llmbench/report"
	"github.com/go-redis/redis/v8"
)

const redisPrefix = "llmbench"

// RedisSink keeps a hash per run, a list of JSON summary rows per run, and a
// sorted set of runs by start time.
type RedisSink struct {
	client *redis.Client
}

// NewRedisSink connects to the Redis server described by opts.
func NewRedisSink(opts *redis.Options) *RedisSink {
	return &RedisSink{client: redis.NewClient(opts)}
}

func runKey(run Run) string {
	return fmt.Sprintf("%s:run:%s", redisPrefix, run.ID)
}

func summaryKey(run Run) string {
	return runKey(run) + ":summary"
}

func runsKey() string {
	return redisPrefix + ":runs"
}

func runFields(run Run, records []inference.RequestRecord) map[string]interface{} {
	var failed int
	for _, r := range records {
		if !r.OK {
			failed++
		}
	}
	return map[string]interface{}{
		"name":       run.Name,
		"target":     run.Target,
		"repetition": strconv.Itoa(run.Repetition),
		"started_at": run.StartedAt.UTC().Format(time.RFC3339Nano),
		"records":    strconv.Itoa(len(records)),
		"failed":     strconv.Itoa(failed),
	}
}

func (s *RedisSink) Init(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisSink) Write(ctx context.Context, run Run, rows []report.SummaryRow, records []inference.RequestRecord) error {
	encoded := make([]interface{}, 0, len(rows))
	for _, r := range rows {
		b, err := json.Marshal(r)
		if err != nil {
			return err
		}
		encoded = append(encoded, string(b))
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, runKey(run), runFields(run, records))
		pipe.Del(ctx, summaryKey(run))
		if len(encoded) > 0 {
			pipe.RPush(ctx, summaryKey(run), encoded...)
		}
		pipe.ZAdd(ctx, runsKey(), &redis.Z{Score: float64(run.StartedAt.Unix()), Member: run.ID.String()})
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing run %s to redis: %w", run.ID, err)
	}
	return nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
