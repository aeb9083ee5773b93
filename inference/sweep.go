package inference

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/RedisAI/llmbench/stream"
	"github.com/RedisAI/llmbench/workload"
	"github.com/sirupsen/logrus"
)

// Sweep runs one experiment per user count in users, writing each level's
// envelope to OutputDir/result_sweep_u<N>.json and returning the accumulated
// records. Energy readings are keyed by user count.
func Sweep(ctx context.Context, cfg Config, users []int, client stream.Client, pool []workload.SampledRequest, opts ...RunnerOption) (*Envelope, error) {
	all := &Envelope{Results: []RequestRecord{}, Energy: map[string]interface{}{}}
	for _, u := range users {
		if err := ctx.Err(); err != nil {
			return all, err
		}
		levelCfg := cfg
		levelCfg.NumUsers = u
		runner, err := NewRunner(levelCfg, client, pool, opts...)
		if err != nil {
			return all, err
		}
		logrus.Infof("running sweep level with %d users", u)
		env, err := runner.Run(ctx)
		if err != nil {
			return all, fmt.Errorf("sweep level %d users: %w", u, err)
		}
		path := filepath.Join(levelCfg.OutputDir, fmt.Sprintf("result_sweep_u%d.json", u))
		if err := WriteEnvelope(path, env); err != nil {
			return all, err
		}
		all.Results = append(all.Results, env.Results...)
		if len(env.Energy) > 0 {
			all.Energy[strconv.Itoa(u)] = env.Energy
		}
	}
	return all, nil
}
