package workload

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/RedisAI/llmbench/stream"
	"github.com/sirupsen/logrus"
)

// Generator builds a request pool by issuing each sampled request once against
// a live endpoint and recording the events it produced.
type Generator struct {
	Client   stream.Client
	Protocol stream.Protocol
	Model    SamplingModel
	Builder  PayloadBuilder
	Texts    *TextSource
}

// Generate samples n request shapes and records them. Requests that fail are
// logged and left out of the pool.
func (g *Generator) Generate(ctx context.Context, n int) ([]SampledRequest, error) {
	texts := g.Texts
	if texts == nil {
		texts = NewTextSource(nil)
	}
	configs := g.Model.Sample(n)
	cases := make([]SampledRequest, 0, len(configs))
	for i, cfg := range configs {
		if err := ctx.Err(); err != nil {
			return cases, err
		}
		payload, err := g.Builder.Build(cfg, texts.Next())
		if err != nil {
			return cases, err
		}
		expected, err := g.record(ctx, payload)
		if err == nil && g.Protocol == stream.ProtocolVLLM && len(expected) != cfg.OutputTokens {
			err = fmt.Errorf("got %d output events, expected %d", len(expected), cfg.OutputTokens)
		}
		if err != nil {
			logrus.Warnf("sample %d (in=%d out=%d greedy=%t) failed: %v", i, cfg.InputTokens, cfg.OutputTokens, cfg.IsGreedy, err)
			continue
		}
		logrus.Debugf("sample %d: in=%d out=%d greedy=%t events=%d", i, cfg.InputTokens, cfg.OutputTokens, cfg.IsGreedy, len(expected))
		cases = append(cases, SampledRequest{Config: cfg, Request: payload, Expected: expected})
	}
	return cases, nil
}

func (g *Generator) record(ctx context.Context, payload []byte) ([]stream.ResponseEvent, error) {
	d, err := g.Client.Send(ctx, payload)
	if err != nil {
		return nil, err
	}
	defer d.Close()
	var expected []stream.ResponseEvent
	for {
		res := d.Next()
		if !res.OK {
			if errors.Is(res.Err, stream.ErrEndOfStream) {
				return expected, nil
			}
			return nil, res.Err
		}
		expected = append(expected, *res.Event)
	}
}

// GenerateFile writes a pool of n requests to path. An existing file is kept
// unless overwrite is set.
func (g *Generator) GenerateFile(ctx context.Context, path string, n int, overwrite bool) error {
	if _, err := os.Stat(path); err == nil && !overwrite {
		logrus.Infof("file %s already exists; skipping workload generation", path)
		return nil
	}
	cases, err := g.Generate(ctx, n)
	if err != nil {
		return err
	}
	if len(cases) == 0 {
		return fmt.Errorf("none of the %d sampled requests succeeded", n)
	}
	logrus.Infof("writing %d requests to %s", len(cases), path)
	return Save(path, cases)
}
