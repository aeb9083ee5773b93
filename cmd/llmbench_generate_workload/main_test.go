package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/RedisAI/llmbench/workload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTokenRange(t *testing.T) {
	cases := []struct {
		min, max int
		want     bool
	}{
		{1, 1, true},
		{10, 20, true},
		{0, 5, false},
		{6, 5, false},
	}
	for _, c := range cases {
		ok, err := validateTokenRange("input", c.min, c.max)
		assert.Equal(t, c.want, ok)
		if c.want {
			assert.NoError(t, err)
		} else {
			assert.Error(t, err)
		}
	}
}

func TestValidateTarget(t *testing.T) {
	assert.True(t, validateTarget("vllm"))
	assert.True(t, validateTarget("tgis"))
	assert.False(t, validateTarget("triton"))
}

func TestSamplingModel(t *testing.T) {
	fromModel, sampleSize = false, 5
	minInputTokens, maxInputTokens, minOutputTokens, maxOutputTokens, fracGreedy = 3, 3, 7, 7, 1
	m, err := samplingModel()
	require.NoError(t, err)
	configs := m.Sample(5)
	require.Len(t, configs, 5)
	for _, c := range configs {
		assert.Equal(t, 3, c.InputTokens)
		assert.Equal(t, 7, c.OutputTokens)
		assert.True(t, c.IsGreedy)
	}

	fracGreedy = 2
	_, err = samplingModel()
	assert.Error(t, err)
	fracGreedy = 0

	fromModel, histogramFile = true, ""
	_, err = samplingModel()
	assert.Error(t, err)
	fromModel = false
}

func TestRunSkipsExistingPool(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.json")
	require.NoError(t, workload.Save(path, nil))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	url, outputFileName, target, overwrite = "http://127.0.0.1:1/v1/completions", path, "vllm", false
	require.NoError(t, run(context.Background()))
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	target = "triton"
	assert.Error(t, run(context.Background()))
	url, outputFileName, target = "", "", "vllm"
}

func TestEnvVarsNameFlags(t *testing.T) {
	for name, env := range envVars {
		assert.NotNil(t, rootCmd.Flags().Lookup(name), env)
	}
}
