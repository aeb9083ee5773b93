package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunConfig(t *testing.T) {
	numUsers, duration, outputDir = 4, 30*time.Second, "out"
	cfg, err := runConfig()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.NumUsers)
	assert.Equal(t, 30*time.Second, cfg.Duration)
	assert.Equal(t, "out", cfg.OutputDir)

	numUsers = 0
	_, err = runConfig()
	assert.Error(t, err)
	numUsers, duration = 1, 0
	_, err = runConfig()
	assert.Error(t, err)
	duration = time.Second
}

func TestEnergyCollector(t *testing.T) {
	promURL = ""
	c, err := energyCollector()
	require.NoError(t, err)
	assert.Nil(t, c)

	promURL, promStep = "http://prometheus:9090", 15
	c, err = energyCollector()
	require.NoError(t, err)
	assert.NotNil(t, c)

	metricsList = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = energyCollector()
	assert.Error(t, err)
	promURL, metricsList = "", ""
}

func TestRunRequiresEndpointAndPool(t *testing.T) {
	url, requestsFile = "", ""
	assert.ErrorContains(t, run(context.Background()), "--url")

	url = "http://localhost:8000/v1/completions"
	assert.ErrorContains(t, run(context.Background()), "--requests-file")

	requestsFile, target = filepath.Join(t.TempDir(), "pool.json"), "triton"
	assert.Error(t, run(context.Background()))

	target, sweepUsers = "vllm", []int{1, 0}
	assert.ErrorContains(t, run(context.Background()), "--sweep-users")

	sweepUsers = nil
	assert.Error(t, run(context.Background()), "missing pool file")
	url, requestsFile = "", ""
}

func TestEnvVarsNameFlags(t *testing.T) {
	for name, env := range envVars {
		assert.NotNil(t, rootCmd.Flags().Lookup(name), env)
	}
}
