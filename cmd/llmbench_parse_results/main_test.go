package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/RedisAI/llmbench/inference"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeResults(t *testing.T, users int) string {
	path := filepath.Join(t.TempDir(), "results.json")
	require.NoError(t, inference.WriteEnvelope(path, &inference.Envelope{Results: []inference.RequestRecord{
		{ExpNumUsers: users, ExpDuration: 10, OK: true, NTokens: 1, DurationMs: 40, Consistent: true},
		{ExpNumUsers: users, ExpDuration: 10, OK: true, NTokens: 1, DurationMs: 10, ResponseIdx: 1, Consistent: true},
		{ExpNumUsers: users, ExpDuration: 10, RequestIdx: 1, Error: "CUDA out of memory"},
	}}))
	return path
}

func TestParseCSV(t *testing.T) {
	format, distributions, oomMarker = formatCSV, false, "out of memory"
	var buf bytes.Buffer
	require.NoError(t, parse(&buf, []string{writeResults(t, 1), writeResults(t, 4)}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "num_users,n_requests,n_fail,n_oom"))
	assert.True(t, strings.HasPrefix(lines[1], "1,2,1,1,2,0,"))
	assert.True(t, strings.HasPrefix(lines[2], "4,2,1,1,2,0,"))
}

func TestParseTableWithDistributions(t *testing.T) {
	format, distributions = formatTable, true
	var buf bytes.Buffer
	require.NoError(t, parse(&buf, []string{writeResults(t, 2)}))
	assert.Contains(t, buf.String(), "2 users:")
	assert.Contains(t, buf.String(), "prefill:")
	distributions = false
}

func TestParseMissingFile(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, parse(&buf, []string{filepath.Join(t.TempDir(), "nope.json")}))
}

func TestValidateFormat(t *testing.T) {
	assert.True(t, validateFormat("csv"))
	assert.False(t, validateFormat("xlsx"))
}
