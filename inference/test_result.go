package inference

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/RedisAI/llmbench/stream"
)

// RequestRecord is one observed response event (or failure) of one request.
type RequestRecord struct {
	WorkerIdx   int                   `json:"worker_idx"`
	RequestIdx  int                   `json:"request_idx"`
	SampleIdx   int                   `json:"sample_idx"`
	ResponseIdx int                   `json:"response_idx"`
	Timestamp   int64                 `json:"timestamp"`
	DurationMs  float64               `json:"duration_ms"`
	ExpNumUsers int                   `json:"exp_num_users"`
	ExpDuration float64               `json:"exp_duration"`
	OK          bool                  `json:"ok"`
	Error       string                `json:"error"`
	Exclude     bool                  `json:"exclude"`
	NTokens     int                   `json:"n_tokens"`
	Consistent  bool                  `json:"consistent"`
	Response    *stream.ResponseEvent `json:"response"`
}

// RunInfo describes one load-generation experiment.
type RunInfo struct {
	Target         string  `json:"target"`
	Endpoint       string  `json:"endpoint"`
	NumUsers       int     `json:"num_users"`
	MaxRps         float64 `json:"max_rps,omitempty"`
	StartTime      int64   `json:"start_time"`
	EndTime        int64   `json:"end_time"`
	DurationMillis int64   `json:"duration_millis"`
	Requests       uint64  `json:"requests"`
	Tokens         uint64  `json:"tokens"`
}

// Envelope is the merged result of a run as printed on the last line of the
// load generator output.
type Envelope struct {
	Results []RequestRecord        `json:"results"`
	Energy  map[string]interface{} `json:"energy"`
	Run     *RunInfo               `json:"run,omitempty"`
}

// ParseEnvelope decodes an envelope. A bare JSON list of records, as written
// by user sweeps, is accepted too.
func ParseEnvelope(b []byte) (*Envelope, error) {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var records []RequestRecord
		if err := json.Unmarshal(b, &records); err != nil {
			return nil, err
		}
		return &Envelope{Results: records, Energy: map[string]interface{}{}}, nil
	}
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, err
	}
	if env.Results == nil {
		return nil, fmt.Errorf("envelope has no results")
	}
	if env.Energy == nil {
		env.Energy = map[string]interface{}{}
	}
	return &env, nil
}

// ReadEnvelope reads an envelope from path.
func ReadEnvelope(path string) (*Envelope, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	env, err := ParseEnvelope(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return env, nil
}

// WriteEnvelope writes env to path as a single line of JSON.
func WriteEnvelope(path string, env *Envelope) error {
	return writeJSON(path, env)
}

func writeJSON(path string, v interface{}) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	err = json.NewEncoder(w).Encode(v)
	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
