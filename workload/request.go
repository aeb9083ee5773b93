package workload

import (
	"encoding/json"

	"github.com/RedisAI/llmbench/stream"
)

// RequestConfig describes the shape of one request drawn from a SamplingModel.
type RequestConfig struct {
	InputTokens  int     `json:"in_tokens" yaml:"in_tokens"`
	OutputTokens int     `json:"out_tokens" yaml:"out_tokens"`
	IsGreedy     bool    `json:"is_greedy" yaml:"is_greedy"`
	Temperature  float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopK         int     `json:"top_k,omitempty" yaml:"top_k,omitempty"`
	TopP         float64 `json:"top_p,omitempty" yaml:"top_p,omitempty"`
}

// SampledRequest is a pre-built request payload together with the events the
// endpoint produced for it when the workload was generated.
type SampledRequest struct {
	Config   RequestConfig          `json:"config"`
	Request  json.RawMessage        `json:"request"`
	Expected []stream.ResponseEvent `json:"expected"`
}
