package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Protocol identifies the streaming wire protocol spoken by an inference endpoint.
type Protocol string

const (
	// ProtocolVLLM is an OpenAI-compatible completions API streaming server-sent events.
	ProtocolVLLM Protocol = "vllm"
	// ProtocolTGIS is the fmaas GenerationService gRPC server-streaming API.
	ProtocolTGIS Protocol = "tgis"
)

// ErrEndOfStream marks the normal end of a decoded response stream. It is not a failure.
var ErrEndOfStream = errors.New("end of stream")

// ParseProtocol maps a target name to a Protocol.
func ParseProtocol(s string) (Protocol, error) {
	switch Protocol(strings.ToLower(strings.TrimSpace(s))) {
	case ProtocolVLLM:
		return ProtocolVLLM, nil
	case ProtocolTGIS:
		return ProtocolTGIS, nil
	}
	return "", fmt.Errorf("invalid target %q (choices: %s, %s)", s, ProtocolVLLM, ProtocolTGIS)
}

// ResponseEvent is one decoded unit of server output: a single generated token,
// or the terminal event carrying the finish reason.
type ResponseEvent struct {
	Index           int         `json:"index"`
	Text            string      `json:"text"`
	FinishReason    *string     `json:"finish_reason"`
	StopReason      interface{} `json:"stop_reason"`
	Logprobs        interface{} `json:"logprobs,omitempty"`
	GeneratedTokens int         `json:"generated_tokens,omitempty"`
}

// Result is one step of a Decoder. Timestamp is in unix nanoseconds.
type Result struct {
	Event     *ResponseEvent
	Tokens    int
	Timestamp int64
	OK        bool
	Err       error
}

// Decoder yields the events of a single streamed response. Once a Result with
// OK=false has been returned the stream is over and every further call
// returns the ErrEndOfStream marker.
type Decoder interface {
	Next() Result
	Close() error
}

// Client issues one streaming request against an endpoint.
type Client interface {
	Send(ctx context.Context, payload []byte) (Decoder, error)
	Close() error
}

func now() int64 {
	return time.Now().UnixNano()
}

func endOfStream() Result {
	return Result{Timestamp: now(), Err: ErrEndOfStream}
}

func failure(err error) Result {
	return Result{Timestamp: now(), Err: err}
}
