package stream

import (
	"errors"
	"fmt"
	"io"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// StopReason mirrors the fmaas.StopReason enum.
type StopReason int32

const (
	StopNotFinished StopReason = iota
	StopMaxTokens
	StopEOSToken
	StopCancelled
	StopTimeLimit
	StopSequence
	StopTokenLimit
	StopError
)

var stopReasonNames = map[StopReason]string{
	StopNotFinished: "NOT_FINISHED",
	StopMaxTokens:   "MAX_TOKENS",
	StopEOSToken:    "EOS_TOKEN",
	StopCancelled:   "CANCELLED",
	StopTimeLimit:   "TIME_LIMIT",
	StopSequence:    "STOP_SEQUENCE",
	StopTokenLimit:  "TOKEN_LIMIT",
	StopError:       "ERROR",
}

func (s StopReason) String() string {
	if name, ok := stopReasonNames[s]; ok {
		return name
	}
	return fmt.Sprintf("StopReason(%d)", int32(s))
}

// GenerationResponse is one frame of a fmaas GenerateStream response.
type GenerationResponse struct {
	InputTokenCount     uint32
	GeneratedTokenCount uint32
	Text                string
	StopReason          StopReason
	StopSequence        string
	Seed                uint64

	hasInputTokenCount bool
}

// UnmarshalGenerationResponse decodes the protobuf wire form of a GenerationResponse.
// Unknown fields are skipped.
func UnmarshalGenerationResponse(b []byte) (*GenerationResponse, error) {
	var r GenerationResponse
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 2 && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			r.GeneratedTokenCount = uint32(v)
		case num == 4 && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			r.Text = string(v)
		case num == 6 && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			r.InputTokenCount = uint32(v)
			r.hasInputTokenCount = true
		case num == 7 && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			r.StopReason = StopReason(v)
		case num == 10 && typ == protowire.VarintType:
			r.Seed, n = protowire.ConsumeVarint(b)
		case num == 11 && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			r.StopSequence = string(v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
	}
	return &r, nil
}

// Marshal encodes the response in protobuf wire form.
func (r *GenerationResponse) Marshal() []byte {
	var b []byte
	if r.GeneratedTokenCount != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.GeneratedTokenCount))
	}
	if r.Text != "" {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendString(b, r.Text)
	}
	if r.InputTokenCount != 0 {
		b = protowire.AppendTag(b, 6, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.InputTokenCount))
	}
	if r.StopReason != StopNotFinished {
		b = protowire.AppendTag(b, 7, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.StopReason))
	}
	if r.Seed != 0 {
		b = protowire.AppendTag(b, 10, protowire.VarintType)
		b = protowire.AppendVarint(b, r.Seed)
	}
	if r.StopSequence != "" {
		b = protowire.AppendTag(b, 11, protowire.BytesType)
		b = protowire.AppendString(b, r.StopSequence)
	}
	return b
}

// GenerationRequest is the JSON form of a fmaas SingleGenerationRequest as
// stored in a request pool.
type GenerationRequest struct {
	ModelID  string           `json:"model_id"`
	PrefixID string           `json:"prefix_id,omitempty"`
	Request  GenerationInput  `json:"request"`
	Params   GenerationParams `json:"params"`
}

type GenerationInput struct {
	Text string `json:"text"`
}

type GenerationParams struct {
	Method              string           `json:"method"`
	Sampling            SamplingParams   `json:"sampling"`
	Stopping            StoppingCriteria `json:"stopping"`
	TruncateInputTokens uint32           `json:"truncate_input_tokens,omitempty"`
}

type SamplingParams struct {
	Temperature float32 `json:"temperature,omitempty"`
	TopK        uint32  `json:"top_k,omitempty"`
	TopP        float32 `json:"top_p,omitempty"`
	TypicalP    float32 `json:"typical_p,omitempty"`
	Seed        uint64  `json:"seed,omitempty"`
}

type StoppingCriteria struct {
	MaxNewTokens    uint32   `json:"max_new_tokens,omitempty"`
	MinNewTokens    uint32   `json:"min_new_tokens,omitempty"`
	TimeLimitMillis uint32   `json:"time_limit_millis,omitempty"`
	StopSequences   []string `json:"stop_sequences,omitempty"`
}

var decodingMethods = map[string]uint64{
	"":       0,
	"GREEDY": 0,
	"SAMPLE": 1,
}

// Marshal encodes the request as a fmaas SingleGenerationRequest.
func (g *GenerationRequest) Marshal() ([]byte, error) {
	method, ok := decodingMethods[g.Params.Method]
	if !ok {
		return nil, fmt.Errorf("unknown decoding method %q", g.Params.Method)
	}
	var b []byte
	b = appendString(b, 1, g.ModelID)
	b = appendString(b, 2, g.PrefixID)

	var input []byte
	input = appendString(input, 2, g.Request.Text)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, input)

	var sampling []byte
	sampling = appendFloat(sampling, 1, g.Params.Sampling.Temperature)
	sampling = appendVarint(sampling, 2, uint64(g.Params.Sampling.TopK))
	sampling = appendFloat(sampling, 3, g.Params.Sampling.TopP)
	sampling = appendFloat(sampling, 4, g.Params.Sampling.TypicalP)
	sampling = appendVarint(sampling, 5, g.Params.Sampling.Seed)

	var stopping []byte
	stopping = appendVarint(stopping, 1, uint64(g.Params.Stopping.MaxNewTokens))
	stopping = appendVarint(stopping, 2, uint64(g.Params.Stopping.MinNewTokens))
	stopping = appendVarint(stopping, 3, uint64(g.Params.Stopping.TimeLimitMillis))
	for _, s := range g.Params.Stopping.StopSequences {
		stopping = protowire.AppendTag(stopping, 4, protowire.BytesType)
		stopping = protowire.AppendString(stopping, s)
	}

	var params []byte
	params = appendVarint(params, 1, method)
	params = protowire.AppendTag(params, 2, protowire.BytesType)
	params = protowire.AppendBytes(params, sampling)
	params = protowire.AppendTag(params, 3, protowire.BytesType)
	params = protowire.AppendBytes(params, stopping)
	params = appendVarint(params, 6, uint64(g.Params.TruncateInputTokens))

	b = protowire.AppendTag(b, 10, protowire.BytesType)
	b = protowire.AppendBytes(b, params)
	return b, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendFloat(b []byte, num protowire.Number, f float32) []byte {
	if f == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(f))
}

// FrameReceiver yields raw protobuf frames of a server stream. io.EOF marks
// the normal end of the stream.
type FrameReceiver interface {
	Recv() ([]byte, error)
}

type generationDecoder struct {
	frames  FrameReceiver
	closer  func()
	started bool
	done    bool
}

// NewGenerationDecoder returns a Decoder over a stream of GenerationResponse
// frames. closer, when non-nil, is called once the stream ends.
func NewGenerationDecoder(frames FrameReceiver, closer func()) Decoder {
	return &generationDecoder{frames: frames, closer: closer}
}

func (d *generationDecoder) Next() Result {
	for !d.done {
		frame, err := d.frames.Recv()
		if err != nil {
			d.finish()
			if errors.Is(err, io.EOF) {
				return endOfStream()
			}
			return failure(err)
		}
		resp, err := UnmarshalGenerationResponse(frame)
		if err != nil {
			d.finish()
			return failure(fmt.Errorf("decoding generation response: %w", err))
		}
		if !d.started {
			d.started = true
			if resp.hasInputTokenCount {
				continue
			}
		}

		ev := &ResponseEvent{
			Text:            resp.Text,
			GeneratedTokens: int(resp.GeneratedTokenCount),
		}
		if resp.StopReason != StopNotFinished {
			reason := resp.StopReason.String()
			ev.FinishReason = &reason
		}
		if resp.StopSequence != "" {
			ev.StopReason = resp.StopSequence
		}
		return Result{Event: ev, Tokens: 1, Timestamp: now(), OK: true}
	}
	return endOfStream()
}

func (d *generationDecoder) finish() {
	if d.done {
		return
	}
	d.done = true
	if d.closer != nil {
		d.closer()
	}
}

func (d *generationDecoder) Close() error {
	d.finish()
	return nil
}
