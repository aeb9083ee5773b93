package workload

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/RedisAI/llmbench/stream"
)

// PayloadBuilder renders a request shape and its prompt text into the request
// body sent to the endpoint.
type PayloadBuilder interface {
	Build(cfg RequestConfig, text string) ([]byte, error)
}

// NewPayloadBuilder returns the builder for protocol p. model names the served
// model; fromModel selects the sampling parameters carried by the config over
// the greedy/temperature-1 defaults.
func NewPayloadBuilder(p stream.Protocol, model string, fromModel bool) (PayloadBuilder, error) {
	switch p {
	case stream.ProtocolVLLM:
		return VLLMPayload{Model: model, FromModel: fromModel}, nil
	case stream.ProtocolTGIS:
		return TGISPayload{ModelID: model, FromModel: fromModel}, nil
	}
	return nil, fmt.Errorf("invalid target %q", p)
}

type streamOptions struct {
	IncludeUsage         bool `json:"include_usage"`
	ContinuousUsageStats bool `json:"continuous_usage_stats"`
}

type completionRequest struct {
	Model                string         `json:"model"`
	Prompt               string         `json:"prompt"`
	IgnoreEOS            bool           `json:"ignore_eos"`
	MaxTokens            int            `json:"max_tokens"`
	Stream               bool           `json:"stream"`
	StreamOptions        *streamOptions `json:"stream_options,omitempty"`
	TruncatePromptTokens int            `json:"truncate_prompt_tokens,omitempty"`
	Temperature          float64        `json:"temperature"`
	TopK                 *int           `json:"top_k,omitempty"`
	TopP                 *float64       `json:"top_p,omitempty"`
}

// VLLMPayload builds OpenAI-compatible streaming completion requests that
// always generate exactly OutputTokens tokens.
type VLLMPayload struct {
	Model     string
	FromModel bool
}

func (p VLLMPayload) Build(cfg RequestConfig, text string) ([]byte, error) {
	req := completionRequest{
		Model:                p.Model,
		Prompt:               promptWords(text, cfg.InputTokens),
		IgnoreEOS:            true,
		MaxTokens:            cfg.OutputTokens,
		Stream:               true,
		StreamOptions:        &streamOptions{IncludeUsage: true, ContinuousUsageStats: true},
		TruncatePromptTokens: cfg.InputTokens,
	}
	switch {
	case !p.FromModel:
		if !cfg.IsGreedy {
			req.Temperature = 1.0
		}
	case cfg.IsGreedy || cfg.Temperature == 0:
		topK, topP := -1, 1.0
		req.TopK, req.TopP = &topK, &topP
	default:
		topK, topP := -1, cfg.TopP
		if cfg.TopK > 0 {
			topK = cfg.TopK
		}
		req.Temperature = cfg.Temperature
		req.TopK, req.TopP = &topK, &topP
	}
	return json.Marshal(req)
}

// TGISPayload builds fmaas generation requests with the minimum and maximum
// new tokens pinned to OutputTokens.
type TGISPayload struct {
	ModelID   string
	FromModel bool
}

func (p TGISPayload) Build(cfg RequestConfig, text string) ([]byte, error) {
	modelID := p.ModelID
	if modelID == "" {
		modelID = "null"
	}
	method := "SAMPLE"
	if cfg.IsGreedy {
		method = "GREEDY"
	}
	req := stream.GenerationRequest{
		ModelID: modelID,
		Request: stream.GenerationInput{Text: promptWords(text, cfg.InputTokens)},
		Params: stream.GenerationParams{
			Method: method,
			Stopping: stream.StoppingCriteria{
				MinNewTokens: uint32(cfg.OutputTokens),
				MaxNewTokens: uint32(cfg.OutputTokens),
			},
			Sampling:            stream.SamplingParams{Seed: DefaultSeed},
			TruncateInputTokens: uint32(cfg.InputTokens),
		},
	}
	if p.FromModel {
		req.Params.Sampling.Temperature = float32(cfg.Temperature)
		req.Params.Sampling.TopK = uint32(max(cfg.TopK, 0))
		req.Params.Sampling.TopP = float32(cfg.TopP)
	}
	return json.Marshal(req)
}

// promptWords returns the last n whitespace-separated words of text, repeating
// the text when it is shorter than n words.
func promptWords(text string, n int) string {
	words := strings.Fields(text)
	if len(words) == 0 || n <= 0 {
		return text
	}
	for len(words) < n {
		words = append(words, words...)
	}
	return strings.Join(words[len(words)-n:], " ")
}

// TextSource cycles through prompt texts.
type TextSource struct {
	texts []string
	next  int
}

// NewTextSource returns a source cycling through texts, or through the
// built-in seed text when texts is empty.
func NewTextSource(texts []string) *TextSource {
	if len(texts) == 0 {
		texts = []string{seedText}
	}
	return &TextSource{texts: texts}
}

// LoadTextSource reads a JSON list of texts from path.
func LoadTextSource(path string) (*TextSource, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var texts []string
	if err := json.Unmarshal(b, &texts); err != nil {
		return nil, fmt.Errorf("decoding texts %s: %w", path, err)
	}
	if len(texts) == 0 {
		return nil, fmt.Errorf("%s holds no texts", path)
	}
	return NewTextSource(texts), nil
}

func (s *TextSource) Next() string {
	t := s.texts[s.next]
	s.next = (s.next + 1) % len(s.texts)
	return t
}

const seedText = `Artificial intelligence is the study of systems that perceive their
environment, reason about it and act to achieve goals. Early work focused on
symbolic reasoning: programs manipulated explicit rules and facts, proving
theorems, playing games and answering questions in narrow domains. These
systems were brittle outside the situations their authors anticipated, and the
cost of writing rules by hand limited how far they could grow. Statistical
methods changed the picture by learning behaviour from data. Instead of
encoding every rule, engineers collected examples and fit models whose
parameters captured regularities in the examples. Neural networks, loosely
inspired by biological neurons, proved especially flexible once large datasets
and parallel hardware became widely available. Deep networks with many layers
learned to recognise images, transcribe speech and translate between languages
with accuracy that earlier approaches could not reach. Language models are
neural networks trained to predict the next token of text given the tokens
before it. Trained on very large corpora, they absorb grammar, facts and styles
of writing, and they can be adapted to follow instructions, summarise
documents, write code and hold conversations. Serving such models efficiently
is an engineering problem of its own. A single request runs a prefill pass over
the whole prompt and then produces output one token at a time, each step
reading the model weights and a growing cache of attention keys and values.
Servers batch requests from many users together to keep accelerators busy,
schedule memory for the caches carefully and stream tokens back to clients as
soon as they are produced. The latency of the first token, the time between
later tokens and the total throughput under concurrent load are the numbers
that operators watch most closely when they size a deployment, compare
hardware or tune the serving engine.`
