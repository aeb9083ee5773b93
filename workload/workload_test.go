package workload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/RedisAI/llmbench/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUniformModel(t *testing.T) {
	m, err := NewUniformModel(10, 20, 5, 5, 0.5, DefaultSeed)
	require.NoError(t, err)
	samples := m.Sample(200)
	require.Len(t, samples, 200)
	greedy := 0
	for _, s := range samples {
		assert.GreaterOrEqual(t, s.InputTokens, 10)
		assert.LessOrEqual(t, s.InputTokens, 20)
		assert.Equal(t, 5, s.OutputTokens)
		if s.IsGreedy {
			greedy++
		}
	}
	assert.Greater(t, greedy, 50)
	assert.Less(t, greedy, 150)

	again, err := NewUniformModel(10, 20, 5, 5, 0.5, DefaultSeed)
	require.NoError(t, err)
	assert.Equal(t, samples, again.Sample(200))
}

func TestUniformModelValidation(t *testing.T) {
	for _, tt := range []struct {
		minIn, maxIn, minOut, maxOut int
		frac                         float64
	}{
		{0, 10, 1, 1, 0},
		{5, 4, 1, 1, 0},
		{1, 1, 3, 2, 0},
		{1, 1, 1, 1, 1.5},
	} {
		_, err := NewUniformModel(tt.minIn, tt.maxIn, tt.minOut, tt.maxOut, tt.frac, 1)
		assert.Error(t, err, "%+v", tt)
	}
}

func TestHistogramModel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.json")
	artifact := `{"bins":[
		{"probability":0,"input_token_count":999,"generated_token_count":999,"is_greedy":1},
		{"probability":3,"input_token_count":100.4,"generated_token_count":20,"is_greedy":0,"params.temperature":0.7,"params.top_k":50,"params.top_p":0.9},
		{"probability":1,"input_token_count":10,"generated_token_count":5,"is_greedy":1}
	]}`
	require.NoError(t, os.WriteFile(path, []byte(artifact), 0o644))

	m, err := LoadHistogramModel(path, DefaultSeed)
	require.NoError(t, err)
	counts := map[int]int{}
	for _, s := range m.Sample(400) {
		counts[s.InputTokens]++
		if s.InputTokens == 100 {
			assert.False(t, s.IsGreedy)
			assert.Equal(t, 50, s.TopK)
			assert.InDelta(t, 0.7, s.Temperature, 1e-9)
		} else {
			assert.True(t, s.IsGreedy)
		}
	}
	assert.Zero(t, counts[999])
	assert.Greater(t, counts[100], counts[10])

	_, err = NewHistogramModel(nil, 1)
	assert.Error(t, err)
	_, err = NewHistogramModel([]HistogramBin{{Probability: 0}}, 1)
	assert.Error(t, err)
}

func TestSaveAndLoadPool(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requests", "pool.json")
	finish := "length"
	pool := []SampledRequest{
		{Config: RequestConfig{InputTokens: 3, OutputTokens: 2}, Request: json.RawMessage(`{"prompt":"a b c"}`),
			Expected: []stream.ResponseEvent{{Text: "x"}, {Text: "y", FinishReason: &finish}}},
		{Config: RequestConfig{InputTokens: 1, OutputTokens: 1}, Request: json.RawMessage(`{"prompt":"a"}`)},
		{Config: RequestConfig{InputTokens: 2, OutputTokens: 1}, Request: json.RawMessage(`{"prompt":"a b"}`)},
	}
	require.NoError(t, Save(path, pool))

	loaded, err := Load(path, 0)
	require.NoError(t, err)
	require.Len(t, loaded, 3)
	assert.Equal(t, "y", loaded[0].Expected[1].Text)
	assert.JSONEq(t, `{"prompt":"a b"}`, string(loaded[2].Request))

	limited, err := Load(path, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestLoadRejectsBadPools(t *testing.T) {
	dir := t.TempDir()
	for name, content := range map[string]string{
		"object.json": `{"config":{}}`,
		"empty.json":  `[]`,
		"broken.json": `[{"config":`,
	} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		_, err := Load(path, 0)
		assert.Error(t, err, name)
	}
	_, err := Load(filepath.Join(dir, "missing.json"), 0)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestVLLMPayload(t *testing.T) {
	b, err := VLLMPayload{Model: "m"}.Build(RequestConfig{InputTokens: 3, OutputTokens: 7, IsGreedy: false}, "one two three four five")
	require.NoError(t, err)
	var req map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &req))
	assert.Equal(t, "three four five", req["prompt"])
	assert.Equal(t, true, req["ignore_eos"])
	assert.Equal(t, true, req["stream"])
	assert.EqualValues(t, 7, req["max_tokens"])
	assert.EqualValues(t, 1, req["temperature"])
	assert.NotContains(t, req, "top_k")

	b, err = VLLMPayload{Model: "m", FromModel: true}.Build(RequestConfig{InputTokens: 2, OutputTokens: 1, Temperature: 0.5, TopP: 0.8}, "a")
	require.NoError(t, err)
	req = nil
	require.NoError(t, json.Unmarshal(b, &req))
	assert.Equal(t, "a a", req["prompt"])
	assert.EqualValues(t, -1, req["top_k"])
	assert.EqualValues(t, 0.8, req["top_p"])
}

func TestTGISPayload(t *testing.T) {
	b, err := TGISPayload{}.Build(RequestConfig{InputTokens: 4, OutputTokens: 9, IsGreedy: true}, "hello world")
	require.NoError(t, err)
	var req stream.GenerationRequest
	require.NoError(t, json.Unmarshal(b, &req))
	assert.Equal(t, "null", req.ModelID)
	assert.Equal(t, "GREEDY", req.Params.Method)
	assert.EqualValues(t, 9, req.Params.Stopping.MinNewTokens)
	assert.EqualValues(t, 9, req.Params.Stopping.MaxNewTokens)
	assert.EqualValues(t, 4, req.Params.TruncateInputTokens)
	assert.EqualValues(t, DefaultSeed, req.Params.Sampling.Seed)
}

// cannedClient answers every request with n tokens over an event stream, or
// fails when the payload contains "fail".
type cannedClient struct {
	n     int
	calls int
}

func (c *cannedClient) Send(_ context.Context, payload []byte) (stream.Decoder, error) {
	c.calls++
	if strings.Contains(string(payload), "fail") {
		return nil, errors.New("connection refused")
	}
	var sb strings.Builder
	for i := 1; i <= c.n; i++ {
		finish := "null"
		if i == c.n {
			finish = `"length"`
		}
		fmt.Fprintf(&sb, "data: {\"choices\":[{\"index\":0,\"text\":\"t%d\",\"finish_reason\":%s}],\"usage\":{\"completion_tokens\":%d}}\n", i, finish, i)
	}
	sb.WriteString("data: [DONE]\n")
	return stream.NewEventStreamDecoder(io.NopCloser(strings.NewReader(sb.String()))), nil
}

func (c *cannedClient) Close() error { return nil }

func TestGeneratorRecordsExpectedEvents(t *testing.T) {
	model, err := NewUniformModel(4, 4, 3, 3, 1, DefaultSeed)
	require.NoError(t, err)
	client := &cannedClient{n: 3}
	g := &Generator{
		Client:   client,
		Protocol: stream.ProtocolVLLM,
		Model:    model,
		Builder:  VLLMPayload{Model: "m"},
		Texts:    NewTextSource([]string{"alpha beta", "fail now please"}),
	}
	cases, err := g.Generate(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, 4, client.calls)
	require.Len(t, cases, 2, "requests built from the failing text are dropped")
	for _, c := range cases {
		require.Len(t, c.Expected, 3)
		require.NotNil(t, c.Expected[2].FinishReason)
	}
}

func TestGeneratorRejectsShortResponses(t *testing.T) {
	model, err := NewUniformModel(4, 4, 5, 5, 1, DefaultSeed)
	require.NoError(t, err)
	g := &Generator{Client: &cannedClient{n: 3}, Protocol: stream.ProtocolVLLM, Model: model, Builder: VLLMPayload{}}
	cases, err := g.Generate(context.Background(), 2)
	require.NoError(t, err)
	assert.Empty(t, cases)
}

func TestGenerateFileSkipsExisting(t *testing.T) {
	model, err := NewUniformModel(4, 4, 2, 2, 1, DefaultSeed)
	require.NoError(t, err)
	client := &cannedClient{n: 2}
	g := &Generator{Client: client, Protocol: stream.ProtocolVLLM, Model: model, Builder: VLLMPayload{}}

	path := filepath.Join(t.TempDir(), "pool.json")
	require.NoError(t, g.GenerateFile(context.Background(), path, 2, false))
	assert.Equal(t, 2, client.calls)

	require.NoError(t, g.GenerateFile(context.Background(), path, 2, false))
	assert.Equal(t, 2, client.calls)

	require.NoError(t, g.GenerateFile(context.Background(), path, 3, true))
	assert.Equal(t, 5, client.calls)
	pool, err := Load(path, 0)
	require.NoError(t, err)
	assert.Len(t, pool, 3)
}
