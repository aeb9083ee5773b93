package workload

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sort"
)

// DefaultSeed seeds the sampling models so that generated workloads are reproducible.
const DefaultSeed = 42

// SamplingModel draws request shapes. Implementations need not be safe for
// concurrent use.
type SamplingModel interface {
	Sample(n int) []RequestConfig
}

// UniformModel draws input and output lengths uniformly from inclusive ranges,
// marking a request greedy with probability FracGreedy. Homogeneous workloads
// use equal bounds.
type UniformModel struct {
	MinInputTokens  int
	MaxInputTokens  int
	MinOutputTokens int
	MaxOutputTokens int
	FracGreedy      float64

	rng *rand.Rand
}

// NewUniformModel validates the bounds and returns a seeded UniformModel.
func NewUniformModel(minIn, maxIn, minOut, maxOut int, fracGreedy float64, seed int64) (*UniformModel, error) {
	if minIn < 1 || maxIn < minIn {
		return nil, fmt.Errorf("invalid input token range [%d, %d]", minIn, maxIn)
	}
	if minOut < 1 || maxOut < minOut {
		return nil, fmt.Errorf("invalid output token range [%d, %d]", minOut, maxOut)
	}
	if fracGreedy < 0 || fracGreedy > 1 {
		return nil, fmt.Errorf("frac greedy %v not in [0, 1]", fracGreedy)
	}
	return &UniformModel{
		MinInputTokens:  minIn,
		MaxInputTokens:  maxIn,
		MinOutputTokens: minOut,
		MaxOutputTokens: maxOut,
		FracGreedy:      fracGreedy,
		rng:             rand.New(rand.NewSource(seed)),
	}, nil
}

func (m *UniformModel) Sample(n int) []RequestConfig {
	out := make([]RequestConfig, n)
	for i := range out {
		in := m.MinInputTokens + m.rng.Intn(m.MaxInputTokens-m.MinInputTokens+1)
		gen := m.MinOutputTokens + m.rng.Intn(m.MaxOutputTokens-m.MinOutputTokens+1)
		out[i] = RequestConfig{
			InputTokens:  in,
			OutputTokens: gen,
			IsGreedy:     m.rng.Float64() < m.FracGreedy,
		}
	}
	return out
}

// HistogramBin is one cell of a pre-fit joint histogram of production traffic.
type HistogramBin struct {
	Probability  float64 `json:"probability"`
	InputTokens  float64 `json:"input_token_count"`
	OutputTokens float64 `json:"generated_token_count"`
	IsGreedy     float64 `json:"is_greedy"`
	Temperature  float64 `json:"params.temperature"`
	TopK         float64 `json:"params.top_k"`
	TopP         float64 `json:"params.top_p"`
}

// HistogramModel samples bins of a joint histogram with replacement,
// proportionally to their probability.
type HistogramModel struct {
	Bins []HistogramBin `json:"bins"`

	cumulative []float64
	rng        *rand.Rand
}

// LoadHistogramModel reads a histogram artifact from path.
func LoadHistogramModel(path string, seed int64) (*HistogramModel, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m HistogramModel
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decoding requests model %s: %w", path, err)
	}
	if err := m.init(seed); err != nil {
		return nil, fmt.Errorf("requests model %s: %w", path, err)
	}
	return &m, nil
}

// NewHistogramModel returns a seeded model over bins.
func NewHistogramModel(bins []HistogramBin, seed int64) (*HistogramModel, error) {
	m := &HistogramModel{Bins: bins}
	if err := m.init(seed); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *HistogramModel) init(seed int64) error {
	if len(m.Bins) == 0 {
		return fmt.Errorf("histogram has no bins")
	}
	m.cumulative = make([]float64, len(m.Bins))
	total := 0.0
	for i, b := range m.Bins {
		if b.Probability < 0 {
			return fmt.Errorf("bin %d has negative probability", i)
		}
		total += b.Probability
		m.cumulative[i] = total
	}
	if total <= 0 {
		return fmt.Errorf("histogram probabilities sum to zero")
	}
	for i := range m.cumulative {
		m.cumulative[i] /= total
	}
	m.rng = rand.New(rand.NewSource(seed))
	return nil
}

func (m *HistogramModel) Sample(n int) []RequestConfig {
	out := make([]RequestConfig, n)
	for i := range out {
		u := m.rng.Float64()
		idx := sort.Search(len(m.cumulative), func(j int) bool { return m.cumulative[j] > u })
		if idx >= len(m.Bins) {
			idx = len(m.Bins) - 1
		}
		b := m.Bins[idx]
		out[i] = RequestConfig{
			InputTokens:  int(math.Round(b.InputTokens)),
			OutputTokens: int(math.Round(b.OutputTokens)),
			IsGreedy:     math.Round(b.IsGreedy) != 0,
			Temperature:  b.Temperature,
			TopK:         int(math.Round(b.TopK)),
			TopP:         b.TopP,
		}
		if out[i].InputTokens < 1 {
			out[i].InputTokens = 1
		}
		if out[i].OutputTokens < 1 {
			out[i].OutputTokens = 1
		}
	}
	return out
}
