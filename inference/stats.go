package inference

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"

	"github.com/VividCortex/gohistogram"
)

const (
	labelPrefill   = "Prefill (time to first token)"
	labelNextToken = "Next token (inter-token latency)"
)

// Stat represents one latency measurement of a streamed response event.
type Stat struct {
	label  string
	value  float64 // milliseconds
	tokens uint64
	failed bool
}

var statPool = &sync.Pool{
	New: func() interface{} {
		return &Stat{}
	},
}

// GetStat returns a Stat for use from a pool
func GetStat() *Stat {
	return statPool.Get().(*Stat).reset()
}

// Init safely initializes a Stat.
func (s *Stat) Init(label string, value float64, tokens uint64, failed bool) *Stat {
	s.label = label
	s.value = value
	s.tokens = tokens
	s.failed = failed
	return s
}

func (s *Stat) reset() *Stat {
	s.label = ""
	s.value = 0.0
	s.tokens = 0
	s.failed = false
	return s
}

// statGroup collects simple streaming statistics.
type statGroup struct {
	min    float64
	max    float64
	mean   float64
	sum    float64
	tokens uint64

	// used for stddev calculations
	m      float64
	s      float64
	stdDev float64

	count                       int64
	latencyStatisticalHistogram *gohistogram.NumericHistogram
}

func newStatGroup() *statGroup {
	return &statGroup{
		latencyStatisticalHistogram: gohistogram.NewHistogram(1000),
	}
}

// push updates a statGroup with a new value.
func (s *statGroup) push(n float64, tokens uint64) {
	s.latencyStatisticalHistogram.Add(n)
	s.tokens += tokens
	if s.count == 0 {
		s.min = n
		s.max = n
		s.mean = n
		s.count = 1
		s.sum = n

		s.m = n
		s.s = 0.0
		s.stdDev = 0.0
		return
	}

	if n < s.min {
		s.min = n
	}
	if n > s.max {
		s.max = n
	}

	s.sum += n

	// constant-space mean update:
	sum := s.mean*float64(s.count) + n
	s.mean = sum / float64(s.count+1)

	s.count++

	oldM := s.m
	s.m += (n - oldM) / float64(s.count)
	s.s += (n - oldM) * (n - s.m)
	s.stdDev = math.Sqrt(s.s / (float64(s.count) - 1.0))
}

func (s *statGroup) quantile(q float64) float64 {
	if s.count == 0 {
		return 0
	}
	return s.latencyStatisticalHistogram.Quantile(q)
}

func (s *statGroup) string() string {
	return fmt.Sprintf("+ Latency (statistical histogram):\n\tmin: %8.2f ms,  mean: %8.2f ms, q25: %8.2f ms, med(q50): %8.2f ms, q75: %8.2f ms, q99: %8.2f ms, max: %8.2f ms, stddev: %8.2fms, count: %d, tokens: %d\n",
		s.min, s.mean, s.quantile(0.25), s.quantile(0.50), s.quantile(0.75), s.quantile(0.99), s.max, s.stdDev, s.count, s.tokens)
}

func (s *statGroup) write(w io.Writer) error {
	_, err := fmt.Fprintln(w, s.string())
	return err
}

// writeStatGroupMap writes a map of StatGroups in an ordered fashion by
// key that they are stored by
func writeStatGroupMap(w io.Writer, statGroups map[string]*statGroup) error {
	maxKeyLength := 0
	keys := make([]string, 0, len(statGroups))
	for k := range statGroups {
		if len(k) > maxKeyLength {
			maxKeyLength = len(k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := statGroups[k]
		paddedKey := k
		for len(paddedKey) < maxKeyLength {
			paddedKey += " "
		}

		_, err := fmt.Fprintf(w, "%s:\n", paddedKey)
		if err != nil {
			return err
		}

		err = v.write(w)
		if err != nil {
			return err
		}
	}
	return nil
}
