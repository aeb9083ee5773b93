package inference

import (
	"encoding/json"
	"math"

	"github.com/RedisAI/llmbench/stream"
	"github.com/RedisAI/llmbench/workload"
)

const (
	relTolerance = 1e-6
	absTolerance = 1e-12
)

// ApproxEqual compares two JSON-shaped values. Numbers are equal within a
// relative tolerance of 1e-6 (absolute 1e-12); everything else must match exactly.
func ApproxEqual(a, b interface{}) bool {
	switch x := a.(type) {
	case nil:
		return b == nil
	case float64:
		y, ok := b.(float64)
		if !ok {
			return false
		}
		if x == y {
			return true
		}
		if math.IsNaN(x) || math.IsNaN(y) {
			return false
		}
		return math.Abs(x-y) <= math.Max(relTolerance*math.Abs(y), absTolerance)
	case string:
		y, ok := b.(string)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case []interface{}:
		y, ok := b.([]interface{})
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !ApproxEqual(x[i], y[i]) {
				return false
			}
		}
		return true
	case map[string]interface{}:
		y, ok := b.(map[string]interface{})
		if !ok || len(x) != len(y) {
			return false
		}
		for k, v := range x {
			w, ok := y[k]
			if !ok || !ApproxEqual(v, w) {
				return false
			}
		}
		return true
	}
	return false
}

// normalize maps an event onto generic JSON values so that numeric fields
// compare with tolerance whatever their Go type.
func normalize(ev *stream.ResponseEvent) (interface{}, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	var v interface{}
	err = json.Unmarshal(b, &v)
	return v, err
}

// eventsMatch reports whether an observed event matches the expected one.
func eventsMatch(observed, expected *stream.ResponseEvent) bool {
	if observed == nil || expected == nil {
		return observed == expected
	}
	a, err := normalize(observed)
	if err != nil {
		return false
	}
	b, err := normalize(expected)
	if err != nil {
		return false
	}
	return ApproxEqual(a, b)
}

// CheckConsistency sets Consistent on every record by comparing successful
// events against the expected events of the sampled request.
func CheckConsistency(records []RequestRecord, pool []workload.SampledRequest) {
	for i := range records {
		records[i].Consistent = consistent(&records[i], pool)
	}
}

func consistent(r *RequestRecord, pool []workload.SampledRequest) bool {
	if !r.OK {
		return false
	}
	if r.SampleIdx < 0 || r.SampleIdx >= len(pool) {
		return false
	}
	expected := pool[r.SampleIdx].Expected
	if r.ResponseIdx < 0 || r.ResponseIdx >= len(expected) {
		return false
	}
	return eventsMatch(r.Response, &expected[r.ResponseIdx])
}
