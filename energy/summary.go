package energy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PowerMetric is the DCGM board power gauge, in watts.
const PowerMetric = "DCGM_FI_DEV_POWER_USAGE"

// DefaultMetrics are always collected.
var DefaultMetrics = []string{
	PowerMetric,
	"kepler_container_gpu_joules_total",
	"kepler_container_package_joules_total",
	"kepler_container_dram_joules_total",
}

type metricList struct {
	Metrics []string `yaml:"metrics"`
}

// LoadMetrics returns DefaultMetrics extended with the "metrics" list of the
// YAML file at path, without duplicates. An empty path yields the defaults.
func LoadMetrics(path string) ([]string, error) {
	metrics := append([]string(nil), DefaultMetrics...)
	if path == "" {
		return metrics, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var list metricList
	if err := yaml.Unmarshal(b, &list); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return dedup(append(metrics, list.Metrics...)), nil
}

func dedup(metrics []string) []string {
	seen := make(map[string]bool, len(metrics))
	out := metrics[:0]
	for _, m := range metrics {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

func isKepler(metric string) bool {
	return strings.Contains(metric, "kepler")
}

// Summarize reduces sampled series into the energy side channel of a run.
// step is the sampling interval in seconds.
//
// The first DCGM power sample is taken as the idle power; the remaining
// samples give the mean dynamic power and, integrated over step, the dynamic
// energy. Kepler counters are sampled as rates and integrated the same way.
// The reported "energy" is the Kepler total when Kepler reports any, the DCGM
// energy otherwise.
func Summarize(numUsers int, series map[string][]float64, step float64) map[string]interface{} {
	out := map[string]interface{}{"num_users": numUsers}
	var keplerTotal, dcgmTotal float64

	for metric, values := range series {
		if len(values) == 0 {
			continue
		}
		switch {
		case metric == PowerMetric:
			idle := values[0]
			var sum float64
			for _, v := range values[1:] {
				sum += v - idle
			}
			out["dcgm_idle_power"] = idle
			if n := len(values) - 1; n > 0 {
				out["dcgm_power"] = sum / float64(n)
			}
			dcgmTotal = sum * step
			out["dcgm_total_energy"] = dcgmTotal
		case strings.Contains(metric, "DCGM"):
			if len(values) > 1 {
				out[metric] = mean(values[1:])
			}
		case isKepler(metric):
			var sum float64
			for _, v := range values {
				sum += v * step
			}
			out[metric] = sum
			keplerTotal += sum
		default:
			out[metric] = mean(values)
		}
	}

	out["kepler_total_energy"] = keplerTotal
	if keplerTotal > 0 {
		out["energy"] = keplerTotal
	} else {
		out["energy"] = dcgmTotal
	}
	return out
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
