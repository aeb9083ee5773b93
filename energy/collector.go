// Package energy collects power and energy metrics of the serving pods from
// Prometheus over the window of a benchmark run.
package energy

import (
	"context"
	"crypto/tls"
	"encoding/csv"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/config"
	"github.com/prometheus/common/model"
	"github.com/sirupsen/logrus"
)

// DefaultStep is the range query resolution.
const DefaultStep = 30 * time.Second

// Config describes where and what to collect.
type Config struct {
	URL        string
	Token      string
	Insecure   bool
	Namespace  string
	Step       time.Duration
	Metrics    []string
	MetricsDir string
}

// Collector queries Prometheus for the configured metrics.
type Collector struct {
	cfg Config
	api v1.API
}

// NewCollector returns a collector for cfg. Requests carry cfg.Token as a
// bearer token when it is set.
func NewCollector(cfg Config) (*Collector, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("prometheus url is required")
	}
	if cfg.Step <= 0 {
		cfg.Step = DefaultStep
	}
	if len(cfg.Metrics) == 0 {
		cfg.Metrics = append([]string(nil), DefaultMetrics...)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	var rt http.RoundTripper = transport
	if cfg.Token != "" {
		rt = config.NewAuthorizationCredentialsRoundTripper("Bearer", config.NewInlineSecret(cfg.Token), rt)
	}
	client, err := api.NewClient(api.Config{Address: cfg.URL, RoundTripper: rt})
	if err != nil {
		return nil, err
	}
	return &Collector{cfg: cfg, api: v1.NewAPI(client)}, nil
}

// Query returns the PromQL expression for metric restricted to namespace.
func Query(metric, namespace string) string {
	if isKepler(metric) {
		return fmt.Sprintf(`sum(irate(%s{container_namespace=%q}[1m])) by(pod_name)`, metric, namespace)
	}
	return fmt.Sprintf(`sum(%s{exported_namespace=%q}) by(exported_pod)`, metric, namespace)
}

// Collect samples every metric between start and end and summarizes them.
// Metrics that fail or have no data are skipped with a warning.
func (c *Collector) Collect(ctx context.Context, start, end time.Time, numUsers int) (map[string]interface{}, error) {
	r := v1.Range{Start: start, End: end, Step: c.cfg.Step}
	series := map[string][]float64{}
	for _, metric := range c.cfg.Metrics {
		samples, err := c.queryRange(ctx, metric, r)
		if err != nil {
			logrus.Warnf("collecting %s: %v", metric, err)
			continue
		}
		if len(samples) == 0 {
			logrus.Debugf("no samples for %s", metric)
			continue
		}
		values := make([]float64, len(samples))
		for i, s := range samples {
			values[i] = float64(s.Value)
		}
		series[metric] = values
		if c.cfg.MetricsDir != "" {
			if err := writeSamples(c.cfg.MetricsDir, numUsers, start, metric, samples); err != nil {
				logrus.Warnf("writing samples of %s: %v", metric, err)
			}
		}
	}
	return Summarize(numUsers, series, c.cfg.Step.Seconds()), nil
}

func (c *Collector) queryRange(ctx context.Context, metric string, r v1.Range) ([]model.SamplePair, error) {
	value, warnings, err := c.api.QueryRange(ctx, Query(metric, c.cfg.Namespace), r)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		logrus.Debugf("prometheus warning for %s: %s", metric, w)
	}
	matrix, ok := value.(model.Matrix)
	if !ok {
		return nil, fmt.Errorf("unexpected result type %s", value.Type())
	}
	if len(matrix) == 0 {
		return nil, nil
	}
	return matrix[0].Values, nil
}

// SamplesPath is where the raw samples of metric are written.
func SamplesPath(dir string, numUsers int, start time.Time, metric string) string {
	return filepath.Join(dir, fmt.Sprintf("%d_%s_%s.csv", numUsers, start.UTC().Format("2006-01-02_15-04-05"), metric))
}

func writeSamples(dir string, numUsers int, start time.Time, metric string, samples []model.SamplePair) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.Create(SamplesPath(dir, numUsers, start, metric))
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	_ = w.Write([]string{"timestamp", metric})
	for _, s := range samples {
		_ = w.Write([]string{
			strconv.FormatFloat(float64(s.Timestamp.Unix()), 'f', -1, 64),
			strconv.FormatFloat(float64(s.Value), 'f', -1, 64),
		})
	}
	w.Flush()
	err = w.Error()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
