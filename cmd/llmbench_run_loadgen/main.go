// llmbench_run_loadgen drives concurrent simulated users against an LLM
// inference endpoint, replaying a pre-generated request pool for a fixed
// duration, and prints the merged results envelope as its last line of output.
//
// This program has no knowledge of the internals of the endpoint.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RedisAI/llmbench/energy"
	"github.com/RedisAI/llmbench/envflag"
	"github.com/RedisAI/llmbench/inference"
	"github.com/RedisAI/llmbench/report"
	"github.com/RedisAI/llmbench/stream"
	"github.com/RedisAI/llmbench/workload"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Program option vars:
var (
	logLevel        string
	url             string
	target          string
	apiKey          string
	requestsFile    string
	resultsFile     string
	outputDir       string
	numUsers        int
	sweepUsers      []int
	duration        time.Duration
	backoff         time.Duration
	gracePeriod     time.Duration
	maxRPS          float64
	reportingPeriod time.Duration
	progress        bool
	seed            int64
	poolLimit       uint64

	promURL      string
	promToken    string
	promInsecure bool
	promStep     int
	namespace    string
	metricsList  string
	metricsDir   string
)

// semi-constants
var (
	// allows for testing
	fatal = logrus.Fatalf
)

// envVars are the environment variables the evaluation job sets, by flag.
var envVars = map[string]string{
	"log":              "LOG_LEVEL",
	"url":              "URL",
	"target":           "TARGET",
	"api-key":          "API_KEY",
	"requests-file":    "REQUESTS_FILENAME",
	"results-file":     "RESULTS_FILENAME",
	"output-dir":       "OUTPUT_DIR",
	"num-users":        "NUM_USERS",
	"sweep-users":      "SWEEP_USERS",
	"duration":         "DURATION",
	"backoff":          "BACKOFF",
	"grace-period":     "GRACE_PERIOD",
	"max-rps":          "MAX_RPS",
	"reporting-period": "REPORTING_PERIOD",
	"progress":         "PROGRESS",
	"seed":             "SEED",
	"prom-url":         "PROM_URL",
	"prom-token":       "PROM_TOKEN",
	"prom-insecure":    "PROM_INSECURE",
	"prom-step":        "NUM_PROM_STEPS",
	"namespace":        "NAMESPACE",
	"metrics-list":     "TARGET_METRICS_LIST",
	"metrics-dir":      "METRICS_DIR",
}

var rootCmd = &cobra.Command{
	Use:   "llmbench_run_loadgen",
	Short: "Run a load-generation experiment against an inference endpoint",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := envflag.Bind(cmd, envVars)
		return err
	},
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			fatal("invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := run(ctx); err != nil {
			fatal("%v", err)
		}
	},
}

// Parse args:
func init() {
	f := rootCmd.Flags()
	f.String(envflag.ConfigFlag, "", "YAML config file keyed by flag name")
	f.StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	f.StringVar(&url, "url", "", "Endpoint URL (completions URL for vllm, host:port for tgis)")
	f.StringVar(&target, "target", string(stream.ProtocolVLLM), "Endpoint protocol (vllm, tgis)")
	f.StringVar(&apiKey, "api-key", "", "Bearer token sent with every request")
	f.StringVar(&requestsFile, "requests-file", "", "Request pool generated by llmbench_generate_workload")
	f.StringVar(&resultsFile, "results-file", "results.json", "File the merged results envelope is written to")
	f.StringVar(&outputDir, "output-dir", ".", "Directory for per-worker result files")
	f.IntVar(&numUsers, "num-users", 1, "Number of concurrent simulated users")
	f.IntSliceVar(&sweepUsers, "sweep-users", nil, "Comma separated user counts to run in succession, overrides --num-users")
	f.DurationVar(&duration, "duration", 10*time.Second, "Time each user keeps issuing requests")
	f.DurationVar(&backoff, "backoff", 3*time.Second, "Sleep after a failed request")
	f.DurationVar(&gracePeriod, "grace-period", 10*time.Second, "Extra time a request may start after the duration before it is excluded")
	f.Float64Var(&maxRPS, "max-rps", 0, "Limit the aggregate request rate, 0 = unlimited")
	f.DurationVar(&reportingPeriod, "reporting-period", 10*time.Second, "Period to report live stats, 0 = disabled")
	f.BoolVar(&progress, "progress", false, "Show a progress bar over the duration")
	f.Int64Var(&seed, "seed", 0, "Base seed of the per-user sample order, user i draws from seed+i")
	f.Uint64Var(&poolLimit, "limit", 0, "Read at most this many requests from the pool, 0 = all")

	f.StringVar(&promURL, "prom-url", "", "Prometheus URL for energy metrics, empty = skip")
	f.StringVar(&promToken, "prom-token", "", "Bearer token for Prometheus")
	f.BoolVar(&promInsecure, "prom-insecure", true, "Skip TLS verification towards Prometheus")
	f.IntVar(&promStep, "prom-step", 30, "Prometheus range query step in seconds")
	f.StringVar(&namespace, "namespace", "default", "Namespace of the serving pods")
	f.StringVar(&metricsList, "metrics-list", "", "YAML file with extra metrics to collect")
	f.StringVar(&metricsDir, "metrics-dir", "", "Directory for raw metric samples, empty = don't write")
}

func validateUsers(levels []int) error {
	for _, n := range levels {
		if n <= 0 {
			return fmt.Errorf("user count %d is not positive", n)
		}
	}
	return nil
}

func runConfig() (inference.Config, error) {
	if numUsers <= 0 {
		return inference.Config{}, fmt.Errorf("--num-users must be positive, got %d", numUsers)
	}
	if duration <= 0 {
		return inference.Config{}, fmt.Errorf("--duration must be positive, got %s", duration)
	}
	return inference.Config{
		NumUsers:        numUsers,
		Duration:        duration,
		Backoff:         backoff,
		GracePeriod:     gracePeriod,
		OutputDir:       outputDir,
		Seed:            seed,
		MaxRPS:          maxRPS,
		ReportingPeriod: reportingPeriod,
		Progress:        progress,
	}, nil
}

// energyCollector returns nil when no Prometheus is configured.
func energyCollector() (inference.EnergyCollector, error) {
	if promURL == "" {
		return nil, nil
	}
	metrics, err := energy.LoadMetrics(metricsList)
	if err != nil {
		return nil, err
	}
	return energy.NewCollector(energy.Config{
		URL:        promURL,
		Token:      promToken,
		Insecure:   promInsecure,
		Namespace:  namespace,
		Step:       time.Duration(promStep) * time.Second,
		Metrics:    metrics,
		MetricsDir: metricsDir,
	})
}

func run(ctx context.Context) error {
	if url == "" {
		return fmt.Errorf("--url (or URL) is required")
	}
	if requestsFile == "" {
		return fmt.Errorf("--requests-file (or REQUESTS_FILENAME) is required")
	}
	proto, err := stream.ParseProtocol(target)
	if err != nil {
		return err
	}
	cfg, err := runConfig()
	if err != nil {
		return err
	}
	if err := validateUsers(sweepUsers); err != nil {
		return fmt.Errorf("--sweep-users: %w", err)
	}

	pool, err := workload.Load(requestsFile, poolLimit)
	if err != nil {
		return err
	}
	logrus.Infof("loaded %d requests from %s", len(pool), requestsFile)

	var httpOpts []stream.HTTPOption
	if apiKey != "" {
		httpOpts = append(httpOpts, stream.WithAPIKey(apiKey))
	}
	client, err := stream.NewClient(proto, url, httpOpts...)
	if err != nil {
		return err
	}
	defer client.Close()

	var opts []inference.RunnerOption
	collector, err := energyCollector()
	if err != nil {
		return err
	}
	if collector != nil {
		opts = append(opts, inference.WithEnergyCollector(collector))
	}

	var env *inference.Envelope
	if len(sweepUsers) > 0 {
		env, err = inference.Sweep(ctx, cfg, sweepUsers, client, pool, opts...)
	} else {
		var runner *inference.Runner
		if runner, err = inference.NewRunner(cfg, client, pool, opts...); err == nil {
			env, err = runner.Run(ctx)
		}
	}
	if err != nil {
		return err
	}
	if env.Run != nil {
		env.Run.Target = string(proto)
		env.Run.Endpoint = url
	}

	if err := report.WriteTable(os.Stderr, report.Summarize(env.Results)); err != nil {
		logrus.Warnf("printing summary: %v", err)
	}
	logrus.Infof("writing results to file: %s", resultsFile)
	if err := inference.WriteEnvelope(resultsFile, env); err != nil {
		return err
	}
	// the orchestrator parses the last line of the pod log
	return json.NewEncoder(os.Stdout).Encode(env)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
