// llmbench_generate_workload samples request shapes, issues each one once
// against a live endpoint and stores the request together with the events it
// produced, so that load runs can check the consistency of later responses.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/RedisAI/llmbench/envflag"
	"github.com/RedisAI/llmbench/stream"
	"github.com/RedisAI/llmbench/workload"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	errTokenRangeFmt  = "incorrect %s token range: min %d > max %d"
	errTokenMinFmt    = "incorrect %s token range: min %d < 1"
	errFracGreedyFmt  = "incorrect greedy fraction %v: must be within [0, 1]"
	errSampleSizeZero = "incorrect sample size: 0"
)

// semi-constants
var (
	targetChoices = []string{
		string(stream.ProtocolVLLM),
		string(stream.ProtocolTGIS),
	}
	// allows for testing
	fatal = logrus.Fatalf
)

// Program option vars:
var (
	logLevel        string
	url             string
	target          string
	modelID         string
	apiKey          string
	outputFileName  string
	textFileName    string
	histogramFile   string
	sampleSize      int
	minInputTokens  int
	maxInputTokens  int
	minOutputTokens int
	maxOutputTokens int
	fracGreedy      float64
	fromModel       bool
	overwrite       bool
	seed            int64
	readTimeout     time.Duration
)

// validateTokenRange checks a min/max token pair.
func validateTokenRange(kind string, min, max int) (bool, error) {
	if min < 1 {
		return false, fmt.Errorf(errTokenMinFmt, kind, min)
	}
	if min > max {
		return false, fmt.Errorf(errTokenRangeFmt, kind, min, max)
	}
	return true, nil
}

// validateTarget checks whether target is one of targetChoices.
func validateTarget(target string) bool {
	for _, s := range targetChoices {
		if s == target {
			return true
		}
	}
	return false
}

func samplingModel() (workload.SamplingModel, error) {
	if fromModel {
		if histogramFile == "" {
			return nil, fmt.Errorf("--from-model needs --histogram-file (or HISTOGRAM_FILE)")
		}
		return workload.LoadHistogramModel(histogramFile, seed)
	}
	if sampleSize <= 0 {
		return nil, fmt.Errorf(errSampleSizeZero)
	}
	if ok, err := validateTokenRange("input", minInputTokens, maxInputTokens); !ok {
		return nil, err
	}
	if ok, err := validateTokenRange("output", minOutputTokens, maxOutputTokens); !ok {
		return nil, err
	}
	if fracGreedy < 0 || fracGreedy > 1 {
		return nil, fmt.Errorf(errFracGreedyFmt, fracGreedy)
	}
	return workload.NewUniformModel(minInputTokens, maxInputTokens, minOutputTokens, maxOutputTokens, fracGreedy, seed)
}

// newClient dials the endpoint and, for completions endpoints, falls back to
// the first served model when no model id was given.
func newClient(ctx context.Context, proto stream.Protocol) (stream.Client, string, error) {
	if proto == stream.ProtocolTGIS {
		c, err := stream.NewGenerationClient(url)
		if err != nil {
			return nil, "", err
		}
		return c, modelID, nil
	}
	var opts []stream.HTTPOption
	if apiKey != "" {
		opts = append(opts, stream.WithAPIKey(apiKey))
	}
	c, err := stream.NewHTTPClient(url, readTimeout, opts...)
	if err != nil {
		return nil, "", err
	}
	if modelID != "" {
		return c, modelID, nil
	}
	models, err := c.Models(ctx)
	if err != nil {
		c.Close()
		return nil, "", fmt.Errorf("discovering model id: %w", err)
	}
	logrus.Infof("using model %s served by %s", models[0], url)
	return c, models[0], nil
}

func run(ctx context.Context) error {
	if url == "" {
		return fmt.Errorf("--url (or URL) is required")
	}
	if outputFileName == "" {
		return fmt.Errorf("--output-file (or REQUESTS_FILENAME) is required")
	}
	if !validateTarget(target) {
		return fmt.Errorf("invalid target specified: %v (valid choices: %v)", target, targetChoices)
	}
	if _, err := os.Stat(outputFileName); err == nil && !overwrite {
		logrus.Infof("file %s already exists; skipping workload generation", outputFileName)
		return nil
	}
	proto := stream.Protocol(target)
	model, err := samplingModel()
	if err != nil {
		return err
	}
	texts := workload.NewTextSource(nil)
	if textFileName != "" {
		if texts, err = workload.LoadTextSource(textFileName); err != nil {
			return err
		}
	}

	client, id, err := newClient(ctx, proto)
	if err != nil {
		return err
	}
	defer client.Close()
	builder, err := workload.NewPayloadBuilder(proto, id, fromModel)
	if err != nil {
		return err
	}

	logrus.Infof("generating %d requests for %s at %s into %s", sampleSize, target, url, outputFileName)
	g := &workload.Generator{Client: client, Protocol: proto, Model: model, Builder: builder, Texts: texts}
	return g.GenerateFile(ctx, outputFileName, sampleSize, overwrite)
}

// envVars are the environment variables the generation job sets, by flag.
var envVars = map[string]string{
	"log":               "LOG_LEVEL",
	"url":               "URL",
	"target":            "TARGET",
	"model-id":          "MODEL_ID",
	"api-key":           "API_KEY",
	"output-file":       "REQUESTS_FILENAME",
	"text-file":         "TEXT_FILENAME",
	"histogram-file":    "HISTOGRAM_FILE",
	"sample-size":       "SAMPLE_SIZE",
	"min-input-tokens":  "MIN_INPUT_TOKENS",
	"max-input-tokens":  "MAX_INPUT_TOKENS",
	"min-output-tokens": "MIN_OUTPUT_TOKENS",
	"max-output-tokens": "MAX_OUTPUT_TOKENS",
	"frac-greedy":       "FRAC_GREEDY",
	"overwrite":         "OVERWRITE",
}

var rootCmd = &cobra.Command{
	Use:   "llmbench_generate_workload",
	Short: "Generate a request pool with expected responses",
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
	f.StringVar(&target, "target", string(stream.ProtocolVLLM),
		fmt.Sprintf("Endpoint protocol. (choices: %s)", strings.Join(targetChoices, ", ")))
	f.StringVar(&modelID, "model-id", "", "Model to request, empty = first model served (vllm only)")
	f.StringVar(&apiKey, "api-key", "", "Bearer token sent with every request")
	f.StringVar(&outputFileName, "output-file", "", "File name to write the request pool to")
	f.StringVar(&textFileName, "text-file", "", "JSON list of prompt texts, empty = built-in text")
	f.StringVar(&histogramFile, "histogram-file", "", "Pre-fit request histogram used by --from-model")
	f.IntVar(&sampleSize, "sample-size", 10, "Number of requests to sample")
	f.IntVar(&minInputTokens, "min-input-tokens", 10, "Minimum prompt length in tokens")
	f.IntVar(&maxInputTokens, "max-input-tokens", 20, "Maximum prompt length in tokens")
	f.IntVar(&minOutputTokens, "min-output-tokens", 10, "Minimum generated tokens")
	f.IntVar(&maxOutputTokens, "max-output-tokens", 20, "Maximum generated tokens")
	f.Float64Var(&fracGreedy, "frac-greedy", 0, "Fraction of greedy requests")
	f.BoolVar(&fromModel, "from-model", false, "Sample request shapes from the histogram model")
	f.BoolVar(&overwrite, "overwrite", false, "Regenerate an existing request pool")
	f.Int64Var(&seed, "seed", workload.DefaultSeed, "PRNG seed")
	f.DurationVar(&readTimeout, "read-timeout", 60*time.Second, "Read timeout of the completions endpoint")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
