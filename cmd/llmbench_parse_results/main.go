// llmbench_parse_results reduces one or more results files written by
// llmbench_run_loadgen into per-concurrency summaries.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/RedisAI/llmbench/envflag"
	"github.com/RedisAI/llmbench/inference"
	"github.com/RedisAI/llmbench/report"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	formatTable = "table"
	formatCSV   = "csv"
)

// semi-constants
var (
	formatChoices = []string{formatTable, formatCSV}
	// allows for testing
	fatal = logrus.Fatalf
)

// Program option vars:
var (
	logLevel      string
	format        string
	outputFile    string
	oomMarker     string
	distributions bool
)

// validateFormat checks whether format is one of formatChoices.
func validateFormat(format string) bool {
	for _, s := range formatChoices {
		if s == format {
			return true
		}
	}
	return false
}

// readRecords concatenates the records of every file in order.
func readRecords(paths []string) ([]inference.RequestRecord, error) {
	var all []inference.RequestRecord
	for _, p := range paths {
		env, err := inference.ReadEnvelope(p)
		if err != nil {
			return nil, err
		}
		logrus.Debugf("%s: %d records", p, len(env.Results))
		all = append(all, env.Results...)
	}
	return all, nil
}

func parse(w io.Writer, paths []string) error {
	records, err := readRecords(paths)
	if err != nil {
		return err
	}
	rows := report.Options{OOMMarker: oomMarker}.Summarize(records)
	if format == formatCSV {
		err = report.WriteCSV(w, rows)
	} else {
		err = report.WriteTable(w, rows)
	}
	if err != nil || !distributions {
		return err
	}
	if _, err := fmt.Fprintln(w); err != nil {
		return err
	}
	return report.WriteDistributions(w, report.Distributions(records))
}

var rootCmd = &cobra.Command{
	Use:   "llmbench_parse_results results.json [more.json ...]",
	Short: "Summarize load-generator results",
	Args:  cobra.MinimumNArgs(1),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := envflag.Bind(cmd, map[string]string{"log": "LOG_LEVEL"})
		return err
	},
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			fatal("invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)
		if !validateFormat(format) {
			fatal("invalid format specified: %v (valid choices: %v)", format, formatChoices)
		}

		var w io.Writer = os.Stdout
		if outputFile != "" {
			f, err := os.Create(outputFile)
			if err != nil {
				fatal("cannot open file for write %s: %v", outputFile, err)
			}
			defer f.Close()
			w = f
		}
		if err := parse(w, args); err != nil {
			fatal("%v", err)
		}
	},
}

// Parse args:
func init() {
	f := rootCmd.Flags()
	f.StringVar(&logLevel, "log", "warn", "Log level (trace, debug, info, warn, error, fatal, panic)")
	f.StringVar(&format, "format", formatTable, fmt.Sprintf("Output format. (choices: %s)", strings.Join(formatChoices, ", ")))
	f.StringVarP(&outputFile, "output", "o", "", "File to write to, empty = stdout")
	f.StringVar(&oomMarker, "oom-marker", report.DefaultOOMMarker, "Error substring counted as out of memory")
	f.BoolVar(&distributions, "distributions", false, "Also print latency percentiles")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
