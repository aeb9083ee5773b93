// llmbench_sweep benchmarks model servers on a Kubernetes cluster: it deploys
// each model (or targets an existing serving stack), generates a request pool
// and evaluates it at increasing numbers of concurrent users, one job per
// level, storing the per-repetition summaries.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RedisAI/llmbench/cluster"
	"github.com/RedisAI/llmbench/envflag"
	"github.com/RedisAI/llmbench/lifecycle"
	"github.com/RedisAI/llmbench/store"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Program option vars:
var (
	logLevel     string
	kubeconfig   string
	namespace    string
	modelSpec    string
	stackSpec    string
	workloadSpec string
	workloadFile string
	users        []int
	repetitions  int
	runName      string
	runID        string
	ignoreExists bool
	jobTimeout   time.Duration
	logDir       string
	dryRun       bool

	duration    time.Duration
	backoff     time.Duration
	gracePeriod time.Duration
	promURL     string
	promToken   string
	promSteps   int
	metricsList string

	resultsDir    string
	sqlDriver     string
	sqlDSN        string
	redisAddr     string
	redisPassword string
	redisDB       int
)

// semi-constants
var (
	// allows for testing
	fatal = logrus.Fatalf
)

// restConfig prefers an explicit kubeconfig, then the in-cluster service
// account, then the default kubeconfig of the user.
func restConfig() (*rest.Config, error) {
	if kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}
	return clientcmd.BuildConfigFromFlags("", clientcmd.RecommendedHomeFile)
}

func sinks() (store.MultiSink, error) {
	m := store.MultiSink{store.FileSink{Dir: resultsDir}}
	if sqlDSN != "" {
		s, err := store.NewSQLSink(sqlDriver, sqlDSN)
		if err != nil {
			return nil, err
		}
		m = append(m, s)
	}
	if redisAddr != "" {
		m = append(m, store.NewRedisSink(&redis.Options{Addr: redisAddr, Password: redisPassword, DB: redisDB}))
	}
	return m, nil
}

func validateUsers(levels []int) error {
	if len(levels) == 0 {
		return fmt.Errorf("no user counts given")
	}
	for _, n := range levels {
		if n <= 0 {
			return fmt.Errorf("user count %d is not positive", n)
		}
	}
	return nil
}

func benchmarkOptions() (cluster.BenchmarkOptions, error) {
	if err := validateUsers(users); err != nil {
		return cluster.BenchmarkOptions{}, fmt.Errorf("--users: %w", err)
	}
	if repetitions <= 0 {
		return cluster.BenchmarkOptions{}, fmt.Errorf("--repetitions must be positive, got %d", repetitions)
	}
	return cluster.BenchmarkOptions{
		Name:         runName,
		Repetitions:  repetitions,
		Users:        users,
		WorkloadFile: workloadFile,
		ID:           runID,
		Evaluate: cluster.EvaluateOptions{
			Duration:    duration,
			Backoff:     backoff,
			GracePeriod: gracePeriod,
			PromURL:     promURL,
			PromToken:   promToken,
			PromSteps:   promSteps,
			MetricList:  metricsList,
			Timeout:     jobTimeout,
		},
	}, nil
}

// render prints the manifests of the model servers without applying them.
func render(specs []cluster.ModelSpec) error {
	var objs []interface{}
	for _, spec := range specs {
		name := cluster.DeploymentName(spec, runID)
		dep, err := cluster.ModelDeployment(spec, name, namespace)
		if err != nil {
			return err
		}
		objs = append(objs, dep, cluster.ModelService(spec, name, namespace))
	}
	out, err := cluster.Render(objs...)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}

func run(ctx context.Context) error {
	if (modelSpec == "") == (stackSpec == "") {
		return fmt.Errorf("exactly one of --model-spec and --stack-spec is required")
	}
	var specs []cluster.ModelSpec
	var stack *cluster.StackSpec
	var err error
	if modelSpec != "" {
		if specs, err = cluster.LoadModelSpecs(modelSpec); err != nil {
			return err
		}
		if dryRun {
			return render(specs)
		}
	} else if stack, err = cluster.LoadStackSpec(stackSpec); err != nil {
		return err
	}
	if workloadSpec == "" {
		return fmt.Errorf("--workload-spec is required")
	}
	w, err := cluster.LoadWorkloadSpec(workloadSpec)
	if err != nil {
		return err
	}
	opts, err := benchmarkOptions()
	if err != nil {
		return err
	}

	cfg, err := restConfig()
	if err != nil {
		return fmt.Errorf("loading kubernetes config: %w", err)
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return err
	}
	ctrl := lifecycle.NewController(client, namespace,
		lifecycle.IgnoreExists(ignoreExists),
		lifecycle.WithTimeout(jobTimeout),
		lifecycle.WithLogDir(logDir))
	c := cluster.New(cfg.Host, ctrl)

	sink, err := sinks()
	if err != nil {
		return err
	}
	defer sink.Close()
	if err := sink.Init(ctx); err != nil {
		return fmt.Errorf("preparing result sinks: %w", err)
	}

	var results []cluster.RunResult
	if stack != nil {
		results, err = c.RunStackBenchmark(ctx, *stack, *w, opts, sink)
	} else {
		results, err = c.RunBenchmark(ctx, specs, *w, opts, sink)
	}
	logrus.Infof("%d repetitions stored under %s", len(results), resultsDir)
	return err
}

var envVars = map[string]string{
	"log":            "LOG_LEVEL",
	"kubeconfig":     "KUBECONFIG",
	"namespace":      "NAMESPACE",
	"prom-url":       "PROM_URL",
	"prom-token":     "PROM_TOKEN",
	"sql-dsn":        "SQL_DSN",
	"redis-addr":     "REDIS_ADDR",
	"redis-password": "REDIS_PASSWORD",
}

var rootCmd = &cobra.Command{
	Use:   "llmbench_sweep",
	Short: "Benchmark LLM inference servers on Kubernetes",
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
	f.StringVar(&kubeconfig, "kubeconfig", "", "Kubeconfig file, empty = in-cluster or ~/.kube/config")
	f.StringVar(&namespace, "namespace", "default", "Namespace to deploy into")
	f.StringVar(&modelSpec, "model-spec", "", "YAML file with one or more model specs to deploy")
	f.StringVar(&stackSpec, "stack-spec", "", "YAML file describing an existing serving stack")
	f.StringVar(&workloadSpec, "workload-spec", "", "YAML file describing the request pool")
	f.StringVar(&workloadFile, "workload-file", "", "Request pool file name, empty = derived from the specs")
	f.IntSliceVar(&users, "users", []int{1}, "Comma separated numbers of concurrent users")
	f.IntVar(&repetitions, "repetitions", 1, "Number of repetitions of the user sweep")
	f.StringVar(&runName, "name", "llmbench", "Name recorded with every run")
	f.StringVar(&runID, "id", "", "Suffix for resource names, to run several benchmarks side by side")
	f.BoolVar(&ignoreExists, "ignore-exists", false, "Reuse resources that already exist")
	f.DurationVar(&jobTimeout, "timeout", lifecycle.DefaultTimeout, "Time to wait for each resource or job")
	f.StringVar(&logDir, "log-dir", ".", "Directory for logs of jobs whose output could not be parsed")
	f.BoolVar(&dryRun, "dry-run", false, "Print the model server manifests and exit")

	f.DurationVar(&duration, "duration", 10*time.Second, "Duration of each experiment")
	f.DurationVar(&backoff, "backoff", 3*time.Second, "Sleep of a user after a failed request")
	f.DurationVar(&gracePeriod, "grace-period", 10*time.Second, "Grace period before late requests are excluded")
	f.StringVar(&promURL, "prom-url", "", "Prometheus URL for energy metrics")
	f.StringVar(&promToken, "prom-token", "", "Bearer token for Prometheus")
	f.IntVar(&promSteps, "prom-steps", 30, "Prometheus range query step in seconds")
	f.StringVar(&metricsList, "metrics-list", "", "Metric list file inside the load generator image")

	f.StringVar(&resultsDir, "results-dir", "results", "Directory for result<rep>.csv and results<rep>.json")
	f.StringVar(&sqlDriver, "sql-driver", store.DriverSQLite, "SQL driver (sqlite, postgres, mysql)")
	f.StringVar(&sqlDSN, "sql-dsn", "", "SQL data source, empty = no SQL sink")
	f.StringVar(&redisAddr, "redis-addr", "", "Redis address, empty = no Redis sink")
	f.StringVar(&redisPassword, "redis-password", "", "Redis password")
	f.IntVar(&redisDB, "redis-db", 0, "Redis database")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
