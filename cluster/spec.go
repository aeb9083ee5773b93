package cluster

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/RedisAI/llmbench/inference"
	"github.com/RedisAI/llmbench/stream"
	"gopkg.in/yaml.v3"
	corev1 "k8s.io/api/core/v1"
)

// PVC mounts a persistent volume claim into the model server.
type PVC struct {
	ClaimName string `yaml:"claim_name" json:"claim_name"`
	MountPath string `yaml:"mount_path" json:"mount_path"`
}

// ModelSpec describes a model server to deploy. Engine selects between a
// vLLM server (OpenAI-compatible completions over HTTP) and a TGIS server
// (generation stream over gRPC).
type ModelSpec struct {
	Engine         stream.Protocol `yaml:"engine" json:"engine"`
	Name           string          `yaml:"name" json:"name"`
	ShortName      string          `yaml:"shortname" json:"shortname"`
	Image          string          `yaml:"image" json:"image"`
	NumGPUs        int             `yaml:"num_gpus" json:"num_gpus"`
	CPULimit       string          `yaml:"cpu_limit" json:"cpu_limit"`
	CPURequest     string          `yaml:"cpu_request" json:"cpu_request"`
	MemoryLimit    string          `yaml:"memory_limit" json:"memory_limit"`
	HFHubCache     string          `yaml:"hf_hub_cache" json:"hf_hub_cache"`
	ClusterGPUName string          `yaml:"cluster_gpu_name" json:"cluster_gpu_name"`
	PVCs           []PVC           `yaml:"pvcs" json:"pvcs"`

	// vLLM
	Dtype               string `yaml:"dtype" json:"dtype"`
	MaxNumSeqs          int    `yaml:"max_num_seqs" json:"max_num_seqs"`
	MaxModelLen         int    `yaml:"max_model_len" json:"max_model_len"`
	MaxNumBatchedTokens int    `yaml:"max_num_batched_tokens" json:"max_num_batched_tokens"`
	Quantization        string `yaml:"quantization" json:"quantization"`

	// TGIS
	MaxNewTokens          int    `yaml:"max_new_tokens" json:"max_new_tokens"`
	MaxSequenceLength     int    `yaml:"max_sequence_length" json:"max_sequence_length"`
	MaxBatchSize          int    `yaml:"max_batch_size" json:"max_batch_size"`
	MaxConcurrentRequests int    `yaml:"max_concurrent_requests" json:"max_concurrent_requests"`
	MaxWaitingTokens      int    `yaml:"max_waiting_tokens" json:"max_waiting_tokens"`
	BatchSafetyMargin     int    `yaml:"batch_safety_margin" json:"batch_safety_margin"`
	DtypeStr              string `yaml:"dtype_str" json:"dtype_str"`
	DeploymentFramework   string `yaml:"deployment_framework" json:"deployment_framework"`
	FlashAttention        bool   `yaml:"flash_attention" json:"flash_attention"`
	TrustRemoteCode       bool   `yaml:"trust_remote_code" json:"trust_remote_code"`
	Port                  int    `yaml:"port" json:"port"`

	// OverridesFile is a partial Deployment manifest merged over the
	// generated one.
	OverridesFile string `yaml:"overrides_file" json:"overrides_file"`
}

const (
	vllmPort     = 8000
	tgisGRPCPort = 8033
)

func (m *ModelSpec) setDefaults() error {
	if m.Name == "" {
		return errors.New("model spec has no name")
	}
	if m.Engine == "" {
		m.Engine = stream.ProtocolVLLM
	}
	if _, err := stream.ParseProtocol(string(m.Engine)); err != nil {
		return err
	}
	if m.ShortName == "" {
		m.ShortName = m.Name[strings.LastIndex(m.Name, "/")+1:]
	}
	m.ShortName = strings.ToLower(strings.NewReplacer("_", "-", ".", "-").Replace(m.ShortName))
	setInt(&m.NumGPUs, 1)
	setString(&m.CPULimit, "16")
	setString(&m.CPURequest, "8")
	setString(&m.MemoryLimit, "128Gi")
	setString(&m.HFHubCache, "/models")

	switch m.Engine {
	case stream.ProtocolVLLM:
		setString(&m.Dtype, "auto")
		setInt(&m.MaxNumSeqs, 256)
	case stream.ProtocolTGIS:
		setInt(&m.MaxNewTokens, 1024)
		setInt(&m.MaxSequenceLength, 2048)
		setInt(&m.MaxBatchSize, 12)
		setInt(&m.MaxConcurrentRequests, 96)
		setInt(&m.MaxWaitingTokens, 12)
		setInt(&m.BatchSafetyMargin, 20)
		setString(&m.DtypeStr, "float16")
		setString(&m.DeploymentFramework, "hf_accelerate")
		setInt(&m.Port, 3000)
	}
	return nil
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

// LoadModelSpecs reads one or more YAML documents, each a ModelSpec.
func LoadModelSpecs(path string) ([]ModelSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var specs []ModelSpec
	dec := yaml.NewDecoder(f)
	for {
		var spec ModelSpec
		err := dec.Decode(&spec)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if spec.Name == "" && spec.Image == "" {
			continue
		}
		if err := spec.setDefaults(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		specs = append(specs, spec)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("%s: no model specs found", path)
	}
	return specs, nil
}

func env(name, value string) corev1.EnvVar {
	return corev1.EnvVar{Name: name, Value: value}
}

func (m *ModelSpec) envVars() []corev1.EnvVar {
	if m.Engine == stream.ProtocolVLLM {
		return []corev1.EnvVar{
			env("HF_HUB_CACHE", m.HFHubCache),
			env("TRANSFORMERS_CACHE", "$(HF_HUB_CACHE)"),
			env("HF_HUB_OFFLINE", "0"),
			env("NUMBA_CACHE_DIR", "/tmp"),
		}
	}
	return []corev1.EnvVar{
		env("MODEL_NAME", m.Name),
		env("NUM_GPUS", strconv.Itoa(m.NumGPUs)),
		env("HF_HUB_CACHE", m.HFHubCache),
		env("TRANSFORMERS_CACHE", m.HFHubCache),
		env("MAX_SEQUENCE_LENGTH", strconv.Itoa(m.MaxSequenceLength)),
		env("MAX_NEW_TOKENS", strconv.Itoa(m.MaxNewTokens)),
		env("MAX_BATCH_SIZE", strconv.Itoa(m.MaxBatchSize)),
		env("MAX_CONCURRENT_REQUESTS", strconv.Itoa(m.MaxConcurrentRequests)),
		env("MAX_WAITING_TOKENS", strconv.Itoa(m.MaxWaitingTokens)),
		env("BATCH_SAFETY_MARGIN", strconv.Itoa(m.BatchSafetyMargin)),
		env("DTYPE_STR", m.DtypeStr),
		env("DEPLOYMENT_FRAMEWORK", m.DeploymentFramework),
		env("FLASH_ATTENTION", strconv.FormatBool(m.FlashAttention)),
		env("TRUST_REMOTE_CODE", strconv.FormatBool(m.TrustRemoteCode)),
		env("PORT", strconv.Itoa(m.Port)),
	}
}

func (m *ModelSpec) command() ([]string, []string) {
	if m.Engine == stream.ProtocolTGIS {
		return []string{"/bin/bash", "-c"},
			[]string{"HF_HUB_OFFLINE=1 HUGGINGFACE_HUB_CACHE=$TRANSFORMERS_CACHE text-generation-launcher --num-shard $NUM_GPUS"}
	}
	args := []string{
		"-m", "vllm.entrypoints.openai.api_server",
		"--model", m.Name,
		"--max-num-seqs", strconv.Itoa(m.MaxNumSeqs),
		"--tensor-parallel-size", strconv.Itoa(m.NumGPUs),
		"--dtype", m.Dtype,
		"--enforce-eager",
	}
	if m.MaxNumBatchedTokens > 0 {
		args = append(args, "--max-num-batched-tokens", strconv.Itoa(m.MaxNumBatchedTokens))
	}
	if m.MaxModelLen > 0 {
		args = append(args, "--max-model-len", strconv.Itoa(m.MaxModelLen))
	}
	if m.Quantization != "" {
		args = append(args, "--quantization", m.Quantization)
	}
	return []string{"python3"}, args
}

// servicePort is the port the benchmark dials.
func (m *ModelSpec) servicePort() (string, int) {
	if m.Engine == stream.ProtocolTGIS {
		return "grpc", tgisGRPCPort
	}
	return "http", vllmPort
}

// WorkloadSpec describes the request pool to generate. Kind is homogeneous
// (fixed shape), heterogeneous (uniform ranges) or realistic (pre-fit
// histogram model).
type WorkloadSpec struct {
	Kind            string  `yaml:"kind" json:"kind"`
	SampleSize      int     `yaml:"sample_size" json:"sample_size"`
	Image           string  `yaml:"image" json:"image"`
	PVCName         string  `yaml:"pvc_name" json:"pvc_name"`
	Overwrite       bool    `yaml:"overwrite" json:"overwrite"`
	InputTokens     int     `yaml:"input_tokens" json:"input_tokens"`
	OutputTokens    int     `yaml:"output_tokens" json:"output_tokens"`
	Greedy          bool    `yaml:"greedy" json:"greedy"`
	MinInputTokens  int     `yaml:"min_input_tokens" json:"min_input_tokens"`
	MaxInputTokens  int     `yaml:"max_input_tokens" json:"max_input_tokens"`
	MinOutputTokens int     `yaml:"min_output_tokens" json:"min_output_tokens"`
	MaxOutputTokens int     `yaml:"max_output_tokens" json:"max_output_tokens"`
	FracGreedy      float64 `yaml:"frac_greedy" json:"frac_greedy"`
	HistogramFile   string  `yaml:"histogram_file" json:"histogram_file"`
}

// Workload kinds.
const (
	Homogeneous   = "homogeneous"
	Heterogeneous = "heterogeneous"
	Realistic     = "realistic"
)

const defaultImage = "ghcr.io/redisai/llmbench:latest"

func (w *WorkloadSpec) setDefaults() error {
	setString(&w.Image, defaultImage)
	switch w.Kind {
	case Homogeneous:
		w.SampleSize = 1
		setInt(&w.InputTokens, 500)
		setInt(&w.OutputTokens, 50)
	case Heterogeneous:
		setInt(&w.SampleSize, 10)
		setInt(&w.MinInputTokens, 10)
		setInt(&w.MaxInputTokens, 20)
		setInt(&w.MinOutputTokens, 10)
		setInt(&w.MaxOutputTokens, 20)
	case Realistic:
		setInt(&w.SampleSize, 10)
	default:
		return fmt.Errorf("unknown workload kind %q", w.Kind)
	}
	return nil
}

// LoadWorkloadSpec reads a WorkloadSpec from a YAML file.
func LoadWorkloadSpec(path string) (*WorkloadSpec, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var w WorkloadSpec
	if err := yaml.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := w.setDefaults(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &w, nil
}

// envVars configures the workload generator job.
func (w *WorkloadSpec) envVars(target stream.Protocol, modelID, url, outfile string) []corev1.EnvVar {
	vars := []corev1.EnvVar{
		env("TARGET", string(target)),
		env("MODEL_ID", modelID),
		env("SAMPLE_SIZE", strconv.Itoa(w.SampleSize)),
		env("URL", url),
		env("OVERWRITE", strconv.FormatBool(w.Overwrite)),
		env("REQUESTS_FILENAME", outfile),
	}
	switch w.Kind {
	case Homogeneous:
		frac := "0.0"
		if w.Greedy {
			frac = "1.0"
		}
		vars = append(vars,
			env("MIN_INPUT_TOKENS", strconv.Itoa(w.InputTokens)),
			env("MAX_INPUT_TOKENS", strconv.Itoa(w.InputTokens)),
			env("MIN_OUTPUT_TOKENS", strconv.Itoa(w.OutputTokens)),
			env("MAX_OUTPUT_TOKENS", strconv.Itoa(w.OutputTokens)),
			env("FRAC_GREEDY", frac))
	case Heterogeneous:
		vars = append(vars,
			env("MIN_INPUT_TOKENS", strconv.Itoa(w.MinInputTokens)),
			env("MAX_INPUT_TOKENS", strconv.Itoa(w.MaxInputTokens)),
			env("MIN_OUTPUT_TOKENS", strconv.Itoa(w.MinOutputTokens)),
			env("MAX_OUTPUT_TOKENS", strconv.Itoa(w.MaxOutputTokens)),
			env("FRAC_GREEDY", strconv.FormatFloat(w.FracGreedy, 'f', -1, 64)))
	case Realistic:
		if w.HistogramFile != "" {
			vars = append(vars, env("HISTOGRAM_FILE", w.HistogramFile))
		}
	}
	return vars
}

func (w *WorkloadSpec) args() []string {
	if w.Kind == Realistic {
		return []string{"llmbench_generate_workload --from-model"}
	}
	return []string{"llmbench_generate_workload"}
}

// StackSpec describes an already running OpenAI-compatible serving stack.
type StackSpec struct {
	Name        string   `yaml:"name"`
	StackType   string   `yaml:"stack_type"`
	EndpointURL string   `yaml:"endpoint_url"`
	APIKey      string   `yaml:"api_key"`
	Models      []string `yaml:"models"`
}

var defaultStackEndpoints = map[string]string{
	"aibrix":    "http://aibrix-router:8000",
	"dynamo":    "http://dynamo-router:8000",
	"vllm-prod": "http://vllm-router-service:80",
}

// LoadStackSpec reads a StackSpec from a YAML file and fills in the
// default router endpoint of known stack types.
func LoadStackSpec(path string) (*StackSpec, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s StackSpec
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.StackType = strings.ToLower(s.StackType)
	if s.EndpointURL == "" {
		s.EndpointURL = defaultStackEndpoints[s.StackType]
	}
	if s.Name == "" || s.EndpointURL == "" {
		return nil, fmt.Errorf("%s: stack spec needs a name and an endpoint_url", path)
	}
	return &s, nil
}

// Endpoints returns one benchmark endpoint per model served by the stack,
// or a single endpoint without a model when none are listed.
func (s *StackSpec) Endpoints() []*Endpoint {
	models := s.Models
	if len(models) == 0 {
		models = []string{""}
	}
	eps := make([]*Endpoint, 0, len(models))
	for _, m := range models {
		eps = append(eps, &Endpoint{
			Target: &inference.ExistingStack{
				StackName: s.Name,
				StackType: s.StackType,
				BaseURL:   s.EndpointURL,
				APIKey:    s.APIKey,
				Models:    s.Models,
			},
			ModelID: m,
		})
	}
	return eps
}
