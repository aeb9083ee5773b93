package inference

import (
	"fmt"
	"strings"

	"github.com/RedisAI/llmbench/stream"
)

// Target is an endpoint under test.
type Target interface {
	// EndpointURL is the address the streaming client dials: a completions
	// URL for event-stream targets, host:port for generation-stream targets.
	EndpointURL() string
	Protocol() stream.Protocol
	Name() string
}

// ManagedDeployment is a model server deployed and owned by the benchmark.
type ManagedDeployment struct {
	DeploymentName string
	ServiceName    string
	Namespace      string
	Address        string // host:port of the service
	Proto          stream.Protocol
	ModelID        string
}

func (d *ManagedDeployment) EndpointURL() string {
	if d.Proto == stream.ProtocolTGIS {
		return d.Address
	}
	return "http://" + d.Address + "/v1/completions"
}

func (d *ManagedDeployment) Protocol() stream.Protocol { return d.Proto }

func (d *ManagedDeployment) Name() string { return d.DeploymentName }

// openAIPrefixed lists stack types serving the completions API under /v1.
var openAIPrefixed = map[string]bool{
	"aibrix":    true,
	"vllm-prod": true,
	"dynamo":    true,
}

// ExistingStack is an already running OpenAI-compatible serving stack.
type ExistingStack struct {
	StackName string
	StackType string
	BaseURL   string
	APIKey    string
	Models    []string
}

func (s *ExistingStack) EndpointURL() string {
	base := strings.TrimRight(s.BaseURL, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	if openAIPrefixed[strings.ToLower(s.StackType)] && !strings.HasSuffix(base, "/v1") {
		return base + "/v1/completions"
	}
	return base + "/completions"
}

func (s *ExistingStack) Protocol() stream.Protocol { return stream.ProtocolVLLM }

func (s *ExistingStack) Name() string { return s.StackName }

// NewClient returns a streaming client for t.
func NewClient(t Target) (stream.Client, error) {
	var opts []stream.HTTPOption
	if s, ok := t.(*ExistingStack); ok && s.APIKey != "" {
		opts = append(opts, stream.WithAPIKey(s.APIKey))
	}
	c, err := stream.NewClient(t.Protocol(), t.EndpointURL(), opts...)
	if err != nil {
		return nil, fmt.Errorf("target %s: %w", t.Name(), err)
	}
	return c, nil
}
