// Package cluster runs benchmarks on Kubernetes: it deploys model servers,
// generates request pools and drives the load generator as batch jobs.
package cluster

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"time"

	"github.com/RedisAI/llmbench/inference"
	"github.com/RedisAI/llmbench/lifecycle"
	"github.com/RedisAI/llmbench/stream"
	"github.com/sirupsen/logrus"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Endpoint is a target under test together with the model it serves.
type Endpoint struct {
	Target  inference.Target
	ModelID string
	// Spec is set for servers deployed by the benchmark.
	Spec *ModelSpec
}

// GeneratedWorkload is a request pool stored on the requests volume.
type GeneratedWorkload struct {
	Spec   WorkloadSpec
	File   string
	Target stream.Protocol
}

// Cluster runs benchmark steps through a lifecycle controller.
type Cluster struct {
	Name string
	ctrl *lifecycle.Controller
}

// New returns a Cluster driving ctrl.
func New(name string, ctrl *lifecycle.Controller) *Cluster {
	return &Cluster{Name: name, ctrl: ctrl}
}

func jobName(step, id string) string {
	if id == "" {
		return "llmbench-" + step
	}
	return "llmbench-" + step + "-" + id
}

// DeployModel creates the Deployment and Service of a model server, waits for
// the Deployment to become Available and returns its in-cluster endpoint.
func (c *Cluster) DeployModel(ctx context.Context, spec ModelSpec, id string) (*Endpoint, error) {
	if err := spec.setDefaults(); err != nil {
		return nil, err
	}
	name := DeploymentName(spec, id)
	ns := c.ctrl.Namespace()

	dep, err := ModelDeployment(spec, name, ns)
	if err != nil {
		return nil, err
	}
	if err := c.ctrl.CreateAndWait(ctx, dep, lifecycle.Available); err != nil {
		return nil, fmt.Errorf("deploying %s: %w", spec.Name, err)
	}
	if err := c.ctrl.CreateAndWait(ctx, ModelService(spec, name, ns), lifecycle.None); err != nil {
		return nil, fmt.Errorf("exposing %s: %w", spec.Name, err)
	}

	svc, err := c.ctrl.Client().CoreV1().Services(ns).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, err
	}
	ip := svc.Spec.ClusterIP
	if ip == "" || ip == "None" {
		return nil, fmt.Errorf("service %s has no cluster ip", name)
	}
	_, port := spec.servicePort()
	logrus.Infof("model %s served by %s at %s:%d", spec.Name, name, ip, port)
	return &Endpoint{
		Target: &inference.ManagedDeployment{
			DeploymentName: name,
			ServiceName:    name,
			Namespace:      ns,
			Address:        ip + ":" + strconv.Itoa(port),
			Proto:          spec.Engine,
			ModelID:        spec.Name,
		},
		ModelID: spec.Name,
		Spec:    &spec,
	}, nil
}

// DeleteModel removes the Service and Deployment of a deployed model without
// waiting for their removal.
func (c *Cluster) DeleteModel(ctx context.Context, ep *Endpoint) error {
	d, ok := ep.Target.(*inference.ManagedDeployment)
	if !ok {
		return nil
	}
	svcErr := c.ctrl.DeleteAndWait(ctx, lifecycle.ResourceRef{Kind: lifecycle.KindService, Name: d.ServiceName, Namespace: d.Namespace}, lifecycle.None)
	depErr := c.ctrl.DeleteAndWait(ctx, lifecycle.ResourceRef{Kind: lifecycle.KindDeployment, Name: d.DeploymentName, Namespace: d.Namespace}, lifecycle.None)
	return errors.Join(svcErr, depErr)
}

// WorkloadFile names the request pool of a model and workload pair after a
// digest of both specs.
func WorkloadFile(ep *Endpoint, w WorkloadSpec) (string, error) {
	var model []byte
	var err error
	if ep.Spec != nil {
		model, err = json.Marshal(ep.Spec)
	} else {
		model, err = json.Marshal(map[string]string{"model": ep.ModelID, "target": ep.Target.Name()})
	}
	if err != nil {
		return "", err
	}
	workload, err := json.Marshal(w)
	if err != nil {
		return "", err
	}
	sum := md5.Sum(append(model, workload...))
	return "workload-" + hex.EncodeToString(sum[:]) + ".json", nil
}

// GenerateWorkload runs the workload generator as a job against ep. The pool
// file is named after the specs unless filename is given.
func (c *Cluster) GenerateWorkload(ctx context.Context, ep *Endpoint, w WorkloadSpec, filename, id string) (*GeneratedWorkload, error) {
	if err := w.setDefaults(); err != nil {
		return nil, err
	}
	if filename == "" {
		var err error
		if filename, err = WorkloadFile(ep, w); err != nil {
			return nil, err
		}
	}
	target := ep.Target.Protocol()
	volumes, mounts := workloadVolumes(ep.Spec, w)
	vars := w.envVars(target, ep.ModelID, ep.Target.EndpointURL(), path.Join(RequestsDir, filename))
	vars = append(vars, apiKeyEnv(ep)...)

	name := jobName("generate", id)
	job := benchmarkJob(name, c.ctrl.Namespace(), w.Image, vars, w.args(), 1, volumes, mounts)
	if err := c.ctrl.CreateAndWait(ctx, job, lifecycle.Complete); err != nil {
		return nil, fmt.Errorf("generating workload: %w", err)
	}
	ref := lifecycle.ResourceRef{Kind: lifecycle.KindJob, Name: name, Namespace: c.ctrl.Namespace()}
	if err := c.ctrl.DeleteAndWait(ctx, ref, lifecycle.Deleted); err != nil {
		return nil, err
	}
	return &GeneratedWorkload{Spec: w, File: filename, Target: target}, nil
}

func apiKeyEnv(ep *Endpoint) []corev1.EnvVar {
	if s, ok := ep.Target.(*inference.ExistingStack); ok && s.APIKey != "" {
		return []corev1.EnvVar{env("API_KEY", s.APIKey)}
	}
	return nil
}

// EvaluateOptions configures one load-generation experiment.
type EvaluateOptions struct {
	NumUsers    int
	Duration    time.Duration
	Backoff     time.Duration
	GracePeriod time.Duration
	PromURL     string
	PromToken   string
	PromSteps   int
	MetricList  string
	Timeout     time.Duration
	ID          string
}

func (o *EvaluateOptions) setDefaults() {
	setInt(&o.NumUsers, 1)
	setInt(&o.PromSteps, 30)
	if o.Duration <= 0 {
		o.Duration = 10 * time.Second
	}
	if o.Backoff <= 0 {
		o.Backoff = 3 * time.Second
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = 10 * time.Second
	}
}

func (c *Cluster) evaluateJob(ep *Endpoint, w *GeneratedWorkload, o EvaluateOptions) *batchv1.Job {
	vars := []corev1.EnvVar{
		env("MODEL_ID", ep.ModelID),
		env("URL", ep.Target.EndpointURL()),
		env("REQUESTS_FILENAME", path.Join(RequestsDir, w.File)),
		env("RESULTS_FILENAME", path.Join(RequestsDir, "results.json")),
		env("TARGET", string(w.Target)),
		env("NUM_USERS", strconv.Itoa(o.NumUsers)),
		env("DURATION", o.Duration.String()),
		env("BACKOFF", o.Backoff.String()),
		env("GRACE_PERIOD", o.GracePeriod.String()),
		env("NAMESPACE", c.ctrl.Namespace()),
		env("NUM_PROM_STEPS", strconv.Itoa(o.PromSteps)),
	}
	if o.PromURL != "" {
		vars = append(vars, env("PROM_URL", o.PromURL))
	}
	if o.PromToken != "" {
		vars = append(vars, env("PROM_TOKEN", o.PromToken))
	}
	if o.MetricList != "" {
		vars = append(vars, env("TARGET_METRICS_LIST", o.MetricList))
	}
	vars = append(vars, apiKeyEnv(ep)...)
	volumes, mounts := workloadVolumes(nil, w.Spec)
	return benchmarkJob(jobName("evaluate", o.ID), c.ctrl.Namespace(), w.Spec.Image, vars,
		[]string{"llmbench_run_loadgen"}, 0, volumes, mounts)
}

// Evaluate runs the load generator as a job and returns its records and
// energy readings. Both are nil when the job output could not be parsed.
func (c *Cluster) Evaluate(ctx context.Context, ep *Endpoint, w *GeneratedWorkload, o EvaluateOptions) ([]inference.RequestRecord, map[string]interface{}, error) {
	o.setDefaults()
	out, err := c.ctrl.RunJob(ctx, c.evaluateJob(ep, w, o), o.Timeout)
	if err != nil {
		return nil, nil, fmt.Errorf("evaluating %d users: %w", o.NumUsers, err)
	}
	if out == nil {
		return nil, nil, nil
	}
	return out.Results, out.Energy, nil
}
