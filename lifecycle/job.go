package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/RedisAI/llmbench/inference"
	"github.com/sirupsen/logrus"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	controllerUIDLabel       = "batch.kubernetes.io/controller-uid"
	legacyControllerUIDLabel = "controller-uid"

	// PodLogFile receives the raw log of a job whose output could not be parsed.
	PodLogFile = "pod_log_response.txt"
)

// RunJob submits job, waits for it to complete and parses the last line of
// its pod log as a result envelope. The job is deleted afterwards. When the
// log cannot be parsed it is preserved in the log directory and (nil, nil) is
// returned.
func (c *Controller) RunJob(ctx context.Context, job *batchv1.Job, timeout time.Duration) (*inference.Envelope, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	ref, err := c.create(ctx, job)
	if err != nil {
		return nil, err
	}
	if err := c.Wait(ctx, ref, Complete, timeout); err != nil {
		return nil, err
	}

	logs, err := c.jobLogs(ctx, ref)
	if err != nil {
		return nil, err
	}
	env, parseErr := inference.ParseEnvelope(lastLine(logs))

	if err := c.DeleteAndWait(ctx, ref, Deleted); err != nil {
		return nil, err
	}
	if parseErr != nil {
		path := filepath.Join(c.logDir, PodLogFile)
		logrus.Warnf("could not parse output of job %s (%v); log saved to %s", ref.Name, parseErr, path)
		if err := os.MkdirAll(c.logDir, 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, logs, 0o644); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return env, nil
}

func (c *Controller) jobLogs(ctx context.Context, ref ResourceRef) ([]byte, error) {
	job, err := c.client.BatchV1().Jobs(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", ref, err)
	}
	key, uid := controllerUID(job)
	if uid == "" {
		return nil, fmt.Errorf("%s carries no controller uid label", ref)
	}
	pods, err := c.client.CoreV1().Pods(ref.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", key, uid),
	})
	if err != nil {
		return nil, fmt.Errorf("listing pods of %s: %w", ref, err)
	}
	pod, err := finishedPod(pods.Items)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ref, err)
	}
	logs, err := c.readLogs(ctx, ref.Namespace, pod)
	if err != nil {
		return nil, fmt.Errorf("reading log of pod %s: %w", pod, err)
	}
	return logs, nil
}

func controllerUID(job *batchv1.Job) (string, string) {
	sets := []map[string]string{job.Labels, job.Spec.Template.Labels}
	if job.Spec.Selector != nil {
		sets = append(sets, job.Spec.Selector.MatchLabels)
	}
	for _, key := range []string{controllerUIDLabel, legacyControllerUIDLabel} {
		for _, labels := range sets {
			if uid := labels[key]; uid != "" {
				return key, uid
			}
		}
	}
	return "", ""
}

// finishedPod picks the pod whose log holds the job output: the succeeded one
// when there are several, else the first.
func finishedPod(pods []corev1.Pod) (string, error) {
	switch len(pods) {
	case 0:
		return "", fmt.Errorf("no pods found")
	case 1:
		return pods[0].Name, nil
	}
	for _, p := range pods {
		if p.Status.Phase == corev1.PodSucceeded {
			return p.Name, nil
		}
	}
	logrus.Warnf("%d pods found, none succeeded; reading %s", len(pods), pods[0].Name)
	return pods[0].Name, nil
}

func lastLine(b []byte) []byte {
	lines := bytes.Split(bytes.TrimRight(b, "\r\n\t "), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		if line := bytes.TrimSpace(lines[i]); len(line) > 0 {
			return line
		}
	}
	return nil
}
