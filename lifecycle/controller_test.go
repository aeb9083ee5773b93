package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

// serveWatches answers successive watches on resource with the given events,
// one slice per watch call.
func serveWatches(client *fake.Clientset, resource string, streams ...[]watch.Event) {
	var mu sync.Mutex
	client.PrependWatchReactor(resource, func(k8stesting.Action) (bool, watch.Interface, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(streams) == 0 {
			return true, watch.NewFake(), nil
		}
		events := streams[0]
		streams = streams[1:]
		fw := watch.NewFakeWithChanSize(len(events), false)
		for _, ev := range events {
			fw.Action(ev.Type, ev.Object)
		}
		return true, fw, nil
	})
}

func testController(client *fake.Clientset, opts ...Option) *Controller {
	opts = append([]Option{
		WithTimeout(5 * time.Second),
		WithWaiter(&Waiter{RequestTimeout: time.Second, ResubscribeInterval: time.Millisecond}),
	}, opts...)
	return NewController(client, "bench", opts...)
}

func deployment(name string, conds ...appsv1.DeploymentCondition) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "bench"},
		Status:     appsv1.DeploymentStatus{Conditions: conds},
	}
}

func TestCreateAndWaitDeployment(t *testing.T) {
	client := fake.NewSimpleClientset()
	available := deployment("vllm", appsv1.DeploymentCondition{Type: appsv1.DeploymentAvailable, Status: corev1.ConditionTrue})
	serveWatches(client, "deployments", []watch.Event{
		{Type: watch.Added, Object: deployment("vllm")},
		{Type: watch.Modified, Object: available},
	})
	c := testController(client)

	require.NoError(t, c.CreateAndWait(context.Background(), deployment("vllm"), Available))
	_, err := client.AppsV1().Deployments("bench").Get(context.Background(), "vllm", metav1.GetOptions{})
	require.NoError(t, err)

	var restrictions []string
	for _, a := range client.Actions() {
		if w, ok := a.(k8stesting.WatchAction); ok {
			restrictions = append(restrictions, w.GetWatchRestrictions().Fields.String())
		}
	}
	assert.Equal(t, []string{"metadata.name=vllm"}, restrictions)
}

func TestCreateAndWaitAlreadyExists(t *testing.T) {
	existing := deployment("vllm")
	client := fake.NewSimpleClientset(existing)

	err := testController(client).CreateAndWait(context.Background(), deployment("vllm"), None)
	require.Error(t, err)
	assert.True(t, apierrors.IsAlreadyExists(err))

	err = testController(client, IgnoreExists(true)).CreateAndWait(context.Background(), deployment("vllm"), None)
	assert.NoError(t, err)
}

func TestCreateServiceDoesNotWait(t *testing.T) {
	client := fake.NewSimpleClientset()
	svc := &corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: "vllm"}}
	require.NoError(t, testController(client).CreateAndWait(context.Background(), svc, Ready))
	for _, a := range client.Actions() {
		assert.NotEqual(t, "watch", a.GetVerb())
	}
	_, err := client.CoreV1().Services("bench").Get(context.Background(), "vllm", metav1.GetOptions{})
	assert.NoError(t, err)
}

func TestCreateUnsupportedType(t *testing.T) {
	err := testController(fake.NewSimpleClientset()).CreateAndWait(context.Background(), &corev1.ConfigMap{}, None)
	assert.Error(t, err)
}

func TestDeleteAndWait(t *testing.T) {
	client := fake.NewSimpleClientset(deployment("vllm"))
	serveWatches(client, "deployments", []watch.Event{
		{Type: watch.Deleted, Object: deployment("vllm")},
	})
	c := testController(client)

	require.NoError(t, c.DeleteAndWait(context.Background(), ResourceRef{Kind: KindDeployment, Name: "vllm"}, Deleted))
	_, err := client.AppsV1().Deployments("bench").Get(context.Background(), "vllm", metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err))

	var deletes int
	for _, a := range client.Actions() {
		if d, ok := a.(k8stesting.DeleteAction); ok {
			deletes++
			require.NotNil(t, d.GetDeleteOptions().PropagationPolicy)
			assert.Equal(t, metav1.DeletePropagationForeground, *d.GetDeleteOptions().PropagationPolicy)
		}
	}
	assert.Equal(t, 1, deletes)
}

func TestDeleteMissingIsSuccess(t *testing.T) {
	c := testController(fake.NewSimpleClientset())
	assert.NoError(t, c.DeleteAndWait(context.Background(), ResourceRef{Kind: KindJob, Name: "gone"}, Deleted))
	assert.Error(t, c.DeleteAndWait(context.Background(), ResourceRef{Kind: "Secret", Name: "x"}, Deleted))
}

func completedJob(name string) *batchv1.Job {
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "bench"},
		Status: batchv1.JobStatus{Conditions: []batchv1.JobCondition{
			{Type: batchv1.JobComplete, Status: corev1.ConditionTrue},
		}},
	}
}

func jobFixture(labels map[string]string) (*batchv1.Job, []runtime.Object) {
	job := &batchv1.Job{ObjectMeta: metav1.ObjectMeta{Name: "loadgen", Namespace: "bench", Labels: labels}}
	pods := []runtime.Object{
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "loadgen-abcde", Namespace: "bench", Labels: labels}},
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "unrelated", Namespace: "bench",
			Labels: map[string]string{controllerUIDLabel: "other"}}},
	}
	return job, pods
}

func TestRunJobParsesLastLine(t *testing.T) {
	for _, key := range []string{controllerUIDLabel, legacyControllerUIDLabel} {
		t.Run(key, func(t *testing.T) {
			job, pods := jobFixture(map[string]string{key: "uid-1"})
			client := fake.NewSimpleClientset(pods...)
			serveWatches(client, "jobs",
				[]watch.Event{{Type: watch.Modified, Object: completedJob("loadgen")}},
				[]watch.Event{{Type: watch.Deleted, Object: completedJob("loadgen")}},
			)
			var readFrom string
			c := testController(client, WithLogReader(func(_ context.Context, ns, pod string) ([]byte, error) {
				readFrom = ns + "/" + pod
				return []byte("starting load\n{\"results\":[{\"worker_idx\":0,\"ok\":true}],\"energy\":{\"power\":1.5}}\n\n"), nil
			}))

			env, err := c.RunJob(context.Background(), job, 0)
			require.NoError(t, err)
			require.NotNil(t, env)
			assert.Equal(t, "bench/loadgen-abcde", readFrom)
			assert.Len(t, env.Results, 1)
			assert.Equal(t, 1.5, env.Energy["power"])

			_, err = client.BatchV1().Jobs("bench").Get(context.Background(), "loadgen", metav1.GetOptions{})
			assert.True(t, apierrors.IsNotFound(err))
		})
	}
}

func TestRunJobPreservesUnparseableLog(t *testing.T) {
	dir := t.TempDir()
	job, pods := jobFixture(map[string]string{controllerUIDLabel: "uid-1"})
	client := fake.NewSimpleClientset(pods...)
	serveWatches(client, "jobs",
		[]watch.Event{{Type: watch.Modified, Object: completedJob("loadgen")}},
		[]watch.Event{{Type: watch.Deleted, Object: completedJob("loadgen")}},
	)
	logs := "Traceback: something broke\n"
	c := testController(client, WithLogDir(dir), WithLogReader(func(context.Context, string, string) ([]byte, error) {
		return []byte(logs), nil
	}))

	env, err := c.RunJob(context.Background(), job, time.Second)
	require.NoError(t, err)
	assert.Nil(t, env)
	saved, err := os.ReadFile(filepath.Join(dir, PodLogFile))
	require.NoError(t, err)
	assert.Equal(t, logs, string(saved))
}

func TestRunJobWithoutPods(t *testing.T) {
	job, _ := jobFixture(map[string]string{controllerUIDLabel: "uid-1"})
	client := fake.NewSimpleClientset()
	serveWatches(client, "jobs", []watch.Event{{Type: watch.Modified, Object: completedJob("loadgen")}})
	_, err := testController(client).RunJob(context.Background(), job, time.Second)
	assert.Error(t, err)
}

func TestFinishedPod(t *testing.T) {
	done := corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "b"}, Status: corev1.PodStatus{Phase: corev1.PodSucceeded}}
	failed := corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "a"}, Status: corev1.PodStatus{Phase: corev1.PodFailed}}

	name, err := finishedPod([]corev1.Pod{failed, done})
	require.NoError(t, err)
	assert.Equal(t, "b", name)
	retried := corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "c"}, Status: corev1.PodStatus{Phase: corev1.PodFailed}}
	name, err = finishedPod([]corev1.Pod{failed, retried})
	require.NoError(t, err)
	assert.Equal(t, "a", name)
	_, err = finishedPod(nil)
	assert.Error(t, err)
}
