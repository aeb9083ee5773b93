package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
)

// DefaultTimeout is the budget of a wait when none is configured.
const DefaultTimeout = 6400 * time.Second

// Kinds understood by the controller.
const (
	KindDeployment = "Deployment"
	KindService    = "Service"
	KindJob        = "Job"
	KindPod        = "Pod"
)

// ResourceRef names an object of the cluster.
type ResourceRef struct {
	Kind      string
	Name      string
	Namespace string
}

func (r ResourceRef) String() string {
	return fmt.Sprintf("%s %s/%s", r.Kind, r.Namespace, r.Name)
}

// LogReader returns the log of a pod.
type LogReader func(ctx context.Context, namespace, pod string) ([]byte, error)

// Controller creates and deletes cluster objects and blocks until they reach
// a condition.
type Controller struct {
	client       kubernetes.Interface
	namespace    string
	ignoreExists bool
	timeout      time.Duration
	logDir       string
	readLogs     LogReader
	waiter       *Waiter
}

// Option configures a Controller.
type Option func(*Controller)

// IgnoreExists makes an AlreadyExists error on create count as success.
func IgnoreExists(ignore bool) Option {
	return func(c *Controller) { c.ignoreExists = ignore }
}

// WithTimeout sets the budget of each wait.
func WithTimeout(d time.Duration) Option {
	return func(c *Controller) { c.timeout = d }
}

// WithLogDir sets where unparseable job logs are preserved.
func WithLogDir(dir string) Option {
	return func(c *Controller) { c.logDir = dir }
}

// WithLogReader replaces the pod log reader.
func WithLogReader(r LogReader) Option {
	return func(c *Controller) { c.readLogs = r }
}

// WithWaiter replaces the watch engine.
func WithWaiter(w *Waiter) Option {
	return func(c *Controller) { c.waiter = w }
}

// NewController returns a controller working in namespace.
func NewController(client kubernetes.Interface, namespace string, opts ...Option) *Controller {
	c := &Controller{
		client:    client,
		namespace: namespace,
		timeout:   DefaultTimeout,
		logDir:    ".",
		waiter:    NewWaiter(),
	}
	c.readLogs = func(ctx context.Context, ns, pod string) ([]byte, error) {
		return client.CoreV1().Pods(ns).GetLogs(pod, &corev1.PodLogOptions{}).DoRaw(ctx)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Namespace is the namespace objects without one are created in.
func (c *Controller) Namespace() string {
	return c.namespace
}

// Client is the clientset the controller talks to.
func (c *Controller) Client() kubernetes.Interface {
	return c.client
}

func (c *Controller) ns(namespace string) string {
	if namespace == "" {
		return c.namespace
	}
	return namespace
}

// CreateAndWait creates obj and waits until it satisfies until. Services are
// never waited on.
func (c *Controller) CreateAndWait(ctx context.Context, obj runtime.Object, until Condition) error {
	ref, err := c.create(ctx, obj)
	if err != nil {
		return err
	}
	if ref.Kind == KindService {
		return nil
	}
	return c.Wait(ctx, ref, until, c.timeout)
}

func (c *Controller) create(ctx context.Context, obj runtime.Object) (ResourceRef, error) {
	var ref ResourceRef
	var err error
	switch o := obj.(type) {
	case *appsv1.Deployment:
		ref = ResourceRef{KindDeployment, o.Name, c.ns(o.Namespace)}
		_, err = c.client.AppsV1().Deployments(ref.Namespace).Create(ctx, o, metav1.CreateOptions{})
	case *corev1.Service:
		ref = ResourceRef{KindService, o.Name, c.ns(o.Namespace)}
		_, err = c.client.CoreV1().Services(ref.Namespace).Create(ctx, o, metav1.CreateOptions{})
	case *batchv1.Job:
		ref = ResourceRef{KindJob, o.Name, c.ns(o.Namespace)}
		_, err = c.client.BatchV1().Jobs(ref.Namespace).Create(ctx, o, metav1.CreateOptions{})
	case *corev1.Pod:
		ref = ResourceRef{KindPod, o.Name, c.ns(o.Namespace)}
		_, err = c.client.CoreV1().Pods(ref.Namespace).Create(ctx, o, metav1.CreateOptions{})
	default:
		return ref, fmt.Errorf("unsupported object type %T", obj)
	}
	switch {
	case err == nil:
		logrus.Infof("created %s", ref)
	case apierrors.IsAlreadyExists(err) && c.ignoreExists:
		logrus.Infof("%s already exists", ref)
	default:
		return ref, fmt.Errorf("creating %s: %w", ref, err)
	}
	return ref, nil
}

// Wait blocks until the referenced object satisfies until, within timeout.
func (c *Controller) Wait(ctx context.Context, ref ResourceRef, until Condition, timeout time.Duration) error {
	api, err := c.api(ref)
	if err != nil {
		return err
	}
	return c.waiter.Wait(ctx, ref.Name, api.watch, until, timeout, "")
}

// DeleteAndWait deletes the referenced object with foreground propagation and,
// if until is Deleted, waits for the deletion to be observed. A missing object
// is not an error.
func (c *Controller) DeleteAndWait(ctx context.Context, ref ResourceRef, until Condition) error {
	ref.Namespace = c.ns(ref.Namespace)
	api, err := c.api(ref)
	if err != nil {
		return err
	}
	obj, err := api.get(ctx, ref.Name)
	if apierrors.IsNotFound(err) {
		logrus.Infof("%s does not exist", ref)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", ref, err)
	}
	resourceVersion := obj.GetResourceVersion()

	propagation := metav1.DeletePropagationForeground
	err = api.delete(ctx, ref.Name, metav1.DeleteOptions{PropagationPolicy: &propagation})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("deleting %s: %w", ref, err)
	}
	logrus.Infof("deleting %s", ref)
	if until != Deleted {
		return nil
	}
	return c.waiter.Wait(ctx, ref.Name, api.watch, Deleted, c.timeout, resourceVersion)
}

// resourceAPI adapts the typed clients of one kind to a common shape.
type resourceAPI struct {
	get    func(ctx context.Context, name string) (metav1.Object, error)
	delete func(ctx context.Context, name string, opts metav1.DeleteOptions) error
	watch  WatchFunc
}

func (c *Controller) api(ref ResourceRef) (resourceAPI, error) {
	ns := c.ns(ref.Namespace)
	var api resourceAPI
	var watchFn WatchFunc
	switch ref.Kind {
	case KindDeployment:
		client := c.client.AppsV1().Deployments(ns)
		api.get = func(ctx context.Context, name string) (metav1.Object, error) { return client.Get(ctx, name, metav1.GetOptions{}) }
		api.delete = client.Delete
		watchFn = client.Watch
	case KindService:
		client := c.client.CoreV1().Services(ns)
		api.get = func(ctx context.Context, name string) (metav1.Object, error) { return client.Get(ctx, name, metav1.GetOptions{}) }
		api.delete = client.Delete
		watchFn = client.Watch
	case KindJob:
		client := c.client.BatchV1().Jobs(ns)
		api.get = func(ctx context.Context, name string) (metav1.Object, error) { return client.Get(ctx, name, metav1.GetOptions{}) }
		api.delete = client.Delete
		watchFn = client.Watch
	case KindPod:
		client := c.client.CoreV1().Pods(ns)
		api.get = func(ctx context.Context, name string) (metav1.Object, error) { return client.Get(ctx, name, metav1.GetOptions{}) }
		api.delete = client.Delete
		watchFn = client.Watch
	default:
		return api, fmt.Errorf("unsupported kind %q", ref.Kind)
	}
	selector := fields.OneTermEqualSelector("metadata.name", ref.Name).String()
	api.watch = func(ctx context.Context, opts metav1.ListOptions) (watch.Interface, error) {
		opts.FieldSelector = selector
		return watchFn(ctx, opts)
	}
	return api, nil
}
