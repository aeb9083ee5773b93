package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
)

const (
	// DefaultRequestTimeout bounds how long a watch may stay silent.
	DefaultRequestTimeout = 20 * time.Second
	// DefaultResubscribeInterval paces resubscription after transient failures.
	DefaultResubscribeInterval = time.Second

	minRetryBudget = time.Second
)

var errIdle = errors.New("client-side watch timeout")

// WatchFunc opens a watch on a collection. It has the signature of the Watch
// method of client-go typed and dynamic resource interfaces.
type WatchFunc func(ctx context.Context, opts metav1.ListOptions) (watch.Interface, error)

// Waiter blocks until a named object of a watched collection reaches a condition.
type Waiter struct {
	RequestTimeout      time.Duration
	ResubscribeInterval time.Duration
}

// NewWaiter returns a Waiter with the default timeouts.
func NewWaiter() *Waiter {
	return &Waiter{
		RequestTimeout:      DefaultRequestTimeout,
		ResubscribeInterval: DefaultResubscribeInterval,
	}
}

// transientError marks a watch failure after which the watch is reopened.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Wait watches the collection opened by watchFn, starting at resourceVersion,
// until the object called name satisfies until. Transient watch failures are
// retried within timeout; once less than a second of budget remains ErrTimeout
// is returned. A fatal provider condition returns a *FatalError at once.
func (w *Waiter) Wait(ctx context.Context, name string, watchFn WatchFunc, until Condition, timeout time.Duration, resourceVersion string) error {
	if until == None {
		return nil
	}
	interval := w.ResubscribeInterval
	if interval <= 0 {
		interval = DefaultResubscribeInterval
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	return w.wait(ctx, name, watchFn, until, timeout, resourceVersion, limiter)
}

func (w *Waiter) wait(ctx context.Context, name string, watchFn WatchFunc, until Condition, budget time.Duration, resourceVersion string, limiter *rate.Limiter) error {
	t0 := time.Now()
	logrus.Infof("waiting for %s until %s (%d seconds remaining)", name, until, int(budget.Seconds()))

	lastVersion, err := w.watchOnce(ctx, name, watchFn, until, budget, resourceVersion)
	if err == nil {
		logrus.Infof("%s reached %s", name, until)
		return nil
	}
	var transient *transientError
	if !errors.As(err, &transient) {
		return err
	}

	remaining := budget - time.Since(t0)
	if remaining < minRetryBudget {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, name, transient.err)
	}
	logrus.Warnf("watch on %s interrupted (%v); resubscribing with %d seconds remaining", name, transient.err, int(remaining.Seconds()))
	if err := limiter.Wait(ctx); err != nil {
		return err
	}
	remaining = budget - time.Since(t0)
	if remaining < minRetryBudget {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, name, transient.err)
	}
	return w.wait(ctx, name, watchFn, until, remaining, lastVersion, limiter)
}

// watchOnce consumes a single watch stream. It returns the last resource
// version observed, so that a retry can resume where this stream stopped.
func (w *Waiter) watchOnce(ctx context.Context, name string, watchFn WatchFunc, until Condition, budget time.Duration, resourceVersion string) (string, error) {
	seconds := int64(budget / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	opened := time.Now()
	watcher, err := watchFn(ctx, metav1.ListOptions{
		ResourceVersion: resourceVersion,
		TimeoutSeconds:  &seconds,
	})
	if err != nil {
		if apierrors.IsGone(err) || apierrors.IsResourceExpired(err) {
			resourceVersion = ""
		}
		return resourceVersion, &transientError{err}
	}
	defer watcher.Stop()

	requestTimeout := w.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	idle := time.NewTimer(requestTimeout)
	defer idle.Stop()
	// A stalled stream must not outlive the budget.
	expired := time.NewTimer(budget - time.Since(opened))
	defer expired.Stop()

	for {
		select {
		case <-ctx.Done():
			return resourceVersion, ctx.Err()
		case <-expired.C:
			return resourceVersion, fmt.Errorf("%w: %s: no satisfying event within %s", ErrTimeout, name, budget)
		case <-idle.C:
			return resourceVersion, &transientError{errIdle}
		case event, ok := <-watcher.ResultChan():
			if !ok {
				if budget-time.Since(opened) < minRetryBudget {
					return resourceVersion, fmt.Errorf("%w: %s: server-side watch timeout", ErrTimeout, name)
				}
				return resourceVersion, &transientError{errors.New("watch stream closed")}
			}
			idle.Reset(requestTimeout)

			if event.Type == watch.Error {
				err := apierrors.FromObject(event.Object)
				if apierrors.IsGone(err) || apierrors.IsResourceExpired(err) {
					resourceVersion = ""
				}
				return resourceVersion, &transientError{err}
			}
			obj, err := meta.Accessor(event.Object)
			if err != nil {
				logrus.Debugf("skipping %s event: %v", event.Type, err)
				continue
			}
			if rv := obj.GetResourceVersion(); rv != "" {
				resourceVersion = rv
			}
			if event.Type == watch.Bookmark || obj.GetName() != name {
				continue
			}
			if event.Type == watch.Deleted {
				if until == Deleted {
					return resourceVersion, nil
				}
				continue
			}

			conds, err := conditionsOf(event.Object)
			if err != nil {
				logrus.Debugf("reading conditions of %s: %v", name, err)
				continue
			}
			if fe := fatalCondition(name, conds); fe != nil {
				return resourceVersion, fe
			}
			if until != Deleted && satisfied(conds, until) {
				return resourceVersion, nil
			}
		}
	}
}
