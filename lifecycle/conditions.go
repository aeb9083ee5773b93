package lifecycle

import (
	"errors"
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
)

// Condition is the observable state a wait blocks for.
type Condition string

const (
	None      Condition = ""
	Ready     Condition = "Ready"
	Available Condition = "Available"
	Complete  Condition = "Complete"
	Deleted   Condition = "Deleted"
)

// ErrTimeout is returned, wrapped, when a wait runs out of budget.
var ErrTimeout = errors.New("timed out waiting for resource")

// FatalError reports a provider failure that no amount of waiting will fix.
type FatalError struct {
	Name    string
	Type    string
	Reason  string
	Message string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s failed: %s/%s: %s", e.Name, e.Type, e.Reason, e.Message)
}

type condition struct {
	Type    string
	Status  string
	Reason  string
	Message string
}

// conditionsOf reads status.conditions of any typed or unstructured object.
func conditionsOf(obj runtime.Object) ([]condition, error) {
	content, err := runtime.DefaultUnstructuredConverter.ToUnstructured(obj)
	if err != nil {
		return nil, err
	}
	raw, found, err := unstructured.NestedSlice(content, "status", "conditions")
	if err != nil || !found {
		return nil, err
	}
	conds := make([]condition, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		str := func(k string) string {
			s, _ := m[k].(string)
			return s
		}
		conds = append(conds, condition{
			Type:    str("type"),
			Status:  str("status"),
			Reason:  str("reason"),
			Message: str("message"),
		})
	}
	return conds, nil
}

// fatalCondition returns the first condition signalling an unrecoverable
// provider failure, or nil.
func fatalCondition(name string, conds []condition) *FatalError {
	for _, c := range conds {
		if c.Status != "False" {
			continue
		}
		fatal := false
		switch {
		case c.Type == "Synced" && c.Reason == "ReconcileError":
			fatal = true
		case c.Type == "LastAsyncOperation" && c.Reason == "ApplyFailure":
			fatal = strings.Contains(c.Message, "QuotaExceeded") ||
				strings.Contains(c.Message, "error creating NodePool")
		case c.Type == "PodScheduled" && c.Reason == "Unschedulable":
			fatal = !strings.Contains(c.Message, "untolerated taint")
		}
		if fatal {
			return &FatalError{Name: name, Type: c.Type, Reason: c.Reason, Message: c.Message}
		}
	}
	return nil
}

func satisfied(conds []condition, until Condition) bool {
	for _, c := range conds {
		if c.Type == string(until) && c.Status == "True" {
			return true
		}
	}
	return false
}
