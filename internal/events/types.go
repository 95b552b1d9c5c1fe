// Package events defines the subjects carried over the event bus: the
// durable-step-executor bridge and the instance-registry hibernation signal.
package events

import "fmt"

// Durable task executor bridge subjects. The external step executor reports
// status back by publishing on these subjects; the task tracker subscribes
// per-instance and mirrors updates into handleWorkflowUpdate.
const (
	WorkflowUpdate = "agentrt.workflow.update"
)

// BuildWorkflowUpdateSubject scopes a workflow-update subject to one agent instance.
func BuildWorkflowUpdateSubject(class, name string) string {
	return fmt.Sprintf("%s.%s.%s", WorkflowUpdate, class, name)
}

// BuildWorkflowUpdateWildcardSubject matches workflow updates for every instance of a class.
func BuildWorkflowUpdateWildcardSubject(class string) string {
	return fmt.Sprintf("%s.%s.*", WorkflowUpdate, class)
}

// Hibernation liveness subjects let a host-side registry learn that an
// instance has gone idle (and may be safely evicted from memory) or has been
// re-addressed and needs to be rehydrated.
const (
	InstanceHibernate = "agentrt.instance.hibernate"
	InstanceRevive    = "agentrt.instance.revive"
)

// BuildInstanceSubject scopes an instance lifecycle subject to one (class, name).
func BuildInstanceSubject(base, class, name string) string {
	return fmt.Sprintf("%s.%s.%s", base, class, name)
}
