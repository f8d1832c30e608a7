// Package deps evaluates task dependency gates. Missing dependency ids
// are treated as satisfied: administrative deletion of a task must never
// poison downstream work.
package deps

import (
	v1 "github.com/mindmux/mindmux/pkg/api/v1"
)

// Lookup resolves a task id to its current record, nil when unknown.
type Lookup func(id string) *v1.Task

// CanExecute reports whether every extant dependency is completed.
func CanExecute(task *v1.Task, lookup Lookup) bool {
	for _, depID := range task.DependsOn {
		dep := lookup(depID)
		if dep == nil {
			continue
		}
		if dep.Status != v1.TaskStatusCompleted {
			return false
		}
	}
	return true
}

// HasFailedDependency reports whether any extant dependency is failed or
// cancelled.
func HasFailedDependency(task *v1.Task, lookup Lookup) bool {
	for _, depID := range task.DependsOn {
		dep := lookup(depID)
		if dep == nil {
			continue
		}
		if dep.Status == v1.TaskStatusFailed || dep.Status == v1.TaskStatusCancelled {
			return true
		}
	}
	return false
}

// BlockingDeps returns the ids of extant dependencies that are not yet
// completed. Diagnostic only.
func BlockingDeps(task *v1.Task, lookup Lookup) []string {
	var blocking []string
	for _, depID := range task.DependsOn {
		dep := lookup(depID)
		if dep == nil {
			continue
		}
		if dep.Status != v1.TaskStatusCompleted {
			blocking = append(blocking, depID)
		}
	}
	return blocking
}
