// Package resolve recomputes effective task status from dependency state.
//
// Resolve is the read-side projection shared by the engine (after every
// write), the HTTP task list and the CLI. It is eventually consistent with the
// store: a stale local run converges on the next write or refresh.
package resolve

import (
	"pledgeline/internal/domain"
)

// Change records one status correction made by Resolve.
type Change struct {
	TaskID string
	From   domain.Status
	To     domain.Status
}

// Resolve returns a copy of tasks with corrected status for every
// non-completed task, plus the list of corrections. Dependencies are matched
// strictly by id within the given set; an id missing from the set counts as
// incomplete. The input slice is not modified.
func Resolve(tasks []domain.Task) ([]domain.Task, []Change) {
	status := make(map[string]domain.Status, len(tasks))
	for _, t := range tasks {
		status[t.ID] = t.Status
	}
	out := make([]domain.Task, len(tasks))
	var changes []Change
	for i, t := range tasks {
		out[i] = t
		next := Next(t, status)
		if next != t.Status {
			out[i].Status = next
			changes = append(changes, Change{TaskID: t.ID, From: t.Status, To: next})
		}
	}
	return out, changes
}

// Next computes the effective status of a single task given the statuses of
// its partition.
func Next(t domain.Task, status map[string]domain.Status) domain.Status {
	if t.Status == domain.StatusCompleted {
		return t.Status
	}
	if len(t.Dependencies) == 0 {
		return t.Status
	}
	if !Satisfied(t, status) {
		return domain.StatusBlocked
	}
	if t.Status == domain.StatusBlocked {
		return domain.StatusPending
	}
	return t.Status
}

// Satisfied reports whether every dependency of t is completed.
func Satisfied(t domain.Task, status map[string]domain.Status) bool {
	for _, dep := range t.Dependencies {
		if status[dep] != domain.StatusCompleted {
			return false
		}
	}
	return true
}

// Incomplete lists the dependency ids of t that are not completed.
func Incomplete(t domain.Task, tasks []domain.Task) []string {
	status := StatusMap(tasks)
	var out []string
	for _, dep := range t.Dependencies {
		if status[dep] != domain.StatusCompleted {
			out = append(out, dep)
		}
	}
	return out
}

func StatusMap(tasks []domain.Task) map[string]domain.Status {
	m := make(map[string]domain.Status, len(tasks))
	for _, t := range tasks {
		m[t.ID] = t.Status
	}
	return m
}

// NextFor returns the lowest-order actionable task assigned to userID, or
// false if none is actionable.
func NextFor(tasks []domain.Task, userID string) (domain.Task, bool) {
	var best domain.Task
	found := false
	for _, t := range tasks {
		if t.AssignedTo != userID {
			continue
		}
		if t.Status != domain.StatusPending && t.Status != domain.StatusInProgress {
			continue
		}
		if !found || t.Order < best.Order || (t.Order == best.Order && t.ID < best.ID) {
			best = t
			found = true
		}
	}
	return best, found
}
