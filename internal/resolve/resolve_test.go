package resolve

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pledgeline/internal/domain"
)

func task(id string, status domain.Status, deps ...string) domain.Task {
	return domain.Task{ID: id, Status: status, Dependencies: deps}
}

func byID(tasks []domain.Task) map[string]domain.Task {
	m := make(map[string]domain.Task, len(tasks))
	for _, t := range tasks {
		m[t.ID] = t
	}
	return m
}

func TestCompletingDependencyUnblocks(t *testing.T) {
	in := []domain.Task{
		task("A", domain.StatusCompleted),
		task("B", domain.StatusBlocked, "A"),
	}
	out, changes := Resolve(in)
	assert.Equal(t, domain.StatusPending, byID(out)["B"].Status)
	require.Len(t, changes, 1)
	assert.Equal(t, Change{TaskID: "B", From: domain.StatusBlocked, To: domain.StatusPending}, changes[0])
	assert.Equal(t, domain.StatusBlocked, in[1].Status, "input must not be mutated")
}

func TestIncompleteDependencyBlocks(t *testing.T) {
	out, _ := Resolve([]domain.Task{
		task("A", domain.StatusCompleted),
		task("B", domain.StatusPending),
		task("C", domain.StatusInProgress, "A", "B"),
	})
	assert.Equal(t, domain.StatusBlocked, byID(out)["C"].Status)
}

func TestInProgressKeptWhenSatisfied(t *testing.T) {
	out, changes := Resolve([]domain.Task{
		task("A", domain.StatusCompleted),
		task("B", domain.StatusInProgress, "A"),
	})
	assert.Equal(t, domain.StatusInProgress, byID(out)["B"].Status)
	assert.Empty(t, changes)
}

func TestNoDependenciesNeverBlocked(t *testing.T) {
	out, _ := Resolve([]domain.Task{task("A", domain.StatusPending)})
	assert.Equal(t, domain.StatusPending, out[0].Status)
}

func TestCompletedIsTerminal(t *testing.T) {
	done := "2024-01-01T00:00:00Z"
	in := task("B", domain.StatusCompleted, "A")
	in.CompletedAt = &done
	out, changes := Resolve([]domain.Task{task("A", domain.StatusPending), in})
	assert.Equal(t, domain.StatusCompleted, byID(out)["B"].Status)
	assert.Equal(t, &done, byID(out)["B"].CompletedAt)
	assert.Empty(t, changes)
}

func TestUnknownDependencyStaysBlocked(t *testing.T) {
	out, _ := Resolve([]domain.Task{task("B", domain.StatusPending, "missing")})
	assert.Equal(t, domain.StatusBlocked, out[0].Status)
}

// randomTasks builds an acyclic task set: task i may depend only on j < i.
func randomTasks(r *rand.Rand, n int) []domain.Task {
	statuses := []domain.Status{domain.StatusBlocked, domain.StatusPending, domain.StatusInProgress, domain.StatusCompleted}
	tasks := make([]domain.Task, n)
	for i := 0; i < n; i++ {
		t := domain.Task{ID: fmt.Sprintf("t%d", i), Status: statuses[r.Intn(len(statuses))]}
		for j := 0; j < i; j++ {
			if r.Intn(4) == 0 {
				t.Dependencies = append(t.Dependencies, fmt.Sprintf("t%d", j))
			}
		}
		tasks[i] = t
	}
	return tasks
}

func TestBlockingInvariantAndIdempotence(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for round := 0; round < 200; round++ {
		in := randomTasks(r, 1+r.Intn(12))
		once, _ := Resolve(in)
		twice, changes := Resolve(once)
		require.Equal(t, once, twice, "round %d", round)
		require.Empty(t, changes)

		status := StatusMap(once)
		original := byID(in)
		for _, tk := range once {
			if original[tk.ID].Status == domain.StatusCompleted {
				require.Equal(t, domain.StatusCompleted, tk.Status)
				continue
			}
			if len(tk.Dependencies) == 0 {
				continue
			}
			incomplete := false
			for _, d := range tk.Dependencies {
				if status[d] != domain.StatusCompleted {
					incomplete = true
				}
			}
			require.Equal(t, incomplete, tk.Status == domain.StatusBlocked, "task %s round %d", tk.ID, round)
		}
	}
}

func TestNextFor(t *testing.T) {
	tasks := []domain.Task{
		{ID: "a", AssignedTo: "u1", Status: domain.StatusCompleted, Order: 1},
		{ID: "b", AssignedTo: "u1", Status: domain.StatusBlocked, Order: 2},
		{ID: "c", AssignedTo: "u1", Status: domain.StatusPending, Order: 7.5},
		{ID: "d", AssignedTo: "u1", Status: domain.StatusInProgress, Order: 3},
		{ID: "e", AssignedTo: "u2", Status: domain.StatusPending, Order: 0},
	}
	next, ok := NextFor(tasks, "u1")
	require.True(t, ok)
	assert.Equal(t, "d", next.ID)
	_, ok = NextFor(tasks, "nobody")
	assert.False(t, ok)
}
