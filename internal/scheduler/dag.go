package scheduler

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gammazero/toposort"

	"github.com/aristath/taskengine/internal/task"
)

// Node is a task's position in the dependency graph.
type Node struct {
	ID           string
	Dependencies []string
	State        task.State
}

// DAG represents a directed acyclic graph of tasks.
type DAG struct {
	mu         sync.RWMutex
	nodes      map[string]*Node    // All tracked tasks indexed by ID
	dependents map[string][]string // Maps taskID -> list of tasks that depend on it
}

// NewDAG creates an empty DAG.
func NewDAG() *DAG {
	return &DAG{
		nodes:      make(map[string]*Node),
		dependents: make(map[string][]string),
	}
}

// AddTask adds a node to the DAG. Returns error if the ID already exists.
// Dependencies may name tasks that are not tracked (finished and pruned).
func (d *DAG) AddTask(n *Node) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.nodes[n.ID]; exists {
		return fmt.Errorf("task with ID %q already exists", n.ID)
	}

	d.nodes[n.ID] = cloneNode(n)

	// Build dependents map for efficient downstream lookup
	for _, depID := range n.Dependencies {
		d.dependents[depID] = append(d.dependents[depID], n.ID)
	}

	return nil
}

// Validate runs topological sort using gammazero/toposort.
// Returns ordered task IDs or error if cycle detected.
// Also verifies all task IDs in Dependencies exist in the DAG.
func (d *DAG) Validate() ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for id, n := range d.nodes {
		for _, depID := range n.Dependencies {
			if _, exists := d.nodes[depID]; !exists {
				return nil, fmt.Errorf("task %q depends on non-existent task %q", id, depID)
			}
		}
	}

	var edges []toposort.Edge
	for id, n := range d.nodes {
		if len(n.Dependencies) == 0 {
			// Task with no dependencies - add edge from nil to ensure it's included
			edges = append(edges, toposort.Edge{nil, id})
		} else {
			for _, depID := range n.Dependencies {
				// Edge (depID, id) means depID must come before id
				edges = append(edges, toposort.Edge{depID, id})
			}
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("dependency graph contains cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	// Verify all tasks are in the sorted result (catches disconnected components)
	if len(order) != len(d.nodes) {
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		var missing []string
		for id := range d.nodes {
			if !found[id] {
				missing = append(missing, id)
			}
		}
		return nil, fmt.Errorf("topological sort lost %d tasks: %s", len(missing), strings.Join(missing, ", "))
	}

	return order, nil
}

// SetState records a task's new state.
func (d *DAG) SetState(id string, state task.State) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, exists := d.nodes[id]
	if !exists {
		return fmt.Errorf("task %q not found", id)
	}
	n.State = state
	return nil
}

// Get returns a copy of the node.
func (d *DAG) Get(id string) (*Node, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	n, exists := d.nodes[id]
	if !exists {
		return nil, false
	}
	return cloneNode(n), true
}

// Dependents returns the direct dependents of id that are still tracked.
func (d *DAG) Dependents(id string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []string
	for _, dep := range d.dependents[id] {
		if _, ok := d.nodes[dep]; ok {
			out = append(out, dep)
		}
	}
	return out
}

// Descendants returns every task that transitively depends on id, in
// breadth-first order.
func (d *DAG) Descendants(id string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	seen := map[string]bool{id: true}
	queue := []string{id}
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range d.dependents[cur] {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			if _, ok := d.nodes[dep]; ok {
				out = append(out, dep)
				queue = append(queue, dep)
			}
		}
	}
	return out
}

// Prune drops a terminal node once no tracked dependent still waits on
// it, then retries its own dependencies.
func (d *DAG) Prune(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pruneLocked(id)
}

func (d *DAG) pruneLocked(id string) {
	n, ok := d.nodes[id]
	if !ok || !n.State.Terminal() {
		return
	}
	for _, dep := range d.dependents[id] {
		if dn, ok := d.nodes[dep]; ok && !dn.State.Terminal() {
			return
		}
	}

	delete(d.nodes, id)
	delete(d.dependents, id)
	for _, parent := range n.Dependencies {
		d.dependents[parent] = remove(d.dependents[parent], id)
		if len(d.dependents[parent]) == 0 {
			delete(d.dependents, parent)
		}
		d.pruneLocked(parent)
	}
}

// Len returns the number of tracked tasks.
func (d *DAG) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.nodes)
}

func remove(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func cloneNode(n *Node) *Node {
	if n == nil {
		return nil
	}

	cp := *n
	if n.Dependencies != nil {
		cp.Dependencies = append([]string(nil), n.Dependencies...)
	}
	return &cp
}
