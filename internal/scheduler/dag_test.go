package scheduler

import (
	"reflect"
	"sort"
	"strings"
	"testing"

	"github.com/aristath/taskengine/internal/task"
)

// TestDAGValidate tests DAG validation with various graph structures.
func TestDAGValidate(t *testing.T) {
	tests := []struct {
		name        string
		setup       func() *DAG
		wantErr     bool
		errContains string
	}{
		{
			name: "valid linear chain",
			setup: func() *DAG {
				dag := NewDAG()
				dag.AddTask(&Node{ID: "A"})
				dag.AddTask(&Node{ID: "B", Dependencies: []string{"A"}})
				dag.AddTask(&Node{ID: "C", Dependencies: []string{"B"}})
				return dag
			},
		},
		{
			name: "valid diamond",
			setup: func() *DAG {
				dag := NewDAG()
				dag.AddTask(&Node{ID: "A"})
				dag.AddTask(&Node{ID: "B", Dependencies: []string{"A"}})
				dag.AddTask(&Node{ID: "C", Dependencies: []string{"A"}})
				dag.AddTask(&Node{ID: "D", Dependencies: []string{"B", "C"}})
				return dag
			},
		},
		{
			name: "direct cycle",
			setup: func() *DAG {
				dag := NewDAG()
				dag.AddTask(&Node{ID: "A", Dependencies: []string{"B"}})
				dag.AddTask(&Node{ID: "B", Dependencies: []string{"A"}})
				return dag
			},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name: "transitive cycle",
			setup: func() *DAG {
				dag := NewDAG()
				dag.AddTask(&Node{ID: "A", Dependencies: []string{"B"}})
				dag.AddTask(&Node{ID: "B", Dependencies: []string{"C"}})
				dag.AddTask(&Node{ID: "C", Dependencies: []string{"A"}})
				return dag
			},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name: "self-loop",
			setup: func() *DAG {
				dag := NewDAG()
				dag.AddTask(&Node{ID: "A", Dependencies: []string{"A"}})
				return dag
			},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name: "missing dependency",
			setup: func() *DAG {
				dag := NewDAG()
				dag.AddTask(&Node{ID: "A", Dependencies: []string{"nonexistent"}})
				return dag
			},
			wantErr:     true,
			errContains: "nonexistent",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dag := tt.setup()
			order, err := dag.Validate()

			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("Error message %q doesn't contain %q", err.Error(), tt.errContains)
				}
				return
			}

			// Every dependency must appear before its dependent.
			pos := make(map[string]int, len(order))
			for i, id := range order {
				pos[id] = i
			}
			for _, id := range order {
				n, _ := dag.Get(id)
				for _, dep := range n.Dependencies {
					if pos[dep] >= pos[id] {
						t.Errorf("%s ordered before its dependency %s: %v", id, dep, order)
					}
				}
			}
		})
	}
}

func TestDAGAddDuplicate(t *testing.T) {
	dag := NewDAG()
	if err := dag.AddTask(&Node{ID: "A"}); err != nil {
		t.Fatalf("AddTask() error = %v", err)
	}
	if err := dag.AddTask(&Node{ID: "A"}); err == nil {
		t.Error("expected error when adding duplicate task ID")
	}
}

func TestDAGDependentsAndDescendants(t *testing.T) {
	dag := NewDAG()
	dag.AddTask(&Node{ID: "A", State: task.Ready})
	dag.AddTask(&Node{ID: "B", Dependencies: []string{"A"}})
	dag.AddTask(&Node{ID: "C", Dependencies: []string{"A"}})
	dag.AddTask(&Node{ID: "D", Dependencies: []string{"B", "C"}})
	dag.AddTask(&Node{ID: "E", Dependencies: []string{"D"}})
	dag.AddTask(&Node{ID: "X"})

	direct := dag.Dependents("A")
	sort.Strings(direct)
	if !reflect.DeepEqual(direct, []string{"B", "C"}) {
		t.Errorf("Dependents(A) = %v", direct)
	}

	desc := dag.Descendants("A")
	sort.Strings(desc)
	if !reflect.DeepEqual(desc, []string{"B", "C", "D", "E"}) {
		t.Errorf("Descendants(A) = %v", desc)
	}

	if got := dag.Descendants("X"); len(got) != 0 {
		t.Errorf("Descendants(X) = %v, want none", got)
	}
}

func TestDAGSetStateAndGet(t *testing.T) {
	dag := NewDAG()
	dag.AddTask(&Node{ID: "A", State: task.Pending})

	if err := dag.SetState("A", task.Ready); err != nil {
		t.Fatalf("SetState() error = %v", err)
	}
	n, ok := dag.Get("A")
	if !ok || n.State != task.Ready {
		t.Errorf("Get(A) = %+v, %v", n, ok)
	}

	if err := dag.SetState("missing", task.Ready); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("SetState(missing) error = %v, want not found", err)
	}

	// Returned nodes are copies.
	n.Dependencies = append(n.Dependencies, "Z")
	again, _ := dag.Get("A")
	if len(again.Dependencies) != 0 {
		t.Error("Get() returned shared node")
	}
}

func TestDAGPrune(t *testing.T) {
	dag := NewDAG()
	dag.AddTask(&Node{ID: "A", State: task.Completed})
	dag.AddTask(&Node{ID: "B", Dependencies: []string{"A"}, State: task.Ready})

	// A is still needed by B.
	dag.Prune("A")
	if _, ok := dag.Get("A"); !ok {
		t.Fatal("A pruned while B is live")
	}

	// Non-terminal nodes are never pruned.
	dag.Prune("B")
	if dag.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", dag.Len())
	}

	dag.SetState("B", task.Completed)
	dag.Prune("B")
	if dag.Len() != 0 {
		t.Errorf("Len() = %d after pruning the chain, want 0", dag.Len())
	}
	if got := dag.Dependents("A"); len(got) != 0 {
		t.Errorf("Dependents(A) = %v after prune", got)
	}
}
