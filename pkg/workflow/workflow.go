// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workflow

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/kadirpekel/flowline/pkg/registry"
)

// ErrCommitted is reported by Err when a committed workflow is mutated.
var ErrCommitted = errors.New("workflow is committed")

// Node is anything Then accepts: a *Step or a nested *Workflow.
type Node interface {
	nodeID() string
}

// NodeKind tells what a graph node is.
type NodeKind int

const (
	NodeStep NodeKind = iota
	NodeWorkflow
	NodeBranch
)

func (k NodeKind) String() string {
	switch k {
	case NodeStep:
		return "step"
	case NodeWorkflow:
		return "workflow"
	case NodeBranch:
		return "branch"
	}
	return fmt.Sprintf("NodeKind(%d)", int(k))
}

// PredicateData is what a branch predicate is evaluated against.
type PredicateData struct {
	// Input is the output of the node preceding the branch.
	Input map[string]any
	// Init is the run input.
	Init map[string]any
	// Steps holds completed step outputs by step ID.
	Steps map[string]map[string]any
}

// Predicate selects a branch case.
type Predicate func(PredicateData) bool

// Case pairs a predicate with the sub-workflow it routes to.
type Case struct {
	When      Predicate
	Workflow  *Workflow
	Otherwise bool
}

// When creates a branch case.
func When(pred Predicate, sub *Workflow) Case {
	return Case{When: pred, Workflow: sub}
}

// Otherwise creates a case that always matches. Place it last.
func Otherwise(sub *Workflow) Case {
	return Case{When: func(PredicateData) bool { return true }, Workflow: sub, Otherwise: true}
}

// GraphNode is one entry of a committed workflow graph.
type GraphNode struct {
	Kind     NodeKind
	ID       string
	Step     *Step
	Workflow *Workflow
	Cases    []Case
}

// Config defines a workflow.
type Config struct {
	ID          string
	Description string
	Input       *Schema
	Output      *Schema
}

// Workflow is an ordered graph of steps, nested workflows and branches.
// Build it with Then and Branch, then freeze it with Commit.
type Workflow struct {
	mu        sync.RWMutex
	cfg       Config
	nodes     []GraphNode
	committed bool
	errs      []error
	steps     *registry.BaseRegistry[*Step]
}

// New creates an empty workflow.
func New(cfg Config) *Workflow {
	return &Workflow{
		cfg:   cfg,
		steps: registry.NewBaseRegistry[*Step]("step"),
	}
}

func (w *Workflow) ID() string          { return w.cfg.ID }
func (w *Workflow) Description() string { return w.cfg.Description }
func (w *Workflow) Input() *Schema      { return w.cfg.Input }
func (w *Workflow) Output() *Schema     { return w.cfg.Output }

func (w *Workflow) nodeID() string {
	if w == nil {
		return "<nil>"
	}
	return w.cfg.ID
}

// Then appends a step or nested workflow.
func (w *Workflow) Then(n Node) *Workflow {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.committed {
		w.errs = append(w.errs, fmt.Errorf("then %q: %w", nodeName(n), ErrCommitted))
		return w
	}
	switch v := n.(type) {
	case *Step:
		if v == nil {
			w.errs = append(w.errs, errors.New("then: nil step"))
			return w
		}
		w.nodes = append(w.nodes, GraphNode{Kind: NodeStep, ID: v.id, Step: v})
	case *Workflow:
		if v == nil {
			w.errs = append(w.errs, errors.New("then: nil workflow"))
			return w
		}
		if v == w {
			w.errs = append(w.errs, fmt.Errorf("then: workflow %q cannot nest itself", w.cfg.ID))
			return w
		}
		w.nodes = append(w.nodes, GraphNode{Kind: NodeWorkflow, ID: v.cfg.ID, Workflow: v})
	default:
		w.errs = append(w.errs, fmt.Errorf("then: unsupported node %T", n))
	}
	return w
}

// Branch appends an exclusive fan-out. Cases are evaluated in order and the
// first match runs.
func (w *Workflow) Branch(cases ...Case) *Workflow {
	w.mu.Lock()
	defer w.mu.Unlock()

	id := fmt.Sprintf("branch-%d", len(w.nodes)+1)
	if w.committed {
		w.errs = append(w.errs, fmt.Errorf("branch: %w", ErrCommitted))
		return w
	}
	w.nodes = append(w.nodes, GraphNode{Kind: NodeBranch, ID: id, Cases: slices.Clone(cases)})
	return w
}

// Commit validates the graph and freezes it. Committing twice is a no-op.
func (w *Workflow) Commit() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.committed {
		return nil
	}
	if err := errors.Join(w.errs...); err != nil {
		return fmt.Errorf("workflow %q: %w", w.cfg.ID, err)
	}
	if err := w.validate(); err != nil {
		return fmt.Errorf("workflow %q: %w", w.cfg.ID, err)
	}

	w.steps.Clear()
	for _, st := range collectSteps(w.nodes) {
		if err := w.steps.Register(st.id, st); err != nil {
			return fmt.Errorf("workflow %q: %w", w.cfg.ID, err)
		}
	}
	w.committed = true
	return nil
}

func (w *Workflow) validate() error {
	var errs []error
	if w.cfg.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if len(w.nodes) == 0 {
		errs = append(errs, errors.New("graph is empty"))
	}

	seen := make(map[string]bool)
	var walk func(nodes []GraphNode)
	walk = func(nodes []GraphNode) {
		for _, n := range nodes {
			switch n.Kind {
			case NodeStep:
				if err := n.Step.validate(); err != nil {
					errs = append(errs, err)
				}
				if seen[n.ID] {
					errs = append(errs, fmt.Errorf("duplicate node id %q", n.ID))
				}
				seen[n.ID] = true
			case NodeWorkflow:
				errs = append(errs, checkSub(n.Workflow, seen)...)
				walk(n.Workflow.Nodes())
			case NodeBranch:
				if len(n.Cases) == 0 {
					errs = append(errs, fmt.Errorf("%s has no cases", n.ID))
				}
				for i, c := range n.Cases {
					if c.Workflow == nil || c.When == nil {
						errs = append(errs, fmt.Errorf("%s case %d: predicate and workflow are required", n.ID, i))
						continue
					}
					errs = append(errs, checkSub(c.Workflow, seen)...)
					walk(c.Workflow.Nodes())
				}
			}
		}
	}
	walk(w.nodes)
	return errors.Join(errs...)
}

func checkSub(sub *Workflow, seen map[string]bool) []error {
	var errs []error
	if !sub.Committed() {
		errs = append(errs, fmt.Errorf("sub-workflow %q is not committed", sub.ID()))
	}
	if seen[sub.ID()] {
		errs = append(errs, fmt.Errorf("duplicate node id %q", sub.ID()))
	}
	seen[sub.ID()] = true
	return errs
}

func collectSteps(nodes []GraphNode) []*Step {
	var out []*Step
	for _, n := range nodes {
		switch n.Kind {
		case NodeStep:
			out = append(out, n.Step)
		case NodeWorkflow:
			out = append(out, collectSteps(n.Workflow.Nodes())...)
		case NodeBranch:
			for _, c := range n.Cases {
				out = append(out, collectSteps(c.Workflow.Nodes())...)
			}
		}
	}
	return out
}

// Committed reports whether Commit succeeded.
func (w *Workflow) Committed() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.committed
}

// Err reports construction problems, including mutations after Commit.
func (w *Workflow) Err() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return errors.Join(w.errs...)
}

// Nodes returns a copy of the top-level graph.
func (w *Workflow) Nodes() []GraphNode {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return slices.Clone(w.nodes)
}

// Step looks up a step anywhere in the committed graph.
func (w *Workflow) Step(id string) (*Step, bool) {
	return w.steps.Get(id)
}

// Steps lists every step of the committed graph in definition order.
func (w *Workflow) Steps() []*Step {
	return w.steps.List()
}

func nodeName(n Node) string {
	if n == nil {
		return "<nil>"
	}
	return n.nodeID()
}
