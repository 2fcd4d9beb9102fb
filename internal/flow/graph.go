// Package flow implements the keyword-triggered conversation engine.
//
// Flow definitions are compiled into a Graph with a resolved successor table.
// The Engine walks that graph for each inbound message, persisting progress
// in a ConversationSession per counterparty.
package flow

import (
	"errors"
	"fmt"
	"sort"

	"github.com/BTreeMap/HelpdeskPipe/internal/models"
)

// Compile errors.
var (
	ErrEmptyFlow          = errors.New("flow has no steps")
	ErrDuplicateStepID    = errors.New("duplicate step id")
	ErrMissingStepID      = errors.New("step has no id")
	ErrUnknownBranch      = errors.New("branch target references an unknown step")
	ErrCycleWithoutInput  = errors.New("flow contains a cycle without an input step")
	ErrStepBelongsToOther = errors.New("step belongs to another flow")
)

// CompileError reports a stored flow that cannot be compiled.
type CompileError struct {
	FlowID string
	Err    error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile flow %s: %v", e.FlowID, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// Node is a compiled step with its successors resolved.
type Node struct {
	Step models.FlowStep
	// Success is the explicit success branch, Failure the explicit failure
	// branch and Linear the next step by order. Empty means none.
	Success string
	Failure string
	Linear  string
}

// Kind returns the step type.
func (n *Node) Kind() models.StepType { return n.Step.StepType }

// Next returns the successor after a successful visit.
func (n *Node) Next() string {
	if n.Success != "" {
		return n.Success
	}
	return n.Linear
}

// OnFailure returns the failure branch, falling back to the linear successor.
func (n *Node) OnFailure() string {
	if n.Failure != "" {
		return n.Failure
	}
	return n.Linear
}

// Graph is an immutable compiled flow.
type Graph struct {
	Flow  models.Flow
	nodes map[string]*Node
	order []string
}

// Compile validates steps and builds the successor table for flow.
func Compile(flow models.Flow, steps []models.FlowStep) (*Graph, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("flow %s: %w", flow.ID, ErrEmptyFlow)
	}

	sorted := make([]models.FlowStep, len(steps))
	copy(sorted, steps)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	g := &Graph{Flow: flow, nodes: make(map[string]*Node, len(sorted)), order: make([]string, 0, len(sorted))}
	for i, st := range sorted {
		if st.FlowID == "" {
			st.FlowID = flow.ID
		}
		if st.FlowID != flow.ID {
			return nil, fmt.Errorf("step %s: %w", st.ID, ErrStepBelongsToOther)
		}
		if err := st.Validate(); err != nil {
			return nil, fmt.Errorf("step %s: %w", st.ID, err)
		}
		if i > 0 && sorted[i-1].Order == st.Order {
			return nil, fmt.Errorf("flow %s order %d: %w", flow.ID, st.Order, models.ErrDuplicateStepOrder)
		}
		if st.ID == "" {
			return nil, fmt.Errorf("flow %s order %d: %w", flow.ID, st.Order, ErrMissingStepID)
		}
		if _, dup := g.nodes[st.ID]; dup {
			return nil, fmt.Errorf("flow %s step %s: %w", flow.ID, st.ID, ErrDuplicateStepID)
		}
		g.nodes[st.ID] = &Node{Step: st, Success: st.NextStepOnSuccess, Failure: st.NextStepOnFailure}
		g.order = append(g.order, st.ID)
	}

	for i, id := range g.order {
		n := g.nodes[id]
		if i+1 < len(g.order) {
			n.Linear = g.order[i+1]
		}
		for _, target := range []string{n.Success, n.Failure} {
			if target == "" {
				continue
			}
			if _, ok := g.nodes[target]; !ok {
				return nil, fmt.Errorf("step %s -> %s: %w", id, target, ErrUnknownBranch)
			}
		}
	}

	if cycle := g.findCycleWithoutInput(); cycle != nil {
		return nil, fmt.Errorf("flow %s %v: %w", flow.ID, cycle, ErrCycleWithoutInput)
	}
	return g, nil
}

// First returns the lowest-order step ID.
func (g *Graph) First() string { return g.order[0] }

// Node returns the compiled step or nil.
func (g *Graph) Node(id string) *Node { return g.nodes[id] }

// Len returns the number of steps.
func (g *Graph) Len() int { return len(g.order) }

// autoEdges lists the successors the walk may follow without waiting for input.
func (g *Graph) autoEdges(n *Node) []string {
	switch n.Kind() {
	case models.StepTypeMessage:
		return []string{n.Next()}
	case models.StepTypeCondition:
		return []string{n.Next(), n.OnFailure()}
	case models.StepTypeAction:
		return []string{n.Next(), n.Failure}
	default:
		return nil
	}
}

// findCycleWithoutInput runs a DFS over non-input steps and returns the first
// cycle found as a list of step IDs.
func (g *Graph) findCycleWithoutInput() []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.nodes))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)
		for _, next := range g.autoEdges(g.nodes[id]) {
			if next == "" || g.nodes[next].Kind() == models.StepTypeInput {
				continue
			}
			switch color[next] {
			case grey:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == next {
						cycle = append([]string(nil), stack[i:]...)
						break
					}
				}
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range g.order {
		if g.nodes[id].Kind() == models.StepTypeInput || color[id] != white {
			continue
		}
		if visit(id) {
			return cycle
		}
	}
	return nil
}
