// Package compile turns a declarative workflow definition into an executable
// graph. Compilation runs at save time and again (through a cache) at
// execution start, so design errors surface before any agent runs.
package compile

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/fieldline/fieldline/engine/agent"
	"github.com/fieldline/fieldline/engine/expr"
	"github.com/fieldline/fieldline/engine/workflow"
)

type (
	// Edge is a compiled connection with its parsed condition.
	Edge struct {
		From string
		To   string
		// Cond is nil for unconditional edges.
		Cond *expr.Expr
		// OnError is the declared error policy ("fail" unless overridden).
		OnError string
	}

	// Node is a compiled agent: resolved implementation, validated config,
	// and adjacency lists in declaration order.
	Node struct {
		Spec workflow.AgentSpec
		Impl agent.Agent
		In   []*Edge
		Out  []*Edge
		// Inputs and Outputs are the state fields the node reads and writes,
		// as declared by the agent kind for this config.
		Inputs  []string
		Outputs []string
	}

	// Graph is the compiled, adjacency-indexed form of a definition. It is
	// immutable after Compile returns and cached per (workflowId, version).
	Graph struct {
		Workflow workflow.Ref
		TenantID string
		Nodes    map[string]*Node
		// Entry lists the entry point agent ids in declaration order.
		Entry []string
		// Order is a deterministic topological order of all agent ids.
		Order []string
	}

	// ValidationError is one distinct defect found during compilation.
	ValidationError struct {
		// Code identifies the failed check, e.g. "unknown-kind", "cycle".
		Code string `json:"code"`
		// AgentID names the offending node when the defect is node-scoped.
		AgentID string `json:"agentId,omitempty"`
		Message string `json:"message"`
	}

	// ValidationReport aggregates every defect of a failed compilation. It
	// implements error so Compile has a single failure path.
	ValidationReport struct {
		Errors []ValidationError `json:"errors"`
	}
)

// Error implements the error interface.
func (r *ValidationReport) Error() string {
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.Message
	}
	return fmt.Sprintf("workflow validation failed: %s", strings.Join(msgs, "; "))
}

func (r *ValidationReport) add(code, agentID, format string, args ...any) {
	r.Errors = append(r.Errors, ValidationError{
		Code:    code,
		AgentID: agentID,
		Message: fmt.Sprintf(format, args...),
	})
}

// Compile validates the definition against the registry and builds the
// executable graph. On failure it returns a *ValidationReport carrying one
// error per distinct defect. The checks run in a fixed order and later
// checks are skipped when earlier ones invalidate their preconditions.
func Compile(def *workflow.Definition, reg *agent.Registry) (*Graph, error) {
	report := &ValidationReport{}

	// Structural sanity first: unique ids, resolvable endpoints, entries.
	if err := def.Validate(); err != nil {
		report.add("structure", "", "%s", err.Error())
		return nil, report
	}

	// Check 1: every referenced agent kind exists in the registry.
	// Check 2: per-agent config validation.
	nodes := make(map[string]*Node, len(def.Agents))
	for _, spec := range def.Agents {
		impl, ok := reg.Lookup(spec.Kind)
		if !ok {
			report.add("unknown-kind", spec.ID, "agent %q references unknown kind %q", spec.ID, spec.Kind)
			continue
		}
		if err := impl.ValidateConfig(spec.Config); err != nil {
			report.add("invalid-config", spec.ID, "agent %q config: %s", spec.ID, err.Error())
			continue
		}
		nodes[spec.ID] = &Node{
			Spec:    spec,
			Impl:    impl,
			Inputs:  impl.Inputs(spec.Config),
			Outputs: impl.Outputs(spec.Config),
		}
	}
	if len(report.Errors) > 0 {
		return nil, report
	}

	// Check 3: edge endpoints resolve and conditions parse.
	for _, conn := range def.Connections {
		edge := &Edge{From: conn.From, To: conn.To, OnError: conn.OnError}
		if edge.OnError == "" {
			edge.OnError = workflow.OnErrorFail
		}
		if conn.Condition != "" {
			cond, err := expr.Parse(conn.Condition)
			if err != nil {
				report.add("invalid-condition", conn.From, "connection %s->%s: %s", conn.From, conn.To, err.Error())
				continue
			}
			edge.Cond = cond
		}
		nodes[conn.From].Out = append(nodes[conn.From].Out, edge)
		nodes[conn.To].In = append(nodes[conn.To].In, edge)
	}
	if len(report.Errors) > 0 {
		return nil, report
	}

	// Check 4: at least one entry point, and every non-entry agent reachable
	// from some entry.
	entrySet := make(map[string]bool, len(def.EntryPoints))
	for _, e := range def.EntryPoints {
		entrySet[e] = true
	}
	reachable := reach(nodes, def.EntryPoints)
	for _, spec := range def.Agents {
		if !entrySet[spec.ID] && !reachable[spec.ID] {
			report.add("unreachable", spec.ID, "agent %q is not reachable from any entry point", spec.ID)
		}
	}

	// Check 5: acyclicity via Kahn's algorithm with deterministic tie-break.
	order, cycle := topoSort(def, nodes)
	if len(cycle) > 0 {
		sort.Strings(cycle)
		report.add("cycle", "", "graph contains a cycle through %s", strings.Join(cycle, ", "))
		return nil, report
	}
	if len(report.Errors) > 0 {
		return nil, report
	}

	// Check 6: state-schema closure. Every declared input must be produced
	// by an ancestor along every path that can lead to the node.
	guaranteed := closure(nodes, order, entrySet)
	for _, id := range order {
		n := nodes[id]
		before := guaranteed[id]
		for _, in := range n.Inputs {
			if !before[in] {
				report.add("uncovered-input", id, "agent %q input %q is not produced by every path reaching it", id, in)
			}
		}
		for _, e := range n.Out {
			if e.Cond == nil {
				continue
			}
			after := union(before, n.Outputs)
			for _, f := range e.Cond.Fields() {
				if !after[f] {
					report.add("uncovered-input", id, "condition on %s->%s reads %q which is not produced by every path reaching %q", e.From, e.To, f, id)
				}
			}
		}
	}

	// Check 7: branch determinism. Non-parallel nodes may have at most one
	// unconditional outbound edge, and it must be declared last so the
	// conditional edges are tried first in declaration order.
	for _, id := range order {
		n := nodes[id]
		if n.Spec.Parallel || len(n.Out) < 2 {
			continue
		}
		unconditional := 0
		for i, e := range n.Out {
			if e.Cond != nil {
				continue
			}
			unconditional++
			if i != len(n.Out)-1 {
				report.add("ambiguous-branch", id, "agent %q: unconditional edge to %q shadows later edges; declare parallel or move it last", id, e.To)
			}
		}
		if unconditional > 1 {
			report.add("ambiguous-branch", id, "agent %q has %d unconditional outbound edges; declare parallel to fan out", id, unconditional)
		}
	}

	// Parallel branches must write disjoint state fields. Shared descendants
	// (join nodes) belong to both branches and are excluded.
	for _, id := range order {
		n := nodes[id]
		if !n.Spec.Parallel || len(n.Out) < 2 {
			continue
		}
		branches := make([]map[string]bool, len(n.Out))
		for i, e := range n.Out {
			branches[i] = reach(nodes, []string{e.To})
			branches[i][e.To] = true
		}
		for i := 0; i < len(branches); i++ {
			for j := i + 1; j < len(branches); j++ {
				conflicts := branchWriteConflicts(nodes, branches[i], branches[j])
				if len(conflicts) > 0 {
					sort.Strings(conflicts)
					report.add("parallel-write-conflict", id,
						"parallel branches %s->%s and %s->%s both write %s",
						id, n.Out[i].To, id, n.Out[j].To, strings.Join(conflicts, ", "))
				}
			}
		}
	}

	if len(report.Errors) > 0 {
		return nil, report
	}

	return &Graph{
		Workflow: workflow.Ref{ID: def.ID, Version: def.Version},
		TenantID: def.TenantID,
		Nodes:    nodes,
		Entry:    append([]string(nil), def.EntryPoints...),
		Order:    order,
	}, nil
}

// Node returns the compiled node for an agent id.
func (g *Graph) Node(id string) *Node {
	return g.Nodes[id]
}

// Fingerprint returns a stable digest of the compiled form. Identical
// definitions always produce identical fingerprints, which is what makes the
// compile cache per (workflowId, version) sound.
func (g *Graph) Fingerprint() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s@%d\n", g.Workflow.ID, g.Workflow.Version)
	for _, id := range g.Order {
		n := g.Nodes[id]
		fmt.Fprintf(&b, "node %s kind=%s parallel=%t inputs=%v outputs=%v\n",
			id, n.Spec.Kind, n.Spec.Parallel, n.Inputs, n.Outputs)
		for _, e := range n.Out {
			cond := ""
			if e.Cond != nil {
				cond = e.Cond.String()
			}
			fmt.Fprintf(&b, "edge %s->%s cond=%q onError=%s\n", e.From, e.To, cond, e.OnError)
		}
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// reach returns the set of nodes reachable from the given start set,
// excluding the starts themselves unless they are reachable through an edge.
func reach(nodes map[string]*Node, starts []string) map[string]bool {
	seen := make(map[string]bool)
	stack := append([]string(nil), starts...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range nodes[id].Out {
			if !seen[e.To] {
				seen[e.To] = true
				stack = append(stack, e.To)
			}
		}
	}
	return seen
}

// topoSort runs Kahn's algorithm with ties broken by declaration order so the
// result is deterministic. On a cycle it returns the ids still holding
// inbound edges.
func topoSort(def *workflow.Definition, nodes map[string]*Node) (order []string, cycle []string) {
	indegree := make(map[string]int, len(nodes))
	for id, n := range nodes {
		indegree[id] = len(n.In)
	}
	var ready []string
	for _, spec := range def.Agents {
		if indegree[spec.ID] == 0 {
			ready = append(ready, spec.ID)
		}
	}
	declIndex := make(map[string]int, len(def.Agents))
	for i, a := range def.Agents {
		declIndex[a.ID] = i
	}
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return declIndex[ready[i]] < declIndex[ready[j]] })
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, e := range nodes[id].Out {
			indegree[e.To]--
			if indegree[e.To] == 0 {
				ready = append(ready, e.To)
			}
		}
	}
	if len(order) != len(nodes) {
		for id, deg := range indegree {
			if deg > 0 {
				cycle = append(cycle, id)
			}
		}
	}
	return order, cycle
}

// closure computes, per node, the set of state fields guaranteed to exist
// before the node runs. Fields from unconditional parents accumulate as a
// union (the node waits for all of them); fields from conditional parents
// only count when every conditional parent produces them, since only one may
// have fired.
func closure(nodes map[string]*Node, order []string, entrySet map[string]bool) map[string]map[string]bool {
	after := make(map[string]map[string]bool, len(nodes))
	before := make(map[string]map[string]bool, len(nodes))
	for _, id := range order {
		n := nodes[id]
		b := make(map[string]bool)
		var condSets []map[string]bool
		for _, e := range n.In {
			parentAfter := after[e.From]
			if e.Cond == nil {
				for f := range parentAfter {
					b[f] = true
				}
			} else {
				condSets = append(condSets, parentAfter)
			}
		}
		if len(condSets) > 0 {
			inter := condSets[0]
			for _, s := range condSets[1:] {
				inter = intersect(inter, s)
			}
			for f := range inter {
				b[f] = true
			}
		}
		before[id] = b
		after[id] = union(b, n.Outputs)
	}
	return before
}

func union(set map[string]bool, fields []string) map[string]bool {
	out := make(map[string]bool, len(set)+len(fields))
	for f := range set {
		out[f] = true
	}
	for _, f := range fields {
		out[f] = true
	}
	return out
}

func intersect(a, b map[string]bool) map[string]bool {
	out := make(map[string]bool)
	for f := range a {
		if b[f] {
			out[f] = true
		}
	}
	return out
}

// branchWriteConflicts returns the fields written by nodes exclusive to
// branch a that are also written by nodes exclusive to branch b.
func branchWriteConflicts(nodes map[string]*Node, a, b map[string]bool) []string {
	writesA := make(map[string]bool)
	for id := range a {
		if b[id] {
			continue
		}
		for _, f := range nodes[id].Outputs {
			writesA[f] = true
		}
	}
	var conflicts []string
	seen := make(map[string]bool)
	for id := range b {
		if a[id] {
			continue
		}
		for _, f := range nodes[id].Outputs {
			if writesA[f] && !seen[f] {
				seen[f] = true
				conflicts = append(conflicts, f)
			}
		}
	}
	return conflicts
}
