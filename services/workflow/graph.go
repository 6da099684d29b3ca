package workflow

import (
	"fmt"
	"slices"
	"strings"
)

// BuildDependencies maps each id in targetIDs to the sources of the edges
// feeding it, in edge order and without duplicates. Only target ids get entries.
func BuildDependencies(edges []Edge, targetIDs []string) map[string][]string {
	deps := make(map[string][]string, len(targetIDs))
	for _, id := range targetIDs {
		deps[id] = []string{}
	}
	for _, e := range edges {
		list, ok := deps[e.Target]
		if !ok || slices.Contains(list, e.Source) {
			continue
		}
		deps[e.Target] = append(list, e.Source)
	}
	return deps
}

// ExpandTargets returns requested plus every node they transitively depend on,
// walking edges backwards with an explicit worklist. Ids are returned in
// workflow node order. An id or edge source absent from nodes is a structural error.
func ExpandTargets(nodes []Node, edges []Edge, requested []string) ([]string, error) {
	known := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		known[n.ID] = true
	}

	incoming := make(map[string][]Edge)
	for _, e := range edges {
		incoming[e.Target] = append(incoming[e.Target], e)
	}

	visited := make(map[string]bool)
	var stack []string
	for _, id := range requested {
		if !known[id] {
			return nil, &StructuralError{Err: ErrNodeNotFound, Detail: fmt.Sprintf("requested node %q", id)}
		}
		if !visited[id] {
			visited[id] = true
			stack = append(stack, id)
		}
	}

	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range incoming[id] {
			if !known[e.Source] {
				return nil, &StructuralError{Err: ErrNodeNotFound, Detail: fmt.Sprintf("edge %q source %q", e.ID, e.Source)}
			}
			if !visited[e.Source] {
				visited[e.Source] = true
				stack = append(stack, e.Source)
			}
		}
	}

	out := make([]string, 0, len(visited))
	for _, n := range nodes {
		if visited[n.ID] {
			out = append(out, n.ID)
		}
	}
	return out, nil
}

// DetectCycles runs a depth-first search over the subgraph induced by nodeIDs
// and returns every cycle closed by a back edge, each as the path of ids
// starting and ending at the same node. A nil result means the subgraph is a DAG.
func DetectCycles(nodeIDs []string, edges []Edge) [][]string {
	inSet := make(map[string]bool, len(nodeIDs))
	for _, id := range nodeIDs {
		inSet[id] = true
	}
	adj := make(map[string][]string)
	for _, e := range edges {
		if inSet[e.Source] && inSet[e.Target] {
			adj[e.Source] = append(adj[e.Source], e.Target)
		}
	}

	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[string]int, len(nodeIDs))
	var path []string
	var cycles [][]string

	var visit func(id string)
	visit = func(id string) {
		state[id] = onStack
		path = append(path, id)
		for _, next := range adj[id] {
			switch state[next] {
			case onStack:
				start := slices.Index(path, next)
				cycle := append(slices.Clone(path[start:]), next)
				cycles = append(cycles, cycle)
			case unvisited:
				visit(next)
			}
		}
		path = path[:len(path)-1]
		state[id] = done
	}

	for _, id := range nodeIDs {
		if state[id] == unvisited {
			visit(id)
		}
	}
	return cycles
}

// validateDAG wraps the first detected cycle in a StructuralError.
func validateDAG(nodeIDs []string, edges []Edge) error {
	cycles := DetectCycles(nodeIDs, edges)
	if len(cycles) == 0 {
		return nil
	}
	return &StructuralError{Err: ErrCycleDetected, Detail: strings.Join(cycles[0], " -> ")}
}
