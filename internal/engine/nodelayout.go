package engine

import "fmt"

// NodeLayout maps run name -> tasks-on-this-node, one entry per node.
// Node sharing between runs is disallowed in this scope: each run must
// appear on exactly one node.
type NodeLayout struct {
	nodes []map[string]int
}

// NewNodeLayout wraps a caller-provided layout (e.g. parsed from a pipeline
// description's "node_layout" field).
func NewNodeLayout(nodes []map[string]int) NodeLayout {
	return NodeLayout{nodes: nodes}
}

// DefaultNoShareLayout builds the full-occupancy layout: each run gets its
// own node at ppn tasks.
func DefaultNoShareLayout(ppn int, runNames []string) NodeLayout {
	nodes := make([]map[string]int, 0, len(runNames))
	for _, name := range runNames {
		nodes = append(nodes, map[string]int{name: ppn})
	}
	return NodeLayout{nodes: nodes}
}

// GetNodeContainingRun returns the node entry hosting the named run.
// Errors if the run is hosted on zero or more than one node.
func (l NodeLayout) GetNodeContainingRun(name string) (map[string]int, error) {
	var found map[string]int
	count := 0
	for _, node := range l.nodes {
		if _, ok := node[name]; ok {
			found = node
			count++
		}
	}
	if count == 0 {
		return nil, fmt.Errorf("node layout: run %q not found on any node", name)
	}
	if count > 1 {
		return nil, fmt.Errorf("node layout: run %q hosted on %d nodes, sharing not supported", name, count)
	}
	return found, nil
}
