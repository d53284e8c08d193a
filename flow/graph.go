package flow

import "sort"

// GraphNode is a single node of a compiled workflow graph.
type GraphNode struct {
	// ID uniquely identifies the node within its graph.
	ID string `json:"id"`

	// Type selects the handler that executes this node.
	Type NodeType `json:"type"`

	// Name is the human-readable label from the definition document.
	Name string `json:"name"`

	// Config holds the type-specific settings for this node.
	Config NodeConfig `json:"config"`
}

// IsGateway reports whether the node routes rather than executes work.
func (n *GraphNode) IsGateway() bool { return n.Type.IsGateway() }

// GraphEdge is a directed connection between two nodes.
type GraphEdge struct {
	// ID uniquely identifies the edge within its graph.
	ID string `json:"id"`

	// Source and Target are node IDs. Both must resolve in the graph.
	Source string `json:"source"`
	Target string `json:"target"`

	// Path classifies the edge; PathDefault marks a gateway fallback branch.
	Path PathType `json:"pathType"`

	// Condition is an optional boolean expression over the variable map.
	// Empty means the edge is unconditional.
	Condition string `json:"condition,omitempty"`

	// Priority orders outgoing edges; lower values are tried first.
	Priority int `json:"priority"`

	// Name is the optional human-readable label.
	Name string `json:"name,omitempty"`
}

// IsDefault reports whether the edge is a gateway's fallback branch:
// either explicitly marked with pathType "default" or carrying no condition.
func (e *GraphEdge) IsDefault() bool {
	return e.Path == PathDefault || e.Condition == ""
}

// WorkflowGraph is the executable form of a workflow definition.
//
// The graph is derived from the definition JSON, never mutated after
// construction, and regenerable at any time; processes may cache it freely.
// Forward and reverse adjacency are indexed at build time so edge lookups
// during execution are O(outdegree).
type WorkflowGraph struct {
	// WorkflowID and Version identify the definition this graph was
	// compiled from.
	WorkflowID string
	Version    int

	nodes    map[string]*GraphNode
	outgoing map[string][]*GraphEdge
	incoming map[string][]*GraphEdge

	// StartEvent is the single START_EVENT node, or nil if the definition
	// has none (the validator rejects such definitions).
	StartEvent *GraphNode

	// EndEvents lists every END_EVENT node.
	EndEvents []*GraphNode
}

// newWorkflowGraph indexes nodes and edges into a WorkflowGraph.
//
// Outgoing edge lists are pre-sorted by ascending priority with ties broken
// by edge ID, which is the stable order the executor relies on.
func newWorkflowGraph(workflowID string, version int, nodes []*GraphNode, edges []*GraphEdge) *WorkflowGraph {
	g := &WorkflowGraph{
		WorkflowID: workflowID,
		Version:    version,
		nodes:      make(map[string]*GraphNode, len(nodes)),
		outgoing:   make(map[string][]*GraphEdge, len(nodes)),
		incoming:   make(map[string][]*GraphEdge, len(nodes)),
	}

	for _, n := range nodes {
		g.nodes[n.ID] = n
		switch n.Type {
		case NodeStartEvent:
			if g.StartEvent == nil {
				g.StartEvent = n
			}
		case NodeEndEvent:
			g.EndEvents = append(g.EndEvents, n)
		}
	}

	for _, e := range edges {
		g.outgoing[e.Source] = append(g.outgoing[e.Source], e)
		g.incoming[e.Target] = append(g.incoming[e.Target], e)
	}

	for _, list := range g.outgoing {
		sortEdges(list)
	}
	for _, list := range g.incoming {
		sortEdges(list)
	}

	return g
}

func sortEdges(edges []*GraphEdge) {
	sort.SliceStable(edges, func(i, j int) bool {
		if edges[i].Priority != edges[j].Priority {
			return edges[i].Priority < edges[j].Priority
		}
		return edges[i].ID < edges[j].ID
	})
}

// Node returns the node with the given ID, or nil if absent.
func (g *WorkflowGraph) Node(id string) *GraphNode { return g.nodes[id] }

// NodeCount returns the number of nodes in the graph.
func (g *WorkflowGraph) NodeCount() int { return len(g.nodes) }

// Nodes returns every node in the graph in ID order.
func (g *WorkflowGraph) Nodes() []*GraphNode {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*GraphNode, len(ids))
	for i, id := range ids {
		out[i] = g.nodes[id]
	}
	return out
}

// OutgoingEdges returns the edges leaving the node in stable order:
// ascending priority, ties broken by edge ID.
func (g *WorkflowGraph) OutgoingEdges(nodeID string) []*GraphEdge { return g.outgoing[nodeID] }

// IncomingEdges returns the edges entering the node in stable order.
func (g *WorkflowGraph) IncomingEdges(nodeID string) []*GraphEdge { return g.incoming[nodeID] }

// Edges returns every edge in the graph in source-node, priority order.
func (g *WorkflowGraph) Edges() []*GraphEdge {
	srcs := make([]string, 0, len(g.outgoing))
	for src := range g.outgoing {
		srcs = append(srcs, src)
	}
	sort.Strings(srcs)
	var out []*GraphEdge
	for _, src := range srcs {
		out = append(out, g.outgoing[src]...)
	}
	return out
}

// DivergingGateway reports whether the gateway node fans out
// (at most one incoming edge, more than one outgoing).
func (g *WorkflowGraph) DivergingGateway(nodeID string) bool {
	return len(g.incoming[nodeID]) <= 1 && len(g.outgoing[nodeID]) > 1
}

// ConvergingGateway reports whether the gateway node fans in
// (more than one incoming edge, at most one outgoing).
func (g *WorkflowGraph) ConvergingGateway(nodeID string) bool {
	return len(g.incoming[nodeID]) > 1 && len(g.outgoing[nodeID]) <= 1
}

// ReachableFromStart returns the set of node IDs reachable from the start
// event by breadth-first traversal of forward edges. Returns an empty set
// when the graph has no start event.
func (g *WorkflowGraph) ReachableFromStart() map[string]bool {
	reached := make(map[string]bool)
	if g.StartEvent == nil {
		return reached
	}

	queue := []string{g.StartEvent.ID}
	reached[g.StartEvent.ID] = true
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.outgoing[cur] {
			if !reached[e.Target] {
				reached[e.Target] = true
				queue = append(queue, e.Target)
			}
		}
	}
	return reached
}
