package flow

import "fmt"

// Issue codes reported by Validate. Errors make a definition undeployable;
// warnings are advisory.
const (
	CodeStartEventMissing      = "START_EVENT_MISSING"
	CodeStartEventHasIncoming  = "START_EVENT_HAS_INCOMING"
	CodeStartEventNoOutgoing   = "START_EVENT_NO_OUTGOING"
	CodeEndEventMissing        = "END_EVENT_MISSING"
	CodeEndEventHasOutgoing    = "END_EVENT_HAS_OUTGOING"
	CodeEndEventNoIncoming     = "END_EVENT_NO_INCOMING"
	CodeEdgeTargetNotFound     = "EDGE_TARGET_NOT_FOUND"
	CodeSelfLoop               = "SELF_LOOP"
	CodeGatewayTypeMissing     = "GATEWAY_TYPE_MISSING"
	CodeGatewayMixed           = "GATEWAY_MIXED"
	CodeGatewayMultipleDefault = "GATEWAY_MULTIPLE_DEFAULT"
	CodeGatewayNoDefault       = "GATEWAY_NO_DEFAULT"
	CodeNodeUnreachable        = "NODE_UNREACHABLE"
	CodeNoReachableEndEvent    = "NO_REACHABLE_END_EVENT"
	CodeServiceTaskNoName      = "SERVICE_TASK_NO_NAME"
	CodeRuleTaskNoFile         = "RULE_TASK_NO_FILE"
	CodeRuleTaskNoGroup        = "RULE_TASK_NO_GROUP"
)

// ValidationIssue is a single finding from the validator.
type ValidationIssue struct {
	// Code is one of the Code* constants.
	Code string `json:"code"`

	// NodeID or EdgeID locates the issue when it concerns a specific
	// element; both may be empty for graph-level issues.
	NodeID string `json:"nodeId,omitempty"`
	EdgeID string `json:"edgeId,omitempty"`

	// Message is the human-readable description.
	Message string `json:"message"`
}

func (i ValidationIssue) String() string {
	where := ""
	switch {
	case i.NodeID != "":
		where = " node=" + i.NodeID
	case i.EdgeID != "":
		where = " edge=" + i.EdgeID
	}
	return fmt.Sprintf("[%s]%s %s", i.Code, where, i.Message)
}

// ValidationResult separates blocking errors from advisory warnings.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors"`
	Warnings []ValidationIssue `json:"warnings"`
}

// Valid reports whether the definition is deployable (no errors; warnings
// are allowed).
func (r ValidationResult) Valid() bool { return len(r.Errors) == 0 }

func (r *ValidationResult) addError(code, nodeID, edgeID, msg string) {
	r.Errors = append(r.Errors, ValidationIssue{Code: code, NodeID: nodeID, EdgeID: edgeID, Message: msg})
}

func (r *ValidationResult) addWarning(code, nodeID, edgeID, msg string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Code: code, NodeID: nodeID, EdgeID: edgeID, Message: msg})
}

// Validate runs every structural and semantic check over the graph and
// returns the collected errors and warnings. It never stops at the first
// finding; deploy tooling shows the complete list.
func Validate(g *WorkflowGraph) ValidationResult {
	var r ValidationResult

	validateStartEvents(g, &r)
	validateEndEvents(g, &r)
	validateEdges(g, &r)
	validateGateways(g, &r)
	validateReachability(g, &r)
	validateTaskBindings(g, &r)

	return r
}

func validateStartEvents(g *WorkflowGraph, r *ValidationResult) {
	var starts []*GraphNode
	for _, n := range g.Nodes() {
		if n.Type == NodeStartEvent {
			starts = append(starts, n)
		}
	}

	if len(starts) == 0 {
		r.addError(CodeStartEventMissing, "", "", "workflow has no START_EVENT")
		return
	}
	if len(starts) > 1 {
		for _, n := range starts[1:] {
			r.addError(CodeStartEventMissing, n.ID, "", "workflow has more than one START_EVENT")
		}
	}

	start := starts[0]
	if len(g.IncomingEdges(start.ID)) > 0 {
		r.addError(CodeStartEventHasIncoming, start.ID, "", "start event must not have incoming edges")
	}
	if len(g.OutgoingEdges(start.ID)) == 0 {
		r.addError(CodeStartEventNoOutgoing, start.ID, "", "start event has no outgoing edge")
	}
}

func validateEndEvents(g *WorkflowGraph, r *ValidationResult) {
	if len(g.EndEvents) == 0 {
		r.addError(CodeEndEventMissing, "", "", "workflow has no END_EVENT")
		return
	}
	for _, end := range g.EndEvents {
		if len(g.OutgoingEdges(end.ID)) > 0 {
			r.addError(CodeEndEventHasOutgoing, end.ID, "", "end event must not have outgoing edges")
		}
		if len(g.IncomingEdges(end.ID)) == 0 {
			r.addWarning(CodeEndEventNoIncoming, end.ID, "", "end event has no incoming edge")
		}
	}
}

func validateEdges(g *WorkflowGraph, r *ValidationResult) {
	for _, e := range g.Edges() {
		if g.Node(e.Source) == nil {
			r.addError(CodeEdgeTargetNotFound, "", e.ID, fmt.Sprintf("edge source %q does not resolve", e.Source))
		}
		if g.Node(e.Target) == nil {
			r.addError(CodeEdgeTargetNotFound, "", e.ID, fmt.Sprintf("edge target %q does not resolve", e.Target))
		}
		if e.Source == e.Target {
			r.addError(CodeSelfLoop, "", e.ID, "edge connects a node to itself")
		}
	}
}

func validateGateways(g *WorkflowGraph, r *ValidationResult) {
	for _, n := range g.Nodes() {
		if !n.IsGateway() {
			continue
		}

		if n.Config.Gateway == "" {
			// XOR/AND/OR are implied by the node type for the three
			// standard gateways; only a bare EVENT_BASED_GATEWAY or a
			// custom gateway with no subtype is an error.
			if impliedGatewayType(n.Type) == "" {
				r.addError(CodeGatewayTypeMissing, n.ID, "", "gateway has no gateway type")
				continue
			}
		}

		in, out := len(g.IncomingEdges(n.ID)), len(g.OutgoingEdges(n.ID))
		if in > 1 && out > 1 {
			r.addWarning(CodeGatewayMixed, n.ID, "", "gateway both converges and diverges")
		}

		gw := n.Config.Gateway
		if gw == "" {
			gw = impliedGatewayType(n.Type)
		}
		if g.DivergingGateway(n.ID) && (gw == GatewayXOR || gw == GatewayOR) {
			validateDefaultBranches(g, n, r)
		}
	}
}

// impliedGatewayType maps the standard gateway node types to their routing
// semantics when the definition omits an explicit gatewayType.
func impliedGatewayType(t NodeType) GatewayType {
	switch t {
	case NodeExclusiveGateway:
		return GatewayXOR
	case NodeParallelGateway:
		return GatewayAND
	case NodeInclusiveGateway:
		return GatewayOR
	}
	return ""
}

func validateDefaultBranches(g *WorkflowGraph, n *GraphNode, r *ValidationResult) {
	defaults := 0
	for _, e := range g.OutgoingEdges(n.ID) {
		if e.IsDefault() {
			defaults++
		}
	}
	switch {
	case defaults > 1:
		r.addError(CodeGatewayMultipleDefault, n.ID, "",
			fmt.Sprintf("gateway has %d unconditional branches; at most one is allowed", defaults))
	case defaults == 0:
		r.addWarning(CodeGatewayNoDefault, n.ID, "",
			"gateway has no default branch; execution fails when no condition matches")
	}
}

func validateReachability(g *WorkflowGraph, r *ValidationResult) {
	if g.StartEvent == nil {
		return // already reported as START_EVENT_MISSING
	}

	reached := g.ReachableFromStart()
	for _, n := range g.Nodes() {
		if !reached[n.ID] {
			r.addWarning(CodeNodeUnreachable, n.ID, "", "node is not reachable from the start event")
		}
	}

	endReachable := false
	for _, end := range g.EndEvents {
		if reached[end.ID] {
			endReachable = true
			break
		}
	}
	if len(g.EndEvents) > 0 && !endReachable {
		r.addError(CodeNoReachableEndEvent, "", "", "no end event is reachable from the start event")
	}
}

func validateTaskBindings(g *WorkflowGraph, r *ValidationResult) {
	for _, n := range g.Nodes() {
		switch n.Type {
		case NodeServiceTask:
			if n.Config.ServiceName == "" {
				r.addError(CodeServiceTaskNoName, n.ID, "", "service task has no service name")
			}
		case NodeBusinessRuleTask:
			if n.Config.RuleFile == "" {
				r.addError(CodeRuleTaskNoFile, n.ID, "", "business rule task has no rule file")
			}
			if n.Config.RuleflowGroup == "" {
				r.addError(CodeRuleTaskNoGroup, n.ID, "", "business rule task has no ruleflow group")
			}
		}
	}
}
