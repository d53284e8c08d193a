package flow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// definitionSchema is the structural contract of the definition document.
// It is checked before decoding so that shape problems surface as a single
// ErrDefinitionMalformed with the offending paths, rather than as scattered
// decode errors. The one-of over "execution" and top-level "nodes"/"edges"
// admits both the v2 and the v1 document shapes.
const definitionSchema = `{
	"type": "object",
	"required": ["workflowId", "version", "name"],
	"properties": {
		"workflowId": {"type": "string", "minLength": 1},
		"version": {"type": "integer", "minimum": 1},
		"name": {"type": "string", "minLength": 1},
		"execution": {
			"type": "object",
			"properties": {
				"nodes": {"type": "array", "items": {"$ref": "#/definitions/node"}},
				"edges": {"type": "array", "items": {"$ref": "#/definitions/edge"}}
			}
		},
		"nodes": {"type": "array", "items": {"$ref": "#/definitions/node"}},
		"edges": {"type": "array", "items": {"$ref": "#/definitions/edge"}}
	},
	"anyOf": [
		{"required": ["execution"]},
		{"required": ["nodes", "edges"]}
	],
	"definitions": {
		"node": {
			"type": "object",
			"required": ["id", "type"],
			"properties": {
				"id": {"type": "string", "minLength": 1},
				"type": {"type": "string", "minLength": 1},
				"name": {"type": "string"}
			}
		},
		"edge": {
			"type": "object",
			"required": ["id", "source", "target"],
			"properties": {
				"id": {"type": "string", "minLength": 1},
				"source": {"type": "string", "minLength": 1},
				"target": {"type": "string", "minLength": 1}
			}
		}
	}
}`

var compiledSchema = gojsonschema.NewStringLoader(definitionSchema)

// nodeDoc and edgeDoc mirror the definition document's wire shape.
type nodeDoc struct {
	ID              string            `json:"id"`
	Type            string            `json:"type"`
	Name            string            `json:"name"`
	GatewayType     string            `json:"gatewayType"`
	ServiceName     string            `json:"serviceName"`
	ServiceMethod   string            `json:"serviceMethod"`
	RuleFile        string            `json:"ruleFile"`
	RuleflowGroup   string            `json:"ruleflowGroup"`
	Terminate       bool              `json:"terminate"`
	InputMappings   map[string]string `json:"inputMappings"`
	OutputMappings  map[string]string `json:"outputMappings"`
	RetryPolicy     *RetryPolicy      `json:"retryPolicy"`
	CompensationKey string            `json:"compensationKey"`
}

type edgeDoc struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	Target    string `json:"target"`
	PathType  string `json:"pathType"`
	Condition string `json:"condition"`
	Priority  *int   `json:"priority"`
	Name      string `json:"name"`
}

type definitionDoc struct {
	WorkflowID string `json:"workflowId"`
	Version    int    `json:"version"`
	Name       string `json:"name"`
	Execution  *struct {
		Nodes []nodeDoc `json:"nodes"`
		Edges []edgeDoc `json:"edges"`
	} `json:"execution"`
	Nodes []nodeDoc `json:"nodes"`
	Edges []edgeDoc `json:"edges"`
}

// ParseDefinition decodes a definition document into a WorkflowDefinition
// with a compiled graph.
//
// Two document shapes are accepted: "v2" with nodes and edges nested under
// "execution", and "v1" with both arrays at the top level. The v1 shape is
// normalized transparently; callers never observe the difference.
//
// Returns an error wrapping ErrDefinitionMalformed when required
// identifiers are missing, node or edge IDs repeat, or enum values are
// unknown. Semantic problems (unreachable nodes, missing start event, and
// so on) are the validator's concern, not the parser's.
func ParseDefinition(raw []byte) (*WorkflowDefinition, error) {
	result, err := gojsonschema.Validate(compiledSchema, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDefinitionMalformed, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrDefinitionMalformed, strings.Join(msgs, "; "))
	}

	var doc definitionDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDefinitionMalformed, err)
	}

	// Normalize v1 (top-level arrays) into the v2 shape.
	nodes, edges := doc.Nodes, doc.Edges
	if doc.Execution != nil && (len(doc.Execution.Nodes) > 0 || len(doc.Execution.Edges) > 0) {
		nodes, edges = doc.Execution.Nodes, doc.Execution.Edges
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: definition has no nodes", ErrDefinitionMalformed)
	}

	graphNodes, err := decodeNodes(nodes)
	if err != nil {
		return nil, err
	}
	graphEdges, err := decodeEdges(edges)
	if err != nil {
		return nil, err
	}

	def := &WorkflowDefinition{
		WorkflowID: doc.WorkflowID,
		Version:    doc.Version,
		Name:       doc.Name,
		TenantID:   DefaultTenant,
		Raw:        append([]byte(nil), raw...),
		Active:     true,
		graph:      newWorkflowGraph(doc.WorkflowID, doc.Version, graphNodes, graphEdges),
	}
	return def, nil
}

func decodeNodes(docs []nodeDoc) ([]*GraphNode, error) {
	seen := make(map[string]bool, len(docs))
	out := make([]*GraphNode, 0, len(docs))

	for _, d := range docs {
		if seen[d.ID] {
			return nil, fmt.Errorf("%w: duplicate node id %q", ErrDefinitionMalformed, d.ID)
		}
		seen[d.ID] = true

		nt := NodeType(d.Type)
		if !nt.Valid() {
			return nil, fmt.Errorf("%w: node %q has unknown type %q", ErrDefinitionMalformed, d.ID, d.Type)
		}
		gw := GatewayType(d.GatewayType)
		if d.GatewayType != "" && !gw.Valid() {
			return nil, fmt.Errorf("%w: node %q has unknown gateway type %q", ErrDefinitionMalformed, d.ID, d.GatewayType)
		}

		out = append(out, &GraphNode{
			ID:   d.ID,
			Type: nt,
			Name: d.Name,
			Config: NodeConfig{
				ServiceName:     d.ServiceName,
				ServiceMethod:   d.ServiceMethod,
				RuleFile:        d.RuleFile,
				RuleflowGroup:   d.RuleflowGroup,
				Gateway:         gw,
				Terminate:       d.Terminate,
				InputMappings:   d.InputMappings,
				OutputMappings:  d.OutputMappings,
				Retry:           d.RetryPolicy,
				CompensationKey: d.CompensationKey,
			},
		})
	}
	return out, nil
}

func decodeEdges(docs []edgeDoc) ([]*GraphEdge, error) {
	seen := make(map[string]bool, len(docs))
	out := make([]*GraphEdge, 0, len(docs))

	for _, d := range docs {
		if seen[d.ID] {
			return nil, fmt.Errorf("%w: duplicate edge id %q", ErrDefinitionMalformed, d.ID)
		}
		seen[d.ID] = true

		pt := PathType(d.PathType)
		if !pt.Valid() {
			return nil, fmt.Errorf("%w: edge %q has unknown path type %q", ErrDefinitionMalformed, d.ID, d.PathType)
		}
		if pt == "" {
			pt = PathSuccess
		}

		priority := 0
		if d.Priority != nil {
			priority = *d.Priority
		}

		out = append(out, &GraphEdge{
			ID:        d.ID,
			Source:    d.Source,
			Target:    d.Target,
			Path:      pt,
			Condition: strings.TrimSpace(d.Condition),
			Priority:  priority,
			Name:      d.Name,
		})
	}
	return out, nil
}
