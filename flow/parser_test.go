package flow

import (
	"errors"
	"testing"
)

const linearDefV2 = `{
	"workflowId": "order-fulfillment",
	"version": 1,
	"name": "Order Fulfillment",
	"execution": {
		"nodes": [
			{"id": "start", "type": "START_EVENT"},
			{"id": "reserve", "type": "SERVICE_TASK", "name": "Reserve Stock",
			 "serviceName": "inventory", "serviceMethod": "reserve",
			 "retryPolicy": {"maxAttempts": 3, "backoffStrategy": "exponential", "delayMs": 50},
			 "compensationKey": "inventory-reserve"},
			{"id": "end", "type": "END_EVENT"}
		],
		"edges": [
			{"id": "e1", "source": "start", "target": "reserve"},
			{"id": "e2", "source": "reserve", "target": "end"}
		]
	}
}`

const linearDefV1 = `{
	"workflowId": "order-fulfillment",
	"version": 1,
	"name": "Order Fulfillment",
	"nodes": [
		{"id": "start", "type": "START_EVENT"},
		{"id": "task", "type": "TASK"},
		{"id": "end", "type": "END_EVENT"}
	],
	"edges": [
		{"id": "e1", "source": "start", "target": "task"},
		{"id": "e2", "source": "task", "target": "end"}
	]
}`

func TestParseDefinitionV2(t *testing.T) {
	def, err := ParseDefinition([]byte(linearDefV2))
	if err != nil {
		t.Fatalf("ParseDefinition: %v", err)
	}
	if def.WorkflowID != "order-fulfillment" || def.Version != 1 {
		t.Errorf("identity = (%s, %d), want (order-fulfillment, 1)", def.WorkflowID, def.Version)
	}
	if def.TenantID != DefaultTenant {
		t.Errorf("TenantID = %q, want %q", def.TenantID, DefaultTenant)
	}

	g := def.Graph()
	if len(g.Nodes()) != 3 || len(g.Edges()) != 2 {
		t.Fatalf("graph has %d nodes, %d edges; want 3, 2", len(g.Nodes()), len(g.Edges()))
	}
	if g.StartEvent == nil || g.StartEvent.ID != "start" {
		t.Fatal("start event not identified")
	}
	if len(g.EndEvents) != 1 || g.EndEvents[0].ID != "end" {
		t.Fatal("end event not identified")
	}

	reserve := g.Node("reserve")
	if reserve == nil {
		t.Fatal("node reserve missing")
	}
	if reserve.Type != NodeServiceTask {
		t.Errorf("reserve type = %s, want SERVICE_TASK", reserve.Type)
	}
	cfg := reserve.Config
	if cfg.ServiceName != "inventory" || cfg.ServiceMethod != "reserve" {
		t.Errorf("service binding = %s.%s", cfg.ServiceName, cfg.ServiceMethod)
	}
	if cfg.CompensationKey != "inventory-reserve" {
		t.Errorf("CompensationKey = %q", cfg.CompensationKey)
	}
	if cfg.Retry == nil || cfg.Retry.MaxAttempts != 3 || cfg.Retry.BackoffStrategy != "exponential" || cfg.Retry.DelayMS != 50 {
		t.Errorf("retry policy = %+v", cfg.Retry)
	}
}

func TestParseDefinitionV1Shape(t *testing.T) {
	def, err := ParseDefinition([]byte(linearDefV1))
	if err != nil {
		t.Fatalf("ParseDefinition: %v", err)
	}
	g := def.Graph()
	if len(g.Nodes()) != 3 || len(g.Edges()) != 2 {
		t.Fatalf("graph has %d nodes, %d edges; want 3, 2", len(g.Nodes()), len(g.Edges()))
	}
	if edge := g.Edges()[0]; edge.Path != PathSuccess {
		t.Errorf("unspecified path type = %q, want %q", edge.Path, PathSuccess)
	}
}

func TestParseDefinitionMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{"workflowId": `},
		{"missing workflowId", `{"version": 1, "name": "x", "nodes": [{"id": "s", "type": "START_EVENT"}], "edges": []}`},
		{"missing version", `{"workflowId": "w", "name": "x", "nodes": [{"id": "s", "type": "START_EVENT"}], "edges": []}`},
		{"missing name", `{"workflowId": "w", "version": 1, "nodes": [{"id": "s", "type": "START_EVENT"}], "edges": []}`},
		{"no node arrays", `{"workflowId": "w", "version": 1, "name": "x"}`},
		{"version below one", `{"workflowId": "w", "version": 0, "name": "x", "nodes": [{"id": "s", "type": "START_EVENT"}], "edges": []}`},
		{"node missing id", `{"workflowId": "w", "version": 1, "name": "x", "nodes": [{"type": "START_EVENT"}], "edges": []}`},
		{"edge missing target", `{"workflowId": "w", "version": 1, "name": "x",
			"nodes": [{"id": "s", "type": "START_EVENT"}],
			"edges": [{"id": "e1", "source": "s"}]}`},
		{"duplicate node id", `{"workflowId": "w", "version": 1, "name": "x",
			"nodes": [{"id": "s", "type": "START_EVENT"}, {"id": "s", "type": "END_EVENT"}],
			"edges": []}`},
		{"duplicate edge id", `{"workflowId": "w", "version": 1, "name": "x",
			"nodes": [{"id": "s", "type": "START_EVENT"}, {"id": "t", "type": "TASK"}, {"id": "e", "type": "END_EVENT"}],
			"edges": [{"id": "e1", "source": "s", "target": "t"}, {"id": "e1", "source": "t", "target": "e"}]}`},
		{"unknown node type", `{"workflowId": "w", "version": 1, "name": "x",
			"nodes": [{"id": "s", "type": "TELEPORT"}],
			"edges": []}`},
		{"unknown gateway type", `{"workflowId": "w", "version": 1, "name": "x",
			"nodes": [{"id": "g", "type": "EXCLUSIVE_GATEWAY", "gatewayType": "MAYBE"}],
			"edges": []}`},
		{"unknown path type", `{"workflowId": "w", "version": 1, "name": "x",
			"nodes": [{"id": "s", "type": "START_EVENT"}, {"id": "e", "type": "END_EVENT"}],
			"edges": [{"id": "e1", "source": "s", "target": "e", "pathType": "sideways"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDefinition([]byte(tt.raw))
			if !errors.Is(err, ErrDefinitionMalformed) {
				t.Errorf("err = %v, want ErrDefinitionMalformed", err)
			}
		})
	}
}

func TestParseDefinitionTrimsConditions(t *testing.T) {
	raw := `{"workflowId": "w", "version": 1, "name": "x",
		"nodes": [
			{"id": "s", "type": "START_EVENT"},
			{"id": "g", "type": "EXCLUSIVE_GATEWAY"},
			{"id": "a", "type": "TASK"},
			{"id": "e", "type": "END_EVENT"}
		],
		"edges": [
			{"id": "e1", "source": "s", "target": "g"},
			{"id": "e2", "source": "g", "target": "a", "condition": "  amount > 10  ", "pathType": "conditional"},
			{"id": "e3", "source": "g", "target": "e", "pathType": "default"},
			{"id": "e4", "source": "a", "target": "e"}
		]}`
	def, err := ParseDefinition([]byte(raw))
	if err != nil {
		t.Fatalf("ParseDefinition: %v", err)
	}
	for _, e := range def.Graph().OutgoingEdges("g") {
		if e.ID == "e2" && e.Condition != "amount > 10" {
			t.Errorf("condition = %q, want trimmed", e.Condition)
		}
	}
}

func TestEdgeOrderingByPriority(t *testing.T) {
	raw := `{"workflowId": "w", "version": 1, "name": "x",
		"nodes": [
			{"id": "s", "type": "START_EVENT"},
			{"id": "g", "type": "EXCLUSIVE_GATEWAY"},
			{"id": "a", "type": "TASK"},
			{"id": "b", "type": "TASK"},
			{"id": "e", "type": "END_EVENT"}
		],
		"edges": [
			{"id": "zz", "source": "g", "target": "a", "priority": 2, "condition": "x == 1"},
			{"id": "aa", "source": "g", "target": "b", "priority": 2, "condition": "x == 2"},
			{"id": "mm", "source": "g", "target": "e", "priority": 1, "pathType": "default"},
			{"id": "e1", "source": "s", "target": "g"},
			{"id": "e4", "source": "a", "target": "e"},
			{"id": "e5", "source": "b", "target": "e"}
		]}`
	def, err := ParseDefinition([]byte(raw))
	if err != nil {
		t.Fatalf("ParseDefinition: %v", err)
	}

	out := def.Graph().OutgoingEdges("g")
	got := make([]string, len(out))
	for i, e := range out {
		got[i] = e.ID
	}
	// Sorted by priority, ties broken by edge ID.
	want := []string{"mm", "aa", "zz"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("outgoing order = %v, want %v", got, want)
		}
	}
}
