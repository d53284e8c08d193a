package flow

import (
	"errors"
	"fmt"
	"testing"
)

func deployableDoc(version int) []byte {
	return []byte(fmt.Sprintf(`{
		"workflowId": "invoice",
		"version": %d,
		"name": "Invoice Processing",
		"nodes": [
			{"id": "start", "type": "START_EVENT"},
			{"id": "work", "type": "TASK"},
			{"id": "end", "type": "END_EVENT"}
		],
		"edges": [
			{"id": "e1", "source": "start", "target": "work"},
			{"id": "e2", "source": "work", "target": "end"}
		]
	}`, version))
}

func TestDeployAndGet(t *testing.T) {
	s := NewDefinitionStore()

	def, result, err := s.Deploy(deployableDoc(1), "acme")
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if !result.Valid() {
		t.Fatalf("unexpected validation errors: %v", result.Errors)
	}
	if def.TenantID != "acme" {
		t.Errorf("TenantID = %q, want acme", def.TenantID)
	}

	got, err := s.Get("invoice", 1, "acme")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != def {
		t.Error("Get returned a different definition")
	}

	if _, err := s.Get("invoice", 1, "other-tenant"); !errors.Is(err, ErrDefinitionNotFound) {
		t.Errorf("cross-tenant Get err = %v, want ErrDefinitionNotFound", err)
	}
	if _, err := s.Get("invoice", 2, "acme"); !errors.Is(err, ErrDefinitionNotFound) {
		t.Errorf("unknown version Get err = %v, want ErrDefinitionNotFound", err)
	}
}

func TestDeployRejectsInvalidDefinition(t *testing.T) {
	s := NewDefinitionStore()

	// Structurally sound JSON, semantically broken graph: no end event.
	raw := []byte(`{
		"workflowId": "broken",
		"version": 1,
		"name": "Broken",
		"nodes": [
			{"id": "start", "type": "START_EVENT"},
			{"id": "work", "type": "TASK"}
		],
		"edges": [{"id": "e1", "source": "start", "target": "work"}]
	}`)

	_, result, err := s.Deploy(raw, "")
	if !errors.Is(err, ErrDefinitionInvalid) {
		t.Fatalf("err = %v, want ErrDefinitionInvalid", err)
	}
	if !hasError(result, CodeEndEventMissing) {
		t.Errorf("validation result missing END_EVENT_MISSING: %v", result.Errors)
	}
	if _, err := s.Get("broken", 1, ""); !errors.Is(err, ErrDefinitionNotFound) {
		t.Error("rejected definition must not be stored")
	}
}

func TestDeployDefaultsTenant(t *testing.T) {
	s := NewDefinitionStore()
	if _, _, err := s.Deploy(deployableDoc(1), ""); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if _, err := s.Get("invoice", 1, DefaultTenant); err != nil {
		t.Errorf("empty tenant should resolve to %q: %v", DefaultTenant, err)
	}
}

func TestLatestAndSetActive(t *testing.T) {
	s := NewDefinitionStore()
	for v := 1; v <= 3; v++ {
		if _, _, err := s.Deploy(deployableDoc(v), ""); err != nil {
			t.Fatalf("Deploy v%d: %v", v, err)
		}
	}

	latest, err := s.Latest("invoice", "")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.Version != 3 {
		t.Errorf("Latest version = %d, want 3", latest.Version)
	}

	if err := s.SetActive("invoice", 3, "", false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	latest, err = s.Latest("invoice", "")
	if err != nil {
		t.Fatalf("Latest after deactivation: %v", err)
	}
	if latest.Version != 2 {
		t.Errorf("Latest skips inactive: got v%d, want v2", latest.Version)
	}

	if versions := s.Versions("invoice", ""); len(versions) != 3 ||
		versions[0] != 1 || versions[1] != 2 || versions[2] != 3 {
		t.Errorf("Versions = %v, want [1 2 3]", versions)
	}

	if _, err := s.Latest("unknown", ""); !errors.Is(err, ErrDefinitionNotFound) {
		t.Errorf("Latest(unknown) err = %v, want ErrDefinitionNotFound", err)
	}
}
