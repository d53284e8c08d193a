package flow

import (
	"fmt"
	"sort"
	"sync"
)

// DefaultTenant is the tenant applied when a caller supplies none.
const DefaultTenant = "default"

// WorkflowDefinition is a deployed workflow version.
//
// Definitions are immutable after deployment; publishing a change means
// deploying a new version. The compiled graph is derived from Raw and can be
// regenerated at any time.
type WorkflowDefinition struct {
	// WorkflowID, Version and TenantID together identify the definition.
	WorkflowID string
	Version    int
	TenantID   string

	// Name is the human-readable workflow name.
	Name string

	// Raw is the definition document exactly as deployed.
	Raw []byte

	// Active marks the version available for new executions.
	Active bool

	graph *WorkflowGraph
}

// Graph returns the compiled workflow graph.
func (d *WorkflowDefinition) Graph() *WorkflowGraph { return d.graph }

type definitionKey struct {
	workflowID string
	version    int
	tenantID   string
}

// DefinitionStore keeps deployed workflow definitions keyed by
// (workflowID, version, tenant).
//
// Deploy runs the full parse and validate pipeline, so a definition held by
// the store is always executable. The store is safe for concurrent use.
type DefinitionStore struct {
	mu   sync.RWMutex
	defs map[definitionKey]*WorkflowDefinition
}

// NewDefinitionStore creates an empty definition store.
func NewDefinitionStore() *DefinitionStore {
	return &DefinitionStore{defs: make(map[definitionKey]*WorkflowDefinition)}
}

// Deploy parses, validates, and stores a definition document for the tenant.
//
// Returns the stored definition together with the validation result so the
// caller can surface warnings. Validator errors abort the deploy with an
// error wrapping ErrDefinitionInvalid; warnings never block.
//
// Redeploying an existing (workflowID, version, tenant) replaces the stored
// row; versions are expected to be immutable, so replacement is intended for
// idempotent re-deploys of the same document.
func (s *DefinitionStore) Deploy(raw []byte, tenantID string) (*WorkflowDefinition, ValidationResult, error) {
	if tenantID == "" {
		tenantID = DefaultTenant
	}

	def, err := ParseDefinition(raw)
	if err != nil {
		return nil, ValidationResult{}, err
	}
	def.TenantID = tenantID

	result := Validate(def.Graph())
	if !result.Valid() {
		return nil, result, fmt.Errorf("%w: %d error(s)", ErrDefinitionInvalid, len(result.Errors))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs[definitionKey{def.WorkflowID, def.Version, tenantID}] = def
	return def, result, nil
}

// Get returns the definition for the exact (workflowID, version, tenant)
// key, or ErrDefinitionNotFound.
func (s *DefinitionStore) Get(workflowID string, version int, tenantID string) (*WorkflowDefinition, error) {
	if tenantID == "" {
		tenantID = DefaultTenant
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.defs[definitionKey{workflowID, version, tenantID}]
	if !ok {
		return nil, fmt.Errorf("%w: %s v%d", ErrDefinitionNotFound, workflowID, version)
	}
	return def, nil
}

// Latest returns the highest active version of the workflow for the tenant,
// or ErrDefinitionNotFound when none is deployed.
func (s *DefinitionStore) Latest(workflowID, tenantID string) (*WorkflowDefinition, error) {
	if tenantID == "" {
		tenantID = DefaultTenant
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *WorkflowDefinition
	for key, def := range s.defs {
		if key.workflowID != workflowID || key.tenantID != tenantID || !def.Active {
			continue
		}
		if best == nil || def.Version > best.Version {
			best = def
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, workflowID)
	}
	return best, nil
}

// SetActive flips the active flag on a deployed version.
func (s *DefinitionStore) SetActive(workflowID string, version int, tenantID string, active bool) error {
	if tenantID == "" {
		tenantID = DefaultTenant
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.defs[definitionKey{workflowID, version, tenantID}]
	if !ok {
		return fmt.Errorf("%w: %s v%d", ErrDefinitionNotFound, workflowID, version)
	}
	def.Active = active
	return nil
}

// Versions lists the deployed versions of a workflow for the tenant in
// ascending order.
func (s *DefinitionStore) Versions(workflowID, tenantID string) []int {
	if tenantID == "" {
		tenantID = DefaultTenant
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var versions []int
	for key := range s.defs {
		if key.workflowID == workflowID && key.tenantID == tenantID {
			versions = append(versions, key.version)
		}
	}
	sort.Ints(versions)
	return versions
}
