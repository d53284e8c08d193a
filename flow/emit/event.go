// Package emit provides pluggable observability for workflow execution.
//
// The executor, transaction manager, and rollback coordinator publish
// Events describing what happened; an Emitter decides where they go:
//   - LogEmitter: structured logs via zerolog
//   - BufferedEmitter: in-memory capture for tests and dashboards
//   - OTelEmitter: OpenTelemetry spans for distributed tracing
//   - NullEmitter: discard everything
package emit

// Event is one observability event emitted during workflow execution.
//
// Events mirror (but are independent of) the persisted execution event log:
// the log is the replayable source of truth, events here are fire-and-forget
// telemetry.
type Event struct {
	// ExecutionID identifies the workflow instance that emitted the event.
	ExecutionID string

	// Sequence is the persisted event's sequence number when the emission
	// corresponds to a log append, zero otherwise.
	Sequence int64

	// NodeID identifies the node involved. Empty for workflow-level events.
	NodeID string

	// Msg names the event, for example "node_start", "gateway_branch",
	// "workflow_complete", "compensation_failed".
	Msg string

	// Meta carries additional structured data. Common keys:
	//   - "duration_ms": execution duration in milliseconds
	//   - "error": error details
	//   - "edge": edge ID taken out of a gateway
	//   - "transaction_id": transaction boundary identifier
	Meta map[string]any
}

// Emitter receives observability events from workflow execution.
//
// Implementations must be safe for concurrent use and must not block or
// panic; a slow or failing backend never stalls the executor.
type Emitter interface {
	Emit(event Event)
}
