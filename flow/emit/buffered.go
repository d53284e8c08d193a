package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory, organized
// by execution ID.
//
// Use cases:
//   - Tests asserting on emitted telemetry
//   - Debugging a single execution end to end
//   - Feeding a live dashboard
//
// Warning: all events stay in memory until cleared. Not intended for
// long-running production deployments.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // executionID -> events
}

// HistoryFilter selects events from an execution's history. All set fields
// must match (AND logic); zero values mean no filter.
type HistoryFilter struct {
	NodeID string
	Msg    string
	MinSeq int64
	MaxSeq int64 // 0 = no upper bound
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit stores the event. Safe for concurrent use.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.ExecutionID] = append(b.events[event.ExecutionID], event)
}

// History returns a copy of all events for an execution, in emission order.
func (b *BufferedEmitter) History(executionID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[executionID]
	result := make([]Event, len(events))
	copy(result, events)
	return result
}

// HistoryWithFilter returns the execution's events matching the filter, in
// emission order.
func (b *BufferedEmitter) HistoryWithFilter(executionID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, event := range b.events[executionID] {
		if matchesFilter(event, filter) {
			result = append(result, event)
		}
	}
	return result
}

func matchesFilter(event Event, filter HistoryFilter) bool {
	if filter.NodeID != "" && event.NodeID != filter.NodeID {
		return false
	}
	if filter.Msg != "" && event.Msg != filter.Msg {
		return false
	}
	if filter.MinSeq > 0 && event.Sequence < filter.MinSeq {
		return false
	}
	if filter.MaxSeq > 0 && event.Sequence > filter.MaxSeq {
		return false
	}
	return true
}

// Clear removes events for one execution, or every execution when
// executionID is empty.
func (b *BufferedEmitter) Clear(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if executionID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, executionID)
}
