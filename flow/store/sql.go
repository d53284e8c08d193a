package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// dialect captures the few points where the SQLite and MySQL backends
// differ. Everything else in the SQL core is shared.
type dialect struct {
	// name appears in error messages.
	name string

	// forUpdate is appended to row-lock selects ("" on SQLite, whose
	// single-writer connection already serializes writers).
	forUpdate string

	// supportsIsolation reports whether BeginTx honors isolation levels
	// (MySQL does; the SQLite driver serializes regardless).
	supportsIsolation bool
}

// sqlStore is the shared database/sql implementation behind SQLiteStore and
// MySQLStore. All reads and writes go through querier(ctx), which joins an
// open transaction when RunInTransaction placed one in the context.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	clock   func() time.Time
}

var _ Store = (*sqlStore)(nil)

// txKey carries the active *sql.Tx through a context.
type txKey struct{}

// querier is the subset of *sql.DB and *sql.Tx the store uses.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqlStore) querier(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// inTransaction reports whether the context already carries a transaction.
func inTransaction(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(*sql.Tx)
	return ok
}

// RunInTransaction implements TxRunner with REQUIRES_NEW semantics: every
// call opens a fresh transaction even when the context already carries one.
func (s *sqlStore) RunInTransaction(ctx context.Context, opts TxOptions, fn func(ctx context.Context) error) error {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	isolation := opts.Isolation
	if isolation == sql.LevelDefault {
		isolation = sql.LevelSerializable
	}
	txOpts := &sql.TxOptions{}
	if s.dialect.supportsIsolation {
		txOpts.Isolation = isolation
	}

	tx, err := s.db.BeginTx(ctx, txOpts)
	if err != nil {
		return fmt.Errorf("%s: begin transaction: %w", s.dialect.name, err)
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", s.dialect.name, err)
	}
	return nil
}

// --- time encoding ---

func encodeTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func decodeTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }

func encodeNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func decodeNullableTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := decodeTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// --- EventStore ---

const eventColumns = `id, execution_id, sequence_number, tenant_id, event_type,
	node_id, node_type, edge_taken, status, timestamp, duration_ms,
	input_snapshot, output_snapshot, variables_snapshot, error_snapshot,
	error_message, decision_result, transaction_id, idempotency_key, compensated_by`

func scanEvent(row interface{ Scan(...any) error }) (*ExecutionEvent, error) {
	var (
		ev ExecutionEvent
		ts string
	)
	err := row.Scan(
		&ev.ID, &ev.ExecutionID, &ev.SequenceNumber, &ev.TenantID, &ev.Type,
		&ev.NodeID, &ev.NodeType, &ev.EdgeTaken, &ev.Status, &ts, &ev.DurationMS,
		&ev.InputSnapshot, &ev.OutputSnapshot, &ev.VariablesSnapshot, &ev.ErrorSnapshot,
		&ev.ErrorMessage, &ev.DecisionResult, &ev.TransactionID, &ev.IdempotencyKey, &ev.CompensatedBy,
	)
	if err != nil {
		return nil, err
	}
	if ev.Timestamp, err = decodeTime(ts); err != nil {
		return nil, fmt.Errorf("decode event timestamp: %w", err)
	}
	return &ev, nil
}

// Append implements EventStore.
//
// The sequence number is derived from max(existing)+1 inside the same
// transaction as the insert; the unique (execution_id, sequence_number)
// constraint backstops the derivation against races. An idempotency-key hit
// returns the existing row with no second insert.
func (s *sqlStore) Append(ctx context.Context, req AppendRequest) (*ExecutionEvent, error) {
	var out *ExecutionEvent
	appendOnce := func(ctx context.Context) error {
		q := s.querier(ctx)

		if req.IdempotencyKey != "" {
			if existing, err := s.eventByKey(ctx, q, req.IdempotencyKey); err == nil {
				out = existing
				return nil
			} else if !errors.Is(err, ErrNotFound) {
				return err
			}
		}

		// Lock the instance row (when it exists) so concurrent appenders
		// for the same execution serialize on sequence allocation.
		if s.dialect.forUpdate != "" {
			var owner string
			err := q.QueryRowContext(ctx,
				`SELECT lease_owner FROM workflow_instances WHERE execution_id = ?`+s.dialect.forUpdate,
				req.ExecutionID).Scan(&owner)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("lock instance row: %w", err)
			}
		}

		var seq int64
		err := q.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM execution_events WHERE execution_id = ?`,
			req.ExecutionID).Scan(&seq)
		if err != nil {
			return fmt.Errorf("allocate sequence: %w", err)
		}

		key := req.IdempotencyKey
		if key == "" {
			key = CanonicalIdempotencyKey(req.ExecutionID, seq, req.Type)
			if existing, err := s.eventByKey(ctx, q, key); err == nil {
				out = existing
				return nil
			} else if !errors.Is(err, ErrNotFound) {
				return err
			}
		}

		status := req.Status
		if status == "" {
			status = EventCompleted
		}

		ev := &ExecutionEvent{
			ID:                uuid.NewString(),
			ExecutionID:       req.ExecutionID,
			SequenceNumber:    seq,
			TenantID:          req.TenantID,
			Type:              req.Type,
			NodeID:            req.NodeID,
			NodeType:          req.NodeType,
			EdgeTaken:         req.EdgeTaken,
			Status:            status,
			Timestamp:         s.clock(),
			InputSnapshot:     req.InputSnapshot,
			OutputSnapshot:    req.OutputSnapshot,
			VariablesSnapshot: req.VariablesSnapshot,
			ErrorSnapshot:     req.ErrorSnapshot,
			DecisionResult:    req.DecisionResult,
			TransactionID:     req.TransactionID,
			IdempotencyKey:    key,
		}

		_, err = q.ExecContext(ctx, `INSERT INTO execution_events (`+eventColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.ID, ev.ExecutionID, ev.SequenceNumber, ev.TenantID, ev.Type,
			ev.NodeID, ev.NodeType, ev.EdgeTaken, ev.Status, encodeTime(ev.Timestamp), ev.DurationMS,
			ev.InputSnapshot, ev.OutputSnapshot, ev.VariablesSnapshot, ev.ErrorSnapshot,
			ev.ErrorMessage, ev.DecisionResult, ev.TransactionID, ev.IdempotencyKey, ev.CompensatedBy,
		)
		if err != nil {
			// A concurrent append won the key; surface its row.
			if isUniqueViolation(err) {
				if existing, kerr := s.eventByKey(ctx, q, key); kerr == nil {
					out = existing
					return nil
				}
			}
			return fmt.Errorf("insert event: %w", err)
		}
		out = ev
		return nil
	}

	if inTransaction(ctx) {
		if err := appendOnce(ctx); err != nil {
			return nil, err
		}
		return out, nil
	}
	if err := s.RunInTransaction(ctx, TxOptions{}, appendOnce); err != nil {
		return nil, err
	}
	return out, nil
}

// isUniqueViolation matches unique-constraint errors from both drivers by
// message. Neither driver exports a stable typed error for this across
// versions.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToUpper(err.Error())
	return strings.Contains(msg, "UNIQUE") || strings.Contains(msg, "DUPLICATE ENTRY")
}

func (s *sqlStore) eventByKey(ctx context.Context, q querier, key string) (*ExecutionEvent, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM execution_events WHERE idempotency_key = ?`, key)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select event by key: %w", err)
	}
	return ev, nil
}

func (s *sqlStore) queryEvents(ctx context.Context, query string, args ...any) ([]*ExecutionEvent, error) {
	rows, err := s.querier(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ExecutionEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// Timeline implements EventStore.
func (s *sqlStore) Timeline(ctx context.Context, executionID string) ([]*ExecutionEvent, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM execution_events WHERE execution_id = ? ORDER BY sequence_number`,
		executionID)
}

// TimelineRange implements EventStore.
func (s *sqlStore) TimelineRange(ctx context.Context, executionID string, start, end int64) ([]*ExecutionEvent, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM execution_events
		 WHERE execution_id = ? AND sequence_number >= ? AND sequence_number <= ?
		 ORDER BY sequence_number`,
		executionID, start, end)
}

// LastEvent implements EventStore.
func (s *sqlStore) LastEvent(ctx context.Context, executionID string) (*ExecutionEvent, error) {
	row := s.querier(ctx).QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM execution_events
		 WHERE execution_id = ? ORDER BY sequence_number DESC LIMIT 1`, executionID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select last event: %w", err)
	}
	return ev, nil
}

// EventsByNode implements EventStore.
func (s *sqlStore) EventsByNode(ctx context.Context, executionID, nodeID string) ([]*ExecutionEvent, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM execution_events
		 WHERE execution_id = ? AND node_id = ? ORDER BY sequence_number`,
		executionID, nodeID)
}

// EventsByStatus implements EventStore.
func (s *sqlStore) EventsByStatus(ctx context.Context, executionID string, status EventStatus) ([]*ExecutionEvent, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM execution_events
		 WHERE execution_id = ? AND status = ? ORDER BY sequence_number`,
		executionID, status)
}

// GetEvent implements EventStore.
func (s *sqlStore) GetEvent(ctx context.Context, eventID string) (*ExecutionEvent, error) {
	row := s.querier(ctx).QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM execution_events WHERE id = ?`, eventID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select event: %w", err)
	}
	return ev, nil
}

// ExistsByIdempotencyKey implements EventStore.
func (s *sqlStore) ExistsByIdempotencyKey(ctx context.Context, key string) (bool, error) {
	var count int
	err := s.querier(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM execution_events WHERE idempotency_key = ?`, key).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check idempotency key: %w", err)
	}
	return count > 0, nil
}

// CountEvents implements EventStore.
func (s *sqlStore) CountEvents(ctx context.Context, executionID string) (int64, error) {
	var count int64
	err := s.querier(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM execution_events WHERE execution_id = ?`, executionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

// MarkCompleted implements EventStore.
func (s *sqlStore) MarkCompleted(ctx context.Context, eventID string, durationMS int64, outputSnapshot string) error {
	return s.markTerminal(ctx, eventID, `status = ?, duration_ms = ?, output_snapshot = ?`,
		EventCompleted, durationMS, outputSnapshot)
}

// MarkFailed implements EventStore.
func (s *sqlStore) MarkFailed(ctx context.Context, eventID string, errMsg, errorSnapshot string) error {
	return s.markTerminal(ctx, eventID, `status = ?, error_message = ?, error_snapshot = ?`,
		EventFailed, errMsg, errorSnapshot)
}

// markTerminal applies a one-shot terminal update guarded by the current
// status, so a second mark never overwrites the first.
func (s *sqlStore) markTerminal(ctx context.Context, eventID, setClause string, args ...any) error {
	q := s.querier(ctx)
	args = append(args, eventID, EventCompleted, EventFailed)
	res, err := q.ExecContext(ctx,
		`UPDATE execution_events SET `+setClause+` WHERE id = ? AND status NOT IN (?, ?)`, args...)
	if err != nil {
		return fmt.Errorf("mark event terminal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark event terminal: %w", err)
	}
	if n == 0 {
		// Either the event is missing or it already reached terminal
		// status; distinguish for the caller.
		var status string
		err := q.QueryRowContext(ctx,
			`SELECT status FROM execution_events WHERE id = ?`, eventID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("mark event terminal: %w", err)
		}
		return ErrEventTerminal
	}
	return nil
}

// MarkCompensated implements EventStore.
func (s *sqlStore) MarkCompensated(ctx context.Context, eventID string, compensationEventID string) error {
	q := s.querier(ctx)
	res, err := q.ExecContext(ctx,
		`UPDATE execution_events SET compensated_by = ? WHERE id = ? AND compensated_by = ''`,
		compensationEventID, eventID)
	if err != nil {
		return fmt.Errorf("mark event compensated: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark event compensated: %w", err)
	}
	if n == 0 {
		var existing string
		err := q.QueryRowContext(ctx,
			`SELECT compensated_by FROM execution_events WHERE id = ?`, eventID).Scan(&existing)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("mark event compensated: %w", err)
		}
		return ErrEventTerminal
	}
	return nil
}
