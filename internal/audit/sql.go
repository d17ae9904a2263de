package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

const (
	insertEntrySQL = `INSERT INTO audit_entries (sequence, entry_id, attempt_id, tool_id, phase, result, principal, payee, required_amount, tx_reference, recorded_at, prev_hash, hash, payload) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	headSQL        = `SELECT sequence, hash FROM audit_entries ORDER BY sequence DESC LIMIT 1`
	byAttemptSQL   = `SELECT payload FROM audit_entries WHERE attempt_id = ? ORDER BY sequence`
	incompleteSQL  = `SELECT attempt_id FROM audit_entries GROUP BY attempt_id HAVING SUM(CASE WHEN phase = 'attempt_completed' THEN 1 ELSE 0 END) = 0 ORDER BY MIN(sequence)`
)

// SQLSink stores entries in the audit_entries table (MySQL or SQLite). The
// full entry is kept as JSON in payload; the other columns are for queries.
type SQLSink struct {
	mu    sync.Mutex
	db    *sql.DB
	opts  options
	chain chain
}

// NewSQLSink loads the chain head from an already migrated database.
func NewSQLSink(ctx context.Context, db *sql.DB, opts ...Option) (*SQLSink, error) {
	if db == nil {
		return nil, errors.New("audit sql sink requires a database handle")
	}
	sink := &SQLSink{db: db, opts: applyOptions(opts), chain: newChain()}

	var (
		seq  uint64
		hash string
	)
	err := db.QueryRowContext(ctx, headSQL).Scan(&seq, &hash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("load audit chain head: %w", err)
	default:
		sink.chain.seq = seq
		sink.chain.head = hash
	}
	return sink, nil
}

// Record inserts the entry in its own statement; the sequence primary key
// rejects a concurrent writer that raced on the same head.
func (s *SQLSink) Record(ctx context.Context, entry Entry) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.chain.seal(&entry, s.opts.now(), s.opts.newID); err != nil {
		return Entry{}, err
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("encode audit entry: %w", err)
	}
	_, err = s.db.ExecContext(ctx, insertEntrySQL,
		entry.Sequence,
		entry.EntryID,
		entry.AttemptID,
		entry.ToolID,
		string(entry.Phase),
		entry.Result,
		entry.Principal,
		entry.Payee,
		entry.RequiredAmount,
		entry.TxReference,
		entry.RecordedAt.UnixMilli(),
		entry.PrevHash,
		entry.Hash,
		string(payload),
	)
	if err != nil {
		return Entry{}, fmt.Errorf("insert audit entry: %w", err)
	}
	s.chain.advance(entry)
	return entry, nil
}

// ByAttempt returns the entries of one attempt in sequence order.
func (s *SQLSink) ByAttempt(ctx context.Context, attemptID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, byAttemptSQL, attemptID)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		var e Entry
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("decode audit entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return out, nil
}

// Incomplete lists attempts without a completion entry, oldest first.
func (s *SQLSink) Incomplete(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, incompleteSQL)
	if err != nil {
		return nil, fmt.Errorf("query incomplete attempts: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan attempt id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Close closes the underlying pool.
func (s *SQLSink) Close() error {
	return s.db.Close()
}
