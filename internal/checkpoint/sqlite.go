package checkpoint

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/nugget/toolloop/internal/state"
)

// timeFormat has fixed width so stored timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore keeps checkpoints in a SQLite table as gzip-compressed
// JSON, one row per conversation.
type SQLiteStore struct {
	db *sql.DB

	// Serializes writers in this process so Update's read-modify-write
	// never races a Save.
	mu sync.Mutex
}

// NewSQLiteStore creates a checkpoint store using the given database.
// The caller owns db.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			conversation_id TEXT PRIMARY KEY,
			revision INTEGER NOT NULL,
			trigger TEXT NOT NULL,
			state_gz BLOB NOT NULL,
			byte_size INTEGER NOT NULL,
			message_count INTEGER NOT NULL,
			steps INTEGER NOT NULL,
			suspended INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_checkpoints_updated
			ON checkpoints(updated_at DESC);
	`)
	return err
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func encodeState(st state.State) ([]byte, error) {
	stateJSON, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(stateJSON); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeState(stateGz []byte) (state.State, error) {
	var st state.State
	gr, err := gzip.NewReader(bytes.NewReader(stateGz))
	if err != nil {
		return st, fmt.Errorf("gzip reader: %w", err)
	}
	defer gr.Close()

	stateJSON, err := io.ReadAll(gr)
	if err != nil {
		return st, fmt.Errorf("decompress: %w", err)
	}
	if err := json.Unmarshal(stateJSON, &st); err != nil {
		return st, fmt.Errorf("unmarshal state: %w", err)
	}
	return st, nil
}

func (s *SQLiteStore) write(ctx context.Context, ex execer, id string, st state.State, trigger Trigger) error {
	compressed, err := encodeState(st)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO checkpoints (conversation_id, revision, trigger, state_gz, byte_size, message_count, steps, suspended, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (conversation_id) DO UPDATE SET
			revision = excluded.revision,
			trigger = excluded.trigger,
			state_gz = excluded.state_gz,
			byte_size = excluded.byte_size,
			message_count = excluded.message_count,
			steps = excluded.steps,
			suspended = excluded.suspended,
			updated_at = excluded.updated_at
	`, id, st.Revision, string(trigger), compressed, len(compressed), len(st.Messages), st.Steps,
		st.Suspended(), time.Now().UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("upsert %s: %w", id, err)
	}
	return nil
}

// Save implements [Store].
func (s *SQLiteStore) Save(ctx context.Context, conversationID string, st state.State, trigger Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, s.db, conversationID, st, trigger)
}

// Load implements [Store].
func (s *SQLiteStore) Load(ctx context.Context, conversationID string) (state.State, error) {
	var stateGz []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state_gz FROM checkpoints WHERE conversation_id = ?`, conversationID,
	).Scan(&stateGz)
	if errors.Is(err, sql.ErrNoRows) {
		return state.State{}, fmt.Errorf("%w: %s", ErrNoCheckpoint, conversationID)
	}
	if err != nil {
		return state.State{}, fmt.Errorf("load %s: %w", conversationID, err)
	}
	return decodeState(stateGz)
}

// Update implements [Store]. The read and the write happen in one
// transaction.
func (s *SQLiteStore) Update(ctx context.Context, conversationID string, trigger Trigger, fn func(*state.State) error) (state.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return state.State{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var stateGz []byte
	err = tx.QueryRowContext(ctx,
		`SELECT state_gz FROM checkpoints WHERE conversation_id = ?`, conversationID,
	).Scan(&stateGz)
	if errors.Is(err, sql.ErrNoRows) {
		return state.State{}, fmt.Errorf("%w: %s", ErrNoCheckpoint, conversationID)
	}
	if err != nil {
		return state.State{}, fmt.Errorf("load %s: %w", conversationID, err)
	}

	st, err := decodeState(stateGz)
	if err != nil {
		return state.State{}, err
	}
	if err := fn(&st); err != nil {
		return state.State{}, err
	}
	if err := s.write(ctx, tx, conversationID, st, trigger); err != nil {
		return state.State{}, err
	}
	if err := tx.Commit(); err != nil {
		return state.State{}, fmt.Errorf("commit: %w", err)
	}
	return st, nil
}

// List returns checkpoint metadata ordered by last write (newest first).
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Meta, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, revision, trigger, byte_size, message_count, steps, suspended, updated_at
		FROM checkpoints
		ORDER BY updated_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []Meta
	for rows.Next() {
		var m Meta
		var trigger, updated string
		if err := rows.Scan(&m.ConversationID, &m.Revision, &trigger, &m.ByteSize,
			&m.MessageCount, &m.Steps, &m.Suspended, &updated); err != nil {
			return nil, err
		}
		m.Trigger = Trigger(trigger)
		m.UpdatedAt, _ = time.Parse(timeFormat, updated)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Delete removes a conversation's checkpoint.
func (s *SQLiteStore) Delete(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNoCheckpoint, conversationID)
	}
	return nil
}

// Prune removes checkpoints not written for longer than olderThan,
// keeping at least minKeep of the most recent ones. Suspended
// conversations are never pruned.
func (s *SQLiteStore) Prune(ctx context.Context, olderThan time.Duration, minKeep int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM checkpoints`).Scan(&total); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	if total <= minKeep {
		return 0, nil
	}

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints
		WHERE conversation_id IN (
			SELECT conversation_id FROM checkpoints
			WHERE updated_at < ? AND suspended = 0
			ORDER BY updated_at ASC
			LIMIT ?
		)
	`, cutoff.Format(timeFormat), total-minKeep)
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}

	deleted, _ := result.RowsAffected()
	return int(deleted), nil
}
