package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/wartabot/wartabot/internal/common/logger"
	"github.com/wartabot/wartabot/internal/common/tracing"
)

// ErrStaleState is returned by PutIfVersion when another write landed
// between the caller's read and write.
var ErrStaleState = errors.New("flow state was modified concurrently")

// Store persists flow states in the conversation_states table with an
// in-memory mirror for fast-path reads. Writes go through the database;
// the mirror is invalidated on write.
type Store struct {
	db *sqlx.DB
	ro *sqlx.DB

	logger *logger.Logger

	mu     sync.Mutex
	mirror map[string]map[Kind]mirrorEntry
}

type mirrorEntry struct {
	state     FlowState
	expiresAt time.Time
}

// NewStore creates the store and its schema.
func NewStore(writer, reader *sqlx.DB, log *logger.Logger) (*Store, error) {
	s := &Store{
		db:     writer,
		ro:     reader,
		logger: log.WithFields(zap.String("component", "state-store")),
		mirror: make(map[string]map[Kind]mirrorEntry),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize state schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS conversation_states (
		operator_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		expires_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (operator_id, kind)
	);
	CREATE INDEX IF NOT EXISTS idx_conversation_states_expires ON conversation_states(expires_at);
	`)
	return err
}

// Get returns the operator's state for the kind, or nil when missing or
// expired. Expired rows are left for the next sweep.
func (s *Store) Get(ctx context.Context, operator string, kind Kind) (*FlowState, error) {
	s.mu.Lock()
	if kinds, ok := s.mirror[operator]; ok {
		if e, ok := kinds[kind]; ok && e.expiresAt.After(time.Now().UTC()) {
			cp := e.state
			s.mu.Unlock()
			return &cp, nil
		}
	}
	s.mu.Unlock()

	ctx, span := tracing.Tracer("wartabot-db").Start(ctx, "state.Get")
	defer span.End()

	var payload string
	var version int64
	var expiresAt time.Time
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT payload, version, expires_at FROM conversation_states
		WHERE operator_id = ? AND kind = ?
	`), operator, string(kind)).Scan(&payload, &version, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !expiresAt.After(time.Now().UTC()) {
		return nil, nil
	}

	var st FlowState
	if err := json.Unmarshal([]byte(payload), &st); err != nil {
		return nil, fmt.Errorf("failed to decode flow state: %w", err)
	}
	st.Version = version

	s.mu.Lock()
	if _, ok := s.mirror[operator]; !ok {
		s.mirror[operator] = make(map[Kind]mirrorEntry)
	}
	s.mirror[operator][kind] = mirrorEntry{state: st, expiresAt: expiresAt}
	s.mu.Unlock()

	return &st, nil
}

// GetAll returns every live (non-expired) state for the operator.
func (s *Store) GetAll(ctx context.Context, operator string) (map[Kind]*FlowState, error) {
	out := make(map[Kind]*FlowState)
	for _, kind := range []Kind{KindBulk, KindResearch, KindCaption, KindForward} {
		st, err := s.Get(ctx, operator, kind)
		if err != nil {
			return nil, err
		}
		if st != nil {
			out[kind] = st
		}
	}
	return out, nil
}

// Put upserts the state with expiry now+ttl (last-writer-wins) and bumps
// its version.
func (s *Store) Put(ctx context.Context, operator string, st *FlowState, ttl time.Duration) error {
	return s.put(ctx, operator, st, ttl, -1)
}

// PutIfVersion writes only when the stored version still equals
// expectedVersion; otherwise it returns ErrStaleState and the caller
// discards its work.
func (s *Store) PutIfVersion(ctx context.Context, operator string, st *FlowState, ttl time.Duration, expectedVersion int64) error {
	return s.put(ctx, operator, st, ttl, expectedVersion)
}

func (s *Store) put(ctx context.Context, operator string, st *FlowState, ttl time.Duration, expectedVersion int64) error {
	ctx, span := tracing.Tracer("wartabot-db").Start(ctx, "state.Put")
	defer span.End()

	now := time.Now().UTC()
	st.UpdatedAt = now
	newVersion := st.Version + 1

	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode flow state: %w", err)
	}
	expiresAt := now.Add(ttl)

	if expectedVersion >= 0 {
		res, err := s.db.ExecContext(ctx, s.db.Rebind(`
			UPDATE conversation_states SET payload = ?, version = ?, expires_at = ?, updated_at = ?
			WHERE operator_id = ? AND kind = ? AND version = ?
		`), string(payload), newVersion, expiresAt, now, operator, string(st.Kind), expectedVersion)
		if err != nil {
			return err
		}
		rows, _ := res.RowsAffected()
		if rows == 0 {
			// Either the row vanished (expiry, cancel) or another write won.
			return ErrStaleState
		}
	} else {
		_, err = s.db.ExecContext(ctx, s.db.Rebind(`
			INSERT INTO conversation_states (operator_id, kind, payload, version, expires_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(operator_id, kind) DO UPDATE SET
				payload = excluded.payload,
				version = excluded.version,
				expires_at = excluded.expires_at,
				updated_at = excluded.updated_at
		`), operator, string(st.Kind), string(payload), newVersion, expiresAt, now)
		if err != nil {
			return err
		}
	}

	st.Version = newVersion
	s.invalidate(operator, st.Kind)
	return nil
}

// Clear removes the operator's state for the kind.
func (s *Store) Clear(ctx context.Context, operator string, kind Kind) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM conversation_states WHERE operator_id = ? AND kind = ?
	`), operator, string(kind))
	s.invalidate(operator, kind)
	return err
}

// ClearAll removes every state for the operator.
func (s *Store) ClearAll(ctx context.Context, operator string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM conversation_states WHERE operator_id = ?
	`), operator)
	s.mu.Lock()
	delete(s.mirror, operator)
	s.mu.Unlock()
	return err
}

// ExpiredState is one flow state removed by TakeExpired, paired with the
// operator that owned it.
type ExpiredState struct {
	Operator string
	State    FlowState
}

// TakeExpired removes expired rows and returns their decoded states so the
// caller can release resources they still hold, media handles in
// particular. Rows whose TTL was renewed after the candidate read are left
// alone.
func (s *Store) TakeExpired(ctx context.Context) ([]ExpiredState, error) {
	cutoff := time.Now().UTC()
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT operator_id, payload FROM conversation_states WHERE expires_at <= ?
	`), cutoff)
	if err != nil {
		return nil, err
	}
	type candidate struct {
		operator string
		state    FlowState
	}
	var candidates []candidate
	for rows.Next() {
		var op, payload string
		if err := rows.Scan(&op, &payload); err != nil {
			_ = rows.Close()
			return nil, err
		}
		var st FlowState
		if err := json.Unmarshal([]byte(payload), &st); err != nil {
			continue
		}
		candidates = append(candidates, candidate{operator: op, state: st})
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	var expired []ExpiredState
	for _, c := range candidates {
		res, err := s.db.ExecContext(ctx, s.db.Rebind(`
			DELETE FROM conversation_states
			WHERE operator_id = ? AND kind = ? AND expires_at <= ?
		`), c.operator, string(c.state.Kind), cutoff)
		if err != nil {
			return expired, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		s.invalidate(c.operator, c.state.Kind)
		expired = append(expired, ExpiredState{Operator: c.operator, State: c.state})
	}
	if len(expired) > 0 {
		s.logger.Info("swept expired flow states", zap.Int("count", len(expired)))
	}
	return expired, nil
}

// ActiveMediaHandles returns the media handles owned by every live state,
// for the media reconcile pass.
func (s *Store) ActiveMediaHandles(ctx context.Context) ([]string, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT payload FROM conversation_states WHERE expires_at > ?
	`), time.Now().UTC())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var handles []string
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var st FlowState
		if err := json.Unmarshal([]byte(payload), &st); err != nil {
			continue
		}
		handles = append(handles, st.MediaRefs()...)
	}
	return handles, rows.Err()
}

func (s *Store) invalidate(operator string, kind Kind) {
	s.mu.Lock()
	if kinds, ok := s.mirror[operator]; ok {
		delete(kinds, kind)
	}
	s.mu.Unlock()
}
