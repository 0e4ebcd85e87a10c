// Package broadcast persists approved broadcasts, the delivery queue and
// operator settings in sqlite. Broadcast titles and descriptions are
// mirrored into an FTS5 index for /search.
package broadcast

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/wartabot/wartabot/internal/common/logger"
	"github.com/wartabot/wartabot/internal/common/sqlite"
	"github.com/wartabot/wartabot/internal/common/tracing"
	v1 "github.com/wartabot/wartabot/pkg/api/v1"
)

// Settings keys.
const (
	SettingPriceMarkup    = "price_markup"
	SettingProductionChat = "production_chat"
	SettingDevChat        = "dev_chat"
)

var (
	// ErrAlreadyQueued is returned by Enqueue when the broadcast already has
	// a pending queue item.
	ErrAlreadyQueued = errors.New("broadcast already has a pending queue item")

	// ErrNotFound is returned when a broadcast or queue item does not exist.
	ErrNotFound = errors.New("broadcast not found")
)

// statusRank orders broadcast statuses for the monotonic-transition check.
// sent and failed are both terminal for a scheduled broadcast.
var statusRank = map[v1.BroadcastStatus]int{
	v1.BroadcastDraft:     0,
	v1.BroadcastApproved:  1,
	v1.BroadcastScheduled: 2,
	v1.BroadcastSent:      3,
	v1.BroadcastFailed:    3,
}

// Store is the sqlite-backed broadcast history, delivery queue and
// settings repository. All writes go through the single writer handle.
type Store struct {
	db *sqlx.DB
	ro *sqlx.DB

	logger *logger.Logger
}

// NewStore creates the store and its schema, including the title FTS
// index and its sync triggers.
func NewStore(writer, reader *sqlx.DB, log *logger.Logger) (*Store, error) {
	s := &Store{
		db:     writer,
		ro:     reader,
		logger: log.WithFields(zap.String("component", "broadcast-store")),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize broadcast schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS broadcasts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		title_normalized TEXT NOT NULL,
		price_main INTEGER NOT NULL DEFAULT 0,
		price_secondary INTEGER NOT NULL DEFAULT 0,
		format TEXT NOT NULL DEFAULT '',
		eta TEXT NOT NULL DEFAULT '',
		close_date TEXT NOT NULL DEFAULT '',
		supplier_type TEXT NOT NULL DEFAULT '',
		description_source TEXT NOT NULL DEFAULT '',
		description_generated TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '[]',
		preview_links TEXT NOT NULL DEFAULT '[]',
		media_paths TEXT NOT NULL DEFAULT '[]',
		target TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'draft',
		created_at TIMESTAMP NOT NULL,
		sent_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_broadcasts_status ON broadcasts(status);
	CREATE INDEX IF NOT EXISTS idx_broadcasts_created ON broadcasts(created_at);

	CREATE TABLE IF NOT EXISTS broadcast_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		broadcast_id INTEGER NOT NULL REFERENCES broadcasts(id),
		scheduled_time TIMESTAMP NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_queue_status_time ON broadcast_queue(status, scheduled_time);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	-- A crash between ClearPending and FinalizeFlushed leaves rows in
	-- flushing; put them back in line.
	UPDATE broadcast_queue SET status = 'pending' WHERE status = 'flushing';
	`)
	if err != nil {
		return err
	}

	// The promo level column postdates the first deployed schema; older
	// databases migrate in place.
	if err := sqlite.EnsureColumn(s.db.DB, "broadcasts", "level", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	return s.ensureSearchIndex()
}

const searchIndexDDL = `
CREATE VIRTUAL TABLE IF NOT EXISTS broadcasts_fts USING fts5(
	title,
	title_normalized,
	description_source,
	description_generated,
	content='broadcasts',
	content_rowid='id'
);
CREATE TRIGGER IF NOT EXISTS broadcasts_fts_insert AFTER INSERT ON broadcasts BEGIN
	INSERT INTO broadcasts_fts(rowid, title, title_normalized, description_source, description_generated)
	VALUES (new.id, new.title, new.title_normalized, new.description_source, new.description_generated);
END;
CREATE TRIGGER IF NOT EXISTS broadcasts_fts_delete AFTER DELETE ON broadcasts BEGIN
	INSERT INTO broadcasts_fts(broadcasts_fts, rowid, title, title_normalized, description_source, description_generated)
	VALUES ('delete', old.id, old.title, old.title_normalized, old.description_source, old.description_generated);
END;
CREATE TRIGGER IF NOT EXISTS broadcasts_fts_update AFTER UPDATE OF title, title_normalized, description_source, description_generated ON broadcasts BEGIN
	INSERT INTO broadcasts_fts(broadcasts_fts, rowid, title, title_normalized, description_source, description_generated)
	VALUES ('delete', old.id, old.title, old.title_normalized, old.description_source, old.description_generated);
	INSERT INTO broadcasts_fts(rowid, title, title_normalized, description_source, description_generated)
	VALUES (new.id, new.title, new.title_normalized, new.description_source, new.description_generated);
END;`

// ensureSearchIndex creates the FTS mirror and its sync triggers. A
// database whose index predates the description columns is dropped and
// rebuilt from the content table.
func (s *Store) ensureSearchIndex() error {
	current, err := sqlite.ColumnExists(s.db.DB, "broadcasts_fts", "description_generated")
	if err != nil {
		return err
	}
	if !current {
		if _, err := s.db.Exec(`
			DROP TRIGGER IF EXISTS broadcasts_fts_insert;
			DROP TRIGGER IF EXISTS broadcasts_fts_delete;
			DROP TRIGGER IF EXISTS broadcasts_fts_update;
			DROP TABLE IF EXISTS broadcasts_fts;
		`); err != nil {
			return err
		}
	}
	if _, err := s.db.Exec(searchIndexDDL); err != nil {
		return err
	}
	if !current {
		if _, err := s.db.Exec(`INSERT INTO broadcasts_fts(broadcasts_fts) VALUES ('rebuild')`); err != nil {
			return err
		}
	}
	return nil
}

// NormalizeTitle lowercases and strips everything but letters and digits.
// Used for duplicate detection and search matching.
func NormalizeTitle(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		if ('a' <= r && r <= 'z') || ('0' <= r && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

type broadcastRow struct {
	ID             int64        `db:"id"`
	Title          string       `db:"title"`
	TitleNorm      string       `db:"title_normalized"`
	PriceMain      int          `db:"price_main"`
	PriceSecondary int          `db:"price_secondary"`
	Format         string       `db:"format"`
	ETA            string       `db:"eta"`
	CloseDate      string       `db:"close_date"`
	SupplierType   string       `db:"supplier_type"`
	DescriptionSrc string       `db:"description_source"`
	DescriptionGen string       `db:"description_generated"`
	Tags           string       `db:"tags"`
	PreviewLinks   string       `db:"preview_links"`
	MediaPaths     string       `db:"media_paths"`
	Target         string       `db:"target"`
	Level          int          `db:"level"`
	Status         string       `db:"status"`
	CreatedAt      time.Time    `db:"created_at"`
	SentAt         sql.NullTime `db:"sent_at"`
}

func (r *broadcastRow) toAPI() *v1.Broadcast {
	b := &v1.Broadcast{
		ID:              r.ID,
		Title:           r.Title,
		TitleNormalized: r.TitleNorm,
		PriceMain:       r.PriceMain,
		PriceSecondary:  r.PriceSecondary,
		Format:          r.Format,
		ETA:             r.ETA,
		CloseDate:       r.CloseDate,
		SupplierType:    r.SupplierType,
		DescriptionSrc:  r.DescriptionSrc,
		DescriptionGen:  r.DescriptionGen,
		Target:          r.Target,
		Level:           r.Level,
		Status:          v1.BroadcastStatus(r.Status),
		CreatedAt:       r.CreatedAt,
	}
	_ = json.Unmarshal([]byte(r.Tags), &b.Tags)
	_ = json.Unmarshal([]byte(r.PreviewLinks), &b.PreviewLinks)
	_ = json.Unmarshal([]byte(r.MediaPaths), &b.MediaPaths)
	if r.SentAt.Valid {
		t := r.SentAt.Time
		b.SentAt = &t
	}
	return b
}

func marshalList(list []string) string {
	if len(list) == 0 {
		return "[]"
	}
	data, err := json.Marshal(list)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// Save inserts the broadcast and returns its id. TitleNormalized and
// CreatedAt are filled in when empty.
func (s *Store) Save(ctx context.Context, b *v1.Broadcast) (int64, error) {
	ctx, span := tracing.Tracer("wartabot-db").Start(ctx, "broadcast.Save")
	defer span.End()

	if b.TitleNormalized == "" {
		b.TitleNormalized = NormalizeTitle(b.Title)
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	if b.Status == "" {
		b.Status = v1.BroadcastDraft
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO broadcasts (
			title, title_normalized, price_main, price_secondary, format, eta,
			close_date, supplier_type, description_source, description_generated,
			tags, preview_links, media_paths, target, level, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		b.Title, b.TitleNormalized, b.PriceMain, b.PriceSecondary, b.Format, b.ETA,
		b.CloseDate, b.SupplierType, b.DescriptionSrc, b.DescriptionGen,
		marshalList(b.Tags), marshalList(b.PreviewLinks), marshalList(b.MediaPaths),
		b.Target, b.Level, string(b.Status), b.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to save broadcast: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	b.ID = id
	s.logger.Info("broadcast saved",
		zap.Int64("broadcast_id", id),
		zap.String("title", b.Title),
		zap.String("status", string(b.Status)))
	return id, nil
}

// Get returns the broadcast by id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id int64) (*v1.Broadcast, error) {
	var row broadcastRow
	err := s.ro.GetContext(ctx, &row, s.ro.Rebind(`
		SELECT * FROM broadcasts WHERE id = ?
	`), id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toAPI(), nil
}

// UpdateStatus advances the broadcast's status. Transitions never move
// backwards; a regression is ignored and logged. Reaching sent stamps
// sent_at.
func (s *Store) UpdateStatus(ctx context.Context, id int64, status v1.BroadcastStatus) error {
	ctx, span := tracing.Tracer("wartabot-db").Start(ctx, "broadcast.UpdateStatus")
	defer span.End()

	var current string
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT status FROM broadcasts WHERE id = ?
	`), id).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if statusRank[status] < statusRank[v1.BroadcastStatus(current)] {
		s.logger.Warn("ignoring backwards status transition",
			zap.Int64("broadcast_id", id),
			zap.String("from", current),
			zap.String("to", string(status)))
		return nil
	}

	if status == v1.BroadcastSent {
		_, err = s.db.ExecContext(ctx, s.db.Rebind(`
			UPDATE broadcasts SET status = ?, sent_at = ? WHERE id = ?
		`), string(status), time.Now().UTC(), id)
	} else {
		_, err = s.db.ExecContext(ctx, s.db.Rebind(`
			UPDATE broadcasts SET status = ? WHERE id = ?
		`), string(status), id)
	}
	return err
}

// Enqueue adds a pending delivery for the broadcast at the given time.
// A broadcast carries at most one non-terminal queue item.
func (s *Store) Enqueue(ctx context.Context, broadcastID int64, at time.Time) (int64, error) {
	ctx, span := tracing.Tracer("wartabot-db").Start(ctx, "broadcast.Enqueue")
	defer span.End()

	var pending int
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT COUNT(*) FROM broadcast_queue WHERE broadcast_id = ? AND status = 'pending'
	`), broadcastID).Scan(&pending)
	if err != nil {
		return 0, err
	}
	if pending > 0 {
		return 0, ErrAlreadyQueued
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO broadcast_queue (broadcast_id, scheduled_time, status, created_at)
		VALUES (?, ?, 'pending', ?)
	`), broadcastID, at.UTC(), time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue broadcast: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	s.logger.Info("broadcast enqueued",
		zap.Int64("broadcast_id", broadcastID),
		zap.Int64("queue_id", id),
		zap.Time("scheduled_time", at.UTC()))
	return id, nil
}

type queueRow struct {
	ID            int64     `db:"id"`
	BroadcastID   int64     `db:"broadcast_id"`
	ScheduledTime time.Time `db:"scheduled_time"`
	Status        string    `db:"status"`
	RetryCount    int       `db:"retry_count"`
	ErrorMessage  string    `db:"error_message"`
	CreatedAt     time.Time `db:"created_at"`
}

func (r *queueRow) toAPI() *v1.QueueItem {
	return &v1.QueueItem{
		ID:            r.ID,
		BroadcastID:   r.BroadcastID,
		ScheduledTime: r.ScheduledTime,
		Status:        v1.QueueStatus(r.Status),
		RetryCount:    r.RetryCount,
		ErrorMessage:  r.ErrorMessage,
		CreatedAt:     r.CreatedAt,
	}
}

// NextDue returns the earliest pending item whose scheduled time is at or
// before now, ties broken by insertion order. Returns nil when nothing is
// due.
func (s *Store) NextDue(ctx context.Context, now time.Time) (*v1.QueueItem, error) {
	var row queueRow
	err := s.ro.GetContext(ctx, &row, s.ro.Rebind(`
		SELECT * FROM broadcast_queue
		WHERE status = 'pending' AND scheduled_time <= ?
		ORDER BY scheduled_time ASC, id ASC
		LIMIT 1
	`), now.UTC())
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toAPI(), nil
}

// MarkSent finalizes the queue item as sent.
func (s *Store) MarkSent(ctx context.Context, queueID int64) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE broadcast_queue SET status = 'sent' WHERE id = ? AND status = 'pending'
	`), queueID)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// MaxQueueRetries is how many failed delivery attempts a queue item gets
// before it is finalized as failed.
const MaxQueueRetries = 5

// MarkFailed records a failed delivery attempt: the error message is
// stored and retry_count bumped, but the item stays pending so the
// dispatcher retries it. After MaxQueueRetries attempts it is finalized
// as failed.
func (s *Store) MarkFailed(ctx context.Context, queueID int64, message string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE broadcast_queue
		SET retry_count = retry_count + 1,
		    error_message = ?,
		    status = CASE WHEN retry_count + 1 >= ? THEN 'failed' ELSE 'pending' END
		WHERE id = ? AND status = 'pending'
	`), message, MaxQueueRetries, queueID)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPending returns all pending queue items ordered by scheduled time.
func (s *Store) ListPending(ctx context.Context) ([]*v1.QueueItem, error) {
	var rows []queueRow
	err := s.ro.SelectContext(ctx, &rows, `
		SELECT * FROM broadcast_queue
		WHERE status = 'pending'
		ORDER BY scheduled_time ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	items := make([]*v1.QueueItem, 0, len(rows))
	for i := range rows {
		items = append(items, rows[i].toAPI())
	}
	return items, nil
}

// ClearPending atomically drains the pending queue and returns the drained
// items. Used by /flush, which takes over their delivery. Drained rows
// move to flushing until FinalizeFlushed records the delivery outcome.
func (s *Store) ClearPending(ctx context.Context) ([]*v1.QueueItem, error) {
	ctx, span := tracing.Tracer("wartabot-db").Start(ctx, "broadcast.ClearPending")
	defer span.End()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var rows []queueRow
	err = tx.SelectContext(ctx, &rows, `
		SELECT * FROM broadcast_queue
		WHERE status = 'pending'
		ORDER BY scheduled_time ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE broadcast_queue SET status = 'flushing' WHERE status = 'pending'
	`); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	items := make([]*v1.QueueItem, 0, len(rows))
	for i := range rows {
		items = append(items, rows[i].toAPI())
	}
	if len(items) > 0 {
		s.logger.Info("pending queue drained", zap.Int("count", len(items)))
	}
	return items, nil
}

// FinalizeFlushed records the delivery outcome of a queue item drained by
// ClearPending.
func (s *Store) FinalizeFlushed(ctx context.Context, queueID int64, delivered bool, message string) error {
	status := "sent"
	if !delivered {
		status = "failed"
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE broadcast_queue SET status = ?, error_message = ?
		WHERE id = ? AND status = 'flushing'
	`), status, message, queueID)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Recent returns the most recent broadcasts, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]*v1.Broadcast, error) {
	if limit <= 0 {
		limit = 10
	}
	var rows []broadcastRow
	err := s.ro.SelectContext(ctx, &rows, s.ro.Rebind(`
		SELECT * FROM broadcasts ORDER BY created_at DESC, id DESC LIMIT ?
	`), limit)
	if err != nil {
		return nil, err
	}
	out := make([]*v1.Broadcast, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toAPI())
	}
	return out, nil
}

// Search matches broadcast titles and descriptions against the query,
// case-insensitive with prefix matching on the last term, capped at 10
// results.
func (s *Store) Search(ctx context.Context, query string) ([]*v1.Broadcast, error) {
	ctx, span := tracing.Tracer("wartabot-db").Start(ctx, "broadcast.Search")
	defer span.End()

	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	var rows []broadcastRow
	err := s.ro.SelectContext(ctx, &rows, s.ro.Rebind(`
		SELECT b.* FROM broadcasts b
		JOIN broadcasts_fts f ON f.rowid = b.id
		WHERE broadcasts_fts MATCH ?
		ORDER BY b.created_at DESC, b.id DESC
		LIMIT 10
	`), match)
	if err != nil {
		return nil, err
	}
	out := make([]*v1.Broadcast, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toAPI())
	}
	return out, nil
}

// ftsQuery builds an FTS5 match expression from free text: each term is
// quoted, the last one gets a prefix wildcard.
func ftsQuery(query string) string {
	terms := strings.Fields(query)
	if len(terms) == 0 {
		return ""
	}
	parts := make([]string, 0, len(terms))
	for i, t := range terms {
		t = strings.ReplaceAll(t, `"`, "")
		if t == "" {
			continue
		}
		if i == len(terms)-1 {
			parts = append(parts, fmt.Sprintf(`"%s"*`, t))
		} else {
			parts = append(parts, fmt.Sprintf(`"%s"`, t))
		}
	}
	return strings.Join(parts, " ")
}

// FindByNormalizedTitle returns broadcasts whose normalized title equals
// the given one. Used for duplicate warnings before approval.
func (s *Store) FindByNormalizedTitle(ctx context.Context, normalized string) ([]*v1.Broadcast, error) {
	var rows []broadcastRow
	err := s.ro.SelectContext(ctx, &rows, s.ro.Rebind(`
		SELECT * FROM broadcasts WHERE title_normalized = ? ORDER BY created_at DESC
	`), normalized)
	if err != nil {
		return nil, err
	}
	out := make([]*v1.Broadcast, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toAPI())
	}
	return out, nil
}

// ReferencedMediaPaths returns every media path referenced by a broadcast
// that is not yet in a terminal state, plus paths of broadcasts with a
// pending queue item. The media reconciler keeps these files.
func (s *Store) ReferencedMediaPaths(ctx context.Context) (map[string]bool, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT media_paths FROM broadcasts
		WHERE status NOT IN ('sent', 'failed')
		   OR id IN (SELECT broadcast_id FROM broadcast_queue WHERE status = 'pending')
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	refs := make(map[string]bool)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var paths []string
		if err := json.Unmarshal([]byte(raw), &paths); err != nil {
			continue
		}
		for _, p := range paths {
			refs[p] = true
		}
	}
	return refs, rows.Err()
}

// GetSetting returns the setting value, or fallback when absent.
func (s *Store) GetSetting(ctx context.Context, key, fallback string) (string, error) {
	var value string
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT value FROM settings WHERE key = ?
	`), key).Scan(&value)
	if err == sql.ErrNoRows {
		return fallback, nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// SetSetting upserts the setting value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`), key, value, time.Now().UTC())
	return err
}
