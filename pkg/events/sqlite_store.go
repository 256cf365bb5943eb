package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/lace-ai/lace/pkg/db"
)

// migrations is the event store's schema history, applied through
// pkg/db's shared MigrationRunner rather than ad hoc inline DDL.
var migrations = []db.Migration{
	{
		Version:     20240601000000,
		Description: "create threads and thread_events tables",
		Up: func(tx *sql.Tx) error {
			stmts := []string{
				`CREATE TABLE IF NOT EXISTS threads (
					id         TEXT PRIMARY KEY,
					parent_id  TEXT NOT NULL DEFAULT '',
					created_at TEXT NOT NULL,
					metadata   TEXT NOT NULL DEFAULT '{}'
				)`,
				`CREATE INDEX IF NOT EXISTS idx_threads_parent_id ON threads(parent_id)`,
				`CREATE TABLE IF NOT EXISTS thread_events (
					thread_id  TEXT NOT NULL,
					id         TEXT NOT NULL,
					type       TEXT NOT NULL,
					timestamp  TEXT NOT NULL,
					data       TEXT NOT NULL,
					seq        INTEGER NOT NULL,
					PRIMARY KEY (thread_id, id)
				)`,
				`CREATE INDEX IF NOT EXISTS idx_thread_events_thread_id ON thread_events(thread_id, seq)`,
			}
			for _, stmt := range stmts {
				if _, err := tx.Exec(stmt); err != nil {
					return errors.Wrap(err, "failed to apply thread schema statement")
				}
			}
			return nil
		},
	},
}

// SQLiteStore is the durable Store implementation backed by pkg/db (sqlx +
// modernc.org/sqlite, WAL mode). Schema creation and evolution run through
// pkg/db's migration runner rather than ad hoc DDL.
type SQLiteStore struct {
	db *sqlx.DB

	mu  sync.Mutex
	seq map[string]uint64
}

// OpenSQLiteStore opens (creating if necessary) a durable event store at
// dbPath and ensures its schema exists.
func OpenSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if err := db.RunMigrations(ctx, dbPath, migrations); err != nil {
		return nil, errors.Wrap(ErrStorageUnavailable, err.Error())
	}
	sqlDB, err := db.Open(ctx, dbPath)
	if err != nil {
		return nil, errors.Wrap(ErrStorageUnavailable, err.Error())
	}
	return newSQLiteStoreFromDB(ctx, sqlDB)
}

// NewSQLiteStore wraps an already-opened, already-configured *sqlx.DB,
// running any pending migrations against it before use.
func NewSQLiteStore(ctx context.Context, sqlDB *sqlx.DB) (*SQLiteStore, error) {
	runner := db.NewMigrationRunner(sqlDB)
	if err := runner.Run(ctx, migrations); err != nil {
		return nil, errors.Wrap(err, "failed to run schema migrations")
	}
	return newSQLiteStoreFromDB(ctx, sqlDB)
}

func newSQLiteStoreFromDB(ctx context.Context, sqlDB *sqlx.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: sqlDB, seq: make(map[string]uint64)}

	rows, err := sqlDB.QueryxContext(ctx, `SELECT thread_id, MAX(seq) FROM thread_events GROUP BY thread_id`)
	if err != nil {
		sqlDB.Close()
		return nil, errors.Wrap(err, "failed to load sequence counters")
	}
	defer rows.Close()
	for rows.Next() {
		var threadID string
		var maxSeq uint64
		if err := rows.Scan(&threadID, &maxSeq); err != nil {
			sqlDB.Close()
			return nil, errors.Wrap(err, "failed to scan sequence counter")
		}
		s.seq[threadID] = maxSeq
	}
	return s, nil
}

type threadRow struct {
	ID        string `db:"id"`
	ParentID  string `db:"parent_id"`
	CreatedAt string `db:"created_at"`
	Metadata  string `db:"metadata"`
}

func (r threadRow) toMeta() (ThreadMeta, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		return ThreadMeta{}, errors.Wrap(err, "failed to parse created_at")
	}
	var meta map[string]string
	if err := json.Unmarshal([]byte(r.Metadata), &meta); err != nil {
		return ThreadMeta{}, errors.Wrap(err, "failed to parse metadata")
	}
	return ThreadMeta{ID: r.ID, ParentID: r.ParentID, CreatedAt: createdAt, Metadata: meta}, nil
}

// CreateThread registers a new thread.
func (s *SQLiteStore) CreateThread(ctx context.Context, meta ThreadMeta) error {
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	if meta.Metadata == nil {
		meta.Metadata = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta.Metadata)
	if err != nil {
		return errors.Wrap(err, "failed to encode thread metadata")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO threads (id, parent_id, created_at, metadata) VALUES (?, ?, ?, ?)`,
		meta.ID, meta.ParentID, meta.CreatedAt.Format(time.RFC3339Nano), string(metaJSON))
	if err != nil {
		if isUniqueConstraintErr(err) {
			return errors.Wrapf(ErrThreadExists, "thread %s", meta.ID)
		}
		return errors.Wrap(err, "failed to insert thread")
	}
	return nil
}

// GetThread returns a registered thread's metadata.
func (s *SQLiteStore) GetThread(ctx context.Context, id string) (ThreadMeta, error) {
	var row threadRow
	err := s.db.GetContext(ctx, &row, `SELECT id, parent_id, created_at, metadata FROM threads WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ThreadMeta{}, errors.Wrapf(ErrThreadNotFound, "thread %s", id)
	}
	if err != nil {
		return ThreadMeta{}, errors.Wrap(err, "failed to query thread")
	}
	return row.toMeta()
}

// ListThreads returns all registered threads.
func (s *SQLiteStore) ListThreads(ctx context.Context) ([]ThreadMeta, error) {
	var rows []threadRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, parent_id, created_at, metadata FROM threads`); err != nil {
		return nil, errors.Wrap(err, "failed to list threads")
	}
	out := make([]ThreadMeta, 0, len(rows))
	for _, r := range rows {
		meta, err := r.toMeta()
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	return out, nil
}

// ChildThreadIDs returns the direct children of parentID.
func (s *SQLiteStore) ChildThreadIDs(ctx context.Context, parentID string) ([]string, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, `SELECT id FROM threads WHERE parent_id = ?`, parentID); err != nil {
		return nil, errors.Wrap(err, "failed to list child threads")
	}
	return ids, nil
}

// Append assigns the event an id and timestamp and durably persists it.
func (s *SQLiteStore) Append(ctx context.Context, threadID string, typ Type, data any) (Event, error) {
	raw, err := MarshalData(data)
	if err != nil {
		return Event{}, errors.Wrap(err, "failed to encode event data")
	}

	if _, err := s.GetThread(ctx, threadID); err != nil {
		return Event{}, err
	}

	// Hold the lock through the insert so sequence order and timestamp order
	// agree, and clamp to the thread's previous timestamp so timestamps never
	// decrease within a thread.
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq[threadID]++
	seq := s.seq[threadID]

	id := strconv.FormatUint(seq, 10)
	now := time.Now().UTC()
	var lastTS string
	if err := s.db.GetContext(ctx, &lastTS,
		`SELECT timestamp FROM thread_events WHERE thread_id = ? ORDER BY seq DESC LIMIT 1`, threadID); err == nil {
		if last, perr := time.Parse(time.RFC3339Nano, lastTS); perr == nil && now.Before(last) {
			now = last
		}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO thread_events (thread_id, id, type, timestamp, data, seq) VALUES (?, ?, ?, ?, ?, ?)`,
		threadID, id, string(typ), now.Format(time.RFC3339Nano), string(raw), seq)
	if err != nil {
		return Event{}, errors.Wrap(ErrStorageUnavailable, err.Error())
	}

	return Event{ID: id, ThreadID: threadID, Type: typ, Timestamp: now, Data: raw}, nil
}

type eventRow struct {
	ThreadID  string `db:"thread_id"`
	ID        string `db:"id"`
	Type      string `db:"type"`
	Timestamp string `db:"timestamp"`
	Data      string `db:"data"`
}

func (r eventRow) toEvent() (Event, error) {
	ts, err := time.Parse(time.RFC3339Nano, r.Timestamp)
	if err != nil {
		return Event{}, errors.Wrap(err, "failed to parse event timestamp")
	}
	return Event{
		ID:        r.ID,
		ThreadID:  r.ThreadID,
		Type:      Type(r.Type),
		Timestamp: ts,
		Data:      json.RawMessage(r.Data),
	}, nil
}

// Events returns a thread's events ordered by (timestamp, id).
func (s *SQLiteStore) Events(ctx context.Context, threadID string) ([]Event, error) {
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT thread_id, id, type, timestamp, data FROM thread_events WHERE thread_id = ? ORDER BY seq ASC`, threadID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query events")
	}
	return rowsToEvents(rows)
}

// EventsMainAndDelegates merges the root thread's events with all of its
// delegate threads' events, ordered by (timestamp, id).
func (s *SQLiteStore) EventsMainAndDelegates(ctx context.Context, rootThreadID string) ([]Event, error) {
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT thread_id, id, type, timestamp, data FROM thread_events
		 WHERE thread_id = ? OR thread_id LIKE ? ESCAPE '\'
		 ORDER BY timestamp ASC, id ASC`,
		rootThreadID, escapeLike(rootThreadID)+".%")
	if err != nil {
		return nil, errors.Wrap(err, "failed to query events")
	}
	return rowsToEvents(rows)
}

func rowsToEvents(rows []eventRow) ([]Event, error) {
	out := make([]Event, 0, len(rows))
	for _, r := range rows {
		ev, err := r.toEvent()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	sortEvents(out)
	return out, nil
}

// LatestThread returns the thread with the most recent activity.
func (s *SQLiteStore) LatestThread(ctx context.Context) (string, bool, error) {
	var id string
	err := s.db.GetContext(ctx, &id, `
		SELECT t.id FROM threads t
		LEFT JOIN (
			SELECT thread_id, MAX(timestamp) AS last_ts FROM thread_events GROUP BY thread_id
		) e ON e.thread_id = t.id
		ORDER BY COALESCE(e.last_ts, t.created_at) DESC
		LIMIT 1
	`)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "failed to query latest thread")
	}
	return id, true, nil
}

// Clear purges a thread's events and metadata. Test harness only.
func (s *SQLiteStore) Clear(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM thread_events WHERE thread_id = ?`, threadID); err != nil {
		return errors.Wrap(err, "failed to clear events")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, threadID); err != nil {
		return errors.Wrap(err, "failed to clear thread")
	}
	s.mu.Lock()
	delete(s.seq, threadID)
	s.mu.Unlock()
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\', '%', '_':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}

func isUniqueConstraintErr(err error) bool {
	// modernc.org/sqlite surfaces constraint violations as plain *errors.errorString
	// wrapping the sqlite3 message; matching on substring mirrors the
	// approach of not depending on driver-specific error types.
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}

var _ Store = (*SQLiteStore)(nil)
