package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/opchain/pkg/schema"
)

// LibSQLStore implements Store on libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/opchain.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so QueryRow is used for all of them.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Job records ---

const recordColumns = `id, type, payload, priority, status, retry_count, max_retries, timeout_ms,
	progress, progress_message, result, error, metadata, scheduled_for, created_at, started_at, completed_at, updated_at`

func (s *LibSQLStore) CreateRecord(ctx context.Context, rec *Record) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.CreatedAt = timeOrNow(rec.CreatedAt)
	rec.UpdatedAt = rec.CreatedAt

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Type, nullRaw(rec.Payload), rec.Priority, string(rec.Status), rec.RetryCount, rec.MaxRetries, rec.TimeoutMs,
		rec.Progress, nullStr(rec.ProgressMessage), nullRaw(rec.Result), nullStr(rec.Error), nullRaw(rec.Metadata),
		nullTime(rec.ScheduledFor), rec.CreatedAt, nullTime(rec.StartedAt), nullTime(rec.CompletedAt), rec.UpdatedAt,
	)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore, "insert job %s: %s", rec.ID, err.Error()).WithCause(err)
	}
	return rec.ID, nil
}

func (s *LibSQLStore) UpdateRecord(ctx context.Context, id string, patch RecordPatch) error {
	if patch.empty() {
		return nil
	}

	var sets []string
	var args []any
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if patch.Status != nil {
		set("status", string(*patch.Status))
	}
	if patch.RetryCount != nil {
		set("retry_count", *patch.RetryCount)
	}
	if patch.Progress != nil {
		set("progress", *patch.Progress)
	}
	if patch.ProgressMessage != nil {
		set("progress_message", *patch.ProgressMessage)
	}
	if patch.Result != nil {
		set("result", string(patch.Result))
	}
	if patch.Error != nil {
		set("error", *patch.Error)
	}
	if patch.ScheduledFor != nil {
		set("scheduled_for", *patch.ScheduledFor)
	}
	if patch.ClearSchedule {
		set("scheduled_for", nil)
	}
	if patch.StartedAt != nil {
		set("started_at", *patch.StartedAt)
	}
	if patch.CompletedAt != nil {
		set("completed_at", *patch.CompletedAt)
	}
	set("updated_at", time.Now().UTC())
	args = append(args, id)

	query := fmt.Sprintf("UPDATE jobs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "update job %s: %s", id, err.Error()).WithCause(err)
	}
	return checkRowsAffected(res, "job", id)
}

func (s *LibSQLStore) GetRecord(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM jobs WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("job", id)
	}
	return rec, err
}

func (s *LibSQLStore) ListRecords(ctx context.Context, filter RecordFilter) ([]*Record, error) {
	var where []string
	var args []any

	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, filter.Type)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + recordColumns + ` FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	query += limitClause(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteRecord(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "job", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	rec := &Record{}
	var (
		status                                     string
		payload, progressMsg, result, errMsg, meta sql.NullString
		scheduledFor, startedAt, completedAt       sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.Type, &payload, &rec.Priority, &status, &rec.RetryCount, &rec.MaxRetries, &rec.TimeoutMs,
		&rec.Progress, &progressMsg, &result, &errMsg, &meta, &scheduledFor, &rec.CreatedAt, &startedAt, &completedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Status = schema.JobStatus(status)
	rec.Payload = rawOrNil(payload)
	rec.ProgressMessage = progressMsg.String
	rec.Result = rawOrNil(result)
	rec.Error = errMsg.String
	rec.Metadata = rawOrNil(meta)
	rec.ScheduledFor = timePtr(scheduledFor)
	rec.StartedAt = timePtr(startedAt)
	rec.CompletedAt = timePtr(completedAt)
	return rec, nil
}

// --- Chains ---

func (s *LibSQLStore) SaveChain(ctx context.Context, def *schema.ChainDefinition) error {
	if def.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "chain id is required")
	}
	data, err := def.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal chain %s: %w", def.ID, err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chains (id, name, status, definition, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, status=excluded.status,
		   definition=excluded.definition, updated_at=excluded.updated_at`,
		def.ID, def.Name, string(def.Status), string(data), timeOrNow(def.CreatedAt), now,
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "save chain %s: %s", def.ID, err.Error()).WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) GetChain(ctx context.Context, id string) (*schema.ChainDefinition, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT definition FROM chains WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("chain", id)
	}
	if err != nil {
		return nil, err
	}
	return schema.ChainFromJSON([]byte(data))
}

func (s *LibSQLStore) ListChains(ctx context.Context, filter ChainFilter) ([]*schema.ChainDefinition, error) {
	query := `SELECT definition FROM chains`
	var args []any
	if filter.Status != nil {
		query += " WHERE status = ?"
		args = append(args, string(*filter.Status))
	}
	query += " ORDER BY created_at ASC, id ASC"
	query += limitClause(filter.Limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.ChainDefinition
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		def, err := schema.ChainFromJSON([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteChain(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chains WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "chain", id)
}

// --- Events ---

// AppendEvent assigns the next per-stream sequence and inserts the event
// in one transaction. The single-connection pool serializes writers.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE stream_id = ?`, event.StreamID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (stream_id, step_id, event_type, payload, timestamp, sequence) VALUES (?, ?, ?, ?, ?, ?)`,
		event.StreamID, nullStr(event.StepID), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, streamID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, stream_id, step_id, event_type, payload, timestamp, sequence
		 FROM events WHERE stream_id = ? AND sequence > ? ORDER BY sequence ASC`,
		streamID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	where := []string{"event_type = ?"}
	args := []any{eventType}

	if filter.StreamID != "" {
		where = append(where, "stream_id = ?")
		args = append(args, filter.StreamID)
	}
	if filter.StepID != "" {
		where = append(where, "step_id = ?")
		args = append(args, filter.StepID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, stream_id, step_id, event_type, payload, timestamp, sequence FROM events WHERE ` +
		strings.Join(where, " AND ") + " ORDER BY id ASC" + limitClause(filter.Limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.StreamID, &stepID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func limitClause(limit, offset int) string {
	if limit <= 0 {
		return ""
	}
	clause := fmt.Sprintf(" LIMIT %d", limit)
	if offset > 0 {
		clause += fmt.Sprintf(" OFFSET %d", offset)
	}
	return clause
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

var _ Store = (*LibSQLStore)(nil)
