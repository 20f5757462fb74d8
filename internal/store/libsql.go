package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/fpoisson2/test-chatkit-sub001/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
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

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Threads ---

func (s *LibSQLStore) UpsertThread(ctx context.Context, th *Thread) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, status, status_reason, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   status=excluded.status, status_reason=excluded.status_reason,
		   metadata=excluded.metadata, updated_at=CURRENT_TIMESTAMP`,
		th.ID, string(th.Status), nullStr(th.StatusReason), nullRaw(th.Metadata),
		timeOrNow(th.CreatedAt), timeOrNow(th.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	th := &Thread{}
	var status string
	var reason, metadata sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, status_reason, metadata, created_at, updated_at FROM threads WHERE id = ?`, id,
	).Scan(&th.ID, &status, &reason, &metadata, &th.CreatedAt, &th.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("thread", id)
	}
	if err != nil {
		return nil, err
	}
	th.Status = schema.ThreadStatusType(status)
	th.StatusReason = reason.String
	th.Metadata = rawOrNil(metadata)
	return th, nil
}

func (s *LibSQLStore) SetThreadStatus(ctx context.Context, id string, status schema.ThreadStatusType, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET status = ?, status_reason = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(status), nullStr(reason), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "thread", id)
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	def, err := json.Marshal(run.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	input, err := marshalMapOrDefault(run.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, thread_id, definition, status, input, summary, error, final_node_slug, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ThreadID, string(def), string(run.Status), string(input),
		nullRaw(run.Summary), nullRaw(run.Error), nullStr(run.FinalNodeSlug),
		timeOrNow(run.CreatedAt), nullTime(run.StartedAt), nullTime(run.CompletedAt), timeOrNow(run.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, thread_id, definition, status, input, summary, error, final_node_slug, created_at, started_at, completed_at, updated_at
		 FROM runs WHERE id = ?`, id,
	)
	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Summary != nil {
		sets = append(sets, "summary = ?")
		args = append(args, string(update.Summary))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.FinalNodeSlug != "" {
		sets = append(sets, "final_node_slug = ?")
		args = append(args, update.FinalNodeSlug)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.ThreadID != "" {
		where = append(where, "thread_id = ?")
		args = append(args, filter.ThreadID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, thread_id, definition, status, input, summary, error, final_node_slug, created_at, started_at, completed_at, updated_at FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(scan func(dest ...any) error) (*Run, error) {
	run := &Run{}
	var (
		defJSON, status        string
		inputJSON              sql.NullString
		summaryJSON, errJSON   sql.NullString
		finalSlug              sql.NullString
		startedAt, completedAt sql.NullTime
	)
	err := scan(&run.ID, &run.ThreadID, &defJSON, &status, &inputJSON, &summaryJSON, &errJSON,
		&finalSlug, &run.CreatedAt, &startedAt, &completedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	if err := json.Unmarshal([]byte(defJSON), &run.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	if inputJSON.Valid && inputJSON.String != "" {
		_ = json.Unmarshal([]byte(inputJSON.String), &run.Input)
	}
	run.Summary = rawOrNil(summaryJSON)
	run.Error = rawOrNil(errJSON)
	run.FinalNodeSlug = finalSlug.String
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

// --- Suspensions ---

func (s *LibSQLStore) SaveSuspension(ctx context.Context, susp *Suspension) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO suspensions (thread_id, run_id, step_slug, widget_slug, widget_item_id, match_any, state, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(thread_id) DO UPDATE SET
		   run_id=excluded.run_id, step_slug=excluded.step_slug,
		   widget_slug=excluded.widget_slug, widget_item_id=excluded.widget_item_id,
		   match_any=excluded.match_any, state=excluded.state,
		   created_at=excluded.created_at, expires_at=excluded.expires_at`,
		susp.ThreadID, susp.RunID, susp.StepSlug,
		nullStr(susp.WidgetSlug), nullStr(susp.WidgetItemID), boolToInt(susp.MatchAny),
		nullRaw(susp.State), timeOrNow(susp.CreatedAt), nullTime(susp.ExpiresAt),
	)
	return err
}

func (s *LibSQLStore) GetSuspension(ctx context.Context, threadID string) (*Suspension, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT thread_id, run_id, step_slug, widget_slug, widget_item_id, match_any, state, created_at, expires_at
		 FROM suspensions WHERE thread_id = ?`, threadID,
	)
	susp, err := scanSuspension(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("suspension", threadID)
	}
	return susp, err
}

func (s *LibSQLStore) DeleteSuspension(ctx context.Context, threadID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM suspensions WHERE thread_id = ?`, threadID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "suspension", threadID)
}

func (s *LibSQLStore) ListExpiredSuspensions(ctx context.Context, before time.Time) ([]*Suspension, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id, run_id, step_slug, widget_slug, widget_item_id, match_any, state, created_at, expires_at
		 FROM suspensions WHERE expires_at IS NOT NULL AND expires_at <= ?`, before,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var susps []*Suspension
	for rows.Next() {
		susp, err := scanSuspension(rows.Scan)
		if err != nil {
			return nil, err
		}
		susps = append(susps, susp)
	}
	return susps, rows.Err()
}

func scanSuspension(scan func(dest ...any) error) (*Suspension, error) {
	susp := &Suspension{}
	var widgetSlug, widgetItemID, state sql.NullString
	var matchAny int
	var expiresAt sql.NullTime
	err := scan(&susp.ThreadID, &susp.RunID, &susp.StepSlug, &widgetSlug, &widgetItemID,
		&matchAny, &state, &susp.CreatedAt, &expiresAt)
	if err != nil {
		return nil, err
	}
	susp.WidgetSlug = widgetSlug.String
	susp.WidgetItemID = widgetItemID.String
	susp.MatchAny = matchAny != 0
	susp.State = rawOrNil(state)
	if expiresAt.Valid {
		susp.ExpiresAt = &expiresAt.Time
	}
	return susp, nil
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Get next sequence number for this run
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, step_slug, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.StepSlug), event.Type, nullRaw(event.Payload),
		timeOrNow(event.Timestamp), seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_slug, event_type, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepSlug, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &stepSlug, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepSlug = stepSlug.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.ExecutionError {
	return schema.NewErrorf(schema.ErrKindNotFound, "%s %q not found", resource, id)
}

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

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
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

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
