package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/stellarlinkco/rankpilot/internal/fault"
	"github.com/stellarlinkco/rankpilot/internal/intel"
	_ "modernc.org/sqlite"
)

const schemaVersion = 1

// SQLite is a Store backed by a single sqlite database in WAL mode. Entities
// are kept as JSON bodies next to the columns queries filter on.
type SQLite struct {
	db *sql.DB
	mu sync.Mutex
}

func OpenSQLite(dbPath string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) initSchema() error {
	var version int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("init schema: database version %d is newer than supported %d", version, schemaVersion)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS records (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			source TEXT NOT NULL,
			origin TEXT NOT NULL DEFAULT '',
			collected_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0,
			body TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_kind ON records(kind, collected_at)`,
		`CREATE INDEX IF NOT EXISTS idx_records_origin ON records(origin, collected_at)`,
		`CREATE TABLE IF NOT EXISTS opportunities (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			origin TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			assignees TEXT NOT NULL DEFAULT '[]',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			body TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_opportunities_status ON opportunities(status, created_at)`,
		`CREATE TABLE IF NOT EXISTS publications (
			id TEXT PRIMARY KEY,
			agent TEXT NOT NULL,
			channel TEXT NOT NULL,
			published_at INTEGER NOT NULL,
			body TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_publications_published ON publications(published_at)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			id TEXT PRIMARY KEY,
			taken_at INTEGER NOT NULL,
			body TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			agent TEXT NOT NULL,
			job TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			success INTEGER NOT NULL,
			body TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_agent ON executions(agent, started_at)`,
		fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion),
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func (s *SQLite) PutRecord(ctx context.Context, r intel.Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.ID == "" {
		return fault.Validation("put record", "missing id")
	}
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", r.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (id, kind, source, origin, collected_at, expires_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind, source = excluded.source, origin = excluded.origin,
			collected_at = excluded.collected_at, expires_at = excluded.expires_at, body = excluded.body
	`, r.ID, string(r.Kind()), r.Source, r.Origin, millis(r.CollectedAt), millis(r.ExpiresAt()), string(body))
	if err != nil {
		return fmt.Errorf("put record %s: %w", r.ID, err)
	}
	return nil
}

func encodeOpportunity(o intel.Opportunity) (body, assignees string, err error) {
	b, err := json.Marshal(o)
	if err != nil {
		return "", "", fmt.Errorf("encode opportunity %s: %w", o.ID, err)
	}
	list := o.Assignees
	if list == nil {
		list = []string{}
	}
	a, err := json.Marshal(list)
	if err != nil {
		return "", "", fmt.Errorf("encode assignees %s: %w", o.ID, err)
	}
	return string(b), string(a), nil
}

func (s *SQLite) PutOpportunity(ctx context.Context, o intel.Opportunity) error {
	if err := o.Validate(); err != nil {
		return err
	}
	body, assignees, err := encodeOpportunity(o)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO opportunities (id, kind, origin, status, assignees, created_at, updated_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind, origin = excluded.origin, status = excluded.status,
			assignees = excluded.assignees, created_at = excluded.created_at,
			updated_at = excluded.updated_at, body = excluded.body
	`, o.ID, string(o.Kind), o.Origin, string(o.Status), assignees, millis(o.CreatedAt), millis(o.UpdatedAt), body)
	if err != nil {
		return fmt.Errorf("put opportunity %s: %w", o.ID, err)
	}
	return nil
}

func (s *SQLite) InsertOpportunity(ctx context.Context, o intel.Opportunity) (bool, error) {
	if err := o.Validate(); err != nil {
		return false, err
	}
	body, assignees, err := encodeOpportunity(o)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO opportunities (id, kind, origin, status, assignees, created_at, updated_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, o.ID, string(o.Kind), o.Origin, string(o.Status), assignees, millis(o.CreatedAt), millis(o.UpdatedAt), body)
	if err != nil {
		return false, fmt.Errorf("insert opportunity %s: %w", o.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert opportunity %s: %w", o.ID, err)
	}
	return n > 0, nil
}

func (s *SQLite) AdvanceOpportunity(ctx context.Context, id string, to intel.Status, at time.Time) (intel.Opportunity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM opportunities WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return intel.Opportunity{}, fmt.Errorf("opportunity %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return intel.Opportunity{}, fmt.Errorf("load opportunity %s: %w", id, err)
	}
	var o intel.Opportunity
	if err := json.Unmarshal([]byte(body), &o); err != nil {
		return intel.Opportunity{}, err
	}
	if err := o.Advance(to, at); err != nil {
		return o, err
	}
	updated, _, err := encodeOpportunity(o)
	if err != nil {
		return o, err
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE opportunities SET status = ?, updated_at = ?, body = ? WHERE id = ?
	`, string(o.Status), millis(o.UpdatedAt), updated, id); err != nil {
		return o, fmt.Errorf("advance opportunity %s: %w", id, err)
	}
	return o, nil
}

func (s *SQLite) PutPublication(ctx context.Context, p Publication) error {
	if p.ID == "" {
		return fault.Validation("put publication", "missing id")
	}
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode publication %s: %w", p.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO publications (id, agent, channel, published_at, body)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			agent = excluded.agent, channel = excluded.channel,
			published_at = excluded.published_at, body = excluded.body
	`, p.ID, p.Agent, p.Channel, millis(p.PublishedAt), string(body))
	if err != nil {
		return fmt.Errorf("put publication %s: %w", p.ID, err)
	}
	return nil
}

func (s *SQLite) AppendSnapshot(ctx context.Context, snap PerformanceSnapshot) error {
	if snap.ID == "" {
		return fault.Validation("append snapshot", "missing id")
	}
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", snap.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, taken_at, body) VALUES (?, ?, ?)
	`, snap.ID, millis(snap.TakenAt), string(body)); err != nil {
		return fmt.Errorf("append snapshot %s: %w", snap.ID, err)
	}
	return nil
}

func (s *SQLite) AppendExecution(ctx context.Context, e ExecutionLog) error {
	if e.ID == "" {
		return fault.Validation("append execution", "missing id")
	}
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode execution %s: %w", e.ID, err)
	}
	success := 0
	if e.Success {
		success = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (id, agent, job, started_at, success, body) VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.Agent, e.Job, millis(e.StartedAt), success, string(body)); err != nil {
		return fmt.Errorf("append execution %s: %w", e.ID, err)
	}
	return nil
}

func (s *SQLite) PruneRecords(ctx context.Context, asOf time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE expires_at > 0 AND expires_at < ?`, millis(asOf))
	if err != nil {
		return 0, fmt.Errorf("prune records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune records: %w", err)
	}
	return int(n), nil
}

// querier is satisfied by both *sql.DB and *sql.Tx so View can reuse the
// collection readers inside one transaction.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, args ...any) {
	w.clauses = append(w.clauses, clause)
	w.args = append(w.args, args...)
}

func (w *where) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func limitSQL(n int) string {
	if n <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", n)
}

func scanBodies(ctx context.Context, q querier, what, query string, args []any, decode func(string) error) error {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query %s: %w", what, err)
	}
	defer rows.Close()
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return fmt.Errorf("scan %s: %w", what, err)
		}
		if err := decode(body); err != nil {
			if fault.IsValidation(err) {
				log.Printf("[store] dropping malformed %s row: %v", what, err)
				continue
			}
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate %s: %w", what, err)
	}
	return nil
}

func (s *SQLite) Records(ctx context.Context, q Query) ([]intel.Record, error) {
	return s.records(ctx, s.db, q)
}

func (s *SQLite) records(ctx context.Context, db querier, q Query) ([]intel.Record, error) {
	var w where
	if q.Kind != "" {
		w.add("kind = ?", q.Kind)
	}
	if q.Agent != "" {
		w.add("origin = ?", q.Agent)
	}
	if q.Source != "" {
		w.add("source = ?", q.Source)
	}
	if !q.Since.IsZero() {
		w.add("collected_at >= ?", millis(q.Since))
	}
	if !q.AsOf.IsZero() {
		w.add("collected_at <= ?", millis(q.AsOf))
		w.add("(expires_at = 0 OR expires_at >= ?)", millis(q.AsOf))
	}
	query := "SELECT body FROM records" + w.sql() + " ORDER BY collected_at DESC, id ASC" + limitSQL(q.Limit)

	var out []intel.Record
	err := scanBodies(ctx, db, "records", query, w.args, func(body string) error {
		var r intel.Record
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

func (s *SQLite) Opportunities(ctx context.Context, q Query) ([]intel.Opportunity, error) {
	return s.opportunities(ctx, s.db, q)
}

func (s *SQLite) opportunities(ctx context.Context, db querier, q Query) ([]intel.Opportunity, error) {
	var w where
	if q.Kind != "" {
		w.add("kind = ?", q.Kind)
	}
	if q.Agent != "" {
		w.add("origin = ?", q.Agent)
	}
	if q.Assignee != "" {
		w.add("EXISTS (SELECT 1 FROM json_each(opportunities.assignees) WHERE value = ?)", q.Assignee)
	}
	if !q.Since.IsZero() {
		w.add("created_at >= ?", millis(q.Since))
	}
	if len(q.Statuses) > 0 {
		marks := make([]string, len(q.Statuses))
		args := make([]any, len(q.Statuses))
		for i, st := range q.Statuses {
			marks[i] = "?"
			args[i] = string(st)
		}
		w.add("status IN ("+strings.Join(marks, ", ")+")", args...)
	}
	query := "SELECT body FROM opportunities" + w.sql() + " ORDER BY created_at DESC, id ASC" + limitSQL(q.Limit)

	var out []intel.Opportunity
	err := scanBodies(ctx, db, "opportunities", query, w.args, func(body string) error {
		var o intel.Opportunity
		if err := json.Unmarshal([]byte(body), &o); err != nil {
			return err
		}
		out = append(out, o)
		return nil
	})
	return out, err
}

func (s *SQLite) Publications(ctx context.Context, q Query) ([]Publication, error) {
	return s.publications(ctx, s.db, q)
}

func (s *SQLite) publications(ctx context.Context, db querier, q Query) ([]Publication, error) {
	var w where
	if q.Kind != "" {
		w.add("channel = ?", q.Kind)
	}
	if q.Agent != "" {
		w.add("agent = ?", q.Agent)
	}
	if !q.Since.IsZero() {
		w.add("published_at >= ?", millis(q.Since))
	}
	query := "SELECT body FROM publications" + w.sql() + " ORDER BY published_at DESC, id ASC" + limitSQL(q.Limit)

	var out []Publication
	err := scanBodies(ctx, db, "publications", query, w.args, func(body string) error {
		var p Publication
		if err := json.Unmarshal([]byte(body), &p); err != nil {
			return fault.Validation("decode publication", "%v", err)
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

func (s *SQLite) Snapshots(ctx context.Context, q Query) ([]PerformanceSnapshot, error) {
	var w where
	if !q.Since.IsZero() {
		w.add("taken_at >= ?", millis(q.Since))
	}
	query := "SELECT body FROM snapshots" + w.sql() + " ORDER BY taken_at DESC, rowid DESC" + limitSQL(q.Limit)

	var out []PerformanceSnapshot
	err := scanBodies(ctx, s.db, "snapshots", query, w.args, func(body string) error {
		var snap PerformanceSnapshot
		if err := json.Unmarshal([]byte(body), &snap); err != nil {
			return fault.Validation("decode snapshot", "%v", err)
		}
		if snap.KPIs == nil {
			snap.KPIs = map[KPI]float64{}
		}
		out = append(out, snap)
		return nil
	})
	return out, err
}

func (s *SQLite) Executions(ctx context.Context, q Query) ([]ExecutionLog, error) {
	return s.executions(ctx, s.db, q)
}

func (s *SQLite) executions(ctx context.Context, db querier, q Query) ([]ExecutionLog, error) {
	var w where
	if q.Agent != "" {
		w.add("agent = ?", q.Agent)
	}
	if q.Kind != "" {
		w.add("job = ?", q.Kind)
	}
	if !q.Since.IsZero() {
		w.add("started_at >= ?", millis(q.Since))
	}
	query := "SELECT body FROM executions" + w.sql() + " ORDER BY seq DESC" + limitSQL(q.Limit)

	var out []ExecutionLog
	err := scanBodies(ctx, db, "executions", query, w.args, func(body string) error {
		var e ExecutionLog
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return fault.Validation("decode execution", "%v", err)
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

// View reads every collection inside one read-only transaction, which sqlite
// serves from a single WAL snapshot.
func (s *SQLite) View(ctx context.Context, asOf time.Time) (*View, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin view: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	since := asOf.Add(-ViewHorizon)
	v := &View{AsOf: asOf}
	if v.Records, err = s.records(ctx, tx, Query{AsOf: asOf}); err != nil {
		return nil, err
	}
	if v.Opportunities, err = s.opportunities(ctx, tx, Query{Since: since}); err != nil {
		return nil, err
	}
	if v.Publications, err = s.publications(ctx, tx, Query{Since: since}); err != nil {
		return nil, err
	}
	if v.Executions, err = s.executions(ctx, tx, Query{Since: since, Limit: viewExecutions}); err != nil {
		return nil, err
	}
	return v, nil
}
