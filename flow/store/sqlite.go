package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/stateflow-go/stateflow/flow"
)

// ActionResolver resolves a persisted compensation action name back to a
// callable. *flow.ActionRegistry satisfies it.
type ActionResolver interface {
	Resolve(name string) (flow.ActionFunc, bool)
}

// SQLiteStore is a SQLite implementation of flow.Store.
//
// Instances are stored as JSON documents alongside indexed columns for the
// filterable fields. Designed for single-process durability with zero setup:
// WAL mode, busy timeout and a single-writer connection pool.
//
// Compensation actions are callables and cannot be serialized; entries
// recorded with a registry name are rehydrated through the resolver on read.
// Entries recorded with a bare callable lose the callable across restarts
// (the audit fields survive).
type SQLiteStore struct {
	db       *sql.DB
	resolver ActionResolver
	path     string
}

// NewSQLiteStore opens (and migrates) a SQLite-backed store. Use ":memory:"
// for tests. resolver may be nil when named compensations are not used.
func NewSQLiteStore(path string, resolver ActionResolver) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, resolver: resolver, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS flows (
			flow_id        TEXT PRIMARY KEY,
			definition_id  TEXT NOT NULL,
			version        TEXT NOT NULL DEFAULT '',
			parent_flow_id TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL,
			document       TEXT NOT NULL,
			created_at     INTEGER NOT NULL,
			updated_at     INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_flows_status ON flows(status)`,
		`CREATE INDEX IF NOT EXISTS idx_flows_definition ON flows(definition_id)`,
		`CREATE INDEX IF NOT EXISTS idx_flows_parent ON flows(parent_flow_id)`,
		`CREATE TABLE IF NOT EXISTS flow_idempotency_keys (
			key     TEXT PRIMARY KEY,
			flow_id TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Save upserts the instance as a JSON document.
func (s *SQLiteStore) Save(ctx context.Context, inst *flow.Instance) error {
	doc, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal flow %q: %w", inst.FlowID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO flows (flow_id, definition_id, version, parent_flow_id, status, document, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(flow_id) DO UPDATE SET
			definition_id = excluded.definition_id,
			version = excluded.version,
			parent_flow_id = excluded.parent_flow_id,
			status = excluded.status,
			document = excluded.document,
			updated_at = excluded.updated_at`,
		inst.FlowID, inst.DefinitionID, inst.Version, inst.ParentFlowID,
		string(inst.Status), string(doc),
		inst.CreatedAt.UnixMilli(), inst.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save flow %q: %w", inst.FlowID, err)
	}
	return nil
}

// Get returns a snapshot, or nil when the flow does not exist.
func (s *SQLiteStore) Get(ctx context.Context, flowID string) (*flow.Instance, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM flows WHERE flow_id = ?`, flowID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load flow %q: %w", flowID, err)
	}
	return s.decode([]byte(doc))
}

func (s *SQLiteStore) decode(doc []byte) (*flow.Instance, error) {
	var inst flow.Instance
	if err := json.Unmarshal(doc, &inst); err != nil {
		return nil, fmt.Errorf("failed to decode flow document: %w", err)
	}
	rehydrateCompensations(&inst, s.resolver)
	return &inst, nil
}

// Delete removes the instance. Missing flows are a no-op.
func (s *SQLiteStore) Delete(ctx context.Context, flowID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM flows WHERE flow_id = ?`, flowID)
	return err
}

// Exists reports whether the flow id is stored.
func (s *SQLiteStore) Exists(ctx context.Context, flowID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM flows WHERE flow_id = ?`, flowID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// List returns every matching instance. Status, definition, version and
// parent filters run in SQL; current-state membership is applied in-process.
func (s *SQLiteStore) List(ctx context.Context, filter *flow.Filter) ([]*flow.Instance, error) {
	query := `SELECT document FROM flows WHERE 1=1`
	var args []any
	if filter != nil {
		if filter.Status != "" {
			query += ` AND status = ?`
			args = append(args, string(filter.Status))
		}
		if filter.DefinitionID != "" {
			query += ` AND definition_id = ?`
			args = append(args, filter.DefinitionID)
		}
		if filter.Version != "" {
			query += ` AND version = ?`
			args = append(args, filter.Version)
		}
		if filter.ParentFlowID != "" {
			query += ` AND parent_flow_id = ?`
			args = append(args, filter.ParentFlowID)
		}
	}
	query += ` ORDER BY created_at, flow_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*flow.Instance
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		inst, err := s.decode([]byte(doc))
		if err != nil {
			return nil, err
		}
		if filter.Matches(inst) {
			out = append(out, inst)
		}
	}
	return out, rows.Err()
}

// HasIdempotencyKey reports whether the key is bound.
func (s *SQLiteStore) HasIdempotencyKey(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM flow_idempotency_keys WHERE key = ?`, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SaveIdempotencyKey binds the key to the flow id; an existing binding wins.
func (s *SQLiteStore) SaveIdempotencyKey(ctx context.Context, key, flowID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO flow_idempotency_keys (key, flow_id) VALUES (?, ?) ON CONFLICT(key) DO NOTHING`,
		key, flowID)
	return err
}

// FlowIDByIdempotencyKey returns the bound flow id, if any.
func (s *SQLiteStore) FlowIDByIdempotencyKey(ctx context.Context, key string) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT flow_id FROM flow_idempotency_keys WHERE key = ?`, key).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

// rehydrateCompensations resolves persisted action names back to callables.
func rehydrateCompensations(inst *flow.Instance, resolver ActionResolver) {
	if resolver == nil {
		return
	}
	for i := range inst.Compensations {
		entry := &inst.Compensations[i]
		if entry.Action == nil && entry.ActionName != "" {
			if action, ok := resolver.Resolve(entry.ActionName); ok {
				entry.Action = action
			}
		}
	}
}
