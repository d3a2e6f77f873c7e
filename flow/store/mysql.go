package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/stateflow-go/stateflow/flow"
)

// MySQLStore is a MySQL implementation of flow.Store with the same schema
// contract as SQLiteStore: one JSON document per instance plus indexed
// columns for the filterable fields, and a write-once idempotency key table.
//
// DSN example: "user:pass@tcp(localhost:3306)/stateflow?parseTime=true".
//
// Like every store that cannot serialize callables, compensation entries
// recorded with a bare callable lose it across restarts; entries recorded
// by registry name are rehydrated through the resolver.
type MySQLStore struct {
	db       *sql.DB
	resolver ActionResolver
}

// NewMySQLStore opens (and migrates) a MySQL-backed store. resolver may be
// nil when named compensations are not used.
func NewMySQLStore(dsn string, resolver ActionResolver) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{db: db, resolver: resolver}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS flows (
			flow_id        VARCHAR(191) PRIMARY KEY,
			definition_id  VARCHAR(191) NOT NULL,
			version        VARCHAR(64) NOT NULL DEFAULT '',
			parent_flow_id VARCHAR(191) NOT NULL DEFAULT '',
			status         VARCHAR(32) NOT NULL,
			document       LONGTEXT NOT NULL,
			created_at     BIGINT NOT NULL,
			updated_at     BIGINT NOT NULL,
			INDEX idx_flows_status (status),
			INDEX idx_flows_definition (definition_id),
			INDEX idx_flows_parent (parent_flow_id)
		)`,
		`CREATE TABLE IF NOT EXISTS flow_idempotency_keys (
			` + "`key`" + ` VARCHAR(191) PRIMARY KEY,
			flow_id VARCHAR(191) NOT NULL
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
func (s *MySQLStore) Save(ctx context.Context, inst *flow.Instance) error {
	doc, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal flow %q: %w", inst.FlowID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO flows (flow_id, definition_id, version, parent_flow_id, status, document, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			definition_id = VALUES(definition_id),
			version = VALUES(version),
			parent_flow_id = VALUES(parent_flow_id),
			status = VALUES(status),
			document = VALUES(document),
			updated_at = VALUES(updated_at)`,
		inst.FlowID, inst.DefinitionID, inst.Version, inst.ParentFlowID,
		string(inst.Status), string(doc),
		inst.CreatedAt.UnixMilli(), inst.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save flow %q: %w", inst.FlowID, err)
	}
	return nil
}

// Get returns a snapshot, or nil when the flow does not exist.
func (s *MySQLStore) Get(ctx context.Context, flowID string) (*flow.Instance, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM flows WHERE flow_id = ?`, flowID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load flow %q: %w", flowID, err)
	}
	var inst flow.Instance
	if err := json.Unmarshal([]byte(doc), &inst); err != nil {
		return nil, fmt.Errorf("failed to decode flow document: %w", err)
	}
	rehydrateCompensations(&inst, s.resolver)
	return &inst, nil
}

// Delete removes the instance. Missing flows are a no-op.
func (s *MySQLStore) Delete(ctx context.Context, flowID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM flows WHERE flow_id = ?`, flowID)
	return err
}

// Exists reports whether the flow id is stored.
func (s *MySQLStore) Exists(ctx context.Context, flowID string) (bool, error) {
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

// List returns every matching instance. Simple filters run in SQL;
// current-state membership is applied in-process.
func (s *MySQLStore) List(ctx context.Context, filter *flow.Filter) ([]*flow.Instance, error) {
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
		var inst flow.Instance
		if err := json.Unmarshal([]byte(doc), &inst); err != nil {
			return nil, fmt.Errorf("failed to decode flow document: %w", err)
		}
		rehydrateCompensations(&inst, s.resolver)
		if filter.Matches(&inst) {
			out = append(out, &inst)
		}
	}
	return out, rows.Err()
}

// HasIdempotencyKey reports whether the key is bound.
func (s *MySQLStore) HasIdempotencyKey(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM flow_idempotency_keys WHERE `key` = ?", key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SaveIdempotencyKey binds the key to the flow id; an existing binding wins.
func (s *MySQLStore) SaveIdempotencyKey(ctx context.Context, key, flowID string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT IGNORE INTO flow_idempotency_keys (`key`, flow_id) VALUES (?, ?)", key, flowID)
	return err
}

// FlowIDByIdempotencyKey returns the bound flow id, if any.
func (s *MySQLStore) FlowIDByIdempotencyKey(ctx context.Context, key string) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, "SELECT flow_id FROM flow_idempotency_keys WHERE `key` = ?", key).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// Close closes the database connection.
func (s *MySQLStore) Close() error { return s.db.Close() }

// Ping verifies connectivity.
func (s *MySQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
