// Package sqlite implements storage.Storage on a SQLite database using the
// cgo-free modernc driver. One Store may serve many engines and the
// projector; every batch flush is a single transaction.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "modernc.org/sqlite"

	"github.com/caseflowio/caseflow/pkg/engine/model"
	"github.com/caseflowio/caseflow/pkg/engine/runtime"
	"github.com/caseflowio/caseflow/pkg/storage"
)

const definitionCacheSize = 128

type Store struct {
	db *sql.DB
	// definitions caches parsed graphs by definition key. Definitions are
	// immutable per version, so entries never go stale.
	definitions *lru.Cache[int64, *model.ProcessDefinition]
}

var _ storage.Storage = (*Store)(nil)

// Open opens (and migrates) a SQLite database. Use ":memory:" for tests.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %q: %w", dsn, err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY on concurrent batches
	db.SetMaxOpenConns(1)
	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	cache, err := lru.New[int64, *model.ProcessDefinition](definitionCacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, definitions: cache}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for the report-table projector, which
// issues DDL for its dynamically shaped tables.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) FindProcessDefinitionByKey(ctx context.Context, key int64) (*model.ProcessDefinition, error) {
	if def, ok := s.definitions.Get(key); ok {
		return def, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT key, process_id, version, name, checksum, source, created_at FROM process_definition WHERE key = ?`, key)
	return s.scanDefinition(row)
}

func (s *Store) FindProcessDefinition(ctx context.Context, processId string, version int32) (*model.ProcessDefinition, error) {
	var row *sql.Row
	if version == 0 {
		row = s.db.QueryRowContext(ctx,
			`SELECT key, process_id, version, name, checksum, source, created_at FROM process_definition
			 WHERE process_id = ? ORDER BY version DESC LIMIT 1`, processId)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT key, process_id, version, name, checksum, source, created_at FROM process_definition
			 WHERE process_id = ? AND version = ?`, processId, version)
	}
	return s.scanDefinition(row)
}

func (s *Store) FindProcessDefinitionsById(ctx context.Context, processId string) ([]*model.ProcessDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, process_id, version, name, checksum, source, created_at FROM process_definition
		 WHERE process_id = ? ORDER BY version ASC`, processId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanDefinitions(rows)
}

func (s *Store) ListProcessDefinitions(ctx context.Context) ([]*model.ProcessDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.key, d.process_id, d.version, d.name, d.checksum, d.source, d.created_at
		 FROM process_definition d
		 JOIN (SELECT process_id, MAX(version) AS version FROM process_definition GROUP BY process_id) latest
		   ON d.process_id = latest.process_id AND d.version = latest.version
		 ORDER BY d.process_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanDefinitions(rows)
}

func (s *Store) SaveProcessDefinition(ctx context.Context, definition model.ProcessDefinition) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO process_definition (key, process_id, version, name, checksum, source, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		definition.Key, definition.ProcessId, definition.Version, definition.Name,
		definition.Checksum, definition.Source, definition.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save definition %s version %d: %w", definition.ProcessId, definition.Version, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanDefinition(row rowScanner) (*model.ProcessDefinition, error) {
	var key, createdAt int64
	var version int32
	var processId, name, sum string
	var source []byte
	err := row.Scan(&key, &processId, &version, &name, &sum, &source, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if def, ok := s.definitions.Get(key); ok {
		return def, nil
	}
	def, err := model.ParseDefinition(source)
	if err != nil {
		return nil, fmt.Errorf("stored definition %d no longer parses: %w", key, err)
	}
	def.Key = key
	def.Version = version
	def.Name = name
	def.CreatedAt = time.UnixMilli(createdAt)
	s.definitions.Add(key, def)
	return def, nil
}

func (s *Store) scanDefinitions(rows *sql.Rows) ([]*model.ProcessDefinition, error) {
	var out []*model.ProcessDefinition
	for rows.Next() {
		def, err := s.scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

func (s *Store) FindCaseInstanceByKey(ctx context.Context, key int64) (runtime.CaseInstance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, uid, definition_key, process_id, version, state, variables, created_at, completed_at
		 FROM case_instance WHERE key = ?`, key)
	return s.scanCase(ctx, row)
}

func (s *Store) FindCaseInstanceByUid(ctx context.Context, uid string) (runtime.CaseInstance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, uid, definition_key, process_id, version, state, variables, created_at, completed_at
		 FROM case_instance WHERE uid = ?`, uid)
	return s.scanCase(ctx, row)
}

func (s *Store) FindCaseInstancesByProcessId(ctx context.Context, processId string) ([]runtime.CaseInstance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, uid, definition_key, process_id, version, state, variables, created_at, completed_at
		 FROM case_instance WHERE process_id = ? ORDER BY key ASC`, processId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []runtime.CaseInstance
	for rows.Next() {
		instance, err := s.scanCase(ctx, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, instance)
	}
	return out, rows.Err()
}

func (s *Store) scanCase(ctx context.Context, row rowScanner) (runtime.CaseInstance, error) {
	var instance runtime.CaseInstance
	var variables []byte
	var createdAt int64
	var completedAt sql.NullInt64
	var state string
	err := row.Scan(&instance.Key, &instance.Uid, &instance.DefinitionKey, &instance.ProcessId,
		&instance.Version, &state, &variables, &createdAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return runtime.CaseInstance{}, storage.ErrNotFound
	}
	if err != nil {
		return runtime.CaseInstance{}, err
	}
	instance.State = runtime.CaseState(state)
	instance.CreatedAt = time.UnixMilli(createdAt)
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64)
		instance.CompletedAt = &t
	}
	var vars map[string]interface{}
	if err := json.Unmarshal(variables, &vars); err != nil {
		return runtime.CaseInstance{}, fmt.Errorf("failed to unmarshal variables of case %d: %w", instance.Key, err)
	}
	instance.VariableHolder = runtime.NewVariableHolder(nil, vars)

	if instance.Tokens, err = s.findTokens(ctx, instance.Key); err != nil {
		return runtime.CaseInstance{}, err
	}
	if instance.Definition, err = s.FindProcessDefinitionByKey(ctx, instance.DefinitionKey); err != nil {
		return runtime.CaseInstance{}, fmt.Errorf("failed to resolve definition of case %d: %w", instance.Key, err)
	}
	return instance, nil
}

func (s *Store) findTokens(ctx context.Context, caseKey int64) ([]runtime.Token, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, case_key, node_id, state, arrived_via, arrived_at, due_at
		 FROM case_token WHERE case_key = ? ORDER BY key ASC`, caseKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []runtime.Token
	for rows.Next() {
		var t runtime.Token
		var state string
		var arrivedAt int64
		var dueAt sql.NullInt64
		if err := rows.Scan(&t.Key, &t.CaseKey, &t.NodeId, &state, &t.ArrivedVia, &arrivedAt, &dueAt); err != nil {
			return nil, err
		}
		t.State = runtime.TokenState(state)
		t.ArrivedAt = time.UnixMilli(arrivedAt)
		if dueAt.Valid {
			due := time.UnixMilli(dueAt.Int64)
			t.DueAt = &due
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) SaveCaseInstance(ctx context.Context, instance runtime.CaseInstance) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := saveCaseTx(ctx, tx, instance); err != nil {
		return err
	}
	return tx.Commit()
}

func saveCaseTx(ctx context.Context, tx *sql.Tx, instance runtime.CaseInstance) error {
	variables, err := json.Marshal(instance.VariableHolder.Variables())
	if err != nil {
		return fmt.Errorf("failed to marshal variables of case %d: %w", instance.Key, err)
	}
	var completedAt sql.NullInt64
	if instance.CompletedAt != nil {
		completedAt = sql.NullInt64{Int64: instance.CompletedAt.UnixMilli(), Valid: true}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO case_instance (key, uid, definition_key, process_id, version, state, variables, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET state = excluded.state, variables = excluded.variables,
		   completed_at = excluded.completed_at`,
		instance.Key, instance.Uid, instance.DefinitionKey, instance.ProcessId, instance.Version,
		string(instance.State), variables, instance.CreatedAt.UnixMilli(), completedAt)
	if err != nil {
		return fmt.Errorf("failed to save case %d: %w", instance.Key, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM case_token WHERE case_key = ?`, instance.Key); err != nil {
		return fmt.Errorf("failed to clear tokens of case %d: %w", instance.Key, err)
	}
	for _, t := range instance.Tokens {
		var dueAt sql.NullInt64
		if t.DueAt != nil {
			dueAt = sql.NullInt64{Int64: t.DueAt.UnixMilli(), Valid: true}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO case_token (key, case_key, node_id, state, arrived_via, arrived_at, due_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			t.Key, t.CaseKey, t.NodeId, string(t.State), t.ArrivedVia, t.ArrivedAt.UnixMilli(), dueAt)
		if err != nil {
			return fmt.Errorf("failed to save token %d of case %d: %w", t.Key, instance.Key, err)
		}
	}
	return nil
}

func (s *Store) FindReportTableDefinitionByKey(ctx context.Context, key int64) (runtime.ReportTableDefinition, error) {
	var def runtime.ReportTableDefinition
	var columns []byte
	var createdAt int64
	var mode string
	err := s.db.QueryRowContext(ctx,
		`SELECT key, uid, name, process_id, mode, columns, created_at FROM report_table_definition WHERE key = ?`, key).
		Scan(&def.Key, &def.Uid, &def.Name, &def.ProcessId, &mode, &columns, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return runtime.ReportTableDefinition{}, storage.ErrNotFound
	}
	if err != nil {
		return runtime.ReportTableDefinition{}, err
	}
	def.Mode = runtime.ProjectionMode(mode)
	def.CreatedAt = time.UnixMilli(createdAt)
	if err := json.Unmarshal(columns, &def.Columns); err != nil {
		return runtime.ReportTableDefinition{}, fmt.Errorf("failed to unmarshal columns of report table %d: %w", key, err)
	}
	return def, nil
}

func (s *Store) SaveReportTableDefinition(ctx context.Context, definition runtime.ReportTableDefinition) error {
	columns, err := json.Marshal(definition.Columns)
	if err != nil {
		return fmt.Errorf("failed to marshal columns of report table %q: %w", definition.Name, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO report_table_definition (key, uid, name, process_id, mode, columns, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET name = excluded.name, mode = excluded.mode, columns = excluded.columns`,
		definition.Key, definition.Uid, definition.Name, definition.ProcessId,
		string(definition.Mode), columns, definition.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save report table %q: %w", definition.Name, err)
	}
	return nil
}

func (s *Store) NewBatch() storage.Batch {
	return &batch{store: s}
}

// batch buffers case writes and flushes them in one transaction.
type batch struct {
	store *Store
	cases []runtime.CaseInstance
}

func (b *batch) SaveCaseInstance(ctx context.Context, instance runtime.CaseInstance) error {
	b.cases = append(b.cases, instance)
	return nil
}

func (b *batch) Flush(ctx context.Context) error {
	if len(b.cases) == 0 {
		return nil
	}
	tx, err := b.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch transaction: %w", err)
	}
	defer tx.Rollback()
	for _, instance := range b.cases {
		if err := saveCaseTx(ctx, tx, instance); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	b.cases = nil
	return nil
}
