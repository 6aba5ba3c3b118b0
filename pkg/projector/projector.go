// Package projector materializes case variables into user-defined relational
// report tables. Each report table is a dynamically shaped SQL table with one
// row per case; the projector owns its DDL and keeps it reconciled with the
// column spec.
package projector

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/caseflowio/caseflow/pkg/engine/runtime"
	"github.com/caseflowio/caseflow/pkg/storage"
)

// SchemaMigrationConflictError is returned when reconciling a backing table
// would drop or retype existing data without explicit confirmation.
type SchemaMigrationConflictError struct {
	Msg string
}

func (e *SchemaMigrationConflictError) Error() string {
	return e.Msg
}

// RowError records a per-case projection failure. Row errors do not abort a
// materialize run; they are collected into the result summary.
type RowError struct {
	CaseKey int64  `json:"caseKey"`
	Column  string `json:"column"`
	Reason  string `json:"reason"`
}

// Result summarizes one materialize run.
type Result struct {
	Rows      int        `json:"rows"`
	RowErrors []RowError `json:"rowErrors,omitempty"`
}

type MigrateOptions struct {
	// ConfirmDestructive permits dropping or retyping existing columns. The
	// backing table is rebuilt and surviving columns are copied over.
	ConfirmDestructive bool
}

type Projector struct {
	store     storage.Storage
	db        *sql.DB
	logger    hclog.Logger
	snowflake *snowflake.Node
}

// New creates a projector over the given store and projection database. The
// database may be the same one the sqlite store uses or a dedicated one.
func New(store storage.Storage, db *sql.DB, logger hclog.Logger) *Projector {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic("can't initialize snowflake ID generator: " + err.Error())
	}
	if logger == nil {
		logger = hclog.Default().Named("caseflow-projector")
	}
	return &Projector{store: store, db: db, logger: logger, snowflake: node}
}

// CreateReportTable validates and persists a definition and creates its
// backing table.
func (p *Projector) CreateReportTable(ctx context.Context, def runtime.ReportTableDefinition) (runtime.ReportTableDefinition, error) {
	if err := def.Validate(); err != nil {
		return runtime.ReportTableDefinition{}, err
	}
	def.Key = p.snowflake.Generate().Int64()
	def.Uid = uuid.NewString()
	if def.Mode == "" {
		def.Mode = runtime.ProjectionModePerCase
	}
	def.CreatedAt = time.Now()
	if err := p.store.SaveReportTableDefinition(ctx, def); err != nil {
		return runtime.ReportTableDefinition{}, err
	}
	if err := p.MigrateSchema(ctx, def.Key, MigrateOptions{}); err != nil {
		return runtime.ReportTableDefinition{}, err
	}
	p.logger.Info("created report table", "name", def.Name, "key", def.Key, "columns", len(def.Columns))
	return def, nil
}

// UpdateColumns replaces the column spec of an existing definition and
// reconciles the backing table.
func (p *Projector) UpdateColumns(ctx context.Context, defKey int64, columns []runtime.Column, opts MigrateOptions) (runtime.ReportTableDefinition, error) {
	def, err := p.store.FindReportTableDefinitionByKey(ctx, defKey)
	if err != nil {
		return runtime.ReportTableDefinition{}, err
	}
	updated := def
	updated.Columns = columns
	if err := updated.Validate(); err != nil {
		return runtime.ReportTableDefinition{}, err
	}
	// reconcile the physical table before saving the new column set
	if err := p.migrate(ctx, updated, opts); err != nil {
		return runtime.ReportTableDefinition{}, err
	}
	if err := p.store.SaveReportTableDefinition(ctx, updated); err != nil {
		return runtime.ReportTableDefinition{}, err
	}
	return updated, nil
}

// GetReportTable returns a stored report table definition.
func (p *Projector) GetReportTable(ctx context.Context, defKey int64) (runtime.ReportTableDefinition, error) {
	return p.store.FindReportTableDefinitionByKey(ctx, defKey)
}

// MigrateSchema reconciles the backing table with the stored column spec:
// missing columns are added, conflicting columns fail unless destructive
// changes are confirmed. Safe to re-run.
func (p *Projector) MigrateSchema(ctx context.Context, defKey int64, opts MigrateOptions) error {
	def, err := p.store.FindReportTableDefinitionByKey(ctx, defKey)
	if err != nil {
		return err
	}
	return p.migrate(ctx, def, opts)
}

func (p *Projector) migrate(ctx context.Context, def runtime.ReportTableDefinition, opts MigrateOptions) error {
	table := tableName(def)
	existing, err := p.tableColumns(ctx, table)
	if err != nil {
		return err
	}
	if existing == nil {
		return p.createTable(ctx, def)
	}

	specCols := map[string]runtime.Column{}
	for _, col := range def.Columns {
		specCols[col.Name] = col
	}

	var conflicts []string
	for name, typ := range existing {
		if name == "case_key" {
			continue
		}
		col, ok := specCols[name]
		if !ok {
			conflicts = append(conflicts, fmt.Sprintf("column %q exists but is no longer specified", name))
			continue
		}
		if !strings.EqualFold(typ, sqlType(col)) {
			conflicts = append(conflicts, fmt.Sprintf("column %q is %s but spec requires %s", name, typ, sqlType(col)))
		}
	}
	if len(conflicts) > 0 && !opts.ConfirmDestructive {
		return &SchemaMigrationConflictError{
			Msg: fmt.Sprintf("report table %q: %s (set confirmDestructive to rebuild)", def.Name, strings.Join(conflicts, "; ")),
		}
	}
	if len(conflicts) > 0 {
		return p.rebuildTable(ctx, def, existing)
	}

	// additive path: create the missing columns
	for _, col := range def.Columns {
		if _, ok := existing[col.Name]; ok {
			continue
		}
		ddl := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, quoteIdent(col.Name), sqlType(col))
		if _, err := p.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to add column %q to %s: %w", col.Name, table, err)
		}
		p.logger.Debug("added report table column", "table", table, "column", col.Name)
	}
	return nil
}

func (p *Projector) createTable(ctx context.Context, def runtime.ReportTableDefinition) error {
	table := tableName(def)
	cols := []string{"case_key INTEGER PRIMARY KEY"}
	for _, col := range def.Columns {
		cols = append(cols, fmt.Sprintf("%s %s", quoteIdent(col.Name), sqlType(col)))
	}
	ddl := fmt.Sprintf(`CREATE TABLE %s (%s)`, table, strings.Join(cols, ", "))
	if _, err := p.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create report table %s: %w", table, err)
	}
	return nil
}

// rebuildTable recreates the backing table for a destructive spec change and
// copies the columns that survive in both shapes.
func (p *Projector) rebuildTable(ctx context.Context, def runtime.ReportTableDefinition, existing map[string]string) error {
	table := tableName(def)
	tmp := table + "_rebuild"

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cols := []string{"case_key INTEGER PRIMARY KEY"}
	var copied []string
	for _, col := range def.Columns {
		cols = append(cols, fmt.Sprintf("%s %s", quoteIdent(col.Name), sqlType(col)))
		if typ, ok := existing[col.Name]; ok && strings.EqualFold(typ, sqlType(col)) {
			copied = append(copied, quoteIdent(col.Name))
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE %s (%s)`, tmp, strings.Join(cols, ", "))); err != nil {
		return fmt.Errorf("failed to create rebuild table: %w", err)
	}
	copyCols := append([]string{"case_key"}, copied...)
	copyList := strings.Join(copyCols, ", ")
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (%s) SELECT %s FROM %s`, tmp, copyList, copyList, table)); err != nil {
		return fmt.Errorf("failed to copy surviving columns: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE %s`, table)); err != nil {
		return fmt.Errorf("failed to drop old table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s RENAME TO %s`, tmp, table)); err != nil {
		return fmt.Errorf("failed to rename rebuild table: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	p.logger.Warn("rebuilt report table with destructive schema change", "table", table)
	return nil
}

// Materialize computes one row per case of the owning process and upserts it
// into the backing table keyed by case key. Missing required variables are
// collected as row errors; the run itself succeeds.
//
// Cases are read one snapshot at a time so a long run never starves the
// engine of its per-case locks.
func (p *Projector) Materialize(ctx context.Context, defKey int64) (Result, error) {
	def, err := p.store.FindReportTableDefinitionByKey(ctx, defKey)
	if err != nil {
		return Result{}, err
	}
	if err := p.migrate(ctx, def, MigrateOptions{}); err != nil {
		return Result{}, err
	}
	cases, err := p.store.FindCaseInstancesByProcessId(ctx, def.ProcessId)
	if err != nil {
		return Result{}, fmt.Errorf("failed to list cases of process %q: %w", def.ProcessId, err)
	}

	table := tableName(def)
	result := Result{}
	for _, instance := range cases {
		values, rowErr := projectRow(def, &instance)
		if rowErr != nil {
			result.RowErrors = append(result.RowErrors, *rowErr)
			continue
		}
		if err := p.upsertRow(ctx, table, def, instance.Key, values); err != nil {
			return result, err
		}
		result.Rows++
	}
	p.logger.Debug("materialized report table", "table", table, "rows", result.Rows, "rowErrors", len(result.RowErrors))
	return result, nil
}

// projectRow computes the column values for one case.
func projectRow(def runtime.ReportTableDefinition, instance *runtime.CaseInstance) (map[string]interface{}, *RowError) {
	variables := instance.VariableHolder.Variables()
	values := make(map[string]interface{}, len(def.Columns))
	for _, col := range def.Columns {
		value, ok := variables[col.SourceVariable()]
		if !ok || value == nil {
			if col.Default != nil {
				coerced, err := coerceValue(col, col.Default)
				if err != nil {
					return nil, &RowError{CaseKey: instance.Key, Column: col.Name, Reason: err.Error()}
				}
				values[col.Name] = coerced
				continue
			}
			if col.Nullable {
				values[col.Name] = nil
				continue
			}
			return nil, &RowError{
				CaseKey: instance.Key,
				Column:  col.Name,
				Reason:  fmt.Sprintf("missing required variable %q", col.SourceVariable()),
			}
		}
		coerced, err := coerceValue(col, value)
		if err != nil {
			return nil, &RowError{CaseKey: instance.Key, Column: col.Name, Reason: err.Error()}
		}
		values[col.Name] = coerced
	}
	return values, nil
}

func (p *Projector) upsertRow(ctx context.Context, table string, def runtime.ReportTableDefinition, caseKey int64, values map[string]interface{}) error {
	names := []string{"case_key"}
	placeholders := []string{"?"}
	args := []interface{}{caseKey}
	var updates []string
	for _, col := range def.Columns {
		names = append(names, quoteIdent(col.Name))
		placeholders = append(placeholders, "?")
		args = append(args, values[col.Name])
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", quoteIdent(col.Name), quoteIdent(col.Name)))
	}
	stmt := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (case_key) DO UPDATE SET %s`,
		table, strings.Join(names, ", "), strings.Join(placeholders, ", "), strings.Join(updates, ", "))
	if _, err := p.db.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("failed to upsert row for case %d into %s: %w", caseKey, table, err)
	}
	return nil
}

// Rows returns every projected row of a report table.
func (p *Projector) Rows(ctx context.Context, defKey int64) ([]map[string]interface{}, error) {
	def, err := p.store.FindReportTableDefinitionByKey(ctx, defKey)
	if err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`SELECT * FROM %s ORDER BY case_key ASC`, tableName(def)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]interface{}
	for rows.Next() {
		scan := make([]interface{}, len(columns))
		for i := range scan {
			scan[i] = new(interface{})
		}
		if err := rows.Scan(scan...); err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(columns))
		for i, name := range columns {
			row[name] = *(scan[i].(*interface{}))
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// tableColumns returns name -> declared type for an existing table, nil when
// the table does not exist.
func (p *Projector) tableColumns(ctx context.Context, table string) (map[string]string, error) {
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var cid int
		var name, typ string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		out[name] = typ
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

var identPattern = regexp.MustCompile(`[^a-z0-9_]+`)

// tableName derives the physical table name from the definition name:
// lowercased, sanitized, rpt_ prefix.
func tableName(def runtime.ReportTableDefinition) string {
	name := identPattern.ReplaceAllString(strings.ToLower(def.Name), "_")
	return "rpt_" + strings.Trim(name, "_")
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, ``) + `"`
}
