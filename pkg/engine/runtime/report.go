package runtime

import (
	"fmt"
	"time"
)

// ColumnType is the closed set of scalar types a report-table column can have.
type ColumnType string

const (
	ColumnTypeVarchar  ColumnType = "varchar"
	ColumnTypeInteger  ColumnType = "integer"
	ColumnTypeFloat    ColumnType = "float"
	ColumnTypeBoolean  ColumnType = "boolean"
	ColumnTypeDatetime ColumnType = "datetime"
)

// Column describes one projected column of a report table.
type Column struct {
	Name     string      `json:"name"`
	Type     ColumnType  `json:"type"`
	Size     int         `json:"size,omitempty"` // varchar width hint, 0 = unbounded
	Nullable bool        `json:"nullable"`
	Default  interface{} `json:"default,omitempty"`
	// Variable is the case variable the column is filled from; empty means
	// the column name itself.
	Variable string `json:"variable,omitempty"`
}

// SourceVariable returns the case variable this column projects.
func (c Column) SourceVariable() string {
	if c.Variable != "" {
		return c.Variable
	}
	return c.Name
}

// ProjectionMode selects how many rows a case contributes to the projection.
// Only one-row-per-case is implemented; the enum exists so a per-revision
// mode can be added without changing the storage shape.
type ProjectionMode string

const ProjectionModePerCase ProjectionMode = "per-case"

// ReportTableDefinition is a user-defined relational projection of case
// variables: one row per case of the owning process.
type ReportTableDefinition struct {
	Key       int64          `json:"key"`
	Uid       string         `json:"uid"`
	Name      string         `json:"name"`
	ProcessId string         `json:"processId"`
	Mode      ProjectionMode `json:"mode"`
	Columns   []Column       `json:"columns"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Validate checks column-set invariants: at least one column, unique names,
// known types.
func (d ReportTableDefinition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("report table name must not be empty")
	}
	if d.ProcessId == "" {
		return fmt.Errorf("report table %q must reference a process", d.Name)
	}
	if len(d.Columns) == 0 {
		return fmt.Errorf("report table %q must define at least one column", d.Name)
	}
	seen := map[string]bool{}
	for _, c := range d.Columns {
		if c.Name == "" {
			return fmt.Errorf("report table %q has a column with an empty name", d.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("report table %q has duplicate column %q", d.Name, c.Name)
		}
		seen[c.Name] = true
		switch c.Type {
		case ColumnTypeVarchar, ColumnTypeInteger, ColumnTypeFloat, ColumnTypeBoolean, ColumnTypeDatetime:
		default:
			return fmt.Errorf("report table %q column %q has unknown type %q", d.Name, c.Name, c.Type)
		}
	}
	return nil
}
