// Package storage defines the persistence boundary of the engine: finders and
// writers for process definitions, case instances (with their tokens) and
// report-table definitions, plus a write batch that makes one engine command
// atomic.
package storage

import (
	"context"
	"errors"

	"github.com/caseflowio/caseflow/pkg/engine/model"
	"github.com/caseflowio/caseflow/pkg/engine/runtime"
)

// ErrNotFound is returned by every finder when no entity matches.
var ErrNotFound = errors.New("not found")

type Storage interface {
	// FindProcessDefinitionByKey returns the definition with the given engine key.
	FindProcessDefinitionByKey(ctx context.Context, key int64) (*model.ProcessDefinition, error)

	// FindProcessDefinition returns one version of a process. Version 0 means latest.
	FindProcessDefinition(ctx context.Context, processId string, version int32) (*model.ProcessDefinition, error)

	// FindProcessDefinitionsById returns all versions of a process, ordered
	// by version ascending.
	FindProcessDefinitionsById(ctx context.Context, processId string) ([]*model.ProcessDefinition, error)

	// ListProcessDefinitions returns the latest version of every process.
	ListProcessDefinitions(ctx context.Context) ([]*model.ProcessDefinition, error)

	// SaveProcessDefinition persists a new definition version. Definitions
	// are immutable; saving an existing key is a caller bug.
	SaveProcessDefinition(ctx context.Context, definition model.ProcessDefinition) error

	// FindCaseInstanceByKey returns the case with its tokens. The Definition
	// field is resolved before the case is returned.
	FindCaseInstanceByKey(ctx context.Context, key int64) (runtime.CaseInstance, error)

	// FindCaseInstanceByUid resolves the externally visible uid.
	FindCaseInstanceByUid(ctx context.Context, uid string) (runtime.CaseInstance, error)

	// FindCaseInstancesByProcessId returns every case of a process, any state.
	FindCaseInstancesByProcessId(ctx context.Context, processId string) ([]runtime.CaseInstance, error)

	// SaveCaseInstance persists the case and its full token set.
	SaveCaseInstance(ctx context.Context, instance runtime.CaseInstance) error

	FindReportTableDefinitionByKey(ctx context.Context, key int64) (runtime.ReportTableDefinition, error)
	SaveReportTableDefinition(ctx context.Context, definition runtime.ReportTableDefinition) error

	// NewBatch returns a write batch. Writes queued on a batch become visible
	// only after Flush, and Flush applies them atomically.
	NewBatch() Batch
}

type Batch interface {
	SaveCaseInstance(ctx context.Context, instance runtime.CaseInstance) error
	Flush(ctx context.Context) error
}
