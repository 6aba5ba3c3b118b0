// Package inmemory provides a map-backed Storage used by tests and by
// embedded single-process deployments that can afford to lose state.
package inmemory

import (
	"context"
	"sort"
	"sync"

	"github.com/caseflowio/caseflow/pkg/engine/model"
	"github.com/caseflowio/caseflow/pkg/engine/runtime"
	"github.com/caseflowio/caseflow/pkg/storage"
)

type Store struct {
	mu          sync.RWMutex
	definitions map[int64]model.ProcessDefinition
	cases       map[int64]runtime.CaseInstance
	caseByUid   map[string]int64
	reports     map[int64]runtime.ReportTableDefinition
}

var _ storage.Storage = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		definitions: map[int64]model.ProcessDefinition{},
		cases:       map[int64]runtime.CaseInstance{},
		caseByUid:   map[string]int64{},
		reports:     map[int64]runtime.ReportTableDefinition{},
	}
}

func (s *Store) FindProcessDefinitionByKey(ctx context.Context, key int64) (*model.ProcessDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.definitions[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &def, nil
}

func (s *Store) FindProcessDefinition(ctx context.Context, processId string, version int32) (*model.ProcessDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *model.ProcessDefinition
	for key := range s.definitions {
		def := s.definitions[key]
		if def.ProcessId != processId {
			continue
		}
		if version != 0 && def.Version == version {
			return &def, nil
		}
		if version == 0 && (best == nil || def.Version > best.Version) {
			d := def
			best = &d
		}
	}
	if best == nil {
		return nil, storage.ErrNotFound
	}
	return best, nil
}

func (s *Store) FindProcessDefinitionsById(ctx context.Context, processId string) ([]*model.ProcessDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.ProcessDefinition
	for key := range s.definitions {
		def := s.definitions[key]
		if def.ProcessId == processId {
			d := def
			out = append(out, &d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *Store) ListProcessDefinitions(ctx context.Context) ([]*model.ProcessDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	latest := map[string]model.ProcessDefinition{}
	for _, def := range s.definitions {
		if cur, ok := latest[def.ProcessId]; !ok || def.Version > cur.Version {
			latest[def.ProcessId] = def
		}
	}
	out := make([]*model.ProcessDefinition, 0, len(latest))
	for id := range latest {
		def := latest[id]
		out = append(out, &def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProcessId < out[j].ProcessId })
	return out, nil
}

func (s *Store) SaveProcessDefinition(ctx context.Context, definition model.ProcessDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.definitions[definition.Key] = definition
	return nil
}

func (s *Store) FindCaseInstanceByKey(ctx context.Context, key int64) (runtime.CaseInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findCaseLocked(key)
}

func (s *Store) FindCaseInstanceByUid(ctx context.Context, uid string) (runtime.CaseInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.caseByUid[uid]
	if !ok {
		return runtime.CaseInstance{}, storage.ErrNotFound
	}
	return s.findCaseLocked(key)
}

func (s *Store) findCaseLocked(key int64) (runtime.CaseInstance, error) {
	instance, ok := s.cases[key]
	if !ok {
		return runtime.CaseInstance{}, storage.ErrNotFound
	}
	cp := instance.Copy()
	if def, ok := s.definitions[instance.DefinitionKey]; ok {
		cp.Definition = &def
	}
	return cp, nil
}

func (s *Store) FindCaseInstancesByProcessId(ctx context.Context, processId string) ([]runtime.CaseInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []int64
	for key, instance := range s.cases {
		if instance.ProcessId == processId {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	out := make([]runtime.CaseInstance, 0, len(keys))
	for _, key := range keys {
		cp, err := s.findCaseLocked(key)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func (s *Store) SaveCaseInstance(ctx context.Context, instance runtime.CaseInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveCaseLocked(instance)
	return nil
}

func (s *Store) saveCaseLocked(instance runtime.CaseInstance) {
	cp := instance.Copy()
	cp.Definition = nil
	s.cases[instance.Key] = cp
	s.caseByUid[instance.Uid] = instance.Key
}

func (s *Store) FindReportTableDefinitionByKey(ctx context.Context, key int64) (runtime.ReportTableDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.reports[key]
	if !ok {
		return runtime.ReportTableDefinition{}, storage.ErrNotFound
	}
	return def, nil
}

func (s *Store) SaveReportTableDefinition(ctx context.Context, definition runtime.ReportTableDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[definition.Key] = definition
	return nil
}

func (s *Store) NewBatch() storage.Batch {
	return &batch{store: s}
}

// batch queues case writes and applies them under one lock acquisition, so a
// reader never observes a half-flushed command.
type batch struct {
	store *Store
	cases []runtime.CaseInstance
}

func (b *batch) SaveCaseInstance(ctx context.Context, instance runtime.CaseInstance) error {
	b.cases = append(b.cases, instance.Copy())
	return nil
}

func (b *batch) Flush(ctx context.Context) error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	for _, instance := range b.cases {
		b.store.saveCaseLocked(instance)
	}
	b.cases = nil
	return nil
}
