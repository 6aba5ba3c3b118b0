// Package engine advances cases through a process graph: it starts cases,
// applies task completions, evaluates gateway routing and persists every
// state transition atomically through a storage batch.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/caseflowio/caseflow/pkg/engine/model"
	"github.com/caseflowio/caseflow/pkg/engine/runtime"
	"github.com/caseflowio/caseflow/pkg/engine/script"
	"github.com/caseflowio/caseflow/pkg/storage"
)

// DefaultMaxDispatchSteps bounds the dispatch loop of a single command. A
// well-formed definition never comes close; the bound turns a runaway cycle
// into a RoutingLoopDetected failure instead of a hang.
const DefaultMaxDispatchSteps = 10_000

type Engine struct {
	name             string
	logger           hclog.Logger
	snowflake        *snowflake.Node
	persistence      storage.Storage
	scripts          *script.Runtime
	locks            *caseLocks
	tracer           trace.Tracer
	maxDispatchSteps int
}

type EngineOption = func(*Engine)

// NewEngine creates an engine on top of the given storage.
func NewEngine(persistence storage.Storage, options ...EngineOption) *Engine {
	engine := &Engine{
		name:             fmt.Sprintf("caseflow-engine-%d", getGlobalSnowflakeIdGenerator().Generate().Int64()),
		logger:           hclog.Default().Named("caseflow-engine"),
		snowflake:        getGlobalSnowflakeIdGenerator(),
		persistence:      persistence,
		scripts:          script.NewRuntime(),
		locks:            newCaseLocks(),
		tracer:           otel.Tracer("caseflow-engine"),
		maxDispatchSteps: DefaultMaxDispatchSteps,
	}
	for _, option := range options {
		option(engine)
	}
	return engine
}

func EngineWithName(name string) EngineOption {
	return func(engine *Engine) {
		engine.name = name
	}
}

func EngineWithLogger(logger hclog.Logger) EngineOption {
	return func(engine *Engine) {
		engine.logger = logger
	}
}

func EngineWithMaxDispatchSteps(steps int) EngineOption {
	return func(engine *Engine) {
		if steps > 0 {
			engine.maxDispatchSteps = steps
		}
	}
}

// Name returns the name of the engine, only useful in case you control multiple ones
func (e *Engine) Name() string {
	return e.name
}

// DeployDefinition parses, validates and persists a definition document.
// Deploying a document whose checksum matches the latest stored version
// returns that version instead of minting a new one.
func (e *Engine) DeployDefinition(ctx context.Context, source []byte) (*model.ProcessDefinition, error) {
	def, err := model.ParseDefinition(source)
	if err != nil {
		var invalid *model.InvalidDefinitionError
		if errors.As(err, &invalid) {
			return nil, &EngineError{Code: ErrCodeInvalidDefinition, Msg: invalid.Error(), Err: invalid}
		}
		return nil, &EngineError{Code: ErrCodeInvalidDefinition, Msg: "failed to parse definition", Err: err}
	}

	existing, err := e.persistence.FindProcessDefinitionsById(ctx, def.ProcessId)
	if err != nil {
		return nil, fmt.Errorf("failed to look up prior versions of %s: %w", def.ProcessId, err)
	}
	if len(existing) > 0 {
		latest := existing[len(existing)-1]
		if latest.Checksum == def.Checksum {
			e.logger.Debug("deploy matched existing version", "processId", def.ProcessId, "version", latest.Version)
			return latest, nil
		}
		def.Version = latest.Version + 1
	} else {
		def.Version = 1
	}
	def.Key = e.generateKey()
	def.CreatedAt = time.Now()

	if err := e.persistence.SaveProcessDefinition(ctx, *def); err != nil {
		return nil, fmt.Errorf("failed to save definition %s version %d: %w", def.ProcessId, def.Version, err)
	}
	e.logger.Info("deployed process definition", "processId", def.ProcessId, "version", def.Version, "key", def.Key)
	return def, nil
}

// StartCase creates a case with a single token at the start event, merges the
// initial variables and runs the dispatch loop until every token rests at an
// interactive node or the case completes.
func (e *Engine) StartCase(ctx context.Context, processId string, version int32, initialVariables map[string]interface{}) (retInstance runtime.CaseInstance, retErr error) {
	ctx, span := e.tracer.Start(ctx, "StartCase", trace.WithAttributes(
		attribute.String("processId", processId),
		attribute.Int("version", int(version)),
	))
	defer func() { endSpan(span, retErr) }()

	def, err := e.persistence.FindProcessDefinition(ctx, processId, version)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return runtime.CaseInstance{}, newEngineErrorf(ErrCodeDefinitionNotFound,
				"no definition found for process %q version %d", processId, version)
		}
		return runtime.CaseInstance{}, fmt.Errorf("failed to load definition %s: %w", processId, err)
	}

	start := def.StartNode()
	var missing []string
	for _, name := range start.Required {
		if _, ok := initialVariables[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return runtime.CaseInstance{}, newEngineErrorf(ErrCodeInvalidInitialVariables,
			"missing required variables %v for process %q", missing, processId)
	}

	now := time.Now()
	instance := runtime.CaseInstance{
		Definition:     def,
		Key:            e.generateKey(),
		Uid:            uuid.NewString(),
		DefinitionKey:  def.Key,
		ProcessId:      def.ProcessId,
		Version:        def.Version,
		State:          runtime.CaseStateRunning,
		VariableHolder: runtime.NewVariableHolder(nil, nil),
		CreatedAt:      now,
	}
	instance.VariableHolder.SetVariables(initialVariables)
	instance.Tokens = []runtime.Token{{
		Key:       e.generateKey(),
		CaseKey:   instance.Key,
		NodeId:    start.Id,
		State:     runtime.TokenStateActive,
		ArrivedAt: now,
	}}

	unlock := e.locks.lock(instance.Key)
	defer unlock()

	if err := e.run(ctx, &instance); err != nil {
		return runtime.CaseInstance{}, err
	}
	if err := e.flush(ctx, instance); err != nil {
		return runtime.CaseInstance{}, err
	}
	e.metrics().casesStarted.Inc()
	e.logger.Debug("started case", "caseKey", instance.Key, "processId", processId, "state", instance.State)
	return instance.Copy(), nil
}

// CompleteTask applies the output variables of a finished task (later writes
// for the same key win), advances the token and re-runs the dispatch loop.
func (e *Engine) CompleteTask(ctx context.Context, caseKey int64, tokenKey int64, outputVariables map[string]interface{}) (retInstance runtime.CaseInstance, retErr error) {
	ctx, span := e.tracer.Start(ctx, "CompleteTask", trace.WithAttributes(
		attribute.Int64("caseKey", caseKey),
		attribute.Int64("tokenKey", tokenKey),
	))
	defer func() { endSpan(span, retErr) }()

	unlock := e.locks.lock(caseKey)
	defer unlock()

	instance, err := e.loadRunningCase(ctx, caseKey)
	if err != nil {
		return runtime.CaseInstance{}, err
	}

	token := instance.FindToken(tokenKey)
	if token == nil || !token.State.Alive() {
		return runtime.CaseInstance{}, newEngineErrorf(ErrCodeTokenNotActive,
			"token %d is not active in case %d", tokenKey, caseKey)
	}
	node, _ := instance.Definition.NodeById(token.NodeId)
	if token.State != runtime.TokenStateWaiting || node.Kind != model.NodeKindTask {
		return runtime.CaseInstance{}, newEngineErrorf(ErrCodeInvalidTransition,
			"token %d rests at %s node %q, not at a task", tokenKey, node.Kind, token.NodeId)
	}

	instance.VariableHolder.SetVariables(outputVariables)
	e.resumeToken(&instance, token)

	if err := e.run(ctx, &instance); err != nil {
		return runtime.CaseInstance{}, err
	}
	if err := e.flush(ctx, instance); err != nil {
		return runtime.CaseInstance{}, err
	}
	e.metrics().tasksCompleted.Inc()
	return instance.Copy(), nil
}

// FireTimer advances a token waiting at an intermediate timer event whose due
// time has passed.
func (e *Engine) FireTimer(ctx context.Context, caseKey int64, tokenKey int64) (retInstance runtime.CaseInstance, retErr error) {
	ctx, span := e.tracer.Start(ctx, "FireTimer", trace.WithAttributes(
		attribute.Int64("caseKey", caseKey),
		attribute.Int64("tokenKey", tokenKey),
	))
	defer func() { endSpan(span, retErr) }()

	unlock := e.locks.lock(caseKey)
	defer unlock()

	instance, err := e.loadRunningCase(ctx, caseKey)
	if err != nil {
		return runtime.CaseInstance{}, err
	}

	token := instance.FindToken(tokenKey)
	if token == nil || !token.State.Alive() {
		return runtime.CaseInstance{}, newEngineErrorf(ErrCodeTokenNotActive,
			"token %d is not active in case %d", tokenKey, caseKey)
	}
	node, _ := instance.Definition.NodeById(token.NodeId)
	if token.State != runtime.TokenStateWaiting || node.Kind != model.NodeKindIntermediateEvent {
		return runtime.CaseInstance{}, newEngineErrorf(ErrCodeInvalidTransition,
			"token %d rests at %s node %q, not at an intermediate event", tokenKey, node.Kind, token.NodeId)
	}
	if token.DueAt != nil && time.Now().Before(*token.DueAt) {
		return runtime.CaseInstance{}, newEngineErrorf(ErrCodeInvalidTransition,
			"timer of token %d is not due until %s", tokenKey, token.DueAt.Format(time.RFC3339))
	}

	e.resumeToken(&instance, token)

	if err := e.run(ctx, &instance); err != nil {
		return runtime.CaseInstance{}, err
	}
	if err := e.flush(ctx, instance); err != nil {
		return runtime.CaseInstance{}, err
	}
	return instance.Copy(), nil
}

// CancelCase terminates every alive token and marks the case Cancelled.
// Cancelling an already-cancelled case is a no-op success.
func (e *Engine) CancelCase(ctx context.Context, caseKey int64) (retInstance runtime.CaseInstance, retErr error) {
	ctx, span := e.tracer.Start(ctx, "CancelCase", trace.WithAttributes(
		attribute.Int64("caseKey", caseKey),
	))
	defer func() { endSpan(span, retErr) }()

	unlock := e.locks.lock(caseKey)
	defer unlock()

	instance, err := e.loadCase(ctx, caseKey)
	if err != nil {
		return runtime.CaseInstance{}, err
	}
	switch instance.State {
	case runtime.CaseStateCancelled:
		return instance, nil
	case runtime.CaseStateCompleted:
		return runtime.CaseInstance{}, newEngineErrorf(ErrCodeCaseNotRunning,
			"case %d already completed, cannot cancel", caseKey)
	}

	for i := range instance.Tokens {
		if instance.Tokens[i].State.Alive() {
			instance.Tokens[i].State = runtime.TokenStateTerminated
		}
	}
	now := time.Now()
	instance.State = runtime.CaseStateCancelled
	instance.CompletedAt = &now

	if err := e.flush(ctx, instance); err != nil {
		return runtime.CaseInstance{}, err
	}
	e.metrics().casesCancelled.Inc()
	e.logger.Info("cancelled case", "caseKey", caseKey)
	return instance.Copy(), nil
}

// CaseSnapshot returns a read-only copy of the case. It does not take the
// per-case lock; a snapshot racing a mutating command observes either the
// pre- or the post-transition state, never a partial one.
func (e *Engine) CaseSnapshot(ctx context.Context, caseKey int64) (runtime.CaseInstance, error) {
	return e.loadCase(ctx, caseKey)
}

// CaseSnapshotByUid resolves the externally visible case uid.
func (e *Engine) CaseSnapshotByUid(ctx context.Context, uid string) (runtime.CaseInstance, error) {
	instance, err := e.persistence.FindCaseInstanceByUid(ctx, uid)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return runtime.CaseInstance{}, newEngineErrorf(ErrCodeCaseNotFound, "no case with uid %q", uid)
		}
		return runtime.CaseInstance{}, fmt.Errorf("failed to load case %s: %w", uid, err)
	}
	return instance, nil
}

// CaseVariables returns the variable bindings of a case.
func (e *Engine) CaseVariables(ctx context.Context, caseKey int64) (map[string]interface{}, error) {
	instance, err := e.loadCase(ctx, caseKey)
	if err != nil {
		return nil, err
	}
	return instance.VariableHolder.Variables(), nil
}

// GetDefinition returns one version of a process definition, version 0 = latest.
func (e *Engine) GetDefinition(ctx context.Context, processId string, version int32) (*model.ProcessDefinition, error) {
	def, err := e.persistence.FindProcessDefinition(ctx, processId, version)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, newEngineErrorf(ErrCodeDefinitionNotFound,
				"no definition found for process %q version %d", processId, version)
		}
		return nil, err
	}
	return def, nil
}

// FindDefinitionsById returns all versions of a process, oldest first.
func (e *Engine) FindDefinitionsById(ctx context.Context, processId string) ([]*model.ProcessDefinition, error) {
	return e.persistence.FindProcessDefinitionsById(ctx, processId)
}

// ListDefinitions returns the latest version of every deployed process.
func (e *Engine) ListDefinitions(ctx context.Context) ([]*model.ProcessDefinition, error) {
	return e.persistence.ListProcessDefinitions(ctx)
}

func (e *Engine) loadCase(ctx context.Context, caseKey int64) (runtime.CaseInstance, error) {
	instance, err := e.persistence.FindCaseInstanceByKey(ctx, caseKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return runtime.CaseInstance{}, newEngineErrorf(ErrCodeCaseNotFound, "no case with key %d", caseKey)
		}
		return runtime.CaseInstance{}, fmt.Errorf("failed to load case %d: %w", caseKey, err)
	}
	return instance, nil
}

func (e *Engine) loadRunningCase(ctx context.Context, caseKey int64) (runtime.CaseInstance, error) {
	instance, err := e.loadCase(ctx, caseKey)
	if err != nil {
		return runtime.CaseInstance{}, err
	}
	if instance.State != runtime.CaseStateRunning {
		return runtime.CaseInstance{}, newEngineErrorf(ErrCodeCaseNotRunning,
			"case %d is %s", caseKey, instance.State)
	}
	return instance, nil
}

// flush persists the instance through a single batch, making the whole
// command durable or not at all.
func (e *Engine) flush(ctx context.Context, instance runtime.CaseInstance) error {
	batch := e.persistence.NewBatch()
	if err := batch.SaveCaseInstance(ctx, instance); err != nil {
		return fmt.Errorf("failed to add case %d to batch: %w", instance.Key, err)
	}
	if err := batch.Flush(ctx); err != nil {
		return fmt.Errorf("failed to flush batch for case %d: %w", instance.Key, err)
	}
	return nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
