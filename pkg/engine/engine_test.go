package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caseflowio/caseflow/pkg/engine/model"
	"github.com/caseflowio/caseflow/pkg/engine/runtime"
	"github.com/caseflowio/caseflow/pkg/storage/inmemory"
)

const reviewProcess = `{
  "id": "review",
  "name": "Review",
  "nodes": [
    {"id": "start", "kind": "start"},
    {"id": "review", "kind": "task", "assignee": "clerk"},
    {"id": "end", "kind": "end"}
  ],
  "flows": [
    {"id": "f1", "from": "start", "to": "review"},
    {"id": "f2", "from": "review", "to": "end"}
  ]
}`

const scriptedProcess = `{
  "id": "scripted",
  "nodes": [
    {"id": "start", "kind": "start"},
    {"id": "calc", "kind": "script", "script": "return { total: vars.price * vars.qty };"},
    {"id": "end", "kind": "end"}
  ],
  "flows": [
    {"id": "f1", "from": "start", "to": "calc"},
    {"id": "f2", "from": "calc", "to": "end"}
  ]
}`

func newTestEngine(t *testing.T, options ...EngineOption) (*Engine, *inmemory.Store) {
	t.Helper()
	store := inmemory.NewStore()
	return NewEngine(store, options...), store
}

func deploy(t *testing.T, e *Engine, source string) *model.ProcessDefinition {
	t.Helper()
	def, err := e.DeployDefinition(context.Background(), []byte(source))
	require.NoError(t, err)
	return def
}

func TestStartCaseRunsAutomaticNodesToCompletion(t *testing.T) {
	e, _ := newTestEngine(t)
	deploy(t, e, scriptedProcess)

	instance, err := e.StartCase(context.Background(), "scripted", 0,
		map[string]interface{}{"price": 4, "qty": 3})

	require.NoError(t, err)
	assert.Equal(t, runtime.CaseStateCompleted, instance.State)
	assert.Empty(t, instance.AliveTokens())
	assert.NotNil(t, instance.CompletedAt)
	assert.Equal(t, int64(12), instance.GetVariable("total"))
}

func TestStartCaseWaitsAtTask(t *testing.T) {
	e, _ := newTestEngine(t)
	deploy(t, e, reviewProcess)

	instance, err := e.StartCase(context.Background(), "review", 0, nil)

	require.NoError(t, err)
	assert.Equal(t, runtime.CaseStateRunning, instance.State)
	pending := instance.PendingTokens()
	require.Len(t, pending, 1)
	assert.Equal(t, "review", pending[0].NodeId)
	assert.NotEmpty(t, instance.Uid)
}

func TestStartCaseUnknownDefinition(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.StartCase(context.Background(), "nope", 0, nil)

	assert.Equal(t, ErrCodeDefinitionNotFound, CodeOf(err))
}

func TestStartCaseMissingRequiredVariables(t *testing.T) {
	e, store := newTestEngine(t)
	deploy(t, e, `{
	  "id": "strict",
	  "nodes": [
	    {"id": "start", "kind": "start", "required": ["customerId", "amount"]},
	    {"id": "end", "kind": "end"}
	  ],
	  "flows": [{"id": "f1", "from": "start", "to": "end"}]
	}`)

	_, err := e.StartCase(context.Background(), "strict", 0,
		map[string]interface{}{"customerId": "c-1"})

	assert.Equal(t, ErrCodeInvalidInitialVariables, CodeOf(err))
	assert.Contains(t, err.Error(), "amount")

	// nothing was persisted for the failed start
	cases, err := store.FindCaseInstancesByProcessId(context.Background(), "strict")
	require.NoError(t, err)
	assert.Empty(t, cases)
}

func TestDeployAssignsSequentialVersions(t *testing.T) {
	e, _ := newTestEngine(t)

	v1 := deploy(t, e, reviewProcess)
	assert.Equal(t, int32(1), v1.Version)

	// identical source redeploys the existing version
	again := deploy(t, e, reviewProcess)
	assert.Equal(t, v1.Version, again.Version)
	assert.Equal(t, v1.Key, again.Key)

	changed := deploy(t, e, `{
	  "id": "review",
	  "name": "Review v2",
	  "nodes": [
	    {"id": "start", "kind": "start"},
	    {"id": "review", "kind": "task"},
	    {"id": "end", "kind": "end"}
	  ],
	  "flows": [
	    {"id": "f1", "from": "start", "to": "review"},
	    {"id": "f2", "from": "review", "to": "end"}
	  ]
	}`)
	assert.Equal(t, int32(2), changed.Version)

	latest, err := e.GetDefinition(context.Background(), "review", 0)
	require.NoError(t, err)
	assert.Equal(t, int32(2), latest.Version)
}

func TestDeployInvalidDefinition(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.DeployDefinition(context.Background(), []byte(`{"id": "p", "nodes": [], "flows": []}`))

	assert.Equal(t, ErrCodeInvalidDefinition, CodeOf(err))
}

func TestStartCasePinnedVersion(t *testing.T) {
	e, _ := newTestEngine(t)
	deploy(t, e, scriptedProcess)
	deploy(t, e, `{
	  "id": "scripted",
	  "nodes": [
	    {"id": "start", "kind": "start"},
	    {"id": "calc", "kind": "script", "script": "return { total: 0 };"},
	    {"id": "end", "kind": "end"}
	  ],
	  "flows": [
	    {"id": "f1", "from": "start", "to": "calc"},
	    {"id": "f2", "from": "calc", "to": "end"}
	  ]
	}`)

	pinned, err := e.StartCase(context.Background(), "scripted", 1,
		map[string]interface{}{"price": 2, "qty": 5})
	require.NoError(t, err)
	assert.Equal(t, int32(1), pinned.Version)
	assert.Equal(t, int64(10), pinned.GetVariable("total"))

	latest, err := e.StartCase(context.Background(), "scripted", 0,
		map[string]interface{}{"price": 2, "qty": 5})
	require.NoError(t, err)
	assert.Equal(t, int32(2), latest.Version)
	assert.Equal(t, int64(0), latest.GetVariable("total"))
}

func TestCompleteTaskMergesVariablesAndCompletesCase(t *testing.T) {
	e, _ := newTestEngine(t)
	deploy(t, e, reviewProcess)
	instance, err := e.StartCase(context.Background(), "review", 0,
		map[string]interface{}{"amount": 100, "note": "initial"})
	require.NoError(t, err)
	token := instance.PendingTokens()[0]

	updated, err := e.CompleteTask(context.Background(), instance.Key, token.Key,
		map[string]interface{}{"note": "reviewed", "approved": true})

	require.NoError(t, err)
	assert.Equal(t, runtime.CaseStateCompleted, updated.State)
	assert.Equal(t, 100, updated.GetVariable("amount"))
	assert.Equal(t, "reviewed", updated.GetVariable("note"))
	assert.Equal(t, true, updated.GetVariable("approved"))
}

func TestCompleteTaskTwice(t *testing.T) {
	e, _ := newTestEngine(t)
	deploy(t, e, reviewProcess)
	instance, err := e.StartCase(context.Background(), "review", 0, nil)
	require.NoError(t, err)
	token := instance.PendingTokens()[0]

	_, err = e.CompleteTask(context.Background(), instance.Key, token.Key, nil)
	require.NoError(t, err)

	_, err = e.CompleteTask(context.Background(), instance.Key, token.Key, nil)
	assert.Equal(t, ErrCodeCaseNotRunning, CodeOf(err))
}

func TestCompleteTaskUnknownToken(t *testing.T) {
	e, _ := newTestEngine(t)
	deploy(t, e, reviewProcess)
	instance, err := e.StartCase(context.Background(), "review", 0, nil)
	require.NoError(t, err)

	_, err = e.CompleteTask(context.Background(), instance.Key, 424242, nil)

	assert.Equal(t, ErrCodeTokenNotActive, CodeOf(err))
}

func TestCompleteTaskOnCancelledCase(t *testing.T) {
	e, _ := newTestEngine(t)
	deploy(t, e, reviewProcess)
	instance, err := e.StartCase(context.Background(), "review", 0,
		map[string]interface{}{"amount": 1})
	require.NoError(t, err)
	token := instance.PendingTokens()[0]

	_, err = e.CancelCase(context.Background(), instance.Key)
	require.NoError(t, err)

	_, err = e.CompleteTask(context.Background(), instance.Key, token.Key,
		map[string]interface{}{"amount": 999})
	assert.Equal(t, ErrCodeCaseNotRunning, CodeOf(err))

	// the rejected completion left the variables alone
	vars, err := e.CaseVariables(context.Background(), instance.Key)
	require.NoError(t, err)
	assert.Equal(t, 1, vars["amount"])
}

func TestCancelCase(t *testing.T) {
	e, _ := newTestEngine(t)
	deploy(t, e, reviewProcess)
	instance, err := e.StartCase(context.Background(), "review", 0, nil)
	require.NoError(t, err)

	cancelled, err := e.CancelCase(context.Background(), instance.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.CaseStateCancelled, cancelled.State)
	assert.Empty(t, cancelled.AliveTokens())
	assert.NotNil(t, cancelled.CompletedAt)

	// cancelling again is a no-op success
	again, err := e.CancelCase(context.Background(), instance.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.CaseStateCancelled, again.State)
}

func TestCancelCompletedCase(t *testing.T) {
	e, _ := newTestEngine(t)
	deploy(t, e, scriptedProcess)
	instance, err := e.StartCase(context.Background(), "scripted", 0,
		map[string]interface{}{"price": 1, "qty": 1})
	require.NoError(t, err)

	_, err = e.CancelCase(context.Background(), instance.Key)

	assert.Equal(t, ErrCodeCaseNotRunning, CodeOf(err))
}

func TestFireTimer(t *testing.T) {
	e, _ := newTestEngine(t)
	deploy(t, e, `{
	  "id": "timed",
	  "nodes": [
	    {"id": "start", "kind": "start"},
	    {"id": "wait", "kind": "intermediate", "timer": "PT0S"},
	    {"id": "end", "kind": "end"}
	  ],
	  "flows": [
	    {"id": "f1", "from": "start", "to": "wait"},
	    {"id": "f2", "from": "wait", "to": "end"}
	  ]
	}`)
	instance, err := e.StartCase(context.Background(), "timed", 0, nil)
	require.NoError(t, err)
	token := instance.PendingTokens()[0]
	require.NotNil(t, token.DueAt)

	updated, err := e.FireTimer(context.Background(), instance.Key, token.Key)

	require.NoError(t, err)
	assert.Equal(t, runtime.CaseStateCompleted, updated.State)
}

func TestFireTimerBeforeDue(t *testing.T) {
	e, _ := newTestEngine(t)
	deploy(t, e, `{
	  "id": "slow",
	  "nodes": [
	    {"id": "start", "kind": "start"},
	    {"id": "wait", "kind": "intermediate", "timer": "PT1H"},
	    {"id": "end", "kind": "end"}
	  ],
	  "flows": [
	    {"id": "f1", "from": "start", "to": "wait"},
	    {"id": "f2", "from": "wait", "to": "end"}
	  ]
	}`)
	instance, err := e.StartCase(context.Background(), "slow", 0, nil)
	require.NoError(t, err)
	token := instance.PendingTokens()[0]

	_, err = e.FireTimer(context.Background(), instance.Key, token.Key)

	assert.Equal(t, ErrCodeInvalidTransition, CodeOf(err))
	assert.Contains(t, err.Error(), "not due")
}

func TestFireTimerOnTaskToken(t *testing.T) {
	e, _ := newTestEngine(t)
	deploy(t, e, reviewProcess)
	instance, err := e.StartCase(context.Background(), "review", 0, nil)
	require.NoError(t, err)
	token := instance.PendingTokens()[0]

	_, err = e.FireTimer(context.Background(), instance.Key, token.Key)

	assert.Equal(t, ErrCodeInvalidTransition, CodeOf(err))
}

func TestRoutingLoopDetected(t *testing.T) {
	e, store := newTestEngine(t, EngineWithMaxDispatchSteps(50))
	deploy(t, e, `{
	  "id": "loop",
	  "nodes": [
	    {"id": "start", "kind": "start"},
	    {"id": "bump", "kind": "script", "script": "vars.i = (vars.i || 0) + 1;"},
	    {"id": "check", "kind": "exclusive"},
	    {"id": "end", "kind": "end"}
	  ],
	  "flows": [
	    {"id": "f1", "from": "start", "to": "bump"},
	    {"id": "f2", "from": "bump", "to": "check"},
	    {"id": "f3", "from": "check", "to": "bump", "condition": "true"},
	    {"id": "f4", "from": "check", "to": "end", "default": true}
	  ]
	}`)

	_, err := e.StartCase(context.Background(), "loop", 0, nil)

	assert.Equal(t, ErrCodeRoutingLoopDetected, CodeOf(err))

	// the failed command must not leave a half-routed case behind
	cases, ferr := store.FindCaseInstancesByProcessId(context.Background(), "loop")
	require.NoError(t, ferr)
	assert.Empty(t, cases)
}

func TestCaseSnapshotByUid(t *testing.T) {
	e, _ := newTestEngine(t)
	deploy(t, e, reviewProcess)
	instance, err := e.StartCase(context.Background(), "review", 0, nil)
	require.NoError(t, err)

	byUid, err := e.CaseSnapshotByUid(context.Background(), instance.Uid)
	require.NoError(t, err)
	assert.Equal(t, instance.Key, byUid.Key)

	_, err = e.CaseSnapshotByUid(context.Background(), "no-such-uid")
	assert.Equal(t, ErrCodeCaseNotFound, CodeOf(err))
}

func TestConcurrentTaskCompletionsAreSerialized(t *testing.T) {
	e, _ := newTestEngine(t)
	deploy(t, e, `{
	  "id": "fanout",
	  "nodes": [
	    {"id": "start", "kind": "start"},
	    {"id": "split", "kind": "parallel"},
	    {"id": "a", "kind": "task"},
	    {"id": "b", "kind": "task"},
	    {"id": "join", "kind": "parallel"},
	    {"id": "end", "kind": "end"}
	  ],
	  "flows": [
	    {"id": "f1", "from": "start", "to": "split"},
	    {"id": "f2", "from": "split", "to": "a"},
	    {"id": "f3", "from": "split", "to": "b"},
	    {"id": "f4", "from": "a", "to": "join"},
	    {"id": "f5", "from": "b", "to": "join"},
	    {"id": "f6", "from": "join", "to": "end"}
	  ]
	}`)
	instance, err := e.StartCase(context.Background(), "fanout", 0, nil)
	require.NoError(t, err)
	pending := instance.PendingTokens()
	require.Len(t, pending, 2)

	var wg sync.WaitGroup
	for i, token := range pending {
		wg.Add(1)
		go func(i int, tokenKey int64) {
			defer wg.Done()
			vars := map[string]interface{}{pending[i].NodeId + "_done": true}
			_, err := e.CompleteTask(context.Background(), instance.Key, tokenKey, vars)
			assert.NoError(t, err)
		}(i, token.Key)
	}
	wg.Wait()

	final, err := e.CaseSnapshot(context.Background(), instance.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.CaseStateCompleted, final.State)
	assert.Equal(t, true, final.GetVariable("a_done"))
	assert.Equal(t, true, final.GetVariable("b_done"))
}
