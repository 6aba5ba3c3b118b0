package engine

import (
	"context"
	"time"

	"github.com/senseyeio/duration"

	"github.com/caseflowio/caseflow/pkg/engine/model"
	"github.com/caseflowio/caseflow/pkg/engine/runtime"
)

// run is the dispatch loop. It drains a command queue seeded from the case's
// active tokens until every alive token rests at an interactive node or the
// case is closed. All mutations happen on the in-memory instance; the caller
// persists them in one batch, so a failed run leaves no partial state behind.
func (e *Engine) run(ctx context.Context, instance *runtime.CaseInstance) error {
	var queue []command
	for _, t := range instance.Tokens {
		if t.State == runtime.TokenStateActive {
			queue = append(queue, nodeArrivalCommand{tokenKey: t.Key})
		}
	}

	steps := 0
	for len(queue) > 0 {
		steps++
		if steps > e.maxDispatchSteps {
			return newEngineErrorf(ErrCodeRoutingLoopDetected,
				"case %d exceeded %d dispatch steps, definition %s version %d likely contains a non-interactive cycle",
				instance.Key, e.maxDispatchSteps, instance.ProcessId, instance.Version)
		}

		cmd := queue[0]
		queue = queue[1:]

		switch tCmd := cmd.(type) {
		case flowTransitionCommand:
			token := runtime.Token{
				Key:        e.generateKey(),
				CaseKey:    instance.Key,
				NodeId:     tCmd.flow.To,
				State:      runtime.TokenStateActive,
				ArrivedVia: tCmd.flow.Id,
				ArrivedAt:  time.Now(),
			}
			instance.Tokens = append(instance.Tokens, token)
			queue = append(queue, nodeArrivalCommand{tokenKey: token.Key})
		case nodeArrivalCommand:
			next, err := e.handleNode(ctx, instance, tCmd.tokenKey)
			if err != nil {
				return err
			}
			queue = append(queue, next...)
		default:
			panic("[invariant check] command type check not fully implemented")
		}
	}

	e.metrics().dispatchSteps.Observe(float64(steps))
	return nil
}

// handleNode executes the node the token arrived at and returns the follow-up
// commands. Interactive nodes park or suspend the token and return nothing.
func (e *Engine) handleNode(ctx context.Context, instance *runtime.CaseInstance, tokenKey int64) ([]command, error) {
	token := instance.FindToken(tokenKey)
	node, ok := instance.Definition.NodeById(token.NodeId)
	if !ok {
		return nil, newEngineErrorf(ErrCodeInvalidTransition,
			"token %d references node %q missing from definition %s", token.Key, token.NodeId, instance.ProcessId)
	}

	switch node.Kind {
	case model.NodeKindStartEvent:
		return e.advance(instance, token), nil

	case model.NodeKindTask:
		token.State = runtime.TokenStateWaiting
		return nil, nil

	case model.NodeKindIntermediateEvent:
		token.State = runtime.TokenStateWaiting
		d, err := duration.ParseISO8601(node.Timer)
		if err != nil {
			// validated at deploy time, kept as a backstop
			return nil, newEngineErrorf(ErrCodeInvalidTransition,
				"intermediate event %q has invalid timer %q", node.Id, node.Timer)
		}
		due := d.Shift(token.ArrivedAt)
		token.DueAt = &due
		return nil, nil

	case model.NodeKindScriptTask:
		merged, err := e.scripts.RunScript(node.Script, instance.VariableHolder.Variables())
		if err != nil {
			return nil, &ExpressionEvaluationError{
				Msg: "failed to run script of node " + node.Id,
				Err: err,
			}
		}
		instance.VariableHolder.SetVariables(merged)
		return e.advance(instance, token), nil

	case model.NodeKindExclusiveGateway:
		flow, err := e.selectExclusiveRoute(instance.Definition, node.Id, instance.VariableHolder.Variables())
		if err != nil {
			return nil, err
		}
		token.State = runtime.TokenStateCompleted
		return []command{flowTransitionCommand{origin: *token, flow: flow}}, nil

	case model.NodeKindParallelGateway:
		return e.handleParallelGateway(instance, node, token), nil

	case model.NodeKindEndEvent:
		token.State = runtime.TokenStateCompleted
		if len(instance.AliveTokens()) == 0 {
			now := time.Now()
			instance.State = runtime.CaseStateCompleted
			instance.CompletedAt = &now
			e.metrics().casesCompleted.Inc()
		}
		return nil, nil
	}

	panic("[invariant check] node kind handling not fully implemented: " + string(node.Kind))
}

// advance consumes the token and emits one transition per outgoing flow.
// Non-gateway nodes have exactly one outgoing flow (deploy-time invariant).
func (e *Engine) advance(instance *runtime.CaseInstance, token *runtime.Token) []command {
	token.State = runtime.TokenStateCompleted
	flows := instance.Definition.Outgoing(token.NodeId)
	cmds := make([]command, 0, len(flows))
	for _, flow := range flows {
		cmds = append(cmds, flowTransitionCommand{origin: *token, flow: flow})
	}
	return cmds
}

// resumeToken consumes a waiting token after an external command and places a
// fresh active token on each outgoing flow. The next run() picks them up.
func (e *Engine) resumeToken(instance *runtime.CaseInstance, token *runtime.Token) {
	for _, cmd := range e.advance(instance, token) {
		transition := cmd.(flowTransitionCommand)
		instance.Tokens = append(instance.Tokens, runtime.Token{
			Key:        e.generateKey(),
			CaseKey:    instance.Key,
			NodeId:     transition.flow.To,
			State:      runtime.TokenStateActive,
			ArrivedVia: transition.flow.Id,
			ArrivedAt:  time.Now(),
		})
	}
}
