package engine

import (
	"github.com/caseflowio/caseflow/pkg/engine/model"
	"github.com/caseflowio/caseflow/pkg/engine/runtime"
)

// selectExclusiveRoute picks the outgoing flow of an exclusive gateway.
// Conditions are evaluated in definition order and the first true one wins,
// which makes overlapping conditions deterministic. An empty condition on a
// non-default flow counts as always true. When nothing matches, the default
// flow is taken; without one the route fails.
func (e *Engine) selectExclusiveRoute(def *model.ProcessDefinition, nodeId string, variables map[string]interface{}) (model.Flow, error) {
	flows := def.Outgoing(nodeId)
	for _, flow := range flows {
		if flow.Default {
			continue
		}
		if flow.Condition == "" {
			return flow, nil
		}
		matched, err := e.scripts.EvaluateCondition(flow.Condition, variables)
		if err != nil {
			return model.Flow{}, &ExpressionEvaluationError{
				Msg: "failed to evaluate condition of flow " + flow.Id,
				Err: err,
			}
		}
		if matched {
			return flow, nil
		}
	}
	if defaultFlow := def.DefaultFlow(nodeId); defaultFlow != nil {
		return *defaultFlow, nil
	}
	return model.Flow{}, newEngineErrorf(ErrCodeNoMatchingRoute,
		"no condition matched and no default flow on gateway %q", nodeId)
}

// handleParallelGateway implements both directions of the parallel gateway.
// With more than one inbound flow the gateway is a join: the token parks until
// every inbound flow has delivered one, then all parked tokens are consumed
// and exactly one transition leaves per outgoing flow. Otherwise it is a
// split (or a pass-through) that fans the token out.
//
// Parked tokens are persisted with the rest of the case, so a partially
// arrived join survives restarts and arbitrarily long human-task delays.
func (e *Engine) handleParallelGateway(instance *runtime.CaseInstance, node model.Node, token *runtime.Token) []command {
	inbound := instance.Definition.Incoming(node.Id)
	if len(inbound) > 1 {
		token.State = runtime.TokenStateParked
		arrived := map[string]bool{}
		for _, parked := range instance.ParkedAt(node.Id) {
			arrived[parked.ArrivedVia] = true
		}
		for _, flow := range inbound {
			if !arrived[flow.Id] {
				return nil // keep waiting for the missing branches
			}
		}
		// consume one parked token per inbound flow; a branch that delivered
		// twice keeps its surplus token parked for the next join round
		for _, flow := range inbound {
			for i := range instance.Tokens {
				t := &instance.Tokens[i]
				if t.State == runtime.TokenStateParked && t.NodeId == node.Id && t.ArrivedVia == flow.Id {
					t.State = runtime.TokenStateCompleted
					break
				}
			}
		}
	} else {
		token.State = runtime.TokenStateCompleted
	}

	flows := instance.Definition.Outgoing(node.Id)
	cmds := make([]command, 0, len(flows))
	for _, flow := range flows {
		cmds = append(cmds, flowTransitionCommand{origin: *token, flow: flow})
	}
	return cmds
}
