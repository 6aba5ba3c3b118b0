package engine

import (
	"github.com/caseflowio/caseflow/pkg/engine/model"
	"github.com/caseflowio/caseflow/pkg/engine/runtime"
)

type command interface {
}

// ---------------------------------------------------------------------

// flowTransitionCommand moves control along one flow: the origin token has
// been consumed and a fresh token materializes at the flow's target.
type flowTransitionCommand struct {
	origin runtime.Token
	flow   model.Flow
}

// ---------------------------------------------------------------------

// nodeArrivalCommand asks the loop to execute the node a token sits at.
type nodeArrivalCommand struct {
	tokenKey int64
}
