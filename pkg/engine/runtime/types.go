package runtime

import (
	"time"

	"github.com/caseflowio/caseflow/pkg/engine/model"
)

// CaseState is the lifecycle state of a case instance.
type CaseState string

const (
	CaseStateRunning   CaseState = "RUNNING"
	CaseStateCompleted CaseState = "COMPLETED"
	CaseStateCancelled CaseState = "CANCELLED"
)

// TokenState tracks one thread of control inside a case.
//
// Active tokens are picked up by the dispatch loop. Waiting tokens rest at an
// interactive node (task or timer event) until an external command arrives.
// Parked tokens sit at a parallel join until every inbound flow has delivered
// one; they are durable, a join may span days of human-task delay.
type TokenState string

const (
	TokenStateActive     TokenState = "ACTIVE"
	TokenStateWaiting    TokenState = "WAITING"
	TokenStateParked     TokenState = "PARKED"
	TokenStateCompleted  TokenState = "COMPLETED"
	TokenStateTerminated TokenState = "TERMINATED"
)

// Alive reports whether the token still counts towards the case being open.
func (s TokenState) Alive() bool {
	return s == TokenStateActive || s == TokenStateWaiting || s == TokenStateParked
}

type Token struct {
	Key     int64      `json:"key"`
	CaseKey int64      `json:"caseKey"`
	NodeId  string     `json:"nodeId"`
	State   TokenState `json:"state"`
	// ArrivedVia is the id of the flow the token travelled to reach NodeId,
	// empty for the initial token at the start event. Parallel joins use it
	// to tell which inbound flows have delivered.
	ArrivedVia string     `json:"arrivedVia,omitempty"`
	ArrivedAt  time.Time  `json:"arrivedAt"`
	DueAt      *time.Time `json:"dueAt,omitempty"` // timer tokens only
}

// CaseInstance is one running instance of a process definition. The engine is
// the only writer; everything handed out through snapshots is a copy.
type CaseInstance struct {
	Definition     *model.ProcessDefinition `json:"-"`
	Key            int64                    `json:"key"`
	Uid            string                   `json:"uid"`
	DefinitionKey  int64                    `json:"definitionKey"`
	ProcessId      string                   `json:"processId"`
	Version        int32                    `json:"version"`
	State          CaseState                `json:"state"`
	VariableHolder VariableHolder           `json:"variables"`
	Tokens         []Token                  `json:"tokens"`
	CreatedAt      time.Time                `json:"createdAt"`
	CompletedAt    *time.Time               `json:"completedAt,omitempty"`
}

func (c *CaseInstance) GetVariable(key string) interface{} {
	return c.VariableHolder.GetVariable(key)
}

func (c *CaseInstance) SetVariable(key string, value interface{}) {
	c.VariableHolder.SetVariable(key, value)
}

// AliveTokens returns tokens in the Active, Waiting or Parked state.
func (c *CaseInstance) AliveTokens() []Token {
	var out []Token
	for _, t := range c.Tokens {
		if t.State.Alive() {
			out = append(out, t)
		}
	}
	return out
}

// PendingTokens returns tokens waiting for an external command.
func (c *CaseInstance) PendingTokens() []Token {
	var out []Token
	for _, t := range c.Tokens {
		if t.State == TokenStateWaiting {
			out = append(out, t)
		}
	}
	return out
}

func (c *CaseInstance) FindToken(key int64) *Token {
	for i := range c.Tokens {
		if c.Tokens[i].Key == key {
			return &c.Tokens[i]
		}
	}
	return nil
}

// ParkedAt returns the parked tokens currently sitting at the given node.
func (c *CaseInstance) ParkedAt(nodeId string) []Token {
	var out []Token
	for _, t := range c.Tokens {
		if t.State == TokenStateParked && t.NodeId == nodeId {
			out = append(out, t)
		}
	}
	return out
}

// Copy returns a deep copy suitable for handing out as a snapshot.
func (c *CaseInstance) Copy() CaseInstance {
	cp := *c
	cp.Tokens = make([]Token, len(c.Tokens))
	copy(cp.Tokens, c.Tokens)
	cp.VariableHolder = NewVariableHolder(nil, nil)
	cp.VariableHolder.SetVariables(c.VariableHolder.Variables())
	return cp
}
