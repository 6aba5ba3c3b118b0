package runtime

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVariableHolderLaterWritesWin(t *testing.T) {
	vh := NewVariableHolder(nil, nil)

	vh.SetVariables(map[string]interface{}{"a": 1, "b": "x"})
	vh.SetVariables(map[string]interface{}{"b": "y", "c": true})

	assert.Equal(t, 1, vh.GetVariable("a"))
	assert.Equal(t, "y", vh.GetVariable("b"))
	assert.Equal(t, true, vh.GetVariable("c"))
}

func TestVariableHolderChildScope(t *testing.T) {
	parent := NewVariableHolder(nil, map[string]interface{}{"a": 1})
	child := NewVariableHolder(&parent, nil)

	child.SetVariable("b", 2)

	// child reads through to the parent, parent stays isolated
	assert.Equal(t, 1, child.GetVariable("a"))
	assert.Nil(t, parent.GetVariable("b"))

	child.PropagateVariables()
	assert.Equal(t, 2, parent.GetVariable("b"))
}

func TestVariableHolderJsonRoundTrip(t *testing.T) {
	vh := NewVariableHolder(nil, map[string]interface{}{"amount": 12.5, "approved": true})

	data, err := json.Marshal(vh)
	require.NoError(t, err)

	var restored VariableHolder
	require.NoError(t, json.Unmarshal(data, &restored))
	assert.Equal(t, 12.5, restored.GetVariable("amount"))
	assert.Equal(t, true, restored.GetVariable("approved"))
}

func TestCaseInstanceCopyIsDeep(t *testing.T) {
	instance := CaseInstance{
		Key:            1,
		State:          CaseStateRunning,
		VariableHolder: NewVariableHolder(nil, map[string]interface{}{"a": 1}),
		Tokens:         []Token{{Key: 10, State: TokenStateWaiting, NodeId: "review"}},
	}

	cp := instance.Copy()
	cp.Tokens[0].State = TokenStateCompleted
	cp.SetVariable("a", 2)

	assert.Equal(t, TokenStateWaiting, instance.Tokens[0].State)
	assert.Equal(t, 1, instance.GetVariable("a"))
}

func TestTokenStateAlive(t *testing.T) {
	assert.True(t, TokenStateActive.Alive())
	assert.True(t, TokenStateWaiting.Alive())
	assert.True(t, TokenStateParked.Alive())
	assert.False(t, TokenStateCompleted.Alive())
	assert.False(t, TokenStateTerminated.Alive())
}
