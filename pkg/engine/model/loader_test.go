package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const simpleProcessJson = `{
  "id": "order-fulfilment",
  "name": "Order fulfilment",
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

const simpleProcessYaml = `
id: order-fulfilment
name: Order fulfilment
nodes:
  - id: start
    kind: start
  - id: review
    kind: task
  - id: end
    kind: end
flows:
  - id: f1
    from: start
    to: review
  - id: f2
    from: review
    to: end
`

func TestParseJsonDefinition(t *testing.T) {
	def, err := ParseDefinition([]byte(simpleProcessJson))

	require.NoError(t, err)
	assert.Equal(t, "order-fulfilment", def.ProcessId)
	assert.Equal(t, "Order fulfilment", def.Name)
	assert.Len(t, def.Nodes, 3)
	assert.Len(t, def.Flows, 2)
	assert.NotEmpty(t, def.Checksum)
	assert.Equal(t, "start", def.StartNode().Id)
}

func TestParseYamlDefinition(t *testing.T) {
	def, err := ParseDefinition([]byte(simpleProcessYaml))

	require.NoError(t, err)
	assert.Equal(t, "order-fulfilment", def.ProcessId)
	assert.Len(t, def.Nodes, 3)
}

func TestChecksumIsStablePerDocument(t *testing.T) {
	a, err := ParseDefinition([]byte(simpleProcessJson))
	require.NoError(t, err)
	b, err := ParseDefinition([]byte(simpleProcessJson))
	require.NoError(t, err)
	c, err := ParseDefinition([]byte(simpleProcessYaml))
	require.NoError(t, err)

	assert.Equal(t, a.Checksum, b.Checksum)
	assert.NotEqual(t, a.Checksum, c.Checksum)
}

func TestOutgoingFlowsKeepDefinitionOrder(t *testing.T) {
	def, err := ParseDefinition([]byte(`{
	  "id": "routing",
	  "nodes": [
	    {"id": "start", "kind": "start"},
	    {"id": "route", "kind": "exclusive"},
	    {"id": "a", "kind": "end"},
	    {"id": "b", "kind": "end"}
	  ],
	  "flows": [
	    {"id": "f1", "from": "start", "to": "route"},
	    {"id": "f2", "from": "route", "to": "a", "condition": "x > 1"},
	    {"id": "f3", "from": "route", "to": "b", "condition": "x > 0"}
	  ]
	}`))
	require.NoError(t, err)

	out := def.Outgoing("route")
	require.Len(t, out, 2)
	assert.Equal(t, "f2", out[0].Id)
	assert.Equal(t, "f3", out[1].Id)
}

func TestValidationCollectsAllReasons(t *testing.T) {
	_, err := ParseDefinition([]byte(`{
	  "id": "",
	  "nodes": [
	    {"id": "a", "kind": "task"},
	    {"id": "a", "kind": "task"}
	  ],
	  "flows": [
	    {"id": "f1", "from": "a", "to": "missing"}
	  ]
	}`))

	require.Error(t, err)
	var invalid *InvalidDefinitionError
	require.ErrorAs(t, err, &invalid)
	reasons := strings.Join(invalid.Reasons, "\n")
	assert.Contains(t, reasons, "definition id must not be empty")
	assert.Contains(t, reasons, `duplicate node id "a"`)
	assert.Contains(t, reasons, `unknown target node "missing"`)
	assert.Contains(t, reasons, "exactly one start event")
	assert.Contains(t, reasons, "at least one end event")
}

func TestValidationRejectsScriptNodeWithoutScript(t *testing.T) {
	_, err := ParseDefinition([]byte(`{
	  "id": "p",
	  "nodes": [
	    {"id": "start", "kind": "start"},
	    {"id": "calc", "kind": "script"},
	    {"id": "end", "kind": "end"}
	  ],
	  "flows": [
	    {"id": "f1", "from": "start", "to": "calc"},
	    {"id": "f2", "from": "calc", "to": "end"}
	  ]
	}`))

	var invalid *InvalidDefinitionError
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Error(), `script node "calc" has no script`)
}

func TestValidationRejectsInvalidTimer(t *testing.T) {
	_, err := ParseDefinition([]byte(`{
	  "id": "p",
	  "nodes": [
	    {"id": "start", "kind": "start"},
	    {"id": "wait", "kind": "intermediate", "timer": "tomorrow"},
	    {"id": "end", "kind": "end"}
	  ],
	  "flows": [
	    {"id": "f1", "from": "start", "to": "wait"},
	    {"id": "f2", "from": "wait", "to": "end"}
	  ]
	}`))

	var invalid *InvalidDefinitionError
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Error(), `invalid timer "tomorrow"`)
}

func TestValidationRejectsDefaultFlowOutsideExclusiveGateway(t *testing.T) {
	_, err := ParseDefinition([]byte(`{
	  "id": "p",
	  "nodes": [
	    {"id": "start", "kind": "start"},
	    {"id": "work", "kind": "task"},
	    {"id": "end", "kind": "end"}
	  ],
	  "flows": [
	    {"id": "f1", "from": "start", "to": "work"},
	    {"id": "f2", "from": "work", "to": "end", "default": true}
	  ]
	}`))

	var invalid *InvalidDefinitionError
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Error(), `default flow "f2" must leave an exclusive gateway`)
}

func TestValidationReportsUnreachableNodes(t *testing.T) {
	_, err := ParseDefinition([]byte(`{
	  "id": "p",
	  "nodes": [
	    {"id": "start", "kind": "start"},
	    {"id": "end", "kind": "end"},
	    {"id": "island", "kind": "task"},
	    {"id": "islandEnd", "kind": "end"}
	  ],
	  "flows": [
	    {"id": "f1", "from": "start", "to": "end"},
	    {"id": "f2", "from": "island", "to": "islandEnd"}
	  ]
	}`))

	var invalid *InvalidDefinitionError
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Error(), `node "island" is not reachable`)
}

func TestValidationRejectsMultipleDefaults(t *testing.T) {
	_, err := ParseDefinition([]byte(`{
	  "id": "p",
	  "nodes": [
	    {"id": "start", "kind": "start"},
	    {"id": "route", "kind": "exclusive"},
	    {"id": "a", "kind": "end"},
	    {"id": "b", "kind": "end"}
	  ],
	  "flows": [
	    {"id": "f1", "from": "start", "to": "route"},
	    {"id": "f2", "from": "route", "to": "a", "default": true},
	    {"id": "f3", "from": "route", "to": "b", "default": true}
	  ]
	}`))

	var invalid *InvalidDefinitionError
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Error(), `more than one default flow`)
}

func TestParseRejectsMalformedJson(t *testing.T) {
	_, err := ParseDefinition([]byte(`{"id": "p",`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to unmarshal")
}
