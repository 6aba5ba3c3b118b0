package model

import (
	"time"
)

// NodeKind is the closed set of node types a process graph may contain.
type NodeKind string

const (
	NodeKindStartEvent        NodeKind = "start"
	NodeKindEndEvent          NodeKind = "end"
	NodeKindTask              NodeKind = "task"
	NodeKindScriptTask        NodeKind = "script"
	NodeKindExclusiveGateway  NodeKind = "exclusive"
	NodeKindParallelGateway   NodeKind = "parallel"
	NodeKindIntermediateEvent NodeKind = "intermediate"
)

// Node is one vertex of the process graph. Kind-specific configuration lives in
// the optional fields: Assignee for tasks, Script for script tasks, Timer for
// intermediate timer events and Required on the start event.
type Node struct {
	Id       string   `json:"id" yaml:"id"`
	Name     string   `json:"name,omitempty" yaml:"name,omitempty"`
	Kind     NodeKind `json:"kind" yaml:"kind"`
	Assignee string   `json:"assignee,omitempty" yaml:"assignee,omitempty"`
	Script   string   `json:"script,omitempty" yaml:"script,omitempty"`
	// Timer holds an ISO-8601 duration (e.g. PT15M) for intermediate events.
	Timer string `json:"timer,omitempty" yaml:"timer,omitempty"`
	// Required lists variables that must be present when a case starts.
	// Only honored on the start event.
	Required []string `json:"required,omitempty" yaml:"required,omitempty"`
}

// Interactive reports whether a token must wait for an external command at
// this node. The dispatch loop halts on interactive nodes only.
func (n Node) Interactive() bool {
	return n.Kind == NodeKindTask || n.Kind == NodeKindIntermediateEvent
}

// Flow is a directed edge between two nodes. Condition is a JS expression over
// case variables; an empty condition is always taken. Default marks the flow
// an exclusive gateway falls back to when no condition matches.
type Flow struct {
	Id        string `json:"id" yaml:"id"`
	From      string `json:"from" yaml:"from"`
	To        string `json:"to" yaml:"to"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
	Default   bool   `json:"default,omitempty" yaml:"default,omitempty"`
}

// ProcessDefinition is one immutable version of a process graph. Instances
// reference it by Key; structural edits produce a new version, never an
// in-place change.
type ProcessDefinition struct {
	ProcessId string    `json:"processId"`
	Version   int32     `json:"version"`
	Key       int64     `json:"key"`
	Name      string    `json:"name"`
	Checksum  string    `json:"checksum"` // sha1 of the deployed source, hex, lower case
	Source    []byte    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`

	Nodes []Node `json:"nodes"`
	Flows []Flow `json:"flows"`

	nodesById map[string]Node
	outgoing  map[string][]Flow
	incoming  map[string][]Flow
}

// index builds the lookup maps. Outgoing and incoming flows keep definition
// order, which the exclusive gateway relies on for deterministic routing.
func (d *ProcessDefinition) index() {
	d.nodesById = make(map[string]Node, len(d.Nodes))
	for _, n := range d.Nodes {
		d.nodesById[n.Id] = n
	}
	d.outgoing = make(map[string][]Flow)
	d.incoming = make(map[string][]Flow)
	for _, f := range d.Flows {
		d.outgoing[f.From] = append(d.outgoing[f.From], f)
		d.incoming[f.To] = append(d.incoming[f.To], f)
	}
}

// NodeById returns the node with the given id, false when absent.
func (d *ProcessDefinition) NodeById(id string) (Node, bool) {
	if d.nodesById == nil {
		d.index()
	}
	n, ok := d.nodesById[id]
	return n, ok
}

// Outgoing returns the flows leaving nodeId in definition order.
func (d *ProcessDefinition) Outgoing(nodeId string) []Flow {
	if d.outgoing == nil {
		d.index()
	}
	return d.outgoing[nodeId]
}

// Incoming returns the flows entering nodeId in definition order.
func (d *ProcessDefinition) Incoming(nodeId string) []Flow {
	if d.incoming == nil {
		d.index()
	}
	return d.incoming[nodeId]
}

// StartNode returns the single start event of the definition. Validation
// guarantees exactly one exists in any deployed definition.
func (d *ProcessDefinition) StartNode() Node {
	for _, n := range d.Nodes {
		if n.Kind == NodeKindStartEvent {
			return n
		}
	}
	panic("definition has no start node, deployed without validation")
}

// DefaultFlow returns the default outgoing flow of a gateway node, nil if none.
func (d *ProcessDefinition) DefaultFlow(nodeId string) *Flow {
	for _, f := range d.Outgoing(nodeId) {
		if f.Default {
			f := f
			return &f
		}
	}
	return nil
}
