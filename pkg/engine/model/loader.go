package model

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/senseyeio/duration"
	"gopkg.in/yaml.v3"
)

// definitionDocument is the deploy format: a flat graph description authored
// as JSON (designer export) or YAML (config-as-code).
type definitionDocument struct {
	Id    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Nodes []Node `json:"nodes" yaml:"nodes"`
	Flows []Flow `json:"flows" yaml:"flows"`
}

// InvalidDefinitionError collects every validation failure of a deployed
// document, so authoring tools can show all of them at once.
type InvalidDefinitionError struct {
	Reasons []string
}

func (e *InvalidDefinitionError) Error() string {
	return "invalid process definition: " + strings.Join(e.Reasons, "; ")
}

// ParseDefinition parses and validates a definition document. Version and Key
// are not assigned here; the deploying engine owns those.
func ParseDefinition(source []byte) (*ProcessDefinition, error) {
	var doc definitionDocument
	var err error
	if bytes.HasPrefix(bytes.TrimLeft(source, " \t\r\n"), []byte("{")) {
		err = json.Unmarshal(source, &doc)
	} else {
		err = yaml.Unmarshal(source, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal process definition: %w", err)
	}

	def := &ProcessDefinition{
		ProcessId: doc.Id,
		Name:      doc.Name,
		Checksum:  checksum(source),
		Source:    source,
		Nodes:     doc.Nodes,
		Flows:     doc.Flows,
	}
	def.index()
	if reasons := validate(def); len(reasons) > 0 {
		return nil, &InvalidDefinitionError{Reasons: reasons}
	}
	return def, nil
}

func checksum(source []byte) string {
	sum := sha1.Sum(source)
	return hex.EncodeToString(sum[:])
}

// validate checks the structural invariants of a definition. Runaway routing
// caused by non-interactive cycles is caught here at authoring time; the
// engine only keeps a step bound as a backstop.
func validate(def *ProcessDefinition) (reasons []string) {
	if def.ProcessId == "" {
		reasons = append(reasons, "definition id must not be empty")
	}

	seenNodes := map[string]bool{}
	starts, ends := 0, 0
	for _, n := range def.Nodes {
		if n.Id == "" {
			reasons = append(reasons, "node with empty id")
			continue
		}
		if seenNodes[n.Id] {
			reasons = append(reasons, fmt.Sprintf("duplicate node id %q", n.Id))
		}
		seenNodes[n.Id] = true

		switch n.Kind {
		case NodeKindStartEvent:
			starts++
		case NodeKindEndEvent:
			ends++
		case NodeKindScriptTask:
			if strings.TrimSpace(n.Script) == "" {
				reasons = append(reasons, fmt.Sprintf("script node %q has no script", n.Id))
			}
		case NodeKindIntermediateEvent:
			if _, err := duration.ParseISO8601(n.Timer); err != nil {
				reasons = append(reasons, fmt.Sprintf("intermediate event %q has invalid timer %q", n.Id, n.Timer))
			}
		case NodeKindTask, NodeKindExclusiveGateway, NodeKindParallelGateway:
		default:
			reasons = append(reasons, fmt.Sprintf("node %q has unknown kind %q", n.Id, n.Kind))
		}
	}
	if starts != 1 {
		reasons = append(reasons, fmt.Sprintf("definition must have exactly one start event, found %d", starts))
	}
	if ends < 1 {
		reasons = append(reasons, "definition must have at least one end event")
	}

	seenFlows := map[string]bool{}
	for _, f := range def.Flows {
		if f.Id == "" {
			reasons = append(reasons, "flow with empty id")
			continue
		}
		if seenFlows[f.Id] {
			reasons = append(reasons, fmt.Sprintf("duplicate flow id %q", f.Id))
		}
		seenFlows[f.Id] = true
		if !seenNodes[f.From] {
			reasons = append(reasons, fmt.Sprintf("flow %q references unknown source node %q", f.Id, f.From))
		}
		if !seenNodes[f.To] {
			reasons = append(reasons, fmt.Sprintf("flow %q references unknown target node %q", f.Id, f.To))
		}
		if f.Default {
			if from, ok := def.NodeById(f.From); ok && from.Kind != NodeKindExclusiveGateway {
				reasons = append(reasons, fmt.Sprintf("default flow %q must leave an exclusive gateway", f.Id))
			}
		}
	}

	for _, n := range def.Nodes {
		out := def.Outgoing(n.Id)
		switch n.Kind {
		case NodeKindEndEvent:
			if len(out) != 0 {
				reasons = append(reasons, fmt.Sprintf("end event %q must have no outgoing flows", n.Id))
			}
		case NodeKindExclusiveGateway, NodeKindParallelGateway:
			if len(out) < 1 {
				reasons = append(reasons, fmt.Sprintf("gateway %q must have at least one outgoing flow", n.Id))
			}
			if n.Kind == NodeKindExclusiveGateway {
				defaults := 0
				for _, f := range out {
					if f.Default {
						defaults++
					}
				}
				if defaults > 1 {
					reasons = append(reasons, fmt.Sprintf("exclusive gateway %q has more than one default flow", n.Id))
				}
			}
		default:
			if len(out) != 1 {
				reasons = append(reasons, fmt.Sprintf("node %q must have exactly one outgoing flow, found %d", n.Id, len(out)))
			}
		}
		if n.Kind == NodeKindStartEvent && len(def.Incoming(n.Id)) != 0 {
			reasons = append(reasons, fmt.Sprintf("start event %q must have no incoming flows", n.Id))
		}
	}

	if starts == 1 {
		reasons = append(reasons, unreachableNodes(def)...)
	}
	return reasons
}

// unreachableNodes walks the graph from the start event and reports every
// node a token can never reach.
func unreachableNodes(def *ProcessDefinition) (reasons []string) {
	visited := map[string]bool{}
	stack := []string{def.StartNode().Id}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] {
			continue
		}
		visited[id] = true
		for _, f := range def.Outgoing(id) {
			stack = append(stack, f.To)
		}
	}
	for _, n := range def.Nodes {
		if !visited[n.Id] {
			reasons = append(reasons, fmt.Sprintf("node %q is not reachable from the start event", n.Id))
		}
	}
	return reasons
}
