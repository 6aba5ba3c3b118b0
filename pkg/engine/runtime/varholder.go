package runtime

import "encoding/json"

// VariableHolder keeps the variable bindings of a case. A holder may have a
// parent to form a temporary child scope (script tasks evaluate in one), in
// which case writes stay local until propagated.
type VariableHolder struct {
	parent         *VariableHolder
	localVariables map[string]interface{}
}

// NewVariableHolder creates a holder with the given parent and initial
// variables. A nil variables map starts the holder off with a copy of the
// parent's bindings.
func NewVariableHolder(parent *VariableHolder, variables map[string]interface{}) VariableHolder {
	if variables == nil {
		variables = make(map[string]interface{})
		if parent != nil {
			for k, v := range parent.localVariables {
				variables[k] = v
			}
		}
	}
	return VariableHolder{
		parent:         parent,
		localVariables: variables,
	}
}

func (vh *VariableHolder) Variables() map[string]interface{} {
	if vh.localVariables == nil {
		vh.localVariables = make(map[string]interface{})
	}
	return vh.localVariables
}

func (vh *VariableHolder) GetVariable(key string) interface{} {
	if v, ok := vh.localVariables[key]; ok {
		return v
	}
	if vh.parent != nil {
		return vh.parent.GetVariable(key)
	}
	return nil
}

func (vh *VariableHolder) SetVariable(key string, val interface{}) {
	if vh.localVariables == nil {
		vh.localVariables = make(map[string]interface{})
	}
	vh.localVariables[key] = val
}

// SetVariables merges the given map into the holder, later writes for the
// same key win.
func (vh *VariableHolder) SetVariables(variables map[string]interface{}) {
	for k, v := range variables {
		vh.SetVariable(k, v)
	}
}

// PropagateVariables copies the holder's local bindings into the parent.
func (vh *VariableHolder) PropagateVariables() {
	if vh.parent == nil {
		return
	}
	for k, v := range vh.localVariables {
		vh.parent.SetVariable(k, v)
	}
}

func (vh VariableHolder) MarshalJSON() ([]byte, error) {
	return json.Marshal(vh.localVariables)
}

func (vh *VariableHolder) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &vh.localVariables)
}
