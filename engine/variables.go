package engine

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/goccy/go-json"
	"github.com/jrife/grouse/engine/state"
	"github.com/jrife/grouse/protocol"
)

// visibleVariables returns the variables visible from a scope. A
// variable of an inner scope hides one of the same name further out.
func visibleVariables(st *state.State, scopeKey int64) (map[string]json.RawMessage, error) {
	visible := map[string]json.RawMessage{}

	for key := scopeKey; key != 0; {
		_, local := st.LocalVariables(key)

		for name, value := range local {
			if _, ok := visible[name]; !ok {
				visible[name] = value
			}
		}

		instance, err := st.ElementInstance(key)

		if err != nil {
			return nil, err
		}

		if instance == nil {
			break
		}

		key = instance.Value.FlowScopeKey
	}

	return visible, nil
}

// collectVariables decodes the variables visible from a scope
func collectVariables(st *state.State, scopeKey int64) (map[string]interface{}, error) {
	raw, err := visibleVariables(st, scopeKey)

	if err != nil {
		return nil, err
	}

	variables := make(map[string]interface{}, len(raw))

	for name, value := range raw {
		var decoded interface{}

		if err := json.Unmarshal(value, &decoded); err != nil {
			return nil, fmt.Errorf("could not decode variable %q: %w", name, err)
		}

		variables[name] = decoded
	}

	return variables, nil
}

func encodeVariables(variables map[string]interface{}) (map[string]json.RawMessage, error) {
	encoded := make(map[string]json.RawMessage, len(variables))

	for name, value := range variables {
		data, err := json.Marshal(value)

		if err != nil {
			return nil, fmt.Errorf("could not encode variable %q: %w", name, err)
		}

		encoded[name] = data
	}

	return encoded, nil
}

func sortedNames(variables map[string]json.RawMessage) []string {
	names := make([]string, 0, len(variables))

	for name := range variables {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// setVariables merges variables into the scope chain of an element
// instance. A variable that already exists in the chain is updated
// where it lives. New variables are created on the process instance.
func (p *processing) setVariables(scopeKey int64, variables map[string]json.RawMessage) error {
	scope, err := p.instance(scopeKey)

	if err != nil {
		return err
	}

	if scope == nil {
		return fmt.Errorf("variable scope %d does not exist", scopeKey)
	}

	for _, name := range sortedNames(variables) {
		value := variables[name]
		targetKey := scope.Value.ProcessInstanceKey
		intent := protocol.VariableCreated

		for key := scopeKey; key != 0; {
			if existing, ok := p.state.Variable(key, name); ok {
				targetKey = key
				intent = protocol.VariableUpdated

				if bytes.Equal(existing, value) {
					intent = ""
				}

				break
			}

			instance, err := p.state.ElementInstance(key)

			if err != nil {
				return err
			}

			if instance == nil {
				break
			}

			key = instance.Value.FlowScopeKey
		}

		if intent == "" {
			continue
		}

		if err := p.writeVariable(intent, targetKey, scope.Value, name, value); err != nil {
			return err
		}
	}

	return nil
}

// createVariables creates variables local to a scope
func (p *processing) createVariables(scopeKey int64, value protocol.ProcessInstanceRecord, variables map[string]json.RawMessage) error {
	for _, name := range sortedNames(variables) {
		if err := p.writeVariable(protocol.VariableCreated, scopeKey, value, name, variables[name]); err != nil {
			return err
		}
	}

	return nil
}

func (p *processing) writeVariable(intent protocol.Intent, scopeKey int64, owner protocol.ProcessInstanceRecord, name string, value json.RawMessage) error {
	return p.appendEvent(p.nextKey(), intent, &protocol.VariableRecord{
		Name:                 name,
		Value:                value,
		ScopeKey:             scopeKey,
		ProcessInstanceKey:   owner.ProcessInstanceKey,
		ProcessDefinitionKey: owner.ProcessDefinitionKey,
		BpmnProcessID:        owner.BpmnProcessID,
	})
}
