package state

import (
	"github.com/goccy/go-json"
)

// SetVariable stores the JSON encoded value of a variable in a scope
func (state *State) SetVariable(scopeKey int64, name string, value json.RawMessage) error {
	return state.putRaw(variablesBucket, compositeKey(scopeKey, name), value)
}

// Variable returns the value of a variable local to the scope
func (state *State) Variable(scopeKey int64, name string) (json.RawMessage, bool) {
	data := state.getRaw(variablesBucket, compositeKey(scopeKey, name))

	if data == nil {
		return nil, false
	}

	return append(json.RawMessage(nil), data...), true
}

// LocalVariables returns the variables of a scope in name order
func (state *State) LocalVariables(scopeKey int64) ([]string, map[string]json.RawMessage) {
	var names []string
	values := map[string]json.RawMessage{}

	state.forEachWithPrefix(variablesBucket, int64Bytes(scopeKey), func(key []byte, value []byte) error {
		name := string(key[8:])
		names = append(names, name)
		values[name] = append(json.RawMessage(nil), value...)

		return nil
	})

	return names, values
}

// DeleteVariables removes every variable of a scope
func (state *State) DeleteVariables(scopeKey int64) error {
	names, _ := state.LocalVariables(scopeKey)

	for _, name := range names {
		if err := state.delete(variablesBucket, compositeKey(scopeKey, name)); err != nil {
			return err
		}
	}

	return nil
}
