package state

import (
	"errors"
	"fmt"

	"github.com/jrife/grouse/protocol"
)

// ErrIllegalTransition is returned by appliers when an event would
// move an element instance backwards in its lifecycle
var ErrIllegalTransition = errors.New("illegal lifecycle transition")

var lifecycle = map[protocol.Intent][]protocol.Intent{
	"":                          {protocol.ElementActivating},
	protocol.ElementActivating:  {protocol.ElementActivated, protocol.ElementTerminating},
	protocol.ElementActivated:   {protocol.ElementCompleting, protocol.ElementTerminating},
	protocol.ElementCompleting:  {protocol.ElementCompleted, protocol.ElementTerminating},
	protocol.ElementTerminating: {protocol.ElementTerminated},
}

// CheckTransition returns ErrIllegalTransition unless an instance in
// state from may move to state to
func CheckTransition(from protocol.Intent, to protocol.Intent) error {
	for _, next := range lifecycle[from] {
		if next == to {
			return nil
		}
	}

	return fmt.Errorf("%s -> %s: %w", from, to, ErrIllegalTransition)
}

// ElementInstance is one activation of an element. Instances are
// stored by key and refer to their flow scope by key.
type ElementInstance struct {
	Key   int64                          `json:"key"`
	State protocol.Intent                `json:"state"`
	Value protocol.ProcessInstanceRecord `json:"value"`

	JobKey         int64 `json:"jobKey,omitempty"`
	IncidentKey    int64 `json:"incidentKey,omitempty"`
	CalledChildKey int64 `json:"calledChildKey,omitempty"`
	// InterruptedBy is the interrupting event sub process that
	// replaces the instance's flow. No other child is activated
	// once it is set.
	InterruptedBy string `json:"interruptedBy,omitempty"`

	// multi-instance bodies
	LoopCardinality   int `json:"loopCardinality,omitempty"`
	ActivatedChildren int `json:"activatedChildren,omitempty"`
	CompletedChildren int `json:"completedChildren,omitempty"`
}

// IsActive reports whether the instance can still make progress
// on its own
func (instance *ElementInstance) IsActive() bool {
	switch instance.State {
	case protocol.ElementActivating, protocol.ElementActivated, protocol.ElementCompleting:
		return true
	}

	return false
}

// ElementInstance returns the instance with this key or nil
func (state *State) ElementInstance(key int64) (*ElementInstance, error) {
	var instance ElementInstance
	ok, err := state.get(elementInstancesBucket, int64Bytes(key), &instance)

	if err != nil || !ok {
		return nil, err
	}

	return &instance, nil
}

// CreateElementInstance stores a new instance and indexes it under
// its flow scope
func (state *State) CreateElementInstance(instance *ElementInstance) error {
	if err := state.put(elementInstancesBucket, int64Bytes(instance.Key), instance); err != nil {
		return err
	}

	if instance.Value.FlowScopeKey == 0 {
		return nil
	}

	return state.putRaw(childrenBucket, childKey(instance.Value.FlowScopeKey, instance.Key), []byte{1})
}

// UpdateElementInstance stores a changed instance
func (state *State) UpdateElementInstance(instance *ElementInstance) error {
	return state.put(elementInstancesBucket, int64Bytes(instance.Key), instance)
}

// RemoveElementInstance removes an instance along with its index
// entry, local variables, subscriptions and trigger
func (state *State) RemoveElementInstance(instance *ElementInstance) error {
	if err := state.delete(elementInstancesBucket, int64Bytes(instance.Key)); err != nil {
		return err
	}

	if instance.Value.FlowScopeKey != 0 {
		if err := state.delete(childrenBucket, childKey(instance.Value.FlowScopeKey, instance.Key)); err != nil {
			return err
		}
	}

	if err := state.DeleteVariables(instance.Key); err != nil {
		return err
	}

	if err := state.DeleteSubscriptions(instance.Key); err != nil {
		return err
	}

	return state.DeleteTrigger(instance.Key)
}

// Children returns the keys of the instances whose flow scope is
// key, in key order
func (state *State) Children(key int64) []int64 {
	var children []int64

	state.forEachWithPrefix(childrenBucket, int64Bytes(key), func(k []byte, v []byte) error {
		children = append(children, bytesInt64(k[8:]))

		return nil
	})

	return children
}

// ChildCount returns the number of instances whose flow scope is key
func (state *State) ChildCount(key int64) int {
	return len(state.Children(key))
}

func childKey(parent int64, child int64) []byte {
	return append(int64Bytes(parent), int64Bytes(child)...)
}
