package state

import (
	"github.com/jrife/grouse/protocol"
)

// Process is a deployed process version
type Process struct {
	Key           int64  `json:"key"`
	BpmnProcessID string `json:"bpmnProcessId"`
	Version       int    `json:"version"`
	Checksum      uint64 `json:"checksum"`
	ResourceName  string `json:"resourceName"`
	Resource      []byte `json:"resource"`
}

// DecisionRequirements is a deployed DMN resource
type DecisionRequirements struct {
	Key          int64                       `json:"key"`
	ID           string                      `json:"id"`
	Name         string                      `json:"name"`
	Version      int                         `json:"version"`
	Checksum     uint64                      `json:"checksum"`
	ResourceName string                      `json:"resourceName"`
	Resource     []byte                      `json:"resource"`
	Decisions    []protocol.DecisionMetadata `json:"decisions"`
}

// PutProcess stores a process version and makes it the latest
// version of its id
func (state *State) PutProcess(process *Process) error {
	if err := state.put(processesBucket, int64Bytes(process.Key), process); err != nil {
		return err
	}

	return state.putRaw(latestProcessBucket, []byte(process.BpmnProcessID), int64Bytes(process.Key))
}

// Process returns the process version with this key or nil
func (state *State) Process(key int64) (*Process, error) {
	var process Process
	ok, err := state.get(processesBucket, int64Bytes(key), &process)

	if err != nil || !ok {
		return nil, err
	}

	return &process, nil
}

// LatestProcess returns the latest version of a process or nil
func (state *State) LatestProcess(bpmnProcessID string) (*Process, error) {
	key := state.getRaw(latestProcessBucket, []byte(bpmnProcessID))

	if key == nil {
		return nil, nil
	}

	return state.Process(bytesInt64(key))
}

// ProcessVersion returns a specific version of a process or nil
func (state *State) ProcessVersion(bpmnProcessID string, version int) (*Process, error) {
	var found *Process

	err := state.forEachWithPrefix(processesBucket, nil, func(key []byte, value []byte) error {
		if found != nil {
			return nil
		}

		var process Process

		if err := decode(processesBucket, key, value, &process); err != nil {
			return err
		}

		if process.BpmnProcessID == bpmnProcessID && process.Version == version {
			found = &process
		}

		return nil
	})

	return found, err
}

// PutDecisionRequirements stores a DMN resource version, makes it the
// latest version of its id and indexes its decisions
func (state *State) PutDecisionRequirements(requirements *DecisionRequirements) error {
	if err := state.put(decisionRequirementsBucket, int64Bytes(requirements.Key), requirements); err != nil {
		return err
	}

	if err := state.putRaw(latestDecisionRequirementsBk, []byte(requirements.ID), int64Bytes(requirements.Key)); err != nil {
		return err
	}

	for _, decision := range requirements.Decisions {
		if err := state.putRaw(decisionsBucket, []byte(decision.DecisionID), int64Bytes(requirements.Key)); err != nil {
			return err
		}
	}

	return nil
}

// DecisionRequirements returns the DMN resource version with this key
func (state *State) DecisionRequirements(key int64) (*DecisionRequirements, error) {
	var requirements DecisionRequirements
	ok, err := state.get(decisionRequirementsBucket, int64Bytes(key), &requirements)

	if err != nil || !ok {
		return nil, err
	}

	return &requirements, nil
}

// LatestDecisionRequirements returns the latest version of a DMN
// resource or nil
func (state *State) LatestDecisionRequirements(id string) (*DecisionRequirements, error) {
	key := state.getRaw(latestDecisionRequirementsBk, []byte(id))

	if key == nil {
		return nil, nil
	}

	return state.DecisionRequirements(bytesInt64(key))
}

// DecisionRequirementsOf returns the latest DMN resource containing
// the decision or nil
func (state *State) DecisionRequirementsOf(decisionID string) (*DecisionRequirements, error) {
	key := state.getRaw(decisionsBucket, []byte(decisionID))

	if key == nil {
		return nil, nil
	}

	return state.DecisionRequirements(bytesInt64(key))
}
