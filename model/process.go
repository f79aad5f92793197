package model

import (
	"github.com/jrife/grouse/protocol"
)

// Process is a compiled, immutable process. It is shared by every
// instance of the deployed version.
type Process struct {
	ID   string
	Name string
	Root *Element

	elements map[string]*Element
}

// Element returns the element the id refers to in the flow. For an
// activity with loop characteristics this is its multi-instance body.
func (process *Process) Element(id string) (*Element, bool) {
	element, ok := process.elements[id]

	return element, ok
}

// ElementOfType returns the element with this id and type. It
// resolves the inner activity of a multi-instance body which shares
// the body's id.
func (process *Process) ElementOfType(id string, elementType protocol.BpmnElementType) (*Element, bool) {
	element, ok := process.elements[id]

	if !ok {
		return nil, false
	}

	if element.Type == elementType {
		return element, true
	}

	if element.Type == protocol.ElementTypeMultiInstanceBody && element.Inner.Type == elementType {
		return element.Inner, true
	}

	return nil, false
}

// Element is one node of a compiled process
type Element struct {
	ID        string
	Name      string
	Type      protocol.BpmnElementType
	FlowScope *Element
	Outgoing  []*SequenceFlow

	// containers: process, sub process, event sub process
	Children          []*Element
	StartEvent        *Element
	EventSubProcesses []*Element

	// activities
	Boundaries []*Element

	// boundary events
	AttachedTo *Element

	// error catch and throw
	ErrorCode    string
	CatchAll     bool
	Interrupting bool

	JobType         string
	CalledProcessID string
	DecisionID      string
	ResultVariable  string

	// multi-instance bodies
	Inner         *Element
	LoopCharacter *LoopCharacteristics
}

// SequenceFlow connects two elements of the same flow scope
type SequenceFlow struct {
	ID     string
	Source *Element
	Target *Element
}

// LoopCharacteristics of a multi-instance body
type LoopCharacteristics struct {
	Sequential bool
	// InputCollection names the variable holding the input list.
	// It is empty when InputLiteral or Cardinality is set.
	InputCollection string
	InputLiteral    []interface{}
	InputElement    string
	Cardinality     int
	// CompletionCount completes the body once this many inner
	// instances completed. Zero waits for all of them.
	CompletionCount int
}

// IsContainer reports whether instances of the element have children
func (element *Element) IsContainer() bool {
	switch element.Type {
	case protocol.ElementTypeProcess, protocol.ElementTypeSubProcess, protocol.ElementTypeEventSubProcess, protocol.ElementTypeMultiInstanceBody:
		return true
	}

	return false
}

// CatchesError reports whether the catch element handles the code
func (element *Element) CatchesError(code string) bool {
	if element.CatchAll {
		return true
	}

	return code != "" && element.ErrorCode == code
}
