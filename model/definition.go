// Package model parses process definitions and compiles them into
// the immutable element graphs the engine executes
package model

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Element kinds accepted in definition files
const (
	KindStartEvent       = "startEvent"
	KindEndEvent         = "endEvent"
	KindServiceTask      = "serviceTask"
	KindBusinessRuleTask = "businessRuleTask"
	KindSubProcess       = "subProcess"
	KindEventSubProcess  = "eventSubProcess"
	KindCallActivity     = "callActivity"
	KindBoundaryEvent    = "boundaryEvent"
)

// Definition is the document form of a process
type Definition struct {
	ID       string              `yaml:"id"`
	Name     string              `yaml:"name,omitempty"`
	Elements []ElementDefinition `yaml:"elements"`
}

// ElementDefinition is the document form of one flow element.
// Which fields apply depends on Type.
type ElementDefinition struct {
	ID       string   `yaml:"id"`
	Type     string   `yaml:"type"`
	Name     string   `yaml:"name,omitempty"`
	Outgoing []string `yaml:"outgoing,omitempty"`

	// service task
	JobType string `yaml:"jobType,omitempty"`

	// end event (throw), boundary event and event sub process start
	// event (catch)
	ErrorCode string `yaml:"errorCode,omitempty"`
	CatchAll  bool   `yaml:"catchAll,omitempty"`

	// boundary event and event sub process
	AttachedTo   string `yaml:"attachedTo,omitempty"`
	Interrupting *bool  `yaml:"interrupting,omitempty"`

	// call activity
	ProcessID string `yaml:"processId,omitempty"`

	// business rule task
	DecisionID     string `yaml:"decisionId,omitempty"`
	ResultVariable string `yaml:"resultVariable,omitempty"`

	MultiInstance *MultiInstanceDefinition `yaml:"multiInstance,omitempty"`

	// sub process and event sub process
	Elements []ElementDefinition `yaml:"elements,omitempty"`
}

// MultiInstanceDefinition describes the loop characteristics of an
// activity. The input collection is either the name of a variable
// holding a list or a JSON list literal such as "[1,2,3]".
type MultiInstanceDefinition struct {
	Sequential      bool   `yaml:"sequential,omitempty"`
	InputCollection string `yaml:"inputCollection,omitempty"`
	InputElement    string `yaml:"inputElement,omitempty"`
	Cardinality     int    `yaml:"cardinality,omitempty"`
	CompletionCount int    `yaml:"completionCount,omitempty"`
}

// Parse decodes a definition document. Unknown fields are errors.
func Parse(data []byte) (*Definition, error) {
	var definition Definition
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	if err := decoder.Decode(&definition); err != nil {
		return nil, fmt.Errorf("could not decode process definition: %w", err)
	}

	return &definition, nil
}

// Load parses and compiles a definition document
func Load(data []byte) (*Process, error) {
	definition, err := Parse(data)

	if err != nil {
		return nil, err
	}

	return Compile(definition)
}
