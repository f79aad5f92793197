package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/jrife/grouse/protocol"
	"go.uber.org/multierr"
)

// ErrInvalidProcess wraps every problem found while compiling
var ErrInvalidProcess = errors.New("invalid process")

// Compile validates a definition and builds its element graph. All
// problems found are reported together.
func Compile(definition *Definition) (*Process, error) {
	compiler := &compiler{elements: map[string]*Element{}}

	if definition.ID == "" {
		compiler.fail("process id is required")
	}

	root := &Element{ID: definition.ID, Name: definition.Name, Type: protocol.ElementTypeProcess}
	compiler.elements[root.ID] = root
	compiler.compileScope(root, definition.Elements)

	if compiler.err != nil {
		return nil, fmt.Errorf("%s: %w", definition.ID, multierr.Append(ErrInvalidProcess, compiler.err))
	}

	return &Process{ID: definition.ID, Name: definition.Name, Root: root, elements: compiler.elements}, nil
}

type compiler struct {
	elements map[string]*Element
	err      error
}

func (compiler *compiler) fail(format string, args ...interface{}) {
	compiler.err = multierr.Append(compiler.err, fmt.Errorf(format, args...))
}

func (compiler *compiler) compileScope(scope *Element, definitions []ElementDefinition) {
	var boundaries []ElementDefinition
	var flows []ElementDefinition

	for _, definition := range definitions {
		element := compiler.compileElement(scope, definition)

		if element == nil {
			continue
		}

		scope.Children = append(scope.Children, element)

		switch element.Type {
		case protocol.ElementTypeBoundaryEvent:
			boundaries = append(boundaries, definition)
		case protocol.ElementTypeEventSubProcess:
			scope.EventSubProcesses = append(scope.EventSubProcesses, element)
		case protocol.ElementTypeStartEvent:
			if scope.StartEvent != nil {
				compiler.fail("%s: more than one start event", scope.ID)
			}

			scope.StartEvent = element
		}

		if len(definition.Outgoing) > 0 {
			flows = append(flows, definition)
		}
	}

	if scope.StartEvent == nil {
		compiler.fail("%s: a start event is required", scope.ID)
	}

	for _, definition := range boundaries {
		compiler.attachBoundary(scope, definition)
	}

	for _, definition := range flows {
		compiler.connect(scope, definition)
	}
}

func (compiler *compiler) compileElement(scope *Element, definition ElementDefinition) *Element {
	if definition.ID == "" {
		compiler.fail("%s: element id is required", scope.ID)

		return nil
	}

	if _, ok := compiler.elements[definition.ID]; ok {
		compiler.fail("%s: duplicate element id", definition.ID)

		return nil
	}

	element := &Element{
		ID:              definition.ID,
		Name:            definition.Name,
		FlowScope:       scope,
		JobType:         definition.JobType,
		ErrorCode:       definition.ErrorCode,
		CatchAll:        definition.CatchAll,
		Interrupting:    definition.Interrupting == nil || *definition.Interrupting,
		CalledProcessID: definition.ProcessID,
		DecisionID:      definition.DecisionID,
		ResultVariable:  definition.ResultVariable,
	}

	switch definition.Type {
	case KindStartEvent:
		element.Type = protocol.ElementTypeStartEvent
	case KindEndEvent:
		element.Type = protocol.ElementTypeEndEvent

		if len(definition.Outgoing) > 0 {
			compiler.fail("%s: end events have no outgoing flows", definition.ID)
		}
	case KindServiceTask:
		element.Type = protocol.ElementTypeServiceTask

		if definition.JobType == "" {
			compiler.fail("%s: jobType is required", definition.ID)
		}
	case KindBusinessRuleTask:
		element.Type = protocol.ElementTypeBusinessRuleTask

		if definition.DecisionID == "" || definition.ResultVariable == "" {
			compiler.fail("%s: decisionId and resultVariable are required", definition.ID)
		}
	case KindCallActivity:
		element.Type = protocol.ElementTypeCallActivity

		if definition.ProcessID == "" {
			compiler.fail("%s: processId is required", definition.ID)
		}
	case KindSubProcess:
		element.Type = protocol.ElementTypeSubProcess
	case KindEventSubProcess:
		element.Type = protocol.ElementTypeEventSubProcess

		if len(definition.Outgoing) > 0 {
			compiler.fail("%s: event sub processes have no outgoing flows", definition.ID)
		}
	case KindBoundaryEvent:
		element.Type = protocol.ElementTypeBoundaryEvent

		if definition.AttachedTo == "" {
			compiler.fail("%s: attachedTo is required", definition.ID)
		}

		if definition.ErrorCode == "" && !definition.CatchAll {
			compiler.fail("%s: errorCode or catchAll is required", definition.ID)
		}
	default:
		compiler.fail("%s: unknown element type %q", definition.ID, definition.Type)

		return nil
	}

	compiler.elements[element.ID] = element

	if len(definition.Elements) > 0 && !element.IsContainer() {
		compiler.fail("%s: only sub processes contain elements", definition.ID)
	}

	if element.IsContainer() {
		compiler.compileScope(element, definition.Elements)
	}

	if element.Type == protocol.ElementTypeEventSubProcess && element.StartEvent != nil {
		start := element.StartEvent

		if start.ErrorCode == "" && !start.CatchAll {
			compiler.fail("%s: the start event of an event sub process must catch an error", definition.ID)
		}

		element.ErrorCode = start.ErrorCode
		element.CatchAll = start.CatchAll
	}

	if definition.MultiInstance != nil {
		return compiler.wrap(scope, element, definition.MultiInstance)
	}

	return element
}

// wrap puts an activity inside a multi-instance body. The body takes
// the activity's place in its flow scope: it owns the outgoing flows
// and the attached boundary events.
func (compiler *compiler) wrap(scope *Element, inner *Element, definition *MultiInstanceDefinition) *Element {
	switch inner.Type {
	case protocol.ElementTypeServiceTask, protocol.ElementTypeBusinessRuleTask, protocol.ElementTypeSubProcess, protocol.ElementTypeCallActivity:
	default:
		compiler.fail("%s: %s cannot be multi-instance", inner.ID, inner.Type)

		return inner
	}

	loop := &LoopCharacteristics{
		Sequential:      definition.Sequential,
		InputElement:    definition.InputElement,
		Cardinality:     definition.Cardinality,
		CompletionCount: definition.CompletionCount,
	}

	switch collection := strings.TrimSpace(definition.InputCollection); {
	case collection != "" && definition.Cardinality > 0:
		compiler.fail("%s: inputCollection and cardinality are exclusive", inner.ID)
	case strings.HasPrefix(collection, "["):
		if err := json.Unmarshal([]byte(collection), &loop.InputLiteral); err != nil {
			compiler.fail("%s: invalid input collection literal: %s", inner.ID, err)
		}
	case collection != "":
		loop.InputCollection = collection
	case definition.Cardinality <= 0:
		compiler.fail("%s: inputCollection or a positive cardinality is required", inner.ID)
	}

	if definition.CompletionCount < 0 {
		compiler.fail("%s: completionCount cannot be negative", inner.ID)
	}

	body := &Element{
		ID:            inner.ID,
		Name:          inner.Name,
		Type:          protocol.ElementTypeMultiInstanceBody,
		FlowScope:     scope,
		Interrupting:  true,
		Inner:         inner,
		LoopCharacter: loop,
	}

	inner.FlowScope = body
	compiler.elements[body.ID] = body

	return body
}

func (compiler *compiler) attachBoundary(scope *Element, definition ElementDefinition) {
	boundary := compiler.elements[definition.ID]
	activity, ok := compiler.elements[definition.AttachedTo]

	if !ok || activity.FlowScope != scope {
		compiler.fail("%s: attachedTo %q is not an activity of %s", definition.ID, definition.AttachedTo, scope.ID)

		return
	}

	switch activity.Type {
	case protocol.ElementTypeServiceTask, protocol.ElementTypeBusinessRuleTask, protocol.ElementTypeSubProcess, protocol.ElementTypeCallActivity, protocol.ElementTypeMultiInstanceBody:
	default:
		compiler.fail("%s: boundary events cannot be attached to %s", definition.ID, activity.Type)

		return
	}

	boundary.AttachedTo = activity
	activity.Boundaries = append(activity.Boundaries, boundary)
}

func (compiler *compiler) connect(scope *Element, definition ElementDefinition) {
	source := compiler.elements[definition.ID]

	for _, targetID := range definition.Outgoing {
		target, ok := compiler.elements[targetID]

		if !ok || target.FlowScope != scope {
			compiler.fail("%s: outgoing target %q is not an element of %s", definition.ID, targetID, scope.ID)

			continue
		}

		switch target.Type {
		case protocol.ElementTypeStartEvent, protocol.ElementTypeBoundaryEvent, protocol.ElementTypeEventSubProcess:
			compiler.fail("%s: %s %q cannot have incoming flows", definition.ID, target.Type, targetID)

			continue
		}

		source.Outgoing = append(source.Outgoing, &SequenceFlow{
			ID:     fmt.Sprintf("%s-%s", source.ID, target.ID),
			Source: source,
			Target: target,
		})
	}
}
