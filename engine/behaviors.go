package engine

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/jrife/grouse/dmn"
	"github.com/jrife/grouse/engine/state"
	"github.com/jrife/grouse/model"
	"github.com/jrife/grouse/protocol"
)

// behavior is what an element type does when its instance reaches a
// lifecycle state. A nil hook does nothing.
type behavior struct {
	onActivated   func(p *processing, instance *state.ElementInstance, element *model.Element) error
	onCompleting  func(p *processing, instance *state.ElementInstance, element *model.Element) error
	onTerminating func(p *processing, instance *state.ElementInstance, element *model.Element) error
}

var behaviors map[protocol.BpmnElementType]behavior

func init() {
	container := behavior{onActivated: activateStartEvent, onTerminating: terminateChildren}

	behaviors = map[protocol.BpmnElementType]behavior{
		protocol.ElementTypeProcess:           {onActivated: activateStartEvent, onCompleting: returnVariables, onTerminating: terminateChildren},
		protocol.ElementTypeSubProcess:        container,
		protocol.ElementTypeEventSubProcess:   container,
		protocol.ElementTypeStartEvent:        {onActivated: complete},
		protocol.ElementTypeBoundaryEvent:     {onActivated: complete},
		protocol.ElementTypeEndEvent:          {onActivated: endEvent},
		protocol.ElementTypeServiceTask:       {onActivated: createJob, onTerminating: cancelJob},
		protocol.ElementTypeBusinessRuleTask:  {onActivated: evaluateDecision},
		protocol.ElementTypeCallActivity:      {onActivated: callProcess, onTerminating: terminateCalledProcess},
		protocol.ElementTypeMultiInstanceBody: {onActivated: spawnInnerInstances, onTerminating: terminateChildren},
		protocol.ElementTypeSequenceFlow:      {},
	}
}

func behaviorOf(elementType protocol.BpmnElementType) (behavior, error) {
	b, ok := behaviors[elementType]

	if !ok {
		return behavior{}, fmt.Errorf("unsupported element type %s", elementType)
	}

	return b, nil
}

// processActivateElement activates an element queued by a sequence
// flow, a container or a call activity. Activations whose flow scope
// stopped accepting children are dropped.
func (p *processing) processActivateElement(command protocol.Record) error {
	value := *command.Value.(*protocol.ProcessInstanceRecord)

	if p.pending[value.FlowScopeKey] > 0 {
		p.pending[value.FlowScopeKey]--
	}

	accepting, err := p.acceptsChildren(value)

	if err != nil {
		return err
	}

	if !accepting {
		p.rejectIfClient(protocol.RejectionInvalidState, fmt.Sprintf("flow scope of element %q is not active", value.ElementID))

		return nil
	}

	return p.activateElement(command.Key, value)
}

func (p *processing) acceptsChildren(value protocol.ProcessInstanceRecord) (bool, error) {
	if value.FlowScopeKey == 0 {
		if value.ParentElementInstanceKey == 0 {
			return true, nil
		}

		parent, err := p.instance(value.ParentElementInstanceKey)

		if err != nil {
			return false, err
		}

		return parent != nil && parent.State == protocol.ElementActivated, nil
	}

	scope, err := p.instance(value.FlowScopeKey)

	if err != nil {
		return false, err
	}

	return scope != nil && scope.State == protocol.ElementActivated && scope.InterruptedBy == "", nil
}

// activateElement creates the element instance and carries it as far
// through its activation as it can go
func (p *processing) activateElement(key int64, value protocol.ProcessInstanceRecord) error {
	if err := p.appendEvent(key, protocol.ElementActivating, &value); err != nil {
		return err
	}

	if err := p.initializeVariables(key, value); err != nil {
		return err
	}

	return p.proceedActivation(key)
}

// activateNow activates a catch element without a command in between
func (p *processing) activateNow(value protocol.ProcessInstanceRecord) error {
	return p.activateElement(p.nextKey(), value)
}

func (p *processing) initializeVariables(key int64, value protocol.ProcessInstanceRecord) error {
	switch {
	case value.FlowScopeKey == 0 && value.ParentElementInstanceKey != 0:
		variables, err := visibleVariables(p.state, value.ParentElementInstanceKey)

		if err != nil {
			return err
		}

		return p.createVariables(key, value, variables)
	case value.LoopCounter > 0:
		body, err := p.instance(value.FlowScopeKey)

		if err != nil {
			return err
		}

		element, err := p.engine.element(p.state, &body.Value)

		if err != nil {
			return err
		}

		loop := element.LoopCharacter

		if loop == nil || loop.InputElement == "" {
			return nil
		}

		items, _, err := p.loopInput(body.Key, loop)

		if err != nil {
			return err
		}

		if value.LoopCounter > len(items) {
			return fmt.Errorf("loop counter %d exceeds input collection of %d items", value.LoopCounter, len(items))
		}

		item, err := json.Marshal(items[value.LoopCounter-1])

		if err != nil {
			return err
		}

		return p.createVariables(key, value, map[string]json.RawMessage{loop.InputElement: item})
	}

	return nil
}

// proceedActivation moves an ACTIVATING instance to ACTIVATED and
// runs its behavior. It stops with an incident when the input of a
// multi-instance body cannot be read.
func (p *processing) proceedActivation(key int64) error {
	instance, err := p.instance(key)

	if err != nil {
		return err
	}

	element, err := p.engine.element(p.state, &instance.Value)

	if err != nil {
		return err
	}

	value := instance.Value

	if element.Type == protocol.ElementTypeMultiInstanceBody {
		_, cardinality, err := p.loopInput(key, element.LoopCharacter)

		if err != nil {
			return p.createIncident(instance, protocol.ExtractValueError, err.Error(), 0)
		}

		value.Cardinality = cardinality
	}

	if err := p.appendEvent(key, protocol.ElementActivated, &value); err != nil {
		return err
	}

	return p.runActivated(key)
}

func (p *processing) runActivated(key int64) error {
	instance, err := p.instance(key)

	if err != nil {
		return err
	}

	element, err := p.engine.element(p.state, &instance.Value)

	if err != nil {
		return err
	}

	b, err := behaviorOf(element.Type)

	if err != nil {
		return err
	}

	if b.onActivated == nil {
		return nil
	}

	return b.onActivated(p, instance, element)
}

// completeElement completes an ACTIVATED instance and continues the
// flow after it
func (p *processing) completeElement(instance *state.ElementInstance) error {
	element, err := p.engine.element(p.state, &instance.Value)

	if err != nil {
		return err
	}

	b, err := behaviorOf(element.Type)

	if err != nil {
		return err
	}

	if err := p.appendEvent(instance.Key, protocol.ElementCompleting, &instance.Value); err != nil {
		return err
	}

	if b.onCompleting != nil {
		if err := b.onCompleting(p, instance, element); err != nil {
			return err
		}
	}

	if err := p.appendEvent(instance.Key, protocol.ElementCompleted, &instance.Value); err != nil {
		return err
	}

	if instance.Value.FlowScopeKey == 0 {
		if instance.Value.ParentElementInstanceKey == 0 {
			return nil
		}

		parent, err := p.instance(instance.Value.ParentElementInstanceKey)

		if err != nil {
			return err
		}

		if parent == nil || parent.State != protocol.ElementActivated {
			return nil
		}

		return p.completeElement(parent)
	}

	scope, err := p.instance(instance.Value.FlowScopeKey)

	if err != nil {
		return err
	}

	if scope != nil && scope.Value.BpmnElementType == protocol.ElementTypeMultiInstanceBody {
		return p.onInnerCompleted(scope)
	}

	if len(element.Outgoing) > 0 {
		return p.takeOutgoing(instance, element)
	}

	return p.onChildCompleted(instance.Value.FlowScopeKey)
}

func (p *processing) takeOutgoing(instance *state.ElementInstance, element *model.Element) error {
	for _, flow := range element.Outgoing {
		taken := instance.Value
		taken.ElementID = flow.ID
		taken.BpmnElementType = protocol.ElementTypeSequenceFlow

		if err := p.appendEvent(p.nextKey(), protocol.SequenceFlowTaken, &taken); err != nil {
			return err
		}

		target := instance.Value
		target.ElementID = flow.Target.ID
		target.BpmnElementType = flow.Target.Type
		p.activateLater(p.nextKey(), target)
	}

	return nil
}

// onChildCompleted completes a flow scope once nothing inside it is
// left to run
func (p *processing) onChildCompleted(scopeKey int64) error {
	scope, err := p.instance(scopeKey)

	if err != nil {
		return err
	}

	if scope == nil || scope.State != protocol.ElementActivated {
		return nil
	}

	if p.state.ChildCount(scopeKey) > 0 {
		return nil
	}

	if p.pending[scopeKey] > 0 && scope.InterruptedBy == "" {
		return nil
	}

	return p.completeElement(scope)
}

func complete(p *processing, instance *state.ElementInstance, element *model.Element) error {
	return p.completeElement(instance)
}

func activateStartEvent(p *processing, instance *state.ElementInstance, element *model.Element) error {
	start := instance.Value
	start.ElementID = element.StartEvent.ID
	start.BpmnElementType = protocol.ElementTypeStartEvent
	start.FlowScopeKey = instance.Key
	start.LoopCounter = 0
	start.Cardinality = 0
	p.activateLater(p.nextKey(), start)

	return nil
}

func endEvent(p *processing, instance *state.ElementInstance, element *model.Element) error {
	if element.ErrorCode != "" {
		return p.throwError(instance, element.ErrorCode, "", 0)
	}

	return p.completeElement(instance)
}

func createJob(p *processing, instance *state.ElementInstance, element *model.Element) error {
	p.appendCommand(p.nextKey(), protocol.JobCreate, &protocol.JobRecord{
		Type:                 element.JobType,
		BpmnProcessID:        instance.Value.BpmnProcessID,
		ProcessDefinitionKey: instance.Value.ProcessDefinitionKey,
		ProcessInstanceKey:   instance.Value.ProcessInstanceKey,
		ElementID:            instance.Value.ElementID,
		ElementInstanceKey:   instance.Key,
	})

	return nil
}

func cancelJob(p *processing, instance *state.ElementInstance, element *model.Element) error {
	if instance.JobKey == 0 || p.errorOrigins[instance.Key] {
		return nil
	}

	job, err := p.state.Job(instance.JobKey)

	if err != nil || job == nil {
		return err
	}

	return p.appendEvent(job.Key, protocol.JobCanceled, &job.Record)
}

// returnVariables hands the variables of a called process back to
// the call activity that started it
func returnVariables(p *processing, instance *state.ElementInstance, element *model.Element) error {
	if instance.Value.ParentElementInstanceKey == 0 {
		return nil
	}

	parent, err := p.instance(instance.Value.ParentElementInstanceKey)

	if err != nil || parent == nil {
		return err
	}

	_, variables := p.state.LocalVariables(instance.Key)

	if len(variables) == 0 {
		return nil
	}

	return p.setVariables(parent.Key, variables)
}

func callProcess(p *processing, instance *state.ElementInstance, element *model.Element) error {
	called, err := p.state.LatestProcess(element.CalledProcessID)

	if err != nil {
		return err
	}

	if called == nil {
		return p.createIncident(instance, protocol.CalledElementError, fmt.Sprintf("expected process with BPMN process id '%s' to be deployed, but not found", element.CalledProcessID), 0)
	}

	process, err := p.engine.process(p.state, called.Key)

	if err != nil {
		return err
	}

	childKey := p.nextKey()
	p.activateLater(childKey, protocol.ProcessInstanceRecord{
		BpmnProcessID:            called.BpmnProcessID,
		Version:                  called.Version,
		ProcessDefinitionKey:     called.Key,
		ProcessInstanceKey:       childKey,
		ElementID:                process.ID,
		BpmnElementType:          protocol.ElementTypeProcess,
		ParentProcessInstanceKey: instance.Value.ProcessInstanceKey,
		ParentElementInstanceKey: instance.Key,
	})

	return nil
}

func terminateCalledProcess(p *processing, instance *state.ElementInstance, element *model.Element) error {
	if instance.CalledChildKey == 0 {
		return nil
	}

	child, err := p.instance(instance.CalledChildKey)

	if err != nil || child == nil {
		return err
	}

	return p.terminate(child)
}

func evaluateDecision(p *processing, instance *state.ElementInstance, element *model.Element) error {
	requirements, err := p.state.DecisionRequirementsOf(element.DecisionID)

	if err != nil {
		return err
	}

	if requirements == nil {
		return p.createIncident(instance, protocol.DecisionEvaluationError, fmt.Sprintf("expected to evaluate decision '%s', but no decision found for id '%s'", element.DecisionID, element.DecisionID), 0)
	}

	parsed, err := p.engine.decisionRequirements(p.state, requirements)

	if err != nil {
		return fmt.Errorf("could not parse decision requirements %d: %w", requirements.Key, err)
	}

	variables, err := collectVariables(p.state, instance.Key)

	if err != nil {
		return err
	}

	record := &protocol.DecisionEvaluationRecord{
		DecisionID:              element.DecisionID,
		DecisionRequirementsKey: requirements.Key,
		BpmnProcessID:           instance.Value.BpmnProcessID,
		ProcessDefinitionKey:    instance.Value.ProcessDefinitionKey,
		ProcessInstanceKey:      instance.Value.ProcessInstanceKey,
		ElementID:               instance.Value.ElementID,
		ElementInstanceKey:      instance.Key,
	}

	if decision, ok := parsed.Decision(element.DecisionID); ok {
		record.DecisionName = decision.Name
	}

	result, evalErr := dmn.Evaluate(parsed, element.DecisionID, variables)

	if evalErr != nil {
		failure, ok := evalErr.(*dmn.EvaluationFailure)

		if !ok {
			failure = &dmn.EvaluationFailure{Reason: evalErr.Error(), FailedDecisionID: element.DecisionID}
		}

		if record.EvaluatedDecisions, err = evaluatedDecisions(failure.EvaluatedDecisions); err != nil {
			return err
		}

		record.EvaluationFailureMessage = failure.Reason
		record.FailedDecisionID = failure.FailedDecisionID

		if err := p.appendEvent(p.nextKey(), protocol.DecisionEvaluationFailed, record); err != nil {
			return err
		}

		return p.createIncident(instance, protocol.DecisionEvaluationError, failure.Error(), 0)
	}

	output, err := json.Marshal(result.Output)

	if err != nil {
		return err
	}

	record.DecisionOutput = output

	if record.EvaluatedDecisions, err = evaluatedDecisions(result.EvaluatedDecisions); err != nil {
		return err
	}

	if err := p.appendEvent(p.nextKey(), protocol.DecisionEvaluated, record); err != nil {
		return err
	}

	if err := p.setVariables(instance.Key, map[string]json.RawMessage{element.ResultVariable: output}); err != nil {
		return err
	}

	return p.completeElement(instance)
}

func evaluatedDecisions(trace []dmn.EvaluatedDecision) ([]protocol.EvaluatedDecision, error) {
	evaluated := make([]protocol.EvaluatedDecision, 0, len(trace))

	for _, decision := range trace {
		output, err := json.Marshal(decision.Output)

		if err != nil {
			return nil, err
		}

		matched := make([]int, 0, len(decision.MatchedRules))

		for _, rule := range decision.MatchedRules {
			matched = append(matched, rule.RuleIndex)
		}

		evaluated = append(evaluated, protocol.EvaluatedDecision{
			DecisionID:     decision.DecisionID,
			DecisionName:   decision.DecisionName,
			DecisionOutput: output,
			MatchedRules:   matched,
		})
	}

	return evaluated, nil
}

// createIncident stops an instance until the incident is resolved
func (p *processing) createIncident(instance *state.ElementInstance, errorType protocol.IncidentErrorType, message string, jobKey int64) error {
	return p.appendEvent(p.nextKey(), protocol.IncidentCreated, &protocol.IncidentRecord{
		ErrorType:            errorType,
		ErrorMessage:         message,
		BpmnProcessID:        instance.Value.BpmnProcessID,
		ProcessDefinitionKey: instance.Value.ProcessDefinitionKey,
		ProcessInstanceKey:   instance.Value.ProcessInstanceKey,
		ElementID:            instance.Value.ElementID,
		ElementInstanceKey:   instance.Key,
		JobKey:               jobKey,
	})
}
