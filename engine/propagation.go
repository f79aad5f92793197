package engine

import (
	"fmt"

	"github.com/jrife/grouse/engine/state"
	"github.com/jrife/grouse/model"
	"github.com/jrife/grouse/protocol"
)

// throwError looks for the innermost active catch of an error thrown
// by origin. Event sub processes of a scope are tried before the
// boundary events attached to it. Without a catch the origin gets an
// incident.
func (p *processing) throwError(origin *state.ElementInstance, errorCode string, errorMessage string, jobKey int64) error {
	subscription, owner, err := p.findCatch(origin, errorCode)

	if err != nil {
		return err
	}

	if subscription == nil {
		message := fmt.Sprintf("expected to throw an error event with the code '%s', but it was not caught", errorCode)

		if errorMessage != "" {
			message = fmt.Sprintf("%s: %s", message, errorMessage)
		}

		return p.createIncident(origin, protocol.UnhandledErrorEvent, message, jobKey)
	}

	if subscription.Interrupting {
		p.errorOrigins[origin.Key] = true
	}

	occurred := owner.Value
	occurred.CatchElementID = subscription.CatchElementID
	occurred.ErrorCode = errorCode
	occurred.Interrupting = subscription.Interrupting

	if err := p.appendEvent(owner.Key, protocol.EventOccurred, &occurred); err != nil {
		return err
	}

	switch {
	case subscription.EventSubProcess && subscription.Interrupting:
		if p.state.ChildCount(owner.Key) == 0 {
			return p.activateNow(catchValue(owner, subscription.CatchElementID, protocol.ElementTypeEventSubProcess))
		}

		return p.terminateChildKeys(owner.Key)
	case subscription.EventSubProcess:
		if err := p.activateNow(catchValue(owner, subscription.CatchElementID, protocol.ElementTypeEventSubProcess)); err != nil {
			return err
		}
	case subscription.Interrupting:
		owner, err := p.instance(owner.Key)

		if err != nil {
			return err
		}

		return p.terminate(owner)
	default:
		boundary := catchValue(owner, subscription.CatchElementID, protocol.ElementTypeBoundaryEvent)
		boundary.FlowScopeKey = owner.Value.FlowScopeKey

		if err := p.activateNow(boundary); err != nil {
			return err
		}
	}

	// a non-interrupting catch lets a throwing end event finish
	origin, err = p.instance(origin.Key)

	if err != nil || origin == nil {
		return err
	}

	if origin.Value.BpmnElementType == protocol.ElementTypeEndEvent && origin.State == protocol.ElementActivated {
		return p.completeElement(origin)
	}

	return nil
}

// findCatch walks from the origin outwards, crossing into the call
// activity that started a called process, and returns the first
// subscription matching the error code along with its owner
func (p *processing) findCatch(origin *state.ElementInstance, errorCode string) (*state.Subscription, *state.ElementInstance, error) {
	for instance := origin; instance != nil; {
		if instance.State == protocol.ElementActivated {
			subscriptions, err := p.state.Subscriptions(instance.Key)

			if err != nil {
				return nil, nil, err
			}

			for _, eventSubProcess := range []bool{true, false} {
				for i := range subscriptions {
					if subscriptions[i].EventSubProcess == eventSubProcess && subscriptions[i].Matches(errorCode) {
						return &subscriptions[i], instance, nil
					}
				}
			}
		}

		next := instance.Value.FlowScopeKey

		if next == 0 {
			next = instance.Value.ParentElementInstanceKey
		}

		if next == 0 {
			break
		}

		var err error

		if instance, err = p.instance(next); err != nil {
			return nil, nil, err
		}
	}

	return nil, nil, nil
}

// catchValue builds the record of a catch element activated inside
// the scope
func catchValue(scope *state.ElementInstance, elementID string, elementType protocol.BpmnElementType) protocol.ProcessInstanceRecord {
	value := scope.Value
	value.ElementID = elementID
	value.BpmnElementType = elementType
	value.FlowScopeKey = scope.Key
	value.LoopCounter = 0
	value.Cardinality = 0
	value.CatchElementID = ""
	value.ErrorCode = ""
	value.Interrupting = false

	return value
}

// terminate moves an instance to TERMINATING and terminates what runs
// inside it. The instance reaches TERMINATED once nothing inside it
// is left.
func (p *processing) terminate(instance *state.ElementInstance) error {
	if instance.State == protocol.ElementTerminating {
		return nil
	}

	if err := p.appendEvent(instance.Key, protocol.ElementTerminating, &instance.Value); err != nil {
		return err
	}

	if instance.IncidentKey != 0 {
		incident, err := p.state.Incident(instance.IncidentKey)

		if err != nil {
			return err
		}

		if incident != nil {
			if err := p.appendEvent(incident.Key, protocol.IncidentResolved, &incident.Record); err != nil {
				return err
			}
		}
	}

	element, err := p.engine.element(p.state, &instance.Value)

	if err != nil {
		return err
	}

	b, err := behaviorOf(element.Type)

	if err != nil {
		return err
	}

	if b.onTerminating != nil {
		if err := b.onTerminating(p, instance, element); err != nil {
			return err
		}
	}

	instance, err = p.instance(instance.Key)

	if err != nil || instance == nil {
		return err
	}

	if p.terminationDone(instance) {
		return p.finishTermination(instance.Key)
	}

	return nil
}

func terminateChildren(p *processing, instance *state.ElementInstance, element *model.Element) error {
	return p.terminateChildKeys(instance.Key)
}

// terminateChildKeys terminates the children the scope has now.
// Children finishing may complete or replace the scope along the way.
func (p *processing) terminateChildKeys(scopeKey int64) error {
	for _, key := range p.state.Children(scopeKey) {
		child, err := p.instance(key)

		if err != nil {
			return err
		}

		if child == nil || child.State == protocol.ElementTerminating {
			continue
		}

		if err := p.terminate(child); err != nil {
			return err
		}
	}

	return nil
}

func (p *processing) terminationDone(instance *state.ElementInstance) bool {
	if instance.State != protocol.ElementTerminating || p.state.ChildCount(instance.Key) > 0 {
		return false
	}

	if instance.CalledChildKey == 0 {
		return true
	}

	child, err := p.instance(instance.CalledChildKey)

	return err == nil && child == nil
}

func (p *processing) finishTermination(key int64) error {
	instance, err := p.instance(key)

	if err != nil || instance == nil {
		return err
	}

	trigger, err := p.state.Trigger(key)

	if err != nil {
		return err
	}

	if err := p.appendEvent(key, protocol.ElementTerminated, &instance.Value); err != nil {
		return err
	}

	if instance.Value.FlowScopeKey != 0 {
		return p.onChildTerminated(instance.Value.FlowScopeKey, trigger)
	}

	if instance.Value.ParentElementInstanceKey == 0 {
		return nil
	}

	parent, err := p.instance(instance.Value.ParentElementInstanceKey)

	if err != nil || parent == nil {
		return err
	}

	if p.terminationDone(parent) {
		return p.finishTermination(parent.Key)
	}

	return nil
}

// onChildTerminated continues a flow scope after one of its children
// reached TERMINATED. childTrigger is the interrupting catch that
// terminated the child, if any.
func (p *processing) onChildTerminated(scopeKey int64, childTrigger *state.EventTrigger) error {
	scope, err := p.instance(scopeKey)

	if err != nil || scope == nil {
		return err
	}

	if scope.State == protocol.ElementTerminating {
		if p.terminationDone(scope) {
			return p.finishTermination(scope.Key)
		}

		return nil
	}

	if scope.State != protocol.ElementActivated {
		return nil
	}

	if childTrigger != nil && !childTrigger.EventSubProcess {
		return p.activateNow(catchValue(scope, childTrigger.CatchElementID, protocol.ElementTypeBoundaryEvent))
	}

	if p.state.ChildCount(scopeKey) > 0 {
		return nil
	}

	trigger, err := p.state.Trigger(scopeKey)

	if err != nil {
		return err
	}

	if trigger != nil && trigger.EventSubProcess {
		return p.activateNow(catchValue(scope, trigger.CatchElementID, protocol.ElementTypeEventSubProcess))
	}

	if scope.Value.BpmnElementType == protocol.ElementTypeMultiInstanceBody {
		met, err := p.completionConditionMet(scope)

		if err != nil || !met {
			return err
		}

		return p.completeElement(scope)
	}

	return p.onChildCompleted(scopeKey)
}

func (p *processing) completionConditionMet(body *state.ElementInstance) (bool, error) {
	element, err := p.engine.element(p.state, &body.Value)

	if err != nil {
		return false, err
	}

	loop := element.LoopCharacter

	return loop.CompletionCount > 0 && body.CompletedChildren >= loop.CompletionCount, nil
}

// onInnerCompleted continues a multi-instance body after one of its
// inner instances completed
func (p *processing) onInnerCompleted(body *state.ElementInstance) error {
	body, err := p.instance(body.Key)

	if err != nil || body == nil || body.State != protocol.ElementActivated {
		return err
	}

	element, err := p.engine.element(p.state, &body.Value)

	if err != nil {
		return err
	}

	met, err := p.completionConditionMet(body)

	if err != nil {
		return err
	}

	if met {
		if err := p.terminateChildKeys(body.Key); err != nil {
			return err
		}

		body, err := p.instance(body.Key)

		if err != nil || body == nil || body.State != protocol.ElementActivated || p.state.ChildCount(body.Key) > 0 {
			return err
		}

		return p.completeElement(body)
	}

	if element.LoopCharacter.Sequential && body.ActivatedChildren < body.LoopCardinality {
		p.spawnIteration(body, element, body.ActivatedChildren+1)

		return nil
	}

	if body.CompletedChildren >= body.LoopCardinality && p.state.ChildCount(body.Key) == 0 {
		return p.completeElement(body)
	}

	return nil
}

func spawnInnerInstances(p *processing, body *state.ElementInstance, element *model.Element) error {
	if body.LoopCardinality == 0 {
		return p.completeElement(body)
	}

	if element.LoopCharacter.Sequential {
		p.spawnIteration(body, element, 1)

		return nil
	}

	for counter := 1; counter <= body.LoopCardinality; counter++ {
		p.spawnIteration(body, element, counter)
	}

	return nil
}

func (p *processing) spawnIteration(body *state.ElementInstance, element *model.Element, loopCounter int) {
	value := body.Value
	value.BpmnElementType = element.Inner.Type
	value.FlowScopeKey = body.Key
	value.LoopCounter = loopCounter
	value.Cardinality = 0
	p.activateLater(p.nextKey(), value)
}

// loopInput returns the input collection of a multi-instance body
// and the number of inner instances to create
func (p *processing) loopInput(bodyKey int64, loop *model.LoopCharacteristics) ([]interface{}, int, error) {
	switch {
	case loop.InputLiteral != nil:
		return loop.InputLiteral, len(loop.InputLiteral), nil
	case loop.InputCollection != "":
		variables, err := collectVariables(p.state, bodyKey)

		if err != nil {
			return nil, 0, err
		}

		value, ok := variables[loop.InputCollection]

		if !ok {
			return nil, 0, fmt.Errorf("expected the input collection variable '%s' to exist", loop.InputCollection)
		}

		items, ok := value.([]interface{})

		if !ok {
			return nil, 0, fmt.Errorf("expected the input collection variable '%s' to be a list, but it was %T", loop.InputCollection, value)
		}

		return items, len(items), nil
	}

	return nil, loop.Cardinality, nil
}
