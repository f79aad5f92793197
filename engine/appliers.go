package engine

import (
	"fmt"

	"github.com/jrife/grouse/engine/state"
	"github.com/jrife/grouse/protocol"
)

// Apply applies an event to the state. Commands and rejections leave
// the state unchanged. Replaying the same events in the same order
// always produces the same state.
func (engine *Engine) Apply(st *state.State, record protocol.Record) error {
	if !record.IsEvent() {
		return nil
	}

	if record.Key > 0 {
		if err := st.SetKeyIfHigher(record.Key); err != nil {
			return err
		}
	}

	switch value := record.Value.(type) {
	case *protocol.ProcessInstanceRecord:
		return engine.applyProcessInstance(st, record.Key, record.Intent, value)
	case *protocol.JobRecord:
		return engine.applyJob(st, record.Key, record.Intent, value)
	case *protocol.IncidentRecord:
		return engine.applyIncident(st, record.Key, record.Intent, value)
	case *protocol.DeploymentRecord:
		return engine.applyDeployment(st, value)
	case *protocol.VariableRecord:
		return st.SetVariable(value.ScopeKey, value.Name, value.Value)
	case *protocol.ErrorRecord:
		if value.ProcessInstanceKey == 0 {
			return nil
		}

		return st.Ban(value.ProcessInstanceKey)
	case *protocol.ExporterRecord:
		return st.SetExporterPosition(value.ExporterID, value.Position)
	}

	return nil
}

func (engine *Engine) applyProcessInstance(st *state.State, key int64, intent protocol.Intent, value *protocol.ProcessInstanceRecord) error {
	switch intent {
	case protocol.SequenceFlowTaken:
		return nil
	case protocol.ElementActivating:
		return engine.applyActivating(st, key, value)
	case protocol.EventOccurred:
		return engine.applyEventOccurred(st, key, value)
	}

	instance, err := st.ElementInstance(key)

	if err != nil {
		return err
	}

	if instance == nil {
		return fmt.Errorf("%s of unknown element instance %d", intent, key)
	}

	if err := state.CheckTransition(instance.State, intent); err != nil {
		return fmt.Errorf("element instance %d: %w", key, err)
	}

	instance.State = intent

	switch intent {
	case protocol.ElementActivated:
		if value.BpmnElementType == protocol.ElementTypeMultiInstanceBody {
			instance.LoopCardinality = value.Cardinality
		}

		if err := st.UpdateElementInstance(instance); err != nil {
			return err
		}

		return engine.openSubscriptions(st, instance)
	case protocol.ElementCompleting, protocol.ElementTerminating:
		if err := st.UpdateElementInstance(instance); err != nil {
			return err
		}

		return st.DeleteSubscriptions(key)
	case protocol.ElementCompleted:
		if err := engine.countCompletedChild(st, instance); err != nil {
			return err
		}

		return st.RemoveElementInstance(instance)
	case protocol.ElementTerminated:
		if instance.JobKey != 0 {
			if err := st.DeleteJob(instance.JobKey); err != nil {
				return err
			}
		}

		return st.RemoveElementInstance(instance)
	}

	return fmt.Errorf("unexpected process instance event %s", intent)
}

func (engine *Engine) applyActivating(st *state.State, key int64, value *protocol.ProcessInstanceRecord) error {
	if existing, err := st.ElementInstance(key); err != nil {
		return err
	} else if existing != nil {
		return fmt.Errorf("element instance %d: %w", key, state.CheckTransition(existing.State, protocol.ElementActivating))
	}

	instance := &state.ElementInstance{Key: key, State: protocol.ElementActivating, Value: *value}

	if err := st.CreateElementInstance(instance); err != nil {
		return err
	}

	if value.FlowScopeKey != 0 {
		scope, err := st.ElementInstance(value.FlowScopeKey)

		if err != nil {
			return err
		}

		if scope != nil && scope.Value.BpmnElementType == protocol.ElementTypeMultiInstanceBody {
			scope.ActivatedChildren++

			if err := st.UpdateElementInstance(scope); err != nil {
				return err
			}
		}

		if value.BpmnElementType == protocol.ElementTypeEventSubProcess {
			return st.DeleteTrigger(value.FlowScopeKey)
		}

		return nil
	}

	if value.ParentElementInstanceKey == 0 {
		return nil
	}

	parent, err := st.ElementInstance(value.ParentElementInstanceKey)

	if err != nil || parent == nil {
		return err
	}

	parent.CalledChildKey = key

	return st.UpdateElementInstance(parent)
}

// openSubscriptions lets an activated instance catch errors with its
// boundary events and event sub processes
func (engine *Engine) openSubscriptions(st *state.State, instance *state.ElementInstance) error {
	element, err := engine.element(st, &instance.Value)

	if err != nil {
		return err
	}

	for _, boundary := range element.Boundaries {
		err := st.PutSubscription(state.Subscription{
			OwnerKey:       instance.Key,
			CatchElementID: boundary.ID,
			ErrorCode:      boundary.ErrorCode,
			CatchAll:       boundary.CatchAll,
			Interrupting:   boundary.Interrupting,
		})

		if err != nil {
			return err
		}
	}

	for _, eventSubProcess := range element.EventSubProcesses {
		err := st.PutSubscription(state.Subscription{
			OwnerKey:        instance.Key,
			CatchElementID:  eventSubProcess.ID,
			ErrorCode:       eventSubProcess.ErrorCode,
			CatchAll:        eventSubProcess.CatchAll,
			Interrupting:    eventSubProcess.Interrupting,
			EventSubProcess: true,
		})

		if err != nil {
			return err
		}
	}

	return nil
}

func (engine *Engine) countCompletedChild(st *state.State, instance *state.ElementInstance) error {
	if instance.Value.FlowScopeKey == 0 {
		return nil
	}

	scope, err := st.ElementInstance(instance.Value.FlowScopeKey)

	if err != nil || scope == nil || scope.Value.BpmnElementType != protocol.ElementTypeMultiInstanceBody {
		return err
	}

	scope.CompletedChildren++

	return st.UpdateElementInstance(scope)
}

func (engine *Engine) applyEventOccurred(st *state.State, key int64, value *protocol.ProcessInstanceRecord) error {
	if !value.Interrupting {
		return nil
	}

	owner, err := st.ElementInstance(key)

	if err != nil {
		return err
	}

	if owner == nil {
		return fmt.Errorf("event occurred on unknown element instance %d", key)
	}

	process, err := engine.process(st, value.ProcessDefinitionKey)

	if err != nil {
		return err
	}

	catch, ok := process.Element(value.CatchElementID)

	if !ok {
		return fmt.Errorf("process %s has no catch element %q", process.ID, value.CatchElementID)
	}

	trigger := state.EventTrigger{
		OwnerKey:        key,
		CatchElementID:  value.CatchElementID,
		ErrorCode:       value.ErrorCode,
		EventSubProcess: catch.Type == protocol.ElementTypeEventSubProcess,
	}

	if err := st.PutTrigger(trigger); err != nil {
		return err
	}

	if !trigger.EventSubProcess {
		return nil
	}

	owner.InterruptedBy = value.CatchElementID

	if err := st.UpdateElementInstance(owner); err != nil {
		return err
	}

	return st.DeleteSubscriptions(key)
}

func (engine *Engine) applyJob(st *state.State, key int64, intent protocol.Intent, value *protocol.JobRecord) error {
	switch intent {
	case protocol.JobCreated:
		if err := st.PutJob(&state.Job{Key: key, State: state.JobActivatable, Record: *value}); err != nil {
			return err
		}

		return engine.setInstanceJob(st, value.ElementInstanceKey, key)
	case protocol.JobCompleted, protocol.JobCanceled:
		if err := st.DeleteJob(key); err != nil {
			return err
		}

		return engine.setInstanceJob(st, value.ElementInstanceKey, 0)
	case protocol.JobErrorThrown:
		job, err := st.Job(key)

		if err != nil || job == nil {
			return err
		}

		job.Record.ErrorCode = value.ErrorCode
		job.Record.ErrorMessage = value.ErrorMessage
		job.State = state.JobActivatable

		return st.PutJob(job)
	}

	return nil
}

func (engine *Engine) setInstanceJob(st *state.State, elementInstanceKey int64, jobKey int64) error {
	instance, err := st.ElementInstance(elementInstanceKey)

	if err != nil || instance == nil {
		return err
	}

	instance.JobKey = jobKey

	return st.UpdateElementInstance(instance)
}

func (engine *Engine) applyIncident(st *state.State, key int64, intent protocol.Intent, value *protocol.IncidentRecord) error {
	var incidentKey int64
	jobState := state.JobActivatable

	switch intent {
	case protocol.IncidentCreated:
		if err := st.PutIncident(&state.Incident{Key: key, Record: *value}); err != nil {
			return err
		}

		incidentKey = key
		jobState = state.JobFailed
	case protocol.IncidentResolved:
		if err := st.DeleteIncident(key); err != nil {
			return err
		}
	default:
		return nil
	}

	instance, err := st.ElementInstance(value.ElementInstanceKey)

	if err != nil {
		return err
	}

	if instance != nil {
		instance.IncidentKey = incidentKey

		if err := st.UpdateElementInstance(instance); err != nil {
			return err
		}
	}

	if value.JobKey == 0 {
		return nil
	}

	job, err := st.Job(value.JobKey)

	if err != nil || job == nil {
		return err
	}

	job.State = jobState

	return st.PutJob(job)
}

func (engine *Engine) applyDeployment(st *state.State, value *protocol.DeploymentRecord) error {
	resources := map[string][]byte{}

	for _, resource := range value.Resources {
		resources[resource.Name] = resource.Content
	}

	for _, metadata := range value.Processes {
		if metadata.Duplicate {
			continue
		}

		err := st.PutProcess(&state.Process{
			Key:           metadata.Key,
			BpmnProcessID: metadata.BpmnProcessID,
			Version:       metadata.Version,
			Checksum:      metadata.Checksum,
			ResourceName:  metadata.ResourceName,
			Resource:      resources[metadata.ResourceName],
		})

		if err != nil {
			return err
		}

		if err := st.SetKeyIfHigher(metadata.Key); err != nil {
			return err
		}
	}

	for _, metadata := range value.DecisionRequirements {
		if metadata.Duplicate {
			continue
		}

		err := st.PutDecisionRequirements(&state.DecisionRequirements{
			Key:          metadata.Key,
			ID:           metadata.ID,
			Name:         metadata.Name,
			Version:      metadata.Version,
			Checksum:     metadata.Checksum,
			ResourceName: metadata.ResourceName,
			Resource:     resources[metadata.ResourceName],
			Decisions:    metadata.Decisions,
		})

		if err != nil {
			return err
		}

		if err := st.SetKeyIfHigher(metadata.Key); err != nil {
			return err
		}

		for _, decision := range metadata.Decisions {
			if err := st.SetKeyIfHigher(decision.Key); err != nil {
				return err
			}
		}
	}

	return nil
}
