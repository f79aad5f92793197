package engine

import (
	"fmt"

	"github.com/jrife/grouse/engine/state"
	"github.com/jrife/grouse/protocol"
	"go.uber.org/zap"
)

// processing holds everything written while processing one command
// and the follow-up commands it produced
type processing struct {
	engine  *Engine
	state   *state.State
	command protocol.Record
	// client is set while the command read from the log is
	// processed and cleared for its follow-up commands
	client  bool
	records []protocol.Record
	queue   []protocol.Record
	// pending counts queued activations per flow scope
	pending map[int64]int
	// errorOrigins holds the instances whose job threw the error
	// being propagated. Their jobs are not canceled.
	errorOrigins map[int64]bool
	responded    bool
}

func newProcessing(engine *Engine, st *state.State, command protocol.Record) *processing {
	return &processing{
		engine:       engine,
		state:        st,
		command:      command,
		client:       true,
		pending:      map[int64]int{},
		errorOrigins: map[int64]bool{},
	}
}

func (p *processing) run() error {
	if err := p.dispatch(p.command); err != nil {
		return err
	}

	p.client = false

	for len(p.queue) > 0 {
		next := p.queue[0]
		p.queue = p.queue[1:]

		if err := p.dispatch(next); err != nil {
			return fmt.Errorf("could not process follow-up %s: %w", next, err)
		}
	}

	if len(p.records) == 0 {
		p.reject(protocol.RejectionInvalidState, "command produced no records")
	}

	return nil
}

func (p *processing) dispatch(command protocol.Record) error {
	if !command.IsCommand() {
		return fmt.Errorf("%s is not a command", command)
	}

	if key := p.processInstanceKeyOf(command); key != 0 && p.state.IsBanned(key) {
		p.rejectIfClient(protocol.RejectionInvalidState, fmt.Sprintf("process instance %d is banned", key))

		return nil
	}

	if p.client && isFollowUp(command) {
		p.reject(protocol.RejectionInvalidArgument, fmt.Sprintf("%s %s is written by the engine only", command.ValueType, command.Intent))

		return nil
	}

	switch command.ValueType {
	case protocol.ValueTypeDeployment:
		if command.Intent == protocol.DeploymentCreate {
			return p.deploy(command)
		}
	case protocol.ValueTypeProcessInstanceCreation:
		if command.Intent == protocol.ProcessInstanceCreationCreate {
			return p.createProcessInstance(command)
		}
	case protocol.ValueTypeProcessInstance:
		switch command.Intent {
		case protocol.ActivateElement:
			return p.processActivateElement(command)
		case protocol.Cancel:
			return p.cancelProcessInstance(command)
		}
	case protocol.ValueTypeJob:
		switch command.Intent {
		case protocol.JobCreate:
			return p.processCreateJob(command)
		case protocol.JobComplete:
			return p.completeJob(command)
		case protocol.JobThrowError:
			return p.throwJobError(command)
		}
	case protocol.ValueTypeIncident:
		if command.Intent == protocol.IncidentResolve {
			return p.resolveIncident(command)
		}
	}

	p.rejectIfClient(protocol.RejectionInvalidArgument, fmt.Sprintf("%s %s is not a supported command", command.ValueType, command.Intent))

	return nil
}

func isFollowUp(command protocol.Record) bool {
	switch {
	case command.ValueType == protocol.ValueTypeProcessInstance && command.Intent == protocol.ActivateElement:
		return true
	case command.ValueType == protocol.ValueTypeJob && command.Intent == protocol.JobCreate:
		return true
	}

	return false
}

// processInstanceKeyOf returns the process instance a command acts
// on or 0
func (p *processing) processInstanceKeyOf(command protocol.Record) int64 {
	switch value := command.Value.(type) {
	case *protocol.ProcessInstanceRecord:
		if command.Intent == protocol.Cancel {
			return command.Key
		}

		return value.ProcessInstanceKey
	case *protocol.JobRecord:
		if job, err := p.state.Job(command.Key); err == nil && job != nil {
			return job.Record.ProcessInstanceKey
		}

		return value.ProcessInstanceKey
	case *protocol.IncidentRecord:
		if incident, err := p.state.Incident(command.Key); err == nil && incident != nil {
			return incident.Record.ProcessInstanceKey
		}
	}

	return 0
}

func (p *processing) newRecord(key int64, recordType protocol.RecordType, intent protocol.Intent, value protocol.Value) protocol.Record {
	return protocol.Record{
		Key:         key,
		Timestamp:   p.engine.now().UnixMilli(),
		PartitionID: p.engine.partitionID,
		RecordType:  recordType,
		ValueType:   value.ValueType(),
		Intent:      intent,
		Value:       value,
	}
}

// appendEvent writes an event and applies it to the state
func (p *processing) appendEvent(key int64, intent protocol.Intent, value protocol.Value) error {
	record := p.newRecord(key, protocol.Event, intent, value)

	if err := p.engine.Apply(p.state, record); err != nil {
		return fmt.Errorf("could not apply %s: %w", record, err)
	}

	p.records = append(p.records, record)

	return nil
}

// respond writes an event that answers the client command
func (p *processing) respond(key int64, intent protocol.Intent, value protocol.Value) error {
	if err := p.appendEvent(key, intent, value); err != nil {
		return err
	}

	if p.client {
		p.respondAt(len(p.records) - 1)
	}

	return nil
}

// respondAt marks the record at index as the response to the client
// command
func (p *processing) respondAt(index int) {
	if p.responded || index < 0 || index >= len(p.records) {
		return
	}

	p.records[index].RequestID = p.command.RequestID
	p.records[index].RequestNode = p.command.RequestNode
	p.responded = true
}

// appendCommand writes a follow-up command that is processed after
// everything queued before it
func (p *processing) appendCommand(key int64, intent protocol.Intent, value protocol.Value) {
	record := p.newRecord(key, protocol.Command, intent, value)
	p.records = append(p.records, record)
	p.queue = append(p.queue, record)
}

func (p *processing) activateLater(key int64, value protocol.ProcessInstanceRecord) {
	p.pending[value.FlowScopeKey]++
	p.appendCommand(key, protocol.ActivateElement, &value)
}

// reject rejects the client command
func (p *processing) reject(rejectionType protocol.RejectionType, reason string) {
	record := p.command
	record.Position = 0
	record.SourcePosition = 0
	record.Timestamp = p.engine.now().UnixMilli()
	record.PartitionID = p.engine.partitionID
	record.RecordType = protocol.CommandRejection
	record.RejectionType = rejectionType
	record.RejectionReason = reason
	p.records = append(p.records, record)
	p.responded = true

	p.engine.logger.Debug("rejected command", zap.Stringer("command", p.command), zap.String("reason", reason))
}

// rejectIfClient rejects the command being processed when it is the
// client command. Follow-up commands that cannot apply anymore are
// dropped.
func (p *processing) rejectIfClient(rejectionType protocol.RejectionType, reason string) {
	if p.client && len(p.records) == 0 {
		p.reject(rejectionType, reason)
	}
}

func (p *processing) nextKey() int64 {
	return p.engine.nextKey(p.state)
}

func (p *processing) instance(key int64) (*state.ElementInstance, error) {
	if key == 0 {
		return nil, nil
	}

	return p.state.ElementInstance(key)
}
