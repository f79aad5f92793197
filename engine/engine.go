// Package engine executes process instances. Commands are processed
// into batches of follow-up commands and events, and events are
// applied to the partition state. Event appliers are the only code
// that changes state.
package engine

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jrife/grouse/dmn"
	"github.com/jrife/grouse/engine/state"
	"github.com/jrife/grouse/model"
	"github.com/jrife/grouse/protocol"
	"github.com/jrife/grouse/utils/log"
	"go.uber.org/zap"
)

// Config configures an engine
type Config struct {
	PartitionID int
	Logger      *zap.Logger
	// Now returns the timestamp written on records. It is
	// informational only and never flows into state.
	Now func() time.Time
}

// Engine processes commands and applies events for one partition.
// It is not safe for concurrent use: the partition's loop owns it.
type Engine struct {
	partitionID int
	logger      *zap.Logger
	now         func() time.Time
	lastKey     int64
	processes   map[int64]*model.Process
	decisions   map[int64]*dmn.ParsedDecisions
}

// New creates an engine
func New(config Config) *Engine {
	engine := &Engine{
		partitionID: config.PartitionID,
		logger:      log.OrDefault(config.Logger).With(zap.Int("partition", config.PartitionID)),
		now:         config.Now,
	}

	if engine.now == nil {
		engine.now = time.Now
	}

	engine.Reset()

	return engine
}

// Reset drops everything cached from state. It must be called
// whenever the state is replaced, such as after a snapshot is
// installed.
func (engine *Engine) Reset() {
	engine.lastKey = 0
	engine.processes = map[int64]*model.Process{}
	engine.decisions = map[int64]*dmn.ParsedDecisions{}
}

// PartitionID returns the partition this engine serves
func (engine *Engine) PartitionID() int {
	return engine.partitionID
}

func (engine *Engine) nextKey(st *state.State) int64 {
	if last := st.LastKey(); last > engine.lastKey {
		engine.lastKey = last
	}

	engine.lastKey++

	return state.EncodeKey(engine.partitionID, engine.lastKey)
}

func (engine *Engine) process(st *state.State, key int64) (*model.Process, error) {
	if process, ok := engine.processes[key]; ok {
		return process, nil
	}

	deployed, err := st.Process(key)

	if err != nil {
		return nil, err
	}

	if deployed == nil {
		return nil, fmt.Errorf("process %d is not deployed", key)
	}

	process, err := model.Load(deployed.Resource)

	if err != nil {
		return nil, fmt.Errorf("could not load process %d: %w", key, err)
	}

	engine.processes[key] = process

	return process, nil
}

func (engine *Engine) element(st *state.State, value *protocol.ProcessInstanceRecord) (*model.Element, error) {
	process, err := engine.process(st, value.ProcessDefinitionKey)

	if err != nil {
		return nil, err
	}

	element, ok := process.ElementOfType(value.ElementID, value.BpmnElementType)

	if !ok {
		return nil, fmt.Errorf("process %s has no %s %q", process.ID, value.BpmnElementType, value.ElementID)
	}

	return element, nil
}

func (engine *Engine) decisionRequirements(st *state.State, requirements *state.DecisionRequirements) (*dmn.ParsedDecisions, error) {
	if parsed, ok := engine.decisions[requirements.Key]; ok {
		return parsed, nil
	}

	parsed, err := dmn.Parse(bytes.NewReader(requirements.Resource))

	if err != nil {
		return nil, err
	}

	engine.decisions[requirements.Key] = parsed

	return parsed, nil
}

// Process processes a command inside the state's writable
// transaction. It returns every record the command produced in
// order: follow-up commands, events and rejections. Events have
// already been applied to the state. Processing never produces an
// empty batch.
func (engine *Engine) Process(st *state.State, command protocol.Record) ([]protocol.Record, error) {
	engine.lastKey = st.LastKey()
	p := newProcessing(engine, st, command)

	if err := p.run(); err != nil {
		return nil, err
	}

	return p.records, nil
}

// ProcessingError returns the records written in place of a batch
// whose processing failed unexpectedly. The state must not contain
// any change from the failed attempt. The process instance the
// command belongs to is banned.
func (engine *Engine) ProcessingError(st *state.State, command protocol.Record, cause error) ([]protocol.Record, error) {
	engine.logger.Error("could not process command", zap.Stringer("command", command), zap.Error(cause))
	engine.lastKey = st.LastKey()

	p := newProcessing(engine, st, command)
	processInstanceKey := p.processInstanceKeyOf(command)

	if err := p.appendEvent(engine.nextKey(st), protocol.ErrorCreated, &protocol.ErrorRecord{
		ExceptionMessage:   cause.Error(),
		ErrorEventPosition: command.Position,
		ProcessInstanceKey: processInstanceKey,
	}); err != nil {
		return nil, err
	}

	p.reject(protocol.RejectionProcessingError, cause.Error())

	return p.records, nil
}

// ActivatableJob is a job waiting for a worker along with the
// variables visible to it
type ActivatableJob struct {
	Key       int64
	Record    protocol.JobRecord
	Variables map[string]interface{}
}

// ActivatableJobs lists the jobs of a type that wait for a worker
func (engine *Engine) ActivatableJobs(st *state.State, jobType string) ([]ActivatableJob, error) {
	jobs, err := st.Jobs(jobType, state.JobActivatable)

	if err != nil {
		return nil, err
	}

	activatable := make([]ActivatableJob, 0, len(jobs))

	for _, job := range jobs {
		variables, err := collectVariables(st, job.Record.ElementInstanceKey)

		if err != nil {
			return nil, err
		}

		activatable = append(activatable, ActivatableJob{Key: job.Key, Record: job.Record, Variables: variables})
	}

	return activatable, nil
}
