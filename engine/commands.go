package engine

import (
	"bytes"
	"fmt"
	"path"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/jrife/grouse/dmn"
	"github.com/jrife/grouse/engine/state"
	"github.com/jrife/grouse/model"
	"github.com/jrife/grouse/protocol"
)

type deployedResource struct {
	resource     protocol.Resource
	process      *model.Process
	requirements *dmn.ParsedDecisions
}

// deploy parses every resource of a deployment before anything is
// written. A single invalid resource rejects the whole deployment.
func (p *processing) deploy(command protocol.Record) error {
	value := command.Value.(*protocol.DeploymentRecord)

	if len(value.Resources) == 0 {
		p.reject(protocol.RejectionInvalidArgument, "expected to deploy at least one resource, but none given")

		return nil
	}

	var resources []deployedResource
	names := map[string]bool{}
	ids := map[string]bool{}

	for _, resource := range value.Resources {
		if names[resource.Name] {
			p.reject(protocol.RejectionInvalidArgument, fmt.Sprintf("duplicate resource name '%s'", resource.Name))

			return nil
		}

		names[resource.Name] = true
		deployed := deployedResource{resource: resource}
		var id string

		switch strings.ToLower(path.Ext(resource.Name)) {
		case ".yaml", ".yml":
			process, err := model.Load(resource.Content)

			if err != nil {
				p.reject(protocol.RejectionInvalidArgument, fmt.Sprintf("could not parse '%s': %s", resource.Name, err))

				return nil
			}

			deployed.process = process
			id = "process:" + process.ID
		case ".dmn":
			requirements, err := dmn.Parse(bytes.NewReader(resource.Content))

			if err != nil {
				p.reject(protocol.RejectionInvalidArgument, fmt.Sprintf("could not parse '%s': %s", resource.Name, err))

				return nil
			}

			deployed.requirements = requirements
			id = "decisions:" + requirements.RequirementsID
		default:
			p.reject(protocol.RejectionInvalidArgument, fmt.Sprintf("'%s' is neither a process (.yaml) nor a decision (.dmn) resource", resource.Name))

			return nil
		}

		if ids[id] {
			p.reject(protocol.RejectionInvalidArgument, fmt.Sprintf("duplicate id '%s' in resource '%s'", strings.SplitN(id, ":", 2)[1], resource.Name))

			return nil
		}

		ids[id] = true
		resources = append(resources, deployed)
	}

	created := &protocol.DeploymentRecord{Resources: value.Resources}

	for _, deployed := range resources {
		checksum := xxhash.Sum64(deployed.resource.Content)

		if deployed.process != nil {
			metadata, err := p.processMetadata(deployed, checksum)

			if err != nil {
				return err
			}

			created.Processes = append(created.Processes, metadata)

			continue
		}

		metadata, err := p.decisionRequirementsMetadata(deployed, checksum)

		if err != nil {
			return err
		}

		created.DecisionRequirements = append(created.DecisionRequirements, metadata)
	}

	return p.respond(p.nextKey(), protocol.DeploymentCreated, created)
}

func (p *processing) processMetadata(deployed deployedResource, checksum uint64) (protocol.ProcessMetadata, error) {
	metadata := protocol.ProcessMetadata{
		BpmnProcessID: deployed.process.ID,
		Version:       1,
		ResourceName:  deployed.resource.Name,
		Checksum:      checksum,
	}

	latest, err := p.state.LatestProcess(deployed.process.ID)

	if err != nil {
		return metadata, err
	}

	switch {
	case latest != nil && latest.Checksum == checksum:
		metadata.Version = latest.Version
		metadata.Key = latest.Key
		metadata.ResourceName = latest.ResourceName
		metadata.Duplicate = true

		return metadata, nil
	case latest != nil:
		metadata.Version = latest.Version + 1
	}

	metadata.Key = p.nextKey()

	return metadata, nil
}

func (p *processing) decisionRequirementsMetadata(deployed deployedResource, checksum uint64) (protocol.DecisionRequirementsMetadata, error) {
	parsed := deployed.requirements
	metadata := protocol.DecisionRequirementsMetadata{
		ID:           parsed.RequirementsID,
		Name:         parsed.RequirementsName,
		Version:      1,
		ResourceName: deployed.resource.Name,
		Checksum:     checksum,
	}

	latest, err := p.state.LatestDecisionRequirements(parsed.RequirementsID)

	if err != nil {
		return metadata, err
	}

	switch {
	case latest != nil && latest.Checksum == checksum:
		metadata.Version = latest.Version
		metadata.Key = latest.Key
		metadata.ResourceName = latest.ResourceName
		metadata.Decisions = latest.Decisions
		metadata.Duplicate = true

		return metadata, nil
	case latest != nil:
		metadata.Version = latest.Version + 1
	}

	metadata.Key = p.nextKey()

	for _, decision := range parsed.Decisions {
		metadata.Decisions = append(metadata.Decisions, protocol.DecisionMetadata{
			DecisionID:   decision.ID,
			DecisionName: decision.Name,
			Key:          p.nextKey(),
		})
	}

	return metadata, nil
}

// createProcessInstance creates an instance of the requested
// process version, or of the latest one
func (p *processing) createProcessInstance(command protocol.Record) error {
	value := command.Value.(*protocol.ProcessInstanceCreationRecord)
	var deployed *state.Process
	var err error

	switch {
	case value.ProcessDefinitionKey != 0:
		deployed, err = p.state.Process(value.ProcessDefinitionKey)
	case value.Version > 0:
		deployed, err = p.state.ProcessVersion(value.BpmnProcessID, value.Version)
	default:
		deployed, err = p.state.LatestProcess(value.BpmnProcessID)
	}

	if err != nil {
		return err
	}

	if deployed == nil {
		p.reject(protocol.RejectionNotFound, fmt.Sprintf("expected to find process definition with process id '%s', but none found", value.BpmnProcessID))

		return nil
	}

	variables, err := encodeVariables(value.Variables)

	if err != nil {
		p.reject(protocol.RejectionInvalidArgument, err.Error())

		return nil
	}

	process, err := p.engine.process(p.state, deployed.Key)

	if err != nil {
		return err
	}

	instanceKey := p.nextKey()
	root := protocol.ProcessInstanceRecord{
		BpmnProcessID:        deployed.BpmnProcessID,
		Version:              deployed.Version,
		ProcessDefinitionKey: deployed.Key,
		ProcessInstanceKey:   instanceKey,
		ElementID:            process.ID,
		BpmnElementType:      protocol.ElementTypeProcess,
	}

	if err := p.createVariables(instanceKey, root, variables); err != nil {
		return err
	}

	created := *value
	created.BpmnProcessID = deployed.BpmnProcessID
	created.Version = deployed.Version
	created.ProcessDefinitionKey = deployed.Key
	created.ProcessInstanceKey = instanceKey

	if err := p.respond(instanceKey, protocol.ProcessInstanceCreationCreated, &created); err != nil {
		return err
	}

	p.activateLater(instanceKey, root)

	return nil
}

// cancelProcessInstance terminates a root process instance. Called
// process instances are canceled through their root.
func (p *processing) cancelProcessInstance(command protocol.Record) error {
	root, err := p.instance(command.Key)

	if err != nil {
		return err
	}

	if root == nil || root.Value.BpmnElementType != protocol.ElementTypeProcess {
		p.reject(protocol.RejectionNotFound, fmt.Sprintf("expected to cancel a process instance with key '%d', but no such process was found", command.Key))

		return nil
	}

	if root.Value.ParentElementInstanceKey != 0 {
		p.reject(protocol.RejectionInvalidState, fmt.Sprintf("expected to cancel a process instance with key '%d', but it is created by a parent process instance", command.Key))

		return nil
	}

	if root.State == protocol.ElementTerminating {
		p.reject(protocol.RejectionInvalidState, fmt.Sprintf("process instance '%d' is already being canceled", command.Key))

		return nil
	}

	first := len(p.records)

	if err := p.terminate(root); err != nil {
		return err
	}

	p.respondAt(first)

	return nil
}

func (p *processing) processCreateJob(command protocol.Record) error {
	value := *command.Value.(*protocol.JobRecord)
	instance, err := p.instance(value.ElementInstanceKey)

	if err != nil {
		return err
	}

	if instance == nil || instance.State != protocol.ElementActivated {
		return nil
	}

	return p.appendEvent(command.Key, protocol.JobCreated, &value)
}

// activeJob returns a job whose element instance waits for it. The
// command is rejected otherwise.
func (p *processing) activeJob(command protocol.Record, action string) (*state.Job, *state.ElementInstance, error) {
	job, err := p.state.Job(command.Key)

	if err != nil {
		return nil, nil, err
	}

	if job == nil {
		p.reject(protocol.RejectionNotFound, fmt.Sprintf("expected to %s job with key '%d', but no such job was found", action, command.Key))

		return nil, nil, nil
	}

	if job.State == state.JobFailed {
		p.reject(protocol.RejectionInvalidState, fmt.Sprintf("expected to %s job with key '%d', but it has an incident", action, command.Key))

		return nil, nil, nil
	}

	instance, err := p.instance(job.Record.ElementInstanceKey)

	if err != nil {
		return nil, nil, err
	}

	if instance == nil || instance.State != protocol.ElementActivated {
		p.reject(protocol.RejectionInvalidState, fmt.Sprintf("expected to %s job with key '%d', but its element instance is not active", action, command.Key))

		return nil, nil, nil
	}

	return job, instance, nil
}

func (p *processing) completeJob(command protocol.Record) error {
	job, instance, err := p.activeJob(command, "complete")

	if err != nil || job == nil {
		return err
	}

	value := command.Value.(*protocol.JobRecord)
	variables, err := encodeVariables(value.Variables)

	if err != nil {
		p.reject(protocol.RejectionInvalidArgument, err.Error())

		return nil
	}

	completed := job.Record
	completed.Variables = value.Variables

	if err := p.respond(job.Key, protocol.JobCompleted, &completed); err != nil {
		return err
	}

	if err := p.setVariables(instance.Key, variables); err != nil {
		return err
	}

	if instance, err = p.instance(instance.Key); err != nil {
		return err
	}

	return p.completeElement(instance)
}

func (p *processing) throwJobError(command protocol.Record) error {
	job, instance, err := p.activeJob(command, "throw an error for")

	if err != nil || job == nil {
		return err
	}

	value := command.Value.(*protocol.JobRecord)
	thrown := job.Record
	thrown.ErrorCode = value.ErrorCode
	thrown.ErrorMessage = value.ErrorMessage

	if err := p.respond(job.Key, protocol.JobErrorThrown, &thrown); err != nil {
		return err
	}

	if instance, err = p.instance(instance.Key); err != nil {
		return err
	}

	return p.throwError(instance, value.ErrorCode, value.ErrorMessage, job.Key)
}

// resolveIncident resolves an incident. Incidents of jobs make the
// job activatable again. Other incidents retry the step that failed.
func (p *processing) resolveIncident(command protocol.Record) error {
	incident, err := p.state.Incident(command.Key)

	if err != nil {
		return err
	}

	if incident == nil {
		p.reject(protocol.RejectionNotFound, fmt.Sprintf("expected to resolve incident with key '%d', but no such incident was found", command.Key))

		return nil
	}

	if err := p.respond(incident.Key, protocol.IncidentResolved, &incident.Record); err != nil {
		return err
	}

	if incident.Record.JobKey != 0 {
		return nil
	}

	instance, err := p.instance(incident.Record.ElementInstanceKey)

	if err != nil || instance == nil {
		return err
	}

	switch instance.State {
	case protocol.ElementActivating:
		return p.proceedActivation(instance.Key)
	case protocol.ElementActivated:
		return p.runActivated(instance.Key)
	}

	return nil
}
