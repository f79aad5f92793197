package protocol

import (
	"github.com/goccy/go-json"
)

// Value is the payload of a record
type Value interface {
	ValueType() ValueType
}

// ProcessInstanceRecord describes one element instance. The
// event trigger fields are only set on EVENT_OCCURRED records.
type ProcessInstanceRecord struct {
	BpmnProcessID            string          `json:"bpmnProcessId"`
	Version                  int             `json:"version"`
	ProcessDefinitionKey     int64           `json:"processDefinitionKey"`
	ProcessInstanceKey       int64           `json:"processInstanceKey"`
	ElementID                string          `json:"elementId"`
	FlowScopeKey             int64           `json:"flowScopeKey"`
	BpmnElementType          BpmnElementType `json:"bpmnElementType"`
	ParentProcessInstanceKey int64           `json:"parentProcessInstanceKey"`
	ParentElementInstanceKey int64           `json:"parentElementInstanceKey"`
	LoopCounter              int             `json:"loopCounter,omitempty"`
	Cardinality              int             `json:"cardinality,omitempty"`
	CatchElementID           string          `json:"catchElementId,omitempty"`
	ErrorCode                string          `json:"errorCode,omitempty"`
	Interrupting             bool            `json:"interrupting,omitempty"`
}

// ValueType implements Value
func (*ProcessInstanceRecord) ValueType() ValueType { return ValueTypeProcessInstance }

// ProcessInstanceCreationRecord asks for a new process instance
type ProcessInstanceCreationRecord struct {
	BpmnProcessID        string                 `json:"bpmnProcessId"`
	Version              int                    `json:"version"`
	ProcessDefinitionKey int64                  `json:"processDefinitionKey"`
	ProcessInstanceKey   int64                  `json:"processInstanceKey"`
	Variables            map[string]interface{} `json:"variables,omitempty"`
}

// ValueType implements Value
func (*ProcessInstanceCreationRecord) ValueType() ValueType {
	return ValueTypeProcessInstanceCreation
}

// JobRecord describes a unit of work for an external worker
type JobRecord struct {
	Type                 string                 `json:"type"`
	BpmnProcessID        string                 `json:"bpmnProcessId"`
	ProcessDefinitionKey int64                  `json:"processDefinitionKey"`
	ProcessInstanceKey   int64                  `json:"processInstanceKey"`
	ElementID            string                 `json:"elementId"`
	ElementInstanceKey   int64                  `json:"elementInstanceKey"`
	ErrorCode            string                 `json:"errorCode,omitempty"`
	ErrorMessage         string                 `json:"errorMessage,omitempty"`
	Variables            map[string]interface{} `json:"variables,omitempty"`
}

// ValueType implements Value
func (*JobRecord) ValueType() ValueType { return ValueTypeJob }

// IncidentRecord describes a processing failure that needs attention
type IncidentRecord struct {
	ErrorType            IncidentErrorType `json:"errorType"`
	ErrorMessage         string            `json:"errorMessage"`
	BpmnProcessID        string            `json:"bpmnProcessId"`
	ProcessDefinitionKey int64             `json:"processDefinitionKey"`
	ProcessInstanceKey   int64             `json:"processInstanceKey"`
	ElementID            string            `json:"elementId"`
	ElementInstanceKey   int64             `json:"elementInstanceKey"`
	JobKey               int64             `json:"jobKey"`
}

// ValueType implements Value
func (*IncidentRecord) ValueType() ValueType { return ValueTypeIncident }

// Resource is one deployed file
type Resource struct {
	Name    string `json:"resourceName"`
	Content []byte `json:"resource"`
}

// ProcessMetadata describes a deployed process version
type ProcessMetadata struct {
	BpmnProcessID string `json:"bpmnProcessId"`
	Version       int    `json:"version"`
	Key           int64  `json:"processDefinitionKey"`
	ResourceName  string `json:"resourceName"`
	Checksum      uint64 `json:"checksum"`
	Duplicate     bool   `json:"duplicate,omitempty"`
}

// DecisionMetadata describes one decision of a deployed
// decision requirements graph
type DecisionMetadata struct {
	DecisionID   string `json:"decisionId"`
	DecisionName string `json:"decisionName"`
	Key          int64  `json:"decisionKey"`
}

// DecisionRequirementsMetadata describes a deployed DMN resource
type DecisionRequirementsMetadata struct {
	ID           string             `json:"decisionRequirementsId"`
	Name         string             `json:"decisionRequirementsName"`
	Version      int                `json:"decisionRequirementsVersion"`
	Key          int64              `json:"decisionRequirementsKey"`
	ResourceName string             `json:"resourceName"`
	Checksum     uint64             `json:"checksum"`
	Duplicate    bool               `json:"duplicate,omitempty"`
	Decisions    []DecisionMetadata `json:"decisions"`
}

// DeploymentRecord carries deployed resources and the resulting
// process and decision versions
type DeploymentRecord struct {
	Resources            []Resource                     `json:"resources"`
	Processes            []ProcessMetadata              `json:"processesMetadata,omitempty"`
	DecisionRequirements []DecisionRequirementsMetadata `json:"decisionRequirementsMetadata,omitempty"`
}

// ValueType implements Value
func (*DeploymentRecord) ValueType() ValueType { return ValueTypeDeployment }

// VariableRecord sets one variable in a scope. Value is the
// JSON encoding of the variable.
type VariableRecord struct {
	Name                 string          `json:"name"`
	Value                json.RawMessage `json:"value"`
	ScopeKey             int64           `json:"scopeKey"`
	ProcessInstanceKey   int64           `json:"processInstanceKey"`
	ProcessDefinitionKey int64           `json:"processDefinitionKey"`
	BpmnProcessID        string          `json:"bpmnProcessId"`
}

// ValueType implements Value
func (*VariableRecord) ValueType() ValueType { return ValueTypeVariable }

// EvaluatedDecision is one entry of a decision evaluation trace
type EvaluatedDecision struct {
	DecisionID     string          `json:"decisionId"`
	DecisionName   string          `json:"decisionName"`
	DecisionOutput json.RawMessage `json:"decisionOutput"`
	MatchedRules   []int           `json:"matchedRules"`
}

// DecisionEvaluationRecord reports the outcome of evaluating a
// decision for a business rule task
type DecisionEvaluationRecord struct {
	DecisionID               string              `json:"decisionId"`
	DecisionName             string              `json:"decisionName"`
	DecisionRequirementsKey  int64               `json:"decisionRequirementsKey"`
	DecisionOutput           json.RawMessage     `json:"decisionOutput,omitempty"`
	EvaluatedDecisions       []EvaluatedDecision `json:"evaluatedDecisions"`
	EvaluationFailureMessage string              `json:"evaluationFailureMessage,omitempty"`
	FailedDecisionID         string              `json:"failedDecisionId,omitempty"`
	BpmnProcessID            string              `json:"bpmnProcessId"`
	ProcessDefinitionKey     int64               `json:"processDefinitionKey"`
	ProcessInstanceKey       int64               `json:"processInstanceKey"`
	ElementID                string              `json:"elementId"`
	ElementInstanceKey       int64               `json:"elementInstanceKey"`
}

// ValueType implements Value
func (*DecisionEvaluationRecord) ValueType() ValueType { return ValueTypeDecisionEvaluation }

// ErrorRecord reports an unexpected failure while processing a
// command. The affected process instance is banned.
type ErrorRecord struct {
	ExceptionMessage   string   `json:"exceptionMessage"`
	ErrorEventPosition Position `json:"errorEventPosition"`
	ProcessInstanceKey int64    `json:"processInstanceKey"`
}

// ValueType implements Value
func (*ErrorRecord) ValueType() ValueType { return ValueTypeError }

// ExporterRecord distributes an exporter's acknowledged position
type ExporterRecord struct {
	ExporterID string   `json:"exporterId"`
	Position   Position `json:"position"`
}

// ValueType implements Value
func (*ExporterRecord) ValueType() ValueType { return ValueTypeExporter }

// NewValue returns an empty value for a value type
func NewValue(valueType ValueType) (Value, bool) {
	switch valueType {
	case ValueTypeProcessInstance:
		return &ProcessInstanceRecord{}, true
	case ValueTypeProcessInstanceCreation:
		return &ProcessInstanceCreationRecord{}, true
	case ValueTypeJob:
		return &JobRecord{}, true
	case ValueTypeIncident:
		return &IncidentRecord{}, true
	case ValueTypeDeployment:
		return &DeploymentRecord{}, true
	case ValueTypeVariable:
		return &VariableRecord{}, true
	case ValueTypeDecisionEvaluation:
		return &DecisionEvaluationRecord{}, true
	case ValueTypeError:
		return &ErrorRecord{}, true
	case ValueTypeExporter:
		return &ExporterRecord{}, true
	}

	return nil, false
}
