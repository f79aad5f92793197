package protocol

// ValueType names the kind of value a record carries
type ValueType string

const (
	ValueTypeProcessInstance         ValueType = "PROCESS_INSTANCE"
	ValueTypeProcessInstanceCreation ValueType = "PROCESS_INSTANCE_CREATION"
	ValueTypeJob                     ValueType = "JOB"
	ValueTypeIncident                ValueType = "INCIDENT"
	ValueTypeDeployment              ValueType = "DEPLOYMENT"
	ValueTypeVariable                ValueType = "VARIABLE"
	ValueTypeDecisionEvaluation      ValueType = "DECISION_EVALUATION"
	ValueTypeError                   ValueType = "ERROR"
	ValueTypeExporter                ValueType = "EXPORTER"
)

// Intent names what a record asks for or reports. The same
// string may be used by several value types.
type Intent string

// Process instance intents
const (
	ActivateElement    Intent = "ACTIVATE_ELEMENT"
	CompleteElement    Intent = "COMPLETE_ELEMENT"
	TerminateElement   Intent = "TERMINATE_ELEMENT"
	Cancel             Intent = "CANCEL"
	ElementActivating  Intent = "ELEMENT_ACTIVATING"
	ElementActivated   Intent = "ELEMENT_ACTIVATED"
	ElementCompleting  Intent = "ELEMENT_COMPLETING"
	ElementCompleted   Intent = "ELEMENT_COMPLETED"
	ElementTerminating Intent = "ELEMENT_TERMINATING"
	ElementTerminated  Intent = "ELEMENT_TERMINATED"
	EventOccurred      Intent = "EVENT_OCCURRED"
	SequenceFlowTaken  Intent = "SEQUENCE_FLOW_TAKEN"
)

// Job intents
const (
	JobCreate      Intent = "CREATE"
	JobCreated     Intent = "CREATED"
	JobComplete    Intent = "COMPLETE"
	JobCompleted   Intent = "COMPLETED"
	JobThrowError  Intent = "THROW_ERROR"
	JobErrorThrown Intent = "ERROR_THROWN"
	JobCanceled    Intent = "CANCELED"
)

// Incident intents
const (
	IncidentCreated  Intent = "CREATED"
	IncidentResolve  Intent = "RESOLVE"
	IncidentResolved Intent = "RESOLVED"
)

// Deployment intents
const (
	DeploymentCreate  Intent = "CREATE"
	DeploymentCreated Intent = "CREATED"
)

// Process instance creation intents
const (
	ProcessInstanceCreationCreate  Intent = "CREATE"
	ProcessInstanceCreationCreated Intent = "CREATED"
)

// Variable intents
const (
	VariableCreated Intent = "CREATED"
	VariableUpdated Intent = "UPDATED"
)

// Decision evaluation intents
const (
	DecisionEvaluated        Intent = "EVALUATED"
	DecisionEvaluationFailed Intent = "FAILED"
)

// Error intents
const (
	ErrorCreated Intent = "CREATED"
)

// Exporter intents
const (
	ExporterPositionUpdated Intent = "POSITION_UPDATED"
)

// BpmnElementType is the closed set of element types the engine
// knows how to execute
type BpmnElementType string

const (
	ElementTypeProcess           BpmnElementType = "PROCESS"
	ElementTypeStartEvent        BpmnElementType = "START_EVENT"
	ElementTypeEndEvent          BpmnElementType = "END_EVENT"
	ElementTypeServiceTask       BpmnElementType = "SERVICE_TASK"
	ElementTypeBusinessRuleTask  BpmnElementType = "BUSINESS_RULE_TASK"
	ElementTypeSubProcess        BpmnElementType = "SUB_PROCESS"
	ElementTypeEventSubProcess   BpmnElementType = "EVENT_SUB_PROCESS"
	ElementTypeBoundaryEvent     BpmnElementType = "BOUNDARY_EVENT"
	ElementTypeCallActivity      BpmnElementType = "CALL_ACTIVITY"
	ElementTypeMultiInstanceBody BpmnElementType = "MULTI_INSTANCE_BODY"
	ElementTypeSequenceFlow      BpmnElementType = "SEQUENCE_FLOW"
)

// IncidentErrorType classifies incidents
type IncidentErrorType string

const (
	UnhandledErrorEvent     IncidentErrorType = "UNHANDLED_ERROR_EVENT"
	DecisionEvaluationError IncidentErrorType = "DECISION_EVALUATION_ERROR"
	CalledElementError      IncidentErrorType = "CALLED_ELEMENT_ERROR"
	ExtractValueError       IncidentErrorType = "EXTRACT_VALUE_ERROR"
)
