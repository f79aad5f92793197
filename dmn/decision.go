// Package dmn parses DMN decision requirements graphs and evaluates
// their decision tables. Failures are returned as tagged errors:
// Parse only returns *ParseFailure and Evaluate only returns
// *EvaluationFailure.
package dmn

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// HitPolicy of a decision table
type HitPolicy string

const (
	HitPolicyUnique    HitPolicy = "UNIQUE"
	HitPolicyFirst     HitPolicy = "FIRST"
	HitPolicyAny       HitPolicy = "ANY"
	HitPolicyCollect   HitPolicy = "COLLECT"
	HitPolicyRuleOrder HitPolicy = "RULE ORDER"
)

// ParseFailure describes why a resource could not be parsed
type ParseFailure struct {
	Message string
}

func (failure *ParseFailure) Error() string {
	return "could not parse decisions: " + failure.Message
}

// ParsedDecisions is a parsed decision requirements graph
type ParsedDecisions struct {
	RequirementsID   string
	RequirementsName string
	Namespace        string
	Decisions        []*ParsedDecision

	byID map[string]*ParsedDecision
}

// Decision returns the decision with this id
func (parsed *ParsedDecisions) Decision(id string) (*ParsedDecision, bool) {
	decision, ok := parsed.byID[id]

	return decision, ok
}

// ParsedDecision is one decision of the graph. Required lists the ids
// of decisions whose outputs this decision reads.
type ParsedDecision struct {
	ID       string
	Name     string
	Required []string

	table   *decisionTable
	literal *inputExpression
}

type decisionTable struct {
	hitPolicy HitPolicy
	inputs    []inputExpression
	outputs   []string
	rules     []rule
}

type rule struct {
	id      string
	tests   []unaryTest
	outputs []interface{}
}

type xmlDefinitions struct {
	ID        string        `xml:"id,attr"`
	Name      string        `xml:"name,attr"`
	Namespace string        `xml:"namespace,attr"`
	Decisions []xmlDecision `xml:"decision"`
}

type xmlDecision struct {
	ID           string                `xml:"id,attr"`
	Name         string                `xml:"name,attr"`
	Requirements []xmlRequirement      `xml:"informationRequirement"`
	Table        *xmlDecisionTable     `xml:"decisionTable"`
	Literal      *xmlLiteralExpression `xml:"literalExpression"`
}

type xmlRequirement struct {
	RequiredDecision *struct {
		Href string `xml:"href,attr"`
	} `xml:"requiredDecision"`
}

type xmlDecisionTable struct {
	HitPolicy   string      `xml:"hitPolicy,attr"`
	Aggregation string      `xml:"aggregation,attr"`
	Inputs      []xmlInput  `xml:"input"`
	Outputs     []xmlOutput `xml:"output"`
	Rules       []xmlRule   `xml:"rule"`
}

type xmlInput struct {
	Label      string               `xml:"label,attr"`
	Expression xmlLiteralExpression `xml:"inputExpression"`
}

type xmlOutput struct {
	Name  string `xml:"name,attr"`
	Label string `xml:"label,attr"`
}

type xmlRule struct {
	ID            string   `xml:"id,attr"`
	InputEntries  []string `xml:"inputEntry>text"`
	OutputEntries []string `xml:"outputEntry>text"`
}

type xmlLiteralExpression struct {
	Text string `xml:"text"`
}

// Parse reads a DMN document
func Parse(reader io.Reader) (parsed *ParsedDecisions, err error) {
	defer func() {
		if r := recover(); r != nil {
			parsed, err = nil, &ParseFailure{Message: fmt.Sprintf("%v", r)}
		}
	}()

	var definitions xmlDefinitions

	if err := xml.NewDecoder(reader).Decode(&definitions); err != nil {
		return nil, &ParseFailure{Message: err.Error()}
	}

	if definitions.ID == "" {
		return nil, &ParseFailure{Message: "the definitions have no id"}
	}

	if len(definitions.Decisions) == 0 {
		return nil, &ParseFailure{Message: "no decisions found"}
	}

	parsed = &ParsedDecisions{
		RequirementsID:   definitions.ID,
		RequirementsName: definitions.Name,
		Namespace:        definitions.Namespace,
		byID:             map[string]*ParsedDecision{},
	}

	for _, xmlDecision := range definitions.Decisions {
		decision, err := parseDecision(xmlDecision)

		if err != nil {
			return nil, err
		}

		if _, ok := parsed.byID[decision.ID]; ok {
			return nil, &ParseFailure{Message: fmt.Sprintf("duplicate decision %q", decision.ID)}
		}

		parsed.byID[decision.ID] = decision
		parsed.Decisions = append(parsed.Decisions, decision)
	}

	for _, decision := range parsed.Decisions {
		for _, required := range decision.Required {
			if _, ok := parsed.byID[required]; !ok {
				return nil, &ParseFailure{Message: fmt.Sprintf("decision %q requires unknown decision %q", decision.ID, required)}
			}
		}
	}

	if cycle := findCycle(parsed); cycle != "" {
		return nil, &ParseFailure{Message: fmt.Sprintf("decision %q requires itself", cycle)}
	}

	return parsed, nil
}

func parseDecision(definition xmlDecision) (*ParsedDecision, error) {
	if definition.ID == "" {
		return nil, &ParseFailure{Message: "a decision has no id"}
	}

	decision := &ParsedDecision{ID: definition.ID, Name: definition.Name}

	for _, requirement := range definition.Requirements {
		if requirement.RequiredDecision != nil {
			decision.Required = append(decision.Required, strings.TrimPrefix(requirement.RequiredDecision.Href, "#"))
		}
	}

	fail := func(format string, args ...interface{}) error {
		return &ParseFailure{Message: fmt.Sprintf("decision %q: ", definition.ID) + fmt.Sprintf(format, args...)}
	}

	switch {
	case definition.Table != nil:
		table, err := parseTable(definition.Table)

		if err != nil {
			return nil, fail("%s", err)
		}

		decision.table = table
	case definition.Literal != nil:
		expression, err := parseInputExpression(definition.Literal.Text)

		if err != nil {
			return nil, fail("%s", err)
		}

		decision.literal = &expression
	default:
		return nil, fail("no decision table or literal expression")
	}

	return decision, nil
}

func parseTable(definition *xmlDecisionTable) (*decisionTable, error) {
	table := &decisionTable{hitPolicy: HitPolicy(strings.TrimSpace(definition.HitPolicy))}

	switch table.hitPolicy {
	case "":
		table.hitPolicy = HitPolicyUnique
	case HitPolicyUnique, HitPolicyFirst, HitPolicyAny, HitPolicyRuleOrder:
	case HitPolicyCollect:
		if definition.Aggregation != "" {
			return nil, fmt.Errorf("unsupported aggregation %q", definition.Aggregation)
		}
	default:
		return nil, fmt.Errorf("unsupported hit policy %q", definition.HitPolicy)
	}

	if len(definition.Outputs) == 0 {
		return nil, fmt.Errorf("the decision table has no outputs")
	}

	for _, input := range definition.Inputs {
		expression, err := parseInputExpression(input.Expression.Text)

		if err != nil {
			return nil, err
		}

		table.inputs = append(table.inputs, expression)
	}

	for i, output := range definition.Outputs {
		if output.Name == "" && len(definition.Outputs) > 1 {
			return nil, fmt.Errorf("output %d has no name", i+1)
		}

		table.outputs = append(table.outputs, output.Name)
	}

	for i, definition := range definition.Rules {
		if len(definition.InputEntries) != len(table.inputs) || len(definition.OutputEntries) != len(table.outputs) {
			return nil, fmt.Errorf("rule %d does not match the table's inputs and outputs", i+1)
		}

		rule := rule{id: definition.ID}

		for _, entry := range definition.InputEntries {
			test, err := parseUnaryTests(entry)

			if err != nil {
				return nil, fmt.Errorf("rule %d: %w", i+1, err)
			}

			rule.tests = append(rule.tests, test)
		}

		for _, entry := range definition.OutputEntries {
			value, err := parseOutputEntry(entry)

			if err != nil {
				return nil, fmt.Errorf("rule %d: %w", i+1, err)
			}

			rule.outputs = append(rule.outputs, value)
		}

		table.rules = append(table.rules, rule)
	}

	return table, nil
}

func findCycle(parsed *ParsedDecisions) string {
	const (
		visiting = 1
		done     = 2
	)

	marks := map[string]int{}
	var visit func(id string) string

	visit = func(id string) string {
		switch marks[id] {
		case visiting:
			return id
		case done:
			return ""
		}

		marks[id] = visiting

		for _, required := range parsed.byID[id].Required {
			if cycle := visit(required); cycle != "" {
				return cycle
			}
		}

		marks[id] = done

		return ""
	}

	for _, decision := range parsed.Decisions {
		if cycle := visit(decision.ID); cycle != "" {
			return cycle
		}
	}

	return ""
}
