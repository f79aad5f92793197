package dmn

import (
	"fmt"
)

// MatchedRule identifies a rule that matched during evaluation.
// RuleIndex starts at 1.
type MatchedRule struct {
	RuleID    string
	RuleIndex int
}

// EvaluatedDecision is one step of an evaluation trace
type EvaluatedDecision struct {
	DecisionID   string
	DecisionName string
	Output       interface{}
	MatchedRules []MatchedRule
}

// EvaluationResult is the output of the requested decision and the
// trace of every decision evaluated to produce it, required
// decisions first
type EvaluationResult struct {
	Output             interface{}
	EvaluatedDecisions []EvaluatedDecision
}

// EvaluationFailure describes why a decision could not be evaluated.
// EvaluatedDecisions holds the decisions evaluated before the failure.
type EvaluationFailure struct {
	Reason             string
	FailedDecisionID   string
	EvaluatedDecisions []EvaluatedDecision
}

func (failure *EvaluationFailure) Error() string {
	return fmt.Sprintf("could not evaluate decision %q: %s", failure.FailedDecisionID, failure.Reason)
}

// Evaluate evaluates a decision against a variable context. The
// outputs of required decisions are visible to later decisions under
// the required decision's id.
func Evaluate(parsed *ParsedDecisions, decisionID string, variables map[string]interface{}) (result *EvaluationResult, err error) {
	evaluation := &evaluation{parsed: parsed, context: map[string]interface{}{}, evaluated: map[string]bool{}}

	defer func() {
		if r := recover(); r != nil {
			result, err = nil, &EvaluationFailure{
				Reason:             fmt.Sprintf("%v", r),
				FailedDecisionID:   decisionID,
				EvaluatedDecisions: evaluation.trace,
			}
		}
	}()

	if parsed == nil {
		return nil, &EvaluationFailure{Reason: "no decisions", FailedDecisionID: decisionID}
	}

	for name, value := range variables {
		evaluation.context[name] = value
	}

	if _, ok := parsed.Decision(decisionID); !ok {
		return nil, &EvaluationFailure{Reason: "no decision found for id", FailedDecisionID: decisionID}
	}

	output, err := evaluation.evaluate(decisionID)

	if err != nil {
		return nil, err
	}

	return &EvaluationResult{Output: output, EvaluatedDecisions: evaluation.trace}, nil
}

type evaluation struct {
	parsed    *ParsedDecisions
	context   map[string]interface{}
	evaluated map[string]bool
	trace     []EvaluatedDecision
}

func (evaluation *evaluation) evaluate(decisionID string) (interface{}, error) {
	decision, _ := evaluation.parsed.Decision(decisionID)

	for _, required := range decision.Required {
		if evaluation.evaluated[required] {
			continue
		}

		output, err := evaluation.evaluate(required)

		if err != nil {
			return nil, err
		}

		evaluation.context[required] = output
	}

	evaluated := EvaluatedDecision{DecisionID: decision.ID, DecisionName: decision.Name}

	if decision.literal != nil {
		evaluated.Output = decision.literal.evaluate(evaluation.context)
	} else {
		output, matched, err := decision.table.evaluate(evaluation.context)

		if err != nil {
			return nil, &EvaluationFailure{Reason: err.Error(), FailedDecisionID: decision.ID, EvaluatedDecisions: evaluation.trace}
		}

		evaluated.Output = output
		evaluated.MatchedRules = matched
	}

	evaluation.evaluated[decision.ID] = true
	evaluation.trace = append(evaluation.trace, evaluated)

	return evaluated.Output, nil
}

func (table *decisionTable) evaluate(context map[string]interface{}) (interface{}, []MatchedRule, error) {
	inputs := make([]interface{}, len(table.inputs))

	for i, input := range table.inputs {
		inputs[i] = input.evaluate(context)
	}

	var matched []MatchedRule
	var outputs []interface{}

	for i, rule := range table.rules {
		if !rule.matches(inputs) {
			continue
		}

		matched = append(matched, MatchedRule{RuleID: rule.id, RuleIndex: i + 1})
		outputs = append(outputs, table.output(rule))

		if table.hitPolicy == HitPolicyFirst {
			break
		}
	}

	switch table.hitPolicy {
	case HitPolicyCollect, HitPolicyRuleOrder:
		if outputs == nil {
			outputs = []interface{}{}
		}

		return outputs, matched, nil
	case HitPolicyUnique:
		if len(matched) > 1 {
			return nil, nil, fmt.Errorf("hit policy UNIQUE but %d rules matched", len(matched))
		}
	case HitPolicyAny:
		for _, output := range outputs[min(1, len(outputs)):] {
			if !sameOutput(outputs[0], output) {
				return nil, nil, fmt.Errorf("hit policy ANY but the matched rules have different outputs")
			}
		}
	}

	if len(outputs) == 0 {
		return nil, matched, nil
	}

	return outputs[0], matched[:1], nil
}

func (rule rule) matches(inputs []interface{}) bool {
	for i, test := range rule.tests {
		if !test(inputs[i]) {
			return false
		}
	}

	return true
}

func (table *decisionTable) output(rule rule) interface{} {
	if len(table.outputs) == 1 {
		return rule.outputs[0]
	}

	output := make(map[string]interface{}, len(table.outputs))

	for i, name := range table.outputs {
		output[name] = rule.outputs[i]
	}

	return output
}

func sameOutput(a, b interface{}) bool {
	x, ok := a.(map[string]interface{})

	if !ok {
		return equal(a, b)
	}

	y, ok := b.(map[string]interface{})

	if !ok || len(x) != len(y) {
		return false
	}

	for name, value := range x {
		if other, ok := y[name]; !ok || !equal(value, other) {
			return false
		}
	}

	return true
}
