package dmn_test

import (
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jrife/grouse/dmn"
)

func parseFile(t *testing.T, name string) *dmn.ParsedDecisions {
	t.Helper()

	file, err := os.Open("testdata/" + name)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	defer file.Close()

	parsed, err := dmn.Parse(file)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	return parsed
}

func TestParseDecisionTable(t *testing.T) {
	parsed := parseFile(t, "decision-table.dmn")

	if parsed.RequirementsID != "force-users" || parsed.RequirementsName != "Force Users" {
		t.Fatalf("unexpected decision requirements %q %q", parsed.RequirementsID, parsed.RequirementsName)
	}

	if parsed.Namespace != "http://camunda.org/schema/1.0/dmn" {
		t.Fatalf("unexpected namespace %q", parsed.Namespace)
	}

	if len(parsed.Decisions) != 1 || parsed.Decisions[0].ID != "jediOrSith" || parsed.Decisions[0].Name != "Jedi or Sith" {
		t.Fatalf("unexpected decisions %#v", parsed.Decisions)
	}
}

func TestParseFailure(t *testing.T) {
	testCases := map[string]string{
		"empty":          "",
		"not xml":        "{}",
		"no decisions":   `<definitions id="d"></definitions>`,
		"no logic":       `<definitions id="d"><decision id="x"></decision></definitions>`,
		"unknown policy": `<definitions id="d"><decision id="x"><decisionTable hitPolicy="PRIORITY"><output name="o"/></decisionTable></decision></definitions>`,
		"bad entry": `<definitions id="d"><decision id="x"><decisionTable>
			<input><inputExpression><text>a</text></inputExpression></input><output name="o"/>
			<rule><inputEntry><text>"unterminated</text></inputEntry><outputEntry><text>1</text></outputEntry></rule>
			</decisionTable></decision></definitions>`,
		"entry count": `<definitions id="d"><decision id="x"><decisionTable>
			<input><inputExpression><text>a</text></inputExpression></input><output name="o"/>
			<rule><outputEntry><text>1</text></outputEntry></rule>
			</decisionTable></decision></definitions>`,
		"unknown requirement": `<definitions id="d"><decision id="x">
			<informationRequirement><requiredDecision href="#y"/></informationRequirement>
			<literalExpression><text>1</text></literalExpression></decision></definitions>`,
		"cycle": `<definitions id="d">
			<decision id="x"><informationRequirement><requiredDecision href="#y"/></informationRequirement><literalExpression><text>1</text></literalExpression></decision>
			<decision id="y"><informationRequirement><requiredDecision href="#x"/></informationRequirement><literalExpression><text>1</text></literalExpression></decision>
			</definitions>`,
	}

	for name, document := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := dmn.Parse(strings.NewReader(document))
			var failure *dmn.ParseFailure

			if !errors.As(err, &failure) {
				t.Fatalf("expected a *ParseFailure, got %#v", err)
			}
		})
	}
}

func TestEvaluateUnique(t *testing.T) {
	parsed := parseFile(t, "decision-table.dmn")

	testCases := map[string]struct {
		color    interface{}
		expected interface{}
		rules    []dmn.MatchedRule
	}{
		"blue":    {color: "blue", expected: "Jedi", rules: []dmn.MatchedRule{{RuleID: "Rule_blue", RuleIndex: 1}}},
		"green":   {color: "green", expected: "Jedi", rules: []dmn.MatchedRule{{RuleID: "Rule_blue", RuleIndex: 1}}},
		"red":     {color: "red", expected: "Sith", rules: []dmn.MatchedRule{{RuleID: "Rule_red", RuleIndex: 2}}},
		"none":    {color: "purple", expected: nil},
		"missing": {color: nil, expected: nil},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			result, err := dmn.Evaluate(parsed, "jediOrSith", map[string]interface{}{"lightsaberColor": testCase.color})

			if err != nil {
				t.Fatalf("expected err to be nil, got %#v", err)
			}

			expected := []dmn.EvaluatedDecision{{
				DecisionID:   "jediOrSith",
				DecisionName: "Jedi or Sith",
				Output:       testCase.expected,
				MatchedRules: testCase.rules,
			}}

			if diff := cmp.Diff(testCase.expected, result.Output); diff != "" {
				t.Fatalf("unexpected output (-want +got):\n%s", diff)
			}

			if diff := cmp.Diff(expected, result.EvaluatedDecisions); diff != "" {
				t.Fatalf("unexpected trace (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEvaluateRequiredDecisions(t *testing.T) {
	parsed := parseFile(t, "required-decisions.dmn")
	variables := map[string]interface{}{
		"customer": map[string]interface{}{"orders": 4},
	}

	result, err := dmn.Evaluate(parsed, "shippingOptions", variables)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	options := []interface{}{
		map[string]interface{}{"method": "standard", "cost": 5.0},
		map[string]interface{}{"method": "express", "cost": 0.0},
	}

	expected := &dmn.EvaluationResult{
		Output: options,
		EvaluatedDecisions: []dmn.EvaluatedDecision{
			{
				DecisionID:   "customerTier",
				DecisionName: "Customer Tier",
				Output:       "silver",
				MatchedRules: []dmn.MatchedRule{{RuleID: "Rule_silver", RuleIndex: 2}},
			},
			{
				DecisionID:   "shippingOptions",
				DecisionName: "Shipping Options",
				Output:       options,
				MatchedRules: []dmn.MatchedRule{{RuleID: "Rule_standard", RuleIndex: 1}, {RuleID: "Rule_express", RuleIndex: 2}},
			},
		},
	}

	if diff := cmp.Diff(expected, result); diff != "" {
		t.Fatalf("unexpected result (-want +got):\n%s", diff)
	}

	result, err = dmn.Evaluate(parsed, "customerTier", map[string]interface{}{"customer": map[string]interface{}{"orders": 12.0}})

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if result.Output != "gold" {
		t.Fatalf("expected gold, got %#v", result.Output)
	}
}

func TestEvaluateFailure(t *testing.T) {
	parsed, err := dmn.Parse(strings.NewReader(`<definitions id="d">
		<decision id="first"><literalExpression><text>1</text></literalExpression></decision>
		<decision id="overlap">
			<informationRequirement><requiredDecision href="#first"/></informationRequirement>
			<decisionTable>
				<input><inputExpression><text>amount</text></inputExpression></input><output name="o"/>
				<rule id="a"><inputEntry><text>&gt; 1</text></inputEntry><outputEntry><text>"a"</text></outputEntry></rule>
				<rule id="b"><inputEntry><text>&lt; 10</text></inputEntry><outputEntry><text>"b"</text></outputEntry></rule>
			</decisionTable>
		</decision>
	</definitions>`))

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	_, err = dmn.Evaluate(parsed, "overlap", map[string]interface{}{"amount": 5})
	var failure *dmn.EvaluationFailure

	if !errors.As(err, &failure) {
		t.Fatalf("expected an *EvaluationFailure, got %#v", err)
	}

	if failure.FailedDecisionID != "overlap" {
		t.Fatalf("expected overlap to fail, got %q", failure.FailedDecisionID)
	}

	partial := []dmn.EvaluatedDecision{{DecisionID: "first", Output: 1.0}}

	if diff := cmp.Diff(partial, failure.EvaluatedDecisions); diff != "" {
		t.Fatalf("unexpected partial trace (-want +got):\n%s", diff)
	}

	_, err = dmn.Evaluate(parsed, "unknown", nil)

	if !errors.As(err, &failure) {
		t.Fatalf("expected an *EvaluationFailure, got %#v", err)
	}
}
