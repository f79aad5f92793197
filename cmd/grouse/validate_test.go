package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
)

const process = `
id: simple
elements:
  - id: start
    type: startEvent
    outgoing: [end]
  - id: end
    type: endEvent
`

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()

	return out.String(), err
}

func write(t *testing.T, name string, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)

	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("expected no error, got %#v", err)
	}

	return path
}

func TestValidate(t *testing.T) {
	valid := write(t, "simple.yaml", process)
	decisions, err := filepath.Abs(filepath.Join("..", "..", "dmn", "testdata", "decision-table.dmn"))

	if err != nil {
		t.Fatalf("expected no error, got %#v", err)
	}

	out, err := run(t, "validate", "--format", "json", valid, decisions)

	if err != nil {
		t.Fatalf("expected no error, got %#v: %s", err, out)
	}

	var results []ValidationResult

	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatalf("expected no error, got %#v", err)
	}

	if len(results) != 2 || !results[0].Valid || !results[1].Valid {
		t.Fatalf("unexpected results %#v", results)
	}

	if diff := cmp.Diff([]string{"simple"}, results[0].Defines); diff != "" {
		t.Fatalf("unexpected definitions (-want +got):\n%s", diff)
	}
}

func TestValidateFailsForInvalidResources(t *testing.T) {
	invalid := write(t, "broken.yaml", "id: broken\nelements:\n  - id: a\n    type: nothing\n")
	brokenDecisions := write(t, "broken.dmn", "<definitions")

	out, err := run(t, "validate", invalid, brokenDecisions)

	if err == nil {
		t.Fatalf("expected an error, got output %s", out)
	}

	if !strings.Contains(err.Error(), "2 of 2") {
		t.Fatalf("unexpected error %#v", err)
	}
}

func TestConfigPrintsDefaults(t *testing.T) {
	out, err := run(t, "config")

	if err != nil {
		t.Fatalf("expected no error, got %#v", err)
	}

	if !strings.Contains(out, "nodeId: 1") || !strings.Contains(out, "partitionCount: 1") {
		t.Fatalf("unexpected configuration %s", out)
	}
}

func TestInvalidFormat(t *testing.T) {
	if _, err := run(t, "config", "--format", "xml"); err == nil {
		t.Fatalf("expected an error for an unknown format")
	}
}
