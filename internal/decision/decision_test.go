package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleCandidates() []Candidate {
	return []Candidate{
		{Server: "net", Tool: "fetch", Description: "fetch a URL"},
		{Server: "fs", Tool: "read_file", Description: "read a file"},
	}
}

// TestParseDecisionWithMarkdownFence is scenario 5 of SPEC_FULL §8: a canned
// LLM reply wrapped in a ```json fence, with `server` omitted, must still
// parse and have its server filled from the matching candidate.
func TestParseDecisionWithMarkdownFence(t *testing.T) {
	reply := "```json\n{\"tool\": \"fetch\", \"arguments\": \"{\\\"url\\\":\\\"x\\\"}\"}\n```"
	d, ok := parseDecision(reply, sampleCandidates())
	require.True(t, ok)
	assert.Equal(t, "net", d.Server)
	assert.Equal(t, "fetch", d.Tool)
	assert.Equal(t, map[string]any{"url": "x"}, d.Arguments)
}

func TestParseDecisionMissingToolFails(t *testing.T) {
	_, ok := parseDecision(`{"server": "net"}`, sampleCandidates())
	assert.False(t, ok)
}

func TestParseDecisionInvalidJSONFails(t *testing.T) {
	_, ok := parseDecision("not json at all", sampleCandidates())
	assert.False(t, ok)
}

func TestFallbackDecisionUsesCandidateZero(t *testing.T) {
	d := fallbackDecision(sampleCandidates())
	assert.Equal(t, "net", d.Server)
	assert.Equal(t, "fetch", d.Tool)
	assert.Equal(t, 0.25, d.Confidence)
}

// TestNormaliseArguments covers the boundary behaviours enumerated in
// SPEC_FULL §8: null -> {}; a non-JSON string -> {"value": s}; a JSON
// object string -> parsed through; a scalar -> {"value": scalar}.
func TestNormaliseArguments(t *testing.T) {
	assert.Equal(t, map[string]any{}, normaliseArguments(nil))
	assert.Equal(t, map[string]any{"value": "foo"}, normaliseArguments("foo"))
	assert.Equal(t, map[string]any{"a": float64(1)}, normaliseArguments(`{"a":1}`))
	assert.Equal(t, map[string]any{"value": float64(42)}, normaliseArguments(float64(42)))
}

func TestClampConfidence(t *testing.T) {
	assert.Equal(t, 0.0, clampConfidence(-1.0))
	assert.Equal(t, 1.0, clampConfidence(2.0))
	assert.Equal(t, 0.5, clampConfidence(0.5))
	assert.Equal(t, 0.0, clampConfidence("not-a-number"))
}

func TestStripFencesHandlesLanguageTag(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFences(`{"a":1}`))
}

func TestNormaliseWorkflowNameDerivesFromRequestAndCaps(t *testing.T) {
	name := normaliseWorkflowName("", "Create File And Read It Back Please, Thanks!")
	assert.True(t, len(name) <= maxSuggestedNameLen)
	assert.Contains(t, name, "_workflow")
	assert.NotContains(t, name, " ")
}

func TestNormaliseWorkflowNameAppendsSuffixOnce(t *testing.T) {
	assert.Equal(t, "do_thing_workflow", normaliseWorkflowName("do_thing_workflow", "ignored"))
}

func TestPostProcessPlanDropsEmptyStepsAndRenumbers(t *testing.T) {
	plan := WorkflowPlan{
		Steps: []WorkflowStep{
			{StepNumber: 1, Tool: "a"},
			{StepNumber: 2, Tool: ""},
			{StepNumber: 5, Tool: "b", Dependencies: []int{1}},
		},
	}
	postProcessPlan(&plan)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, 1, plan.Steps[0].StepNumber)
	assert.Equal(t, 2, plan.Steps[1].StepNumber)
	assert.Equal(t, []int{1}, plan.Steps[1].Dependencies)
}

func TestPostProcessPlanDropsDanglingAndSelfCyclicDeps(t *testing.T) {
	plan := WorkflowPlan{
		Steps: []WorkflowStep{
			{StepNumber: 1, Tool: "a", Dependencies: []int{1, 99}},
		},
	}
	postProcessPlan(&plan)
	require.Len(t, plan.Steps, 1)
	assert.Empty(t, plan.Steps[0].Dependencies)
}

func TestPostProcessPlanDedupesParamsCaseInsensitively(t *testing.T) {
	plan := WorkflowPlan{
		InputParams: []WorkflowParam{
			{Name: "Path", Type: "string"},
			{Name: "path", Type: "string"},
			{Name: "other", Type: "string"},
		},
	}
	postProcessPlan(&plan)
	assert.Len(t, plan.InputParams, 2)
}
