// Package decision wraps a chat-completion LLM client with the prompt
// construction, response parsing, and fallback rules SPEC_FULL §4.E
// specifies for picking a downstream tool, planning a multi-step workflow,
// and generating the JS body of a synthesised orchestration tool.
package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/agentic-warden/warden/internal/errors"
)

// MinTimeout and DefaultTimeout bound every LLM call per SPEC_FULL §4.E.
const (
	MinTimeout     = 5 * time.Second
	DefaultTimeout = 120 * time.Second
)

const systemPrompt = `Agentic-Warden's internal router. Respond ONLY with valid JSON in the following shape: {server, tool, arguments, rationale, confidence}`

// Candidate is one tool offered to the LLM for selection or planning.
type Candidate struct {
	Server      string
	Tool        string
	Description string
	SchemaJSON  string
}

// Decision is the engine's parsed selection.
type Decision struct {
	Server     string
	Tool       string
	Arguments  map[string]any
	Rationale  string
	Confidence float64
}

// Engine is the decision engine: a chat-completion client plus the prompt
// and parsing rules layered on top of it.
type Engine struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// Config configures an Engine.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// New constructs an Engine. An empty BaseURL talks to the public OpenAI API;
// any OpenAI-compatible endpoint (a local llama.cpp server, an Ollama OpenAI
// shim) works equally well.
func New(cfg Config) *Engine {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	timeout := cfg.Timeout
	if timeout < MinTimeout {
		timeout = DefaultTimeout
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	return &Engine{client: openai.NewClientWithConfig(clientCfg), model: model, timeout: timeout}
}

// Decide asks the LLM to pick one candidate tool and synthesise arguments
// for userRequest. On any failure to reach the LLM or parse its reply, it
// falls back to candidate #0 with confidence 0.25 rather than erroring, per
// SPEC_FULL §4.E.
func (e *Engine) Decide(ctx context.Context, userRequest string, candidates []Candidate) (Decision, error) {
	if len(candidates) == 0 {
		return Decision{}, errors.Routing(nil, "decision engine called with an empty candidate set")
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	reply, err := e.chat(ctx, systemPrompt, buildDecidePrompt(userRequest, candidates))
	if err != nil {
		return fallbackDecision(candidates), nil
	}

	decision, ok := parseDecision(reply, candidates)
	if !ok {
		return fallbackDecision(candidates), nil
	}
	return decision, nil
}

func fallbackDecision(candidates []Candidate) Decision {
	c := candidates[0]
	return Decision{Server: c.Server, Tool: c.Tool, Arguments: map[string]any{}, Rationale: "fallback: decision engine unavailable", Confidence: 0.25}
}

func buildDecidePrompt(userRequest string, candidates []Candidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User request: %s\n\nCandidate tools:\n", userRequest)
	for _, c := range candidates {
		fmt.Fprintf(&b, "- server=%s tool=%s description=%q schema=%s\n", c.Server, c.Tool, c.Description, c.SchemaJSON)
	}
	return b.String()
}

// rawDecision is the wire shape the LLM is asked to emit.
type rawDecision struct {
	Server     string `json:"server"`
	Tool       string `json:"tool"`
	Arguments  any    `json:"arguments"`
	Rationale  string `json:"rationale"`
	Confidence any    `json:"confidence"`
}

// parseDecision extracts a Decision from the LLM's raw reply, tolerating
// Markdown code fences, filling a missing server from the candidate whose
// tool name matches, and clamping confidence to [0, 1].
func parseDecision(reply string, candidates []Candidate) (Decision, bool) {
	var raw rawDecision
	if err := json.Unmarshal([]byte(stripFences(reply)), &raw); err != nil {
		return Decision{}, false
	}
	if raw.Tool == "" {
		return Decision{}, false
	}
	if raw.Server == "" {
		for _, c := range candidates {
			if c.Tool == raw.Tool {
				raw.Server = c.Server
				break
			}
		}
	}

	return Decision{
		Server:     raw.Server,
		Tool:       raw.Tool,
		Arguments:  normaliseArguments(raw.Arguments),
		Rationale:  raw.Rationale,
		Confidence: clampConfidence(raw.Confidence),
	}, true
}

// normaliseArguments implements the argument-normalisation boundary
// behaviours in SPEC_FULL §8: null -> {}; an object passes through; a
// string is JSON-parsed and falls back to {"value": s}; any other scalar
// becomes {"value": scalar}.
func normaliseArguments(v any) map[string]any {
	switch t := v.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return t
	case string:
		var parsed map[string]any
		if err := json.Unmarshal([]byte(t), &parsed); err == nil {
			return parsed
		}
		return map[string]any{"value": t}
	default:
		return map[string]any{"value": t}
	}
}

func clampConfidence(v any) float64 {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case json.Number:
		f, _ = t.Float64()
	case string:
		f, _ = strconv.ParseFloat(t, 64)
	default:
		f = 0
	}
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// stripFences removes a leading/trailing ```(json)? Markdown code fence.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimPrefix(s, "JSON")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func (e *Engine) chat(ctx context.Context, system, user string) (string, error) {
	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", errors.Timeout(err, "decision engine LLM call timed out")
		}
		return "", errors.Routing(err, "decision engine LLM call failed")
	}
	if len(resp.Choices) == 0 {
		return "", errors.Routing(nil, "decision engine LLM returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// WorkflowStep is one step of a planned multi-tool orchestration.
type WorkflowStep struct {
	StepNumber   int      `json:"step_number"`
	Tool         string   `json:"tool"`
	Description  string   `json:"description"`
	Dependencies []int    `json:"dependencies,omitempty"`
}

// WorkflowParam is one declared input of a planned workflow.
type WorkflowParam struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
}

// WorkflowPlan is the decision engine's output for a multi-step orchestration
// request, per SPEC_FULL §4.E.
type WorkflowPlan struct {
	IsFeasible    bool            `json:"is_feasible"`
	Reason        string          `json:"reason,omitempty"`
	SuggestedName string          `json:"suggested_name"`
	Description   string          `json:"description,omitempty"`
	Steps         []WorkflowStep  `json:"steps"`
	InputParams   []WorkflowParam `json:"input_params"`
}

const maxSuggestedNameLen = 48

// PlanWorkflow asks the LLM to plan a multi-step orchestration across the
// entire downstream tool set (not just the vector-narrowed candidates),
// then post-processes the reply per SPEC_FULL §4.E: drop empty-tooled
// steps, renumber gaps, dedupe params case-insensitively, drop dangling or
// self-cyclic dependencies, and sort steps ascending.
func (e *Engine) PlanWorkflow(ctx context.Context, userRequest string, tools []Candidate) (WorkflowPlan, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	system := "Agentic-Warden's workflow planner. Respond ONLY with valid JSON describing a WorkflowPlan: " +
		"{is_feasible, reason, suggested_name, description, steps: [{step_number, tool, description, dependencies}], " +
		"input_params: [{name, type, description, required}]}."
	reply, err := e.chat(ctx, system, buildDecidePrompt(userRequest, tools))
	if err != nil {
		return WorkflowPlan{}, err
	}

	var plan WorkflowPlan
	if err := json.Unmarshal([]byte(stripFences(reply)), &plan); err != nil {
		return WorkflowPlan{}, errors.Routing(err, "parse workflow plan")
	}

	plan.SuggestedName = normaliseWorkflowName(plan.SuggestedName, userRequest)
	postProcessPlan(&plan)
	return plan, nil
}

func normaliseWorkflowName(name, fallbackSeed string) string {
	const suffix = "_workflow"
	source := name
	if strings.TrimSpace(source) == "" {
		source = fallbackSeed
	}
	base := strings.TrimSuffix(toSnakeCase(source), suffix)
	if limit := maxSuggestedNameLen - len(suffix); len(base) > limit {
		base = strings.TrimSuffix(base[:limit], "_")
	}
	return base + suffix
}

func toSnakeCase(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}

// postProcessPlan applies the step/param cleanup rules in place.
func postProcessPlan(plan *WorkflowPlan) {
	kept := make([]WorkflowStep, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		if strings.TrimSpace(s.Tool) == "" {
			continue
		}
		kept = append(kept, s)
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].StepNumber < kept[j].StepNumber })

	renumbered := make(map[int]int, len(kept))
	for i := range kept {
		renumbered[kept[i].StepNumber] = i + 1
		kept[i].StepNumber = i + 1
	}
	for i := range kept {
		var deps []int
		for _, d := range kept[i].Dependencies {
			newNum, ok := renumbered[d]
			if !ok || newNum == kept[i].StepNumber {
				continue
			}
			deps = append(deps, newNum)
		}
		kept[i].Dependencies = deps
	}
	plan.Steps = kept

	seen := make(map[string]bool, len(plan.InputParams))
	params := make([]WorkflowParam, 0, len(plan.InputParams))
	for _, p := range plan.InputParams {
		key := strings.ToLower(p.Name)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		params = append(params, p)
	}
	plan.InputParams = params
}

// GenerateJSCode asks the LLM to generate the JS body implementing plan,
// rejecting the output per SPEC_FULL §4.E's acceptance rules: the plan must
// be feasible and have steps, and the generated code must define an
// `async function workflow` entry point wrapped in try/catch.
func (e *Engine) GenerateJSCode(ctx context.Context, plan WorkflowPlan) (string, error) {
	if !plan.IsFeasible {
		return "", errors.Routing(nil, "refusing to generate code for an infeasible workflow plan")
	}
	if len(plan.Steps) == 0 {
		return "", errors.Routing(nil, "refusing to generate code for a workflow plan with no steps")
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	planJSON, _ := json.Marshal(plan)
	system := "Agentic-Warden's workflow code generator. Emit ONLY a JavaScript module body defining " +
		"`async function workflow(input)` wrapped in try/catch that issues the planned tool calls in order."
	reply, err := e.chat(ctx, system, string(planJSON))
	if err != nil {
		return "", err
	}

	code := stripFences(reply)
	if !strings.Contains(code, "async function workflow") {
		return "", errors.Routing(nil, "generated code lacks an `async function workflow` entry point")
	}
	if !strings.Contains(code, "try") || !strings.Contains(code, "catch") {
		return "", errors.Routing(nil, "generated code lacks a try/catch")
	}
	return code, nil
}
