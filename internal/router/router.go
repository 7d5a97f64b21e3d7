// Package router implements Agentic-Warden's intelligent MCP tool router,
// per SPEC_FULL §4.F: the public surface (IntelligentRoute, ExecuteTool,
// GetMethodSchema, ListTools) and the routing state machine that combines
// the embedding index, the decision engine, the connection pool, and the
// dynamic tool registry into one coherent call.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/agentic-warden/warden/internal/async"
	"github.com/agentic-warden/warden/internal/decision"
	"github.com/agentic-warden/warden/internal/embedindex"
	"github.com/agentic-warden/warden/internal/errors"
	"github.com/agentic-warden/warden/internal/logging"
	"github.com/agentic-warden/warden/internal/mcppool"
	"github.com/agentic-warden/warden/internal/toolregistry"
)

// ExecutionMode selects IntelligentRoute's behaviour, per SPEC_FULL §4.F.
type ExecutionMode int

const (
	// Query asks for a routing decision without registering anything.
	Query ExecutionMode = iota
	// Dynamic additionally allows the planner to synthesise and register a
	// new tool when the vector search alone isn't confident.
	Dynamic
)

// fastPathThreshold is the top-1 similarity score above which the router
// skips straight to Vector+Decide without consulting the planner.
const fastPathThreshold = 0.75

const (
	defaultMaxCandidates  = 3
	defaultCleanupSeconds = 60
)

// SelectedTool is the routing decision returned to the caller.
type SelectedTool struct {
	Server     string         `json:"mcp_server"`
	ToolName   string         `json:"tool_name"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Rationale  string         `json:"rationale"`
	Confidence float64        `json:"confidence,omitempty"`
}

// Alternative is one runner-up candidate offered alongside the selection.
type Alternative struct {
	Server      string  `json:"mcp_server"`
	ToolName    string  `json:"tool_name"`
	Description string  `json:"description"`
	Similarity  float32 `json:"similarity"`
}

// RouteResult is IntelligentRoute's return value.
type RouteResult struct {
	Success               bool          `json:"success"`
	Message               string        `json:"message,omitempty"`
	SelectedTool          *SelectedTool `json:"selected_tool,omitempty"`
	Alternatives          []Alternative `json:"alternatives,omitempty"`
	ToolSchema            map[string]any `json:"tool_schema,omitempty"`
	DynamicallyRegistered bool          `json:"dynamically_registered"`
}

// Config bootstraps a Router per the initialisation order in SPEC_FULL §4.F.
type Config struct {
	MaxCandidates         int
	CleanupIntervalSecond int
	DynamicToolConfig     toolregistry.Config
}

// Router ties together the embedding index, the decision engine, the
// connection pool, and the dynamic tool registry described in SPEC_FULL §4.
type Router struct {
	pool      *mcppool.Pool
	index     *embedindex.Index
	engine    *decision.Engine
	planner   *decision.Engine
	registry  *toolregistry.Registry
	logger    logging.Logger
	cfg       Config

	mu        sync.RWMutex
	catalogue []mcppool.ToolDescriptor

	stopSweep chan struct{}
}

// New constructs a Router. engine and planner may be the same instance, or
// both may be nil when no external LLM endpoint is configured: vector mode
// then picks the best vector match itself, and dynamic mode is unavailable.
func New(pool *mcppool.Pool, index *embedindex.Index, engine, planner *decision.Engine, cfg Config) *Router {
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = defaultMaxCandidates
	}
	if cfg.CleanupIntervalSecond <= 0 {
		cfg.CleanupIntervalSecond = defaultCleanupSeconds
	}
	if cfg.DynamicToolConfig.MaxDynamicTools == 0 && cfg.DynamicToolConfig.DefaultTTL == 0 {
		cfg.DynamicToolConfig = toolregistry.DefaultRouterProfileConfig()
	}

	r := &Router{
		pool:     pool,
		index:    index,
		engine:   engine,
		planner:  planner,
		registry: toolregistry.New(cfg.DynamicToolConfig),
		logger:   logging.Default().Component("router"),
		cfg:      cfg,
	}
	r.registry.RegisterBase(toolregistry.Tool{
		Name:        "intelligent_route",
		Kind:        toolregistry.KindBase,
		Description: "Routes a natural-language request to the best downstream MCP tool, synthesising a new one when needed.",
	})
	return r
}

// StartSweeper launches the background goroutine that opportunistically
// expires TTL-bound dynamic tools, per SPEC_FULL §5's registry-sweeper
// ordering guarantee. Call Stop to shut it down.
func (r *Router) StartSweeper() {
	r.mu.Lock()
	if r.stopSweep != nil {
		r.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	r.stopSweep = stop
	r.mu.Unlock()

	ticker := time.NewTicker(time.Duration(r.cfg.CleanupIntervalSecond) * time.Second)
	async.Go(r.logger, "router-sweeper", func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.registry.Sweep()
			case <-stop:
				return
			}
		}
	})
}

// Stop halts the background sweeper, if running.
func (r *Router) Stop() {
	r.mu.Lock()
	stop := r.stopSweep
	r.stopSweep = nil
	r.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

// RefreshCatalogue re-fetches every downstream server's tool list and
// rebuilds the embedding index over it. It does not change the base
// intelligent_route tool's description, which stays the fixed text set in
// New. Called at bootstrap (§4.F step 3-5).
func (r *Router) RefreshCatalogue(ctx context.Context) error {
	catalogue, err := r.pool.ListAllTools(ctx)
	if err != nil {
		return errors.Routing(err, "list downstream tool catalogue")
	}

	if err := r.index.Rebuild(ctx, catalogue); err != nil {
		return err
	}

	r.mu.Lock()
	r.catalogue = catalogue
	r.mu.Unlock()

	r.logger.Info("catalogue refreshed: %d downstream tools across servers", len(catalogue))
	return nil
}

func (r *Router) snapshotCatalogue() []mcppool.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]mcppool.ToolDescriptor(nil), r.catalogue...)
}

// IntelligentRoute is the router's primary operation, implementing the
// state machine in SPEC_FULL §4.F.
func (r *Router) IntelligentRoute(ctx context.Context, userRequest string, maxCandidates int, mode ExecutionMode) (RouteResult, error) {
	if maxCandidates <= 0 {
		maxCandidates = r.cfg.MaxCandidates
	}

	queryEmbedding, err := r.index.EmbedQuery(ctx, userRequest)
	if err != nil {
		return RouteResult{}, err
	}

	if mode == Query {
		return r.vectorDecide(ctx, userRequest, queryEmbedding, maxCandidates)
	}

	top1, err := r.index.SearchTools(ctx, queryEmbedding, 1)
	if err != nil {
		return RouteResult{}, err
	}
	if len(top1) > 0 && top1[0].Similarity >= fastPathThreshold {
		return r.vectorDecide(ctx, userRequest, queryEmbedding, maxCandidates)
	}

	if r.planner == nil {
		return r.vectorDecide(ctx, userRequest, queryEmbedding, maxCandidates)
	}

	result, err := r.orchestrate(ctx, userRequest)
	if err != nil {
		r.logger.Warn("orchestration failed, falling back to vector+decide: %v", err)
		return r.vectorDecide(ctx, userRequest, queryEmbedding, maxCandidates)
	}
	return result, nil
}

// vectorDecide implements the Vector+Decide state from SPEC_FULL §4.F.
func (r *Router) vectorDecide(ctx context.Context, userRequest string, queryEmbedding []float32, maxCandidates int) (RouteResult, error) {
	tools, err := r.index.SearchTools(ctx, queryEmbedding, maxCandidates)
	if err != nil {
		return RouteResult{}, err
	}
	methods, err := r.index.SearchMethods(ctx, queryEmbedding, 2*maxCandidates)
	if err != nil {
		return RouteResult{}, err
	}
	if len(tools) == 0 {
		return RouteResult{Success: false, Message: "No MCP tools matched the request"}, nil
	}

	candidates := mergeCandidates(tools, methods)

	var d decision.Decision
	if r.engine != nil {
		d, err = r.engine.Decide(ctx, userRequest, candidates)
		if err != nil {
			d = bestVectorMatch(candidates)
		}
	} else {
		d = bestVectorMatch(candidates)
	}

	alternatives := make([]Alternative, 0, 2)
	for _, t := range tools {
		if t.ServerName == d.Server && t.ToolName == d.Tool {
			continue
		}
		alternatives = append(alternatives, Alternative{
			Server: t.ServerName, ToolName: t.ToolName, Description: t.Description, Similarity: t.Similarity,
		})
		if len(alternatives) == 2 {
			break
		}
	}

	return RouteResult{
		Success: true,
		SelectedTool: &SelectedTool{
			Server:     d.Server,
			ToolName:   d.Tool,
			Arguments:  d.Arguments,
			Rationale:  d.Rationale,
			Confidence: d.Confidence,
		},
		Alternatives:          alternatives,
		DynamicallyRegistered: false,
	}, nil
}

func mergeCandidates(tools, methods []embedindex.ToolEmbedding) []decision.Candidate {
	seen := make(map[string]bool, len(tools)+len(methods))
	out := make([]decision.Candidate, 0, len(tools)+len(methods))
	add := func(e embedindex.ToolEmbedding) {
		key := e.ServerName + "::" + e.ToolName
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, decision.Candidate{Server: e.ServerName, Tool: e.ToolName, Description: e.Description, SchemaJSON: e.SchemaJSON})
	}
	for _, t := range tools {
		add(t)
	}
	for _, m := range methods {
		add(m)
	}
	return out
}

// bestVectorMatch is the degraded-LLM fallback path in Vector+Decide:
// candidate #0 with confidence 0.6.
func bestVectorMatch(candidates []decision.Candidate) decision.Decision {
	c := candidates[0]
	return decision.Decision{
		Server:     c.Server,
		Tool:       c.Tool,
		Arguments:  map[string]any{},
		Rationale:  "Best vector match (LLM unavailable)",
		Confidence: 0.6,
	}
}

// orchestrate implements the Orchestrate state from SPEC_FULL §4.F.
func (r *Router) orchestrate(ctx context.Context, userRequest string) (RouteResult, error) {
	catalogue := r.snapshotCatalogue()
	candidates := make([]decision.Candidate, 0, len(catalogue))
	for _, t := range catalogue {
		schema, _ := json.Marshal(t.InputSchema)
		candidates = append(candidates, decision.Candidate{
			Server: t.ServerName, Tool: t.Name, Description: t.Description, SchemaJSON: string(schema),
		})
	}

	plan, err := r.planner.PlanWorkflow(ctx, userRequest, candidates)
	if err != nil {
		return RouteResult{}, err
	}
	if !plan.IsFeasible {
		return RouteResult{Success: false, Message: plan.Reason}, nil
	}

	if direct, ok := directProxyTarget(plan, catalogue); ok {
		r.registry.RegisterDynamic(toolregistry.Tool{
			Name:        plan.SuggestedName,
			Kind:        toolregistry.KindProxiedMcp,
			Description: plan.Description,
			InputSchema: direct.InputSchema,
			ProxyServer: direct.ServerName,
			ProxyTool:   direct.Name,
		})
		return RouteResult{
			Success: true,
			SelectedTool: &SelectedTool{
				Server:    direct.ServerName,
				ToolName:  plan.SuggestedName,
				Rationale: plan.Description,
			},
			ToolSchema:            direct.InputSchema,
			DynamicallyRegistered: true,
			Message:               fmt.Sprintf("Registered %q; invoke it by name on subsequent calls.", plan.SuggestedName),
		}, nil
	}

	code, err := r.planner.GenerateJSCode(ctx, plan)
	if err != nil {
		return RouteResult{}, err
	}

	schema := workflowInputSchema(plan)
	r.registry.RegisterDynamic(toolregistry.Tool{
		Name:        plan.SuggestedName,
		Kind:        toolregistry.KindJsOrchestrated,
		Description: plan.Description,
		InputSchema: schema,
		Body:        code,
	})

	return RouteResult{
		Success: true,
		SelectedTool: &SelectedTool{
			Server:    "orchestrated",
			ToolName:  plan.SuggestedName,
			Rationale: plan.Description,
		},
		ToolSchema:            schema,
		DynamicallyRegistered: true,
		Message:               fmt.Sprintf("Registered %q; invoke it by name on subsequent calls.", plan.SuggestedName),
	}, nil
}

// directProxyTarget recognises a single-step plan whose one tool exactly
// matches an existing downstream tool: that's the "semantically equivalent"
// direct-proxy variant rather than genuine JS orchestration.
func directProxyTarget(plan decision.WorkflowPlan, catalogue []mcppool.ToolDescriptor) (mcppool.ToolDescriptor, bool) {
	if len(plan.Steps) != 1 {
		return mcppool.ToolDescriptor{}, false
	}
	name := plan.Steps[0].Tool
	for _, t := range catalogue {
		if t.Name == name {
			return t, true
		}
	}
	return mcppool.ToolDescriptor{}, false
}

func workflowInputSchema(plan decision.WorkflowPlan) map[string]any {
	props := make(map[string]any, len(plan.InputParams))
	var required []string
	for _, p := range plan.InputParams {
		props[p.Name] = map[string]any{"type": p.Type, "description": p.Description}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{"type": "object", "properties": props, "required": required}
}

// ExecuteTool is a direct pass-through to the connection pool, used by
// clients that received a selected_tool under Query mode. A ProxiedMcp
// dynamic tool is transparently rewritten to its underlying (server, tool).
func (r *Router) ExecuteTool(ctx context.Context, server, toolName string, arguments map[string]any) (string, error) {
	if t, ok := r.registry.Get(toolName); ok && t.Kind == toolregistry.KindProxiedMcp {
		server, toolName = t.ProxyServer, t.ProxyTool
		r.registry.RecordExecution(t.Name)
	} else if ok {
		r.registry.RecordExecution(t.Name)
	}

	result, err := r.pool.CallTool(ctx, server, toolName, arguments)
	if err != nil {
		return "", err
	}
	return renderResult(result), nil
}

func renderResult(result *mcp.CallToolResult) string {
	if result == nil || len(result.Content) == 0 {
		return ""
	}
	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			parts = append(parts, tc.Text)
			continue
		}
		if b, err := json.Marshal(c); err == nil {
			parts = append(parts, string(b))
		}
	}
	return strings.Join(parts, "\n")
}

// GetMethodSchema reveals the JSON schema for a discovered downstream tool
// or a registered dynamic one.
func (r *Router) GetMethodSchema(ctx context.Context, server, tool string) (map[string]any, error) {
	if t, ok := r.registry.Get(tool); ok {
		return t.InputSchema, nil
	}
	for _, t := range r.snapshotCatalogue() {
		if t.ServerName == server && t.Name == tool {
			return t.InputSchema, nil
		}
	}
	return nil, errors.Routing(nil, fmt.Sprintf("no schema known for %s::%s", server, tool))
}

// ListTools returns base tools plus every unexpired dynamic tool.
func (r *Router) ListTools() []toolregistry.Tool {
	return r.registry.ListTools()
}
