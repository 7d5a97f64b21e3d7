// Package mcppool maintains a warm pool of stdio connections to the
// downstream MCP servers declared in mcp.json, so the router can call a
// tool without paying process-spawn and protocol-handshake latency on every
// request.
package mcppool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/agentic-warden/warden/internal/async"
	"github.com/agentic-warden/warden/internal/devops/supervisor"
	"github.com/agentic-warden/warden/internal/errors"
	"github.com/agentic-warden/warden/internal/logging"
	"github.com/agentic-warden/warden/internal/mcpconfig"
)

const (
	catalogueTTL        = 60 * time.Second
	restartMaxInWindow  = 5
	restartWindow       = time.Minute
	restartCooldown     = 30 * time.Second
	clientInitTimeout   = 15 * time.Second
	toolCallTimeout     = 2 * time.Minute
)

// ToolDescriptor is a downstream server's advertised tool, normalised for
// the embedding index and router.
type ToolDescriptor struct {
	ServerName  string
	Name        string
	Description string
	InputSchema map[string]any
}

// Handle is a live connection to one downstream MCP server.
type Handle struct {
	Name      string
	config    mcpconfig.ServerConfig
	client    *client.Client
	startedAt time.Time

	mu        sync.Mutex
	catalogue []ToolDescriptor
	cachedAt  time.Time
}

// Pool owns every downstream server handle, keyed by server name.
type Pool struct {
	mu       sync.RWMutex
	handles  map[string]*Handle
	breakers *errors.CircuitBreakerManager
	restarts *supervisor.RestartPolicy
	logger   logging.Logger
}

// New constructs an empty Pool.
func New() *Pool {
	return &Pool{
		handles:  make(map[string]*Handle),
		breakers: errors.NewCircuitBreakerManager(errors.DefaultCircuitBreakerConfig()),
		restarts: supervisor.NewRestartPolicy(restartMaxInWindow, restartWindow, restartCooldown),
		logger:   logging.Default().Component("mcppool"),
	}
}

// WarmUp launches every active server in cfg and blocks until each either
// connects or fails; failures are logged and skipped rather than aborting
// the whole warm-up, mirroring a supervisor that tolerates partial startup.
// WarmUp spawns every enabled downstream server concurrently, per
// SPEC_FULL §4.F step 3 and §5's "WarmUp suspends once per downstream
// server, done concurrently via errgroup.Group". A spawn failure on one
// server is logged and does not prevent the others from starting.
func (p *Pool) WarmUp(ctx context.Context, cfg *mcpconfig.Config) {
	var g errgroup.Group
	for name, serverCfg := range cfg.ActiveServers() {
		name, serverCfg := name, serverCfg
		g.Go(func() error {
			defer async.Recover(p.logger, "mcppool-warmup-"+name)
			if _, err := p.EnsureHandle(ctx, name, serverCfg); err != nil {
				p.logger.Error("warm-up failed for %s: %v", name, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// EnsureHandle returns the live handle for name, connecting it first if
// necessary. Safe for concurrent use; a connection storm for the same
// server collapses onto one dial.
func (p *Pool) EnsureHandle(ctx context.Context, name string, cfg mcpconfig.ServerConfig) (*Handle, error) {
	p.mu.RLock()
	if h, ok := p.handles[name]; ok {
		p.mu.RUnlock()
		return h, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.handles[name]; ok {
		return h, nil
	}

	if !p.restarts.ShouldRestart(name, time.Now()) {
		return nil, errors.Pool(nil, fmt.Sprintf("server %q is in restart cooldown after repeated failures", name))
	}
	p.restarts.RecordRestart(name)

	h, err := p.connect(ctx, name, cfg)
	if err != nil {
		if p.restarts.RestartCount(name, time.Now()) >= restartMaxInWindow {
			p.restarts.EnterCooldown(name)
			p.logger.Warn("server %q entered restart cooldown", name)
		}
		return nil, err
	}

	p.handles[name] = h
	return h, nil
}

func (p *Pool) connect(ctx context.Context, name string, cfg mcpconfig.ServerConfig) (*Handle, error) {
	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}

	mcpClient, err := client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	if err != nil {
		return nil, errors.Pool(err, fmt.Sprintf("spawn MCP server %q", name))
	}

	initCtx, cancel := context.WithTimeout(ctx, clientInitTimeout)
	defer cancel()

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "agentic-warden-router", Version: "1.0.0"}
	if _, err := mcpClient.Initialize(initCtx, initReq); err != nil {
		_ = mcpClient.Close()
		return nil, errors.Pool(err, fmt.Sprintf("initialise MCP server %q", name))
	}

	return &Handle{Name: name, config: cfg, client: mcpClient, startedAt: time.Now()}, nil
}

// ListTools returns the handle's tool catalogue, refreshing it if the 60s
// cache has expired.
func (h *Handle) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if time.Since(h.cachedAt) < catalogueTTL && h.catalogue != nil {
		return h.catalogue, nil
	}

	listCtx, cancel := context.WithTimeout(ctx, clientInitTimeout)
	defer cancel()

	result, err := h.client.ListTools(listCtx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, errors.Pool(err, fmt.Sprintf("list tools on %q", h.Name))
	}

	descriptors := make([]ToolDescriptor, 0, len(result.Tools))
	for _, t := range result.Tools {
		descriptors = append(descriptors, ToolDescriptor{
			ServerName:  h.Name,
			Name:        t.Name,
			Description: t.Description,
			InputSchema: map[string]any{"type": "object", "properties": t.InputSchema.Properties},
		})
	}

	h.catalogue = descriptors
	h.cachedAt = time.Now()
	return descriptors, nil
}

// CallTool invokes toolName on this server with args.
func (h *Handle) CallTool(ctx context.Context, toolName string, args map[string]any) (*mcp.CallToolResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, toolCallTimeout)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = toolName
	req.Params.Arguments = args

	result, err := h.client.CallTool(callCtx, req)
	if err != nil {
		return nil, errors.Pool(err, fmt.Sprintf("call %s::%s", h.Name, toolName))
	}
	return result, nil
}

// CallTool routes a tool call through the named server's circuit breaker.
func (p *Pool) CallTool(ctx context.Context, serverName, toolName string, args map[string]any) (*mcp.CallToolResult, error) {
	p.mu.RLock()
	h, ok := p.handles[serverName]
	p.mu.RUnlock()
	if !ok {
		return nil, errors.Pool(nil, fmt.Sprintf("server %q not connected", serverName))
	}

	breaker := p.breakers.Get(serverName)
	return errors.ExecuteFunc(breaker, ctx, func(ctx context.Context) (*mcp.CallToolResult, error) {
		return h.CallTool(ctx, toolName, args)
	})
}

// ListAllTools aggregates the catalogue of every connected server.
func (p *Pool) ListAllTools(ctx context.Context) ([]ToolDescriptor, error) {
	p.mu.RLock()
	handles := make([]*Handle, 0, len(p.handles))
	for _, h := range p.handles {
		handles = append(handles, h)
	}
	p.mu.RUnlock()

	var all []ToolDescriptor
	for _, h := range handles {
		tools, err := h.ListTools(ctx)
		if err != nil {
			p.logger.Warn("catalogue refresh failed for %s: %v", h.Name, err)
			continue
		}
		all = append(all, tools...)
	}
	return all, nil
}

// UpdateConfig reconciles the pool against a freshly loaded config: servers
// removed from config are torn down, servers whose spec changed are
// restarted, and new servers are warmed up.
func (p *Pool) UpdateConfig(ctx context.Context, cfg *mcpconfig.Config) {
	active := cfg.ActiveServers()

	p.mu.Lock()
	for name, h := range p.handles {
		newCfg, stillActive := active[name]
		if !stillActive || !sameConfig(h.config, newCfg) {
			_ = h.client.Close()
			delete(p.handles, name)
		}
	}
	p.mu.Unlock()

	p.WarmUp(ctx, cfg)
}

func sameConfig(a, b mcpconfig.ServerConfig) bool {
	if a.Command != b.Command || len(a.Args) != len(b.Args) || len(a.Env) != len(b.Env) {
		return false
	}
	for i := range a.Args {
		if a.Args[i] != b.Args[i] {
			return false
		}
	}
	for k, v := range a.Env {
		if b.Env[k] != v {
			return false
		}
	}
	return true
}

// Shutdown closes every connected server handle.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, h := range p.handles {
		if err := h.client.Close(); err != nil {
			p.logger.Warn("error closing %s: %v", name, err)
		}
	}
	p.handles = make(map[string]*Handle)
}
