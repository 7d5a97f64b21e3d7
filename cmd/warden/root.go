package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agentic-warden/warden/internal/agentlauncher"
	"github.com/agentic-warden/warden/internal/decision"
	"github.com/agentic-warden/warden/internal/embedindex"
	"github.com/agentic-warden/warden/internal/infra/memory"
	"github.com/agentic-warden/warden/internal/logging"
	"github.com/agentic-warden/warden/internal/mcppool"
	"github.com/agentic-warden/warden/internal/mcpconfig"
	"github.com/agentic-warden/warden/internal/procinspect"
	"github.com/agentic-warden/warden/internal/router"
	"github.com/agentic-warden/warden/internal/taskregistry"
)

const version = "0.1.0"

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "warden",
		Short: "Agentic-Warden: a local supervisory runtime for AI CLI agents",
		Long: `Agentic-Warden tracks concurrently running AI CLI sub-agents, identifies their
process ancestry, and routes tool requests across downstream MCP servers
through a vector-search-plus-LLM decision engine.`,
	}

	root.PersistentFlags().String("mcp-config", "", "path to a single mcp.json to load instead of the layered user/project/local scopes")
	root.PersistentFlags().String("ollama-model", "nomic-embed-text", "embedding model served by the local Ollama instance")
	root.PersistentFlags().String("ollama-url", "http://localhost:11434", "base URL of the local Ollama instance")
	root.PersistentFlags().String("pid-dir", defaultWardenPath("run"), "directory holding supervised agents' PID files")
	root.PersistentFlags().String("log-dir", defaultWardenPath("logs"), "directory holding supervised agents' log files")
	root.PersistentFlags().String("registry-name", "warden_task", "shared-memory segment name backing the cross-process task registry")

	viper.SetConfigName("warden")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME/.warden")
	viper.AddConfigPath(".")
	_ = viper.BindPFlags(root.PersistentFlags())
	_ = viper.ReadInConfig()

	root.AddCommand(newServeCommand())
	root.AddCommand(newRouteCommand())
	root.AddCommand(newVersionCommand())
	root.AddCommand(newSuperviseCommand())
	root.AddCommand(newStatusCommand())

	return root
}

func defaultWardenPath(leaf string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".warden", leaf)
	}
	return filepath.Join(home, ".warden", leaf)
}

// openTaskRegistry opens the shared-memory task registry every "supervise"
// and "status" invocation uses to see the same task set, per SPEC_FULL
// §3's "<supervisor_pid>_task" naming convention generalised to one
// well-known segment name per machine/user, since the CLI's subcommands
// are independent processes rather than a single long-lived supervisor.
func openTaskRegistry() (*taskregistry.Registry, error) {
	return taskregistry.New(taskregistry.Config{
		Backend:       taskregistry.BackendSharedMemory,
		SharedMapName: viper.GetString("registry-name"),
	})
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the warden version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("warden " + version)
			return nil
		},
	}
}

// bootstrap implements the initialisation order from SPEC_FULL §4.F:
// load MCP config, instantiate the embedder, warm the connection pool,
// build the embedding index, and conditionally wire a decision engine and
// planner depending on whether an external LLM endpoint is configured.
func bootstrap(ctx context.Context) (*router.Router, error) {
	logger := logging.Default().Component("bootstrap")

	cfgPath := viper.GetString("mcp-config")
	var cfg *mcpconfig.Config
	var err error
	if cfgPath != "" {
		cfg, err = mcpconfig.NewLoader().LoadFromPath(cfgPath)
	} else {
		cfg, err = mcpconfig.NewLoader().Load()
	}
	if err != nil {
		return nil, fmt.Errorf("load mcp config: %w", err)
	}

	embedder := memory.NewOllamaEmbedder(viper.GetString("ollama-model"), viper.GetString("ollama-url"))

	pool := mcppool.New()
	pool.WarmUp(ctx, cfg)

	index := embedindex.New(embedder)

	var engine, planner *decision.Engine
	apiKey := os.Getenv("WARDEN_LLM_API_KEY")
	baseURL := os.Getenv("WARDEN_LLM_BASE_URL")
	if apiKey != "" || baseURL != "" {
		engine = decision.New(decision.Config{APIKey: apiKey, BaseURL: baseURL})
		planner = engine
		logger.Info("external LLM endpoint configured: orchestration planner enabled")
	} else {
		logger.Info("no external LLM endpoint configured: vector-only routing")
	}

	r := router.New(pool, index, engine, planner, router.Config{})
	if err := r.RefreshCatalogue(ctx); err != nil {
		logger.Warn("initial catalogue refresh failed: %v", err)
	}
	r.StartSweeper()

	return r, nil
}

func newRouteCommand() *cobra.Command {
	var maxCandidates int
	var dynamic bool

	cmd := &cobra.Command{
		Use:   "route [request]",
		Short: "Run a single IntelligentRoute query and print the JSON result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			r, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer r.Stop()

			mode := router.Query
			if dynamic {
				mode = router.Dynamic
			}
			result, err := r.IntelligentRoute(ctx, args[0], maxCandidates, mode)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().IntVar(&maxCandidates, "max-candidates", 0, "candidate tool breadth (1-10, 0 = default)")
	cmd.Flags().BoolVar(&dynamic, "dynamic", false, "allow orchestration to synthesise a new tool")
	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the router as an MCP server over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			r, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer r.Stop()

			return serveStdio(r)
		},
	}
}

// newSuperviseCommand launches an AI CLI agent subprocess under
// internal/agentlauncher, registering it in the cross-process task registry
// (stamped with its procinspect process tree) and blocking until the agent
// exits or the supervisor receives an interrupt, per SPEC_FULL §4.A/§4.C's
// data flow: "whenever an agent child is spawned, the registry records an
// entry ... and the inspector stamps the record with the root AI-CLI
// ancestor."
func newSuperviseCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "supervise <name> -- <command> [args...]",
		Short: "Launch and track an AI CLI agent subprocess until it exits",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			name := args[0]
			childArgs := args[1:]

			reg, err := openTaskRegistry()
			if err != nil {
				return fmt.Errorf("open task registry: %w", err)
			}
			defer reg.Close()

			launcher := agentlauncher.New(viper.GetString("pid-dir"), viper.GetString("log-dir"), reg, procinspect.New())

			agent, err := launcher.Launch(ctx, name, exec.Command(childArgs[0], childArgs[1:]...))
			if err != nil {
				return fmt.Errorf("launch %s: %w", name, err)
			}
			fmt.Printf("supervising %q as pid %d (log: %s)\n", name, agent.PID, agent.LogFile)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()

			for {
				select {
				case <-sigCh:
					fmt.Println("stopping supervised agent...")
					return launcher.Stop(ctx, name)
				case <-ticker.C:
					if running, _ := launcher.IsRunning(name); !running {
						fmt.Printf("%q (pid %d) exited\n", name, agent.PID)
						return nil
					}
				}
			}
		},
	}
	return cmd
}

// statusReport is newStatusCommand's JSON output shape.
type statusReport struct {
	AnyRunning bool                        `json:"any_running"`
	Reaped     []taskregistry.CleanupEvent `json:"reaped,omitempty"`
	Running    []taskregistry.TaskRecord   `json:"running"`
	Completed  []taskregistry.TaskRecord   `json:"completed"`
}

// newStatusCommand sweeps stale task records (dead or over-age, per
// SPEC_FULL §4.C's SweepStale algorithm) and reports the registry's current
// running/completed tasks, giving the task registry and process inspector a
// CLI surface beyond their unit tests.
func newStatusCommand() *cobra.Command {
	var sweep bool
	var maxAge time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report and sweep the shared task registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openTaskRegistry()
			if err != nil {
				return fmt.Errorf("open task registry: %w", err)
			}
			defer reg.Close()

			report := statusReport{}
			inspector := procinspect.New()

			if sweep {
				events, err := reg.SweepStale(time.Now(), maxAge,
					func(pid int) bool {
						alive, _ := inspector.IsAlive(pid)
						return alive
					},
					func(pid int) error {
						return syscall.Kill(pid, syscall.SIGTERM)
					},
				)
				if err != nil {
					return fmt.Errorf("sweep stale tasks: %w", err)
				}
				report.Reaped = events
			}

			anyRunning, err := reg.HasRunning(nil)
			if err != nil {
				return fmt.Errorf("check running tasks: %w", err)
			}
			report.AnyRunning = anyRunning

			entries, err := reg.Entries()
			if err != nil {
				return fmt.Errorf("list task entries: %w", err)
			}
			for _, e := range entries {
				if e.Status == taskregistry.StatusRunning {
					report.Running = append(report.Running, e)
				}
			}

			drained, err := reg.DrainCompleted()
			if err != nil {
				return fmt.Errorf("drain completed tasks: %w", err)
			}
			report.Completed = drained

			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().BoolVar(&sweep, "sweep", true, "reap dead or over-age running tasks before reporting")
	cmd.Flags().DurationVar(&maxAge, "max-age", taskregistry.DefaultMaxRecordAge, "maximum age for a running task before it's reaped regardless of liveness")
	return cmd
}

// serveStdio presents the router's public surface as an MCP server named
// "agentic-warden-router", per SPEC_FULL §6's outbound wire protocol note.
func serveStdio(r *router.Router) error {
	s := mcpserver.NewMCPServer("agentic-warden-router", version, mcpserver.WithToolCapabilities(true))

	s.AddTool(
		mcp.NewTool("intelligent_route",
			mcp.WithDescription("Route a natural-language request to the best downstream MCP tool, synthesising one when needed."),
			mcp.WithString("user_request", mcp.Required(), mcp.Description("The request to route")),
			mcp.WithNumber("max_candidates", mcp.Description("Candidate tool breadth, 1-10")),
			mcp.WithString("execution_mode", mcp.Description("query|dynamic")),
		),
		handleIntelligentRoute(r),
	)

	s.AddTool(
		mcp.NewTool("execute_tool",
			mcp.WithDescription("Directly invoke a downstream tool by server and name."),
			mcp.WithString("server", mcp.Required(), mcp.Description("Downstream server name")),
			mcp.WithString("tool_name", mcp.Required(), mcp.Description("Tool name on that server")),
		),
		handleExecuteTool(r),
	)

	s.AddTool(
		mcp.NewTool("get_method_schema",
			mcp.WithDescription("Reveal the JSON schema for a discovered downstream or dynamic tool."),
			mcp.WithString("server", mcp.Description("Downstream server name")),
			mcp.WithString("tool_name", mcp.Required(), mcp.Description("Tool name")),
		),
		handleGetMethodSchema(r),
	)

	s.AddTool(
		mcp.NewTool("list_tools",
			mcp.WithDescription("List base tools plus every unexpired dynamic tool."),
		),
		handleListTools(r),
	)

	return mcpserver.ServeStdio(s)
}

func handleIntelligentRoute(r *router.Router) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]any)
		userRequest, _ := args["user_request"].(string)
		if userRequest == "" {
			return errorResult("user_request must not be empty"), nil
		}

		maxCandidates := 0
		if v, ok := args["max_candidates"].(float64); ok {
			maxCandidates = int(v)
		}

		mode := router.Dynamic
		if m, ok := args["execution_mode"].(string); ok && m == "query" {
			mode = router.Query
		}

		result, err := r.IntelligentRoute(ctx, userRequest, maxCandidates, mode)
		if err != nil {
			return errorResult(err.Error()), nil
		}
		return jsonResult(result)
	}
}

func handleExecuteTool(r *router.Router) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]any)
		server, _ := args["server"].(string)
		toolName, _ := args["tool_name"].(string)
		toolArgs, _ := args["arguments"].(map[string]any)

		text, err := r.ExecuteTool(ctx, server, toolName, toolArgs)
		if err != nil {
			return errorResult(err.Error()), nil
		}
		return mcp.NewToolResultText(text), nil
	}
}

func handleGetMethodSchema(r *router.Router) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]any)
		server, _ := args["server"].(string)
		toolName, _ := args["tool_name"].(string)

		schema, err := r.GetMethodSchema(ctx, server, toolName)
		if err != nil {
			return errorResult(err.Error()), nil
		}
		return jsonResult(schema)
	}
}

func handleListTools(r *router.Router) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return jsonResult(r.ListTools())
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return mcp.NewToolResultText(string(body)), nil
}

func errorResult(msg string) *mcp.CallToolResult {
	res := mcp.NewToolResultText(msg)
	res.IsError = true
	return res
}
