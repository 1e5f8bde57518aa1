package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/beacon/internal/agent"
	"github.com/nextlevelbuilder/beacon/internal/bus"
	"github.com/nextlevelbuilder/beacon/internal/channels"
	"github.com/nextlevelbuilder/beacon/internal/channels/discord"
	"github.com/nextlevelbuilder/beacon/internal/channels/telegram"
	"github.com/nextlevelbuilder/beacon/internal/channels/terminal"
	"github.com/nextlevelbuilder/beacon/internal/config"
	"github.com/nextlevelbuilder/beacon/internal/gateway"
	"github.com/nextlevelbuilder/beacon/internal/mcp"
	"github.com/nextlevelbuilder/beacon/internal/memory"
	"github.com/nextlevelbuilder/beacon/internal/providers"
	"github.com/nextlevelbuilder/beacon/internal/scheduler"
	"github.com/nextlevelbuilder/beacon/internal/session"
	"github.com/nextlevelbuilder/beacon/internal/skills"
	"github.com/nextlevelbuilder/beacon/internal/spaces"
	"github.com/nextlevelbuilder/beacon/internal/store"
	"github.com/nextlevelbuilder/beacon/internal/store/pg"
	"github.com/nextlevelbuilder/beacon/internal/store/sqlite"
	"github.com/nextlevelbuilder/beacon/internal/telemetry"
	"github.com/nextlevelbuilder/beacon/internal/tools"
	"github.com/nextlevelbuilder/beacon/internal/users"
	"github.com/nextlevelbuilder/beacon/pkg/browser"
)

const shutdownGrace = 30 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent runtime with all enabled channels",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	setupLogging()

	cfgPath := config.ResolveConfigPath(cfgFile)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if !cfg.HasAnyProvider() {
		if _, statErr := os.Stat(cfgPath); os.IsNotExist(statErr) {
			fmt.Println("No configuration found. Run the setup wizard first:")
			fmt.Println()
			fmt.Println("  beacon onboard")
			fmt.Println()
			fmt.Println("Or provide a provider key via environment, e.g. BEACON_ANTHROPIC_API_KEY.")
		} else {
			fmt.Println("No AI provider API key found. Set one in the config file or via environment,")
			fmt.Println("e.g. export BEACON_ANTHROPIC_API_KEY=sk-... and start again.")
		}
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}

	// Channels. The gateway registers like any other transport so the bus
	// routes its outbound and progress traffic the same way.
	if cfg.Channels.Terminal.Enabled {
		rt.channels.Register(terminal.New(cfg.Channels.Terminal, rt.bus))
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		tg, err := telegram.New(cfg.Channels.Telegram, rt.bus)
		if err != nil {
			slog.Error("telegram channel init failed", "error", err)
		} else {
			rt.channels.Register(tg)
		}
	}
	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != "" {
		dc, err := discord.New(cfg.Channels.Discord, rt.bus)
		if err != nil {
			slog.Error("discord channel init failed", "error", err)
		} else {
			rt.channels.Register(dc)
		}
	}
	if cfg.Gateway.Enabled {
		rt.channels.Register(gateway.New(cfg.Gateway, cfg.Tailscale, rt.bus))
	}

	if err := rt.start(ctx); err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}

	slog.Info("beacon running",
		"version", Version,
		"provider", rt.providers.Default().Name(),
		"model", rt.modelName(),
		"channels", rt.channels.Names(),
		"tools", rt.tools.Size(),
	)

	<-ctx.Done()
	slog.Info("graceful shutdown initiated")
	rt.shutdown()
	slog.Info("shutdown complete")
}

// runtime bundles the long-lived components. serve wires every enabled
// channel; chat reuses the same build with only the terminal attached.
type runtime struct {
	cfg       *config.Config
	bus       *bus.MessageBus
	backend   store.Backend
	sessions  *session.Store
	users     *users.Service
	spaces    *spaces.Service
	memory    *memory.Service
	providers *providers.Registry
	tools     *tools.Registry
	scheduler *scheduler.Scheduler
	subagents *tools.SubagentManager
	skills    *skills.Loader
	mcp       *mcp.Manager
	renderer  *browser.Renderer
	loop      *agent.Loop
	channels  *channels.Manager

	stopTelemetry func(context.Context) error
	cancelRun     context.CancelFunc
	loopDone      chan struct{}
}

// buildRuntime opens storage and constructs every component in dependency
// order. Nothing starts running yet; start launches the moving parts.
func buildRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	stopTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		return nil, err
	}

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}

	workspace := cfg.WorkspacePath()
	if !filepath.IsAbs(workspace) {
		workspace, _ = filepath.Abs(workspace)
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace %s: %w", workspace, err)
	}

	sessions := session.NewStore(backend, session.Config{
		MemoryWindow:  cfg.Agent.MemoryWindow,
		WorkspaceRoot: workspace,
	})
	if err := sessions.Init(ctx); err != nil {
		return nil, err
	}

	userSvc := users.NewService(backend)
	spaceSvc := spaces.NewService(backend)

	var memSvc *memory.Service
	if cfg.Memory.Enabled == nil || *cfg.Memory.Enabled {
		memSvc = memory.NewService(backend, cfg.Memory.MaxEntries)
	}

	provReg, err := providers.NewRegistry(cfg)
	if err != nil {
		return nil, err
	}

	msgBus := bus.New()
	registry := tools.NewRegistry()
	restrict := cfg.Agent.RestrictToWorkspace

	if cfg.Tools.Exec.Enabled == nil || *cfg.Tools.Exec.Enabled {
		execTool, err := tools.NewExecTool(workspace, restrict,
			time.Duration(cfg.Tools.Exec.TimeoutSec)*time.Second, cfg.Tools.Exec.DenyPatterns)
		if err != nil {
			return nil, fmt.Errorf("exec tool: %w", err)
		}
		registry.Register(execTool)
	}
	registry.Register(tools.NewReadFileTool(workspace, restrict))
	registry.Register(tools.NewWriteFileTool(workspace, restrict))
	registry.Register(tools.NewListDirTool(workspace, restrict))
	registry.Register(tools.NewDatetimeTool(time.Now))

	// The renderer stays a concrete pointer here: assigning a nil
	// *browser.Renderer into the interface would make it non-nil.
	var renderer *browser.Renderer
	var fetchRenderer tools.Renderer
	if cfg.Tools.Browser.Enabled {
		renderer = browser.New(cfg.Tools.Browser.Headless)
		fetchRenderer = renderer
		slog.Info("browser renderer enabled", "headless", cfg.Tools.Browser.Headless)
	}
	registry.Register(tools.NewWebFetchTool(cfg.Tools.WebFetch, fetchRenderer))

	if memSvc != nil {
		registry.Register(tools.NewMemorySaveTool(memSvc))
		registry.Register(tools.NewMemoryListTool(memSvc))
	}
	registry.Register(tools.NewSendMessageTool(userSvc, sessions, msgBus))

	sched := scheduler.New(backend, msgBus,
		scheduler.WithMaxTasksPerSession(cfg.Scheduler.MaxTasksPerSession))
	registry.Register(tools.NewScheduleTaskTool(sched))
	registry.Register(tools.NewListScheduledTasksTool(sched))
	registry.Register(tools.NewCancelScheduledTaskTool(sched))

	subMgr := tools.NewSubagentManager(provReg.Default(), registry, msgBus, tools.SubagentConfig{
		MaxConcurrent: cfg.Subagents.MaxConcurrent,
		MaxIterations: cfg.Subagents.MaxIterations,
		Timeout:       time.Duration(cfg.Subagents.TimeoutSec) * time.Second,
		Model:         cfg.Agent.Model,
		Temperature:   cfg.Agent.Temperature,
		MaxTokens:     cfg.Agent.MaxTokens,
	})
	registry.Register(tools.NewSpawnTool(subMgr))
	registry.Register(tools.NewListSubagentsTool(subMgr))

	skillsLoader := skills.NewLoader(cfg.SkillsDir(), cfg.Skills.InlineMaxChars)
	if n, err := skillsLoader.Load(); err != nil {
		slog.Warn("skill load failed", "error", err)
	} else if n > 0 {
		slog.Info("skills loaded", "count", n)
	}

	var mcpMgr *mcp.Manager
	if len(cfg.Tools.MCPServers) > 0 {
		mcpMgr = mcp.NewManager(registry, cfg.Tools.MCPServers)
	}

	loop := agent.NewLoop(agent.Config{
		Bus:       msgBus,
		Sessions:  sessions,
		Tools:     registry,
		Provider:  provReg.Default(),
		Users:     userSvc,
		Memory:    memSvc,
		Skills:    skillsLoader,
		Spaces:    spaceSvc,
		Scheduler: sched,
		Subagents: subMgr,

		Model:         cfg.Agent.Model,
		Temperature:   cfg.Agent.Temperature,
		MaxTokens:     cfg.Agent.MaxTokens,
		MaxIterations: cfg.Agent.MaxToolIterations,
		MaxConcurrent: int64(cfg.Agent.MaxConcurrent),
		MemoryWindow:  cfg.Agent.MemoryWindow,
		SystemPrompt:  cfg.Agent.SystemPrompt,
		DisplayName:   cfg.Agent.DisplayName,
		Version:       Version,
	})

	return &runtime{
		cfg:           cfg,
		bus:           msgBus,
		backend:       backend,
		sessions:      sessions,
		users:         userSvc,
		spaces:        spaceSvc,
		memory:        memSvc,
		providers:     provReg,
		tools:         registry,
		scheduler:     sched,
		subagents:     subMgr,
		skills:        skillsLoader,
		mcp:           mcpMgr,
		renderer:      renderer,
		loop:          loop,
		channels:      channels.NewManager(msgBus),
		stopTelemetry: stopTelemetry,
	}, nil
}

// openBackend selects the persistence driver from config.
func openBackend(ctx context.Context, cfg *config.Config) (store.Backend, error) {
	if cfg.IsPostgres() {
		backend, err := pg.Open(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		slog.Info("storage ready", "driver", "postgres")
		return backend, nil
	}

	path := cfg.SQLitePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	backend, err := sqlite.Open(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	slog.Info("storage ready", "driver", "sqlite", "path", path)
	return backend, nil
}

// start launches the moving parts: scheduler, MCP discovery, skill watcher,
// channels, and the dispatcher goroutine. ctx scopes the channel transports
// and the skill watcher; the dispatcher and scheduler stop through shutdown.
func (rt *runtime) start(ctx context.Context) error {
	if err := rt.scheduler.Start(context.Background()); err != nil {
		return err
	}

	if rt.mcp != nil {
		// Transports outlive ctx on purpose; shutdown closes them in order.
		rt.mcp.Start(context.Background())
		for _, st := range rt.mcp.ServerStatus() {
			slog.Info("mcp server", "name", st.Name, "transport", st.Transport,
				"connected", st.Connected, "tools", st.ToolCount)
		}
	}

	if rt.cfg.Skills.Watch == nil || *rt.cfg.Skills.Watch {
		dir := rt.cfg.SkillsDir()
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Warn("skill dir unavailable, watcher disabled", "dir", dir, "error", err)
		} else {
			go func() {
				if err := rt.skills.Watch(ctx); err != nil {
					slog.Warn("skill watcher stopped", "error", err)
				}
			}()
		}
	}

	if err := rt.channels.StartAll(ctx); err != nil {
		return err
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	rt.cancelRun = cancelRun
	rt.loopDone = make(chan struct{})
	go func() {
		rt.loop.Run(runCtx)
		close(rt.loopDone)
	}()
	return nil
}

// shutdown stops everything in dependency order: channels first so no new
// inbound arrives, then cancel and drain turns, close the bus, and stop the
// background services before releasing storage.
func (rt *runtime) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	rt.channels.StopAll(ctx)

	if rt.cancelRun != nil {
		rt.cancelRun()
	}
	if rt.loopDone != nil {
		<-rt.loopDone
	}
	rt.loop.Wait()

	rt.bus.Close()
	rt.subagents.StopAll()
	rt.scheduler.Stop()

	if rt.mcp != nil {
		rt.mcp.Stop()
	}
	if rt.renderer != nil {
		rt.renderer.Close()
	}
	if rt.stopTelemetry != nil {
		if err := rt.stopTelemetry(ctx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}
	if err := rt.backend.Close(); err != nil {
		slog.Warn("storage close failed", "error", err)
	}
}

// modelName resolves the model the loop will use, for the startup banner.
func (rt *runtime) modelName() string {
	if rt.cfg.Agent.Model != "" {
		return rt.cfg.Agent.Model
	}
	return rt.providers.Default().DefaultModel()
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})))
}
