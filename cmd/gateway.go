package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/tinyclawhq/tinyclaw/internal/agent"
	"github.com/tinyclawhq/tinyclaw/internal/channels/discord"
	"github.com/tinyclawhq/tinyclaw/internal/channels/telegram"
	"github.com/tinyclawhq/tinyclaw/internal/clock"
	"github.com/tinyclawhq/tinyclaw/internal/compact"
	"github.com/tinyclawhq/tinyclaw/internal/config"
	"github.com/tinyclawhq/tinyclaw/internal/delegate"
	"github.com/tinyclawhq/tinyclaw/internal/estimator"
	"github.com/tinyclawhq/tinyclaw/internal/gateway"
	"github.com/tinyclawhq/tinyclaw/internal/heartware"
	"github.com/tinyclawhq/tinyclaw/internal/intercom"
	"github.com/tinyclawhq/tinyclaw/internal/mcp"
	"github.com/tinyclawhq/tinyclaw/internal/memory"
	"github.com/tinyclawhq/tinyclaw/internal/nudge"
	"github.com/tinyclawhq/tinyclaw/internal/providers"
	"github.com/tinyclawhq/tinyclaw/internal/router"
	"github.com/tinyclawhq/tinyclaw/internal/secrets"
	"github.com/tinyclawhq/tinyclaw/internal/sessionq"
	"github.com/tinyclawhq/tinyclaw/internal/shellguard"
	"github.com/tinyclawhq/tinyclaw/internal/shield"
	"github.com/tinyclawhq/tinyclaw/internal/store"
	"github.com/tinyclawhq/tinyclaw/internal/telemetry"
	"github.com/tinyclawhq/tinyclaw/internal/tools"
)

// baseDir resolves the daemon's state directory.
func baseDir() string {
	if v := os.Getenv("TINYCLAW_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tinyclaw"
	}
	return filepath.Join(home, ".tinyclaw")
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}

// app holds the wired daemon. Loops are built per user because tool
// surfaces (delegation, memory) are scoped to one user.
type app struct {
	cfg       *config.Manager
	store     *store.Store
	clk       clock.Clock
	queue     *sessionq.Queue
	ic        *intercom.Intercom
	gw        *gateway.Gateway
	registry  *router.Registry
	shield    *shield.Engine
	guard     *shellguard.Engine
	estimator *estimator.Estimator
	lifecycle *delegate.Lifecycle
	templates *delegate.Templates
	bg        *delegate.Background
	memory    *memory.Engine
	compactor *compact.Compactor
	heart     *heartware.Manager
	mcp       *mcp.Manager

	mu    sync.Mutex
	loops map[string]*agent.Loop
}

func runGateway() {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fatal("invalid config", err)
	}
	setupLogging(cfg.GetString("logging.level", "info"))

	base := baseDir()
	if err := os.MkdirAll(filepath.Join(base, "data"), 0o755); err != nil {
		fatal("create state dir", err)
	}

	clk := clock.System{}
	st, err := store.Open(filepath.Join(base, "data", "tinyclaw.db"), clk)
	if err != nil {
		fatal("open store", err)
	}

	sec := secrets.Env{}

	registry, err := buildRegistry(cfg, sec)
	if err != nil {
		fatal("provider registry", err)
	}

	shieldEngine := shield.NewEngine(clk)
	if feed, err := os.ReadFile(filepath.Join(base, "shield-feed.md")); err == nil {
		if err := shieldEngine.LoadFeed(string(feed)); err != nil {
			slog.Warn("threat feed rejected", "error", err)
		}
	}

	approvalsPath := filepath.Join(base, "shell-approvals.json")
	guardState, err := shellguard.LoadState(approvalsPath)
	if err != nil {
		slog.Warn("shell approvals unreadable, starting empty", "error", err)
	}
	guard := shellguard.NewEngine(clk, guardState, shellguard.FileSaver(approvalsPath))

	heart, err := heartware.NewManager(resolveDir(base, cfg.GetString("heartware.dir", "heartware")), clk)
	if err != nil {
		fatal("load heartware", err)
	}
	if err := heart.Watch(); err != nil {
		slog.Warn("heartware watcher unavailable", "error", err)
	}

	ic := intercom.New(0)
	queue := sessionq.New()
	gw := gateway.New(cfg.GetInt("rateLimits.outboundPerMinute", 20))
	est := estimator.New(st)
	lifecycle := delegate.NewLifecycle(st, clk, ic, delegate.DefaultSoftDeleteTTLMs)
	templates := delegate.NewTemplates(st, clk)
	mem := memory.New(st, clk, ic)
	compactor := compact.New(st, registry.Fallback(), clk,
		compact.WithThreshold(cfg.GetInt("compaction.threshold", 100)),
		compact.WithKeepRecent(cfg.GetInt("compaction.keepRecent", 20)),
	)

	a := &app{
		cfg:       cfg,
		store:     st,
		clk:       clk,
		queue:     queue,
		ic:        ic,
		gw:        gw,
		registry:  registry,
		shield:    shieldEngine,
		guard:     guard,
		estimator: est,
		lifecycle: lifecycle,
		templates: templates,
		memory:    mem,
		compactor: compactor,
		heart:     heart,
		loops:     make(map[string]*agent.Loop),
	}

	a.bg = delegate.NewBackground(delegate.BackgroundConfig{
		Store:      st,
		Queue:      queue,
		Lifecycle:  lifecycle,
		Templates:  templates,
		Registry:   registry,
		Estimator:  est,
		Tools:      a.subAgentTools(),
		Shield:     shieldEngine,
		Intercom:   ic,
		Clock:      clk,
		MaxPerUser: cfg.GetInt("agent.maxBackgroundJobs", delegate.DefaultMaxConcurrentPerUser),
	})

	telemetryShutdown, err := telemetry.Setup(context.Background(), telemetry.Options{
		Enabled:  cfg.GetBool("telemetry.enabled", false),
		Endpoint: cfg.GetString("telemetry.endpoint", ""),
		Insecure: true,
	})
	if err != nil {
		slog.Warn("telemetry setup failed", "error", err)
		telemetryShutdown = func(context.Context) error { return nil }
	}

	closeChannels := registerChannels(cfg, sec, gw)

	a.mcp = mcp.NewManager()
	if raw, ok := cfg.Get("mcp.servers"); ok {
		if servers := mcp.ParseServers(raw); len(servers) > 0 {
			mcpCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			a.mcp.Start(mcpCtx, servers)
			cancel()
		}
	}

	// Tasks still marked running belong to a previous process.
	if n, err := a.bg.CleanupStale(context.Background(), 0); err == nil && n > 0 {
		slog.Info("orphaned tasks failed at startup", "count", n)
	}
	if n, err := lifecycle.GarbageCollect(context.Background()); err == nil && n > 0 {
		slog.Info("expired sub-agents collected", "count", n)
	}

	nudgeSched := nudge.NewScheduler(nudge.SchedulerConfig{
		Gateway:         gw,
		Store:           st,
		Intercom:        ic,
		Clock:           clk,
		SuppressAfterMs: int64(cfg.GetInt("nudge.suppressAfterMs", 0)),
	})
	if cfg.GetBool("nudge.enabled", true) {
		nudgeSched.Start()
	}

	bridge := gateway.NewEventBridge(ic)
	server := a.httpServer(cfg, bridge)
	go func() {
		slog.Info("gateway listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal("http server", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	a.bg.CancelAll()
	nudgeSched.Stop()
	_ = server.Shutdown(shutdownCtx)
	bridge.Close()
	closeChannels()
	a.mcp.Close()
	heart.Close()
	if err := telemetryShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry flush failed", "error", err)
	}
	if err := a.store.Close(); err != nil {
		slog.Warn("store close failed", "error", err)
	}
	slog.Info("goodbye")
}

// buildRegistry constructs every configured provider and the tier map. The
// fallback provider is mandatory.
func buildRegistry(cfg *config.Manager, sec secrets.Store) (*router.Registry, error) {
	fallbackName := cfg.GetString("providers.fallback", "openai")

	built := make(map[string]*providers.HTTPProvider)
	if tree, ok := cfg.Get("providers"); ok {
		section, _ := tree.(map[string]interface{})
		for name, raw := range section {
			if name == "fallback" {
				continue
			}
			pcfg, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			apiBase, _ := pcfg["apiBase"].(string)
			model, _ := pcfg["model"].(string)
			apiKey, err := sec.Retrieve("provider." + name + ".apiKey")
			if err != nil {
				slog.Warn("provider has no api key, skipping", "provider", name)
				continue
			}
			built[name] = providers.NewHTTPProvider(name, apiKey, apiBase, model)
		}
	}

	fallback, ok := built[fallbackName]
	if !ok {
		return nil, fmt.Errorf("fallback provider %q is not configured", fallbackName)
	}
	registry, err := router.NewRegistry(fallback)
	if err != nil {
		return nil, err
	}
	for name, p := range built {
		if name != fallbackName {
			registry.Register(p)
		}
	}

	if tree, ok := cfg.Get("routing.tiers"); ok {
		tiers, _ := tree.(map[string]interface{})
		for tier, name := range tiers {
			id, _ := name.(string)
			if err := registry.MapTier(providers.Tier(tier), id); err != nil {
				slog.Warn("tier mapping skipped", "tier", tier, "provider", id, "error", err)
			}
		}
	}
	return registry, nil
}

// registerChannels wires the configured outbound senders and returns a
// closer for the ones holding connections.
func registerChannels(cfg *config.Manager, sec secrets.Store, gw *gateway.Gateway) func() {
	var closers []func()

	if cfg.GetBool("channels.telegram.enabled", false) {
		if token, err := sec.Retrieve("channel.telegram.token"); err == nil {
			if sender, err := telegram.New(token); err == nil {
				gw.Register(sender)
				slog.Info("channel registered", "channel", "telegram")
			} else {
				slog.Warn("telegram sender failed", "error", err)
			}
		} else {
			slog.Warn("telegram enabled but channel.telegram.token is not set")
		}
	}

	if cfg.GetBool("channels.discord.enabled", false) {
		if token, err := sec.Retrieve("channel.discord.token"); err == nil {
			announce := cfg.GetString("channels.discord.announceChannel", "")
			if sender, err := discord.New(token, announce); err == nil {
				if err := sender.Open(); err != nil {
					slog.Warn("discord session failed", "error", err)
				} else {
					gw.Register(sender)
					closers = append(closers, func() { _ = sender.Close() })
					slog.Info("channel registered", "channel", "discord")
				}
			} else {
				slog.Warn("discord sender failed", "error", err)
			}
		} else {
			slog.Warn("discord enabled but channel.discord.token is not set")
		}
	}

	return func() {
		for _, c := range closers {
			c()
		}
	}
}

// subAgentTools is the registry granted to delegated background work: no
// delegation (sub-agents must not spawn sub-agents) and no approval path.
func (a *app) subAgentTools() *tools.Registry {
	reg := tools.NewRegistry()
	reg.Register(tools.NewShellTool(a.guard, "", 0, nil))
	return reg
}

// userTools builds the primary tool surface scoped to one user.
func (a *app) userTools(userID string) *tools.Registry {
	reg := tools.NewRegistry()
	reg.Register(tools.NewShellTool(a.guard, "", 0, nil))
	reg.Register(&memory.StoreTool{Engine: a.memory, UserID: userID})
	reg.Register(&memory.SearchTool{Engine: a.memory, UserID: userID})
	reg.Register(&heartware.UpdateTool{Manager: a.heart})
	reg.Register(&delegate.TaskTool{Lifecycle: a.lifecycle, Templates: a.templates, Background: a.bg, UserID: userID})
	reg.Register(&delegate.StatusTool{Store: a.store, UserID: userID})
	reg.Register(&delegate.CancelTool{Store: a.store, Background: a.bg, UserID: userID})
	reg.Register(&delegate.ListAgentsTool{Lifecycle: a.lifecycle, UserID: userID})
	reg.Register(&delegate.ListTemplatesTool{Templates: a.templates, UserID: userID})
	for _, t := range a.mcp.Tools() {
		reg.Register(t)
	}
	return reg
}

func (a *app) loopFor(userID string) *agent.Loop {
	a.mu.Lock()
	defer a.mu.Unlock()
	if l, ok := a.loops[userID]; ok {
		return l
	}
	l := agent.NewLoop(agent.LoopConfig{
		Store:            a.store,
		Queue:            a.queue,
		Registry:         a.registry,
		Tools:            a.userTools(userID),
		Shield:           a.shield,
		Compactor:        a.compactor,
		Background:       a.bg,
		Memory:           a.memory,
		Clock:            a.clk,
		HeartwareContext: a.heart.Context,
		HistoryLimit:     a.cfg.GetInt("agent.historyLimit", agent.DefaultHistoryLimit),
	})
	a.loops[userID] = l
	return l
}

type chatRequest struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

type chatResponse struct {
	Reply string `json:"reply"`
}

// httpServer exposes the local control surface: health, the intercom event
// feed, and a chat endpoint for transports that have no channel plugin.
func (a *app) httpServer(cfg *config.Manager, bridge *gateway.EventBridge) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/events", bridge)
	mux.HandleFunc("/chat", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.Message == "" {
			http.Error(w, "user_id and message are required", http.StatusBadRequest)
			return
		}
		reply, err := a.loopFor(req.UserID).Handle(r.Context(), req.UserID, req.Message, nil)
		if err != nil {
			slog.Error("chat failed", "user", req.UserID, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatResponse{Reply: reply})
	})

	addr := fmt.Sprintf("%s:%d", cfg.GetString("gateway.host", "127.0.0.1"), cfg.GetInt("gateway.port", 18790))
	return &http.Server{Addr: addr, Handler: mux}
}

func resolveDir(base, dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(base, dir)
}
