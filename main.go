package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lumilearn/orchestrator/internal/agents"
	"github.com/lumilearn/orchestrator/internal/alerting"
	"github.com/lumilearn/orchestrator/internal/config"
	"github.com/lumilearn/orchestrator/internal/health"
	"github.com/lumilearn/orchestrator/internal/knowledge"
	"github.com/lumilearn/orchestrator/internal/llm"
	"github.com/lumilearn/orchestrator/internal/monitor"
	"github.com/lumilearn/orchestrator/internal/ratelimit"
	"github.com/lumilearn/orchestrator/internal/resilience"
	"github.com/lumilearn/orchestrator/internal/search"
	"github.com/lumilearn/orchestrator/internal/state"
	"github.com/lumilearn/orchestrator/internal/store"
	"github.com/lumilearn/orchestrator/internal/tracing"
	"github.com/lumilearn/orchestrator/internal/websearch"
	"github.com/lumilearn/orchestrator/internal/workflow"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		OTLPEndpoint: cfg.Tracing.Endpoint,
	}, logger); err != nil {
		logger.Warn("Tracing initialization failed, continuing without export", zap.Error(err))
	}

	// Alerting first: the monitor and the resilience handler both publish
	// into it, so it must exist before either of them.
	rules := alertRules(cfg.Alerting)
	dispatcher := alerting.NewDispatcher(rules, cfg.Alerting.HistorySize, logger)
	dispatcher.RegisterChannel(&alerting.LogChannel{Logger: logger})
	dispatcher.RegisterChannel(&alerting.ConsoleChannel{})
	dispatcher.RegisterChannel(&alerting.EmailChannel{Logger: logger})
	if cfg.Alerting.WebhookURL != "" {
		dispatcher.RegisterChannel(&alerting.WebhookChannel{URL: cfg.Alerting.WebhookURL})
	}

	mon := monitor.New(cfg.Monitor, dispatcher, logger)
	limiter := ratelimit.NewRegistry(cfg.RateLimit, logger)

	llmClient := llm.New(cfg.Providers.OpenAI, limiter, mon, logger)

	handler := resilience.NewHandler(cfg.Resilience, dispatcher, logger)
	handler.Register(&resilience.GenerationFallback{Cache: llmClient})
	knowledgeFallback, err := resilience.NewKnowledgeFallback()
	if err != nil {
		logger.Fatal("Failed to load builtin fact table", zap.Error(err))
	}
	handler.Register(knowledgeFallback)
	handler.Register(&resilience.WebSearchFallback{})

	embedder := knowledge.NewOpenAIEmbedder(cfg.Providers.OpenAI.APIKey)
	kb := knowledge.NewClient(cfg.Providers.Knowledge, embedder, mon, logger)

	instant := websearch.NewInstantAnswerProvider(cfg.Providers.InstantAnswer, mon)
	premium := websearch.NewPremiumProvider(cfg.Providers.Premium, mon)
	web := websearch.NewAdaptive(instant, premium, limiter, cfg.Search, logger)

	engine := search.NewEngine(kb, web, cfg.Search, logger)

	sessions, err := store.Open(cfg.Store, logger)
	if err != nil {
		logger.Fatal("Failed to open session store", zap.Error(err))
	}
	defer sessions.Close()

	deps := &agents.Deps{
		Gen:        llmClient,
		Search:     engine,
		Resilience: handler,
		Logger:     logger,
	}
	lifecycle := state.NewLifecycle(cfg.Loop, logger)
	wf := workflow.NewEngine(
		&agents.Supervisor{Deps: deps},
		&agents.Educator{Deps: deps},
		&agents.QuizMaster{Deps: deps},
		&agents.Evaluator{Deps: deps},
		&agents.QnA{Deps: deps},
		lifecycle,
		cfg.Workflow,
		logger,
	)

	healthMgr := health.NewManager(logger)
	healthMgr.Register(health.CheckFunc{
		CheckName:  "store",
		IsCritical: true,
		Fn: func(ctx context.Context) error {
			_, err := sessions.Load(ctx, "healthcheck")
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		},
	})
	healthMgr.Register(health.CheckFunc{
		CheckName:  "generation",
		IsCritical: false,
		Fn: func(ctx context.Context) error {
			if cfg.Providers.OpenAI.APIKey == "" {
				return fmt.Errorf("no API key configured")
			}
			if status := mon.Health("generation"); status == monitor.StatusDown {
				return fmt.Errorf("generation service is down")
			}
			return nil
		},
	})
	healthMgr.Register(health.CheckFunc{
		CheckName:  "knowledge",
		IsCritical: false,
		Fn: func(ctx context.Context) error {
			if status := mon.Health("knowledge"); status == monitor.StatusDown {
				return fmt.Errorf("knowledge base is down")
			}
			return nil
		},
	})

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		healthMgr.RegisterRoutes(mux)
		metricsSrv = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler: mux,
		}
		go func() {
			logger.Info("Metrics and health endpoints listening", zap.String("addr", metricsSrv.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	watcher, err := config.NewWatcher(configPath(), cfg, logger)
	if err != nil {
		logger.Warn("Config watcher unavailable, hot reload disabled", zap.Error(err))
	} else {
		watcher.OnReload(func(updated *config.Config) error {
			lifecycle.SetConfig(updated.Loop)
			wf.SetConfig(updated.Workflow)
			logger.Info("Configuration reloaded",
				zap.Int("loop_max_turns", updated.Loop.MaxTurns),
				zap.Int("workflow_max_steps", updated.Workflow.MaxSteps),
			)
			return nil
		})
		if err := watcher.Start(); err != nil {
			logger.Warn("Config watcher failed to start", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	runConsole(ctx, wf, sessions, logger)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Tracer shutdown failed", zap.Error(err))
	}
	logger.Info("Orchestrator stopped")
}

// runConsole drives the workflow from stdin: one learner message per line.
// It is the interactive harness, not a production transport.
func runConsole(ctx context.Context, wf *workflow.Engine, sessions store.Store, logger *zap.Logger) {
	userID := os.Getenv("LUMILEARN_USER")
	if userID == "" {
		userID = "console"
	}

	s, err := sessions.Load(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		s = state.New(userID, state.KindBeginner, state.LevelLow)
	} else if err != nil {
		logger.Error("Failed to load session, starting fresh", zap.Error(err))
		s = state.New(userID, state.KindBeginner, state.LevelLow)
	}

	fmt.Printf("lumilearn tutor — chapter %d, stage %s (ctrl-d to exit)\n", s.Chapter, s.CurrentStage)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		fmt.Print("> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if err := wf.ProcessMessage(ctx, s, line); err != nil {
				logger.Error("Workflow failed", zap.Error(err))
				continue
			}
			fmt.Printf("\n[%s/%s] %s\n\n", s.CurrentStage, s.UIMode, s.SystemMessage)
			if err := sessions.Save(ctx, s); err != nil {
				logger.Error("Failed to persist session", zap.Error(err))
			}
		}
	}
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
		}
		zapCfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zapCfg.Build()
}

// alertRules converts config-declared rules, falling back to the built-in
// set when the file declares none.
func alertRules(cfg config.AlertingConfig) []alerting.Rule {
	if len(cfg.Rules) == 0 {
		return alerting.DefaultRules()
	}
	rules := make([]alerting.Rule, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		rules = append(rules, alerting.Rule{
			Name:            r.Name,
			Service:         r.Service,
			EventType:       r.EventType,
			MinSeverity:     r.MinSeverity,
			Message:         r.Message,
			Channels:        r.Channels,
			CooldownMinutes: r.CooldownMinutes,
		})
	}
	return rules
}

func configPath() string {
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		return path
	}
	return "./config/orchestrator.yaml"
}
