package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lacehq/lace/internal/agent"
	"github.com/lacehq/lace/internal/approval"
	"github.com/lacehq/lace/internal/backoff"
	"github.com/lacehq/lace/internal/budget"
	"github.com/lacehq/lace/internal/compaction"
	"github.com/lacehq/lace/internal/config"
	"github.com/lacehq/lace/internal/delegation"
	"github.com/lacehq/lace/internal/observability"
	"github.com/lacehq/lace/internal/prompts"
	"github.com/lacehq/lace/internal/providers"
	"github.com/lacehq/lace/internal/providers/anthropic"
	"github.com/lacehq/lace/internal/providers/openai"
	"github.com/lacehq/lace/internal/threads"
	"github.com/lacehq/lace/internal/tools"
	"github.com/lacehq/lace/internal/tools/files"
)

// runtime assembles the conversation core from configuration.
type runtime struct {
	cfg           *config.Config
	logger        *observability.Logger
	metrics       *observability.Metrics
	tracer        *observability.Tracer
	traceShutdown func(context.Context) error
	store         threads.Store
	provider      providers.Provider
	compactor     *compaction.Compactor
	prompts       *prompts.Config
	stdin         *bufio.Reader
}

func newRuntime(configPath string) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := metricsFor(cfg)

	tracer, traceShutdown, err := observability.NewTracer(context.Background(), observability.TraceConfig{
		ServiceName: "lace",
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		SampleRatio: cfg.Observability.Tracing.SampleRatio,
		Environment: cfg.Observability.Tracing.Environment,
	})
	if err != nil {
		return nil, err
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	provider, err := buildProvider(cfg, cfg.Provider, cfg.Model)
	if err != nil {
		store.Close()
		return nil, err
	}

	promptCfg, err := prompts.Load(promptsDir())
	if err != nil {
		store.Close()
		return nil, err
	}

	return &runtime{
		cfg:           cfg,
		logger:        logger,
		metrics:       metrics,
		tracer:        tracer,
		traceShutdown: traceShutdown,
		store:         store,
		provider:      provider,
		compactor:     compaction.NewCompactor(store, provider, logger),
		prompts:       promptCfg,
		stdin:         bufio.NewReader(os.Stdin),
	}, nil
}

func (r *runtime) Close() error {
	if r.traceShutdown != nil {
		r.traceShutdown(context.Background())
	}
	return r.store.Close()
}

// metricsFor honors observability.metrics_enabled; a nil set disables
// collection everywhere downstream.
func metricsFor(cfg *config.Config) *observability.Metrics {
	if !cfg.Observability.MetricsEnabled {
		return nil
	}
	metrics, _ := observability.NewMetrics()
	return metrics
}

func openStore(cfg *config.Config) (threads.Store, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return threads.NewMemoryStore(), nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		return threads.NewSQLiteStore(cfg.Storage.Path)
	case "postgres":
		return threads.NewPostgresStoreFromDSN(cfg.Storage.DSN, nil)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func buildProvider(cfg *config.Config, name, model string) (providers.Provider, error) {
	pc := cfg.ProviderFor(name)
	if model != "" {
		pc.Model = model
	}
	switch name {
	case "anthropic":
		return anthropic.New(anthropic.Config{APIKey: pc.APIKey, BaseURL: pc.BaseURL, Model: pc.Model})
	case "openai":
		return openai.New(openai.Config{APIKey: pc.APIKey, BaseURL: pc.BaseURL, Model: pc.Model})
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

// newAgent builds an agent for threadID, wiring the delegate tool through a
// factory that reuses this runtime's configuration.
func (r *runtime) newAgent(ctx context.Context, threadID threads.ID) (*agent.Agent, error) {
	manager := delegation.NewManager(r.store, r.childFactory(), r.logger, 0)
	executor := r.newExecutor(delegation.NewTool(manager))
	return agent.New(ctx, r.agentOptions(threadID, r.provider, executor))
}

// childFactory builds sub-agents for delegated tasks. Children inherit the
// parent's provider unless the delegate call overrides it, and lose the
// delegate tool once the nesting limit is near.
func (r *runtime) childFactory() delegation.AgentFactory {
	return func(ctx context.Context, childID threads.ID, req delegation.Request, allowDelegate bool) (*agent.Agent, error) {
		provider := r.provider
		if req.Provider != "" || req.Model != "" {
			name := req.Provider
			if name == "" {
				name = r.cfg.Provider
			}
			p, err := buildProvider(r.cfg, name, req.Model)
			if err != nil {
				return nil, err
			}
			provider = p
		}

		var extra []tools.Tool
		if allowDelegate {
			manager := delegation.NewManager(r.store, r.childFactory(), r.logger, 0)
			extra = append(extra, delegation.NewTool(manager))
		}
		return agent.New(ctx, r.agentOptions(childID, provider, r.newExecutor(extra...)))
	}
}

func (r *runtime) agentOptions(threadID threads.ID, provider providers.Provider, executor *tools.Executor) agent.Options {
	return agent.Options{
		ThreadID: threadID,
		Store:    r.store,
		Provider: provider,
		RetryPolicy: backoff.Policy{
			Initial: time.Duration(r.cfg.Retry.InitialDelayMs) * time.Millisecond,
			Max:     time.Duration(r.cfg.Retry.MaxDelayMs) * time.Millisecond,
			Factor:  r.cfg.Retry.BackoffFactor,
			Jitter:  0.1,
		},
		RetryMaxAttempts: r.cfg.Retry.MaxAttempts,
		Executor: executor,
		Budget: budget.Config{
			MaxTokens:        r.cfg.MaxTokens,
			WarningThreshold: r.cfg.WarningThreshold,
			ReserveTokens:    r.cfg.ReserveTokens,
		},
		QueueLength:      r.cfg.Queue.MaxLength,
		Compactor:        r.compactor,
		Logger:           r.logger,
		Metrics:          r.metrics,
		Streaming:        r.cfg.Streaming == nil || *r.cfg.Streaming,
		WorkingDir:       r.cfg.WorkingDirectory,
		SystemPrompt:     r.prompts.SystemPrompt,
		UserInstructions: r.prompts.UserInstructions,
	}
}

func (r *runtime) newExecutor(extra ...tools.Tool) *tools.Executor {
	registry := tools.NewRegistry()
	fileCfg := files.Config{Workspace: r.cfg.WorkingDirectory}
	builtins := []tools.Tool{
		files.NewReadTool(fileCfg),
		files.NewWriteTool(fileCfg),
		files.NewEditTool(fileCfg),
	}
	for _, tool := range append(builtins, extra...) {
		if err := registry.Register(tool); err != nil {
			r.logger.Warn(context.Background(), "tool registration failed",
				"tool", tool.Name(), "error", err)
		}
	}
	approver := approval.NewManager(r.cfg.Approval, r.promptApproval)
	return tools.NewExecutor(registry, approver, r.logger, r.metrics, r.tracer)
}

// promptApproval asks the user on the terminal.
func (r *runtime) promptApproval(ctx context.Context, toolName string, args json.RawMessage) approval.Decision {
	fmt.Printf("\nTool %s wants to run with arguments:\n  %s\n", toolName, string(args))
	fmt.Print("Allow? [y]es once / [s]ession / [N]o: ")
	line, err := r.stdin.ReadString('\n')
	if err != nil {
		return approval.DecisionDeny
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return approval.DecisionAllowOnce
	case "s", "session":
		return approval.DecisionAllowSession
	default:
		return approval.DecisionDeny
	}
}

// resumeOrCreateThread resumes requested when it exists, otherwise creates a
// fresh thread. An empty request always creates.
func resumeOrCreateThread(ctx context.Context, store threads.Store, requested string) (threads.ID, bool, error) {
	if requested != "" {
		id, err := threads.ParseID(requested)
		if err != nil {
			return "", false, err
		}
		_, err = store.GetThread(ctx, id)
		if err == nil {
			return id, true, nil
		}
		if !errors.Is(err, threads.ErrThreadNotFound) {
			return "", false, err
		}
	}
	return threads.NewID(time.Now()), false, nil
}

// newestThread returns the most recently created root thread.
func newestThread(ctx context.Context, store threads.Store) (threads.ID, error) {
	infos, err := store.ListThreads(ctx)
	if err != nil {
		return "", err
	}
	var newest *threads.Info
	for _, info := range infos {
		if info.ID.IsChild() {
			continue
		}
		if newest == nil || info.CreatedAt.After(newest.CreatedAt) {
			newest = info
		}
	}
	if newest == nil {
		return "", fmt.Errorf("no threads to continue")
	}
	return newest.ID, nil
}

func promptsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".lace/prompts"
	}
	return filepath.Join(home, ".lace", "prompts")
}
