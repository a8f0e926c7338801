// Command agentcompanyd runs the WorkflowEngine daemon: it loads
// configuration, wires every engine collaborator, restores any workflows
// left running from a previous process, and serves the §6.5 control
// surface until terminated.
//
// Grounded on cmd/semspec/main.go's cobra root-command shape (Use/Short/
// Long/RunE, signal.NotifyContext-driven cancellation) and app.go's
// App-wiring pattern (NATS connection setup, storage init, ordered
// Start/Shutdown), adapted from semspec's one-shot/REPL task submission to
// a long-running HTTP daemon since AgentCompany has no chat surface of its
// own (§4).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/c360studio/agentcompany/api"
	"github.com/c360studio/agentcompany/approval"
	"github.com/c360studio/agentcompany/bus"
	"github.com/c360studio/agentcompany/config"
	"github.com/c360studio/agentcompany/container"
	"github.com/c360studio/agentcompany/engine"
	"github.com/c360studio/agentcompany/llm"
	_ "github.com/c360studio/agentcompany/llm/providers" // register anthropic/ollama/openai via init()
	"github.com/c360studio/agentcompany/meeting"
	"github.com/c360studio/agentcompany/model"
	"github.com/c360studio/agentcompany/qualitygate"
	"github.com/c360studio/agentcompany/report"
	"github.com/c360studio/agentcompany/runstore"
	"github.com/c360studio/agentcompany/statestore"
	"github.com/c360studio/agentcompany/telemetry"
	"github.com/c360studio/agentcompany/vcs"
	"github.com/c360studio/agentcompany/worker"
)

// Version and BuildTime are overridden at link time, the way semspec's are.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "agentcompanyd:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		natsURL    string
		addr       string
		runtimeDir string
		repoPath   string
	)

	rootCmd := &cobra.Command{
		Use:     "agentcompanyd",
		Short:   "Run the AgentCompany workflow orchestration daemon",
		Long:    "agentcompanyd loads the SettingsManager configuration, wires the WorkflowEngine and its collaborators, and serves the control surface over HTTP until interrupted.",
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), daemonOptions{
				configPath: configPath,
				natsURL:    natsURL,
				addr:       addr,
				runtimeDir: runtimeDir,
				repoPath:   repoPath,
			})
		},
	}
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to an agentcompany.yaml config file (defaults to the usual search path)")
	rootCmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS server URL for the AgentBus transport (defaults to an in-process bus)")
	rootCmd.Flags().StringVar(&addr, "addr", ":8080", "listen address for the control surface and /metrics")
	rootCmd.Flags().StringVar(&runtimeDir, "runtime-dir", "./runtime", "root directory for runtime/runs and runtime/state")
	rootCmd.Flags().StringVar(&repoPath, "repo", "", "git repository path the VCS capability operates against (disabled if empty)")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd.SetArgs(os.Args[1:])
	return rootCmd.ExecuteContext(ctx)
}

type daemonOptions struct {
	configPath string
	natsURL    string
	addr       string
	runtimeDir string
	repoPath   string
}

// serve wires every collaborator and blocks until ctx is cancelled.
func serve(ctx context.Context, opts daemonOptions) error {
	logger := slog.Default()

	cfg, err := loadConfig(opts, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	runsDir := filepath.Join(opts.runtimeDir, "runs")
	stateDir := filepath.Join(opts.runtimeDir, "state")
	workspacesDir := filepath.Join(opts.runtimeDir, "workspaces")

	store, err := runstore.New(runsDir)
	if err != nil {
		return fmt.Errorf("open run store: %w", err)
	}
	stateStore, err := statestore.New(stateDir)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	recorder, err := telemetry.NewRecorder(stateDir, prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("open telemetry recorder: %w", err)
	}

	agentBus, closeBus, err := connectBus(ctx, opts.natsURL)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer closeBus()

	runtime, err := containerRuntime(cfg.ContainerRuntime)
	if err != nil {
		return fmt.Errorf("connect container runtime: %w", err)
	}

	var vcsCap vcs.VCS
	if opts.repoPath != "" {
		if v, err := vcs.NewShellVCS(opts.repoPath); err != nil {
			logger.Warn("vcs capability disabled: repo is not a git working tree", slog.String("path", opts.repoPath), slog.String("error", err.Error()))
		} else {
			vcsCap = v
		}
	}

	approvalGate := approval.New()
	workerTypes := worker.NewDefaultRegistry()
	eng := engine.New(engine.Deps{
		Store:             store,
		Bus:               agentBus,
		Approval:          approvalGate,
		Pool:              worker.NewPool(cfg.MaxConcurrentWorkers, cfg.DefaultTimeout, runtime),
		Types:             workerTypes,
		Gate:              qualitygate.New(qualitygate.Command{Name: "golangci-lint", Args: []string{"run", "./..."}}, qualitygate.Command{Name: "go", Args: []string{"test", "./..."}}),
		Telemetry:         recorder,
		StateStore:        stateStore,
		VCS:                vcsCap,
		IntegrationBranch: cfg.IntegrationBranch,
		ContainerSpec:     container.Spec{PidLimit: 256},
		Facilitator:       "ceo",
		Planner:           planner(logger, workerTypes),
		Reporter:          report.NewReporter(store),
		WorkspaceRoot:     workspacesDir,
	})

	if err := eng.RestoreWorkflows(ctx); err != nil {
		return fmt.Errorf("restore workflows: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/", api.NewServer(eng, approvalGate).Router())
	mux.Handle("/metrics", telemetry.Handler(prometheus.DefaultGatherer.(*prometheus.Registry)))

	httpServer := &http.Server{Addr: opts.addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("agentcompanyd listening", slog.String("addr", opts.addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("control surface: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return httpServer.Shutdown(shutdownCtx)
}

// planner wires a meeting.LLMPlanner against the default model.Registry and
// whichever providers registered themselves via the llm/providers blank
// import. It is always returned non-nil: a missing API key or unreachable
// endpoint surfaces as a Complete error at plan time, which the engine
// already treats as recoverable by falling back to the heuristic proposal
// draft (§4.6 step 1b).
func planner(logger *slog.Logger, types *worker.TypeRegistry) *meeting.LLMPlanner {
	registry := model.NewDefaultRegistry()
	client := llm.NewClient(registry, llm.WithLogger(logger))
	return meeting.NewLLMPlanner(client, types)
}

func loadConfig(opts daemonOptions, logger *slog.Logger) (*config.Config, error) {
	if opts.configPath != "" {
		cfg, err := config.LoadFromFile(opts.configPath)
		if err != nil {
			return nil, err
		}
		if result := config.Validate(cfg); !result.Valid {
			return nil, &config.ValidationError{Result: result}
		}
		return cfg, nil
	}
	return config.NewLoader(logger).Load()
}

// connectBus returns a bus.Bus backed by NATS JetStream when natsURL is
// set, or an in-process bus.MemoryBus otherwise. The returned close func is
// always safe to call.
func connectBus(ctx context.Context, natsURL string) (bus.Bus, func(), error) {
	if natsURL == "" {
		return bus.NewMemoryBus(), func() {}, nil
	}

	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS at %s: %w", natsURL, err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("create jetstream context: %w", err)
	}
	natsBus, err := bus.NewNATSBus(ctx, js)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return natsBus, func() { conn.Drain() }, nil //nolint:errcheck
}

// containerRuntime connects the ContainerRuntime backend named by
// runtimeName. Only the Docker Engine API backend ("dod") is implemented
// today; "rootless" and "dind" select the same DockerRuntime since the
// distinction is a host-level daemon configuration concern, not a
// different client API (§4.4 leaves the latter two as configuration
// variants of the same runtime).
func containerRuntime(runtimeName config.ContainerRuntime) (container.Runtime, error) {
	switch runtimeName {
	case config.RuntimeDod, config.RuntimeRootless, config.RuntimeDind:
		return container.NewDockerRuntime()
	default:
		return nil, fmt.Errorf("unknown container runtime %q", runtimeName)
	}
}
