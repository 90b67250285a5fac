package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	apiPkg "github.com/h1v3-io/crafter/internal/api"
	"github.com/h1v3-io/crafter/internal/config"
	"github.com/h1v3-io/crafter/internal/connector/webhook"
	"github.com/h1v3-io/crafter/internal/logbuf"
	"github.com/h1v3-io/crafter/internal/metrics"
	"github.com/h1v3-io/crafter/internal/orchestrator"
	"github.com/h1v3-io/crafter/internal/project"
	"github.com/h1v3-io/crafter/internal/scheduler"
	"github.com/h1v3-io/crafter/internal/thread"
	"github.com/h1v3-io/crafter/internal/ticketlog"
	"github.com/h1v3-io/crafter/internal/tool"
	"github.com/h1v3-io/crafter/pkg/protocol"
)

func main() {
	configPath := flag.String("config", os.Getenv("CRAFTER_CONFIG"), "Path to config file (.yaml, .yml or .json)")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	// Set up logging
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logBuf := logbuf.New(2000)
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(logbuf.NewHandler(jsonHandler, logBuf))

	// Load config (file or env)
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, logBuf); err != nil {
		logger.Error("crafterd failed", "error", err)
		os.Exit(1)
	}
	logger.Info("crafterd stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, logBuf *logbuf.Buffer) error {
	logger.Info("crafterd starting", "service_id", cfg.Service.ID, "repo", cfg.Service.RepoDir)

	if err := os.MkdirAll(cfg.Service.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// 1. Thread store, tracker, ticket log
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	tracker := thread.NewTracker(store,
		thread.WithMatcher(thread.IndexedMatcher{}),
		thread.WithLogger(logger.With("component", "thread")),
	)
	tickets := ticketlog.New(cfg.TicketLogPath(), ticketlog.WithLogger(logger.With("component", "ticketlog")))
	m := metrics.New()

	// 2. Repository sandbox and project context
	ignore := append(append([]string{}, tool.DefaultIgnore...), cfg.Pipeline.IgnoreGlobs...)
	sb, err := tool.NewSandbox(cfg.Service.RepoDir, cfg.Pipeline.WriteGlobs, ignore)
	if err != nil {
		return fmt.Errorf("repo sandbox: %w", err)
	}
	rules, err := project.LoadRules(cfg.Service.RulesDir)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	logger.Info("project rules loaded", "dir", cfg.Service.RulesDir, "rules", rules.Names())

	// 3. Providers and pipeline stages
	providers, err := buildProviders(cfg, logger)
	if err != nil {
		return err
	}
	stages, err := buildStages(cfg, providers, sb, m, logger)
	if err != nil {
		return err
	}

	// 4. Orchestrator and its single worker
	orchOpts := []orchestrator.Option{
		orchestrator.WithLogger(logger.With("component", "orchestrator")),
		orchestrator.WithMetrics(m),
		orchestrator.WithProject(project.NewSource(rules, sb, cfg.Pipeline.TreeDepth)),
		orchestrator.WithConfig(orchestrator.Config{
			MaxFixPasses: *cfg.Pipeline.MaxFixPasses,
			RemindAfter:  cfg.Schedule.RemindAfter.D(),
		}),
	}
	notifier, err := buildNotifier(cfg, logger)
	if err != nil {
		return err
	}
	if notifier != nil {
		orchOpts = append(orchOpts, orchestrator.WithNotifier(notifier))
	}
	if replier := buildReplier(cfg, logger); replier != nil {
		orchOpts = append(orchOpts, orchestrator.WithReplier(replier))
	} else {
		logger.Warn("webhook.reply_url not set, requesters will not get replies")
	}
	differ := &orchestrator.GitDiffer{Dir: sb.Root, Timeout: cfg.Pipeline.DiffTimeout.D()}
	orch := orchestrator.New(tracker, tickets, stages, differ, orchOpts...)

	queue := orchestrator.NewQueue(orch, cfg.Pipeline.QueueSize,
		orchestrator.WithRetry(cfg.Pipeline.WorkerRetries, cfg.Pipeline.RetryDelay.D()),
		orchestrator.WithQueueLogger(logger.With("component", "queue")),
		orchestrator.WithQueueMetrics(m),
	)
	queueDone := make(chan struct{})
	go func() {
		defer close(queueDone)
		safeGo(logger, "queue", func() { queue.Start(ctx) })
	}()
	// The store closes only after the worker has let go of it.
	defer func() { <-queueDone }()

	// Pick up threads a previous run left mid-stage, then repair the log.
	inFlight, err := orch.InFlight()
	if err != nil {
		return fmt.Errorf("scan threads: %w", err)
	}
	for _, id := range inFlight {
		if _, err := queue.Submit(orchestrator.Job{Kind: orchestrator.JobResume, ThreadID: id}); err != nil {
			logger.Error("failed to queue resume", "thread", id, "error", err)
		}
	}
	if len(inFlight) > 0 {
		logger.Info("resuming interrupted threads", "count", len(inFlight))
	}
	if _, err := queue.Submit(orchestrator.Job{Kind: orchestrator.JobReconcile}); err != nil {
		logger.Error("failed to queue startup reconcile", "error", err)
	}

	// 5. Scheduled maintenance
	sched := scheduler.New(logger.With("component", "scheduler"))
	if err := addMaintenance(sched, cfg.Schedule, queue); err != nil {
		return err
	}
	go safeGo(logger, "scheduler", func() { sched.Start(ctx) })

	// 6. API server with the inbound email webhook mounted
	hook := webhook.New(webhook.Config{Endpoints: cfg.Webhook.Endpoints}, func(_ context.Context, req protocol.Request) error {
		_, err := queue.Submit(orchestrator.Job{Kind: orchestrator.JobInbound, ThreadID: req.ThreadID, Request: req})
		return err
	}, logger.With("connector", "webhook"))

	apiSrv := apiPkg.NewServer(&service{tracker: tracker, tickets: tickets, queue: queue}, apiPkg.Config{
		Host: cfg.API.Host,
		Port: cfg.API.Port,
		Key:  cfg.API.Key,
	},
		apiPkg.WithLogger(logger.With("component", "api")),
		apiPkg.WithLogs(logBuf),
		apiPkg.WithSchedule(sched),
		apiPkg.WithMetrics(m.Handler()),
	)
	apiSrv.Mount("/api/webhook/", hook)
	logger.Info("webhook endpoints mounted", "count", len(cfg.Webhook.Endpoints))

	// 7. Serve until a signal arrives
	errCh := make(chan error, 1)
	go safeGo(logger, "api-server", func() { errCh <- apiSrv.Start(ctx) })

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
}

func openStore(cfg *config.Config) (thread.Store, error) {
	path := cfg.StorePath()
	switch cfg.Store.Backend {
	case "sqlite":
		s, err := thread.OpenSQLite(path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite thread store %s: %w", path, err)
		}
		return s, nil
	default:
		s, err := thread.OpenJSONFile(path)
		if err != nil {
			return nil, fmt.Errorf("open json thread store %s: %w", path, err)
		}
		return s, nil
	}
}

func addMaintenance(sched *scheduler.Scheduler, cfg config.ScheduleConfig, queue *orchestrator.Queue) error {
	jobs := []struct {
		name string
		spec string
		kind orchestrator.JobKind
	}{
		{"reconcile", cfg.Reconcile, orchestrator.JobReconcile},
		{"remind", cfg.Remind, orchestrator.JobRemind},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		kind := j.kind
		if err := sched.AddJob(j.name, j.spec, func(context.Context) error {
			_, err := queue.Submit(orchestrator.Job{Kind: kind})
			return err
		}); err != nil {
			return fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}
	return nil
}

// safeGo runs fn with panic recovery.
func safeGo(logger *slog.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("goroutine panicked", "name", name, "panic", fmt.Sprintf("%v", r))
		}
	}()
	fn()
}

// service implements api.Service on top of the tracker, ticket log and
// queue.
type service struct {
	tracker *thread.Tracker
	tickets *ticketlog.Log
	queue   *orchestrator.Queue
}

func (s *service) ListThreads() ([]thread.Entry, error) { return s.tracker.List() }

func (s *service) GetThread(id string) (*protocol.ThreadRecord, bool, error) {
	return s.tracker.Record(id)
}

func (s *service) FindByTicketID(ticketID string) (string, bool) {
	return s.tracker.FindByTicketID(ticketID)
}

func (s *service) ListTickets() []ticketlog.Entry { return s.tickets.Entries() }

func (s *service) Submit(job orchestrator.Job) (string, error) { return s.queue.Submit(job) }
