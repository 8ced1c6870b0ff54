package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"rival_scrooper/api"
	"rival_scrooper/cache"
	"rival_scrooper/config"
	"rival_scrooper/events"
	"rival_scrooper/httputil"
	"rival_scrooper/logging"
	"rival_scrooper/models"
	"rival_scrooper/queue"
	"rival_scrooper/scheduler"
	"rival_scrooper/scraper"
	"rival_scrooper/services"
	"rival_scrooper/storage"
	"rival_scrooper/workers"
)

var (
	scrapeNow = flag.String("scrape", "", "Scrape one target and exit, as company:target:url")
)

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, logFile, err := logging.Setup(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting rival_scrooper...")
	for id, p := range cfg.Platforms {
		logger.Infow("platform loaded", "id", id, "name", p.Name, "max_poll_attempts", p.MaxPollAttempts)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clients := httputil.NewClients(cfg.Proxy, cfg.Provider.Timeout, logger)

	// SQLite holds jobs, snapshots and the task queue
	sqliteStore, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		logger.Fatalw("Failed to open SQLite", "path", cfg.DBPath, "error", err)
	}
	defer sqliteStore.Close()
	logger.Infow("SQLite database", "path", cfg.DBPath)

	var domain storage.DomainStore = sqliteStore
	if cfg.DatabaseURL != "" {
		pgStore, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatalw("Failed to connect to Postgres", "error", err)
		}
		defer pgStore.Close()
		domain = pgStore
		logger.Infow("Connected to Postgres", "url", maskConnectionString(cfg.DatabaseURL))
	}

	var archive storage.Archive
	if cfg.S3.Enabled() {
		s3Archive, err := storage.NewS3Archive(ctx, cfg.S3)
		if err != nil {
			logger.Fatalw("Failed to configure S3 archive", "error", err)
		}
		archive = s3Archive
		logger.Infow("Archiving provider payloads", "bucket", cfg.S3.Bucket)
	}

	// Provider chain: Bright Data behind a circuit breaker behind the serializer
	brightData := scraper.NewBrightDataClient(cfg.Provider, cfg.Platforms, clients.API, logger)
	provider := scraper.NewBreakerProvider(brightData, cfg.Scraper.BreakerFailures, time.Minute, logger)
	serializer := scraper.NewSerializer(provider, cfg.Scraper.MinInterval, logger)
	defer serializer.Close()

	hub := events.NewHub(logger)
	postCache, err := cache.New(cfg.Cache)
	if err != nil {
		logger.Fatalw("Failed to create cache", "error", err)
	}
	defer postCache.Close()

	jobService := services.NewJobService(sqliteStore, logger)
	snapshotService := services.NewSnapshotService(sqliteStore)
	postService := services.NewPostService(domain, cfg.Scraper.MaxPostsPerBatch, logger)
	tasks := queue.New(sqliteStore, logger)

	orchCfg := scraper.DefaultOrchestratorConfig()
	orchCfg.RetryAttempts = cfg.Scraper.RetryAttempts
	orchCfg.RetryBaseDelay = cfg.Scraper.RetryBaseDelay
	orchestrator := scraper.NewOrchestrator(orchCfg, scraper.Deps{
		Jobs:       jobService,
		Snapshots:  snapshotService,
		Posts:      postService,
		Domain:     domain,
		Serializer: serializer,
		Queue:      tasks,
		Emitter:    hub,
		Archive:    archive,
		Cache:      postCache,
		Platforms:  cfg.Platforms,
	}, logger)

	registry := queue.NewRegistry()
	scraper.RegisterHandlers(registry, orchestrator)
	taskWorker := queue.NewWorker(sqliteStore, registry, queue.WorkerConfig{
		Workers:      cfg.Queue.Workers,
		PollInterval: cfg.Queue.PollInterval,
		RateInterval: cfg.Queue.RateInterval,
	}, logger)

	// Handle one-shot commands
	if *scrapeNow != "" {
		if err := runOnce(ctx, *scrapeNow, orchestrator, jobService, domain, taskWorker, logger); err != nil {
			logger.Fatalw("Scrape failed", "error", err)
		}
		return
	}

	// Daemon mode
	go func() { _ = hub.RunWithContext(ctx) }()

	taskWorker.Start(ctx)
	logger.Infow("Task worker started", "handlers", registry.Names())

	poller := workers.NewSnapshotWorker(snapshotService, provider, orchestrator, cfg.Poller, logger)
	go poller.Run(ctx)
	logger.Infow("Snapshot poller started", "interval", cfg.Poller.Interval)

	recovery := workers.NewRecoveryWorker(jobService, orchestrator, cfg.Scheduler.StuckThreshold, logger)
	sched := scheduler.New(cfg.Scheduler, recovery, jobService, tasks, logger)
	sched.SetPoller(poller)
	if err := sched.Start(ctx); err != nil {
		logger.Fatalw("Failed to start scheduler", "error", err)
	}

	router := api.NewRouter(api.Deps{
		Scrapes: orchestrator,
		Jobs:    jobService,
		Posts:   postService,
		Cache:   postCache,
		Events:  hub.ServeWS,
	}, logger)
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Infow("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorw("HTTP server stopped", "error", err)
			cancel()
		}
	}()

	logger.Info("Daemon running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	logger.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("HTTP shutdown", "error", err)
	}
	sched.Stop()
	taskWorker.Stop()
	cancel()
	serializer.Close()
	logger.Info("Goodbye!")
}

// TaskRunner runs one due task from the durable queue.
type TaskRunner interface {
	ProcessNext(ctx context.Context) (bool, error)
}

// maxOnceTasks bounds how many queued tasks a one-shot scrape will run.
const maxOnceTasks = 20

// runOnce scrapes a single target's posts in the foreground by running the
// queued scrape task in this process.
func runOnce(ctx context.Context, arg string, orch *scraper.Orchestrator, jobs *services.JobService, domain storage.DomainStore, tasks TaskRunner, logger *zap.SugaredLogger) error {
	parts := strings.SplitN(arg, ":", 3)
	if len(parts) != 3 {
		return fmt.Errorf("expected company:target:url, got %q", arg)
	}
	companyID, targetID, targetURL := parts[0], parts[1], parts[2]

	target, err := domain.GetTarget(ctx, targetID)
	if err != nil {
		return err
	}
	if target == nil {
		target = &models.Target{
			ID:        targetID,
			CompanyID: companyID,
			Name:      targetID,
			Kind:      models.TargetKindCompetitor,
			CreatedAt: time.Now().UTC(),
		}
		if err := domain.UpsertTarget(ctx, target); err != nil {
			return err
		}
	}

	job, created, err := orch.RequestScrape(ctx, services.CreateJobInput{
		CompanyID:  companyID,
		TargetID:   targetID,
		TargetURL:  targetURL,
		Platform:   "linkedin",
		ScrapeType: models.ScrapeTypePosts,
	})
	if err != nil {
		return err
	}
	if !created {
		logger.Infow("A scrape is already active for this target; leaving it to the daemon",
			"job_id", job.ID, "status", job.Status, "progress", job.Progress)
		return nil
	}
	logger.Infow("Running scrape...", "job_id", job.ID)

	for i := 0; i < maxOnceTasks; i++ {
		job, err = jobs.FindByID(ctx, job.ID)
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			break
		}
		processed, err := tasks.ProcessNext(ctx)
		if err != nil {
			return err
		}
		if !processed {
			break
		}
	}
	job, err = jobs.FindByID(ctx, job.ID)
	if err != nil {
		return err
	}

	switch job.Status {
	case models.JobStatusCompleted:
		logger.Infow("Scrape complete!", "job_id", job.ID, "posts", job.PostsScraped)
	case models.JobStatusFailed:
		return fmt.Errorf("job %s failed: %s", job.ID, job.ErrorMessage)
	default:
		logger.Infow("Provider is still preparing data; the daemon poller will finish this job", "job_id", job.ID)
	}
	return nil
}

// maskConnectionString masks password in connection string for logging
func maskConnectionString(connStr string) string {
	start := strings.Index(connStr, "://")
	if start < 0 {
		return connStr
	}
	start += 3

	at := strings.Index(connStr[start:], "@")
	if at < 0 {
		return connStr
	}
	at += start

	colon := strings.Index(connStr[start:at], ":")
	if colon < 0 {
		return connStr
	}
	colon += start
	return connStr[:colon+1] + "****" + connStr[at:]
}
