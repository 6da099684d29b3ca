package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	json "github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"

	"workflow-engine/api/pkg/config"
	"workflow-engine/api/pkg/db"
	"workflow-engine/api/pkg/taskrun"
	"workflow-engine/api/pkg/tracing"
	"workflow-engine/api/services/workflow"
)

const serviceName = "workflow-engine"

func main() {
	if err := run(); err != nil {
		slog.Error("Service exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	level, _ := cfg.SlogLevel()
	logHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	slog.SetDefault(slog.New(logHandler))

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		ServiceName:  serviceName,
		OTLPEndpoint: cfg.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Error("Failed to flush traces", "error", err)
		}
	}()

	reporter, flushSentry, err := setupSentry(cfg.SentryDSN)
	if err != nil {
		return fmt.Errorf("setup sentry: %w", err)
	}
	defer flushSentry()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	runner, closeRunner, err := openRunner(cfg)
	if err != nil {
		return err
	}
	defer closeRunner()

	dispatcher := workflow.NewDispatcher(runner, cfg.TaskPollInterval, cfg.MaxConcurrentTasks)
	orchestrator := workflow.NewOrchestrator(store, dispatcher)
	manager := workflow.NewManager(store, orchestrator, workflow.WithErrorReporter(reporter))

	// setup router
	mainRouter := mux.NewRouter()
	mainRouter.HandleFunc("/healthz", handleHealth).Methods("GET")

	apiRouter := mainRouter.PathPrefix("/api/v1").Subrouter()
	workflow.NewService(store, manager).LoadRoutes(apiRouter)

	corsHandler := handlers.CORS(
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		handlers.AllowCredentials(),
	)(mainRouter)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: corsHandler,
	}

	serverErrors := make(chan error, 1)

	go func() {
		slog.Info("Starting server", "addr", cfg.HTTPAddr, "store", cfg.StoreDriver, "runner", cfg.TaskRunner)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server error", "error", err)
		}

	case sig := <-shutdown:
		slog.Info("Shutdown signal received", "signal", sig)

		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("Could not stop server gracefully", "error", err)
			srv.Close()
		}
		if err := manager.Shutdown(ctx); err != nil {
			slog.Error("Runs did not settle before shutdown", "error", err)
		}
	}
	return nil
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// setupSentry returns a reporter forwarding run failures to Sentry, or a
// no-op reporter when dsn is empty.
func setupSentry(dsn string) (workflow.ErrorReporter, func(), error) {
	if dsn == "" {
		return func(context.Context, *workflow.WorkflowRun, error) {}, func() {}, nil
	}
	if err := sentry.Init(sentry.ClientOptions{Dsn: dsn, ServerName: serviceName}); err != nil {
		return nil, nil, err
	}

	report := func(_ context.Context, run *workflow.WorkflowRun, err error) {
		hub := sentry.CurrentHub().Clone()
		hub.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("workflow_id", run.WorkflowID)
			scope.SetTag("run_id", run.ID)
			scope.SetTag("execution_type", string(run.ExecutionType))
			hub.CaptureException(err)
		})
	}
	flush := func() { sentry.Flush(2 * time.Second) }
	return report, flush, nil
}

func openStore(ctx context.Context, cfg *config.Config) (workflow.Store, func(), error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		pool, err := db.Connect(ctx, db.Config{URI: cfg.DatabaseURL, QueryTimeout: 5 * time.Second})
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		// Initialize database schema and seed data
		if err := workflow.InitDB(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("initialize database: %w", err)
		}
		return workflow.NewRepository(pool), pool.Close, nil

	case config.StoreBadger:
		bdb, err := db.OpenBadger(cfg.BadgerDir)
		if err != nil {
			return nil, nil, err
		}
		closeDB := func() {
			if err := bdb.Close(); err != nil {
				slog.Error("Failed to close badger", "error", err)
			}
		}
		store := workflow.NewBadgerStore(bdb)
		if err := workflow.SeedSample(ctx, store); err != nil {
			closeDB()
			return nil, nil, err
		}
		return store, closeDB, nil

	default:
		store := workflow.NewMemoryStore()
		if err := workflow.SeedSample(ctx, store); err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}
}

func openRunner(cfg *config.Config) (taskrun.Runner, func(), error) {
	switch cfg.TaskRunner {
	case config.RunnerHTTP:
		return taskrun.NewHTTPClient(cfg.TaskAPIURL, cfg.TaskAPIKey), func() {}, nil

	case config.RunnerNATS:
		nc, err := nats.Connect(cfg.NATSURL, nats.Name(serviceName))
		if err != nil {
			return nil, nil, fmt.Errorf("connect to nats: %w", err)
		}
		return taskrun.NewNATSClient(nc, cfg.NATSSubjectPrefix), nc.Close, nil

	default:
		local := taskrun.NewLocal()
		registerPreviewTasks(local)
		return local, local.Close, nil
	}
}

// registerPreviewTasks installs stand-ins for the media and model tasks so the
// service runs end to end without external workers.
func registerPreviewTasks(l *taskrun.Local) {
	l.Register(taskrun.TaskCropImage, func(_ context.Context, p map[string]any) (map[string]any, error) {
		url, _ := p["imageUrl"].(string)
		if url == "" {
			return nil, errors.New("imageUrl is required")
		}
		return map[string]any{
			"success":  true,
			"imageUrl": fmt.Sprintf("%s#crop=%v,%v,%v,%v", url, p["xPercent"], p["yPercent"], p["widthPercent"], p["heightPercent"]),
		}, nil
	})
	l.Register(taskrun.TaskExtractFrame, func(_ context.Context, p map[string]any) (map[string]any, error) {
		url, _ := p["videoUrl"].(string)
		if url == "" {
			return nil, errors.New("videoUrl is required")
		}
		return map[string]any{"success": true, "frameUrl": fmt.Sprintf("%s#t=%v", url, p["timestamp"])}, nil
	})
	l.Register(taskrun.TaskLLM, func(_ context.Context, p map[string]any) (map[string]any, error) {
		msg, _ := p["userMessage"].(string)
		return map[string]any{"success": true, "result": map[string]any{"text": fmt.Sprintf("[%v] %s", p["model"], msg)}}, nil
	})
}
