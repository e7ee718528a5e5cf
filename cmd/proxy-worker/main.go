// main package for the proxy-worker: proxies serverless TTS jobs to a locally
// supervised Kokoro HTTP server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/book-expert/kokoro-worker/internal/config"
	"github.com/book-expert/kokoro-worker/internal/core"
	"github.com/book-expert/kokoro-worker/internal/objectstore"
	"github.com/book-expert/kokoro-worker/internal/proxy"
	"github.com/book-expert/kokoro-worker/internal/worker"
	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"
)

const bootstrapLogName = "proxy-worker-bootstrap.log"

const serviceLogName = "proxy-worker.log"

func setupLogger(logPath, name string) (*logger.Logger, error) {
	log, err := logger.New(logPath, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

func run() error {
	// Bootstrap logger lives in the temp dir until the configured path is known.
	bootstrapLog, err := setupLogger(os.TempDir(), bootstrapLogName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logsDir := cfg.Paths.BaseLogsDir
	if logsDir == "" {
		logsDir = os.TempDir()
	}

	log, err := setupLogger(logsDir, serviceLogName)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := log.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing logger: %v\n", closeErr)
		}
	}()

	return serve(cfg, log)
}

func serve(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	natsConnection, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	defer natsConnection.Close()

	archive, err := setupArchive(natsConnection, cfg.NATS.AudioObjectStoreBucket)
	if err != nil {
		return err
	}

	client := proxy.NewClient(cfg.Backend.BaseURL)

	supervisor := proxy.NewSupervisor(client, proxy.SupervisorOptions{
		LaunchCommand:   cfg.Backend.LaunchCommand,
		FallbackCommand: cfg.Backend.FallbackCommand,
		FallbackDir:     cfg.Backend.FallbackDir,
		StartupTimeout:  cfg.Backend.StartupTimeout(),
		PollInterval:    cfg.Backend.HealthPollInterval(),
	}, log)

	// One startup attempt per process lifetime; jobs gate on its signal.
	go func() {
		runErr := supervisor.Run(ctx)
		if runErr != nil {
			log.Error("Backing server supervisor stopped: %v", runErr)
		}
	}()

	dispatcher := proxy.NewDispatcher(client, supervisor, cfg.Backend.JobWaitTimeout(), log)

	natsWorker, err := worker.NewNatsWorker(
		natsConnection,
		cfg.NATS.JobsSubject,
		dispatcher,
		archive,
		cfg.Worker.JobTimeout(),
		log,
	)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	log.System("proxy-worker initialized. Listening for jobs on subject: %s", cfg.NATS.JobsSubject)

	runErr := natsWorker.Run(ctx)
	if runErr != nil {
		return fmt.Errorf("worker stopped: %w", runErr)
	}

	return nil
}

func setupArchive(natsConnection *nats.Conn, bucket string) (core.AudioArchive, error) {
	if bucket == "" {
		return nil, nil
	}

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	archive, err := objectstore.New(jetstreamContext, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to set up audio archive: %w", err)
	}

	return archive, nil
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
