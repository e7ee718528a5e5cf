// main package for the direct-worker: synthesizes serverless TTS jobs
// in-process without a backing HTTP server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/book-expert/kokoro-worker/internal/audio"
	"github.com/book-expert/kokoro-worker/internal/config"
	"github.com/book-expert/kokoro-worker/internal/core"
	"github.com/book-expert/kokoro-worker/internal/direct"
	"github.com/book-expert/kokoro-worker/internal/objectstore"
	"github.com/book-expert/kokoro-worker/internal/worker"
	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"
)

const bootstrapLogName = "direct-worker-bootstrap.log"

const serviceLogName = "direct-worker.log"

func setupLogger(logPath, name string) (*logger.Logger, error) {
	log, err := logger.New(logPath, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

func run() error {
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

	pipeline := direct.NewExecPipeline(
		cfg.Synthesis.EngineBinary,
		cfg.Synthesis.SampleRate,
		log,
	)
	encoder := audio.NewMP3Encoder(cfg.Synthesis.MP3Encoder, log)
	handler := direct.NewHandler(pipeline, encoder, direct.HandlerOptions{
		SampleRate:    cfg.Synthesis.SampleRate,
		DefaultVoice:  cfg.Synthesis.DefaultVoice,
		DefaultFormat: cfg.Synthesis.DefaultFormat,
	}, log)

	natsWorker, err := worker.NewNatsWorker(
		natsConnection,
		cfg.NATS.JobsSubject,
		handler,
		archive,
		cfg.Worker.JobTimeout(),
		log,
	)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	log.System("direct-worker initialized. Listening for jobs on subject: %s", cfg.NATS.JobsSubject)

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
