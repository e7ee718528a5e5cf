// Package worker provides a NATS worker that processes serverless TTS jobs.
package worker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/kokoro-worker/internal/core"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Envelope keys the worker inspects after the handler returns.
const (
	keySuccess     = "success"
	keyAudioBase64 = "audio_base64"
	keyAudioKey    = "audio_key"
	keyFormat      = "format"
)

const defaultArchiveExtension = "bin"

// Static errors.
var (
	// ErrMalformedJob indicates the message body was not a valid job.
	ErrMalformedJob = errors.New("malformed job payload")

	// ErrJobPanicked indicates the job handler panicked and the panic was
	// converted into a failure envelope.
	ErrJobPanicked = errors.New("job handler panicked")
)

// Job is one unit of work submitted by the serverless host. The Input
// mapping is handed to the handler as-is; unknown fields pass through.
type Job struct {
	ID    string         `json:"id"`
	Input map[string]any `json:"input"`
}

// NatsWorker listens for jobs on a NATS subject, runs them through the
// variant's handler, and replies with the result envelope.
type NatsWorker struct {
	natsConnection *nats.Conn
	subject        string
	handler        core.JobHandler
	archive        core.AudioArchive
	jobTimeout     time.Duration
	log            *logger.Logger
}

// NewNatsWorker creates a new instance of a NATS worker. The archive is
// optional; when nil, successful audio envelopes are not persisted.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subject string,
	handler core.JobHandler,
	archive core.AudioArchive,
	jobTimeout time.Duration,
	log *logger.Logger,
) (*NatsWorker, error) {
	return &NatsWorker{
		natsConnection: natsConnection,
		subject:        subject,
		handler:        handler,
		archive:        archive,
		jobTimeout:     jobTimeout,
		log:            log,
	}, nil
}

// Run starts the worker and begins listening for jobs until ctx is canceled.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.Subscribe(w.subject, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), w.jobTimeout)
	defer cancel()

	result := w.processJob(ctx, msg.Data)

	w.reply(msg, result)
}

// processJob parses the job, runs the handler, and archives audio results.
// Every failure becomes a failure envelope; nothing escapes to the transport.
// Handler panics are recovered here so one bad job cannot take down the
// worker process, and the requester still receives a reply.
func (w *NatsWorker) processJob(ctx context.Context, data []byte) (result map[string]any) {
	defer func() {
		recovered := recover()
		if recovered != nil {
			w.log.Error("Job handler panicked: %v", recovered)

			result = core.Failure(fmt.Errorf("%w: %v", ErrJobPanicked, recovered))
		}
	}()

	var job Job

	err := json.Unmarshal(data, &job)
	if err != nil {
		w.log.Error("Failed to unmarshal job: %v", err)

		return core.Failure(fmt.Errorf("%w: %w", ErrMalformedJob, err))
	}

	result = w.handler.Handle(ctx, job.Input)

	w.archiveAudio(ctx, job.ID, result)

	return result
}

// archiveAudio uploads the decoded audio payload of a successful envelope and
// records the key as an additive audio_key field. Archive failures are logged
// but never fail the job.
func (w *NatsWorker) archiveAudio(ctx context.Context, jobID string, result map[string]any) {
	if w.archive == nil {
		return
	}

	success, isBool := result[keySuccess].(bool)
	if !isBool || !success {
		return
	}

	encoded, isString := result[keyAudioBase64].(string)
	if !isString || encoded == "" {
		return
	}

	audioData, decodeErr := base64.StdEncoding.DecodeString(encoded)
	if decodeErr != nil {
		w.log.Warn("Job %s: failed to decode audio for archiving: %v", jobID, decodeErr)

		return
	}

	extension := defaultArchiveExtension
	if format, ok := result[keyFormat].(string); ok && format != "" {
		extension = format
	}

	key := uuid.NewString() + "." + extension

	uploadErr := w.archive.Upload(ctx, key, audioData)
	if uploadErr != nil {
		w.log.Warn("Job %s: failed to archive audio: %v", jobID, uploadErr)

		return
	}

	result[keyAudioKey] = key
}

func (w *NatsWorker) reply(msg *nats.Msg, result map[string]any) {
	replyData, err := json.Marshal(result)
	if err != nil {
		w.log.Error("Failed to marshal result envelope: %v", err)

		return
	}

	err = msg.Respond(replyData)
	if err != nil {
		w.log.Error("Failed to publish reply: %v", err)
	}
}
