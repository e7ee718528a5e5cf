package proxy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/book-expert/kokoro-worker/internal/core"
	"github.com/book-expert/logger"
)

// Per-route outbound deadlines. Listing is cheap, synthesis is not; a single
// fixed deadline would either starve speech generation or let listings hang.
const (
	listRouteTimeout      = 30 * time.Second
	phonemizeRouteTimeout = 60 * time.Second
	combineRouteTimeout   = 120 * time.Second
	speechRouteTimeout    = 300 * time.Second
)

const logTextPreviewLimit = 50

// ReadinessGate blocks job dispatch until the backing server is observed
// ready, for at most the given wait budget.
type ReadinessGate interface {
	AwaitReady(ctx context.Context, wait time.Duration) error
}

// Dispatcher translates one serverless job into the matching backing server
// call and normalizes the response into the result envelope. It implements
// core.JobHandler.
type Dispatcher struct {
	client  *Client
	gate    ReadinessGate
	jobWait time.Duration
	log     *logger.Logger
}

// NewDispatcher creates a dispatcher forwarding jobs through the given client
// once the gate reports the backing server ready.
func NewDispatcher(
	client *Client,
	gate ReadinessGate,
	jobWait time.Duration,
	log *logger.Logger,
) *Dispatcher {
	return &Dispatcher{
		client:  client,
		gate:    gate,
		jobWait: jobWait,
		log:     log,
	}
}

// Handle dispatches one job input and returns its result envelope. Every
// failure, including readiness-wait expiry, is reported through the envelope;
// nothing propagates out to crash the worker.
func (d *Dispatcher) Handle(ctx context.Context, input map[string]any) map[string]any {
	readyErr := d.gate.AwaitReady(ctx, d.jobWait)
	if readyErr != nil {
		return core.Failure(readyErr)
	}

	request, parseErr := parseRoute(input)
	if parseErr != nil {
		return core.Failure(parseErr)
	}

	switch typed := request.(type) {
	case voicesListRequest:
		return d.listVoices(ctx)
	case modelsListRequest:
		return d.listModels(ctx)
	case phonemizeRequest:
		return d.phonemize(ctx, typed)
	case phonemeSynthesisRequest:
		return d.generateFromPhonemes(ctx, typed)
	case voiceCombineRequest:
		return d.combineVoices(ctx, typed)
	case captionedSpeechRequest:
		return d.captionedSpeech(ctx, typed)
	case speechRequest:
		return d.generateSpeech(ctx, typed)
	default:
		return core.Failure(fmt.Errorf("%w: unhandled request type %T", ErrUnsupportedRoute, typed))
	}
}

func (d *Dispatcher) listVoices(ctx context.Context) map[string]any {
	callCtx, cancel := context.WithTimeout(ctx, listRouteTimeout)
	defer cancel()

	body, err := d.client.Get(callCtx, apiVoices)
	if err != nil {
		return core.Failure(fmt.Errorf("failed to get voices: %w", err))
	}

	voices, decodeErr := decodeJSON(body)
	if decodeErr != nil {
		return core.Failure(fmt.Errorf("failed to decode voices response: %w", decodeErr))
	}

	return map[string]any{"success": true, "voices": voices}
}

func (d *Dispatcher) listModels(ctx context.Context) map[string]any {
	callCtx, cancel := context.WithTimeout(ctx, listRouteTimeout)
	defer cancel()

	body, err := d.client.Get(callCtx, apiModels)
	if err != nil {
		return core.Failure(fmt.Errorf("failed to get models: %w", err))
	}

	models, decodeErr := decodeJSON(body)
	if decodeErr != nil {
		return core.Failure(fmt.Errorf("failed to decode models response: %w", decodeErr))
	}

	return map[string]any{"success": true, "models": models}
}

func (d *Dispatcher) phonemize(ctx context.Context, req phonemizeRequest) map[string]any {
	callCtx, cancel := context.WithTimeout(ctx, phonemizeRouteTimeout)
	defer cancel()

	body, err := d.client.PostJSON(callCtx, apiPhonemize, req)
	if err != nil {
		return core.Failure(fmt.Errorf("phonemize failed: %w", err))
	}

	result, decodeErr := decodeJSON(body)
	if decodeErr != nil {
		return core.Failure(fmt.Errorf("failed to decode phonemize response: %w", decodeErr))
	}

	return map[string]any{"success": true, "result": result}
}

func (d *Dispatcher) generateFromPhonemes(
	ctx context.Context,
	req phonemeSynthesisRequest,
) map[string]any {
	callCtx, cancel := context.WithTimeout(ctx, speechRouteTimeout)
	defer cancel()

	audio, err := d.client.PostJSON(callCtx, apiGenerateFromPhonemes, req)
	if err != nil {
		return core.Failure(fmt.Errorf("phoneme generation failed: %w", err))
	}

	return map[string]any{
		"success":      true,
		"audio_base64": base64.StdEncoding.EncodeToString(audio),
		"voice":        req.Voice,
		"size_bytes":   len(audio),
	}
}

func (d *Dispatcher) combineVoices(ctx context.Context, req voiceCombineRequest) map[string]any {
	callCtx, cancel := context.WithTimeout(ctx, combineRouteTimeout)
	defer cancel()

	// The combine endpoint returns a voice tensor file, not JSON.
	fileData, err := d.client.PostJSON(callCtx, apiCombineVoices, req.Voices)
	if err != nil {
		return core.Failure(fmt.Errorf("voice combination failed: %w", err))
	}

	return map[string]any{
		"success":           true,
		"voice_file_base64": base64.StdEncoding.EncodeToString(fileData),
		"voices":            req.Voices,
		"size_bytes":        len(fileData),
	}
}

func (d *Dispatcher) captionedSpeech(
	ctx context.Context,
	req captionedSpeechRequest,
) map[string]any {
	callCtx, cancel := context.WithTimeout(ctx, speechRouteTimeout)
	defer cancel()

	body, err := d.client.PostJSON(callCtx, apiCaptionedSpeech, req.Payload)
	if err != nil {
		return core.Failure(fmt.Errorf("captioned speech failed: %w", err))
	}

	// Any embedded audio arrives already base64-encoded inside the JSON body.
	result, decodeErr := decodeJSON(body)
	if decodeErr != nil {
		return core.Failure(fmt.Errorf("failed to decode captioned speech response: %w", decodeErr))
	}

	return map[string]any{"success": true, "result": result}
}

func (d *Dispatcher) generateSpeech(ctx context.Context, req speechRequest) map[string]any {
	d.log.Info(
		"Forwarding speech request: %s",
		previewText(stringField(req.Payload, "input", "")),
	)

	callCtx, cancel := context.WithTimeout(ctx, speechRouteTimeout)
	defer cancel()

	audio, err := d.client.PostJSON(callCtx, apiSpeech, req.Payload)
	if err != nil {
		return core.Failure(fmt.Errorf("speech generation failed: %w", err))
	}

	return map[string]any{
		"success":      true,
		"audio_base64": base64.StdEncoding.EncodeToString(audio),
		"text":         stringField(req.Payload, "input", ""),
		"voice":        stringField(req.Payload, "voice", ""),
		"speed":        numberField(req.Payload, "speed", defaultSpeed),
		"format":       stringField(req.Payload, "response_format", defaultFormat),
		"model":        stringField(req.Payload, "model", defaultModel),
		"size_bytes":   len(audio),
	}
}

func decodeJSON(body []byte) (any, error) {
	var decoded any

	err := json.Unmarshal(body, &decoded)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}

	return decoded, nil
}

func previewText(text string) string {
	if len(text) <= logTextPreviewLimit {
		return text
	}

	return text[:logTextPreviewLimit] + "..."
}
