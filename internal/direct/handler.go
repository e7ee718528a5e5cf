// Package direct implements the direct variant of the kokoro-worker: speech
// is synthesized in-process through a pipeline instead of proxying to a
// backing HTTP server.
package direct

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"

	"github.com/book-expert/kokoro-worker/internal/audio"
	"github.com/book-expert/kokoro-worker/internal/core"
	"github.com/book-expert/logger"
)

// Defaults for job fields the caller omitted, used when the corresponding
// HandlerOptions field is unset.
const (
	defaultVoice  = "af_bella"
	defaultFormat = "mp3"
	defaultSpeed  = 1.0
)

const (
	formatWAV = "wav"
	formatMP3 = "mp3"
)

// Static errors.
var (
	ErrMissingText      = errors.New("Missing 'input' or 'text' parameter")
	ErrNoAudioGenerated = errors.New("No audio generated")
	ErrInvalidSpeed     = errors.New("invalid 'speed' parameter")
)

// MP3Encoder encodes PCM samples to MP3. Encoding may fail on hosts without
// codec support; the handler falls back to WAV in that case.
type MP3Encoder interface {
	Encode(ctx context.Context, samples []float32, sampleRate int) ([]byte, error)
}

// HandlerOptions configures the direct synthesis handler. DefaultVoice and
// DefaultFormat apply to jobs that omit the corresponding field.
type HandlerOptions struct {
	SampleRate    int
	DefaultVoice  string
	DefaultFormat string
}

// Handler synthesizes speech for each job through the pipeline loaded at
// process start. It implements core.JobHandler.
type Handler struct {
	pipeline      core.SpeechPipeline
	mp3           MP3Encoder
	sampleRate    int
	defaultVoice  string
	defaultFormat string
	log           *logger.Logger
}

// NewHandler creates a direct synthesis handler. Unset option fields fall
// back to the stock defaults.
func NewHandler(
	pipeline core.SpeechPipeline,
	mp3 MP3Encoder,
	opts HandlerOptions,
	log *logger.Logger,
) *Handler {
	if opts.DefaultVoice == "" {
		opts.DefaultVoice = defaultVoice
	}

	if opts.DefaultFormat == "" {
		opts.DefaultFormat = defaultFormat
	}

	return &Handler{
		pipeline:      pipeline,
		mp3:           mp3,
		sampleRate:    opts.SampleRate,
		defaultVoice:  opts.DefaultVoice,
		defaultFormat: opts.DefaultFormat,
		log:           log,
	}
}

// Handle synthesizes one job and returns its result envelope.
func (h *Handler) Handle(ctx context.Context, input map[string]any) map[string]any {
	request, parseErr := h.parseSynthesisInput(input)
	if parseErr != nil {
		return core.Failure(parseErr)
	}

	samples, synthErr := h.synthesize(ctx, request)
	if synthErr != nil {
		return core.Failure(synthErr)
	}

	encoded, actualFormat, encodeErr := h.encode(ctx, samples, request.format)
	if encodeErr != nil {
		return core.Failure(encodeErr)
	}

	return map[string]any{
		"success":      true,
		"audio_base64": base64.StdEncoding.EncodeToString(encoded),
		"format":       actualFormat,
		"size_bytes":   len(encoded),
	}
}

type synthesisInput struct {
	text   string
	voice  string
	speed  float64
	format string
}

// parseSynthesisInput normalizes the direct variant's job fields: first
// non-empty of "input"/"text" wins, speed is coerced to a float, and the
// remaining fields fall back to the handler's configured defaults.
func (h *Handler) parseSynthesisInput(input map[string]any) (synthesisInput, error) {
	empty := synthesisInput{text: "", voice: "", speed: 0, format: ""}

	text := firstNonEmptyString(input, "input", "text")
	if text == "" {
		return empty, ErrMissingText
	}

	speed, speedErr := coerceSpeed(input["speed"])
	if speedErr != nil {
		return empty, speedErr
	}

	return synthesisInput{
		text:   text,
		voice:  nonEmptyStringField(input, "voice", h.defaultVoice),
		speed:  speed,
		format: nonEmptyStringField(input, "response_format", h.defaultFormat),
	}, nil
}

func (h *Handler) synthesize(ctx context.Context, request synthesisInput) ([]float32, error) {
	segments, err := h.pipeline.Synthesize(ctx, request.text, request.voice, request.speed)
	if err != nil {
		return nil, fmt.Errorf("synthesis failed: %w", err)
	}

	total := 0
	for _, segment := range segments {
		total += len(segment)
	}

	if total == 0 {
		return nil, ErrNoAudioGenerated
	}

	// Concatenate all segments in yield order into one buffer.
	samples := make([]float32, 0, total)
	for _, segment := range segments {
		samples = append(samples, segment...)
	}

	return samples, nil
}

// encode produces the requested container format. Anything other than "wav"
// is treated as an MP3 request; MP3 encoder failure (missing codec support on
// the host) falls back to 16-bit PCM WAV, and the actual format is reported.
func (h *Handler) encode(
	ctx context.Context,
	samples []float32,
	requestedFormat string,
) ([]byte, string, error) {
	if requestedFormat != formatWAV {
		mp3Data, mp3Err := h.mp3.Encode(ctx, samples, h.sampleRate)
		if mp3Err == nil {
			return mp3Data, formatMP3, nil
		}

		h.log.Warn("MP3 encoding failed, falling back to WAV: %v", mp3Err)
	}

	wavData, wavErr := audio.EncodeWAV(samples, h.sampleRate)
	if wavErr != nil {
		return nil, "", fmt.Errorf("wav encoding failed: %w", wavErr)
	}

	return wavData, formatWAV, nil
}

func coerceSpeed(value any) (float64, error) {
	switch speed := value.(type) {
	case nil:
		return defaultSpeed, nil
	case float64:
		return speed, nil
	case int:
		return float64(speed), nil
	case string:
		parsed, parseErr := strconv.ParseFloat(speed, 64)
		if parseErr != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidSpeed, speed)
		}

		return parsed, nil
	default:
		return 0, fmt.Errorf("%w: unsupported type %T", ErrInvalidSpeed, value)
	}
}

func firstNonEmptyString(input map[string]any, keys ...string) string {
	for _, key := range keys {
		if text := nonEmptyStringField(input, key, ""); text != "" {
			return text
		}
	}

	return ""
}

func nonEmptyStringField(input map[string]any, key, fallback string) string {
	value, present := input[key]
	if !present {
		return fallback
	}

	text, isString := value.(string)
	if !isString || text == "" {
		return fallback
	}

	return text
}
