package proxy

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Defaults injected during route parsing.
const (
	defaultModel    = "kokoro"
	defaultVoice    = "af_bella"
	defaultFormat   = "mp3"
	defaultLanguage = "a"
	defaultSpeed    = 1.0
)

// Job fields that select the route and are stripped before forwarding.
const (
	fieldEndpoint = "endpoint"
	fieldMethod   = "method"
)

// Static errors.
var (
	ErrUnsupportedRoute    = errors.New("unsupported route")
	ErrMissingTextParam    = errors.New("missing required parameter: 'input' or 'text'")
	ErrMissingPhonemes     = errors.New("missing required parameter: 'phonemes'")
	ErrMissingVoicesToJoin = errors.New("missing required parameter: 'voices'")
)

// Optional fields forwarded verbatim on the default speech route.
var speechPassthroughFields = []string{
	"stream",
	"return_download_link",
	"lang_code",
	"normalization_options",
}

// routeRequest is the tagged union over the recognized route set. Each job is
// parsed into exactly one typed request before any HTTP call is made.
type routeRequest interface {
	isRoute()
}

type voicesListRequest struct{}

type modelsListRequest struct{}

type phonemizeRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

type phonemeSynthesisRequest struct {
	Phonemes string `json:"phonemes"`
	Voice    string `json:"voice"`
}

// voiceCombineRequest forwards the raw voices value as the request body.
type voiceCombineRequest struct {
	Voices any
}

type captionedSpeechRequest struct {
	Payload map[string]any
}

type speechRequest struct {
	Payload map[string]any
}

func (voicesListRequest) isRoute()       {}
func (modelsListRequest) isRoute()       {}
func (phonemizeRequest) isRoute()        {}
func (phonemeSynthesisRequest) isRoute() {}
func (voiceCombineRequest) isRoute()     {}
func (captionedSpeechRequest) isRoute()  {}
func (speechRequest) isRoute()           {}

// parseRoute resolves the (endpoint, method) pair and parses the job into the
// matching typed request. Unrecognized pairs are rejected explicitly instead
// of falling through to the default route.
func parseRoute(input map[string]any) (routeRequest, error) {
	endpoint := stringField(input, fieldEndpoint, apiSpeech)
	method := strings.ToUpper(stringField(input, fieldMethod, http.MethodPost))

	switch {
	case endpoint == apiVoices && method == http.MethodGet:
		return voicesListRequest{}, nil
	case endpoint == apiModels && method == http.MethodGet:
		return modelsListRequest{}, nil
	case endpoint == apiPhonemize && method == http.MethodPost:
		return phonemizeRequest{
			Text:     stringField(input, "text", ""),
			Language: stringField(input, "language", defaultLanguage),
		}, nil
	case endpoint == apiGenerateFromPhonemes && method == http.MethodPost:
		return parsePhonemeSynthesisRequest(input)
	case endpoint == apiCombineVoices && method == http.MethodPost:
		return parseVoiceCombineRequest(input)
	case endpoint == apiCaptionedSpeech && method == http.MethodPost:
		return parseCaptionedSpeechRequest(input), nil
	case endpoint == apiSpeech && method == http.MethodPost:
		return parseSpeechRequest(input)
	default:
		return nil, fmt.Errorf("%w: %s %s", ErrUnsupportedRoute, method, endpoint)
	}
}

func parsePhonemeSynthesisRequest(input map[string]any) (routeRequest, error) {
	phonemes := stringField(input, "phonemes", "")
	if phonemes == "" {
		return nil, ErrMissingPhonemes
	}

	return phonemeSynthesisRequest{
		Phonemes: phonemes,
		Voice:    stringField(input, "voice", defaultVoice),
	}, nil
}

func parseVoiceCombineRequest(input map[string]any) (routeRequest, error) {
	voices, present := input["voices"]
	if !present {
		return nil, ErrMissingVoicesToJoin
	}

	return voiceCombineRequest{Voices: voices}, nil
}

// parseCaptionedSpeechRequest forwards all job fields minus the routing
// selectors and injects the captioned-speech defaults.
func parseCaptionedSpeechRequest(input map[string]any) captionedSpeechRequest {
	payload := copyWithoutRouting(input)

	if _, present := payload["input"]; !present {
		payload["input"] = stringField(input, "text", "")
	}

	if _, present := payload["model"]; !present {
		payload["model"] = defaultModel
	}

	if _, present := payload["voice"]; !present {
		payload["voice"] = defaultVoice
	}

	if _, present := payload["response_format"]; !present {
		payload["response_format"] = defaultFormat
	}

	return captionedSpeechRequest{Payload: payload}
}

// parseSpeechRequest normalizes the default route's two accepted input shapes.
// An OpenAI-style string "input" passes through unchanged except for the
// routing selectors; a simplified "text" field is translated into the OpenAI
// shape with defaults. Missing both is a validation error.
func parseSpeechRequest(input map[string]any) (routeRequest, error) {
	rawInput, inputPresent := input["input"]
	if inputPresent {
		if _, isString := rawInput.(string); isString {
			return speechRequest{Payload: copyWithoutRouting(input)}, nil
		}
	}

	if _, textPresent := input["text"]; textPresent {
		return speechRequest{Payload: buildSpeechPayload(input)}, nil
	}

	return nil, ErrMissingTextParam
}

func buildSpeechPayload(input map[string]any) map[string]any {
	payload := map[string]any{
		"model":           stringField(input, "model", defaultModel),
		"input":           stringField(input, "text", ""),
		"voice":           stringField(input, "voice", defaultVoice),
		"response_format": resolveRequestedFormat(input),
		"speed":           numberField(input, "speed", defaultSpeed),
	}

	for _, key := range speechPassthroughFields {
		if value, present := input[key]; present {
			payload[key] = value
		}
	}

	return payload
}

// resolveRequestedFormat honors "format" as an alias for "response_format".
func resolveRequestedFormat(input map[string]any) string {
	if format := stringField(input, "format", ""); format != "" {
		return format
	}

	return stringField(input, "response_format", defaultFormat)
}

func copyWithoutRouting(input map[string]any) map[string]any {
	payload := make(map[string]any, len(input))

	for key, value := range input {
		if key == fieldEndpoint || key == fieldMethod {
			continue
		}

		payload[key] = value
	}

	return payload
}

func stringField(input map[string]any, key, fallback string) string {
	value, present := input[key]
	if !present {
		return fallback
	}

	text, isString := value.(string)
	if !isString {
		return fallback
	}

	return text
}

func numberField(input map[string]any, key string, fallback float64) float64 {
	value, present := input[key]
	if !present {
		return fallback
	}

	switch number := value.(type) {
	case float64:
		return number
	case int:
		return float64(number)
	default:
		return fallback
	}
}
