package proxy_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/book-expert/kokoro-worker/internal/proxy"
	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errGateFailed = errors.New("backing server startup failed")

// openGate reports the backing server ready immediately.
type openGate struct{}

func (openGate) AwaitReady(_ context.Context, _ time.Duration) error {
	return nil
}

// closedGate fails every readiness wait with a fixed error.
type closedGate struct {
	err error
}

func (g closedGate) AwaitReady(_ context.Context, _ time.Duration) error {
	return g.err
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "dispatcher-test.log")
	require.NoError(t, err)

	t.Cleanup(func() {
		closeErr := log.Close()
		assert.NoError(t, closeErr)
	})

	return log
}

func newDispatcher(t *testing.T, baseURL string) *proxy.Dispatcher {
	t.Helper()

	return proxy.NewDispatcher(
		proxy.NewClient(baseURL),
		openGate{},
		time.Second,
		newTestLogger(t),
	)
}

// backendRecorder captures the request the dispatcher forwarded.
type backendRecorder struct {
	path   string
	method string
	body   []byte
}

func newBackend(t *testing.T, status int, response []byte) (*httptest.Server, *backendRecorder) {
	t.Helper()

	recorder := &backendRecorder{path: "", method: "", body: nil}

	server := httptest.NewServer(http.HandlerFunc(
		func(responseWriter http.ResponseWriter, request *http.Request) {
			recorder.path = request.URL.Path
			recorder.method = request.Method

			body, readErr := io.ReadAll(request.Body)
			assert.NoError(t, readErr)
			recorder.body = body

			responseWriter.WriteHeader(status)

			_, err := responseWriter.Write(response)
			assert.NoError(t, err)
		},
	))
	t.Cleanup(server.Close)

	return server, recorder
}

func TestDispatcher_DefaultRoute_SimpleTextJob(t *testing.T) {
	t.Parallel()

	audioBytes := []byte("fake-mp3-bytes")
	server, recorder := newBackend(t, http.StatusOK, audioBytes)

	dispatcher := newDispatcher(t, server.URL)

	result := dispatcher.Handle(context.Background(), map[string]any{
		"text":  "hello world",
		"voice": "af_bella",
	})

	assert.Equal(t, "/v1/audio/speech", recorder.path)
	assert.Equal(t, http.MethodPost, recorder.method)

	var forwarded map[string]any

	err := json.Unmarshal(recorder.body, &forwarded)
	require.NoError(t, err)

	assert.Equal(t, "kokoro", forwarded["model"])
	assert.Equal(t, "hello world", forwarded["input"])
	assert.Equal(t, "af_bella", forwarded["voice"])
	assert.Equal(t, "mp3", forwarded["response_format"])
	assert.InEpsilon(t, 1.0, forwarded["speed"], 0.001)

	assert.Equal(t, true, result["success"])
	assert.Equal(t, base64.StdEncoding.EncodeToString(audioBytes), result["audio_base64"])
	assert.Equal(t, "hello world", result["text"])
	assert.Equal(t, "af_bella", result["voice"])
	assert.InEpsilon(t, 1.0, result["speed"], 0.001)
	assert.Equal(t, "mp3", result["format"])
	assert.Equal(t, "kokoro", result["model"])
	assert.Equal(t, len(audioBytes), result["size_bytes"])
}

func TestDispatcher_DefaultRoute_AudioDecodesNonEmpty(t *testing.T) {
	t.Parallel()

	server, _ := newBackend(t, http.StatusOK, []byte("generated-audio"))
	dispatcher := newDispatcher(t, server.URL)

	result := dispatcher.Handle(context.Background(), map[string]any{"text": "hi"})

	require.Equal(t, true, result["success"])

	encoded, isString := result["audio_base64"].(string)
	require.True(t, isString)

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	assert.NotEmpty(t, decoded)
}

func TestDispatcher_DefaultRoute_OpenAIPassthrough(t *testing.T) {
	t.Parallel()

	server, recorder := newBackend(t, http.StatusOK, []byte("audio"))
	dispatcher := newDispatcher(t, server.URL)

	result := dispatcher.Handle(context.Background(), map[string]any{
		"endpoint":        "/v1/audio/speech",
		"method":          "POST",
		"input":           "pass through text",
		"voice":           "af_sky",
		"speed":           1.5,
		"response_format": "wav",
		"stream":          false,
		"lang_code":       "a",
	})

	var forwarded map[string]any

	err := json.Unmarshal(recorder.body, &forwarded)
	require.NoError(t, err)

	// Routing selectors are stripped, everything else passes through verbatim.
	assert.NotContains(t, forwarded, "endpoint")
	assert.NotContains(t, forwarded, "method")
	assert.Equal(t, "pass through text", forwarded["input"])
	assert.Equal(t, "af_sky", forwarded["voice"])
	assert.Equal(t, false, forwarded["stream"])
	assert.Equal(t, "a", forwarded["lang_code"])

	assert.Equal(t, true, result["success"])
	assert.Equal(t, "pass through text", result["text"])
	assert.Equal(t, "af_sky", result["voice"])
	assert.InEpsilon(t, 1.5, result["speed"], 0.001)
	assert.Equal(t, "wav", result["format"])
}

func TestDispatcher_DefaultRoute_FormatAlias(t *testing.T) {
	t.Parallel()

	server, recorder := newBackend(t, http.StatusOK, []byte("audio"))
	dispatcher := newDispatcher(t, server.URL)

	result := dispatcher.Handle(context.Background(), map[string]any{
		"text":   "hello",
		"format": "wav",
	})

	var forwarded map[string]any

	err := json.Unmarshal(recorder.body, &forwarded)
	require.NoError(t, err)

	assert.Equal(t, "wav", forwarded["response_format"])
	assert.Equal(t, "wav", result["format"])
}

func TestDispatcher_DefaultRoute_MissingTextFails(t *testing.T) {
	t.Parallel()

	server, _ := newBackend(t, http.StatusOK, []byte("audio"))
	dispatcher := newDispatcher(t, server.URL)

	result := dispatcher.Handle(context.Background(), map[string]any{
		"voice": "af_bella",
		"speed": 2.0,
	})

	assert.Equal(t, false, result["success"])

	errorText, isString := result["error"].(string)
	require.True(t, isString)
	assert.Contains(t, errorText, "'input' or 'text'")
}

func TestDispatcher_VoicesRoute(t *testing.T) {
	t.Parallel()

	server, recorder := newBackend(t, http.StatusOK, []byte(`["af_bella","af_sky"]`))
	dispatcher := newDispatcher(t, server.URL)

	result := dispatcher.Handle(context.Background(), map[string]any{
		"endpoint": "/v1/audio/voices",
		"method":   "GET",
	})

	assert.Equal(t, "/v1/audio/voices", recorder.path)
	assert.Equal(t, http.MethodGet, recorder.method)

	assert.Equal(t, true, result["success"])
	assert.Equal(t, []any{"af_bella", "af_sky"}, result["voices"])
}

func TestDispatcher_ModelsRoute(t *testing.T) {
	t.Parallel()

	server, recorder := newBackend(t, http.StatusOK, []byte(`["kokoro"]`))
	dispatcher := newDispatcher(t, server.URL)

	result := dispatcher.Handle(context.Background(), map[string]any{
		"endpoint": "/v1/models",
		"method":   "GET",
	})

	assert.Equal(t, "/v1/models", recorder.path)
	assert.Equal(t, true, result["success"])
	assert.Equal(t, []any{"kokoro"}, result["models"])
}

func TestDispatcher_PhonemizeRoute_InjectsLanguageDefault(t *testing.T) {
	t.Parallel()

	server, recorder := newBackend(t, http.StatusOK, []byte(`{"phonemes":"hɛloʊ"}`))
	dispatcher := newDispatcher(t, server.URL)

	result := dispatcher.Handle(context.Background(), map[string]any{
		"endpoint": "/dev/phonemize",
		"method":   "POST",
		"text":     "hello",
	})

	assert.Equal(t, "/dev/phonemize", recorder.path)

	var forwarded map[string]any

	err := json.Unmarshal(recorder.body, &forwarded)
	require.NoError(t, err)

	assert.Equal(t, "hello", forwarded["text"])
	assert.Equal(t, "a", forwarded["language"])

	assert.Equal(t, true, result["success"])
	assert.Equal(t, map[string]any{"phonemes": "hɛloʊ"}, result["result"])
}

func TestDispatcher_GenerateFromPhonemesRoute(t *testing.T) {
	t.Parallel()

	audioBytes := []byte("phoneme-audio")
	server, recorder := newBackend(t, http.StatusOK, audioBytes)
	dispatcher := newDispatcher(t, server.URL)

	result := dispatcher.Handle(context.Background(), map[string]any{
		"endpoint": "/dev/generate_from_phonemes",
		"method":   "POST",
		"phonemes": "hɛloʊ",
	})

	assert.Equal(t, "/dev/generate_from_phonemes", recorder.path)

	var forwarded map[string]any

	err := json.Unmarshal(recorder.body, &forwarded)
	require.NoError(t, err)

	assert.Equal(t, "hɛloʊ", forwarded["phonemes"])
	assert.Equal(t, "af_bella", forwarded["voice"])

	assert.Equal(t, true, result["success"])
	assert.Equal(t, base64.StdEncoding.EncodeToString(audioBytes), result["audio_base64"])
	assert.Equal(t, "af_bella", result["voice"])
	assert.Equal(t, len(audioBytes), result["size_bytes"])
}

func TestDispatcher_CombineVoicesRoute(t *testing.T) {
	t.Parallel()

	fileBytes := []byte("voice-tensor-file")
	server, recorder := newBackend(t, http.StatusOK, fileBytes)
	dispatcher := newDispatcher(t, server.URL)

	result := dispatcher.Handle(context.Background(), map[string]any{
		"endpoint": "/v1/audio/voices/combine",
		"method":   "POST",
		"voices":   "af_bella+af_sky",
	})

	assert.Equal(t, "/v1/audio/voices/combine", recorder.path)
	// The raw voices value is the whole request body.
	assert.JSONEq(t, `"af_bella+af_sky"`, string(recorder.body))

	assert.Equal(t, true, result["success"])
	assert.Equal(t, base64.StdEncoding.EncodeToString(fileBytes), result["voice_file_base64"])
	assert.Equal(t, "af_bella+af_sky", result["voices"])
	assert.Equal(t, len(fileBytes), result["size_bytes"])
}

func TestDispatcher_CaptionedSpeechRoute_InjectsDefaults(t *testing.T) {
	t.Parallel()

	server, recorder := newBackend(
		t,
		http.StatusOK,
		[]byte(`{"audio":"YWJj","timestamps":[]}`),
	)
	dispatcher := newDispatcher(t, server.URL)

	result := dispatcher.Handle(context.Background(), map[string]any{
		"endpoint": "/dev/captioned_speech",
		"method":   "POST",
		"text":     "caption me",
		"custom":   "passes through",
	})

	assert.Equal(t, "/dev/captioned_speech", recorder.path)

	var forwarded map[string]any

	err := json.Unmarshal(recorder.body, &forwarded)
	require.NoError(t, err)

	assert.Equal(t, "caption me", forwarded["input"])
	assert.Equal(t, "kokoro", forwarded["model"])
	assert.Equal(t, "af_bella", forwarded["voice"])
	assert.Equal(t, "mp3", forwarded["response_format"])
	assert.Equal(t, "passes through", forwarded["custom"])
	assert.NotContains(t, forwarded, "endpoint")
	assert.NotContains(t, forwarded, "method")

	assert.Equal(t, true, result["success"])
	assert.Equal(
		t,
		map[string]any{"audio": "YWJj", "timestamps": []any{}},
		result["result"],
	)
}

func TestDispatcher_UpstreamErrorEmbedsStatusAndBody(t *testing.T) {
	t.Parallel()

	server, _ := newBackend(t, http.StatusInternalServerError, []byte("model exploded"))
	dispatcher := newDispatcher(t, server.URL)

	result := dispatcher.Handle(context.Background(), map[string]any{"text": "hello"})

	assert.Equal(t, false, result["success"])

	errorText, isString := result["error"].(string)
	require.True(t, isString)
	assert.Contains(t, errorText, "500")
	assert.Contains(t, errorText, "model exploded")
}

func TestDispatcher_UnsupportedRouteFails(t *testing.T) {
	t.Parallel()

	server, _ := newBackend(t, http.StatusOK, []byte("unused"))
	dispatcher := newDispatcher(t, server.URL)

	result := dispatcher.Handle(context.Background(), map[string]any{
		"endpoint": "/v1/audio/voices",
		"method":   "DELETE",
		"text":     "hello",
	})

	assert.Equal(t, false, result["success"])

	errorText, isString := result["error"].(string)
	require.True(t, isString)
	assert.Contains(t, errorText, "unsupported route")
}

func TestDispatcher_GateFailureFailsJob(t *testing.T) {
	t.Parallel()

	server, recorder := newBackend(t, http.StatusOK, []byte("unused"))

	dispatcher := proxy.NewDispatcher(
		proxy.NewClient(server.URL),
		closedGate{err: errGateFailed},
		time.Second,
		newTestLogger(t),
	)

	result := dispatcher.Handle(context.Background(), map[string]any{"text": "hello"})

	assert.Equal(t, false, result["success"])

	errorText, isString := result["error"].(string)
	require.True(t, isString)
	assert.Contains(t, errorText, "startup failed")
	assert.Empty(t, recorder.path, "no request should reach the backing server")
}

func TestDispatcher_ReadinessTimeoutFailsJobWithoutHanging(t *testing.T) {
	t.Parallel()

	server, _ := newBackend(t, http.StatusOK, []byte("unused"))

	// A supervisor that was never run: its readiness signal never fires.
	supervisor := proxy.NewSupervisor(
		proxy.NewClient(server.URL),
		proxy.SupervisorOptions{
			LaunchCommand:   nil,
			FallbackCommand: nil,
			FallbackDir:     "",
			StartupTimeout:  time.Second,
			PollInterval:    time.Millisecond,
		},
		newTestLogger(t),
	)

	dispatcher := proxy.NewDispatcher(
		proxy.NewClient(server.URL),
		supervisor,
		20*time.Millisecond,
		newTestLogger(t),
	)

	start := time.Now()
	result := dispatcher.Handle(context.Background(), map[string]any{"text": "hello"})

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, false, result["success"])

	errorText, isString := result["error"].(string)
	require.True(t, isString)
	assert.Contains(t, errorText, "not ready")
}
