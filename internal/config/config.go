// Package config provides the configuration structure for the kokoro-worker.
package config

import (
	"fmt"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
)

// Defaults applied by Normalize when the corresponding field is unset.
const (
	DefaultNATSURL     = "nats://127.0.0.1:4222"
	DefaultJobsSubject = "kokoro.jobs"

	DefaultBackendBaseURL = "http://localhost:8880"
	DefaultLaunchCommand  = "/app/entrypoint.sh"
	DefaultFallbackDir    = "/app"

	defaultStartupTimeoutSeconds     = 120
	defaultHealthPollIntervalSeconds = 2
	defaultJobWaitTimeoutSeconds     = 180
	defaultJobTimeoutSeconds         = 600

	DefaultVoice      = "af_bella"
	DefaultSampleRate = 24000
	DefaultFormat     = "mp3"

	defaultEngineBinary = "kokoro-cli"
	defaultMP3Encoder   = "lame"
)

// defaultFallbackCommand launches the backing ASGI app directly when the
// entrypoint script is absent on the host.
var defaultFallbackCommand = []string{
	"/app/.venv/bin/python", "-m", "uvicorn",
	"api.src.main:app",
	"--host", "0.0.0.0",
	"--port", "8880",
}

// NATSConfig holds the configuration for NATS job intake.
type NATSConfig struct {
	URL                    string `toml:"url"`
	JobsSubject            string `toml:"jobs_subject"`
	AudioObjectStoreBucket string `toml:"audio_object_store_bucket"`
}

// BackendConfig holds the configuration for the proxied Kokoro HTTP server.
type BackendConfig struct {
	BaseURL                   string   `toml:"base_url"`
	LaunchCommand             []string `toml:"launch_command"`
	FallbackCommand           []string `toml:"fallback_command"`
	FallbackDir               string   `toml:"fallback_dir"`
	StartupTimeoutSeconds     int      `toml:"startup_timeout_seconds"`
	HealthPollIntervalSeconds int      `toml:"health_poll_interval_seconds"`
	JobWaitTimeoutSeconds     int      `toml:"job_wait_timeout_seconds"`
}

// StartupTimeout returns the budget for the one-time startup health poll.
func (b BackendConfig) StartupTimeout() time.Duration {
	return time.Duration(b.StartupTimeoutSeconds) * time.Second
}

// HealthPollInterval returns the interval between startup health probes.
func (b BackendConfig) HealthPollInterval() time.Duration {
	return time.Duration(b.HealthPollIntervalSeconds) * time.Second
}

// JobWaitTimeout returns the per-job budget for awaiting backend readiness.
func (b BackendConfig) JobWaitTimeout() time.Duration {
	return time.Duration(b.JobWaitTimeoutSeconds) * time.Second
}

// SynthesisConfig holds the configuration for the in-process synthesis variant.
type SynthesisConfig struct {
	EngineBinary  string `toml:"engine_binary"`
	MP3Encoder    string `toml:"mp3_encoder"`
	DefaultVoice  string `toml:"default_voice"`
	DefaultFormat string `toml:"default_format"`
	SampleRate    int    `toml:"sample_rate"`
}

// WorkerConfig holds the configuration for the job worker loop.
type WorkerConfig struct {
	JobTimeoutSeconds int `toml:"job_timeout_seconds"`
}

// JobTimeout returns the overall deadline for handling one job.
func (w WorkerConfig) JobTimeout() time.Duration {
	return time.Duration(w.JobTimeoutSeconds) * time.Second
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	NATS      NATSConfig      `toml:"nats"`
	Backend   BackendConfig   `toml:"backend"`
	Synthesis SynthesisConfig `toml:"synthesis"`
	Worker    WorkerConfig    `toml:"worker"`
	Paths     PathsConfig     `toml:"paths"`
}

// Load loads the configuration for the kokoro-worker and applies defaults,
// so an empty configuration file is valid for local use.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	cfg.Normalize()

	return &cfg, nil
}

// Normalize fills unset fields with the documented defaults. The backend
// startup and per-job wait windows default to the historical 120s/180s split;
// both are independently configurable.
func (c *Config) Normalize() {
	if c.NATS.URL == "" {
		c.NATS.URL = DefaultNATSURL
	}

	if c.NATS.JobsSubject == "" {
		c.NATS.JobsSubject = DefaultJobsSubject
	}

	c.normalizeBackend()
	c.normalizeSynthesis()

	if c.Worker.JobTimeoutSeconds <= 0 {
		c.Worker.JobTimeoutSeconds = defaultJobTimeoutSeconds
	}
}

func (c *Config) normalizeBackend() {
	if c.Backend.BaseURL == "" {
		c.Backend.BaseURL = DefaultBackendBaseURL
	}

	if len(c.Backend.LaunchCommand) == 0 {
		c.Backend.LaunchCommand = []string{DefaultLaunchCommand}
	}

	if len(c.Backend.FallbackCommand) == 0 {
		c.Backend.FallbackCommand = defaultFallbackCommand
	}

	if c.Backend.FallbackDir == "" {
		c.Backend.FallbackDir = DefaultFallbackDir
	}

	if c.Backend.StartupTimeoutSeconds <= 0 {
		c.Backend.StartupTimeoutSeconds = defaultStartupTimeoutSeconds
	}

	if c.Backend.HealthPollIntervalSeconds <= 0 {
		c.Backend.HealthPollIntervalSeconds = defaultHealthPollIntervalSeconds
	}

	if c.Backend.JobWaitTimeoutSeconds <= 0 {
		c.Backend.JobWaitTimeoutSeconds = defaultJobWaitTimeoutSeconds
	}
}

func (c *Config) normalizeSynthesis() {
	if c.Synthesis.EngineBinary == "" {
		c.Synthesis.EngineBinary = defaultEngineBinary
	}

	if c.Synthesis.MP3Encoder == "" {
		c.Synthesis.MP3Encoder = defaultMP3Encoder
	}

	if c.Synthesis.DefaultVoice == "" {
		c.Synthesis.DefaultVoice = DefaultVoice
	}

	if c.Synthesis.DefaultFormat == "" {
		c.Synthesis.DefaultFormat = DefaultFormat
	}

	if c.Synthesis.SampleRate <= 0 {
		c.Synthesis.SampleRate = DefaultSampleRate
	}
}
