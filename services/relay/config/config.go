// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the relay's startup configuration.
//
// Configuration is read exactly once, before any socket is opened, and the
// resulting Config value is passed explicitly to every component. Nothing
// downstream reads the process environment.
//
// # Sources
//
// Values are layered, later sources winning:
//
//  1. Built-in defaults (Default).
//  2. An optional YAML file with non-secret settings.
//  3. An optional dotenv file (KEY=VALUE lines).
//  4. The process environment.
//
// The three required keys (OPENAI_API_KEY, ASSISTANT_ID, CLIENT_URL) are
// never read from YAML and have no defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment keys.
const (
	EnvOpenAIAPIKey         = "OPENAI_API_KEY"
	EnvAssistantID          = "ASSISTANT_ID"
	EnvClientURL            = "CLIENT_URL"
	EnvPort                 = "PORT"
	EnvRateLimitWindow      = "RATE_LIMIT_WINDOW"
	EnvRateLimitMax         = "RATE_LIMIT_MAX"
	EnvOpenAIBaseURL        = "OPENAI_BASE_URL"
	EnvOpenAIOrgID          = "OPENAI_ORG_ID"
	EnvLogLevel             = "LOG_LEVEL"
	EnvLogFormat            = "LOG_FORMAT"
	EnvLogDir               = "LOG_DIR"
	EnvOTLPEndpoint         = "OTEL_EXPORTER_OTLP_ENDPOINT"
	EnvTracesExporter       = "OTEL_TRACES_EXPORTER"
	EnvMetricsEnabled       = "METRICS_ENABLED"
	EnvHeartbeatInterval    = "SSE_HEARTBEAT_INTERVAL"
	EnvUpstreamTimeout      = "UPSTREAM_TIMEOUT"
	EnvMaxBodyBytes         = "MAX_BODY_BYTES"
	EnvTrustedProxies       = "TRUSTED_PROXIES"
	EnvSecureMemoryRequired = "SECURE_MEMORY_REQUIRED"
)

// RequiredKeys lists the keys whose absence prevents startup, in the order
// diagnostics are reported.
var RequiredKeys = []string{EnvOpenAIAPIKey, EnvAssistantID, EnvClientURL}

// Log formats accepted by LOG_FORMAT.
const (
	LogFormatAuto = "auto"
	LogFormatJSON = "json"
	LogFormatText = "text"
)

// Trace exporters accepted by OTEL_TRACES_EXPORTER. Auto exports over OTLP
// when an endpoint is configured and disables tracing otherwise.
const (
	TraceExporterAuto   = "auto"
	TraceExporterOTLP   = "otlp"
	TraceExporterStdout = "stdout"
	TraceExporterNone   = "none"
)

// Defaults for optional settings.
const (
	DefaultPort              = 3000
	DefaultRateLimitWindow   = 15 * time.Minute
	DefaultRateLimitMax      = 100
	DefaultLogLevel          = "info"
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultMaxBodyBytes      = 100 * 1024
)

// Config is the relay's complete startup configuration.
//
// Treat it as immutable once Load returns; components receive it by value.
type Config struct {
	// Required. Never sourced from YAML.
	OpenAIAPIKey string `yaml:"-"`
	AssistantID  string `yaml:"-"`
	ClientURL    string `yaml:"-"`

	Port            int           `yaml:"port"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
	RateLimitMax    int           `yaml:"rate_limit_max"`

	OpenAIBaseURL string `yaml:"openai_base_url"`
	OpenAIOrgID   string `yaml:"openai_org_id"`

	// UpstreamTimeout bounds a whole chat exchange with the upstream
	// service. Zero means no timeout.
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`

	// HeartbeatInterval is the spacing of SSE comment pings on an open
	// chat stream. Zero disables them.
	HeartbeatInterval time.Duration `yaml:"sse_heartbeat_interval"`

	MaxBodyBytes   int64    `yaml:"max_body_bytes"`
	TrustedProxies []string `yaml:"trusted_proxies"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogDir    string `yaml:"log_dir"`

	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	TraceExporter  string `yaml:"trace_exporter"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`

	// SecureMemoryRequired makes the chat handler refuse to fall back to
	// ordinary heap buffers when locked memory is unavailable.
	SecureMemoryRequired bool `yaml:"secure_memory_required"`
}

// Default returns a Config with every optional setting at its default and
// the required keys empty.
func Default() Config {
	return Config{
		Port:              DefaultPort,
		RateLimitWindow:   DefaultRateLimitWindow,
		RateLimitMax:      DefaultRateLimitMax,
		HeartbeatInterval: DefaultHeartbeatInterval,
		MaxBodyBytes:      DefaultMaxBodyBytes,
		LogLevel:          DefaultLogLevel,
		LogFormat:         LogFormatAuto,
		TraceExporter:     TraceExporterAuto,
		MetricsEnabled:    true,
	}
}

// LoadOptions selects the configuration sources.
type LoadOptions struct {
	// ConfigFile is an optional YAML file. Empty skips it; a named file
	// that does not exist is an error.
	ConfigFile string

	// EnvFile is a dotenv file. Empty skips it.
	EnvFile string

	// EnvFileOptional suppresses the error when EnvFile does not exist.
	EnvFileOptional bool

	// LookupEnv reads the process environment. Defaults to os.LookupEnv.
	LookupEnv func(key string) (string, bool)
}

// Load builds a Config from the configured sources.
//
// # Description
//
// Load does not check required keys; call Validate on the result so that
// every missing key can be reported at once. Load fails only when a source
// cannot be read or an optional value is malformed.
//
// # Inputs
//
//   - opts: Sources to read.
//
// # Outputs
//
//   - Config: The merged configuration.
//   - error: Non-nil if a file could not be read or parsed, or if any
//     optional value is malformed. All malformed values are reported.
//
// # Examples
//
//	cfg, err := config.Load(config.LoadOptions{EnvFile: ".env", EnvFileOptional: true})
//	if err != nil {
//	    return err
//	}
//	if result := cfg.Validate(); !result.OK() {
//	    return result.Err()
//	}
func Load(opts LoadOptions) (Config, error) {
	cfg := Default()

	if opts.ConfigFile != "" {
		data, err := os.ReadFile(opts.ConfigFile)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read the config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse the config file %s: %w", opts.ConfigFile, err)
		}
	}

	var dotenv map[string]string
	if opts.EnvFile != "" {
		values, err := godotenv.Read(opts.EnvFile)
		switch {
		case err == nil:
			dotenv = values
		case errors.Is(err, os.ErrNotExist) && opts.EnvFileOptional:
		default:
			return Config{}, fmt.Errorf("failed to read the env file: %w", err)
		}
	}

	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	env := envSource{lookup: lookup, dotenv: dotenv}

	cfg.OpenAIAPIKey = env.String(EnvOpenAIAPIKey, "")
	cfg.AssistantID = env.String(EnvAssistantID, "")
	cfg.ClientURL = env.String(EnvClientURL, "")

	cfg.Port = env.Int(EnvPort, cfg.Port)
	cfg.RateLimitWindow = env.Duration(EnvRateLimitWindow, cfg.RateLimitWindow)
	cfg.RateLimitMax = env.Int(EnvRateLimitMax, cfg.RateLimitMax)
	cfg.OpenAIBaseURL = env.String(EnvOpenAIBaseURL, cfg.OpenAIBaseURL)
	cfg.OpenAIOrgID = env.String(EnvOpenAIOrgID, cfg.OpenAIOrgID)
	cfg.UpstreamTimeout = env.Duration(EnvUpstreamTimeout, cfg.UpstreamTimeout)
	cfg.HeartbeatInterval = env.Duration(EnvHeartbeatInterval, cfg.HeartbeatInterval)
	cfg.MaxBodyBytes = int64(env.Int(EnvMaxBodyBytes, int(cfg.MaxBodyBytes)))
	cfg.TrustedProxies = env.List(EnvTrustedProxies, cfg.TrustedProxies)
	cfg.LogLevel = strings.ToLower(env.String(EnvLogLevel, cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(env.String(EnvLogFormat, cfg.LogFormat))
	cfg.LogDir = env.String(EnvLogDir, cfg.LogDir)
	cfg.OTLPEndpoint = env.String(EnvOTLPEndpoint, cfg.OTLPEndpoint)
	cfg.TraceExporter = strings.ToLower(env.String(EnvTracesExporter, cfg.TraceExporter))
	cfg.MetricsEnabled = env.Bool(EnvMetricsEnabled, cfg.MetricsEnabled)
	cfg.SecureMemoryRequired = env.Bool(EnvSecureMemoryRequired, cfg.SecureMemoryRequired)

	env.check(cfg)
	if len(env.problems) > 0 {
		return Config{}, fmt.Errorf("invalid configuration: %s", strings.Join(env.problems, "; "))
	}
	return cfg, nil
}

// Addr returns the listen address for the configured port.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// TracingMode resolves TraceExporter to otlp, stdout or none.
func (c Config) TracingMode() string {
	if c.TraceExporter != TraceExporterAuto && c.TraceExporter != "" {
		return c.TraceExporter
	}
	if c.OTLPEndpoint != "" {
		return TraceExporterOTLP
	}
	return TraceExporterNone
}

// =============================================================================
// Environment Helpers
// =============================================================================

// envSource resolves keys against the process environment first, then the
// dotenv values, collecting parse problems instead of failing fast.
type envSource struct {
	lookup   func(string) (string, bool)
	dotenv   map[string]string
	problems []string
}

func (e *envSource) get(key string) (string, bool) {
	if v, ok := e.lookup(key); ok && v != "" {
		return v, true
	}
	if v, ok := e.dotenv[key]; ok && v != "" {
		return v, true
	}
	return "", false
}

func (e *envSource) String(key, defaultValue string) string {
	if v, ok := e.get(key); ok {
		return v
	}
	return defaultValue
}

func (e *envSource) Int(key string, defaultValue int) int {
	v, ok := e.get(key)
	if !ok {
		return defaultValue
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		e.problems = append(e.problems, fmt.Sprintf("%s must be an integer, got %q", key, v))
		return defaultValue
	}
	return n
}

// Duration accepts Go duration strings ("15m") or a bare number of
// milliseconds ("900000").
func (e *envSource) Duration(key string, defaultValue time.Duration) time.Duration {
	v, ok := e.get(key)
	if !ok {
		return defaultValue
	}
	v = strings.TrimSpace(v)
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.problems = append(e.problems, fmt.Sprintf("%s must be a duration, got %q", key, v))
		return defaultValue
	}
	return d
}

func (e *envSource) Bool(key string, defaultValue bool) bool {
	v, ok := e.get(key)
	if !ok {
		return defaultValue
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		e.problems = append(e.problems, fmt.Sprintf("%s must be a boolean, got %q", key, v))
		return defaultValue
	}
	return b
}

func (e *envSource) List(key string, defaultValue []string) []string {
	v, ok := e.get(key)
	if !ok {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// check range-validates the merged optional settings.
func (e *envSource) check(cfg Config) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		e.problems = append(e.problems, fmt.Sprintf("%s must be between 0 and 65535, got %d", EnvPort, cfg.Port))
	}
	if cfg.RateLimitMax < 1 {
		e.problems = append(e.problems, fmt.Sprintf("%s must be at least 1, got %d", EnvRateLimitMax, cfg.RateLimitMax))
	}
	if cfg.RateLimitWindow <= 0 {
		e.problems = append(e.problems, fmt.Sprintf("%s must be positive, got %s", EnvRateLimitWindow, cfg.RateLimitWindow))
	}
	if cfg.HeartbeatInterval < 0 {
		e.problems = append(e.problems, fmt.Sprintf("%s must not be negative", EnvHeartbeatInterval))
	}
	if cfg.UpstreamTimeout < 0 {
		e.problems = append(e.problems, fmt.Sprintf("%s must not be negative", EnvUpstreamTimeout))
	}
	if cfg.MaxBodyBytes < 1 {
		e.problems = append(e.problems, fmt.Sprintf("%s must be at least 1, got %d", EnvMaxBodyBytes, cfg.MaxBodyBytes))
	}
	switch cfg.LogFormat {
	case LogFormatAuto, LogFormatJSON, LogFormatText:
	default:
		e.problems = append(e.problems, fmt.Sprintf("%s must be one of auto, json, text, got %q", EnvLogFormat, cfg.LogFormat))
	}
	switch cfg.TraceExporter {
	case TraceExporterAuto, TraceExporterOTLP, TraceExporterStdout, TraceExporterNone:
	default:
		e.problems = append(e.problems, fmt.Sprintf("%s must be one of auto, otlp, stdout, none, got %q", EnvTracesExporter, cfg.TraceExporter))
	}
	if cfg.TraceExporter == TraceExporterOTLP && cfg.OTLPEndpoint == "" {
		e.problems = append(e.problems, fmt.Sprintf("%s=otlp requires %s", EnvTracesExporter, EnvOTLPEndpoint))
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		e.problems = append(e.problems, fmt.Sprintf("%s must be one of debug, info, warn, error, got %q", EnvLogLevel, cfg.LogLevel))
	}
}
