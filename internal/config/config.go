// Package config provides the configuration schema, loader, and provider
// registry for the llmrtc server.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/llmrtc/llmrtc/internal/tool"
)

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Duration wraps time.Duration with YAML decoding from strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Session   SessionConfig   `yaml:"session"`
	Turn      TurnConfig      `yaml:"turn"`
	VAD       VADConfig       `yaml:"vad"`
	Tools     ToolsConfig     `yaml:"tools"`
	Playbook  PlaybookConfig  `yaml:"playbook"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain
	// HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// ICEServers are forwarded verbatim to WebRTC clients in the ready
	// message. May be empty for websocket-only deployments.
	ICEServers []ICEServerConfig `yaml:"ice_servers"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ICEServerConfig is one STUN/TURN server entry offered to clients.
type ICEServerConfig struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each field selects a named provider registered in the
// [Registry].
type ProvidersConfig struct {
	LLM    ProviderEntry `yaml:"llm"`
	STT    ProviderEntry `yaml:"stt"`
	TTS    ProviderEntry `yaml:"tts"`
	VAD    ProviderEntry `yaml:"vad"`
	Vision ProviderEntry `yaml:"vision"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai",
	// "ollama", "mock").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	// Environment references like "${OPENAI_API_KEY}" are expanded at load
	// time so secrets stay out of the file.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint. Leave empty to
	// use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o",
	// "whisper-1").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by
	// the standard fields above.
	Options map[string]any `yaml:"options"`
}

// SessionConfig tunes session lifecycle behaviour.
type SessionConfig struct {
	// GraceWindow is how long a disconnected session survives awaiting a
	// reconnect. Zero means the 60s default.
	GraceWindow Duration `yaml:"grace_window"`

	// HistoryLimit bounds the per-session conversation history in messages.
	// Zero picks the mode default: 8 for single-prompt sessions, 50 when a
	// playbook is configured.
	HistoryLimit int `yaml:"history_limit"`
}

// TurnConfig tunes the STT → LLM → TTS pipeline.
type TurnConfig struct {
	// SystemPrompt is injected as the system message of every LLM request.
	// A playbook's global prompt takes over when one is configured.
	SystemPrompt string `yaml:"system_prompt"`

	// Temperature, TopP, and MaxTokens are the LLM sampling defaults.
	Temperature float64 `yaml:"temperature"`
	TopP        float64 `yaml:"top_p"`
	MaxTokens   int     `yaml:"max_tokens"`

	// STTTimeout, LLMTimeout, and TTSTimeout bound the respective pipeline
	// phases. Zero disables the bound.
	STTTimeout Duration `yaml:"stt_timeout"`
	LLMTimeout Duration `yaml:"llm_timeout"`
	TTSTimeout Duration `yaml:"tts_timeout"`

	// Language is the BCP-47 recognition hint for STT (e.g., "en-US").
	Language string `yaml:"language"`

	// Voice is the provider-specific TTS voice identifier.
	Voice string `yaml:"voice"`

	// Speed adjusts the TTS speaking rate in [0.5, 2.0]. Zero means the
	// provider default.
	Speed float64 `yaml:"speed"`

	// StreamingTTS forwards synthesised audio chunk-by-chunk when the TTS
	// provider supports streaming.
	StreamingTTS bool `yaml:"streaming_tts"`
}

// VADConfig tunes the speech edge detection gate.
type VADConfig struct {
	// SampleRate is the inbound PCM sample rate in Hz. Zero means 16000.
	SampleRate int `yaml:"sample_rate"`

	// FrameSizeMs is the VAD frame duration in milliseconds. Zero means 10.
	FrameSizeMs int `yaml:"frame_size_ms"`

	// PositiveThreshold and NegativeThreshold are the frame probability
	// hysteresis bounds. Zero values pick the stock tuning.
	PositiveThreshold float64 `yaml:"positive_threshold"`
	NegativeThreshold float64 `yaml:"negative_threshold"`

	// MinSpeechFrames, RedemptionFrames, and PreSpeechPadFrames tune the
	// debounce windows. Zero values pick the stock tuning.
	MinSpeechFrames    int `yaml:"min_speech_frames"`
	RedemptionFrames   int `yaml:"redemption_frames"`
	PreSpeechPadFrames int `yaml:"pre_speech_pad_frames"`
}

// ToolsConfig tunes tool execution and declares MCP tool servers.
type ToolsConfig struct {
	// DefaultPolicy is the execution policy for tool calls without a
	// per-call override: "sequential" or "parallel".
	DefaultPolicy string `yaml:"default_policy"`

	// MaxConcurrency bounds parallel tool execution. Zero means 4.
	MaxConcurrency int `yaml:"max_concurrency"`

	// CallTimeout bounds each tool handler invocation. Zero means 30s.
	CallTimeout Duration `yaml:"call_timeout"`

	// MCPServers lists Model Context Protocol servers whose tools are
	// imported into the registry at startup.
	MCPServers []tool.MCPServerConfig `yaml:"mcp_servers"`
}

// PlaybookConfig selects and tunes the multi-stage conversation engine.
// An empty Path leaves the server in plain single-prompt mode.
type PlaybookConfig struct {
	// Path is the playbook YAML file.
	Path string `yaml:"path"`

	// MaxToolLoops caps silent tool rounds per two-phase turn. Zero means 5.
	MaxToolLoops int `yaml:"max_tool_loops"`

	// IntentThreshold is the minimum fuzzy-match similarity for intent
	// transitions. Zero picks the default.
	IntentThreshold float64 `yaml:"intent_threshold"`

	// Intents maps intent labels to exemplar phrases for the fuzzy
	// classifier.
	Intents map[string][]string `yaml:"intents"`
}

// TelemetryConfig names the service in exported metrics.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
}
