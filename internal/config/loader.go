package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind. Used by
// [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":    {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "mock"},
	"stt":    {"openai", "mock"},
	"tts":    {"openai", "mock"},
	"vad":    {"energy", "mock"},
	"vision": {"openai"},
}

// validToolPolicies are the accepted tools.default_policy values.
var validToolPolicies = []string{"", "sequential", "parallel"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands environment
// references in credentials, and validates the result. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	expandEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnv resolves ${VAR} references in credential-bearing fields.
func expandEnv(cfg *Config) {
	for _, entry := range []*ProviderEntry{
		&cfg.Providers.LLM,
		&cfg.Providers.STT,
		&cfg.Providers.TTS,
		&cfg.Providers.VAD,
		&cfg.Providers.Vision,
	} {
		entry.APIKey = os.ExpandEnv(entry.APIKey)
		entry.BaseURL = os.ExpandEnv(entry.BaseURL)
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, fmt.Errorf("server.tls requires both cert_file and key_file"))
		}
	}

	// Provider name validation, warn for unknown names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	validateProviderName("vision", cfg.Providers.Vision.Name)

	// Turn
	if t := cfg.Turn.Temperature; t < 0 || t > 2 {
		errs = append(errs, fmt.Errorf("turn.temperature %.2f is out of range [0, 2]", t))
	}
	if p := cfg.Turn.TopP; p < 0 || p > 1 {
		errs = append(errs, fmt.Errorf("turn.top_p %.2f is out of range [0, 1]", p))
	}
	if s := cfg.Turn.Speed; s != 0 && (s < 0.5 || s > 2.0) {
		errs = append(errs, fmt.Errorf("turn.speed %.2f is out of range [0.5, 2.0]", s))
	}

	// VAD hysteresis must not invert.
	if cfg.VAD.PositiveThreshold != 0 || cfg.VAD.NegativeThreshold != 0 {
		if cfg.VAD.PositiveThreshold < cfg.VAD.NegativeThreshold {
			errs = append(errs, fmt.Errorf("vad.positive_threshold %.2f is below vad.negative_threshold %.2f",
				cfg.VAD.PositiveThreshold, cfg.VAD.NegativeThreshold))
		}
	}

	// Tools
	if !slices.Contains(validToolPolicies, cfg.Tools.DefaultPolicy) {
		errs = append(errs, fmt.Errorf("tools.default_policy %q is invalid; valid values: sequential, parallel", cfg.Tools.DefaultPolicy))
	}
	if cfg.Tools.MaxConcurrency < 0 {
		errs = append(errs, fmt.Errorf("tools.max_concurrency must not be negative"))
	}
	for i, srv := range cfg.Tools.MCPServers {
		prefix := fmt.Sprintf("tools.mcp_servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		switch {
		case srv.Command == "" && srv.URL == "":
			errs = append(errs, fmt.Errorf("%s needs either command or url", prefix))
		case srv.Command != "" && srv.URL != "":
			errs = append(errs, fmt.Errorf("%s has both command and url; pick one", prefix))
		}
	}

	// Playbook
	if cfg.Playbook.MaxToolLoops < 0 {
		errs = append(errs, fmt.Errorf("playbook.max_tool_loops must not be negative"))
	}
	if th := cfg.Playbook.IntentThreshold; th < 0 || th > 1 {
		errs = append(errs, fmt.Errorf("playbook.intent_threshold %.2f is out of range [0, 1]", th))
	}
	if cfg.Playbook.Path == "" && len(cfg.Playbook.Intents) > 0 {
		slog.Warn("playbook.intents configured without playbook.path; intents will be unused")
	}

	// Session
	if cfg.Session.HistoryLimit < 0 {
		errs = append(errs, fmt.Errorf("session.history_limit must not be negative"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
