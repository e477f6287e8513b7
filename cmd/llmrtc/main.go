// Command llmrtc is the main entry point for the LLMRTC voice AI server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/llmrtc/llmrtc/internal/config"
	"github.com/llmrtc/llmrtc/internal/hooks"
	"github.com/llmrtc/llmrtc/internal/observe"
	"github.com/llmrtc/llmrtc/internal/playbook"
	"github.com/llmrtc/llmrtc/internal/protocol"
	"github.com/llmrtc/llmrtc/internal/server"
	"github.com/llmrtc/llmrtc/internal/session"
	"github.com/llmrtc/llmrtc/internal/tool"
	"github.com/llmrtc/llmrtc/internal/turn"
	"github.com/llmrtc/llmrtc/internal/vadgate"
	"github.com/llmrtc/llmrtc/pkg/provider/llm"
	"github.com/llmrtc/llmrtc/pkg/provider/llm/anyllm"
	llmmock "github.com/llmrtc/llmrtc/pkg/provider/llm/mock"
	oaillm "github.com/llmrtc/llmrtc/pkg/provider/llm/openai"
	"github.com/llmrtc/llmrtc/pkg/provider/stt"
	sttmock "github.com/llmrtc/llmrtc/pkg/provider/stt/mock"
	oaistt "github.com/llmrtc/llmrtc/pkg/provider/stt/openai"
	"github.com/llmrtc/llmrtc/pkg/provider/tts"
	ttsmock "github.com/llmrtc/llmrtc/pkg/provider/tts/mock"
	oaitts "github.com/llmrtc/llmrtc/pkg/provider/tts/openai"
	"github.com/llmrtc/llmrtc/pkg/provider/vad"
	"github.com/llmrtc/llmrtc/pkg/provider/vad/energy"
	vadmock "github.com/llmrtc/llmrtc/pkg/provider/vad/mock"
	"github.com/llmrtc/llmrtc/pkg/provider/vision"
	visionmock "github.com/llmrtc/llmrtc/pkg/provider/vision/mock"
	"github.com/llmrtc/llmrtc/pkg/types"
)

const defaultListenAddr = ":8080"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "llmrtc: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "llmrtc: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("llmrtc starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	dispatcher := hooks.NewDispatcher(hooks.Hooks{}, observe.NewSink(nil), logger)

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	if providers.LLM == nil || providers.STT == nil || providers.TTS == nil {
		slog.Error("llm, stt, and tts providers must all be configured")
		return 1
	}
	if providers.VAD == nil {
		providers.VAD = energy.New()
		slog.Info("provider created", "kind", "vad", "name", "energy (default)")
	}

	// ── Tools ─────────────────────────────────────────────────────────────────
	toolReg := tool.NewRegistry()
	mcpHost := tool.NewMCPHost(logger)
	defer mcpHost.Close()
	for _, sc := range cfg.Tools.MCPServers {
		if err := mcpHost.Import(ctx, toolReg, sc); err != nil {
			slog.Error("failed to import MCP server", "server", sc.Name, "err", err)
			return 1
		}
		slog.Info("mcp server imported", "server", sc.Name)
	}
	toolReg.Seal()

	executor := tool.NewExecutor(toolReg, tool.ExecutorConfig{
		DefaultPolicy:  types.ExecutionPolicy(cfg.Tools.DefaultPolicy),
		MaxConcurrency: cfg.Tools.MaxConcurrency,
		Timeout:        cfg.Tools.CallTimeout.Std(),
	})

	// ── Playbook (optional) ───────────────────────────────────────────────────
	var pb *playbook.Playbook
	var classifier playbook.Classifier
	if cfg.Playbook.Path != "" {
		pb, err = playbook.LoadFile(cfg.Playbook.Path, toolReg)
		if err != nil {
			slog.Error("failed to load playbook", "path", cfg.Playbook.Path, "err", err)
			return 1
		}
		if len(cfg.Playbook.Intents) > 0 {
			classifier = playbook.NewFuzzyClassifier(cfg.Playbook.Intents, cfg.Playbook.IntentThreshold)
		}
		slog.Info("playbook loaded", "path", cfg.Playbook.Path, "id", pb.ID)
	}

	// ── Sessions and turn runner ──────────────────────────────────────────────
	historyLimit := cfg.Session.HistoryLimit
	if historyLimit == 0 && pb != nil {
		historyLimit = session.DefaultPlaybookHistoryLimit
	}
	manager := session.NewManager(session.ManagerConfig{
		GraceWindow:  cfg.Session.GraceWindow.Std(),
		HistoryLimit: historyLimit,
	}, dispatcher, logger)

	turnCfg := turnConfigFrom(cfg)
	factory := func() (server.TurnRunner, error) {
		orchOpts := []turn.Option{
			turn.WithConfig(turnCfg),
			turn.WithDispatcher(dispatcher),
			turn.WithLogger(logger),
		}
		if providers.Vision != nil {
			orchOpts = append(orchOpts, turn.WithVision(providers.Vision))
		}
		orch, err := turn.New(providers.STT, providers.LLM, providers.TTS, orchOpts...)
		if err != nil {
			return nil, err
		}
		if pb == nil {
			return orch, nil
		}
		return playbook.NewEngine(pb, orch, providers.LLM, toolReg, executor,
			playbook.WithClassifier(classifier),
			playbook.WithDispatcher(dispatcher),
			playbook.WithLogger(logger),
			playbook.WithEngineConfig(playbook.EngineConfig{MaxToolLoops: cfg.Playbook.MaxToolLoops}),
		)
	}

	// ── Server ────────────────────────────────────────────────────────────────
	listenAddr := cfg.Server.ListenAddr
	if listenAddr == "" {
		listenAddr = defaultListenAddr
	}
	srvCfg := server.Config{
		ListenAddr:  listenAddr,
		ICEServers:  iceServersFrom(cfg),
		VADParams:   vadParamsFrom(cfg),
		SampleRate:  cfg.VAD.SampleRate,
		FrameSizeMs: cfg.VAD.FrameSizeMs,
	}
	if cfg.Server.TLS != nil {
		srvCfg.TLSCertFile = cfg.Server.TLS.CertFile
		srvCfg.TLSKeyFile = cfg.Server.TLS.KeyFile
	}

	srv, err := server.New(srvCfg, manager, providers.VAD, factory,
		server.WithDispatcher(dispatcher),
		server.WithLogger(logger),
	)
	if err != nil {
		slog.Error("failed to initialise server", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, listenAddr)

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// The OpenAI adapter speaks the native SDK; the remaining vendors share
	// the any-llm-go pattern of optional APIKey + optional BaseURL.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range []string{
		"anthropic", "gemini",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []oaistt.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaistt.WithBaseURL(entry.BaseURL))
		}
		if prompt := optString(entry.Options, "prompt"); prompt != "" {
			opts = append(opts, oaistt.WithPrompt(prompt))
		}
		return oaistt.New(entry.APIKey, entry.Model, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []oaitts.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaitts.WithBaseURL(entry.BaseURL))
		}
		if voice := optString(entry.Options, "voice"); voice != "" {
			opts = append(opts, oaitts.WithVoice(voice))
		}
		return oaitts.New(entry.APIKey, entry.Model, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Detector, error) {
		var opts []energy.Option
		if ref := optFloat(entry.Options, "reference_rms"); ref > 0 {
			opts = append(opts, energy.WithReferenceRMS(ref))
		}
		return energy.New(opts...), nil
	})

	// ── Mocks ─────────────────────────────────────────────────────────────────
	// Canned providers for offline smoke testing of the full pipeline.

	reg.RegisterLLM("mock", func(entry config.ProviderEntry) (llm.Provider, error) {
		reply := optString(entry.Options, "reply")
		if reply == "" {
			reply = "This is a canned reply from the mock LLM."
		}
		return &llmmock.Provider{
			Results:      []*llm.Result{{FullText: reply, StopReason: types.StopEndTurn}},
			StreamChunks: []llm.Chunk{{Content: reply}, {Done: true}},
		}, nil
	})

	reg.RegisterSTT("mock", func(entry config.ProviderEntry) (stt.Provider, error) {
		text := optString(entry.Options, "transcript")
		if text == "" {
			text = "mock transcript"
		}
		return &sttmock.Provider{Transcript: types.Transcript{Text: text}}, nil
	})

	reg.RegisterTTS("mock", func(entry config.ProviderEntry) (tts.Provider, error) {
		return &ttsmock.Provider{
			SpeakAudio: tts.Audio{Format: types.FormatPCM, SampleRate: types.OutputSampleRate},
		}, nil
	})

	reg.RegisterVAD("mock", func(entry config.ProviderEntry) (vad.Detector, error) {
		return &vadmock.Detector{}, nil
	})

	reg.RegisterVision("mock", func(entry config.ProviderEntry) (vision.Provider, error) {
		desc := optString(entry.Options, "description")
		if desc == "" {
			desc = "a mock image description"
		}
		return &visionmock.Provider{Description: desc}, nil
	})
}

// providerSet holds the instantiated providers the pipeline runs on.
type providerSet struct {
	LLM    llm.Provider
	STT    stt.Provider
	TTS    tts.Provider
	VAD    vad.Detector
	Vision vision.Provider
}

// buildProviders instantiates all providers named in cfg using the registry.
func buildProviders(cfg *config.Config, reg *config.Registry) (*providerSet, error) {
	ps := &providerSet{}

	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "llm", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", name, err)
		} else {
			ps.LLM = p
			slog.Info("provider created", "kind", "llm", "name", name)
		}
	}

	if name := cfg.Providers.STT.Name; name != "" {
		p, err := reg.CreateSTT(cfg.Providers.STT)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "stt", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create stt provider %q: %w", name, err)
		} else {
			ps.STT = p
			slog.Info("provider created", "kind", "stt", "name", name)
		}
	}

	if name := cfg.Providers.TTS.Name; name != "" {
		p, err := reg.CreateTTS(cfg.Providers.TTS)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "tts", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", name, err)
		} else {
			ps.TTS = p
			slog.Info("provider created", "kind", "tts", "name", name)
		}
	}

	if name := cfg.Providers.VAD.Name; name != "" {
		p, err := reg.CreateVAD(cfg.Providers.VAD)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "vad", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create vad provider %q: %w", name, err)
		} else {
			ps.VAD = p
			slog.Info("provider created", "kind", "vad", "name", name)
		}
	}

	if name := cfg.Providers.Vision.Name; name != "" {
		p, err := reg.CreateVision(cfg.Providers.Vision)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "vision", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create vision provider %q: %w", name, err)
		} else {
			ps.Vision = p
			slog.Info("provider created", "kind", "vision", "name", name)
		}
	}

	return ps, nil
}

// ── Config translation ────────────────────────────────────────────────────────

// turnConfigFrom translates the YAML turn section into the orchestrator's
// configuration.
func turnConfigFrom(cfg *config.Config) turn.Config {
	return turn.Config{
		SystemPrompt: cfg.Turn.SystemPrompt,
		Temperature:  cfg.Turn.Temperature,
		TopP:         cfg.Turn.TopP,
		MaxTokens:    cfg.Turn.MaxTokens,
		STTTimeout:   cfg.Turn.STTTimeout.Std(),
		LLMTimeout:   cfg.Turn.LLMTimeout.Std(),
		TTSTimeout:   cfg.Turn.TTSTimeout.Std(),
		STT: stt.Config{
			SampleRate: types.InputSampleRate,
			Channels:   1,
			Language:   cfg.Turn.Language,
		},
		TTS: tts.Config{
			Voice:      cfg.Turn.Voice,
			Format:     types.FormatPCM,
			SampleRate: types.OutputSampleRate,
			Speed:      cfg.Turn.Speed,
		},
		StreamingTTS: cfg.Turn.StreamingTTS,
	}
}

// vadParamsFrom overlays the configured VAD tuning onto the defaults.
func vadParamsFrom(cfg *config.Config) vadgate.Params {
	p := vadgate.DefaultParams()
	if cfg.VAD.PositiveThreshold > 0 {
		p.PositiveThreshold = cfg.VAD.PositiveThreshold
	}
	if cfg.VAD.NegativeThreshold > 0 {
		p.NegativeThreshold = cfg.VAD.NegativeThreshold
	}
	if cfg.VAD.MinSpeechFrames > 0 {
		p.MinSpeechFrames = cfg.VAD.MinSpeechFrames
	}
	if cfg.VAD.RedemptionFrames > 0 {
		p.RedemptionFrames = cfg.VAD.RedemptionFrames
	}
	if cfg.VAD.PreSpeechPadFrames > 0 {
		p.PreSpeechPadFrames = cfg.VAD.PreSpeechPadFrames
	}
	return p
}

// iceServersFrom converts the configured ICE servers to their wire form.
func iceServersFrom(cfg *config.Config) []protocol.ICEServer {
	out := make([]protocol.ICEServer, 0, len(cfg.Server.ICEServers))
	for _, s := range cfg.Server.ICEServers {
		out = append(out, protocol.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, listenAddr string) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          LLMRTC — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("VAD", cfg.Providers.VAD.Name, "")
	printProvider("Vision", cfg.Providers.Vision.Name, cfg.Providers.Vision.Model)
	if cfg.Playbook.Path != "" {
		fmt.Printf("║  Playbook        : %-19s ║\n", "enabled")
	} else {
		fmt.Printf("║  Playbook        : %-19s ║\n", "(single prompt)")
	}
	fmt.Printf("║  MCP servers     : %-19d ║\n", len(cfg.Tools.MCPServers))
	fmt.Printf("║  Listen addr     : %-19s ║\n", listenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// optFloat extracts a float value from a provider Options map[string]any.
// YAML decodes whole numbers as int, so both are accepted.
func optFloat(opts map[string]any, key string) float64 {
	if opts == nil {
		return 0
	}
	switch v := opts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}
