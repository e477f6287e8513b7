// Package openai provides a TTS provider backed by the OpenAI speech API.
package openai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/llmrtc/llmrtc/pkg/provider/tts"
	"github.com/llmrtc/llmrtc/pkg/types"
)

// pcmSampleRate is the fixed sample rate of the endpoint's raw PCM output.
const pcmSampleRate = 24000

// defaultVoice is used when neither the call config nor the provider names a
// voice.
const defaultVoice = "alloy"

// Provider implements tts.Provider using the OpenAI speech endpoint.
type Provider struct {
	client oai.Client
	model  string
	voice  string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	timeout time.Duration
	voice   string
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL. Use for
// OpenAI-compatible speech endpoints.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithVoice sets the default voice used when the call config leaves it empty.
func WithVoice(voice string) Option {
	return func(c *config) {
		c.voice = voice
	}
}

// New constructs a new OpenAI TTS Provider. model is the speech model
// identifier, e.g. "tts-1".
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	voice := cfg.voice
	if voice == "" {
		voice = defaultVoice
	}

	return &Provider{
		client: oai.NewClient(reqOpts...),
		model:  model,
		voice:  voice,
	}, nil
}

// Speak implements tts.Provider. Synthesis is one HTTP round trip per
// sentence; the body is read to completion before returning.
func (p *Provider) Speak(ctx context.Context, text string, cfg tts.Config) (tts.Audio, error) {
	voice := cfg.Voice
	if voice == "" {
		voice = p.voice
	}

	format, responseFormat, sampleRate, err := mapFormat(cfg.Format)
	if err != nil {
		return tts.Audio{}, err
	}

	params := oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(p.model),
		Input:          text,
		Voice:          oai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: responseFormat,
	}
	if cfg.Speed != 0 {
		params.Speed = oai.Float(cfg.Speed)
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("openai: speech: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("openai: read speech body: %w", err)
	}

	return tts.Audio{
		Data:       data,
		Format:     format,
		SampleRate: sampleRate,
	}, nil
}

// mapFormat translates the requested encoding to the endpoint's response
// format. The endpoint's raw PCM is always 16-bit mono at 24 kHz; resampling
// to the transport rate is the caller's concern.
func mapFormat(f types.AudioFormat) (types.AudioFormat, oai.AudioSpeechNewParamsResponseFormat, int, error) {
	switch f {
	case "", types.FormatPCM:
		return types.FormatPCM, oai.AudioSpeechNewParamsResponseFormatPCM, pcmSampleRate, nil
	case types.FormatWAV:
		return types.FormatWAV, oai.AudioSpeechNewParamsResponseFormatWAV, pcmSampleRate, nil
	case types.FormatMP3:
		return types.FormatMP3, oai.AudioSpeechNewParamsResponseFormatMP3, 0, nil
	case types.FormatOGG:
		return types.FormatOGG, oai.AudioSpeechNewParamsResponseFormatOpus, 0, nil
	default:
		return "", "", 0, fmt.Errorf("openai: unsupported audio format %q", f)
	}
}

var _ tts.Provider = (*Provider)(nil)
