package turn

import (
	"context"

	llmpkg "github.com/llmrtc/llmrtc/pkg/provider/llm"
	llmmock "github.com/llmrtc/llmrtc/pkg/provider/llm/mock"
	sttpkg "github.com/llmrtc/llmrtc/pkg/provider/stt"
	sttmock "github.com/llmrtc/llmrtc/pkg/provider/stt/mock"
	ttspkg "github.com/llmrtc/llmrtc/pkg/provider/tts"
	ttsmock "github.com/llmrtc/llmrtc/pkg/provider/tts/mock"
	"github.com/llmrtc/llmrtc/pkg/types"
)

func ttsAudio(data []byte) ttspkg.Audio {
	return ttspkg.Audio{Data: data, Format: types.FormatPCM, SampleRate: types.OutputSampleRate}
}

// sttOnly hides the mock's streaming method so the orchestrator takes the
// blocking fallback path.
type sttOnly struct{ p *sttmock.Provider }

func (s sttOnly) Transcribe(ctx context.Context, audio []byte, cfg sttpkg.Config) (types.Transcript, error) {
	return s.p.Transcribe(ctx, audio, cfg)
}

// llmOnly hides the mock's Stream method.
type llmOnly struct{ p *llmmock.Provider }

func (l llmOnly) Complete(ctx context.Context, req llmpkg.Request) (*llmpkg.Result, error) {
	return l.p.Complete(ctx, req)
}

// ttsOnly hides the mock's SpeakStream method.
type ttsOnly struct{ p *ttsmock.Provider }

func (t ttsOnly) Speak(ctx context.Context, text string, cfg ttspkg.Config) (ttspkg.Audio, error) {
	return t.p.Speak(ctx, text, cfg)
}

var (
	_ sttpkg.Provider = sttOnly{}
	_ llmpkg.Provider = llmOnly{}
	_ ttspkg.Provider = ttsOnly{}
)
