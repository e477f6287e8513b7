package energy

import (
	"encoding/binary"
	"testing"

	"github.com/llmrtc/llmrtc/pkg/provider/vad"
)

// frame builds one 10 ms 16 kHz mono frame where every sample has the given
// amplitude.
func frame(amplitude int16) []byte {
	const samples = 160
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(amplitude))
	}
	return buf
}

func newTestSession(t *testing.T) vad.SessionHandle {
	t.Helper()
	sess, err := New().NewSession(vad.Config{SampleRate: 16000, FrameSizeMs: 10})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return sess
}

func TestScoreSilenceVersusSpeech(t *testing.T) {
	t.Parallel()

	sess := newTestSession(t)

	quiet, err := sess.Score(frame(0))
	if err != nil {
		t.Fatalf("Score(silence): %v", err)
	}
	if quiet != 0 {
		t.Errorf("silence score = %.3f, want 0", quiet)
	}

	loud, err := sess.Score(frame(8000))
	if err != nil {
		t.Fatalf("Score(speech): %v", err)
	}
	if loud < 0.9 {
		t.Errorf("speech score = %.3f, want >= 0.9", loud)
	}
}

func TestScoreReferenceLevelIsMidpoint(t *testing.T) {
	t.Parallel()

	sess := newTestSession(t)
	got, err := sess.Score(frame(int16(DefaultReferenceRMS)))
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if got < 0.45 || got > 0.55 {
		t.Errorf("reference-level score = %.3f, want about 0.5", got)
	}
}

func TestScoreRejectsWrongFrameSize(t *testing.T) {
	t.Parallel()

	sess := newTestSession(t)
	if _, err := sess.Score(make([]byte, 100)); err == nil {
		t.Fatal("undersized frame was accepted")
	}
}

func TestNewSessionRejectsBadConfig(t *testing.T) {
	t.Parallel()

	d := New()
	if _, err := d.NewSession(vad.Config{SampleRate: 0, FrameSizeMs: 10}); err == nil {
		t.Error("zero sample rate was accepted")
	}
	if _, err := d.NewSession(vad.Config{SampleRate: 16000, FrameSizeMs: 0}); err == nil {
		t.Error("zero frame size was accepted")
	}
}
