package tts

import (
	"context"
	"errors"

	"github.com/stellavoice/voicecore/internal/audio"
)

// ErrSynthesisFailed means the synthesis stream broke before all queued text
// was spoken. The turn ends without further audio; the session stays alive.
var ErrSynthesisFailed = errors.New("speech synthesis failed")

type SynthesisOptions struct {
	// SpeechAudioCallback is called for every chunk of synthesized audio, in
	// the order the text was sent.
	SpeechAudioCallback func(audio []byte)
	// SpeechMarkCallback is called once per mark, after all audio for the text
	// sent before the mark has been delivered.
	SpeechMarkCallback func(text string)
	// SpeechEndedCallback is called once all text sent before EndOfText has
	// been synthesized and delivered.
	SpeechEndedCallback func()
	// ErrorCallback is called when the stream fails before completing.
	ErrorCallback func(err error)

	EncodingInfo audio.EncodingInfo
	Voice        string
}

type SynthesisOption func(*SynthesisOptions)

func WithSpeechAudioCallback(callback func(audio []byte)) SynthesisOption {
	return func(o *SynthesisOptions) { o.SpeechAudioCallback = callback }
}

func WithSpeechMarkCallback(callback func(text string)) SynthesisOption {
	return func(o *SynthesisOptions) { o.SpeechMarkCallback = callback }
}

func WithSpeechEndedCallback(callback func()) SynthesisOption {
	return func(o *SynthesisOptions) { o.SpeechEndedCallback = callback }
}

func WithErrorCallback(callback func(err error)) SynthesisOption {
	return func(o *SynthesisOptions) { o.ErrorCallback = callback }
}

func WithEncodingInfo(encodingInfo audio.EncodingInfo) SynthesisOption {
	return func(o *SynthesisOptions) {
		if encodingInfo.IsZero() {
			return
		}
		o.EncodingInfo = encodingInfo
	}
}

func WithVoice(voice string) SynthesisOption {
	return func(o *SynthesisOptions) {
		if voice != "" {
			o.Voice = voice
		}
	}
}

// Synthesizer opens speech generation streams. One implementation per
// provider, selected once at session construction.
type Synthesizer interface {
	NewSpeechGenerator(ctx context.Context, opts ...SynthesisOption) (SpeechGenerator, error)
}

// SpeechGenerator is one agent reply being spoken. Text goes in incrementally
// as the language model streams it; audio comes back through the callbacks in
// submission order.
type SpeechGenerator interface {
	// SendText queues text for synthesis. Speech is generated in the order
	// text is sent.
	//
	// SendText errors after EndOfText, Cancel or Close.
	SendText(text string) error
	// Mark marks the current point in the text. The mark callback fires after
	// the audio for everything sent before the mark has been delivered.
	//
	// Mark errors after EndOfText, Cancel or Close.
	Mark() error
	// EndOfText signals that no more text is coming. The generator closes
	// itself once all remaining speech has been delivered.
	//
	// EndOfText errors after Cancel or Close. Repeated calls are ignored.
	EndOfText() error
	// Cancel abandons all pending synthesis immediately. No audio is delivered
	// after Cancel returns. It also closes the generator.
	//
	// Cancel errors after Close. Repeated calls are ignored.
	Cancel() error
	// Close tears the generator down. Repeated calls are ignored.
	Close() error
}
