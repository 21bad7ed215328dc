package asr

import (
	"context"
	"errors"
	"time"

	"github.com/stellavoice/voicecore/internal/audio"
)

// ErrRecognitionUnavailable means the recognition stream failed and the
// single reconnect attempt did not restore it. The orchestrator degrades to
// asking the user to repeat; audio is never dropped silently.
var ErrRecognitionUnavailable = errors.New("recognition service unavailable")

// Segment is one transcript fragment from the recognition service. Partial
// segments may be revised repeatedly; only a final segment is durable.
// Offsets are relative to the start of the session audio stream.
type Segment struct {
	Text        string
	Confidence  float64
	IsFinal     bool
	UtteranceID string
	Start       time.Duration
	End         time.Duration
}

// Recognizer is the speech recognition boundary. One implementation per
// provider, selected once at session construction.
type Recognizer interface {
	// Transcribe opens the recognition stream. Segments arrive asynchronously
	// relative to audio submission.
	Transcribe(ctx context.Context, opts ...TranscriptionOption) error
	// SendAudio pushes one frame's worth of raw audio.
	SendAudio(audio []byte) error
	// Close tears the stream down.
	Close(ctx context.Context) error
}

type TranscriptionOptions struct {
	// SegmentCallback is called for every partial and final segment.
	SegmentCallback func(segment Segment)
	// ErrorCallback is called when the stream fails past recovery.
	ErrorCallback func(err error)

	EncodingInfo audio.EncodingInfo
	Language     string
}

type TranscriptionOption func(*TranscriptionOptions)

func WithSegmentCallback(callback func(segment Segment)) TranscriptionOption {
	return func(o *TranscriptionOptions) {
		o.SegmentCallback = callback
	}
}

func WithErrorCallback(callback func(err error)) TranscriptionOption {
	return func(o *TranscriptionOptions) {
		o.ErrorCallback = callback
	}
}

func WithEncodingInfo(encodingInfo audio.EncodingInfo) TranscriptionOption {
	return func(o *TranscriptionOptions) {
		o.EncodingInfo = encodingInfo
	}
}

func WithLanguage(language string) TranscriptionOption {
	return func(o *TranscriptionOptions) {
		o.Language = language
	}
}
