package vad

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/stellavoice/voicecore/internal/audio"
)

// Config holds the tunable turn-detection parameters. Threshold and hang time
// are operational knobs, not contracts; defaults live in the config package.
type Config struct {
	// Threshold is the normalized energy level, in [0, 1], above which a
	// frame counts as speech.
	Threshold float64
	// HangTime is how long activity must stay below Threshold before
	// SpeechEnded fires.
	HangTime time.Duration
	// Smoothing dampens per-frame energy jitter. Zero picks a light default.
	Smoothing float64
}

// Callbacks receive turn boundary events. SpeechStarted must be cheap: while
// the agent is speaking it is the barge-in signal and is delivered on the
// frame-processing path.
type Callbacks struct {
	SpeechStarted func()
	SpeechEnded   func()
}

// Detector maintains a rolling energy estimate over inbound frames and turns
// it into speech-start/speech-end events.
type Detector struct {
	mu sync.Mutex

	encodingInfo audio.EncodingInfo
	config       Config
	callbacks    Callbacks

	speaking     bool
	lastEnergy   float64
	lastAbove    time.Time
	totalFrames  uint64
	speechFrames uint64
}

func NewDetector(encodingInfo audio.EncodingInfo, config Config, callbacks Callbacks) (*Detector, error) {
	if config.Threshold < 0 || config.Threshold > 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1, got %f", config.Threshold)
	}
	if config.HangTime <= 0 {
		return nil, fmt.Errorf("hang time must be positive, got %s", config.HangTime)
	}
	if config.Smoothing == 0 {
		config.Smoothing = 0.3
	}

	return &Detector{
		encodingInfo: encodingInfo,
		config:       config,
		callbacks:    callbacks,
	}, nil
}

// Process consumes one inbound frame and fires callbacks synchronously when a
// turn boundary is crossed.
func (d *Detector) Process(frame audio.Frame) {
	energy := d.frameEnergy(frame.Data)

	var started, ended bool

	d.mu.Lock()
	if d.totalFrames > 0 {
		energy = d.config.Smoothing*energy + (1-d.config.Smoothing)*d.lastEnergy
	}
	d.lastEnergy = energy
	d.totalFrames++

	above := energy >= d.config.Threshold
	now := frame.CapturedAt
	if now.IsZero() {
		now = time.Now()
	}

	if above {
		d.speechFrames++
		d.lastAbove = now
		if !d.speaking {
			d.speaking = true
			started = true
		}
	} else if d.speaking && now.Sub(d.lastAbove) >= d.config.HangTime {
		d.speaking = false
		ended = true
	}
	d.mu.Unlock()

	if started && d.callbacks.SpeechStarted != nil {
		d.callbacks.SpeechStarted()
	}
	if ended && d.callbacks.SpeechEnded != nil {
		d.callbacks.SpeechEnded()
	}
}

// IsSpeaking reports the continuous user-activity signal.
func (d *Detector) IsSpeaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}

// Flush forces a SpeechEnded if a turn is still open, used on session close
// so a trailing utterance is not lost.
func (d *Detector) Flush() {
	d.mu.Lock()
	wasSpeaking := d.speaking
	d.speaking = false
	d.mu.Unlock()

	if wasSpeaking && d.callbacks.SpeechEnded != nil {
		d.callbacks.SpeechEnded()
	}
}

// frameEnergy computes normalized RMS energy of a frame.
func (d *Detector) frameEnergy(data []byte) float64 {
	switch d.encodingInfo.Format {
	case audio.EncodingLinear16:
		if len(data) < 2 {
			return 0
		}
		var sum float64
		samples := len(data) / 2
		for i := 0; i < samples; i++ {
			s := int16(binary.LittleEndian.Uint16(data[i*2:]))
			sum += float64(s) * float64(s)
		}
		return math.Sqrt(sum/float64(samples)) / math.MaxInt16
	default:
		// mulaw/alaw: distance from the silence byte is a crude but workable
		// activity proxy.
		if len(data) == 0 {
			return 0
		}
		silence := d.encodingInfo.SilenceValue()
		var sum float64
		for _, b := range data {
			diff := float64(b) - float64(silence)
			sum += diff * diff
		}
		return math.Sqrt(sum/float64(len(data))) / 255
	}
}
