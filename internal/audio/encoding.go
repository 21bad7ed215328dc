package audio

import (
	"fmt"
	"time"
)

const (
	DefaultSampleRate = 16000
	DefaultFormat     = "linear16"
)

func GetDefaultEncodingInfo() EncodingInfo {
	return EncodingInfo{SampleRate: DefaultSampleRate, Format: encodingFormat(DefaultFormat)}
}

// NewEncodingInfo builds an EncodingInfo from configuration values.
func NewEncodingInfo(sampleRate int, format string) (EncodingInfo, error) {
	if sampleRate <= 0 {
		return EncodingInfo{}, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	switch encodingFormat(format) {
	case EncodingLinear16, EncodingMulaw, EncodingALaw:
		return EncodingInfo{SampleRate: sampleRate, Format: encodingFormat(format)}, nil
	default:
		return EncodingInfo{}, fmt.Errorf("unsupported encoding format %q", format)
	}
}

type EncodingInfo struct {
	SampleRate int
	Format     encodingFormat
}

func (e EncodingInfo) IsZero() bool {
	return e.SampleRate == 0 || e.Format.Name() == ""
}

func (e EncodingInfo) SilenceValue() byte {
	switch e.Format {
	case EncodingALaw:
		return 0x55
	case EncodingMulaw:
		return 0xFF
	case EncodingLinear16:
		return 0
	}

	return 0
}

// BytesPerDuration returns how many raw bytes cover the given wall-clock
// duration at this encoding.
func (e EncodingInfo) BytesPerDuration(d time.Duration) int {
	return int(float64(d) / float64(time.Second) * float64(e.SampleRate) * float64(e.Format.ByteSize()))
}

// Duration returns the wall-clock duration covered by n raw bytes at this
// encoding.
func (e EncodingInfo) Duration(n int) time.Duration {
	return time.Duration(float64(n) / float64(e.SampleRate) * float64(time.Second) / float64(e.Format.ByteSize()))
}

type encodingFormat string

func (e encodingFormat) Name() string {
	return string(e)
}

func (e encodingFormat) ByteSize() int {
	switch e {
	case EncodingMulaw, EncodingALaw:
		return 1
	case EncodingLinear16:
		return 2
	}
	return -1
}

const (
	EncodingMulaw    encodingFormat = "mulaw"
	EncodingALaw     encodingFormat = "alaw"
	EncodingLinear16 encodingFormat = "linear16"
)
