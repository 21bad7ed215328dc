package deepgram

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stellavoice/voicecore/internal/asr"
	"github.com/stellavoice/voicecore/internal/audio"
)

// TranscriptionClient streams audio to a recognition service speaking the
// Deepgram listen websocket protocol and emits transcript segments.
type TranscriptionClient struct {
	apiKey   string
	endpoint string

	conn   *websocket.Conn
	connMu sync.Mutex

	lastMsgTs time.Time

	utteranceMu sync.Mutex
	utteranceID string

	reconnectUsed bool
	closed        bool
}

var _ asr.Recognizer = (*TranscriptionClient)(nil)

type ClientOption func(*TranscriptionClient)

// WithEndpoint overrides the listen URL, e.g. for a self-hosted deployment.
func WithEndpoint(endpoint string) ClientOption {
	return func(c *TranscriptionClient) {
		if endpoint != "" {
			c.endpoint = endpoint
		}
	}
}

func NewTranscriptionClient(apiKey string, opts ...ClientOption) *TranscriptionClient {
	c := &TranscriptionClient{
		apiKey:   apiKey,
		endpoint: "wss://api.deepgram.com/v1/listen",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type encodingInfo struct {
	SampleRate int
	Format     string
}

func convertEncoding(encoding audio.EncodingInfo) (*encodingInfo, error) {
	converted := encodingInfo{}
	switch encoding.SampleRate {
	case 8000, 16000, 24000, 32000, 48000:
		converted.SampleRate = encoding.SampleRate
	default:
		return nil, fmt.Errorf("unsupported sample rate")
	}

	switch encoding.Format {
	case audio.EncodingLinear16:
		converted.Format = "linear16"
	case audio.EncodingALaw:
		converted.Format = "alaw"
		if converted.SampleRate != 8000 {
			return nil, fmt.Errorf("unsupported sample rate for alaw encoding")
		}
	case audio.EncodingMulaw:
		converted.Format = "mulaw"
		if converted.SampleRate != 8000 {
			return nil, fmt.Errorf("unsupported sample rate for mulaw encoding")
		}
	default:
		return nil, fmt.Errorf("unsupported encoding")
	}

	return &converted, nil
}
