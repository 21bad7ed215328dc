package deepgram

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/stellavoice/voicecore/internal/audio"
	"github.com/stellavoice/voicecore/internal/tts"
)

const defaultVoice = "aura-2-thalia-en"

// SynthesisClient opens speech generation streams against a synthesis service
// speaking the Deepgram speak websocket protocol.
type SynthesisClient struct {
	apiKey   string
	endpoint string
	voice    string
}

var _ tts.Synthesizer = (*SynthesisClient)(nil)

type ClientOption func(*SynthesisClient)

// WithEndpoint overrides the speak URL, e.g. for a self-hosted deployment.
func WithEndpoint(endpoint string) ClientOption {
	return func(c *SynthesisClient) {
		if endpoint != "" {
			c.endpoint = endpoint
		}
	}
}

// WithDefaultVoice sets the voice used when the generator options carry none.
func WithDefaultVoice(voice string) ClientOption {
	return func(c *SynthesisClient) {
		if voice != "" {
			c.voice = voice
		}
	}
}

func NewSynthesisClient(apiKey string, opts ...ClientOption) *SynthesisClient {
	c := &SynthesisClient{
		apiKey:   apiKey,
		endpoint: "wss://api.deepgram.com/v1/speak",
		voice:    defaultVoice,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *SynthesisClient) connectWebsocket(voice string, encodingInfo audio.EncodingInfo) (*websocket.Conn, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("synthesis api key not found")
	}

	speakURL, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid synthesis endpoint: %w", err)
	}
	queryParams := speakURL.Query()
	queryParams.Set("encoding", encodingInfo.Format.Name())
	queryParams.Set("sample_rate", strconv.Itoa(encodingInfo.SampleRate))
	queryParams.Set("model", voice)
	queryParams.Set("container", "none")
	speakURL.RawQuery = queryParams.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(speakURL.String(),
		http.Header{"Authorization": {"Token " + c.apiKey}})
	if err != nil {
		return nil, fmt.Errorf("failed to open socket connection to synthesis service: %w", err)
	}

	return conn, nil
}
