package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/stellavoice/voicecore/internal/asr"
	"github.com/stellavoice/voicecore/internal/audio"
)

func (c *TranscriptionClient) Transcribe(ctx context.Context, opts ...asr.TranscriptionOption) error {
	options := &asr.TranscriptionOptions{EncodingInfo: audio.GetDefaultEncodingInfo()}
	for _, opt := range opts {
		opt(options)
	}

	encoding, err := convertEncoding(options.EncodingInfo)
	if err != nil {
		return fmt.Errorf("invalid encoding: %w", err)
	}

	conn, err := c.connectWebsocket(*encoding, options.Language)
	if err != nil {
		return fmt.Errorf("failed to open websocket: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	go c.readAndProcessMessages(ctx, conn, *options, *encoding)
	go c.keepAlive(ctx)

	return nil
}

func (c *TranscriptionClient) connectWebsocket(encoding encodingInfo, language string) (*websocket.Conn, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("recognition api key not found")
	}
	if language == "" {
		language = "en-US"
	}

	listenURL, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid recognition endpoint: %w", err)
	}
	queryParams := listenURL.Query()
	queryParams.Set("encoding", encoding.Format)
	queryParams.Set("sample_rate", strconv.Itoa(encoding.SampleRate))
	queryParams.Set("channels", "1")
	queryParams.Set("model", "nova-3")
	queryParams.Set("language", language)
	queryParams.Set("smart_format", "true")
	queryParams.Set("interim_results", "true")
	listenURL.RawQuery = queryParams.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(listenURL.String(),
		http.Header{"Authorization": {"Token " + c.apiKey}})
	if err != nil {
		return nil, fmt.Errorf("failed to open socket connection to recognition service: %w", err)
	}

	return conn, nil
}

func (c *TranscriptionClient) SendAudio(audio []byte) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("recognition stream not open")
	}

	c.lastMsgTs = time.Now()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
		return fmt.Errorf("failed to write to recognition stream: %w", err)
	}
	return nil
}

func (c *TranscriptionClient) Close(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.closed = true
	if c.conn != nil {
		if err := c.conn.WriteJSON(struct {
			Type string `json:"type"`
		}{Type: string(api.TypeCloseStreamResponse)}); err != nil {
			c.conn.Close()
			c.conn = nil
			return fmt.Errorf("failed to close recognition stream: %w", err)
		}
	}
	return nil
}

// keepAlive keeps the recognition stream open while no audio flows, e.g.
// while the agent is speaking.
func (c *TranscriptionClient) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.connMu.Lock()
			idle := time.Since(c.lastMsgTs) > 5*time.Second
			conn := c.conn
			closed := c.closed
			c.connMu.Unlock()

			if closed || conn == nil {
				return
			}
			if !idle {
				continue
			}

			c.connMu.Lock()
			if c.conn != nil {
				if err := c.conn.WriteJSON(struct {
					Type string `json:"type"`
				}{Type: "KeepAlive"}); err != nil {
					logger.WarnContext(ctx, "failed to send recognition keep-alive", "error", err)
				}
			}
			c.connMu.Unlock()
		}
	}
}

func (c *TranscriptionClient) readAndProcessMessages(ctx context.Context, conn *websocket.Conn, options asr.TranscriptionOptions, encoding encodingInfo) {
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			conn.Close()

			c.connMu.Lock()
			closed := c.closed
			reconnectUsed := c.reconnectUsed
			c.conn = nil
			c.connMu.Unlock()

			if closed {
				return
			}

			// One reconnect-and-resume attempt within the utterance window;
			// a second failure is surfaced, never swallowed.
			if !reconnectUsed {
				c.connMu.Lock()
				c.reconnectUsed = true
				c.connMu.Unlock()

				newConn, dialErr := c.connectWebsocket(encoding, options.Language)
				if dialErr == nil {
					c.connMu.Lock()
					c.conn = newConn
					c.connMu.Unlock()
					logger.InfoContext(ctx, "recognition stream reconnected")
					conn = newConn
					continue
				}
				err = dialErr
			}

			if options.ErrorCallback != nil {
				options.ErrorCallback(fmt.Errorf("%w: %s", asr.ErrRecognitionUnavailable, err))
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			c.processMessage(ctx, msg, options)
		}
	}
}

func (c *TranscriptionClient) processMessage(ctx context.Context, msg []byte, options asr.TranscriptionOptions) {
	var parsedMsg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &parsedMsg); err != nil {
		logger.WarnContext(ctx, "failed to unmarshal recognition message", "error", err)
		return
	}

	switch api.TypeResponse(parsedMsg.Type) {
	case api.TypeMessageResponse:
		var msgResp api.MessageResponse
		if err := json.Unmarshal(msg, &msgResp); err != nil {
			logger.WarnContext(ctx, "failed to unmarshal recognition message", "error", err)
			return
		}
		if len(msgResp.Channel.Alternatives) == 0 {
			return
		}

		alternative := msgResp.Channel.Alternatives[0]
		transcript := strings.TrimSpace(alternative.Transcript)
		if len(transcript) == 0 {
			return
		}

		segment := asr.Segment{
			Text:        transcript,
			Confidence:  alternative.Confidence,
			IsFinal:     msgResp.IsFinal,
			UtteranceID: c.currentUtteranceID(),
			Start:       time.Duration(msgResp.Start * float64(time.Second)),
			End:         time.Duration((msgResp.Start + msgResp.Duration) * float64(time.Second)),
		}
		if options.SegmentCallback != nil {
			options.SegmentCallback(segment)
		}

		if msgResp.IsFinal && msgResp.SpeechFinal {
			c.rotateUtterance()
		}

	case api.TypeUtteranceEndResponse:
		c.rotateUtterance()
	}
}

// currentUtteranceID lazily assigns an id shared by all segments of the same
// utterance. Partial segments supersede earlier partials carrying the same id.
func (c *TranscriptionClient) currentUtteranceID() string {
	c.utteranceMu.Lock()
	defer c.utteranceMu.Unlock()

	if c.utteranceID == "" {
		c.utteranceID = uuid.NewString()
	}
	return c.utteranceID
}

func (c *TranscriptionClient) rotateUtterance() {
	c.utteranceMu.Lock()
	c.utteranceID = ""
	c.utteranceMu.Unlock()

	c.connMu.Lock()
	c.reconnectUsed = false
	c.connMu.Unlock()
}
