package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/stellavoice/voicecore/internal/audio"
	"github.com/stellavoice/voicecore/internal/tts"
)

// streamingSpeech is one reply being synthesized over a speak websocket.
// The text buffer holds one entry per mark span; only the head span is in
// flight at the synthesis service, the rest wait for its Flushed
// confirmation. The service drops text sent right after a flush unless the
// sender waits for that confirmation first.
type streamingSpeech struct {
	ws   *websocket.Conn
	wsMu sync.Mutex

	mu           sync.Mutex
	textBuffer   []string
	textComplete bool
	cancelled    bool
	closed       bool

	options tts.SynthesisOptions
}

func (c *SynthesisClient) NewSpeechGenerator(ctx context.Context, opts ...tts.SynthesisOption) (tts.SpeechGenerator, error) {
	speech := &streamingSpeech{
		options: tts.SynthesisOptions{
			SpeechAudioCallback: func([]byte) {},
			SpeechMarkCallback:  func(string) {},
			SpeechEndedCallback: func() {},
			ErrorCallback:       func(error) {},
			EncodingInfo:        audio.GetDefaultEncodingInfo(),
			Voice:               c.voice,
		},
	}
	for _, opt := range opts {
		opt(&speech.options)
	}

	var err error
	if speech.ws, err = c.connectWebsocket(speech.options.Voice, speech.options.EncodingInfo); err != nil {
		return nil, fmt.Errorf("failed to open websocket: %w", err)
	}

	go speech.processIncomingMessages(ctx)

	return speech, nil
}

func (r *streamingSpeech) processIncomingMessages(ctx context.Context) {
	for {
		msgType, msg, err := r.ws.ReadMessage()
		if err != nil {
			r.mu.Lock()
			done := r.closed || r.cancelled
			r.mu.Unlock()
			if done {
				return
			}

			logger.WarnContext(ctx, "synthesis stream read failed", "error", err)
			r.options.ErrorCallback(fmt.Errorf("%w: %s", tts.ErrSynthesisFailed, err))
			_ = r.Close()
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			r.mu.Lock()
			suppressed := r.cancelled || r.closed
			r.mu.Unlock()
			if !suppressed && len(msg) > 0 {
				r.options.SpeechAudioCallback(msg)
			}
		case websocket.TextMessage:
			var parsedMsg struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(msg, &parsedMsg); err != nil {
				logger.WarnContext(ctx, "failed to unmarshal synthesis message", "error", err)
				continue
			}

			if parsedMsg.Type == "Flushed" {
				r.handleFlushed(ctx)
			}
		}
	}
}

// handleFlushed advances the text buffer: the head span is fully delivered,
// so its mark fires and the next span (held back until now) goes out.
func (r *streamingSpeech) handleFlushed(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancelled || r.closed {
		return
	}

	if len(r.textBuffer) > 0 {
		r.options.SpeechMarkCallback(r.textBuffer[0])
		r.textBuffer = r.textBuffer[1:]
	}

	if len(r.textBuffer) == 0 && r.textComplete {
		r.options.SpeechEndedCallback()
		_ = r.closeLocked()
		return
	}

	if len(r.textBuffer) > 0 && r.textBuffer[0] != "" {
		if err := r.sendWebsocketMessage(sendTextMsg(r.textBuffer[0])); err != nil {
			logger.WarnContext(ctx, "failed to send queued synthesis text", "error", err)
		}
	}
	if len(r.textBuffer) > 1 || (len(r.textBuffer) == 1 && r.textComplete) {
		if err := r.sendWebsocketMessage(flushMsg); err != nil {
			logger.WarnContext(ctx, "failed to flush synthesis buffer", "error", err)
		}
	}
}

func (r *streamingSpeech) SendText(text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("speech generator closed")
	} else if r.cancelled {
		return fmt.Errorf("speech generator cancelled")
	} else if r.textComplete {
		return fmt.Errorf("speech generator text already completed")
	}

	if len(r.textBuffer) == 0 {
		r.textBuffer = append(r.textBuffer, "")
	}

	if len(r.textBuffer) == 1 {
		if err := r.sendWebsocketMessage(sendTextMsg(text)); err != nil {
			return fmt.Errorf("failed to send websocket send text message: %w", err)
		}
	}
	r.textBuffer[len(r.textBuffer)-1] += text
	return nil
}

func (r *streamingSpeech) Mark() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("speech generator closed")
	} else if r.cancelled {
		return fmt.Errorf("speech generator cancelled")
	} else if r.textComplete {
		return fmt.Errorf("speech generator text already completed")
	}

	if len(r.textBuffer) == 1 {
		if err := r.sendWebsocketMessage(flushMsg); err != nil {
			return fmt.Errorf("failed to send websocket flush message: %w", err)
		}
	}

	r.textBuffer = append(r.textBuffer, "")
	return nil
}

func (r *streamingSpeech) EndOfText() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("speech generator closed")
	} else if r.cancelled {
		return fmt.Errorf("speech generator cancelled")
	}
	if r.textComplete {
		return nil
	}

	r.textComplete = true
	if len(r.textBuffer) == 1 && r.textBuffer[0] == "" {
		r.textBuffer = r.textBuffer[:0]
	}
	if len(r.textBuffer) == 0 {
		r.options.SpeechEndedCallback()
		return r.closeLocked()
	}
	if len(r.textBuffer) == 1 {
		if err := r.sendWebsocketMessage(flushMsg); err != nil {
			return fmt.Errorf("failed to send websocket flush message: %w", err)
		}
	}

	return nil
}

func (r *streamingSpeech) Cancel() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancelled {
		return nil
	}
	if r.closed {
		return fmt.Errorf("speech generator closed")
	}

	r.cancelled = true
	r.textBuffer = nil
	if err := r.sendWebsocketMessage(clearMsg); err != nil {
		_ = r.closeLocked()
		return fmt.Errorf("failed to send websocket clear message: %w", err)
	}

	return r.closeLocked()
}

func (r *streamingSpeech) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked()
}

func (r *streamingSpeech) closeLocked() error {
	if r.closed {
		return nil
	}
	r.closed = true

	err := r.sendWebsocketMessage(closeMsg)
	if closeErr := r.ws.Close(); closeErr != nil && err != nil {
		return fmt.Errorf("failed to close websocket: %w", errors.Join(err, closeErr))
	}
	return nil
}

type websocketMessage struct {
	Type string `json:"type"`
}

type websocketTextMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func sendTextMsg(text string) websocketTextMessage {
	return websocketTextMessage{Type: "Speak", Text: text}
}

var (
	flushMsg = websocketMessage{Type: "Flush"}
	clearMsg = websocketMessage{Type: "Clear"}
	closeMsg = websocketMessage{Type: "Close"}
)

func (r *streamingSpeech) sendWebsocketMessage(msg any) error {
	r.wsMu.Lock()
	defer r.wsMu.Unlock()

	if r.ws == nil {
		return fmt.Errorf("websocket connection closed")
	}
	if err := r.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to write to websocket: %w", err)
	}
	return nil
}
