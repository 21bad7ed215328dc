package server

import (
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/stellavoice/voicecore/internal/agentconfig"
	"github.com/stellavoice/voicecore/internal/asr"
	"github.com/stellavoice/voicecore/internal/config"
	"github.com/stellavoice/voicecore/internal/llm"
	"github.com/stellavoice/voicecore/internal/session"
	"github.com/stellavoice/voicecore/internal/tts"
	"github.com/stellavoice/voicecore/internal/vad"
)

type fakeAgents struct{}

func (fakeAgents) Fetch(_ context.Context, agentID string) (*agentconfig.AgentConfig, error) {
	return &agentconfig.AgentConfig{AgentID: agentID, Persona: "test persona"}, nil
}

// echoRecognizer finalizes a fixed utterance as soon as audio arrives.
type echoRecognizer struct {
	mu      sync.Mutex
	options asr.TranscriptionOptions
	once    sync.Once
}

func (r *echoRecognizer) Transcribe(_ context.Context, opts ...asr.TranscriptionOption) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, opt := range opts {
		opt(&r.options)
	}
	return nil
}

func (r *echoRecognizer) SendAudio(_ []byte) error {
	r.once.Do(func() {
		r.mu.Lock()
		callback := r.options.SegmentCallback
		r.mu.Unlock()
		if callback != nil {
			callback(asr.Segment{Text: "hello there", IsFinal: true, UtteranceID: "u1"})
		}
	})
	return nil
}

func (r *echoRecognizer) Close(_ context.Context) error { return nil }

// echoSynthesizer speaks replies by emitting the reply text bytes as audio.
type echoSynthesizer struct{}

func (echoSynthesizer) NewSpeechGenerator(_ context.Context, opts ...tts.SynthesisOption) (tts.SpeechGenerator, error) {
	options := tts.SynthesisOptions{
		SpeechAudioCallback: func([]byte) {},
		SpeechEndedCallback: func() {},
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &echoGenerator{options: options}, nil
}

type echoGenerator struct {
	mu      sync.Mutex
	options tts.SynthesisOptions
	text    strings.Builder
}

func (g *echoGenerator) SendText(text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.text.WriteString(text)
	return nil
}

func (g *echoGenerator) Mark() error { return nil }

func (g *echoGenerator) EndOfText() error {
	g.mu.Lock()
	text := g.text.String()
	options := g.options
	g.mu.Unlock()
	options.SpeechAudioCallback([]byte(text))
	options.SpeechEndedCallback()
	return nil
}

func (g *echoGenerator) Cancel() error { return nil }
func (g *echoGenerator) Close() error  { return nil }

type fixedReplyModel struct{ reply string }

func (m fixedReplyModel) Stream(_ context.Context, _ llm.Request) llm.Stream {
	return fixedReplyStream{reply: m.reply}
}

type fixedReplyStream struct{ reply string }

func (s fixedReplyStream) Chunks(_ context.Context) func(func(llm.StreamChunk, error) bool) {
	return func(yield func(llm.StreamChunk, error) bool) {
		yield(replyChunk(s.reply), nil)
	}
}

type replyChunk string

func (c replyChunk) FinishReason() *string { return nil }
func (c replyChunk) Content() string       { return string(c) }

func newTestServer(t *testing.T) (*Server, *httptest.Server, *session.Registry) {
	t.Helper()

	cfg := config.Default()
	cfg.VAD.HangTime = 0.05

	registry := session.NewRegistry(time.Minute, time.Second)
	srv := New(cfg, registry, fakeAgents{})
	srv.baseCtx = context.Background()
	srv.newSession = func(agent *agentconfig.AgentConfig, clientID string) (*session.Session, error) {
		return session.NewSession(session.Params{
			ID:            uuid.NewString(),
			AgentID:       agent.AgentID,
			ClientID:      clientID,
			FrameDuration: cfg.Audio.FrameDurationTime(),
			QueueDepth:    cfg.Audio.QueueDepth,
			VADConfig: vad.Config{
				Threshold: cfg.VAD.Threshold,
				HangTime:  cfg.VAD.HangTimeDuration(),
			},
			Recognizer:   &echoRecognizer{},
			Synthesizer:  echoSynthesizer{},
			Model:        fixedReplyModel{reply: "Hi!"},
			SystemPrompt: agent.SystemPrompt(),
			OnClose:      func(sessionID string, _ error) { registry.Remove(sessionID) },
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/session", srv.handleSession)
	mux.HandleFunc("/healthz", srv.handleHealth)
	httpServer := httptest.NewServer(mux)
	t.Cleanup(httpServer.Close)

	return srv, httpServer, registry
}

func dialSession(t *testing.T, httpServer *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws://" + strings.TrimPrefix(httpServer.URL, "http://") + "/v1/session?agent_id=agent-1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial session endpoint: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// loudFrame is 20ms of full-scale square wave, comfortably above the VAD
// threshold.
func loudFrame() []byte {
	frame := make([]byte, 640)
	for i := 0; i < len(frame); i += 2 {
		binary.LittleEndian.PutUint16(frame[i:], uint16(int16(8000)))
	}
	return frame
}

func TestSessionEndpointRequiresAgentID(t *testing.T) {
	_, httpServer, _ := newTestServer(t)

	resp, err := http.Get(httpServer.URL + "/v1/session")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without agent_id, got %d", resp.StatusCode)
	}
}

func TestSessionRoundTripOverWebsocket(t *testing.T) {
	_, httpServer, registry := newTestServer(t)
	conn := dialSession(t, httpServer)

	// Speech, then silence past the hang time to end the turn.
	for i := 0; i < 5; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, loudFrame()); err != nil {
			t.Fatalf("failed to send audio: %v", err)
		}
	}
	time.Sleep(80 * time.Millisecond)
	silence := make([]byte, 640)
	for i := 0; i < 5; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, silence); err != nil {
			t.Fatalf("failed to send silence: %v", err)
		}
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected synthesized reply audio, got error: %v", err)
	}
	if msgType != websocket.BinaryMessage {
		t.Fatalf("expected a binary frame, got type %d", msgType)
	}
	if string(payload) != "Hi!" {
		t.Fatalf("unexpected reply audio: %q", payload)
	}

	if registry.Len() != 1 {
		t.Fatalf("expected one registered session, got %d", registry.Len())
	}
}

func TestCloseControlMessageTearsSessionDown(t *testing.T) {
	_, httpServer, registry := newTestServer(t)
	conn := dialSession(t, httpServer)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if registry.Len() == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"close"}`)); err != nil {
		t.Fatalf("failed to send close control: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if registry.Len() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected the session to be removed after close, registry has %d", registry.Len())
}
