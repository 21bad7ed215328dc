package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/stellavoice/voicecore/internal/agentconfig"
	"github.com/stellavoice/voicecore/internal/asr"
	asrdeepgram "github.com/stellavoice/voicecore/internal/asr/deepgram"
	"github.com/stellavoice/voicecore/internal/audio"
	"github.com/stellavoice/voicecore/internal/config"
	"github.com/stellavoice/voicecore/internal/llm"
	"github.com/stellavoice/voicecore/internal/llm/openai"
	"github.com/stellavoice/voicecore/internal/session"
	"github.com/stellavoice/voicecore/internal/tools"
	"github.com/stellavoice/voicecore/internal/tts"
	ttsdeepgram "github.com/stellavoice/voicecore/internal/tts/deepgram"
	"github.com/stellavoice/voicecore/internal/vad"
)

const (
	writeTimeout = 10 * time.Second
	// pressurePause is how long the read loop backs off while the inbound
	// frame queue is running hot, so backpressure reaches the client's TCP
	// window before an overrun becomes fatal.
	pressurePause     = 5 * time.Millisecond
	pressureHighWater = 0.75
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// controlMessage is the only text-frame payload the transport accepts;
// everything binary is session audio.
type controlMessage struct {
	Type string `json:"type"`
}

// handleSession upgrades one connection and binds it to a new session. The
// handler goroutine becomes the transport read loop; a second goroutine
// drains outbound frames.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		http.Error(w, "agent_id query parameter required", http.StatusBadRequest)
		return
	}
	clientID := r.URL.Query().Get("client_id")

	agent, err := s.agents.Fetch(r.Context(), agentID)
	if err != nil {
		logger.WarnContext(r.Context(), "failed to fetch agent config", "error", err, "agent_id", agentID)
		http.Error(w, "agent configuration unavailable", http.StatusBadGateway)
		return
	}

	sess, err := s.newSession(agent, clientID)
	if err != nil {
		logger.ErrorContext(r.Context(), "failed to build session", "error", err, "agent_id", agentID)
		http.Error(w, "failed to create session", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sess.Close(fmt.Errorf("websocket upgrade failed: %w", err))
		return
	}

	if err := s.registry.Add(sess); err != nil {
		sess.Close(err)
		conn.Close()
		return
	}

	if err := sess.Start(s.baseCtx); err != nil {
		logger.ErrorContext(r.Context(), "failed to start session", "error", err, "session_id", sess.ID())
		sess.Close(err)
		conn.Close()
		return
	}

	logger.InfoContext(r.Context(), "session opened",
		"session_id", sess.ID(), "agent_id", agentID, "client_id", clientID)

	go s.writeLoop(conn, sess)
	s.readLoop(conn, sess)
}

// readLoop pumps inbound transport payloads into the session until the
// connection or the session dies. A read failure is a transport failure:
// fatal, the session closes.
func (s *Server) readLoop(conn *websocket.Conn, sess *session.Session) {
	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				sess.Close(nil)
			} else {
				sess.Close(fmt.Errorf("transport read failed: %w", err))
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			if err := sess.PushAudio(payload); err != nil {
				// Overrun and closed-session errors have already resolved the
				// session's fate; the transport just stops reading.
				logger.WarnContext(s.baseCtx, "dropping transport connection",
					"error", err, "session_id", sess.ID())
				conn.Close()
				return
			}
			for sess.Pressure() > pressureHighWater {
				select {
				case <-sess.Done():
					return
				case <-time.After(pressurePause):
				}
			}

		case websocket.TextMessage:
			var control controlMessage
			if err := json.Unmarshal(payload, &control); err != nil {
				continue
			}
			if control.Type == "close" {
				sess.Close(nil)
				return
			}
		}
	}
}

// writeLoop drains the session's ordered outbound frames onto the wire. A
// write failure is a transport failure and closes the session.
func (s *Server) writeLoop(conn *websocket.Conn, sess *session.Session) {
	for {
		select {
		case frame := <-sess.Outbound():
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame.Data); err != nil {
				sess.Close(fmt.Errorf("transport write failed: %w", err))
				conn.Close()
				return
			}
		case <-sess.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
			return
		}
	}
}

// buildSession wires one session's providers from configuration. Providers
// are selected here, once, never branched on per call.
func (s *Server) buildSession(agent *agentconfig.AgentConfig, clientID string) (*session.Session, error) {
	cfg := s.config

	encodingInfo, err := audio.NewEncodingInfo(cfg.Audio.SampleRate, cfg.Audio.Format)
	if err != nil {
		return nil, fmt.Errorf("invalid audio config: %w", err)
	}

	recognizer, err := buildRecognizer(cfg)
	if err != nil {
		return nil, err
	}
	synthesizer, err := buildSynthesizer(cfg, agent.VoiceID)
	if err != nil {
		return nil, err
	}
	model, err := buildModel(cfg, agent.Model)
	if err != nil {
		return nil, err
	}

	invoker := tools.NewInvoker(agent.DeclaredTools(),
		cfg.ToolGateway.Endpoint, cfg.ToolGateway.APIKey,
		time.Duration(cfg.ToolGateway.Timeout*float64(time.Second)))

	return session.NewSession(session.Params{
		ID:       uuid.NewString(),
		AgentID:  agent.AgentID,
		ClientID: clientID,

		EncodingInfo:  encodingInfo,
		FrameDuration: cfg.Audio.FrameDurationTime(),
		QueueDepth:    cfg.Audio.QueueDepth,
		OutboundQueue: cfg.Session.OutboundQueue,
		VADConfig: vad.Config{
			Threshold: cfg.VAD.Threshold,
			HangTime:  cfg.VAD.HangTimeDuration(),
			Smoothing: cfg.VAD.Smoothing,
		},
		Language: cfg.Recognition.Language,
		VoiceID:  agent.VoiceID,

		Recognizer:   recognizer,
		Synthesizer:  synthesizer,
		Model:        model,
		ToolExecutor: invoker,

		SystemPrompt: agent.SystemPrompt(),
		HistoryLimit: cfg.LLM.HistoryLimit,
		MaxToolChain: cfg.LLM.MaxToolChain,
		RetryBackoff: time.Duration(cfg.LLM.RetryBackoff * float64(time.Second)),

		OnClose: func(sessionID string, reason error) {
			if reason != nil {
				logger.Warn("session closed", "session_id", sessionID, "reason", reason)
			} else {
				logger.Info("session closed", "session_id", sessionID)
			}
			s.registry.Remove(sessionID)
		},
	})
}

func buildRecognizer(cfg *config.Config) (asr.Recognizer, error) {
	switch cfg.Recognition.Provider {
	case "deepgram":
		return asrdeepgram.NewTranscriptionClient(cfg.Recognition.APIKey,
			asrdeepgram.WithEndpoint(cfg.Recognition.Endpoint)), nil
	default:
		return nil, fmt.Errorf("unknown recognition provider %q", cfg.Recognition.Provider)
	}
}

func buildSynthesizer(cfg *config.Config, voiceID string) (tts.Synthesizer, error) {
	switch cfg.Synthesis.Provider {
	case "deepgram":
		return ttsdeepgram.NewSynthesisClient(cfg.Synthesis.APIKey,
			ttsdeepgram.WithEndpoint(cfg.Synthesis.Endpoint),
			ttsdeepgram.WithDefaultVoice(voiceID)), nil
	default:
		return nil, fmt.Errorf("unknown synthesis provider %q", cfg.Synthesis.Provider)
	}
}

func buildModel(cfg *config.Config, agentModel string) (llm.Client, error) {
	model := agentModel
	if model == "" {
		model = cfg.LLM.Model
	}
	switch cfg.LLM.Provider {
	case "openai":
		return openai.NewClient(cfg.LLM.APIKey, model,
			openai.WithEndpoint(cfg.LLM.Endpoint)), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.LLM.Provider)
	}
}
