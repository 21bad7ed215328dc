package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stellavoice/voicecore/internal/asr"
	"github.com/stellavoice/voicecore/internal/audio"
	"github.com/stellavoice/voicecore/internal/llm"
	"github.com/stellavoice/voicecore/internal/metrics"
	"github.com/stellavoice/voicecore/internal/tts"
	"github.com/stellavoice/voicecore/internal/vad"
)

// ErrSessionClosed is returned when audio is pushed into a closed session.
var ErrSessionClosed = errors.New("session closed")

// Params wires one live connection into a session. Providers are selected
// once here and never branched on per call.
type Params struct {
	ID       string
	AgentID  string
	ClientID string

	EncodingInfo  audio.EncodingInfo
	FrameDuration time.Duration
	QueueDepth    int
	OutboundQueue int
	VADConfig     vad.Config
	Language      string
	VoiceID       string

	Recognizer   asr.Recognizer
	Synthesizer  tts.Synthesizer
	Model        llm.Client
	ToolExecutor ToolExecutor

	SystemPrompt string
	HistoryLimit int
	MaxToolChain int
	RetryBackoff time.Duration

	// OnClose is called exactly once after the session has released its
	// adapter resources.
	OnClose func(sessionID string, reason error)
}

// Session binds one live connection to one conversation. All mutation goes
// through state transitions; the only shared structure across sessions is the
// registry.
type Session struct {
	id        string
	agentID   string
	clientID  string
	createdAt time.Time

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	closeReason  error

	transcript   *Transcript
	orchestrator *Orchestrator
	frameBuffer  *audio.FrameBuffer
	detector     *vad.Detector
	recognizer   asr.Recognizer
	synthesizer  tts.Synthesizer

	encodingInfo audio.EncodingInfo
	language     string
	voiceID      string

	// finalTexts accumulates final transcript segments of the utterance in
	// progress, consumed on SpeechEnded.
	utteranceMu sync.Mutex
	finalTexts  []string

	// pending queues work for the serial cycle loop. The cap-1 signal channel
	// wakes the loop without blocking the frame path.
	pendingMu     sync.Mutex
	pending       []pendingTurn
	pendingSignal chan struct{}

	speechMu sync.Mutex
	speech   *activeSpeech

	outbound chan audio.Frame
	outSeq   uint64
	outMu    sync.Mutex

	baseCtx context.Context
	cancel  context.CancelFunc

	closed    chan struct{}
	closeOnce sync.Once
	onClose   func(sessionID string, reason error)
}

// pendingTurn is one queued unit of work for the cycle loop: a finished user
// utterance, or the repeat prompt spoken when recognition drops mid-utterance.
// Everything the session speaks goes through this queue, in order.
type pendingTurn struct {
	utterance string
	repeat    bool
}

// activeSpeech is the reply currently being synthesized. finish is safe to
// call from the ended callback, the error callback and the barge-in path.
type activeSpeech struct {
	generator tts.SpeechGenerator
	done      chan struct{}
	once      sync.Once
}

func (sp *activeSpeech) finish() {
	sp.once.Do(func() { close(sp.done) })
}

func NewSession(params Params) (*Session, error) {
	if params.ID == "" {
		return nil, fmt.Errorf("session id required")
	}
	if params.Recognizer == nil || params.Synthesizer == nil || params.Model == nil {
		return nil, fmt.Errorf("recognizer, synthesizer and model are all required")
	}
	if params.EncodingInfo.IsZero() {
		params.EncodingInfo = audio.GetDefaultEncodingInfo()
	}
	if params.OutboundQueue < 1 {
		params.OutboundQueue = 128
	}

	s := &Session{
		id:        params.ID,
		agentID:   params.AgentID,
		clientID:  params.ClientID,
		createdAt: time.Now(),

		state:        StateIdle,
		lastActivity: time.Now(),

		transcript:  NewTranscript(),
		frameBuffer: audio.NewFrameBuffer(params.EncodingInfo, params.FrameDuration, params.QueueDepth),
		recognizer:  params.Recognizer,
		synthesizer: params.Synthesizer,

		encodingInfo: params.EncodingInfo,
		language:     params.Language,
		voiceID:      params.VoiceID,

		pendingSignal: make(chan struct{}, 1),
		outbound:      make(chan audio.Frame, params.OutboundQueue),
		closed:        make(chan struct{}),
		onClose:       params.OnClose,
	}

	s.orchestrator = NewOrchestrator(params.Model, params.ToolExecutor, s.transcript, OrchestratorConfig{
		SessionID:    params.ID,
		SystemPrompt: params.SystemPrompt,
		HistoryLimit: params.HistoryLimit,
		MaxToolChain: params.MaxToolChain,
		RetryBackoff: params.RetryBackoff,
	})

	detector, err := vad.NewDetector(params.EncodingInfo, params.VADConfig, vad.Callbacks{
		SpeechStarted: s.onSpeechStarted,
		SpeechEnded:   s.onSpeechEnded,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build turn detector: %w", err)
	}
	s.detector = detector

	return s, nil
}

// Start opens the recognition stream and launches the frame and cycle loops.
// Call it at most once.
func (s *Session) Start(ctx context.Context) error {
	s.baseCtx, s.cancel = context.WithCancel(ctx)

	if err := s.transitionTo(StateListening); err != nil {
		return err
	}

	if err := s.recognizer.Transcribe(s.baseCtx,
		asr.WithEncodingInfo(s.encodingInfo),
		asr.WithLanguage(s.language),
		asr.WithSegmentCallback(s.onSegment),
		asr.WithErrorCallback(s.onRecognitionError),
	); err != nil {
		return fmt.Errorf("failed to open recognition stream: %w", err)
	}

	go s.consumeFrames()
	go s.cycleLoop()

	metrics.SessionsTotal.Inc()
	metrics.SessionsActive.Inc()
	return nil
}

// PushAudio feeds one raw transport payload into the frame buffer. An overrun
// is fatal and closes the session.
func (s *Session) PushAudio(payload []byte) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}

	s.touch()
	if err := s.frameBuffer.Push(payload); err != nil {
		if errors.Is(err, audio.ErrBufferOverrun) {
			s.Close(err)
		}
		return err
	}
	return nil
}

// Pressure reports inbound queue fullness so the transport can pause reads
// before an overrun becomes fatal.
func (s *Session) Pressure() float64 {
	return s.frameBuffer.Pressure()
}

// Outbound is the ordered stream of synthesized frames for the transport
// writer. It is never closed; select against Done.
func (s *Session) Outbound() <-chan audio.Frame {
	return s.outbound
}

// Done is closed once the session has fully shut down.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

func (s *Session) ID() string           { return s.id }
func (s *Session) AgentID() string      { return s.agentID }
func (s *Session) ClientID() string     { return s.clientID }
func (s *Session) CreatedAt() time.Time { return s.createdAt }
func (s *Session) Transcript() []Turn   { return s.transcript.Turns() }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CloseReason reports why the session closed, nil while it is live or after a
// clean close.
func (s *Session) CloseReason() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// IdleFor reports how long ago the session last saw inbound audio or finished
// a cycle.
func (s *Session) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) transitionTo(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !canTransition(s.state, to) {
		return &illegalTransitionError{from: s.state, to: to}
	}
	s.state = to
	return nil
}

// consumeFrames drains the frame buffer: every frame feeds the turn detector
// and the recognition stream, in order.
func (s *Session) consumeFrames() {
	for frame := range s.frameBuffer.Frames() {
		metrics.FramesInbound.Inc()
		s.detector.Process(frame)
		if err := s.recognizer.SendAudio(frame.Data); err != nil {
			logger.WarnContext(s.baseCtx, "failed to forward frame to recognition",
				"error", err, "session_id", s.id)
		}
	}
}

func (s *Session) onSegment(segment asr.Segment) {
	if !segment.IsFinal {
		return
	}
	s.utteranceMu.Lock()
	s.finalTexts = append(s.finalTexts, segment.Text)
	s.utteranceMu.Unlock()
}

// onSpeechStarted is the barge-in path: user speech while the agent is
// speaking cancels synthesis and returns to listening within one state step.
func (s *Session) onSpeechStarted() {
	if s.State() != StateSpeaking {
		return
	}

	s.speechMu.Lock()
	sp := s.speech
	s.speech = nil
	s.speechMu.Unlock()

	if sp != nil {
		if err := sp.generator.Cancel(); err != nil {
			logger.WarnContext(s.baseCtx, "failed to cancel synthesis on barge-in",
				"error", err, "session_id", s.id)
		}
		sp.finish()
	}

	metrics.BargeIns.Inc()
	if err := s.transitionTo(StateListening); err != nil {
		logger.WarnContext(s.baseCtx, "barge-in transition rejected", "error", err, "session_id", s.id)
	}
}

// onSpeechEnded closes the utterance: its final segments become one queued
// user turn. An utterance with no final transcript is suppressed.
func (s *Session) onSpeechEnded() {
	s.utteranceMu.Lock()
	texts := s.finalTexts
	s.finalTexts = nil
	s.utteranceMu.Unlock()

	utterance := strings.TrimSpace(strings.Join(texts, " "))
	if utterance == "" {
		return
	}
	s.queueTurn(pendingTurn{utterance: utterance})
}

func (s *Session) queueTurn(turn pendingTurn) {
	s.pendingMu.Lock()
	s.pending = append(s.pending, turn)
	s.pendingMu.Unlock()

	select {
	case s.pendingSignal <- struct{}{}:
	default:
	}
}

// onRecognitionError degrades rather than closing: the agent asks the user to
// repeat and the session returns to listening. The prompt goes through the
// serial cycle loop like any other turn, so it cannot race a queued utterance.
func (s *Session) onRecognitionError(err error) {
	if !errors.Is(err, asr.ErrRecognitionUnavailable) {
		logger.WarnContext(s.baseCtx, "recognition stream error", "error", err, "session_id", s.id)
		return
	}

	span := trace.SpanFromContext(s.baseCtx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	logger.WarnContext(s.baseCtx, "recognition unavailable, asking user to repeat",
		"error", err, "session_id", s.id)

	s.queueTurn(pendingTurn{repeat: true})
}

// cycleLoop serializes orchestration: exactly one cycle is in flight per
// session, queued utterances run strictly in order.
func (s *Session) cycleLoop() {
	for {
		select {
		case <-s.closed:
			return
		case <-s.pendingSignal:
		}

		for {
			s.pendingMu.Lock()
			if len(s.pending) == 0 {
				s.pendingMu.Unlock()
				break
			}
			turn := s.pending[0]
			s.pending = s.pending[1:]
			s.pendingMu.Unlock()

			s.runCycle(turn)

			select {
			case <-s.closed:
				return
			default:
			}
		}
	}
}

func (s *Session) runCycle(turn pendingTurn) {
	if err := s.transitionTo(StateThinking); err != nil {
		// Only a closing session rejects this step; requeue so the turn is
		// never lost to a race with Close.
		s.pendingMu.Lock()
		s.pending = append([]pendingTurn{turn}, s.pending...)
		s.pendingMu.Unlock()
		return
	}

	if turn.repeat {
		s.speak(s.baseCtx, s.orchestrator.reply(repeatPrompt))
		return
	}

	reply, err := s.orchestrator.RunCycle(s.baseCtx, turn.utterance)
	s.touch()
	if err != nil {
		// Only context teardown reaches here; the session is on its way out.
		return
	}

	if reply == "" {
		if err := s.transitionTo(StateListening); err != nil {
			logger.WarnContext(s.baseCtx, "post-cycle transition rejected", "error", err, "session_id", s.id)
		}
		return
	}

	s.speak(s.baseCtx, reply)
}

// speak streams one reply through the synthesis adapter and blocks until the
// speech ends, is cancelled by barge-in, or the session closes. Synthesis
// failure ends the turn without audio; the session continues.
func (s *Session) speak(ctx context.Context, reply string) {
	sp := &activeSpeech{done: make(chan struct{})}

	generator, err := s.synthesizer.NewSpeechGenerator(ctx,
		tts.WithVoice(s.voiceID),
		tts.WithEncodingInfo(s.encodingInfo),
		tts.WithSpeechAudioCallback(s.emitAudio),
		tts.WithSpeechEndedCallback(sp.finish),
		tts.WithErrorCallback(func(err error) {
			logger.WarnContext(ctx, "synthesis failed, ending turn without audio",
				"error", err, "session_id", s.id)
			sp.finish()
		}),
	)
	if err != nil {
		logger.WarnContext(ctx, "failed to open speech generator, ending turn without audio",
			"error", err, "session_id", s.id)
		s.backToListening()
		return
	}
	sp.generator = generator

	s.speechMu.Lock()
	s.speech = sp
	s.speechMu.Unlock()

	if err := s.transitionTo(StateSpeaking); err != nil {
		_ = generator.Cancel()
		sp.finish()
		s.clearSpeech(sp)
		return
	}

	if err := generator.SendText(reply); err == nil {
		err = generator.EndOfText()
	} else {
		logger.WarnContext(ctx, "failed to stream reply to synthesis", "error", err, "session_id", s.id)
		_ = generator.Close()
		sp.finish()
	}

	select {
	case <-sp.done:
	case <-s.closed:
	}

	s.clearSpeech(sp)
	s.touch()
	s.backToListening()
}

func (s *Session) clearSpeech(sp *activeSpeech) {
	s.speechMu.Lock()
	if s.speech == sp {
		s.speech = nil
	}
	s.speechMu.Unlock()
}

func (s *Session) backToListening() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateSpeaking || s.state == StateThinking {
		s.state = StateListening
	}
}

// emitAudio hands one synthesized chunk to the transport writer as an ordered
// outbound frame. The bounded queue propagates writer backpressure into the
// synthesis read path instead of buffering unbounded audio.
func (s *Session) emitAudio(chunk []byte) {
	s.outMu.Lock()
	frame := audio.Frame{
		Seq:        s.outSeq,
		Data:       chunk,
		CapturedAt: time.Now(),
		Direction:  audio.DirectionOutbound,
	}
	s.outSeq++
	s.outMu.Unlock()

	select {
	case s.outbound <- frame:
		metrics.FramesOutbound.Inc()
	case <-s.closed:
	}
}

// Close tears the session down from any state. Safe to call repeatedly and
// from any goroutine; reason may be nil for a clean client-initiated close.
func (s *Session) Close(reason error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.closeReason = reason
		s.mu.Unlock()

		s.speechMu.Lock()
		sp := s.speech
		s.speech = nil
		s.speechMu.Unlock()
		if sp != nil {
			_ = sp.generator.Cancel()
			sp.finish()
		}

		close(s.closed)
		if s.cancel != nil {
			s.cancel()
		}

		s.detector.Flush()
		if err := s.frameBuffer.Close(); err != nil && !errors.Is(err, audio.ErrBufferOverrun) {
			logger.Warn("failed to flush frame buffer on close", "error", err, "session_id", s.id)
		}
		if err := s.recognizer.Close(context.Background()); err != nil {
			logger.Warn("failed to close recognition stream", "error", err, "session_id", s.id)
		}

		metrics.SessionsActive.Dec()
		if reason != nil {
			metrics.SessionsClosed.WithLabelValues("error").Inc()
		} else {
			metrics.SessionsClosed.WithLabelValues("clean").Inc()
		}

		if s.onClose != nil {
			s.onClose(s.id, reason)
		}
	})
}
