package deepgram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stellavoice/voicecore/internal/tts"
)

var upgrader = websocket.Upgrader{}

// speakServer fakes the synthesis service: every Flush returns the text
// buffered since the previous one as a single binary chunk, then a Flushed
// confirmation.
type speakServer struct {
	*httptest.Server

	mu      sync.Mutex
	cleared bool
}

func newSpeakServer(t *testing.T) *speakServer {
	t.Helper()
	server := &speakServer{}
	server.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		pending := ""
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var parsed struct {
				Type string `json:"type"`
				Text string `json:"text"`
			}
			if err := json.Unmarshal(msg, &parsed); err != nil {
				continue
			}
			switch parsed.Type {
			case "Speak":
				pending += parsed.Text
			case "Flush":
				if pending != "" {
					conn.WriteMessage(websocket.BinaryMessage, []byte(pending))
					pending = ""
				}
				conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Flushed"}`))
			case "Clear":
				server.mu.Lock()
				server.cleared = true
				server.mu.Unlock()
				pending = ""
			case "Close":
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func (s *speakServer) wasCleared() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleared
}

func (s *speakServer) endpoint() string {
	return "ws://" + strings.TrimPrefix(s.URL, "http://")
}

type speechCollector struct {
	mu     sync.Mutex
	audio  [][]byte
	marks  []string
	ended  bool
	errs   []error
	signal chan struct{}
}

func newSpeechCollector() *speechCollector {
	return &speechCollector{signal: make(chan struct{}, 16)}
}

func (c *speechCollector) options() []tts.SynthesisOption {
	return []tts.SynthesisOption{
		tts.WithSpeechAudioCallback(func(chunk []byte) {
			c.mu.Lock()
			c.audio = append(c.audio, append([]byte(nil), chunk...))
			c.mu.Unlock()
			c.signal <- struct{}{}
		}),
		tts.WithSpeechMarkCallback(func(text string) {
			c.mu.Lock()
			c.marks = append(c.marks, text)
			c.mu.Unlock()
			c.signal <- struct{}{}
		}),
		tts.WithSpeechEndedCallback(func() {
			c.mu.Lock()
			c.ended = true
			c.mu.Unlock()
			c.signal <- struct{}{}
		}),
		tts.WithErrorCallback(func(err error) {
			c.mu.Lock()
			c.errs = append(c.errs, err)
			c.mu.Unlock()
			c.signal <- struct{}{}
		}),
	}
}

func (c *speechCollector) waitFor(t *testing.T, condition func() bool, what string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		c.mu.Lock()
		done := condition()
		c.mu.Unlock()
		if done {
			return
		}
		select {
		case <-c.signal:
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func TestSpeechGeneratorDeliversAudioMarksAndEnd(t *testing.T) {
	server := newSpeakServer(t)
	client := NewSynthesisClient("test-key", WithEndpoint(server.endpoint()))

	collector := newSpeechCollector()
	generator, err := client.NewSpeechGenerator(context.Background(), collector.options()...)
	if err != nil {
		t.Fatalf("failed to open speech generator: %v", err)
	}

	if err := generator.SendText("Hello "); err != nil {
		t.Fatalf("failed to send text: %v", err)
	}
	if err := generator.SendText("world."); err != nil {
		t.Fatalf("failed to send text: %v", err)
	}
	if err := generator.Mark(); err != nil {
		t.Fatalf("failed to mark: %v", err)
	}
	if err := generator.EndOfText(); err != nil {
		t.Fatalf("failed to end text: %v", err)
	}

	collector.waitFor(t, func() bool { return collector.ended }, "speech to end")

	if len(collector.audio) == 0 {
		t.Fatalf("expected audio chunks, got none")
	}
	if got := string(collector.audio[0]); got != "Hello world." {
		t.Fatalf("unexpected first audio chunk: %q", got)
	}
	if len(collector.marks) == 0 || collector.marks[0] != "Hello world." {
		t.Fatalf("expected mark for text before the flush, got %v", collector.marks)
	}
	if len(collector.errs) != 0 {
		t.Fatalf("unexpected stream errors: %v", collector.errs)
	}
}

func TestSpeechGeneratorEndsWithoutExplicitMark(t *testing.T) {
	server := newSpeakServer(t)
	client := NewSynthesisClient("test-key", WithEndpoint(server.endpoint()))

	collector := newSpeechCollector()
	generator, err := client.NewSpeechGenerator(context.Background(), collector.options()...)
	if err != nil {
		t.Fatalf("failed to open speech generator: %v", err)
	}

	if err := generator.SendText("Done."); err != nil {
		t.Fatalf("failed to send text: %v", err)
	}
	if err := generator.EndOfText(); err != nil {
		t.Fatalf("failed to end text: %v", err)
	}

	collector.waitFor(t, func() bool { return collector.ended }, "speech to end")
	if len(collector.audio) != 1 || string(collector.audio[0]) != "Done." {
		t.Fatalf("expected one audio chunk for the full reply, got %v", collector.audio)
	}
}

func TestSpeechGeneratorEndsImmediatelyWithNoText(t *testing.T) {
	server := newSpeakServer(t)
	client := NewSynthesisClient("test-key", WithEndpoint(server.endpoint()))

	collector := newSpeechCollector()
	generator, err := client.NewSpeechGenerator(context.Background(), collector.options()...)
	if err != nil {
		t.Fatalf("failed to open speech generator: %v", err)
	}

	if err := generator.EndOfText(); err != nil {
		t.Fatalf("failed to end text: %v", err)
	}
	collector.waitFor(t, func() bool { return collector.ended }, "speech to end")
	if len(collector.audio) != 0 {
		t.Fatalf("expected no audio, got %d chunks", len(collector.audio))
	}
}

func TestSpeechGeneratorCancelSuppressesAudioAndClears(t *testing.T) {
	server := newSpeakServer(t)
	client := NewSynthesisClient("test-key", WithEndpoint(server.endpoint()))

	collector := newSpeechCollector()
	generator, err := client.NewSpeechGenerator(context.Background(), collector.options()...)
	if err != nil {
		t.Fatalf("failed to open speech generator: %v", err)
	}

	if err := generator.SendText("This reply gets interrupted"); err != nil {
		t.Fatalf("failed to send text: %v", err)
	}
	if err := generator.Cancel(); err != nil {
		t.Fatalf("failed to cancel: %v", err)
	}

	if err := generator.SendText("more"); err == nil {
		t.Fatalf("expected SendText after cancel to fail")
	}
	if err := generator.EndOfText(); err == nil {
		t.Fatalf("expected EndOfText after cancel to fail")
	}
	if err := generator.Cancel(); err != nil {
		t.Fatalf("repeated cancel must be ignored, got %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if server.wasCleared() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !server.wasCleared() {
		t.Fatalf("expected cancel to clear the synthesis buffer")
	}

	collector.mu.Lock()
	defer collector.mu.Unlock()
	if len(collector.audio) != 0 {
		t.Fatalf("expected no audio after cancel, got %d chunks", len(collector.audio))
	}
	if collector.ended {
		t.Fatalf("cancelled speech must not report a clean end")
	}
}
