package deepgram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stellavoice/voicecore/internal/asr"
	"github.com/stellavoice/voicecore/internal/audio"
)

var upgrader = websocket.Upgrader{}

type segmentCollector struct {
	mu       sync.Mutex
	segments []asr.Segment
	errs     []error
}

func (c *segmentCollector) onSegment(segment asr.Segment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.segments = append(c.segments, segment)
}

func (c *segmentCollector) onError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func (c *segmentCollector) waitSegments(t *testing.T, n int) []asr.Segment {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.segments) >= n {
			segments := append([]asr.Segment(nil), c.segments...)
			c.mu.Unlock()
			return segments
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d segments", n)
	return nil
}

func (c *segmentCollector) waitError(t *testing.T) error {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.errs) > 0 {
			err := c.errs[0]
			c.mu.Unlock()
			return err
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for stream error")
	return nil
}

func wsEndpoint(server *httptest.Server) string {
	return "ws://" + strings.TrimPrefix(server.URL, "http://")
}

func messageJSON(transcript string, isFinal, speechFinal bool) string {
	final := "false"
	if isFinal {
		final = "true"
	}
	speech := "false"
	if speechFinal {
		speech = "true"
	}
	return `{"type":"Results","is_final":` + final + `,"speech_final":` + speech +
		`,"start":1.0,"duration":0.5,"channel":{"alternatives":[{"transcript":"` +
		transcript + `","confidence":0.9}]}}`
}

func TestTranscribeEmitsPartialThenFinalSegments(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("failed to upgrade: %v", err)
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(messageJSON("turn on the", false, false)))
		conn.WriteMessage(websocket.TextMessage, []byte(messageJSON("turn on the lights", true, true)))
		conn.WriteMessage(websocket.TextMessage, []byte(messageJSON("and the", false, false)))
		// Holds the stream open until the client sends CloseStream.
		conn.ReadMessage()
		conn.Close()
	}))
	defer server.Close()

	collector := &segmentCollector{}
	client := NewTranscriptionClient("test-key", WithEndpoint(wsEndpoint(server)))
	err := client.Transcribe(context.Background(),
		asr.WithSegmentCallback(collector.onSegment),
		asr.WithErrorCallback(collector.onError),
	)
	if err != nil {
		t.Fatalf("unexpected transcribe error: %v", err)
	}
	defer client.Close(context.Background())

	segments := collector.waitSegments(t, 3)
	if segments[0].IsFinal {
		t.Fatalf("expected first segment to be partial")
	}
	if !segments[1].IsFinal {
		t.Fatalf("expected second segment to be final")
	}
	if segments[0].UtteranceID != segments[1].UtteranceID {
		t.Fatalf("partial and final of the same utterance must share an id")
	}
	if segments[2].UtteranceID == segments[1].UtteranceID {
		t.Fatalf("a new utterance must get a fresh id after speech final")
	}
	if segments[1].Start != time.Second || segments[1].End != 1500*time.Millisecond {
		t.Fatalf("unexpected segment offsets: %s-%s", segments[1].Start, segments[1].End)
	}
}

func TestTranscribeReconnectsOnceThenSurfacesUnavailable(t *testing.T) {
	var mu sync.Mutex
	var upgrades int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		upgrades++
		mu.Unlock()
		conn.Close()
	}))
	defer server.Close()

	collector := &segmentCollector{}
	client := NewTranscriptionClient("test-key", WithEndpoint(wsEndpoint(server)))
	err := client.Transcribe(context.Background(),
		asr.WithSegmentCallback(collector.onSegment),
		asr.WithErrorCallback(collector.onError),
	)
	if err != nil {
		t.Fatalf("unexpected transcribe error: %v", err)
	}

	streamErr := collector.waitError(t)
	if !errors.Is(streamErr, asr.ErrRecognitionUnavailable) {
		t.Fatalf("expected ErrRecognitionUnavailable, got %v", streamErr)
	}

	mu.Lock()
	defer mu.Unlock()
	if upgrades != 2 {
		t.Fatalf("expected exactly one reconnect attempt, saw %d connections", upgrades)
	}
}

func TestConvertEncodingRejectsUnsupportedRates(t *testing.T) {
	encoding := audio.GetDefaultEncodingInfo()
	encoding.SampleRate = 11025
	if _, err := convertEncoding(encoding); err == nil {
		t.Fatalf("expected error for unsupported sample rate")
	}
}
