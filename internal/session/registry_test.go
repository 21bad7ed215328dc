package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stellavoice/voicecore/internal/vad"
)

func newRegistrySession(t *testing.T, registry *Registry, id string) *Session {
	t.Helper()
	s, err := NewSession(Params{
		ID:          id,
		VADConfig:   vad.Config{Threshold: 0.015, HangTime: 400 * time.Millisecond},
		Recognizer:  &fakeRecognizer{},
		Synthesizer: &fakeSynthesizer{auto: true},
		Model:       &scriptedModel{},
		OnClose:     func(sessionID string, _ error) { registry.Remove(sessionID) },
	})
	if err != nil {
		t.Fatalf("failed to build session: %v", err)
	}
	t.Cleanup(func() { s.Close(nil) })
	return s
}

func TestRegistryAddGetRemove(t *testing.T) {
	registry := NewRegistry(time.Minute, time.Second)
	s := newRegistrySession(t, registry, "session-1")

	if err := registry.Add(s); err != nil {
		t.Fatalf("failed to add session: %v", err)
	}
	if err := registry.Add(s); err == nil {
		t.Fatalf("expected duplicate id to be rejected")
	}

	got, ok := registry.Get("session-1")
	if !ok || got != s {
		t.Fatalf("expected to look the session up by id")
	}
	if registry.Len() != 1 {
		t.Fatalf("expected one registered session, got %d", registry.Len())
	}

	registry.Remove("session-1")
	if _, ok := registry.Get("session-1"); ok {
		t.Fatalf("expected session to be gone after remove")
	}
}

func TestRegistryForcedCloseRemovesSession(t *testing.T) {
	registry := NewRegistry(time.Minute, time.Second)
	s := newRegistrySession(t, registry, "session-1")
	if err := registry.Add(s); err != nil {
		t.Fatalf("failed to add session: %v", err)
	}

	reason := errors.New("operator kill")
	if !registry.Close("session-1", reason) {
		t.Fatalf("expected forced close to find the session")
	}
	if registry.Close("missing", reason) {
		t.Fatalf("expected forced close of unknown id to report false")
	}

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected forced close to shut the session down")
	}
	if !errors.Is(s.CloseReason(), reason) {
		t.Fatalf("unexpected close reason: %v", s.CloseReason())
	}
	if _, ok := registry.Get("session-1"); ok {
		t.Fatalf("expected the close callback to remove the session")
	}
}

func TestRegistryReapsIdleSessions(t *testing.T) {
	registry := NewRegistry(30*time.Millisecond, 10*time.Millisecond)
	s := newRegistrySession(t, registry, "session-1")
	if err := registry.Add(s); err != nil {
		t.Fatalf("failed to add session: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	registry.Start(ctx)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected the reaper to close the idle session")
	}
	if !errors.Is(s.CloseReason(), ErrIdleTimeout) {
		t.Fatalf("expected idle timeout close reason, got %v", s.CloseReason())
	}
	waitUntil(t, func() bool { return registry.Len() == 0 }, "registry to forget the reaped session")
}
