package openai

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stellavoice/voicecore/internal/llm"
)

func sseServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing authorization header")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			w.Write([]byte("data: " + line + "\n\n"))
		}
		w.Write([]byte("data: [DONE]\n\n"))
	}))
}

func collect(t *testing.T, stream llm.Stream) (string, []llm.ToolCall) {
	t.Helper()
	var content string
	var toolCalls []llm.ToolCall
	for chunk, err := range stream.Chunks(context.Background()) {
		if err != nil {
			t.Fatalf("unexpected stream error: %v", err)
		}
		switch c := chunk.(type) {
		case llm.StreamContentChunk:
			content += c.Content()
		case llm.StreamToolCallChunk:
			toolCalls = append(toolCalls, c.ToolCall())
		}
	}
	return content, toolCalls
}

func TestStreamYieldsContentChunksInOrder(t *testing.T) {
	server := sseServer(t, []string{
		`{"choices":[{"delta":{"content":"Hello"}}]}`,
		`{"choices":[{"delta":{"content":" there."}}]}`,
	})
	defer server.Close()

	client := NewClient("test-key", "test-model", WithEndpoint(server.URL))
	content, toolCalls := collect(t, client.Stream(context.Background(), llm.Request{
		SystemPrompt: "persona",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	}))

	if content != "Hello there." {
		t.Fatalf("expected streamed content, got %q", content)
	}
	if len(toolCalls) != 0 {
		t.Fatalf("expected no tool calls, got %d", len(toolCalls))
	}
}

func TestStreamYieldsToolCallChunk(t *testing.T) {
	server := sseServer(t, []string{
		`{"choices":[{"delta":{"tool_calls":[{"id":"call-1","type":"function","function":{"name":"lights_on","arguments":"{}"}}]}}]}`,
	})
	defer server.Close()

	client := NewClient("test-key", "test-model", WithEndpoint(server.URL))
	_, toolCalls := collect(t, client.Stream(context.Background(), llm.Request{
		Tools: []llm.Tool{llm.NewTool("lights_on", "Turn on the lights", nil)},
	}))

	if len(toolCalls) != 1 {
		t.Fatalf("expected one tool call, got %d", len(toolCalls))
	}
	if toolCalls[0].Name != "lights_on" {
		t.Fatalf("expected lights_on tool call, got %q", toolCalls[0].Name)
	}
}

func TestStreamAssemblesFragmentedToolCallArguments(t *testing.T) {
	server := sseServer(t, []string{
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call-1","type":"function","function":{"name":"lights_on","arguments":""}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"room\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"kitchen\"}"}},{"index":1,"id":"call-2","type":"function","function":{"name":"lights_off","arguments":"{}"}}]}}]}`,
	})
	defer server.Close()

	client := NewClient("test-key", "test-model", WithEndpoint(server.URL))
	_, toolCalls := collect(t, client.Stream(context.Background(), llm.Request{
		Tools: []llm.Tool{llm.NewTool("lights_on", "Turn on the lights", nil)},
	}))

	if len(toolCalls) != 2 {
		t.Fatalf("expected two assembled tool calls, got %d", len(toolCalls))
	}
	if toolCalls[0].ID != "call-1" || toolCalls[0].Name != "lights_on" {
		t.Fatalf("unexpected first call: %+v", toolCalls[0])
	}
	if toolCalls[0].Arguments != `{"room":"kitchen"}` {
		t.Fatalf("fragmented arguments were not assembled, got %q", toolCalls[0].Arguments)
	}
	if toolCalls[1].Name != "lights_off" || toolCalls[1].Arguments != "{}" {
		t.Fatalf("unexpected second call: %+v", toolCalls[1])
	}
}

func TestStreamSurfacesHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient("test-key", "test-model", WithEndpoint(server.URL))
	stream := client.Stream(context.Background(), llm.Request{})

	var sawErr error
	for _, err := range stream.Chunks(context.Background()) {
		if err != nil {
			sawErr = err
			break
		}
	}
	if sawErr == nil {
		t.Fatalf("expected error for non-OK status")
	}
}
