package llm

import "context"

// Client is the conversation language model boundary. One implementation per
// provider, selected once at session construction.
type Client interface {
	// Stream starts a model invocation and returns the streamed response.
	Stream(ctx context.Context, request Request) Stream
}

// Stream yields response chunks in generation order.
type Stream interface {
	Chunks(context.Context) func(func(StreamChunk, error) bool)
}

// StreamChunk is one streamed fragment of a model response.
type StreamChunk interface {
	FinishReason() *string
}

// StreamContentChunk carries a fragment of reply text.
type StreamContentChunk interface {
	StreamChunk
	Content() string
}

// StreamToolCallChunk carries a structured tool-call request.
type StreamToolCallChunk interface {
	StreamChunk
	ToolCall() ToolCall
}
