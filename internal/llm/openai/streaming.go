package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/jinzhu/copier"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/stellavoice/voicecore/internal/llm"
)

const (
	defaultEndpoint = "https://api.openai.com/v1/chat/completions"
	chunkPrefix     = "data:"
	endMessage      = "[DONE]"
)

// Client speaks the OpenAI-compatible chat completions protocol with server
// sent event streaming.
type Client struct {
	apiKey   string
	model    string
	endpoint string

	httpClient *http.Client
}

var _ llm.Client = (*Client)(nil)

type Option func(*Client)

// WithEndpoint overrides the completions URL, e.g. for a local or proxied
// deployment speaking the same protocol.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) {
		if endpoint != "" {
			c.endpoint = endpoint
		}
	}
}

func NewClient(apiKey, model string, opts ...Option) *Client {
	c := &Client{
		apiKey:   apiKey,
		model:    model,
		endpoint: defaultEndpoint,
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(operationName string, request *http.Request) string {
				return operationName + " " + request.URL.Path
			}),
		)},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Stream(_ context.Context, request llm.Request) llm.Stream {
	messages := toMessages(request.SystemPrompt, request.Messages)

	var tools []tool
	if request.Tools != nil {
		copier.Copy(&tools, request.Tools)
	}

	return &Stream{
		client:   c,
		tools:    tools,
		messages: messages,
	}
}

// Stream is a single in-flight model invocation.
type Stream struct {
	client *Client

	tools    []tool
	messages []message
}

type requestBody struct {
	Model      string    `json:"model"`
	Messages   []message `json:"messages"`
	Stream     bool      `json:"stream"`
	Tools      []tool    `json:"tools,omitempty"`
	ToolChoice *string   `json:"tool_choice,omitempty"`
}

type streamingResponseBody struct {
	Choices []struct {
		Delta struct {
			Content      string          `json:"content"`
			ToolCalls    []toolCallDelta `json:"tool_calls"`
			FinishReason *string         `json:"finish_reason"`
		} `json:"delta"`
	} `json:"choices"`
}

// toolCallDelta is one streamed fragment of a tool call. The id and name
// arrive with the first fragment; arguments may be spread over many, keyed by
// index.
type toolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

func (s *Stream) Chunks(ctx context.Context) func(func(llm.StreamChunk, error) bool) {
	return func(yield func(llm.StreamChunk, error) bool) {
		ctx, span := tracer.Start(ctx, "prompt llm stream")
		defer span.End()
		span.SetAttributes(attribute.String("request.model", s.client.model))
		var toolNames []string
		for _, tool := range s.tools {
			toolNames = append(toolNames, tool.Function.Name)
		}
		span.SetAttributes(attribute.StringSlice("request.available_tools", toolNames))

		var toolChoice *string
		if len(s.tools) > 0 {
			auto := "auto"
			toolChoice = &auto
		}

		reqBody := requestBody{
			Model:      s.client.model,
			Messages:   s.messages,
			Stream:     true,
			Tools:      s.tools,
			ToolChoice: toolChoice,
		}

		requestBodyBytes, err := json.Marshal(reqBody)
		if err != nil {
			err = fmt.Errorf("error marshalling JSON: %w", err)
			span.RecordError(err)
			yield(nil, err)
			return
		}

		req, err := http.NewRequestWithContext(ctx, "POST", s.client.endpoint, bytes.NewBuffer(requestBodyBytes))
		if err != nil {
			err = fmt.Errorf("error creating HTTP request: %w", err)
			span.RecordError(err)
			yield(nil, err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+s.client.apiKey)

		resp, err := s.client.httpClient.Do(req)
		if err != nil {
			err = fmt.Errorf("error sending request: %w", err)
			span.RecordError(err)
			yield(nil, err)
			return
		}
		defer resp.Body.Close()

		span.SetAttributes(attribute.Int("response.status_code", resp.StatusCode))
		if resp.StatusCode != http.StatusOK {
			if errorBody, readErr := io.ReadAll(resp.Body); readErr == nil {
				span.SetAttributes(attribute.String("response.error", string(errorBody)))
			}
			err := fmt.Errorf("non-OK HTTP status: %s", resp.Status)
			span.RecordError(err)
			yield(nil, err)
			return
		}

		pendingCalls := map[int]*llm.ToolCall{}
		var callOrder []int

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			chunk := strings.TrimSpace(strings.TrimPrefix(scanner.Text(), chunkPrefix))
			if len(chunk) == 0 {
				continue
			}
			if chunk == endMessage {
				break
			}

			var responseBody streamingResponseBody
			if err := json.Unmarshal([]byte(chunk), &responseBody); err != nil {
				err = fmt.Errorf("error unmarshalling JSON: %w", err)
				span.RecordError(err)
				if !yield(nil, err) {
					return
				}
				continue
			}

			if len(responseBody.Choices) == 0 {
				continue
			}
			delta := responseBody.Choices[0].Delta

			for _, fragment := range delta.ToolCalls {
				call, ok := pendingCalls[fragment.Index]
				if !ok {
					call = &llm.ToolCall{}
					pendingCalls[fragment.Index] = call
					callOrder = append(callOrder, fragment.Index)
				}
				if fragment.ID != "" {
					call.ID = fragment.ID
				}
				if fragment.Function.Name != "" {
					call.Name = fragment.Function.Name
				}
				call.Arguments += fragment.Function.Arguments
			}

			if delta.Content != "" {
				if !yield(streamContentChunk{
					finishReason: delta.FinishReason,
					content:      delta.Content,
				}, nil) {
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			err = fmt.Errorf("error reading stream: %w", err)
			span.RecordError(err)
			yield(nil, err)
			return
		}

		// Assembled tool calls are only complete once the stream ends.
		for _, index := range callOrder {
			if !yield(streamToolCallChunk{toolCall: *pendingCalls[index]}, nil) {
				return
			}
		}
	}
}

type streamContentChunk struct {
	finishReason *string
	content      string
}

func (c streamContentChunk) FinishReason() *string { return c.finishReason }
func (c streamContentChunk) Content() string       { return c.content }

type streamToolCallChunk struct {
	finishReason *string
	toolCall     llm.ToolCall
}

func (c streamToolCallChunk) FinishReason() *string { return c.finishReason }
func (c streamToolCallChunk) ToolCall() llm.ToolCall {
	return c.toolCall
}
