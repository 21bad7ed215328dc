package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/stellavoice/voicecore/internal/llm"
	"github.com/stellavoice/voicecore/internal/metrics"
	"github.com/stellavoice/voicecore/internal/tools"
)

// ErrToolLoopExceeded means the model kept chaining tool calls past the
// configured limit. The orchestrator forces a direct textual reply instead of
// executing further calls.
var ErrToolLoopExceeded = errors.New("tool call chain limit exceeded")

const (
	// cannedApology is spoken when the model fails past its single retry.
	cannedApology = "I'm sorry, I'm having trouble responding right now. " +
		"Could you give me a moment and try again?"
	// repeatPrompt is spoken when recognition becomes unavailable mid-utterance.
	repeatPrompt = "I'm sorry, I didn't catch that. Could you say it again?"
)

// ToolExecutor is the tool invoker boundary the orchestrator drives.
type ToolExecutor interface {
	// Execute validates and runs one tool call. The ordinal feeds the
	// idempotency token and must advance for every new call.
	Execute(ctx context.Context, sessionID string, ordinal int, call llm.ToolCall) (tools.Result, error)
	// Declared returns the schemas of the tools enabled for this session.
	Declared() []llm.Tool
}

// Orchestrator owns one session's conversation: it feeds the model the
// bounded history window, runs requested tool calls, and produces the next
// spoken reply. Exactly one cycle runs at a time; the session loop enforces
// that by calling RunCycle serially.
type Orchestrator struct {
	sessionID    string
	model        llm.Client
	toolExecutor ToolExecutor
	transcript   *Transcript

	systemPrompt string
	historyLimit int
	maxToolChain int
	retryBackoff time.Duration

	// history is the window handed to the model, distinct from the durable
	// transcript: it is trimmed, the transcript never is.
	history []llm.Message
	ordinal int
}

type OrchestratorConfig struct {
	SessionID    string
	SystemPrompt string
	HistoryLimit int
	MaxToolChain int
	RetryBackoff time.Duration
}

func NewOrchestrator(model llm.Client, toolExecutor ToolExecutor, transcript *Transcript, config OrchestratorConfig) *Orchestrator {
	if config.HistoryLimit < 1 {
		config.HistoryLimit = 20
	}
	if config.MaxToolChain < 1 {
		config.MaxToolChain = 5
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 500 * time.Millisecond
	}

	return &Orchestrator{
		sessionID:    config.SessionID,
		model:        model,
		toolExecutor: toolExecutor,
		transcript:   transcript,
		systemPrompt: config.SystemPrompt,
		historyLimit: config.HistoryLimit,
		maxToolChain: config.MaxToolChain,
		retryBackoff: config.RetryBackoff,
	}
}

// RunCycle processes one finished user utterance and returns the reply text
// to synthesize. Recoverable failures (tool errors, model failure past retry)
// resolve to a spoken reply; RunCycle only errors when the context is gone.
func (o *Orchestrator) RunCycle(ctx context.Context, userText string) (string, error) {
	ctx, span := tracer.Start(ctx, "orchestration cycle")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", o.sessionID))

	metrics.OrchestrationCycles.Inc()
	started := time.Now()
	defer func() { metrics.CycleDuration.Observe(time.Since(started).Seconds()) }()

	o.transcript.Append(newTurn(SpeakerUser, userText))
	o.history = append(o.history, llm.Message{Role: llm.RoleUser, Content: userText})

	var declaredTools []llm.Tool
	if o.toolExecutor != nil {
		declaredTools = o.toolExecutor.Declared()
	}

	for chain := 0; ; chain++ {
		if chain >= o.maxToolChain {
			span.RecordError(ErrToolLoopExceeded)
			span.SetStatus(codes.Error, ErrToolLoopExceeded.Error())
			logger.WarnContext(ctx, "forcing direct reply", "error", ErrToolLoopExceeded, "session_id", o.sessionID)
			return o.forcedReply(ctx)
		}

		response, err := o.generateWithRetry(ctx, declaredTools)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.ErrorContext(ctx, "model failed past retry, apologizing", "error", err, "session_id", o.sessionID)
			return o.reply(cannedApology), nil
		}

		if len(response.ToolCalls) == 0 {
			return o.reply(response.Content), nil
		}

		o.history = append(o.history, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   response.Content,
			ToolCalls: response.ToolCalls,
		})
		for _, call := range response.ToolCalls {
			o.runTool(ctx, call)
		}
		o.trimHistory()
	}
}

// forcedReply asks the model for a plain textual answer with no tools on
// offer, ending a runaway tool chain.
func (o *Orchestrator) forcedReply(ctx context.Context) (string, error) {
	response, err := o.generateWithRetry(ctx, nil)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return o.reply(cannedApology), nil
	}
	return o.reply(response.Content), nil
}

// reply records the agent turn and hands the text back for synthesis.
func (o *Orchestrator) reply(content string) string {
	o.transcript.Append(newTurn(SpeakerAgent, content))
	o.history = append(o.history, llm.Message{Role: llm.RoleAssistant, Content: content})
	o.trimHistory()
	return content
}

// runTool executes one requested call and feeds the outcome back to the
// model, whether it succeeded, failed validation, or timed out. Tool failures
// are conversation content, not session errors.
func (o *Orchestrator) runTool(ctx context.Context, call llm.ToolCall) {
	o.ordinal++
	result, err := o.toolExecutor.Execute(ctx, o.sessionID, o.ordinal, call)

	payload := result.Payload
	if payload == "" && err != nil {
		payload = err.Error()
	}
	if err != nil {
		logger.WarnContext(ctx, "tool call did not succeed",
			"tool", call.Name, "status", string(result.Status), "error", err, "session_id", o.sessionID)
	}
	metrics.ToolCalls.WithLabelValues(string(result.Status)).Inc()

	turn := newTurn(SpeakerTool, payload)
	turn.ToolCall = &ToolRecord{
		Name:      call.Name,
		Arguments: call.Arguments,
		Status:    result.Status,
		Result:    payload,
	}
	o.transcript.Append(turn)

	o.history = append(o.history, llm.Message{
		Role:       llm.RoleTool,
		Content:    payload,
		ToolCallID: call.ID,
	})
}

func (o *Orchestrator) generateWithRetry(ctx context.Context, declaredTools []llm.Tool) (*llm.Response, error) {
	response, err := o.generate(ctx, declaredTools)
	if err == nil || ctx.Err() != nil {
		return response, err
	}

	logger.WarnContext(ctx, "model call failed, retrying once", "error", err, "session_id", o.sessionID)
	select {
	case <-time.After(o.retryBackoff):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return o.generate(ctx, declaredTools)
}

func (o *Orchestrator) generate(ctx context.Context, declaredTools []llm.Tool) (*llm.Response, error) {
	stream := o.model.Stream(ctx, llm.Request{
		SystemPrompt: o.systemPrompt,
		Messages:     append([]llm.Message(nil), o.history...),
		Tools:        declaredTools,
	})

	var message strings.Builder
	var toolCalls []llm.ToolCall
	for chunk, err := range stream.Chunks(ctx) {
		if err != nil {
			return nil, fmt.Errorf("failed to stream model response: %w", err)
		}

		switch chunk := chunk.(type) {
		case llm.StreamContentChunk:
			message.WriteString(chunk.Content())
		case llm.StreamToolCallChunk:
			toolCalls = append(toolCalls, chunk.ToolCall())
		}
	}

	return &llm.Response{Content: message.String(), ToolCalls: toolCalls}, nil
}

// trimHistory bounds the window handed to the model. A tool message must not
// lead the window without the assistant message that requested it.
func (o *Orchestrator) trimHistory() {
	if len(o.history) <= o.historyLimit {
		return
	}
	trimmed := o.history[len(o.history)-o.historyLimit:]
	for len(trimmed) > 0 && trimmed[0].Role == llm.RoleTool {
		trimmed = trimmed[1:]
	}
	o.history = append([]llm.Message(nil), trimmed...)
}
