package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/stellavoice/voicecore/internal/llm"
)

var (
	// ErrRequestInvalid means the model asked for an unknown tool or sent
	// arguments that fail the declared schema. The call is never forwarded to
	// the gateway; the orchestrator reports it back to the model instead.
	ErrRequestInvalid = errors.New("tool request invalid")
	// ErrTimedOut means the gateway did not answer within the per-call
	// timeout. The invoker does not retry on its own.
	ErrTimedOut = errors.New("tool call timed out")
)

// Status tracks the lifecycle of one tool call. Immutable once resolved.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Result is the resolved outcome of one tool call.
type Result struct {
	Status Status
	// Payload is the gateway's result document on success, or its error
	// description on failure.
	Payload string
}

// idempotencyNamespace scopes derived tokens to this pipeline.
var idempotencyNamespace = uuid.MustParse("7c9e6679-7425-40de-944b-e07fc1f90ae7")

// IdempotencyToken derives the token for a tool call from the session id and
// the call's ordinal within that session. A gateway retry for the same ordinal
// reuses the token, so side effects execute at most once.
func IdempotencyToken(sessionID string, ordinal int) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(fmt.Sprintf("%s:%d", sessionID, ordinal))).String()
}

// Invoker validates tool-call requests against declared schemas and executes
// them against the tool/action gateway with a bounded timeout.
type Invoker struct {
	declared map[string]llm.Tool

	endpoint   string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
}

// NewInvoker builds an invoker for one session's enabled tools.
func NewInvoker(declared []llm.Tool, endpoint, apiKey string, timeout time.Duration) *Invoker {
	byName := make(map[string]llm.Tool, len(declared))
	for _, tool := range declared {
		byName[tool.Function.Name] = tool
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Invoker{
		declared: byName,
		endpoint: endpoint,
		apiKey:   apiKey,
		timeout:  timeout,
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(operationName string, request *http.Request) string {
				return operationName + " " + request.URL.Path
			}),
		)},
	}
}

type gatewayRequest struct {
	Tool             string          `json:"tool"`
	Arguments        json.RawMessage `json:"arguments"`
	IdempotencyToken string          `json:"idempotency_token"`
}

type gatewayResponse struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Execute validates and runs one tool call. sessionID and ordinal feed the
// idempotency token; the ordinal must advance for every new call in the
// session so that only genuine retries share a token.
func (i *Invoker) Execute(ctx context.Context, sessionID string, ordinal int, call llm.ToolCall) (Result, error) {
	ctx, span := tracer.Start(ctx, "execute tool")
	defer span.End()
	span.SetAttributes(attribute.String("tool.name", call.Name))

	declared, ok := i.declared[call.Name]
	if !ok {
		err := fmt.Errorf("%w: unknown tool %q", ErrRequestInvalid, call.Name)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{Status: StatusFailed, Payload: err.Error()}, err
	}

	arguments := call.Arguments
	if arguments == "" {
		arguments = "{}"
	}
	if err := validateArguments(declared.Function.Parameters, arguments); err != nil {
		err = fmt.Errorf("%w: %s", ErrRequestInvalid, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{Status: StatusFailed, Payload: err.Error()}, err
	}

	token := IdempotencyToken(sessionID, ordinal)
	span.SetAttributes(attribute.String("tool.idempotency_token", token))

	body, err := json.Marshal(gatewayRequest{
		Tool:             call.Name,
		Arguments:        json.RawMessage(arguments),
		IdempotencyToken: token,
	})
	if err != nil {
		return Result{Status: StatusFailed, Payload: err.Error()}, fmt.Errorf("failed to marshal gateway request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "POST", i.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{Status: StatusFailed, Payload: err.Error()}, fmt.Errorf("failed to create gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if i.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+i.apiKey)
	}

	resp, err := i.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			timedOut := fmt.Errorf("%w: %s after %s", ErrTimedOut, call.Name, i.timeout)
			span.RecordError(timedOut)
			span.SetStatus(codes.Error, timedOut.Error())
			return Result{Status: StatusTimedOut, Payload: timedOut.Error()}, timedOut
		}
		err = fmt.Errorf("gateway request failed: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{Status: StatusFailed, Payload: err.Error()}, err
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("response.status_code", resp.StatusCode))
	if resp.StatusCode != http.StatusOK {
		errorBody, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("gateway returned %s: %s", resp.Status, string(errorBody))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{Status: StatusFailed, Payload: err.Error()}, err
	}

	var parsed gatewayResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		err = fmt.Errorf("failed to decode gateway response: %w", err)
		span.RecordError(err)
		return Result{Status: StatusFailed, Payload: err.Error()}, err
	}

	if parsed.Status != "ok" && parsed.Status != "succeeded" {
		logger.WarnContext(ctx, "tool call failed at gateway", "tool", call.Name, "error", parsed.Error)
		return Result{Status: StatusFailed, Payload: parsed.Error}, nil
	}

	return Result{Status: StatusSucceeded, Payload: string(parsed.Result)}, nil
}

// Declared returns the declared tool list, in schema form, for model calls.
func (i *Invoker) Declared() []llm.Tool {
	declared := make([]llm.Tool, 0, len(i.declared))
	for _, tool := range i.declared {
		declared = append(declared, tool)
	}
	return declared
}
