package agentconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/stellavoice/voicecore/internal/llm"
)

// defaultPersona is used when the registry supplies no persona prompt for an
// agent.
const defaultPersona = "You are a calm, professional voice assistant. " +
	"You speak clearly and concisely, take action fast, and stay focused on " +
	"solving the caller's problem."

// AgentConfig is the per-agent configuration read once at session start.
// It is immutable for the lifetime of a session; registry changes only apply
// to sessions created afterwards.
type AgentConfig struct {
	AgentID string            `json:"agent_id"`
	Persona string            `json:"persona"`
	Model   string            `json:"model"`
	VoiceID string            `json:"voice_id"`
	Tools   []ToolDeclaration `json:"tools"`
}

// ToolDeclaration is one enabled tool with its declared argument schema.
type ToolDeclaration struct {
	Name        string                   `json:"name"`
	Description string                   `json:"description"`
	Parameters  map[string]llm.Parameter `json:"parameters"`
}

// DeclaredTools converts the registry declarations into the schema form
// handed to the model and the tool invoker.
func (c *AgentConfig) DeclaredTools() []llm.Tool {
	declared := make([]llm.Tool, 0, len(c.Tools))
	for _, tool := range c.Tools {
		declared = append(declared, llm.NewTool(tool.Name, tool.Description, tool.Parameters))
	}
	return declared
}

// SystemPrompt returns the persona prompt, falling back to the documented
// default when the registry left it empty.
func (c *AgentConfig) SystemPrompt() string {
	if c.Persona == "" {
		return defaultPersona
	}
	return c.Persona
}

// Client is the read-only agent registry boundary.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

func NewClient(endpoint, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Fetch reads the configuration for one agent.
func (c *Client) Fetch(ctx context.Context, agentID string) (*AgentConfig, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%s/agents/%s", c.endpoint, agentID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch agent config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("agent %s not found", agentID)
	}
	if resp.StatusCode != http.StatusOK {
		errorBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("registry returned %s: %s", resp.Status, string(errorBody))
	}

	var config AgentConfig
	if err := json.NewDecoder(resp.Body).Decode(&config); err != nil {
		return nil, fmt.Errorf("failed to decode agent config: %w", err)
	}
	if config.AgentID == "" {
		config.AgentID = agentID
	}

	return &config, nil
}
