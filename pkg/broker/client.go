package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/safeflowhq/safeflow/pkg/schema"
)

// ClientConfig describes how to reach a broker subprocess.
type ClientConfig struct {
	// Command launches the broker, e.g. "safeflow serve".
	Command string
	Args    []string
	Env     map[string]string
}

// Client drives a broker over stdio. It spawns the broker as a subprocess
// and speaks the line protocol through mcp-go.
type Client struct {
	cfg ClientConfig

	mu        sync.Mutex
	mcpClient *client.Client
	connected bool
}

// NewClient creates a disconnected client. Connect establishes the session.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("broker client: command is required")
	}
	return &Client{cfg: cfg}, nil
}

// Connect spawns the broker subprocess and performs the initialize
// handshake. Calling Connect on a connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	mcpClient, err := client.NewStdioMCPClient(c.cfg.Command, c.envList(), c.cfg.Args...)
	if err != nil {
		return fmt.Errorf("failed to create broker client: %w", err)
	}
	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("failed to start broker client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "safeflow",
		Version: ServerVersion,
	}
	initReq.Params.ProtocolVersion = ProtocolVersion

	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to initialize broker session: %w", err)
	}

	c.mcpClient = mcpClient
	c.connected = true
	return nil
}

// ListTools returns the broker's tool descriptors.
func (c *Client) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	mcpClient, err := c.session()
	if err != nil {
		return nil, err
	}

	resp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	tools := make([]ToolDescriptor, 0, len(resp.Tools))
	for _, t := range resp.Tools {
		inputSchema, err := json.Marshal(t.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("tool %s has unusable input schema: %w", t.Name, err)
		}
		tools = append(tools, ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: inputSchema,
		})
	}
	return tools, nil
}

// Scan invokes one tool and decodes the scan response from the result
// content.
func (c *Client) Scan(ctx context.Context, toolID string, args CallArguments) (*schema.ScanResponse, error) {
	mcpClient, err := c.session()
	if err != nil {
		return nil, err
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = toolID
	req.Params.Arguments = args

	resp, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("scan with %s failed: %w", toolID, err)
	}
	if resp.IsError {
		return nil, fmt.Errorf("scan with %s failed: %s", toolID, firstText(resp.Content))
	}

	text := firstText(resp.Content)
	if text == "" {
		return nil, fmt.Errorf("scan with %s returned no content", toolID)
	}
	var scan schema.ScanResponse
	if err := json.Unmarshal([]byte(text), &scan); err != nil {
		return nil, fmt.Errorf("scan with %s returned malformed response: %w", toolID, err)
	}
	return &scan, nil
}

// Result reads a retained scan response by id.
func (c *Client) Result(ctx context.Context, scanID string) (*schema.ScanResponse, error) {
	text, err := c.readResource(ctx, resultURIPrefix+scanID)
	if err != nil {
		return nil, err
	}
	var scan schema.ScanResponse
	if err := json.Unmarshal([]byte(text), &scan); err != nil {
		return nil, fmt.Errorf("scan result %s is malformed: %w", scanID, err)
	}
	return &scan, nil
}

// History reads the session's scan history feed.
func (c *Client) History(ctx context.Context) ([]HistoryEntry, error) {
	text, err := c.readResource(ctx, historyURI)
	if err != nil {
		return nil, err
	}
	var entries []HistoryEntry
	if err := json.Unmarshal([]byte(text), &entries); err != nil {
		return nil, fmt.Errorf("scan history is malformed: %w", err)
	}
	return entries, nil
}

// Close shuts the subprocess down.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}
	c.connected = false
	return c.mcpClient.Close()
}

func (c *Client) session() (*client.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, fmt.Errorf("broker client: not connected")
	}
	return c.mcpClient, nil
}

func (c *Client) readResource(ctx context.Context, uri string) (string, error) {
	mcpClient, err := c.session()
	if err != nil {
		return "", err
	}

	req := mcp.ReadResourceRequest{}
	req.Params.URI = uri

	resp, err := mcpClient.ReadResource(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", uri, err)
	}
	for _, content := range resp.Contents {
		if text, ok := content.(mcp.TextResourceContents); ok {
			return text.Text, nil
		}
	}
	return "", fmt.Errorf("resource %s has no text content", uri)
}

func (c *Client) envList() []string {
	env := make([]string, 0, len(c.cfg.Env))
	for k, v := range c.cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

func firstText(content []mcp.Content) string {
	for _, item := range content {
		if text, ok := item.(mcp.TextContent); ok {
			return text.Text
		}
	}
	return ""
}
