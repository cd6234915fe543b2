package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rmax-ai/cadence/pkg/client"
)

// Server adapts cadenced to the Model Context Protocol.
type Server struct {
	mcpServer *server.MCPServer
	apiClient *client.Client
}

// NewServer creates a new MCP server instance talking to the daemon at apiURL.
func NewServer(apiURL string, opts ...client.Option) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"cadence",
			"1.0.0",
		),
		apiClient: client.NewClient(apiURL, opts...),
	}
	s.registerResources()
	s.registerTools()
	s.registerPrompts()
	return s
}

// Serve starts the MCP server on stdio.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcpServer)
}

// --- Resources ---

func (s *Server) registerResources() {
	s.mcpServer.AddResource(mcp.NewResource(
		"cadence://limits",
		"Provider Limits",
		mcp.WithResourceDescription("Quota usage, cooldowns and permissions per provider"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadLimits)

	s.mcpServer.AddResource(mcp.NewResource(
		"cadence://schedule",
		"Opportunity Schedule",
		mcp.WithResourceDescription("The latest ranked list of posting opportunities"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadSchedule)
}

// --- Tools ---

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool(
		"should_act_now",
		mcp.WithDescription("Ask whether there is an opportunity worth acting on right now."),
	), s.handleShouldActNow)

	s.mcpServer.AddTool(mcp.NewTool(
		"can_perform",
		mcp.WithDescription("Check whether an action is allowed by the quota gate. Returns Allowed/Denied."),
		mcp.WithString("action", mcp.Required(), mcp.Description("One of post, reply, generate, fetch_news, fetch_image, read_social")),
	), s.handleCanPerform)

	s.mcpServer.AddTool(mcp.NewTool(
		"report_usage",
		mcp.WithDescription("Record consumed units against a provider window."),
		mcp.WithString("provider", mcp.Required(), mcp.Description("Provider id (e.g., 'social', 'openai')")),
		mcp.WithString("window", mcp.Description("Window kind: daily, monthly or short (default daily)")),
		mcp.WithNumber("count", mcp.Description("Units consumed (default 1)")),
	), s.handleReportUsage)
}

// --- Prompts ---

func (s *Server) registerPrompts() {
	s.mcpServer.AddPrompt(mcp.NewPrompt(
		"cadence-aware",
		mcp.WithPromptDescription("Explains cadence concepts (providers, windows, opportunities)"),
	), s.handleGetPrompt)
}

// --- Handlers ---

func (s *Server) handleReadLimits(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	limits, err := s.apiClient.Limits(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch limits: %w", err)
	}
	return jsonResource(request.Params.URI, limits)
}

func (s *Server) handleReadSchedule(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	schedule, err := s.apiClient.Schedule(ctx, true)
	if err != nil {
		// nothing analysed yet
		var se *client.StatusError
		if !errors.As(err, &se) || se.Code != http.StatusNotFound {
			return nil, fmt.Errorf("failed to fetch schedule: %w", err)
		}
		if schedule, err = s.apiClient.Schedule(ctx, false); err != nil {
			return nil, fmt.Errorf("failed to fetch schedule: %w", err)
		}
	}
	return jsonResource(request.Params.URI, schedule)
}

func (s *Server) handleShouldActNow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := s.apiClient.ShouldActNow(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}

	verdict := "WAIT"
	if res.Act {
		verdict = "ACT"
	}
	msg := fmt.Sprintf("Decision: %s\nReason: %s\nUrgency: %.2f\nRecommended actions: %d",
		verdict, res.Reason, res.Urgency, res.RecommendedCount)
	return mcp.NewToolResultText(msg), nil
}

func (s *Server) handleCanPerform(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action := mcp.ParseString(request, "action", "")
	if action == "" {
		return mcp.NewToolResultError("action is required"), nil
	}

	d, err := s.apiClient.CanPerform(ctx, action)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}

	status := "Denied"
	if d.Allowed {
		status = "Allowed"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Decision: %s\nReason: %s", status, d.Reason)
	if d.RetryAfter != nil {
		fmt.Fprintf(&b, "\nRetry after: %s", d.RetryAfter.Round(time.Second))
	}
	for _, w := range d.Warnings {
		fmt.Fprintf(&b, "\nWarning: %s", w)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleReportUsage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	provider := mcp.ParseString(request, "provider", "")
	window := mcp.ParseString(request, "window", "daily")
	count := mcp.ParseInt(request, "count", 1)

	u, err := s.apiClient.ReportUsage(ctx, provider, window, count)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}

	msg := fmt.Sprintf("Recorded %d on %s/%s\nUsed: %d\nRemaining: %d", count, u.Provider, u.Window, u.Used, u.Remaining)
	return mcp.NewToolResultText(msg), nil
}

func (s *Server) handleGetPrompt(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	name := request.Params.Name
	if name != "cadence-aware" {
		return nil, fmt.Errorf("prompt not found: %s", name)
	}

	promptText := `You are working with cadence, a quota-aware posting scheduler.

Concepts:
- Provider: an upstream API with its own quota (e.g., 'social', 'newsapi', 'openai').
- Window: a quota period. fixed-daily and fixed-monthly reset on calendar boundaries, rolling-short is a short sliding period.
- Action: post, reply, generate, fetch_news, fetch_image or read_social. Each action is bound to provider windows.
- Opportunity: a moment worth acting on (breaking news, trending topic, engagement surge, quiet competitors, peak hour).

Before posting or generating, call 'should_act_now' and 'can_perform'.
If an action is DENIED, respect the decision and wait for the retry time.
After performing an action, call 'report_usage' so quotas stay accurate.
`

	return mcp.NewGetPromptResult(
		"cadence-aware",
		[]mcp.PromptMessage{
			mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(promptText)),
		},
	), nil
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
