package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hyperengineering/outbox"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Server wraps the MCP server with outbox tools.
type Server struct {
	client    *outbox.Client
	mcpServer *server.MCPServer
	queued    *Session
	rejected  *Session
}

// ToolResult represents the result of a tool call.
type ToolResult struct {
	Content string
	IsError bool
}

// ToolInfo represents a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

var toolInfo = []ToolInfo{
	{Name: "outbox_status", Description: "Show queue statistics and connectivity for a tenant"},
	{Name: "outbox_pending", Description: "List mutations waiting to be delivered, oldest first"},
	{Name: "outbox_stuck", Description: "List mutations that exhausted their retries and are skipped by replay"},
	{Name: "outbox_rejected", Description: "List mutations the server refused"},
	{Name: "outbox_replay", Description: "Run a replay pass now"},
	{Name: "outbox_requeue", Description: "Reset a stuck mutation so replay tries it again"},
	{Name: "outbox_discard", Description: "Give up on a queued mutation, moving it to the rejected list"},
	{Name: "outbox_ack", Description: "Remove a rejected mutation once it has been dealt with"},
}

// NewServer creates a new MCP server with outbox tools registered.
func NewServer(client *outbox.Client) *Server {
	s := &Server{
		client:   client,
		queued:   NewSession(),
		rejected: NewRejectedSession(),
	}

	s.mcpServer = server.NewMCPServer(
		"outbox",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s.registerTools()

	return s
}

// Run serves MCP over stdin and stdout.
func (s *Server) Run() error {
	return server.ServeStdio(s.mcpServer)
}

// HandleMessage processes a raw JSON-RPC message and returns a response.
func (s *Server) HandleMessage(ctx context.Context, message json.RawMessage) mcp.JSONRPCMessage {
	return s.mcpServer.HandleMessage(ctx, message)
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []ToolInfo {
	out := make([]ToolInfo, len(toolInfo))
	copy(out, toolInfo)
	return out
}

// CallTool executes a tool by name with the given arguments.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	switch name {
	case "outbox_status":
		return s.handleStatus(ctx, args)
	case "outbox_pending":
		return s.handlePending(ctx, args)
	case "outbox_stuck":
		return s.handleStuck(ctx, args)
	case "outbox_rejected":
		return s.handleRejected(ctx, args)
	case "outbox_replay":
		return s.handleReplay(ctx, args)
	case "outbox_requeue":
		return s.handleRequeue(ctx, args)
	case "outbox_discard":
		return s.handleDiscard(ctx, args)
	case "outbox_ack":
		return s.handleAck(ctx, args)
	default:
		return &ToolResult{Content: fmt.Sprintf("unknown tool: %s", name), IsError: true}, nil
	}
}

func (s *Server) registerTools() {
	tenant := mcp.WithString("tenant",
		mcp.Description("Tenant to operate on (default: the active tenant)"),
	)

	for _, name := range []string{"outbox_status", "outbox_pending", "outbox_stuck", "outbox_rejected", "outbox_replay"} {
		s.mcpServer.AddTool(mcp.NewTool(name,
			mcp.WithDescription(describe(name)),
			tenant,
		), s.handler(name))
	}

	s.mcpServer.AddTool(mcp.NewTool("outbox_requeue",
		mcp.WithDescription(describe("outbox_requeue")+". Takes a session ref (M1, M2, ...) from outbox_pending or outbox_stuck, or a mutation id."),
		mcp.WithString("ref",
			mcp.Description("Session ref or mutation id"),
			mcp.Required(),
		),
		tenant,
	), s.handler("outbox_requeue"))

	s.mcpServer.AddTool(mcp.NewTool("outbox_discard",
		mcp.WithDescription(describe("outbox_discard")+". The write will never reach the server."),
		mcp.WithString("ref",
			mcp.Description("Session ref or mutation id"),
			mcp.Required(),
		),
		tenant,
	), s.handler("outbox_discard"))

	s.mcpServer.AddTool(mcp.NewTool("outbox_ack",
		mcp.WithDescription(describe("outbox_ack")+". Takes a session ref (R1, R2, ...) from outbox_rejected, or a rejected id."),
		mcp.WithString("ref",
			mcp.Description("Session ref or rejected id"),
			mcp.Required(),
		),
		tenant,
	), s.handler("outbox_ack"))
}

func describe(name string) string {
	for _, t := range toolInfo {
		if t.Name == name {
			return t.Description
		}
	}
	return ""
}

// handler adapts CallTool to the mcp-go handler signature.
func (s *Server) handler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := s.CallTool(ctx, name, req.GetArguments())
		if err != nil {
			return nil, err
		}
		return toMCPResult(result), nil
	}
}

func toMCPResult(r *ToolResult) *mcp.CallToolResult {
	if r.IsError {
		return mcp.NewToolResultError(r.Content)
	}
	return mcp.NewToolResultText(r.Content)
}

// scope returns ctx carrying the tenant argument, and the tenant in effect.
func (s *Server) scope(ctx context.Context, args map[string]any) (context.Context, string) {
	if t, ok := args["tenant"].(string); ok && t != "" {
		return outbox.WithTenant(ctx, t), t
	}
	return ctx, s.client.Tenant()
}

func failure(op string, err error) *ToolResult {
	return &ToolResult{Content: fmt.Sprintf("%s failed: %v", op, err), IsError: true}
}

func (s *Server) handleStatus(ctx context.Context, args map[string]any) (*ToolResult, error) {
	ctx, _ = s.scope(ctx, args)

	stats, err := s.client.Stats(ctx)
	if err != nil {
		return failure("status", err), nil
	}
	return &ToolResult{Content: formatStats(stats, s.client.Online())}, nil
}

func (s *Server) handlePending(ctx context.Context, args map[string]any) (*ToolResult, error) {
	ctx, tenant := s.scope(ctx, args)

	pending, err := s.client.PendingMutations(ctx)
	if err != nil {
		return failure("list pending", err), nil
	}
	return &ToolResult{Content: s.formatMutations(tenant, pending, "No mutations waiting.")}, nil
}

func (s *Server) handleStuck(ctx context.Context, args map[string]any) (*ToolResult, error) {
	ctx, tenant := s.scope(ctx, args)

	stuck, err := s.client.StuckMutations(ctx)
	if err != nil {
		return failure("list stuck", err), nil
	}
	return &ToolResult{Content: s.formatMutations(tenant, stuck, "No stuck mutations.")}, nil
}

func (s *Server) handleRejected(ctx context.Context, args map[string]any) (*ToolResult, error) {
	ctx, tenant := s.scope(ctx, args)

	rejected, err := s.client.RejectedMutations(ctx)
	if err != nil {
		return failure("list rejected", err), nil
	}
	if len(rejected) == 0 {
		return &ToolResult{Content: "No rejected mutations."}, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d rejected mutations:\n\n", len(rejected))
	for _, r := range rejected {
		ref := s.rejected.Track(tenant, r.ID)
		fmt.Fprintf(&sb, "[%s] %s %s (status %d)\n", ref, r.Method, r.Endpoint, r.StatusCode)
		fmt.Fprintf(&sb, "    %s\n", r.Error)
		fmt.Fprintf(&sb, "    Rejected: %s\n\n", r.RejectedAt.Format(time.RFC3339))
	}
	sb.WriteString("Use outbox_ack with a ref (R1, R2, ...) once a rejection is handled.")
	return &ToolResult{Content: sb.String()}, nil
}

func (s *Server) handleReplay(ctx context.Context, args map[string]any) (*ToolResult, error) {
	ctx, _ = s.scope(ctx, args)

	res, err := s.client.Replay(ctx)
	if err != nil {
		if errors.Is(err, outbox.ErrOffline) {
			return &ToolResult{Content: "replay unavailable: no server configured", IsError: true}, nil
		}
		return failure("replay", err), nil
	}
	return &ToolResult{Content: formatReplay(res)}, nil
}

func (s *Server) handleRequeue(ctx context.Context, args map[string]any) (*ToolResult, error) {
	ref, m, bad := s.resolve(s.queued, args)
	if bad != nil {
		return bad, nil
	}

	if err := s.client.RequeueMutation(outbox.WithTenant(ctx, m.Tenant), m.ID); err != nil {
		if errors.Is(err, outbox.ErrNotFound) {
			s.queued.Forget(ref)
		}
		return failure("requeue", err), nil
	}
	return &ToolResult{Content: fmt.Sprintf("Requeued %s; it will be retried on the next replay.", ref)}, nil
}

func (s *Server) handleDiscard(ctx context.Context, args map[string]any) (*ToolResult, error) {
	ref, m, bad := s.resolve(s.queued, args)
	if bad != nil {
		return bad, nil
	}

	r, err := s.client.DiscardMutation(outbox.WithTenant(ctx, m.Tenant), m.ID)
	if err != nil {
		if errors.Is(err, outbox.ErrNotFound) {
			s.queued.Forget(ref)
		}
		return failure("discard", err), nil
	}
	s.queued.Forget(ref)
	rref := s.rejected.Track(r.Tenant, r.ID)
	return &ToolResult{Content: fmt.Sprintf("Discarded %s %s %s; listed as %s in outbox_rejected.", ref, r.Method, r.Endpoint, rref)}, nil
}

func (s *Server) handleAck(ctx context.Context, args map[string]any) (*ToolResult, error) {
	ref, m, bad := s.resolve(s.rejected, args)
	if bad != nil {
		return bad, nil
	}

	if err := s.client.AckRejected(outbox.WithTenant(ctx, m.Tenant), m.ID); err != nil {
		return failure("ack", err), nil
	}
	s.rejected.Forget(ref)
	return &ToolResult{Content: fmt.Sprintf("Acknowledged %s.", ref)}, nil
}

// resolve reads the ref argument against session.
func (s *Server) resolve(session *Session, args map[string]any) (string, MutationRef, *ToolResult) {
	ref, _ := args["ref"].(string)
	if ref == "" {
		return "", MutationRef{}, &ToolResult{Content: "ref is required", IsError: true}
	}
	_, tenant := s.scope(context.Background(), args)
	m, ok := session.Resolve(ref, tenant)
	if !ok {
		return "", MutationRef{}, &ToolResult{Content: fmt.Sprintf("unknown ref: %s", ref), IsError: true}
	}
	return strings.ToUpper(strings.TrimSpace(ref)), m, nil
}

// Formatting functions

func (s *Server) formatMutations(tenant string, list []outbox.PendingMutation, empty string) string {
	if len(list) == 0 {
		return empty
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d mutations for %s:\n\n", len(list), tenant)
	for _, m := range list {
		ref := s.queued.Track(m.Tenant, m.ID)
		fmt.Fprintf(&sb, "[%s] %s %s (retries: %d)\n", ref, m.Method, m.Endpoint, m.Retries)
		fmt.Fprintf(&sb, "    Key: %s\n", m.IdempotencyKey)
		if m.LastError != "" {
			fmt.Fprintf(&sb, "    Last error: %s\n", truncate(m.LastError, 120))
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Use outbox_requeue or outbox_discard with a ref (M1, M2, ...).")
	return sb.String()
}

func formatStats(stats *outbox.StoreStats, online bool) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Tenant: %s\n", stats.Tenant)
	fmt.Fprintf(&sb, "  Online: %v\n", online)
	fmt.Fprintf(&sb, "  Pending mutations: %d\n", stats.PendingMutations)
	fmt.Fprintf(&sb, "  Stuck mutations: %d\n", stats.StuckMutations)
	fmt.Fprintf(&sb, "  Rejected mutations: %d\n", stats.RejectedMutations)
	fmt.Fprintf(&sb, "  Pending entities: %d\n", stats.PendingEntities)
	fmt.Fprintf(&sb, "  Conflict entities: %d\n", stats.ConflictEntities)
	if stats.OldestPending != nil {
		fmt.Fprintf(&sb, "  Oldest pending: %s\n", stats.OldestPending.Format(time.RFC3339))
	}
	if stats.LastReplay.IsZero() {
		sb.WriteString("  Last replay: never\n")
	} else {
		fmt.Fprintf(&sb, "  Last replay: %s\n", stats.LastReplay.Format(time.RFC3339))
	}
	return sb.String()
}

func formatReplay(res *outbox.ReplayResult) string {
	var sb strings.Builder
	sb.WriteString("Replay complete:\n")
	fmt.Fprintf(&sb, "  Delivered: %d\n", res.Success)
	fmt.Fprintf(&sb, "  Conflicts: %d\n", res.Conflicts)
	fmt.Fprintf(&sb, "  Failed: %d\n", res.Failed)
	fmt.Fprintf(&sb, "  Skipped: %d\n", res.Skipped)
	for _, r := range res.Rejected {
		fmt.Fprintf(&sb, "  Rejected: %s %s (status %d)\n", r.Method, r.Endpoint, r.StatusCode)
	}
	return sb.String()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
