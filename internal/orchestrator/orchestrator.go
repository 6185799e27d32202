// Package orchestrator aggregates tools across every enabled MCP server
// and dispatches invocations to the right one. Tool names are
// namespaced as <server>__<tool> so two servers can expose tools with
// the same local name; a batch of invocations runs concurrently and a
// single failing call never poisons the rest.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/agentdeck/agentdeck/internal/mcp"
	"github.com/agentdeck/agentdeck/internal/registry"
)

// Separator joins a server name and a tool name into a namespaced name.
const Separator = "__"

// JoinName builds the namespaced tool name for a server-local tool.
func JoinName(server, tool string) string {
	return server + Separator + tool
}

// SplitName splits a namespaced name back into server and tool. The
// split is on the first separator, so tool names containing the
// separator round-trip.
func SplitName(name string) (server, tool string, err error) {
	idx := strings.Index(name, Separator)
	if idx <= 0 || idx+len(Separator) >= len(name) {
		return "", "", fmt.Errorf("tool name %q is not namespaced: %w", name, mcp.ErrToolNotFound)
	}
	return name[:idx], name[idx+len(Separator):], nil
}

// ToolDescriptor is one tool in the aggregated catalogue.
type ToolDescriptor struct {
	// Name is the namespaced tool name.
	Name string `json:"name"`
	// Description is the server-provided description.
	Description string `json:"description"`
	// InputSchema is the JSON schema for the tool's arguments.
	InputSchema map[string]any `json:"inputSchema"`
	// ServerID identifies the server the tool lives on.
	ServerID string `json:"serverId"`
}

// Call is one tool invocation request.
type Call struct {
	// ID identifies the call in results; a fresh uuid is assigned when
	// empty.
	ID string
	// Name is the namespaced tool name.
	Name string
	// Arguments are the tool arguments.
	Arguments map[string]any
}

// Result is the outcome of one invocation: content on success, Err on
// failure, never both.
type Result struct {
	CallID  string
	Content []mcp.ContentBlock
	Err     error
}

// Orchestrator dispatches tool operations across the registry.
type Orchestrator struct {
	reg    *registry.Manager
	logger *slog.Logger
}

// New creates an orchestrator over the given registry.
func New(reg *registry.Manager, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{reg: reg, logger: logger.With("component", "orchestrator")}
}

// ListAvailableTools collects the tool catalogue from every enabled
// server, connecting on demand. A server that cannot be reached or
// refuses tools/list is logged and skipped; the remaining servers'
// tools are still returned. The catalogue is sorted by namespaced name.
func (o *Orchestrator) ListAvailableTools(ctx context.Context) ([]ToolDescriptor, error) {
	ids := o.reg.EnabledIDs()

	var mu sync.Mutex
	var out []ToolDescriptor

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			conn, err := o.reg.EnsureConnected(gctx, id)
			if err != nil {
				o.logger.Warn("skipping unreachable server", "server", id, "error", err)
				return nil
			}
			tools, err := conn.ListTools(gctx)
			if err != nil {
				o.logger.Warn("skipping server after tools/list failure", "server", id, "error", err)
				return nil
			}

			serverName := conn.Server().Name
			mu.Lock()
			for _, tool := range tools {
				out = append(out, ToolDescriptor{
					Name:        JoinName(serverName, tool.Name),
					Description: tool.Description,
					InputSchema: tool.InputSchema,
					ServerID:    id,
				})
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Invoke runs one tool call and returns its result entry. Dispatch
// failures (bad name, unknown server, unreachable server) land in
// Result.Err like any tool failure.
func (o *Orchestrator) Invoke(ctx context.Context, call Call) Result {
	if call.ID == "" {
		call.ID = uuid.NewString()
	}

	serverName, toolName, err := SplitName(call.Name)
	if err != nil {
		return Result{CallID: call.ID, Err: err}
	}

	conn, err := o.reg.FindByName(serverName)
	if err != nil {
		return Result{CallID: call.ID, Err: err}
	}

	conn, err = o.reg.EnsureConnected(ctx, conn.Server().ID)
	if err != nil {
		return Result{CallID: call.ID, Err: fmt.Errorf("connect %s: %w", serverName, err)}
	}

	res, err := conn.CallTool(ctx, toolName, call.Arguments)
	if err != nil {
		return Result{CallID: call.ID, Err: err}
	}
	return Result{CallID: call.ID, Content: res.Content}
}

// InvokeBatch runs every call concurrently. The returned slice matches
// the input in order and length regardless of how many calls fail; the
// batch itself never fails.
func (o *Orchestrator) InvokeBatch(ctx context.Context, calls []Call) []Result {
	results := make([]Result, len(calls))

	var g errgroup.Group
	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			results[i] = o.Invoke(ctx, call)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// FormatResults renders a result set to text, one block per entry in
// order. Failures render as "Error (<call id>): <message>".
func FormatResults(results []Result) string {
	blocks := make([]string, 0, len(results))
	for _, r := range results {
		if r.Err != nil {
			blocks = append(blocks, fmt.Sprintf("Error (%s): %s", r.CallID, r.Err))
			continue
		}
		blocks = append(blocks, mcp.RenderContent(r.Content))
	}
	return strings.Join(blocks, "\n\n")
}
