// Agentdeck is the client core of a multi-server agent workbench.
//
// It connects to remote MCP tool servers over WebSocket, SSE, or
// streamable HTTP, aggregates their tools under namespaced names, and
// drives an OpenAI-style chat-completions backend that can call those
// tools. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]); the server list
// itself lives in a JSON store shared with other MCP clients.
//
// Usage:
//
//	agentdeck servers                      List configured servers
//	agentdeck servers add <name> <url>     Add a server
//	agentdeck servers remove <name>        Remove a server
//	agentdeck tools                        List tools across active servers
//	agentdeck call <server__tool> [json]   Invoke one tool
//	agentdeck ask <question>               Ask the model, tools enabled
//	agentdeck version                      Print version information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/agentdeck/agentdeck/internal/buildinfo"
	"github.com/agentdeck/agentdeck/internal/chat"
	"github.com/agentdeck/agentdeck/internal/config"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/mcp"
	"github.com/agentdeck/agentdeck/internal/orchestrator"
	"github.com/agentdeck/agentdeck/internal/registry"
	"github.com/agentdeck/agentdeck/internal/serverstore"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run], keeping
// os.Exit and os.Args out of the application logic so the whole command
// surface can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package relies on package-level globals, which gets in the way of
// calling run concurrently from tests, and the flag surface is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "version":
		return runVersion(stdout, outputFmt)
	case "servers":
		return runServers(ctx, stdout, configPath, cmdArgs)
	case "tools":
		return runTools(ctx, stdout, stderr, configPath, outputFmt)
	case "call":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: agentdeck call <server__tool> [arguments-json]")
		}
		return runCall(ctx, stdout, stderr, configPath, cmdArgs)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: agentdeck ask <question>")
		}
		return runAsk(ctx, stdout, stderr, configPath, strings.Join(cmdArgs, " "))
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// printUsage writes the top-level help text.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Agentdeck - multi-server agent workbench")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: agentdeck [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  servers                    List configured MCP servers")
	fmt.Fprintln(w, "  servers add <name> <url>   Add a server (flags: -type websocket|sse|streamable-http)")
	fmt.Fprintln(w, "  servers remove <name>      Remove a server")
	fmt.Fprintln(w, "  tools                      List tools across all active servers")
	fmt.Fprintln(w, "  call <server__tool> [json] Invoke one tool with JSON arguments")
	fmt.Fprintln(w, "  ask <question>             Ask the model with tools enabled")
	fmt.Fprintln(w, "  version                    Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	return nil
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// runServers handles the "servers" subcommand and its add/remove/
// activate/deactivate verbs against the persisted store.
func runServers(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	cfg := loadConfigOrDefault(configPath)

	store, err := serverstore.Load(cfg.ServersFile)
	if err != nil {
		return err
	}

	if len(args) == 0 {
		if len(store.Servers) == 0 {
			fmt.Fprintln(stdout, "no servers configured")
			return nil
		}
		for _, desc := range store.Descriptors() {
			kind := string(desc.Kind)
			if kind == "" {
				kind = string(mcp.TransportStreamableHTTP)
			}
			active := " "
			if store.IsActive(desc.Name) {
				active = "*"
			}
			fmt.Fprintf(stdout, "%s %-20s %-16s %s\n", active, desc.Name, kind, desc.URL)
		}
		return nil
	}

	switch args[0] {
	case "add":
		rest := args[1:]
		var kind string
		var pos []string
		for i := 0; i < len(rest); i++ {
			switch {
			case rest[i] == "-type" && i+1 < len(rest):
				kind = rest[i+1]
				i++
			case strings.HasPrefix(rest[i], "-type="):
				kind = strings.TrimPrefix(rest[i], "-type=")
			default:
				pos = append(pos, rest[i])
			}
		}
		if len(pos) != 2 {
			return fmt.Errorf("usage: agentdeck servers add <name> <url> [-type websocket|sse|streamable-http]")
		}
		name, url := pos[0], pos[1]
		if strings.Contains(name, orchestrator.Separator) {
			return fmt.Errorf("server name %q may not contain %q", name, orchestrator.Separator)
		}
		store.Servers[name] = serverstore.Entry{Type: kind, URL: url}
		store.SetActive(name, true)
		if err := store.Save(cfg.ServersFile); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "added %s (%s)\n", name, url)
		return nil

	case "remove":
		if len(args) != 2 {
			return fmt.Errorf("usage: agentdeck servers remove <name>")
		}
		if !store.Remove(args[1]) {
			return fmt.Errorf("server %q: %w", args[1], mcp.ErrServerNotFound)
		}
		if err := store.Save(cfg.ServersFile); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "removed %s\n", args[1])
		return nil

	case "activate", "deactivate":
		if len(args) != 2 {
			return fmt.Errorf("usage: agentdeck servers %s <name>", args[0])
		}
		if _, ok := store.Servers[args[1]]; !ok {
			return fmt.Errorf("server %q: %w", args[1], mcp.ErrServerNotFound)
		}
		store.SetActive(args[1], args[0] == "activate")
		if err := store.Save(cfg.ServersFile); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%sd %s\n", args[0], args[1])
		return nil

	default:
		return fmt.Errorf("unknown servers verb: %s", args[0])
	}
}

// runTools lists the aggregated tool catalogue across active servers.
func runTools(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, outputFmt string) error {
	cfg := loadConfigOrDefault(configPath)
	logger := newLogger(stderr, logLevel(cfg))

	reg, shutdown, err := buildRegistry(cfg, logger)
	if err != nil {
		return err
	}
	defer shutdown()

	orch := orchestrator.New(reg, logger)

	listCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	tools, err := orch.ListAvailableTools(listCtx)
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(tools)
	}
	if len(tools) == 0 {
		fmt.Fprintln(stdout, "no tools available")
		return nil
	}
	for _, tool := range tools {
		fmt.Fprintf(stdout, "%-40s %s\n", tool.Name, tool.Description)
	}
	return nil
}

// runCall invokes a single namespaced tool.
func runCall(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, args []string) error {
	cfg := loadConfigOrDefault(configPath)
	logger := newLogger(stderr, logLevel(cfg))

	var toolArgs map[string]any
	if len(args) > 1 {
		if err := json.Unmarshal([]byte(args[1]), &toolArgs); err != nil {
			return fmt.Errorf("parse arguments: %w", err)
		}
	}

	reg, shutdown, err := buildRegistry(cfg, logger)
	if err != nil {
		return err
	}
	defer shutdown()

	orch := orchestrator.New(reg, logger)

	callCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	result := orch.Invoke(callCtx, orchestrator.Call{Name: args[0], Arguments: toolArgs})
	if result.Err != nil {
		return result.Err
	}

	fmt.Fprintln(stdout, mcp.RenderContent(result.Content))
	return nil
}

// runAsk handles one question end to end: the model is offered the
// aggregated tool catalogue, tool calls stream back, agentdeck executes
// them as a batch and feeds results into a follow-up turn, until the
// model answers in plain text.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, question string) error {
	cfg := loadConfigOrDefault(configPath)
	logger := newLogger(stderr, logLevel(cfg))

	reg, shutdown, err := buildRegistry(cfg, logger)
	if err != nil {
		return err
	}
	defer shutdown()

	orch := orchestrator.New(reg, logger)
	chatClient := chat.New(chat.Config{
		BaseURL: cfg.Chat.BaseURL,
		APIKey:  cfg.Chat.APIKey,
		Model:   cfg.Chat.Model,
		Logger:  logger,
	})

	listCtx, listCancel := context.WithTimeout(ctx, 30*time.Second)
	tools, err := orch.ListAvailableTools(listCtx)
	listCancel()
	if err != nil {
		return err
	}

	specs := make([]chat.ToolSpec, 0, len(tools))
	for _, tool := range tools {
		specs = append(specs, chat.ToolSpec{
			Type: "function",
			Function: chat.ToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}

	messages := []chat.Message{{Role: "user", Content: question}}

	// Tool-use loop with a hard iteration cap so a misbehaving model
	// cannot spin forever.
	for iter := 0; iter < 10; iter++ {
		stream, err := chatClient.CompleteStream(ctx, chat.Request{Messages: messages, Tools: specs})
		if err != nil {
			return err
		}

		var content strings.Builder
		for {
			delta, err := stream.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				stream.Close()
				return err
			}
			content.WriteString(delta.Content)
			fmt.Fprint(stdout, delta.Content)
		}
		stream.Close()

		toolCalls := stream.ToolCalls()
		if len(toolCalls) == 0 {
			fmt.Fprintln(stdout)
			return nil
		}

		messages = append(messages, chat.Message{
			Role:      "assistant",
			Content:   content.String(),
			ToolCalls: toolCalls,
		})

		calls := make([]orchestrator.Call, 0, len(toolCalls))
		for _, tc := range toolCalls {
			var args map[string]any
			if tc.Function.Arguments != "" {
				if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
					logger.Warn("unparseable tool arguments", "tool", tc.Function.Name, "error", err)
				}
			}
			calls = append(calls, orchestrator.Call{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
		}

		logger.Info("executing tool calls", "count", len(calls))
		results := orch.InvokeBatch(ctx, calls)

		for _, r := range results {
			text := mcp.RenderContent(r.Content)
			if r.Err != nil {
				text = fmt.Sprintf("Error (%s): %s", r.CallID, r.Err)
			}
			messages = append(messages, chat.Message{
				Role:       "tool",
				Content:    text,
				ToolCallID: r.CallID,
			})
		}
	}

	return fmt.Errorf("tool-use loop exceeded iteration limit")
}

// buildRegistry loads the server store and registers every active
// server. The returned shutdown func disconnects everything.
func buildRegistry(cfg *config.Config, logger *slog.Logger) (*registry.Manager, func(), error) {
	store, err := serverstore.Load(cfg.ServersFile)
	if err != nil {
		return nil, nil, err
	}

	bus := events.New()
	reg := registry.New(registry.Config{
		Bus:    bus,
		Logger: logger,
		Reconnect: mcp.ReconnectPolicy{
			BaseDelay:   time.Duration(cfg.Reconnect.BaseDelayMS) * time.Millisecond,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
		},
	})

	for _, desc := range store.Descriptors() {
		if err := reg.Add(desc); err != nil {
			reg.Shutdown()
			return nil, nil, err
		}
		if !store.IsActive(desc.Name) {
			if err := reg.SetEnabled(desc.ID, false); err != nil {
				reg.Shutdown()
				return nil, nil, err
			}
		}
	}

	return reg, reg.Shutdown, nil
}

// loadConfigOrDefault loads the config file when one exists, falling
// back to built-in defaults. CLI commands should work out of the box
// without a config file.
func loadConfigOrDefault(explicit string) *config.Config {
	path, err := config.FindConfig(explicit)
	if err != nil {
		return config.Default()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Default()
	}
	return cfg
}

// logLevel resolves the configured log level, defaulting to warn so CLI
// output stays clean.
func logLevel(cfg *config.Config) slog.Level {
	if cfg.LogLevel == "" {
		return slog.LevelWarn
	}
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return slog.LevelWarn
	}
	return level
}

// newLogger creates the structured text logger all subcommands share.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}
