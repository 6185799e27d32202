package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/agentdeck/agentdeck/internal/mcp"
	"github.com/agentdeck/agentdeck/internal/registry"
)

// toolServer answers the streamable HTTP protocol with a fixed tool
// set. tools/call echoes the tool name it was asked to run.
func toolServer(t *testing.T, tools ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var env struct {
			ID     *int64 `json:"id"`
			Method string `json:"method"`
			Params struct {
				Name string `json:"name"`
			} `json:"params"`
		}
		if err := json.Unmarshal(body, &env); err != nil || env.ID == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}

		var result string
		switch env.Method {
		case "initialize":
			result = `{"protocolVersion":"2024-11-05","serverInfo":{"name":"t","version":"1"},"capabilities":{"tools":{}}}`
		case "tools/list":
			defs := make([]string, 0, len(tools))
			for _, name := range tools {
				defs = append(defs, fmt.Sprintf(`{"name":%q,"description":"","inputSchema":{"type":"object"}}`, name))
			}
			result = fmt.Sprintf(`{"tools":[%s]}`, strings.Join(defs, ","))
		case "tools/call":
			if env.Params.Name == "always-fails" {
				result = `{"content":[{"type":"text","text":"it broke"}],"isError":true}`
			} else {
				result = fmt.Sprintf(`{"content":[{"type":"text","text":"ran %s"}]}`, env.Params.Name)
			}
		default:
			result = `{}`
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":%s}`, *env.ID, result)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func downServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func setup(t *testing.T, servers map[string]*httptest.Server) *Orchestrator {
	t.Helper()
	var client *http.Client
	for _, srv := range servers {
		client = srv.Client()
		break
	}
	reg := registry.New(registry.Config{HTTPClient: client})
	t.Cleanup(reg.Shutdown)
	for name, srv := range servers {
		if err := reg.Add(mcp.ServerDescriptor{ID: name, Name: name, URL: srv.URL}); err != nil {
			t.Fatal(err)
		}
	}
	return New(reg, nil)
}

func TestSplitNameRoundTrip(t *testing.T) {
	tests := []struct {
		server, tool string
	}{
		{"files", "read"},
		{"files", "read__file"}, // tool name containing the separator
		{"a", "b"},
	}
	for _, tt := range tests {
		name := JoinName(tt.server, tt.tool)
		server, tool, err := SplitName(name)
		if err != nil {
			t.Errorf("SplitName(%q): %v", name, err)
			continue
		}
		if server != tt.server || tool != tt.tool {
			t.Errorf("SplitName(%q) = %q, %q", name, server, tool)
		}
	}
}

func TestSplitNameRejectsUnnamespaced(t *testing.T) {
	for _, name := range []string{"plain", "", "__leading", "trailing__"} {
		if _, _, err := SplitName(name); !errors.Is(err, mcp.ErrToolNotFound) {
			t.Errorf("SplitName(%q) err = %v", name, err)
		}
	}
}

func TestListAvailableTools(t *testing.T) {
	o := setup(t, map[string]*httptest.Server{
		"files": toolServer(t, "read", "write"),
		"web":   toolServer(t, "fetch"),
	})

	tools, err := o.ListAvailableTools(context.Background())
	if err != nil {
		t.Fatalf("ListAvailableTools: %v", err)
	}

	var names []string
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	want := []string{"files__read", "files__write", "web__fetch"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("catalogue = %v, want %v", names, want)
	}
}

func TestListAvailableToolsSkipsFailingServer(t *testing.T) {
	o := setup(t, map[string]*httptest.Server{
		"good": toolServer(t, "read"),
		"bad":  downServer(t),
	})

	tools, err := o.ListAvailableTools(context.Background())
	if err != nil {
		t.Fatalf("ListAvailableTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "good__read" {
		t.Errorf("catalogue = %+v", tools)
	}
}

func TestInvoke(t *testing.T) {
	o := setup(t, map[string]*httptest.Server{
		"files": toolServer(t, "read"),
	})

	res := o.Invoke(context.Background(), Call{Name: "files__read"})
	if res.Err != nil {
		t.Fatalf("Invoke: %v", res.Err)
	}
	if res.CallID == "" {
		t.Error("no call id assigned")
	}
	if got := mcp.RenderContent(res.Content); got != "ran read" {
		t.Errorf("content = %q", got)
	}
}

func TestInvokeUnknownServer(t *testing.T) {
	o := setup(t, map[string]*httptest.Server{
		"files": toolServer(t, "read"),
	})

	res := o.Invoke(context.Background(), Call{ID: "c1", Name: "nosuch__read"})
	if !errors.Is(res.Err, mcp.ErrServerNotFound) {
		t.Errorf("err = %v, want ErrServerNotFound", res.Err)
	}
	if res.CallID != "c1" {
		t.Errorf("call id = %q", res.CallID)
	}
}

func TestInvokeBatchPartialFailure(t *testing.T) {
	o := setup(t, map[string]*httptest.Server{
		"files": toolServer(t, "read", "always-fails"),
	})

	calls := []Call{
		{ID: "ok-1", Name: "files__read"},
		{ID: "bad-1", Name: "files__always-fails"},
		{ID: "bad-2", Name: "unnamespaced"},
		{ID: "ok-2", Name: "files__read"},
	}
	results := o.InvokeBatch(context.Background(), calls)

	if len(results) != len(calls) {
		t.Fatalf("len(results) = %d", len(results))
	}
	for i, r := range results {
		if r.CallID != calls[i].ID {
			t.Errorf("results[%d].CallID = %q, want %q", i, r.CallID, calls[i].ID)
		}
	}
	if results[0].Err != nil || results[3].Err != nil {
		t.Errorf("good calls failed: %v, %v", results[0].Err, results[3].Err)
	}
	if results[1].Err == nil || results[2].Err == nil {
		t.Error("failing calls reported no error")
	}
}

func TestFormatResults(t *testing.T) {
	results := []Result{
		{CallID: "c1", Err: errors.New("tool exploded")},
		{CallID: "c2", Content: []mcp.ContentBlock{
			{Type: "text", Text: "hello"},
			{Type: "image", Data: "xxx"},
		}},
	}

	got := FormatResults(results)
	want := "Error (c1): tool exploded\n\nhello\n[image]"
	if got != want {
		t.Errorf("FormatResults = %q, want %q", got, want)
	}
}
