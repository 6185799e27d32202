package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// echoWSServer upgrades and echoes every message back.
func echoWSServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWSTransportEcho(t *testing.T) {
	srv := echoWSServer(t)

	got := make(chan []byte, 1)
	tr := NewWSTransport(WSConfig{
		URL:     srv.URL, // http scheme, rewritten to ws
		Deliver: func(data []byte) { got <- data },
	})

	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tr.Close()

	if !tr.IsOpen() {
		t.Fatal("not open after Open")
	}
	if err := tr.Open(context.Background()); !errors.Is(err, ErrAlreadyOpen) {
		t.Errorf("second Open err = %v, want ErrAlreadyOpen", err)
	}

	msg := []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if err := tr.Write(context.Background(), msg); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case data := <-got:
		if string(data) != string(msg) {
			t.Errorf("echoed %s", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no echo received")
	}
}

func TestWSTransportWriteWhenClosed(t *testing.T) {
	srv := echoWSServer(t)
	tr := NewWSTransport(WSConfig{URL: srv.URL})

	if err := tr.Write(context.Background(), []byte(`{}`)); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Write before Open err = %v, want ErrNotOpen", err)
	}

	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := tr.Write(context.Background(), []byte(`{}`)); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Write after Close err = %v, want ErrNotOpen", err)
	}
}

func TestWSTransportUncleanClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Drop the TCP connection without a close frame.
		conn.UnderlyingConn().Close()
	}))
	t.Cleanup(srv.Close)

	unclean := make(chan error, 1)
	tr := NewWSTransport(WSConfig{
		URL:            srv.URL,
		OnUncleanClose: func(err error) { unclean <- err },
	})
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tr.Close()

	select {
	case err := <-unclean:
		if err == nil {
			t.Error("unclean close reported nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnUncleanClose not invoked")
	}
}

func TestWSTransportCleanCloseSuppressesCallback(t *testing.T) {
	srv := echoWSServer(t)

	unclean := make(chan error, 1)
	tr := NewWSTransport(WSConfig{
		URL:            srv.URL,
		OnUncleanClose: func(err error) { unclean <- err },
	})
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-unclean:
		t.Errorf("OnUncleanClose fired after explicit Close: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSSETransportStreamAndSession(t *testing.T) {
	var mu sync.Mutex
	var postSessions []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Mcp-Session-Id", "sse-sess-9")
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{}}\n\n")
			w.(http.Flusher).Flush()
			// Hold the stream open until the client cancels.
			<-r.Context().Done()
		case http.MethodPost:
			mu.Lock()
			postSessions = append(postSessions, r.Header.Get("Mcp-Session-Id"))
			mu.Unlock()
			w.WriteHeader(http.StatusAccepted)
		}
	}))
	t.Cleanup(srv.Close)

	got := make(chan []byte, 1)
	tr := NewSSETransport(SSEConfig{
		URL:     srv.URL,
		Deliver: func(data []byte) { got <- data },
		Client:  srv.Client(),
	})
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tr.Close()

	select {
	case data := <-got:
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("delivered frame not JSON: %v", err)
		}
		if env.ID == nil || *env.ID != 1 {
			t.Errorf("frame id = %v", env.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream event not delivered")
	}

	if err := tr.Write(context.Background(), []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(postSessions) != 1 || postSessions[0] != "sse-sess-9" {
		t.Errorf("POST sessions = %v, want [sse-sess-9]", postSessions)
	}
}

func TestSSETransportStreamDeathInvokesCallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{}}\n\n")
		w.(http.Flusher).Flush()
		// Returning ends the stream without the client asking for it.
	}))
	t.Cleanup(srv.Close)

	closed := make(chan error, 1)
	tr := NewSSETransport(SSEConfig{
		URL:           srv.URL,
		Deliver:       func([]byte) {},
		OnStreamClose: func(err error) { closed <- err },
		Client:        srv.Client(),
	})
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tr.Close()

	select {
	case err := <-closed:
		if err == nil {
			t.Error("stream close reported nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnStreamClose not invoked")
	}
	if tr.IsOpen() {
		t.Error("transport still open after stream death")
	}
}

func TestSSETransportCloseSuppressesStreamCallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	closed := make(chan error, 1)
	tr := NewSSETransport(SSEConfig{
		URL:           srv.URL,
		OnStreamClose: func(err error) { closed <- err },
		Client:        srv.Client(),
	})
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-closed:
		t.Errorf("OnStreamClose fired after explicit Close: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSSETransportOpenRejectsNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	tr := NewSSETransport(SSEConfig{URL: srv.URL, Client: srv.Client()})
	if err := tr.Open(context.Background()); err == nil {
		t.Fatal("Open succeeded against 403")
	}
	if tr.IsOpen() {
		t.Error("transport open after failed Open")
	}
}

func TestStreamTransportSessionAdoption(t *testing.T) {
	var mu sync.Mutex
	var sessions []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		mu.Lock()
		sessions = append(sessions, r.Header.Get("Mcp-Session-Id"))
		n := len(sessions)
		mu.Unlock()

		w.Header().Set("Mcp-Session-Id", "stream-sess-3")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{}}`, n)
	}))
	t.Cleanup(srv.Close)

	got := make(chan []byte, 4)
	tr := NewStreamTransport(StreamConfig{
		URL:     srv.URL,
		Deliver: func(data []byte) { got <- data },
		Client:  srv.Client(),
	})
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tr.Close()

	if err := tr.Write(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`)); err != nil {
		t.Fatalf("first Write: %v", err)
	}
	if got := tr.SessionID(); got != "stream-sess-3" {
		t.Fatalf("SessionID = %q", got)
	}

	if err := tr.Write(context.Background(), []byte(`{"jsonrpc":"2.0","id":2,"method":"ping"}`)); err != nil {
		t.Fatalf("second Write: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(sessions) != 2 {
		t.Fatalf("saw %d POSTs", len(sessions))
	}
	if sessions[0] != "" {
		t.Errorf("first POST carried session %q, want none", sessions[0])
	}
	if sessions[1] != "stream-sess-3" {
		t.Errorf("second POST session = %q", sessions[1])
	}
}

func TestStreamTransportEventStreamResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"id\":7,\"result\":{\"ok\":true}}\n\n")
	}))
	t.Cleanup(srv.Close)

	got := make(chan []byte, 1)
	tr := NewStreamTransport(StreamConfig{
		URL:     srv.URL,
		Deliver: func(data []byte) { got <- data },
		Client:  srv.Client(),
	})
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tr.Close()

	if err := tr.Write(context.Background(), []byte(`{"jsonrpc":"2.0","id":7,"method":"ping"}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case data := <-got:
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("frame not JSON: %v", err)
		}
		if env.ID == nil || *env.ID != 7 {
			t.Errorf("frame id = %v", env.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("streamed response not delivered")
	}
}

func TestStreamTransportCloseStopsCompanionListener(t *testing.T) {
	started := make(chan struct{})
	stopped := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			w.(http.Flusher).Flush()
			close(started)
			<-r.Context().Done()
			close(stopped)
			return
		}
		w.Header().Set("Mcp-Session-Id", "lsn-sess-1")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{}}`)
	}))
	t.Cleanup(srv.Close)

	tr := NewStreamTransport(StreamConfig{
		URL:     srv.URL,
		Deliver: func([]byte) {},
		Client:  srv.Client(),
	})
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := tr.Write(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("companion listener never connected")
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("companion listener still running after Close")
	}
}

func TestStreamTransportWriteBeforeOpen(t *testing.T) {
	tr := NewStreamTransport(StreamConfig{URL: "http://127.0.0.1:0"})
	if err := tr.Write(context.Background(), []byte(`{}`)); !errors.Is(err, ErrNotOpen) {
		t.Errorf("err = %v, want ErrNotOpen", err)
	}
}
