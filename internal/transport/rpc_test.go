package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGetNodeState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Method != "getnodestate" {
			t.Errorf("method = %q, want getnodestate", req.Method)
		}
		result, _ := json.Marshal(NodeState{
			Addr:      "tcp://node:30001",
			SyncState: SyncFinished,
			Height:    4242,
		})
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      req.ID,
			"jsonrpc": "2.0",
			"result":  json.RawMessage(result),
		})
	}))
	defer srv.Close()

	state, err := GetNodeState(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("GetNodeState() error = %v", err)
	}
	if state.SyncState != SyncFinished {
		t.Errorf("SyncState = %q, want %q", state.SyncState, SyncFinished)
	}
	if state.Height != 4242 {
		t.Errorf("Height = %d, want 4242", state.Height)
	}
}

func TestGetNodeStateRPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "d-chat",
			"jsonrpc": "2.0",
			"error":   map[string]any{"code": -32601, "message": "method not found"},
		})
	}))
	defer srv.Close()

	_, err := GetNodeState(context.Background(), srv.URL)
	if err == nil || !strings.Contains(err.Error(), "method not found") {
		t.Errorf("GetNodeState() error = %v, want rpc error", err)
	}
}

func TestGetNodeStateUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	if _, err := GetNodeState(context.Background(), srv.URL); err == nil {
		t.Error("GetNodeState() against closed server error = nil")
	}
}
