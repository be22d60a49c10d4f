package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SyncFinished is the node sync state that marks an RPC endpoint as fully
// synchronized and safe to connect through.
const SyncFinished = "PERSIST_FINISHED"

const rpcTimeout = 10 * time.Second

// NodeState is the subset of the getnodestate RPC result the engine cares
// about.
type NodeState struct {
	Addr      string `json:"addr"`
	SyncState string `json:"syncState"`
	Height    int64  `json:"height"`
}

type rpcRequest struct {
	ID      string `json:"id"`
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// GetNodeState probes a candidate RPC endpoint. The probe is side-effect
// free, so losing racers can simply be abandoned.
func GetNodeState(ctx context.Context, url string) (*NodeState, error) {
	var state NodeState
	if err := rpcCall(ctx, url, "getnodestate", map[string]any{}, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func rpcCall(ctx context.Context, url, method string, params, result any) error {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	body, err := json.Marshal(rpcRequest{
		ID:      "d-chat",
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("encode rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("rpc %s: %w", method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decode rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("decode rpc result: %w", err)
		}
	}
	return nil
}
