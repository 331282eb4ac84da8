package server

import (
	"encoding/json"
	"net/http"

	"contextd/internal/logging"
)

// MCP protocol constants.
const (
	mcpProtocolVersion = "2024-11-05"
	serverName         = "contextd"
	serverVersion      = "1.0.0"
)

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeToolError      = -32000
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// toolContent is the MCP tools/call content block.
type toolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type callResult struct {
	Content []toolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// handleMCP serves the JSON-RPC MCP endpoint: initialize, tools/list,
// tools/call, and ping.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: codeParseError, Message: "parse error: " + err.Error()},
		})
		return
	}

	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "initialize":
		resp.Result = map[string]interface{}{
			"protocolVersion": mcpProtocolVersion,
			"serverInfo": map[string]string{
				"name":    serverName,
				"version": serverVersion,
			},
			"capabilities": map[string]interface{}{
				"tools": map[string]interface{}{},
			},
		}
	case "tools/list":
		resp.Result = map[string]interface{}{"tools": s.registry.List()}
	case "tools/call":
		resp = s.handleToolCall(r, req)
	case "ping":
		resp.Result = map[string]interface{}{}
	default:
		resp.Error = &rpcError{Code: codeMethodNotFound, Message: "unknown method: " + req.Method}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleToolCall(r *http.Request, req rpcRequest) rpcResponse {
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}

	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments,omitempty"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		resp.Error = &rpcError{Code: codeInvalidParams, Message: "tools/call requires a tool name"}
		return resp
	}

	result, terr := s.registry.Call(r.Context(), params.Name, params.Arguments)
	if terr != nil {
		logging.ServerDebug("MCP tool %s failed: %s", params.Name, terr.Message)
		resp.Error = &rpcError{Code: codeToolError, Message: terr.Message, Data: map[string]string{"error": string(terr.Kind)}}
		return resp
	}

	text, err := json.Marshal(result)
	if err != nil {
		resp.Error = &rpcError{Code: codeToolError, Message: "encode result: " + err.Error()}
		return resp
	}
	resp.Result = callResult{Content: []toolContent{{Type: "text", Text: string(text)}}}
	return resp
}
