// Package rpc exposes a provider.ToolProvider over the stateless
// JSON-RPC-over-HTTP transport assumed by spec §4.3 / Glossary ("MCP"),
// reusing the MCPMessage envelope from agent/protocol/mcp rather than
// inventing a second wire format.
package rpc

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/mroger/tom/agent/protocol/mcp"
	"github.com/mroger/tom/internal/provider"
)

// Server adapts a provider.ToolProvider to an http.Handler implementing the
// discovery and tool endpoints of §4.3.1/§4.3.2 as JSON-RPC methods:
// "describe", "tools.list", "tools.call", "background_status",
// "prompt_consign".
type Server struct {
	provider provider.ToolProvider
	logger   *zap.Logger
}

// NewServer wraps p for HTTP serving.
func NewServer(p provider.ToolProvider, logger *zap.Logger) *Server {
	return &Server{provider: p, logger: logger}
}

type describeResult struct {
	Module        string `json:"module"`
	Description   string `json:"description"`
	Complexity    int    `json:"complexity"`
	SystemContext string `json:"system_context"`
	IsPersonal    bool   `json:"is_personal"`
}

type toolsCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type backgroundStatusResult struct {
	Status string `json:"status"`
	OK     bool   `json:"ok"`
}

// ServeHTTP decodes one MCPMessage request and writes one MCPMessage
// response, matching spec's "stateless" contract: no state survives the
// single request/response exchange.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req mcp.MCPMessage
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, nil, mcp.ErrorCodeParseError, "invalid json-rpc request")
		return
	}

	ctx := r.Context()
	switch req.Method {
	case "describe":
		writeResult(w, req.ID, describeResult{
			Module:        s.provider.Name(),
			Description:   s.provider.Describe(),
			Complexity:    s.provider.Complexity(),
			SystemContext: s.provider.SystemContext(),
			IsPersonal:    s.provider.IsPersonal(),
		})
	case "tools.list":
		writeResult(w, req.ID, s.provider.Tools())
	case "tools.call":
		params, err := decodeParams[toolsCallParams](req.Params)
		if err != nil {
			writeError(w, req.ID, mcp.ErrorCodeInvalidParams, err.Error())
			return
		}
		result, err := s.provider.Invoke(ctx, params.Name, params.Arguments)
		if err != nil {
			writeError(w, req.ID, mcp.ErrorCodeInternalError, err.Error())
			return
		}
		writeResult(w, req.ID, json.RawMessage(result))
	case "background_status":
		status, ok := s.provider.BackgroundStatus(ctx)
		writeResult(w, req.ID, backgroundStatusResult{Status: status, OK: ok})
	case "prompt_consign":
		consign, ok := s.provider.PromptConsign(ctx)
		if !ok {
			writeResult(w, req.ID, nil)
			return
		}
		writeResult(w, req.ID, json.RawMessage(consign))
	default:
		writeError(w, req.ID, mcp.ErrorCodeMethodNotFound, "unknown method "+req.Method)
	}
}

func decodeParams[T any](raw map[string]any) (T, error) {
	var out T
	body, err := json.Marshal(raw)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(body, &out)
	return out, err
}

func writeResult(w http.ResponseWriter, id any, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(mcp.MCPMessage{JSONRPC: "2.0", ID: id, Result: result})
}

func writeError(w http.ResponseWriter, id any, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(mcp.MCPMessage{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &mcp.MCPError{Code: code, Message: message},
	})
}
