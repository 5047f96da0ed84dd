package mcp

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
)

// Minimal JSON-RPC 2.0 handler that supports:
// - initialize
// - tools/list
// - tools/call
//
// Every tool is read-only against the signed-in portal.

type ServerOptions struct {
	Portal      Portal
	OrgID       string
	PageSize    int
	Concurrency int
	ItemPageURL string
	Logger      *log.Logger
	Version     string
}

type Server struct {
	opts   ServerOptions
	logger *log.Logger
	tools  []Tool
}

type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

func NewServer(opts ServerOptions) *Server {
	tools := []Tool{
		{
			Name:        toolSearch,
			Description: "Search portal items by title, owner and type. Every page is drained.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"title":{"type":"string"},"owner":{"type":"string"},"type":{"type":"string"},"query":{"type":"string"}}}`),
		},
		{
			Name:        toolAuditApps,
			Description: "List the registered OAuth applications of the organization with their redirect URIs.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"org_id":{"type":"string"}}}`),
		},
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &Server{opts: opts, logger: logger, tools: tools}
}

// Handler serves GET /healthz and POST /mcp.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/mcp", s)
	return mux
}

type rpcReq struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResp struct {
	JSONRPC string  `json:"jsonrpc"`
	ID      any     `json:"id"`
	Result  any     `json:"result,omitempty"`
	Error   *rpcErr `json:"error,omitempty"`
}

type rpcErr struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req rpcReq
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, rpcResp{JSONRPC: "2.0", ID: nil, Error: &rpcErr{Code: -32700, Message: "invalid JSON"}})
		return
	}
	s.logger.Debug("rpc", "method", req.Method, "id", req.ID)

	switch req.Method {
	case "initialize":
		writeJSON(w, rpcResp{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{
			"server": map[string]any{
				"name":    "portalflow",
				"version": s.opts.Version,
			},
			"capabilities": map[string]any{
				"tools": true,
			},
			"time": time.Now().UTC().Format(time.RFC3339),
		}})
		return

	case "tools/list":
		writeJSON(w, rpcResp{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{"tools": s.tools}})
		return

	case "tools/call":
		var p struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.Name == "" {
			writeJSON(w, rpcResp{JSONRPC: "2.0", ID: req.ID, Error: &rpcErr{Code: -32602, Message: "invalid params"}})
			return
		}

		res, err := s.callTool(r.Context(), p.Name, p.Arguments)
		if err != nil {
			s.logger.Warn("tool failed", "tool", p.Name, "error", err)
			writeJSON(w, rpcResp{JSONRPC: "2.0", ID: req.ID, Error: &rpcErr{Code: -32000, Message: err.Error()}})
			return
		}
		writeJSON(w, rpcResp{JSONRPC: "2.0", ID: req.ID, Result: res})
		return
	default:
		writeJSON(w, rpcResp{JSONRPC: "2.0", ID: req.ID, Error: &rpcErr{Code: -32601, Message: "method not found"}})
		return
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
