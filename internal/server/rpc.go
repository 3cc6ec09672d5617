package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	maestroerrors "maestro/internal/errors"
	"maestro/internal/observability"
	"maestro/internal/protocol"
)

// maxRPCBodySize bounds inbound request bodies.
const maxRPCBodySize = 1 << 20 // 1 MiB

// handleRPC decodes the JSON-RPC envelope on POST /a2a and dispatches by
// method. Protocol-level failures answer with the matching JSON-RPC error
// object; HTTP status stays 200 for anything that parsed far enough to
// carry a request ID.
func (s *Server) handleRPC(c *gin.Context) {
	body := http.MaxBytesReader(c.Writer, c.Request.Body, maxRPCBodySize)
	defer func() { _ = body.Close() }()

	data, err := io.ReadAll(body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			c.JSON(http.StatusOK, protocol.NewErrorResponse(0, protocol.CodeInvalidRequest, "request body too large"))
			return
		}
		c.JSON(http.StatusOK, protocol.NewErrorResponse(0, protocol.CodeParseError, "request body unreadable"))
		return
	}

	var req protocol.Request
	if err := json.Unmarshal(data, &req); err != nil {
		c.JSON(http.StatusOK, protocol.NewErrorResponse(0, protocol.CodeParseError, fmt.Sprintf("request is not valid JSON-RPC: %v", err)))
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != "2.0" {
		c.JSON(http.StatusOK, protocol.NewErrorResponse(req.ID, protocol.CodeInvalidRequest, fmt.Sprintf("jsonrpc version %q is not supported", req.JSONRPC)))
		return
	}

	switch req.Method {
	case protocol.MethodProcessTask:
		s.processTask(c, &req)
	case protocol.MethodGetAgentCard:
		s.respond(c, req.ID, s.card)
	default:
		c.JSON(http.StatusOK, protocol.NewErrorResponse(req.ID, protocol.CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method)))
	}
}

// processTask runs one process_task call to completion (or interrupt) on the
// caller's connection. Resume payloads ride the same method and funnel into
// the same engine command path as websocket resumes.
func (s *Server) processTask(c *gin.Context, req *protocol.Request) {
	var task protocol.TaskRequest
	if err := json.Unmarshal(req.Params, &task); err != nil {
		c.JSON(http.StatusOK, protocol.NewErrorResponse(req.ID, protocol.CodeInvalidParams, fmt.Sprintf("params do not decode: %v", err)))
		return
	}

	resp, err := s.manager.ProcessTask(c.Request.Context(), &task)
	if err != nil {
		code := protocol.CodeInternalError
		if maestroerrors.IsInvalidRequest(err) {
			code = protocol.CodeInvalidRequest
		}
		s.logger.Warn("process_task failed: %v", err)
		c.JSON(http.StatusOK, protocol.NewErrorResponse(req.ID, code, observability.Redact(err.Error())))
		return
	}
	s.respond(c, req.ID, resp)
}

// respond wraps a result in the success envelope.
func (s *Server) respond(c *gin.Context, id uint64, result any) {
	out, err := protocol.NewResponse(id, result)
	if err != nil {
		s.logger.Error("marshal rpc result: %v", err)
		c.JSON(http.StatusOK, protocol.NewErrorResponse(id, protocol.CodeInternalError, "result serialization failed"))
		return
	}
	c.JSON(http.StatusOK, out)
}

// handleAgentCard serves this orchestrator's card as plain JSON, the shape
// FetchAgentCard on the client side expects.
func (s *Server) handleAgentCard(c *gin.Context) {
	c.JSON(http.StatusOK, s.card)
}
