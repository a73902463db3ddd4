package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/memmesh/memmesh/pkg/models"
)

const protocolVersion = "2024-11-05"

// handleHealth reports per-dependency status.
func (s *Server) handleHealth(c *gin.Context) {
	deps := s.engine.Ping(c.Request.Context())

	status := "ok"
	code := http.StatusOK
	for name, state := range deps {
		if name == "llm" {
			continue // carries the provider name, not a probe result
		}
		if state != "ok" {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	c.JSON(code, gin.H{
		"status":   status,
		"deps":     deps,
		"sessions": s.sessions.len(),
	})
}

// handleTools serves sessionless tool discovery.
func (s *Server) handleTools(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tools": s.tools.definitions()})
}

// handleSSE opens the event stream for one client/user pair. The first
// event tells the client where to POST its JSON-RPC messages.
func (s *Server) handleSSE(c *gin.Context) {
	client := c.Param("client")
	userID := c.Param("user_id")
	scope := models.Scope{UserID: userID, AppID: client}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	session := s.sessions.open(client, scope)
	defer s.sessions.drop(session.id)
	s.logger.Info("session opened", map[string]interface{}{
		"session_id": session.id, "client": client,
	})
	s.metrics.RecordGauge("sse_sessions", float64(s.sessions.len()), nil)

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	writeEvent(c.Writer, "endpoint", []byte("/messages/?session_id="+session.id))
	flusher.Flush()

	heartbeat := time.NewTicker(s.config.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-session.done:
			return
		case <-heartbeat.C:
			if _, err := io.WriteString(c.Writer, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case payload := <-session.events:
			writeEvent(c.Writer, "message", payload)
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, event string, data []byte) {
	_, _ = io.WriteString(w, "event: "+event+"\n")
	_, _ = io.WriteString(w, "data: ")
	_, _ = w.Write(data)
	_, _ = io.WriteString(w, "\n\n")
}

// handleMessages accepts one JSON-RPC request bound to a session. The
// response is echoed in the POST body and mirrored on the SSE stream.
func (s *Server) handleMessages(c *gin.Context) {
	sessionID := c.Query("session_id")
	session, ok := s.sessions.get(sessionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown or expired session"})
		return
	}

	var request rpcRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, rpcFailure(nil, codeParseError, "parse error: "+err.Error(), nil))
		return
	}
	if request.JSONRPC != jsonrpcVersion {
		c.JSON(http.StatusBadRequest, rpcFailure(request.ID, codeInvalidRequest, "jsonrpc must be \"2.0\"", nil))
		return
	}

	if request.isNotification() {
		// Notifications are accepted and ignored.
		c.Status(http.StatusAccepted)
		return
	}

	if !session.limiter.Allow() {
		response := rpcFailure(request.ID, codeOverloaded, "session rate limit exceeded", nil)
		c.JSON(http.StatusTooManyRequests, response)
		return
	}

	response := s.dispatch(c, session, &request)
	if payload, err := json.Marshal(response); err == nil {
		session.send(payload)
	}
	c.JSON(http.StatusOK, response)
}

func (s *Server) dispatch(c *gin.Context, session *session, request *rpcRequest) *rpcResponse {
	started := time.Now()
	response := s.dispatchMethod(c, session, request)
	s.metrics.RecordOperation("api", request.Method, response.Error == nil, time.Since(started))
	return response
}

func (s *Server) dispatchMethod(c *gin.Context, session *session, request *rpcRequest) *rpcResponse {
	switch request.Method {
	case "initialize":
		return rpcResult(request.ID, gin.H{
			"protocolVersion": protocolVersion,
			"capabilities":    gin.H{"tools": gin.H{"listChanged": false}},
			"serverInfo":      gin.H{"name": "memmesh", "version": "1.0.0"},
		})

	case "ping":
		return rpcResult(request.ID, gin.H{})

	case "tools/list":
		return rpcResult(request.ID, gin.H{"tools": s.tools.definitions()})

	case "tools/call":
		var params struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal(request.Params, &params); err != nil || params.Name == "" {
			return rpcFailure(request.ID, codeInvalidParams, "tools/call requires a tool name", nil)
		}

		result, err := s.tools.call(c.Request.Context(), session.scope, params.Name, params.Arguments)
		if err != nil {
			s.logger.Warn("tool call failed", map[string]interface{}{
				"tool": params.Name, "session_id": session.id, "error": err.Error(),
			})
			return rpcFromError(request.ID, err)
		}

		text, err := json.Marshal(result)
		if err != nil {
			return rpcFailure(request.ID, codeInternalError, "result serialization failed", nil)
		}
		return rpcResult(request.ID, gin.H{
			"content": []gin.H{{"type": "text", "text": string(text)}},
			"isError": false,
		})

	default:
		return rpcFailure(request.ID, codeMethodNotFound, "unknown method: "+request.Method, nil)
	}
}
