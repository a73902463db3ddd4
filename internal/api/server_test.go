package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memmesh/memmesh/pkg/engine"
	"github.com/memmesh/memmesh/pkg/graphstore"
	"github.com/memmesh/memmesh/pkg/history"
	"github.com/memmesh/memmesh/pkg/llm"
	"github.com/memmesh/memmesh/pkg/models"
	"github.com/memmesh/memmesh/pkg/scope"
	"github.com/memmesh/memmesh/pkg/vectorstore"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubProvider embeds deterministically and answers chat calls from a
// queue.
type stubProvider struct {
	mu   sync.Mutex
	chat []string
}

func (p *stubProvider) pushChat(responses ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chat = append(p.chat, responses...)
}

func (p *stubProvider) Embed(context.Context, string) ([]float32, error) {
	return []float32{1, 0, 0, 0}, nil
}

func (p *stubProvider) Chat(context.Context, string, string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.chat) == 0 {
		return "", fmt.Errorf("unexpected chat call")
	}
	response := p.chat[0]
	p.chat = p.chat[1:]
	return response, nil
}

func (p *stubProvider) Name() string    { return "stub" }
func (p *stubProvider) Dimensions() int { return 4 }

func newTestServer(t *testing.T, cfg Config) (*Server, *stubProvider) {
	t.Helper()
	provider := &stubProvider{}
	gateway := llm.NewGateway(provider, nil, llm.GatewayConfig{MaxAttempts: 1}, nil, nil)
	resolver, err := scope.NewResolver(models.Scope{})
	require.NoError(t, err)

	eng := engine.New(resolver, gateway,
		vectorstore.NewInMemoryStore(vectorstore.DistanceCosine),
		graphstore.NewInMemoryGraph(),
		history.NewInMemoryStore(),
		engine.Config{}, nil, nil)

	server, err := NewServer(eng, cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { server.sessions.shutdown() })
	return server, provider
}

// openSession connects to the SSE stream and returns the session id
// from the endpoint event plus a scanner over further events.
func openSession(t *testing.T, ts *httptest.Server) (string, *bufio.Scanner, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/claude/sse/u1", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	t.Cleanup(func() { _ = resp.Body.Close() })

	scanner := bufio.NewScanner(resp.Body)
	var sessionID string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: /messages/?session_id=") {
			sessionID = strings.TrimPrefix(line, "data: /messages/?session_id=")
			break
		}
	}
	require.NotEmpty(t, sessionID, "no endpoint event received")
	return sessionID, scanner, cancel
}

func postRPC(t *testing.T, ts *httptest.Server, sessionID string, body string) (*http.Response, *rpcResponse) {
	t.Helper()
	resp, err := ts.Client().Post(
		ts.URL+"/messages/?session_id="+sessionID, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	if buf.Len() == 0 {
		return resp, nil
	}
	var rpc rpcResponse
	if err := json.Unmarshal(buf.Bytes(), &rpc); err != nil {
		return resp, nil
	}
	return resp, &rpc
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t, Config{})

	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, recorder.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	deps := body["deps"].(map[string]interface{})
	assert.Equal(t, "ok", deps["vector"])
	assert.Equal(t, "ok", deps["graph"])
	assert.Equal(t, "stub", deps["llm"])
}

func TestToolDiscovery(t *testing.T) {
	server, _ := newTestServer(t, Config{})

	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/tools", nil))
	require.Equal(t, http.StatusOK, recorder.Code)

	var body struct {
		Tools []toolDefinition `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))

	names := make([]string, 0, len(body.Tools))
	for _, tool := range body.Tools {
		names = append(names, tool.Name)
	}
	assert.Contains(t, names, "add_memories")
	assert.Contains(t, names, "search_memory")
	assert.Contains(t, names, "list_memories")
	assert.Contains(t, names, "delete_all_memories")
}

func TestMessagesRequiresKnownSession(t *testing.T) {
	server, _ := newTestServer(t, Config{})
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, _ := postRPC(t, ts, "nope", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInitializeHandshake(t *testing.T) {
	server, _ := newTestServer(t, Config{})
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	sessionID, _, cancel := openSession(t, ts)
	defer cancel()

	resp, rpc := postRPC(t, ts, sessionID, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, rpc)
	require.Nil(t, rpc.Error)

	result := rpc.Result.(map[string]interface{})
	assert.Equal(t, protocolVersion, result["protocolVersion"])
	info := result["serverInfo"].(map[string]interface{})
	assert.Equal(t, "memmesh", info["name"])
}

func TestNotificationsAreAccepted(t *testing.T) {
	server, _ := newTestServer(t, Config{})
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	sessionID, _, cancel := openSession(t, ts)
	defer cancel()

	resp, _ := postRPC(t, ts, sessionID, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestUnknownMethod(t *testing.T) {
	server, _ := newTestServer(t, Config{})
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	sessionID, _, cancel := openSession(t, ts)
	defer cancel()

	_, rpc := postRPC(t, ts, sessionID, `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`)
	require.NotNil(t, rpc)
	require.NotNil(t, rpc.Error)
	assert.Equal(t, codeMethodNotFound, rpc.Error.Code)
}

func TestToolCallRoundTrip(t *testing.T) {
	server, _ := newTestServer(t, Config{})
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	sessionID, _, cancel := openSession(t, ts)
	defer cancel()

	_, rpc := postRPC(t, ts, sessionID, `{
		"jsonrpc": "2.0", "id": 1, "method": "tools/call",
		"params": {"name": "add_memories", "arguments": {"text": "likes pizza", "infer": false}}
	}`)
	require.NotNil(t, rpc)
	require.Nil(t, rpc.Error)

	result := rpc.Result.(map[string]interface{})
	content := result["content"].([]interface{})
	require.Len(t, content, 1)
	text := content[0].(map[string]interface{})["text"].(string)
	assert.Contains(t, text, `"event":"ADD"`)

	_, rpc = postRPC(t, ts, sessionID, `{
		"jsonrpc": "2.0", "id": 2, "method": "tools/call",
		"params": {"name": "search_memory", "arguments": {"query": "pizza"}}
	}`)
	require.NotNil(t, rpc)
	require.Nil(t, rpc.Error)
	text = rpc.Result.(map[string]interface{})["content"].([]interface{})[0].(map[string]interface{})["text"].(string)
	assert.Contains(t, text, "likes pizza")
}

func TestToolCallArgumentValidation(t *testing.T) {
	server, _ := newTestServer(t, Config{})
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	sessionID, _, cancel := openSession(t, ts)
	defer cancel()

	// Missing required "text".
	_, rpc := postRPC(t, ts, sessionID, `{
		"jsonrpc": "2.0", "id": 1, "method": "tools/call",
		"params": {"name": "add_memories", "arguments": {}}
	}`)
	require.NotNil(t, rpc)
	require.NotNil(t, rpc.Error)
	assert.Equal(t, codeInvalidParams, rpc.Error.Code)

	// Unconfirmed delete_all.
	_, rpc = postRPC(t, ts, sessionID, `{
		"jsonrpc": "2.0", "id": 2, "method": "tools/call",
		"params": {"name": "delete_all_memories", "arguments": {"confirm": false}}
	}`)
	require.NotNil(t, rpc)
	require.NotNil(t, rpc.Error)
	assert.Equal(t, codeInvalidParams, rpc.Error.Code)
}

func TestToolCallNotFoundMapping(t *testing.T) {
	server, _ := newTestServer(t, Config{})
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	sessionID, _, cancel := openSession(t, ts)
	defer cancel()

	_, rpc := postRPC(t, ts, sessionID, `{
		"jsonrpc": "2.0", "id": 1, "method": "tools/call",
		"params": {"name": "get_memory", "arguments": {"memory_id": "missing"}}
	}`)
	require.NotNil(t, rpc)
	require.NotNil(t, rpc.Error)
	assert.Equal(t, codeNotFound, rpc.Error.Code)
}

func TestSessionRateLimit(t *testing.T) {
	server, _ := newTestServer(t, Config{RateLimit: 0.001, RateBurst: 1})
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	sessionID, _, cancel := openSession(t, ts)
	defer cancel()

	resp, rpc := postRPC(t, ts, sessionID, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, rpc.Error)

	resp, rpc = postRPC(t, ts, sessionID, `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.NotNil(t, rpc)
	require.NotNil(t, rpc.Error)
	assert.Equal(t, codeOverloaded, rpc.Error.Code)
}

func TestResponsesMirroredOnStream(t *testing.T) {
	server, _ := newTestServer(t, Config{HeartbeatInterval: time.Hour})
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	sessionID, scanner, cancel := openSession(t, ts)
	defer cancel()

	_, rpc := postRPC(t, ts, sessionID, `{"jsonrpc":"2.0","id":7,"method":"ping"}`)
	require.NotNil(t, rpc)
	require.Nil(t, rpc.Error)

	deadline := time.After(5 * time.Second)
	found := make(chan string, 1)
	go func() {
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "data: {") {
				found <- line
				return
			}
		}
	}()
	select {
	case line := <-found:
		assert.Contains(t, line, `"id":7`)
	case <-deadline:
		t.Fatal("no message event on the stream")
	}
}
