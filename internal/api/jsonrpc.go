package api

import (
	"encoding/json"
	"errors"

	"github.com/memmesh/memmesh/pkg/models"
)

// JSON-RPC 2.0 framing for the MCP messages endpoint.

const jsonrpcVersion = "2.0"

// Standard JSON-RPC error codes plus the engine taxonomy in the
// implementation-defined range.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603

	codeNotFound               = -32001
	codeInvalidStateTransition = -32002
	codeLLMError               = -32003
	codeStoreError             = -32004
	codeTimeout                = -32005
	codeOverloaded             = -32006
	codePartialFailure         = -32007
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// isNotification reports whether the request carries no id and thus
// expects no response.
func (r *rpcRequest) isNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func rpcResult(id json.RawMessage, result interface{}) *rpcResponse {
	return &rpcResponse{JSONRPC: jsonrpcVersion, ID: id, Result: result}
}

func rpcFailure(id json.RawMessage, code int, message string, data interface{}) *rpcResponse {
	return &rpcResponse{JSONRPC: jsonrpcVersion, ID: id, Error: &rpcError{Code: code, Message: message, Data: data}}
}

// rpcFromError maps the engine error taxonomy onto JSON-RPC codes.
func rpcFromError(id json.RawMessage, err error) *rpcResponse {
	code := codeInternalError
	var data interface{}

	switch models.KindOf(err) {
	case models.ErrValidation, models.ErrInvalidScope:
		code = codeInvalidParams
	case models.ErrNotFound:
		code = codeNotFound
	case models.ErrInvalidStateTransition:
		code = codeInvalidStateTransition
	case models.ErrEmbed, models.ErrPlan:
		code = codeLLMError
	case models.ErrStore:
		code = codeStoreError
	case models.ErrTimeout:
		code = codeTimeout
	case models.ErrOverloaded:
		code = codeOverloaded
	case models.ErrPartialFailure:
		code = codePartialFailure
	}

	var taxonomy *models.Error
	if errors.As(err, &taxonomy) && len(taxonomy.Details) > 0 {
		data = taxonomy.Details
	}
	return rpcFailure(id, code, err.Error(), data)
}
