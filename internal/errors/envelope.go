package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Meta carries request correlation data on every response, success or error.
type Meta struct {
	RequestID string `json:"requestId,omitempty"`
	TenantID  string `json:"tenantId,omitempty"`
	Path      string `json:"path,omitempty"`
	Method    string `json:"method,omitempty"`
	Timestamp string `json:"timestamp"`
	Duration  int64  `json:"duration,omitempty"` // milliseconds
	Protocol  string `json:"protocol,omitempty"`
	TraceID   string `json:"traceId,omitempty"`
	SpanID    string `json:"spanId,omitempty"`
}

// ErrorBody is the error half of the standard envelope.
type ErrorBody struct {
	Code        Code   `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
	RetryAfter  int    `json:"retryAfter,omitempty"`
	ErrorID     string `json:"errorId"`
	Reason      string `json:"reason,omitempty"` // debug only, suppressed under masking
}

// Envelope is the standard response shape shared by every adapter.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorBody      `json:"error,omitempty"`
	Meta    Meta            `json:"meta"`
}

// NewMeta builds a Meta stamped with the current time in RFC3339.
func NewMeta(requestID, tenantID, path, method, protocol string) Meta {
	return Meta{
		RequestID: requestID,
		TenantID:  tenantID,
		Path:      path,
		Method:    method,
		Protocol:  protocol,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// Success wraps data in a standard success envelope.
func Success(data interface{}, meta Meta) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{Success: true, Data: raw, Meta: meta}, nil
}

// StandardError builds the standard error envelope for a GatewayError.
// Each occurrence gets a unique error id. Masking collapses internal
// messages and suppresses the debug reason.
func StandardError(ge *GatewayError, meta Meta, masking bool) *Envelope {
	body := &ErrorBody{
		Code:        ge.Code,
		Message:     MaskMessage(ge.Code, ge.Message, masking),
		Recoverable: Recoverable(ge.Code),
		RetryAfter:  ge.RetryAfter,
		ErrorID:     uuid.New().String(),
	}
	if !masking {
		body.Reason = ge.Reason
	}
	return &Envelope{Success: false, Error: body, Meta: meta}
}

// WriteJSON writes the envelope with the error's HTTP status and an
// X-Error-ID echo header.
func (e *Envelope) WriteJSON(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "application/json")
	if e.Error != nil {
		w.Header().Set("X-Error-ID", e.Error.ErrorID)
		if e.Error.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(e.Error.RetryAfter))
		}
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(e)
}

// jsonRPCCodes maps gateway codes to JSON-RPC 2.0 numeric codes.
var jsonRPCCodes = map[Code]int{
	CodeValidation:       -32602, // invalid params
	CodeNotFound:         -32601, // method not found
	CodeActionNotFound:   -32601,
	CodeMethodNotAllowed: -32601,
	CodeInternal:         -32603, // internal error
}

// JSONRPCError is the JSON-RPC 2.0 error envelope variant.
type JSONRPCError struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    struct {
			Code       Code   `json:"code"`
			HTTPStatus int    `json:"httpStatus"`
			ErrorID    string `json:"errorId"`
		} `json:"data"`
	} `json:"error"`
}

// JSONRPC builds the JSON-RPC error form. Codes without a dedicated mapping
// use -32000 (server error).
func JSONRPC(ge *GatewayError, id json.RawMessage, masking bool) *JSONRPCError {
	out := &JSONRPCError{JSONRPC: "2.0", ID: id}
	num, ok := jsonRPCCodes[ge.Code]
	if !ok {
		num = -32000
	}
	out.Error.Code = num
	out.Error.Message = MaskMessage(ge.Code, ge.Message, masking)
	out.Error.Data.Code = ge.Code
	out.Error.Data.HTTPStatus = ge.HTTPStatus()
	out.Error.Data.ErrorID = uuid.New().String()
	return out
}

// MCPError is the MCP-flavored error envelope variant.
type MCPError struct {
	Type    string `json:"type"` // always "error"
	Code    Code   `json:"code"`
	Message string `json:"message"`
	ErrorID string `json:"errorId"`
}

// MCP builds the MCP error form.
func MCP(ge *GatewayError, masking bool) *MCPError {
	return &MCPError{
		Type:    "error",
		Code:    ge.Code,
		Message: MaskMessage(ge.Code, ge.Message, masking),
		ErrorID: uuid.New().String(),
	}
}

// LLMError is a natural-language error form for model-facing clients.
type LLMError struct {
	Error      string `json:"error"`
	WhatToDo   string `json:"whatToDo"`
	Retryable  bool   `json:"retryable"`
	RetryAfter int    `json:"retryAfterSeconds,omitempty"`
	ErrorID    string `json:"errorId"`
}

// LLM builds the LLM-friendly error form.
func LLM(ge *GatewayError, masking bool) *LLMError {
	advice := "The request cannot be retried as-is. Correct the request and try again."
	if Recoverable(ge.Code) {
		advice = "This is a temporary condition. Retry the same request after a short delay."
	}
	return &LLMError{
		Error:      fmt.Sprintf("%s (%s)", MaskMessage(ge.Code, ge.Message, masking), ge.Code),
		WhatToDo:   advice,
		Retryable:  Recoverable(ge.Code),
		RetryAfter: ge.RetryAfter,
		ErrorID:    uuid.New().String(),
	}
}

// SSE renders the error as a server-sent-events error frame.
func SSE(ge *GatewayError, meta Meta, masking bool) []byte {
	env := StandardError(ge, meta, masking)
	data, _ := json.Marshal(env)
	return []byte("event: error\ndata: " + string(data) + "\n\n")
}

// ParseEnvelope recovers a GatewayError from a serialized standard, JSON-RPC,
// or MCP error envelope. It reverses StandardError, JSONRPC, and MCP for
// every code in the taxonomy.
func ParseEnvelope(raw []byte) (*GatewayError, error) {
	// Standard envelope
	var std Envelope
	if err := json.Unmarshal(raw, &std); err == nil && std.Error != nil {
		ge := New(std.Error.Code, std.Error.Message)
		ge.RetryAfter = std.Error.RetryAfter
		ge.Reason = std.Error.Reason
		return ge, nil
	}

	// JSON-RPC envelope
	var rpc JSONRPCError
	if err := json.Unmarshal(raw, &rpc); err == nil && rpc.JSONRPC == "2.0" && rpc.Error.Data.Code != "" {
		ge := New(rpc.Error.Data.Code, rpc.Error.Message)
		ge.Status = rpc.Error.Data.HTTPStatus
		return ge, nil
	}

	// MCP envelope
	var mcp MCPError
	if err := json.Unmarshal(raw, &mcp); err == nil && mcp.Type == "error" && mcp.Code != "" {
		return New(mcp.Code, mcp.Message), nil
	}

	return nil, fmt.Errorf("unrecognized error envelope")
}
