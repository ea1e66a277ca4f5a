// Package broker exposes the adapter registry over a JSON-RPC 2.0 line
// protocol on stdio: one JSON object per line, requests answered in
// completion order, notifications never answered.
package broker

import (
	"encoding/json"
	"fmt"

	"github.com/safeflowhq/safeflow/pkg/adapter"
	"github.com/safeflowhq/safeflow/pkg/schema"
)

const (
	ProtocolVersion = "2024-11-05"
	ServerName      = "safeflow-broker"
	ServerVersion   = "1.0.0"
)

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Extension error codes. -32001..-32004 cover broker state, -32010..-32013
// mirror the adapter failure taxonomy.
const (
	CodeToolMissing      = -32001
	CodeNotInitialized   = -32002
	CodeShuttingDown     = -32003
	CodeBusy             = -32004
	CodeInvalidScanInput = -32010
	CodeExecutionFailed  = -32011
	CodeTimeout          = -32012
	CodeParseFailure     = -32013
)

// Request is an incoming JSON-RPC message. A missing id marks a
// notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request expects no response.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response is an outgoing JSON-RPC message.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc %d: %s", e.Code, e.Message)
}

// NewResponse builds a success response for a request id.
func NewResponse(id json.RawMessage, result any) Response {
	return Response{JSONRPC: "2.0", ID: id, Result: result}
}

// NewErrorResponse builds an error response for a request id.
func NewErrorResponse(id json.RawMessage, code int, message string, data any) Response {
	if id == nil {
		id = json.RawMessage("null")
	}
	return Response{JSONRPC: "2.0", ID: id, Error: &Error{Code: code, Message: message, Data: data}}
}

// ExecutionErrorData carries the failure detail for -32011.
type ExecutionErrorData struct {
	ExitCode   int    `json:"exit_code"`
	StderrTail string `json:"stderr_tail,omitempty"`
}

// ErrorFromAdapter maps the adapter failure taxonomy onto the extension
// codes.
func ErrorFromAdapter(err error) *Error {
	ae, ok := adapter.AsError(err)
	if !ok {
		return &Error{Code: CodeInternalError, Message: err.Error()}
	}
	switch ae.Kind {
	case adapter.KindInvalidInput:
		return &Error{Code: CodeInvalidScanInput, Message: ae.Error()}
	case adapter.KindToolMissing:
		return &Error{Code: CodeToolMissing, Message: ae.Error()}
	case adapter.KindExecutionFailed:
		return &Error{
			Code:    CodeExecutionFailed,
			Message: ae.Error(),
			Data:    ExecutionErrorData{ExitCode: ae.ExitCode, StderrTail: ae.StderrTail},
		}
	case adapter.KindTimeout:
		return &Error{Code: CodeTimeout, Message: ae.Error()}
	case adapter.KindParseError:
		return &Error{Code: CodeParseFailure, Message: ae.Error()}
	case adapter.KindCanceled:
		return &Error{Code: CodeInternalError, Message: ae.Error()}
	default:
		return &Error{Code: CodeInternalError, Message: ae.Error()}
	}
}

// InitializeParams is the client's opening handshake.
type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ClientInfo      Implementation `json:"clientInfo"`
}

// Implementation names one protocol party.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the server's half of the handshake.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      Implementation     `json:"serverInfo"`
	Capabilities    ServerCapabilities `json:"capabilities"`
}

// ServerCapabilities advertises what the broker serves.
type ServerCapabilities struct {
	Tools     map[string]any `json:"tools,omitempty"`
	Resources map[string]any `json:"resources,omitempty"`
}

// ToolDescriptor is one entry of tools/list. Available reflects whether the
// tool's backing binary was reachable when the list was built.
type ToolDescriptor struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	InputSchema json.RawMessage    `json:"inputSchema"`
	Category    schema.Category    `json:"category,omitempty"`
	Available   bool               `json:"available"`
	Capability  *schema.Capability `json:"capability,omitempty"`
}

// ToolsListResult answers tools/list.
type ToolsListResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

// CallParams carries a tools/call invocation.
type CallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ContentItem is one block of a tool result.
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// CallResult answers tools/call.
type CallResult struct {
	Content []ContentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// ResourceDescriptor is one entry of resources/list.
type ResourceDescriptor struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourcesListResult answers resources/list.
type ResourcesListResult struct {
	Resources []ResourceDescriptor `json:"resources"`
}

// ResourcesReadParams selects a resource by URI.
type ResourcesReadParams struct {
	URI string `json:"uri"`
}

// ResourceContent is one block of resources/read.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text"`
}

// ResourcesReadResult answers resources/read.
type ResourcesReadResult struct {
	Contents []ResourceContent `json:"contents"`
}
