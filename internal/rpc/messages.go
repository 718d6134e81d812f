// Package rpc implements the JSON-RPC 2.0 client (spec component B):
// request/response correlation by id, batch handling, and the standard
// error code taxonomy. Message shapes and validation rules are grounded
// on internal/harness/rpc.go's rpcRequest/rpcResponse/rpcError types and
// cmd/aegis-agent/mcp.go's initialize → tools/list → tools/call sequence.
package rpc

import (
	"encoding/json"
	"fmt"
)

// Standard JSON-RPC 2.0 error codes (spec.md §4.B).
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// ReservedAppErrorMin/Max bound the range application-defined codes may use.
const (
	ReservedAppErrorMin = -32099
	ReservedAppErrorMax = -32000
)

const protocolVersion = "2.0"

// Error is a JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError builds an *Error, the constructor most handlers use.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Request is an outbound or inbound JSON-RPC request — it requires a response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response carries either Result or Error, never both.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Notification is a fire-and-forget message; it has no id and gets no reply.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// envelope is used to classify a raw inbound message before decoding it
// into a concrete Request/Response/Notification.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Kind classifies a decoded message.
type Kind int

const (
	KindUnknown Kind = iota
	KindRequest
	KindResponse
	KindNotification
)

// hasIDField reports whether the raw "id" key was present at all,
// including present-and-null, which envelope.ID captures as the 4-byte
// literal "null" (see idIsNull).
func (e *envelope) hasIDField() bool {
	return len(e.ID) > 0
}

func (e *envelope) idIsNull() bool {
	return len(e.ID) == 4 && string(e.ID) == "null"
}

// classify determines whether env is a Request, Response, or Notification
// per spec.md §4.B: a Response never carries "method"; anything with
// "method" and an id is a Request; anything with "method" and no id (or a
// null id) is a Notification.
func classify(env *envelope) Kind {
	if env.Method == "" {
		if env.hasIDField() {
			return KindResponse
		}
		return KindUnknown
	}
	if env.hasIDField() && !env.idIsNull() {
		return KindRequest
	}
	return KindNotification
}

// ParseMessage parses one line of wire data into either a slice of
// envelopes (a batch — possibly of length 1 for a non-batch message) or
// an error. A malformed top-level JSON value is a ParseError (-32700); an
// empty batch is InvalidRequest (-32600).
func ParseMessage(data []byte) ([]*envelope, *Error) {
	trimmed := trimLeadingSpace(data)
	if len(trimmed) == 0 {
		return nil, NewError(CodeParseError, "empty message")
	}

	if trimmed[0] == '[' {
		var raw []json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, NewError(CodeParseError, "malformed JSON: "+err.Error())
		}
		if len(raw) == 0 {
			return nil, NewError(CodeInvalidRequest, "empty batch")
		}
		envs := make([]*envelope, 0, len(raw))
		for _, r := range raw {
			env, verr := parseOne(r)
			if verr != nil {
				// A malformed element inside a batch is replaced by an
				// empty envelope carrying no error detail: classify reports
				// it as KindUnknown and Validate rejects it. The rest of
				// the batch is still returned.
				envs = append(envs, &envelope{})
				continue
			}
			envs = append(envs, env)
		}
		return envs, nil
	}

	env, verr := parseOne(data)
	if verr != nil {
		return nil, verr
	}
	return []*envelope{env}, nil
}

func parseOne(data []byte) (*envelope, *Error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, NewError(CodeParseError, "malformed JSON: "+err.Error())
	}
	return &env, nil
}

// Validate enforces the bit-exact request-shape rules of spec.md §4.B
// against a decoded envelope classified as a Request or Notification.
func Validate(env *envelope) *Error {
	if env.JSONRPC != protocolVersion {
		return NewError(CodeInvalidRequest, `"jsonrpc" must be "2.0"`)
	}
	if env.Method == "" {
		return NewError(CodeInvalidRequest, "method must be a non-empty string")
	}
	if len(env.Params) > 0 {
		c := env.Params[0]
		if c != '{' && c != '[' {
			return NewError(CodeInvalidRequest, "params must be an object or array")
		}
	}
	return nil
}

func trimLeadingSpace(b []byte) []byte {
	i := 0
	for i < len(b) {
		switch b[i] {
		case ' ', '\t', '\r', '\n':
			i++
			continue
		}
		break
	}
	return b[i:]
}
