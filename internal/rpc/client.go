package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/viable-systems/vsm-mcp/internal/idgen"
	"github.com/viable-systems/vsm-mcp/internal/transport"
)

const mcpProtocolVersion = "2024-11-05"

// ServerInfo names the peer as reported in its initialize result.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the decoded response of the initialize handshake.
type InitializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	ServerInfo      ServerInfo      `json:"serverInfo"`
	Capabilities    json.RawMessage `json:"capabilities"`
	Instructions    string          `json:"instructions,omitempty"`
}

// Tool describes one capability a tool-server exposes via tools/list.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type listToolsResult struct {
	Tools []Tool `json:"tools"`
}

// RequestHandler answers a request sent by the peer (server-to-client).
// Returning a non-nil *Error sends that error back instead of result.
type RequestHandler func(ctx context.Context, method string, params json.RawMessage) (any, *Error)

// NotificationHandler observes a fire-and-forget message from the peer.
type NotificationHandler func(method string, params json.RawMessage)

type pendingCall struct {
	resultCh chan *Response
}

// Client is a JSON-RPC 2.0 client over a line-framed Transport. It owns the
// pending-request correlation table and the read-side dispatch loop that
// classifies inbound lines as responses, requests, or notifications, per
// spec.md §4.B. Grounded on internal/harness/rpc.go's harnessRPC (Call,
// dispatchResponse, handleConnection) fused with the initialize/tools/list/
// tools/call sequence in cmd/aegis-agent/mcp.go's MCPClient.
type Client struct {
	tr *transport.Transport

	mu      sync.Mutex
	pending map[string]*pendingCall

	onRequest      RequestHandler
	onNotification NotificationHandler

	done chan struct{}
}

// NewClient starts the dispatch loop over tr. onRequest may be nil (server
// requests then always receive MethodNotFound). onNotification may be nil
// (notifications are then silently discarded).
func NewClient(tr *transport.Transport, onRequest RequestHandler, onNotification NotificationHandler) *Client {
	c := &Client{
		tr:             tr,
		pending:        make(map[string]*pendingCall),
		onRequest:      onRequest,
		onNotification: onNotification,
		done:           make(chan struct{}),
	}
	go c.dispatchLoop()
	return c
}

// Done is closed once the underlying transport's message stream ends (the
// child exited or its stdout pipe broke). Callers waiting on in-flight
// calls should select on Done alongside their own timeouts.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) dispatchLoop() {
	defer close(c.done)
	defer c.failAllPending()

	for msg := range c.tr.Messages() {
		if msg.Err != nil {
			log.Printf("rpc: dropping unparseable line: %v", msg.Err)
			continue
		}
		envs, perr := ParseMessage(msg.Data)
		if perr != nil {
			log.Printf("rpc: dropping malformed message: %v", perr)
			continue
		}
		for _, env := range envs {
			c.handleEnvelope(env)
		}
	}
}

func (c *Client) handleEnvelope(env *envelope) {
	switch classify(env) {
	case KindResponse:
		c.deliverResponse(env)
	case KindRequest:
		c.handlePeerRequest(env)
	case KindNotification:
		if c.onNotification != nil {
			c.onNotification(env.Method, env.Params)
		}
	default:
		log.Printf("rpc: dropping message that is neither request, response, nor notification")
	}
}

func (c *Client) deliverResponse(env *envelope) {
	key, ok := idKey(env.ID)
	if !ok {
		return
	}
	c.mu.Lock()
	pc, found := c.pending[key]
	if found {
		delete(c.pending, key)
	}
	c.mu.Unlock()
	if !found {
		// A response with no matching pending call — either a duplicate or
		// one that arrived after its caller already timed out. Drop it.
		return
	}
	resp := &Response{ID: env.ID, Result: env.Result, Error: env.Error}
	pc.resultCh <- resp
}

func (c *Client) handlePeerRequest(env *envelope) {
	var result any
	var rpcErr *Error
	if c.onRequest != nil {
		result, rpcErr = c.onRequest(context.Background(), env.Method, env.Params)
	} else {
		rpcErr = NewError(CodeMethodNotFound, fmt.Sprintf("method not found: %s", env.Method))
	}

	resp := Response{JSONRPC: protocolVersion, ID: rawID(env.ID)}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		raw, err := json.Marshal(result)
		if err != nil {
			resp.Error = NewError(CodeInternalError, "failed to encode result")
		} else {
			resp.Result = raw
		}
	}
	data, err := json.Marshal(resp)
	if err != nil {
		log.Printf("rpc: failed to encode response to peer request %s: %v", env.Method, err)
		return
	}
	if err := c.tr.Send(data); err != nil {
		log.Printf("rpc: failed to send response to peer request %s: %v", env.Method, err)
	}
}

func (c *Client) failAllPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, pc := range c.pending {
		pc.resultCh <- &Response{Error: NewError(CodeInternalError, "transport closed before response arrived")}
		delete(c.pending, key)
	}
}

// Call sends a request and blocks until a response arrives, ctx is done, or
// the transport closes — whichever comes first. A response that arrives
// after ctx has already expired is dropped by deliverResponse's map lookup
// (the entry was removed when Call gave up), matching the teacher's
// late-reply-dropping behavior in harnessRPC.Call.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, *Error) {
	reqID := idgen.RequestID()
	key := strconv.FormatInt(reqID, 10)

	var rawParams json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, NewError(CodeInvalidParams, "failed to encode params: "+err.Error())
		}
		rawParams = encoded
	}

	req := Request{JSONRPC: protocolVersion, ID: reqID, Method: method, Params: rawParams}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, NewError(CodeInternalError, "failed to encode request")
	}

	pc := &pendingCall{resultCh: make(chan *Response, 1)}
	c.mu.Lock()
	c.pending[key] = pc
	c.mu.Unlock()

	if err := c.tr.Send(data); err != nil {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
		return nil, NewError(CodeInternalError, "send failed: "+err.Error())
	}

	select {
	case resp := <-pc.resultCh:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
		return nil, NewError(CodeInternalError, "call timed out: "+ctx.Err().Error())
	case <-c.done:
		return nil, NewError(CodeInternalError, "transport closed")
	}
}

// Notify sends a fire-and-forget message; it never waits for a reply.
func (c *Client) Notify(method string, params any) error {
	var rawParams json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return err
		}
		rawParams = encoded
	}
	note := Notification{JSONRPC: protocolVersion, Method: method, Params: rawParams}
	data, err := json.Marshal(note)
	if err != nil {
		return err
	}
	return c.tr.Send(data)
}

// initializeParams mirrors the handshake body cmd/aegis-agent/mcp.go sends.
type initializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	ClientInfo      ServerInfo      `json:"clientInfo"`
	Capabilities    json.RawMessage `json:"capabilities"`
}

// Initialize performs the mandatory handshake every tool-server requires
// before any other call is valid (spec.md §4.C "mandatory initialize").
func (c *Client) Initialize(ctx context.Context, clientName, clientVersion string) (*InitializeResult, error) {
	params := initializeParams{
		ProtocolVersion: mcpProtocolVersion,
		ClientInfo:      ServerInfo{Name: clientName, Version: clientVersion},
		Capabilities:    json.RawMessage(`{}`),
	}
	raw, rpcErr := c.Call(ctx, "initialize", params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("rpc: malformed initialize result: %w", err)
	}
	if err := c.Notify("notifications/initialized", nil); err != nil {
		return nil, fmt.Errorf("rpc: failed to send initialized notification: %w", err)
	}
	return &result, nil
}

// ListTools fetches the tool-server's current tool catalog.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	raw, rpcErr := c.Call(ctx, "tools/list", nil)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var result listToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("rpc: malformed tools/list result: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes one named tool with the given arguments and returns its
// raw result payload for the caller to interpret.
func (c *Client) CallTool(ctx context.Context, name string, arguments any) (json.RawMessage, error) {
	params := struct {
		Name      string `json:"name"`
		Arguments any    `json:"arguments,omitempty"`
	}{Name: name, Arguments: arguments}
	raw, rpcErr := c.Call(ctx, "tools/call", params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	return raw, nil
}

// CallWithTimeout is a convenience wrapper applying a fixed deadline, for
// callers that don't carry their own context.
func (c *Client) CallWithTimeout(timeout time.Duration, method string, params any) (json.RawMessage, *Error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Call(ctx, method, params)
}

func idKey(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var asNumber json.Number
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		return asNumber.String(), true
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return "s:" + asString, true
	}
	return "", false
}

func rawID(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}
