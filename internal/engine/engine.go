// Package engine implements the dispatch core of the MCP server: the
// session lifecycle (initialize through drain), the in-flight request table,
// and the routing of decoded messages to registered capabilities. It is
// transport-agnostic; a transport feeds it decoded messages and it emits
// responses and notifications through the outbound writer.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Tibiritabara/postgres-mcp/internal/jsonrpc"
	"github.com/Tibiritabara/postgres-mcp/internal/logctx"
	"github.com/Tibiritabara/postgres-mcp/internal/outbound"
	"github.com/Tibiritabara/postgres-mcp/mcp"
	"github.com/Tibiritabara/postgres-mcp/mcpservice"
	"github.com/Tibiritabara/postgres-mcp/sessions"
)

const defaultDrainTimeout = 10 * time.Second

var errCancelledByClient = errors.New("cancelled by client")

// Engine coordinates one session over one connection. Incoming requests are
// handled concurrently, each on its own goroutine; only the eventual
// response write is serialized, through the outbound writer.
type Engine struct {
	srv    mcpservice.ServerCapabilities
	writer *outbound.Writer
	caller *outbound.Caller
	log    *slog.Logger

	sess  *SessionHandle
	table *requestTable

	drainTimeout time.Duration

	beginOnce  sync.Once
	finishOnce sync.Once
	done       chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithDrainTimeout bounds how long shutdown waits for in-flight requests
// before force-cancelling them.
func WithDrainTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.drainTimeout = d
		}
	}
}

// WithCaller enables server-initiated calls to the client. When set, the
// engine fetches the client's workspace roots after the handshake completes
// and refreshes them on roots/list_changed notifications.
func WithCaller(c *outbound.Caller) Option {
	return func(e *Engine) { e.caller = c }
}

// WithUserID stamps the session with the identity of the local peer.
func WithUserID(userID string) Option {
	return func(e *Engine) { e.sess.userID = userID }
}

// New constructs an Engine for a single connection.
func New(srv mcpservice.ServerCapabilities, writer *outbound.Writer, opts ...Option) *Engine {
	e := &Engine{
		srv:          srv,
		writer:       writer,
		log:          slog.Default(),
		sess:         newSessionHandle(""),
		table:        newRequestTable(),
		drainTimeout: defaultDrainTimeout,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Session returns the engine's session handle.
func (e *Engine) Session() sessions.Session { return e.sess }

// Done is closed once the session reached the Closed state and no further
// output will be produced.
func (e *Engine) Done() <-chan struct{} { return e.done }

// HandleMessage routes one decoded request or notification. Responses to
// server-initiated calls are routed by the transport and never reach here.
// The call returns quickly; request handling continues on its own goroutine.
func (e *Engine) HandleMessage(ctx context.Context, msg *jsonrpc.AnyMessage) {
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       e.sess.SessionID(),
		UserID:          e.sess.UserID(),
		ProtocolVersion: e.sess.ProtocolVersion(),
		State:           e.sess.State(),
	})
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Type(),
	})

	switch msg.Type() {
	case "request":
		e.handleRequest(ctx, msg.AsRequest())
	case "notification":
		e.handleNotification(ctx, msg.AsRequest())
	default:
		// Responses without a matching server call are dropped by the
		// transport; one reaching here is a stray.
		e.log.WarnContext(ctx, "engine.stray_response")
	}
}

func (e *Engine) handleRequest(ctx context.Context, req *jsonrpc.Request) {
	if mcp.Method(req.Method) == mcp.InitializeMethod {
		e.handleInitialize(ctx, req)
		return
	}

	switch e.sess.State() {
	case sessions.StateDraining, sessions.StateClosed:
		e.emit(jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "server is shutting down", nil))
		return
	case sessions.StateReady:
		// proceed
	default:
		e.emit(jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeServerNotInitialized, "server not initialized", nil))
		return
	}

	if mcp.Method(req.Method) == mcp.ShutdownMethod {
		e.log.InfoContext(ctx, "engine.shutdown_requested")
		// Stop intake before acknowledging so nothing sneaks in behind the ack.
		e.beginDrain()
		if resp, err := jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{}); err == nil {
			e.emit(resp)
		}
		go e.drainAndClose(context.Background())
		return
	}

	e.dispatch(ctx, req)
}

// dispatch registers the request in the pending table and hands it to its
// own goroutine. Intake failures (duplicate id, draining) are answered
// immediately and never tracked.
func (e *Engine) dispatch(ctx context.Context, req *jsonrpc.Request) {
	reqCtx, cancel := context.WithCancelCause(ctx)

	if err := e.table.Begin(req.ID, req.Method, cancel); err != nil {
		cancel(nil)
		switch {
		case errors.Is(err, ErrDuplicateRequestID):
			e.log.InfoContext(ctx, "engine.duplicate_request_id")
			e.emit(jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "duplicate request id", nil))
		case errors.Is(err, ErrDraining):
			e.emit(jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "server is shutting down", nil))
		default:
			e.emit(jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil))
		}
		return
	}

	if token := progressToken(req.Params); token != nil {
		reqCtx = mcpservice.WithProgressReporter(reqCtx, &progressReporter{writer: e.writer, token: token})
	}

	key := req.ID.String()
	go func() {
		resp := e.invoke(reqCtx, req)
		if e.table.FinishEmit(key) {
			e.emit(resp)
		} else {
			e.log.DebugContext(reqCtx, "engine.response_discarded")
		}
	}()
}

// invoke produces exactly one response for the request. Handler and
// validation failures are mapped to error responses; nothing here can
// terminate the session.
func (e *Engine) invoke(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var resp *jsonrpc.Response
	switch mcp.Method(req.Method) {
	case mcp.PingMethod:
		resp = e.resultResponse(req.ID, &mcp.EmptyResult{})
	case mcp.ToolsListMethod:
		resp = e.handleToolsList(ctx, req)
	case mcp.ToolsCallMethod:
		resp = e.handleToolCall(ctx, req)
	case mcp.ResourcesListMethod:
		resp = e.handleResourcesList(ctx, req)
	case mcp.ResourcesTemplatesListMethod:
		resp = e.handleResourceTemplatesList(ctx, req)
	case mcp.ResourcesReadMethod:
		resp = e.handleResourcesRead(ctx, req)
	case mcp.PromptsListMethod:
		resp = e.handlePromptsList(ctx, req)
	case mcp.PromptsGetMethod:
		resp = e.handlePromptsGet(ctx, req)
	default:
		resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil)
	}

	if resp.Error != nil {
		log.InfoContext(ctx, "engine.handle_request.fail",
			slog.Int("code", int(resp.Error.Code)),
			slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	} else {
		log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	}
	return resp
}

func (e *Engine) handleInitialize(ctx context.Context, req *jsonrpc.Request) {
	if e.sess.State() != sessions.StateUninitialized {
		e.emit(jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "already initialized", nil))
		return
	}

	var params mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		e.emit(jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil))
		return
	}

	if err := e.sess.advance(sessions.StateNegotiating); err != nil {
		e.emit(jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil))
		return
	}

	negotiatedVersion := params.ProtocolVersion
	if v, ok, err := e.srv.GetPreferredProtocolVersion(ctx); err == nil && ok && v != "" {
		negotiatedVersion = v
	} else if !mcp.IsSupportedProtocolVersion(negotiatedVersion) {
		negotiatedVersion = mcp.LatestProtocolVersion
	}

	// Intersect client capabilities: entries the server does not understand
	// are silently dropped from the agreed set.
	capSet := sessions.CapabilitySet{}
	if params.Capabilities.Sampling != nil {
		capSet.Sampling = true
	}
	if params.Capabilities.Roots != nil {
		capSet.Roots = true
		capSet.RootsListChanged = params.Capabilities.Roots.ListChanged
	}
	if params.Capabilities.Elicitation != nil {
		capSet.Elicitation = true
	}

	e.sess.negotiated(negotiatedVersion, sessions.ClientInfo{
		Name:    params.ClientInfo.Name,
		Version: params.ClientInfo.Version,
	}, capSet)

	serverInfo, err := e.srv.GetServerInfo(ctx, e.sess)
	if err != nil {
		e.emit(jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil))
		return
	}

	result := &mcp.InitializeResult{
		ProtocolVersion: negotiatedVersion,
		ServerInfo:      serverInfo,
	}

	if _, ok, err := e.srv.GetToolsCapability(ctx, e.sess); err == nil && ok {
		result.Capabilities.Tools = &struct {
			ListChanged bool `json:"listChanged"`
		}{}
	}
	if _, ok, err := e.srv.GetResourcesCapability(ctx, e.sess); err == nil && ok {
		result.Capabilities.Resources = &struct {
			ListChanged bool `json:"listChanged"`
			Subscribe   bool `json:"subscribe"`
		}{}
	}
	if _, ok, err := e.srv.GetPromptsCapability(ctx, e.sess); err == nil && ok {
		result.Capabilities.Prompts = &struct {
			ListChanged bool `json:"listChanged"`
		}{}
	}

	if instr, ok, err := e.srv.GetInstructions(ctx, e.sess); err == nil && ok {
		result.Instructions = instr
	}

	e.log.InfoContext(ctx, "engine.initialize",
		slog.String("protocol_version", negotiatedVersion),
		slog.String("client", params.ClientInfo.Name))

	e.emit(e.resultResponse(req.ID, result))
}

func (e *Engine) handleNotification(ctx context.Context, note *jsonrpc.Request) {
	switch mcp.Method(note.Method) {
	case mcp.InitializedNotificationMethod:
		if e.sess.State() != sessions.StateNegotiating {
			e.log.WarnContext(ctx, "engine.initialized.unexpected", slog.String("state", string(e.sess.State())))
			return
		}
		if err := e.sess.advance(sessions.StateReady); err != nil {
			e.log.ErrorContext(ctx, "engine.initialized.fail", slog.String("err", err.Error()))
			return
		}
		e.log.InfoContext(ctx, "engine.session_ready")
		if e.caller != nil && e.sess.ClientCapabilities().Roots {
			go e.syncRoots(context.WithoutCancel(ctx))
		}

	case mcp.RootsListChangedNotificationMethod:
		if e.caller != nil && e.sess.State() == sessions.StateReady && e.sess.ClientCapabilities().Roots {
			go e.syncRoots(context.WithoutCancel(ctx))
		}

	case mcp.CancelledNotificationMethod:
		var params mcp.CancelledNotification
		if err := json.Unmarshal(note.Params, &params); err != nil || params.RequestID.IsNil() {
			e.log.WarnContext(ctx, "engine.cancelled.invalid")
			return
		}
		e.CancelRequest(ctx, params.RequestID.String(), params.Reason)

	case mcp.ExitNotificationMethod:
		e.log.InfoContext(ctx, "engine.exit_requested")
		e.beginDrain()
		go e.drainAndClose(context.Background())

	case mcp.ProgressNotificationMethod:
		// Peer progress for server-initiated calls; nothing to correlate here.

	default:
		e.log.DebugContext(ctx, "engine.notification.ignored", slog.String("method", note.Method))
	}
}

const rootsSyncTimeout = 15 * time.Second

// syncRoots fetches the client's workspace roots with a server-initiated
// roots/list call and records them on the session. Failures are logged and
// leave the previous root set in place.
func (e *Engine) syncRoots(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, rootsSyncTimeout)
	defer cancel()

	resp, err := e.caller.Call(ctx, string(mcp.RootsListMethod), mcp.ListRootsRequest{})
	if err != nil {
		e.log.WarnContext(ctx, "engine.roots_sync.fail", slog.String("err", err.Error()))
		return
	}
	if resp.Error != nil {
		e.log.WarnContext(ctx, "engine.roots_sync.refused", slog.Int("code", int(resp.Error.Code)))
		return
	}
	var result mcp.ListRootsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		e.log.WarnContext(ctx, "engine.roots_sync.decode_fail", slog.String("err", err.Error()))
		return
	}
	roots := make([]sessions.Root, 0, len(result.Roots))
	for _, r := range result.Roots {
		roots = append(roots, sessions.Root{URI: r.URI, Name: r.Name})
	}
	e.sess.setRoots(roots)
	e.log.InfoContext(ctx, "engine.roots_sync.ok", slog.Int("count", len(roots)))
}

// CancelRequest applies a cooperative cancellation to a pending request.
// When the cancel wins the race with handler completion, the
// cancellation-specific error response is emitted here, exactly once; the
// handler's eventual result is discarded. Unknown or completed ids are a
// no-op.
func (e *Engine) CancelRequest(ctx context.Context, requestID, reason string) {
	rid := e.table.Cancel(requestID, errCancelledByClient)
	if rid == nil {
		e.log.DebugContext(ctx, "engine.cancel.noop", slog.String("request_id", requestID))
		return
	}
	var data any
	if reason != "" {
		data = map[string]string{"reason": reason}
	}
	e.log.InfoContext(ctx, "engine.cancel", slog.String("request_id", requestID))
	e.emit(jsonrpc.NewErrorResponse(rid, jsonrpc.ErrorCodeRequestCancelled, "request cancelled", data))
}

// Drain runs the shutdown sequence synchronously: stop intake, await
// in-flight work up to the drain timeout, force-detach stragglers, close.
// It is idempotent; concurrent callers all return once the session closed.
func (e *Engine) Drain(ctx context.Context) {
	e.drainAndClose(ctx)
	<-e.done
}

func (e *Engine) beginDrain() {
	e.beginOnce.Do(func() {
		_ = e.sess.advance(sessions.StateDraining)
		e.table.BeginDrain()
	})
}

func (e *Engine) drainAndClose(ctx context.Context) {
	e.beginDrain()
	e.finishOnce.Do(func() {
		if n := e.table.Len(); n > 0 {
			e.log.InfoContext(ctx, "engine.drain.await", slog.Int("pending", n))
		}
		if !e.table.AwaitIdle(ctx, e.drainTimeout) {
			owed := e.table.ForceDetach()
			e.log.WarnContext(ctx, "engine.drain.timeout", slog.Int("detached", len(owed)))
			for _, rid := range owed {
				e.emit(jsonrpc.NewErrorResponse(rid, jsonrpc.ErrorCodeRequestCancelled, "request cancelled: shutting down", nil))
			}
		}

		_ = e.sess.advance(sessions.StateClosed)
		e.log.InfoContext(ctx, "engine.session_closed")
		close(e.done)
	})
}

// Abort tears the session down after an unrecoverable transport fault.
// Unlike Drain it cancels in-flight work immediately and emits nothing: a
// poisoned stream gets no further responses.
func (e *Engine) Abort() {
	e.beginDrain()
	e.finishOnce.Do(func() {
		if owed := e.table.ForceDetach(); len(owed) > 0 {
			e.log.Warn("engine.abort.detached", slog.Int("count", len(owed)))
		}
		_ = e.sess.advance(sessions.StateClosed)
		e.log.Info("engine.session_aborted")
		close(e.done)
	})
}

func (e *Engine) resultResponse(id *jsonrpc.RequestID, result any) *jsonrpc.Response {
	resp, err := jsonrpc.NewResultResponse(id, result)
	if err != nil {
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	return resp
}

func (e *Engine) emit(resp *jsonrpc.Response) {
	if err := e.writer.Send(context.Background(), resp); err != nil {
		e.log.Error("engine.emit_fail", slog.String("err", err.Error()))
	}
}

// errorResponse maps a capability failure to the wire error taxonomy:
// validation failures and unknown names are the caller's fault
// (InvalidParams), wire errors pass through verbatim, cancellations map to
// the cancellation code, and anything else is an application failure
// forwarded with its message.
func (e *Engine) errorResponse(id *jsonrpc.RequestID, err error) *jsonrpc.Response {
	var ve *mcpservice.ValidationError
	if errors.As(err, &ve) {
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInvalidParams, ve.Error(), nil)
	}
	if errors.Is(err, mcpservice.ErrToolNotFound) ||
		errors.Is(err, mcpservice.ErrPromptNotFound) ||
		errors.Is(err, mcpservice.ErrResourceNotFound) {
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
	}
	var je *jsonrpc.Error
	if errors.As(err, &je) {
		return jsonrpc.NewErrorResponse(id, je.Code, je.Message, je.Data)
	}
	if errors.Is(err, context.Canceled) {
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeRequestCancelled, "request cancelled", nil)
	}
	return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, err.Error(), nil)
}

func (e *Engine) handleToolsList(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params mcp.ListToolsRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
		}
	}

	cap, ok, err := e.srv.GetToolsCapability(ctx, e.sess)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	if !ok || cap == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "tools capability not supported", nil)
	}

	page, err := cap.ListTools(ctx, e.sess, cursorPtr(params.Cursor))
	if err != nil {
		return e.errorResponse(req.ID, err)
	}

	result := &mcp.ListToolsResult{Tools: page.Items}
	if page.NextCursor != nil {
		result.NextCursor = *page.NextCursor
	}
	return e.resultResponse(req.ID, result)
}

func (e *Engine) handleToolCall(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params mcp.CallToolRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
	}

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: params.Name})

	cap, ok, err := e.srv.GetToolsCapability(ctx, e.sess)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	if !ok || cap == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "tools capability not supported", nil)
	}

	result, err := cap.CallTool(ctx, e.sess, &params)
	if err != nil {
		return e.errorResponse(req.ID, err)
	}
	return e.resultResponse(req.ID, result)
}

func (e *Engine) handleResourcesList(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params mcp.ListResourcesRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
		}
	}

	cap, ok, err := e.srv.GetResourcesCapability(ctx, e.sess)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	if !ok || cap == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "resources capability not supported", nil)
	}

	page, err := cap.ListResources(ctx, e.sess, cursorPtr(params.Cursor))
	if err != nil {
		return e.errorResponse(req.ID, err)
	}

	result := &mcp.ListResourcesResult{Resources: page.Items}
	if page.NextCursor != nil {
		result.NextCursor = *page.NextCursor
	}
	return e.resultResponse(req.ID, result)
}

func (e *Engine) handleResourceTemplatesList(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params mcp.ListResourceTemplatesRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
		}
	}

	cap, ok, err := e.srv.GetResourcesCapability(ctx, e.sess)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	if !ok || cap == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "resources capability not supported", nil)
	}

	page, err := cap.ListResourceTemplates(ctx, e.sess, cursorPtr(params.Cursor))
	if err != nil {
		return e.errorResponse(req.ID, err)
	}

	result := &mcp.ListResourceTemplatesResult{ResourceTemplates: page.Items}
	if page.NextCursor != nil {
		result.NextCursor = *page.NextCursor
	}
	return e.resultResponse(req.ID, result)
}

func (e *Engine) handleResourcesRead(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params mcp.ReadResourceRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
	}

	cap, ok, err := e.srv.GetResourcesCapability(ctx, e.sess)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	if !ok || cap == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "resources capability not supported", nil)
	}

	contents, err := cap.ReadResource(ctx, e.sess, params.URI)
	if err != nil {
		return e.errorResponse(req.ID, err)
	}
	return e.resultResponse(req.ID, &mcp.ReadResourceResult{Contents: contents})
}

func (e *Engine) handlePromptsList(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params mcp.ListPromptsRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
		}
	}

	cap, ok, err := e.srv.GetPromptsCapability(ctx, e.sess)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	if !ok || cap == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "prompts capability not supported", nil)
	}

	page, err := cap.ListPrompts(ctx, e.sess, cursorPtr(params.Cursor))
	if err != nil {
		return e.errorResponse(req.ID, err)
	}

	result := &mcp.ListPromptsResult{Prompts: page.Items}
	if page.NextCursor != nil {
		result.NextCursor = *page.NextCursor
	}
	return e.resultResponse(req.ID, result)
}

func (e *Engine) handlePromptsGet(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params mcp.GetPromptRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
	}

	cap, ok, err := e.srv.GetPromptsCapability(ctx, e.sess)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	if !ok || cap == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "prompts capability not supported", nil)
	}

	result, err := cap.GetPrompt(ctx, e.sess, &params)
	if err != nil {
		return e.errorResponse(req.ID, err)
	}
	return e.resultResponse(req.ID, result)
}

func cursorPtr(cursor string) *string {
	if cursor == "" {
		return nil
	}
	return &cursor
}

// progressToken extracts _meta.progressToken from raw request params.
func progressToken(params json.RawMessage) any {
	if len(params) == 0 {
		return nil
	}
	var probe struct {
		Meta struct {
			ProgressToken any `json:"progressToken"`
		} `json:"_meta"`
	}
	if err := json.Unmarshal(params, &probe); err != nil {
		return nil
	}
	return probe.Meta.ProgressToken
}

// progressReporter forwards handler progress through the outbound writer.
// Emissions happen while the handler runs, so they are queued before the
// invocation's own response.
type progressReporter struct {
	writer *outbound.Writer
	token  any
}

func (p *progressReporter) Report(ctx context.Context, progress, total float64) error {
	note, err := jsonrpc.NewNotification(string(mcp.ProgressNotificationMethod), mcp.ProgressNotificationParams{
		ProgressToken: p.token,
		Progress:      progress,
		Total:         total,
	})
	if err != nil {
		return err
	}
	return p.writer.Send(ctx, note)
}
