package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Tibiritabara/postgres-mcp/internal/jsonrpc"
	"github.com/Tibiritabara/postgres-mcp/mcp"
	"github.com/Tibiritabara/postgres-mcp/mcpservice"
	"github.com/Tibiritabara/postgres-mcp/sessions"
)

// testHarness encapsulates pipes and collected output for stdio handler tests.
type testHarness struct {
	t       *testing.T
	cancel  context.CancelFunc
	stdinW  *io.PipeWriter
	stdoutR *bufio.Scanner
	outMu   sync.Mutex
	lines   []string
	serveCh chan error
}

func defaultInitializeRequest() mcp.InitializeRequest {
	return mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		ClientInfo:      mcp.ImplementationInfo{Name: "client", Version: "0.0.1"},
	}
}

func newHarness(t *testing.T, srv mcpservice.ServerCapabilities, opts ...Option) *testHarness {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	opts = append([]Option{WithIO(inR, outW), WithLogger(slog.Default())}, opts...)
	h := NewHandler(srv, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	th := &testHarness{
		t:       t,
		cancel:  cancel,
		stdinW:  inW,
		stdoutR: bufio.NewScanner(outR),
		serveCh: make(chan error, 1),
	}

	go func() {
		th.serveCh <- h.Serve(ctx)
		_ = outW.Close()
	}()

	go func() {
		for th.stdoutR.Scan() {
			line := strings.TrimSpace(th.stdoutR.Text())
			th.t.Logf("OUT: %s", line)
			th.outMu.Lock()
			th.lines = append(th.lines, line)
			th.outMu.Unlock()
		}
	}()

	t.Cleanup(func() {
		cancel()
		_ = inW.Close()
		_ = outW.Close()
		time.Sleep(10 * time.Millisecond)
	})
	return th
}

func (th *testHarness) send(req *jsonrpc.Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = th.stdinW.Write(append(b, '\n'))
	return err
}

func (th *testHarness) sendRaw(line string) error {
	_, err := th.stdinW.Write([]byte(line + "\n"))
	return err
}

func (th *testHarness) nextLine(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		th.outMu.Lock()
		if len(th.lines) > 0 {
			s := th.lines[0]
			th.lines = th.lines[1:]
			th.outMu.Unlock()
			return s, nil
		}
		th.outMu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	return "", fmt.Errorf("timeout waiting for output line")
}

func (th *testHarness) expectResponse(timeout time.Duration) (*jsonrpc.Response, error) {
	line, err := th.nextLine(timeout)
	if err != nil {
		return nil, err
	}
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return nil, err
	}
	if msg.Type() != "response" {
		return nil, fmt.Errorf("expected response, got %s (%s)", msg.Type(), line)
	}
	return msg.AsResponse(), nil
}

func (th *testHarness) serveResult(timeout time.Duration) (error, bool) {
	select {
	case err := <-th.serveCh:
		return err, true
	case <-time.After(timeout):
		return nil, false
	}
}

// initialize performs the full handshake: initialize request plus the
// initialized notification, leaving the session ready.
func (th *testHarness) initialize(t *testing.T, id string) *mcp.InitializeResult {
	t.Helper()

	initReq := &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.InitializeMethod),
		ID:             jsonrpc.NewRequestID(id),
		Params:         mustJSON(t, defaultInitializeRequest()),
	}
	if err := th.send(initReq); err != nil {
		t.Fatalf("send initialize: %v", err)
	}

	res, err := th.expectResponse(time.Second)
	if err != nil {
		t.Fatalf("expect initialize response: %v", err)
	}
	if res.Error != nil {
		t.Fatalf("initialize failed: %+v", res.Error)
	}

	var initRes mcp.InitializeResult
	if err := json.Unmarshal(res.Result, &initRes); err != nil {
		t.Fatalf("decode initialize result: %v", err)
	}

	note := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.InitializedNotificationMethod)}
	if err := th.send(note); err != nil {
		t.Fatalf("send initialized: %v", err)
	}
	return &initRes
}

// slowTool blocks until its context is cancelled or release is closed.
func slowTool(name string, started chan<- struct{}, release <-chan struct{}) mcpservice.StaticTool {
	return mcpservice.StaticTool{
		Descriptor: mcp.Tool{Name: name, InputSchema: mcp.ToolInputSchema{Type: "object"}},
		Handler: func(ctx context.Context, _ sessions.Session, _ *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
			if started != nil {
				started <- struct{}{}
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-release:
				return &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.TextContent("done")}}, nil
			}
		},
	}
}

func callRequest(t *testing.T, id, tool string) *jsonrpc.Request {
	t.Helper()
	return &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.ToolsCallMethod),
		ID:             jsonrpc.NewRequestID(id),
		Params:         mustJSON(t, mcp.CallToolRequestReceived{Name: tool}),
	}
}

func TestInitialize_HappyPath(t *testing.T) {
	srv := mcpservice.NewServer(
		mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "test", Version: "1.0.0"}),
		mcpservice.WithInstructions("Have fun!"),
		mcpservice.WithToolsCapability(mcpservice.NewToolRegistry()),
	)
	th := newHarness(t, srv)

	initRes := th.initialize(t, "init-1")
	if initRes.ProtocolVersion != mcp.LatestProtocolVersion {
		t.Fatalf("server protocol version mismatch: %s", initRes.ProtocolVersion)
	}
	if initRes.ServerInfo.Name != "test" {
		t.Fatalf("server info missing")
	}
	if initRes.Capabilities.Tools == nil {
		t.Fatalf("tools capability not advertised")
	}
	if initRes.Capabilities.Resources != nil {
		t.Fatalf("resources capability advertised without a provider")
	}
	if initRes.Instructions != "Have fun!" {
		t.Fatalf("instructions missing: %q", initRes.Instructions)
	}
}

func TestInitialize_UnsupportedVersionFallsBack(t *testing.T) {
	srv := mcpservice.NewServer(mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "test", Version: "1.0.0"}))
	th := newHarness(t, srv)

	req := &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.InitializeMethod),
		ID:             jsonrpc.NewRequestID("init-1"),
		Params: mustJSON(t, mcp.InitializeRequest{
			ProtocolVersion: "1999-01-01",
			ClientInfo:      mcp.ImplementationInfo{Name: "client", Version: "0.0.1"},
		}),
	}
	if err := th.send(req); err != nil {
		t.Fatal(err)
	}
	res, err := th.expectResponse(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	var initRes mcp.InitializeResult
	if err := json.Unmarshal(res.Result, &initRes); err != nil {
		t.Fatal(err)
	}
	if initRes.ProtocolVersion != mcp.LatestProtocolVersion {
		t.Fatalf("expected fallback to latest version, got %s", initRes.ProtocolVersion)
	}
}

func TestPreReady_RequestsRejected(t *testing.T) {
	srv := mcpservice.NewServer(mcpservice.WithToolsCapability(mcpservice.NewToolRegistry()))
	th := newHarness(t, srv)

	// Before initialize: everything except initialize is rejected.
	list := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.ToolsListMethod), ID: jsonrpc.NewRequestID("1")}
	if err := th.send(list); err != nil {
		t.Fatal(err)
	}
	res, err := th.expectResponse(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeServerNotInitialized {
		t.Fatalf("expected server-not-initialized, got %+v", res.Error)
	}

	// After initialize but before initialized: still rejected.
	initReq := &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.InitializeMethod),
		ID:             jsonrpc.NewRequestID("init-1"),
		Params:         mustJSON(t, defaultInitializeRequest()),
	}
	if err := th.send(initReq); err != nil {
		t.Fatal(err)
	}
	if res, err = th.expectResponse(time.Second); err != nil || res.Error != nil {
		t.Fatalf("initialize: %v %+v", err, res)
	}

	if err := th.send(&jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.PingMethod), ID: jsonrpc.NewRequestID("2")}); err != nil {
		t.Fatal(err)
	}
	res, err = th.expectResponse(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeServerNotInitialized {
		t.Fatalf("expected rejection before initialized, got %+v", res.Error)
	}
}

func TestDuplicateInitialize_Rejected(t *testing.T) {
	srv := mcpservice.NewServer(mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "test", Version: "1.0.0"}))
	th := newHarness(t, srv)

	_ = th.initialize(t, "init-1")

	again := &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.InitializeMethod),
		ID:             jsonrpc.NewRequestID("init-2"),
		Params:         mustJSON(t, defaultInitializeRequest()),
	}
	if err := th.send(again); err != nil {
		t.Fatal(err)
	}
	res, err := th.expectResponse(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("expected invalid request for duplicate initialize, got %+v", res.Error)
	}
}

func TestTools_ListAndCall(t *testing.T) {
	tr := mcpservice.NewToolRegistry()
	echo := mcpservice.StaticTool{
		Descriptor: mcp.Tool{
			Name: "echo",
			InputSchema: mcp.ToolInputSchema{
				Type:       "object",
				Properties: map[string]mcp.SchemaProperty{"text": {Type: "string"}},
				Required:   []string{"text"},
			},
		},
		Handler: func(ctx context.Context, _ sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
			var args struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(req.Arguments, &args); err != nil {
				return mcpservice.Errorf("invalid arguments: %v", err), nil
			}
			return &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.TextContent(args.Text)}}, nil
		},
	}
	if err := tr.Register(echo); err != nil {
		t.Fatal(err)
	}
	srv := mcpservice.NewServer(mcpservice.WithToolsCapability(tr))
	th := newHarness(t, srv)

	_ = th.initialize(t, "init-1")

	listReq := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.ToolsListMethod), ID: jsonrpc.NewRequestID("1")}
	if err := th.send(listReq); err != nil {
		t.Fatal(err)
	}
	res, err := th.expectResponse(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error != nil {
		t.Fatalf("list error: %+v", res.Error)
	}
	var list mcp.ListToolsResult
	if err := json.Unmarshal(res.Result, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Tools) != 1 || list.Tools[0].Name != "echo" {
		t.Fatalf("unexpected tools: %+v", list.Tools)
	}

	callReq := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.ToolsCallMethod), ID: jsonrpc.NewRequestID("2")}
	callReq.Params = mustJSON(t, mcp.CallToolRequestReceived{Name: "echo", Arguments: mustJSON(t, map[string]any{"text": "hi"})})
	if err := th.send(callReq); err != nil {
		t.Fatal(err)
	}
	res, err = th.expectResponse(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error != nil {
		t.Fatalf("call error: %+v", res.Error)
	}
	var result mcp.CallToolResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Content) == 0 || result.Content[0].Text != "hi" {
		t.Fatalf("unexpected tool result: %+v", result)
	}
}

func TestDuplicateRequestID_Rejected(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	tr := mcpservice.NewToolRegistry()
	if err := tr.Register(slowTool("slow", started, release)); err != nil {
		t.Fatal(err)
	}
	srv := mcpservice.NewServer(mcpservice.WithToolsCapability(tr))
	th := newHarness(t, srv)

	_ = th.initialize(t, "init-1")

	if err := th.send(callRequest(t, "dup", "slow")); err != nil {
		t.Fatal(err)
	}
	<-started

	// Reuse the in-flight id. The duplicate is rejected; the original keeps
	// running.
	if err := th.send(callRequest(t, "dup", "slow")); err != nil {
		t.Fatal(err)
	}
	res, err := th.expectResponse(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("expected duplicate id rejection, got %+v", res)
	}

	close(release)
	res, err = th.expectResponse(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error != nil {
		t.Fatalf("original request should complete normally: %+v", res.Error)
	}
}

func TestCancellation_ToolsCall(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	tr := mcpservice.NewToolRegistry()
	if err := tr.Register(slowTool("slow", started, release)); err != nil {
		t.Fatal(err)
	}
	srv := mcpservice.NewServer(mcpservice.WithToolsCapability(tr))
	th := newHarness(t, srv)

	_ = th.initialize(t, "init-1")

	if err := th.send(callRequest(t, "42", "slow")); err != nil {
		t.Fatal(err)
	}
	<-started

	cancelNote := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.CancelledNotificationMethod)}
	cancelNote.Params = mustJSON(t, mcp.CancelledNotification{RequestID: jsonrpc.NewRequestID("42"), Reason: "test"})
	if err := th.send(cancelNote); err != nil {
		t.Fatal(err)
	}

	res, err := th.expectResponse(time.Second)
	if err != nil {
		t.Fatalf("expect cancellation response: %v", err)
	}
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeRequestCancelled {
		t.Fatalf("expected request-cancelled response, got %+v", res)
	}

	// The handler's late return must not produce a second response.
	if line, err := th.nextLine(100 * time.Millisecond); err == nil {
		t.Fatalf("unexpected extra output after cancellation: %s", line)
	}
}

func TestCancellation_NumericRequestID(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	tr := mcpservice.NewToolRegistry()
	if err := tr.Register(slowTool("slow", started, release)); err != nil {
		t.Fatal(err)
	}
	srv := mcpservice.NewServer(mcpservice.WithToolsCapability(tr))
	th := newHarness(t, srv)

	_ = th.initialize(t, "init-1")

	// Clients are free to use numeric JSON-RPC ids; the cancellation then
	// carries the id as a JSON number too.
	if err := th.sendRaw(`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"slow"}}`); err != nil {
		t.Fatal(err)
	}
	<-started

	if err := th.sendRaw(`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":7}}`); err != nil {
		t.Fatal(err)
	}

	res, err := th.expectResponse(time.Second)
	if err != nil {
		t.Fatalf("expect cancellation response: %v", err)
	}
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeRequestCancelled {
		t.Fatalf("expected request-cancelled response, got %+v", res)
	}
	if res.ID.String() != "7" {
		t.Fatalf("cancellation response id = %q, want %q", res.ID.String(), "7")
	}

	if line, err := th.nextLine(100 * time.Millisecond); err == nil {
		t.Fatalf("unexpected extra output after cancellation: %s", line)
	}
}

func TestCancellation_UnknownIDIgnored(t *testing.T) {
	srv := mcpservice.NewServer(mcpservice.WithToolsCapability(mcpservice.NewToolRegistry()))
	th := newHarness(t, srv)

	_ = th.initialize(t, "init-1")

	cancelNote := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.CancelledNotificationMethod)}
	cancelNote.Params = mustJSON(t, mcp.CancelledNotification{RequestID: jsonrpc.NewRequestID("never-seen")})
	if err := th.send(cancelNote); err != nil {
		t.Fatal(err)
	}

	// Session stays responsive.
	if err := th.send(&jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.PingMethod), ID: jsonrpc.NewRequestID("1")}); err != nil {
		t.Fatal(err)
	}
	res, err := th.expectResponse(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error != nil {
		t.Fatalf("ping after stray cancel failed: %+v", res.Error)
	}
}

func TestRootsSync_AfterInitialized(t *testing.T) {
	tr := mcpservice.NewToolRegistry()
	rootsEcho := mcpservice.StaticTool{
		Descriptor: mcp.Tool{Name: "roots_echo", InputSchema: mcp.ToolInputSchema{Type: "object"}},
		Handler: func(_ context.Context, sess sessions.Session, _ *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
			var uris []string
			for _, r := range sess.Roots() {
				uris = append(uris, r.URI)
			}
			return &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.TextContent(strings.Join(uris, ","))}}, nil
		},
	}
	if err := tr.Register(rootsEcho); err != nil {
		t.Fatal(err)
	}
	srv := mcpservice.NewServer(mcpservice.WithToolsCapability(tr))
	th := newHarness(t, srv)

	initParams := defaultInitializeRequest()
	initParams.Capabilities.Roots = &struct {
		ListChanged bool `json:"listChanged"`
	}{ListChanged: true}
	initReq := &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.InitializeMethod),
		ID:             jsonrpc.NewRequestID("init-1"),
		Params:         mustJSON(t, initParams),
	}
	if err := th.send(initReq); err != nil {
		t.Fatal(err)
	}
	if res, err := th.expectResponse(time.Second); err != nil || res.Error != nil {
		t.Fatalf("initialize: %v %+v", err, res)
	}
	if err := th.send(&jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.InitializedNotificationMethod)}); err != nil {
		t.Fatal(err)
	}

	// Handshake completion triggers a server-initiated roots/list call.
	line, err := th.nextLine(time.Second)
	if err != nil {
		t.Fatalf("expect roots/list request: %v", err)
	}
	var call jsonrpc.AnyMessage
	if err := json.Unmarshal([]byte(line), &call); err != nil {
		t.Fatal(err)
	}
	if call.Type() != "request" || call.Method != string(mcp.RootsListMethod) {
		t.Fatalf("expected roots/list request, got %s", line)
	}
	if !strings.HasPrefix(call.ID.String(), "s-") {
		t.Fatalf("server call id %q not in server namespace", call.ID.String())
	}

	reply := fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"result":{"roots":[{"uri":"file:///workspace","name":"ws"}]}}`, call.ID.String())
	if err := th.sendRaw(reply); err != nil {
		t.Fatal(err)
	}

	// Root sync lands asynchronously; poll through the tool until visible.
	deadline := time.Now().Add(time.Second)
	for i := 0; ; i++ {
		if err := th.send(callRequest(t, fmt.Sprintf("t%d", i), "roots_echo")); err != nil {
			t.Fatal(err)
		}
		res, err := th.expectResponse(time.Second)
		if err != nil {
			t.Fatal(err)
		}
		var result mcp.CallToolResult
		if err := json.Unmarshal(res.Result, &result); err != nil {
			t.Fatal(err)
		}
		if len(result.Content) == 1 && result.Content[0].Text == "file:///workspace" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("roots never reached the session, last content: %+v", result.Content)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNoHeadOfLineBlocking(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	tr := mcpservice.NewToolRegistry()
	if err := tr.Register(slowTool("slow", started, release)); err != nil {
		t.Fatal(err)
	}
	srv := mcpservice.NewServer(mcpservice.WithToolsCapability(tr))
	th := newHarness(t, srv)

	_ = th.initialize(t, "init-1")

	if err := th.send(callRequest(t, "a", "slow")); err != nil {
		t.Fatal(err)
	}
	<-started

	if err := th.send(&jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.PingMethod), ID: jsonrpc.NewRequestID("b")}); err != nil {
		t.Fatal(err)
	}

	// Ping overtakes the stalled tool call.
	res, err := th.expectResponse(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.ID.String() != "b" {
		t.Fatalf("expected ping response first, got id %s", res.ID.String())
	}

	close(release)
	res, err = th.expectResponse(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.ID.String() != "a" {
		t.Fatalf("expected slow response second, got id %s", res.ID.String())
	}
}

func TestShutdown_DrainsInFlight(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	tr := mcpservice.NewToolRegistry()
	if err := tr.Register(slowTool("slow", started, release)); err != nil {
		t.Fatal(err)
	}
	srv := mcpservice.NewServer(mcpservice.WithToolsCapability(tr))
	th := newHarness(t, srv, WithDrainTimeout(5*time.Second))

	_ = th.initialize(t, "init-1")

	if err := th.send(callRequest(t, "a", "slow")); err != nil {
		t.Fatal(err)
	}
	<-started

	if err := th.send(&jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.ShutdownMethod), ID: jsonrpc.NewRequestID("s")}); err != nil {
		t.Fatal(err)
	}

	// Shutdown acknowledges immediately.
	res, err := th.expectResponse(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.ID.String() != "s" || res.Error != nil {
		t.Fatalf("unexpected shutdown ack: %+v", res)
	}

	// New intake is refused while draining.
	if err := th.send(&jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.PingMethod), ID: jsonrpc.NewRequestID("late")}); err != nil {
		t.Fatal(err)
	}
	res, err = th.expectResponse(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("expected rejection while draining, got %+v", res)
	}

	// The in-flight request finishes and gets its response before exit.
	close(release)
	res, err = th.expectResponse(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.ID.String() != "a" || res.Error != nil {
		t.Fatalf("in-flight request should complete during drain: %+v", res)
	}

	if err, ok := th.serveResult(2 * time.Second); !ok {
		t.Fatal("Serve did not return after drain")
	} else if err != nil {
		t.Fatalf("expected clean exit, got %v", err)
	}
}

func TestShutdown_ForceDetachAfterTimeout(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	defer close(release)
	tr := mcpservice.NewToolRegistry()
	// Tool ignores cancellation, forcing the drain timeout to fire.
	stubborn := mcpservice.StaticTool{
		Descriptor: mcp.Tool{Name: "stubborn", InputSchema: mcp.ToolInputSchema{Type: "object"}},
		Handler: func(ctx context.Context, _ sessions.Session, _ *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
			started <- struct{}{}
			<-release
			return &mcp.CallToolResult{}, nil
		},
	}
	if err := tr.Register(stubborn); err != nil {
		t.Fatal(err)
	}
	srv := mcpservice.NewServer(mcpservice.WithToolsCapability(tr))
	th := newHarness(t, srv, WithDrainTimeout(50*time.Millisecond))

	_ = th.initialize(t, "init-1")

	if err := th.send(callRequest(t, "a", "stubborn")); err != nil {
		t.Fatal(err)
	}
	<-started

	if err := th.send(&jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.ShutdownMethod), ID: jsonrpc.NewRequestID("s")}); err != nil {
		t.Fatal(err)
	}
	if res, err := th.expectResponse(time.Second); err != nil || res.Error != nil {
		t.Fatalf("shutdown ack: %v %+v", err, res)
	}

	// The owed id gets a cancellation response when the drain gives up.
	res, err := th.expectResponse(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.ID.String() != "a" || res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeRequestCancelled {
		t.Fatalf("expected cancelled response for detached request, got %+v", res)
	}

	if err, ok := th.serveResult(2 * time.Second); !ok {
		t.Fatal("Serve did not return after forced drain")
	} else if err != nil {
		t.Fatalf("expected clean exit, got %v", err)
	}
}

func TestMalformedFrame_Fatal(t *testing.T) {
	srv := mcpservice.NewServer(mcpservice.WithToolsCapability(mcpservice.NewToolRegistry()))
	th := newHarness(t, srv)

	if err := th.sendRaw("this is not json"); err != nil {
		t.Fatal(err)
	}

	err, ok := th.serveResult(2 * time.Second)
	if !ok {
		t.Fatal("Serve did not return after malformed frame")
	}
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
}

func TestMalformedFrame_AbortsInFlight(t *testing.T) {
	started := make(chan struct{}, 1)
	cancelled := make(chan struct{})
	tr := mcpservice.NewToolRegistry()
	tool := mcpservice.StaticTool{
		Descriptor: mcp.Tool{Name: "slow", InputSchema: mcp.ToolInputSchema{Type: "object"}},
		Handler: func(ctx context.Context, _ sessions.Session, _ *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
			started <- struct{}{}
			<-ctx.Done()
			close(cancelled)
			return nil, ctx.Err()
		},
	}
	if err := tr.Register(tool); err != nil {
		t.Fatal(err)
	}
	srv := mcpservice.NewServer(mcpservice.WithToolsCapability(tr))
	th := newHarness(t, srv)

	_ = th.initialize(t, "init-1")
	if err := th.send(callRequest(t, "a", "slow")); err != nil {
		t.Fatal(err)
	}
	<-started

	if err := th.sendRaw("this is not json"); err != nil {
		t.Fatal(err)
	}

	err, ok := th.serveResult(2 * time.Second)
	if !ok {
		t.Fatal("Serve did not return after malformed frame")
	}
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %v", err)
	}

	// Teardown releases in-flight handlers and attempts no further output.
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("in-flight handler was not cancelled")
	}
	if line, err := th.nextLine(100 * time.Millisecond); err == nil {
		t.Fatalf("unexpected output after transport fault: %s", line)
	}
}

func TestInvalidEnvelope_SessionContinues(t *testing.T) {
	srv := mcpservice.NewServer(mcpservice.WithToolsCapability(mcpservice.NewToolRegistry()))
	th := newHarness(t, srv)

	_ = th.initialize(t, "init-1")

	// Valid JSON, broken envelope: wrong jsonrpc version.
	if err := th.sendRaw(`{"jsonrpc":"1.0","method":"ping","id":"x"}`); err != nil {
		t.Fatal(err)
	}
	res, err := th.expectResponse(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("expected invalid request error, got %+v", res)
	}

	// The session is still usable.
	if err := th.send(&jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.PingMethod), ID: jsonrpc.NewRequestID("1")}); err != nil {
		t.Fatal(err)
	}
	res, err = th.expectResponse(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error != nil {
		t.Fatalf("ping after envelope error failed: %+v", res.Error)
	}
}

func TestEOF_CleanShutdown(t *testing.T) {
	srv := mcpservice.NewServer(mcpservice.WithToolsCapability(mcpservice.NewToolRegistry()))
	th := newHarness(t, srv)

	_ = th.initialize(t, "init-1")

	_ = th.stdinW.Close()

	err, ok := th.serveResult(2 * time.Second)
	if !ok {
		t.Fatal("Serve did not return after EOF")
	}
	if err != nil {
		t.Fatalf("expected clean exit on EOF, got %v", err)
	}
}

func TestExitNotification_CleanShutdown(t *testing.T) {
	srv := mcpservice.NewServer(mcpservice.WithToolsCapability(mcpservice.NewToolRegistry()))
	th := newHarness(t, srv)

	_ = th.initialize(t, "init-1")

	if err := th.send(&jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(mcp.ExitNotificationMethod)}); err != nil {
		t.Fatal(err)
	}

	err, ok := th.serveResult(2 * time.Second)
	if !ok {
		t.Fatal("Serve did not return after exit notification")
	}
	if err != nil {
		t.Fatalf("expected clean exit, got %v", err)
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}
