package mcp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/amidabuddha/unichat-mcp-server"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type mockToolServer struct {
	lock       sync.Mutex
	callParams mcp.CallToolParams
	callErr    error
}

type mockPromptServer struct {
	lock      sync.Mutex
	getParams mcp.GetPromptParams
	sessionID string
}

type mockLogHandler struct {
	lock  sync.Mutex
	level mcp.LogLevel
}

type mockBinder struct {
	mockToolServer
	mockLogHandler

	lock    sync.Mutex
	bound   []string
	unbound []string
}

type stdioClient struct {
	t        *testing.T
	writer   *io.PipeWriter
	reader   *io.PipeReader
	messages chan mcp.JSONRPCMessage
}

var testServerInfo = mcp.Info{Name: "test-server", Version: "1.0"}

func (m *mockToolServer) ListTools(context.Context, mcp.ListToolsParams) (mcp.ListToolsResult, error) {
	return mcp.ListToolsResult{
		Tools: []mcp.Tool{{Name: "echo", InputSchema: json.RawMessage(`{"type":"object"}`)}},
	}, nil
}

func (m *mockToolServer) CallTool(_ context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.callParams = params
	if m.callErr != nil {
		return mcp.CallToolResult{}, m.callErr
	}
	return mcp.CallToolResult{
		Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: "echo: " + string(params.Arguments)}},
	}, nil
}

func (m *mockPromptServer) ListPrompts(context.Context, mcp.ListPromptsParams) (mcp.ListPromptResult, error) {
	return mcp.ListPromptResult{Prompts: []mcp.Prompt{{Name: "greet"}}}, nil
}

func (m *mockPromptServer) GetPrompt(ctx context.Context, params mcp.GetPromptParams) (mcp.GetPromptResult, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.getParams = params
	m.sessionID = mcp.SessionIDFromContext(ctx)
	return mcp.GetPromptResult{
		Description: "greeting",
		Messages: []mcp.PromptMessage{
			{Role: mcp.RoleUser, Content: mcp.Content{Type: mcp.ContentTypeText, Text: "hello"}},
		},
	}, nil
}

func (m *mockLogHandler) SetLogLevel(ctx context.Context, level mcp.LogLevel, notify mcp.LogNotifier) error {
	m.lock.Lock()
	m.level = level
	m.lock.Unlock()

	data, _ := json.Marshal("level is " + level.String())
	return notify(ctx, mcp.LogParams{Level: mcp.LogLevelDebug, Logger: "mock", Data: data})
}

func (m *mockBinder) BindSession(id string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.bound = append(m.bound, id)
}

func (m *mockBinder) UnbindSession(id string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.unbound = append(m.unbound, id)
}

func startStdIOServer(t *testing.T, options ...mcp.ServerOption) (*stdioClient, mcp.Server) {
	t.Helper()

	serverReader, clientWriter := io.Pipe()
	clientReader, serverWriter := io.Pipe()

	srv := mcp.NewServer(testServerInfo, mcp.NewStdIO(serverReader, serverWriter), options...)
	served := make(chan struct{})
	go func() {
		defer close(served)
		srv.Serve()
	}()

	cli := &stdioClient{
		t:        t,
		writer:   clientWriter,
		reader:   clientReader,
		messages: make(chan mcp.JSONRPCMessage, 10),
	}
	go func() {
		defer close(cli.messages)
		scanner := bufio.NewScanner(clientReader)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var msg mcp.JSONRPCMessage
			if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
				t.Errorf("failed to unmarshal server message %q: %v", scanner.Text(), err)
				return
			}
			cli.messages <- msg
		}
	}()

	t.Cleanup(func() {
		clientWriter.Close()
		clientReader.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			t.Errorf("failed to shutdown server: %v", err)
		}
		select {
		case <-served:
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after shutdown")
		}
	})

	return cli, srv
}

func (c *stdioClient) send(raw string) {
	c.t.Helper()
	if _, err := io.WriteString(c.writer, raw+"\n"); err != nil {
		c.t.Fatalf("failed to write message: %v", err)
	}
}

func (c *stdioClient) receive() mcp.JSONRPCMessage {
	c.t.Helper()
	select {
	case msg, ok := <-c.messages:
		if !ok {
			c.t.Fatal("server closed the stream")
		}
		return msg
	case <-time.After(5 * time.Second):
		c.t.Fatal("timed out waiting for server message")
	}
	return mcp.JSONRPCMessage{}
}

func (c *stdioClient) request(id int, method, params string) mcp.JSONRPCMessage {
	c.t.Helper()
	if params == "" {
		c.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":%q}`, id, method))
	} else {
		c.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":%q,"params":%s}`, id, method, params))
	}
	return c.receive()
}

func (c *stdioClient) initialize() {
	c.t.Helper()
	res := c.request(0, "initialize",
		`{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"test-client","version":"0.1"}}`)
	if res.Error != nil {
		c.t.Fatalf("initialize failed: %v", res.Error)
	}
	c.send(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
}

func TestServerInitialize(t *testing.T) {
	connected := make(chan mcp.Info, 1)
	cli, _ := startStdIOServer(t,
		mcp.WithToolServer(&mockToolServer{}),
		mcp.WithLogHandler(&mockLogHandler{}),
		mcp.WithInstructions("be nice"),
		mcp.WithServerOnClientConnected(func(_ string, info mcp.Info) {
			connected <- info
		}),
	)

	res := cli.request(1, "initialize",
		`{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"test-client","version":"0.1"}}`)
	if res.Error != nil {
		t.Fatalf("unexpected error: %v", res.Error)
	}
	if string(res.ID) != "1" {
		t.Errorf("expected numeric id 1 to be echoed, got %s", res.ID)
	}

	var result struct {
		ProtocolVersion string         `json:"protocolVersion"`
		Capabilities    map[string]any `json:"capabilities"`
		ServerInfo      mcp.Info       `json:"serverInfo"`
		Instructions    string         `json:"instructions"`
	}
	if err := json.Unmarshal(res.Result, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result.ProtocolVersion != mcp.ProtocolVersion {
		t.Errorf("expected protocol version %s, got %s", mcp.ProtocolVersion, result.ProtocolVersion)
	}
	if result.ServerInfo != testServerInfo {
		t.Errorf("expected server info %+v, got %+v", testServerInfo, result.ServerInfo)
	}
	if result.Instructions != "be nice" {
		t.Errorf("expected instructions, got %q", result.Instructions)
	}
	for _, want := range []string{"tools", "logging"} {
		if _, ok := result.Capabilities[want]; !ok {
			t.Errorf("expected capability %q in %v", want, result.Capabilities)
		}
	}
	if _, ok := result.Capabilities["prompts"]; ok {
		t.Errorf("expected no prompts capability without a prompt server")
	}

	select {
	case info := <-connected:
		if info.Name != "test-client" {
			t.Errorf("expected client name test-client, got %s", info.Name)
		}
	case <-time.After(time.Second):
		t.Error("expected connected callback")
	}
}

func TestServerRejectsRequestsBeforeInitialize(t *testing.T) {
	cli, _ := startStdIOServer(t, mcp.WithToolServer(&mockToolServer{}))

	res := cli.request(1, mcp.MethodToolsList, "")
	if res.Error == nil {
		t.Fatal("expected an error before initialization")
	}
	if res.Error.Code != -32600 {
		t.Errorf("expected invalid request code, got %d", res.Error.Code)
	}

	// Ping is answered regardless of the session state.
	res = cli.request(2, "ping", "")
	if res.Error != nil {
		t.Fatalf("unexpected ping error: %v", res.Error)
	}
	if string(res.Result) != "{}" {
		t.Errorf("expected empty ping result, got %s", res.Result)
	}
}

func TestServerDispatch(t *testing.T) {
	tools := &mockToolServer{}
	prompts := &mockPromptServer{}
	cli, _ := startStdIOServer(t,
		mcp.WithToolServer(tools),
		mcp.WithPromptServer(prompts),
	)
	cli.initialize()

	tests := []struct {
		name   string
		method string
		params string
		check  func(t *testing.T, res mcp.JSONRPCMessage)
	}{
		{
			name:   "list tools",
			method: mcp.MethodToolsList,
			check: func(t *testing.T, res mcp.JSONRPCMessage) {
				var result mcp.ListToolsResult
				if err := json.Unmarshal(res.Result, &result); err != nil {
					t.Fatalf("failed to unmarshal result: %v", err)
				}
				if len(result.Tools) != 1 || result.Tools[0].Name != "echo" {
					t.Errorf("unexpected tools: %+v", result.Tools)
				}
			},
		},
		{
			name:   "call tool",
			method: mcp.MethodToolsCall,
			params: `{"name":"echo","arguments":{"x":1}}`,
			check: func(t *testing.T, res mcp.JSONRPCMessage) {
				var result mcp.CallToolResult
				if err := json.Unmarshal(res.Result, &result); err != nil {
					t.Fatalf("failed to unmarshal result: %v", err)
				}
				if len(result.Content) != 1 || result.Content[0].Text != `echo: {"x":1}` {
					t.Errorf("unexpected content: %+v", result.Content)
				}
				tools.lock.Lock()
				defer tools.lock.Unlock()
				if tools.callParams.Name != "echo" {
					t.Errorf("expected tool name echo, got %s", tools.callParams.Name)
				}
			},
		},
		{
			name:   "get prompt",
			method: mcp.MethodPromptsGet,
			params: `{"name":"greet","arguments":{"who":"world"}}`,
			check: func(t *testing.T, res mcp.JSONRPCMessage) {
				var result mcp.GetPromptResult
				if err := json.Unmarshal(res.Result, &result); err != nil {
					t.Fatalf("failed to unmarshal result: %v", err)
				}
				if result.Description != "greeting" || len(result.Messages) != 1 {
					t.Errorf("unexpected result: %+v", result)
				}
				prompts.lock.Lock()
				defer prompts.lock.Unlock()
				if prompts.getParams.Arguments["who"] != "world" {
					t.Errorf("expected argument who=world, got %v", prompts.getParams.Arguments)
				}
				if prompts.sessionID == "" {
					t.Error("expected the session ID in the handler context")
				}
			},
		},
		{
			name:   "logging not configured",
			method: mcp.MethodLoggingSetLevel,
			params: `{"level":"info"}`,
			check: func(t *testing.T, res mcp.JSONRPCMessage) {
				if res.Error == nil || res.Error.Code != -32601 {
					t.Errorf("expected method not found error, got %+v", res.Error)
				}
			},
		},
		{
			name:   "unknown method",
			method: "resources/list",
			check: func(t *testing.T, res mcp.JSONRPCMessage) {
				if res.Error == nil || res.Error.Code != -32601 {
					t.Errorf("expected method not found error, got %+v", res.Error)
				}
			},
		},
		{
			name:   "invalid params",
			method: mcp.MethodPromptsGet,
			params: `{"name":42}`,
			check: func(t *testing.T, res mcp.JSONRPCMessage) {
				if res.Error == nil || res.Error.Code != -32602 {
					t.Errorf("expected invalid params error, got %+v", res.Error)
				}
			},
		},
	}

	for i, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := cli.request(i+1, tc.method, tc.params)
			if string(res.ID) != fmt.Sprint(i+1) {
				t.Fatalf("expected id %d, got %s", i+1, res.ID)
			}
			tc.check(t, res)
		})
	}
}

func TestServerHandlerErrorBecomesInternalError(t *testing.T) {
	tools := &mockToolServer{callErr: errors.New("An error occurred: boom")}
	cli, _ := startStdIOServer(t, mcp.WithToolServer(tools))
	cli.initialize()

	res := cli.request(7, mcp.MethodToolsCall, `{"name":"echo","arguments":{}}`)
	if res.Error == nil {
		t.Fatal("expected an error response")
	}
	if res.Error.Code != -32603 {
		t.Errorf("expected internal error code, got %d", res.Error.Code)
	}
	if res.Error.Message != "An error occurred: boom" {
		t.Errorf("expected the handler's message, got %q", res.Error.Message)
	}
	if res.Result != nil {
		t.Errorf("expected no result, got %s", res.Result)
	}

	// A JSONRPCError returned by the handler keeps its own code.
	tools.lock.Lock()
	tools.callErr = mcp.JSONRPCError{Code: -32602, Message: "bad"}
	tools.lock.Unlock()

	res = cli.request(8, mcp.MethodToolsCall, `{"name":"echo"}`)
	if res.Error == nil || res.Error.Code != -32602 || res.Error.Message != "bad" {
		t.Errorf("expected the handler's JSON-RPC error, got %+v", res.Error)
	}
}

func TestServerSetLogLevel(t *testing.T) {
	logs := &mockLogHandler{}
	cli, _ := startStdIOServer(t, mcp.WithLogHandler(logs))
	cli.initialize()

	cli.send(`{"jsonrpc":"2.0","id":"set-1","method":"logging/setLevel","params":{"level":"warning"}}`)

	notification := cli.receive()
	if notification.Method != mcp.MethodNotificationsMessage {
		t.Fatalf("expected log notification first, got %+v", notification)
	}
	var params mcp.LogParams
	if err := json.Unmarshal(notification.Params, &params); err != nil {
		t.Fatalf("failed to unmarshal params: %v", err)
	}
	if params.Level != mcp.LogLevelDebug || params.Logger != "mock" {
		t.Errorf("unexpected notification params: %+v", params)
	}

	res := cli.receive()
	if res.Error != nil {
		t.Fatalf("unexpected error: %v", res.Error)
	}
	if string(res.ID) != `"set-1"` {
		t.Errorf("expected string id to be echoed, got %s", res.ID)
	}
	if string(res.Result) != "{}" {
		t.Errorf("expected empty result, got %s", res.Result)
	}

	logs.lock.Lock()
	defer logs.lock.Unlock()
	if logs.level != mcp.LogLevelWarning {
		t.Errorf("expected level warning, got %s", logs.level)
	}
}

func TestServerSetLogLevelRejectsUnknownLevel(t *testing.T) {
	cli, _ := startStdIOServer(t, mcp.WithLogHandler(&mockLogHandler{}))
	cli.initialize()

	res := cli.request(3, mcp.MethodLoggingSetLevel, `{"level":"verbose"}`)
	if res.Error == nil || res.Error.Code != -32602 {
		t.Errorf("expected invalid params error, got %+v", res.Error)
	}
}

func TestServerSessionBinder(t *testing.T) {
	binder := &mockBinder{}
	disconnected := make(chan string, 1)

	serverReader, clientWriter := io.Pipe()
	clientReader, serverWriter := io.Pipe()
	defer clientReader.Close()

	srv := mcp.NewServer(testServerInfo, mcp.NewStdIO(serverReader, serverWriter),
		// Registered for two roles, bound once.
		mcp.WithToolServer(binder),
		mcp.WithLogHandler(binder),
		mcp.WithServerOnClientDisconnected(func(id string) {
			disconnected <- id
		}),
	)
	go srv.Serve()

	go func() {
		_, _ = io.Copy(io.Discard, clientReader)
	}()

	// EOF on the client side ends the session.
	clientWriter.Close()

	var id string
	select {
	case id = <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("expected the session to end on EOF")
	}

	binder.lock.Lock()
	if len(binder.bound) != 1 || binder.bound[0] != id {
		t.Errorf("expected session %s bound once, got %v", id, binder.bound)
	}
	if len(binder.unbound) != 1 || binder.unbound[0] != id {
		t.Errorf("expected session %s unbound once, got %v", id, binder.unbound)
	}
	binder.lock.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Errorf("failed to shutdown server: %v", err)
	}
}

func TestServerTelemetry(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer tp.Shutdown(context.Background())

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	cli, _ := startStdIOServer(t,
		mcp.WithToolServer(&mockToolServer{callErr: errors.New("failed")}),
		mcp.WithServerTracerProvider(tp),
		mcp.WithServerMeterProvider(mp),
	)
	cli.initialize()

	cli.request(1, mcp.MethodToolsList, "")
	cli.request(2, mcp.MethodToolsCall, `{"name":"echo"}`)

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name != "mcp.tools/list" {
		t.Errorf("expected span mcp.tools/list, got %s", spans[0].Name)
	}
	if spans[1].Name != "mcp.tools/call" || len(spans[1].Events) == 0 {
		t.Errorf("expected failed mcp.tools/call span with error event, got %s with %d events",
			spans[1].Name, len(spans[1].Events))
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}

	counts := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				method, _ := dp.Attributes.Value(attribute.Key("mcp.method"))
				counts[m.Name+" "+method.AsString()] += dp.Value
			}
		}
	}

	if counts["mcp.server.requests tools/list"] != 1 || counts["mcp.server.requests tools/call"] != 1 {
		t.Errorf("unexpected request counts: %v", counts)
	}
	if counts["mcp.server.errors tools/call"] != 1 || counts["mcp.server.errors tools/list"] != 0 {
		t.Errorf("unexpected error counts: %v", counts)
	}
}

func TestServerRejectsInvalidJSONRPCVersion(t *testing.T) {
	cli, _ := startStdIOServer(t, mcp.WithToolServer(&mockToolServer{}))

	res := cli.request(1, "initialize", `{}`)
	if res.Error != nil {
		t.Fatalf("unexpected error: %v", res.Error)
	}

	cli.send(`{"jsonrpc":"1.0","id":2,"method":"ping"}`)
	res = cli.receive()
	if res.Error == nil || !strings.Contains(res.Error.Message, "jsonrpc version") {
		t.Errorf("expected jsonrpc version error, got %+v", res.Error)
	}
}
