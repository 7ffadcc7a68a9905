package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"swarm/core"
	"swarm/openai"
	"swarm/protocol"
	"swarm/router"
)

const testKey = "sk-test"

// scriptedNode 模拟一个 Worker：收到 add_task 后按脚本回送输出
type scriptedNode struct {
	reg     *core.Registry
	id      string
	outputs []protocol.OutputMessage
	onAdd   func(key string)

	mu      sync.Mutex
	tasks   []protocol.AddTaskMessage
	removed []string
}

func (n *scriptedNode) Send(m protocol.Message) error {
	switch msg := m.(type) {
	case protocol.AddTaskMessage:
		n.mu.Lock()
		n.tasks = append(n.tasks, msg)
		n.mu.Unlock()
		if n.onAdd != nil {
			go n.onAdd(msg.Key)
			return nil
		}
		go func() {
			for _, out := range n.outputs {
				out.Key = msg.Key
				_ = n.reg.Deliver(n.id, out)
			}
		}()
	case protocol.RemoveTaskMessage:
		n.mu.Lock()
		n.removed = append(n.removed, msg.Key)
		n.mu.Unlock()
	}
	return nil
}

func (n *scriptedNode) lastTask() protocol.AddTaskMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.tasks[len(n.tasks)-1]
}

func (n *scriptedNode) removedKeys() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.removed...)
}

type testEnv struct {
	engine   *gin.Engine
	registry *core.Registry
	keys     *core.KeyRing
}

func newTestEnv(t *testing.T, sessionTimeout time.Duration) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	reg := core.NewRegistry(ctx, zerolog.Nop(), sessionTimeout)
	keys := core.NewKeyRing([]string{testKey})
	h := NewChatHandler(router.NewLeastLoadedRouter("default-model"), reg, keys, zerolog.Nop(), Options{
		DefaultModel: "default-model",
		ModelAliases: []string{"gpt-3.5-turbo"},
	})

	r := gin.New()
	r.POST("/v1/chat/completions", h.Handle)
	r.GET("/v1/models", h.Models)
	r.GET("/v1/nodes", h.Nodes)
	r.GET("/health", h.Health)
	return &testEnv{engine: r, registry: reg, keys: keys}
}

func (e *testEnv) addNode(t *testing.T, model string, outputs ...protocol.OutputMessage) *scriptedNode {
	t.Helper()
	n := &scriptedNode{reg: e.registry, outputs: outputs}
	n.id = e.registry.Register(n, "10.0.0.2")
	require.NoError(t, e.registry.UpdateConfig(n.id, protocol.ConfigMessage{
		Model: protocol.ModelInfo{ID: model, Architecture: "llama", Version: "3"},
	}))
	_, err := e.registry.UpdateStatus(n.id, protocol.StatusOnline)
	require.NoError(t, err)
	return n
}

func (e *testEnv) post(ctx context.Context, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rr := httptest.NewRecorder()
	e.engine.ServeHTTP(rr, req)
	return rr
}

func errorBody(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body.Error
}

func TestHandle_BatchedSuccess(t *testing.T) {
	env := newTestEnv(t, 0)
	node := env.addNode(t, "llama-8b",
		protocol.OutputMessage{Output: "  Hello"},
		protocol.OutputMessage{Output: ", world"},
		protocol.OutputMessage{Output: "!", Done: true, Tokens: 3},
	)

	rr := env.post(context.Background(), testKey,
		`{"model":"llama-8b","messages":[{"role":"user","content":"  Hi there  "}],"max_new_tokens":64,"stop":"###"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp openai.ChatCompletionResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "chat.completion", resp.Object)
	require.Equal(t, "llama-8b", resp.Model)
	require.Len(t, resp.Choices, 1)
	require.Equal(t, "Hello, world!", resp.Choices[0].Message.Content)
	require.Equal(t, "assistant", resp.Choices[0].Message.Role)
	require.Equal(t, "stop", resp.Choices[0].FinishReason)
	require.NotNil(t, resp.Usage)
	require.Equal(t, 3, resp.Usage.CompletionTokens)

	task := node.lastTask()
	require.NotNil(t, task.MaxTokens)
	require.Equal(t, 64, *task.MaxTokens)
	require.Equal(t, []string{"###"}, task.Stop)
	require.False(t, task.Stream)
	require.Equal(t, "chatcmpl-"+task.Key, resp.ID)

	require.Equal(t, 3, env.keys.Usage(testKey))
	require.Equal(t, 0, env.registry.Snapshot()[0].Load)
}

func TestHandle_Streaming(t *testing.T) {
	env := newTestEnv(t, 0)
	env.addNode(t, "llama-8b",
		protocol.OutputMessage{Output: " Hel"},
		protocol.OutputMessage{Output: "lo"},
		protocol.OutputMessage{Output: "!"},
		protocol.OutputMessage{Output: "", Done: true, Tokens: 3},
	)

	rr := env.post(context.Background(), testKey,
		`{"model":"llama-8b","stream":true,"messages":[{"role":"user","content":"Hi"}]}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))
	require.Equal(t, "no-cache", rr.Header().Get("Cache-Control"))
	require.Equal(t, "no", rr.Header().Get("X-Accel-Buffering"))

	var frames []string
	for _, f := range strings.Split(strings.TrimSpace(rr.Body.String()), "\n\n") {
		frames = append(frames, strings.TrimPrefix(f, "data: "))
	}
	require.Len(t, frames, 4, rr.Body.String())
	require.Equal(t, "[DONE]", frames[3])

	var content strings.Builder
	for _, f := range frames[:3] {
		var chunk openai.ChatCompletionStreamResponse
		require.NoError(t, json.Unmarshal([]byte(f), &chunk))
		require.Equal(t, "chat.completion.chunk", chunk.Object)
		require.Equal(t, "assistant", chunk.Choices[0].Delta.Role)
		require.Nil(t, chunk.Choices[0].FinishReason)
		content.WriteString(chunk.Choices[0].Delta.Content)
	}
	require.Equal(t, "Hello!", content.String())
	require.Contains(t, frames[0], `"finish_reason":null`)
}

func TestHandle_StreamingFinalFragmentCarriesStop(t *testing.T) {
	env := newTestEnv(t, 0)
	env.addNode(t, "llama-8b",
		protocol.OutputMessage{Output: "Hi"},
		protocol.OutputMessage{Output: " there", Done: true, Tokens: 2},
	)

	rr := env.post(context.Background(), testKey,
		`{"model":"llama-8b","stream":true,"messages":[{"role":"user","content":"Hi"}]}`)
	frames := strings.Split(strings.TrimSpace(rr.Body.String()), "\n\n")
	require.Len(t, frames, 3)

	var last openai.ChatCompletionStreamResponse
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(frames[1], "data: ")), &last))
	require.NotNil(t, last.Choices[0].FinishReason)
	require.Equal(t, "stop", *last.Choices[0].FinishReason)
	require.Equal(t, "data: [DONE]", frames[2])
}

func TestHandle_AdmissionErrors(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		body     string
		withNode bool
		status   int
		message  string
	}{
		{
			name:    "invalid key",
			key:     "sk-wrong",
			body:    `{"messages":[{"role":"user","content":"Hi"}]}`,
			status:  http.StatusUnauthorized,
			message: "Invalid API key.\n",
		},
		{
			name:    "missing key",
			body:    `{"messages":[{"role":"user","content":"Hi"}]}`,
			status:  http.StatusUnauthorized,
			message: "Invalid API key.\n",
		},
		{
			name:    "malformed body",
			key:     testKey,
			body:    `{"messages":`,
			status:  http.StatusBadRequest,
			message: "Invalid request body.\n",
		},
		{
			name:    "missing messages",
			key:     testKey,
			body:    `{"model":"llama-8b"}`,
			status:  http.StatusBadRequest,
			message: "`messages` is required.\n",
		},
		{
			name:    "no nodes",
			key:     testKey,
			body:    `{"model":"llama-8b","messages":[{"role":"user","content":"Hi"}]}`,
			status:  http.StatusInternalServerError,
			message: "No available node for model llama-8b",
		},
		{
			name:     "no node for default model",
			key:      testKey,
			body:     `{"messages":[{"role":"user","content":"Hi"}]}`,
			withNode: true,
			status:   http.StatusInternalServerError,
			message:  "No available node for model default-model",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, 0)
			if tt.withNode {
				env.addNode(t, "llama-8b")
			}
			rr := env.post(context.Background(), tt.key, tt.body)
			require.Equal(t, tt.status, rr.Code)
			require.Equal(t, tt.message, errorBody(t, rr))
		})
	}
}

func TestHandle_KeyIsCaseInsensitive(t *testing.T) {
	env := newTestEnv(t, 0)
	env.addNode(t, "llama-8b", protocol.OutputMessage{Output: "ok", Done: true, Tokens: 1})

	rr := env.post(context.Background(), strings.ToUpper(testKey),
		`{"model":"llama-8b","messages":[{"role":"user","content":"Hi"}]}`)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestHandle_ModelAliasUsesDefault(t *testing.T) {
	env := newTestEnv(t, 0)
	env.addNode(t, "llama-8b")
	node := env.addNode(t, "default-model", protocol.OutputMessage{Output: "ok", Done: true, Tokens: 1})

	rr := env.post(context.Background(), testKey,
		`{"model":"gpt-3.5-turbo","messages":[{"role":"user","content":"Hi"}]}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp openai.ChatCompletionResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "default-model", resp.Model)
	require.Equal(t, "default-model", node.lastTask().Model)
}

func TestHandle_NodeOfflineFailsBatched(t *testing.T) {
	env := newTestEnv(t, 0)
	node := env.addNode(t, "llama-8b")
	node.onAdd = func(string) {
		_, _ = env.registry.UpdateStatus(node.id, protocol.StatusOffline)
	}

	rr := env.post(context.Background(), testKey,
		`{"model":"llama-8b","messages":[{"role":"user","content":"Hi"}]}`)
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.Equal(t, "Node is offline, please retry later.", errorBody(t, rr))
}

func TestHandle_NodeDisconnectClosesStream(t *testing.T) {
	env := newTestEnv(t, 0)
	node := env.addNode(t, "llama-8b")
	node.onAdd = func(key string) {
		_ = env.registry.Deliver(node.id, protocol.OutputMessage{Key: key, Output: "partial"})
		env.registry.Unregister(node.id)
	}

	rr := env.post(context.Background(), testKey,
		`{"model":"llama-8b","stream":true,"messages":[{"role":"user","content":"Hi"}]}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "partial")
	require.NotContains(t, rr.Body.String(), "[DONE]")
}

func TestHandle_SessionTimeout(t *testing.T) {
	env := newTestEnv(t, 50*time.Millisecond)
	node := env.addNode(t, "llama-8b")
	node.onAdd = func(string) {}

	rr := env.post(context.Background(), testKey,
		`{"model":"llama-8b","messages":[{"role":"user","content":"Hi"}]}`)
	require.Equal(t, http.StatusGatewayTimeout, rr.Code)
	require.Equal(t, "Node timed out, please retry later.", errorBody(t, rr))
	require.Eventually(t, func() bool {
		return len(node.removedKeys()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHandle_ClientCancel(t *testing.T) {
	env := newTestEnv(t, 0)
	node := env.addNode(t, "llama-8b")
	node.onAdd = func(string) {} // 不回送任何输出

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *httptest.ResponseRecorder)
	go func() {
		done <- env.post(ctx, testKey, `{"model":"llama-8b","stream":true,"messages":[{"role":"user","content":"Hi"}]}`)
	}()

	require.Eventually(t, func() bool {
		return env.registry.Snapshot()[0].Load == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after client cancel")
	}

	require.Equal(t, 0, env.registry.Snapshot()[0].Load)
	removed := node.removedKeys()
	require.Len(t, removed, 1)
	require.Equal(t, node.lastTask().Key, removed[0])

	// 迟到的输出会触发 remove_task
	require.NoError(t, env.registry.Deliver(node.id, protocol.OutputMessage{Key: removed[0], Output: "late"}))
	require.Len(t, node.removedKeys(), 2)
}

func TestModels(t *testing.T) {
	env := newTestEnv(t, 0)
	env.addNode(t, "llama-8b")
	env.addNode(t, "default-model")
	env.addNode(t, "llama-8b")

	rr := httptest.NewRecorder()
	env.engine.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var list openai.ModelList
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Equal(t, "list", list.Object)
	require.Len(t, list.Data, 2)
	require.Equal(t, "default-model", list.Data[0].ID)
	require.Equal(t, "llama-8b", list.Data[1].ID)
	require.Equal(t, "model", list.Data[1].Object)
	require.Equal(t, "organization-owner", list.Data[1].OwnedBy)
	require.Equal(t, "llama", list.Data[1].Architecture)
}

func TestModels_Empty(t *testing.T) {
	env := newTestEnv(t, 0)
	rr := httptest.NewRecorder()
	env.engine.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	require.JSONEq(t, `{"object":"list","data":[]}`, rr.Body.String())
}

func TestNodesAndHealth(t *testing.T) {
	env := newTestEnv(t, 0)
	env.addNode(t, "llama-8b")
	env.registry.Register(&scriptedNode{}, "10.0.0.3")

	rr := httptest.NewRecorder()
	env.engine.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/nodes", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var nodes struct {
		Object string `json:"object"`
		Data   []struct {
			ID     string                 `json:"id"`
			IP     string                 `json:"ip"`
			Status string                 `json:"status"`
			Config protocol.ConfigMessage `json:"config"`
			Tasks  int                    `json:"tasks"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &nodes))
	require.Len(t, nodes.Data, 2)
	require.Equal(t, "10.0.0.2", nodes.Data[0].IP)
	require.Equal(t, "online", nodes.Data[0].Status)
	require.Equal(t, "llama-8b", nodes.Data[0].Config.Model.ID)
	require.Equal(t, "unknown", nodes.Data[1].Status)

	rr = httptest.NewRecorder()
	env.engine.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.JSONEq(t, `{"status":"ok","nodes":1}`, rr.Body.String())
}

func TestBearerToken(t *testing.T) {
	tests := map[string]string{
		"Bearer sk-1":  "sk-1",
		"bearer sk-2 ": "sk-2",
		"BEARER  sk-3": "sk-3",
		"sk-4":         "sk-4",
		"":             "",
	}
	for in, want := range tests {
		if got := bearerToken(in); got != want {
			t.Errorf("bearerToken(%q) = %q, want %q", in, got, want)
		}
	}
}
