package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"swarm/core"
	"swarm/metrics"
	"swarm/openai"
)

const (
	errInvalidKey     = "Invalid API key.\n"
	errInvalidBody    = "Invalid request body.\n"
	errNoMessages     = "`messages` is required.\n"
	errNodeOffline    = "Node is offline, please retry later."
	errNodeTimeout    = "Node timed out, please retry later."
	errNoNodeForModel = "No available node for model %s"
)

// Options configures request admission.
type Options struct {
	// DefaultModel serves requests that name no model.
	DefaultModel string
	// ModelAliases are model names treated as if no model was given.
	ModelAliases []string
}

// ChatHandler serves the OpenAI-compatible endpoints in front of the
// registry.
type ChatHandler struct {
	router   core.Router
	registry *core.Registry
	limiter  core.RateLimiter
	log      zerolog.Logger

	defaultModel string
	aliases      map[string]bool
}

// NewChatHandler creates a new ChatHandler
func NewChatHandler(router core.Router, registry *core.Registry, limiter core.RateLimiter, log zerolog.Logger, opts Options) *ChatHandler {
	aliases := make(map[string]bool, len(opts.ModelAliases))
	for _, a := range opts.ModelAliases {
		aliases[a] = true
	}
	return &ChatHandler{
		router:       router,
		registry:     registry,
		limiter:      limiter,
		log:          log,
		defaultModel: opts.DefaultModel,
		aliases:      aliases,
	}
}

// Handle serves POST /v1/chat/completions.
func (h *ChatHandler) Handle(c *gin.Context) {
	ctx := c.Request.Context()

	// 1. 校验 API Key
	apiKey := bearerToken(c.GetHeader("Authorization"))
	allowed, err := h.limiter.Allow(ctx, apiKey)
	if err != nil || !allowed {
		metrics.RejectedTotal.WithLabelValues("unauthorized").Inc()
		sendError(c, http.StatusUnauthorized, errInvalidKey)
		return
	}

	// 2. 解析请求体
	var req openai.ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		metrics.RejectedTotal.WithLabelValues("invalid_body").Inc()
		sendError(c, http.StatusBadRequest, errInvalidBody)
		return
	}
	if len(req.Messages) == 0 {
		metrics.RejectedTotal.WithLabelValues("invalid_body").Inc()
		sendError(c, http.StatusBadRequest, errNoMessages)
		return
	}

	// 3. 构建推理请求
	inferenceReq := h.buildRequest(c, &req, apiKey)

	// 4. 路由选择
	node, err := h.router.Select(ctx, h.registry.Snapshot(), inferenceReq)
	if err != nil {
		model := inferenceReq.Model
		if model == "" {
			model = h.defaultModel
		}
		metrics.RejectedTotal.WithLabelValues("no_node").Inc()
		h.log.Warn().Err(err).Str("model", model).Msg("no available node")
		sendError(c, http.StatusInternalServerError, fmt.Sprintf(errNoNodeForModel, model))
		return
	}

	// 5. 分配任务
	sess, err := h.registry.Assign(node.ID, inferenceReq)
	if errors.Is(err, core.ErrNoAvailableNode) {
		metrics.RejectedTotal.WithLabelValues("no_node").Inc()
		h.log.Warn().Err(err).Str("node", node.ID).Msg("node left before assignment")
		sendError(c, http.StatusInternalServerError, fmt.Sprintf(errNoNodeForModel, inferenceReq.Model))
		return
	}
	if err != nil {
		metrics.RejectedTotal.WithLabelValues("assign_failed").Inc()
		h.log.Error().Err(err).Str("node", node.ID).Msg("assign task")
		sendError(c, http.StatusInternalServerError, errNodeOffline)
		return
	}

	h.log.Info().
		Str("key", inferenceReq.Key).
		Str("node", node.ID).
		Str("node_ip", node.Addr).
		Str("client_ip", inferenceReq.ClientIP).
		Str("model", inferenceReq.Model).
		Bool("stream", inferenceReq.Stream).
		Str("input", inferenceReq.Input).
		Msg("[INPUT]")

	// 6. 等待输出
	if inferenceReq.Stream {
		h.handleStreamRequest(c, sess)
	} else {
		h.handleNonStreamRequest(c, sess)
	}
}

func (h *ChatHandler) buildRequest(c *gin.Context, req *openai.ChatCompletionRequest, apiKey string) *core.InferenceRequest {
	model := req.Model
	if h.aliases[model] {
		model = ""
	}
	maxTokens := req.MaxTokens
	if maxTokens == nil {
		maxTokens = req.MaxNewTokens
	}
	return &core.InferenceRequest{
		Key:              uuid.NewString(),
		Model:            model,
		Messages:         req.Messages,
		Input:            strings.TrimSpace(req.Messages[len(req.Messages)-1].Content),
		MaxTokens:        maxTokens,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		Stop:             req.Stop,
		PresencePenalty:  req.PresencePenalty,
		FrequencyPenalty: req.FrequencyPenalty,
		Stream:           req.Stream,
		APIKey:           apiKey,
		ClientIP:         c.ClientIP(),
		Created:          time.Now(),
	}
}

// handleStreamRequest relays fragments as SSE chunks until the session ends
// or the client goes away.
func (h *ChatHandler) handleStreamRequest(c *gin.Context, sess *core.Session) {
	w := c.Writer

	// 设置 SSE 响应头
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // 禁用 Nginx 缓冲
	w.WriteHeader(http.StatusOK)
	w.Flush()

	for {
		select {
		case <-c.Request.Context().Done():
			h.cancel(sess)
			return
		case <-sess.Ready():
		}

		for _, ev := range sess.Events() {
			switch ev.Kind {
			case core.EventDelta, core.EventDone:
				if ev.Output != "" {
					var finish *string
					if ev.Kind == core.EventDone {
						stop := "stop"
						finish = &stop
					}
					if err := writeSSEEvent(w, "data", h.chunk(sess, ev.Output, finish)); err != nil {
						h.log.Debug().Err(err).Str("key", sess.Key()).Msg("write chunk")
						h.cancel(sess)
						return
					}
				}
				if ev.Kind == core.EventDone {
					// 发送 [DONE] 标记
					_, _ = w.Write([]byte("data: [DONE]\n\n"))
					w.Flush()
					h.finish(c, sess, ev.Tokens)
					return
				}
			case core.EventFailed, core.EventExpired:
				h.log.Warn().Str("key", sess.Key()).Str("node", sess.NodeID).Str("outcome", sess.Outcome()).Msg("stream closed early")
				return
			}
		}
	}
}

// handleNonStreamRequest waits for the final fragment and answers with the
// whole completion.
func (h *ChatHandler) handleNonStreamRequest(c *gin.Context, sess *core.Session) {
	for {
		select {
		case <-c.Request.Context().Done():
			h.cancel(sess)
			return
		case <-sess.Ready():
		}

		for _, ev := range sess.Events() {
			switch ev.Kind {
			case core.EventDone:
				req := sess.Request
				c.JSON(http.StatusOK, openai.ChatCompletionResponse{
					ID:      "chatcmpl-" + req.Key,
					Object:  "chat.completion",
					Created: req.Created.Unix(),
					Model:   req.Model,
					Choices: []openai.Choice{
						{
							Index: 0,
							Message: openai.Message{
								Role:    "assistant",
								Content: sess.Content(),
							},
							FinishReason: "stop",
						},
					},
					Usage: &openai.Usage{
						CompletionTokens: ev.Tokens,
						TotalTokens:      ev.Tokens,
					},
				})
				h.finish(c, sess, ev.Tokens)
				return
			case core.EventFailed:
				sendError(c, http.StatusInternalServerError, errNodeOffline)
				return
			case core.EventExpired:
				sendError(c, http.StatusGatewayTimeout, errNodeTimeout)
				return
			}
		}
	}
}

func (h *ChatHandler) chunk(sess *core.Session, content string, finish *string) openai.ChatCompletionStreamResponse {
	req := sess.Request
	return openai.ChatCompletionStreamResponse{
		ID:      "chatcmpl-" + req.Key,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []openai.StreamChoice{
			{
				Index: 0,
				Delta: openai.Delta{
					Role:    "assistant",
					Content: content,
				},
				FinishReason: finish,
			},
		},
	}
}

func (h *ChatHandler) cancel(sess *core.Session) {
	if h.registry.Cancel(sess) {
		h.log.Info().Str("key", sess.Key()).Str("node", sess.NodeID).Msg("client disconnected, task removed")
	}
}

func (h *ChatHandler) finish(c *gin.Context, sess *core.Session, tokens int) {
	req := sess.Request
	if err := h.limiter.Consume(c.Request.Context(), req.APIKey, tokens); err != nil {
		h.log.Warn().Err(err).Msg("record usage")
	}
	h.log.Info().
		Str("key", req.Key).
		Str("node", sess.NodeID).
		Str("model", req.Model).
		Int("tokens", tokens).
		Dur("elapsed", time.Since(req.Created)).
		Str("output", sess.Content()).
		Msg("[OUTPUT]")
}

// bearerToken extracts the credential of an Authorization header.
func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) >= 7 && strings.EqualFold(header[:7], "bearer ") {
		header = header[7:]
	}
	return strings.TrimSpace(header)
}

// sendError sends a flat {"error": message} body
func sendError(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{"error": message})
}

// writeSSEEvent writes an SSE event to the response writer
func writeSSEEvent(w http.ResponseWriter, eventType string, data interface{}) error {
	// 序列化数据
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	// 写入事件行
	if eventType != "" && eventType != "data" {
		if _, err := w.Write([]byte(fmt.Sprintf("event: %s\n", eventType))); err != nil {
			return fmt.Errorf("failed to write event type: %w", err)
		}
	}

	// 写入数据行
	if _, err := w.Write([]byte(fmt.Sprintf("data: %s\n\n", jsonData))); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}

	// 立即刷新，确保数据推送给客户端
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}

	return nil
}
