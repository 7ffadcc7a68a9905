package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"swarm/openai"
	"swarm/protocol"
)

var (
	// errStreamDone stops the scan loop on the [DONE] marker.
	errStreamDone = errors.New("stream done")
	// ErrEngineStream is returned when the engine reports an error frame
	// in the middle of a stream.
	ErrEngineStream = errors.New("engine stream error")
)

// Engine is a client of the local OpenAI-compatible inference server.
type Engine struct {
	URL        string
	HTTPClient *http.Client
	log        zerolog.Logger
}

// NewEngine creates an Engine for the server at baseURL.
func NewEngine(baseURL string, log zerolog.Logger) *Engine {
	return &Engine{
		URL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 0, // 不设置超时，由外部 Context 控制
		},
		log: log,
	}
}

// Models lists the models served by the engine. It doubles as the health
// probe.
func (e *Engine) Models(ctx context.Context) ([]protocol.ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, e.URL+"/v1/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := e.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var list openai.ModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("failed to decode model list: %w", err)
	}
	models := make([]protocol.ModelInfo, 0, len(list.Data))
	for _, m := range list.Data {
		models = append(models, protocol.ModelInfo{ID: m.ID, Architecture: m.Architecture, Version: m.Version})
	}
	return models, nil
}

// Execute runs a streamed chat completion and calls sender with every
// non-empty content fragment in order. It returns nil when the stream ends
// with [DONE] or EOF. An error from sender or an error frame from the engine
// aborts the stream and is returned.
func (e *Engine) Execute(ctx context.Context, req openai.ChatCompletionRequest, sender func(content string) error) error {
	req.Stream = true
	requestBody, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	// 创建 HTTP 请求，使用外部 Context
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL+"/v1/chat/completions", bytes.NewReader(requestBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := e.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}

	// FD 泄漏防护：必须关闭 Body
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	// 扩容 Scanner 缓冲区：初始 1MB，最大允许 8MB 的单行 SSE 报文
	buf := make([]byte, 1024*1024)
	scanner.Buffer(buf, 8*1024*1024)

	for scanner.Scan() {
		// Context 自毁引信：检查是否已取消
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := e.processLine(scanner.Text(), sender); err != nil {
			if errors.Is(err, errStreamDone) {
				return nil
			}
			// 背压熔断：sender 返回错误时立即停止
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to scan response: %w", err)
	}
	return nil
}

// processLine handles one line of the event stream. Lines that are not data
// or do not parse are skipped.
func (e *Engine) processLine(line string, sender func(content string) error) error {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, ":") {
		return nil
	}
	if strings.HasPrefix(line, "event:") || strings.HasPrefix(line, "id:") || strings.HasPrefix(line, "retry:") {
		return nil
	}
	data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

	// 检查 [DONE] 标记 - 优雅退出
	if data == "[DONE]" {
		return errStreamDone
	}

	var response openai.ChatCompletionStreamResponse
	if err := json.Unmarshal([]byte(data), &response); err != nil {
		e.log.Warn().Err(err).Str("line", data).Msg("could not parse stream message")
		return nil
	}
	if response.Error != nil {
		return fmt.Errorf("%w: %s", ErrEngineStream, response.Error.Message)
	}
	if len(response.Choices) == 0 || response.Choices[0].Delta.Content == "" {
		return nil
	}
	return sender(response.Choices[0].Delta.Content)
}
