package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"hr-search-go/internal/logger"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

const (
	defaultOllamaChatURL   = "http://localhost:11434/v1/chat/completions"
	defaultOllamaModelName = "qwen2.5:14b"
)

// OllamaChatModel 通过OpenAI兼容接口调用Ollama的聊天模型，
// 实现 model.ToolCallingChatModel 接口
type OllamaChatModel struct {
	apiKey      string
	modelName   string
	apiURL      string
	temperature float64
	maxTokens   int
	httpClient  *http.Client
}

// OllamaChatModelOption 聊天模型的配置选项
type OllamaChatModelOption func(*OllamaChatModel)

// WithTemperature 设置采样温度
func WithTemperature(temperature float64) OllamaChatModelOption {
	return func(m *OllamaChatModel) {
		m.temperature = temperature
	}
}

// WithMaxTokens 设置单次生成的最大token数
func WithMaxTokens(maxTokens int) OllamaChatModelOption {
	return func(m *OllamaChatModel) {
		m.maxTokens = maxTokens
	}
}

// WithChatHTTPTimeout 设置HTTP客户端超时
func WithChatHTTPTimeout(timeout time.Duration) OllamaChatModelOption {
	return func(m *OllamaChatModel) {
		m.httpClient.Timeout = timeout
	}
}

// NewOllamaChatModel 创建Ollama聊天模型客户端
// baseURL 指向OpenAI兼容的chat completions端点，apiKey 对本地Ollama可以为任意非空值
func NewOllamaChatModel(apiKey string, modelName string, apiURL string, opts ...OllamaChatModelOption) (*OllamaChatModel, error) {
	mn := modelName
	if strings.TrimSpace(mn) == "" {
		mn = defaultOllamaModelName
	}

	url := apiURL
	if strings.TrimSpace(url) == "" {
		url = defaultOllamaChatURL
	}

	m := &OllamaChatModel{
		apiKey:      apiKey,
		modelName:   mn,
		apiURL:      url,
		temperature: 0.1,
		httpClient:  &http.Client{Timeout: 120 * time.Second},
	}

	for _, opt := range opts {
		opt(m)
	}

	logger.Debug().Str("url", m.apiURL).Str("model", m.modelName).Msg("创建Ollama聊天模型客户端")
	return m, nil
}

// --- OpenAI兼容的请求/响应结构 ---

type chatCompletionRequest struct {
	Model       string            `json:"model"`
	Messages    []*schema.Message `json:"messages"`
	Temperature float64           `json:"temperature,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
}

type chatCompletionMessage struct {
	Role    string  `json:"role"`
	Content *string `json:"content"`
}

type chatCompletionChoice struct {
	Index        int                   `json:"index"`
	Message      chatCompletionMessage `json:"message"`
	FinishReason string                `json:"finish_reason"`
}

type chatCompletionResponse struct {
	Id      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []chatCompletionChoice `json:"choices"`
}

// Generate 实现 model.ToolCallingChatModel 接口
func (m *OllamaChatModel) Generate(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.Message, error) {
	reqPayload := chatCompletionRequest{
		Model:       m.modelName,
		Messages:    messages,
		Temperature: m.temperature,
		MaxTokens:   m.maxTokens,
	}

	jsonData, err := json.Marshal(reqPayload)
	if err != nil {
		return nil, fmt.Errorf("序列化请求体失败: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.apiURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("创建 HTTP 请求失败: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if m.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+m.apiKey)
	}

	httpResp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("发送 HTTP 请求失败: %w", err)
	}
	defer httpResp.Body.Close()

	bodyBytes, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API 请求失败，状态 %s: %s", httpResp.Status, string(bodyBytes))
	}

	var resp chatCompletionResponse
	if err := json.Unmarshal(bodyBytes, &resp); err != nil {
		return nil, fmt.Errorf("反序列化 API 响应失败: %w。响应体: %s", err, string(bodyBytes))
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("从 API 收到空选项: %s", string(bodyBytes))
	}

	apiMessage := resp.Choices[0].Message
	responseContent := ""
	if apiMessage.Content != nil {
		responseContent = *apiMessage.Content
	}

	resultMessage := &schema.Message{
		Role:    schema.RoleType(apiMessage.Role),
		Content: responseContent,
	}
	if resultMessage.Role == "" {
		resultMessage.Role = schema.RoleType("assistant")
	}

	return resultMessage, nil
}

// Stream 实现 model.ToolCallingChatModel 接口
// 评分和提取流程都一次性读取完整回复，流式接口暂不需要
func (m *OllamaChatModel) Stream(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, fmt.Errorf("OllamaChatModel 的 Stream 方法未实现")
}

// WithTools 实现 model.ToolCallingChatModel 接口
// 当前流程不使用工具调用，直接返回自身
func (m *OllamaChatModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	if len(tools) > 0 {
		logger.Warn().Int("tools", len(tools)).Msg("OllamaChatModel 不支持工具调用，已忽略绑定的工具")
	}
	return m, nil
}

var _ model.ToolCallingChatModel = (*OllamaChatModel)(nil)
