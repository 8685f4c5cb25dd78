package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"hr-search-go/internal/config"
	"hr-search-go/internal/logger"

	"github.com/cloudwego/eino/components/embedding"
)

const defaultOllamaEmbeddingURL = "http://localhost:11434/v1/embeddings"

// OllamaEmbedder 通过OpenAI兼容接口调用Ollama的嵌入模型，
// 实现 cloudwego/eino 的 embedding.Embedder 接口
type OllamaEmbedder struct {
	apiKey        string
	model         string
	dimensions    int
	maxInputRunes int
	httpClient    *http.Client
	baseURL       string
}

// NewOllamaEmbedder 创建新的Ollama嵌入客户端
func NewOllamaEmbedder(apiKey string, embeddingCfg config.EmbeddingConfig) (*OllamaEmbedder, error) {
	model := embeddingCfg.Model
	if model == "" {
		model = "bge-m3"
	}
	baseURL := embeddingCfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOllamaEmbeddingURL
	}
	if embeddingCfg.Dimensions <= 0 {
		return nil, fmt.Errorf("嵌入维度必须大于0，当前值: %d", embeddingCfg.Dimensions)
	}

	return &OllamaEmbedder{
		apiKey:        apiKey,
		model:         model,
		dimensions:    embeddingCfg.Dimensions,
		maxInputRunes: embeddingCfg.MaxInputRunes,
		httpClient:    &http.Client{Timeout: 60 * time.Second},
		baseURL:       baseURL,
	}, nil
}

// GetDimensions 返回嵌入器配置的维度
func (o *OllamaEmbedder) GetDimensions() int {
	return o.dimensions
}

// ModelVersion 返回当前模型标识，用于校验缓存的查询向量是否仍然有效
func (o *OllamaEmbedder) ModelVersion() string {
	return fmt.Sprintf("%s@%d", o.model, o.dimensions)
}

// SplitForEmbedding 将超出模型输入上限的文本按字符数切分为多个片段。
// 切分以rune为单位，避免把多字节字符劈成两半。
func (o *OllamaEmbedder) SplitForEmbedding(text string) []string {
	if o.maxInputRunes <= 0 {
		return []string{text}
	}

	runes := []rune(text)
	if len(runes) <= o.maxInputRunes {
		return []string{text}
	}

	var chunks []string
	for start := 0; start < len(runes); start += o.maxInputRunes {
		end := start + o.maxInputRunes
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

// --- OpenAI兼容的嵌入请求/响应结构 ---

type embeddingRequest struct {
	Input interface{} `json:"input"` // string 或 []string
	Model string      `json:"model"`
}

type embeddingDataEntry struct {
	Object    string    `json:"object"`
	Embedding []float64 `json:"embedding"`
	Index     int       `json:"index"`
}

type embeddingUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type embeddingAPIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

type embeddingResponse struct {
	Object string               `json:"object"`
	Data   []embeddingDataEntry `json:"data"`
	Model  string               `json:"model"`
	Usage  embeddingUsage       `json:"usage"`
	Error  *embeddingAPIError   `json:"error,omitempty"`
}

// EmbedStrings 将文本转换为向量，实现 embedding.Embedder 接口
func (o *OllamaEmbedder) EmbedStrings(ctx context.Context, texts []string, opts ...embedding.Option) ([][]float64, error) {
	options := &embedding.Options{}
	embedding.GetCommonOptions(options, opts...)

	effectiveModel := o.model
	if options.Model != nil && *options.Model != "" {
		effectiveModel = *options.Model
	}

	if len(texts) == 0 {
		return [][]float64{}, nil
	}

	var inputBody interface{}
	if len(texts) == 1 {
		inputBody = texts[0]
	} else {
		inputBody = texts
	}

	reqBody := embeddingRequest{
		Input: inputBody,
		Model: effectiveModel,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: 读取响应体失败: %v", ErrEmbeddingUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiError embeddingAPIError
		if json.Unmarshal(body, &apiError) == nil && apiError.Message != "" {
			return nil, fmt.Errorf("%w: 状态码 %d, 类型: %s, 错误: %s", ErrEmbeddingUnavailable, resp.StatusCode, apiError.Type, apiError.Message)
		}
		return nil, fmt.Errorf("%w: 状态码 %d, 响应: %s", ErrEmbeddingUnavailable, resp.StatusCode, string(body))
	}

	var parsedResp embeddingResponse
	if err := json.Unmarshal(body, &parsedResp); err != nil {
		return nil, fmt.Errorf("%w: 解析响应JSON失败: %v", ErrEmbeddingMalformed, err)
	}

	if parsedResp.Error != nil && parsedResp.Error.Message != "" {
		return nil, fmt.Errorf("%w: 类型=%s, 消息='%s'", ErrEmbeddingUnavailable, parsedResp.Error.Type, parsedResp.Error.Message)
	}

	// 数量和维度校验，维度漂移说明服务端换了模型
	if len(parsedResp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: 期望 %d 个向量，实际返回 %d 个", ErrEmbeddingMalformed, len(texts), len(parsedResp.Data))
	}

	outputEmbeddings := make([][]float64, len(parsedResp.Data))
	for _, dataEntry := range parsedResp.Data {
		if dataEntry.Index < 0 || dataEntry.Index >= len(texts) {
			return nil, fmt.Errorf("%w: 向量索引 %d 越界", ErrEmbeddingMalformed, dataEntry.Index)
		}
		if len(dataEntry.Embedding) != o.dimensions {
			return nil, fmt.Errorf("%w: 向量维度 %d 与配置的 %d 不符", ErrEmbeddingMalformed, len(dataEntry.Embedding), o.dimensions)
		}
		outputEmbeddings[dataEntry.Index] = dataEntry.Embedding
	}

	logger.Debug().
		Int("texts", len(texts)).
		Int("dimensions", o.dimensions).
		Int("prompt_tokens", parsedResp.Usage.PromptTokens).
		Msg("嵌入完成")

	return outputEmbeddings, nil
}

var _ embedding.Embedder = (*OllamaEmbedder)(nil)
