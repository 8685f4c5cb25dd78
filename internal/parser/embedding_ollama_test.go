package parser_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"hr-search-go/internal/config"
	"hr-search-go/internal/parser"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEmbedder(t *testing.T, serverURL string, dimensions int) *parser.OllamaEmbedder {
	t.Helper()
	embedder, err := parser.NewOllamaEmbedder("", config.EmbeddingConfig{
		Model:         "bge-m3",
		Dimensions:    dimensions,
		BaseURL:       serverURL,
		MaxInputRunes: 100,
	})
	require.NoError(t, err, "应该成功创建Embedder")
	return embedder
}

// makeVector 生成指定维度的测试向量
func makeVector(dim int, seed float64) []float64 {
	v := make([]float64, dim)
	for i := range v {
		v[i] = seed
	}
	return v
}

// TestEmbedStrings_Success 正常响应应按index归位向量
func TestEmbedStrings_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		// 模拟服务端乱序返回，客户端应按index重排
		resp := map[string]interface{}{
			"object": "list",
			"data": []map[string]interface{}{
				{"object": "embedding", "embedding": makeVector(4, 0.2), "index": 1},
				{"object": "embedding", "embedding": makeVector(4, 0.1), "index": 0},
			},
			"model": "bge-m3",
			"usage": map[string]int{"prompt_tokens": 10, "total_tokens": 10},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	embedder := newTestEmbedder(t, server.URL, 4)
	vectors, err := embedder.EmbedStrings(context.Background(), []string{"文本一", "文本二"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, 0.1, vectors[0][0], "index=0的向量应归位到第一个输入")
	assert.Equal(t, 0.2, vectors[1][0], "index=1的向量应归位到第二个输入")
}

// TestEmbedStrings_DimensionMismatch 维度漂移应判定为结果格式错误
func TestEmbedStrings_DimensionMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"object": "list",
			"data": []map[string]interface{}{
				{"object": "embedding", "embedding": makeVector(8, 0.1), "index": 0},
			},
			"model": "bge-m3",
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	embedder := newTestEmbedder(t, server.URL, 4)
	_, err := embedder.EmbedStrings(context.Background(), []string{"文本"})
	require.Error(t, err)
	assert.ErrorIs(t, err, parser.ErrEmbeddingMalformed, "维度不符应归类为格式错误")
}

// TestEmbedStrings_CountMismatch 向量数量与输入数量不符应判定为格式错误
func TestEmbedStrings_CountMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"object": "list",
			"data": []map[string]interface{}{
				{"object": "embedding", "embedding": makeVector(4, 0.1), "index": 0},
			},
			"model": "bge-m3",
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	embedder := newTestEmbedder(t, server.URL, 4)
	_, err := embedder.EmbedStrings(context.Background(), []string{"文本一", "文本二"})
	require.Error(t, err)
	assert.ErrorIs(t, err, parser.ErrEmbeddingMalformed)
}

// TestEmbedStrings_ServerError 非200响应应判定为服务不可用
func TestEmbedStrings_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"message": "model runner has crashed", "type": "server_error", "code": "500"}`)
	}))
	defer server.Close()

	embedder := newTestEmbedder(t, server.URL, 4)
	_, err := embedder.EmbedStrings(context.Background(), []string{"文本"})
	require.Error(t, err)
	assert.ErrorIs(t, err, parser.ErrEmbeddingUnavailable, "服务端错误应归类为不可用")
}

// TestEmbedStrings_ConnectionRefused 服务不可达应判定为不可用
func TestEmbedStrings_ConnectionRefused(t *testing.T) {
	embedder := newTestEmbedder(t, "http://127.0.0.1:1", 4)
	_, err := embedder.EmbedStrings(context.Background(), []string{"文本"})
	require.Error(t, err)
	assert.ErrorIs(t, err, parser.ErrEmbeddingUnavailable)
}

// TestModelVersion 模型版本串应同时携带模型名和维度
func TestModelVersion(t *testing.T) {
	embedder := newTestEmbedder(t, "http://localhost:11434/v1/embeddings", 1024)
	assert.Equal(t, "bge-m3@1024", embedder.ModelVersion())
	assert.Equal(t, 1024, embedder.GetDimensions())
}

// TestSplitForEmbedding 超长文本按rune切分，短文本原样返回
func TestSplitForEmbedding(t *testing.T) {
	embedder := newTestEmbedder(t, "http://localhost:11434/v1/embeddings", 4)

	short := "短文本"
	chunks := embedder.SplitForEmbedding(short)
	require.Len(t, chunks, 1)
	assert.Equal(t, short, chunks[0])

	// 250个中文字符，上限100 -> 3块
	long := strings.Repeat("簡", 250)
	chunks = embedder.SplitForEmbedding(long)
	require.Len(t, chunks, 3, "250字符按100切分应得到3块")
	assert.Equal(t, 100, len([]rune(chunks[0])))
	assert.Equal(t, 100, len([]rune(chunks[1])))
	assert.Equal(t, 50, len([]rune(chunks[2])))

	// 多字节字符不应被劈开
	var rejoined strings.Builder
	for _, c := range chunks {
		rejoined.WriteString(c)
	}
	assert.Equal(t, long, rejoined.String(), "切块拼回后应与原文一致")
}

// TestNewOllamaEmbedder_RequiresDimensions 未配置维度应直接报错
func TestNewOllamaEmbedder_RequiresDimensions(t *testing.T) {
	_, err := parser.NewOllamaEmbedder("", config.EmbeddingConfig{Model: "bge-m3"})
	require.Error(t, err, "维度为0应拒绝创建")
}
