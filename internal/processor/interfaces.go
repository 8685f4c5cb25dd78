package processor

import (
	"context"

	"hr-search-go/internal/parser"
	"hr-search-go/internal/types"

	"github.com/cloudwego/eino/components/embedding"
)

//
// 向量嵌入相关接口
//

// TextEmbedder 文本向量化接口 (符合 cloudwego/eino 规范)
type TextEmbedder interface {
	// EmbedStrings 将文本转换为向量表示
	EmbedStrings(ctx context.Context, texts []string, opts ...embedding.Option) ([][]float64, error)

	// GetDimensions 返回嵌入向量的维度
	GetDimensions() int

	// ModelVersion 返回模型标识，写入点和查询缓存都用它校验模型是否一致
	ModelVersion() string
}

// TextSplitter 超长文本切分接口，画像文本超出模型输入上限时分片向量化
type TextSplitter interface {
	SplitForEmbedding(text string) []string
}

//
// 候选人评分相关接口
//

// CandidateJudge 候选人评分接口
type CandidateJudge interface {
	// JudgeCandidate 对单个检索到的候选人相对岗位描述评分
	JudgeCandidate(ctx context.Context, jobDescription string, candidate types.RetrievedCandidate) (*parser.CandidateJudgment, error)
}

//
// 元数据提取相关接口
//

// MetadataExtractor 从简历文本提取结构化元数据
type MetadataExtractor interface {
	Extract(ctx context.Context, resumeText string) (*types.CandidateMetadata, error)
}

//
// 缓存相关接口
//

// QueryVectorCache 查询向量缓存，按描述文本的摘要键控
type QueryVectorCache interface {
	GetQueryVector(ctx context.Context, description string, expectModelVersion string) ([]float64, error)
	SetQueryVector(ctx context.Context, description string, vector []float64, modelVersion string) error
}
