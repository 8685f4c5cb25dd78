package parser

import "errors"

// 嵌入和评分客户端的哨兵错误，上层用 errors.Is 区分失败类别
var (
	// ErrEmbeddingUnavailable 嵌入服务调用失败（网络、超时、5xx）
	ErrEmbeddingUnavailable = errors.New("嵌入服务不可用")

	// ErrEmbeddingMalformed 嵌入服务返回的向量维度或数量不符合预期
	ErrEmbeddingMalformed = errors.New("嵌入服务返回格式错误")

	// ErrJudgmentUnavailable 评分LLM调用失败
	ErrJudgmentUnavailable = errors.New("评分服务不可用")

	// ErrJudgmentMalformed 评分LLM返回的内容无法解析为合法的评分结果
	ErrJudgmentMalformed = errors.New("评分结果格式错误")

	// ErrExtractionMalformed 元数据提取结果无法解析
	ErrExtractionMalformed = errors.New("元数据提取结果格式错误")
)
