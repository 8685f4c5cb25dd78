package parser

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"regexp"
	"strings"
	"time"

	"hr-search-go/internal/types"

	"github.com/cloudwego/eino/components/model"
	einoschema "github.com/cloudwego/eino/schema"
)

// LLMMetadataExtractor 使用LLM从简历文本中提取结构化的候选人元数据，
// 并生成用于向量化的画像文本
type LLMMetadataExtractor struct {
	llmModel       model.ToolCallingChatModel
	promptTemplate string
	maxRetries     int
	retryWait      time.Duration
	logger         *log.Logger
}

// extractionResult LLM提取结果的反序列化结构
type extractionResult struct {
	LocationName    string                `json:"location_name"`
	Positions       []string              `json:"positions"`
	ExperienceYears float64               `json:"experience_years"`
	Grade           string                `json:"grade"`
	HardSkills      []string              `json:"hard_skills"`
	DomainSkills    []string              `json:"domain_skills"`
	PerformedTasks  []string              `json:"performed_tasks"`
	Languages       []types.LanguageSkill `json:"languages"`
	EmbeddingText   string                `json:"embedding_text"`
}

// MetadataExtractorOption 提取器的配置选项
type MetadataExtractorOption func(*LLMMetadataExtractor)

// WithExtractorRetryPolicy 设置可重试错误的重试策略
func WithExtractorRetryPolicy(maxRetries int, retryWait time.Duration) MetadataExtractorOption {
	return func(e *LLMMetadataExtractor) {
		e.maxRetries = maxRetries
		e.retryWait = retryWait
	}
}

// NewLLMMetadataExtractor 创建新的元数据提取器
func NewLLMMetadataExtractor(llmModel model.ToolCallingChatModel, logger *log.Logger, options ...MetadataExtractorOption) *LLMMetadataExtractor {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	extractor := &LLMMetadataExtractor{
		llmModel:   llmModel,
		logger:     logger,
		maxRetries: 2,
		retryWait:  2 * time.Second,
	}

	for _, opt := range options {
		opt(extractor)
	}

	extractor.generatePromptTemplate()
	return extractor
}

func (e *LLMMetadataExtractor) generatePromptTemplate() {
	e.promptTemplate = `你是一个专业的简历解析专家，专注于从简历文本（可能是HTML或纯文本）中提取结构化的候选人元数据，并生成一段用于语义检索的画像文本。

核心任务：
1. 提取元数据：从简历中识别候选人的所在地、历任职位、总经验年限、资历级别、硬技能、领域经验、主要工作内容和语言能力。
2. 生成画像文本 (embedding_text)：用一到两段流畅的中文或英文描述该候选人的核心能力，覆盖职位、级别、技能和领域经验。该文本将被向量化用于语义检索，禁止包含姓名、电话等个人身份信息。
3. 输出标准JSON：严格按照指定的JSON格式输出结果。

重要指令：
- 资历级别 (grade)：只能从以下枚举中选择一个：Intern, Junior, Middle, Senior, Lead, Head。根据经验年限和职责综合判断。
- 经验年限估算：根据工作和项目经历综合估算总经验年限（数字，如0.5, 1, 2.0）。
- 信息缺失处理：若某信息项缺失，对应字段设为空字符串、空数组或0。请勿编造信息。
- 硬技能 (hard_skills)：具体的编程语言、框架、工具、平台，如 "Go", "Kafka", "Kubernetes"。
- 领域经验 (domain_skills)：行业和业务场景，如 "支付系统", "电商", "车载娱乐系统"。
- 工作内容 (performed_tasks)：候选人实际做过的事情，动宾短语，如 "设计订单撮合服务"。
- 语言能力 (languages)：自然语言，level使用 A1/A2/B1/B2/C1/C2/Native。

JSON输出格式规范：
{
  "location_name": "string",
  "positions": ["string"],
  "experience_years": 0.0,
  "grade": "string",
  "hard_skills": ["string"],
  "domain_skills": ["string"],
  "performed_tasks": ["string"],
  "languages": [{"language": "string", "level": "string"}],
  "embedding_text": "string"
}

请严格按照上述JSON格式规范输出，不要包含任何解释性文字或Markdown标记。确保JSON的完整性和可解析性。
接下来，你将收到一份简历文本，请对其进行分析。`
}

// Extract 从简历文本中提取候选人元数据
func (e *LLMMetadataExtractor) Extract(ctx context.Context, resumeText string) (*types.CandidateMetadata, error) {
	if e.llmModel == nil {
		return nil, fmt.Errorf("LLMMetadataExtractor: llmModel 未初始化")
	}

	response, err := e.callLLM(ctx, e.promptTemplate, resumeText)
	if err != nil {
		return nil, fmt.Errorf("LLM调用失败: %w", err)
	}

	result, err := e.parseResponse(ctx, response)
	if err != nil {
		return nil, err
	}

	grade := types.Grade(result.Grade)
	if !types.ValidGrade(grade) {
		e.logger.Printf("[LLMMetadataExtractor] LLM返回了未知的级别 %q，已置空", result.Grade)
		grade = ""
	}

	return &types.CandidateMetadata{
		Location:        result.LocationName,
		Positions:       result.Positions,
		ExperienceYears: result.ExperienceYears,
		Grade:           grade,
		HardSkills:      result.HardSkills,
		DomainSkills:    result.DomainSkills,
		PerformedTasks:  result.PerformedTasks,
		Languages:       result.Languages,
		EmbeddingText:   result.EmbeddingText,
	}, nil
}

// callLLM 调用LLM，可重试错误按退避策略重试
func (e *LLMMetadataExtractor) callLLM(ctx context.Context, systemContent string, userContent string) (string, error) {
	messages := []*einoschema.Message{
		{Role: "system", Content: systemContent},
		{Role: "user", Content: userContent},
	}

	retryDelay := e.retryWait
	var response *einoschema.Message
	var err error

	for retry := 0; retry <= e.maxRetries; retry++ {
		if retry > 0 {
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("上下文已取消: %w", ctx.Err())
			case <-time.After(retryDelay):
				retryDelay *= 2
				e.logger.Printf("重试LLM调用 (第%d次)", retry)
			}
		}

		// 带超时的子上下文，继承上游的取消信号
		callCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		response, err = e.llmModel.Generate(callCtx, messages)
		cancel()

		if err == nil {
			break
		}

		if !isRetryableLLMError(err) || retry >= e.maxRetries {
			e.logger.Printf("[LLMMetadataExtractor] LLM call final error after retries: %v", err)
			return "", err
		}
	}

	if response == nil || response.Content == "" {
		return "", fmt.Errorf("LLM返回空响应")
	}

	return response.Content, nil
}

// parseResponse 解析LLM响应，解析失败时让LLM修复一次JSON
func (e *LLMMetadataExtractor) parseResponse(ctx context.Context, response string) (*extractionResult, error) {
	jsonStr := extractJSONBlock(response)
	if jsonStr == "" {
		e.logger.Printf("无法从LLM响应中提取有效的JSON。原始响应: %s", response)
		return nil, fmt.Errorf("%w: 响应中没有JSON对象", ErrExtractionMalformed)
	}

	var result extractionResult
	if err := json.Unmarshal([]byte(jsonStr), &result); err == nil {
		return &result, nil
	}

	// 本地修复再试一次
	if err := json.Unmarshal([]byte(sanitizeJSON(jsonStr)), &result); err == nil {
		return &result, nil
	}

	// 最后让LLM自己修复损坏的JSON
	e.logger.Printf("[LLMMetadataExtractor] JSON解析失败，尝试让LLM修复")
	fixed, err := e.repairJSON(ctx, jsonStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtractionMalformed, err)
	}
	if err := json.Unmarshal([]byte(fixed), &result); err != nil {
		return nil, fmt.Errorf("%w: LLM修复后仍无法解析: %v", ErrExtractionMalformed, err)
	}
	return &result, nil
}

// repairJSON 将损坏的JSON交给LLM修复，返回修复后的JSON字符串
func (e *LLMMetadataExtractor) repairJSON(ctx context.Context, brokenJSON string) (string, error) {
	messages := []*einoschema.Message{
		{Role: "system", Content: "你是一个JSON修复工具。用户会给你一段无法解析的JSON文本，请修复其中的语法错误（未转义的引号、缺失的逗号或括号等），只输出修复后的合法JSON，不要添加任何解释。不得改变字段名和字段值的语义。"},
		{Role: "user", Content: brokenJSON},
	}

	callCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	response, err := e.llmModel.Generate(callCtx, messages)
	if err != nil {
		return "", fmt.Errorf("JSON修复调用失败: %w", err)
	}
	if response == nil || response.Content == "" {
		return "", fmt.Errorf("JSON修复调用返回空响应")
	}

	fixed := extractJSONBlock(response.Content)
	if fixed == "" {
		return "", fmt.Errorf("JSON修复结果中没有JSON对象")
	}
	return fixed, nil
}

// isRetryableLLMError 判断错误是否应该重试
func isRetryableLLMError(err error) bool {
	if err == nil {
		return false
	}

	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no such host")
}

// extractJSONBlock 从文本中提取JSON，优先匹配 ```json ... ``` 代码块
func extractJSONBlock(text string) string {
	re := regexp.MustCompile("(?s)```json\\s*(\\{.*?\\})\\s*```")
	matches := re.FindStringSubmatch(text)
	if len(matches) > 1 {
		return strings.TrimSpace(matches[1])
	}

	// 回退到大括号配对
	return extractJSONObject(text)
}
