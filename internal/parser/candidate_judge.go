package parser

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"unicode/utf8"

	"hr-search-go/internal/types"

	"github.com/cloudwego/eino/components/model"
	einoschema "github.com/cloudwego/eino/schema"
)

// CandidateJudgment LLM对单个候选人相对岗位描述的评分结果
type CandidateJudgment struct {
	HardSkillsScore      int    `json:"hard_skills_score"`
	DomainSkillsScore    int    `json:"domain_skills_score"`
	RelevanceScore       int    `json:"relevance_score"`
	RelevanceExplanation string `json:"relevance_explanation"`
}

// LLMCandidateJudge 封装LLM客户端和评分Prompt逻辑
type LLMCandidateJudge struct {
	llmModel        model.ToolCallingChatModel
	promptTemplate  string
	fewShotExamples string
	logger          *log.Logger
}

// LLMCandidateJudgeOption 评分器的配置选项
type LLMCandidateJudgeOption func(*LLMCandidateJudge)

// WithJudgePromptTemplate 设置自定义提示词模板
func WithJudgePromptTemplate(template string) LLMCandidateJudgeOption {
	return func(j *LLMCandidateJudge) {
		j.promptTemplate = template
	}
}

// WithJudgeFewShotExamples 设置少样本示例
func WithJudgeFewShotExamples(examples string) LLMCandidateJudgeOption {
	return func(j *LLMCandidateJudge) {
		j.fewShotExamples = examples
	}
}

// NewLLMCandidateJudge 创建一个新的评分器实例
func NewLLMCandidateJudge(llmModel model.ToolCallingChatModel, logger *log.Logger, options ...LLMCandidateJudgeOption) *LLMCandidateJudge {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	judge := &LLMCandidateJudge{
		llmModel: llmModel,
		logger:   logger,
	}

	judge.generatePromptTemplate()

	for _, opt := range options {
		opt(judge)
	}

	if judge.fewShotExamples == "" {
		judge.generateFewShotExamples()
	}

	return judge
}

func (j *LLMCandidateJudge) generatePromptTemplate() {
	j.promptTemplate = `你是一位极其资深的AI招聘专家，擅长精准判断候选人与岗位的匹配程度。你的任务是基于下面提供的【岗位描述】和【候选人画像】，进行深度对比分析，并严格按照指定的JSON格式输出三个维度的评分。

**请严格遵循以下JSON输出格式规范：**
1.  **"hard_skills_score"**: 整数 (0-10)，候选人硬技能（编程语言、框架、工具、平台）与岗位技术要求的匹配程度。
2.  **"domain_skills_score"**: 整数 (0-10)，候选人领域经验（行业背景、业务场景、系统类型）与岗位业务方向的匹配程度。
3.  **"relevance_score"**: 整数 (0-10)，综合相关度。这是最重要的分数，综合考虑硬技能、领域经验、资历级别和岗位职责契合度。
4.  **"relevance_explanation"**: 字符串 (严格控制在200字以内)，解释综合评分的依据，指出关键的匹配点和差距。

**JSON格式细节要求：**
- 完整输出必须是一个合法的JSON对象。
- 所有字段名和字符串值都必须使用双引号。
- 字符串值内部如果包含双引号(")，必须使用反斜杠(\\")进行转义。
- 三个评分字段必须是0到10之间的整数，禁止小数和超出范围的值。
- 禁止在JSON结构之外输出任何额外文本、解释或Markdown标记。

**评分核心原则（请务必严格遵守，以确保评估的区分度）：**

*   **一票否决项 (若不满足，relevance_score 通常应低于3分)：**
    *   【岗位描述】中明确要求的核心技术栈，候选人画像完全缺失。
    *   岗位要求的资历级别与候选人级别严重不符（例如岗位要求Senior，候选人为Intern）。
*   **高权重因素：**
    *   核心硬技能的覆盖面和深度。
    *   领域经验的直接相关性（同行业、同类系统）。
    *   经验年限是否满足岗位要求。
*   **中权重因素：**
    *   相邻技术栈的可迁移性（如Java转Kotlin）。
    *   岗位要求的语言能力。
*   **加分项 (在核心能力满足前提下)：**
    *   超出岗位要求的管理经验或架构经验。

**评分参考区间：**
- 9-10分: 几乎完美匹配，核心要求全部出色满足。
- 7-8分: 高度匹配，核心要求基本满足，个别次要差距。
- 5-6分: 中等匹配，核心要求部分满足，存在明显差距。
- 3-4分: 匹配度低，多项核心要求不符。
- 0-2分: 基本不匹配或完全不相关。

【岗位描述】:
"""
%s
"""

【候选人画像】:
"""
%s
"""

请基于以上所有指令，仔细评估并输出JSON结果。`
}

// generateFewShotExamples 生成评分的少样本示例
func (j *LLMCandidateJudge) generateFewShotExamples() {
	j.fewShotExamples = `以下是一些候选人评分示例，请学习其中的评估逻辑和区分度：

示例1 (演示：高度匹配但有细微差距)
【岗位描述】:
"高级Go后端工程师：负责高并发交易系统开发。要求5年以上后端经验，精通Go，熟悉Kafka、Redis、MySQL优化，有金融或电商领域经验优先。"

【候选人画像】:
"""
职位: Backend Engineer; 级别: Senior; 经验年限: 6
硬技能: Go, Kafka, Redis, PostgreSQL, Docker, Kubernetes
领域经验: 支付网关, 高并发订单系统
工作内容: 设计订单撮合服务; 优化支付链路延迟; 搭建消息补偿机制
"""

示例输出:
{
  "hard_skills_score": 8,
  "domain_skills_score": 9,
  "relevance_score": 8,
  "relevance_explanation": "候选人6年后端经验超出岗位要求，精通Go且熟悉Kafka和Redis，支付网关与高并发订单系统经验与交易系统方向高度契合。差距在于数据库为PostgreSQL而岗位强调MySQL优化，需确认可迁移性。"
}

示例2 (演示：资历级别不符导致低分)
【岗位描述】:
"资深算法工程师(Lead)：带领团队负责推荐系统迭代。要求8年以上经验，精通Python与深度学习框架，有团队管理经验。"

【候选人画像】:
"""
职位: Machine Learning Engineer; 级别: Junior; 经验年限: 1.5
硬技能: Python, PyTorch, scikit-learn
领域经验: 课程项目中的图像分类
工作内容: 参与模型训练脚本维护
"""

示例输出:
{
  "hard_skills_score": 5,
  "domain_skills_score": 2,
  "relevance_score": 2,
  "relevance_explanation": "候选人掌握Python和PyTorch，技术方向相关，但仅1.5年经验且为Junior级别，与岗位要求的8年以上Lead级别严重不符，也没有推荐系统和团队管理经验，属于决定性不匹配。"
}

示例3 (演示：技术栈相邻但领域不同)
【岗位描述】:
"Android开发工程师：负责车载信息娱乐系统开发。要求3年以上Android经验，熟悉Kotlin、AOSP，有车载或嵌入式经验优先。"

【候选人画像】:
"""
职位: Android Developer; 级别: Middle; 经验年限: 4
硬技能: Kotlin, Java, Jetpack Compose, Room
领域经验: 电商App, 社交App
工作内容: 开发商品详情页; 重构消息模块; 优化启动耗时
"""

示例输出:
{
  "hard_skills_score": 7,
  "domain_skills_score": 3,
  "relevance_score": 5,
  "relevance_explanation": "候选人4年Android经验且精通Kotlin，基础技能满足岗位要求，但全部经验集中在电商和社交App，没有AOSP、车载或嵌入式背景，领域差距明显，综合匹配度中等。"
}`
}

// Judge 对单个候选人执行岗位匹配评分
func (j *LLMCandidateJudge) Judge(ctx context.Context, jobDescription string, candidateProfile string) (*CandidateJudgment, error) {
	if j.llmModel == nil {
		return nil, fmt.Errorf("LLMCandidateJudge: llmModel 未初始化")
	}
	if j.promptTemplate == "" {
		return nil, fmt.Errorf("LLMCandidateJudge: promptTemplate 未初始化")
	}

	// 1. 构建User消息
	userMsgContent := fmt.Sprintf(j.promptTemplate, jobDescription, candidateProfile)

	// 2. 构建System消息，few-shot示例放在系统消息里
	systemBaseMessage := "你是一位资深的AI招聘助手，专注于分析岗位描述和候选人画像的匹配度。"
	finalSystemMessage := systemBaseMessage
	if j.fewShotExamples != "" {
		var systemSb strings.Builder
		systemSb.WriteString(j.fewShotExamples)
		systemSb.WriteString("\n\n")
		systemSb.WriteString(systemBaseMessage)
		finalSystemMessage = systemSb.String()
	}

	// 3. 调用LLM，单次调用不重试，失败由上层决定是否丢弃该候选人
	messages := []*einoschema.Message{
		einoschema.SystemMessage(finalSystemMessage),
		einoschema.UserMessage(userMsgContent),
	}

	j.logger.Printf("[LLMCandidateJudge] Job description (first 300 chars): %.300s", jobDescription)
	j.logger.Printf("[LLMCandidateJudge] Candidate profile (first 300 chars): %.300s", candidateProfile)

	response, err := j.llmModel.Generate(ctx, messages)
	if err != nil {
		j.logger.Printf("[LLMCandidateJudge] LLM call error: %v", err)
		return nil, fmt.Errorf("%w: %v", ErrJudgmentUnavailable, err)
	}

	if response == nil || response.Content == "" {
		return nil, fmt.Errorf("%w: LLM返回空响应", ErrJudgmentUnavailable)
	}
	j.logger.Printf("[LLMCandidateJudge] LLM Response: %s", response.Content)

	return parseJudgment(response.Content)
}

// JudgeCandidate 基于检索到的候选人元数据构建画像并评分
func (j *LLMCandidateJudge) JudgeCandidate(ctx context.Context, jobDescription string, candidate types.RetrievedCandidate) (*CandidateJudgment, error) {
	return j.Judge(ctx, jobDescription, BuildCandidateProfile(candidate.Metadata))
}

// BuildCandidateProfile 将结构化元数据渲染为评分Prompt使用的候选人画像文本
func BuildCandidateProfile(meta types.CandidateMetadata) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "职位: %s; 级别: %s; 经验年限: %.1f\n", strings.Join(meta.Positions, ", "), meta.Grade, meta.ExperienceYears)
	if meta.Location != "" {
		fmt.Fprintf(&sb, "所在地: %s\n", meta.Location)
	}
	if len(meta.HardSkills) > 0 {
		fmt.Fprintf(&sb, "硬技能: %s\n", strings.Join(meta.HardSkills, ", "))
	}
	if len(meta.DomainSkills) > 0 {
		fmt.Fprintf(&sb, "领域经验: %s\n", strings.Join(meta.DomainSkills, ", "))
	}
	if len(meta.PerformedTasks) > 0 {
		fmt.Fprintf(&sb, "工作内容: %s\n", strings.Join(meta.PerformedTasks, "; "))
	}
	if len(meta.Languages) > 0 {
		var langs []string
		for _, l := range meta.Languages {
			langs = append(langs, fmt.Sprintf("%s(%s)", l.Language, l.Level))
		}
		fmt.Fprintf(&sb, "语言: %s\n", strings.Join(langs, ", "))
	}
	return sb.String()
}

// parseJudgment 从LLM响应中提取并校验评分JSON
func parseJudgment(content string) (*CandidateJudgment, error) {
	// 清理BOM
	processedContent := strings.TrimPrefix(content, "\uFEFF")

	jsonStr := extractJSONObject(processedContent)
	if jsonStr == "" {
		return nil, fmt.Errorf("%w: 无法从LLM响应中提取JSON。原始内容: %s", ErrJudgmentMalformed, processedContent)
	}

	if !utf8.ValidString(jsonStr) {
		jsonStr = strings.ToValidUTF8(jsonStr, "")
	}

	var judgment CandidateJudgment
	// ① 正常解析
	if err := json.Unmarshal([]byte(jsonStr), &judgment); err != nil {
		// ② 解析失败 -> 自动修复字符串内部未转义的引号再试一次
		fixedJsonStr := sanitizeJSON(jsonStr)
		if jsonErr := json.Unmarshal([]byte(fixedJsonStr), &judgment); jsonErr != nil {
			return nil, fmt.Errorf("%w: JSON解析失败。原始错误: %v。修复后错误: %v。JSON字符串: %s", ErrJudgmentMalformed, err, jsonErr, jsonStr)
		}
	}

	if err := validateJudgment(&judgment); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJudgmentMalformed, err)
	}

	return &judgment, nil
}

// validateJudgment 校验评分结果是否符合要求
func validateJudgment(result *CandidateJudgment) error {
	scores := map[string]int{
		"hard_skills_score":   result.HardSkillsScore,
		"domain_skills_score": result.DomainSkillsScore,
		"relevance_score":     result.RelevanceScore,
	}
	for field, score := range scores {
		if score < 0 || score > 10 {
			return fmt.Errorf("%s 必须在0到10之间，实际值: %d", field, score)
		}
	}

	// 解释允许为空；超长时截断而不是丢弃整个评分
	if runes := []rune(result.RelevanceExplanation); len(runes) > 300 {
		result.RelevanceExplanation = string(runes[:300])
	}

	return nil
}

// extractJSONObject 从文本中提取第一个完整的JSON对象
func extractJSONObject(text string) string {
	start := strings.Index(text, "{")
	if start == -1 {
		return ""
	}
	level := 0
	for i := start; i < len(text); i++ {
		if text[i] == '{' {
			level++
		} else if text[i] == '}' {
			level--
			if level == 0 {
				return strings.TrimSpace(text[start : i+1])
			}
		}
	}
	return ""
}

// sanitizeJSON 会遍历 src，将任何位于字符串字面量内部但并非"真正结束"的双引号改写为 \"，
// 以保证整个 JSON 在 Go 端能够正常反序列化。
// 它通过检查下一个非空白字符是否为 :, ], }, 或 , 来判断该 " 是否为字符串的结束。
func sanitizeJSON(src string) string {
	var b strings.Builder
	inStr := false
	escaped := false

	for i := 0; i < len(src); i++ {
		c := src[i]

		if c == '"' && !escaped {
			if !inStr {
				inStr = true
				b.WriteByte(c)
			} else {
				// 当前在字符串里，检查这是不是字符串的真正结束
				j := i + 1
				for j < len(src) && (src[j] == ' ' || src[j] == '\t' || src[j] == '\n' || src[j] == '\r') {
					j++
				}
				if j < len(src) && (src[j] == ':' || src[j] == ',' || src[j] == ']' || src[j] == '}') {
					inStr = false
					b.WriteByte(c)
				} else {
					// 字符串内部的 "，需要改成 \"
					b.WriteString("\\\"")
				}
			}
			escaped = false

		} else if c == '\\' && !escaped {
			escaped = true
			b.WriteByte(c)

		} else {
			b.WriteByte(c)
			escaped = false
		}
	}

	return b.String()
}
