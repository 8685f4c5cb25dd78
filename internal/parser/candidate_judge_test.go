package parser_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"hr-search-go/internal/parser"
	"hr-search-go/internal/types"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubChatModel 返回固定内容或固定错误的对话模型
type stubChatModel struct {
	content      string
	err          error
	lastMessages []*schema.Message
}

func (s *stubChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	s.lastMessages = input
	if s.err != nil {
		return nil, s.err
	}
	return schema.AssistantMessage(s.content, nil), nil
}

func (s *stubChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("stream 未实现")
}

func (s *stubChatModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return s, nil
}

const jobDescription = "高级Go后端工程师：负责高并发交易系统开发。"

// TestJudge_ValidJSON 正常的JSON响应应被成功解析
func TestJudge_ValidJSON(t *testing.T) {
	stub := &stubChatModel{content: `{
		"hard_skills_score": 8,
		"domain_skills_score": 9,
		"relevance_score": 8,
		"relevance_explanation": "硬技能与领域经验均高度匹配。"
	}`}
	judge := parser.NewLLMCandidateJudge(stub, nil)

	judgment, err := judge.Judge(context.Background(), jobDescription, "职位: Backend Engineer; 级别: Senior")
	require.NoError(t, err, "合法JSON应解析成功")
	assert.Equal(t, 8, judgment.HardSkillsScore)
	assert.Equal(t, 9, judgment.DomainSkillsScore)
	assert.Equal(t, 8, judgment.RelevanceScore)
	assert.NotEmpty(t, judgment.RelevanceExplanation)
}

// TestJudge_JSONWrappedInProse LLM在JSON前后输出多余文本时仍可提取
func TestJudge_JSONWrappedInProse(t *testing.T) {
	stub := &stubChatModel{content: `好的，以下是我的评估结果：
{"hard_skills_score": 6, "domain_skills_score": 5, "relevance_score": 6, "relevance_explanation": "中等匹配。"}
希望对你有帮助。`}
	judge := parser.NewLLMCandidateJudge(stub, nil)

	judgment, err := judge.Judge(context.Background(), jobDescription, "候选人画像")
	require.NoError(t, err, "JSON外的多余文本应被忽略")
	assert.Equal(t, 6, judgment.RelevanceScore)
}

// TestJudge_UnescapedQuotesAreRepaired 字符串内部未转义的引号应被自动修复
func TestJudge_UnescapedQuotesAreRepaired(t *testing.T) {
	stub := &stubChatModel{content: `{"hard_skills_score": 7, "domain_skills_score": 6, "relevance_score": 7, "relevance_explanation": "候选人熟悉"高并发"场景，匹配度较高。"}`}
	judge := parser.NewLLMCandidateJudge(stub, nil)

	judgment, err := judge.Judge(context.Background(), jobDescription, "候选人画像")
	require.NoError(t, err, "内嵌引号应被sanitize修复")
	assert.Contains(t, judgment.RelevanceExplanation, "高并发")
}

// TestJudge_ScoreOutOfRange 超出0-10范围的评分应判定为格式错误
func TestJudge_ScoreOutOfRange(t *testing.T) {
	stub := &stubChatModel{content: `{"hard_skills_score": 11, "domain_skills_score": 5, "relevance_score": 6, "relevance_explanation": "解释。"}`}
	judge := parser.NewLLMCandidateJudge(stub, nil)

	_, err := judge.Judge(context.Background(), jobDescription, "候选人画像")
	require.Error(t, err)
	assert.ErrorIs(t, err, parser.ErrJudgmentMalformed, "超范围评分应归类为格式错误")
}

// TestJudge_EmptyExplanationIsAccepted 解释为空依然是合法评分，不应丢弃候选人
func TestJudge_EmptyExplanationIsAccepted(t *testing.T) {
	stub := &stubChatModel{content: `{"hard_skills_score": 7, "domain_skills_score": 6, "relevance_score": 7, "relevance_explanation": ""}`}
	judge := parser.NewLLMCandidateJudge(stub, nil)

	judgment, err := judge.Judge(context.Background(), jobDescription, "候选人画像")
	require.NoError(t, err, "空解释不应判定为格式错误")
	assert.Equal(t, 7, judgment.RelevanceScore)
	assert.Empty(t, judgment.RelevanceExplanation)
}

// TestJudge_OverlongExplanationIsTruncated 超长解释应截断而不是丢弃评分
func TestJudge_OverlongExplanationIsTruncated(t *testing.T) {
	long := strings.Repeat("匹", 400)
	stub := &stubChatModel{content: `{"hard_skills_score": 7, "domain_skills_score": 6, "relevance_score": 7, "relevance_explanation": "` + long + `"}`}
	judge := parser.NewLLMCandidateJudge(stub, nil)

	judgment, err := judge.Judge(context.Background(), jobDescription, "候选人画像")
	require.NoError(t, err, "超长解释不应判定为格式错误")
	assert.Len(t, []rune(judgment.RelevanceExplanation), 300)
}

// TestJudge_LeadingBOMIsStripped 响应开头的BOM应被清理后再解析
func TestJudge_LeadingBOMIsStripped(t *testing.T) {
	stub := &stubChatModel{content: "\uFEFF" + `{"hard_skills_score": 6, "domain_skills_score": 6, "relevance_score": 6, "relevance_explanation": "匹配。"}`}
	judge := parser.NewLLMCandidateJudge(stub, nil)

	judgment, err := judge.Judge(context.Background(), jobDescription, "候选人画像")
	require.NoError(t, err, "带BOM前缀的响应应正常解析")
	assert.Equal(t, 6, judgment.RelevanceScore)
}

// TestJudge_NoJSONInResponse 响应中没有JSON对象时应判定为格式错误
func TestJudge_NoJSONInResponse(t *testing.T) {
	stub := &stubChatModel{content: "很抱歉，我无法评估这个候选人。"}
	judge := parser.NewLLMCandidateJudge(stub, nil)

	_, err := judge.Judge(context.Background(), jobDescription, "候选人画像")
	require.Error(t, err)
	assert.ErrorIs(t, err, parser.ErrJudgmentMalformed)
}

// TestJudge_LLMErrorIsUnavailable LLM调用失败应归类为服务不可用
func TestJudge_LLMErrorIsUnavailable(t *testing.T) {
	stub := &stubChatModel{err: errors.New("connection refused")}
	judge := parser.NewLLMCandidateJudge(stub, nil)

	_, err := judge.Judge(context.Background(), jobDescription, "候选人画像")
	require.Error(t, err)
	assert.ErrorIs(t, err, parser.ErrJudgmentUnavailable, "传输错误应归类为评分服务不可用")
}

// TestJudge_PromptContainsBothInputs 岗位描述和候选人画像都应出现在Prompt中
func TestJudge_PromptContainsBothInputs(t *testing.T) {
	stub := &stubChatModel{content: `{"hard_skills_score": 5, "domain_skills_score": 5, "relevance_score": 5, "relevance_explanation": "中等。"}`}
	judge := parser.NewLLMCandidateJudge(stub, nil)

	profile := "职位: Data Engineer; 级别: Middle"
	_, err := judge.Judge(context.Background(), jobDescription, profile)
	require.NoError(t, err)

	require.Len(t, stub.lastMessages, 2, "应包含system和user两条消息")
	assert.Equal(t, schema.System, stub.lastMessages[0].Role)
	userMsg := stub.lastMessages[1].Content
	assert.Contains(t, userMsg, jobDescription)
	assert.Contains(t, userMsg, profile)
}

// TestBuildCandidateProfile 元数据应渲染为结构化的画像文本
func TestBuildCandidateProfile(t *testing.T) {
	meta := types.CandidateMetadata{
		Location:        "上海",
		Positions:       []string{"Backend Engineer"},
		ExperienceYears: 6,
		Grade:           types.GradeSenior,
		HardSkills:      []string{"Go", "Kafka", "Redis"},
		DomainSkills:    []string{"支付网关"},
		PerformedTasks:  []string{"设计订单撮合服务"},
		Languages: []types.LanguageSkill{
			{Language: "英语", Level: "B2"},
		},
	}

	profile := parser.BuildCandidateProfile(meta)
	assert.Contains(t, profile, "Backend Engineer")
	assert.Contains(t, profile, "Senior")
	assert.Contains(t, profile, "6.0")
	assert.Contains(t, profile, "上海")
	assert.Contains(t, profile, "Go, Kafka, Redis")
	assert.Contains(t, profile, "支付网关")
	assert.Contains(t, profile, "英语(B2)")
}

// TestJudgeCandidate_UsesMetadata JudgeCandidate应基于检索到的元数据构建画像
func TestJudgeCandidate_UsesMetadata(t *testing.T) {
	stub := &stubChatModel{content: `{"hard_skills_score": 7, "domain_skills_score": 7, "relevance_score": 8, "relevance_explanation": "匹配。"}`}
	judge := parser.NewLLMCandidateJudge(stub, nil)

	candidate := types.RetrievedCandidate{
		Identity: types.Identity{Name: "张三", Phone: "13800000000"},
		Metadata: types.CandidateMetadata{
			Positions:  []string{"Platform Engineer"},
			Grade:      types.GradeLead,
			HardSkills: []string{"Kubernetes"},
		},
	}

	judgment, err := judge.JudgeCandidate(context.Background(), jobDescription, candidate)
	require.NoError(t, err)
	assert.Equal(t, 8, judgment.RelevanceScore)

	userMsg := stub.lastMessages[1].Content
	assert.True(t, strings.Contains(userMsg, "Platform Engineer"), "画像应包含候选人职位")
	assert.True(t, strings.Contains(userMsg, "Kubernetes"), "画像应包含硬技能")
}
