package types

// Grade 候选人级别
type Grade string

const (
	// GradeIntern 实习生
	GradeIntern Grade = "Intern"
	// GradeJunior 初级
	GradeJunior Grade = "Junior"
	// GradeMiddle 中级
	GradeMiddle Grade = "Middle"
	// GradeSenior 高级
	GradeSenior Grade = "Senior"
	// GradeLead 组长
	GradeLead Grade = "Lead"
	// GradeHead 负责人
	GradeHead Grade = "Head"
)

// ValidGrade 判断级别是否属于已定义的取值范围
func ValidGrade(g Grade) bool {
	switch g {
	case GradeIntern, GradeJunior, GradeMiddle, GradeSenior, GradeLead, GradeHead:
		return true
	}
	return false
}

// Identity 候选人唯一标识（姓名+电话在数据层假定唯一）
type Identity struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// String 返回 "name/phone" 形式的标识，用于日志
func (id Identity) String() string {
	return id.Name + "/" + id.Phone
}

// LanguageSkill 语言能力
type LanguageSkill struct {
	Language string `json:"language"`
	Level    string `json:"level,omitempty"`
}

// CandidateMetadata 由LLM从简历中提取的结构化元数据
type CandidateMetadata struct {
	Location        string          `json:"location_name,omitempty"`
	Positions       []string        `json:"positions,omitempty"`
	ExperienceYears float64         `json:"experience_years"`
	Grade           Grade           `json:"grade,omitempty"`
	HardSkills      []string        `json:"hard_skills,omitempty"`
	DomainSkills    []string        `json:"domain_skills,omitempty"`
	PerformedTasks  []string        `json:"performed_tasks,omitempty"`
	Languages       []LanguageSkill `json:"languages,omitempty"`

	// EmbeddingText 用于向量化的匿名文本，不包含姓名/电话等个人信息
	EmbeddingText string `json:"embedding_text"`
}

// CandidateRecord 数据库中的原始候选人记录
type CandidateRecord struct {
	Identity
	ResumeHTML string `json:"resume_html"`
}

// ResumeDocument 向量库中的一条候选人文档（一个分块对应一个点）
type ResumeDocument struct {
	Identity Identity          `json:"identity"`
	Chunk    int               `json:"chunk"`
	Text     string            `json:"text"`
	Vector   []float64         `json:"-"`
	Metadata CandidateMetadata `json:"metadata"`
}

// SearchQuery 一次候选人检索请求。
// K用指针区分"未指定"（取默认值）和显式的非法值0。
type SearchQuery struct {
	Description        string  `json:"description"`
	ExperienceYearsMin float64 `json:"experience_years_min,omitempty"`
	Grade              Grade   `json:"grade,omitempty"`
	K                  *int    `json:"k,omitempty"`
}

// RetrievedCandidate 向量检索阶段命中的候选人分块
type RetrievedCandidate struct {
	Identity   Identity
	Score      float64 // 余弦相似度
	Rank       int     // 检索结果中的原始位次，从0开始
	Metadata   CandidateMetadata
	ChunkIndex int
}

// ScoredCandidate 经过LLM评审后的最终候选人
type ScoredCandidate struct {
	Name                 string `json:"name"`
	Phone                string `json:"phone"`
	Location             string `json:"location,omitempty"`
	HardSkillsScore      int    `json:"hard_skills_score"`
	DomainSkillsScore    int    `json:"domain_skills_score"`
	RelevanceScore       int    `json:"relevance_score"`
	RelevanceExplanation string `json:"relevance_explanation"`
}

// SearchResponse 检索接口的响应体
type SearchResponse struct {
	Candidates []ScoredCandidate `json:"candidates"`
	TotalFound int               `json:"total_found"`
}

// VectorizeSummary 一次批量向量化任务的执行摘要
type VectorizeSummary struct {
	Processed        int        `json:"processed"`
	Succeeded        int        `json:"succeeded"`
	Failed           int        `json:"failed"`
	FailedIdentities []Identity `json:"failed_identities,omitempty"`
}

// CollectionStatus 向量库集合状态
type CollectionStatus struct {
	CollectionName string `json:"collection_name"`
	Exists         bool   `json:"exists"`
	PointsCount    int64  `json:"points_count"`
}
