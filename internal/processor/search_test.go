package processor_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"hr-search-go/internal/parser"
	"hr-search-go/internal/processor"
	"hr-search-go/internal/storage"
	"hr-search-go/internal/types"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- 测试替身 ---

// fakeIndex 内存中的向量索引，记录最近一次检索的limit和filter
type fakeIndex struct {
	results    []types.RetrievedCandidate
	searchErr  error
	lastLimit  int
	lastFilter storage.SearchFilter
}

func (f *fakeIndex) UpsertCandidateDocuments(ctx context.Context, docs []types.ResumeDocument) ([]string, error) {
	return nil, nil
}

func (f *fakeIndex) SearchCandidates(ctx context.Context, queryVector []float64, filter storage.SearchFilter, limit int) ([]types.RetrievedCandidate, error) {
	f.lastLimit = limit
	f.lastFilter = filter
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.results, nil
}

func (f *fakeIndex) CollectionStatus(ctx context.Context) (types.CollectionStatus, error) {
	return types.CollectionStatus{}, nil
}

// fakeEmbedder 返回固定向量，并统计调用次数
type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeEmbedder) EmbedStrings(ctx context.Context, texts []string, opts ...embedding.Option) ([][]float64, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	vectors := make([][]float64, len(texts))
	for i := range texts {
		vectors[i] = []float64{0.1, 0.2, 0.3}
	}
	return vectors, nil
}

func (f *fakeEmbedder) GetDimensions() int   { return 3 }
func (f *fakeEmbedder) ModelVersion() string { return "test-model@3" }

// judgeFunc 让测试用闭包自定义评分行为
type judgeFunc func(ctx context.Context, jobDescription string, candidate types.RetrievedCandidate) (*parser.CandidateJudgment, error)

func (f judgeFunc) JudgeCandidate(ctx context.Context, jobDescription string, candidate types.RetrievedCandidate) (*parser.CandidateJudgment, error) {
	return f(ctx, jobDescription, candidate)
}

// fakeVectorCache 内存中的查询向量缓存
type fakeVectorCache struct {
	mu      sync.Mutex
	vectors map[string][]float64
	version string
}

func newFakeVectorCache(version string) *fakeVectorCache {
	return &fakeVectorCache{vectors: make(map[string][]float64), version: version}
}

func (f *fakeVectorCache) GetQueryVector(ctx context.Context, description, expectModelVersion string) ([]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.version != expectModelVersion {
		return nil, storage.ErrNotFound
	}
	v, ok := f.vectors[description]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return v, nil
}

func (f *fakeVectorCache) SetQueryVector(ctx context.Context, description string, vector []float64, modelVersion string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.version = modelVersion
	f.vectors[description] = vector
	return nil
}

// intp 构造查询里的可选k
func intp(v int) *int { return &v }

// retrievedCandidate 构造一个检索命中的候选人分块
func retrievedCandidate(name string, rank int) types.RetrievedCandidate {
	return types.RetrievedCandidate{
		Identity: types.Identity{Name: name, Phone: "138" + name},
		Score:    1.0 - float64(rank)*0.01,
		Rank:     rank,
		Metadata: types.CandidateMetadata{
			Positions: []string{"Backend Engineer"},
			Grade:     types.GradeSenior,
		},
	}
}

// scoreTable 按候选人姓名查找固定评分
func scoreTable(scores map[string][3]int) judgeFunc {
	return func(ctx context.Context, jobDescription string, candidate types.RetrievedCandidate) (*parser.CandidateJudgment, error) {
		s, ok := scores[candidate.Identity.Name]
		if !ok {
			return nil, fmt.Errorf("测试数据中不存在候选人: %s", candidate.Identity.Name)
		}
		return &parser.CandidateJudgment{
			HardSkillsScore:      s[0],
			DomainSkillsScore:    s[1],
			RelevanceScore:       s[2],
			RelevanceExplanation: "测试评分",
		}, nil
	}
}

func newProcessor(t *testing.T, index *fakeIndex, judge judgeFunc, options ...processor.SearchOption) *processor.SearchProcessor {
	t.Helper()
	p, err := processor.NewSearchProcessor(index, &fakeEmbedder{}, judge, options...)
	require.NoError(t, err, "应该成功创建检索编排器")
	return p
}

// TestSearch_RankingTieBreakAndTruncation 验证排序、平分处理和top-k截断
func TestSearch_RankingTieBreakAndTruncation(t *testing.T) {
	index := &fakeIndex{
		results: []types.RetrievedCandidate{
			retrievedCandidate("C1", 0),
			retrievedCandidate("C2", 1),
			retrievedCandidate("C3", 2),
			retrievedCandidate("C4", 3),
			retrievedCandidate("C5", 4),
		},
	}
	// C2和C4的relevance同为9，C4的hard更高应排前
	judge := scoreTable(map[string][3]int{
		"C1": {6, 6, 7},
		"C2": {7, 8, 9},
		"C3": {5, 5, 5},
		"C4": {8, 6, 9},
		"C5": {6, 6, 6},
	})
	p := newProcessor(t, index, judge)

	resp, err := p.Search(context.Background(), types.SearchQuery{
		Description: "高级Go后端工程师",
		K:           intp(2),
	})
	require.NoError(t, err)
	require.Len(t, resp.Candidates, 2, "应该只返回k个候选人")

	assert.Equal(t, "C4", resp.Candidates[0].Name, "relevance平分时hard更高的应排前")
	assert.Equal(t, "C2", resp.Candidates[1].Name)
	assert.Equal(t, 5, resp.TotalFound, "TotalFound应为截断前的去重评分总数")

	// 检索量应为 max(2k, 下限)
	assert.Equal(t, 10, index.lastLimit, "k=2时检索量应取下限10")
}

// TestSearch_TieBreakFallsBackToRetrievalRank 三个分数全部相同时按检索排名排序
func TestSearch_TieBreakFallsBackToRetrievalRank(t *testing.T) {
	index := &fakeIndex{
		results: []types.RetrievedCandidate{
			retrievedCandidate("A", 0),
			retrievedCandidate("B", 1),
			retrievedCandidate("C", 2),
		},
	}
	judge := scoreTable(map[string][3]int{
		"A": {7, 7, 8},
		"B": {7, 7, 8},
		"C": {7, 7, 8},
	})
	p := newProcessor(t, index, judge)

	resp, err := p.Search(context.Background(), types.SearchQuery{Description: "岗位", K: intp(3)})
	require.NoError(t, err)
	require.Len(t, resp.Candidates, 3)
	assert.Equal(t, "A", resp.Candidates[0].Name, "分数全同时应保持检索顺序")
	assert.Equal(t, "B", resp.Candidates[1].Name)
	assert.Equal(t, "C", resp.Candidates[2].Name)
}

// TestSearch_EmptyRetrievalIsNotAnError 检索无命中时返回空结果而非错误
func TestSearch_EmptyRetrievalIsNotAnError(t *testing.T) {
	index := &fakeIndex{results: nil}
	judge := scoreTable(nil)
	p := newProcessor(t, index, judge)

	resp, err := p.Search(context.Background(), types.SearchQuery{Description: "岗位描述", K: intp(5)})
	require.NoError(t, err, "无匹配结果不应是错误")
	assert.NotNil(t, resp.Candidates)
	assert.Empty(t, resp.Candidates)
	assert.Equal(t, 0, resp.TotalFound)
}

// TestSearch_JudgeFailureDropsOnlyThatCandidate 单个候选人评分失败只剔除该候选人
func TestSearch_JudgeFailureDropsOnlyThatCandidate(t *testing.T) {
	index := &fakeIndex{
		results: []types.RetrievedCandidate{
			retrievedCandidate("Good1", 0),
			retrievedCandidate("Bad", 1),
			retrievedCandidate("Good2", 2),
		},
	}
	base := scoreTable(map[string][3]int{
		"Good1": {7, 7, 8},
		"Good2": {6, 6, 7},
	})
	judge := judgeFunc(func(ctx context.Context, jd string, candidate types.RetrievedCandidate) (*parser.CandidateJudgment, error) {
		if candidate.Identity.Name == "Bad" {
			return nil, fmt.Errorf("%w: 评分JSON缺少必填字段", parser.ErrJudgmentMalformed)
		}
		return base(ctx, jd, candidate)
	})
	p := newProcessor(t, index, judge)

	resp, err := p.Search(context.Background(), types.SearchQuery{Description: "岗位", K: intp(5)})
	require.NoError(t, err, "个别评分失败不应让整个查询失败")
	require.Len(t, resp.Candidates, 2)
	assert.Equal(t, 2, resp.TotalFound, "TotalFound只统计评分成功的候选人")
	for _, c := range resp.Candidates {
		assert.NotEqual(t, "Bad", c.Name, "评分失败的候选人不应出现在结果中")
	}
}

// TestSearch_DedupKeepsMaxRelevance 同一候选人多个分块去重后保留最高relevance
func TestSearch_DedupKeepsMaxRelevance(t *testing.T) {
	same := types.Identity{Name: "Dup", Phone: "13800000000"}
	index := &fakeIndex{
		results: []types.RetrievedCandidate{
			{Identity: same, Score: 0.95, Rank: 0, ChunkIndex: 0},
			{Identity: types.Identity{Name: "Other", Phone: "13811111111"}, Score: 0.90, Rank: 1},
			{Identity: same, Score: 0.85, Rank: 2, ChunkIndex: 1},
		},
	}
	judge := judgeFunc(func(ctx context.Context, jd string, candidate types.RetrievedCandidate) (*parser.CandidateJudgment, error) {
		if candidate.Identity.Name == "Other" {
			return &parser.CandidateJudgment{HardSkillsScore: 5, DomainSkillsScore: 5, RelevanceScore: 6, RelevanceExplanation: "测试"}, nil
		}
		// 第二个分块的评分更高
		relevance := 4
		if candidate.ChunkIndex == 1 {
			relevance = 9
		}
		return &parser.CandidateJudgment{HardSkillsScore: 7, DomainSkillsScore: 7, RelevanceScore: relevance, RelevanceExplanation: "测试"}, nil
	})
	p := newProcessor(t, index, judge)

	resp, err := p.Search(context.Background(), types.SearchQuery{Description: "岗位", K: intp(5)})
	require.NoError(t, err)
	require.Len(t, resp.Candidates, 2, "同一候选人的多个分块应合并为一条")
	assert.Equal(t, 2, resp.TotalFound)
	assert.Equal(t, "Dup", resp.Candidates[0].Name)
	assert.Equal(t, 9, resp.Candidates[0].RelevanceScore, "去重应保留最高的relevance评分")
}

// TestSearch_ValidationRejectsBadQueries 非法查询在任何外部调用之前被拒绝
func TestSearch_ValidationRejectsBadQueries(t *testing.T) {
	testCases := []struct {
		name  string
		query types.SearchQuery
	}{
		{"空描述", types.SearchQuery{Description: "   ", K: intp(5)}},
		{"负数k", types.SearchQuery{Description: "岗位", K: intp(-1)}},
		{"显式k为0", types.SearchQuery{Description: "岗位", K: intp(0)}},
		{"负数经验年限", types.SearchQuery{Description: "岗位", ExperienceYearsMin: -2}},
		{"未知级别", types.SearchQuery{Description: "岗位", Grade: "Archmage"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			embedder := &fakeEmbedder{}
			index := &fakeIndex{}
			p, err := processor.NewSearchProcessor(index, embedder, scoreTable(nil))
			require.NoError(t, err)

			_, err = p.Search(context.Background(), tc.query)
			require.Error(t, err)
			assert.ErrorIs(t, err, processor.ErrInvalidQuery, "应返回查询参数非法错误")
			assert.Equal(t, 0, embedder.calls, "校验失败不应触发向量化")
			assert.Equal(t, 0, index.lastLimit, "校验失败不应触发检索")
		})
	}
}

// TestSearch_DefaultKAndMaxKClamp 未指定k时取默认值，超过上限被截断
func TestSearch_DefaultKAndMaxKClamp(t *testing.T) {
	index := &fakeIndex{results: nil}
	p := newProcessor(t, index, scoreTable(nil), processor.WithSearchLimits(5, 10))

	_, err := p.Search(context.Background(), types.SearchQuery{Description: "岗位"})
	require.NoError(t, err)
	assert.Equal(t, 10, index.lastLimit, "未指定k时生效k=5, 检索量=max(10,10)=10")

	_, err = p.Search(context.Background(), types.SearchQuery{Description: "岗位", K: intp(100)})
	require.NoError(t, err)
	assert.Equal(t, 20, index.lastLimit, "k=100应被钳制到10, 检索量=20")
}

// TestSearch_FilterPassedToIndex 结构化过滤条件应原样传给向量索引
func TestSearch_FilterPassedToIndex(t *testing.T) {
	index := &fakeIndex{results: nil}
	p := newProcessor(t, index, scoreTable(nil))

	_, err := p.Search(context.Background(), types.SearchQuery{
		Description:        "岗位",
		ExperienceYearsMin: 3,
		Grade:              types.GradeSenior,
		K:                  intp(5),
	})
	require.NoError(t, err)
	assert.Equal(t, float64(3), index.lastFilter.ExperienceYearsMin)
	assert.Equal(t, types.GradeSenior, index.lastFilter.Grade)
}

// TestSearch_QueryVectorCacheHitSkipsEmbedding 缓存命中时不再调用向量化
func TestSearch_QueryVectorCacheHitSkipsEmbedding(t *testing.T) {
	index := &fakeIndex{results: nil}
	embedder := &fakeEmbedder{}
	cache := newFakeVectorCache("test-model@3")
	p, err := processor.NewSearchProcessor(index, embedder, scoreTable(nil),
		processor.WithQueryVectorCache(cache))
	require.NoError(t, err)

	query := types.SearchQuery{Description: "同一个岗位描述", K: intp(5)}

	_, err = p.Search(context.Background(), query)
	require.NoError(t, err)
	assert.Equal(t, 1, embedder.calls, "首次查询应向量化一次")

	_, err = p.Search(context.Background(), query)
	require.NoError(t, err)
	assert.Equal(t, 1, embedder.calls, "第二次查询应命中缓存，不再向量化")
}

// TestSearch_CancellationAbortsJudging 查询被取消时评分阶段整体中止
func TestSearch_CancellationAbortsJudging(t *testing.T) {
	index := &fakeIndex{
		results: []types.RetrievedCandidate{
			retrievedCandidate("C1", 0),
			retrievedCandidate("C2", 1),
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	judge := judgeFunc(func(gctx context.Context, jd string, candidate types.RetrievedCandidate) (*parser.CandidateJudgment, error) {
		// 模拟评分过程中整个查询被取消
		cancel()
		<-gctx.Done()
		return nil, gctx.Err()
	})
	p := newProcessor(t, index, judge, processor.WithJudgeConcurrency(1))

	resp, err := p.Search(ctx, types.SearchQuery{Description: "岗位", K: intp(2)})
	require.Error(t, err, "取消后不应返回部分结果")
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, context.Canceled)
}

// TestSearch_IndexErrorPropagates 向量库故障应向上传播
func TestSearch_IndexErrorPropagates(t *testing.T) {
	index := &fakeIndex{searchErr: fmt.Errorf("%w: connection refused", storage.ErrIndexUnavailable)}
	p := newProcessor(t, index, scoreTable(nil))

	_, err := p.Search(context.Background(), types.SearchQuery{Description: "岗位", K: intp(3)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrIndexUnavailable), "应能识别出向量库不可用错误")
}

// TestSearch_JudgeFailureIsLoggedWithIdentity 评分失败剔除候选人时，
// 即使请求context没有显式绑定logger，也要写出带候选人身份的警告日志
func TestSearch_JudgeFailureIsLoggedWithIdentity(t *testing.T) {
	var buf bytes.Buffer
	bufLogger := zerolog.New(&buf)
	prev := zerolog.DefaultContextLogger
	zerolog.DefaultContextLogger = &bufLogger
	defer func() { zerolog.DefaultContextLogger = prev }()

	index := &fakeIndex{
		results: []types.RetrievedCandidate{
			retrievedCandidate("Good", 0),
			retrievedCandidate("Broken", 1),
		},
	}
	base := scoreTable(map[string][3]int{"Good": {7, 7, 8}})
	judge := judgeFunc(func(ctx context.Context, jd string, candidate types.RetrievedCandidate) (*parser.CandidateJudgment, error) {
		if candidate.Identity.Name == "Broken" {
			return nil, fmt.Errorf("%w: 评分JSON缺少必填字段", parser.ErrJudgmentMalformed)
		}
		return base(ctx, jd, candidate)
	})
	p := newProcessor(t, index, judge)

	resp, err := p.Search(context.Background(), types.SearchQuery{Description: "岗位", K: intp(5)})
	require.NoError(t, err)
	require.Len(t, resp.Candidates, 1)

	logged := buf.String()
	assert.Contains(t, logged, "Broken", "警告日志应包含被剔除候选人的身份")
	assert.Contains(t, logged, "评分失败", "应记录剔除原因")
}
