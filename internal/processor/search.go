package processor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"hr-search-go/internal/constants"
	"hr-search-go/internal/logger"
	"hr-search-go/internal/parser"
	"hr-search-go/internal/storage"
	"hr-search-go/internal/tracing"
	"hr-search-go/internal/types"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("hr-search-go/processor")

// SearchProcessor 候选人检索编排器。
// 一次查询依次经过：参数校验 -> 查询向量化 -> 向量检索 -> LLM逐个评分 -> 去重排序截断。
// 检索负责从大池子里便宜地筛出短名单，LLM评分只对短名单做昂贵的精排。
type SearchProcessor struct {
	index            storage.VectorIndex
	embedder         TextEmbedder
	judge            CandidateJudge
	vectorCache      QueryVectorCache
	defaultK         int
	maxK             int
	judgeConcurrency int
}

// SearchOption 检索编排器的配置选项
type SearchOption func(*SearchProcessor)

// WithQueryVectorCache 设置查询向量缓存
func WithQueryVectorCache(cache QueryVectorCache) SearchOption {
	return func(p *SearchProcessor) {
		p.vectorCache = cache
	}
}

// WithSearchLimits 设置默认和最大返回数量
func WithSearchLimits(defaultK, maxK int) SearchOption {
	return func(p *SearchProcessor) {
		if defaultK > 0 {
			p.defaultK = defaultK
		}
		if maxK > 0 {
			p.maxK = maxK
		}
	}
}

// WithJudgeConcurrency 设置评分阶段的最大并发数
func WithJudgeConcurrency(n int) SearchOption {
	return func(p *SearchProcessor) {
		if n > 0 {
			p.judgeConcurrency = n
		}
	}
}

// NewSearchProcessor 创建检索编排器
func NewSearchProcessor(index storage.VectorIndex, embedder TextEmbedder, judge CandidateJudge, options ...SearchOption) (*SearchProcessor, error) {
	if index == nil {
		return nil, fmt.Errorf("VectorIndex 不能为空")
	}
	if embedder == nil {
		return nil, fmt.Errorf("TextEmbedder 不能为空")
	}
	if judge == nil {
		return nil, fmt.Errorf("CandidateJudge 不能为空")
	}

	p := &SearchProcessor{
		index:            index,
		embedder:         embedder,
		judge:            judge,
		defaultK:         constants.DefaultSearchK,
		maxK:             50,
		judgeConcurrency: 5,
	}

	for _, option := range options {
		option(p)
	}

	return p, nil
}

// judgedCandidate 评分阶段的中间结果
type judgedCandidate struct {
	candidate types.RetrievedCandidate
	judgment  *parser.CandidateJudgment
}

// Search 执行一次候选人检索
func (p *SearchProcessor) Search(ctx context.Context, query types.SearchQuery) (*types.SearchResponse, error) {
	ctx, span := tracer.Start(ctx, "SearchProcessor.Search",
		trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	// 1. 校验，所有校验失败都发生在任何外部调用之前
	k, err := p.validateQuery(&query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "查询参数非法")
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("search.k", k),
		attribute.String("search.grade", string(query.Grade)),
		attribute.Float64("search.experience_years_min", query.ExperienceYearsMin),
	)

	// 2. 查询向量化
	ctx, embedSpan := tracer.Start(ctx, "EmbedQueryDescription")
	queryVector, err := p.getQueryVector(ctx, query.Description)
	embedSpan.End()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "查询向量化失败")
		return nil, err
	}

	// 3. 向量检索，limit 取 max(2k, 下限)，为评分失败留冗余
	limit := 2 * k
	if limit < constants.MinRetrievalLimit {
		limit = constants.MinRetrievalLimit
	}

	filter := storage.SearchFilter{
		ExperienceYearsMin: query.ExperienceYearsMin,
		Grade:              query.Grade,
	}

	ctx, retrieveSpan := tracer.Start(ctx, "RetrieveCandidates")
	retrieveSpan.SetAttributes(attribute.Int("retrieval.limit", limit))
	retrieved, err := p.index.SearchCandidates(ctx, queryVector, filter, limit)
	if err != nil {
		tracing.RecordError(retrieveSpan, err, tracing.ErrorTypeVectorDB)
		retrieveSpan.End()
		span.SetStatus(codes.Error, "向量检索失败")
		return nil, fmt.Errorf("向量检索失败: %w", err)
	}
	retrieveSpan.SetAttributes(attribute.Int("retrieval.count", len(retrieved)))
	retrieveSpan.End()

	// 空集合或无匹配是正常结果，不是错误
	if len(retrieved) == 0 {
		logger.Ctx(ctx).Debug().Msg("向量检索无匹配结果")
		span.SetStatus(codes.Ok, "无匹配结果")
		return &types.SearchResponse{Candidates: []types.ScoredCandidate{}, TotalFound: 0}, nil
	}

	// 4. LLM逐个评分，有界并发
	judged, err := p.judgeAll(ctx, query.Description, retrieved)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "评分阶段中止")
		return nil, err
	}

	// 5. 按身份去重、排序、截断
	deduped := dedupByIdentity(judged)
	sortScored(deduped)

	totalFound := len(deduped)
	if len(deduped) > k {
		deduped = deduped[:k]
	}

	candidates := make([]types.ScoredCandidate, 0, len(deduped))
	for _, jc := range deduped {
		candidates = append(candidates, types.ScoredCandidate{
			Name:                 jc.candidate.Identity.Name,
			Phone:                jc.candidate.Identity.Phone,
			Location:             jc.candidate.Metadata.Location,
			HardSkillsScore:      jc.judgment.HardSkillsScore,
			DomainSkillsScore:    jc.judgment.DomainSkillsScore,
			RelevanceScore:       jc.judgment.RelevanceScore,
			RelevanceExplanation: jc.judgment.RelevanceExplanation,
		})
	}

	span.SetAttributes(
		attribute.Int("search.total_found", totalFound),
		attribute.Int("search.returned", len(candidates)),
	)
	span.SetStatus(codes.Ok, "检索成功")

	logger.Ctx(ctx).Info().
		Int("retrieved", len(retrieved)).
		Int("total_found", totalFound).
		Int("returned", len(candidates)).
		Msg("候选人检索完成")

	return &types.SearchResponse{Candidates: candidates, TotalFound: totalFound}, nil
}

// validateQuery 校验查询参数并返回生效的k
func (p *SearchProcessor) validateQuery(query *types.SearchQuery) (int, error) {
	if strings.TrimSpace(query.Description) == "" {
		return 0, fmt.Errorf("%w: 岗位描述不能为空", ErrInvalidQuery)
	}
	if query.K != nil && *query.K <= 0 {
		return 0, fmt.Errorf("%w: k 必须为正数，实际值: %d", ErrInvalidQuery, *query.K)
	}
	if query.ExperienceYearsMin < 0 {
		return 0, fmt.Errorf("%w: 最低经验年限不能为负数，实际值: %.1f", ErrInvalidQuery, query.ExperienceYearsMin)
	}
	if query.Grade != "" && !types.ValidGrade(query.Grade) {
		return 0, fmt.Errorf("%w: 未知的级别 %q", ErrInvalidQuery, query.Grade)
	}

	k := p.defaultK
	if query.K != nil {
		k = *query.K
	}
	if p.maxK > 0 && k > p.maxK {
		k = p.maxK
	}
	return k, nil
}

// getQueryVector 获取岗位描述的查询向量，优先走缓存
func (p *SearchProcessor) getQueryVector(ctx context.Context, description string) ([]float64, error) {
	modelVersion := p.embedder.ModelVersion()

	if p.vectorCache != nil {
		cached, err := p.vectorCache.GetQueryVector(ctx, description, modelVersion)
		if err == nil && len(cached) > 0 {
			logger.Ctx(ctx).Debug().Str("model_version", modelVersion).Msg("查询向量缓存命中")
			return cached, nil
		}
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			// 缓存故障不阻塞主流程
			logger.Ctx(ctx).Warn().Err(err).Msg("读取查询向量缓存失败，将重新生成")
		}
	}

	vectors, err := p.embedder.EmbedStrings(ctx, []string{description})
	if err != nil {
		return nil, fmt.Errorf("岗位描述向量化失败: %w", err)
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, fmt.Errorf("%w: 岗位描述向量化结果为空", parser.ErrEmbeddingMalformed)
	}

	vector := vectors[0]

	if p.vectorCache != nil {
		if err := p.vectorCache.SetQueryVector(ctx, description, vector, modelVersion); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("写入查询向量缓存失败")
		}
	}

	return vector, nil
}

// judgeAll 对检索结果并发评分。
// 单个候选人评分失败只丢弃该候选人，整个查询被取消时中止并丢弃全部结果。
func (p *SearchProcessor) judgeAll(ctx context.Context, jobDescription string, retrieved []types.RetrievedCandidate) ([]judgedCandidate, error) {
	ctx, span := tracer.Start(ctx, "JudgeShortlist")
	defer span.End()

	span.SetAttributes(
		attribute.Int("judge.shortlist_size", len(retrieved)),
		attribute.Int("judge.concurrency", p.judgeConcurrency),
	)

	results := make([]*judgedCandidate, len(retrieved))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.judgeConcurrency)

	for i, candidate := range retrieved {
		g.Go(func() error {
			judgment, err := p.judge.JudgeCandidate(gctx, jobDescription, candidate)
			if err != nil {
				// 查询被取消时中止整个评分阶段
				if gctx.Err() != nil {
					return gctx.Err()
				}
				// 否则只丢弃该候选人，记录身份和原始错误便于排查
				logger.Ctx(gctx).Warn().
					Err(err).
					Str("candidate", candidate.Identity.String()).
					Int("retrieval_rank", candidate.Rank).
					Msg("候选人评分失败，已从结果中剔除")
				return nil
			}
			results[i] = &judgedCandidate{candidate: candidate, judgment: judgment}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("评分阶段中止: %w", err)
	}

	judged := make([]judgedCandidate, 0, len(results))
	dropped := 0
	for _, r := range results {
		if r == nil {
			dropped++
			continue
		}
		judged = append(judged, *r)
	}

	span.SetAttributes(
		attribute.Int("judge.succeeded", len(judged)),
		attribute.Int("judge.dropped", dropped),
	)

	return judged, nil
}

// dedupByIdentity 按候选人身份去重。
// 同一候选人的多个分片各自评分后，保留relevance最高的那次评分，
// 检索排名取最先出现的分片，保证排名回退仍然稳定。
func dedupByIdentity(judged []judgedCandidate) []judgedCandidate {
	bestIdx := make(map[types.Identity]int)
	var deduped []judgedCandidate

	for _, jc := range judged {
		idx, seen := bestIdx[jc.candidate.Identity]
		if !seen {
			bestIdx[jc.candidate.Identity] = len(deduped)
			deduped = append(deduped, jc)
			continue
		}
		if jc.judgment.RelevanceScore > deduped[idx].judgment.RelevanceScore {
			// 保留首次出现的检索排名，替换评分
			rank := deduped[idx].candidate.Rank
			deduped[idx] = jc
			deduped[idx].candidate.Rank = rank
		}
	}

	return deduped
}

// sortScored 按 relevance 降序、hard 降序、domain 降序排序，
// 三者都相同时保持检索排名的先后（输入按检索排名有序，使用稳定排序）
func sortScored(judged []judgedCandidate) {
	sort.SliceStable(judged, func(i, j int) bool {
		a, b := judged[i].judgment, judged[j].judgment
		if a.RelevanceScore != b.RelevanceScore {
			return a.RelevanceScore > b.RelevanceScore
		}
		if a.HardSkillsScore != b.HardSkillsScore {
			return a.HardSkillsScore > b.HardSkillsScore
		}
		return a.DomainSkillsScore > b.DomainSkillsScore
	})
}
