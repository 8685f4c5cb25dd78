package processor

import (
	"context"
	"fmt"

	"hr-search-go/internal/constants"
	"hr-search-go/internal/logger"
	"hr-search-go/internal/storage"
	"hr-search-go/internal/storage/models"
	"hr-search-go/internal/tracing"
	"hr-search-go/internal/types"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// 批量任务分页读取候选人的页大小
const vectorizeBatchSize = 100

// Vectorizer 批量向量化处理器。
// 把MySQL里的候选人简历逐个提取元数据、生成画像向量、写入向量索引。
// 单个候选人失败只记入汇总，不中断整批任务。
type Vectorizer struct {
	storage   *storage.Storage
	extractor MetadataExtractor
	embedder  TextEmbedder
	splitter  TextSplitter
}

// VectorizerOption 批量处理器的配置选项
type VectorizerOption func(*Vectorizer)

// WithTextSplitter 设置超长画像文本的切分器
func WithTextSplitter(splitter TextSplitter) VectorizerOption {
	return func(v *Vectorizer) {
		v.splitter = splitter
	}
}

// NewVectorizer 创建批量向量化处理器
func NewVectorizer(storageManager *storage.Storage, extractor MetadataExtractor, embedder TextEmbedder, options ...VectorizerOption) (*Vectorizer, error) {
	if storageManager == nil {
		return nil, fmt.Errorf("Storage 不能为空")
	}
	if storageManager.MySQL == nil {
		return nil, fmt.Errorf("MySQL 未初始化")
	}
	if storageManager.Qdrant == nil {
		return nil, fmt.Errorf("Qdrant 未初始化")
	}
	if extractor == nil {
		return nil, fmt.Errorf("MetadataExtractor 不能为空")
	}
	if embedder == nil {
		return nil, fmt.Errorf("TextEmbedder 不能为空")
	}

	v := &Vectorizer{
		storage:   storageManager,
		extractor: extractor,
		embedder:  embedder,
	}

	for _, option := range options {
		option(v)
	}

	return v, nil
}

// Run 执行一轮完整的向量化。
// 全局Redis锁保证同一时间只有一轮在跑，重复触发返回 ErrVectorizeInProgress。
func (v *Vectorizer) Run(ctx context.Context) (*types.VectorizeSummary, error) {
	ctx, span := tracer.Start(ctx, "Vectorizer.Run",
		trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	// 1. 抢全局锁
	lockValue := ""
	if v.storage.Redis != nil {
		var err error
		lockValue, err = v.storage.Redis.AcquireLock(ctx, constants.KeyVectorizeLock, constants.VectorizeLockDuration)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "获取向量化锁失败")
			return nil, fmt.Errorf("获取向量化锁失败: %w", err)
		}
		if lockValue == "" {
			span.SetStatus(codes.Error, "任务已在执行")
			return nil, ErrVectorizeInProgress
		}
		defer func() {
			if _, err := v.storage.Redis.ReleaseLock(context.WithoutCancel(ctx), constants.KeyVectorizeLock, lockValue); err != nil {
				logger.Ctx(ctx).Warn().Err(err).Msg("释放向量化锁失败")
			}
		}()
	}

	// 2. 建立运行记录并广播开始事件
	runID, err := v.storage.MySQL.CreateVectorizeRun(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "创建运行记录失败")
		return nil, fmt.Errorf("创建运行记录失败: %w", err)
	}
	span.SetAttributes(attribute.String("vectorize.run_id", runID))

	if total, err := v.storage.MySQL.CountCandidates(ctx); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("run_id", runID).Msg("统计候选人总数失败")
	} else {
		span.SetAttributes(attribute.Int64("vectorize.total_candidates", total))
		logger.Ctx(ctx).Info().Str("run_id", runID).Int64("total", total).Msg("开始批量向量化")
	}

	if v.storage.RabbitMQ != nil {
		if err := v.storage.RabbitMQ.PublishVectorizeStarted(ctx, runID); err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeRabbitMQ)
			logger.Ctx(ctx).Warn().Err(err).Str("run_id", runID).Msg("发布向量化开始事件失败")
		}
	}

	// 3. 分页处理全部候选人
	summary := types.VectorizeSummary{}
	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			v.finishRun(ctx, runID, summary, models.RunStatusFailed)
			span.SetStatus(codes.Error, "任务被取消")
			return nil, err
		}

		candidates, err := v.storage.MySQL.ListCandidates(ctx, offset, vectorizeBatchSize)
		if err != nil {
			v.finishRun(ctx, runID, summary, models.RunStatusFailed)
			span.RecordError(err)
			span.SetStatus(codes.Error, "读取候选人失败")
			return nil, fmt.Errorf("读取候选人失败: %w", err)
		}
		if len(candidates) == 0 {
			break
		}

		for _, candidate := range candidates {
			identity := types.Identity{Name: candidate.Name, Phone: candidate.Phone}
			summary.Processed++

			if err := v.processCandidate(ctx, runID, candidate); err != nil {
				// 单条失败不中断整批
				summary.Failed++
				summary.FailedIdentities = append(summary.FailedIdentities, identity)
				logger.Ctx(ctx).Error().
					Err(err).
					Str("candidate", identity.String()).
					Str("run_id", runID).
					Msg("候选人向量化失败，继续处理后续记录")
				continue
			}
			summary.Succeeded++
		}

		offset += len(candidates)
	}

	// 4. 收尾：运行记录、汇总缓存、完成事件
	v.finishRun(ctx, runID, summary, models.RunStatusCompleted)

	if v.storage.Redis != nil {
		if err := v.storage.Redis.SetLastVectorizeSummary(ctx, summary); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("缓存向量化汇总失败")
		}
	}
	if v.storage.RabbitMQ != nil {
		if err := v.storage.RabbitMQ.PublishVectorizeCompleted(ctx, runID, summary); err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeRabbitMQ)
			logger.Ctx(ctx).Warn().Err(err).Str("run_id", runID).Msg("发布向量化完成事件失败")
		}
	}

	span.SetAttributes(
		attribute.Int("vectorize.processed", summary.Processed),
		attribute.Int("vectorize.succeeded", summary.Succeeded),
		attribute.Int("vectorize.failed", summary.Failed),
	)
	span.SetStatus(codes.Ok, "向量化完成")

	logger.Ctx(ctx).Info().
		Str("run_id", runID).
		Int("processed", summary.Processed).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Msg("批量向量化完成")

	return &summary, nil
}

// finishRun 更新运行记录，失败只记日志
func (v *Vectorizer) finishRun(ctx context.Context, runID string, summary types.VectorizeSummary, status string) {
	if err := v.storage.MySQL.FinishVectorizeRun(context.WithoutCancel(ctx), runID, summary, status); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("run_id", runID).Msg("更新运行记录失败")
	}
}

// processCandidate 处理单个候选人：提取元数据、向量化、写入索引、归档产物、回写MySQL
func (v *Vectorizer) processCandidate(ctx context.Context, runID string, candidate models.Candidate) error {
	identity := types.Identity{Name: candidate.Name, Phone: candidate.Phone}

	ctx, span := tracer.Start(ctx, "Vectorizer.ProcessCandidate")
	defer span.End()
	span.SetAttributes(attribute.String("candidate.id", candidate.CandidateID))

	// 1. LLM提取结构化元数据和画像文本
	metadata, err := v.extractor.Extract(ctx, candidate.ResumeHTML)
	if err != nil {
		span.RecordError(err)
		return NewExtractError(identity, err.Error())
	}
	if metadata.EmbeddingText == "" {
		return NewExtractError(identity, "画像文本为空")
	}

	// 2. 切分并向量化，所有分片共享同一份身份和元数据
	chunks := []string{metadata.EmbeddingText}
	if v.splitter != nil {
		chunks = v.splitter.SplitForEmbedding(metadata.EmbeddingText)
	}

	vectors, err := v.embedder.EmbedStrings(ctx, chunks)
	if err != nil {
		span.RecordError(err)
		return NewEmbedError(identity, err.Error())
	}
	if len(vectors) != len(chunks) {
		return NewEmbedError(identity, fmt.Sprintf("期望 %d 个向量，实际 %d 个", len(chunks), len(vectors)))
	}

	docs := make([]types.ResumeDocument, len(chunks))
	for i, chunk := range chunks {
		docs[i] = types.ResumeDocument{
			Identity: identity,
			Chunk:    i,
			Text:     chunk,
			Vector:   vectors[i],
			Metadata: *metadata,
		}
	}

	// 3. 幂等写入向量索引，点ID由身份和分片号决定
	if _, err := v.storage.Qdrant.UpsertCandidateDocuments(ctx, docs); err != nil {
		span.RecordError(err)
		return NewUpsertError(identity, err.Error())
	}

	// 文本变短导致分块数减少时，索引里的多余旧分块不会被覆盖，要显式删掉
	if candidate.ChunkCount > len(chunks) {
		staleIDs := make([]string, 0, candidate.ChunkCount-len(chunks))
		for i := len(chunks); i < candidate.ChunkCount; i++ {
			staleIDs = append(staleIDs, storage.PointID(identity, i))
		}
		if err := v.storage.Qdrant.DeleteCandidatePoints(ctx, staleIDs); err != nil {
			span.RecordError(err)
			return NewUpsertError(identity, fmt.Sprintf("清理旧分块失败: %v", err))
		}
	}

	// 4. 归档提取产物，失败不算候选人失败
	if v.storage.MinIO != nil {
		artifact := storage.CandidateArtifact{
			Identity:      identity,
			Metadata:      *metadata,
			EmbeddingText: metadata.EmbeddingText,
			ModelVersion:  v.embedder.ModelVersion(),
			RunID:         runID,
		}
		if _, err := v.storage.MinIO.PutCandidateArtifact(ctx, artifact); err != nil {
			logger.Ctx(ctx).Warn().
				Err(err).
				Str("candidate", identity.String()).
				Msg("归档候选人产物失败")
		}
	}

	// 5. 回写MySQL标记已向量化
	if err := v.storage.MySQL.MarkCandidateVectorized(ctx, candidate.CandidateID, *metadata, v.embedder.ModelVersion(), len(chunks)); err != nil {
		span.RecordError(err)
		return NewPersistError(identity, err.Error())
	}

	return nil
}
