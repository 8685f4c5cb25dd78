package handler

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"hr-search-go/internal/constants"
	"hr-search-go/internal/logger"
	"hr-search-go/internal/processor"
	"hr-search-go/internal/storage"
	"hr-search-go/internal/storage/models"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
)

// VectorizeHandler 负责触发与查询批量向量化任务。
type VectorizeHandler struct {
	vectorizer *processor.Vectorizer
	storage    *storage.Storage
	logger     *log.Logger
}

// NewVectorizeHandler 创建一个新的 VectorizeHandler 实例。
func NewVectorizeHandler(vectorizer *processor.Vectorizer, storageManager *storage.Storage) *VectorizeHandler {
	return &VectorizeHandler{
		vectorizer: vectorizer,
		storage:    storageManager,
		logger:     log.New(os.Stdout, "[VectorizeHandler] ", log.LstdFlags|log.Lshortfile),
	}
}

// HandleTriggerVectorize 触发一轮全量向量化，任务在后台异步执行。
// POST /api/v1/vector-db/update
func (h *VectorizeHandler) HandleTriggerVectorize(ctx context.Context, c *app.RequestContext) {
	// 先做一次快速检查，让重复触发能同步拿到409；
	// 真正的互斥由 Vectorizer 内部的分布式锁保证。
	if h.storage.Redis != nil {
		exists, err := h.storage.Redis.Client.Exists(ctx, constants.KeyVectorizeLock).Result()
		if err != nil {
			h.logger.Printf("检查向量化锁状态失败: %v", err)
		} else if exists > 0 {
			c.JSON(consts.StatusConflict, utils.H{"detail": "已有向量化任务在执行，请等待其完成"})
			return
		}
	}

	// 任务脱离请求生命周期执行，请求返回后继续跑
	go func() {
		runCtx := logger.WithContext(context.Background())
		summary, err := h.vectorizer.Run(runCtx)
		if err != nil {
			if errors.Is(err, processor.ErrVectorizeInProgress) {
				logger.Warn().Msg("向量化任务触发时发现已有任务在执行，本次跳过")
				return
			}
			logger.Error().Err(err).Msg("后台向量化任务失败")
			return
		}
		logger.Info().
			Int("processed", summary.Processed).
			Int("succeeded", summary.Succeeded).
			Int("failed", summary.Failed).
			Msg("后台向量化任务完成")
	}()

	c.JSON(consts.StatusAccepted, utils.H{
		"message": "向量化任务已开始，可通过状态接口查询进度",
		"status":  "accepted",
	})
}

// HandleVectorizeStatus 查询最近一次向量化任务的状态与摘要。
// GET /api/v1/vector-db/status
func (h *VectorizeHandler) HandleVectorizeStatus(ctx context.Context, c *app.RequestContext) {
	// 1. 锁存在说明任务正在执行
	if h.storage.Redis != nil {
		exists, err := h.storage.Redis.Client.Exists(ctx, constants.KeyVectorizeLock).Result()
		if err != nil {
			h.logger.Printf("检查向量化锁状态失败: %v", err)
		} else if exists > 0 {
			ttl, ttlErr := h.storage.Redis.Client.TTL(ctx, constants.KeyVectorizeLock).Result()
			if ttlErr != nil {
				ttl = 0
			}
			c.JSON(consts.StatusOK, utils.H{
				"status":      "running",
				"message":     "向量化任务正在执行中",
				"ttl_seconds": int(ttl.Seconds()),
			})
			return
		}
	}

	// 2. 没有任务在跑，返回最近一次运行记录
	var run *models.VectorizeRun
	if h.storage.MySQL != nil {
		var err error
		run, err = h.storage.MySQL.GetLatestVectorizeRun(ctx)
		if err != nil {
			h.logger.Printf("查询最近的向量化任务记录失败: %v", err)
			c.JSON(consts.StatusInternalServerError, utils.H{"detail": "查询向量化任务记录失败"})
			return
		}
	}
	if run == nil {
		c.JSON(consts.StatusOK, utils.H{
			"status":  "never_run",
			"message": "尚未执行过向量化任务",
		})
		return
	}

	result := utils.H{
		"status":     run.Status,
		"run_id":     run.RunID,
		"processed":  run.Processed,
		"succeeded":  run.Succeeded,
		"failed":     run.Failed,
		"started_at": run.StartedAt.Format(time.RFC3339),
	}
	if run.FinishedAt != nil {
		result["finished_at"] = run.FinishedAt.Format(time.RFC3339)
	}
	if len(run.FailedIdentitiesJSON) > 0 {
		// FailedIdentitiesJSON 本身就是JSON，原样透传
		result["failed_identities"] = run.FailedIdentitiesJSON
	}

	// Redis里的摘要是最快结束路径写入的，和MySQL记录一致时不重复返回
	if h.storage.Redis != nil {
		if summary, err := h.storage.Redis.GetLastVectorizeSummary(ctx); err == nil && summary != nil {
			if summary.Processed != run.Processed {
				result["last_summary"] = summary
			}
		}
	}

	c.JSON(consts.StatusOK, result)
}
