package handler

import (
	"context"
	"errors"
	"log"
	"os"

	"hr-search-go/internal/storage"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
)

// HealthHandler 负责健康检查与向量库集合状态查询。
type HealthHandler struct {
	storage *storage.Storage
	logger  *log.Logger
}

// NewHealthHandler 创建一个新的 HealthHandler 实例。
func NewHealthHandler(storageManager *storage.Storage) *HealthHandler {
	return &HealthHandler{
		storage: storageManager,
		logger:  log.New(os.Stdout, "[HealthHandler] ", log.LstdFlags|log.Lshortfile),
	}
}

// HandleHealth 返回服务整体健康状态。
// GET /api/v1/health
func (h *HealthHandler) HandleHealth(ctx context.Context, c *app.RequestContext) {
	components := utils.H{}
	healthy := true

	if h.storage.MySQL != nil {
		sqlDB, err := h.storage.MySQL.DB().DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			components["mysql"] = "down"
			healthy = false
		} else {
			components["mysql"] = "ok"
		}
	}
	if h.storage.Redis != nil {
		if err := h.storage.Redis.Ping(ctx); err != nil {
			components["redis"] = "down"
			healthy = false
		} else {
			components["redis"] = "ok"
		}
	}
	if h.storage.Qdrant != nil {
		if _, err := h.storage.Qdrant.CountPoints(ctx); err != nil {
			components["qdrant"] = "down"
			healthy = false
		} else {
			components["qdrant"] = "ok"
		}
	}

	status := "ok"
	code := consts.StatusOK
	if !healthy {
		status = "degraded"
		code = consts.StatusServiceUnavailable
	}
	c.JSON(code, utils.H{"status": status, "components": components})
}

// HandleCollectionStatus 返回向量库集合的存在性与点数量。
// GET /api/v1/collection/status
func (h *HealthHandler) HandleCollectionStatus(ctx context.Context, c *app.RequestContext) {
	if h.storage.Qdrant == nil {
		c.JSON(consts.StatusServiceUnavailable, utils.H{"detail": "向量库未配置"})
		return
	}

	status, err := h.storage.Qdrant.CollectionStatus(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrIndexUnavailable) {
			c.JSON(consts.StatusServiceUnavailable, utils.H{"detail": "向量库暂时不可用"})
			return
		}
		h.logger.Printf("查询集合状态失败: %v", err)
		c.JSON(consts.StatusInternalServerError, utils.H{"detail": "查询集合状态失败"})
		return
	}

	c.JSON(consts.StatusOK, status)
}
