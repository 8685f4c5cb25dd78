package router

import (
	"hr-search-go/internal/api/handler"

	"github.com/cloudwego/hertz/pkg/app/server"
)

// RegisterRoutes 注册 API 路由
func RegisterRoutes(
	h *server.Hertz,
	searchHandler *handler.SearchHandler,
	vectorizeHandler *handler.VectorizeHandler,
	candidateHandler *handler.CandidateHandler,
	healthHandler *handler.HealthHandler,
) {
	api := h.Group("/api/v1")

	// 候选人检索
	api.POST("/search", searchHandler.HandleSearch)

	// 批量向量化
	api.POST("/vector-db/update", vectorizeHandler.HandleTriggerVectorize)
	api.GET("/vector-db/status", vectorizeHandler.HandleVectorizeStatus)

	// 候选人简历原文与归档产物
	api.GET("/candidates/resume", candidateHandler.HandleGetResume)
	api.GET("/candidates/artifact", candidateHandler.HandleGetArtifact)

	// 健康检查与集合状态
	api.GET("/health", healthHandler.HandleHealth)
	api.GET("/collection/status", healthHandler.HandleCollectionStatus)
}
