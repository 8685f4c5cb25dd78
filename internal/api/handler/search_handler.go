package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"time"

	"hr-search-go/internal/parser"
	"hr-search-go/internal/processor"
	"hr-search-go/internal/storage"
	"hr-search-go/internal/types"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
)

// SearchHandler 负责处理候选人检索请求。
type SearchHandler struct {
	searchProcessor *processor.SearchProcessor
	logger          *log.Logger
}

// NewSearchHandler 创建一个新的 SearchHandler 实例。
func NewSearchHandler(searchProcessor *processor.SearchProcessor) *SearchHandler {
	return &SearchHandler{
		searchProcessor: searchProcessor,
		logger:          log.New(os.Stdout, "[SearchHandler] ", log.LstdFlags|log.Lshortfile),
	}
}

// HandleSearch 处理按岗位描述检索候选人的请求。
// POST /api/v1/search
func (h *SearchHandler) HandleSearch(ctx context.Context, c *app.RequestContext) {
	var query types.SearchQuery
	body, err := c.Body()
	if err != nil {
		c.JSON(consts.StatusBadRequest, utils.H{"detail": "读取请求体失败: " + err.Error()})
		return
	}
	if err := json.Unmarshal(body, &query); err != nil {
		c.JSON(consts.StatusBadRequest, utils.H{"detail": "请求体不是合法的JSON: " + err.Error()})
		return
	}

	startTime := time.Now()
	resp, err := h.searchProcessor.Search(ctx, query)
	if err != nil {
		h.writeSearchError(c, query, err)
		return
	}

	h.logger.Printf("检索完成, 返回 %d 个候选人 (total_found=%d), 耗时: %v",
		len(resp.Candidates), resp.TotalFound, time.Since(startTime))
	c.JSON(consts.StatusOK, resp)
}

// writeSearchError 把检索管线的错误映射为对应的HTTP状态码。
func (h *SearchHandler) writeSearchError(c *app.RequestContext, query types.SearchQuery, err error) {
	switch {
	case errors.Is(err, processor.ErrInvalidQuery):
		c.JSON(consts.StatusBadRequest, utils.H{"detail": err.Error()})
	case errors.Is(err, parser.ErrEmbeddingUnavailable), errors.Is(err, parser.ErrJudgmentUnavailable):
		h.logger.Printf("上游模型服务不可用: %v", err)
		c.JSON(consts.StatusBadGateway, utils.H{"detail": "模型服务暂时不可用，请稍后重试"})
	case errors.Is(err, parser.ErrEmbeddingMalformed):
		h.logger.Printf("模型服务返回了无法解析的向量化结果: %v", err)
		c.JSON(consts.StatusBadGateway, utils.H{"detail": "模型服务返回了无效结果"})
	case errors.Is(err, storage.ErrIndexUnavailable), errors.Is(err, storage.ErrCollectionNotFound):
		h.logger.Printf("向量库不可用: %v", err)
		c.JSON(consts.StatusServiceUnavailable, utils.H{"detail": "向量库暂时不可用，请稍后重试"})
	case errors.Is(err, context.Canceled):
		// 客户端断开，不再写响应体也无妨，但保持统一格式
		c.JSON(consts.StatusRequestTimeout, utils.H{"detail": "请求已取消"})
	default:
		h.logger.Printf("检索失败 (description_len=%d): %v", len(query.Description), err)
		c.JSON(consts.StatusInternalServerError, utils.H{"detail": "检索失败"})
	}
}
