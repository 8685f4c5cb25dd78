package handler

import (
	"context"
	"errors"
	"log"
	"os"

	"hr-search-go/internal/storage"
	"hr-search-go/internal/types"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
)

// CandidateHandler 负责按标识查询候选人简历。
type CandidateHandler struct {
	storage *storage.Storage
	logger  *log.Logger
}

// NewCandidateHandler 创建一个新的 CandidateHandler 实例。
func NewCandidateHandler(storageManager *storage.Storage) *CandidateHandler {
	return &CandidateHandler{
		storage: storageManager,
		logger:  log.New(os.Stdout, "[CandidateHandler] ", log.LstdFlags|log.Lshortfile),
	}
}

// HandleGetResume 按姓名+电话返回候选人的简历HTML原文。
// GET /api/v1/candidates/resume?name=xxx&phone=yyy
func (h *CandidateHandler) HandleGetResume(ctx context.Context, c *app.RequestContext) {
	name := c.Query("name")
	phone := c.Query("phone")
	if name == "" || phone == "" {
		c.JSON(consts.StatusBadRequest, utils.H{"detail": "name 和 phone 不能为空"})
		return
	}

	if h.storage.MySQL == nil {
		c.JSON(consts.StatusServiceUnavailable, utils.H{"detail": "数据库未配置"})
		return
	}

	identity := types.Identity{Name: name, Phone: phone}
	html, err := h.storage.MySQL.GetResumeHTML(ctx, identity)
	if err != nil {
		if errors.Is(err, storage.ErrCandidateNotFound) {
			c.JSON(consts.StatusNotFound, utils.H{"detail": "未找到该候选人"})
			return
		}
		h.logger.Printf("查询候选人简历失败 (%s): %v", identity.String(), err)
		c.JSON(consts.StatusInternalServerError, utils.H{"detail": "查询候选人简历失败"})
		return
	}

	if html == "" {
		c.JSON(consts.StatusNotFound, utils.H{"detail": "该候选人没有简历原文"})
		return
	}

	c.Data(consts.StatusOK, "text/html; charset=utf-8", []byte(html))
}

// HandleGetArtifact 按姓名+电话返回候选人最近一次向量化归档的提取产物。
// GET /api/v1/candidates/artifact?name=xxx&phone=yyy
func (h *CandidateHandler) HandleGetArtifact(ctx context.Context, c *app.RequestContext) {
	name := c.Query("name")
	phone := c.Query("phone")
	if name == "" || phone == "" {
		c.JSON(consts.StatusBadRequest, utils.H{"detail": "name 和 phone 不能为空"})
		return
	}

	if h.storage.MinIO == nil {
		c.JSON(consts.StatusServiceUnavailable, utils.H{"detail": "对象存储未配置"})
		return
	}

	identity := types.Identity{Name: name, Phone: phone}
	artifact, err := h.storage.MinIO.GetCandidateArtifact(ctx, identity)
	if err != nil {
		if errors.Is(err, storage.ErrArtifactNotFound) {
			c.JSON(consts.StatusNotFound, utils.H{"detail": "该候选人没有归档产物"})
			return
		}
		h.logger.Printf("读取候选人产物失败 (%s): %v", identity.String(), err)
		c.JSON(consts.StatusInternalServerError, utils.H{"detail": "读取候选人产物失败"})
		return
	}

	c.JSON(consts.StatusOK, artifact)
}
