package handler_test

import (
	"testing"

	"hr-search-go/internal/api/handler"
	"hr-search-go/internal/storage"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/stretchr/testify/assert"
)

// newCandidateEngine 只注册候选人相关路由的测试服务
func newCandidateEngine(storageManager *storage.Storage) *server.Hertz {
	h := server.New()
	candidateHandler := handler.NewCandidateHandler(storageManager)
	h.GET("/api/v1/candidates/resume", candidateHandler.HandleGetResume)
	h.GET("/api/v1/candidates/artifact", candidateHandler.HandleGetArtifact)
	return h
}

// TestGetResume_DatabaseNotConfigured MySQL未初始化时应返回503而不是崩溃
func TestGetResume_DatabaseNotConfigured(t *testing.T) {
	h := newCandidateEngine(&storage.Storage{})

	w := ut.PerformRequest(h.Engine, "GET",
		"/api/v1/candidates/resume?name=张三&phone=13800000000", nil)
	resp := w.Result()

	assert.Equal(t, 503, resp.StatusCode())
	assert.Contains(t, string(resp.Body()), "数据库未配置")
}

// TestGetResume_MissingParams 缺少标识参数应返回400
func TestGetResume_MissingParams(t *testing.T) {
	h := newCandidateEngine(&storage.Storage{})

	w := ut.PerformRequest(h.Engine, "GET", "/api/v1/candidates/resume?name=张三", nil)
	resp := w.Result()

	assert.Equal(t, 400, resp.StatusCode())
	assert.Contains(t, string(resp.Body()), "不能为空")
}

// TestGetArtifact_ObjectStorageNotConfigured MinIO未初始化时应返回503
func TestGetArtifact_ObjectStorageNotConfigured(t *testing.T) {
	h := newCandidateEngine(&storage.Storage{})

	w := ut.PerformRequest(h.Engine, "GET",
		"/api/v1/candidates/artifact?name=张三&phone=13800000000", nil)
	resp := w.Result()

	assert.Equal(t, 503, resp.StatusCode())
	assert.Contains(t, string(resp.Body()), "对象存储未配置")
}
