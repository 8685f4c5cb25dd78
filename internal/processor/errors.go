package processor

import (
	"errors"
	"fmt"

	"hr-search-go/internal/types"
)

// 定义基础错误类型
var (
	ErrInvalidQuery        = errors.New("查询参数非法")
	ErrExtractFailed       = errors.New("提取候选人元数据失败")
	ErrEmbedFailed         = errors.New("候选人画像向量化失败")
	ErrUpsertFailed        = errors.New("写入向量索引失败")
	ErrArchiveFailed       = errors.New("归档候选人产物失败")
	ErrPersistFailed       = errors.New("更新候选人记录失败")
	ErrVectorizeInProgress = errors.New("已有向量化任务在执行")
)

// CandidateProcessError 携带候选人标识的处理错误，
// 批量任务里用它定位是哪个候选人在哪一步失败
type CandidateProcessError struct {
	Identity types.Identity
	Op       string
	BaseErr  error
	Detail   string
}

func (e *CandidateProcessError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s (操作:%s, 候选人:%s): %s", e.BaseErr, e.Op, e.Identity, e.Detail)
	}
	return fmt.Sprintf("%s (操作:%s, 候选人:%s)", e.BaseErr, e.Op, e.Identity)
}

func (e *CandidateProcessError) Unwrap() error {
	return e.BaseErr
}

// Is 实现 errors.Is 接口以支持错误比较
func (e *CandidateProcessError) Is(target error) bool {
	return errors.Is(e.BaseErr, target)
}

// 错误构造函数
func NewExtractError(identity types.Identity, detail string) error {
	return &CandidateProcessError{
		Identity: identity,
		Op:       "extract",
		BaseErr:  ErrExtractFailed,
		Detail:   detail,
	}
}

func NewEmbedError(identity types.Identity, detail string) error {
	return &CandidateProcessError{
		Identity: identity,
		Op:       "embed",
		BaseErr:  ErrEmbedFailed,
		Detail:   detail,
	}
}

func NewUpsertError(identity types.Identity, detail string) error {
	return &CandidateProcessError{
		Identity: identity,
		Op:       "upsert",
		BaseErr:  ErrUpsertFailed,
		Detail:   detail,
	}
}

func NewArchiveError(identity types.Identity, detail string) error {
	return &CandidateProcessError{
		Identity: identity,
		Op:       "archive",
		BaseErr:  ErrArchiveFailed,
		Detail:   detail,
	}
}

func NewPersistError(identity types.Identity, detail string) error {
	return &CandidateProcessError{
		Identity: identity,
		Op:       "persist",
		BaseErr:  ErrPersistFailed,
		Detail:   detail,
	}
}
