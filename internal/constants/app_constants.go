package constants

import "time"

const (
	// DefaultSearchK 默认返回候选人数量
	DefaultSearchK = 5
	// MinRetrievalLimit 向量检索阶段的最小候选池大小
	MinRetrievalLimit = 10

	// QueryVectorCacheDuration 查询向量缓存时长
	QueryVectorCacheDuration = 24 * time.Hour
	// VectorizeLockDuration 批量向量化分布式锁的默认时长
	VectorizeLockDuration = 30 * time.Minute
)
