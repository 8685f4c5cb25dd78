package constants

// Redis Key 前缀和格式常量
// 使用统一的命名规范: hr:{module}:{entity}:{unique_id}
const (
	// AppPrefix 是所有Redis Key的统一应用前缀
	AppPrefix = "hr"

	// SearchModulePrefix 搜索模块
	SearchModulePrefix = "search"
	// VectorizeModulePrefix 向量化模块
	VectorizeModulePrefix = "vectorize"

	// EntityVector 向量实体
	EntityVector = "vector"
	// EntityLock 分布式锁实体
	EntityLock = "lock"
	// EntitySummary 批次摘要实体
	EntitySummary = "summary"

	// KeyQueryVector 查询向量缓存 (HASH)
	// 格式: hr:search:vector:{descriptionDigest}
	KeyQueryVector = AppPrefix + ":" + SearchModulePrefix + ":" + EntityVector + ":%s"

	// KeyVectorizeLock 批量向量化分布式锁 (STRING)
	// 格式: hr:vectorize:lock:global
	KeyVectorizeLock = AppPrefix + ":" + VectorizeModulePrefix + ":" + EntityLock + ":global"

	// KeyVectorizeSummary 最近一次批量向量化摘要 (STRING, JSON)
	// 格式: hr:vectorize:summary:last
	KeyVectorizeSummary = AppPrefix + ":" + VectorizeModulePrefix + ":" + EntitySummary + ":last"
)
