package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Candidate 候选人主表
// 姓名+电话在数据层假定唯一，作为候选人的业务标识
type Candidate struct {
	CandidateID  string `gorm:"type:char(36);primaryKey"`
	Name         string `gorm:"type:varchar(255);not null;uniqueIndex:uq_candidates_name_phone,priority:1"`
	Phone        string `gorm:"type:varchar(50);not null;uniqueIndex:uq_candidates_name_phone,priority:2"`
	Location     string `gorm:"type:varchar(255)"`
	ResumeHTML   string `gorm:"type:mediumtext"`
	// MetadataJSON LLM提取的结构化元数据，向量化成功后回填
	MetadataJSON datatypes.JSON `gorm:"type:json"`
	// EmbeddingModelVersion 最近一次向量化使用的模型版本
	EmbeddingModelVersion string `gorm:"type:varchar(100)"`
	// ChunkCount 最近一次向量化写入索引的分块数，用于清理缩水后的旧分块
	ChunkCount   int        `gorm:"type:int;default:0"`
	VectorizedAt *time.Time `gorm:"type:datetime(6)"`
	CreatedAt    time.Time  `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt    time.Time  `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
}

func (Candidate) TableName() string {
	return "candidates"
}

// VectorizeRun 批量向量化任务记录表
type VectorizeRun struct {
	RunID      string     `gorm:"type:char(36);primaryKey"`
	Status     string     `gorm:"type:varchar(50);default:'RUNNING';index:idx_vr_status"`
	Processed  int        `gorm:"type:int;default:0"`
	Succeeded  int        `gorm:"type:int;default:0"`
	Failed     int        `gorm:"type:int;default:0"`
	// FailedIdentitiesJSON 失败候选人的标识列表
	FailedIdentitiesJSON datatypes.JSON `gorm:"type:json"`
	StartedAt            time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	FinishedAt           *time.Time     `gorm:"type:datetime(6)"`
}

func (VectorizeRun) TableName() string {
	return "vectorize_runs"
}

// 批量向量化任务状态
const (
	RunStatusRunning   = "RUNNING"
	RunStatusCompleted = "COMPLETED"
	RunStatusFailed    = "FAILED"
)

// StringToJSON Helper function to convert string to datatypes.JSON
func StringToJSON(s string) datatypes.JSON {
	return datatypes.JSON(s)
}

// MapToJSON Helper function to convert map[string]interface{} to datatypes.JSON
func MapToJSON(m map[string]interface{}) (datatypes.JSON, error) {
	bytes, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return bytes, nil
}

// ToJSON 将任意可序列化对象转为 datatypes.JSON
func ToJSON(v interface{}) (datatypes.JSON, error) {
	bytes, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return bytes, nil
}
