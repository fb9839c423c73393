package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	DocumentStatusPending    = "pending"
	DocumentStatusProcessing = "processing"
	DocumentStatusCompleted  = "completed"
	DocumentStatusFailed     = "failed"
)

// Document is the catalog row for one ingested source. CurrentVersion is
// the version queries trust; PendingVersion is the version an in-flight
// re-ingestion is writing. The pointer flips only after both stores hold
// the new version.
type Document struct {
	ID              uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	KnowledgeBaseID uuid.UUID      `gorm:"type:uuid;not null;index" json:"knowledge_base_id"`
	KnowledgeBase   *KnowledgeBase `gorm:"constraint:OnDelete:CASCADE;foreignKey:KnowledgeBaseID;references:ID" json:"knowledge_base,omitempty"`
	Title           string         `gorm:"column:title;not null" json:"title"`
	Source          string         `gorm:"column:source" json:"source"`
	MimeType        string         `gorm:"column:mime_type" json:"mime_type"`
	SizeBytes       int64          `gorm:"column:size_bytes" json:"size_bytes"`
	StorageKey      string         `gorm:"column:storage_key;not null" json:"storage_key"`
	ContentHash     string         `gorm:"column:content_hash;index" json:"content_hash"`
	Status          string         `gorm:"column:status;not null;default:'pending';index" json:"status"`
	StatusReason    string         `gorm:"column:status_reason" json:"status_reason,omitempty"`
	CurrentVersion  int64          `gorm:"column:current_version;not null;default:0" json:"current_version"`
	PendingVersion  int64          `gorm:"column:pending_version;not null;default:0" json:"pending_version"`
	ChunkCount      int            `gorm:"column:chunk_count;not null;default:0" json:"chunk_count"`
	Attempts        int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	ProcessingAt    *time.Time     `gorm:"column:processing_at" json:"processing_at,omitempty"`
	IngestedAt      *time.Time     `gorm:"column:ingested_at" json:"ingested_at,omitempty"`
	Metadata        datatypes.JSON `gorm:"type:jsonb;column:metadata" json:"metadata,omitempty"`
	CreatedAt       time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Document) TableName() string { return "documents" }
