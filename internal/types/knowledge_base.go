package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// KnowledgeBase groups documents that share one embedding space. The
// embedding model identity is pinned on first ingestion; later ingestions
// and queries must match it or fail with a mismatch error.
type KnowledgeBase struct {
	ID             uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Name           string         `gorm:"column:name;not null;uniqueIndex" json:"name"`
	Description    string         `gorm:"column:description" json:"description"`
	EmbeddingModel string         `gorm:"column:embedding_model" json:"embedding_model"`
	EmbeddingDim   int            `gorm:"column:embedding_dim" json:"embedding_dim"`
	Metadata       datatypes.JSON `gorm:"type:jsonb;column:metadata" json:"metadata,omitempty"`
	CreatedAt      time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (KnowledgeBase) TableName() string { return "knowledge_bases" }
