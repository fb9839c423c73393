package types

import (
	"time"

	"github.com/google/uuid"
)

// DocumentChunk is the catalog copy of one chunk of a document version.
// The vector store holds the embedding; this row holds the text and span
// so retrieval can rebuild context without re-reading the blob.
type DocumentChunk struct {
	ID              uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	DocumentID      uuid.UUID `gorm:"type:uuid;not null;index;uniqueIndex:idx_document_chunks_doc_version_index,priority:1" json:"document_id"`
	Document        *Document `gorm:"constraint:OnDelete:CASCADE;foreignKey:DocumentID;references:ID" json:"document,omitempty"`
	KnowledgeBaseID uuid.UUID `gorm:"type:uuid;not null;index" json:"knowledge_base_id"`
	Version         int64     `gorm:"column:version;not null;uniqueIndex:idx_document_chunks_doc_version_index,priority:2" json:"version"`
	Index           int       `gorm:"column:index;not null;uniqueIndex:idx_document_chunks_doc_version_index,priority:3" json:"index"`
	Content         string    `gorm:"column:content;not null" json:"content"`
	CharStart       int       `gorm:"column:char_start;not null;default:0" json:"char_start"`
	CharEnd         int       `gorm:"column:char_end;not null;default:0" json:"char_end"`
	CreatedAt       time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt       time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (DocumentChunk) TableName() string { return "document_chunks" }
