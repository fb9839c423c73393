package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/anubissbe/JarvisAI/internal/platform/logger"
	"github.com/anubissbe/JarvisAI/internal/types"
)

type DocumentChunkRepo interface {
	ReplaceForVersion(ctx context.Context, tx *gorm.DB, documentID uuid.UUID, version int64, chunks []*types.DocumentChunk) error
	GetByDocumentVersion(ctx context.Context, tx *gorm.DB, documentID uuid.UUID, version int64) ([]*types.DocumentChunk, error)
	DeleteOtherVersions(ctx context.Context, tx *gorm.DB, documentID uuid.UUID, keepVersion int64) error
	DeleteByDocument(ctx context.Context, tx *gorm.DB, documentID uuid.UUID) error
}

type documentChunkRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDocumentChunkRepo(db *gorm.DB, baseLog *logger.Logger) DocumentChunkRepo {
	return &documentChunkRepo{db: db, log: baseLog.With("repo", "DocumentChunkRepo")}
}

func (r *documentChunkRepo) ReplaceForVersion(ctx context.Context, tx *gorm.DB, documentID uuid.UUID, version int64, chunks []*types.DocumentChunk) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if documentID == uuid.Nil {
		return nil
	}
	return transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		if err := txx.
			Where("document_id = ? AND version = ?", documentID, version).
			Delete(&types.DocumentChunk{}).Error; err != nil {
			return err
		}
		if len(chunks) == 0 {
			return nil
		}
		return txx.Create(&chunks).Error
	})
}

func (r *documentChunkRepo) GetByDocumentVersion(ctx context.Context, tx *gorm.DB, documentID uuid.UUID, version int64) ([]*types.DocumentChunk, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.DocumentChunk
	if documentID == uuid.Nil {
		return out, nil
	}
	if err := transaction.WithContext(ctx).
		Where("document_id = ? AND version = ?", documentID, version).
		Order(`"index" ASC`).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *documentChunkRepo) DeleteOtherVersions(ctx context.Context, tx *gorm.DB, documentID uuid.UUID, keepVersion int64) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if documentID == uuid.Nil {
		return nil
	}
	return transaction.WithContext(ctx).
		Where("document_id = ? AND version <> ?", documentID, keepVersion).
		Delete(&types.DocumentChunk{}).Error
}

func (r *documentChunkRepo) DeleteByDocument(ctx context.Context, tx *gorm.DB, documentID uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if documentID == uuid.Nil {
		return nil
	}
	return transaction.WithContext(ctx).
		Where("document_id = ?", documentID).
		Delete(&types.DocumentChunk{}).Error
}
