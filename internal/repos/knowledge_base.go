package repos

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/anubissbe/JarvisAI/internal/platform/logger"
	"github.com/anubissbe/JarvisAI/internal/types"
)

type KnowledgeBaseRepo interface {
	Create(ctx context.Context, tx *gorm.DB, kb *types.KnowledgeBase) (*types.KnowledgeBase, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.KnowledgeBase, error)
	GetByName(ctx context.Context, tx *gorm.DB, name string) (*types.KnowledgeBase, error)
	List(ctx context.Context, tx *gorm.DB) ([]*types.KnowledgeBase, error)
	// SetEmbeddingIdentity pins the embedding model on first use. It only
	// writes when no model is recorded yet, so a concurrent pin with a
	// different model loses and the stored identity stays authoritative.
	SetEmbeddingIdentity(ctx context.Context, tx *gorm.DB, id uuid.UUID, model string, dim int) error
}

type knowledgeBaseRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewKnowledgeBaseRepo(db *gorm.DB, baseLog *logger.Logger) KnowledgeBaseRepo {
	return &knowledgeBaseRepo{db: db, log: baseLog.With("repo", "KnowledgeBaseRepo")}
}

func (r *knowledgeBaseRepo) Create(ctx context.Context, tx *gorm.DB, kb *types.KnowledgeBase) (*types.KnowledgeBase, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if kb == nil {
		return nil, nil
	}
	if err := transaction.WithContext(ctx).Create(kb).Error; err != nil {
		return nil, err
	}
	return kb, nil
}

func (r *knowledgeBaseRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.KnowledgeBase, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var kb types.KnowledgeBase
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&kb).Error
	if err != nil {
		return nil, err
	}
	if kb.ID == uuid.Nil {
		return nil, nil
	}
	return &kb, nil
}

func (r *knowledgeBaseRepo) GetByName(ctx context.Context, tx *gorm.DB, name string) (*types.KnowledgeBase, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	var kb types.KnowledgeBase
	err := transaction.WithContext(ctx).
		Where("name = ?", name).
		Limit(1).
		Find(&kb).Error
	if err != nil {
		return nil, err
	}
	if kb.ID == uuid.Nil {
		return nil, nil
	}
	return &kb, nil
}

func (r *knowledgeBaseRepo) List(ctx context.Context, tx *gorm.DB) ([]*types.KnowledgeBase, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.KnowledgeBase
	if err := transaction.WithContext(ctx).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *knowledgeBaseRepo) SetEmbeddingIdentity(ctx context.Context, tx *gorm.DB, id uuid.UUID, model string, dim int) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return errors.New("knowledge base id required")
	}
	model = strings.TrimSpace(model)
	if model == "" || dim <= 0 {
		return errors.New("embedding model and dimension required")
	}
	return transaction.WithContext(ctx).
		Model(&types.KnowledgeBase{}).
		Where("id = ? AND (embedding_model = '' OR embedding_model IS NULL)", id).
		Updates(map[string]interface{}{
			"embedding_model": model,
			"embedding_dim":   dim,
		}).Error
}
