package repos

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/anubissbe/JarvisAI/internal/platform/logger"
	"github.com/anubissbe/JarvisAI/internal/types"
)

// ErrFlipSuperseded reports that a newer ingestion bumped the pending
// version while this one was writing, so its flip must not publish.
var ErrFlipSuperseded = errors.New("version flip superseded by a newer ingestion")

type DocumentRepo interface {
	Create(ctx context.Context, tx *gorm.DB, doc *types.Document) (*types.Document, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Document, error)
	GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.Document, error)
	ListByKnowledgeBase(ctx context.Context, tx *gorm.DB, kbID uuid.UUID) ([]*types.Document, error)
	GetByContentHash(ctx context.Context, tx *gorm.DB, kbID uuid.UUID, hash string) (*types.Document, error)
	// ClaimNextPending atomically moves one runnable document to
	// processing. Runnable means pending, or processing whose claim is
	// older than staleProcessing (worker died mid-run). Returns nil when
	// nothing is runnable. The returned row is the pre-claim snapshot:
	// its Attempts does not include this claim's increment, which lets a
	// requeue that never ran the attempt restore the count.
	ClaimNextPending(ctx context.Context, tx *gorm.DB, maxAttempts int, staleProcessing time.Duration) (*types.Document, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	SetPendingVersion(ctx context.Context, tx *gorm.DB, id uuid.UUID, version int64) error
	// FlipCurrentVersion publishes a fully written version: queries trust
	// current_version from this point on. Guarded on pending_version so a
	// superseded run cannot clobber a newer flip.
	FlipCurrentVersion(ctx context.Context, tx *gorm.DB, id uuid.UUID, version int64, chunkCount int) error
	MarkFailed(ctx context.Context, tx *gorm.DB, id uuid.UUID, reason string) error
	Requeue(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
}

type documentRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDocumentRepo(db *gorm.DB, baseLog *logger.Logger) DocumentRepo {
	return &documentRepo{db: db, log: baseLog.With("repo", "DocumentRepo")}
}

func (r *documentRepo) Create(ctx context.Context, tx *gorm.DB, doc *types.Document) (*types.Document, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if doc == nil {
		return nil, nil
	}
	if err := transaction.WithContext(ctx).Create(doc).Error; err != nil {
		return nil, err
	}
	return doc, nil
}

func (r *documentRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Document, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var doc types.Document
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&doc).Error
	if err != nil {
		return nil, err
	}
	if doc.ID == uuid.Nil {
		return nil, nil
	}
	return &doc, nil
}

func (r *documentRepo) GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.Document, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Document
	if len(ids) == 0 {
		return out, nil
	}
	if err := transaction.WithContext(ctx).
		Where("id IN ?", ids).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *documentRepo) ListByKnowledgeBase(ctx context.Context, tx *gorm.DB, kbID uuid.UUID) ([]*types.Document, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Document
	if kbID == uuid.Nil {
		return out, nil
	}
	if err := transaction.WithContext(ctx).
		Where("knowledge_base_id = ?", kbID).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *documentRepo) GetByContentHash(ctx context.Context, tx *gorm.DB, kbID uuid.UUID, hash string) (*types.Document, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	hash = strings.TrimSpace(hash)
	if kbID == uuid.Nil || hash == "" {
		return nil, nil
	}
	var doc types.Document
	err := transaction.WithContext(ctx).
		Where("knowledge_base_id = ? AND content_hash = ?", kbID, hash).
		Order("created_at DESC").
		Limit(1).
		Find(&doc).Error
	if err != nil {
		return nil, err
	}
	if doc.ID == uuid.Nil {
		return nil, nil
	}
	return &doc, nil
}

func (r *documentRepo) ClaimNextPending(ctx context.Context, tx *gorm.DB, maxAttempts int, staleProcessing time.Duration) (*types.Document, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now()
	staleCutoff := now.Add(-staleProcessing)
	var claimed *types.Document
	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var doc types.Document
		q := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where(`
				(
					(status = ? AND attempts < ?)
					OR (
						status = ?
						AND processing_at IS NOT NULL
						AND processing_at < ?
					)
				)
			`, types.DocumentStatusPending, maxAttempts, types.DocumentStatusProcessing, staleCutoff).
			Order("created_at ASC")
		qErr := q.First(&doc).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		uErr := txx.Model(&types.Document{}).
			Where("id = ?", doc.ID).
			Updates(map[string]interface{}{
				"status":        types.DocumentStatusProcessing,
				"attempts":      gorm.Expr("attempts + 1"),
				"processing_at": now,
				"updated_at":    now,
			}).Error
		if uErr != nil {
			return uErr
		}
		claimed = &doc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *documentRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return transaction.WithContext(ctx).
		Model(&types.Document{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *documentRepo) SetPendingVersion(ctx context.Context, tx *gorm.DB, id uuid.UUID, version int64) error {
	return r.UpdateFields(ctx, tx, id, map[string]interface{}{
		"pending_version": version,
	})
}

func (r *documentRepo) FlipCurrentVersion(ctx context.Context, tx *gorm.DB, id uuid.UUID, version int64, chunkCount int) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return errors.New("document id required")
	}
	now := time.Now()
	res := transaction.WithContext(ctx).
		Model(&types.Document{}).
		Where("id = ? AND pending_version = ?", id, version).
		Updates(map[string]interface{}{
			"current_version": version,
			"pending_version": 0,
			"chunk_count":     chunkCount,
			"status":          types.DocumentStatusCompleted,
			"status_reason":   "",
			"attempts":        0,
			"processing_at":   nil,
			"ingested_at":     now,
			"updated_at":      now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrFlipSuperseded
	}
	return nil
}

func (r *documentRepo) MarkFailed(ctx context.Context, tx *gorm.DB, id uuid.UUID, reason string) error {
	return r.UpdateFields(ctx, tx, id, map[string]interface{}{
		"status":        types.DocumentStatusFailed,
		"status_reason": strings.TrimSpace(reason),
		"processing_at": nil,
	})
}

func (r *documentRepo) Requeue(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	return r.UpdateFields(ctx, tx, id, map[string]interface{}{
		"status":        types.DocumentStatusPending,
		"status_reason": "",
		"attempts":      0,
		"processing_at": nil,
	})
}
