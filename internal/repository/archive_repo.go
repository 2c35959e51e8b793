package repository

import (
	"context"
	"time"

	"github.com/jar-analysis/jar-analysis-go/internal/domain"
	"gorm.io/gorm"
)

// ArchiveRepository 归档会话记录 Repository
type ArchiveRepository interface {
	Create(ctx context.Context, record *domain.ArchiveRecord) error
	FindBySessionID(ctx context.Context, sessionID string) (*domain.ArchiveRecord, error)
	List(ctx context.Context, limit int) ([]*domain.ArchiveRecord, error)
	MarkSaved(ctx context.Context, sessionID, savedTo string, patchCount int) error
	MarkClosed(ctx context.Context, sessionID string) error
}

type archiveRepo struct {
	db *gorm.DB
}

// NewArchiveRepository 创建归档记录 Repository
func NewArchiveRepository(db *gorm.DB) ArchiveRepository {
	return &archiveRepo{db: db}
}

func (r *archiveRepo) Create(ctx context.Context, record *domain.ArchiveRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

func (r *archiveRepo) FindBySessionID(ctx context.Context, sessionID string) (*domain.ArchiveRecord, error) {
	var record domain.ArchiveRecord
	err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// List 按打开时间倒序
func (r *archiveRepo) List(ctx context.Context, limit int) ([]*domain.ArchiveRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []*domain.ArchiveRecord
	err := r.db.WithContext(ctx).Order("opened_at DESC, id DESC").Limit(limit).Find(&records).Error
	return records, err
}

func (r *archiveRepo) MarkSaved(ctx context.Context, sessionID, savedTo string, patchCount int) error {
	return r.updateBySession(ctx, sessionID, map[string]interface{}{
		"status":      domain.SessionStatusSaved,
		"saved_to":    savedTo,
		"patch_count": patchCount,
	})
}

func (r *archiveRepo) MarkClosed(ctx context.Context, sessionID string) error {
	now := time.Now()
	return r.updateBySession(ctx, sessionID, map[string]interface{}{
		"status":    domain.SessionStatusClosed,
		"closed_at": &now,
	})
}

func (r *archiveRepo) updateBySession(ctx context.Context, sessionID string, updates map[string]interface{}) error {
	result := r.db.WithContext(ctx).Model(&domain.ArchiveRecord{}).
		Where("session_id = ?", sessionID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
