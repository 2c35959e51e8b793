package repository

import (
	"context"

	"github.com/jar-analysis/jar-analysis-go/internal/domain"
	"gorm.io/gorm"
)

// PatchRepository 补丁记录 Repository
type PatchRepository interface {
	Create(ctx context.Context, record *domain.PatchRecord) error
	ListBySession(ctx context.Context, sessionID string) ([]*domain.PatchRecord, error)
	CountChanged(ctx context.Context, sessionID string) (int64, error)
}

type patchRepo struct {
	db *gorm.DB
}

// NewPatchRepository 创建补丁记录 Repository
func NewPatchRepository(db *gorm.DB) PatchRepository {
	return &patchRepo{db: db}
}

func (r *patchRepo) Create(ctx context.Context, record *domain.PatchRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

// ListBySession 按写入顺序返回
func (r *patchRepo) ListBySession(ctx context.Context, sessionID string) ([]*domain.PatchRecord, error) {
	var records []*domain.PatchRecord
	err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("id ASC").Find(&records).Error
	return records, err
}

func (r *patchRepo) CountChanged(ctx context.Context, sessionID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.PatchRecord{}).
		Where("session_id = ? AND result = ?", sessionID, domain.PatchResultChanged).
		Count(&count).Error
	return count, err
}
