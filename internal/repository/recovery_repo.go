package repository

import (
	"context"

	"github.com/jar-analysis/jar-analysis-go/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RecoveryReportRepository 字符串还原报告 Repository
type RecoveryReportRepository interface {
	Upsert(ctx context.Context, report *domain.RecoveryReport) error
	FindByClass(ctx context.Context, sessionID, className string) (*domain.RecoveryReport, error)
	ListBySession(ctx context.Context, sessionID string) ([]*domain.RecoveryReport, error)
}

type recoveryReportRepo struct {
	db *gorm.DB
}

// NewRecoveryReportRepository 创建还原报告 Repository
func NewRecoveryReportRepository(db *gorm.DB) RecoveryReportRepository {
	return &recoveryReportRepo{db: db}
}

// Upsert 同一会话同一类只保留最新一次结果
func (r *recoveryReportRepo) Upsert(ctx context.Context, report *domain.RecoveryReport) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "session_id"}, {Name: "class_name"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"engines", "finding_count", "changed", "findings_json", "duration_ms",
			}),
		}).
		Create(report).Error
}

func (r *recoveryReportRepo) FindByClass(ctx context.Context, sessionID, className string) (*domain.RecoveryReport, error) {
	var report domain.RecoveryReport
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND class_name = ?", sessionID, className).
		First(&report).Error
	if err != nil {
		return nil, err
	}
	return &report, nil
}

func (r *recoveryReportRepo) ListBySession(ctx context.Context, sessionID string) ([]*domain.RecoveryReport, error) {
	var reports []*domain.RecoveryReport
	err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("class_name ASC").Find(&reports).Error
	return reports, err
}
