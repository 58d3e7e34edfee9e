package repository

import (
	"context"
	"time"

	"JukeFM/model"

	"gorm.io/gorm"
)

const maxHistoryLimit = 200

// PlayRecordRepository 点歌记录数据访问接口
type PlayRecordRepository interface {
	Create(ctx context.Context, rec *model.PlayRecord) error
	Recent(ctx context.Context, limit int) ([]*model.PlayRecord, error)
	ByAccount(ctx context.Context, accountKey string, limit int) ([]*model.PlayRecord, error)
	// Uncharged 扣费失败的记录，供人工核对
	Uncharged(ctx context.Context, since time.Time) ([]*model.PlayRecord, error)
}

// gormPlayRecordRepository GORM 实现
type gormPlayRecordRepository struct {
	db *gorm.DB
}

// NewGormPlayRecordRepository 创建 GORM 点歌记录仓库
func NewGormPlayRecordRepository(db *gorm.DB) PlayRecordRepository {
	return &gormPlayRecordRepository{db: db}
}

// clampLimit 限制单次查询条数
func clampLimit(limit int) int {
	if limit <= 0 || limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}

// Create 写入一条记录
func (r *gormPlayRecordRepository) Create(ctx context.Context, rec *model.PlayRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	return r.db.WithContext(ctx).Create(rec).Error
}

// Recent 最近的记录，按时间倒序
func (r *gormPlayRecordRepository) Recent(ctx context.Context, limit int) ([]*model.PlayRecord, error) {
	var recs []*model.PlayRecord
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(clampLimit(limit)).
		Find(&recs).Error
	return recs, err
}

// ByAccount 某个账户最近的记录
func (r *gormPlayRecordRepository) ByAccount(ctx context.Context, accountKey string, limit int) ([]*model.PlayRecord, error) {
	var recs []*model.PlayRecord
	err := r.db.WithContext(ctx).
		Where("account_key = ?", accountKey).
		Order("created_at DESC").
		Limit(clampLimit(limit)).
		Find(&recs).Error
	return recs, err
}

// Uncharged 查询扣费失败的记录
func (r *gormPlayRecordRepository) Uncharged(ctx context.Context, since time.Time) ([]*model.PlayRecord, error) {
	var recs []*model.PlayRecord
	err := r.db.WithContext(ctx).
		Where("charged = ? AND cost > 0 AND created_at >= ?", false, since).
		Order("created_at ASC").
		Find(&recs).Error
	return recs, err
}
