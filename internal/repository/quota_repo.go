package repository

import (
	"context"
	"fmt"

	"github.com/timmy/teachermon/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// QuotaRepository stores per-owner byte ledgers. Every counter change is a
// single UPDATE statement so concurrent requests never lose updates.
type QuotaRepository struct {
	db *gorm.DB
}

// NewQuotaRepository creates a new QuotaRepository.
func NewQuotaRepository(db *gorm.DB) *QuotaRepository {
	return &QuotaRepository{db: db}
}

// GetOrCreate returns the owner's ledger, creating it with defaultLimit if absent.
func (r *QuotaRepository) GetOrCreate(ctx context.Context, ownerID string, defaultLimit int64) (*domain.MediaQuota, error) {
	q := domain.MediaQuota{OwnerID: ownerID, LimitBytes: defaultLimit}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&q).Error; err != nil {
		return nil, fmt.Errorf("failed to create quota for %s: %w", ownerID, err)
	}

	var stored domain.MediaQuota
	if err := r.db.WithContext(ctx).First(&stored, "owner_id = ?", ownerID).Error; err != nil {
		return nil, fmt.Errorf("failed to load quota for %s: %w", ownerID, err)
	}
	return &stored, nil
}

// TryIncrement adds bytes to usage only if the result stays within the limit.
// Returns false when the ledger had no room.
func (r *QuotaRepository) TryIncrement(ctx context.Context, ownerID string, bytes int64) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&domain.MediaQuota{}).
		Where("owner_id = ? AND usage_bytes + ? <= limit_bytes", ownerID, bytes).
		Update("usage_bytes", gorm.Expr("usage_bytes + ?", bytes))
	if res.Error != nil {
		return false, fmt.Errorf("failed to reserve quota for %s: %w", ownerID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Increment adds bytes to usage without checking the limit.
func (r *QuotaRepository) Increment(ctx context.Context, ownerID string, bytes int64) error {
	err := r.db.WithContext(ctx).
		Model(&domain.MediaQuota{}).
		Where("owner_id = ?", ownerID).
		Update("usage_bytes", gorm.Expr("usage_bytes + ?", bytes)).Error
	if err != nil {
		return fmt.Errorf("failed to charge quota for %s: %w", ownerID, err)
	}
	return nil
}

// Decrement subtracts bytes from usage, clamping at zero.
func (r *QuotaRepository) Decrement(ctx context.Context, ownerID string, bytes int64) error {
	err := r.db.WithContext(ctx).
		Model(&domain.MediaQuota{}).
		Where("owner_id = ?", ownerID).
		Update("usage_bytes", gorm.Expr("CASE WHEN usage_bytes > ? THEN usage_bytes - ? ELSE 0 END", bytes, bytes)).Error
	if err != nil {
		return fmt.Errorf("failed to release quota for %s: %w", ownerID, err)
	}
	return nil
}
