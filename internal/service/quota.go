package service

import (
	"context"
	"fmt"

	"github.com/timmy/teachermon/internal/domain"
	"github.com/timmy/teachermon/internal/logger"
	"github.com/timmy/teachermon/internal/metrics"
)

// QuotaService enforces the per-owner storage quota.
type QuotaService struct {
	store        QuotaStore
	defaultLimit int64
	metrics      *metrics.Metrics
}

// NewQuotaService creates a new QuotaService. Ledgers are created lazily
// with defaultLimit.
func NewQuotaService(store QuotaStore, defaultLimit int64, m *metrics.Metrics) *QuotaService {
	return &QuotaService{store: store, defaultLimit: defaultLimit, metrics: m}
}

func (s *QuotaService) GetOrCreate(ctx context.Context, ownerID string) (*domain.MediaQuota, error) {
	q, err := s.store.GetOrCreate(ctx, ownerID, s.defaultLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load quota for %s: %w", ownerID, err)
	}
	return q, nil
}

// Remaining returns max(0, limit - usage).
func (s *QuotaService) Remaining(ctx context.Context, ownerID string) (int64, error) {
	q, err := s.GetOrCreate(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	return q.Remaining(), nil
}

// Reserve charges bytes against the owner's quota, or fails with
// QUOTA_EXCEEDED carrying the shortfall. The check and the increment are
// one conditional statement, so concurrent reservations cannot overshoot.
func (s *QuotaService) Reserve(ctx context.Context, ownerID string, bytes int64) error {
	if bytes < 0 {
		return domain.NewError(domain.KindValidation, "cannot reserve %d bytes", bytes)
	}
	if bytes == 0 {
		return nil
	}
	if _, err := s.GetOrCreate(ctx, ownerID); err != nil {
		return err
	}

	ok, err := s.store.TryIncrement(ctx, ownerID, bytes)
	if err != nil {
		return fmt.Errorf("failed to reserve quota for %s: %w", ownerID, err)
	}
	s.metrics.QuotaReservation(ok)
	if ok {
		return nil
	}

	remaining, err := s.Remaining(ctx, ownerID)
	if err != nil {
		return err
	}
	logger.CtxInfo(ctx, "Quota reservation refused: owner=%s requested=%d remaining=%d", ownerID, bytes, remaining)
	return domain.QuotaExceeded(bytes, remaining)
}

// Release returns bytes to the owner's quota. Usage is clamped at zero.
func (s *QuotaService) Release(ctx context.Context, ownerID string, bytes int64) error {
	if bytes <= 0 {
		return nil
	}
	if err := s.store.Decrement(ctx, ownerID, bytes); err != nil {
		return fmt.Errorf("failed to release quota for %s: %w", ownerID, err)
	}
	return nil
}

// Charge records bytes that already exist on storage, such as frames
// produced by an external worker. It never fails for lack of quota.
func (s *QuotaService) Charge(ctx context.Context, ownerID string, bytes int64) error {
	if bytes <= 0 {
		return nil
	}
	if _, err := s.GetOrCreate(ctx, ownerID); err != nil {
		return err
	}
	if err := s.store.Increment(ctx, ownerID, bytes); err != nil {
		return fmt.Errorf("failed to charge quota for %s: %w", ownerID, err)
	}
	return nil
}

func (s *QuotaService) View(ctx context.Context, ownerID string) (domain.QuotaView, error) {
	q, err := s.GetOrCreate(ctx, ownerID)
	if err != nil {
		return domain.QuotaView{}, err
	}
	return q.View(), nil
}
