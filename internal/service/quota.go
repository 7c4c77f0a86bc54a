package service

import (
	"context"
	"fmt"

	"github.com/bigkaa/goartstore/share-module/internal/repository"
)

// QuotaTracker — учёт занятого места владельца.
// Использование — сумма размеров всех записей владельца,
// включая истёкшие, но ещё не удалённые очисткой.
type QuotaTracker struct {
	files repository.FileRepository
	limit int64
}

// NewQuotaTracker создаёт учёт квоты с лимитом limit байт на владельца.
func NewQuotaTracker(files repository.FileRepository, limit int64) *QuotaTracker {
	return &QuotaTracker{files: files, limit: limit}
}

// Limit возвращает квоту владельца в байтах.
func (q *QuotaTracker) Limit() int64 {
	return q.limit
}

// Usage возвращает занятое владельцем место в байтах.
func (q *QuotaTracker) Usage(ctx context.Context, ownerID int64) (int64, error) {
	used, err := q.files.SumSizeByOwner(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return used, nil
}

// Available возвращает свободное место: max(0, квота - использование).
// Только для отображения: решение о загрузке принимает Fits.
func (q *QuotaTracker) Available(ctx context.Context, ownerID int64) (int64, error) {
	used, err := q.Usage(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	return availableBytes(q.limit, used), nil
}

// Fits проверяет, что used + add не превышает квоту.
func (q *QuotaTracker) Fits(used, add int64) bool {
	if add < 0 || used < 0 {
		return false
	}
	return add <= q.limit-used
}

func availableBytes(limit, used int64) int64 {
	if used >= limit {
		return 0
	}
	return limit - used
}
