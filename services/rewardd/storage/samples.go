package storage

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"gorm.io/gorm"

	"lprewards/rewards"
	"lprewards/services/rewardd/models"
)

// ErrSampleNotFound is returned when no market sample matches a lookup.
var ErrSampleNotFound = errors.New("storage: market sample not found")

// RecordSample persists a raw market observation for a pool.
func (s *Store) RecordSample(ctx context.Context, pool, source string, price, poolValue *big.Rat, observed time.Time) error {
	if price == nil {
		return fmt.Errorf("sample missing price")
	}
	rec := models.MarketSample{
		Pool:       pool,
		Source:     source,
		Price:      formatBigRat(price),
		PoolValue:  formatBigRat(poolValue),
		ObservedAt: observed.UTC(),
	}
	return s.db.WithContext(ctx).Create(&rec).Error
}

// PriceNear returns the pool price observed closest to, and no later than,
// the supplied instant, within the tolerance window.
func (s *Store) PriceNear(ctx context.Context, pool string, at time.Time, tolerance time.Duration) (*big.Rat, error) {
	var rec models.MarketSample
	cutoff := at.UTC().Add(-tolerance)
	err := s.db.WithContext(ctx).
		Where("pool = ? AND observed_at <= ? AND observed_at >= ?", pool, at.UTC(), cutoff).
		Order("observed_at DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSampleNotFound
	}
	if err != nil {
		return nil, err
	}
	return parseBigRat(rec.Price)
}

// InRangeBps reports, in basis points, the share of a window's price
// observations that fell inside [lower, upper]. A window with no observations
// reports the full denominator: missing samples are not evidence the position
// left its range.
func (s *Store) InRangeBps(ctx context.Context, pool string, lower, upper *big.Rat, from, to time.Time) (uint32, error) {
	var recs []models.MarketSample
	err := s.db.WithContext(ctx).
		Where("pool = ? AND observed_at >= ? AND observed_at < ?", pool, from.UTC(), to.UTC()).
		Find(&recs).Error
	if err != nil {
		return 0, err
	}
	total, inRange := 0, 0
	for _, rec := range recs {
		price, err := parseBigRat(rec.Price)
		if err != nil {
			continue
		}
		total++
		if price.Cmp(lower) >= 0 && price.Cmp(upper) <= 0 {
			inRange++
		}
	}
	if total == 0 {
		return rewards.BpsDenominator, nil
	}
	return uint32(inRange * rewards.BpsDenominator / total), nil
}

// LatestSample returns the most recent observation for a pool.
func (s *Store) LatestSample(ctx context.Context, pool string) (price, poolValue *big.Rat, observed time.Time, err error) {
	var rec models.MarketSample
	err = s.db.WithContext(ctx).Where("pool = ?", pool).Order("observed_at DESC").First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, time.Time{}, ErrSampleNotFound
	}
	if err != nil {
		return nil, nil, time.Time{}, err
	}
	price, err = parseBigRat(rec.Price)
	if err != nil {
		return nil, nil, time.Time{}, err
	}
	poolValue, err = parseBigRat(rec.PoolValue)
	if err != nil {
		return nil, nil, time.Time{}, err
	}
	return price, poolValue, rec.ObservedAt, nil
}
