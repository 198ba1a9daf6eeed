package storage

import (
	"context"
	"errors"
	"math/big"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"lprewards/rewards"
	"lprewards/services/rewardd/models"
)

// Update runs fn inside a single database transaction. The daily counter row
// is written with a conflict clause, so concurrent custodians on separate
// processes serialize on it.
func (s *Store) Update(ctx context.Context, fn func(rewards.LedgerTx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&ledgerTx{db: tx})
	})
}

// View runs fn against a read-only transaction snapshot.
func (s *Store) View(ctx context.Context, fn func(rewards.LedgerTx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&ledgerTx{db: tx})
	})
}

type ledgerTx struct {
	db *gorm.DB
}

func (t *ledgerTx) Token(symbol string) (*rewards.TokenInfo, bool, error) {
	var rec models.TokenRecord
	err := t.db.First(&rec, "symbol = ?", symbol).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	info := tokenInfo(rec)
	return &info, true, nil
}

func (t *ledgerTx) Tokens() ([]rewards.TokenInfo, error) {
	var recs []models.TokenRecord
	if err := t.db.Order("symbol").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]rewards.TokenInfo, 0, len(recs))
	for _, rec := range recs {
		out = append(out, tokenInfo(rec))
	}
	return out, nil
}

func (t *ledgerTx) PutToken(info rewards.TokenInfo) error {
	rec := models.TokenRecord{
		Symbol:    info.Symbol,
		Address:   info.Address,
		Supported: info.Supported,
		Active:    info.Active,
		Primary:   info.Primary,
	}
	return t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}},
		DoUpdates: clause.AssignmentColumns([]string{"address", "supported", "active", "primary", "updated_at"}),
	}).Create(&rec).Error
}

func (t *ledgerTx) TreasuryBalance(symbol string) (*big.Int, error) {
	var rec models.TreasuryBalance
	err := t.db.First(&rec, "symbol = ?", symbol).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	return parseBigInt(rec.Amount)
}

func (t *ledgerTx) SetTreasuryBalance(symbol string, amount *big.Int) error {
	rec := models.TreasuryBalance{Symbol: symbol, Amount: formatBigInt(amount)}
	return t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}},
		DoUpdates: clause.AssignmentColumns([]string{"amount", "updated_at"}),
	}).Create(&rec).Error
}

func (t *ledgerTx) DailyDistributed(day string) (*big.Int, error) {
	var rec models.DailyCounter
	err := t.db.Clauses(clause.Locking{Strength: "UPDATE"}).First(&rec, "day = ?", day).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	return parseBigInt(rec.Distributed)
}

func (t *ledgerTx) SetDailyDistributed(day string, amount *big.Int) error {
	rec := models.DailyCounter{Day: day, Distributed: formatBigInt(amount)}
	return t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "day"}},
		DoUpdates: clause.AssignmentColumns([]string{"distributed", "updated_at"}),
	}).Create(&rec).Error
}

func (t *ledgerTx) InsertLot(lot *rewards.Lot) (uint64, error) {
	rec := models.RewardLot{
		Owner:       lot.Owner,
		Amount:      formatBigInt(lot.Amount),
		TokenSymbol: lot.TokenSymbol,
		GrantedAt:   lot.GrantedAt,
		UnlockAt:    lot.UnlockAt,
	}
	if err := t.db.Create(&rec).Error; err != nil {
		return 0, err
	}
	return rec.LotID, nil
}

func (t *ledgerTx) Lot(owner string, lotID uint64) (*rewards.Lot, bool, error) {
	var rec models.RewardLot
	err := t.db.First(&rec, "lot_id = ? AND owner = ?", lotID, owner).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	lot, err := rewardLot(rec)
	if err != nil {
		return nil, false, err
	}
	return lot, true, nil
}

func (t *ledgerTx) MarkClaimed(owner string, lotID uint64, at time.Time) error {
	result := t.db.Model(&models.RewardLot{}).
		Where("lot_id = ? AND owner = ? AND claimed = ?", lotID, owner, false).
		Updates(map[string]interface{}{"claimed": true, "claimed_at": at})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return rewards.ErrLotAlreadyClaimed
	}
	return nil
}

func (t *ledgerTx) LotsByOwner(owner string) ([]*rewards.Lot, error) {
	var recs []models.RewardLot
	if err := t.db.Where("owner = ?", owner).Order("lot_id").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*rewards.Lot, 0, len(recs))
	for _, rec := range recs {
		lot, err := rewardLot(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, lot)
	}
	return out, nil
}

func tokenInfo(rec models.TokenRecord) rewards.TokenInfo {
	return rewards.TokenInfo{
		Symbol:    rec.Symbol,
		Address:   rec.Address,
		Supported: rec.Supported,
		Active:    rec.Active,
		Primary:   rec.Primary,
	}
}

func rewardLot(rec models.RewardLot) (*rewards.Lot, error) {
	amount, err := parseBigInt(rec.Amount)
	if err != nil {
		return nil, err
	}
	lot := &rewards.Lot{
		LotID:       rec.LotID,
		Owner:       rec.Owner,
		Amount:      amount,
		TokenSymbol: rec.TokenSymbol,
		GrantedAt:   rec.GrantedAt,
		UnlockAt:    rec.UnlockAt,
		Claimed:     rec.Claimed,
	}
	if rec.ClaimedAt != nil {
		lot.ClaimedAt = *rec.ClaimedAt
	}
	return lot, nil
}
