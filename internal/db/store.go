// Package db is the GORM-backed persistence layer the settlement event
// reconciler (C4) reads and writes through: the settlement-event backlog,
// the per-auction competition score, and the resulting surplus/fee
// observation.
package db

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/relaymesh/coresettle"
	"github.com/relaymesh/coresettle/internal/reconciler"
)

// SettlementEventRecord is the raw on-chain log row the indexer writes as
// soon as it observes a settlement event. AuctionID starts nil and is
// backfilled by the reconciler once it resolves the event.
type SettlementEventRecord struct {
	BlockNumber uint64 `gorm:"primaryKey;column:block_number"`
	LogIndex    uint64 `gorm:"primaryKey;column:log_index"`
	TxHash      string `gorm:"type:varchar(66);not null;index"`
	AuctionID   *int64 `gorm:"column:auction_id"`
}

func (SettlementEventRecord) TableName() string { return "settlement_events" }

// SettlementScoreRecord is the winning solver recorded for an auction by
// the competition/solver-selection path (out of scope for this module).
type SettlementScoreRecord struct {
	AuctionID int64  `gorm:"primaryKey;column:auction_id"`
	Winner    string `gorm:"type:varchar(42);not null"`
}

func (SettlementScoreRecord) TableName() string { return "settlement_scores" }

// SettlementObservationRecord is the surplus/fee observation computed the
// first time an auction's winning settlement is reconciled. Amounts are
// stored as decimal strings since MySQL has no native 256-bit integer.
type SettlementObservationRecord struct {
	AuctionID         int64  `gorm:"primaryKey;column:auction_id"`
	Surplus           string `gorm:"type:varchar(78);not null"`
	Fee               string `gorm:"type:varchar(78);not null"`
	GasUsed           uint64 `gorm:"not null"`
	EffectiveGasPrice string `gorm:"type:varchar(78);not null"`
}

func (SettlementObservationRecord) TableName() string { return "settlement_observations" }

// OrderExecutionRecord is one order's surplus-fee share within an
// auction's winning settlement.
type OrderExecutionRecord struct {
	AuctionID          int64  `gorm:"primaryKey;column:auction_id"`
	OrderUID           string `gorm:"primaryKey;type:varchar(112);column:order_uid"`
	ExecutedSurplusFee string `gorm:"type:varchar(78);not null"`
}

func (OrderExecutionRecord) TableName() string { return "order_executions" }

// AuctionPriceRecord is one (auction, token) external reference price, as
// recorded when the auction was built.
type AuctionPriceRecord struct {
	AuctionID int64  `gorm:"primaryKey;column:auction_id"`
	Token     string `gorm:"primaryKey;type:varchar(42)"`
	Price     string `gorm:"type:varchar(78);not null"`
}

func (AuctionPriceRecord) TableName() string { return "auction_prices" }

// Store is the GORM-backed implementation of reconciler.Store.
type Store struct {
	db *gorm.DB
}

// NewStore opens a MySQL connection over dsn and migrates the
// reconciler's schema.
func NewStore(dsn string) (*Store, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MySQL: %w", err)
	}
	return NewStoreWithDB(db)
}

// NewStoreWithDB wraps an already-open GORM handle. Tests use this with a
// sqlmock connection to exercise the store without a live database.
func NewStoreWithDB(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(
		&SettlementEventRecord{},
		&SettlementScoreRecord{},
		&SettlementObservationRecord{},
		&OrderExecutionRecord{},
		&AuctionPriceRecord{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying DB: %w", err)
	}
	return sqlDB.Close()
}

// WithTx runs fn inside a single GORM transaction, satisfying
// reconciler.Store.
func (s *Store) WithTx(ctx context.Context, fn func(tx reconciler.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		return fn(&storeTx{db: gtx})
	})
}

type storeTx struct {
	db *gorm.DB
}

// GetSettlementWithoutAuction claims the oldest unresolved event under a
// row lock that excludes other reconciler instances, so a second process
// running concurrently skips straight to the next row instead of
// blocking on this one.
func (t *storeTx) GetSettlementWithoutAuction(ctx context.Context) (*coresettle.SettlementEvent, error) {
	var row SettlementEventRecord
	err := t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("auction_id IS NULL").
		Order("block_number ASC, log_index ASC").
		Limit(1).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select settlement without auction: %w", err)
	}
	return &coresettle.SettlementEvent{
		BlockNumber: row.BlockNumber,
		LogIndex:    row.LogIndex,
		TxHash:      common.HexToHash(row.TxHash),
	}, nil
}

func (t *storeTx) FetchScore(ctx context.Context, auctionID coresettle.AuctionID) (*reconciler.Score, error) {
	var row SettlementScoreRecord
	err := t.db.WithContext(ctx).Where("auction_id = ?", int64(auctionID)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch settlement score: %w", err)
	}
	return &reconciler.Score{AuctionID: auctionID, Winner: common.HexToAddress(row.Winner)}, nil
}

func (t *storeTx) AlreadyProcessed(ctx context.Context, auctionID coresettle.AuctionID) (bool, error) {
	var count int64
	err := t.db.WithContext(ctx).Model(&SettlementObservationRecord{}).
		Where("auction_id = ?", int64(auctionID)).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check already processed: %w", err)
	}
	return count > 0, nil
}

func (t *storeTx) GetAuctionPrices(ctx context.Context, auctionID coresettle.AuctionID) (map[common.Address]*big.Int, error) {
	var rows []AuctionPriceRecord
	if err := t.db.WithContext(ctx).Where("auction_id = ?", int64(auctionID)).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("fetch auction prices: %w", err)
	}
	prices := make(map[common.Address]*big.Int, len(rows))
	for _, row := range rows {
		v, ok := new(big.Int).SetString(row.Price, 10)
		if !ok {
			return nil, fmt.Errorf("invalid stored price %q for token %s", row.Price, row.Token)
		}
		prices[common.HexToAddress(row.Token)] = v
	}
	return prices, nil
}

func (t *storeTx) UpdateSettlementDetails(ctx context.Context, update reconciler.SettlementUpdate) error {
	// auction_id is always written, including the zero-value InvalidCalldata
	// sentinel: once a row leaves the IS NULL set it must never re-enter it,
	// or a poisoned event would be reselected on every reconciler tick.
	auctionID := int64(update.AuctionID)
	err := t.db.WithContext(ctx).
		Model(&SettlementEventRecord{}).
		Where("block_number = ? AND log_index = ?", update.BlockNumber, update.LogIndex).
		Update("auction_id", &auctionID).Error
	if err != nil {
		return fmt.Errorf("update settlement event: %w", err)
	}

	if update.Data == nil {
		return nil
	}

	obs := SettlementObservationRecord{
		AuctionID:         int64(update.AuctionID),
		Surplus:           bigIntToString(update.Data.Surplus),
		Fee:               bigIntToString(update.Data.Fee),
		GasUsed:           update.Data.GasUsed,
		EffectiveGasPrice: bigIntToString(update.Data.EffectiveGasPrice),
	}
	if err := t.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&obs).Error; err != nil {
		return fmt.Errorf("insert settlement observation: %w", err)
	}

	for _, oe := range update.Data.OrderExecutions {
		row := OrderExecutionRecord{
			AuctionID:          int64(update.AuctionID),
			OrderUID:           oe.Order.String(),
			ExecutedSurplusFee: bigIntToString(oe.ExecutedSurplusFee),
		}
		if err := t.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
			return fmt.Errorf("insert order execution: %w", err)
		}
	}
	return nil
}

func bigIntToString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
