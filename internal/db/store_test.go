package db

import (
	"context"
	"math/big"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/relaymesh/coresettle"
	"github.com/relaymesh/coresettle/internal/reconciler"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	gormDB, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open gorm db: %v", err)
	}
	return &Store{db: gormDB}, mock
}

func TestUpdateSettlementDetails_InvalidCalldataWritesZeroAuctionIDOnly(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `settlement_events`").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.WithTx(context.Background(), func(tx reconciler.Tx) error {
		return tx.UpdateSettlementDetails(context.Background(), reconciler.SettlementUpdate{
			BlockNumber: 10,
			LogIndex:    2,
			AuctionID:   0,
			Data:        nil,
		})
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSettlementDetails_AddAuctionDataWritesObservationAndExecutions(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `settlement_events`").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO `settlement_observations`").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO `order_executions`").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	var uid coresettle.OrderUid
	copy(uid[:], []byte("order-uid-fixture-order-uid-fixt"))

	err := store.WithTx(context.Background(), func(tx reconciler.Tx) error {
		return tx.UpdateSettlementDetails(context.Background(), reconciler.SettlementUpdate{
			BlockNumber: 11,
			LogIndex:    0,
			AuctionID:   42,
			Data: &coresettle.AuctionData{
				Surplus:           big.NewInt(1000),
				Fee:               big.NewInt(5),
				GasUsed:           150_000,
				EffectiveGasPrice: big.NewInt(30_000_000_000),
				OrderExecutions: []coresettle.OrderExecution{
					{Order: uid, ExecutedSurplusFee: big.NewInt(5)},
				},
			},
		})
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchScore_NoRowsReturnsNil(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `settlement_scores`").
		WillReturnRows(sqlmock.NewRows([]string{"auction_id", "winner"}))
	mock.ExpectCommit()

	var score *reconciler.Score
	err := store.WithTx(context.Background(), func(tx reconciler.Tx) error {
		var err error
		score, err = tx.FetchScore(context.Background(), coresettle.AuctionID(7))
		return err
	})
	assert.NoError(t, err)
	assert.Nil(t, score)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAuctionPrices_ParsesDecimalStrings(t *testing.T) {
	store, mock := newMockStore(t)
	weth := common.HexToAddress("0x000000000000000000000000000000000000ab")

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `auction_prices`").
		WillReturnRows(sqlmock.NewRows([]string{"auction_id", "token", "price"}).
			AddRow(9, weth.Hex(), "1000000000000000000"))
	mock.ExpectCommit()

	var prices map[common.Address]*big.Int
	err := store.WithTx(context.Background(), func(tx reconciler.Tx) error {
		var err error
		prices, err = tx.GetAuctionPrices(context.Background(), coresettle.AuctionID(9))
		return err
	})
	assert.NoError(t, err)
	assert.Equal(t, big.NewInt(1_000_000_000_000_000_000), prices[weth])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBigIntToString(t *testing.T) {
	assert.Equal(t, "0", bigIntToString(nil))
	assert.Equal(t, "123456789", bigIntToString(big.NewInt(123456789)))
}

func TestSettlementEventRecord_TableName(t *testing.T) {
	assert.Equal(t, "settlement_events", SettlementEventRecord{}.TableName())
	assert.Equal(t, "settlement_observations", SettlementObservationRecord{}.TableName())
	assert.Equal(t, "order_executions", OrderExecutionRecord{}.TableName())
	assert.Equal(t, "auction_prices", AuctionPriceRecord{}.TableName())
}
