// Package reconciler implements the settlement event reconciler (C4): it
// joins settlement events observed on-chain back to the auction that
// produced them, and computes and persists the resulting surplus/fee
// observation. It runs as a resumable background loop, never holding
// more than one event's worth of work in memory at a time.
package reconciler

import (
	"context"
	"fmt"
	"log"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/relaymesh/coresettle"
	"github.com/relaymesh/coresettle/internal/ethadapter"
	"github.com/relaymesh/coresettle/internal/metrics"
	"github.com/relaymesh/coresettle/internal/settlementabi"
)

// Score is the per-auction competition record: which solver's solution
// won, used to reject a settlement transaction claiming an auction it
// did not win.
type Score struct {
	AuctionID coresettle.AuctionID
	Winner    common.Address
}

// SettlementUpdate is the single atomic write one reconciled event
// produces. Data is nil when the auction id could not be resolved to a
// winning, not-yet-processed settlement.
type SettlementUpdate struct {
	BlockNumber uint64
	LogIndex    uint64
	AuctionID   coresettle.AuctionID
	Data        *coresettle.AuctionData
}

// Tx is the set of operations available within one reconciler
// transaction. Implementations must take the row returned by
// GetSettlementWithoutAuction under a row lock that excludes other
// reconciler instances (SELECT ... FOR UPDATE SKIP LOCKED), so that
// multiple reconciler processes can run concurrently without double
// processing an event.
type Tx interface {
	GetSettlementWithoutAuction(ctx context.Context) (*coresettle.SettlementEvent, error)
	FetchScore(ctx context.Context, auctionID coresettle.AuctionID) (*Score, error)
	AlreadyProcessed(ctx context.Context, auctionID coresettle.AuctionID) (bool, error)
	GetAuctionPrices(ctx context.Context, auctionID coresettle.AuctionID) (map[common.Address]*big.Int, error)
	UpdateSettlementDetails(ctx context.Context, update SettlementUpdate) error
}

// Store opens the single atomic transaction each Update step runs in.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// recoveryKind is the three-way outcome of recovering an auction id from
// a settlement transaction's calldata, restored in meaning from the
// original autopilot's AuctionIdRecoveryStatus.
type recoveryKind int

const (
	recoveryInvalidCalldata recoveryKind = iota
	recoveryDoNotAdd
	recoveryAdd
)

// recoveryStatus is the result of recoverAuctionID.
type recoveryStatus struct {
	kind      recoveryKind
	auctionID coresettle.AuctionID
	decoded   *settlementabi.Settlement
}

// Reconciler is the settlement event reconciler (C4).
type Reconciler struct {
	eth     ethadapter.Ethereum
	store   Store
	metrics *metrics.Handle
}

// New builds a Reconciler over eth (for transaction/receipt lookups) and
// store (for the settlement-event backlog and auction bookkeeping).
func New(eth ethadapter.Ethereum, store Store, metricsHandle *metrics.Handle) *Reconciler {
	return &Reconciler{eth: eth, store: store, metrics: metricsHandle}
}

// RunForever drains the backlog of unresolved events as fast as they can
// be processed, falling back to waiting for the next block once the
// backlog is empty. It returns only when ctx is cancelled.
func (r *Reconciler) RunForever(ctx context.Context) {
	blocks := r.eth.CurrentBlock()
	for {
		changed, err := r.Update(ctx)
		if err != nil {
			log.Printf("reconciler: update failed: %v", err)
		} else if changed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-blocks:
		}
	}
}

// Update performs one atomic backfill step: it claims the oldest
// unresolved settlement event, attempts to recover its auction id and
// auction data, and persists the outcome. It returns true whenever an
// event was claimed and processed (even if it could only be marked
// unrecoverable), so RunForever can keep draining the backlog without
// waiting on a new block.
func (r *Reconciler) Update(ctx context.Context) (bool, error) {
	processed := false
	err := r.store.WithTx(ctx, func(tx Tx) error {
		event, err := tx.GetSettlementWithoutAuction(ctx)
		if err != nil {
			return fmt.Errorf("get settlement without auction: %w", err)
		}
		if event == nil {
			r.metrics.ObserveReconcilerOutcome(metrics.ReconcilerOutcomeNoWork)
			return nil
		}

		transaction, from, err := r.eth.Transaction(ctx, event.TxHash)
		if err != nil {
			return fmt.Errorf("fetch transaction %s: %w", event.TxHash, err)
		}
		if transaction == nil {
			log.Printf("reconciler: no transaction found for %s, assuming reorg", event.TxHash)
			r.metrics.ObserveReconcilerOutcome(metrics.ReconcilerOutcomeReorg)
			return nil
		}
		processed = true

		status, err := r.recoverAuctionID(ctx, tx, transaction.Data(), from)
		if err != nil {
			return err
		}

		update := SettlementUpdate{BlockNumber: event.BlockNumber, LogIndex: event.LogIndex}
		switch status.kind {
		case recoveryInvalidCalldata:
			r.metrics.ObserveReconcilerOutcome(metrics.ReconcilerOutcomeInvalidCalldata)
		case recoveryDoNotAdd:
			update.AuctionID = status.auctionID
			r.metrics.ObserveReconcilerOutcome(metrics.ReconcilerOutcomeDoNotAddAuctionData)
		case recoveryAdd:
			update.AuctionID = status.auctionID
			data, err := r.fetchAuctionData(ctx, tx, event.TxHash, status.auctionID, status.decoded)
			if err != nil {
				return fmt.Errorf("compute auction data for auction %d: %w", status.auctionID, err)
			}
			update.Data = data
			r.metrics.ObserveReconcilerOutcome(metrics.ReconcilerOutcomeAddAuctionData)
		}

		if err := tx.UpdateSettlementDetails(ctx, update); err != nil {
			return fmt.Errorf("update settlement details: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return processed, nil
}

// recoverAuctionID decodes a settlement transaction's calldata and
// decides whether its auction id should be recorded at all: an auction
// this process never scored, a settlement from a non-winning solver, or
// one already processed are all legitimate reasons to tag the event
// without computing auction data for it.
func (r *Reconciler) recoverAuctionID(ctx context.Context, tx Tx, input []byte, from common.Address) (recoveryStatus, error) {
	decoded, err := settlementabi.Decode(input)
	if err != nil {
		log.Printf("reconciler: could not decode settlement calldata: %v", err)
		return recoveryStatus{kind: recoveryInvalidCalldata}, nil
	}
	if decoded.Metadata == nil {
		log.Printf("reconciler: settlement calldata missing auction-id metadata")
		return recoveryStatus{kind: recoveryInvalidCalldata}, nil
	}

	auctionID := coresettle.AuctionID(*decoded.Metadata)
	score, err := tx.FetchScore(ctx, auctionID)
	if err != nil {
		return recoveryStatus{}, fmt.Errorf("fetch settlement score: %w", err)
	}
	if score == nil {
		log.Printf("reconciler: auction %d has no competition record", auctionID)
		return recoveryStatus{kind: recoveryDoNotAdd, auctionID: auctionID}, nil
	}
	if score.Winner != from {
		log.Printf("reconciler: auction %d settled by %s, recorded winner was %s", auctionID, from, score.Winner)
		return recoveryStatus{kind: recoveryDoNotAdd, auctionID: auctionID}, nil
	}

	already, err := tx.AlreadyProcessed(ctx, auctionID)
	if err != nil {
		return recoveryStatus{}, fmt.Errorf("check already processed: %w", err)
	}
	if already {
		return recoveryStatus{kind: recoveryDoNotAdd, auctionID: auctionID}, nil
	}
	return recoveryStatus{kind: recoveryAdd, auctionID: auctionID, decoded: decoded}, nil
}

// fetchAuctionData computes the surplus/fee observation for a winning,
// not-yet-processed settlement.
func (r *Reconciler) fetchAuctionData(ctx context.Context, tx Tx, hash common.Hash, auctionID coresettle.AuctionID, decoded *settlementabi.Settlement) (*coresettle.AuctionData, error) {
	receipt, err := r.eth.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("fetch receipt: %w", err)
	}
	if receipt == nil {
		return nil, fmt.Errorf("no receipt found for %s", hash)
	}

	auctionPrices, err := tx.GetAuctionPrices(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("fetch auction prices: %w", err)
	}
	externalPrices := settlementabi.NewExternalPrices(r.eth.Contracts().WETH(), auctionPrices)

	surplus := decoded.TotalSurplus(externalPrices)
	allFees := decoded.AllFees(externalPrices, r.eth.Contracts().SettlementDomainSeparator())

	fee := big.NewInt(0)
	executions := make([]coresettle.OrderExecution, 0, len(allFees))
	for _, f := range allFees {
		fee.Add(fee, f.Native)
		executions = append(executions, coresettle.OrderExecution{
			Order:              f.Order,
			ExecutedSurplusFee: f.ExecutedSurplusFee,
		})
	}

	return &coresettle.AuctionData{
		Surplus:           surplus,
		Fee:               fee,
		GasUsed:           receipt.GasUsed,
		EffectiveGasPrice: receipt.EffectiveGasPrice,
		OrderExecutions:   executions,
	}, nil
}
