// Package submission implements the settlement submission engine (C3):
// a parallel race across configured mempools with revert protection,
// cancellation-by-replacement, and mid-flight simulation re-checks.
package submission

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"github.com/relaymesh/coresettle"
	"github.com/relaymesh/coresettle/internal/ethadapter"
	"github.com/relaymesh/coresettle/internal/metrics"
)

// gasPriceBump is the minimum overpay factor EIP-1559 requires to replace
// a pending transaction at the same nonce.
const gasPriceBump = 1.125

// cancellationGasAmount is the fixed gas limit for the self-transfer used
// to cancel a stuck settlement.
const cancellationGasAmount = 21_000

// RevertProtection describes whether the configured mempool set
// guarantees a settled solution will never be mined reverted.
type RevertProtection int

const (
	RevertProtectionEnabled RevertProtection = iota
	RevertProtectionDisabled
)

// MempoolKind tags the transport a Mempool implementation rides on.
type MempoolKind int

const (
	KindPublicEnabled MempoolKind = iota
	KindPublicDisabled
	KindPrivate
)

func (k MempoolKind) metricsLabel() string {
	switch k {
	case KindPublicEnabled:
		return "public_enabled"
	case KindPublicDisabled:
		return "public_disabled"
	default:
		return "private"
	}
}

// MempoolConfig is the static configuration of one mempool.
type MempoolConfig struct {
	Kind      MempoolKind
	Deadline  time.Time
	MayRevert bool
}

// Tx is the transaction the engine asks a mempool to submit.
type Tx struct {
	From       common.Address
	To         common.Address
	Value      *big.Int
	Input      []byte
	AccessList coresettle.AccessListEntries
}

// Solver identifies the address whose key signs submitted transactions.
type Solver struct {
	Address common.Address
}

// Mempool is the narrow capability surface the engine races over.
type Mempool interface {
	Name() string
	Config() MempoolConfig
	MayRevert() bool
	Submit(ctx context.Context, tx Tx, gas coresettle.Gas, solver Solver) (common.Hash, error)
}

var (
	ErrNoMempools       = errors.New("no mempools configured, cannot execute settlements")
	ErrSimulationRevert = errors.New("simulation started reverting during submission")
	ErrExpired          = errors.New("settlement did not get included in time")
	ErrDisabled         = errors.New("strategy disabled for this tx")
	// ErrRaceLost is returned by a mempool task that was still monitoring
	// its submission when a sibling mempool won the race; it is not a
	// deadline expiry and never triggers cancellation.
	ErrRaceLost = errors.New("a sibling mempool won the race")
)

// RevertedError reports a transaction that was mined but failed.
type RevertedError struct {
	TxHash common.Hash
}

func (e *RevertedError) Error() string {
	return fmt.Sprintf("mined reverted transaction: %s", e.TxHash)
}

// OtherError wraps an infrastructure failure, including a cancellation
// failure that leaves the nonce unrecoverable.
type OtherError struct {
	Err error
}

func (e *OtherError) Error() string { return fmt.Sprintf("failed to submit: %v", e.Err) }
func (e *OtherError) Unwrap() error { return e.Err }

// Engine is the settlement submission engine (C3).
type Engine struct {
	mempools []Mempool
	eth      ethadapter.Ethereum
	metrics  *metrics.Handle
}

// NewEngine constructs an Engine racing over mempools. Restoring the
// original's NoMempools guard: an engine with zero mempools can never
// succeed, so construction fails fast instead of racing an empty set.
func NewEngine(mempools []Mempool, eth ethadapter.Ethereum, metricsHandle *metrics.Handle) (*Engine, error) {
	if len(mempools) == 0 {
		return nil, ErrNoMempools
	}
	return &Engine{mempools: mempools, eth: eth, metrics: metricsHandle}, nil
}

// RevertProtection is Disabled iff any configured mempool is
// Public{Disabled}; otherwise Enabled.
func (e *Engine) RevertProtection() RevertProtection {
	for _, m := range e.mempools {
		if m.Config().Kind == KindPublicDisabled {
			return RevertProtectionDisabled
		}
	}
	return RevertProtectionEnabled
}

type raceResult struct {
	hash common.Hash
	err  error
}

// Execute races the settlement across every configured mempool and
// returns the first success, cancelling the rest. If every mempool
// fails, the first error to arrive is returned (completion order, not
// configuration order).
func (e *Engine) Execute(ctx context.Context, solver Solver, settlement *coresettle.Settlement) (common.Hash, error) {
	raceCtx, cancelLosers := context.WithCancel(ctx)
	defer cancelLosers()

	results := make(chan raceResult, len(e.mempools))
	var g errgroup.Group
	for _, mempool := range e.mempools {
		mempool := mempool
		g.Go(func() error {
			hash, err := e.submitOne(ctx, raceCtx, mempool, solver, settlement)
			outcome := classifyOutcome(err)
			e.metrics.ObserveMempoolOutcome(mempool.Config().Kind.metricsLabel(), outcome)
			select {
			case results <- raceResult{hash: hash, err: err}:
			case <-raceCtx.Done():
			}
			return nil
		})
	}

	go func() {
		g.Wait()
		close(results)
	}()

	var firstErr error
	count := 0
	for res := range results {
		count++
		if res.err == nil {
			cancelLosers()
			return res.hash, nil
		}
		if firstErr == nil {
			firstErr = res.err
		}
		if count == len(e.mempools) {
			break
		}
	}
	if firstErr == nil {
		firstErr = &OtherError{Err: errors.New("no mempool produced a result")}
	}
	return common.Hash{}, firstErr
}

func classifyOutcome(err error) metrics.MempoolOutcome {
	switch {
	case err == nil:
		return metrics.MempoolOutcomeExecuted
	case errors.As(err, new(*RevertedError)):
		return metrics.MempoolOutcomeReverted
	case errors.Is(err, ErrSimulationRevert):
		return metrics.MempoolOutcomeSimulationRevert
	case errors.Is(err, ErrExpired):
		return metrics.MempoolOutcomeExpired
	case errors.Is(err, ErrDisabled):
		return metrics.MempoolOutcomeDisabled
	case errors.Is(err, ErrRaceLost):
		return metrics.MempoolOutcomeRaceLost
	default:
		return metrics.MempoolOutcomeOther
	}
}

// submitOne drives a single mempool's submission and monitoring loop.
// raceCtx is shared across all mempools in this Execute call and is
// cancelled the instant one of them wins; ctx is the caller's own
// context, used to bound the absolute deadline so a sibling's win never
// masquerades as this mempool's own deadline expiring.
func (e *Engine) submitOne(ctx, raceCtx context.Context, mempool Mempool, solver Solver, settlement *coresettle.Settlement) (common.Hash, error) {
	if settlement.Revertable && e.RevertProtection() == RevertProtectionEnabled && mempool.MayRevert() {
		return common.Hash{}, ErrDisabled
	}

	tx := Tx{
		From:       solver.Address,
		To:         e.eth.Contracts().Settlement(),
		Value:      big.NewInt(0),
		AccessList: settlement.AccessList,
	}
	hash, err := mempool.Submit(raceCtx, tx, settlement.Gas, solver)
	if err != nil {
		return common.Hash{}, fmt.Errorf("submit via %s: %w", mempool.Name(), &OtherError{Err: err})
	}

	deadline := mempool.Config().Deadline
	deadlineCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	blocks := e.eth.CurrentBlock()
	for {
		select {
		case <-raceCtx.Done():
			// A sibling mempool already won; stop monitoring quietly
			// rather than treating this as our own deadline expiring.
			return common.Hash{}, ErrRaceLost
		case <-deadlineCtx.Done():
			log.Printf("submission: %s not confirmed by deadline, cancelling", hash)
			if cancelErr := e.cancel(ctx, mempool, settlement.Gas.Price, solver); cancelErr != nil {
				return common.Hash{}, &OtherError{Err: fmt.Errorf("expired and cancellation failed: %w", cancelErr)}
			}
			return common.Hash{}, ErrExpired
		case <-blocks:
		}

		status, err := e.eth.TransactionStatus(ctx, hash)
		if err != nil {
			log.Printf("submission: failed to read status for %s: %v", hash, err)
			status = ethadapter.StatusPending
		}
		switch status {
		case ethadapter.StatusExecuted:
			return hash, nil
		case ethadapter.StatusReverted:
			return common.Hash{}, &RevertedError{TxHash: hash}
		case ethadapter.StatusPending:
			if simErr := e.eth.EstimateGas(ctx, toCallMsg(tx)); simErr != nil {
				if ethadapter.IsRevert(simErr) {
					log.Printf("submission: %s started failing in mempool, cancelling", hash)
					if cancelErr := e.cancel(ctx, mempool, settlement.Gas.Price, solver); cancelErr != nil {
						return common.Hash{}, &OtherError{Err: fmt.Errorf("simulation revert and cancellation failed: %w", cancelErr)}
					}
					return common.Hash{}, ErrSimulationRevert
				}
				log.Printf("submission: couldn't re-simulate %s: %v", hash, simErr)
			}
		}
	}
}

// cancel sends a no-op self-transfer at a bumped gas price through the
// same mempool that accepted the original submission, replacing it at
// the same nonce.
func (e *Engine) cancel(ctx context.Context, mempool Mempool, pending coresettle.GasPrice, solver Solver) error {
	cancellation := Tx{
		From:  solver.Address,
		To:    solver.Address,
		Value: big.NewInt(0),
	}
	gas := coresettle.Gas{
		Estimate: cancellationGasAmount,
		Limit:    cancellationGasAmount,
		Price:    pending.Scale(gasPriceBump),
	}
	_, err := mempool.Submit(ctx, cancellation, gas, solver)
	return err
}

func toCallMsg(tx Tx) ethereum.CallMsg {
	return ethereum.CallMsg{
		From:       tx.From,
		To:         &tx.To,
		Value:      tx.Value,
		Data:       tx.Input,
		AccessList: toAccessList(tx.AccessList),
	}
}

func toAccessList(entries coresettle.AccessListEntries) types.AccessList {
	list := make(types.AccessList, 0, len(entries))
	for _, e := range entries {
		list = append(list, types.AccessTuple{Address: e.Address, StorageKeys: e.StorageKeys})
	}
	return list
}
