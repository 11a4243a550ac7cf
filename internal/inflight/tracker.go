// Package inflight hides or down-scales orders that have just been
// submitted to a mempool but whose fill the off-chain indexer has not
// yet observed, so the next auction never double-counts them.
//
// Tracker is not safe for concurrent MarkSettled/UpdateAndFilter calls;
// callers (the auction-building loop) must serialise access themselves.
package inflight

import (
	"math/big"

	"github.com/relaymesh/coresettle"
)

// Execution is the per-trade delta a settlement applied to one order,
// expressed in the same units as the order's executed_* counters.
type Execution struct {
	SellAmount *big.Int
	BuyAmount  *big.Int
	FeeAmount  *big.Int
}

// SettledTrade is one order's contribution to a settlement that has been
// submitted but not yet indexed.
type SettledTrade struct {
	Order      coresettle.Order
	Executions []Execution
}

type snapshot struct {
	order coresettle.Order
	execs []Execution
}

// Tracker is the in-flight order tracker (C2).
type Tracker struct {
	byBlock map[uint64]map[coresettle.OrderUid]struct{}
	trades  map[coresettle.OrderUid]snapshot
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		byBlock: make(map[uint64]map[coresettle.OrderUid]struct{}),
		trades:  make(map[coresettle.OrderUid]snapshot),
	}
}

// MarkSettled records every traded order UID under block. Partially
// fillable orders additionally get their trade snapshot stored (or
// replaced, if one already existed for this UID); fill-or-kill orders
// only need the block-keyed UID set, since they are dropped wholesale
// rather than de-rated.
func (t *Tracker) MarkSettled(block uint64, trades []SettledTrade) {
	uids, ok := t.byBlock[block]
	if !ok {
		uids = make(map[coresettle.OrderUid]struct{})
		t.byBlock[block] = uids
	}
	for _, st := range trades {
		uids[st.Order.UID] = struct{}{}
		if st.Order.PartiallyFillable {
			t.trades[st.Order.UID] = snapshot{order: st.Order.Clone(), execs: st.Executions}
		}
	}
}

// UpdateAndFilter mutates auction.Orders in place, removing fully
// exhausted or fill-or-kill in-flight orders and de-rating partially
// fillable in-flight orders by their in-flight executions. It returns
// the set of order UIDs that were in flight during this call.
func (t *Tracker) UpdateAndFilter(auction *coresettle.Auction) map[coresettle.OrderUid]struct{} {
	for block := range t.byBlock {
		if block <= auction.LatestSettlementBlock {
			delete(t.byBlock, block)
		}
	}

	stillInFlight := make(map[coresettle.OrderUid]struct{})
	for _, uids := range t.byBlock {
		for uid := range uids {
			stillInFlight[uid] = struct{}{}
		}
	}
	for uid := range t.trades {
		if _, ok := stillInFlight[uid]; !ok {
			delete(t.trades, uid)
		}
	}

	filtered := auction.Orders[:0:0]
	for _, order := range auction.Orders {
		_, inFlight := stillInFlight[order.UID]
		if order.PartiallyFillable {
			if snap, ok := t.trades[order.UID]; ok && inFlight {
				order = snap.order.Clone()
				applyExecutions(&order, snap.execs)
			}
		} else if inFlight {
			order.ExecutedBuy = new(big.Int).Set(order.BuyAmount)
			order.ExecutedSellBeforeFees = new(big.Int).Set(order.SellAmount)
		}
		if order.HasRemaining() {
			filtered = append(filtered, order)
		}
	}
	auction.Orders = filtered
	return stillInFlight
}

// applyExecutions adds a snapshot's trade deltas onto an order's
// cumulative executed counters, matching invariant #4: ExecutedBuy +=
// Δbuy, ExecutedSellBeforeFees += Δsell, ExecutedSell += Δsell+Δfee,
// ExecutedFee += Δfee.
func applyExecutions(order *coresettle.Order, execs []Execution) {
	for _, e := range execs {
		order.ExecutedBuy = addBig(order.ExecutedBuy, e.BuyAmount)
		order.ExecutedSellBeforeFees = addBig(order.ExecutedSellBeforeFees, e.SellAmount)
		sellPlusFee := new(big.Int).Add(nonNil(e.SellAmount), nonNil(e.FeeAmount))
		order.ExecutedSell = addBig(order.ExecutedSell, sellPlusFee)
		order.ExecutedFee = addBig(order.ExecutedFee, e.FeeAmount)
	}
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}

func addBig(a, b *big.Int) *big.Int {
	return new(big.Int).Add(nonNil(a), nonNil(b))
}
