package settlementabi

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/relaymesh/coresettle"
)

// wad is the fixed-point scale external (native) prices are expressed in:
// price[token] is how much native currency one atom of token is worth,
// scaled by 1e18.
var wad = big.NewInt(1_000_000_000_000_000_000)

// ExternalPrices is a settlement's reference price table, used only to
// convert atom amounts into native-currency value for surplus/fee
// ranking. It never participates in computing executed amounts; that
// uses the settlement's own ClearingPrices.
type ExternalPrices map[common.Address]*big.Int

// NewExternalPrices merges an auction's recorded reference prices with
// the fixed 1:1 native price of weth.
func NewExternalPrices(weth common.Address, auctionPrices map[common.Address]*big.Int) ExternalPrices {
	merged := make(ExternalPrices, len(auctionPrices)+1)
	for token, price := range auctionPrices {
		merged[token] = price
	}
	merged[weth] = new(big.Int).Set(wad)
	return merged
}

// NativeValue converts atoms of token into native-currency value. Missing
// prices and nil amounts both value at zero rather than erroring: a
// settlement can reference a token the auction never priced.
func (p ExternalPrices) NativeValue(token common.Address, atoms *big.Int) *big.Int {
	price, ok := p[token]
	if !ok || atoms == nil {
		return big.NewInt(0)
	}
	v := new(big.Int).Mul(atoms, price)
	return v.Div(v, wad)
}

// Fee is one trade's surplus fee, valued in native currency and
// attributed to the order it was charged against.
type Fee struct {
	Order              coresettle.OrderUid
	Native             *big.Int
	ExecutedSurplusFee *big.Int
}

// TotalSurplus sums each trade's surplus, valued in native currency via
// prices. A trade's surplus is the gap between what the trader's limit
// price required and what the settlement's clearing prices actually
// delivered; it is floored at zero per trade, since a solver can never be
// credited for an unfavourable fill.
func (s *Settlement) TotalSurplus(prices ExternalPrices) *big.Int {
	total := big.NewInt(0)
	for _, t := range s.Trades {
		total.Add(total, s.tradeSurplusNative(t, prices))
	}
	return total
}

func (s *Settlement) tradeSurplusNative(t Trade, prices ExternalPrices) *big.Int {
	sellToken := s.Tokens[t.SellTokenIndex]
	buyToken := s.Tokens[t.BuyTokenIndex]
	sellPrice := s.ClearingPrices[t.SellTokenIndex]
	buyPrice := s.ClearingPrices[t.BuyTokenIndex]

	switch t.Kind {
	case coresettle.OrderKindBuy:
		executedBuy := t.BuyAmount
		if t.PartiallyFillable {
			executedBuy = t.ExecutedAmount
		}
		limitSell := mulDivFloor(executedBuy, t.SellAmount, t.BuyAmount)
		actualSell := mulDivFloor(executedBuy, buyPrice, sellPrice)
		surplusAtoms := new(big.Int).Sub(limitSell, actualSell)
		if surplusAtoms.Sign() <= 0 {
			return big.NewInt(0)
		}
		return prices.NativeValue(sellToken, surplusAtoms)
	default:
		executedSell := t.SellAmount
		if t.PartiallyFillable {
			executedSell = t.ExecutedAmount
		}
		limitBuy := mulDivFloor(executedSell, t.BuyAmount, t.SellAmount)
		actualBuy := mulDivFloor(executedSell, sellPrice, buyPrice)
		surplusAtoms := new(big.Int).Sub(actualBuy, limitBuy)
		if surplusAtoms.Sign() <= 0 {
			return big.NewInt(0)
		}
		return prices.NativeValue(buyToken, surplusAtoms)
	}
}

// AllFees returns the per-order surplus fee for every trade in the
// settlement. domainSeparator ties the recovered order identifier to the
// same 56-byte digest||owner||validTo encoding the orderbook assigns.
func (s *Settlement) AllFees(prices ExternalPrices, domainSeparator common.Hash) []Fee {
	fees := make([]Fee, 0, len(s.Trades))
	for _, t := range s.Trades {
		sellToken := s.Tokens[t.SellTokenIndex]
		feeAtoms := t.executedFeeAmount()
		fees = append(fees, Fee{
			Order:              tradeOrderUID(domainSeparator, t),
			Native:             prices.NativeValue(sellToken, feeAtoms),
			ExecutedSurplusFee: feeAtoms,
		})
	}
	return fees
}

// executedFeeAmount scales the order's total fee by how much of the
// order was actually filled; fill-or-kill trades always execute in full.
func (t Trade) executedFeeAmount() *big.Int {
	if !t.PartiallyFillable {
		return t.FeeAmount
	}
	if t.Kind == coresettle.OrderKindBuy {
		return mulDivFloor(t.FeeAmount, t.ExecutedAmount, t.BuyAmount)
	}
	return mulDivFloor(t.FeeAmount, t.ExecutedAmount, t.SellAmount)
}

// tradeOrderUID rebuilds the 56-byte order identifier (32-byte struct
// digest, 20-byte owner/receiver, 4-byte validTo) the same way the
// orderbook assigns one, so the reconciler's fee attribution lines up
// with the order rows the in-flight tracker and auction builder key on.
func tradeOrderUID(domainSeparator common.Hash, t Trade) coresettle.OrderUid {
	digest := crypto.Keccak256(
		domainSeparator[:],
		t.AppData[:],
		t.SellAmount.Bytes(),
		t.BuyAmount.Bytes(),
		t.FeeAmount.Bytes(),
		uint32Bytes(t.ValidTo),
	)

	var uid coresettle.OrderUid
	copy(uid[:32], digest)
	copy(uid[32:52], t.Receiver[:])
	copy(uid[52:56], uint32Bytes(t.ValidTo))
	return uid
}

func uint32Bytes(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// mulDivFloor computes floor(a*b/c), the fixed-point arithmetic GPv2-style
// settlements use throughout to keep clearing-price math exact.
func mulDivFloor(a, b, c *big.Int) *big.Int {
	if c == nil || c.Sign() == 0 {
		return big.NewInt(0)
	}
	v := new(big.Int).Mul(a, b)
	return v.Div(v, c)
}
