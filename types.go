// Package coresettle holds the shared domain model for the settlement core:
// orders, auctions, settlements and the on-chain events they produce.
package coresettle

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// OrderUid is the orderbook's 56-byte order identifier.
type OrderUid [56]byte

func (u OrderUid) String() string {
	return common.Bytes2Hex(u[:])
}

// OrderKind distinguishes sell orders (fixed sell amount) from buy orders
// (fixed buy amount).
type OrderKind int

const (
	OrderKindSell OrderKind = iota
	OrderKindBuy
)

// SignatureScheme tags how an order's signature should be verified. The
// core never verifies signatures itself; the tag travels with the order
// for whichever upstream validator produced it.
type SignatureScheme int

const (
	SignatureEip712 SignatureScheme = iota
	SignatureEthSign
	SignaturePreSign
	SignatureEip1271
)

// OrderStatus is the order's lifecycle state as tracked by the orderbook.
type OrderStatus int

const (
	OrderStatusOpen OrderStatus = iota
	OrderStatusPresignaturePending
	OrderStatusFulfilled
	OrderStatusCancelled
	OrderStatusExpired
)

// Order is an immutable user-signed trading intent, together with the
// cumulative execution counters the orderbook maintains as fills land.
type Order struct {
	UID       OrderUid
	SellToken common.Address
	BuyToken  common.Address

	SellAmount *big.Int
	BuyAmount  *big.Int
	FeeAmount  *big.Int

	Kind               OrderKind
	PartiallyFillable  bool
	Owner              common.Address
	Signature          SignatureScheme
	AppDataHash        common.Hash
	AppData            string
	Status             OrderStatus

	ExecutedSellBeforeFees *big.Int
	ExecutedBuy            *big.Int
	ExecutedFee            *big.Int
	ExecutedSell           *big.Int
}

// Clone returns a deep-enough copy for safe mutation by the in-flight
// tracker: the big.Int counters are copied so callers never alias the
// auction-builder's own order slice.
func (o Order) Clone() Order {
	c := o
	c.ExecutedSellBeforeFees = cloneBigInt(o.ExecutedSellBeforeFees)
	c.ExecutedBuy = cloneBigInt(o.ExecutedBuy)
	c.ExecutedFee = cloneBigInt(o.ExecutedFee)
	c.ExecutedSell = cloneBigInt(o.ExecutedSell)
	return c
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// HasRemaining reports whether the order still has amount left to fill,
// using the strict-inequality predicate required by the reconciliation
// algorithm: an order filled exactly to its limit is considered done.
func (o Order) HasRemaining() bool {
	switch o.Kind {
	case OrderKindBuy:
		return o.BuyAmount.Cmp(o.ExecutedBuy) > 0
	default:
		return o.SellAmount.Cmp(o.ExecutedSellBeforeFees) > 0
	}
}

// AuctionID is the monotonic identifier assigned to each auction snapshot.
type AuctionID int64

// Auction is a snapshot of the orders a solver may settle against, plus
// the reference prices used to score competing solutions.
type Auction struct {
	ID                    AuctionID
	Block                 uint64
	LatestSettlementBlock uint64
	Orders                []Order
	ExternalPrices        map[common.Address]*big.Int
}

// GasPrice is an EIP-1559 fee pair.
type GasPrice struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// Scale multiplies both components by factor, rounding down, used by the
// cancellation-by-replacement gas bump.
func (g GasPrice) Scale(factor float64) GasPrice {
	return GasPrice{
		MaxFeePerGas:         scaleBigInt(g.MaxFeePerGas, factor),
		MaxPriorityFeePerGas: scaleBigInt(g.MaxPriorityFeePerGas, factor),
	}
}

func scaleBigInt(v *big.Int, factor float64) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	f := new(big.Float).SetInt(v)
	f.Mul(f, big.NewFloat(factor))
	out, _ := f.Int(nil)
	return out
}

// Gas is the submission engine's plan for a settlement's transaction.
type Gas struct {
	Estimate uint64
	Limit    uint64
	Price    GasPrice
}

// Trade references one order inside a settlement, together with the
// single signed amount the solver chose to execute it at.
type Trade struct {
	Order          OrderUid
	ExecutedAmount *big.Int
}

// TradeExecution is the per-token amounts a trade resolves to once joined
// with the settlement's clearing prices.
type TradeExecution struct {
	SellAmount *big.Int
	BuyAmount  *big.Int
	FeeAmount  *big.Int
}

// Settlement is a solver-produced candidate ready for submission.
type Settlement struct {
	AuctionID      AuctionID
	ClearingPrices map[common.Address]*big.Int
	Trades         []Trade
	AccessList     AccessListEntries
	Gas            Gas
	Revertable     bool
}

// AccessListEntries is the settlement's EIP-2930 access list, copied
// unchanged into the transaction the submission engine submits.
type AccessListEntries []AccessListEntry

// AccessListEntry is a single contract address plus the storage slots the
// settlement transaction is expected to touch.
type AccessListEntry struct {
	Address     common.Address
	StorageKeys []common.Hash
}

// SettlementEvent is the raw on-chain log tuple recorded by the indexer,
// before the reconciler has joined it to an auction.
type SettlementEvent struct {
	BlockNumber uint64
	LogIndex    uint64
	TxHash      common.Hash
}

// OrderExecution is one row of an AuctionData observation: the surplus
// fee charged to a single order within the winning settlement.
type OrderExecution struct {
	Order               OrderUid
	ExecutedSurplusFee  *big.Int
}

// AuctionData is the surplus/fee observation computed once a settlement
// event has been joined back to the auction that produced it.
type AuctionData struct {
	Surplus           *big.Int
	Fee               *big.Int
	GasUsed           uint64
	EffectiveGasPrice *big.Int
	OrderExecutions   []OrderExecution
}

// CachedPrice is one entry of the native price cache: either a cached
// result or a cached error, tagged with when it was computed and when it
// was last asked for.
type CachedPrice struct {
	Price       float64
	Err         error
	UpdatedAt   time.Time
	RequestedAt time.Time
}

// Fresh reports whether the entry is still within maxAge of now.
func (c CachedPrice) Fresh(now time.Time, maxAge time.Duration) bool {
	return now.Sub(c.UpdatedAt) < maxAge
}
