// Package settlementabi decodes the ABI-encoded calldata a settlement
// transaction carries on-chain, recovering the trailing auction-id
// metadata the solver appends and the per-trade limit amounts needed to
// recompute surplus and fees without a second order-book lookup.
package settlementabi

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/relaymesh/coresettle"
)

// settleABIJSON is the minimal ABI fragment for the settlement contract's
// entrypoint. Trades carry their original order's limit sell/buy amounts
// inline (as GPv2-style settlements do) so surplus can be recomputed from
// the calldata alone.
const settleABIJSON = `[{
  "name": "settle",
  "type": "function",
  "inputs": [
    {"name": "tokens", "type": "address[]"},
    {"name": "clearingPrices", "type": "uint256[]"},
    {"name": "trades", "type": "tuple[]", "components": [
      {"name": "sellTokenIndex", "type": "uint256"},
      {"name": "buyTokenIndex", "type": "uint256"},
      {"name": "receiver", "type": "address"},
      {"name": "sellAmount", "type": "uint256"},
      {"name": "buyAmount", "type": "uint256"},
      {"name": "validTo", "type": "uint32"},
      {"name": "appData", "type": "bytes32"},
      {"name": "feeAmount", "type": "uint256"},
      {"name": "flags", "type": "uint256"},
      {"name": "executedAmount", "type": "uint256"},
      {"name": "signature", "type": "bytes"}
    ]},
    {"name": "interactions", "type": "bytes[]"}
  ],
  "outputs": []
}]`

var settleMethod abi.Method

func init() {
	parsed, err := abi.JSON(strings.NewReader(settleABIJSON))
	if err != nil {
		panic(fmt.Sprintf("settlementabi: invalid embedded ABI: %v", err))
	}
	settleMethod = parsed.Methods["settle"]
}

// metadataLen is the fixed width of the auction-id suffix appended after
// the ABI-encoded call arguments.
const metadataLen = 8

// rawTrade mirrors the ABI tuple's field order for abi.ConvertType.
type rawTrade struct {
	SellTokenIndex *big.Int
	BuyTokenIndex  *big.Int
	Receiver       common.Address
	SellAmount     *big.Int
	BuyAmount      *big.Int
	ValidTo        uint32
	AppData        [32]byte
	FeeAmount      *big.Int
	Flags          *big.Int
	ExecutedAmount *big.Int
	Signature      []byte
}

// Trade is one decoded settlement trade: the order's limit amounts plus
// what was actually executed against the settlement's clearing prices.
type Trade struct {
	SellTokenIndex    uint64
	BuyTokenIndex     uint64
	Receiver          common.Address
	SellAmount        *big.Int // order limit sell amount
	BuyAmount         *big.Int // order limit buy amount
	ValidTo           uint32
	AppData           [32]byte
	FeeAmount         *big.Int
	ExecutedAmount    *big.Int
	Kind              coresettle.OrderKind
	PartiallyFillable bool
}

// decodeFlags unpacks the GPv2-style trade flags bitmask: bit 0 selects
// sell/buy, bit 1 selects partial-fill. Higher bits (balance source/
// destination, signing scheme) are not needed by the reconciler.
func decodeFlags(raw *big.Int) (coresettle.OrderKind, bool) {
	v := raw.Uint64()
	kind := coresettle.OrderKindSell
	if v&0x1 != 0 {
		kind = coresettle.OrderKindBuy
	}
	return kind, v&0x2 != 0
}

// Settlement is the decoded form of a settlement transaction's calldata.
type Settlement struct {
	Tokens         []common.Address
	ClearingPrices []*big.Int
	Trades         []Trade
	Metadata       *int64 // recovered auction id; Decode always sets it and reports missing trailing bytes as an error
}

// Decode parses input (a transaction's raw Input field, selector
// included) into a Settlement. An error, or a nil Metadata on the
// returned Settlement, both mean the caller should treat this as
// unrecoverable calldata.
func Decode(input []byte) (*Settlement, error) {
	if len(input) < 4+metadataLen {
		return nil, fmt.Errorf("settlementabi: input too short (%d bytes) to hold a selector and metadata", len(input))
	}

	selector := input[:4]
	if string(selector) != string(settleMethod.ID) {
		return nil, fmt.Errorf("settlementabi: selector %x does not match settle()", selector)
	}

	body := input[4 : len(input)-metadataLen]
	metadataBytes := input[len(input)-metadataLen:]

	args, err := settleMethod.Inputs.Unpack(body)
	if err != nil {
		return nil, fmt.Errorf("settlementabi: failed to unpack settle() args: %w", err)
	}
	if len(args) != 4 {
		return nil, fmt.Errorf("settlementabi: expected 4 settle() args, got %d", len(args))
	}

	tokens, ok := args[0].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("settlementabi: tokens arg has unexpected type %T", args[0])
	}
	clearingPrices, ok := args[1].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("settlementabi: clearingPrices arg has unexpected type %T", args[1])
	}
	rawTrades, err := convertTrades(args[2])
	if err != nil {
		return nil, err
	}
	if len(tokens) != len(clearingPrices) {
		return nil, fmt.Errorf("settlementabi: %d tokens but %d clearing prices", len(tokens), len(clearingPrices))
	}

	trades := make([]Trade, len(rawTrades))
	for i, rt := range rawTrades {
		kind, partiallyFillable := decodeFlags(rt.Flags)
		if err := validTradeIndex(rt.SellTokenIndex, len(tokens)); err != nil {
			return nil, err
		}
		if err := validTradeIndex(rt.BuyTokenIndex, len(tokens)); err != nil {
			return nil, err
		}
		trades[i] = Trade{
			SellTokenIndex:    rt.SellTokenIndex.Uint64(),
			BuyTokenIndex:     rt.BuyTokenIndex.Uint64(),
			Receiver:          rt.Receiver,
			SellAmount:        rt.SellAmount,
			BuyAmount:         rt.BuyAmount,
			ValidTo:           rt.ValidTo,
			AppData:           rt.AppData,
			FeeAmount:         rt.FeeAmount,
			ExecutedAmount:    rt.ExecutedAmount,
			Kind:              kind,
			PartiallyFillable: partiallyFillable,
		}
	}

	id := int64(binary.BigEndian.Uint64(metadataBytes))
	return &Settlement{
		Tokens:         tokens,
		ClearingPrices: clearingPrices,
		Trades:         trades,
		Metadata:       &id,
	}, nil
}

func validTradeIndex(idx *big.Int, n int) error {
	if !idx.IsUint64() || idx.Uint64() >= uint64(n) {
		return fmt.Errorf("settlementabi: token index %s out of range for %d tokens", idx, n)
	}
	return nil
}

// convertTrades converts the anonymous tuple-array type abi.Unpack
// produces into our named rawTrade slice. abi.ConvertType performs the
// same field-by-field reflect conversion abigen-generated bindings rely
// on for tuple outputs.
func convertTrades(arg interface{}) ([]rawTrade, error) {
	converted, ok := abi.ConvertType(arg, new([]rawTrade)).(*[]rawTrade)
	if !ok || converted == nil {
		return nil, fmt.Errorf("settlementabi: could not convert trades tuple array (got %T)", arg)
	}
	return *converted, nil
}
