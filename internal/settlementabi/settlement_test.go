package settlementabi

import (
	"encoding/binary"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"

	"github.com/relaymesh/coresettle"
)

type packedTrade struct {
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

func buildCalldata(t *testing.T, auctionID int64, trades []packedTrade, tokens []common.Address, clearingPrices []*big.Int) []byte {
	t.Helper()
	packed, err := settleMethod.Inputs.Pack(tokens, clearingPrices, trades, [][]byte{})
	if err != nil {
		t.Fatalf("pack args: %v", err)
	}
	data := append([]byte{}, settleMethod.ID...)
	data = append(data, packed...)
	suffix := make([]byte, 8)
	binary.BigEndian.PutUint64(suffix, uint64(auctionID))
	return append(data, suffix...)
}

func TestDecode_RoundTripsSellOrder(t *testing.T) {
	sell := common.HexToAddress("0x000000000000000000000000000000000000aa")
	buy := common.HexToAddress("0x000000000000000000000000000000000000bb")

	trades := []packedTrade{{
		SellTokenIndex: big.NewInt(0),
		BuyTokenIndex:  big.NewInt(1),
		Receiver:       common.HexToAddress("0x000000000000000000000000000000000000cc"),
		SellAmount:     big.NewInt(1000),
		BuyAmount:      big.NewInt(900),
		ValidTo:        12345,
		FeeAmount:      big.NewInt(10),
		Flags:          big.NewInt(0), // sell, fill-or-kill
		ExecutedAmount: big.NewInt(1000),
		Signature:      []byte{0x01, 0x02},
	}}

	calldata := buildCalldata(t, 7, trades, []common.Address{sell, buy}, []*big.Int{big.NewInt(1e9), big.NewInt(1e9)})

	decoded, err := Decode(calldata)
	assert.NoError(t, err)
	if assert.NotNil(t, decoded.Metadata) {
		assert.EqualValues(t, 7, *decoded.Metadata)
	}
	assert.Equal(t, []common.Address{sell, buy}, decoded.Tokens)
	assert.Len(t, decoded.Trades, 1)
	got := decoded.Trades[0]
	assert.Equal(t, coresettle.OrderKindSell, got.Kind)
	assert.False(t, got.PartiallyFillable)
	assert.Equal(t, big.NewInt(1000), got.SellAmount)
	assert.Equal(t, big.NewInt(900), got.BuyAmount)
	assert.EqualValues(t, 12345, got.ValidTo)
}

func TestDecode_PartiallyFillableBuyOrderFlag(t *testing.T) {
	trades := []packedTrade{{
		SellTokenIndex: big.NewInt(0),
		BuyTokenIndex:  big.NewInt(1),
		Receiver:       common.Address{},
		SellAmount:     big.NewInt(500),
		BuyAmount:      big.NewInt(400),
		FeeAmount:      big.NewInt(1),
		Flags:          big.NewInt(0x3), // buy (bit0) + partially fillable (bit1)
		ExecutedAmount: big.NewInt(200),
		Signature:      []byte{},
	}}
	calldata := buildCalldata(t, 1, trades,
		[]common.Address{{}, {0x01}}, []*big.Int{big.NewInt(1), big.NewInt(1)})

	decoded, err := Decode(calldata)
	assert.NoError(t, err)
	got := decoded.Trades[0]
	assert.Equal(t, coresettle.OrderKindBuy, got.Kind)
	assert.True(t, got.PartiallyFillable)
}

func TestDecode_RejectsShortInput(t *testing.T) {
	_, err := Decode([]byte{0x01, 0x02, 0x03})
	assert.Error(t, err)
}

func TestDecode_RejectsMismatchedSelector(t *testing.T) {
	calldata := buildCalldata(t, 1,
		[]packedTrade{}, []common.Address{}, []*big.Int{})
	calldata[0] ^= 0xFF
	_, err := Decode(calldata)
	assert.Error(t, err)
}

func TestTotalSurplusAndAllFees_FillOrKillSellOrder(t *testing.T) {
	sell := common.HexToAddress("0x000000000000000000000000000000000000aa")
	buy := common.HexToAddress("0x000000000000000000000000000000000000bb")

	// Limit price: sell 1000 for at least 900. Clearing prices deliver
	// 1000 sell atoms worth 950 buy atoms: 50 atoms of buy-token surplus.
	settlement := &Settlement{
		Tokens:         []common.Address{sell, buy},
		ClearingPrices: []*big.Int{big.NewInt(950), big.NewInt(1000)},
		Trades: []Trade{{
			SellTokenIndex: 0,
			BuyTokenIndex:  1,
			Receiver:       common.HexToAddress("0x01"),
			SellAmount:     big.NewInt(1000),
			BuyAmount:      big.NewInt(900),
			FeeAmount:      big.NewInt(10),
			ExecutedAmount: big.NewInt(1000),
			Kind:           coresettle.OrderKindSell,
		}},
	}

	prices := NewExternalPrices(buy, map[common.Address]*big.Int{
		sell: big.NewInt(1_000_000_000_000_000_000),
		buy:  big.NewInt(1_000_000_000_000_000_000),
	})

	surplus := settlement.TotalSurplus(prices)
	assert.True(t, surplus.Sign() > 0)

	fees := settlement.AllFees(prices, common.HexToHash("0x01"))
	if assert.Len(t, fees, 1) {
		assert.Equal(t, big.NewInt(10), fees[0].ExecutedSurplusFee)
		assert.Equal(t, big.NewInt(10), fees[0].Native)
	}
}

func TestTotalSurplus_NeverNegativePerTrade(t *testing.T) {
	sell := common.HexToAddress("0x01")
	buy := common.HexToAddress("0x02")
	settlement := &Settlement{
		Tokens:         []common.Address{sell, buy},
		ClearingPrices: []*big.Int{big.NewInt(100), big.NewInt(100)},
		Trades: []Trade{{
			SellTokenIndex: 0,
			BuyTokenIndex:  1,
			SellAmount:     big.NewInt(1000),
			BuyAmount:      big.NewInt(2000), // unfavourable limit, can't be met
			FeeAmount:      big.NewInt(0),
			ExecutedAmount: big.NewInt(1000),
			Kind:           coresettle.OrderKindSell,
		}},
	}
	prices := NewExternalPrices(buy, nil)
	surplus := settlement.TotalSurplus(prices)
	assert.Equal(t, big.NewInt(0), surplus)
}

func TestExecutedFeeAmount_PartiallyFillableScalesByFraction(t *testing.T) {
	trade := Trade{
		SellAmount:        big.NewInt(1000),
		FeeAmount:         big.NewInt(100),
		ExecutedAmount:    big.NewInt(500),
		PartiallyFillable: true,
		Kind:              coresettle.OrderKindSell,
	}
	assert.Equal(t, big.NewInt(50), trade.executedFeeAmount())
}
