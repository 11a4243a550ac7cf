package submission

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/coresettle"
)

var errFakeNonce = errors.New("rpc: nonce lookup failed")

func testSigner(t *testing.T) Signer {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return NewSigner(key)
}

func testTx(to common.Address) Tx {
	return Tx{To: to, Value: big.NewInt(0)}
}

func testGas() coresettle.Gas {
	return coresettle.Gas{
		Limit: 21_000,
		Price: coresettle.GasPrice{MaxFeePerGas: big.NewInt(100), MaxPriorityFeePerGas: big.NewInt(2)},
	}
}

func TestPublicMempoolSubmitSignsAndBroadcasts(t *testing.T) {
	eth := newFakeEth()
	signer := testSigner(t)
	m := NewPublicMempool("public", MempoolConfig{Kind: KindPublicEnabled}, eth, big.NewInt(1), signer, true)

	hash, err := m.Submit(context.Background(), testTx(common.HexToAddress("0xbeef")), testGas(), signer.Solver())
	assert.NoError(t, err)
	assert.NotEqual(t, common.Hash{}, hash)
	assert.True(t, m.MayRevert())
}

func TestPublicMempoolSubmitPropagatesNonceError(t *testing.T) {
	eth := newFakeEth()
	eth.nonceErr = errFakeNonce
	signer := testSigner(t)
	m := NewPublicMempool("public", MempoolConfig{}, eth, big.NewInt(1), signer, false)

	_, err := m.Submit(context.Background(), testTx(common.HexToAddress("0xbeef")), testGas(), signer.Solver())
	assert.ErrorIs(t, err, errFakeNonce)
}

func TestPrivateMempoolSubmitPostsSignedTxToRelay(t *testing.T) {
	var gotPath string
	var gotBody map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(relaySubmitResponse{TxHash: "0xfeed"})
	}))
	defer server.Close()

	eth := newFakeEth()
	signer := testSigner(t)
	m := NewPrivateMempool("private", MempoolConfig{Kind: KindPrivate}, eth, big.NewInt(1), signer, server.URL+"/relay")

	hash, err := m.Submit(context.Background(), testTx(common.HexToAddress("0xbeef")), testGas(), signer.Solver())
	assert.NoError(t, err)
	assert.NotEqual(t, common.Hash{}, hash)
	assert.Equal(t, "/relay", gotPath)
	assert.NotEmpty(t, gotBody["tx"])
	assert.False(t, m.MayRevert())
}

func TestPrivateMempoolSubmitReturnsRelayError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(relaySubmitResponse{Error: "nonce too low"})
	}))
	defer server.Close()

	eth := newFakeEth()
	signer := testSigner(t)
	m := NewPrivateMempool("private", MempoolConfig{}, eth, big.NewInt(1), signer, server.URL)

	_, err := m.Submit(context.Background(), testTx(common.HexToAddress("0xbeef")), testGas(), signer.Solver())
	assert.ErrorContains(t, err, "nonce too low")
}

func TestSignerSolverAddressMatchesKey(t *testing.T) {
	signer := testSigner(t)
	assert.NotEqual(t, common.Address{}, signer.Solver().Address)
}
