package submission

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/relaymesh/coresettle"
	"github.com/relaymesh/coresettle/internal/ethadapter"
)

// Signer wraps the solver key used to sign transactions handed to a
// mempool. The submission engine never sees the key itself, only the
// Solver{Address} it identifies.
type Signer struct {
	address common.Address
	key     *ecdsa.PrivateKey
}

// NewSigner derives the solver address from key.
func NewSigner(key *ecdsa.PrivateKey) Signer {
	return Signer{address: crypto.PubkeyToAddress(key.PublicKey), key: key}
}

func (s Signer) Solver() Solver { return Solver{Address: s.address} }

func (s Signer) sign(chainID *big.Int, nonce uint64, tx Tx, gas coresettle.Gas) (*types.Transaction, error) {
	dyn := &types.DynamicFeeTx{
		ChainID:    chainID,
		Nonce:      nonce,
		GasTipCap:  nonNilBig(gas.Price.MaxPriorityFeePerGas),
		GasFeeCap:  nonNilBig(gas.Price.MaxFeePerGas),
		Gas:        gas.Limit,
		To:         &tx.To,
		Value:      nonNilBig(tx.Value),
		Data:       tx.Input,
		AccessList: toAccessList(tx.AccessList),
	}
	return types.SignNewTx(s.key, types.LatestSignerForChainID(chainID), dyn)
}

func nonNilBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}

// PublicMempool submits a locally-signed transaction straight to the
// node's p2p mempool via the Ethereum adapter. Whether it offers revert
// protection is purely a configuration choice (e.g. it fronts a
// revert-protected RPC endpoint rather than broadcasting raw p2p), hence
// the Kind/MayRevert fields travel in MempoolConfig rather than being
// hardcoded by type.
type PublicMempool struct {
	name      string
	cfg       MempoolConfig
	eth       ethadapter.Ethereum
	chainID   *big.Int
	signer    Signer
	mayRevert bool
}

// NewPublicMempool builds a mempool that hands signed transactions to eth
// directly. mayRevert should be false when the endpoint it fronts
// guarantees a failing simulation is never broadcast.
func NewPublicMempool(name string, cfg MempoolConfig, eth ethadapter.Ethereum, chainID *big.Int, signer Signer, mayRevert bool) *PublicMempool {
	return &PublicMempool{name: name, cfg: cfg, eth: eth, chainID: chainID, signer: signer, mayRevert: mayRevert}
}

func (m *PublicMempool) Name() string          { return m.name }
func (m *PublicMempool) Config() MempoolConfig { return m.cfg }
func (m *PublicMempool) MayRevert() bool       { return m.mayRevert }

func (m *PublicMempool) Submit(ctx context.Context, tx Tx, gas coresettle.Gas, solver Solver) (common.Hash, error) {
	nonce, err := m.eth.SuggestedNonce(ctx, solver.Address)
	if err != nil {
		return common.Hash{}, fmt.Errorf("mempool %s: fetch nonce for %s: %w", m.name, solver.Address, err)
	}
	signed, err := m.signer.sign(m.chainID, nonce, tx, gas)
	if err != nil {
		return common.Hash{}, fmt.Errorf("mempool %s: sign transaction: %w", m.name, err)
	}
	if err := m.eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("mempool %s: broadcast: %w", m.name, err)
	}
	return signed.Hash(), nil
}

// PrivateMempool forwards a locally-signed transaction to an off-chain
// relay over HTTP instead of the public p2p network, so a reverting
// transaction is simply never included rather than mined and burning
// gas. This is the "Boundary" path §6 describes: same Mempool contract,
// a different transport underneath.
type PrivateMempool struct {
	name      string
	cfg       MempoolConfig
	eth       ethadapter.Ethereum
	chainID   *big.Int
	signer    Signer
	relayURL  string
	client    *http.Client
}

// NewPrivateMempool builds a mempool that forwards signed transactions as
// raw RLP hex to relayURL, a generic bundle-relay endpoint accepting
// {"tx": "0x..."} and returning {"txHash": "0x..."}.
func NewPrivateMempool(name string, cfg MempoolConfig, eth ethadapter.Ethereum, chainID *big.Int, signer Signer, relayURL string) *PrivateMempool {
	return &PrivateMempool{
		name:     name,
		cfg:      cfg,
		eth:      eth,
		chainID:  chainID,
		signer:   signer,
		relayURL: relayURL,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (m *PrivateMempool) Name() string          { return m.name }
func (m *PrivateMempool) Config() MempoolConfig { return m.cfg }
func (m *PrivateMempool) MayRevert() bool       { return false }

type relaySubmitRequest struct {
	Tx string `json:"tx"`
}

type relaySubmitResponse struct {
	TxHash string `json:"txHash"`
	Error  string `json:"error"`
}

func (m *PrivateMempool) Submit(ctx context.Context, tx Tx, gas coresettle.Gas, solver Solver) (common.Hash, error) {
	nonce, err := m.eth.SuggestedNonce(ctx, solver.Address)
	if err != nil {
		return common.Hash{}, fmt.Errorf("mempool %s: fetch nonce for %s: %w", m.name, solver.Address, err)
	}
	signed, err := m.signer.sign(m.chainID, nonce, tx, gas)
	if err != nil {
		return common.Hash{}, fmt.Errorf("mempool %s: sign transaction: %w", m.name, err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return common.Hash{}, fmt.Errorf("mempool %s: encode transaction: %w", m.name, err)
	}

	body, err := json.Marshal(relaySubmitRequest{Tx: "0x" + common.Bytes2Hex(raw)})
	if err != nil {
		return common.Hash{}, fmt.Errorf("mempool %s: encode relay request: %w", m.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.relayURL, bytes.NewReader(body))
	if err != nil {
		return common.Hash{}, fmt.Errorf("mempool %s: build relay request: %w", m.name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return common.Hash{}, fmt.Errorf("mempool %s: relay request failed: %w", m.name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return common.Hash{}, fmt.Errorf("mempool %s: read relay response: %w", m.name, err)
	}
	var parsed relaySubmitResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return common.Hash{}, fmt.Errorf("mempool %s: parse relay response: %w", m.name, err)
	}
	if resp.StatusCode >= 300 || parsed.Error != "" {
		return common.Hash{}, fmt.Errorf("mempool %s: relay rejected submission: %s", m.name, parsed.Error)
	}
	return signed.Hash(), nil
}
