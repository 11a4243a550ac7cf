// Package ethadapter narrows github.com/ethereum/go-ethereum down to the
// handful of operations the submission engine and the reconciler need,
// so those packages depend on an interface instead of *ethclient.Client.
package ethadapter

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// TxStatus mirrors the three states a submitted transaction can be in
// from the submission engine's point of view.
type TxStatus int

const (
	StatusPending TxStatus = iota
	StatusExecuted
	StatusReverted
)

// Block is the minimal header the submission engine watches for.
type Block struct {
	Number    uint64
	Hash      common.Hash
	Timestamp uint64
}

// Contracts exposes the handful of deployment addresses the reconciler
// and submission engine need to resolve.
type Contracts interface {
	WETH() common.Address
	Settlement() common.Address
	SettlementDomainSeparator() common.Hash
}

// RevertError is returned by EstimateGas when the simulated call itself
// reverted, as opposed to an infrastructure failure (RPC timeout, etc).
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string { return fmt.Sprintf("execution reverted: %s", e.Reason) }

// IsRevert reports whether err is (or wraps) a RevertError.
func IsRevert(err error) bool {
	var revertErr *RevertError
	return errors.As(err, &revertErr)
}

// Ethereum is the narrow capability surface C3 and C4 consume. The
// go-ethereum backed implementation below satisfies it; tests substitute
// a fake.
type Ethereum interface {
	CurrentBlock() <-chan Block
	Transaction(ctx context.Context, hash common.Hash) (*types.Transaction, common.Address, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	TransactionStatus(ctx context.Context, hash common.Hash) (TxStatus, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) error
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	SuggestedNonce(ctx context.Context, from common.Address) (uint64, error)
	Contracts() Contracts
}

// Client wraps *ethclient.Client to satisfy Ethereum.
type Client struct {
	rpc       *ethclient.Client
	contracts Contracts
	blocks    chan Block
}

// NewClient dials rpcURL and starts the block-head subscription that
// feeds CurrentBlock. The returned Client keeps its connection and
// subscription open for the life of the process; it has no Close method.
func NewClient(rpcURL string, contracts Contracts) (*Client, error) {
	rpc, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rpc: %w", err)
	}
	c := &Client{rpc: rpc, contracts: contracts, blocks: make(chan Block, 16)}
	go c.watchBlocks()
	return c, nil
}

func (c *Client) watchBlocks() {
	heads := make(chan *types.Header, 16)
	sub, err := c.rpc.SubscribeNewHead(context.Background(), heads)
	if err != nil {
		// Polling RPC endpoints don't support subscriptions; the block
		// channel simply stays empty and callers fall back to their
		// per-mempool deadline.
		return
	}
	defer sub.Unsubscribe()
	for h := range heads {
		select {
		case c.blocks <- Block{Number: h.Number.Uint64(), Hash: h.Hash(), Timestamp: h.Time}:
		default:
			// Drop if the reader is behind; only the latest head matters.
		}
	}
}

func (c *Client) CurrentBlock() <-chan Block { return c.blocks }

func (c *Client) Transaction(ctx context.Context, hash common.Hash) (*types.Transaction, common.Address, error) {
	tx, isPending, err := c.rpc.TransactionByHash(ctx, hash)
	if err == ethereum.NotFound {
		return nil, common.Address{}, nil
	}
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("failed to fetch transaction %s: %w", hash, err)
	}
	from, err := c.rpc.TransactionSender(ctx, tx, hash, 0)
	if err != nil && !isPending {
		signer := types.LatestSignerForChainID(tx.ChainId())
		if f, serr := types.Sender(signer, tx); serr == nil {
			from = f
			err = nil
		}
	}
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("failed to recover sender for %s: %w", hash, err)
	}
	return tx, from, nil
}

func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	receipt, err := c.rpc.TransactionReceipt(ctx, hash)
	if err == ethereum.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch receipt for %s: %w", hash, err)
	}
	return receipt, nil
}

func (c *Client) TransactionStatus(ctx context.Context, hash common.Hash) (TxStatus, error) {
	receipt, err := c.TransactionReceipt(ctx, hash)
	if err != nil {
		return StatusPending, err
	}
	if receipt == nil {
		return StatusPending, nil
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return StatusExecuted, nil
	}
	return StatusReverted, nil
}

func (c *Client) EstimateGas(ctx context.Context, call ethereum.CallMsg) error {
	_, err := c.rpc.EstimateGas(ctx, call)
	if err == nil {
		return nil
	}
	if isRevertRPCError(err) {
		return &RevertError{Reason: err.Error()}
	}
	return fmt.Errorf("failed to simulate transaction: %w", err)
}

func isRevertRPCError(err error) bool {
	type dataError interface {
		ErrorData() interface{}
	}
	_, ok := err.(dataError)
	return ok
}

func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := c.rpc.SendTransaction(ctx, tx); err != nil {
		return fmt.Errorf("failed to submit transaction: %w", err)
	}
	return nil
}

func (c *Client) SuggestedNonce(ctx context.Context, from common.Address) (uint64, error) {
	nonce, err := c.rpc.PendingNonceAt(ctx, from)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch nonce for %s: %w", from, err)
	}
	return nonce, nil
}

func (c *Client) Contracts() Contracts { return c.contracts }

// ChainID returns the chain id the underlying RPC endpoint reports, used
// by callers that need to sign transactions locally.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := c.rpc.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chain id: %w", err)
	}
	return id, nil
}

// StaticContracts is the simplest Contracts implementation: fixed
// addresses read once from configuration.
type StaticContracts struct {
	WETHAddr              common.Address
	SettlementAddr        common.Address
	DomainSeparatorValue  common.Hash
}

func (s StaticContracts) WETH() common.Address                    { return s.WETHAddr }
func (s StaticContracts) Settlement() common.Address               { return s.SettlementAddr }
func (s StaticContracts) SettlementDomainSeparator() common.Hash   { return s.DomainSeparatorValue }

// GasPriceOf converts a *big.Int wei value into a friendlier decimal
// string for logging.
func GasPriceOf(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	gwei := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e9))
	return fmt.Sprintf("%.2f gwei", gwei)
}
