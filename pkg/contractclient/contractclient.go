// Package contractclient is a thin ABI-aware wrapper around
// *ethclient.Client: given a deployed contract's address and ABI, it
// fetches a transaction's calldata, decodes it into method name plus
// named arguments, and evaluates read-only calls.
package contractclient

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// DecodedCall is a transaction's calldata resolved against a contract ABI.
type DecodedCall struct {
	MethodName string
	Inputs     map[string]interface{}
}

// CallOpts pins a Call to a historical block; nil means latest.
type CallOpts struct {
	BlockNumber *big.Int
}

// ContractClient decodes and calls against a single deployed contract.
type ContractClient struct {
	rpc     *ethclient.Client
	address common.Address
	abi     abi.ABI
}

// NewContractClient builds a client for address, decoding and calling
// against it using contractABI.
func NewContractClient(rpc *ethclient.Client, address common.Address, contractABI abi.ABI) *ContractClient {
	return &ContractClient{rpc: rpc, address: address, abi: contractABI}
}

// TransactionData fetches hash's input data over RPC.
func (c *ContractClient) TransactionData(hash common.Hash) ([]byte, error) {
	tx, _, err := c.rpc.TransactionByHash(context.Background(), hash)
	if err != nil {
		return nil, fmt.Errorf("contractclient: fetch transaction %s: %w", hash, err)
	}
	return tx.Data(), nil
}

// DecodeTransaction resolves data's 4-byte selector against the client's
// ABI and unpacks the remaining bytes into named arguments.
func (c *ContractClient) DecodeTransaction(data []byte) (*DecodedCall, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("contractclient: calldata shorter than a selector")
	}
	method, err := c.abi.MethodById(data[:4])
	if err != nil {
		return nil, fmt.Errorf("contractclient: unknown selector %x: %w", data[:4], err)
	}
	args := make(map[string]interface{})
	if err := method.Inputs.UnpackIntoMap(args, data[4:]); err != nil {
		return nil, fmt.Errorf("contractclient: unpack %s: %w", method.Name, err)
	}
	return &DecodedCall{MethodName: method.Name, Inputs: args}, nil
}

// DecodeTransactionHex is a convenience wrapper accepting a 0x-prefixed
// hex string instead of raw bytes.
func (c *ContractClient) DecodeTransactionHex(hexData string) (*DecodedCall, error) {
	return c.DecodeTransaction(common.FromHex(hexData))
}

// Call evaluates a read-only method against the block opts pins (or
// latest, if opts is nil).
func (c *ContractClient) Call(opts *CallOpts, method string, args ...interface{}) ([]interface{}, error) {
	input, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("contractclient: pack %s: %w", method, err)
	}
	var blockNumber *big.Int
	if opts != nil {
		blockNumber = opts.BlockNumber
	}
	output, err := c.rpc.CallContract(context.Background(), ethereum.CallMsg{
		To:   &c.address,
		Data: input,
	}, blockNumber)
	if err != nil {
		return nil, fmt.Errorf("contractclient: call %s: %w", method, err)
	}
	return c.abi.Unpack(method, output)
}
