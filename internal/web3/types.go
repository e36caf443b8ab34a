package web3

import (
	"context"
	"math/big"

	gethcore "github.com/ethereum/go-ethereum"
)

// ChainSnapshot is a lightweight view of the chain head.
type ChainSnapshot struct {
	Name        string `json:"name"`
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// ContractCaller executes read-only contract calls.
type ContractCaller interface {
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Client is a connection to a single chain.
type Client interface {
	ContractCaller
	Name() string
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	Close()
}
