package safety

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthProvider adapts an RPC client to BalanceProvider.
type EthProvider struct {
	client *ethclient.Client
}

// DialProvider connects to a chain's RPC endpoint.
func DialProvider(ctx context.Context, rpcURL string) (*EthProvider, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	return &EthProvider{client: client}, nil
}

// NewEthProvider wraps an existing client.
func NewEthProvider(client *ethclient.Client) *EthProvider {
	return &EthProvider{client: client}
}

// BalanceAt reads the latest native balance of an address.
func (p *EthProvider) BalanceAt(ctx context.Context, address string) (*big.Int, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid address %q", address)
	}
	return p.client.BalanceAt(ctx, common.HexToAddress(address), nil)
}

// Close releases the underlying connection.
func (p *EthProvider) Close() {
	p.client.Close()
}
