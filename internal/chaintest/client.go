// Package chaintest provides an in-memory JSON-RPC client for tests.
package chaintest

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrNotFound mirrors ethereum.NotFound for receipts that are not mined yet.
var ErrNotFound = ethereum.NotFound

// Client is a scriptable stand-in for *ethclient.Client. Zero values give
// a healthy chain with id 10143 and no state.
type Client struct {
	mu sync.Mutex

	ChainIDValue *big.Int
	ChainIDErr   error

	Head       uint64
	HeadErr    error
	BlockTimes map[uint64]uint64

	// CallFn answers eth_call. Nil returns an error.
	CallFn func(call ethereum.CallMsg) ([]byte, error)

	Nonce    uint64
	GasPrice *big.Int
	GasLimit uint64
	GasErr   error

	// SendFn, if set, decides the result of eth_sendRawTransaction.
	SendFn func(tx *types.Transaction) error
	Sent   []*types.Transaction

	// ReceiptFn, if set, answers eth_getTransactionReceipt.
	ReceiptFn func(hash common.Hash) (*types.Receipt, error)
	Receipts  map[common.Hash]*types.Receipt

	Logs    []types.Log
	LogsErr error

	closed bool
	calls  map[string]int
}

func (c *Client) count(method string) {
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[method]++
}

// Calls returns how many times method was invoked.
func (c *Client) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

// Closed reports whether Close was called.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SentTxs returns a copy of the submitted transactions.
func (c *Client) SentTxs() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.Transaction(nil), c.Sent...)
}

// SetReceipt registers a receipt for hash.
func (c *Client) SetReceipt(hash common.Hash, r *types.Receipt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Receipts == nil {
		c.Receipts = make(map[common.Hash]*types.Receipt)
	}
	c.Receipts[hash] = r
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count("eth_chainId")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.ChainIDErr != nil {
		return nil, c.ChainIDErr
	}
	if c.ChainIDValue != nil {
		return new(big.Int).Set(c.ChainIDValue), nil
	}
	return big.NewInt(10143), nil
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count("eth_blockNumber")
	return c.Head, c.HeadErr
}

func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count("eth_getBlockByNumber")
	n := c.Head
	if number != nil {
		n = number.Uint64()
	}
	ts, ok := c.BlockTimes[n]
	if !ok {
		ts = 1_700_000_000 + n
	}
	return &types.Header{Number: new(big.Int).SetUint64(n), Time: ts}, nil
}

func (c *Client) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	c.mu.Lock()
	fn := c.CallFn
	c.count("eth_call")
	c.mu.Unlock()
	if fn == nil {
		return nil, errors.New("chaintest: no CallFn")
	}
	return fn(call)
}

func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count("eth_getTransactionCount")
	return c.Nonce, nil
}

func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count("eth_gasPrice")
	if c.GasPrice != nil {
		return new(big.Int).Set(c.GasPrice), nil
	}
	return big.NewInt(50_000_000_000), nil
}

func (c *Client) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count("eth_estimateGas")
	if c.GasErr != nil {
		return 0, c.GasErr
	}
	if c.GasLimit != 0 {
		return c.GasLimit, nil
	}
	return 90_000, nil
}

func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	fn := c.SendFn
	c.count("eth_sendRawTransaction")
	c.mu.Unlock()

	if fn != nil {
		if err := fn(tx); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.Sent = append(c.Sent, tx)
	c.Nonce++
	c.mu.Unlock()
	return nil
}

func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	fn := c.ReceiptFn
	c.count("eth_getTransactionReceipt")
	r, ok := c.Receipts[txHash]
	c.mu.Unlock()

	if fn != nil {
		return fn(txHash)
	}
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count("eth_getLogs")
	if c.LogsErr != nil {
		return nil, c.LogsErr
	}
	var out []types.Log
	for _, l := range c.Logs {
		if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if len(q.Addresses) > 0 && !containsAddr(q.Addresses, l.Address) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func containsAddr(list []common.Address, a common.Address) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}
