package arbitration

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/acal-network/arbitro/internal/escrow"
)

var (
	maker = common.HexToAddress("0x00000000000000000000000000000000000000A1")
	taker = common.HexToAddress("0x00000000000000000000000000000000000000B2")
)

// fakeContract is an in-memory escrow.Resolver.
type fakeContract struct {
	mu      sync.Mutex
	orders  map[int64]*escrow.OrderSnapshot
	nextID  int64
	readErr map[int64]error
	nextErr error

	submitErr  error
	receiptErr error
	landAnyway bool // on receiptErr, still complete the order

	receiptDelay time.Duration

	submits []int64
	reads   int
}

var _ escrow.Resolver = (*fakeContract)(nil)

func newFakeContract() *fakeContract {
	return &fakeContract{orders: map[int64]*escrow.OrderSnapshot{}, readErr: map[int64]error{}}
}

func (f *fakeContract) put(id int64, status escrow.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[id] = &escrow.OrderSnapshot{
		ID:     big.NewInt(id),
		Maker:  maker,
		Taker:  taker,
		MXN:    big.NewInt(100),
		MON:    big.NewInt(1e18),
		Expiry: big.NewInt(time.Now().Add(time.Hour).Unix()),
		Status: status,
	}
	if id >= f.nextID {
		f.nextID = id + 1
	}
}

func (f *fakeContract) status(id int64) escrow.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orders[id].Status
}

func (f *fakeContract) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

func (f *fakeContract) submitted() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.submits...)
}

func (f *fakeContract) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func (f *fakeContract) GetOrder(_ context.Context, id *big.Int) (*escrow.OrderSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if err := f.readErr[id.Int64()]; err != nil {
		return nil, err
	}
	o, ok := f.orders[id.Int64()]
	if !ok {
		return &escrow.OrderSnapshot{ID: new(big.Int).Set(id), Status: escrow.StatusOpen}, nil
	}
	cp := *o
	return &cp, nil
}

func (f *fakeContract) NextID(context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nextErr != nil {
		return nil, f.nextErr
	}
	return big.NewInt(f.nextID), nil
}

func (f *fakeContract) Arbitro(context.Context) (common.Address, error) {
	return common.HexToAddress("0x00000000000000000000000000000000000000C3"), nil
}

func (f *fakeContract) SubmitResolveDispute(_ context.Context, id *big.Int, verdict escrow.Verdict) (*escrow.PendingTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submits = append(f.submits, id.Int64())
	return &escrow.PendingTx{
		Hash:        common.BigToHash(big.NewInt(int64(len(f.submits)))),
		OrderID:     new(big.Int).Set(id),
		Verdict:     verdict,
		SubmittedAt: time.Now(),
	}, nil
}

func (f *fakeContract) WaitForReceipt(_ context.Context, tx *escrow.PendingTx, _ time.Duration) (*types.Receipt, error) {
	f.mu.Lock()
	delay := f.receiptDelay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiptErr != nil {
		if f.landAnyway {
			f.orders[tx.OrderID.Int64()].Status = escrow.StatusCompleted
		}
		return nil, f.receiptErr
	}
	f.orders[tx.OrderID.Int64()].Status = escrow.StatusCompleted
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: tx.Hash}, nil
}

var errRPC = errors.New("connection refused")
