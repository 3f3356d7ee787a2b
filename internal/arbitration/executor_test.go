package arbitration

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acal-network/arbitro/internal/escrow"
	"github.com/acal-network/arbitro/internal/ledger"
)

func newTestExecutor(c escrow.Resolver, opts ...ExecutorOption) *Executor {
	return NewExecutor(c, append([]ExecutorOption{WithReceiptGrace(0)}, opts...)...)
}

func TestExecutor_ResolvesDisputed(t *testing.T) {
	c := newFakeContract()
	c.put(7, escrow.StatusDisputed)
	records := ledger.NewMemoryStore()
	e := newTestExecutor(c, WithRecorder(records))

	out := e.Resolve(context.Background(), big.NewInt(7), escrow.VerdictFavorMaker, ledger.TriggerManual)
	require.Equal(t, Resolved, out.Kind, out.Reason())
	assert.NotEmpty(t, out.TxHash)
	assert.Equal(t, escrow.StatusCompleted, c.status(7))

	recs, err := records.ListResolutions(context.Background(), "7")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "resolved", recs[0].Outcome)
	assert.Equal(t, ledger.TriggerManual, recs[0].Trigger)
	assert.Equal(t, out.TxHash, recs[0].TxHash)
}

func TestExecutor_IdempotentOnCompleted(t *testing.T) {
	c := newFakeContract()
	c.put(3, escrow.StatusLocked)
	e := newTestExecutor(c)

	first := e.Resolve(context.Background(), big.NewInt(3), escrow.VerdictFavorMaker, ledger.TriggerManual)
	require.Equal(t, Resolved, first.Kind)

	for i := 0; i < 2; i++ {
		out := e.Resolve(context.Background(), big.NewInt(3), escrow.VerdictFavorMaker, ledger.TriggerManual)
		assert.Equal(t, NotResolvable, out.Kind)
		assert.Equal(t, escrow.StatusCompleted, out.Status)
		assert.Contains(t, out.Reason(), "COMPLETED")
	}
	assert.Equal(t, 1, c.submitCount())
}

func TestExecutor_NotResolvableStatuses(t *testing.T) {
	for _, st := range []escrow.Status{escrow.StatusOpen, escrow.StatusCompleted, escrow.StatusCancelled, escrow.StatusExpired} {
		t.Run(st.String(), func(t *testing.T) {
			c := newFakeContract()
			c.put(1, st)
			out := newTestExecutor(c).Resolve(context.Background(), big.NewInt(1), escrow.VerdictFavorMaker, ledger.TriggerManual)
			assert.Equal(t, NotResolvable, out.Kind)
			assert.Zero(t, c.submitCount())
		})
	}
}

func TestExecutor_AmbiguousReceiptButLanded(t *testing.T) {
	c := newFakeContract()
	c.put(5, escrow.StatusDisputed)
	c.receiptErr = fmt.Errorf("%w: waiting", escrow.ErrReceiptTimeout)
	c.landAnyway = true

	out := newTestExecutor(c).Resolve(context.Background(), big.NewInt(5), escrow.VerdictFavorMaker, ledger.TriggerPoller)
	assert.Equal(t, Resolved, out.Kind)
	assert.NotEmpty(t, out.TxHash)
	assert.Equal(t, 2, c.readCount(), "initial read plus re-check")
}

func TestExecutor_AmbiguousReceiptNotLanded(t *testing.T) {
	c := newFakeContract()
	c.put(5, escrow.StatusDisputed)
	c.receiptErr = fmt.Errorf("%w: waiting", escrow.ErrReceiptTimeout)

	out := newTestExecutor(c).Resolve(context.Background(), big.NewInt(5), escrow.VerdictFavorMaker, ledger.TriggerPoller)
	assert.Equal(t, Failed, out.Kind)
	assert.True(t, errors.Is(out.Err, escrow.ErrReceiptTimeout), "keeps the original receipt error")
	assert.Equal(t, 2, c.readCount())
}

func TestExecutor_AmbiguousRecheckReadFails(t *testing.T) {
	c := newFakeContract()
	c.put(5, escrow.StatusDisputed)
	c.receiptErr = errRPC
	e := newTestExecutor(c)
	e.sleep = func(context.Context, time.Duration) error {
		c.mu.Lock()
		c.readErr[5] = errors.New("node down")
		c.mu.Unlock()
		return nil
	}

	out := e.Resolve(context.Background(), big.NewInt(5), escrow.VerdictFavorMaker, ledger.TriggerPoller)
	assert.Equal(t, Failed, out.Kind)
	assert.ErrorIs(t, out.Err, errRPC)
}

func TestExecutor_RevertedSkipsRecheck(t *testing.T) {
	c := newFakeContract()
	c.put(5, escrow.StatusDisputed)
	c.receiptErr = &escrow.TxError{Op: "confirm", TxHash: "0xabc", Err: escrow.ErrTransactionReverted}
	c.landAnyway = true // would flip to Completed if a re-check happened

	out := newTestExecutor(c).Resolve(context.Background(), big.NewInt(5), escrow.VerdictFavorMaker, ledger.TriggerPoller)
	assert.Equal(t, Failed, out.Kind)
	assert.ErrorIs(t, out.Err, escrow.ErrTransactionReverted)
	assert.Equal(t, 1, c.readCount())
}

func TestExecutor_SubmitErrorSkipsRecheck(t *testing.T) {
	c := newFakeContract()
	c.put(5, escrow.StatusLocked)
	c.submitErr = &escrow.TxError{Op: "submit", TxHash: "0xdead", Err: errors.New("execution reverted: not arbitro")}

	out := newTestExecutor(c).Resolve(context.Background(), big.NewInt(5), escrow.VerdictFavorTaker, ledger.TriggerManual)
	assert.Equal(t, Failed, out.Kind)
	assert.Equal(t, "0xdead", out.TxHash)
	assert.Contains(t, out.Reason(), "not arbitro")
	assert.Equal(t, 1, c.readCount())
}

func TestExecutor_ReadErrorFails(t *testing.T) {
	c := newFakeContract()
	c.readErr[9] = errRPC

	out := newTestExecutor(c).Resolve(context.Background(), big.NewInt(9), escrow.VerdictFavorMaker, ledger.TriggerManual)
	assert.Equal(t, Failed, out.Kind)
	assert.ErrorIs(t, out.Err, errRPC)
	assert.Zero(t, c.submitCount())
}

func TestExecutor_ConcurrentCallsSubmitOnce(t *testing.T) {
	c := newFakeContract()
	c.put(11, escrow.StatusDisputed)
	e := newTestExecutor(c)

	var wg sync.WaitGroup
	results := make([]Outcome, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = e.Resolve(context.Background(), big.NewInt(11), escrow.VerdictFavorMaker, ledger.TriggerPayment)
		}(i)
	}
	wg.Wait()

	resolved := 0
	for _, r := range results {
		if r.Kind == Resolved {
			resolved++
		} else {
			assert.Equal(t, NotResolvable, r.Kind)
		}
	}
	assert.Equal(t, 1, resolved)
	assert.Equal(t, 1, c.submitCount())
}

func TestOutcomeKind_String(t *testing.T) {
	assert.Equal(t, "resolved", Resolved.String())
	assert.Equal(t, "not_resolvable", NotResolvable.String())
	assert.Equal(t, "failed", Failed.String())
}
