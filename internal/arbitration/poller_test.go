package arbitration

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acal-network/arbitro/internal/dedup"
	"github.com/acal-network/arbitro/internal/escrow"
	"github.com/acal-network/arbitro/internal/ledger"
)

type recordingResolver struct {
	calls    []string
	verdicts []escrow.Verdict
	kind     OutcomeKind
}

func (r *recordingResolver) Resolve(_ context.Context, id *big.Int, v escrow.Verdict, trigger string) Outcome {
	r.calls = append(r.calls, id.String()+"/"+trigger)
	r.verdicts = append(r.verdicts, v)
	return Outcome{Kind: r.kind}
}

func TestPoller_ResolvesDisputeOnce(t *testing.T) {
	c := newFakeContract()
	for i := int64(0); i < 12; i++ {
		c.put(i, escrow.StatusOpen)
	}
	c.put(7, escrow.StatusDisputed)
	claims := dedup.NewMemoryTracker()
	p := NewPoller(c, newTestExecutor(c), claims)

	report, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(12), report.NextID)
	assert.Equal(t, 10, report.Scanned)
	assert.Equal(t, 1, report.Disputed)
	assert.Equal(t, 1, report.Resolved)
	assert.Equal(t, escrow.StatusCompleted, c.status(7))

	claimed, _ := claims.IsClaimed(context.Background(), "7")
	assert.True(t, claimed, "resolved orders stay claimed")

	// even if the chain still showed DISPUTED, the claim blocks a resubmit
	c.put(7, escrow.StatusDisputed)
	_, err = p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, c.submitCount())
	assert.NotNil(t, p.LastRun())
}

func TestPoller_OverlappingTicksSubmitOnce(t *testing.T) {
	c := newFakeContract()
	for i := int64(0); i < 6; i++ {
		c.put(i, escrow.StatusOpen)
	}
	c.put(2, escrow.StatusDisputed)
	c.put(4, escrow.StatusDisputed)
	c.receiptDelay = 20 * time.Millisecond

	p := NewPoller(c, newTestExecutor(c), dedup.NewMemoryTracker())

	const ticks = 4
	start := make(chan struct{})
	reports := make([]*PollReport, ticks)
	var wg sync.WaitGroup
	for i := 0; i < ticks; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			report, err := p.RunOnce(context.Background())
			assert.NoError(t, err)
			reports[i] = report
		}()
	}
	close(start)
	wg.Wait()

	assert.ElementsMatch(t, []int64{2, 4}, c.submitted())
	resolved := 0
	for _, r := range reports {
		require.NotNil(t, r)
		resolved += r.Resolved
	}
	assert.Equal(t, 2, resolved)
	assert.Equal(t, escrow.StatusCompleted, c.status(2))
	assert.Equal(t, escrow.StatusCompleted, c.status(4))
}

func TestPoller_WindowClampsAtZero(t *testing.T) {
	c := newFakeContract()
	c.put(0, escrow.StatusDisputed)
	c.put(2, escrow.StatusOpen)
	r := &recordingResolver{kind: Resolved}
	p := NewPoller(c, r, dedup.NewMemoryTracker())

	report, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, []string{"0/" + ledger.TriggerPoller}, r.calls)
}

func TestPoller_ScansOnlyNewestWindow(t *testing.T) {
	c := newFakeContract()
	c.put(1, escrow.StatusDisputed) // outside [20-5, 20)
	c.put(19, escrow.StatusDisputed)
	r := &recordingResolver{kind: Resolved}
	p := NewPoller(c, r, dedup.NewMemoryTracker(), WithWindow(5))

	_, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"19/poller"}, r.calls)
}

func TestPoller_FailureReleasesClaim(t *testing.T) {
	c := newFakeContract()
	c.put(4, escrow.StatusDisputed)
	claims := dedup.NewMemoryTracker()
	r := &recordingResolver{kind: Failed}
	p := NewPoller(c, r, claims)

	report, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 0, claims.Len())

	_, err = p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Len(t, r.calls, 2, "retried on the next run")
}

func TestPoller_SkipsClaimedAndUnreadable(t *testing.T) {
	c := newFakeContract()
	c.put(2, escrow.StatusDisputed)
	c.put(3, escrow.StatusDisputed)
	c.readErr[3] = errRPC
	claims := dedup.NewMemoryTracker()
	_, _ = claims.TryClaim(context.Background(), "2")
	r := &recordingResolver{kind: Resolved}
	p := NewPoller(c, r, claims)

	report, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, report.Disputed)
	assert.Equal(t, 0, report.Claimed)
	assert.Empty(t, r.calls)
}

func TestPoller_ConfigurableVerdict(t *testing.T) {
	c := newFakeContract()
	c.put(0, escrow.StatusDisputed)
	r := &recordingResolver{kind: Resolved}
	p := NewPoller(c, r, dedup.NewMemoryTracker(), WithDisputeVerdict(escrow.VerdictSplit))

	_, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []escrow.Verdict{escrow.VerdictSplit}, r.verdicts)
}

func TestPoller_NextIDError(t *testing.T) {
	c := newFakeContract()
	c.nextErr = errRPC
	p := NewPoller(c, &recordingResolver{}, dedup.NewMemoryTracker())

	_, err := p.RunOnce(context.Background())
	assert.ErrorIs(t, err, errRPC)
	assert.Nil(t, p.LastRun())
}

func TestPoller_StartStop(t *testing.T) {
	c := newFakeContract()
	c.put(0, escrow.StatusDisputed)
	p := NewPoller(c, newTestExecutor(c), dedup.NewMemoryTracker(),
		WithInitialDelay(0), WithInterval(5*time.Millisecond))

	go p.Start(context.Background())

	require.Eventually(t, func() bool { return c.submitCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, p.Running, time.Second, time.Millisecond)
	p.Stop()
	assert.False(t, p.Running())
	p.Stop() // idempotent
	assert.Equal(t, 1, c.submitCount())
}

func TestPoller_StopsOnContextCancel(t *testing.T) {
	c := newFakeContract()
	p := NewPoller(c, &recordingResolver{}, dedup.NewMemoryTracker(), WithInitialDelay(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop on cancel")
	}
}
