package graph

import (
	"context"
	"errors"
	"testing"

	"iouchain/internal/chain"
	"iouchain/internal/chain/sim"
	"iouchain/internal/domain"
	"iouchain/internal/extractor"
	"iouchain/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	contract = domain.Identity("0x048b115b438b2aa664289abc53beca7a0743f597")
	alice    = domain.Identity("0x00000000000000000000000000000000000000a1")
	bob      = domain.Identity("0x00000000000000000000000000000000000000b2")
	carol    = domain.Identity("0x00000000000000000000000000000000000000c3")
	dave     = domain.Identity("0x00000000000000000000000000000000000000d4")
)

type MockLookup struct {
	mock.Mock
}

func (m *MockLookup) LookupBalance(ctx context.Context, debtor, creditor domain.Identity) (domain.Amount, error) {
	args := m.Called(ctx, debtor, creditor)
	return args.Get(0).(domain.Amount), args.Error(1)
}

// staticLookup answers from a fixed table.
type staticLookup map[[2]domain.Identity]domain.Amount

func (s staticLookup) LookupBalance(ctx context.Context, debtor, creditor domain.Identity) (domain.Amount, error) {
	return s[[2]domain.Identity{debtor, creditor}], nil
}

func ts(v int64) *int64 {
	return &v
}

func event(debtor, creditor domain.Identity, amount domain.Amount, at *int64) domain.DebtEvent {
	return domain.DebtEvent{Debtor: debtor, Creditor: creditor, Amount: amount, Timestamp: at}
}

func buildFromChain(t *testing.T, c *sim.Chain) *State {
	t.Helper()
	scan, err := extractor.New(c, chain.DefaultCodec(), extractor.Config{Contract: contract}, logger.NewNop()).
		Scan(context.Background())
	require.NoError(t, err)
	s, err := Build(context.Background(), scan.Tip, scan.Events, c)
	require.NoError(t, err)
	return s
}

func TestBuild_Empty(t *testing.T) {
	s, err := Build(context.Background(), domain.GenesisSentinel, nil, staticLookup{})
	require.NoError(t, err)

	assert.Empty(t, s.Participants())
	assert.Equal(t, uint64(0), s.TotalOwed(alice))
	assert.Equal(t, domain.Amount(0), s.Balance(alice, bob))
	assert.Empty(t, s.Creditors(alice))
	_, ok := s.LastActive(alice)
	assert.False(t, ok)
	assert.True(t, domain.IsGenesis(s.Tip()))
}

func TestBuild_ParticipantsFirstSeenOrder(t *testing.T) {
	events := []domain.DebtEvent{
		event(bob, alice, 1, nil),
		event(carol, bob, 1, nil),
		event(alice, dave, 1, nil),
	}
	s, err := Build(context.Background(), domain.GenesisSentinel, events, staticLookup{})
	require.NoError(t, err)

	assert.Equal(t, []domain.Identity{bob, alice, carol, dave}, s.Participants())
	assert.Equal(t, uint64(3), s.EventCount())
}

func TestBuild_NormalizesIdentities(t *testing.T) {
	upper := domain.Identity("0x00000000000000000000000000000000000000A1")
	s, err := Build(context.Background(), domain.GenesisSentinel,
		[]domain.DebtEvent{event(upper, bob, 1, nil), event(alice, bob, 1, nil)},
		staticLookup{{alice, bob}: 2})
	require.NoError(t, err)

	assert.Equal(t, []domain.Identity{alice, bob}, s.Participants())
	assert.Equal(t, domain.Amount(2), s.Balance(upper, bob))
	assert.True(t, s.Known(upper))
}

func TestBuild_BalancesComeFromLookup(t *testing.T) {
	events := []domain.DebtEvent{
		event(alice, bob, 10, nil),
		event(alice, bob, 10, nil),
	}
	s, err := Build(context.Background(), domain.GenesisSentinel, events, staticLookup{{alice, bob}: 15})
	require.NoError(t, err)

	assert.Equal(t, domain.Amount(15), s.Balance(alice, bob))
	assert.Equal(t, domain.Amount(0), s.Balance(bob, alice))
}

func TestBuild_QueriesEachTouchedPairOnce(t *testing.T) {
	lookup := new(MockLookup)
	lookup.On("LookupBalance", mock.Anything, bob, alice).Return(domain.Amount(50), nil).Once()
	lookup.On("LookupBalance", mock.Anything, carol, bob).Return(domain.Amount(0), nil).Once()
	lookup.On("LookupBalance", mock.Anything, alice, carol).Return(domain.Amount(20), nil).Once()

	events := []domain.DebtEvent{
		event(bob, alice, 100, nil),
		event(carol, bob, 50, nil),
		{Debtor: alice, Creditor: carol, Amount: 70, Path: domain.Path{carol, bob, alice}, NetAmount: 50},
	}
	s, err := Build(context.Background(), domain.GenesisSentinel, events, lookup)
	require.NoError(t, err)

	lookup.AssertExpectations(t)
	assert.Equal(t, []domain.Identity{alice}, s.Creditors(bob))
	assert.Empty(t, s.Creditors(carol))
}

func TestBuild_CycleScenarioAgainstChain(t *testing.T) {
	c := sim.New(contract)
	ctx := context.Background()
	_, err := c.RecordDebt(ctx, chain.RecordDebtRequest{Sender: bob, Creditor: alice, Amount: 100})
	require.NoError(t, err)
	_, err = c.RecordDebt(ctx, chain.RecordDebtRequest{Sender: carol, Creditor: bob, Amount: 50})
	require.NoError(t, err)
	_, err = c.RecordDebt(ctx, chain.RecordDebtRequest{
		Sender: alice, Creditor: carol, Amount: 70, Path: domain.Path{carol, bob, alice}, NetAmount: 50,
	})
	require.NoError(t, err)

	s := buildFromChain(t, c)
	assert.Equal(t, domain.Amount(50), s.Balance(bob, alice))
	assert.Equal(t, domain.Amount(0), s.Balance(carol, bob))
	assert.Equal(t, domain.Amount(20), s.Balance(alice, carol))
	assert.Equal(t, uint64(20), s.TotalOwed(alice))
	assert.Equal(t, uint64(50), s.TotalOwed(bob))
	assert.Equal(t, uint64(0), s.TotalOwed(carol))

	assert.Equal(t, []Edge{
		{Debtor: bob, Creditor: alice, Amount: 50},
		{Debtor: alice, Creditor: carol, Amount: 20},
	}, s.Edges())
}

func TestTotalOwed_DoesNotNetReverseDebts(t *testing.T) {
	events := []domain.DebtEvent{event(alice, bob, 10, nil), event(bob, alice, 4, nil)}
	s, err := Build(context.Background(), domain.GenesisSentinel, events,
		staticLookup{{alice, bob}: 10, {bob, alice}: 4})
	require.NoError(t, err)

	assert.Equal(t, uint64(10), s.TotalOwed(alice))
	assert.Equal(t, uint64(4), s.TotalOwed(bob))
	assert.Equal(t, uint64(0), s.TotalOwed(dave))
}

func TestTotalOwed_SumsAcrossCreditors(t *testing.T) {
	events := []domain.DebtEvent{event(alice, bob, 1, nil), event(alice, carol, 1, nil)}
	s, err := Build(context.Background(), domain.GenesisSentinel, events,
		staticLookup{{alice, bob}: 4_000_000_000, {alice, carol}: 4_000_000_000})
	require.NoError(t, err)

	assert.Equal(t, uint64(8_000_000_000), s.TotalOwed(alice))
}

func TestLastActive_KeepsMaximum(t *testing.T) {
	events := []domain.DebtEvent{
		event(alice, bob, 1, ts(200)),
		event(bob, carol, 1, ts(100)),
		event(carol, dave, 1, nil),
	}
	s, err := Build(context.Background(), domain.GenesisSentinel, events, staticLookup{})
	require.NoError(t, err)

	at, ok := s.LastActive(bob)
	require.True(t, ok)
	assert.Equal(t, int64(200), at)

	at, ok = s.LastActive(carol)
	require.True(t, ok)
	assert.Equal(t, int64(100), at)

	_, ok = s.LastActive(dave)
	assert.False(t, ok)
}

func TestBuild_ReverseDebtTimestampScenario(t *testing.T) {
	times := []int64{5, 9}
	c := sim.New(contract, sim.WithClock(func() int64 {
		now := times[0]
		times = times[1:]
		return now
	}))
	ctx := context.Background()
	_, err := c.RecordDebt(ctx, chain.RecordDebtRequest{Sender: alice, Creditor: bob, Amount: 10})
	require.NoError(t, err)
	_, err = c.RecordDebt(ctx, chain.RecordDebtRequest{Sender: bob, Creditor: alice, Amount: 3})
	require.NoError(t, err)

	s := buildFromChain(t, c)
	assert.Equal(t, []domain.Identity{alice, bob}, s.Participants())

	for _, u := range []domain.Identity{alice, bob} {
		at, ok := s.LastActive(u)
		require.True(t, ok)
		assert.Equal(t, int64(9), at)
	}

	assert.Equal(t, domain.Amount(10), s.Balance(alice, bob))
	assert.Equal(t, domain.Amount(3), s.Balance(bob, alice))
}

func TestCreditors_ParticipantOrder(t *testing.T) {
	events := []domain.DebtEvent{
		event(bob, alice, 1, nil),
		event(carol, dave, 1, nil),
		event(bob, dave, 1, nil),
		event(bob, carol, 1, nil),
	}
	s, err := Build(context.Background(), domain.GenesisSentinel, events,
		staticLookup{{bob, alice}: 1, {bob, dave}: 1, {bob, carol}: 1, {carol, dave}: 1})
	require.NoError(t, err)

	assert.Equal(t, []domain.Identity{alice, carol, dave}, s.Creditors(bob))
}

func TestApply_LeavesReceiverUnchanged(t *testing.T) {
	ctx := context.Background()
	lookup := staticLookup{{alice, bob}: 5}
	base, err := Build(ctx, domain.GenesisSentinel, []domain.DebtEvent{event(alice, bob, 5, ts(1))}, lookup)
	require.NoError(t, err)

	lookup[[2]domain.Identity{alice, bob}] = 0
	lookup[[2]domain.Identity{carol, alice}] = 7
	var tip domain.BlockID
	tip[0] = 1
	next, err := base.Apply(ctx, tip, []domain.DebtEvent{event(carol, alice, 7, ts(9))}, lookup)
	require.NoError(t, err)

	assert.Equal(t, []domain.Identity{alice, bob}, base.Participants())
	assert.Equal(t, domain.Amount(5), base.Balance(alice, bob))
	assert.Equal(t, uint64(1), base.EventCount())

	assert.Equal(t, []domain.Identity{alice, bob, carol}, next.Participants())
	assert.Equal(t, domain.Amount(7), next.Balance(carol, alice))
	assert.Equal(t, uint64(2), next.EventCount())
	assert.Equal(t, tip, next.Tip())

	// Participants only grow.
	assert.Equal(t, base.Participants(), next.Participants()[:2])
}

func TestApply_LookupFailure(t *testing.T) {
	lookup := new(MockLookup)
	boom := errors.New("node unreachable")
	lookup.On("LookupBalance", mock.Anything, alice, bob).Return(domain.Amount(0), boom)

	_, err := Build(context.Background(), domain.GenesisSentinel, []domain.DebtEvent{event(alice, bob, 1, nil)}, lookup)
	assert.ErrorIs(t, err, boom)
}
