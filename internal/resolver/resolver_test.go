package resolver

import (
	"context"
	"testing"

	"iouchain/internal/domain"
	"iouchain/internal/graph"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice = domain.Identity("0x00000000000000000000000000000000000000a1")
	bob   = domain.Identity("0x00000000000000000000000000000000000000b2")
	carol = domain.Identity("0x00000000000000000000000000000000000000c3")
	dave  = domain.Identity("0x00000000000000000000000000000000000000d4")
	erin  = domain.Identity("0x00000000000000000000000000000000000000e5")
)

// debts is a Graph whose adjacency order is insertion order.
type debts struct {
	order   map[domain.Identity][]domain.Identity
	balance map[[2]domain.Identity]domain.Amount
}

func newDebts() *debts {
	return &debts{
		order:   make(map[domain.Identity][]domain.Identity),
		balance: make(map[[2]domain.Identity]domain.Amount),
	}
}

func (d *debts) owe(debtor, creditor domain.Identity, amount domain.Amount) *debts {
	k := [2]domain.Identity{debtor, creditor}
	if _, ok := d.balance[k]; !ok {
		d.order[debtor] = append(d.order[debtor], creditor)
	}
	d.balance[k] = amount
	return d
}

func (d *debts) Creditors(u domain.Identity) []domain.Identity {
	var res []domain.Identity
	for _, c := range d.order[u] {
		if d.balance[[2]domain.Identity{u, c}] > 0 {
			res = append(res, c)
		}
	}
	return res
}

func (d *debts) Balance(debtor, creditor domain.Identity) domain.Amount {
	return d.balance[[2]domain.Identity{debtor, creditor}]
}

type lookupFunc func(debtor, creditor domain.Identity) domain.Amount

func (f lookupFunc) LookupBalance(_ context.Context, debtor, creditor domain.Identity) (domain.Amount, error) {
	return f(debtor, creditor), nil
}

func TestResolveCycle_ThreePartyScenario(t *testing.T) {
	// B owes A 100, C owes B 50. A is about to owe C 70.
	g := newDebts().owe(bob, alice, 100).owe(carol, bob, 50)

	res := ResolveCycle(alice, carol, 70, g)
	assert.Equal(t, domain.Path{carol, bob, alice}, res.Path)
	assert.Equal(t, domain.Amount(50), res.NetAmount)
}

func TestResolveCycle_OnSnapshot(t *testing.T) {
	d := newDebts().owe(bob, alice, 100).owe(carol, bob, 50)
	events := []domain.DebtEvent{
		{Debtor: bob, Creditor: alice, Amount: 100},
		{Debtor: carol, Creditor: bob, Amount: 50},
	}
	s, err := graph.Build(context.Background(), domain.GenesisSentinel, events, lookupFunc(d.Balance))
	require.NoError(t, err)

	res := ResolveCycle(alice, carol, 70, s)
	assert.Equal(t, domain.Path{carol, bob, alice}, res.Path)
	assert.Equal(t, domain.Amount(50), res.NetAmount)
}

func TestResolveCycle_NetCappedByRequest(t *testing.T) {
	g := newDebts().owe(bob, alice, 100).owe(carol, bob, 50)

	res := ResolveCycle(alice, carol, 30, g)
	assert.Equal(t, domain.Amount(30), res.NetAmount)
	assert.Equal(t, domain.Path{carol, bob, alice}, res.Path)
}

func TestResolveCycle_NoPath(t *testing.T) {
	g := newDebts().owe(bob, alice, 100)

	res := ResolveCycle(alice, carol, 70, g)
	assert.NotNil(t, res.Path)
	assert.Empty(t, res.Path)
	assert.Equal(t, domain.Amount(0), res.NetAmount)
}

func TestResolveCycle_ZeroBalanceEdgesIgnored(t *testing.T) {
	g := newDebts().owe(carol, bob, 0).owe(bob, alice, 10)

	res := ResolveCycle(alice, carol, 5, g)
	assert.Empty(t, res.Path)
	assert.Equal(t, domain.Amount(0), res.NetAmount)
}

func TestResolveCycle_SelfDebt(t *testing.T) {
	g := newDebts().owe(bob, alice, 100)

	res := ResolveCycle(alice, alice, 70, g)
	assert.Empty(t, res.Path)
	assert.Equal(t, domain.Amount(0), res.NetAmount)
}

func TestResolveCycle_DirectReverseDebt(t *testing.T) {
	g := newDebts().owe(bob, alice, 40)

	res := ResolveCycle(alice, bob, 100, g)
	assert.Equal(t, domain.Path{bob, alice}, res.Path)
	assert.Equal(t, domain.Amount(40), res.NetAmount)
}

func TestFindPath_PrefersFewestHops(t *testing.T) {
	// Two routes from carol to alice: carol->bob->alice and the longer
	// carol->dave->erin->alice. The longer one is discovered first.
	g := newDebts().
		owe(carol, dave, 5).
		owe(carol, bob, 5).
		owe(dave, erin, 5).
		owe(erin, alice, 5).
		owe(bob, alice, 5)

	assert.Equal(t, domain.Path{carol, bob, alice}, FindPath(carol, alice, g))
}

func TestFindPath_DeterministicAmongEqualLengths(t *testing.T) {
	g := newDebts().
		owe(carol, dave, 5).
		owe(carol, bob, 5).
		owe(dave, alice, 5).
		owe(bob, alice, 5)

	for i := 0; i < 10; i++ {
		assert.Equal(t, domain.Path{carol, dave, alice}, FindPath(carol, alice, g))
	}
}

func TestFindPath_TerminatesOnCycles(t *testing.T) {
	g := newDebts().
		owe(alice, bob, 1).
		owe(bob, carol, 1).
		owe(carol, alice, 1)

	assert.Nil(t, FindPath(alice, dave, g))
	assert.Equal(t, domain.Path{alice, bob, carol}, FindPath(alice, carol, g))
}

func TestResolveCycle_NetNeverExceedsAnyEdge(t *testing.T) {
	g := newDebts().
		owe(bob, alice, 9).
		owe(carol, bob, 3).
		owe(dave, carol, 7)

	res := ResolveCycle(alice, dave, 100, g)
	require.Equal(t, domain.Path{dave, carol, bob, alice}, res.Path)
	for i := 0; i+1 < len(res.Path); i++ {
		assert.LessOrEqual(t, res.NetAmount, g.Balance(res.Path[i], res.Path[i+1]))
	}
	assert.Equal(t, domain.Amount(3), res.NetAmount)
}

func TestMinEdge(t *testing.T) {
	g := newDebts().owe(alice, bob, 8).owe(bob, carol, 2)

	assert.Equal(t, domain.Amount(2), MinEdge(domain.Path{alice, bob, carol}, g))
	assert.Equal(t, domain.Amount(0), MinEdge(domain.Path{alice}, g))
	assert.Equal(t, domain.Amount(0), MinEdge(nil, g))
}
