// Package graph holds the derived view of the ledger: who has participated,
// when they were last active and what each ordered pair currently owes.
//
// A State is built from extracted events and is never modified after it is
// returned. Apply produces a new State, so a published snapshot can be read
// from any goroutine without locking.
package graph

import (
	"context"
	"sort"

	"iouchain/internal/domain"
	pkgerrors "iouchain/pkg/errors"
)

// BalanceLookup reads the authoritative balance of one ordered pair.
type BalanceLookup interface {
	LookupBalance(ctx context.Context, debtor, creditor domain.Identity) (domain.Amount, error)
}

// Edge is a positive debt from Debtor to Creditor.
type Edge struct {
	Debtor   domain.Identity `json:"debtor"`
	Creditor domain.Identity `json:"creditor"`
	Amount   domain.Amount   `json:"amount"`
}

type pair struct {
	debtor   domain.Identity
	creditor domain.Identity
}

type State struct {
	tip    domain.BlockID
	events uint64

	participants []domain.Identity
	index        map[domain.Identity]int
	lastActive   map[domain.Identity]int64

	// balances holds every pair an event could have touched, including
	// pairs that have since dropped to zero. out lists a debtor's known
	// creditors in participant order.
	balances map[pair]domain.Amount
	out      map[domain.Identity][]domain.Identity
}

// Empty returns the state of a ledger with no recorded debts.
func Empty() *State {
	return &State{
		tip:        domain.GenesisSentinel,
		index:      make(map[domain.Identity]int),
		lastActive: make(map[domain.Identity]int64),
		balances:   make(map[pair]domain.Amount),
		out:        make(map[domain.Identity][]domain.Identity),
	}
}

// Build derives a state from the full chronological event list at tip.
func Build(ctx context.Context, tip domain.BlockID, events []domain.DebtEvent, lookup BalanceLookup) (*State, error) {
	return Empty().Apply(ctx, tip, events, lookup)
}

// Apply folds events committed after s.Tip() into a new state at tip. s is
// left unchanged.
func (s *State) Apply(ctx context.Context, tip domain.BlockID, events []domain.DebtEvent, lookup BalanceLookup) (*State, error) {
	next := s.clone()
	next.tip = tip

	var dirty []pair
	seen := make(map[pair]struct{})
	touch := func(p pair) {
		if p.debtor == p.creditor {
			return
		}
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		dirty = append(dirty, p)
	}

	for _, ev := range events {
		debtor := domain.NormalizeIdentity(string(ev.Debtor))
		creditor := domain.NormalizeIdentity(string(ev.Creditor))
		next.addParticipant(debtor)
		next.addParticipant(creditor)

		if ev.Timestamp != nil {
			ts := *ev.Timestamp
			for _, p := range []domain.Identity{debtor, creditor} {
				if cur, ok := next.lastActive[p]; !ok || ts > cur {
					next.lastActive[p] = ts
				}
			}
		}

		touch(pair{debtor, creditor})
		for i := 0; i+1 < len(ev.Path); i++ {
			touch(pair{
				domain.NormalizeIdentity(string(ev.Path[i])),
				domain.NormalizeIdentity(string(ev.Path[i+1])),
			})
		}
		next.events++
	}

	for _, p := range dirty {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bal, err := lookup.LookupBalance(ctx, p.debtor, p.creditor)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "lookup balance "+p.debtor.String()+" -> "+p.creditor.String())
		}
		next.setBalance(p, bal)
	}
	return next, nil
}

func (s *State) clone() *State {
	c := &State{
		tip:          s.tip,
		events:       s.events,
		participants: append([]domain.Identity(nil), s.participants...),
		index:        make(map[domain.Identity]int, len(s.index)),
		lastActive:   make(map[domain.Identity]int64, len(s.lastActive)),
		balances:     make(map[pair]domain.Amount, len(s.balances)),
		out:          make(map[domain.Identity][]domain.Identity, len(s.out)),
	}
	for k, v := range s.index {
		c.index[k] = v
	}
	for k, v := range s.lastActive {
		c.lastActive[k] = v
	}
	for k, v := range s.balances {
		c.balances[k] = v
	}
	for k, v := range s.out {
		c.out[k] = append([]domain.Identity(nil), v...)
	}
	return c
}

func (s *State) addParticipant(p domain.Identity) {
	if _, ok := s.index[p]; ok {
		return
	}
	s.index[p] = len(s.participants)
	s.participants = append(s.participants, p)
}

func (s *State) setBalance(p pair, bal domain.Amount) {
	if _, known := s.balances[p]; !known {
		// Path nodes are always earlier participants, but a ledger may
		// hand back a path that names a stranger.
		s.addParticipant(p.debtor)
		s.addParticipant(p.creditor)

		list := s.out[p.debtor]
		pos := sort.Search(len(list), func(i int) bool {
			return s.index[list[i]] > s.index[p.creditor]
		})
		list = append(list, "")
		copy(list[pos+1:], list[pos:])
		list[pos] = p.creditor
		s.out[p.debtor] = list
	}
	s.balances[p] = bal
}

// Tip is the block this state was derived at.
func (s *State) Tip() domain.BlockID {
	return s.tip
}

// EventCount is the number of events folded into the state. It is also the
// sequence number the next event will carry.
func (s *State) EventCount() uint64 {
	return s.events
}

// Participants returns every identity seen as debtor or creditor, in the
// order they first appeared.
func (s *State) Participants() []domain.Identity {
	return append([]domain.Identity(nil), s.participants...)
}

// Known reports whether u has appeared in any event.
func (s *State) Known(u domain.Identity) bool {
	_, ok := s.index[domain.NormalizeIdentity(string(u))]
	return ok
}

// Balance is what debtor currently owes creditor. Unknown pairs owe nothing.
func (s *State) Balance(debtor, creditor domain.Identity) domain.Amount {
	return s.balances[pair{
		domain.NormalizeIdentity(string(debtor)),
		domain.NormalizeIdentity(string(creditor)),
	}]
}

// Creditors lists the identities u owes a positive amount to, in participant
// order.
func (s *State) Creditors(u domain.Identity) []domain.Identity {
	u = domain.NormalizeIdentity(string(u))
	var res []domain.Identity
	for _, c := range s.out[u] {
		if s.balances[pair{u, c}] > 0 {
			res = append(res, c)
		}
	}
	return res
}

// TotalOwed sums the raw forward balances from u to every other participant.
// Reverse debts are not subtracted.
func (s *State) TotalOwed(u domain.Identity) uint64 {
	u = domain.NormalizeIdentity(string(u))
	var total uint64
	for _, c := range s.out[u] {
		if c == u {
			continue
		}
		total += uint64(s.balances[pair{u, c}])
	}
	return total
}

// LastActive is the latest timestamp of any event involving u. ok is false
// when u is unknown or none of its events carried a timestamp.
func (s *State) LastActive(u domain.Identity) (int64, bool) {
	ts, ok := s.lastActive[domain.NormalizeIdentity(string(u))]
	return ts, ok
}

// Edges returns every positive debt ordered by debtor, then creditor, in
// participant order.
func (s *State) Edges() []Edge {
	var edges []Edge
	for _, d := range s.participants {
		for _, c := range s.out[d] {
			if bal := s.balances[pair{d, c}]; bal > 0 {
				edges = append(edges, Edge{Debtor: d, Creditor: c, Amount: bal})
			}
		}
	}
	return edges
}
