// Package resolver finds debt cycles that a new IOU would close and how much
// of the new debt can be canceled around them.
package resolver

import "iouchain/internal/domain"

// Graph is the read view the resolver walks. Creditors must return a
// deterministic order; it fixes which of several shortest paths is chosen.
type Graph interface {
	Creditors(u domain.Identity) []domain.Identity
	Balance(debtor, creditor domain.Identity) domain.Amount
}

// Resolution is the netting proposal for one new IOU. An empty Path means
// no cycle exists and NetAmount is zero.
type Resolution struct {
	Path      domain.Path   `json:"path"`
	NetAmount domain.Amount `json:"net_amount"`
}

// ResolveCycle checks whether debtor owing creditor closes a cycle. If
// creditor already owes debtor through a chain of positive debts, the
// shortest such chain is returned along with the amount that can be netted:
// the requested amount capped by the smallest debt on the chain.
func ResolveCycle(debtor, creditor domain.Identity, requested domain.Amount, g Graph) Resolution {
	debtor = domain.NormalizeIdentity(string(debtor))
	creditor = domain.NormalizeIdentity(string(creditor))
	if debtor == creditor {
		return Resolution{Path: domain.Path{}}
	}

	path := FindPath(creditor, debtor, g)
	if len(path) == 0 {
		return Resolution{Path: domain.Path{}}
	}

	net := requested
	if m := MinEdge(path, g); m < net {
		net = m
	}
	return Resolution{Path: path, NetAmount: net}
}

// FindPath runs a breadth-first search from src to dst over positive debts
// and returns the node sequence, or nil when dst is unreachable. A node is
// enqueued at most once, so the search is linear in nodes plus edges.
func FindPath(src, dst domain.Identity, g Graph) domain.Path {
	if src == dst {
		return nil
	}

	prev := map[domain.Identity]domain.Identity{src: ""}
	queue := []domain.Identity{src}
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]

		for _, v := range g.Creditors(u) {
			if _, seen := prev[v]; seen {
				continue
			}
			if g.Balance(u, v) == 0 {
				continue
			}
			prev[v] = u
			if v == dst {
				return walkBack(prev, src, dst)
			}
			queue = append(queue, v)
		}
	}
	return nil
}

func walkBack(prev map[domain.Identity]domain.Identity, src, dst domain.Identity) domain.Path {
	var rev domain.Path
	for n := dst; n != src; n = prev[n] {
		rev = append(rev, n)
	}
	rev = append(rev, src)

	path := make(domain.Path, len(rev))
	for i, n := range rev {
		path[len(rev)-1-i] = n
	}
	return path
}

// MinEdge is the smallest balance along path. A path with no edges has no
// capacity.
func MinEdge(path domain.Path, g Graph) domain.Amount {
	if len(path) < 2 {
		return 0
	}
	m := g.Balance(path[0], path[1])
	for i := 1; i+1 < len(path); i++ {
		if b := g.Balance(path[i], path[i+1]); b < m {
			m = b
		}
	}
	return m
}
