// Package sim provides an in-process ledger that hosts the IOU contract. It
// mines one block per committed transaction, links blocks through parent
// hashes down to the genesis sentinel and applies the contract's netting rule
// atomically on commit. It backs tests and the ledger-sim binary.
package sim

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"iouchain/internal/chain"
	"iouchain/internal/domain"
	pkgerrors "iouchain/pkg/errors"

	"github.com/decred/dcrd/chaincfg/chainhash"
)

// Option configures a Chain.
type Option func(*Chain)

// WithClock sets the timestamp source for new blocks.
func WithClock(clock func() int64) Option {
	return func(c *Chain) {
		c.clock = clock
	}
}

// WithoutTimestamps mines blocks and transactions with no timestamp field.
func WithoutTimestamps() Option {
	return func(c *Chain) {
		c.clock = nil
	}
}

// WithCodec overrides the call codec.
func WithCodec(codec *chain.ABICodec) Option {
	return func(c *Chain) {
		c.codec = codec
	}
}

type pair struct {
	debtor   domain.Identity
	creditor domain.Identity
}

// Chain is a single-writer ledger with an IOU contract deployed at contract.
type Chain struct {
	mu       sync.RWMutex
	contract domain.Identity
	codec    *chain.ABICodec
	clock    func() int64

	blocks map[domain.BlockID]*domain.Block
	head   domain.BlockID
	height uint64
	nonce  uint64

	debts map[pair]domain.Amount

	subMu       sync.Mutex
	subscribers map[chan domain.DebtEvent]struct{}
}

// New creates an empty chain whose tip is the genesis sentinel.
func New(contract domain.Identity, opts ...Option) *Chain {
	c := &Chain{
		contract:    domain.NormalizeIdentity(string(contract)),
		codec:       chain.DefaultCodec(),
		clock:       func() int64 { return time.Now().Unix() },
		blocks:      make(map[domain.BlockID]*domain.Block),
		head:        domain.GenesisSentinel,
		debts:       make(map[pair]domain.Amount),
		subscribers: make(map[chan domain.DebtEvent]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Contract returns the contract address.
func (c *Chain) Contract() domain.Identity {
	return c.contract
}

// Height returns the number of mined blocks.
func (c *Chain) Height() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.height
}

func (c *Chain) Tip(ctx context.Context) (domain.BlockID, error) {
	if err := ctx.Err(); err != nil {
		return domain.BlockID{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.head, nil
}

func (c *Chain) Parent(ctx context.Context, id domain.BlockID) (domain.BlockID, error) {
	if err := ctx.Err(); err != nil {
		return domain.BlockID{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.blocks[id]
	if !ok {
		return domain.BlockID{}, fmt.Errorf("%w: %s", pkgerrors.ErrBlockNotFound, id)
	}
	return b.Parent, nil
}

// Block returns a copy of the block so callers cannot mutate chain history.
func (c *Chain) Block(ctx context.Context, id domain.BlockID) (*domain.Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.blocks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", pkgerrors.ErrBlockNotFound, id)
	}
	cp := *b
	cp.Transactions = make([]domain.Transaction, len(b.Transactions))
	for i, tx := range b.Transactions {
		tx.Input = append([]byte(nil), tx.Input...)
		cp.Transactions[i] = tx
	}
	return &cp, nil
}

func (c *Chain) LookupBalance(ctx context.Context, debtor, creditor domain.Identity) (domain.Amount, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.debts[pair{domain.NormalizeIdentity(string(debtor)), domain.NormalizeIdentity(string(creditor))}], nil
}

// RecordDebt runs add_IOU as req.Sender. The path is validated against the
// committed balances at commit time: every edge must still hold at least
// NetAmount, otherwise the call fails with ErrStaleCycle and nothing changes.
func (c *Chain) RecordDebt(ctx context.Context, req chain.RecordDebtRequest) (*chain.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sender := domain.NormalizeIdentity(string(req.Sender))
	creditor := domain.NormalizeIdentity(string(req.Creditor))
	path := make(domain.Path, len(req.Path))
	for i, p := range req.Path {
		path[i] = domain.NormalizeIdentity(string(p))
	}

	input, err := c.codec.Encode(chain.AddIOUMethod.Name, creditor, req.Amount, path, req.NetAmount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrInvalidIOU, err)
	}

	c.mu.Lock()
	if err := c.applyAddIOU(sender, creditor, req.Amount, path, req.NetAmount); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	block, tx := c.mineLocked(sender, c.contract, input)
	c.mu.Unlock()

	sub := domain.Submission{
		Debtor:    sender,
		Creditor:  creditor,
		Amount:    req.Amount,
		Path:      path,
		NetAmount: req.NetAmount,
	}
	c.notify(domain.DebtEvent{
		Debtor:    sender,
		Creditor:  creditor,
		Amount:    req.Amount,
		Timestamp: tx.Timestamp,
		BlockID:   block.ID,
		TxHash:    tx.Hash,
		Path:      path,
		NetAmount: req.NetAmount,
	})

	return &chain.Receipt{
		TxHash:      tx.Hash,
		BlockID:     block.ID,
		BlockNumber: block.Number,
		Submission:  sub,
	}, nil
}

func (c *Chain) applyAddIOU(sender, creditor domain.Identity, amount domain.Amount, path domain.Path, net domain.Amount) error {
	if sender == creditor {
		return fmt.Errorf("%w: cannot owe yourself", pkgerrors.ErrInvalidIOU)
	}
	if net > amount {
		return fmt.Errorf("%w: net amount %d exceeds amount %d", pkgerrors.ErrInvalidIOU, net, amount)
	}
	if len(path) == 0 {
		if net != 0 {
			return fmt.Errorf("%w: net amount without a path", pkgerrors.ErrInvalidIOU)
		}
	} else {
		if len(path) < 2 || path[0] != creditor || path[len(path)-1] != sender {
			return fmt.Errorf("%w: path must run from creditor to sender", pkgerrors.ErrInvalidIOU)
		}
		seen := make(map[domain.Identity]struct{}, len(path))
		for _, p := range path {
			if _, dup := seen[p]; dup {
				return fmt.Errorf("%w: path visits %s twice", pkgerrors.ErrInvalidIOU, p)
			}
			seen[p] = struct{}{}
		}
		for i := 0; i+1 < len(path); i++ {
			bal := c.debts[pair{path[i], path[i+1]}]
			if bal == 0 || bal < net {
				return fmt.Errorf("%w: edge %s->%s holds %d, need %d", pkgerrors.ErrStaleCycle, path[i], path[i+1], bal, net)
			}
		}
	}

	forward := pair{sender, creditor}
	residual := amount - net
	if uint64(c.debts[forward])+uint64(residual) > math.MaxUint32 {
		return fmt.Errorf("%w: balance overflow", pkgerrors.ErrInvalidIOU)
	}

	for i := 0; i+1 < len(path); i++ {
		c.debts[pair{path[i], path[i+1]}] -= net
	}
	c.debts[forward] += residual
	return nil
}

// Inject commits an arbitrary transaction without running the contract. It
// is used to place foreign calls and garbage payloads on the chain.
func (c *Chain) Inject(from, to domain.Identity, input []byte) domain.BlockID {
	c.mu.Lock()
	defer c.mu.Unlock()
	block, _ := c.mineLocked(domain.NormalizeIdentity(string(from)), domain.NormalizeIdentity(string(to)), input)
	return block.ID
}

func (c *Chain) mineLocked(from, to domain.Identity, input []byte) (*domain.Block, domain.Transaction) {
	var ts *int64
	if c.clock != nil {
		now := c.clock()
		ts = &now
	}

	c.nonce++
	tx := domain.Transaction{
		From:      from,
		To:        to,
		Input:     append([]byte(nil), input...),
		Timestamp: ts,
	}
	tx.Hash = txHash(tx, c.nonce)

	c.height++
	block := &domain.Block{
		Parent:       c.head,
		Number:       c.height,
		Timestamp:    ts,
		Transactions: []domain.Transaction{tx},
	}
	block.ID = blockHash(block)

	c.blocks[block.ID] = block
	c.head = block.ID
	return block, tx
}

func txHash(tx domain.Transaction, nonce uint64) chainhash.Hash {
	buf := make([]byte, 0, 96+len(tx.Input))
	buf = append(buf, tx.From...)
	buf = append(buf, tx.To...)
	buf = binary.BigEndian.AppendUint64(buf, nonce)
	buf = append(buf, tx.Input...)
	return chainhash.HashH(buf)
}

func blockHash(b *domain.Block) domain.BlockID {
	buf := make([]byte, 0, 128)
	buf = append(buf, b.Parent[:]...)
	buf = binary.BigEndian.AppendUint64(buf, b.Number)
	if b.Timestamp != nil {
		buf = binary.BigEndian.AppendUint64(buf, uint64(*b.Timestamp))
	}
	for _, tx := range b.Transactions {
		buf = append(buf, tx.Hash[:]...)
	}
	return chainhash.HashH(buf)
}
