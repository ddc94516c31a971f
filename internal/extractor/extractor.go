// Package extractor reconstructs the chronological list of recorded IOUs by
// walking the ledger backward from its tip to the genesis sentinel.
package extractor

import (
	"context"
	"errors"
	"fmt"

	"iouchain/internal/chain"
	"iouchain/internal/domain"
	pkgerrors "iouchain/pkg/errors"
	"iouchain/pkg/logger"

	"github.com/decred/dcrd/container/lru"
)

const (
	DefaultEventKind      = "add_IOU"
	DefaultMaxHops        = 1_000_000
	DefaultBlockCacheSize = 4096
)

// ErrCheckpointNotFound is returned by ExtractSince when the stop block is not
// an ancestor of the current tip.
var ErrCheckpointNotFound = errors.New("checkpoint block is not an ancestor of the tip")

// Config scopes an Extractor to one contract deployment.
type Config struct {
	Contract       domain.Identity
	EventKind      string
	MaxHops        int
	BlockCacheSize uint32
}

// EventCache stores complete scan results. Keys come from ScanKey and are
// unique per contract, event kind and tip. A miss returns (nil, false, nil).
type EventCache interface {
	Get(ctx context.Context, key string) ([]domain.DebtEvent, bool, error)
	Put(ctx context.Context, key string, events []domain.DebtEvent) error
}

// ScanKey names the cached scan of one deployment at one tip.
func ScanKey(contract domain.Identity, eventKind string, tip domain.BlockID) string {
	return "scan:" + contract.String() + ":" + eventKind + ":" + tip.String()
}

// Scan is the result of one traversal.
type Scan struct {
	Tip     domain.BlockID
	Events  []domain.DebtEvent
	Blocks  int
	Skipped int
}

// blockEntry is the decoded content of one block. Blocks never change once
// committed, so entries are safe to reuse across scans.
type blockEntry struct {
	parent  domain.BlockID
	events  []domain.DebtEvent
	skipped int
}

type Extractor struct {
	reader  chain.Reader
	decoder chain.Decoder
	cfg     Config
	log     logger.Logger
	blocks  *lru.Map[domain.BlockID, blockEntry]
	cache   EventCache
}

func New(reader chain.Reader, decoder chain.Decoder, cfg Config, log logger.Logger) *Extractor {
	cfg.Contract = domain.NormalizeIdentity(string(cfg.Contract))
	if cfg.EventKind == "" {
		cfg.EventKind = DefaultEventKind
	}
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = DefaultMaxHops
	}
	if cfg.BlockCacheSize == 0 {
		cfg.BlockCacheSize = DefaultBlockCacheSize
	}
	return &Extractor{
		reader:  reader,
		decoder: decoder,
		cfg:     cfg,
		log:     log,
		blocks:  lru.NewMap[domain.BlockID, blockEntry](cfg.BlockCacheSize),
	}
}

// WithEventCache attaches a scan cache. Entries are scoped to the configured
// contract and event kind, so extractors may share one store.
func (e *Extractor) WithEventCache(cache EventCache) *Extractor {
	e.cache = cache
	return e
}

// Extract returns every recorded IOU in ledger order.
func (e *Extractor) Extract(ctx context.Context) ([]domain.DebtEvent, error) {
	scan, err := e.Scan(ctx)
	if err != nil {
		return nil, err
	}
	return scan.Events, nil
}

// Scan walks the full history from the current tip.
func (e *Extractor) Scan(ctx context.Context) (*Scan, error) {
	tip, err := e.reader.Tip(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "read ledger tip")
	}

	key := ScanKey(e.cfg.Contract, e.cfg.EventKind, tip)
	if e.cache != nil {
		events, ok, err := e.cache.Get(ctx, key)
		if err != nil {
			e.log.Warn("event cache read failed", map[string]interface{}{
				"tip":   tip.String(),
				"error": err.Error(),
			})
		} else if ok {
			return &Scan{Tip: tip, Events: events}, nil
		}
	}

	scan, err := e.scan(ctx, tip, nil, 0)
	if err != nil {
		return nil, err
	}

	if e.cache != nil {
		if err := e.cache.Put(ctx, key, scan.Events); err != nil {
			e.log.Warn("event cache write failed", map[string]interface{}{
				"tip":   tip.String(),
				"error": err.Error(),
			})
		}
	}
	return scan, nil
}

// ExtractSince returns the events committed after stop, numbered from
// baseSeq. Reaching genesis without meeting stop yields ErrCheckpointNotFound,
// unless stop is itself the genesis sentinel.
func (e *Extractor) ExtractSince(ctx context.Context, stop domain.BlockID, baseSeq uint64) (*Scan, error) {
	tip, err := e.reader.Tip(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "read ledger tip")
	}
	return e.scan(ctx, tip, &stop, baseSeq)
}

func (e *Extractor) scan(ctx context.Context, tip domain.BlockID, stop *domain.BlockID, baseSeq uint64) (*Scan, error) {
	var entries []blockEntry
	cur := tip
	for !domain.IsGenesis(cur) {
		if stop != nil && cur == *stop {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(entries) >= e.cfg.MaxHops {
			return nil, &pkgerrors.MalformedLedgerError{
				Block:  cur.String(),
				Hops:   len(entries),
				Reason: fmt.Sprintf("genesis not reached within %d blocks", e.cfg.MaxHops),
			}
		}

		entry, err := e.block(ctx, cur, len(entries))
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
		cur = entry.parent
	}

	if stop != nil && cur != *stop {
		return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, stop.String())
	}

	scan := &Scan{Tip: tip, Blocks: len(entries)}
	seq := baseSeq
	for i := len(entries) - 1; i >= 0; i-- {
		scan.Skipped += entries[i].skipped
		for _, ev := range entries[i].events {
			ev.Sequence = seq
			ev.Path = append(domain.Path(nil), ev.Path...)
			scan.Events = append(scan.Events, ev)
			seq++
		}
	}
	if scan.Events == nil {
		scan.Events = []domain.DebtEvent{}
	}

	e.log.Debug("ledger scan finished", map[string]interface{}{
		"tip":     tip.String(),
		"blocks":  scan.Blocks,
		"events":  len(scan.Events),
		"skipped": scan.Skipped,
	})
	return scan, nil
}

func (e *Extractor) block(ctx context.Context, id domain.BlockID, hops int) (blockEntry, error) {
	if entry, ok := e.blocks.Get(id); ok {
		return entry, nil
	}

	b, err := e.reader.Block(ctx, id)
	if err != nil {
		return blockEntry{}, e.traversalError(ctx, err, id, hops)
	}
	parent, err := e.reader.Parent(ctx, id)
	if err != nil {
		return blockEntry{}, e.traversalError(ctx, err, id, hops)
	}

	entry := blockEntry{parent: parent}
	for _, tx := range b.Transactions {
		if domain.NormalizeIdentity(string(tx.To)) != e.cfg.Contract {
			continue
		}
		res := e.decoder.Decode(tx.Input)
		if !res.Recognized() {
			entry.skipped++
			e.log.Debug("skipping undecodable transaction", map[string]interface{}{
				"block":  id.String(),
				"tx":     tx.Hash.String(),
				"reason": res.Reason,
			})
			continue
		}
		if res.Call.Name != e.cfg.EventKind {
			continue
		}
		ev, err := toEvent(id, b, tx, res.Call)
		if err != nil {
			entry.skipped++
			e.log.Debug("skipping transaction with unexpected arguments", map[string]interface{}{
				"block": id.String(),
				"tx":    tx.Hash.String(),
				"error": err.Error(),
			})
			continue
		}
		entry.events = append(entry.events, ev)
	}

	e.blocks.Put(id, entry)
	return entry, nil
}

func (e *Extractor) traversalError(ctx context.Context, err error, id domain.BlockID, hops int) error {
	if errors.Is(err, pkgerrors.ErrBlockNotFound) {
		return &pkgerrors.MalformedLedgerError{
			Block:  id.String(),
			Hops:   hops,
			Reason: "block not found",
		}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return pkgerrors.Wrap(err, "read block "+id.String())
}

// toEvent maps decoded add_IOU arguments (creditor, amount, path, netAmount)
// onto a DebtEvent. The trailing netting arguments are optional.
func toEvent(id domain.BlockID, b *domain.Block, tx domain.Transaction, call *domain.DecodedCall) (domain.DebtEvent, error) {
	if len(call.Args) < 2 {
		return domain.DebtEvent{}, fmt.Errorf("%w: %s takes at least 2 arguments, got %d",
			pkgerrors.ErrDecodeFailure, call.Name, len(call.Args))
	}
	creditor, ok := call.Args[0].(domain.Identity)
	if !ok {
		return domain.DebtEvent{}, fmt.Errorf("%w: creditor is %T", pkgerrors.ErrDecodeFailure, call.Args[0])
	}
	amount, ok := call.Args[1].(domain.Amount)
	if !ok {
		return domain.DebtEvent{}, fmt.Errorf("%w: amount is %T", pkgerrors.ErrDecodeFailure, call.Args[1])
	}

	ev := domain.DebtEvent{
		Debtor:    domain.NormalizeIdentity(string(tx.From)),
		Creditor:  domain.NormalizeIdentity(string(creditor)),
		Amount:    amount,
		Timestamp: tx.Timestamp,
		BlockID:   id,
		TxHash:    tx.Hash,
	}
	if ev.Timestamp == nil {
		ev.Timestamp = b.Timestamp
	}
	if len(call.Args) >= 4 {
		if path, ok := call.Args[2].(domain.Path); ok {
			ev.Path = path
		}
		if net, ok := call.Args[3].(domain.Amount); ok {
			ev.NetAmount = net
		}
	}
	return ev, nil
}
