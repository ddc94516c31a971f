// Package iou keeps the derived debt view in step with the ledger and submits
// new IOUs with any available cycle netting applied.
package iou

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"iouchain/internal/chain"
	"iouchain/internal/domain"
	"iouchain/internal/extractor"
	"iouchain/internal/graph"
	"iouchain/internal/resolver"
	pkgerrors "iouchain/pkg/errors"
	"iouchain/pkg/logger"
	"iouchain/pkg/validator"
)

// EventIndex is a persistent copy of the extracted event list. It lets a
// restarted service resume from the last indexed tip.
type EventIndex interface {
	Checkpoint(ctx context.Context) (tip domain.BlockID, count uint64, ok bool, err error)
	LoadEvents(ctx context.Context) ([]domain.DebtEvent, error)
	AppendEvents(ctx context.Context, tip domain.BlockID, events []domain.DebtEvent) error
	Reset(ctx context.Context) error
}

type Config struct {
	// SubmitRetries is how many times a submission rejected as stale is
	// re-resolved and resent.
	SubmitRetries int
	// PollInterval drives Run when the ledger cannot push notifications.
	PollInterval time.Duration
}

type Service struct {
	ledger    chain.Ledger
	extractor *extractor.Extractor
	index     EventIndex
	validator *validator.Validator
	cfg       Config
	logger    logger.Logger

	mu       sync.RWMutex
	snapshot *graph.State

	refreshMu sync.Mutex
	watchers  *broadcaster
}

func NewService(ledger chain.Ledger, ex *extractor.Extractor, cfg Config, log logger.Logger) *Service {
	if cfg.SubmitRetries < 0 {
		cfg.SubmitRetries = 0
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Service{
		ledger:    ledger,
		extractor: ex,
		validator: validator.New(),
		cfg:       cfg,
		logger:    log,
		snapshot:  graph.Empty(),
		watchers:  newBroadcaster(),
	}
}

// WithIndex attaches a persistent event index.
func (s *Service) WithIndex(index EventIndex) *Service {
	s.index = index
	return s
}

// Snapshot returns the most recently published state.
func (s *Service) Snapshot() *graph.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

func (s *Service) publish(next *graph.State) {
	s.mu.Lock()
	s.snapshot = next
	s.mu.Unlock()
}

// Bootstrap builds the first snapshot, from the event index when one is
// attached and holds a checkpoint, otherwise from a full ledger scan.
func (s *Service) Bootstrap(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	if s.index != nil {
		tip, count, ok, err := s.index.Checkpoint(ctx)
		if err != nil {
			s.logger.Warn("Event index unavailable, scanning ledger", map[string]interface{}{
				"error": err.Error(),
			})
		} else if ok {
			events, err := s.index.LoadEvents(ctx)
			if err != nil {
				return pkgerrors.Wrap(err, "load indexed events")
			}
			if uint64(len(events)) == count {
				base, err := graph.Build(ctx, tip, events, s.ledger)
				if err != nil {
					return err
				}
				s.publish(base)
				s.logger.Info("Resumed from event index", map[string]interface{}{
					"tip":    tip.String(),
					"events": count,
				})
				_, err = s.refreshLocked(ctx)
				return err
			}
			s.logger.Warn("Event index checkpoint disagrees with stored events", map[string]interface{}{
				"checkpoint": count,
				"stored":     len(events),
			})
		}
	}

	_, err := s.rebuildLocked(ctx)
	return err
}

// Refresh brings the snapshot up to the current ledger tip and returns it.
// Only blocks committed since the previous snapshot are scanned.
func (s *Service) Refresh(ctx context.Context) (*graph.State, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	return s.refreshLocked(ctx)
}

func (s *Service) refreshLocked(ctx context.Context) (*graph.State, error) {
	cur := s.Snapshot()
	scan, err := s.extractor.ExtractSince(ctx, cur.Tip(), cur.EventCount())
	if errors.Is(err, extractor.ErrCheckpointNotFound) {
		s.logger.Warn("Snapshot tip left the ledger history, rebuilding", map[string]interface{}{
			"tip": cur.Tip().String(),
		})
		return s.rebuildLocked(ctx)
	}
	if err != nil {
		return nil, err
	}
	if scan.Tip == cur.Tip() {
		return cur, nil
	}

	next, err := cur.Apply(ctx, scan.Tip, scan.Events, s.ledger)
	if err != nil {
		return nil, err
	}
	s.publish(next)
	s.persist(ctx, scan.Tip, scan.Events)

	for _, ev := range scan.Events {
		s.watchers.send(ev)
	}
	if len(scan.Events) > 0 {
		s.logger.Debug("Snapshot advanced", map[string]interface{}{
			"tip":        scan.Tip.String(),
			"new_events": len(scan.Events),
			"skipped":    scan.Skipped,
		})
	}
	return next, nil
}

func (s *Service) rebuildLocked(ctx context.Context) (*graph.State, error) {
	scan, err := s.extractor.Scan(ctx)
	if err != nil {
		return nil, err
	}
	next, err := graph.Build(ctx, scan.Tip, scan.Events, s.ledger)
	if err != nil {
		return nil, err
	}
	s.publish(next)

	if s.index != nil {
		if err := s.index.Reset(ctx); err != nil {
			s.logger.Warn("Failed to reset event index", map[string]interface{}{"error": err.Error()})
		} else {
			s.persist(ctx, scan.Tip, scan.Events)
		}
	}

	s.logger.Info("Snapshot rebuilt from ledger", map[string]interface{}{
		"tip":          scan.Tip.String(),
		"events":       len(scan.Events),
		"participants": len(next.Participants()),
		"skipped":      scan.Skipped,
	})
	return next, nil
}

// persist appends to the index. The index is a cache of the ledger, so a
// failure is logged and the next rebuild repairs it.
func (s *Service) persist(ctx context.Context, tip domain.BlockID, events []domain.DebtEvent) {
	if s.index == nil {
		return
	}
	if err := s.index.AppendEvents(ctx, tip, events); err != nil {
		s.logger.Warn("Failed to append to event index", map[string]interface{}{
			"tip":   tip.String(),
			"error": err.Error(),
		})
	}
}

type iouRequest struct {
	Debtor   string `validate:"required,identity"`
	Creditor string `validate:"required,identity,nefield=Debtor"`
	Amount   uint32 `validate:"gt=0"`
}

func (s *Service) validate(debtor, creditor domain.Identity, amount domain.Amount) error {
	req := iouRequest{
		Debtor:   domain.NormalizeIdentity(string(debtor)).String(),
		Creditor: domain.NormalizeIdentity(string(creditor)).String(),
		Amount:   uint32(amount),
	}
	if err := s.validator.Validate(req); err != nil {
		return fmt.Errorf("%w: %v", pkgerrors.ErrInvalidIOU, err)
	}
	return nil
}

// PrepareSubmission refreshes the snapshot and computes the add_IOU
// parameters for debtor owing creditor amount.
func (s *Service) PrepareSubmission(ctx context.Context, debtor, creditor domain.Identity, amount domain.Amount) (*domain.Submission, error) {
	if err := s.validate(debtor, creditor, amount); err != nil {
		return nil, err
	}
	debtor = domain.NormalizeIdentity(string(debtor))
	creditor = domain.NormalizeIdentity(string(creditor))

	state, err := s.Refresh(ctx)
	if err != nil {
		return nil, err
	}

	res := resolver.ResolveCycle(debtor, creditor, amount, state)
	return &domain.Submission{
		Debtor:    debtor,
		Creditor:  creditor,
		Amount:    amount,
		Path:      res.Path,
		NetAmount: res.NetAmount,
	}, nil
}

// SubmitIOU records that debtor owes creditor amount. When the ledger
// rejects the netting path as stale the cycle is resolved again against
// fresh state and resent, up to Config.SubmitRetries times.
func (s *Service) SubmitIOU(ctx context.Context, debtor, creditor domain.Identity, amount domain.Amount) (*chain.Receipt, error) {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.SubmitRetries; attempt++ {
		sub, err := s.PrepareSubmission(ctx, debtor, creditor, amount)
		if err != nil {
			return nil, err
		}

		receipt, err := s.ledger.RecordDebt(ctx, chain.RecordDebtRequest{
			Sender:    sub.Debtor,
			Creditor:  sub.Creditor,
			Amount:    sub.Amount,
			Path:      sub.Path,
			NetAmount: sub.NetAmount,
		})
		if err == nil {
			s.logger.Info("IOU recorded", map[string]interface{}{
				"debtor":     sub.Debtor.String(),
				"creditor":   sub.Creditor.String(),
				"amount":     sub.Amount,
				"net_amount": sub.NetAmount,
				"path_hops":  sub.Path.Hops(),
				"tx_hash":    receipt.TxHash.String(),
				"attempt":    attempt + 1,
			})
			if _, err := s.Refresh(ctx); err != nil {
				s.logger.Warn("Post-submit refresh failed", map[string]interface{}{"error": err.Error()})
			}
			return receipt, nil
		}
		if !errors.Is(err, pkgerrors.ErrStaleCycle) {
			return nil, pkgerrors.Wrap(err, "record debt")
		}

		lastErr = err
		s.logger.Warn("Netting path went stale before commit", map[string]interface{}{
			"debtor":   sub.Debtor.String(),
			"creditor": sub.Creditor.String(),
			"attempt":  attempt + 1,
			"error":    err.Error(),
		})
	}
	return nil, fmt.Errorf("giving up after %d attempts: %w", s.cfg.SubmitRetries+1, lastErr)
}

// ListParticipants returns every known identity in first-seen order.
func (s *Service) ListParticipants() []domain.Identity {
	return s.Snapshot().Participants()
}

// TotalOwed is the sum of user's forward balances. Unknown users owe 0.
func (s *Service) TotalOwed(user domain.Identity) uint64 {
	return s.Snapshot().TotalOwed(user)
}

// LastActive is user's latest event timestamp, if any.
func (s *Service) LastActive(user domain.Identity) (int64, bool) {
	return s.Snapshot().LastActive(user)
}

// Creditors lists whom user currently owes.
func (s *Service) Creditors(user domain.Identity) []domain.Identity {
	return s.Snapshot().Creditors(user)
}

// Debts lists user's positive outgoing balances.
func (s *Service) Debts(user domain.Identity) []graph.Edge {
	user = domain.NormalizeIdentity(string(user))
	snap := s.Snapshot()
	var edges []graph.Edge
	for _, c := range snap.Creditors(user) {
		edges = append(edges, graph.Edge{Debtor: user, Creditor: c, Amount: snap.Balance(user, c)})
	}
	return edges
}

// Watch streams newly observed debt events until ctx is done. Slow
// receivers miss events rather than stall the refresh loop.
func (s *Service) Watch(ctx context.Context) <-chan domain.DebtEvent {
	return s.watchers.subscribe(ctx)
}

// Watchers is the number of active Watch streams.
func (s *Service) Watchers() int {
	return s.watchers.count()
}

// Run keeps the snapshot current until ctx is done. Ledgers that push
// notifications trigger an immediate refresh; a ticker covers the rest.
func (s *Service) Run(ctx context.Context) error {
	var notifications <-chan domain.DebtEvent
	if n, ok := s.ledger.(chain.Notifier); ok {
		notifications = n.Subscribe(ctx)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	refresh := func(trigger string) {
		if _, err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Snapshot refresh failed", map[string]interface{}{
				"trigger": trigger,
				"error":   err.Error(),
			})
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-notifications:
			if !ok {
				notifications = nil
				continue
			}
			refresh("notification")
		case <-ticker.C:
			refresh("poll")
		}
	}
}
