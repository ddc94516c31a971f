// Package scheduler records standing IOUs: a fixed debt that is submitted
// again every interval, such as a shared rent split.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"iouchain/internal/chain"
	"iouchain/internal/domain"
	"iouchain/pkg/logger"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("standing IOU not found")

type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"
)

// Submitter is the part of the IOU service a standing order needs.
type Submitter interface {
	SubmitIOU(ctx context.Context, debtor, creditor domain.Identity, amount domain.Amount) (*chain.Receipt, error)
}

type StandingIOU struct {
	ID        string          `json:"id"`
	Debtor    domain.Identity `json:"debtor"`
	Creditor  domain.Identity `json:"creditor"`
	Amount    domain.Amount   `json:"amount"`
	Interval  time.Duration   `json:"interval"`
	NextRun   time.Time       `json:"next_run"`
	Status    Status          `json:"status"`
	Runs      int             `json:"runs"`
	LastError string          `json:"last_error,omitempty"`
}

type Scheduler struct {
	submitter Submitter
	tasks     map[string]*StandingIOU
	mu        sync.Mutex
	logger    logger.Logger
	tick      time.Duration
	now       func() time.Time
}

func NewScheduler(s Submitter, tick time.Duration, log logger.Logger) *Scheduler {
	if tick <= 0 {
		tick = time.Second
	}
	return &Scheduler{
		submitter: s,
		tasks:     make(map[string]*StandingIOU),
		logger:    log,
		tick:      tick,
		now:       time.Now,
	}
}

// Schedule registers a standing IOU. The first submission happens one
// interval from now unless NextRun is set.
func (s *Scheduler) Schedule(order StandingIOU) StandingIOU {
	s.mu.Lock()
	defer s.mu.Unlock()

	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	if order.NextRun.IsZero() {
		order.NextRun = s.now().Add(order.Interval)
	}
	order.Debtor = domain.NormalizeIdentity(string(order.Debtor))
	order.Creditor = domain.NormalizeIdentity(string(order.Creditor))
	order.Status = StatusActive

	stored := order
	s.tasks[order.ID] = &stored
	s.logger.Info("Scheduled standing IOU", map[string]interface{}{
		"id":       order.ID,
		"debtor":   order.Debtor.String(),
		"creditor": order.Creditor.String(),
		"interval": order.Interval.String(),
		"amount":   order.Amount,
	})
	return stored
}

func (s *Scheduler) Get(id string) (StandingIOU, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return StandingIOU{}, ErrNotFound
	}
	return *t, nil
}

// List returns the standing IOUs of a debtor ordered by next run.
func (s *Scheduler) List(debtor domain.Identity) []StandingIOU {
	debtor = domain.NormalizeIdentity(string(debtor))
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []StandingIOU{}
	for _, t := range s.tasks {
		if t.Debtor == debtor {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextRun.Equal(out[j].NextRun) {
			return out[i].ID < out[j].ID
		}
		return out[i].NextRun.Before(out[j].NextRun)
	})
	return out
}

func (s *Scheduler) SetStatus(id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status == StatusCancelled {
		return ErrNotFound
	}
	t.Status = status
	return nil
}

// Start runs due orders every tick until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.RunDue(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
	s.logger.Info("Standing IOU scheduler started", nil)
}

// RunDue submits every active order whose NextRun has passed and returns how
// many were attempted. Submissions run outside the lock, one at a time, and an
// order that stops being active before its turn is skipped.
func (s *Scheduler) RunDue(ctx context.Context) int {
	now := s.now()

	s.mu.Lock()
	var due []StandingIOU
	for _, t := range s.tasks {
		if t.Status == StatusActive && !now.Before(t.NextRun) {
			due = append(due, *t)
			t.NextRun = now.Add(t.Interval)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	attempted := 0
	for _, order := range due {
		// Earlier submissions may have run while an order was paused or cancelled.
		s.mu.Lock()
		t, ok := s.tasks[order.ID]
		active := ok && t.Status == StatusActive
		s.mu.Unlock()
		if !active {
			continue
		}

		attempted++
		receipt, err := s.submitter.SubmitIOU(ctx, order.Debtor, order.Creditor, order.Amount)

		s.mu.Lock()
		if t, ok := s.tasks[order.ID]; ok {
			t.Runs++
			t.LastError = ""
			if err != nil {
				t.LastError = err.Error()
			}
		}
		s.mu.Unlock()

		if err != nil {
			s.logger.Error("Standing IOU failed", map[string]interface{}{
				"id":    order.ID,
				"error": err.Error(),
			})
			continue
		}
		s.logger.Info("Standing IOU recorded", map[string]interface{}{
			"id":         order.ID,
			"tx_hash":    receipt.TxHash.String(),
			"net_amount": receipt.Submission.NetAmount,
		})
	}
	return attempted
}
