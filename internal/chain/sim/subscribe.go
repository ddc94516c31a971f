package sim

import (
	"context"

	"iouchain/internal/domain"
)

const subscriberBuffer = 256

// Subscribe returns a channel of debt events committed after the call. Slow
// subscribers miss events rather than block the chain; the events are only a
// wake-up signal and the ledger itself stays the source of truth.
func (c *Chain) Subscribe(ctx context.Context) <-chan domain.DebtEvent {
	ch := make(chan domain.DebtEvent, subscriberBuffer)

	c.subMu.Lock()
	c.subscribers[ch] = struct{}{}
	c.subMu.Unlock()

	go func() {
		<-ctx.Done()
		c.subMu.Lock()
		delete(c.subscribers, ch)
		close(ch)
		c.subMu.Unlock()
	}()

	return ch
}

func (c *Chain) notify(ev domain.DebtEvent) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for ch := range c.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}
