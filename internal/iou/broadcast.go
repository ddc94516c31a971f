package iou

import (
	"context"
	"sync"

	"iouchain/internal/domain"
)

const watcherBuffer = 64

type broadcaster struct {
	mu   sync.Mutex
	subs map[chan domain.DebtEvent]struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[chan domain.DebtEvent]struct{})}
}

func (b *broadcaster) subscribe(ctx context.Context) <-chan domain.DebtEvent {
	ch := make(chan domain.DebtEvent, watcherBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		close(ch)
		b.mu.Unlock()
	}()
	return ch
}

func (b *broadcaster) send(ev domain.DebtEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *broadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
