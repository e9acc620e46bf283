package events

import (
	"sync"

	"archiflow/internal/domain"
)

// Bus fans contract change notifications out to subscribers. Handlers run
// synchronously on the publishing goroutine, in subscription order.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(domain.ChangeEvent)
	order  []int
}

func NewBus() *Bus {
	return &Bus{subs: map[int]func(domain.ChangeEvent){}}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus) Subscribe(fn func(domain.ChangeEvent)) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = map[int]func(domain.ChangeEvent){}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.order = append(b.order, id)
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			for i, v := range b.order {
				if v == id {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (b *Bus) Publish(evt domain.ChangeEvent) {
	if b == nil {
		return
	}
	b.mu.RLock()
	handlers := make([]func(domain.ChangeEvent), 0, len(b.order))
	for _, id := range b.order {
		handlers = append(handlers, b.subs[id])
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(evt)
	}
}
