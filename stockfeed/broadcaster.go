package stockfeed

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/mandalaysoft/billing_backend/config"
)

// StockUpdate is one stock-level change event.
type StockUpdate struct {
	ProductId    int   `json:"product_id"`
	CurrentStock int64 `json:"current_stock"`
}

const redisChannel = "stockfeed"

// allProducts subscribes a channel to every product's updates.
const allProducts = 0

// Broadcaster fans StockUpdates out to in-process subscribers. One instance
// is created in main, handed to the transaction layer by reference, and
// closed during shutdown. Publishing is non-blocking: a subscriber that
// cannot keep up drops updates rather than stalling the publisher. Feed
// delivery is best effort and never on a write's critical path.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[chan StockUpdate]int
	closed bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan StockUpdate]int)}
}

// Subscribe registers a buffered channel for one product's updates. The
// returned cancel func unregisters and closes it; safe to call more than
// once.
func (b *Broadcaster) Subscribe(productId int) (<-chan StockUpdate, func()) {
	return b.subscribe(productId)
}

// SubscribeAll registers for every product's updates.
func (b *Broadcaster) SubscribeAll() (<-chan StockUpdate, func()) {
	return b.subscribe(allProducts)
}

func (b *Broadcaster) subscribe(productId int) (<-chan StockUpdate, func()) {
	ch := make(chan StockUpdate, 16)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = productId

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// Publish pushes the update to matching in-process subscribers and, when
// Redis is configured, to the cross-instance channel. Both paths are best
// effort; a nil Broadcaster drops everything.
func (b *Broadcaster) Publish(ctx context.Context, update StockUpdate) {
	if b == nil {
		return
	}
	b.publishLocal(update)

	redisDb := config.GetRedisDB()
	if redisDb == nil {
		return
	}
	payload, err := json.Marshal(update)
	if err != nil {
		return
	}
	if err := redisDb.Publish(ctx, redisChannel, payload).Err(); err != nil {
		logger := config.GetLogger()
		config.LogError(logger, "broadcaster.go", "Publish", "redis publish", update, err)
	}
}

// publishLocal delivers to every matching subscriber without blocking.
func (b *Broadcaster) publishLocal(update StockUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for ch, productId := range b.subs {
		if productId != allProducts && productId != update.ProductId {
			continue
		}
		select {
		case ch <- update:
		default:
			// slow subscriber: drop, never block the publisher
		}
	}
}

// Close drops all subscribers and rejects further publishes.
func (b *Broadcaster) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
	}
	b.subs = make(map[chan StockUpdate]int)
}

// StartRedisBridge re-broadcasts updates published by other instances into
// the local feed. No-op without Redis. Returns when ctx is done.
func (b *Broadcaster) StartRedisBridge(ctx context.Context) {
	if b == nil {
		return
	}
	redisDb := config.GetRedisDB()
	if redisDb == nil {
		return
	}
	sub := redisDb.Subscribe(ctx, redisChannel)
	defer func() { _ = sub.Close() }()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			var update StockUpdate
			if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
				continue
			}
			b.publishLocal(update)
		}
	}
}
