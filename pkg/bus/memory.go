package bus

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/c-h-/orgloop-sub002/pkg/config"
	"github.com/c-h-/orgloop-sub002/pkg/event"
)

// MemoryBus is the in-memory bus variant: a bounded queue per dispatch
// worker, no durability. Events are sharded to workers by source id,
// which keeps per-source publish order while letting independent
// sources dispatch in parallel.
type MemoryBus struct {
	shards  []chan *event.Event
	onFull  string
	timeout time.Duration

	subMu  sync.RWMutex
	subs   map[int]Handler
	nextID int

	stateMu sync.RWMutex
	closed  bool

	wg     sync.WaitGroup
	cancel context.CancelFunc

	dropMu  sync.Mutex
	dropped int64
}

// NewMemoryBus builds a memory bus from config. Capacity is split
// across workers.
func NewMemoryBus(cfg config.BusConfig) *MemoryBus {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	perShard := cfg.Capacity / workers
	if perShard < 1 {
		perShard = 1
	}

	shards := make([]chan *event.Event, workers)
	for i := range shards {
		shards[i] = make(chan *event.Event, perShard)
	}

	return &MemoryBus{
		shards:  shards,
		onFull:  cfg.OnFull,
		timeout: cfg.PublishTimeout,
		subs:    make(map[int]Handler),
	}
}

// Subscribe implements Bus.
func (b *MemoryBus) Subscribe(h Handler) func() {
	b.subMu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = h
	b.subMu.Unlock()

	return func() {
		b.subMu.Lock()
		delete(b.subs, id)
		b.subMu.Unlock()
	}
}

// Start launches one dispatch goroutine per shard.
func (b *MemoryBus) Start(ctx context.Context) error {
	ctx, b.cancel = context.WithCancel(ctx)
	for i := range b.shards {
		b.wg.Add(1)
		go b.dispatch(ctx, b.shards[i])
	}
	slog.Info("memory bus started", "workers", len(b.shards))
	return nil
}

// Publish implements Bus. When the shard queue is full the configured
// policy applies: "block" waits up to the publish timeout then fails
// with ErrBusFull; "drop" discards the event with a warning and
// reports success.
func (b *MemoryBus) Publish(_ context.Context, ev *event.Event) error {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	shard := b.shards[shardFor(ev.SourceID, len(b.shards))]

	select {
	case shard <- ev:
		return nil
	default:
	}

	if b.onFull == config.OnFullDrop {
		b.dropMu.Lock()
		b.dropped++
		dropped := b.dropped
		b.dropMu.Unlock()
		slog.Warn("bus full, event dropped",
			"event_id", ev.ID, "source_id", ev.SourceID, "total_dropped", dropped)
		return nil
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case shard <- ev:
		return nil
	case <-timer.C:
		return ErrBusFull
	}
}

// Stop rejects further publishes, drains queued events, and waits for
// the dispatch goroutines.
func (b *MemoryBus) Stop(ctx context.Context) error {
	b.stateMu.Lock()
	if b.closed {
		b.stateMu.Unlock()
		return nil
	}
	b.closed = true
	b.stateMu.Unlock()

	for _, shard := range b.shards {
		close(shard)
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if b.cancel != nil {
			b.cancel()
		}
		<-done
	}
	slog.Info("memory bus stopped")
	return nil
}

// Dropped returns how many events the drop policy discarded.
func (b *MemoryBus) Dropped() int64 {
	b.dropMu.Lock()
	defer b.dropMu.Unlock()
	return b.dropped
}

// Health implements Bus.
func (b *MemoryBus) Health() Health {
	depth, capacity := 0, 0
	for _, shard := range b.shards {
		depth += len(shard)
		capacity += cap(shard)
	}
	b.subMu.RLock()
	subscribers := len(b.subs)
	b.subMu.RUnlock()

	return Health{
		Kind:        config.BusKindMemory,
		Depth:       depth,
		Capacity:    capacity,
		Subscribers: subscribers,
		Dropped:     b.Dropped(),
	}
}

func (b *MemoryBus) dispatch(ctx context.Context, shard chan *event.Event) {
	defer b.wg.Done()
	for ev := range shard {
		b.subMu.RLock()
		handlers := make([]Handler, 0, len(b.subs))
		for _, h := range b.subs {
			handlers = append(handlers, h)
		}
		b.subMu.RUnlock()

		for _, h := range handlers {
			h(ctx, Delivery{Event: ev})
		}
	}
}

func shardFor(sourceID string, n int) int {
	if n == 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(sourceID))
	return int(h.Sum32() % uint32(n))
}
