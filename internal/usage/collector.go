package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// BatchInserter is the subset of Store used by Collector. It exists so the
// collector can be tested without a real database.
type BatchInserter interface {
	BatchInsert(ctx context.Context, entries []Entry) error
}

// Collector buffers usage entries in memory and flushes them to the store in
// batches, so settlement latency never waits on the audit write. Safe for
// concurrent use.
type Collector struct {
	store         BatchInserter
	buffer        []Entry
	mu            sync.Mutex
	batchSize     int
	flushInterval time.Duration
	done          chan struct{}
}

// NewCollector creates a Collector that flushes when the buffer reaches
// batchSize or every flushInterval, whichever comes first.
func NewCollector(store BatchInserter, batchSize int, flushInterval time.Duration) *Collector {
	return &Collector{
		store:         store,
		buffer:        make([]Entry, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
	}
}

// Start runs the flush loop until Stop is called or the context is cancelled.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.flush()
		case <-ctx.Done():
			c.flush()
			return
		case <-c.done:
			c.flush()
			return
		}
	}
}

// Record buffers one entry, triggering an immediate flush at batchSize.
func (c *Collector) Record(e Entry) {
	c.mu.Lock()
	c.buffer = append(c.buffer, e)
	shouldFlush := len(c.buffer) >= c.batchSize
	c.mu.Unlock()

	if shouldFlush {
		c.flush()
	}
}

func (c *Collector) flush() {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = make([]Entry, 0, c.batchSize)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.store.BatchInsert(ctx, batch); err != nil {
		slog.Error("failed to flush usage ledger entries", "count", len(batch), "error", err)
	}
}

// Stop signals the flush loop to exit and performs a final flush.
func (c *Collector) Stop() {
	close(c.done)
}
