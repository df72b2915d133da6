package pricing

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Options configures a Catalog.
type Options struct {
	Source           Source
	TrustKey         ed25519.PublicKey
	EnforceSignature bool
	// SchemaVersion is the expected document schema version; a mismatch is a
	// verification failure.
	SchemaVersion int
	RefreshTTL    time.Duration
}

// Catalog owns the verified pricing table. All readers go through Lookup; the
// table is replaced wholesale on each successful verified fetch and retained
// untouched when a fetch or verification fails.
type Catalog struct {
	opts Options

	mu        sync.RWMutex
	entries   map[string]Entry
	fetchedAt time.Time

	now func() time.Time // injectable clock for testing

	// RefreshObserver, when set, is called after every refresh attempt with
	// "ok" or "failed".
	RefreshObserver func(status string)
}

// NewCatalog creates an empty catalog. Call Refresh (or rely on the lazy
// refresh in Lookup) to load the first table.
func NewCatalog(opts Options) *Catalog {
	return &Catalog{
		opts: opts,
		now:  time.Now,
	}
}

func entryKey(provider, model string) string {
	return provider + "/" + model
}

// Refresh fetches, verifies, and swaps in a new pricing table. On any
// failure the current table is kept and the error is returned.
func (c *Catalog) Refresh(ctx context.Context) error {
	err := c.refresh(ctx)
	if c.RefreshObserver != nil {
		if err != nil {
			c.RefreshObserver("failed")
		} else {
			c.RefreshObserver("ok")
		}
	}
	return err
}

func (c *Catalog) refresh(ctx context.Context) error {
	data, err := c.opts.Source.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetching pricing document: %w", err)
	}

	var doc *Document
	if c.opts.EnforceSignature {
		doc, err = OpenEnvelope(data, c.opts.TrustKey)
	} else {
		doc, err = ParseUnsigned(data)
	}
	if err != nil {
		return err
	}

	if c.opts.SchemaVersion != 0 && doc.SchemaVersion != c.opts.SchemaVersion {
		return fmt.Errorf("%w: schema version %d, expected %d",
			ErrVerificationFailed, doc.SchemaVersion, c.opts.SchemaVersion)
	}

	table := make(map[string]Entry, len(doc.Entries))
	for _, e := range doc.Entries {
		table[entryKey(e.Provider, e.Model)] = e
	}

	c.mu.Lock()
	c.entries = table
	c.fetchedAt = c.now()
	c.mu.Unlock()

	slog.Info("pricing catalog refreshed", "entries", len(table), "schema_version", doc.SchemaVersion)
	return nil
}

// Lookup returns the verified entry for the provider/model pair, refreshing
// first when the table is absent or older than the TTL. A failed refresh
// falls back to the stale table; with no table at all the error propagates.
func (c *Catalog) Lookup(ctx context.Context, provider, model string) (Entry, error) {
	c.mu.RLock()
	loaded := c.entries != nil
	stale := !loaded || (c.opts.RefreshTTL > 0 && c.now().Sub(c.fetchedAt) > c.opts.RefreshTTL)
	c.mu.RUnlock()

	if stale {
		if err := c.Refresh(ctx); err != nil {
			if !loaded {
				return Entry{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
			}
			slog.Warn("pricing refresh failed, serving stale catalog", "error", err)
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[entryKey(provider, model)]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s/%s", ErrUnknownModel, provider, model)
	}
	return e, nil
}
