package warehouse

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/basket/sdoh-analyst/internal/bus"
	"github.com/basket/sdoh-analyst/internal/schema"
)

// Annotation is one data dictionary row.
type Annotation struct {
	Table       string
	Column      string
	Description string
}

// Dictionary supplies column descriptions the warehouse itself lacks.
type Dictionary interface {
	Annotations(ctx context.Context) ([]Annotation, error)
}

// Catalog caches the current schema snapshot, annotated with dictionary
// descriptions. Readers always get a private clone.
type Catalog struct {
	src    Source
	dict   Dictionary
	bus    *bus.Bus
	logger *slog.Logger

	mu        sync.RWMutex
	snap      *schema.Snapshot
	fetchedAt time.Time
}

// NewCatalog wraps src. dict and eventBus may be nil.
func NewCatalog(src Source, dict Dictionary, eventBus *bus.Bus, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{src: src, dict: dict, bus: eventBus, logger: logger}
}

// Source returns the underlying backend.
func (c *Catalog) Source() Source { return c.src }

// Snapshot returns the cached snapshot, fetching it on first use.
func (c *Catalog) Snapshot(ctx context.Context) (*schema.Snapshot, error) {
	c.mu.RLock()
	snap := c.snap
	c.mu.RUnlock()
	if snap != nil {
		return snap.Clone(), nil
	}
	if err := c.Refresh(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.Clone(), nil
}

// Refresh refetches the snapshot and re-applies the dictionary.
func (c *Catalog) Refresh(ctx context.Context) error {
	snap, err := c.src.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("fetch schema snapshot: %w", err)
	}
	annotated := 0
	if c.dict != nil {
		anns, err := c.dict.Annotations(ctx)
		if err != nil {
			c.logger.Warn("data dictionary unavailable", "error", err)
		}
		for _, a := range anns {
			if snap.Annotate(a.Table, a.Column, a.Description) {
				annotated++
			}
		}
	}

	c.mu.Lock()
	c.snap = snap
	c.fetchedAt = time.Now()
	c.mu.Unlock()

	c.logger.Info("schema snapshot refreshed", "driver", c.src.Driver(), "tables", snap.Len(), "annotated", annotated)
	if c.bus != nil {
		c.bus.Publish(bus.TopicSchemaRefreshed, map[string]any{"tables": snap.Len(), "annotated": annotated})
	}
	return nil
}

// FetchedAt reports when the cached snapshot was loaded.
func (c *Catalog) FetchedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fetchedAt
}

// Refresher refreshes a Catalog on a cron schedule.
type Refresher struct {
	cron    *cron.Cron
	catalog *Catalog
	logger  *slog.Logger
	timeout time.Duration
}

// NewRefresher schedules catalog refreshes. spec is a standard five-field
// cron expression or a descriptor such as "@every 15m".
func NewRefresher(catalog *Catalog, spec string, logger *slog.Logger) (*Refresher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Refresher{
		cron:    cron.New(),
		catalog: catalog,
		logger:  logger,
		timeout: time.Minute,
	}
	if _, err := r.cron.AddFunc(spec, r.run); err != nil {
		return nil, fmt.Errorf("parse refresh schedule %q: %w", spec, err)
	}
	return r, nil
}

func (r *Refresher) run() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.catalog.Refresh(ctx); err != nil {
		r.logger.Error("scheduled schema refresh failed", "error", err)
	}
}

// Start begins the schedule.
func (r *Refresher) Start() { r.cron.Start() }

// Stop halts the schedule and waits for a running refresh.
func (r *Refresher) Stop() {
	<-r.cron.Stop().Done()
}
