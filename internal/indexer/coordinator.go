package indexer

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"hyphetext/internal/config"
	"hyphetext/internal/extract"
	"hyphetext/internal/metrics"
	"hyphetext/internal/transform"
)

const (
	throttleStep = 500 * time.Millisecond
	throttleMax  = 5 * time.Second
)

// Coordinator runs the main indexing loop: corpus discovery, index
// provisioning, batch leasing and dispatch, crawl-job completion sweeps
// and deferred web-entity reclassification. It is the only agent that
// transitions pages from TO_INDEX into a batch lease, and the only one
// that reverts leases on shutdown.
type Coordinator struct {
	cfg    *config.Config
	store  PageStore
	search SearchIndex
	tasks  chan Task
	logger *slog.Logger

	methodsByCorpus    map[string][]string
	batchesSinceUpdate map[string]int
	firstRun           bool
	throttle           time.Duration
}

func NewCoordinator(cfg *config.Config, store PageStore, search SearchIndex, tasks chan Task, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		cfg:                cfg,
		store:              store,
		search:             search,
		tasks:              tasks,
		logger:             logger,
		methodsByCorpus:    make(map[string][]string),
		batchesSinceUpdate: make(map[string]int),
		firstRun:           true,
		throttle:           throttleStep,
	}
}

// Run loops until the context is cancelled. A failed tick is logged and
// the loop continues; only shutdown exits it. Batches orphaned by an
// earlier crash are reclaimed before any new lease is handed out.
func (c *Coordinator) Run(ctx context.Context) {
	c.ResetLeases(ctx)
	for ctx.Err() == nil {
		start := time.Now()
		if err := c.tick(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			c.logger.Error("in main loop, trying to continue operations", "error", err)
		}
		metrics.RecordTick(time.Since(start).Milliseconds())
	}
	c.logger.Info("coordinator stopped")
}

func (c *Coordinator) tick(ctx context.Context) error {
	corpora, err := c.store.Corpora(ctx)
	if err != nil {
		return err
	}
	existing, err := c.search.ExistingIndices(ctx)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(corpora))
	nbPages := make(map[string]int64, len(corpora))
	nbUpdates := make(map[string]int64, len(corpora))
	keep := make(map[string]struct{}, len(corpora))

	for _, corpus := range corpora {
		id := corpus.ID
		names = append(names, id)

		if nbPages[id], err = c.store.CountPendingPages(ctx, id); err != nil {
			return err
		}
		c.logger.Info("pages to index", "corpus", id, "pages", nbPages[id])
		if nbUpdates[id], err = c.store.CountPendingUpdates(ctx, id); err != nil {
			return err
		}

		indexName := IndexName(id)
		_, exists := existing[indexName]
		if !exists || c.firstRun {
			methods := corpus.Options.ExtractionMethods
			if len(methods) == 0 {
				methods = c.cfg.Indexer.ExtractionMethods
			}
			def := corpus.Options.DefaultExtractionMethod
			if def == "" {
				def = c.cfg.Indexer.DefaultExtractionMethod
			}
			methods, def = extract.ResolveMethods(methods, def, c.logger)
			c.methodsByCorpus[id] = methods

			if !exists {
				if err := c.search.CreateIndex(ctx, id, def); err != nil {
					return err
				}
				c.logger.Info("index created", "corpus", id)
			} else if err := c.search.UpdateMapping(ctx, id, def); err != nil {
				return err
			}
		}
		keep[indexName] = struct{}{}
	}

	// Indices for corpora removed from the registry are cleaned up, along
	// with their in-memory state.
	var toDelete []string
	for name := range existing {
		if _, ok := keep[name]; !ok {
			toDelete = append(toDelete, name)
		}
	}
	if len(toDelete) > 0 {
		c.logger.Info("deleting indices", "indices", toDelete)
		if err := c.search.DeleteIndices(ctx, toDelete); err != nil {
			return err
		}
	}
	current := make(map[string]struct{}, len(names))
	for _, id := range names {
		current[id] = struct{}{}
	}
	for id := range c.methodsByCorpus {
		if _, ok := current[id]; !ok {
			delete(c.methodsByCorpus, id)
		}
	}
	for id := range c.batchesSinceUpdate {
		if _, ok := current[id]; !ok {
			delete(c.batchesSinceUpdate, id)
		}
	}

	// Order corpora by least-recently indexed so no corpus is starved.
	dates := map[string]float64{}
	if len(keep) > 0 {
		if dates, err = c.search.LastIndexDates(ctx); err != nil {
			return err
		}
	}
	sort.SliceStable(names, func(i, j int) bool {
		return dates[IndexName(names[i])] < dates[IndexName(names[j])]
	})

	for _, id := range names {
		if nbPages[id] > 0 && len(c.tasks) < cap(c.tasks) {
			if err := c.formBatch(ctx, id); err != nil {
				return err
			}
		}
		// Counted every tick on purpose: web-entity updates are paced by
		// loop iterations as much as by real batches.
		c.batchesSinceUpdate[id]++
	}

	for _, id := range names {
		if err := c.sweepCompletedJobs(ctx, id); err != nil {
			return err
		}
	}

	for _, id := range names {
		if nbUpdates[id] > 0 && c.batchesSinceUpdate[id] > c.cfg.Indexer.UpdateWEFreq {
			if err := c.updateWebEntities(ctx, id); err != nil {
				return err
			}
			c.batchesSinceUpdate[id] = 0
		}
	}

	c.firstRun = false

	var totalPages, totalUpdates int64
	for _, id := range names {
		totalPages += nbPages[id]
		totalUpdates += nbUpdates[id]
	}
	if totalPages == 0 && totalUpdates == 0 {
		c.logger.Info("waiting", "seconds", c.throttle.Seconds())
		select {
		case <-ctx.Done():
		case <-time.After(c.throttle):
		}
		if c.throttle < throttleMax {
			c.throttle += throttleStep
		}
	} else {
		c.throttle = throttleStep
	}
	return nil
}

// formBatch leases up to BatchSize pending pages under a fresh batch uuid
// and hands the task to the worker pool. The send never blocks: stalling
// here would starve the web-entity updates.
func (c *Coordinator) formBatch(ctx context.Context, corpus string) error {
	ids, err := c.store.NextBatchIDs(ctx, corpus, c.cfg.Indexer.BatchSize)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	batchUUID := transform.BatchUUID(ids)
	if err := c.store.MarkBatch(ctx, corpus, ids, batchUUID); err != nil {
		return err
	}

	select {
	case c.tasks <- Task{Corpus: corpus, BatchUUID: batchUUID, ExtractionMethods: c.methodsByCorpus[corpus]}:
		metrics.RecordBatchDispatched(corpus)
	default:
		// The capacity check above makes this unreachable in practice,
		// but a lease must never outlive a task that no worker will see.
		c.logger.Info("indexation queue is full")
		if err := c.store.ReleaseBatch(ctx, corpus, ids); err != nil {
			return err
		}
	}
	return nil
}

// sweepCompletedJobs marks crawl jobs text_indexed once every one of their
// non-forgotten pages reached a terminal status, then refreshes the index
// so the web-entity updater observes the change.
func (c *Coordinator) sweepCompletedJobs(ctx context.Context, corpus string) error {
	pending, err := c.store.PendingJobIDs(ctx, corpus)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	notCompleted, err := c.store.UncompletedJobIDs(ctx, corpus, pending)
	if err != nil {
		return err
	}
	open := make(map[string]struct{}, len(notCompleted))
	for _, id := range notCompleted {
		open[id] = struct{}{}
	}
	completed := make([]string, 0, len(pending))
	for _, id := range pending {
		if _, ok := open[id]; !ok {
			completed = append(completed, id)
		}
	}
	if len(completed) == 0 {
		return nil
	}

	modified, err := c.store.MarkJobsIndexed(ctx, corpus, completed)
	if err != nil {
		return err
	}
	if modified != int64(len(completed)) {
		c.logger.Warn("fewer jobs modified than completed",
			"corpus", corpus, "modified", modified, "completed", len(completed))
	}
	c.logger.Info("jobs fully indexed",
		"corpus", corpus, "completed", len(completed), "pending", len(notCompleted))
	return c.search.Refresh(ctx, corpus)
}

// ResetLeases reverts every page still leased to a batch back to TO_INDEX.
// Called at startup, before the first tick, and again after workers
// stopped; this is what makes a crash mid-batch recoverable.
func (c *Coordinator) ResetLeases(ctx context.Context) {
	corpora, err := c.store.Corpora(ctx)
	if err != nil {
		c.logger.Error("failed to list corpora for lease reset", "error", err)
		return
	}
	for _, corpus := range corpora {
		n, err := c.store.ResetNonTerminal(ctx, corpus.ID)
		if err != nil {
			c.logger.Error("failed to reset in-batch flags", "corpus", corpus.ID, "error", err)
			continue
		}
		if n > 0 {
			c.logger.Info("reset in-batch flags", "corpus", corpus.ID, "pages", n)
		}
	}
}
