package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"hyphetext/internal/metrics"
	"hyphetext/internal/transform"
)

// Worker consumes batch tasks and indexes their pages. Workers never
// observe shutdown signals: the coordinator owns the lifecycle, and a
// closed task channel is the stop sentinel.
type Worker struct {
	name        string
	store       PageStore
	search      SearchIndex
	transformer *transform.Transformer
	logger      *slog.Logger
}

// Pool runs a fixed set of workers over a bounded task channel whose
// capacity equals the worker count.
type Pool struct {
	tasks chan Task
	wg    sync.WaitGroup
}

// NewPool starts n workers.
func NewPool(n int, store PageStore, search SearchIndex, tr *transform.Transformer, logger *slog.Logger) *Pool {
	p := &Pool{tasks: make(chan Task, n)}
	for i := 0; i < n; i++ {
		w := &Worker{
			name:        fmt.Sprintf("worker-%d", i),
			store:       store,
			search:      search,
			transformer: tr,
			logger:      logger.With("worker", fmt.Sprintf("worker-%d", i)),
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.Run(p.tasks)
		}()
	}
	return p
}

// Tasks exposes the task channel for the coordinator's non-blocking sends.
func (p *Pool) Tasks() chan Task { return p.tasks }

// Drain empties the task channel without dispatching; pages leased to the
// drained batches are reclaimed by the post-shutdown lease reset.
func (p *Pool) Drain() {
	for {
		select {
		case <-p.tasks:
		default:
			return
		}
	}
}

// Stop closes the task channel and waits for workers to finish their
// current task. It reports whether all workers exited within the timeout.
func (p *Pool) Stop(timeout time.Duration) bool {
	close(p.tasks)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Run processes tasks until the channel is closed. Task failures are
// contained: the worker reverts the batch and picks up the next task.
func (w *Worker) Run(tasks <-chan Task) {
	for task := range tasks {
		if err := w.runTask(context.Background(), task); err != nil {
			w.logger.Error("error in indexation task",
				"corpus", task.Corpus, "batch", task.BatchUUID, "error", err)
		}
	}
	w.logger.Info("stopping")
}

func (w *Worker) runTask(ctx context.Context, task Task) error {
	pages, err := w.store.PagesInBatch(ctx, task.Corpus, task.BatchUUID)
	if err != nil {
		return w.revert(ctx, task, err)
	}
	w.logger.Info("working on batch", "batch", task.BatchUUID, "pages", len(pages))

	docs := make([]transform.Document, 0, len(pages))
	urlByID := make(map[string]string, len(pages))
	rejected := 0
	for _, page := range pages {
		doc, rejectErr := w.transformer.Page(page, task.ExtractionMethods)
		if rejectErr != nil {
			rejected++
			if err := w.store.MarkPageError(ctx, task.Corpus, page.URL, task.BatchUUID, rejectErr.Error()); err != nil {
				return w.revert(ctx, task, err)
			}
			continue
		}
		docs = append(docs, *doc)
		urlByID[doc.ID] = page.URL
	}
	w.logger.Info("pages to index in batch", "corpus", task.Corpus, "batch", task.BatchUUID, "pages", len(docs))

	var res BulkResult
	if len(docs) > 0 {
		res, err = w.search.BulkUpsert(ctx, task.Corpus, docs)
		if err != nil {
			return w.revert(ctx, task, err)
		}
	}
	if res.Indexed > 0 {
		w.logger.Info("pages indexed in batch", "corpus", task.Corpus, "batch", task.BatchUUID, "pages", res.Indexed)
	}

	if len(res.Errors) == 0 {
		if err := w.store.MarkBatchIndexed(ctx, task.Corpus, task.BatchUUID, nil); err != nil {
			return w.revert(ctx, task, err)
		}
		metrics.RecordBatch(task.Corpus, len(docs), rejected)
		return nil
	}

	// Per-document failures do not revert the batch: the failed pages
	// move to ERROR with the cluster-reported reason, the rest to INDEXED.
	w.logger.Warn("documents were not indexed in batch",
		"batch", task.BatchUUID, "failed", len(res.Errors))
	failed := make(map[string]BulkError, len(res.Errors))
	for _, e := range res.Errors {
		failed[e.ID] = e
	}
	indexedURLs := make([]string, 0, len(docs))
	for _, d := range docs {
		if _, bad := failed[d.ID]; !bad {
			indexedURLs = append(indexedURLs, urlByID[d.ID])
		}
	}
	if err := w.store.MarkBatchIndexed(ctx, task.Corpus, task.BatchUUID, indexedURLs); err != nil {
		return w.revert(ctx, task, err)
	}
	for _, d := range docs {
		e, bad := failed[d.ID]
		if !bad {
			continue
		}
		message := fmt.Sprintf("%s : %s", e.Type, e.Reason)
		if err := w.store.MarkPageError(ctx, task.Corpus, urlByID[d.ID], task.BatchUUID, message); err != nil {
			return w.revert(ctx, task, err)
		}
	}
	metrics.RecordBatch(task.Corpus, len(indexedURLs), rejected+len(res.Errors))
	return nil
}

// revert resets every page still leased to the batch back to TO_INDEX so
// a later tick retries them, then reports the original cause.
func (w *Worker) revert(ctx context.Context, task Task, cause error) error {
	if err := w.store.ResetBatch(ctx, task.Corpus, task.BatchUUID); err != nil {
		w.logger.Error("failed to reset batch flags", "batch", task.BatchUUID, "error", err)
	} else {
		w.logger.Error("error in index bulk, batch flag reset", "corpus", task.Corpus, "batch", task.BatchUUID)
	}
	metrics.RecordBatchReverted(task.Corpus)
	return cause
}
