// Package indexer contains the indexing coordinator, the batch worker
// pool and the web-entity updater. It talks to the document store and the
// search cluster through narrow interfaces so the control flow can be
// tested against fakes.
package indexer

import (
	"context"

	"hyphetext/internal/model"
	"hyphetext/internal/transform"
)

// IndexName returns the search index provisioned for a corpus.
func IndexName(corpus string) string {
	return "hyphe_" + corpus
}

// IndexPattern matches every index this service manages.
const IndexPattern = "hyphe_*"

// Task is one batch handed from the coordinator to a worker. The batch
// uuid is the lease under which the pages were flagged in the store.
type Task struct {
	Corpus            string
	BatchUUID         string
	ExtractionMethods []string
}

// BulkError is one per-document failure reported by the search cluster.
type BulkError struct {
	ID     string
	Type   string
	Reason string
}

// BulkResult is the per-document outcome of one bulk upsert.
type BulkResult struct {
	Indexed int
	Errors  []BulkError
}

// PageStore is the document-store surface the indexer needs.
type PageStore interface {
	// Corpora lists every corpus with text indexing enabled, including
	// its extraction options.
	Corpora(ctx context.Context) ([]model.Corpus, error)

	CountPendingPages(ctx context.Context, corpus string) (int64, error)
	CountPendingUpdates(ctx context.Context, corpus string) (int64, error)

	// NextBatchIDs returns up to limit pending page ids in ascending
	// crawl-timestamp order.
	NextBatchIDs(ctx context.Context, corpus string, limit int) ([]string, error)
	// MarkBatch leases the given pages to a batch; the coordinator is the
	// sole caller and this transition is the commit point of ownership.
	MarkBatch(ctx context.Context, corpus string, ids []string, batchUUID string) error
	// ReleaseBatch returns leased pages to TO_INDEX when the task could
	// not be dispatched.
	ReleaseBatch(ctx context.Context, corpus string, ids []string) error

	PagesInBatch(ctx context.Context, corpus, batchUUID string) ([]model.Page, error)
	MarkPageError(ctx context.Context, corpus, url, batchUUID, message string) error
	// MarkBatchIndexed marks leased pages INDEXED; a nil urls slice marks
	// every page still leased to the batch.
	MarkBatchIndexed(ctx context.Context, corpus, batchUUID string, urls []string) error
	// ResetBatch reverts every page still leased to the batch to TO_INDEX.
	ResetBatch(ctx context.Context, corpus, batchUUID string) error
	// ResetNonTerminal reverts every page in a non-terminal IN_BATCH_*
	// status to TO_INDEX; used on shutdown and crash recovery.
	ResetNonTerminal(ctx context.Context, corpus string) (int64, error)

	PendingJobIDs(ctx context.Context, corpus string) ([]string, error)
	// UncompletedJobIDs returns the subset of jobIDs that still own at
	// least one non-terminal, non-forgotten page.
	UncompletedJobIDs(ctx context.Context, corpus string, jobIDs []string) ([]string, error)
	MarkJobsIndexed(ctx context.Context, corpus string, jobIDs []string) (int64, error)

	PendingWebEntityUpdates(ctx context.Context, corpus string) ([]model.WebEntityUpdate, error)
	// CountBlockingJobs counts jobs of the old web entity scheduled before
	// the update that are not fully text-indexed yet.
	CountBlockingJobs(ctx context.Context, corpus, oldWebentity string, before int64) (int64, error)
	FinishWebEntityUpdate(ctx context.Context, corpus string, id interface{}) error
}

// SearchIndex is the search-cluster surface the indexer needs.
type SearchIndex interface {
	// ExistingIndices lists index names matching IndexPattern.
	ExistingIndices(ctx context.Context) (map[string]struct{}, error)
	CreateIndex(ctx context.Context, corpus, defaultMethod string) error
	UpdateMapping(ctx context.Context, corpus, defaultMethod string) error
	DeleteIndices(ctx context.Context, names []string) error

	// BulkUpsert issues one bulk of update+doc_as_upsert operations and
	// reports per-document errors without failing the call.
	BulkUpsert(ctx context.Context, corpus string, docs []transform.Document) (BulkResult, error)
	// UpdateWebEntity rewrites webentity_id by server-side script for all
	// documents of the old web entity (optionally narrowed by prefixes)
	// and returns the number of updated documents.
	UpdateWebEntity(ctx context.Context, corpus, oldWebentity, newWebentity string, prefixes []string) (int64, error)
	Refresh(ctx context.Context, corpus string) error
	// LastIndexDates returns, per index name, the max indexDate as epoch
	// milliseconds; indices without documents are absent.
	LastIndexDates(ctx context.Context) (map[string]float64, error)
}
