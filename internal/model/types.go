package model

import "strings"

// Per-page indexation statuses stored in pages.text_indexation_status.
// These values must match the text values written by the crawler.
//
// Centralizing these here avoids scattering string literals like
// "TO_INDEX" or "INDEXED" across packages.
const (
	StatusToIndex   = "TO_INDEX"
	StatusIndexed   = "INDEXED"
	StatusError     = "ERROR"
	StatusDontIndex = "DONT_INDEX"

	// InBatchPrefix prefixes the status of pages leased to an in-flight
	// batch; the suffix is the batch uuid acting as the lease holder.
	InBatchPrefix = "IN_BATCH_"
)

// TerminalStatuses are the statuses a page never leaves.
var TerminalStatuses = []string{StatusDontIndex, StatusIndexed, StatusError}

// InBatchStatus returns the status value leasing a page to the given batch.
func InBatchStatus(batchUUID string) string {
	return InBatchPrefix + batchUUID
}

// IsInBatch reports whether a status string is a batch lease.
func IsInBatch(status string) bool {
	return strings.HasPrefix(status, InBatchPrefix)
}

// Crawl-job statuses written by the crawler into jobs.crawling_status.
const (
	CrawlFinished = "FINISHED"
	CrawlCanceled = "CANCELED"
	CrawlRetried  = "RETRIED"
)

// Web-entity update statuses in WEupdates.index_status.
const (
	UpdatePending  = "PENDING"
	UpdateFinished = "FINISHED"
)

// Page is one crawled page record in hyphe_<corpus>.pages.
type Page struct {
	ID                   string `bson:"_id"`
	URL                  string `bson:"url"`
	Lru                  string `bson:"lru"`
	Status               int    `bson:"status"`
	Timestamp            int64  `bson:"timestamp"`
	Encoding             string `bson:"encoding,omitempty"`
	Body                 []byte `bson:"body"`
	WebentityWhenCrawled string `bson:"webentity_when_crawled"`
	Forgotten            bool   `bson:"forgotten"`
	Job                  string `bson:"_job"`
	TextIndexationStatus string `bson:"text_indexation_status"`
	TextIndexationError  string `bson:"text_indexation_error,omitempty"`
}

// CrawlJob is one crawl-job record in hyphe_<corpus>.jobs.
type CrawlJob struct {
	CrawljobID     string `bson:"crawljob_id"`
	WebentityID    string `bson:"webentity_id"`
	ScheduledAt    int64  `bson:"scheduled_at"`
	CrawlingStatus string `bson:"crawling_status"`
	TextIndexed    *bool  `bson:"text_indexed,omitempty"`
}

// WebEntityUpdate is one reclassification event in hyphe_<corpus>.WEupdates,
// consumed FIFO by timestamp.
type WebEntityUpdate struct {
	ID           interface{} `bson:"_id"`
	Timestamp    int64       `bson:"timestamp"`
	OldWebentity string      `bson:"old_webentity"`
	NewWebentity string      `bson:"new_webentity"`
	Prefixes     []string    `bson:"prefixes"`
	IndexStatus  string      `bson:"index_status"`
}

// CorpusOptions carries the per-corpus indexing options from hyphe.corpus.
// Extraction settings override the service-level configuration when present.
type CorpusOptions struct {
	IndexTextContent        bool     `bson:"indexTextContent"`
	ExtractionMethods       []string `bson:"text_indexation_extraction_methods,omitempty"`
	DefaultExtractionMethod string   `bson:"text_indexation_default_extraction_method,omitempty"`
}

// Corpus is one entry of the global hyphe.corpus registry.
type Corpus struct {
	ID      string        `bson:"_id"`
	Options CorpusOptions `bson:"options"`
}
