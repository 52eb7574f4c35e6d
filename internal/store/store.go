// Package store is the MongoDB access layer of the indexation service.
// Each corpus lives in its own hyphe_<corpus> database with pages, jobs
// and WEupdates collections; the global corpus registry lives in
// hyphe.corpus.
package store

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"hyphetext/internal/model"
)

const (
	registryDatabase   = "hyphe"
	registryCollection = "corpus"

	pagesCollection   = "pages"
	jobsCollection    = "jobs"
	updatesCollection = "WEupdates"
)

// Store wraps the MongoDB client used by the coordinator and the workers.
type Store struct {
	client *mongo.Client
}

// Connect dials the MongoDB server and verifies the connection with a ping.
func Connect(ctx context.Context, host string, port int) (*Store, error) {
	uri := fmt.Sprintf("mongodb://%s:%d", host, port)
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb at %s: %w", uri, err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("ping mongodb at %s: %w", uri, err)
	}
	return &Store{client: client}, nil
}

// Close disconnects the underlying client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) pages(corpus string) *mongo.Collection {
	return s.client.Database("hyphe_" + corpus).Collection(pagesCollection)
}

func (s *Store) jobs(corpus string) *mongo.Collection {
	return s.client.Database("hyphe_" + corpus).Collection(jobsCollection)
}

func (s *Store) updates(corpus string) *mongo.Collection {
	return s.client.Database("hyphe_" + corpus).Collection(updatesCollection)
}

// pendingPagesFilter matches pages waiting to be indexed. Forgotten pages
// are excluded everywhere: the crawler may flag a page forgotten at any
// time and it must never reach the index afterwards.
func pendingPagesFilter() bson.M {
	return bson.M{
		"text_indexation_status": model.StatusToIndex,
		"forgotten":              false,
	}
}

// Corpora lists the corpora with text indexing enabled.
func (s *Store) Corpora(ctx context.Context) ([]model.Corpus, error) {
	coll := s.client.Database(registryDatabase).Collection(registryCollection)
	cur, err := coll.Find(ctx,
		bson.M{"options.indexTextContent": true},
		options.Find().SetProjection(bson.M{"_id": 1, "options": 1}))
	if err != nil {
		return nil, err
	}
	var corpora []model.Corpus
	if err := cur.All(ctx, &corpora); err != nil {
		return nil, err
	}
	return corpora, nil
}

func (s *Store) CountPendingPages(ctx context.Context, corpus string) (int64, error) {
	return s.pages(corpus).CountDocuments(ctx, pendingPagesFilter())
}

func (s *Store) CountPendingUpdates(ctx context.Context, corpus string) (int64, error) {
	return s.updates(corpus).CountDocuments(ctx, bson.M{"index_status": model.UpdatePending})
}

// NextBatchIDs returns up to limit pending page ids, oldest crawl first.
func (s *Store) NextBatchIDs(ctx context.Context, corpus string, limit int) ([]string, error) {
	cur, err := s.pages(corpus).Find(ctx, pendingPagesFilter(),
		options.Find().
			SetProjection(bson.M{"_id": 1}).
			SetSort(bson.D{{Key: "timestamp", Value: 1}}).
			SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	var rows []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, err
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	return ids, nil
}

// MarkBatch leases the pages to a batch. Only pages still TO_INDEX are
// flagged, so a page forgotten or re-leased between the listing and this
// call is simply skipped.
func (s *Store) MarkBatch(ctx context.Context, corpus string, ids []string, batchUUID string) error {
	_, err := s.pages(corpus).UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}, "text_indexation_status": model.StatusToIndex},
		bson.M{"$set": bson.M{"text_indexation_status": model.InBatchStatus(batchUUID)}})
	return err
}

// ReleaseBatch returns the pages to TO_INDEX; used when a formed batch
// could not be handed to a worker.
func (s *Store) ReleaseBatch(ctx context.Context, corpus string, ids []string) error {
	_, err := s.pages(corpus).UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}},
		bson.M{"$set": bson.M{"text_indexation_status": model.StatusToIndex}})
	return err
}

func (s *Store) PagesInBatch(ctx context.Context, corpus, batchUUID string) ([]model.Page, error) {
	cur, err := s.pages(corpus).Find(ctx,
		bson.M{"text_indexation_status": model.InBatchStatus(batchUUID)})
	if err != nil {
		return nil, err
	}
	var pages []model.Page
	if err := cur.All(ctx, &pages); err != nil {
		return nil, err
	}
	return pages, nil
}

func (s *Store) MarkPageError(ctx context.Context, corpus, url, batchUUID, message string) error {
	_, err := s.pages(corpus).UpdateMany(ctx,
		bson.M{"url": url, "text_indexation_status": model.InBatchStatus(batchUUID)},
		bson.M{"$set": bson.M{
			"text_indexation_status": model.StatusError,
			"text_indexation_error":  message,
		}})
	return err
}

// MarkBatchIndexed marks the batch's pages INDEXED. A nil urls slice marks
// every page still leased to the batch; otherwise only the listed urls.
func (s *Store) MarkBatchIndexed(ctx context.Context, corpus, batchUUID string, urls []string) error {
	filter := bson.M{"text_indexation_status": model.InBatchStatus(batchUUID)}
	if urls != nil {
		filter["url"] = bson.M{"$in": urls}
	}
	_, err := s.pages(corpus).UpdateMany(ctx, filter,
		bson.M{"$set": bson.M{"text_indexation_status": model.StatusIndexed}})
	return err
}

func (s *Store) ResetBatch(ctx context.Context, corpus, batchUUID string) error {
	_, err := s.pages(corpus).UpdateMany(ctx,
		bson.M{"text_indexation_status": model.InBatchStatus(batchUUID)},
		bson.M{"$set": bson.M{"text_indexation_status": model.StatusToIndex}})
	return err
}

// ResetNonTerminal reverts every leased page back to TO_INDEX, whatever
// batch held the lease. Run at shutdown and after a crash.
func (s *Store) ResetNonTerminal(ctx context.Context, corpus string) (int64, error) {
	res, err := s.pages(corpus).UpdateMany(ctx,
		bson.M{"text_indexation_status": bson.M{
			"$regex": "^" + model.InBatchPrefix,
		}},
		bson.M{"$set": bson.M{"text_indexation_status": model.StatusToIndex}})
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

// pendingJobsFilter matches crawl jobs that finished crawling but are not
// flagged text_indexed. $ne rather than $exists: a job carrying an explicit
// text_indexed=false must still be swept.
func pendingJobsFilter() bson.M {
	return bson.M{
		"crawling_status": bson.M{"$in": []string{
			model.CrawlFinished, model.CrawlCanceled, model.CrawlRetried,
		}},
		"text_indexed": bson.M{"$ne": true},
	}
}

// PendingJobIDs lists crawl jobs that finished crawling but are not yet
// flagged text_indexed.
func (s *Store) PendingJobIDs(ctx context.Context, corpus string) ([]string, error) {
	cur, err := s.jobs(corpus).Find(ctx, pendingJobsFilter(),
		options.Find().SetProjection(bson.M{"crawljob_id": 1}))
	if err != nil {
		return nil, err
	}
	var rows []struct {
		CrawljobID string `bson:"crawljob_id"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, err
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.CrawljobID
	}
	return ids, nil
}

// UncompletedJobIDs returns the subset of jobIDs that still own at least
// one non-terminal, non-forgotten page.
func (s *Store) UncompletedJobIDs(ctx context.Context, corpus string, jobIDs []string) ([]string, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"_job":                   bson.M{"$in": jobIDs},
			"forgotten":              false,
			"text_indexation_status": bson.M{"$nin": model.TerminalStatuses},
		}}},
		{{Key: "$group", Value: bson.M{"_id": "$_job"}}},
	}
	cur, err := s.pages(corpus).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, err
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	return ids, nil
}

func (s *Store) MarkJobsIndexed(ctx context.Context, corpus string, jobIDs []string) (int64, error) {
	res, err := s.jobs(corpus).UpdateMany(ctx,
		bson.M{"crawljob_id": bson.M{"$in": jobIDs}},
		bson.M{"$set": bson.M{"text_indexed": true}})
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

// PendingWebEntityUpdates lists pending reclassifications, oldest first.
func (s *Store) PendingWebEntityUpdates(ctx context.Context, corpus string) ([]model.WebEntityUpdate, error) {
	cur, err := s.updates(corpus).Find(ctx,
		bson.M{"index_status": model.UpdatePending},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var updates []model.WebEntityUpdate
	if err := cur.All(ctx, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// CountBlockingJobs counts jobs of the old web entity scheduled before the
// update that have not been fully text-indexed yet.
func (s *Store) CountBlockingJobs(ctx context.Context, corpus, oldWebentity string, before int64) (int64, error) {
	return s.jobs(corpus).CountDocuments(ctx, bson.M{
		"webentity_id": oldWebentity,
		"scheduled_at": bson.M{"$lt": before},
		"text_indexed": bson.M{"$exists": false},
	})
}

func (s *Store) FinishWebEntityUpdate(ctx context.Context, corpus string, id interface{}) error {
	_, err := s.updates(corpus).UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"index_status": model.UpdateFinished}})
	return err
}
