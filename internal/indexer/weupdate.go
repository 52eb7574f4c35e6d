package indexer

import (
	"context"

	"hyphetext/internal/metrics"
)

// updateWebEntities applies pending web-entity reclassifications for a
// corpus, oldest first. An update may only run once every crawl job of the
// old web entity scheduled before it has been fully text-indexed; the
// first blocked update stops the whole queue so reclassifications never
// apply out of order.
func (c *Coordinator) updateWebEntities(ctx context.Context, corpus string) error {
	updates, err := c.store.PendingWebEntityUpdates(ctx, corpus)
	if err != nil {
		return err
	}

	for _, update := range updates {
		blocking, err := c.store.CountBlockingJobs(ctx, corpus, update.OldWebentity, update.Timestamp)
		if err != nil {
			return err
		}
		if blocking > 0 {
			c.logger.Info("web entity update blocked by unindexed crawl jobs",
				"corpus", corpus, "old_webentity", update.OldWebentity,
				"new_webentity", update.NewWebentity, "blocking_jobs", blocking)
			metrics.RecordWEUpdate(corpus, false)
			return nil
		}

		updated, err := c.search.UpdateWebEntity(ctx, corpus, update.OldWebentity, update.NewWebentity, update.Prefixes)
		if err != nil {
			// The update stays PENDING and will be retried next round.
			c.logger.Error("web entity update failed",
				"corpus", corpus, "old_webentity", update.OldWebentity,
				"new_webentity", update.NewWebentity, "error", err)
			continue
		}
		c.logger.Info("web entity updated",
			"corpus", corpus, "old_webentity", update.OldWebentity,
			"new_webentity", update.NewWebentity, "pages", updated)

		if err := c.store.FinishWebEntityUpdate(ctx, corpus, update.ID); err != nil {
			return err
		}
		// Refresh so the next update's blocking check sees this one applied.
		if err := c.search.Refresh(ctx, corpus); err != nil {
			return err
		}
		metrics.RecordWEUpdate(corpus, true)
	}
	return nil
}
