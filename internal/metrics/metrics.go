package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Simple Prometheus-style metrics for the indexation service.
// This is intentionally minimal and in-memory only.

var (
	mu sync.RWMutex

	pagesIndexed      = make(map[string]int64)
	pagesErrored      = make(map[string]int64)
	batchesDispatched = make(map[string]int64)
	batchesReverted   = make(map[string]int64)
	weUpdatesApplied  = make(map[string]int64)
	weUpdatesBlocked  = make(map[string]int64)

	ticksTotal  int64
	tickMsSum   int64
	tickMsCount int64

	requestsTotal = make(map[reqKey]int64)
)

type reqKey struct {
	Method string
	Path   string
	Status int
}

// RecordBatch records the per-document outcome of one indexation batch.
func RecordBatch(corpus string, indexed, errored int) {
	mu.Lock()
	defer mu.Unlock()
	pagesIndexed[corpus] += int64(indexed)
	pagesErrored[corpus] += int64(errored)
}

// RecordBatchDispatched increments the counter of batches handed to workers.
func RecordBatchDispatched(corpus string) {
	mu.Lock()
	defer mu.Unlock()
	batchesDispatched[corpus]++
}

// RecordBatchReverted increments the counter of batches reset to TO_INDEX.
func RecordBatchReverted(corpus string) {
	mu.Lock()
	defer mu.Unlock()
	batchesReverted[corpus]++
}

// RecordWEUpdate records one web-entity update attempt: applied when the
// update-by-query succeeded, blocked when head-of-line blocking stopped it.
func RecordWEUpdate(corpus string, applied bool) {
	mu.Lock()
	defer mu.Unlock()
	if applied {
		weUpdatesApplied[corpus]++
	} else {
		weUpdatesBlocked[corpus]++
	}
}

// RecordTick records the duration of one coordinator tick.
func RecordTick(latencyMs int64) {
	mu.Lock()
	defer mu.Unlock()
	ticksTotal++
	tickMsSum += latencyMs
	tickMsCount++
}

// RecordRequest increments the ops-endpoint request counter.
func RecordRequest(method, path string, status int) {
	mu.Lock()
	defer mu.Unlock()
	requestsTotal[reqKey{Method: method, Path: path, Status: status}]++
}

// Export renders all counters in Prometheus text exposition format with
// stable ordering.
func Export() string {
	mu.RLock()
	defer mu.RUnlock()

	var b strings.Builder

	perCorpus := func(name string, m map[string]int64) {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s{corpus=%q} %d\n", name, k, m[k])
		}
	}

	perCorpus("hyphe_text_pages_indexed_total", pagesIndexed)
	perCorpus("hyphe_text_pages_errored_total", pagesErrored)
	perCorpus("hyphe_text_batches_dispatched_total", batchesDispatched)
	perCorpus("hyphe_text_batches_reverted_total", batchesReverted)
	perCorpus("hyphe_text_we_updates_applied_total", weUpdatesApplied)
	perCorpus("hyphe_text_we_updates_blocked_total", weUpdatesBlocked)

	fmt.Fprintf(&b, "hyphe_text_ticks_total %d\n", ticksTotal)
	fmt.Fprintf(&b, "hyphe_text_tick_latency_ms_sum %d\n", tickMsSum)
	fmt.Fprintf(&b, "hyphe_text_tick_latency_ms_count %d\n", tickMsCount)

	reqKeys := make([]reqKey, 0, len(requestsTotal))
	for k := range requestsTotal {
		reqKeys = append(reqKeys, k)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		if reqKeys[i].Path != reqKeys[j].Path {
			return reqKeys[i].Path < reqKeys[j].Path
		}
		if reqKeys[i].Method != reqKeys[j].Method {
			return reqKeys[i].Method < reqKeys[j].Method
		}
		return reqKeys[i].Status < reqKeys[j].Status
	})
	for _, k := range reqKeys {
		fmt.Fprintf(&b, "hyphe_text_ops_requests_total{method=%q,path=%q,status=\"%d\"} %d\n",
			k.Method, k.Path, k.Status, requestsTotal[k])
	}

	return b.String()
}

// Reset clears all counters; used by tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	pagesIndexed = make(map[string]int64)
	pagesErrored = make(map[string]int64)
	batchesDispatched = make(map[string]int64)
	batchesReverted = make(map[string]int64)
	weUpdatesApplied = make(map[string]int64)
	weUpdatesBlocked = make(map[string]int64)
	ticksTotal = 0
	tickMsSum = 0
	tickMsCount = 0
	requestsTotal = make(map[reqKey]int64)
}
