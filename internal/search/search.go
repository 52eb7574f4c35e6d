// Package search is the Elasticsearch access layer of the indexation
// service. It provisions one index per corpus from an embedded mapping
// template, bulk-upserts page documents and rewrites web-entity
// memberships by update-by-query.
package search

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"hyphetext/internal/indexer"
	"hyphetext/internal/transform"
)

//go:embed index_mappings.json
var mappingTemplate []byte

// Client wraps the Elasticsearch client used by the coordinator and the
// workers.
type Client struct {
	es     *elasticsearch.Client
	logger *slog.Logger
	now    func() time.Time
}

// Connect waits for the Elasticsearch HTTP port to answer, then waits up
// to timeoutSec seconds for the cluster to reach yellow health. The port
// probe is unbounded on purpose: at deployment time the cluster may take
// arbitrarily long to come up and the service must simply wait for it.
func Connect(ctx context.Context, host string, port, timeoutSec int, logger *slog.Logger) (*Client, error) {
	addr := fmt.Sprintf("http://%s:%d", host, port)

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr, nil)
		if err != nil {
			return nil, err
		}
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			ok := resp.StatusCode == http.StatusOK
			resp.Body.Close()
			if ok {
				break
			}
		}
		logger.Info("elasticsearch not answering yet, retry in 1s", "address", addr)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}

	es, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{addr}})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	c := &Client{es: es, logger: logger, now: time.Now}

	for i := 0; i < timeoutSec; i++ {
		res, err := esapi.ClusterHealthRequest{WaitForStatus: "yellow"}.Do(ctx, es)
		if err == nil {
			ok := !res.IsError()
			res.Body.Close()
			if ok {
				return c, nil
			}
		}
		logger.Info("elasticsearch not up yet, will try again")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return nil, fmt.Errorf("elasticsearch at %s did not reach yellow health within %ds", addr, timeoutSec)
}

// mappingFor returns the index body with the text alias pointing at the
// corpus's default extraction method. The template is re-decoded on every
// call so corpora never share mutable mapping state.
func mappingFor(defaultMethod string) ([]byte, []byte, error) {
	var body map[string]interface{}
	if err := json.Unmarshal(mappingTemplate, &body); err != nil {
		return nil, nil, fmt.Errorf("decode mapping template: %w", err)
	}
	mappings, ok := body["mappings"].(map[string]interface{})
	if !ok {
		return nil, nil, fmt.Errorf("mapping template has no mappings object")
	}
	properties, ok := mappings["properties"].(map[string]interface{})
	if !ok {
		return nil, nil, fmt.Errorf("mapping template has no properties object")
	}
	text, ok := properties["text"].(map[string]interface{})
	if !ok {
		return nil, nil, fmt.Errorf("mapping template has no text alias")
	}
	text["path"] = defaultMethod

	full, err := json.Marshal(body)
	if err != nil {
		return nil, nil, err
	}
	mappingsOnly, err := json.Marshal(mappings)
	if err != nil {
		return nil, nil, err
	}
	return full, mappingsOnly, nil
}

func closeAndCheck(res *esapi.Response, op string) error {
	defer res.Body.Close()
	if res.IsError() {
		msg, _ := io.ReadAll(res.Body)
		return fmt.Errorf("%s: %s: %s", op, res.Status(), bytes.TrimSpace(msg))
	}
	return nil
}

// ExistingIndices lists the index names this service manages.
func (c *Client) ExistingIndices(ctx context.Context) (map[string]struct{}, error) {
	res, err := esapi.IndicesGetRequest{Index: []string{indexer.IndexPattern}}.Do(ctx, c.es)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.IsError() {
		msg, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("get indices: %s: %s", res.Status(), bytes.TrimSpace(msg))
	}
	var indices map[string]json.RawMessage
	if err := json.NewDecoder(res.Body).Decode(&indices); err != nil {
		return nil, err
	}
	names := make(map[string]struct{}, len(indices))
	for name := range indices {
		names[name] = struct{}{}
	}
	return names, nil
}

func (c *Client) CreateIndex(ctx context.Context, corpus, defaultMethod string) error {
	body, _, err := mappingFor(defaultMethod)
	if err != nil {
		return err
	}
	res, err := esapi.IndicesCreateRequest{
		Index: indexer.IndexName(corpus),
		Body:  bytes.NewReader(body),
	}.Do(ctx, c.es)
	if err != nil {
		return err
	}
	return closeAndCheck(res, "create index")
}

func (c *Client) UpdateMapping(ctx context.Context, corpus, defaultMethod string) error {
	_, mappings, err := mappingFor(defaultMethod)
	if err != nil {
		return err
	}
	res, err := esapi.IndicesPutMappingRequest{
		Index: []string{indexer.IndexName(corpus)},
		Body:  bytes.NewReader(mappings),
	}.Do(ctx, c.es)
	if err != nil {
		return err
	}
	return closeAndCheck(res, "put mapping")
}

func (c *Client) DeleteIndices(ctx context.Context, names []string) error {
	res, err := esapi.IndicesDeleteRequest{Index: names}.Do(ctx, c.es)
	if err != nil {
		return err
	}
	return closeAndCheck(res, "delete indices")
}

func (c *Client) Refresh(ctx context.Context, corpus string) error {
	res, err := esapi.IndicesRefreshRequest{Index: []string{indexer.IndexName(corpus)}}.Do(ctx, c.es)
	if err != nil {
		return err
	}
	return closeAndCheck(res, "refresh index")
}

// BulkUpsert indexes the documents as update operations with
// doc_as_upsert, so re-indexing a page overwrites its previous document
// instead of duplicating it. Per-document failures are reported in the
// result, not as an error.
func (c *Client) BulkUpsert(ctx context.Context, corpus string, docs []transform.Document) (indexer.BulkResult, error) {
	body, err := buildBulkBody(docs)
	if err != nil {
		return indexer.BulkResult{}, err
	}
	res, err := esapi.BulkRequest{
		Index: indexer.IndexName(corpus),
		Body:  bytes.NewReader(body),
	}.Do(ctx, c.es)
	if err != nil {
		return indexer.BulkResult{}, err
	}
	defer res.Body.Close()
	if res.IsError() {
		msg, _ := io.ReadAll(res.Body)
		return indexer.BulkResult{}, fmt.Errorf("bulk: %s: %s", res.Status(), bytes.TrimSpace(msg))
	}
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return indexer.BulkResult{}, err
	}
	return parseBulkResponse(raw)
}

func buildBulkBody(docs []transform.Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, d := range docs {
		if err := enc.Encode(map[string]interface{}{
			"update": map[string]interface{}{"_id": d.ID},
		}); err != nil {
			return nil, err
		}
		if err := enc.Encode(map[string]interface{}{
			"doc":           d.Fields,
			"doc_as_upsert": true,
		}); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []struct {
		Update struct {
			ID     string `json:"_id"`
			Status int    `json:"status"`
			Error  *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"update"`
	} `json:"items"`
}

func parseBulkResponse(raw []byte) (indexer.BulkResult, error) {
	var resp bulkResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return indexer.BulkResult{}, fmt.Errorf("decode bulk response: %w", err)
	}
	var result indexer.BulkResult
	for _, item := range resp.Items {
		if item.Update.Error != nil {
			result.Errors = append(result.Errors, indexer.BulkError{
				ID:     item.Update.ID,
				Type:   item.Update.Error.Type,
				Reason: item.Update.Error.Reason,
			})
			continue
		}
		result.Indexed++
	}
	return result, nil
}

// UpdateWebEntity rewrites webentity_id on every document of the old web
// entity, narrowed to the given LRU prefixes when present. Version
// conflicts proceed: a concurrent page upsert must not abort the whole
// update.
func (c *Client) UpdateWebEntity(ctx context.Context, corpus, oldWebentity, newWebentity string, prefixes []string) (int64, error) {
	body, err := json.Marshal(buildWebEntityQuery(oldWebentity, newWebentity, prefixes, c.now()))
	if err != nil {
		return 0, err
	}
	res, err := esapi.UpdateByQueryRequest{
		Index:     []string{indexer.IndexName(corpus)},
		Body:      bytes.NewReader(body),
		Conflicts: "proceed",
	}.Do(ctx, c.es)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	if res.IsError() {
		msg, _ := io.ReadAll(res.Body)
		return 0, fmt.Errorf("update by query: %s: %s", res.Status(), bytes.TrimSpace(msg))
	}
	var resp struct {
		Updated int64 `json:"updated"`
		Took    int64 `json:"took"`
	}
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return 0, err
	}
	c.logger.Debug("update by query done", "updated", resp.Updated, "took_ms", resp.Took)
	return resp.Updated, nil
}

func buildWebEntityQuery(oldWebentity, newWebentity string, prefixes []string, now time.Time) map[string]interface{} {
	script := map[string]interface{}{
		"lang":   "painless",
		"source": "ctx._source.webentity_id = params.new_webentity_id; ctx._source.WEUpdateDate = params.updateDate",
		"params": map[string]interface{}{
			"new_webentity_id": newWebentity,
			"updateDate":       now.UTC().Format(time.RFC3339Nano),
		},
	}

	oldTerm := map[string]interface{}{
		"term": map[string]interface{}{"webentity_id": oldWebentity},
	}
	if len(prefixes) == 0 {
		return map[string]interface{}{"script": script, "query": oldTerm}
	}

	should := make([]interface{}, 0, len(prefixes))
	for _, p := range prefixes {
		should = append(should, map[string]interface{}{
			"term": map[string]interface{}{"prefixes": p},
		})
	}
	return map[string]interface{}{
		"script": script,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": []interface{}{
					oldTerm,
					map[string]interface{}{
						"bool": map[string]interface{}{
							"should":               should,
							"minimum_should_match": 1,
						},
					},
				},
			},
		},
	}
}

// LastIndexDates returns the max indexDate per index, as epoch
// milliseconds. Indices without any document are absent from the map.
func (c *Client) LastIndexDates(ctx context.Context) (map[string]float64, error) {
	body := []byte(`{
		"size": 0,
		"aggs": {
			"indices": {
				"terms": { "field": "_index" },
				"aggs": {
					"maxIndexDate": { "max": { "field": "indexDate" } }
				}
			}
		}
	}`)
	res, err := esapi.SearchRequest{
		Index: []string{indexer.IndexPattern},
		Body:  bytes.NewReader(body),
	}.Do(ctx, c.es)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.IsError() {
		msg, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("search index dates: %s: %s", res.Status(), bytes.TrimSpace(msg))
	}
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	return parseLastIndexDates(raw)
}

func parseLastIndexDates(raw []byte) (map[string]float64, error) {
	var resp struct {
		Aggregations struct {
			Indices struct {
				Buckets []struct {
					Key          string `json:"key"`
					MaxIndexDate struct {
						Value *float64 `json:"value"`
					} `json:"maxIndexDate"`
				} `json:"buckets"`
			} `json:"indices"`
		} `json:"aggregations"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode aggregation response: %w", err)
	}
	dates := make(map[string]float64, len(resp.Aggregations.Indices.Buckets))
	for _, bucket := range resp.Aggregations.Indices.Buckets {
		if bucket.MaxIndexDate.Value != nil {
			dates[bucket.Key] = *bucket.MaxIndexDate.Value
		}
	}
	return dates, nil
}
