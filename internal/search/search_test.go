package search

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"hyphetext/internal/transform"
)

func TestMappingForSetsTextAlias(t *testing.T) {
	full, mappings, err := mappingFor("trafilatura")
	if err != nil {
		t.Fatalf("mappingFor: %v", err)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(full, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	text := body["mappings"].(map[string]interface{})["properties"].(map[string]interface{})["text"].(map[string]interface{})
	if text["path"] != "trafilatura" {
		t.Fatalf("text path = %v", text["path"])
	}

	var m map[string]interface{}
	if err := json.Unmarshal(mappings, &m); err != nil {
		t.Fatalf("decode mappings: %v", err)
	}
	if _, ok := m["properties"]; !ok {
		t.Fatalf("mappings body lacks properties: %s", mappings)
	}
}

func TestMappingForDoesNotShareState(t *testing.T) {
	if _, _, err := mappingFor("dragnet"); err != nil {
		t.Fatalf("mappingFor: %v", err)
	}
	full, _, err := mappingFor("textify")
	if err != nil {
		t.Fatalf("mappingFor: %v", err)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(full, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	text := body["mappings"].(map[string]interface{})["properties"].(map[string]interface{})["text"].(map[string]interface{})
	if text["path"] != "textify" {
		t.Fatalf("text path = %v after earlier call", text["path"])
	}
}

func TestBuildBulkBody(t *testing.T) {
	docs := []transform.Document{
		{ID: "id1", Fields: map[string]interface{}{"url": "http://example.com/1"}},
		{ID: "id2", Fields: map[string]interface{}{"url": "http://example.com/2"}},
	}
	body, err := buildBulkBody(docs)
	if err != nil {
		t.Fatalf("buildBulkBody: %v", err)
	}

	lines := bytes.Split(bytes.TrimSpace(body), []byte("\n"))
	if len(lines) != 4 {
		t.Fatalf("bulk body has %d lines, want 4", len(lines))
	}

	var action struct {
		Update struct {
			ID string `json:"_id"`
		} `json:"update"`
	}
	if err := json.Unmarshal(lines[0], &action); err != nil {
		t.Fatalf("decode action line: %v", err)
	}
	if action.Update.ID != "id1" {
		t.Fatalf("action id = %q", action.Update.ID)
	}

	var payload struct {
		Doc         map[string]interface{} `json:"doc"`
		DocAsUpsert bool                   `json:"doc_as_upsert"`
	}
	if err := json.Unmarshal(lines[1], &payload); err != nil {
		t.Fatalf("decode payload line: %v", err)
	}
	if !payload.DocAsUpsert {
		t.Fatalf("payload is not doc_as_upsert: %s", lines[1])
	}
	if payload.Doc["url"] != "http://example.com/1" {
		t.Fatalf("payload doc = %v", payload.Doc)
	}
}

func TestParseBulkResponse(t *testing.T) {
	raw := []byte(`{
		"errors": true,
		"items": [
			{"update": {"_id": "id1", "status": 200}},
			{"update": {"_id": "id2", "status": 400, "error": {"type": "mapper_parsing_exception", "reason": "failed to parse"}}}
		]
	}`)
	result, err := parseBulkResponse(raw)
	if err != nil {
		t.Fatalf("parseBulkResponse: %v", err)
	}
	if result.Indexed != 1 {
		t.Fatalf("indexed = %d", result.Indexed)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("errors = %v", result.Errors)
	}
	e := result.Errors[0]
	if e.ID != "id2" || e.Type != "mapper_parsing_exception" || e.Reason != "failed to parse" {
		t.Fatalf("error = %+v", e)
	}
}

func TestBuildWebEntityQueryWithPrefixes(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	q := buildWebEntityQuery("WE1", "WE2", []string{"s:http|h:com|", "s:https|h:com|"}, now)

	raw, err := json.Marshal(q)
	if err != nil {
		t.Fatalf("marshal query: %v", err)
	}
	s := string(raw)
	if !strings.Contains(s, `"minimum_should_match":1`) {
		t.Fatalf("query lacks minimum_should_match: %s", s)
	}
	if !strings.Contains(s, `"webentity_id":"WE1"`) {
		t.Fatalf("query lacks old webentity term: %s", s)
	}
	if !strings.Contains(s, `"new_webentity_id":"WE2"`) {
		t.Fatalf("script lacks new webentity param: %s", s)
	}
	if strings.Count(s, `"prefixes"`) != 2 {
		t.Fatalf("query should have one term per prefix: %s", s)
	}
}

func TestBuildWebEntityQueryWithoutPrefixes(t *testing.T) {
	q := buildWebEntityQuery("WE1", "WE2", nil, time.Now())
	query, ok := q["query"].(map[string]interface{})
	if !ok {
		t.Fatalf("query = %v", q["query"])
	}
	if _, ok := query["term"]; !ok {
		t.Fatalf("prefix-less update should be a bare term query: %v", query)
	}
}

func TestParseLastIndexDates(t *testing.T) {
	raw := []byte(`{
		"aggregations": {
			"indices": {
				"buckets": [
					{"key": "hyphe_demo", "maxIndexDate": {"value": 1700000000000.0}},
					{"key": "hyphe_empty", "maxIndexDate": {"value": null}}
				]
			}
		}
	}`)
	dates, err := parseLastIndexDates(raw)
	if err != nil {
		t.Fatalf("parseLastIndexDates: %v", err)
	}
	if len(dates) != 1 {
		t.Fatalf("dates = %v", dates)
	}
	if dates["hyphe_demo"] != 1700000000000.0 {
		t.Fatalf("hyphe_demo date = %v", dates["hyphe_demo"])
	}
}
