package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
mongo:
  host: mongo.internal
  port: 27018
elasticsearch:
  host: es.internal
  port: 9201
  timeoutSec: 30
indexer:
  batchSize: 100
  nbIndexationWorkers: 4
  updateWEFreq: 5
  extractionMethods: [textify, trafilatura]
  defaultExtractionMethod: trafilatura
log:
  dir: /var/log/hyphe
ops:
  enabled: true
  host: 0.0.0.0
  port: 9400
`)

	cfg := Load(path)

	if cfg.Mongo.Host != "mongo.internal" || cfg.Mongo.Port != 27018 {
		t.Fatalf("mongo config = %+v", cfg.Mongo)
	}
	if cfg.Elasticsearch.Host != "es.internal" || cfg.Elasticsearch.Port != 9201 || cfg.Elasticsearch.TimeoutSec != 30 {
		t.Fatalf("elasticsearch config = %+v", cfg.Elasticsearch)
	}
	if cfg.Indexer.BatchSize != 100 || cfg.Indexer.NbIndexationWorkers != 4 || cfg.Indexer.UpdateWEFreq != 5 {
		t.Fatalf("indexer config = %+v", cfg.Indexer)
	}
	if !reflect.DeepEqual(cfg.Indexer.ExtractionMethods, []string{"textify", "trafilatura"}) {
		t.Fatalf("extraction methods = %v", cfg.Indexer.ExtractionMethods)
	}
	if cfg.Indexer.DefaultExtractionMethod != "trafilatura" {
		t.Fatalf("default method = %q", cfg.Indexer.DefaultExtractionMethod)
	}
	if cfg.Log.Dir != "/var/log/hyphe" {
		t.Fatalf("log dir = %q", cfg.Log.Dir)
	}
	if !cfg.Ops.Enabled || cfg.Ops.Port != 9400 {
		t.Fatalf("ops config = %+v", cfg.Ops)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg := Load(writeConfig(t, "{}"))

	if cfg.Mongo.Host != "localhost" || cfg.Mongo.Port != 27017 {
		t.Fatalf("mongo defaults = %+v", cfg.Mongo)
	}
	if cfg.Elasticsearch.Port != 9200 || cfg.Elasticsearch.TimeoutSec != 60 {
		t.Fatalf("elasticsearch defaults = %+v", cfg.Elasticsearch)
	}
	if cfg.Indexer.BatchSize != 500 || cfg.Indexer.NbIndexationWorkers != 2 || cfg.Indexer.UpdateWEFreq != 10 {
		t.Fatalf("indexer defaults = %+v", cfg.Indexer)
	}
	if !reflect.DeepEqual(cfg.Indexer.ExtractionMethods, []string{"textify"}) {
		t.Fatalf("extraction methods default = %v", cfg.Indexer.ExtractionMethods)
	}
	if cfg.Indexer.DefaultExtractionMethod != "textify" {
		t.Fatalf("default method = %q", cfg.Indexer.DefaultExtractionMethod)
	}
	if cfg.Log.Dir != "./log" {
		t.Fatalf("log dir default = %q", cfg.Log.Dir)
	}
	if cfg.Ops.Enabled || cfg.Ops.Port != 9317 {
		t.Fatalf("ops defaults = %+v", cfg.Ops)
	}
}
