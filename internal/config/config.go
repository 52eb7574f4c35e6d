package config

import (
	"log"
	"os"

	"gopkg.in/yaml.v3"
)

type MongoConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type ElasticsearchConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// TimeoutSec bounds the cluster-health wait at startup; the initial
	// HTTP probe retries forever.
	TimeoutSec int `yaml:"timeoutSec"`
}

type IndexerConfig struct {
	BatchSize           int `yaml:"batchSize"`
	NbIndexationWorkers int `yaml:"nbIndexationWorkers"`
	// UpdateWEFreq is the number of coordinator ticks per corpus between
	// web-entity reclassification runs.
	UpdateWEFreq            int      `yaml:"updateWEFreq"`
	ExtractionMethods       []string `yaml:"extractionMethods"`
	DefaultExtractionMethod string   `yaml:"defaultExtractionMethod"`
}

type LogConfig struct {
	Dir string `yaml:"dir"`
}

// OpsConfig controls the optional operational HTTP endpoint
// (/healthz, /metrics).
type OpsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

type Config struct {
	Mongo         MongoConfig         `yaml:"mongo"`
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch"`
	Indexer       IndexerConfig       `yaml:"indexer"`
	Log           LogConfig           `yaml:"log"`
	Ops           OpsConfig           `yaml:"ops"`
}

func Load(path string) *Config {
	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("failed to open config file: %v", err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		log.Fatalf("failed to decode config: %v", err)
	}

	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Mongo.Host == "" {
		c.Mongo.Host = "localhost"
	}
	if c.Mongo.Port <= 0 {
		c.Mongo.Port = 27017
	}
	if c.Elasticsearch.Host == "" {
		c.Elasticsearch.Host = "localhost"
	}
	if c.Elasticsearch.Port <= 0 {
		c.Elasticsearch.Port = 9200
	}
	if c.Elasticsearch.TimeoutSec <= 0 {
		c.Elasticsearch.TimeoutSec = 60
	}
	if c.Indexer.BatchSize <= 0 {
		c.Indexer.BatchSize = 500
	}
	if c.Indexer.NbIndexationWorkers <= 0 {
		c.Indexer.NbIndexationWorkers = 2
	}
	if c.Indexer.UpdateWEFreq <= 0 {
		c.Indexer.UpdateWEFreq = 10
	}
	if len(c.Indexer.ExtractionMethods) == 0 {
		c.Indexer.ExtractionMethods = []string{"textify"}
	}
	if c.Indexer.DefaultExtractionMethod == "" {
		c.Indexer.DefaultExtractionMethod = c.Indexer.ExtractionMethods[0]
	}
	if c.Log.Dir == "" {
		c.Log.Dir = "./log"
	}
	if c.Ops.Port <= 0 {
		c.Ops.Port = 9317
	}
}
