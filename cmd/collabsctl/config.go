package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// InsertOp inserts text at index into the shared Text document.
type InsertOp struct {
	Index int    `yaml:"index"`
	Text  string `yaml:"text"`
}

// DeleteOp removes count runes starting at index.
type DeleteOp struct {
	Index int `yaml:"index"`
	Count int `yaml:"count"`
}

// DemoOp is one scripted mutation applied to a replica's shared Text
// document during `collabsctl demo`. Exactly one of Insert/Delete is set.
type DemoOp struct {
	Insert *InsertOp `yaml:"insert,omitempty"`
	Delete *DeleteOp `yaml:"delete,omitempty"`
}

// DemoReplica scripts one replica's id and the ops it applies, in order,
// before replicas exchange messages.
type DemoReplica struct {
	ID  string   `yaml:"id"`
	Ops []DemoOp `yaml:"ops"`
}

// DemoConfig is the top-level shape of a demo scenario file.
type DemoConfig struct {
	Replicas []DemoReplica `yaml:"replicas"`
}

// defaultDemoConfig reproduces spec.md §8 scenario 2: two replicas insert
// concurrently at the same gap, exercising non-interleaving positions.
func defaultDemoConfig() DemoConfig {
	return DemoConfig{
		Replicas: []DemoReplica{
			{ID: "replica-a", Ops: []DemoOp{{Insert: &InsertOp{Index: 0, Text: "Hello, "}}}},
			{ID: "replica-b", Ops: []DemoOp{{Insert: &InsertOp{Index: 0, Text: "World!"}}}},
		},
	}
}

func loadDemoConfig(path string) (DemoConfig, error) {
	if path == "" {
		return defaultDemoConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return DemoConfig{}, fmt.Errorf("read demo config: %w", err)
	}
	var cfg DemoConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return DemoConfig{}, fmt.Errorf("parse demo config: %w", err)
	}
	if len(cfg.Replicas) < 2 {
		return DemoConfig{}, fmt.Errorf("demo config needs at least two replicas, got %d", len(cfg.Replicas))
	}
	return cfg, nil
}
