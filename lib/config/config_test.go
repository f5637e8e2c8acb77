// config_test.go tests config files
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// fileToTest is a relative path to the configuration file to test (ie. deeds/cmd/conf.json)
var fileToTest string = "../../cmd/conf.json"

// TestConfig extracts config from a file and checks values loaded
func TestConfig(t *testing.T) {
	conf, err := ExtractConfiguration(fileToTest)
	if err != nil {
		t.Fatalf("Error reading config file:%v\n", err)
	}

	if conf.API.Port != "3030" {
		t.Errorf("config port is not the expected %s", conf.API.Port)
	}

	if conf.Chain.Name != "polygon" || conf.Chain.ChainID != 137 || conf.Chain.MaxBlocks != 2000 {
		t.Errorf("chain does not match the expected %+v", conf.Chain)
	}

	if conf.Tokens.LiveTime != 600*time.Second || conf.Tokens.MaxTokens != 1000 {
		t.Errorf("tokens do not match the expected %+v", conf.Tokens)
	}

	if conf.Locks.RefreshTimeout != 3*time.Second || conf.Bus.Retention != 24*time.Hour {
		t.Errorf("durations do not match the expected %+v %+v", conf.Locks, conf.Bus)
	}

	if conf.InstanceID != "indexer-1" || !conf.Primary || !conf.CleanupRole {
		t.Errorf("instance does not match the expected %s %v %v", conf.InstanceID, conf.Primary, conf.CleanupRole)
	}
}

func TestDefaultsAndEnv(t *testing.T) {
	t.Setenv("DEEDS_DBTYPE", "memory")
	t.Setenv("DEEDS_CHAIN_NODE", "http://node:8545")
	t.Setenv("DEEDS_TOKENS_MAXTOKENS", "10")
	t.Setenv("DEEDS_LOCKS_DRAINTIMEOUT", "1s")

	conf, err := ExtractConfiguration("")
	if err != nil {
		t.Fatalf("Error extracting defaults:%v", err)
	}

	var tests = []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"dbtype", conf.DbType, "memory"},
		{"node", conf.Chain.Node, "http://node:8545"},
		{"maxTokens", conf.Tokens.MaxTokens, 10},
		{"drainTimeout", conf.Locks.DrainTimeout, time.Second},
		{"liveTime", conf.Tokens.LiveTime, 600 * time.Second},
		{"shards", conf.Locks.Shards, 64},
		{"workers", conf.Scanner.Workers, 4},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %v want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestMissingFile(t *testing.T) {
	conf, err := ExtractConfiguration(filepath.Join(t.TempDir(), "nope.json"))
	if err == nil {
		t.Errorf("expected an error for a missing file")
	}
	// defaults are still returned
	if conf.Tokens.MaxTokens != 1000 {
		t.Errorf("defaults not returned with the error: %+v", conf.Tokens)
	}
}

func TestWatch(t *testing.T) {
	if err := Watch("", func(ServiceConfig) {}); err != ErrNoFile {
		t.Errorf("expected ErrNoFile, got %v", err)
	}

	file := filepath.Join(t.TempDir(), "conf.json")
	if err := os.WriteFile(file, []byte(`{"reward":{"uemRewardAmount":10}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	changed := make(chan ServiceConfig, 4)
	if err := Watch(file, func(c ServiceConfig) { changed <- c }); err != nil {
		t.Fatalf("Error watching:%v", err)
	}

	if err := os.WriteFile(file, []byte(`{"reward":{"uemRewardAmount":20}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-changed:
		if c.Reward.UemRewardAmount != 20 {
			t.Errorf("reloaded amount %v", c.Reward.UemRewardAmount)
		}
	case <-time.After(5 * time.Second):
		t.Errorf("no reload notification")
	}
}
