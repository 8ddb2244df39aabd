package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadConfig(t *testing.T) {
	os.Setenv(SafeBrowsingKey, "sb-key")
	os.Setenv(DbPass, "db-pass")

	conf, err := readConfig(filepath.Join("..", "..", "config", "config.yml"))
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if conf.Takedown.SafeBrowsing.ApiKey != "sb-key" || conf.Store.Password != "db-pass" {
		t.Fatalf("expected secrets from the environment, but got %+v", conf.Takedown.SafeBrowsing)
	}
	if v := os.Getenv(SafeBrowsingKey); v != "" {
		t.Fatalf("expected environment to be cleared, but got %s", v)
	}
	if err := conf.IsValid(); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if conf.Report.Services[0].Cap != 1000 || conf.Schedule.Sweep != 60 {
		t.Fatalf("unexpected configuration: %+v", conf)
	}
}

func TestConfig_IsValid(t *testing.T) {
	tests := []struct {
		name  string
		alter func(*config)
		valid bool
	}{
		{name: "valid", alter: func(*config) {}, valid: true},
		{name: "missing api key", alter: func(c *config) { c.Takedown.SafeBrowsing.ApiKey = "" }},
		{name: "in memory without db", alter: func(c *config) { c.InMemory = true; c.Store.Host = "" }, valid: true},
		{name: "db without host", alter: func(c *config) { c.Store.Host = "" }},
		{name: "threshold", alter: func(c *config) { c.Threshold = 1.5 }},
		{name: "redis without address", alter: func(c *config) { c.AllowList.Redis = redisConf{Enabled: true} }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			os.Setenv(SafeBrowsingKey, "sb-key")
			conf, err := readConfig(filepath.Join("..", "..", "config", "config.yml"))
			if err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			tc.alter(&conf)
			err = conf.IsValid()
			if tc.valid && err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			if !tc.valid && err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
