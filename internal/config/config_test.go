package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAMLWithDefaults(t *testing.T) {
	path := writeFile(t, "relay.yaml", `
llm:
  endpoint: https://relay.openai.azure.com
  deployment: gpt-4
retry:
  base_delay: 500ms
cache:
  driver: redis
  ttl: 12h
  redis:
    address: localhost:6379
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":8080" || cfg.LLM.MaxTokens != 4000 || cfg.LLM.TopP != 0.95 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.BaseDelay.Std() != 500*time.Millisecond {
		t.Fatalf("unexpected retry config: %+v", cfg.Retry)
	}
	if cfg.Cache.TTL.Std() != 12*time.Hour || cfg.Cache.Prefix != "llm" || cfg.Cache.PurgeInterval.Std() != 10*time.Minute {
		t.Fatalf("unexpected cache config: %+v", cfg.Cache)
	}
	if cfg.RateLimit.RequestsPerMinute != 60 || cfg.RateLimit.TokensPerMinute != 90000 {
		t.Fatalf("unexpected rate limit: %+v", cfg.RateLimit)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "relay.json", `{
  "llm": {"provider": "openai", "model": "gpt-4o"},
  "cache": {"driver": "sqlite", "dsn": "relay.db", "ttl": "1h"},
  "retry": {"base_delay": 1000000000}
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.Provider != "openai" || cfg.Cache.TTL.Std() != time.Hour || cfg.Retry.BaseDelay.Std() != time.Second {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeFile(t, "relay.yaml", "llm:\n  endpoint: https://file\n  deployment: file\n")
	t.Setenv("RELAY_LLM_ENDPOINT", "https://env.openai.azure.com")
	t.Setenv("RELAY_LLM_API_KEY", "env-key")
	t.Setenv("RELAY_REDIS_ADDR", "redis:6379")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.Endpoint != "https://env.openai.azure.com" || cfg.LLM.Deployment != "file" {
		t.Fatalf("env override not applied: %+v", cfg.LLM)
	}
	if cfg.Credential.APIKey != "env-key" || cfg.Cache.Redis.Address != "redis:6379" {
		t.Fatalf("env override not applied: %+v %+v", cfg.Credential, cfg.Cache)
	}
}

func TestLoadWithoutFileUsesEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("RELAY_CONFIG", "")
	t.Setenv("RELAY_LLM_ENDPOINT", "https://env")
	t.Setenv("RELAY_LLM_DEPLOYMENT", "dep")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load without file: %v", err)
	}
	if cfg.LLM.Deployment != "dep" {
		t.Fatalf("unexpected config: %+v", cfg.LLM)
	}
}

func TestExplicitMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing explicit config")
	}
}

func TestValidate(t *testing.T) {
	path := writeFile(t, "relay.yaml", `
llm:
  provider: azure
cache:
  driver: cassandra
credential:
  source: keyvault
`)
	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"llm.endpoint", "llm.deployment", "cache.driver", "credential.key_vault_url"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("validation error missing %q: %v", want, err)
		}
	}
}
