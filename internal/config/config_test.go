package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Operator.PrivateKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	cfg.Operator.PoolIdentity = "0x0000000000000000000000000000000000000EeE"
	return cfg
}

func TestDefaultsAreValidWithOperator(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "trade"
	cfg.LogLevel = "verbose"
	cfg.Redis.Addr = ""
	cfg.Lending.MaxLTVBps = 20000

	err := cfg.Validate()
	if err == nil {
		t.Fatal("invalid config accepted")
	}
	for _, want := range []string{"unknown mode", "unknown log_level", "redis: addr", "max_ltv_bps"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q: %v", want, err)
		}
	}
}

func TestValidateRequiresOperatorKey(t *testing.T) {
	cfg := validConfig()
	cfg.Operator.PrivateKey = ""
	if err := cfg.Validate(); err == nil {
		t.Error("config without operator key accepted")
	}

	// monitor mode reads only, no key needed.
	cfg.Mode = "monitor"
	if err := cfg.Validate(); err != nil {
		t.Errorf("monitor mode rejected without key: %v", err)
	}
}

func TestValidateEncryptedKeyNeedsPassword(t *testing.T) {
	cfg := validConfig()
	cfg.Operator.PrivateKey = ""
	cfg.Operator.EncryptedKeyPath = "/etc/trustbond/key.json"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "key_password") {
		t.Errorf("missing key_password not flagged: %v", err)
	}
}

func TestValidateArchiveRequiresS3(t *testing.T) {
	cfg := validConfig()
	cfg.Archive.Enabled = true
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "s3:") {
		t.Errorf("archive without s3 not flagged: %v", err)
	}

	cfg.S3.Endpoint = "https://s3.example.com"
	cfg.S3.Bucket = "trustbond-archive"
	if err := cfg.Validate(); err != nil {
		t.Errorf("archive with s3 rejected: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TRUSTBOND_MODE", "monitor")
	t.Setenv("TRUSTBOND_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("TRUSTBOND_LENDING_MAX_LTV_BPS", "7500")
	t.Setenv("TRUSTBOND_LENDING_MIN_DURATION", "48h")
	t.Setenv("TRUSTBOND_NOTIFY_EVENTS", "bond.defected, error")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	if cfg.Mode != "monitor" {
		t.Errorf("mode = %q, want monitor", cfg.Mode)
	}
	if cfg.Redis.Addr != "redis.internal:6380" {
		t.Errorf("redis addr = %q", cfg.Redis.Addr)
	}
	if cfg.Lending.MaxLTVBps != 7500 {
		t.Errorf("max ltv = %d, want 7500", cfg.Lending.MaxLTVBps)
	}
	if cfg.Lending.MinDuration.Duration != 48*time.Hour {
		t.Errorf("min duration = %v, want 48h", cfg.Lending.MinDuration.Duration)
	}
	if len(cfg.Notify.Events) != 2 || cfg.Notify.Events[0] != "bond.defected" {
		t.Errorf("notify events = %v", cfg.Notify.Events)
	}
}

func TestRedactedConfigHidesSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Password = "hunter2"
	cfg.Redis.Password = "hunter2"
	cfg.S3.SecretKey = "hunter2"
	cfg.Server.APIToken = "hunter2"

	red := RedactedConfig(&cfg)

	for name, got := range map[string]string{
		"operator.private_key": red.Operator.PrivateKey,
		"database.password":    red.Database.Password,
		"redis.password":       red.Redis.Password,
		"s3.secret_key":        red.S3.SecretKey,
		"server.api_token":     red.Server.APIToken,
	} {
		if got != "***" {
			t.Errorf("%s not redacted: %q", name, got)
		}
	}

	// Original untouched.
	if cfg.Database.Password != "hunter2" {
		t.Error("redaction mutated the original config")
	}
}
