package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"
)

// Feature: prediction-market-engine, Property 12: Configuration parsing

var durationDefaults = map[string]time.Duration{
	"EXPIRATION_INTERVAL":     1 * time.Second,
	"ORACLE_REFRESH_INTERVAL": 30 * time.Second,
	"READ_TIMEOUT":            5 * time.Second,
	"WRITE_TIMEOUT":           10 * time.Second,
	"IDLE_TIMEOUT":            60 * time.Second,
	"SHUTDOWN_TIMEOUT":        10 * time.Second,
	"OUTBOX_RETRY_BACKOFF":    200 * time.Millisecond,
	"MARKET_CACHE_TTL":        5 * time.Second,
}

func sortedDurationKeys() []string {
	keys := make([]string, 0, len(durationDefaults))
	for k := range durationDefaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func durationField(cfg *Config, key string) time.Duration {
	switch key {
	case "EXPIRATION_INTERVAL":
		return cfg.ExpirationInterval
	case "ORACLE_REFRESH_INTERVAL":
		return cfg.OracleRefreshInterval
	case "READ_TIMEOUT":
		return cfg.ReadTimeout
	case "WRITE_TIMEOUT":
		return cfg.WriteTimeout
	case "IDLE_TIMEOUT":
		return cfg.IdleTimeout
	case "SHUTDOWN_TIMEOUT":
		return cfg.ShutdownTimeout
	case "OUTBOX_RETRY_BACKOFF":
		return cfg.OutboxRetryBackoff
	case "MARKET_CACHE_TTL":
		return cfg.MarketCacheTTL
	}
	panic("unknown duration key " + key)
}

// withEnv sets vars for the duration of one rapid iteration.
func withEnv(vars map[string]string) func() {
	for _, key := range envKeys {
		os.Unsetenv(key)
	}
	for k, v := range vars {
		os.Setenv(k, v)
	}
	return func() {
		for k := range vars {
			os.Unsetenv(k)
		}
	}
}

func TestProperty_ValidConfigParsing(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		vars := make(map[string]string)

		port := rapid.IntRange(0, 65535).Draw(t, "port")
		if port > 0 {
			vars["PORT"] = strconv.Itoa(port)
		}
		level := rapid.SampledFrom([]string{"", "debug", "info", "warn", "error"}).Draw(t, "level")
		if level != "" {
			vars["LOG_LEVEL"] = level
		}
		// Basis points keep the rate inside [0, 1).
		bps := rapid.IntRange(-1, 9999).Draw(t, "feeBps")
		if bps >= 0 {
			vars["FEE_BASE_RATE"] = decimal.New(int64(bps), -4).String()
		}
		want := make(map[string]time.Duration, len(durationDefaults))
		for _, key := range sortedDurationKeys() {
			def := durationDefaults[key]
			want[key] = def
			if rapid.Bool().Draw(t, key+"_set") {
				n := rapid.IntRange(1, 600).Draw(t, key)
				unit := rapid.SampledFrom([]string{"ms", "s", "m"}).Draw(t, key+"_unit")
				vars[key] = fmt.Sprintf("%d%s", n, unit)
				want[key], _ = time.ParseDuration(vars[key])
			}
		}

		defer withEnv(vars)()
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load returned error for valid inputs %v: %v", vars, err)
		}

		wantPort := 8080
		if port > 0 {
			wantPort = port
		}
		if cfg.Port != wantPort {
			t.Fatalf("Port = %d, want %d", cfg.Port, wantPort)
		}
		wantLevel := "info"
		if level != "" {
			wantLevel = level
		}
		if cfg.LogLevel != wantLevel {
			t.Fatalf("LogLevel = %q, want %q", cfg.LogLevel, wantLevel)
		}
		wantFee := decimal.RequireFromString("0.02")
		if bps >= 0 {
			wantFee = decimal.New(int64(bps), -4)
		}
		if !cfg.FeeBaseRate.Equal(wantFee) {
			t.Fatalf("FeeBaseRate = %s, want %s", cfg.FeeBaseRate, wantFee)
		}
		for key, d := range want {
			if got := durationField(cfg, key); got != d {
				t.Fatalf("%s = %v, want %v (env=%q)", key, got, d, vars[key])
			}
		}
	})
}

func TestProperty_InvalidValuesReturnError(t *testing.T) {
	keys := append([]string{"PORT", "LOG_LEVEL", "FEE_BASE_RATE", "OUTBOX_QUEUE_SIZE"}, sortedDurationKeys()...)

	rapid.Check(t, func(t *rapid.T) {
		key := rapid.SampledFrom(keys).Draw(t, "key")
		// Letters never parse as a number, a duration or a log level
		// longer than five characters.
		bad := rapid.StringMatching(`[a-z]{6,12}`).Draw(t, "value")

		defer withEnv(map[string]string{key: bad})()
		if _, err := Load(""); err == nil {
			t.Fatalf("Load accepted %s=%q", key, bad)
		}
	})
}

func TestProperty_NonPositiveDurationsRejected(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		key := rapid.SampledFrom([]string{
			"EXPIRATION_INTERVAL", "ORACLE_REFRESH_INTERVAL", "SHUTDOWN_TIMEOUT", "MARKET_CACHE_TTL",
		}).Draw(t, "key")
		n := rapid.IntRange(-600, 0).Draw(t, "n")

		defer withEnv(map[string]string{key: fmt.Sprintf("%ds", n)})()
		if _, err := Load(""); err == nil {
			t.Fatalf("Load accepted %s=%ds", key, n)
		}
	})
}
