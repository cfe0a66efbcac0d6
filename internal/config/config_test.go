package config

import (
	"strings"
	"testing"
	"time"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("RPC_URL", "http://localhost:8545")
	t.Setenv("MASTER_KEY", "hex:"+testKeyHex)
	t.Setenv("STORE", "memory")
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.MasterKey) != 32 {
		t.Fatalf("master key length = %d", len(cfg.MasterKey))
	}
	if cfg.SchedulerInterval != 60*time.Second {
		t.Errorf("scheduler interval = %s", cfg.SchedulerInterval)
	}
	if cfg.TradeDeadline != 30*time.Minute {
		t.Errorf("trade deadline = %s", cfg.TradeDeadline)
	}
	if cfg.DefaultSlippage != 10 || cfg.DefaultBuyAmount != "0.1" {
		t.Errorf("defaults = %d %s", cfg.DefaultSlippage, cfg.DefaultBuyAmount)
	}
	if cfg.AutomationScope != "sessions" {
		t.Errorf("scope = %s", cfg.AutomationScope)
	}
}

func TestLoadRequiresDatabaseForPostgres(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("STORE", "postgres")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Fatalf("expected DATABASE_URL error, got %v", err)
	}
}

func TestLoadRejectsShortKey(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("MASTER_KEY", "base64:c2hvcnQ=")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for short master key")
	}
}

func TestValidateRanges(t *testing.T) {
	setBaseEnv(t)
	base, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	cases := map[string]func(c *Config){
		"slippage low":      func(c *Config) { c.DefaultSlippage = 0 },
		"slippage high":     func(c *Config) { c.DefaultSlippage = 51 },
		"buy amount":        func(c *Config) { c.DefaultBuyAmount = "-1" },
		"lock ttl":          func(c *Config) { c.LockTTL = c.ConfirmTimeout },
		"lock ttl one sell": func(c *Config) { c.ConfirmTimeout, c.LockTTL = 3*time.Minute, 4*time.Minute },
		"router":            func(c *Config) { c.DexRouter = "nope" },
		"donate address":    func(c *Config) { c.DonateAddress = "0x12" },
		"automation scope":  func(c *Config) { c.AutomationScope = "everyone" },
		"scheduler stopped": func(c *Config) { c.SchedulerInterval = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base
			mutate(&c)
			if err := c.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLockTTLCoversApprovalAndSell(t *testing.T) {
	setBaseEnv(t)
	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	c.ConfirmTimeout = 3 * time.Minute
	c.LockTTL = 7 * time.Minute
	if err := c.Validate(); err != nil {
		t.Fatalf("7m lock with 3m confirmations should pass: %v", err)
	}
	c.LockTTL = 7*time.Minute - time.Second
	if err := c.Validate(); err == nil {
		t.Fatal("lock shorter than two confirmations plus margin should fail")
	}
}

func TestDecodeMasterKey(t *testing.T) {
	for _, raw := range []string{testKeyHex, "hex:" + testKeyHex, "base64:AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8="} {
		key, err := decodeMasterKey(raw)
		if err != nil {
			t.Fatalf("decode %q: %v", raw, err)
		}
		if len(key) != 32 || key[31] != 0x1f {
			t.Fatalf("unexpected key for %q: %x", raw, key)
		}
	}
}
