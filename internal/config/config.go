package config

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Config aggregates runtime configuration loaded from environment variables.
type Config struct {
	TelegramToken string        `env:"BOT_TOKEN"`
	BotPassword   string        `env:"BOT_PASSWORD"`
	SessionTTL    time.Duration `env:"SESSION_TTL" envDefault:"24h"`

	RPCURL      string `env:"RPC_URL,required"`
	ChainID     int64  `env:"CHAIN_ID"`
	CurveRouter string `env:"CURVE_ROUTER" envDefault:"0x4F5A3518F082275edf59026f72B66AC2838c0414"`
	DexRouter   string `env:"DEX_ROUTER" envDefault:"0x4FBDC27FAE5f99E7B09590bEc8Bf20481FCf9551"`

	APIBase      string        `env:"API_BASE" envDefault:"https://testnet-v3-api.nad.fun"`
	APIRateLimit float64       `env:"API_RATE_LIMIT" envDefault:"5"`
	HTTPTimeout  time.Duration `env:"HTTP_TIMEOUT" envDefault:"10s"`

	Store        string `env:"STORE" envDefault:"postgres"`
	DatabaseURL  string `env:"DATABASE_URL"`
	MasterKeyRaw string `env:"MASTER_KEY,required"`
	MasterKey    []byte

	HTTPHost string `env:"HOST" envDefault:"0.0.0.0"`
	HTTPPort int    `env:"PORT" envDefault:"8090"`
	APIKey   string `env:"API_KEY"`

	SchedulerInterval time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"60s"`
	AutomationScope   string        `env:"AUTOMATION_SCOPE" envDefault:"sessions"`
	ConfirmTimeout    time.Duration `env:"CONFIRM_TIMEOUT" envDefault:"3m"`
	TradeDeadline     time.Duration `env:"TRADE_DEADLINE" envDefault:"30m"`

	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	LockTTL       time.Duration `env:"LOCK_TTL" envDefault:"10m"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogDebug bool   `env:"LOG_DEBUG" envDefault:"false"`

	DefaultSlippage  int    `env:"DEFAULT_SLIPPAGE" envDefault:"10"`
	DefaultBuyAmount string `env:"DEFAULT_BUY_AMOUNT" envDefault:"0.1"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	DonateAddress string `env:"DONATE_ADDRESS"`
}

const lockMargin = time.Minute

// Load parses environment variables and produces a validated Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, err
	}
	key, err := decodeMasterKey(strings.TrimSpace(cfg.MasterKeyRaw))
	if err != nil {
		return cfg, fmt.Errorf("decode master key: %w", err)
	}
	cfg.MasterKey = key
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the process cannot run with.
func (c Config) Validate() error {
	if len(c.MasterKey) != 32 {
		return fmt.Errorf("MASTER_KEY must decode to 32 bytes, got %d", len(c.MasterKey))
	}
	switch c.Store {
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL must be provided when STORE=postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported STORE %q", c.Store)
	}
	switch c.AutomationScope {
	case "sessions", "all":
	default:
		return fmt.Errorf("unsupported AUTOMATION_SCOPE %q", c.AutomationScope)
	}
	if !common.IsHexAddress(c.CurveRouter) || !common.IsHexAddress(c.DexRouter) {
		return errors.New("router addresses must be hex addresses")
	}
	if c.DonateAddress != "" && !common.IsHexAddress(c.DonateAddress) {
		return errors.New("DONATE_ADDRESS must be a hex address")
	}
	if c.DefaultSlippage < 1 || c.DefaultSlippage > 50 {
		return errors.New("DEFAULT_SLIPPAGE must be between 1 and 50")
	}
	amount, err := decimal.NewFromString(c.DefaultBuyAmount)
	if err != nil || !amount.IsPositive() {
		return errors.New("DEFAULT_BUY_AMOUNT must be a positive decimal")
	}
	if c.SchedulerInterval <= 0 || c.ConfirmTimeout <= 0 || c.TradeDeadline <= 0 {
		return errors.New("scheduler interval, confirm timeout and trade deadline must be positive")
	}
	// A sell holds the user lock across the approval and the sell confirmation.
	if need := 2*c.ConfirmTimeout + lockMargin; c.LockTTL < need {
		return fmt.Errorf("LOCK_TTL must be at least twice CONFIRM_TIMEOUT plus %s (%s)", lockMargin, need)
	}
	if c.APIRateLimit <= 0 {
		return errors.New("API_RATE_LIMIT must be positive")
	}
	return nil
}

func decodeMasterKey(raw string) ([]byte, error) {
	switch {
	case raw == "":
		return nil, errors.New("master key is empty")
	case strings.HasPrefix(raw, "base64:"):
		return base64.StdEncoding.DecodeString(raw[7:])
	case strings.HasPrefix(raw, "hex:"):
		return hex.DecodeString(raw[4:])
	default:
		// bare values are hex
		return hex.DecodeString(raw)
	}
}
