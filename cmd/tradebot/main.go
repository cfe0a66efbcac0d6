package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/sync/errgroup"

	"github.com/cryptomb9/nad-trading-bot-TG/internal/automation"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/chain"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/config"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/database"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/lock"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/logger"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/market"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/notify"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/server"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/telegram"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/trading"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/wallet"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	zl, err := logger.New(logger.Config{Name: "tradebot", Level: cfg.LogLevel, Debug: cfg.LogDebug})
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	logger.SetDefault(zl)
	defer logger.Sync()

	if err := run(ctx, cfg, zl); err != nil {
		zl.Error("tradebot exited", logger.FieldErr(err))
		logger.Sync()
		os.Exit(1)
	}
}

type stores struct {
	wallet.Store
	wallet.Journal
	close func()
}

func openStore(ctx context.Context, cfg config.Config, zl *logger.Logger) (*stores, error) {
	if cfg.Store == "memory" {
		zl.Warn("STORE=memory, wallets are lost on restart")
		mem := wallet.NewMemoryStore()
		return &stores{Store: mem, Journal: mem, close: func() {}}, nil
	}
	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &stores{Store: db, Journal: db, close: db.Close}, nil
}

func openLocker(ctx context.Context, cfg config.Config, zl *logger.Logger) (lock.Locker, func(), error) {
	if cfg.RedisAddr == "" {
		return lock.NewKeyedMutex(), func() {}, nil
	}
	rl := lock.NewRedisLock(lock.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		TTL:      cfg.LockTTL,
		Logger:   zl,
	})
	if err := rl.Ping(ctx); err != nil {
		_ = rl.Close()
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	zl.Info("using redis user locks", logger.String("addr", cfg.RedisAddr))
	return rl, func() { _ = rl.Close() }, nil
}

func run(ctx context.Context, cfg config.Config, zl *logger.Logger) error {
	st, err := openStore(ctx, cfg, zl)
	if err != nil {
		return err
	}
	defer st.close()

	locker, closeLocker, err := openLocker(ctx, cfg, zl)
	if err != nil {
		return err
	}
	defer closeLocker()

	chainClient, err := chain.Dial(ctx, chain.Config{RPCURL: cfg.RPCURL, ChainID: cfg.ChainID, Logger: zl})
	if err != nil {
		return fmt.Errorf("dial rpc: %w", err)
	}
	defer chainClient.Close()

	keyring, err := wallet.NewKeyring(cfg.MasterKey)
	if err != nil {
		return err
	}

	api := market.NewAPIClient(market.APIConfig{
		BaseURL:    cfg.APIBase,
		RatePerSec: cfg.APIRateLimit,
		Timeout:    cfg.HTTPTimeout,
		Logger:     zl,
	})
	gateway := market.NewGateway(market.Options{
		Data:        api,
		Chain:       chainClient,
		CurveRouter: common.HexToAddress(cfg.CurveRouter),
		DexRouter:   common.HexToAddress(cfg.DexRouter),
		Logger:      zl,
	})

	var botAPI *tgbotapi.BotAPI
	sinks := notify.Multi{notify.NewLog(zl)}
	if cfg.TelegramToken != "" {
		botAPI, err = tgbotapi.NewBotAPI(cfg.TelegramToken)
		if err != nil {
			return fmt.Errorf("telegram bot error: %w", err)
		}
		botAPI.Debug = false
		sinks = append(sinks, notify.NewTelegram(botAPI, zl))
	} else {
		zl.Warn("BOT_TOKEN is empty, telegram front-end disabled")
	}

	executor := trading.NewExecutor(trading.Options{
		Store:          st.Store,
		Journal:        st.Journal,
		Keys:           keyring,
		Chain:          chainClient,
		Market:         gateway,
		Locker:         locker,
		Notifier:       sinks,
		Logger:         zl,
		ConfirmTimeout: cfg.ConfirmTimeout,
		Deadline:       cfg.TradeDeadline,
	})
	ledger := trading.NewLedger(st.Store, chainClient, locker, zl)
	accounts := trading.NewAccounts(trading.AccountsOptions{
		Store:            st.Store,
		Journal:          st.Journal,
		Keyring:          keyring,
		Locker:           locker,
		Ledger:           ledger,
		Balances:         chainClient,
		DefaultSlippage:  cfg.DefaultSlippage,
		DefaultBuyAmount: cfg.DefaultBuyAmount,
		Logger:           zl,
	})

	sessions := telegram.NewSessions(cfg.SessionTTL, nil)
	var users automation.UserSource = sessions
	if cfg.AutomationScope == "all" {
		users = automation.StoreUsers{Store: st.Store}
	} else if botAPI == nil {
		zl.Warn("AUTOMATION_SCOPE=sessions without a telegram bot, automation has no users")
	}
	scheduler := automation.New(automation.Options{
		Users:     users,
		Store:     st.Store,
		Positions: ledger,
		Trader:    executor,
		Settings:  accounts,
		Prices:    gateway,
		Notifier:  sinks,
		Logger:    zl,
		Interval:  cfg.SchedulerInterval,
	})

	srv := server.New(server.Options{
		Host:     cfg.HTTPHost,
		Port:     cfg.HTTPPort,
		APIKey:   cfg.APIKey,
		Accounts: accounts,
		Ledger:   ledger,
		Trader:   executor,
		Tokens:   gateway,
		Logger:   zl,
	})

	scheduler.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	if botAPI != nil {
		bot := telegram.New(telegram.Options{
			API:      botAPI,
			Password: cfg.BotPassword,
			Sessions: sessions,
			Accounts: accounts,
			Ledger:   ledger,
			Trader:   executor,
			Market:   gateway,
			Logger:   zl,

			DonateAddress: cfg.DonateAddress,
		})
		g.Go(func() error { return bot.Run(gctx) })
	}
	zl.Info("tradebot started",
		logger.String("store", cfg.Store),
		logger.String("automation_scope", cfg.AutomationScope),
		logger.Int64("chain_id", chainClient.ChainID().Int64()))

	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	scheduler.Stop()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		zl.Warn("server shutdown", logger.FieldErr(serr))
	}
	if werr := executor.Shutdown(shutdownCtx); werr != nil {
		zl.Warn("pending confirmations abandoned", logger.FieldErr(werr))
	}
	zl.Info("tradebot stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
