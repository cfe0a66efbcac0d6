// Package telegram is the chat front-end: it authenticates users and maps
// commands onto trading operations.
package telegram

import (
	"context"
	"crypto/subtle"
	"math/big"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/cryptomb9/nad-trading-bot-TG/internal/logger"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/market"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/trading"
)

// API is the part of tgbotapi.BotAPI the bot uses.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

type Trader interface {
	Buy(ctx context.Context, req trading.BuyRequest) (*trading.Pending, error)
	Sell(ctx context.Context, req trading.SellRequest) (*trading.Pending, error)
}

// Market answers the token lookups behind /price, /tokeninfo and /debug.
type Market interface {
	Metadata(ctx context.Context, token string) (*market.Metadata, error)
	ResolveMarket(ctx context.Context, token string) (*market.Market, error)
	Snapshot(ctx context.Context, token common.Address) (*market.Snapshot, error)
	Quote(ctx context.Context, token common.Address, v market.Venue, amountIn *big.Int, dir market.Direction) (*big.Int, error)
}

type Options struct {
	API      API
	Password string
	Sessions *Sessions
	Accounts *trading.Accounts
	Ledger   *trading.Ledger
	Trader   Trader
	Market   Market
	Logger   *logger.Logger

	// DonateAddress is shown by /donate; empty means not configured.
	DonateAddress string
}

type Bot struct {
	opts Options
	log  *logger.Logger
	wg   sync.WaitGroup
}

func New(opts Options) *Bot {
	if opts.Sessions == nil {
		opts.Sessions = NewSessions(0, nil)
	}
	b := &Bot{opts: opts, log: logger.OrDefault(opts.Logger).Named("telegram")}
	if opts.Password == "" {
		b.log.Warn("BOT_PASSWORD is empty, every chat user is treated as authenticated")
	}
	return b
}

// Run consumes updates until ctx is done, then waits for in-flight handlers.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.opts.API.GetUpdatesChan(u)
	b.log.Info("telegram bot started")
	defer func() {
		b.wg.Wait()
		b.log.Info("telegram bot stopped")
	}()
	for {
		select {
		case <-ctx.Done():
			b.opts.API.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil || update.Message.From == nil {
				continue
			}
			msg := update.Message
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.handleMessage(ctx, msg)
			}()
		}
	}
}

func (b *Bot) authorized(userID string) bool {
	if b.opts.Password == "" {
		b.opts.Sessions.Authenticate(userID)
		return true
	}
	return b.opts.Sessions.Touch(userID)
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	userID := strconv.FormatInt(msg.From.ID, 10)
	chatID := msg.Chat.ID
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("handler panic", logger.FieldUser(userID), logger.Any("panic", r))
			b.reply(chatID, "An error occurred. Please try again.")
		}
	}()

	if !msg.IsCommand() {
		text := strings.TrimSpace(msg.Text)
		if looksLikeAddress(text) && b.authorized(userID) {
			b.autoBuy(ctx, chatID, userID, text)
		}
		return
	}

	args := strings.Fields(msg.CommandArguments())
	switch msg.Command() {
	case "start":
		b.reply(chatID, welcomeText)
		return
	case "auth":
		b.handleAuth(chatID, userID, strings.TrimSpace(msg.CommandArguments()))
		return
	case "donate":
		b.handleDonate(chatID)
		return
	}
	if !b.authorized(userID) {
		b.reply(chatID, "Access denied. Use /auth <password> first.")
		return
	}

	switch msg.Command() {
	case "help":
		b.reply(chatID, helpText)
	case "wallet":
		b.handleWallet(ctx, chatID, userID)
	case "balance", "refresh":
		b.handleBalance(ctx, chatID, userID)
	case "deposit":
		b.handleDeposit(ctx, chatID, userID)
	case "export":
		b.handleExport(ctx, chatID, userID)
	case "buy":
		b.handleBuy(ctx, chatID, userID, args)
	case "sell":
		b.handleSell(ctx, chatID, userID, args)
	case "positions":
		b.handlePositions(ctx, chatID, userID)
	case "orders":
		b.handleOrders(ctx, chatID, userID)
	case "autobuy":
		b.handleAutoBuy(ctx, chatID, userID)
	case "slippage":
		b.handleSlippage(ctx, chatID, userID, args)
	case "setdefault":
		b.handleSetDefault(ctx, chatID, userID, args)
	case "autosell":
		b.handleAutoSell(ctx, chatID, userID, args)
	case "dca":
		b.handleDCA(ctx, chatID, userID, args)
	case "price":
		b.handlePrice(ctx, chatID, args)
	case "tokeninfo":
		b.handleTokenInfo(ctx, chatID, args)
	case "debug":
		b.handleDebug(ctx, chatID, args)
	case "logout":
		b.opts.Sessions.Revoke(userID)
		b.reply(chatID, "Logged out. Automation is paused until you /auth again.")
	default:
		b.reply(chatID, "Unknown command. Use /help.")
	}
}

func (b *Bot) handleAuth(chatID int64, userID, password string) {
	if password == "" {
		b.reply(chatID, "Usage: /auth <password>")
		return
	}
	if b.opts.Password != "" && subtle.ConstantTimeCompare([]byte(password), []byte(b.opts.Password)) != 1 {
		b.log.Warn("failed authentication", logger.FieldUser(userID))
		b.reply(chatID, "Invalid password. Access denied.")
		return
	}
	b.opts.Sessions.Authenticate(userID)
	b.reply(chatID, "Authentication successful. Use /help to see available commands.")
}

func (b *Bot) handleDonate(chatID int64) {
	if b.opts.DonateAddress == "" {
		b.reply(chatID, "Support NAD Bot development!\n\nDonate address not configured. Please contact the developer.")
		return
	}
	b.reply(chatID, "Support NAD Bot development:\n\nMON address:\n"+b.opts.DonateAddress+
		"\n\nYour donations help keep this bot running and improving. Thank you!")
}

func (b *Bot) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := b.opts.API.Send(msg); err != nil {
		b.log.Warn("send reply", logger.Int64("chat_id", chatID), logger.FieldErr(err))
	}
}

// fail replies with the user-facing reason for err and logs unexpected ones.
func (b *Bot) fail(chatID int64, userID, action string, err error) {
	if trading.KindOf(err) == trading.KindFatal || trading.KindOf(err) == trading.KindUnavailable {
		b.log.Warn(action+" failed", logger.FieldUser(userID), logger.FieldErr(err))
	}
	b.reply(chatID, action+" failed: "+trading.Describe(err))
}

const welcomeText = `Welcome to NAD Trading Bot!

This bot is password protected.
Use /auth <password> to authenticate.

After authentication, use /help for the command list.`

const helpText = `NAD Bot Commands

Account:
/wallet - show (or create) your wallet
/balance - MON and token balances
/deposit - deposit address
/export - export private key (delete the message after saving!)
/orders - recent trades

Trading:
/buy <token> [mon_amount] - buy tokens (default amount if omitted)
/sell <token|#position> <percent> - sell a share of a position
/positions - open positions

Settings:
/autobuy - toggle auto-buy on pasted addresses
/slippage <1-50> - slippage tolerance
/setdefault <amount> - default buy amount

Automation:
/autosell on|off|list|clear
/autosell add <marketcap|profit|loss|time> <value> <percent>
/autosell remove <id>
/dca add <token> <mon_amount> <interval_minutes> <max_buys>
/dca list|pause <id>|resume <id>|delete <id>

Information:
/price <token>, /tokeninfo <token>, /debug <token>
/logout - end your session
/donate - support the developer

Auto-buy: paste a token address and it is bought with your default amount when enabled.`
