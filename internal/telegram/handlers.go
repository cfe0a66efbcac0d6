package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cryptomb9/nad-trading-bot-TG/internal/chain"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/market"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/trading"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/wallet"
)

func short(s string) string {
	if len(s) <= 14 {
		return s
	}
	return s[:8] + "..." + s[len(s)-4:]
}

func onOff(v bool) string {
	if v {
		return "ON"
	}
	return "OFF"
}

func formatPrice(d decimal.Decimal) string {
	f, _ := d.Float64()
	return strconv.FormatFloat(f, 'e', 4, 64)
}

func (b *Bot) handleWallet(ctx context.Context, chatID int64, userID string) {
	rec, created, err := b.opts.Accounts.Create(ctx, userID)
	if err != nil {
		b.fail(chatID, userID, "Wallet", err)
		return
	}
	header := "Your wallet:"
	if created {
		header = "New wallet created:"
	}
	b.reply(chatID, fmt.Sprintf(`%s

Address: %s
Auto-buy: %s
Slippage: %d%%
Default buy: %s MON
Auto-sell: %s (%d triggers)
DCA campaigns: %d

Use /export to get your private key if needed.`,
		header, rec.Address, onOff(rec.AutoBuy), rec.Slippage, rec.DefaultBuyAmount,
		onOff(rec.AutoSell.Enabled), len(rec.AutoSell.Triggers), len(rec.Campaigns)))
}

func (b *Bot) handleBalance(ctx context.Context, chatID int64, userID string) {
	ov, err := b.opts.Accounts.Overview(ctx, userID)
	if err != nil {
		b.fail(chatID, userID, "Balance", err)
		return
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Balance overview:\n\nMON: %s", chain.FormatUnits(ov.Native, chain.NativeDecimals, 4))
	if len(ov.Holdings) == 0 {
		sb.WriteString("\n\nNo token positions yet")
	} else {
		sb.WriteString("\n\nToken positions:")
		for _, h := range ov.Holdings {
			if h.BalanceErr != nil {
				fmt.Fprintf(&sb, "\n%s: balance unavailable", short(h.Token))
				continue
			}
			fmt.Fprintf(&sb, "\n%s: %s", b.symbol(ctx, h.Token), chain.FormatUnits(h.Balance, h.Decimals, 4))
		}
	}
	b.reply(chatID, sb.String())
}

// symbol falls back to the short address when metadata is unavailable.
func (b *Bot) symbol(ctx context.Context, token string) string {
	meta, err := b.opts.Market.Metadata(ctx, token)
	if err != nil || meta.Symbol == "" {
		return short(token)
	}
	return meta.Symbol
}

func (b *Bot) handleDeposit(ctx context.Context, chatID int64, userID string) {
	rec, err := b.opts.Accounts.Get(ctx, userID)
	if err != nil {
		b.fail(chatID, userID, "Deposit", err)
		return
	}
	b.reply(chatID, fmt.Sprintf("Deposit address:\n\n%s\n\nSend MON to this address to fund your trading wallet.\nOnly send MON on Monad testnet!", rec.Address))
}

func (b *Bot) handleExport(ctx context.Context, chatID int64, userID string) {
	key, err := b.opts.Accounts.ExportKey(ctx, userID)
	if err != nil {
		b.fail(chatID, userID, "Export", err)
		return
	}
	b.reply(chatID, fmt.Sprintf(`Private key: %s

SECURITY WARNING:
Save this key securely and delete this message immediately.
Never share it. It gives full access to your funds.`, key))
}

func (b *Bot) handleBuy(ctx context.Context, chatID int64, userID string, args []string) {
	if len(args) < 1 || !looksLikeAddress(args[0]) {
		b.reply(chatID, "Usage: /buy <token_address> [mon_amount]\n\nExample: /buy 0x123...abc 0.1")
		return
	}
	amount := ""
	if len(args) > 1 {
		amount = args[1]
	} else {
		rec, err := b.opts.Accounts.Get(ctx, userID)
		if err != nil {
			b.fail(chatID, userID, "Buy", err)
			return
		}
		amount = rec.DefaultBuyAmount
	}
	b.buy(ctx, chatID, userID, args[0], amount, wallet.SourceManual)
}

func (b *Bot) buy(ctx context.Context, chatID int64, userID, token, amount string, source wallet.Source) {
	p, err := b.opts.Trader.Buy(ctx, trading.BuyRequest{UserID: userID, Token: token, Amount: amount, Source: source})
	if err != nil {
		b.fail(chatID, userID, "Buy", err)
		return
	}
	b.reply(chatID, fmt.Sprintf("Buy submitted: %s MON -> %s\nMarket: %s\nTx: %s\n\nYou will be notified when it confirms.",
		amount, short(p.Token), p.Venue, p.TxHash))
}

func (b *Bot) handleSell(ctx context.Context, chatID int64, userID string, args []string) {
	req, err := parseSell(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}
	req.UserID = userID
	req.Source = wallet.SourceManual
	p, err := b.opts.Trader.Sell(ctx, req)
	if err != nil {
		b.fail(chatID, userID, "Sell", err)
		return
	}
	b.reply(chatID, fmt.Sprintf("Sell submitted: %d%% of %s\nMarket: %s\nTx: %s\n\nYou will be notified when it confirms.",
		req.Percentage, short(p.Token), p.Venue, p.TxHash))
}

func (b *Bot) handlePositions(ctx context.Context, chatID int64, userID string) {
	holdings, err := b.opts.Ledger.List(ctx, userID)
	if err != nil {
		b.fail(chatID, userID, "Positions", err)
		return
	}
	if len(holdings) == 0 {
		b.reply(chatID, "No open positions.\n\nStart trading with /buy.")
		return
	}
	var sb strings.Builder
	sb.WriteString("Your positions:\n")
	for i, h := range holdings {
		fmt.Fprintf(&sb, "\n#%d %s (%s)\n", i+1, b.symbol(ctx, h.Token), short(h.Token))
		if h.BalanceErr != nil {
			sb.WriteString("Balance: unavailable\n")
		} else {
			fmt.Fprintf(&sb, "Balance: %s\n", chain.FormatUnits(h.Balance, h.Decimals, 4))
		}
		snap, err := b.opts.Market.Snapshot(ctx, mustAddress(h.Token))
		if err != nil {
			sb.WriteString("Price: N/A\n")
			continue
		}
		fmt.Fprintf(&sb, "Price: %s MON\nMarket: %s\n", formatPrice(snap.Market.Price), snap.Market.Venue)
		if buy, err := decimal.NewFromString(h.BuyPrice); err == nil && buy.IsPositive() {
			pnl := snap.Market.Price.Sub(buy).Div(buy).Mul(decimal.NewFromInt(100))
			fmt.Fprintf(&sb, "PnL: %s%%\n", pnl.StringFixed(2))
		}
	}
	b.reply(chatID, sb.String())
}

func (b *Bot) handleOrders(ctx context.Context, chatID int64, userID string) {
	orders, err := b.opts.Accounts.Orders(ctx, userID, 10)
	if err != nil {
		b.fail(chatID, userID, "Orders", err)
		return
	}
	if len(orders) == 0 {
		b.reply(chatID, "No trades yet.")
		return
	}
	var sb strings.Builder
	sb.WriteString("Recent trades:\n")
	for _, o := range orders {
		fmt.Fprintf(&sb, "\n%s %s %s %s [%s]", o.CreatedAt.UTC().Format("01-02 15:04"), o.Side, short(o.Token), o.Status, o.Source)
		if o.Error != "" {
			fmt.Fprintf(&sb, " %s", o.Error)
		}
	}
	b.reply(chatID, sb.String())
}

func (b *Bot) handleAutoBuy(ctx context.Context, chatID int64, userID string) {
	rec, err := b.opts.Accounts.Get(ctx, userID)
	if err != nil {
		b.fail(chatID, userID, "Auto-buy", err)
		return
	}
	rec, err = b.opts.Accounts.SetAutoBuy(ctx, userID, !rec.AutoBuy)
	if err != nil {
		b.fail(chatID, userID, "Auto-buy", err)
		return
	}
	if rec.AutoBuy {
		b.reply(chatID, fmt.Sprintf("Auto-buy is now ON.\n\nPasted token addresses will be bought for %s MON.", rec.DefaultBuyAmount))
		return
	}
	b.reply(chatID, "Auto-buy is now OFF.\n\nPasted token addresses are only detected.")
}

func (b *Bot) handleSlippage(ctx context.Context, chatID int64, userID string, args []string) {
	const usage = "Enter a slippage % between 1 and 50\n\nExample: /slippage 15"
	if len(args) < 1 {
		b.reply(chatID, usage)
		return
	}
	v, err := strconv.Atoi(strings.TrimSuffix(args[0], "%"))
	if err != nil {
		b.reply(chatID, usage)
		return
	}
	if _, err := b.opts.Accounts.SetSlippage(ctx, userID, v); err != nil {
		if trading.KindOf(err) == trading.KindInvalid {
			b.reply(chatID, usage)
			return
		}
		b.fail(chatID, userID, "Slippage", err)
		return
	}
	b.reply(chatID, fmt.Sprintf("Slippage set to %d%%", v))
}

func (b *Bot) handleSetDefault(ctx context.Context, chatID int64, userID string, args []string) {
	const usage = "Enter a valid MON amount\n\nExample: /setdefault 0.5"
	if len(args) < 1 {
		b.reply(chatID, usage)
		return
	}
	rec, err := b.opts.Accounts.SetDefaultBuyAmount(ctx, userID, args[0])
	if err != nil {
		if trading.KindOf(err) == trading.KindInvalid {
			b.reply(chatID, usage)
			return
		}
		b.fail(chatID, userID, "Default amount", err)
		return
	}
	b.reply(chatID, fmt.Sprintf("Default buy amount set to %s MON", rec.DefaultBuyAmount))
}

func (b *Bot) handleAutoSell(ctx context.Context, chatID int64, userID string, args []string) {
	if len(args) == 0 {
		args = []string{"list"}
	}
	switch strings.ToLower(args[0]) {
	case "on", "off":
		rec, err := b.opts.Accounts.SetAutoSell(ctx, userID, strings.EqualFold(args[0], "on"))
		if err != nil {
			b.fail(chatID, userID, "Auto-sell", err)
			return
		}
		b.reply(chatID, fmt.Sprintf("Auto-sell is now %s (%d triggers).", onOff(rec.AutoSell.Enabled), len(rec.AutoSell.Triggers)))
	case "add":
		ta, err := parseTrigger(args[1:])
		if err != nil {
			b.reply(chatID, err.Error())
			return
		}
		t, err := b.opts.Accounts.AddTrigger(ctx, userID, ta.Type, ta.Value, ta.Percentage)
		if err != nil {
			b.fail(chatID, userID, "Add trigger", err)
			return
		}
		b.reply(chatID, fmt.Sprintf("Trigger added: %s\nID: %s", describeTrigger(t), t.ID))
	case "remove":
		if len(args) < 2 {
			b.reply(chatID, "Usage: /autosell remove <id>")
			return
		}
		if err := b.opts.Accounts.RemoveTrigger(ctx, userID, args[1]); err != nil {
			b.fail(chatID, userID, "Remove trigger", err)
			return
		}
		b.reply(chatID, "Trigger removed.")
	case "clear":
		if err := b.opts.Accounts.ClearTriggers(ctx, userID); err != nil {
			b.fail(chatID, userID, "Clear triggers", err)
			return
		}
		b.reply(chatID, "All triggers removed.")
	case "list":
		rec, err := b.opts.Accounts.Get(ctx, userID)
		if err != nil {
			b.fail(chatID, userID, "Auto-sell", err)
			return
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "Auto-sell: %s", onOff(rec.AutoSell.Enabled))
		if len(rec.AutoSell.Triggers) == 0 {
			sb.WriteString("\nNo triggers. Add one with /autosell add.")
		}
		for _, t := range rec.AutoSell.Triggers {
			fmt.Fprintf(&sb, "\n%s\n  id %s", describeTrigger(t), t.ID)
		}
		b.reply(chatID, sb.String())
	default:
		b.reply(chatID, "Usage: /autosell on|off|list|clear|add|remove")
	}
}

func describeTrigger(t wallet.Trigger) string {
	switch t.Type {
	case wallet.TriggerMarketCap:
		return fmt.Sprintf("sell %d%% when market cap >= %s MON", t.Percentage, t.Value)
	case wallet.TriggerProfit:
		return fmt.Sprintf("sell %d%% at +%s%% profit", t.Percentage, t.Value)
	case wallet.TriggerLoss:
		return fmt.Sprintf("sell %d%% at -%s%% loss", t.Percentage, t.Value)
	case wallet.TriggerTime:
		d := time.Duration(t.Value.IntPart()) * time.Millisecond
		return fmt.Sprintf("sell %d%% after holding %s", t.Percentage, d)
	default:
		return string(t.Type)
	}
}

func (b *Bot) handleDCA(ctx context.Context, chatID int64, userID string, args []string) {
	if len(args) == 0 {
		args = []string{"list"}
	}
	op := strings.ToLower(args[0])
	switch op {
	case "add":
		ca, err := parseCampaign(args[1:])
		if err != nil {
			b.reply(chatID, err.Error())
			return
		}
		c, err := b.opts.Accounts.AddCampaign(ctx, userID, ca.Token, ca.Amount, ca.IntervalMinutes, ca.MaxExecutions)
		if err != nil {
			b.fail(chatID, userID, "DCA", err)
			return
		}
		b.reply(chatID, fmt.Sprintf("DCA campaign created: %s MON into %s every %d min, %d buys.\nFirst buy at %s UTC\nID: %s",
			c.AmountPerBuy, short(c.Token), c.IntervalMinutes, c.MaxExecutions, c.NextExecutionAt.UTC().Format("15:04"), c.ID))
	case "pause", "resume":
		if len(args) < 2 {
			b.reply(chatID, "Usage: /dca "+op+" <id>")
			return
		}
		c, err := b.opts.Accounts.SetCampaignActive(ctx, userID, args[1], op == "resume")
		if err != nil {
			b.fail(chatID, userID, "DCA", err)
			return
		}
		b.reply(chatID, fmt.Sprintf("DCA campaign %s is now %s.", short(c.ID), map[bool]string{true: "active", false: "paused"}[c.Active]))
	case "delete":
		if len(args) < 2 {
			b.reply(chatID, "Usage: /dca delete <id>")
			return
		}
		if err := b.opts.Accounts.DeleteCampaign(ctx, userID, args[1]); err != nil {
			b.fail(chatID, userID, "DCA", err)
			return
		}
		b.reply(chatID, "DCA campaign deleted.")
	case "list":
		rec, err := b.opts.Accounts.Get(ctx, userID)
		if err != nil {
			b.fail(chatID, userID, "DCA", err)
			return
		}
		if len(rec.Campaigns) == 0 {
			b.reply(chatID, "No DCA campaigns. Create one with /dca add.")
			return
		}
		var sb strings.Builder
		sb.WriteString("DCA campaigns:")
		for _, c := range rec.Campaigns {
			state := "paused"
			if c.Active {
				state = "next " + c.NextExecutionAt.UTC().Format("01-02 15:04") + " UTC"
			} else if c.ExecutedCount >= c.MaxExecutions {
				state = "finished"
			}
			fmt.Fprintf(&sb, "\n%s MON -> %s every %d min, %d/%d, %s\n  id %s",
				c.AmountPerBuy, short(c.Token), c.IntervalMinutes, c.ExecutedCount, c.MaxExecutions, state, c.ID)
		}
		b.reply(chatID, sb.String())
	default:
		b.reply(chatID, "Usage: /dca add|list|pause|resume|delete")
	}
}

func (b *Bot) handlePrice(ctx context.Context, chatID int64, args []string) {
	if len(args) < 1 || !looksLikeAddress(args[0]) {
		b.reply(chatID, "Usage: /price <token_address>")
		return
	}
	meta, err := b.opts.Market.Metadata(ctx, args[0])
	if err != nil {
		b.reply(chatID, "Token not found or not tradeable")
		return
	}
	snap, err := b.opts.Market.Snapshot(ctx, mustAddress(args[0]))
	if err != nil {
		b.reply(chatID, "Could not fetch price: "+trading.Describe(trading.MarketErr(err)))
		return
	}
	msg := fmt.Sprintf("%s price:\n\nPrice: %s MON\nMarket: %s\nMarket ID: %s",
		meta.Symbol, formatPrice(snap.Market.Price), snap.Market.Venue, short(snap.Market.MarketID))
	if snap.CapErr == nil {
		msg += "\nMarket cap: " + snap.MarketCap.StringFixed(2) + " MON"
	}
	b.reply(chatID, msg)
}

func (b *Bot) handleTokenInfo(ctx context.Context, chatID int64, args []string) {
	if len(args) < 1 || !looksLikeAddress(args[0]) {
		b.reply(chatID, "Usage: /tokeninfo <token_address>")
		return
	}
	meta, err := b.opts.Market.Metadata(ctx, args[0])
	if err != nil {
		b.reply(chatID, "Token not found or invalid address")
		return
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Token information:\n\nName: %s\nSymbol: %s\nAddress: %s\nCreator: %s\nCreated: %s\nDescription: %s\n",
		meta.Name, meta.Symbol, short(args[0]), short(meta.Creator),
		time.Unix(meta.CreatedAt, 0).UTC().Format("2006-01-02 15:04 UTC"), orDefault(meta.Description, "No description"))
	if m, err := b.opts.Market.ResolveMarket(ctx, args[0]); err == nil {
		fmt.Fprintf(&sb, "\nPrice: %s MON\nMarket: %s\nTotal supply: %s\n", formatPrice(m.Price), m.Venue, m.TotalSupply.StringFixed(0))
	}
	fmt.Fprintf(&sb, "Listed: %s", map[bool]string{true: "Yes", false: "No"}[meta.IsListed])
	b.reply(chatID, sb.String())
}

var debugAmount = chain.ToUnits(decimal.RequireFromString("0.001"), chain.NativeDecimals)

func (b *Bot) handleDebug(ctx context.Context, chatID int64, args []string) {
	if len(args) < 1 || !looksLikeAddress(args[0]) {
		b.reply(chatID, "Usage: /debug <token_address>")
		return
	}
	token := mustAddress(args[0])
	var sb strings.Builder
	m, err := b.opts.Market.ResolveMarket(ctx, args[0])
	if err != nil {
		fmt.Fprintf(&sb, "Market: %s\n", trading.Describe(trading.MarketErr(err)))
	} else {
		fmt.Fprintf(&sb, "Market: %s\nPrice: %s\n", m.Venue, formatPrice(m.Price))
	}
	for _, v := range []market.Venue{market.VenueCurve, market.VenueDEX} {
		out, err := b.opts.Market.Quote(ctx, token, v, debugAmount, market.ToToken)
		if err != nil {
			fmt.Fprintf(&sb, "%s router: failed (%v)\n", v, err)
			continue
		}
		fmt.Fprintf(&sb, "%s router: %s tokens for 0.001 MON\n", v, chain.FormatUnits(out, 18, 4))
	}
	b.reply(chatID, strings.TrimSpace(sb.String()))
}

// autoBuy handles a pasted token address.
func (b *Bot) autoBuy(ctx context.Context, chatID int64, userID, token string) {
	rec, err := b.opts.Accounts.Get(ctx, userID)
	if err != nil {
		return
	}
	meta, err := b.opts.Market.Metadata(ctx, token)
	if err != nil {
		if errors.Is(err, market.ErrNotFound) {
			b.reply(chatID, "Token not found: "+short(token))
			return
		}
		b.reply(chatID, "Could not look up token: "+trading.Describe(trading.MarketErr(err)))
		return
	}
	if !rec.AutoBuy {
		msg := fmt.Sprintf("Token detected: %s\nName: %s\nAddress: %s", meta.Symbol, meta.Name, short(token))
		if m, err := b.opts.Market.ResolveMarket(ctx, token); err == nil {
			msg += fmt.Sprintf("\nMarket: %s\nPrice: %s MON", m.Venue, formatPrice(m.Price))
		}
		msg += "\n\nAuto-buy is OFF. Use /autobuy to enable it, or /buy " + token + " <amount>."
		b.reply(chatID, msg)
		return
	}
	b.buy(ctx, chatID, userID, token, rec.DefaultBuyAmount, wallet.SourceAutoBuy)
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
