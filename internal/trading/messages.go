package trading

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/cryptomb9/nad-trading-bot-TG/internal/wallet"
)

func shortAddr(s string) string {
	if len(s) <= 14 {
		return s
	}
	return s[:8] + "..." + s[len(s)-4:]
}

func sourceLabel(s wallet.Source) string {
	switch s {
	case wallet.SourceDCA:
		return "DCA "
	case wallet.SourceAutoSell:
		return "Auto-sell "
	case wallet.SourceAutoBuy:
		return "Auto-buy "
	default:
		return ""
	}
}

func buyConfirmedMessage(amount decimal.Decimal, p *Pending, source wallet.Source) string {
	return fmt.Sprintf("%sbuy confirmed\nSpent: %s MON\nToken: %s\nMarket: %s\nTx: %s",
		sourceLabel(source), amount.String(), shortAddr(p.Token), p.Venue, p.TxHash)
}

func buyFailedMessage(amount decimal.Decimal, p *Pending, err error) string {
	return fmt.Sprintf("Buy failed\nAmount: %s MON\nToken: %s\nReason: %s\nTx: %s",
		amount.String(), shortAddr(p.Token), Describe(err), p.TxHash)
}

func sellConfirmedMessage(pct int, p *Pending, source wallet.Source, removed bool) string {
	msg := fmt.Sprintf("%ssell confirmed\nSold: %d%%\nToken: %s\nMarket: %s\nTx: %s",
		sourceLabel(source), pct, shortAddr(p.Token), p.Venue, p.TxHash)
	if removed {
		msg += "\nPosition closed"
	}
	return msg
}

func sellFailedMessage(pct int, p *Pending, err error) string {
	return fmt.Sprintf("Sell failed\nAmount: %d%%\nToken: %s\nReason: %s\nTx: %s",
		pct, shortAddr(p.Token), Describe(err), p.TxHash)
}

// Describe renders err as a one-line reason naming the failed stage.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	var te *TradeError
	stage := ""
	if errors.As(err, &te) {
		stage = fmt.Sprintf(" (at %s)", te.Stage)
	}
	var reason string
	switch {
	case errors.Is(err, ErrTokenNotTradeable):
		reason = "token not found or not tradeable"
	case errors.Is(err, ErrQuoteUnavailable):
		reason = "quote unavailable, try again later"
	case errors.Is(err, ErrBalanceUnavailable):
		reason = "could not read balance, try again later"
	case errors.Is(err, ErrInsufficientFunds):
		reason = "insufficient funds for amount and gas"
	case errors.Is(err, ErrTransactionReverted):
		reason = "transaction reverted"
	case errors.Is(err, ErrConfirmationTimeout):
		reason = "transaction not confirmed in time, check the explorer"
	case errors.Is(err, ErrPositionNotFound):
		reason = "position not found"
	case errors.Is(err, ErrPositionClosed):
		reason = "balance is zero, position removed"
	case errors.Is(err, ErrWalletNotFound):
		reason = "no wallet yet, create one first"
	case KindOf(err) == KindFatal:
		reason = "stored key could not be decrypted"
	case KindOf(err) == KindInvalid:
		reason = "invalid input: " + rootMessage(err)
	default:
		reason = rootMessage(err)
	}
	return reason + stage
}

func rootMessage(err error) string {
	var te *TradeError
	if errors.As(err, &te) && te.Err != nil {
		err = te.Err
	}
	msg := err.Error()
	if len(msg) > 160 {
		msg = msg[:160]
	}
	return msg
}
