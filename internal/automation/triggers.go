package automation

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/cryptomb9/nad-trading-bot-TG/internal/market"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/wallet"
)

var hundred = decimal.NewFromInt(100)

// ProfitPercent is (price-buy)/buy*100. ok is false when the cost basis is unusable.
func ProfitPercent(buyPrice string, price decimal.Decimal) (decimal.Decimal, bool) {
	buy, err := decimal.NewFromString(buyPrice)
	if err != nil || !buy.IsPositive() {
		return decimal.Zero, false
	}
	return price.Sub(buy).Div(buy).Mul(hundred), true
}

// Matches reports whether t fires for pos against one market snapshot.
func Matches(t wallet.Trigger, pos wallet.Position, snap *market.Snapshot, now time.Time) bool {
	switch t.Type {
	case wallet.TriggerMarketCap:
		return snap.CapErr == nil && snap.MarketCap.GreaterThanOrEqual(t.Value)
	case wallet.TriggerProfit:
		pct, ok := ProfitPercent(pos.BuyPrice, snap.Market.Price)
		return ok && pct.GreaterThanOrEqual(t.Value)
	case wallet.TriggerLoss:
		pct, ok := ProfitPercent(pos.BuyPrice, snap.Market.Price)
		return ok && pct.LessThanOrEqual(t.Value.Neg())
	case wallet.TriggerTime:
		if pos.BuyTime.IsZero() {
			return false
		}
		age := decimal.NewFromInt(now.Sub(pos.BuyTime).Milliseconds())
		return age.GreaterThanOrEqual(t.Value)
	default:
		return false
	}
}

// FirstMatch returns the first trigger in list order that fires.
func FirstMatch(triggers []wallet.Trigger, pos wallet.Position, snap *market.Snapshot, now time.Time) (wallet.Trigger, bool) {
	for _, t := range triggers {
		if Matches(t, pos, snap, now) {
			return t, true
		}
	}
	return wallet.Trigger{}, false
}

func without(triggers []wallet.Trigger, id string) []wallet.Trigger {
	next := make([]wallet.Trigger, 0, len(triggers))
	for _, t := range triggers {
		if t.ID != id {
			next = append(next, t)
		}
	}
	return next
}
