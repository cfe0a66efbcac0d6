package telegram

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/cryptomb9/nad-trading-bot-TG/internal/trading"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/wallet"
)

// looksLikeAddress matches a pasted 0x-prefixed 20-byte hex address.
func looksLikeAddress(text string) bool {
	_, err := wallet.ParseToken(strings.TrimSpace(text))
	return err == nil
}

func parsePercent(raw string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(raw), "%"))
	if err != nil || v < 1 || v > 100 {
		return 0, fmt.Errorf("percentage must be a whole number between 1 and 100")
	}
	return v, nil
}

// parseSell reads "<token|#index> <percent>".
func parseSell(args []string) (trading.SellRequest, error) {
	if len(args) < 2 {
		return trading.SellRequest{}, fmt.Errorf("usage: /sell <token_address|#position> <percent>")
	}
	req := trading.SellRequest{}
	target := args[0]
	if strings.HasPrefix(target, "#") {
		idx, err := strconv.Atoi(target[1:])
		if err != nil || idx < 1 {
			return req, fmt.Errorf("position number must be 1 or greater")
		}
		req.Index = idx
	} else {
		if !looksLikeAddress(target) {
			return req, fmt.Errorf("%q is not a token address", target)
		}
		req.Token = target
	}
	pct, err := parsePercent(args[1])
	if err != nil {
		return req, err
	}
	req.Percentage = pct
	return req, nil
}

type triggerArgs struct {
	Type       wallet.TriggerType
	Value      decimal.Decimal
	Percentage int
}

// parseTrigger reads "<type> <value> <percent>". Time values accept a unit
// suffix (s, m, h, d) and are stored in milliseconds.
func parseTrigger(args []string) (triggerArgs, error) {
	if len(args) < 3 {
		return triggerArgs{}, fmt.Errorf("usage: /autosell add <marketcap|profit|loss|time> <value> <percent>")
	}
	out := triggerArgs{Type: wallet.TriggerType(strings.ToLower(args[0]))}
	var err error
	switch out.Type {
	case wallet.TriggerMarketCap, wallet.TriggerProfit, wallet.TriggerLoss:
		out.Value, err = decimal.NewFromString(strings.TrimSuffix(args[1], "%"))
	case wallet.TriggerTime:
		out.Value, err = parseDurationMillis(args[1])
	default:
		return out, fmt.Errorf("unknown trigger type %q", args[0])
	}
	if err != nil || !out.Value.IsPositive() {
		return out, fmt.Errorf("trigger value %q must be positive", args[1])
	}
	if out.Percentage, err = parsePercent(args[2]); err != nil {
		return out, err
	}
	return out, nil
}

func parseDurationMillis(raw string) (decimal.Decimal, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	units := map[byte]int64{'s': 1_000, 'm': 60_000, 'h': 3_600_000, 'd': 86_400_000}
	if n := len(raw); n > 1 {
		if mult, ok := units[raw[n-1]]; ok {
			v, err := decimal.NewFromString(raw[:n-1])
			if err != nil {
				return decimal.Zero, err
			}
			return v.Mul(decimal.NewFromInt(mult)).Floor(), nil
		}
	}
	return decimal.NewFromString(raw)
}

type campaignArgs struct {
	Token           string
	Amount          string
	IntervalMinutes int
	MaxExecutions   int
}

// parseCampaign reads "<token> <amount> <interval_minutes> <max_buys>".
func parseCampaign(args []string) (campaignArgs, error) {
	if len(args) < 4 {
		return campaignArgs{}, fmt.Errorf("usage: /dca add <token_address> <mon_amount> <interval_minutes> <max_buys>")
	}
	out := campaignArgs{Token: args[0], Amount: args[1]}
	if !looksLikeAddress(out.Token) {
		return out, fmt.Errorf("%q is not a token address", out.Token)
	}
	if _, err := wallet.ParseAmount(out.Amount); err != nil {
		return out, fmt.Errorf("amount must be a positive number")
	}
	var err error
	if out.IntervalMinutes, err = strconv.Atoi(args[2]); err != nil || out.IntervalMinutes <= 0 {
		return out, fmt.Errorf("interval must be a positive number of minutes")
	}
	if out.MaxExecutions, err = strconv.Atoi(args[3]); err != nil || out.MaxExecutions <= 0 {
		return out, fmt.Errorf("max buys must be a positive number")
	}
	return out, nil
}

// mustAddress converts an address already checked by looksLikeAddress.
func mustAddress(s string) common.Address {
	return common.HexToAddress(strings.TrimSpace(s))
}
