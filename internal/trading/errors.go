package trading

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cryptomb9/nad-trading-bot-TG/internal/crypto"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/market"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/wallet"
)

var (
	ErrInvalid             = errors.New("invalid request")
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrPositionNotFound    = errors.New("position not found")
	ErrPositionClosed      = errors.New("position already closed")
	ErrTriggerNotFound     = errors.New("auto-sell trigger not found")
	ErrCampaignNotFound    = errors.New("dca campaign not found")
	ErrTokenNotTradeable   = errors.New("token not tradeable")
	ErrQuoteUnavailable    = errors.New("quote unavailable")
	ErrBalanceUnavailable  = errors.New("balance unavailable")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrSubmitFailed        = errors.New("submission failed")
	ErrTransactionReverted = errors.New("transaction reverted")
	ErrConfirmationTimeout = errors.New("confirmation timed out")
	ErrKeyUnavailable      = errors.New("signing key unavailable")
)

// Stage is the step of a trade at which it failed.
type Stage string

const (
	StageValidate Stage = "validate"
	StageQuote    Stage = "quote"
	StageBalance  Stage = "balance"
	StageApprove  Stage = "approve"
	StageSubmit   Stage = "submit"
	StageConfirm  Stage = "confirm"
	StagePersist  Stage = "persist"
)

// TradeError carries the context a user needs to decide what to retry.
type TradeError struct {
	Op     string
	Stage  Stage
	Token  string
	Amount string
	TxHash string
	Err    error
}

func (e *TradeError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s failed at %s", e.Op, e.Stage)
	if e.Token != "" {
		fmt.Fprintf(&b, " token=%s", e.Token)
	}
	if e.Amount != "" {
		fmt.Fprintf(&b, " amount=%s", e.Amount)
	}
	if e.TxHash != "" {
		fmt.Fprintf(&b, " tx=%s", e.TxHash)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *TradeError) Unwrap() error {
	return e.Err
}

// Kind groups errors by how a caller should react.
type Kind int

const (
	KindNone Kind = iota
	KindNotFound
	KindUnavailable
	KindInvalid
	KindOnChainFailure
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindUnavailable:
		return "unavailable"
	case KindInvalid:
		return "invalid"
	case KindOnChainFailure:
		return "on_chain_failure"
	case KindFatal:
		return "fatal"
	default:
		return "none"
	}
}

func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, crypto.ErrDecrypt), errors.Is(err, ErrKeyUnavailable):
		return KindFatal
	case errors.Is(err, ErrInvalid),
		errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, wallet.ErrInvalidAddress),
		errors.Is(err, wallet.ErrInvalidAmount),
		errors.Is(err, wallet.ErrInvalidSlippage),
		errors.Is(err, wallet.ErrInvalidTrigger),
		errors.Is(err, wallet.ErrInvalidDCA),
		errors.Is(err, wallet.ErrDuplicate):
		return KindInvalid
	case errors.Is(err, ErrWalletNotFound),
		errors.Is(err, ErrPositionNotFound),
		errors.Is(err, ErrPositionClosed),
		errors.Is(err, ErrTriggerNotFound),
		errors.Is(err, ErrCampaignNotFound),
		errors.Is(err, ErrTokenNotTradeable):
		return KindNotFound
	case errors.Is(err, ErrTransactionReverted), errors.Is(err, ErrConfirmationTimeout):
		return KindOnChainFailure
	default:
		return KindUnavailable
	}
}

// Submitted reports whether a transaction may have reached the network before
// err was returned. Such failures must not be retried automatically.
func Submitted(err error) bool {
	var te *TradeError
	if errors.As(err, &te) {
		switch te.Stage {
		case StageApprove, StageSubmit, StageConfirm:
			return true
		}
	}
	return errors.Is(err, ErrSubmitFailed)
}

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// MarketErr maps gateway failures onto the trading taxonomy.
func MarketErr(err error) error {
	switch {
	case market.IsNotTradeable(err):
		return fmt.Errorf("%w: %v", ErrTokenNotTradeable, err)
	default:
		return fmt.Errorf("%w: %v", ErrQuoteUnavailable, err)
	}
}
