// Package wallet holds the per-user trading aggregate: custodial key, settings,
// positions, auto-sell rules and DCA campaigns, plus the persistence contract.
package wallet

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const (
	MinSlippage = 1
	MaxSlippage = 50
)

var (
	ErrInvalidAddress  = errors.New("wallet: invalid token address")
	ErrInvalidAmount   = errors.New("wallet: amount must be a positive decimal")
	ErrInvalidSlippage = errors.New("wallet: slippage must be between 1 and 50")
	ErrDuplicate       = errors.New("wallet: duplicate position")
	ErrInvalidTrigger  = errors.New("wallet: invalid auto-sell trigger")
	ErrInvalidDCA      = errors.New("wallet: invalid dca campaign")
)

// Record is the aggregate stored once per user.
type Record struct {
	UserID           string     `json:"user_id"`
	Address          string     `json:"address"`
	EncryptedKey     string     `json:"-"`
	AutoBuy          bool       `json:"auto_buy"`
	Slippage         int        `json:"slippage"`
	DefaultBuyAmount string     `json:"default_buy_amount"`
	Positions        []Position `json:"positions"`
	AutoSell         AutoSell   `json:"auto_sell"`
	Campaigns        []Campaign `json:"dca_campaigns"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Position tracks a held token and its first-buy cost basis. Balance is never stored.
type Position struct {
	Token    string    `json:"token_address"`
	BuyPrice string    `json:"buy_price"`
	BuyTime  time.Time `json:"buy_time"`
}

type AutoSell struct {
	Enabled  bool      `json:"enabled"`
	Triggers []Trigger `json:"triggers"`
}

// ParseToken validates a 0x-prefixed 20-byte hex address.
func ParseToken(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) != 42 || !strings.HasPrefix(raw, "0x") || !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	return common.HexToAddress(raw), nil
}

// NormalizeToken returns the checksummed form used as the position key.
func NormalizeToken(raw string) (string, error) {
	addr, err := ParseToken(raw)
	if err != nil {
		return "", err
	}
	return addr.Hex(), nil
}

// ParseAmount parses a strictly positive decimal quantity.
func ParseAmount(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil || !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	return d, nil
}

func ValidateSlippage(v int) error {
	if v < MinSlippage || v > MaxSlippage {
		return ErrInvalidSlippage
	}
	return nil
}

// Validate checks every invariant of the record.
func (r *Record) Validate() error {
	if r.UserID == "" {
		return errors.New("wallet: user id is required")
	}
	if !common.IsHexAddress(r.Address) {
		return fmt.Errorf("wallet: invalid address %q", r.Address)
	}
	if err := ValidateSlippage(r.Slippage); err != nil {
		return err
	}
	if _, err := ParseAmount(r.DefaultBuyAmount); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(r.Positions))
	for _, p := range r.Positions {
		key := strings.ToLower(p.Token)
		if _, ok := seen[key]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicate, p.Token)
		}
		seen[key] = struct{}{}
	}
	for _, t := range r.AutoSell.Triggers {
		if err := t.Validate(); err != nil {
			return err
		}
	}
	for _, c := range r.Campaigns {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// FindPosition returns the index of the position holding token, or -1.
func (r *Record) FindPosition(token string) int {
	for i, p := range r.Positions {
		if strings.EqualFold(p.Token, token) {
			return i
		}
	}
	return -1
}

// AddPosition appends p unless the token is already held. Existing cost basis is kept.
func (r *Record) AddPosition(p Position) bool {
	if r.FindPosition(p.Token) >= 0 {
		return false
	}
	r.Positions = append(r.Positions, p)
	return true
}

func (r *Record) RemovePosition(token string) bool {
	idx := r.FindPosition(token)
	if idx < 0 {
		return false
	}
	next := make([]Position, 0, len(r.Positions)-1)
	next = append(next, r.Positions[:idx]...)
	next = append(next, r.Positions[idx+1:]...)
	r.Positions = next
	return true
}

// WithoutTrigger returns a new trigger list minus the trigger with id.
// The receiver's list is left untouched.
func (r *Record) WithoutTrigger(id string) []Trigger {
	next := make([]Trigger, 0, len(r.AutoSell.Triggers))
	for _, t := range r.AutoSell.Triggers {
		if t.ID != id {
			next = append(next, t)
		}
	}
	return next
}

func (r *Record) FindCampaign(id string) int {
	for i, c := range r.Campaigns {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy so callers never alias a stored record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Positions = append([]Position(nil), r.Positions...)
	out.AutoSell.Triggers = append([]Trigger(nil), r.AutoSell.Triggers...)
	out.Campaigns = append([]Campaign(nil), r.Campaigns...)
	return &out
}
