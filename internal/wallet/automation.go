package wallet

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TriggerType string

const (
	TriggerMarketCap TriggerType = "marketcap"
	TriggerProfit    TriggerType = "profit"
	TriggerLoss      TriggerType = "loss"
	TriggerTime      TriggerType = "time"
)

// Trigger is a one-shot auto-sell rule. Value is an absolute quote amount for
// marketcap, a percent for profit and loss, and milliseconds for time.
type Trigger struct {
	ID         string          `json:"id"`
	Type       TriggerType     `json:"type"`
	Value      decimal.Decimal `json:"value"`
	Percentage int             `json:"percentage"`
}

func NewTrigger(typ TriggerType, value decimal.Decimal, percentage int) (Trigger, error) {
	t := Trigger{
		ID:         uuid.NewString(),
		Type:       typ,
		Value:      value,
		Percentage: percentage,
	}
	return t, t.Validate()
}

func (t Trigger) Validate() error {
	switch t.Type {
	case TriggerMarketCap, TriggerProfit, TriggerLoss, TriggerTime:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidTrigger, t.Type)
	}
	if t.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidTrigger)
	}
	if !t.Value.IsPositive() {
		return fmt.Errorf("%w: value must be positive", ErrInvalidTrigger)
	}
	if t.Percentage < 1 || t.Percentage > 100 {
		return fmt.Errorf("%w: percentage must be between 1 and 100", ErrInvalidTrigger)
	}
	return nil
}

// Campaign is a scheduled, repeated fixed-amount buy of one token.
type Campaign struct {
	ID              string    `json:"id"`
	Token           string    `json:"token_address"`
	AmountPerBuy    string    `json:"amount_per_buy"`
	IntervalMinutes int       `json:"interval_minutes"`
	MaxExecutions   int       `json:"max_executions"`
	ExecutedCount   int       `json:"executed_count"`
	Active          bool      `json:"active"`
	NextExecutionAt time.Time `json:"next_execution_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// NewCampaign returns an active campaign whose first run is one interval from now.
func NewCampaign(token, amountPerBuy string, intervalMinutes, maxExecutions int, now time.Time) (Campaign, error) {
	normalized, err := NormalizeToken(token)
	if err != nil {
		return Campaign{}, err
	}
	c := Campaign{
		ID:              uuid.NewString(),
		Token:           normalized,
		AmountPerBuy:    amountPerBuy,
		IntervalMinutes: intervalMinutes,
		MaxExecutions:   maxExecutions,
		Active:          true,
		NextExecutionAt: now.Add(time.Duration(intervalMinutes) * time.Minute),
		CreatedAt:       now,
	}
	return c, c.Validate()
}

func (c Campaign) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidDCA)
	}
	if _, err := ParseToken(c.Token); err != nil {
		return err
	}
	if _, err := ParseAmount(c.AmountPerBuy); err != nil {
		return err
	}
	if c.IntervalMinutes <= 0 {
		return fmt.Errorf("%w: interval must be positive", ErrInvalidDCA)
	}
	if c.MaxExecutions <= 0 {
		return fmt.Errorf("%w: max executions must be positive", ErrInvalidDCA)
	}
	return nil
}

func (c Campaign) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// Due reports whether the campaign should run at now.
func (c Campaign) Due(now time.Time) bool {
	return c.Active && c.ExecutedCount < c.MaxExecutions && !c.NextExecutionAt.After(now)
}

// RecordExecution counts a successful buy, reschedules and deactivates at the limit.
func (c *Campaign) RecordExecution(now time.Time) {
	c.ExecutedCount++
	c.NextExecutionAt = now.Add(c.Interval())
	if c.ExecutedCount >= c.MaxExecutions {
		c.Active = false
	}
}

// Reschedule pushes the next run one interval out without counting an execution.
func (c *Campaign) Reschedule(now time.Time) {
	c.NextExecutionAt = now.Add(c.Interval())
}
