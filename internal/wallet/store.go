package wallet

import (
	"context"
	"time"
)

// Store persists one Record per user. Get returns nil, nil when no record exists.
// Save replaces the whole aggregate atomically.
type Store interface {
	Get(ctx context.Context, userID string) (*Record, error)
	Save(ctx context.Context, rec *Record) error
	ListUserIDs(ctx context.Context) ([]string, error)
}

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderConfirmed OrderStatus = "confirmed"
	OrderFailed    OrderStatus = "failed"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Source names what initiated a trade.
type Source string

const (
	SourceManual   Source = "manual"
	SourceAutoBuy  Source = "autobuy"
	SourceDCA      Source = "dca"
	SourceAutoSell Source = "autosell"
)

// Order is one journal entry per submission attempt.
type Order struct {
	ID        int64       `json:"id"`
	UserID    string      `json:"user_id"`
	Token     string      `json:"token_address"`
	Side      Side        `json:"side"`
	Venue     string      `json:"venue"`
	AmountIn  string      `json:"amount_in"`
	MinOut    string      `json:"min_out"`
	Status    OrderStatus `json:"status"`
	Stage     string      `json:"stage,omitempty"`
	Error     string      `json:"error,omitempty"`
	TxHash    string      `json:"tx_hash,omitempty"`
	Source    Source      `json:"source"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// OrderUpdate carries the terminal fields of an order. Empty strings leave columns unchanged.
type OrderUpdate struct {
	Status OrderStatus
	Stage  string
	Error  string
	TxHash string
}

type Journal interface {
	InsertOrder(ctx context.Context, o *Order) error
	UpdateOrder(ctx context.Context, id int64, u OrderUpdate) error
	ListOrders(ctx context.Context, userID string, limit int) ([]Order, error)
}
