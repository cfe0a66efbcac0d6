package market

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/cryptomb9/nad-trading-bot-TG/internal/logger"
)

// Direction of a quote relative to the token.
type Direction int

const (
	ToToken Direction = iota
	ToBase
)

// DataSource is the market data API.
type DataSource interface {
	Metadata(ctx context.Context, token string) (*Metadata, error)
	ResolveMarket(ctx context.Context, token string) (*Market, error)
}

// ChainReader is the on-chain read surface the gateway needs.
type ChainReader interface {
	Quote(ctx context.Context, router, token common.Address, amountIn *big.Int, isBuy bool) (*big.Int, error)
	TotalSupply(ctx context.Context, token common.Address) (*big.Int, error)
	TokenDecimals(ctx context.Context, token common.Address) (uint8, error)
}

type Options struct {
	Data        DataSource
	Chain       ChainReader
	CurveRouter common.Address
	DexRouter   common.Address
	Logger      *logger.Logger
}

type Gateway struct {
	data  DataSource
	chain ChainReader
	curve common.Address
	dex   common.Address
	log   *logger.Logger
}

func NewGateway(opts Options) *Gateway {
	return &Gateway{
		data:  opts.Data,
		chain: opts.Chain,
		curve: opts.CurveRouter,
		dex:   opts.DexRouter,
		log:   logger.OrDefault(opts.Logger).Named("gateway"),
	}
}

func (g *Gateway) Metadata(ctx context.Context, token string) (*Metadata, error) {
	return g.data.Metadata(ctx, token)
}

func (g *Gateway) ResolveMarket(ctx context.Context, token string) (*Market, error) {
	return g.data.ResolveMarket(ctx, token)
}

// Router returns the router contract for venue.
func (g *Gateway) Router(v Venue) (common.Address, error) {
	switch v {
	case VenueCurve:
		return g.curve, nil
	case VenueDEX:
		return g.dex, nil
	default:
		return common.Address{}, fmt.Errorf("%w: %q", ErrUnsupportedVenue, v)
	}
}

// Quote returns the expected output of swapping amountIn on venue. A failed or
// zero quote is ErrQuoteUnavailable.
func (g *Gateway) Quote(ctx context.Context, token common.Address, v Venue, amountIn *big.Int, dir Direction) (*big.Int, error) {
	router, err := g.Router(v)
	if err != nil {
		return nil, err
	}
	out, err := g.chain.Quote(ctx, router, token, amountIn, dir == ToToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQuoteUnavailable, err)
	}
	if out == nil || out.Sign() <= 0 {
		return nil, fmt.Errorf("%w: router returned zero", ErrQuoteUnavailable)
	}
	return out, nil
}

// MarketCap is price times the on-chain supply. The API's total_supply is used
// when the chain read fails.
func (g *Gateway) MarketCap(ctx context.Context, token common.Address, m *Market) (decimal.Decimal, error) {
	supply, err := g.onChainSupply(ctx, token)
	if err != nil {
		if m.TotalSupply.IsZero() {
			return decimal.Zero, fmt.Errorf("%w: total supply: %v", ErrUnavailable, err)
		}
		g.log.Debug("falling back to api total supply", logger.FieldToken(token.Hex()), logger.FieldErr(err))
		supply = m.TotalSupply
	}
	return m.Price.Mul(supply), nil
}

func (g *Gateway) onChainSupply(ctx context.Context, token common.Address) (decimal.Decimal, error) {
	raw, err := g.chain.TotalSupply(ctx, token)
	if err != nil {
		return decimal.Zero, err
	}
	decimals, err := g.chain.TokenDecimals(ctx, token)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(raw, -int32(decimals)), nil
}

// Snapshot is one consistent view of a token used to evaluate auto-sell rules.
type Snapshot struct {
	Market    *Market
	MarketCap decimal.Decimal
	// CapErr is set when market cap could not be derived; price is still valid.
	CapErr error
}

func (g *Gateway) Snapshot(ctx context.Context, token common.Address) (*Snapshot, error) {
	m, err := g.data.ResolveMarket(ctx, token.Hex())
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Market: m}
	snap.MarketCap, snap.CapErr = g.MarketCap(ctx, token, m)
	return snap, nil
}

// IsNotTradeable reports errors meaning the token has no usable venue.
func IsNotTradeable(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnsupportedVenue)
}
