// Package server exposes the trading operations over an authenticated HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cryptomb9/nad-trading-bot-TG/internal/logger"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/market"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/trading"
)

// Trader submits trades on behalf of a user.
type Trader interface {
	Buy(ctx context.Context, req trading.BuyRequest) (*trading.Pending, error)
	Sell(ctx context.Context, req trading.SellRequest) (*trading.Pending, error)
}

// TokenInfo captures the market lookups served by /v1/tokens.
type TokenInfo interface {
	Metadata(ctx context.Context, token string) (*market.Metadata, error)
	Snapshot(ctx context.Context, token common.Address) (*market.Snapshot, error)
}

// Options configures the HTTP server instance.
type Options struct {
	Host     string
	Port     int
	APIKey   string
	Accounts *trading.Accounts
	Ledger   *trading.Ledger
	Trader   Trader
	Tokens   TokenInfo
	Logger   *logger.Logger
}

// Server wires Echo with the application dependencies.
type Server struct {
	opts Options
	app  *echo.Echo
	log  *logger.Logger
}

func New(opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		opts: opts,
		app:  e,
		log:  logger.OrDefault(opts.Logger).Named("http"),
	}
	if opts.APIKey == "" {
		s.log.Warn("API_KEY is empty, the control API accepts unauthenticated requests")
	}
	s.registerRoutes()
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Start launches the HTTP server and blocks until it stops.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	s.log.Info("http listening", logger.String("addr", addr))

	go func() {
		<-ctx.Done()
		_ = s.Shutdown(context.Background())
	}()

	err := s.app.Start(addr)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.app == nil {
		return nil
	}
	return s.app.Shutdown(ctx)
}

func (s *Server) metricsHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.Handler())
}
