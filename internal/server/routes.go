package server

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/cryptomb9/nad-trading-bot-TG/internal/chain"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/logger"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/market"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/trading"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/wallet"
)

func (s *Server) registerRoutes() {
	e := s.app

	e.GET("/health", s.handleHealth)
	e.GET("/metrics", s.metricsHandler())

	v1 := e.Group("/v1", s.requireAPIKey)
	v1.GET("/tokens/:token", s.handleTokenInfo)

	v1.POST("/wallets", s.handleCreateWallet)
	w := v1.Group("/wallets/:user")
	w.GET("", s.handleGetWallet)
	w.GET("/balance", s.handleBalance)
	w.POST("/settings", s.handleSettings)
	w.GET("/positions", s.handlePositions)
	w.GET("/orders", s.handleOrders)
	w.POST("/buy", s.handleBuy)
	w.POST("/sell", s.handleSell)

	w.POST("/autosell", s.handleAutoSellToggle)
	w.POST("/autosell/triggers", s.handleAddTrigger)
	w.DELETE("/autosell/triggers", s.handleClearTriggers)
	w.DELETE("/autosell/triggers/:id", s.handleRemoveTrigger)

	w.POST("/dca", s.handleAddCampaign)
	w.POST("/dca/:id/pause", s.handleCampaignActive(false))
	w.POST("/dca/:id/resume", s.handleCampaignActive(true))
	w.DELETE("/dca/:id", s.handleDeleteCampaign)
}

func (s *Server) requireAPIKey(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.opts.APIKey == "" {
			return next(c)
		}
		apiKey := strings.TrimSpace(c.Request().Header.Get("x-api-key"))
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(s.opts.APIKey)) != 1 {
			return echo.NewHTTPError(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}
		return next(c)
	}
}

// httpError maps a trading error to a status code and a user-facing reason.
func (s *Server) httpError(c echo.Context, err error) error {
	kind := trading.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case trading.KindNotFound:
		status = http.StatusNotFound
	case trading.KindUnavailable:
		status = http.StatusServiceUnavailable
	case trading.KindInvalid:
		status = http.StatusBadRequest
	case trading.KindOnChainFailure:
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", logger.String("path", c.Path()), logger.FieldErr(err))
	}
	return echo.NewHTTPError(status, map[string]string{
		"error":  kind.String(),
		"detail": trading.Describe(err),
	})
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleCreateWallet(c echo.Context) error {
	var payload struct {
		UserID string `json:"user_id"`
	}
	if err := c.Bind(&payload); err != nil || strings.TrimSpace(payload.UserID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id required")
	}
	rec, created, err := s.opts.Accounts.Create(c.Request().Context(), strings.TrimSpace(payload.UserID))
	if err != nil {
		return s.httpError(c, err)
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return c.JSON(status, rec)
}

func (s *Server) handleGetWallet(c echo.Context) error {
	rec, err := s.opts.Accounts.Get(c.Request().Context(), c.Param("user"))
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

type holdingView struct {
	Token    string `json:"token_address"`
	BuyPrice string `json:"buy_price"`
	BuyTime  string `json:"buy_time"`
	Balance  string `json:"balance,omitempty"`
	Error    string `json:"error,omitempty"`
}

func viewHoldings(holdings []trading.Holding) []holdingView {
	out := make([]holdingView, 0, len(holdings))
	for _, h := range holdings {
		v := holdingView{Token: h.Token, BuyPrice: h.BuyPrice, BuyTime: h.BuyTime.UTC().Format("2006-01-02T15:04:05Z")}
		if h.BalanceErr != nil {
			v.Error = "balance unavailable"
		} else if h.Balance != nil {
			v.Balance = chain.FormatUnits(h.Balance, h.Decimals, 6)
		}
		out = append(out, v)
	}
	return out
}

func (s *Server) handleBalance(c echo.Context) error {
	ov, err := s.opts.Accounts.Overview(c.Request().Context(), c.Param("user"))
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"address":  ov.Address,
		"native":   chain.FormatUnits(ov.Native, chain.NativeDecimals, 6),
		"holdings": viewHoldings(ov.Holdings),
	})
}

func (s *Server) handlePositions(c echo.Context) error {
	holdings, err := s.opts.Ledger.List(c.Request().Context(), c.Param("user"))
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, viewHoldings(holdings))
}

func (s *Server) handleSettings(c echo.Context) error {
	var payload struct {
		AutoBuy          *bool   `json:"auto_buy"`
		Slippage         *int    `json:"slippage"`
		DefaultBuyAmount *string `json:"default_buy_amount"`
	}
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "bad_request")
	}
	ctx := c.Request().Context()
	userID := c.Param("user")
	rec, err := s.opts.Accounts.Get(ctx, userID)
	if err != nil {
		return s.httpError(c, err)
	}
	if payload.AutoBuy != nil {
		if rec, err = s.opts.Accounts.SetAutoBuy(ctx, userID, *payload.AutoBuy); err != nil {
			return s.httpError(c, err)
		}
	}
	if payload.Slippage != nil {
		if rec, err = s.opts.Accounts.SetSlippage(ctx, userID, *payload.Slippage); err != nil {
			return s.httpError(c, err)
		}
	}
	if payload.DefaultBuyAmount != nil {
		if rec, err = s.opts.Accounts.SetDefaultBuyAmount(ctx, userID, *payload.DefaultBuyAmount); err != nil {
			return s.httpError(c, err)
		}
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleOrders(c echo.Context) error {
	limit := 20
	if raw := strings.TrimSpace(c.QueryParam("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = v
	}
	orders, err := s.opts.Accounts.Orders(c.Request().Context(), c.Param("user"), limit)
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, orders)
}

// tradeResponse renders a pending trade, or its outcome when the caller waited.
func tradeResponse(c echo.Context, p *trading.Pending, wait bool) error {
	resp := map[string]any{
		"side":    p.Side,
		"token":   p.Token,
		"venue":   p.Venue,
		"tx_hash": p.TxHash,
		"status":  wallet.OrderPending,
	}
	if p.MinOut != nil {
		resp["min_out"] = p.MinOut.String()
	}
	if !wait {
		return c.JSON(http.StatusAccepted, resp)
	}
	out, err := p.Wait(c.Request().Context())
	if err != nil {
		resp["status"] = wallet.OrderFailed
		resp["error"] = trading.Describe(err)
		return c.JSON(http.StatusBadGateway, resp)
	}
	resp["status"] = wallet.OrderConfirmed
	resp["position_removed"] = out.Removed
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleBuy(c echo.Context) error {
	var payload struct {
		Token  string `json:"token"`
		Amount string `json:"amount"`
		Wait   bool   `json:"wait"`
	}
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "bad_request")
	}
	ctx := c.Request().Context()
	userID := c.Param("user")
	if payload.Amount == "" {
		rec, err := s.opts.Accounts.Get(ctx, userID)
		if err != nil {
			return s.httpError(c, err)
		}
		payload.Amount = rec.DefaultBuyAmount
	}
	p, err := s.opts.Trader.Buy(ctx, trading.BuyRequest{
		UserID: userID,
		Token:  payload.Token,
		Amount: payload.Amount,
		Source: wallet.SourceManual,
	})
	if err != nil {
		return s.httpError(c, err)
	}
	return tradeResponse(c, p, payload.Wait)
}

func (s *Server) handleSell(c echo.Context) error {
	var payload struct {
		Token      string `json:"token"`
		Index      int    `json:"index"`
		Percentage int    `json:"percentage"`
		Wait       bool   `json:"wait"`
	}
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "bad_request")
	}
	p, err := s.opts.Trader.Sell(c.Request().Context(), trading.SellRequest{
		UserID:     c.Param("user"),
		Token:      payload.Token,
		Index:      payload.Index,
		Percentage: payload.Percentage,
		Source:     wallet.SourceManual,
	})
	if err != nil {
		return s.httpError(c, err)
	}
	return tradeResponse(c, p, payload.Wait)
}

func (s *Server) handleAutoSellToggle(c echo.Context) error {
	var payload struct {
		Enabled *bool `json:"enabled"`
	}
	if err := c.Bind(&payload); err != nil || payload.Enabled == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "enabled required")
	}
	rec, err := s.opts.Accounts.SetAutoSell(c.Request().Context(), c.Param("user"), *payload.Enabled)
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, rec.AutoSell)
}

func (s *Server) handleAddTrigger(c echo.Context) error {
	var payload struct {
		Type       string `json:"type"`
		Value      string `json:"value"`
		Percentage int    `json:"percentage"`
	}
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "bad_request")
	}
	value, err := decimal.NewFromString(strings.TrimSpace(payload.Value))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "value must be a decimal")
	}
	typ := wallet.TriggerType(strings.ToLower(strings.TrimSpace(payload.Type)))
	t, err := s.opts.Accounts.AddTrigger(c.Request().Context(), c.Param("user"), typ, value, payload.Percentage)
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusCreated, t)
}

func (s *Server) handleRemoveTrigger(c echo.Context) error {
	if err := s.opts.Accounts.RemoveTrigger(c.Request().Context(), c.Param("user"), c.Param("id")); err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleClearTriggers(c echo.Context) error {
	if err := s.opts.Accounts.ClearTriggers(c.Request().Context(), c.Param("user")); err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleAddCampaign(c echo.Context) error {
	var payload struct {
		Token           string `json:"token"`
		Amount          string `json:"amount"`
		IntervalMinutes int    `json:"interval_minutes"`
		MaxExecutions   int    `json:"max_executions"`
	}
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "bad_request")
	}
	camp, err := s.opts.Accounts.AddCampaign(c.Request().Context(), c.Param("user"),
		payload.Token, payload.Amount, payload.IntervalMinutes, payload.MaxExecutions)
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusCreated, camp)
}

func (s *Server) handleCampaignActive(active bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		camp, err := s.opts.Accounts.SetCampaignActive(c.Request().Context(), c.Param("user"), c.Param("id"), active)
		if err != nil {
			return s.httpError(c, err)
		}
		return c.JSON(http.StatusOK, camp)
	}
}

func (s *Server) handleDeleteCampaign(c echo.Context) error {
	if err := s.opts.Accounts.DeleteCampaign(c.Request().Context(), c.Param("user"), c.Param("id")); err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleTokenInfo(c echo.Context) error {
	ctx := c.Request().Context()
	token, err := wallet.ParseToken(c.Param("token"))
	if err != nil {
		return s.httpError(c, err)
	}
	meta, err := s.opts.Tokens.Metadata(ctx, token.Hex())
	if err != nil {
		return s.httpError(c, tokenErr(err))
	}
	resp := map[string]any{
		"token":    token.Hex(),
		"metadata": meta,
	}
	snap, err := s.opts.Tokens.Snapshot(ctx, token)
	if err != nil {
		return s.httpError(c, tokenErr(err))
	}
	resp["venue"] = snap.Market.Venue
	resp["price"] = snap.Market.Price.String()
	if snap.CapErr == nil {
		resp["market_cap"] = snap.MarketCap.StringFixed(2)
	}
	return c.JSON(http.StatusOK, resp)
}

func tokenErr(err error) error {
	if market.IsNotTradeable(err) {
		return fmt.Errorf("%w: %v", trading.ErrTokenNotTradeable, err)
	}
	return err
}
