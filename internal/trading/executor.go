// Package trading executes buys and sells for custodial wallets and keeps the
// stored positions consistent with the chain.
package trading

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/cryptomb9/nad-trading-bot-TG/internal/chain"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/lock"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/logger"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/market"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/metrics"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/notify"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/wallet"
)

// Chain is the on-chain surface used by the executor and ledger.
type Chain interface {
	NativeBalance(ctx context.Context, owner common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
	TokenDecimals(ctx context.Context, token common.Address) (uint8, error)
	Approve(ctx context.Context, key *ecdsa.PrivateKey, token, spender common.Address, amount *big.Int) (common.Hash, error)
	Buy(ctx context.Context, key *ecdsa.PrivateKey, router common.Address, p chain.BuyParams, value *big.Int) (common.Hash, error)
	Sell(ctx context.Context, key *ecdsa.PrivateKey, router common.Address, p chain.SellParams) (common.Hash, error)
	WaitConfirmed(ctx context.Context, hash common.Hash, timeout time.Duration) (*types.Receipt, error)
}

// Market is the venue resolution and quoting surface.
type Market interface {
	ResolveMarket(ctx context.Context, token string) (*market.Market, error)
	Router(v market.Venue) (common.Address, error)
	Quote(ctx context.Context, token common.Address, v market.Venue, amountIn *big.Int, dir market.Direction) (*big.Int, error)
}

// Keys opens a record's signing key.
type Keys interface {
	Open(rec *wallet.Record) (*ecdsa.PrivateKey, error)
}

type Options struct {
	Store          wallet.Store
	Journal        wallet.Journal
	Keys           Keys
	Chain          Chain
	Market         Market
	Locker         lock.Locker
	Notifier       notify.Notifier
	Logger         *logger.Logger
	ConfirmTimeout time.Duration
	Deadline       time.Duration
	Now            func() time.Time
}

type Executor struct {
	store          wallet.Store
	journal        wallet.Journal
	keys           Keys
	chain          Chain
	market         Market
	locker         lock.Locker
	notifier       notify.Notifier
	log            *logger.Logger
	confirmTimeout time.Duration
	deadline       time.Duration
	now            func() time.Time

	wg sync.WaitGroup
}

func NewExecutor(opts Options) *Executor {
	e := &Executor{
		store:          opts.Store,
		journal:        opts.Journal,
		keys:           opts.Keys,
		chain:          opts.Chain,
		market:         opts.Market,
		locker:         opts.Locker,
		notifier:       opts.Notifier,
		log:            logger.OrDefault(opts.Logger).Named("executor"),
		confirmTimeout: opts.ConfirmTimeout,
		deadline:       opts.Deadline,
		now:            opts.Now,
	}
	if e.locker == nil {
		e.locker = lock.NewKeyedMutex()
	}
	if e.notifier == nil {
		e.notifier = notify.Nop{}
	}
	if e.confirmTimeout <= 0 {
		e.confirmTimeout = 3 * time.Minute
	}
	if e.deadline <= 0 {
		e.deadline = 30 * time.Minute
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

type BuyRequest struct {
	UserID string
	Token  string
	// Amount in native units as a decimal string.
	Amount string
	Source wallet.Source
}

type SellRequest struct {
	UserID string
	// Token selects the position; when empty Index (1-based) is used.
	Token      string
	Index      int
	Percentage int
	Source     wallet.Source
}

// Outcome is the terminal state of a submitted trade.
type Outcome struct {
	Side     wallet.Side
	Token    string
	Venue    market.Venue
	TxHash   string
	AmountIn *big.Int
	MinOut   *big.Int
	// Removed is set when the position was dropped from the record.
	Removed bool
	Err     error
}

// Pending is a submitted trade. The executor completes it in the background.
type Pending struct {
	Side     wallet.Side
	Token    string
	Venue    market.Venue
	TxHash   string
	AmountIn *big.Int
	MinOut   *big.Int

	done    chan struct{}
	outcome Outcome
}

func newPending(side wallet.Side, token string, venue market.Venue, hash common.Hash, amountIn, minOut *big.Int) *Pending {
	return &Pending{
		Side:     side,
		Token:    token,
		Venue:    venue,
		TxHash:   hash.Hex(),
		AmountIn: amountIn,
		MinOut:   minOut,
		done:     make(chan struct{}),
	}
}

func (p *Pending) complete(o Outcome) {
	p.outcome = o
	close(p.done)
}

// Settled returns a Pending that has already finished with o.
func Settled(o Outcome) *Pending {
	p := &Pending{
		Side:     o.Side,
		Token:    o.Token,
		Venue:    o.Venue,
		TxHash:   o.TxHash,
		AmountIn: o.AmountIn,
		MinOut:   o.MinOut,
		done:     make(chan struct{}),
	}
	p.complete(o)
	return p
}

func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the trade settles or ctx is done.
func (p *Pending) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-p.done:
		return p.outcome, p.outcome.Err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Shutdown waits for in-flight confirmations to finish or ctx to end.
func (e *Executor) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// loadSigner reads the record and opens its key. Must be called with the user lock held.
func (e *Executor) loadSigner(ctx context.Context, userID string) (*wallet.Record, *ecdsa.PrivateKey, error) {
	rec, err := e.store.Get(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("load wallet: %w", err)
	}
	if rec == nil {
		return nil, nil, ErrWalletNotFound
	}
	key, err := e.keys.Open(rec)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrKeyUnavailable, err)
	}
	return rec, key, nil
}

// Buy validates, quotes and submits a venue buy, then returns without waiting
// for confirmation. The position is added once the receipt succeeds.
func (e *Executor) Buy(ctx context.Context, req BuyRequest) (*Pending, error) {
	source := sourceOr(req.Source)
	fail := func(stage Stage, token string, err error) error {
		metrics.RecordTrade(string(wallet.SideBuy), "", string(source), "rejected")
		return &TradeError{Op: "buy", Stage: stage, Token: token, Amount: req.Amount, Err: err}
	}

	token, err := wallet.ParseToken(req.Token)
	if err != nil {
		return nil, fail(StageValidate, req.Token, err)
	}
	amount, err := wallet.ParseAmount(req.Amount)
	if err != nil {
		return nil, fail(StageValidate, token.Hex(), err)
	}
	amountIn := chain.ToUnits(amount, chain.NativeDecimals)
	if amountIn.Sign() <= 0 {
		return nil, fail(StageValidate, token.Hex(), invalidf("amount %s is below one unit", req.Amount))
	}

	unlock, err := e.locker.Lock(ctx, req.UserID)
	if err != nil {
		return nil, fail(StageValidate, token.Hex(), err)
	}
	defer unlock()

	rec, key, err := e.loadSigner(ctx, req.UserID)
	if err != nil {
		return nil, fail(StageValidate, token.Hex(), err)
	}
	owner := common.HexToAddress(rec.Address)

	m, err := e.market.ResolveMarket(ctx, token.Hex())
	if err != nil {
		return nil, fail(StageQuote, token.Hex(), MarketErr(err))
	}
	router, err := e.market.Router(m.Venue)
	if err != nil {
		return nil, fail(StageQuote, token.Hex(), MarketErr(err))
	}
	quote, err := e.market.Quote(ctx, token, m.Venue, amountIn, market.ToToken)
	if err != nil {
		return nil, fail(StageQuote, token.Hex(), MarketErr(err))
	}
	minOut := MinOut(quote, rec.Slippage)

	native, err := e.chain.NativeBalance(ctx, owner)
	if err != nil {
		return nil, fail(StageBalance, token.Hex(), fmt.Errorf("%w: %v", ErrBalanceUnavailable, err))
	}
	if native.Cmp(amountIn) < 0 {
		return nil, fail(StageBalance, token.Hex(), fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds,
			chain.FormatUnits(native, chain.NativeDecimals, 6), amount.String()))
	}

	order := e.openOrder(ctx, &wallet.Order{
		UserID:   req.UserID,
		Token:    token.Hex(),
		Side:     wallet.SideBuy,
		Venue:    string(m.Venue),
		AmountIn: amountIn.String(),
		MinOut:   minOut.String(),
		Source:   source,
	})
	hash, err := e.chain.Buy(ctx, key, router, chain.BuyParams{
		AmountOutMin: minOut,
		Token:        token,
		To:           owner,
		Deadline:     e.deadlineAt(),
	}, amountIn)
	if err != nil {
		err = submitErr(err)
		e.closeOrder(order, wallet.OrderUpdate{Status: wallet.OrderFailed, Stage: string(StageSubmit), Error: err.Error()})
		metrics.RecordTrade(string(wallet.SideBuy), string(m.Venue), string(source), "failed")
		return nil, &TradeError{Op: "buy", Stage: StageSubmit, Token: token.Hex(), Amount: req.Amount, Err: err}
	}
	e.closeOrder(order, wallet.OrderUpdate{TxHash: hash.Hex()})
	metrics.RecordTrade(string(wallet.SideBuy), string(m.Venue), string(source), "submitted")
	e.log.Info("buy submitted", logger.FieldUser(req.UserID), logger.FieldToken(token.Hex()),
		logger.FieldTx(hash.Hex()), logger.String("venue", string(m.Venue)), logger.String("amount", req.Amount))

	p := newPending(wallet.SideBuy, token.Hex(), m.Venue, hash, amountIn, minOut)
	e.wg.Add(1)
	go e.confirmBuy(req, source, p, order, m.Price, amount)
	return p, nil
}

func (e *Executor) confirmBuy(req BuyRequest, source wallet.Source, p *Pending, order int64, price, amount decimal.Decimal) {
	defer e.wg.Done()
	started := e.now()
	out := Outcome{Side: p.Side, Token: p.Token, Venue: p.Venue, TxHash: p.TxHash, AmountIn: p.AmountIn, MinOut: p.MinOut}
	tradeErr := func(stage Stage, err error) error {
		return &TradeError{Op: "buy", Stage: stage, Token: p.Token, Amount: req.Amount, TxHash: p.TxHash, Err: err}
	}

	ctx := context.Background()
	_, err := e.chain.WaitConfirmed(ctx, common.HexToHash(p.TxHash), e.confirmTimeout)
	metrics.ObserveConfirmation(string(p.Side), string(p.Venue), e.now().Sub(started))
	if err != nil {
		out.Err = tradeErr(StageConfirm, confirmErr(err))
		e.closeOrder(order, wallet.OrderUpdate{Status: wallet.OrderFailed, Stage: string(StageConfirm), Error: out.Err.Error()})
		metrics.RecordTrade(string(p.Side), string(p.Venue), string(source), "failed")
		e.log.Warn("buy not confirmed", logger.FieldUser(req.UserID), logger.FieldTx(p.TxHash), logger.FieldErr(err))
		e.notifier.Notify(ctx, req.UserID, buyFailedMessage(amount, p, out.Err))
		p.complete(out)
		return
	}

	if err := e.recordBuy(ctx, req.UserID, p.Token, price); err != nil {
		out.Err = tradeErr(StagePersist, err)
		e.log.Error("record position after buy", logger.FieldUser(req.UserID), logger.FieldToken(p.Token), logger.FieldErr(err))
	}
	e.closeOrder(order, wallet.OrderUpdate{Status: wallet.OrderConfirmed})
	metrics.RecordTrade(string(p.Side), string(p.Venue), string(source), "confirmed")
	e.notifier.Notify(ctx, req.UserID, buyConfirmedMessage(amount, p, source))
	p.complete(out)
}

// recordBuy adds the position unless it already exists; cost basis stays at the first buy.
func (e *Executor) recordBuy(ctx context.Context, userID, token string, price decimal.Decimal) error {
	ctx, cancel := context.WithTimeout(ctx, e.confirmTimeout)
	defer cancel()
	unlock, err := e.locker.Lock(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()
	rec, err := e.store.Get(ctx, userID)
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrWalletNotFound
	}
	if !rec.AddPosition(wallet.Position{Token: token, BuyPrice: price.String(), BuyTime: e.now().UTC()}) {
		return nil
	}
	return e.store.Save(ctx, rec)
}

// Sell approves and submits a venue sell of pct of the live balance. The user
// lock stays held until the trade settles, so no second sell can race the same balance.
func (e *Executor) Sell(ctx context.Context, req SellRequest) (*Pending, error) {
	source := sourceOr(req.Source)
	fail := func(stage Stage, token string, err error) error {
		metrics.RecordTrade(string(wallet.SideSell), "", string(source), "rejected")
		return &TradeError{Op: "sell", Stage: stage, Token: token, Amount: fmt.Sprintf("%d%%", req.Percentage), Err: err}
	}
	if req.Percentage < 1 || req.Percentage > 100 {
		return nil, fail(StageValidate, req.Token, invalidf("percentage must be between 1 and 100"))
	}
	if req.Token != "" {
		if _, err := wallet.ParseToken(req.Token); err != nil {
			return nil, fail(StageValidate, req.Token, err)
		}
	}

	unlock, err := e.locker.Lock(ctx, req.UserID)
	if err != nil {
		return nil, fail(StageValidate, req.Token, err)
	}
	handedOff := false
	defer func() {
		if !handedOff {
			unlock()
		}
	}()

	rec, key, err := e.loadSigner(ctx, req.UserID)
	if err != nil {
		return nil, fail(StageValidate, req.Token, err)
	}
	pos, err := selectPosition(rec, req)
	if err != nil {
		return nil, fail(StageValidate, req.Token, err)
	}
	token := common.HexToAddress(pos.Token)
	owner := common.HexToAddress(rec.Address)

	balance, err := e.chain.TokenBalance(ctx, token, owner)
	if err != nil {
		return nil, fail(StageBalance, pos.Token, fmt.Errorf("%w: %v", ErrBalanceUnavailable, err))
	}
	sellAmount := SellAmount(balance, req.Percentage)
	if sellAmount.Sign() == 0 {
		rec.RemovePosition(pos.Token)
		if err := e.store.Save(ctx, rec); err != nil {
			return nil, fail(StagePersist, pos.Token, err)
		}
		metrics.AddPrunedPositions(1)
		e.log.Info("removed empty position", logger.FieldUser(req.UserID), logger.FieldToken(pos.Token))
		return nil, fail(StageBalance, pos.Token, ErrPositionClosed)
	}

	m, err := e.market.ResolveMarket(ctx, pos.Token)
	if err != nil {
		return nil, fail(StageQuote, pos.Token, MarketErr(err))
	}
	router, err := e.market.Router(m.Venue)
	if err != nil {
		return nil, fail(StageQuote, pos.Token, MarketErr(err))
	}

	approval, err := e.chain.Approve(ctx, key, token, router, sellAmount)
	if err != nil {
		return nil, fail(StageApprove, pos.Token, submitErr(err))
	}
	if _, err := e.chain.WaitConfirmed(ctx, approval, e.confirmTimeout); err != nil {
		te := &TradeError{Op: "sell", Stage: StageApprove, Token: pos.Token, TxHash: approval.Hex(), Err: confirmErr(err)}
		metrics.RecordTrade(string(wallet.SideSell), string(m.Venue), string(source), "failed")
		return nil, te
	}

	quote, err := e.market.Quote(ctx, token, m.Venue, sellAmount, market.ToBase)
	if err != nil {
		return nil, fail(StageQuote, pos.Token, MarketErr(err))
	}
	minOut := MinOut(quote, rec.Slippage)
	if m.Venue == market.VenueCurve {
		// the curve router is called without a minimum output
		minOut = new(big.Int)
	}

	order := e.openOrder(ctx, &wallet.Order{
		UserID:   req.UserID,
		Token:    pos.Token,
		Side:     wallet.SideSell,
		Venue:    string(m.Venue),
		AmountIn: sellAmount.String(),
		MinOut:   minOut.String(),
		Source:   source,
	})
	hash, err := e.chain.Sell(ctx, key, router, chain.SellParams{
		AmountIn:     sellAmount,
		AmountOutMin: minOut,
		Token:        token,
		To:           owner,
		Deadline:     e.deadlineAt(),
	})
	if err != nil {
		err = submitErr(err)
		e.closeOrder(order, wallet.OrderUpdate{Status: wallet.OrderFailed, Stage: string(StageSubmit), Error: err.Error()})
		metrics.RecordTrade(string(wallet.SideSell), string(m.Venue), string(source), "failed")
		return nil, &TradeError{Op: "sell", Stage: StageSubmit, Token: pos.Token, Amount: sellAmount.String(), Err: err}
	}
	e.closeOrder(order, wallet.OrderUpdate{TxHash: hash.Hex()})
	metrics.RecordTrade(string(wallet.SideSell), string(m.Venue), string(source), "submitted")
	e.log.Info("sell submitted", logger.FieldUser(req.UserID), logger.FieldToken(pos.Token),
		logger.FieldTx(hash.Hex()), logger.String("venue", string(m.Venue)), logger.Int("percentage", req.Percentage))

	p := newPending(wallet.SideSell, pos.Token, m.Venue, hash, sellAmount, minOut)
	handedOff = true
	e.wg.Add(1)
	go e.confirmSell(req, source, p, order, unlock)
	return p, nil
}

func (e *Executor) confirmSell(req SellRequest, source wallet.Source, p *Pending, order int64, unlock lock.Unlock) {
	defer e.wg.Done()
	defer unlock()
	started := e.now()
	out := Outcome{Side: p.Side, Token: p.Token, Venue: p.Venue, TxHash: p.TxHash, AmountIn: p.AmountIn, MinOut: p.MinOut}

	ctx := context.Background()
	_, waitErr := e.chain.WaitConfirmed(ctx, common.HexToHash(p.TxHash), e.confirmTimeout)
	metrics.ObserveConfirmation(string(p.Side), string(p.Venue), e.now().Sub(started))

	// Reconcile from the chain in every case; a failed sell must not zero a position.
	removed, err := e.reconcileSell(ctx, req.UserID, p.Token, waitErr == nil && req.Percentage == 100)
	out.Removed = removed
	if err != nil {
		e.log.Warn("reconcile position after sell", logger.FieldUser(req.UserID), logger.FieldToken(p.Token), logger.FieldErr(err))
	}

	if waitErr != nil {
		out.Err = &TradeError{Op: "sell", Stage: StageConfirm, Token: p.Token, Amount: p.AmountIn.String(), TxHash: p.TxHash, Err: confirmErr(waitErr)}
		e.closeOrder(order, wallet.OrderUpdate{Status: wallet.OrderFailed, Stage: string(StageConfirm), Error: out.Err.Error()})
		metrics.RecordTrade(string(p.Side), string(p.Venue), string(source), "failed")
		e.notifier.Notify(ctx, req.UserID, sellFailedMessage(req.Percentage, p, out.Err))
		p.complete(out)
		return
	}
	if err != nil {
		out.Err = &TradeError{Op: "sell", Stage: StagePersist, Token: p.Token, TxHash: p.TxHash, Err: err}
	}
	e.closeOrder(order, wallet.OrderUpdate{Status: wallet.OrderConfirmed})
	metrics.RecordTrade(string(p.Side), string(p.Venue), string(source), "confirmed")
	e.notifier.Notify(ctx, req.UserID, sellConfirmedMessage(req.Percentage, p, source, removed))
	p.complete(out)
}

// reconcileSell drops the position when force is set or the live balance is zero.
// The caller holds the user lock.
func (e *Executor) reconcileSell(ctx context.Context, userID, token string, force bool) (bool, error) {
	rec, err := e.store.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	if rec == nil || rec.FindPosition(token) < 0 {
		return false, nil
	}
	if !force {
		balance, err := e.chain.TokenBalance(ctx, common.HexToAddress(token), common.HexToAddress(rec.Address))
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrBalanceUnavailable, err)
		}
		if balance.Sign() > 0 {
			return false, nil
		}
	}
	rec.RemovePosition(token)
	if err := e.store.Save(ctx, rec); err != nil {
		return false, err
	}
	return true, nil
}

func selectPosition(rec *wallet.Record, req SellRequest) (wallet.Position, error) {
	if req.Token != "" {
		idx := rec.FindPosition(req.Token)
		if idx < 0 {
			return wallet.Position{}, ErrPositionNotFound
		}
		return rec.Positions[idx], nil
	}
	if req.Index < 1 || req.Index > len(rec.Positions) {
		return wallet.Position{}, ErrPositionNotFound
	}
	return rec.Positions[req.Index-1], nil
}

func (e *Executor) deadlineAt() *big.Int {
	return big.NewInt(e.now().Add(e.deadline).Unix())
}

func (e *Executor) openOrder(ctx context.Context, o *wallet.Order) int64 {
	if e.journal == nil {
		return 0
	}
	o.Status = wallet.OrderPending
	if err := e.journal.InsertOrder(ctx, o); err != nil {
		e.log.Warn("journal order", logger.FieldUser(o.UserID), logger.FieldErr(err))
		return 0
	}
	return o.ID
}

func (e *Executor) closeOrder(id int64, u wallet.OrderUpdate) {
	if e.journal == nil || id == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.journal.UpdateOrder(ctx, id, u); err != nil {
		e.log.Warn("update journal order", logger.Int64("order_id", id), logger.FieldErr(err))
	}
}

func submitErr(err error) error {
	switch {
	case errors.Is(err, chain.ErrInsufficientFunds):
		return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	case errors.Is(err, chain.ErrReverted):
		return fmt.Errorf("%w: %v", ErrTransactionReverted, err)
	default:
		return fmt.Errorf("%w: %v", ErrSubmitFailed, err)
	}
}

func confirmErr(err error) error {
	switch {
	case errors.Is(err, chain.ErrReverted):
		return fmt.Errorf("%w: %v", ErrTransactionReverted, err)
	case errors.Is(err, chain.ErrConfirmationTimeout), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrConfirmationTimeout, err)
	default:
		return err
	}
}

func sourceOr(s wallet.Source) wallet.Source {
	if s == "" {
		return wallet.SourceManual
	}
	return s
}
