// Package automation runs the periodic auto-sell and DCA duties.
package automation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/go-multierror"

	"github.com/cryptomb9/nad-trading-bot-TG/internal/logger"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/market"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/metrics"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/notify"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/trading"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/wallet"
)

// UserSource lists the users automation runs for.
type UserSource interface {
	ActiveUsers(ctx context.Context) ([]string, error)
}

// StoreUsers runs automation for every stored wallet.
type StoreUsers struct {
	Store wallet.Store
}

func (s StoreUsers) ActiveUsers(ctx context.Context) ([]string, error) {
	return s.Store.ListUserIDs(ctx)
}

type Trader interface {
	Buy(ctx context.Context, req trading.BuyRequest) (*trading.Pending, error)
	Sell(ctx context.Context, req trading.SellRequest) (*trading.Pending, error)
}

// Settings persists automation bookkeeping under the user lock.
type Settings interface {
	RemoveTrigger(ctx context.Context, userID, id string) error
	RecordCampaignRun(ctx context.Context, userID, id string, executed bool) (wallet.Campaign, error)
}

type Prices interface {
	Snapshot(ctx context.Context, token common.Address) (*market.Snapshot, error)
}

// Positions lists open positions reconciled against live balances.
type Positions interface {
	List(ctx context.Context, userID string) ([]trading.Holding, error)
}

type Options struct {
	Users     UserSource
	Store     wallet.Store
	Positions Positions
	Trader    Trader
	Settings  Settings
	Prices    Prices
	Notifier  notify.Notifier
	Logger    *logger.Logger
	Interval  time.Duration
	Now       func() time.Time
}

// Scheduler ticks on a fixed interval. A slow tick delays the next one; ticks never overlap.
// Trades run in the background so a pending confirmation never holds up the tick.
type Scheduler struct {
	opts    Options
	log     *logger.Logger
	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	closing chan struct{}
	closed  chan struct{}

	trades   sync.WaitGroup
	flightMu sync.Mutex
	inflight map[string]struct{}
}

func New(opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	return &Scheduler{
		opts:     opts,
		log:      logger.OrDefault(opts.Logger).Named("scheduler"),
		closing:  make(chan struct{}),
		closed:   make(chan struct{}),
		inflight: make(map[string]struct{}),
	}
}

// Start launches the loop. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop cancels the running tick, waits for the loop to exit and then for every
// submitted trade to settle and be recorded.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	started := s.started
	select {
	case <-s.closing:
	default:
		close(s.closing)
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	if started {
		<-s.closed
	}
	s.Wait()
}

// Wait blocks until every trade dispatched so far has settled.
func (s *Scheduler) Wait() {
	s.trades.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	s.log.Info("scheduler started", logger.Duration("interval", s.opts.Interval))
	defer func() {
		close(s.closed)
		s.log.Info("scheduler stopped")
	}()
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			return
		case <-ticker.C:
			started := time.Now()
			if err := s.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn("tick finished with failures", logger.FieldErr(err))
			}
			if time.Since(started) > s.opts.Interval {
				metrics.RecordTickSkipped()
			}
		}
	}
}

// Tick evaluates both duties once for every active user and dispatches the
// resulting trades. Evaluation failures are isolated per user, position and
// campaign and returned together; trade outcomes are logged and notified.
func (s *Scheduler) Tick(ctx context.Context) error {
	users, err := s.opts.Users.ActiveUsers(ctx)
	if err != nil {
		metrics.RecordSchedulerFailure("users")
		return fmt.Errorf("list users: %w", err)
	}
	var result *multierror.Error
	for _, userID := range users {
		if ctx.Err() != nil {
			break
		}
		if err := s.autoSell(ctx, userID); err != nil {
			result = multierror.Append(result, err)
		}
		if err := s.dca(ctx, userID); err != nil {
			result = multierror.Append(result, err)
		}
	}
	metrics.RecordTick()
	return result.ErrorOrNil()
}

func sellKey(userID, token string) string {
	return "sell/" + userID + "/" + strings.ToLower(token)
}

func triggerKey(userID, id string) string {
	return "trigger/" + userID + "/" + id
}

func campaignKey(userID, id string) string {
	return "dca/" + userID + "/" + id
}

func (s *Scheduler) busy(key string) bool {
	s.flightMu.Lock()
	defer s.flightMu.Unlock()
	_, ok := s.inflight[key]
	return ok
}

// claim marks every key in flight, or none when one of them already is.
func (s *Scheduler) claim(keys ...string) bool {
	s.flightMu.Lock()
	defer s.flightMu.Unlock()
	for _, k := range keys {
		if _, ok := s.inflight[k]; ok {
			return false
		}
	}
	for _, k := range keys {
		s.inflight[k] = struct{}{}
	}
	return true
}

func (s *Scheduler) release(keys ...string) {
	s.flightMu.Lock()
	defer s.flightMu.Unlock()
	for _, k := range keys {
		delete(s.inflight, k)
	}
}

// dispatch runs fn in the background and releases keys once it returns.
func (s *Scheduler) dispatch(keys []string, fn func()) {
	s.trades.Add(1)
	go func() {
		defer s.trades.Done()
		defer s.release(keys...)
		fn()
	}()
}

func (s *Scheduler) autoSell(ctx context.Context, userID string) error {
	rec, err := s.opts.Store.Get(ctx, userID)
	if err != nil {
		metrics.RecordSchedulerFailure("autosell")
		return fmt.Errorf("user %s: load wallet: %w", userID, err)
	}
	if rec == nil || !rec.AutoSell.Enabled || len(rec.AutoSell.Triggers) == 0 {
		return nil
	}
	holdings, err := s.opts.Positions.List(ctx, userID)
	if err != nil {
		metrics.RecordSchedulerFailure("autosell")
		return fmt.Errorf("user %s: list positions: %w", userID, err)
	}

	triggers := make([]wallet.Trigger, 0, len(rec.AutoSell.Triggers))
	for _, t := range rec.AutoSell.Triggers {
		if !s.busy(triggerKey(userID, t.ID)) {
			triggers = append(triggers, t)
		}
	}

	var result *multierror.Error
	for _, h := range holdings {
		if ctx.Err() != nil || len(triggers) == 0 {
			break
		}
		pos := h.Position
		if s.busy(sellKey(userID, pos.Token)) {
			continue
		}
		snap, err := s.opts.Prices.Snapshot(ctx, common.HexToAddress(pos.Token))
		if err != nil {
			metrics.RecordSchedulerFailure("autosell")
			result = multierror.Append(result, fmt.Errorf("user %s token %s: market snapshot: %w", userID, pos.Token, err))
			continue
		}
		t, ok := FirstMatch(triggers, pos, snap, s.opts.Now())
		if !ok {
			continue
		}
		keys := []string{sellKey(userID, pos.Token), triggerKey(userID, t.ID)}
		if !s.claim(keys...) {
			continue
		}
		triggers = without(triggers, t.ID)
		metrics.RecordTriggerFired(string(t.Type))
		s.log.Info("auto-sell trigger matched", logger.FieldUser(userID), logger.FieldToken(pos.Token),
			logger.String("type", string(t.Type)), logger.String("value", t.Value.String()), logger.Int("percentage", t.Percentage))
		s.dispatch(keys, func() { s.sell(ctx, userID, pos.Token, t) })
	}
	return result.ErrorOrNil()
}

// sell runs one auto-sell and removes the trigger once the sell confirms.
// Settlement and bookkeeping outlive ctx so a stop never loses a confirmed sell.
func (s *Scheduler) sell(ctx context.Context, userID, token string, t wallet.Trigger) {
	log := s.log.With(logger.FieldUser(userID), logger.FieldToken(token), logger.String("trigger", t.ID))
	p, err := s.opts.Trader.Sell(ctx, trading.SellRequest{
		UserID:     userID,
		Token:      token,
		Percentage: t.Percentage,
		Source:     wallet.SourceAutoSell,
	})
	if err != nil {
		if errors.Is(err, trading.ErrPositionClosed) || ctx.Err() != nil {
			return
		}
		metrics.RecordSchedulerFailure("autosell")
		log.Warn("auto-sell rejected", logger.FieldErr(err))
		s.opts.Notifier.Notify(ctx, userID, fmt.Sprintf("Auto-sell (%s) for %s failed: %s", t.Type, token, trading.Describe(err)))
		return
	}

	settle := context.WithoutCancel(ctx)
	if _, err := p.Wait(settle); err != nil {
		metrics.RecordSchedulerFailure("autosell")
		log.Warn("auto-sell failed, trigger kept", logger.FieldErr(err))
		return
	}
	if err := s.opts.Settings.RemoveTrigger(settle, userID, t.ID); err != nil && !errors.Is(err, trading.ErrTriggerNotFound) {
		metrics.RecordSchedulerFailure("autosell")
		log.Error("remove fired trigger", logger.FieldErr(err))
	}
}

func (s *Scheduler) dca(ctx context.Context, userID string) error {
	rec, err := s.opts.Store.Get(ctx, userID)
	if err != nil {
		metrics.RecordSchedulerFailure("dca")
		return fmt.Errorf("user %s: load wallet: %w", userID, err)
	}
	if rec == nil {
		return nil
	}
	for _, c := range rec.Campaigns {
		if ctx.Err() != nil {
			break
		}
		if !c.Due(s.opts.Now()) {
			continue
		}
		key := campaignKey(userID, c.ID)
		if !s.claim(key) {
			continue
		}
		s.dispatch([]string{key}, func() { s.runCampaign(ctx, userID, c) })
	}
	return nil
}

// retryable reports whether a rejected DCA buy may run again on the next tick:
// the failure is transient and no transaction can have been sent.
func retryable(err error) bool {
	return trading.KindOf(err) == trading.KindUnavailable && !trading.Submitted(err)
}

// runCampaign performs one DCA buy. A confirmed buy counts toward the campaign.
// A trade that may have reached the chain, or was rejected for a non-transient
// reason, is pushed one interval out. Transient rejections retry next tick.
func (s *Scheduler) runCampaign(ctx context.Context, userID string, c wallet.Campaign) {
	log := s.log.With(logger.FieldUser(userID), logger.FieldToken(c.Token), logger.String("campaign", c.ID))
	settle := context.WithoutCancel(ctx)
	p, err := s.opts.Trader.Buy(ctx, trading.BuyRequest{
		UserID: userID,
		Token:  c.Token,
		Amount: c.AmountPerBuy,
		Source: wallet.SourceDCA,
	})
	if err != nil {
		if ctx.Err() != nil && !trading.Submitted(err) {
			return
		}
		metrics.RecordSchedulerFailure("dca")
		log.Warn("dca buy rejected", logger.FieldErr(err), logger.Bool("retry", retryable(err)))
		s.opts.Notifier.Notify(settle, userID, fmt.Sprintf("DCA buy of %s MON for %s failed: %s", c.AmountPerBuy, c.Token, trading.Describe(err)))
		if retryable(err) {
			return
		}
		if _, err := s.opts.Settings.RecordCampaignRun(settle, userID, c.ID, false); err != nil {
			log.Error("reschedule campaign", logger.FieldErr(err))
		}
		return
	}

	_, waitErr := p.Wait(settle)
	if waitErr != nil {
		metrics.RecordSchedulerFailure("dca")
		log.Warn("dca buy failed", logger.FieldErr(waitErr))
	}
	updated, err := s.opts.Settings.RecordCampaignRun(settle, userID, c.ID, waitErr == nil)
	if err != nil {
		metrics.RecordSchedulerFailure("dca")
		log.Error("record campaign run", logger.FieldErr(err))
		return
	}
	if waitErr == nil && !updated.Active && updated.ExecutedCount >= updated.MaxExecutions {
		s.opts.Notifier.Notify(settle, userID, fmt.Sprintf("DCA campaign for %s finished after %d buys", c.Token, updated.ExecutedCount))
	}
}
