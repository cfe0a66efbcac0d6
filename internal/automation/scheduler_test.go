package automation

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/cryptomb9/nad-trading-bot-TG/internal/market"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/trading"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/wallet"
)

const (
	tokenA = "0xAbCdEf0123456789aBcDeF0123456789AbCdEf01"
	tokenB = "0x1111111111111111111111111111111111111111"
)

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type fakeTrader struct {
	mu       sync.Mutex
	buys     []trading.BuyRequest
	sells    []trading.SellRequest
	buyErr   error
	sellErr  error
	settleFn func(side wallet.Side) error
	afterBuy func()

	// gate, when set, holds every trade until closed; entered sees each one arrive.
	gate    chan struct{}
	entered chan string
}

func (f *fakeTrader) hold(userID string) {
	if f.gate == nil {
		return
	}
	f.entered <- userID
	<-f.gate
}

func (f *fakeTrader) Buy(_ context.Context, req trading.BuyRequest) (*trading.Pending, error) {
	f.hold(req.UserID)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.buyErr != nil {
		return nil, f.buyErr
	}
	f.buys = append(f.buys, req)
	if f.afterBuy != nil {
		f.afterBuy()
	}
	return trading.Settled(trading.Outcome{Side: wallet.SideBuy, Token: req.Token, Err: f.settle(wallet.SideBuy)}), nil
}

func (f *fakeTrader) Sell(_ context.Context, req trading.SellRequest) (*trading.Pending, error) {
	f.hold(req.UserID)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sellErr != nil {
		return nil, f.sellErr
	}
	f.sells = append(f.sells, req)
	return trading.Settled(trading.Outcome{Side: wallet.SideSell, Token: req.Token, Err: f.settle(wallet.SideSell)}), nil
}

func (f *fakeTrader) settle(side wallet.Side) error {
	if f.settleFn == nil {
		return nil
	}
	return f.settleFn(side)
}

func (f *fakeTrader) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buys), len(f.sells)
}

// storeSettings applies automation bookkeeping straight to the store.
type storeSettings struct {
	store *wallet.MemoryStore
	now   func() time.Time
}

func (s *storeSettings) RemoveTrigger(ctx context.Context, userID, id string) error {
	rec, err := s.store.Get(ctx, userID)
	if err != nil {
		return err
	}
	next := rec.WithoutTrigger(id)
	if len(next) == len(rec.AutoSell.Triggers) {
		return trading.ErrTriggerNotFound
	}
	rec.AutoSell.Triggers = next
	return s.store.Save(ctx, rec)
}

func (s *storeSettings) RecordCampaignRun(ctx context.Context, userID, id string, executed bool) (wallet.Campaign, error) {
	rec, err := s.store.Get(ctx, userID)
	if err != nil {
		return wallet.Campaign{}, err
	}
	idx := rec.FindCampaign(id)
	if idx < 0 {
		return wallet.Campaign{}, trading.ErrCampaignNotFound
	}
	c := &rec.Campaigns[idx]
	if executed {
		c.RecordExecution(s.now())
	} else {
		c.Reschedule(s.now())
	}
	return *c, s.store.Save(ctx, rec)
}

type fakePrices struct {
	mu    sync.Mutex
	snaps map[common.Address]*market.Snapshot
	errs  map[common.Address]error
}

func (f *fakePrices) set(token, price, mcap string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps[common.HexToAddress(token)] = &market.Snapshot{
		Market:    &market.Market{Venue: market.VenueCurve, Price: decimal.RequireFromString(price)},
		MarketCap: decimal.RequireFromString(mcap),
	}
}

func (f *fakePrices) Snapshot(_ context.Context, token common.Address) (*market.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[token]; err != nil {
		return nil, err
	}
	s, ok := f.snaps[token]
	if !ok {
		return nil, market.ErrNotFound
	}
	return s, nil
}

// fakeBalances reports one whole token for every position unless marked empty.
type fakeBalances struct {
	mu    sync.Mutex
	empty map[common.Address]bool
}

func (f *fakeBalances) NativeBalance(context.Context, common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeBalances) TokenBalance(_ context.Context, token, _ common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.empty[token] {
		return big.NewInt(0), nil
	}
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil), nil
}

func (f *fakeBalances) TokenDecimals(context.Context, common.Address) (uint8, error) {
	return 18, nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (r *recordingNotifier) Notify(_ context.Context, _ string, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
}

func (r *recordingNotifier) contains(s string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.messages {
		if strings.Contains(m, s) {
			return true
		}
	}
	return false
}

type fixture struct {
	store    *wallet.MemoryStore
	trader   *fakeTrader
	prices   *fakePrices
	balances *fakeBalances
	notifier *recordingNotifier
	now      time.Time
	sched    *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    wallet.NewMemoryStore(),
		trader:   &fakeTrader{},
		prices:   &fakePrices{snaps: map[common.Address]*market.Snapshot{}, errs: map[common.Address]error{}},
		balances: &fakeBalances{empty: map[common.Address]bool{}},
		notifier: &recordingNotifier{},
		now:      base,
	}
	clock := func() time.Time { return f.now }
	f.sched = New(Options{
		Users:     StoreUsers{Store: f.store},
		Store:     f.store,
		Positions: trading.NewLedger(f.store, f.balances, nil, nil),
		Trader:    f.trader,
		Settings:  &storeSettings{store: f.store, now: clock},
		Prices:    f.prices,
		Notifier:  f.notifier,
		Now:       clock,
	})
	return f
}

// tick runs one tick and waits for the trades it dispatched to settle.
func (f *fixture) tick(t *testing.T) error {
	t.Helper()
	err := f.sched.Tick(context.Background())
	f.sched.Wait()
	return err
}

func (f *fixture) gateTrades() {
	f.trader.gate = make(chan struct{})
	f.trader.entered = make(chan string, 8)
}

func (f *fixture) awaitEntered(t *testing.T) string {
	t.Helper()
	select {
	case id := <-f.trader.entered:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("trade was never submitted")
		return ""
	}
}

func (f *fixture) addUser(t *testing.T, userID string, edit func(*wallet.Record)) {
	t.Helper()
	rec := &wallet.Record{
		UserID:           userID,
		Address:          "0x2222222222222222222222222222222222222222",
		Slippage:         10,
		DefaultBuyAmount: "0.1",
		CreatedAt:        base,
	}
	edit(rec)
	if err := f.store.Save(context.Background(), rec); err != nil {
		t.Fatalf("save %s: %v", userID, err)
	}
}

func (f *fixture) load(t *testing.T, userID string) *wallet.Record {
	t.Helper()
	rec, err := f.store.Get(context.Background(), userID)
	if err != nil || rec == nil {
		t.Fatalf("load %s: %v", userID, err)
	}
	return rec
}

func mustTrigger(t *testing.T, typ wallet.TriggerType, value string, pct int) wallet.Trigger {
	t.Helper()
	trig, err := wallet.NewTrigger(typ, decimal.RequireFromString(value), pct)
	if err != nil {
		t.Fatal(err)
	}
	return trig
}

func withAutoSell(buyPrice string, buyTime time.Time, triggers ...wallet.Trigger) func(*wallet.Record) {
	return func(r *wallet.Record) {
		r.Positions = []wallet.Position{{Token: tokenA, BuyPrice: buyPrice, BuyTime: buyTime}}
		r.AutoSell = wallet.AutoSell{Enabled: true, Triggers: triggers}
	}
}

func TestProfitTriggerBoundary(t *testing.T) {
	f := newFixture(t)
	trig := mustTrigger(t, wallet.TriggerProfit, "50", 100)
	f.addUser(t, "1", withAutoSell("1", base, trig))

	f.prices.set(tokenA, "1.4999", "0")
	if err := f.tick(t); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if _, sells := f.trader.counts(); sells != 0 {
		t.Fatalf("49.99%% profit should not fire a 50%% trigger, got %d sells", sells)
	}

	f.prices.set(tokenA, "1.5", "0")
	if err := f.tick(t); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if _, sells := f.trader.counts(); sells != 1 {
		t.Fatalf("expected one sell at 50%% profit, got %d", sells)
	}
	req := f.trader.sells[0]
	if req.Percentage != 100 || req.Source != wallet.SourceAutoSell || req.Token != tokenA {
		t.Fatalf("unexpected sell request %+v", req)
	}
	if n := len(f.load(t, "1").AutoSell.Triggers); n != 0 {
		t.Fatalf("fired trigger should be removed, %d left", n)
	}
}

func TestTimeTrigger(t *testing.T) {
	cases := []struct {
		name  string
		ageMS int64
		fires bool
	}{
		{"past threshold", 3_700_000, true},
		{"before threshold", 3_500_000, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			bought := base.Add(-time.Duration(tc.ageMS) * time.Millisecond)
			f.addUser(t, "1", withAutoSell("1", bought, mustTrigger(t, wallet.TriggerTime, "3600000", 50)))
			f.prices.set(tokenA, "1", "0")

			if err := f.tick(t); err != nil {
				t.Fatalf("tick: %v", err)
			}
			_, sells := f.trader.counts()
			if (sells == 1) != tc.fires {
				t.Fatalf("fires=%v but got %d sells", tc.fires, sells)
			}
		})
	}
}

func TestMatches(t *testing.T) {
	snap := &market.Snapshot{
		Market:    &market.Market{Price: decimal.RequireFromString("0.5")},
		MarketCap: decimal.RequireFromString("20000"),
	}
	pos := wallet.Position{Token: tokenA, BuyPrice: "1", BuyTime: base}
	cases := []struct {
		name  string
		typ   wallet.TriggerType
		value string
		want  bool
	}{
		{"cap reached", wallet.TriggerMarketCap, "20000", true},
		{"cap not reached", wallet.TriggerMarketCap, "20001", false},
		{"loss reached", wallet.TriggerLoss, "50", true},
		{"loss not reached", wallet.TriggerLoss, "51", false},
		{"profit on a loss", wallet.TriggerProfit, "1", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			trig := wallet.Trigger{Type: tc.typ, Value: decimal.RequireFromString(tc.value), Percentage: 100}
			if got := Matches(trig, pos, snap, base); got != tc.want {
				t.Fatalf("Matches = %v, want %v", got, tc.want)
			}
		})
	}

	capless := &market.Snapshot{Market: snap.Market, CapErr: market.ErrUnavailable}
	trig := wallet.Trigger{Type: wallet.TriggerMarketCap, Value: decimal.NewFromInt(1), Percentage: 100}
	if Matches(trig, pos, capless, base) {
		t.Fatal("marketcap trigger must not fire without a market cap")
	}
	if Matches(wallet.Trigger{Type: wallet.TriggerProfit, Value: decimal.NewFromInt(1)}, wallet.Position{BuyPrice: "0"}, snap, base) {
		t.Fatal("profit trigger must not fire without a cost basis")
	}
}

func TestFirstMatchingTriggerOnly(t *testing.T) {
	f := newFixture(t)
	first := mustTrigger(t, wallet.TriggerProfit, "10", 25)
	second := mustTrigger(t, wallet.TriggerMarketCap, "1", 100)
	f.addUser(t, "1", withAutoSell("1", base, first, second))
	f.prices.set(tokenA, "2", "500")

	if err := f.tick(t); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if _, sells := f.trader.counts(); sells != 1 {
		t.Fatalf("expected exactly one sell, got %d", sells)
	}
	if f.trader.sells[0].Percentage != 25 {
		t.Fatalf("first trigger should win, got pct %d", f.trader.sells[0].Percentage)
	}
	left := f.load(t, "1").AutoSell.Triggers
	if len(left) != 1 || left[0].ID != second.ID {
		t.Fatalf("only the fired trigger should be removed, left %+v", left)
	}
}

func TestFailedAutoSellKeepsTrigger(t *testing.T) {
	f := newFixture(t)
	f.trader.settleFn = func(wallet.Side) error { return trading.ErrTransactionReverted }
	f.addUser(t, "1", withAutoSell("1", base, mustTrigger(t, wallet.TriggerProfit, "10", 100)))
	f.prices.set(tokenA, "2", "0")

	if err := f.tick(t); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if n := len(f.load(t, "1").AutoSell.Triggers); n != 1 {
		t.Fatalf("trigger must survive a failed sell, %d left", n)
	}
	if err := f.tick(t); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if _, sells := f.trader.counts(); sells != 2 {
		t.Fatalf("kept trigger should fire again on the next tick, got %d sells", sells)
	}
}

func TestRejectedAutoSellIsNotified(t *testing.T) {
	f := newFixture(t)
	f.trader.sellErr = trading.ErrBalanceUnavailable
	f.addUser(t, "1", withAutoSell("1", base, mustTrigger(t, wallet.TriggerProfit, "10", 100)))
	f.prices.set(tokenA, "2", "0")

	if err := f.tick(t); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !f.notifier.contains("Auto-sell") {
		t.Fatalf("expected failure notification, got %v", f.notifier.messages)
	}
}

func TestDisabledAutoSellDoesNothing(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "1", func(r *wallet.Record) {
		withAutoSell("1", base, mustTrigger(t, wallet.TriggerProfit, "1", 100))(r)
		r.AutoSell.Enabled = false
	})
	f.prices.set(tokenA, "5", "0")

	if err := f.tick(t); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if _, sells := f.trader.counts(); sells != 0 {
		t.Fatalf("disabled auto-sell fired %d sells", sells)
	}
}

func TestFailuresAreIsolated(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "1", func(r *wallet.Record) {
		r.Positions = []wallet.Position{
			{Token: tokenB, BuyPrice: "1", BuyTime: base},
			{Token: tokenA, BuyPrice: "1", BuyTime: base},
		}
		r.AutoSell = wallet.AutoSell{Enabled: true, Triggers: []wallet.Trigger{mustTrigger(t, wallet.TriggerProfit, "10", 100)}}
	})
	f.addUser(t, "2", withAutoSell("1", base, mustTrigger(t, wallet.TriggerProfit, "10", 100)))
	f.prices.errs[common.HexToAddress(tokenB)] = market.ErrUnavailable
	f.prices.set(tokenA, "2", "0")

	err := f.tick(t)
	if !errors.Is(err, market.ErrUnavailable) {
		t.Fatalf("expected snapshot failure in tick error, got %v", err)
	}
	if _, sells := f.trader.counts(); sells != 2 {
		t.Fatalf("healthy positions of both users should sell, got %d", sells)
	}
}

func TestDCARunsExactlyMaxExecutions(t *testing.T) {
	f := newFixture(t)
	c, err := wallet.NewCampaign(tokenA, "0.5", 5, 3, base)
	if err != nil {
		t.Fatal(err)
	}
	f.addUser(t, "1", func(r *wallet.Record) { r.Campaigns = []wallet.Campaign{c} })

	if err := f.tick(t); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if buys, _ := f.trader.counts(); buys != 0 {
		t.Fatalf("campaign ran before its first interval: %d buys", buys)
	}

	for i := 0; i < 6; i++ {
		f.now = f.now.Add(5 * time.Minute)
		if err := f.tick(t); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}
	buys, _ := f.trader.counts()
	if buys != 3 {
		t.Fatalf("expected exactly 3 buys, got %d", buys)
	}
	for _, req := range f.trader.buys {
		if req.Amount != "0.5" || req.Source != wallet.SourceDCA {
			t.Fatalf("unexpected buy request %+v", req)
		}
	}
	got := f.load(t, "1").Campaigns[0]
	if got.Active || got.ExecutedCount != 3 {
		t.Fatalf("campaign should be finished, got %+v", got)
	}
	if !f.notifier.contains("finished after 3 buys") {
		t.Fatalf("expected completion notice, got %v", f.notifier.messages)
	}
}

func TestDCAFailedBuyReschedulesWithoutCounting(t *testing.T) {
	f := newFixture(t)
	f.trader.settleFn = func(wallet.Side) error { return trading.ErrConfirmationTimeout }
	c, err := wallet.NewCampaign(tokenA, "0.5", 5, 3, base)
	if err != nil {
		t.Fatal(err)
	}
	f.addUser(t, "1", func(r *wallet.Record) { r.Campaigns = []wallet.Campaign{c} })

	f.now = base.Add(5 * time.Minute)
	if err := f.tick(t); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got := f.load(t, "1").Campaigns[0]
	if got.ExecutedCount != 0 || !got.Active {
		t.Fatalf("failed buy must not count, got %+v", got)
	}
	if !got.NextExecutionAt.Equal(f.now.Add(5 * time.Minute)) {
		t.Fatalf("next run = %v, want one interval out", got.NextExecutionAt)
	}
}

func TestDCATransientRejectionRetriesNextTick(t *testing.T) {
	f := newFixture(t)
	f.trader.buyErr = trading.ErrQuoteUnavailable
	c, err := wallet.NewCampaign(tokenA, "0.5", 5, 3, base)
	if err != nil {
		t.Fatal(err)
	}
	f.addUser(t, "1", func(r *wallet.Record) { r.Campaigns = []wallet.Campaign{c} })

	f.now = base.Add(6 * time.Minute)
	if err := f.tick(t); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got := f.load(t, "1").Campaigns[0]
	if !got.NextExecutionAt.Equal(c.NextExecutionAt) {
		t.Fatalf("transient failure moved the schedule to %v", got.NextExecutionAt)
	}
	if !got.Due(f.now) {
		t.Fatal("campaign should still be due")
	}
}

func TestDCAInvalidRejectionReschedules(t *testing.T) {
	f := newFixture(t)
	f.trader.buyErr = trading.ErrInsufficientFunds
	c, err := wallet.NewCampaign(tokenA, "0.5", 5, 3, base)
	if err != nil {
		t.Fatal(err)
	}
	f.addUser(t, "1", func(r *wallet.Record) { r.Campaigns = []wallet.Campaign{c} })

	f.now = base.Add(6 * time.Minute)
	if err := f.tick(t); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got := f.load(t, "1").Campaigns[0]
	if got.Due(f.now) || got.ExecutedCount != 0 {
		t.Fatalf("insufficient funds should push the campaign out, got %+v", got)
	}
}

func mustCampaign(t *testing.T) wallet.Campaign {
	t.Helper()
	c, err := wallet.NewCampaign(tokenA, "0.5", 5, 3, base)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestDCASubmitFailureIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.trader.buyErr = &trading.TradeError{
		Op:    "buy",
		Stage: trading.StageSubmit,
		Token: tokenA,
		Err:   fmt.Errorf("%w: %v", trading.ErrSubmitFailed, context.DeadlineExceeded),
	}
	c := mustCampaign(t)
	f.addUser(t, "1", func(r *wallet.Record) { r.Campaigns = []wallet.Campaign{c} })

	f.now = base.Add(6 * time.Minute)
	if err := f.tick(t); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got := f.load(t, "1").Campaigns[0]
	if got.Due(f.now) {
		t.Fatalf("a buy that may be in the mempool must not stay due, next run %v", got.NextExecutionAt)
	}
	if got.ExecutedCount != 0 {
		t.Fatalf("unconfirmed buy counted: %+v", got)
	}
}

func TestTickDoesNotWaitForTrades(t *testing.T) {
	f := newFixture(t)
	f.gateTrades()
	c := mustCampaign(t)
	for _, id := range []string{"A", "B"} {
		f.addUser(t, id, func(r *wallet.Record) { r.Campaigns = []wallet.Campaign{c} })
	}
	f.now = base.Add(5 * time.Minute)

	done := make(chan error, 1)
	go func() { done <- f.sched.Tick(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("tick: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tick blocked on a pending trade")
	}

	seen := map[string]bool{f.awaitEntered(t): true, f.awaitEntered(t): true}
	if !seen["A"] || !seen["B"] {
		t.Fatalf("both users should trade concurrently, saw %v", seen)
	}
	close(f.trader.gate)
	f.sched.Wait()
	for _, id := range []string{"A", "B"} {
		if got := f.load(t, id).Campaigns[0]; got.ExecutedCount != 1 {
			t.Fatalf("user %s: run not recorded: %+v", id, got)
		}
	}
}

func TestInFlightCampaignIsNotResubmitted(t *testing.T) {
	f := newFixture(t)
	f.gateTrades()
	c := mustCampaign(t)
	f.addUser(t, "1", func(r *wallet.Record) { r.Campaigns = []wallet.Campaign{c} })

	f.now = base.Add(5 * time.Minute)
	if err := f.sched.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	f.awaitEntered(t)
	f.now = f.now.Add(10 * time.Minute)
	if err := f.sched.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	close(f.trader.gate)
	f.sched.Wait()

	if buys, _ := f.trader.counts(); buys != 1 {
		t.Fatalf("campaign in flight was submitted again: %d buys", buys)
	}
	if got := f.load(t, "1").Campaigns[0]; got.ExecutedCount != 1 {
		t.Fatalf("expected one recorded run, got %+v", got)
	}
}

func TestInFlightSellIsNotRepeated(t *testing.T) {
	f := newFixture(t)
	f.gateTrades()
	f.addUser(t, "1", withAutoSell("1", base, mustTrigger(t, wallet.TriggerProfit, "10", 50)))
	f.prices.set(tokenA, "2", "0")

	for i := 0; i < 2; i++ {
		if err := f.sched.Tick(context.Background()); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		if i == 0 {
			f.awaitEntered(t)
		}
	}
	close(f.trader.gate)
	f.sched.Wait()

	if _, sells := f.trader.counts(); sells != 1 {
		t.Fatalf("trigger fired twice while its sell was pending: %d sells", sells)
	}
	if n := len(f.load(t, "1").AutoSell.Triggers); n != 0 {
		t.Fatalf("fired trigger should be removed, %d left", n)
	}
}

func TestRunIsRecordedAfterCancel(t *testing.T) {
	f := newFixture(t)
	c := mustCampaign(t)
	f.addUser(t, "1", func(r *wallet.Record) { r.Campaigns = []wallet.Campaign{c} })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.trader.afterBuy = cancel

	f.now = base.Add(5 * time.Minute)
	if err := f.sched.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	f.sched.Wait()
	if got := f.load(t, "1").Campaigns[0]; got.ExecutedCount != 1 {
		t.Fatalf("buy confirmed after cancel was not counted: %+v", got)
	}
}

func TestStopWaitsForSettlement(t *testing.T) {
	f := newFixture(t)
	f.gateTrades()
	c := mustCampaign(t)
	f.addUser(t, "1", func(r *wallet.Record) { r.Campaigns = []wallet.Campaign{c} })
	f.now = base.Add(5 * time.Minute)
	f.sched.opts.Interval = 5 * time.Millisecond

	f.sched.Start(context.Background())
	f.awaitEntered(t)
	stopped := make(chan struct{})
	go func() {
		f.sched.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned while a trade was still settling")
	case <-time.After(50 * time.Millisecond):
	}
	close(f.trader.gate)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop never returned")
	}
	if got := f.load(t, "1").Campaigns[0]; got.ExecutedCount != 1 {
		t.Fatalf("settled run not recorded on stop: %+v", got)
	}
}

func TestTickPrunesEmptyPositions(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "1", func(r *wallet.Record) {
		r.Positions = []wallet.Position{
			{Token: tokenA, BuyPrice: "1", BuyTime: base},
			{Token: tokenB, BuyPrice: "1", BuyTime: base},
		}
		r.AutoSell = wallet.AutoSell{Enabled: true, Triggers: []wallet.Trigger{mustTrigger(t, wallet.TriggerProfit, "50", 100)}}
	})
	f.balances.empty[common.HexToAddress(tokenA)] = true
	f.prices.set(tokenB, "1", "0")

	// tokenA has no price; an error here means the empty position was still evaluated.
	if err := f.tick(t); err != nil {
		t.Fatalf("tick: %v", err)
	}
	left := f.load(t, "1").Positions
	if len(left) != 1 || !strings.EqualFold(left[0].Token, tokenB) {
		t.Fatalf("empty position should be pruned, left %+v", left)
	}
	if _, sells := f.trader.counts(); sells != 0 {
		t.Fatalf("no trigger matched, got %d sells", sells)
	}
}

type countingUsers struct {
	calls atomic.Int32
}

func (c *countingUsers) ActiveUsers(context.Context) ([]string, error) {
	c.calls.Add(1)
	return nil, nil
}

func TestStartStop(t *testing.T) {
	users := &countingUsers{}
	s := New(Options{Users: users, Interval: 5 * time.Millisecond})
	s.Start(context.Background())
	s.Start(context.Background())

	deadline := time.After(2 * time.Second)
	for users.calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("scheduler never ticked")
		case <-time.After(time.Millisecond):
		}
	}
	s.Stop()
	after := users.calls.Load()
	time.Sleep(20 * time.Millisecond)
	if users.calls.Load() != after {
		t.Fatal("scheduler ticked after Stop")
	}
	s.Stop()
}
