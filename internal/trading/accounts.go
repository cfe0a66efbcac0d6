package trading

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/cryptomb9/nad-trading-bot-TG/internal/lock"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/logger"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/wallet"
)

// Keyring creates, opens and exports custodial keys.
type Keyring interface {
	Keys
	NewRecord(userID string, slippage int, defaultBuy string) (*wallet.Record, error)
	Export(rec *wallet.Record) (string, error)
}

type AccountsOptions struct {
	Store            wallet.Store
	Journal          wallet.Journal
	Keyring          Keyring
	Locker           lock.Locker
	Ledger           *Ledger
	Balances         BalanceReader
	DefaultSlippage  int
	DefaultBuyAmount string
	Logger           *logger.Logger
	Now              func() time.Time
}

// Accounts owns wallet creation and every settings change. Mutations run under the user lock.
type Accounts struct {
	store      wallet.Store
	journal    wallet.Journal
	keyring    Keyring
	locker     lock.Locker
	ledger     *Ledger
	balances   BalanceReader
	slippage   int
	defaultBuy string
	log        *logger.Logger
	now        func() time.Time
}

func NewAccounts(opts AccountsOptions) *Accounts {
	a := &Accounts{
		store:      opts.Store,
		journal:    opts.Journal,
		keyring:    opts.Keyring,
		locker:     opts.Locker,
		ledger:     opts.Ledger,
		balances:   opts.Balances,
		slippage:   opts.DefaultSlippage,
		defaultBuy: opts.DefaultBuyAmount,
		log:        logger.OrDefault(opts.Logger).Named("accounts"),
		now:        opts.Now,
	}
	if a.locker == nil {
		a.locker = lock.NewKeyedMutex()
	}
	if a.slippage == 0 {
		a.slippage = 10
	}
	if a.defaultBuy == "" {
		a.defaultBuy = "0.1"
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a
}

// Create returns the user's wallet, generating one on first use.
func (a *Accounts) Create(ctx context.Context, userID string) (*wallet.Record, bool, error) {
	unlock, err := a.locker.Lock(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	defer unlock()
	rec, err := a.store.Get(ctx, userID)
	if err != nil {
		return nil, false, fmt.Errorf("load wallet: %w", err)
	}
	if rec != nil {
		return rec, false, nil
	}
	rec, err = a.keyring.NewRecord(userID, a.slippage, a.defaultBuy)
	if err != nil {
		return nil, false, err
	}
	if err := a.store.Save(ctx, rec); err != nil {
		return nil, false, fmt.Errorf("save wallet: %w", err)
	}
	a.log.Info("wallet created", logger.FieldUser(userID), logger.String("address", rec.Address))
	return rec, true, nil
}

func (a *Accounts) Get(ctx context.Context, userID string) (*wallet.Record, error) {
	rec, err := a.store.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load wallet: %w", err)
	}
	if rec == nil {
		return nil, ErrWalletNotFound
	}
	return rec, nil
}

// update runs fn on a fresh copy of the record and saves it when fn succeeds.
func (a *Accounts) update(ctx context.Context, userID string, fn func(*wallet.Record) error) (*wallet.Record, error) {
	unlock, err := a.locker.Lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	rec, err := a.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := fn(rec); err != nil {
		return nil, err
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if err := a.store.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("save wallet: %w", err)
	}
	return rec, nil
}

func (a *Accounts) SetAutoBuy(ctx context.Context, userID string, on bool) (*wallet.Record, error) {
	return a.update(ctx, userID, func(r *wallet.Record) error {
		r.AutoBuy = on
		return nil
	})
}

func (a *Accounts) SetSlippage(ctx context.Context, userID string, pct int) (*wallet.Record, error) {
	if err := wallet.ValidateSlippage(pct); err != nil {
		return nil, err
	}
	return a.update(ctx, userID, func(r *wallet.Record) error {
		r.Slippage = pct
		return nil
	})
}

func (a *Accounts) SetDefaultBuyAmount(ctx context.Context, userID, amount string) (*wallet.Record, error) {
	d, err := wallet.ParseAmount(amount)
	if err != nil {
		return nil, err
	}
	return a.update(ctx, userID, func(r *wallet.Record) error {
		r.DefaultBuyAmount = d.String()
		return nil
	})
}

func (a *Accounts) SetAutoSell(ctx context.Context, userID string, on bool) (*wallet.Record, error) {
	return a.update(ctx, userID, func(r *wallet.Record) error {
		r.AutoSell.Enabled = on
		return nil
	})
}

// AddTrigger appends a one-shot auto-sell rule. Time values are milliseconds.
func (a *Accounts) AddTrigger(ctx context.Context, userID string, typ wallet.TriggerType, value decimal.Decimal, pct int) (wallet.Trigger, error) {
	t, err := wallet.NewTrigger(typ, value, pct)
	if err != nil {
		return wallet.Trigger{}, err
	}
	_, err = a.update(ctx, userID, func(r *wallet.Record) error {
		r.AutoSell.Triggers = append(append([]wallet.Trigger(nil), r.AutoSell.Triggers...), t)
		return nil
	})
	return t, err
}

// RemoveTrigger deletes the trigger with id. Removing an already removed trigger is an error.
func (a *Accounts) RemoveTrigger(ctx context.Context, userID, id string) error {
	_, err := a.update(ctx, userID, func(r *wallet.Record) error {
		next := r.WithoutTrigger(id)
		if len(next) == len(r.AutoSell.Triggers) {
			return ErrTriggerNotFound
		}
		r.AutoSell.Triggers = next
		return nil
	})
	return err
}

func (a *Accounts) ClearTriggers(ctx context.Context, userID string) error {
	_, err := a.update(ctx, userID, func(r *wallet.Record) error {
		r.AutoSell.Triggers = []wallet.Trigger{}
		return nil
	})
	return err
}

func (a *Accounts) AddCampaign(ctx context.Context, userID, token, amount string, intervalMinutes, maxExecutions int) (wallet.Campaign, error) {
	d, err := wallet.ParseAmount(amount)
	if err != nil {
		return wallet.Campaign{}, err
	}
	c, err := wallet.NewCampaign(token, d.String(), intervalMinutes, maxExecutions, a.now().UTC())
	if err != nil {
		return wallet.Campaign{}, err
	}
	_, err = a.update(ctx, userID, func(r *wallet.Record) error {
		r.Campaigns = append(r.Campaigns, c)
		return nil
	})
	return c, err
}

// SetCampaignActive pauses or resumes a campaign. Resuming keeps the executed count
// and schedules the next run one interval out.
func (a *Accounts) SetCampaignActive(ctx context.Context, userID, id string, active bool) (wallet.Campaign, error) {
	var out wallet.Campaign
	_, err := a.update(ctx, userID, func(r *wallet.Record) error {
		idx := r.FindCampaign(id)
		if idx < 0 {
			return ErrCampaignNotFound
		}
		c := &r.Campaigns[idx]
		if active && c.ExecutedCount >= c.MaxExecutions {
			return invalidf("campaign already ran %d of %d times", c.ExecutedCount, c.MaxExecutions)
		}
		if active && !c.Active {
			c.Reschedule(a.now().UTC())
		}
		c.Active = active
		out = *c
		return nil
	})
	return out, err
}

func (a *Accounts) DeleteCampaign(ctx context.Context, userID, id string) error {
	_, err := a.update(ctx, userID, func(r *wallet.Record) error {
		idx := r.FindCampaign(id)
		if idx < 0 {
			return ErrCampaignNotFound
		}
		next := make([]wallet.Campaign, 0, len(r.Campaigns)-1)
		next = append(next, r.Campaigns[:idx]...)
		r.Campaigns = append(next, r.Campaigns[idx+1:]...)
		return nil
	})
	return err
}

// RecordCampaignRun stores the result of one DCA attempt. executed counts a
// confirmed buy; otherwise the run is only pushed one interval out.
func (a *Accounts) RecordCampaignRun(ctx context.Context, userID, id string, executed bool) (wallet.Campaign, error) {
	var out wallet.Campaign
	_, err := a.update(ctx, userID, func(r *wallet.Record) error {
		idx := r.FindCampaign(id)
		if idx < 0 {
			return ErrCampaignNotFound
		}
		c := &r.Campaigns[idx]
		if executed {
			c.RecordExecution(a.now().UTC())
		} else {
			c.Reschedule(a.now().UTC())
		}
		out = *c
		return nil
	})
	return out, err
}

func (a *Accounts) ExportKey(ctx context.Context, userID string) (string, error) {
	rec, err := a.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	key, err := a.keyring.Export(rec)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrKeyUnavailable, err)
	}
	return key, nil
}

// Overview is the wallet balance summary.
type Overview struct {
	Address  string
	Native   *big.Int
	Holdings []Holding
}

func (a *Accounts) Overview(ctx context.Context, userID string) (*Overview, error) {
	rec, err := a.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	native, err := a.balances.NativeBalance(ctx, common.HexToAddress(rec.Address))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBalanceUnavailable, err)
	}
	holdings, err := a.ledger.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Overview{Address: rec.Address, Native: native, Holdings: holdings}, nil
}

func (a *Accounts) Orders(ctx context.Context, userID string, limit int) ([]wallet.Order, error) {
	if a.journal == nil {
		return []wallet.Order{}, nil
	}
	return a.journal.ListOrders(ctx, userID, limit)
}
