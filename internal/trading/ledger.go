package trading

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cryptomb9/nad-trading-bot-TG/internal/lock"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/logger"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/metrics"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/wallet"
)

// BalanceReader reads live balances.
type BalanceReader interface {
	NativeBalance(ctx context.Context, owner common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
	TokenDecimals(ctx context.Context, token common.Address) (uint8, error)
}

// Holding is a stored position joined with its live balance.
type Holding struct {
	wallet.Position
	Balance  *big.Int
	Decimals uint8
	// BalanceErr is set when the balance could not be read; the position is kept.
	BalanceErr error
}

// Ledger lists positions and prunes the ones whose live balance is zero.
type Ledger struct {
	store  wallet.Store
	chain  BalanceReader
	locker lock.Locker
	log    *logger.Logger
}

func NewLedger(store wallet.Store, chain BalanceReader, locker lock.Locker, log *logger.Logger) *Ledger {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	return &Ledger{store: store, chain: chain, locker: locker, log: logger.OrDefault(log).Named("ledger")}
}

// List returns the user's open positions with live balances. Zero balances are
// hidden and pruned from the record; the prune is skipped while a trade holds the lock.
func (l *Ledger) List(ctx context.Context, userID string) ([]Holding, error) {
	rec, err := l.store.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load wallet: %w", err)
	}
	if rec == nil {
		return nil, ErrWalletNotFound
	}
	holdings := make([]Holding, 0, len(rec.Positions))
	if len(rec.Positions) == 0 {
		return holdings, nil
	}

	owner := common.HexToAddress(rec.Address)
	var empty []string
	for _, pos := range rec.Positions {
		token := common.HexToAddress(pos.Token)
		h := Holding{Position: pos, Decimals: 18}
		h.Balance, h.BalanceErr = l.chain.TokenBalance(ctx, token, owner)
		if h.BalanceErr != nil {
			l.log.Debug("balance read failed", logger.FieldUser(userID), logger.FieldToken(pos.Token), logger.FieldErr(h.BalanceErr))
			holdings = append(holdings, h)
			continue
		}
		if h.Balance.Sign() == 0 {
			empty = append(empty, pos.Token)
			continue
		}
		if d, err := l.chain.TokenDecimals(ctx, token); err == nil {
			h.Decimals = d
		}
		holdings = append(holdings, h)
	}
	if len(empty) > 0 {
		l.prune(ctx, userID, empty)
	}
	return holdings, nil
}

func (l *Ledger) prune(ctx context.Context, userID string, tokens []string) {
	unlock, ok, err := l.locker.TryLock(ctx, userID)
	if err != nil || !ok {
		l.log.Debug("prune deferred, wallet busy", logger.FieldUser(userID))
		return
	}
	defer unlock()

	rec, err := l.store.Get(ctx, userID)
	if err != nil || rec == nil {
		return
	}
	removed := 0
	for _, t := range tokens {
		if rec.RemovePosition(t) {
			removed++
		}
	}
	if removed == 0 {
		return
	}
	if err := l.store.Save(ctx, rec); err != nil {
		l.log.Warn("persist pruned positions", logger.FieldUser(userID), logger.FieldErr(err))
		return
	}
	metrics.AddPrunedPositions(removed)
	l.log.Info("pruned empty positions", logger.FieldUser(userID), logger.Int("count", removed))
}
