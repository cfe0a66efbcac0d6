package trading

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/cryptomb9/nad-trading-bot-TG/internal/chain"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/lock"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/market"
	"github.com/cryptomb9/nad-trading-bot-TG/internal/wallet"
)

const (
	testUser  = "1001"
	testToken = "0xAbCdEfAbCdEfAbCdEfAbCdEfAbCdEfAbCdEfAbCd"
)

var (
	curveRouter = common.HexToAddress("0x4F5A3518F082275edf59026f72B66AC2838c0414")
	dexRouter   = common.HexToAddress("0x4FBDC27FAE5f99E7B09590bEc8Bf20481FCf9551")
)

type fakeChain struct {
	mu        sync.Mutex
	native    *big.Int
	balances  map[common.Address]*big.Int
	balErr    error
	submitErr error
	confirm   map[common.Hash]error
	gate      chan struct{}
	nextHash  int64

	approvals []*big.Int
	buys      []chain.BuyParams
	buyValues []*big.Int
	sells     []chain.SellParams
	routers   []common.Address
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		native:   big.NewInt(0).Mul(big.NewInt(10), big.NewInt(1e18)),
		balances: make(map[common.Address]*big.Int),
		confirm:  make(map[common.Hash]error),
	}
}

func (f *fakeChain) hash() common.Hash {
	f.nextHash++
	return common.BigToHash(big.NewInt(f.nextHash))
}

func (f *fakeChain) setBalance(token string, v int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[common.HexToAddress(token)] = big.NewInt(v)
}

func (f *fakeChain) NativeBalance(context.Context, common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.native), nil
}

func (f *fakeChain) TokenBalance(_ context.Context, token, _ common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balErr != nil {
		return nil, f.balErr
	}
	if b, ok := f.balances[token]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (f *fakeChain) TokenDecimals(context.Context, common.Address) (uint8, error) {
	return 18, nil
}

func (f *fakeChain) Approve(_ context.Context, _ *ecdsa.PrivateKey, _, _ common.Address, amount *big.Int) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approvals = append(f.approvals, amount)
	return f.hash(), nil
}

func (f *fakeChain) Buy(_ context.Context, _ *ecdsa.PrivateKey, router common.Address, p chain.BuyParams, value *big.Int) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return common.Hash{}, f.submitErr
	}
	f.buys = append(f.buys, p)
	f.buyValues = append(f.buyValues, value)
	f.routers = append(f.routers, router)
	return f.hash(), nil
}

func (f *fakeChain) Sell(_ context.Context, _ *ecdsa.PrivateKey, router common.Address, p chain.SellParams) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return common.Hash{}, f.submitErr
	}
	f.sells = append(f.sells, p)
	f.routers = append(f.routers, router)
	h := f.hash()
	if f.confirm[h] == nil {
		if b, ok := f.balances[p.Token]; ok {
			b.Sub(b, p.AmountIn)
		}
	}
	return h, nil
}

// failNext makes the next submitted transaction fail confirmation with err.
func (f *fakeChain) failNext(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirm[common.BigToHash(big.NewInt(f.nextHash+1))] = err
}

func (f *fakeChain) WaitConfirmed(ctx context.Context, hash common.Hash, _ time.Duration) (*types.Receipt, error) {
	f.mu.Lock()
	gate := f.gate
	err := f.confirm[hash]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: hash}, nil
}

type fakeMarket struct {
	venue      market.Venue
	price      decimal.Decimal
	quote      *big.Int
	quoteErr   error
	resolveErr error
}

func (f *fakeMarket) ResolveMarket(context.Context, string) (*market.Market, error) {
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	return &market.Market{Venue: f.venue, Price: f.price}, nil
}

func (f *fakeMarket) Router(v market.Venue) (common.Address, error) {
	if v == market.VenueDEX {
		return dexRouter, nil
	}
	return curveRouter, nil
}

func (f *fakeMarket) Quote(context.Context, common.Address, market.Venue, *big.Int, market.Direction) (*big.Int, error) {
	if f.quoteErr != nil {
		return nil, f.quoteErr
	}
	return new(big.Int).Set(f.quote), nil
}

type fakeKeys struct {
	key *ecdsa.PrivateKey
	err error
}

func (f *fakeKeys) Open(*wallet.Record) (*ecdsa.PrivateKey, error) {
	return f.key, f.err
}

func (f *fakeKeys) NewRecord(userID string, slippage int, defaultBuy string) (*wallet.Record, error) {
	return &wallet.Record{
		UserID:           userID,
		Address:          ethcrypto.PubkeyToAddress(f.key.PublicKey).Hex(),
		EncryptedKey:     "sealed",
		Slippage:         slippage,
		DefaultBuyAmount: defaultBuy,
	}, nil
}

func (f *fakeKeys) Export(*wallet.Record) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "0x" + common.Bytes2Hex(ethcrypto.FromECDSA(f.key)), nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingNotifier) Notify(_ context.Context, _ string, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, message)
}

func (r *recordingNotifier) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		return ""
	}
	return r.msgs[len(r.msgs)-1]
}

type harness struct {
	store    *wallet.MemoryStore
	chain    *fakeChain
	market   *fakeMarket
	keys     *fakeKeys
	locker   *lock.KeyedMutex
	notifier *recordingNotifier
	exec     *Executor
	ledger   *Ledger
	accounts *Accounts
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		store:    wallet.NewMemoryStore(),
		chain:    newFakeChain(),
		market:   &fakeMarket{venue: market.VenueCurve, price: decimal.RequireFromString("0.002"), quote: big.NewInt(1000)},
		keys:     &fakeKeys{key: key},
		locker:   lock.NewKeyedMutex(),
		notifier: &recordingNotifier{},
		now:      time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return h.now }
	h.exec = NewExecutor(Options{
		Store:          h.store,
		Journal:        h.store,
		Keys:           h.keys,
		Chain:          h.chain,
		Market:         h.market,
		Locker:         h.locker,
		Notifier:       h.notifier,
		ConfirmTimeout: time.Second,
		Now:            clock,
	})
	h.ledger = NewLedger(h.store, h.chain, h.locker, nil)
	h.accounts = NewAccounts(AccountsOptions{
		Store:    h.store,
		Journal:  h.store,
		Keyring:  h.keys,
		Locker:   h.locker,
		Ledger:   h.ledger,
		Balances: h.chain,
		Now:      clock,
	})
	return h
}

func (h *harness) seed(t *testing.T, positions ...wallet.Position) *wallet.Record {
	t.Helper()
	rec, _, err := h.accounts.Create(context.Background(), testUser)
	if err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	if len(positions) > 0 {
		rec.Positions = positions
		if err := h.store.Save(context.Background(), rec); err != nil {
			t.Fatal(err)
		}
	}
	return rec
}

func (h *harness) record(t *testing.T) *wallet.Record {
	t.Helper()
	rec, err := h.store.Get(context.Background(), testUser)
	if err != nil || rec == nil {
		t.Fatalf("load record: %v", err)
	}
	return rec
}

func hasPosition(rec *wallet.Record, token string) bool {
	for _, p := range rec.Positions {
		if strings.EqualFold(p.Token, token) {
			return true
		}
	}
	return false
}

func hashOf(n int64) common.Hash {
	return common.BigToHash(big.NewInt(n))
}

func mustAmount(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := wallet.ParseAmount(s)
	if err != nil {
		t.Fatal(err)
	}
	return d
}
