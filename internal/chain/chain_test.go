package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

func TestUnitsConversion(t *testing.T) {
	got := ToUnits(decimal.RequireFromString("0.1"), NativeDecimals)
	want, _ := new(big.Int).SetString("100000000000000000", 10)
	if got.Cmp(want) != 0 {
		t.Fatalf("ToUnits(0.1) = %s, want %s", got, want)
	}
	if s := ToUnits(decimal.RequireFromString("1.23456789"), 6).String(); s != "1234567" {
		t.Fatalf("expected truncation to 1234567, got %s", s)
	}
	if s := FormatUnits(big.NewInt(1234567), 6, 2); s != "1.23" {
		t.Fatalf("FormatUnits = %s", s)
	}
	if !FromUnits(nil, 18).IsZero() {
		t.Fatal("nil units should be zero")
	}
}

func TestClassify(t *testing.T) {
	err := classify("buy", errors.New("insufficient funds for gas * price + value"))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	err = classify("sell", errors.New("execution reverted: 0x4e969c58"))
	if !errors.Is(err, ErrReverted) {
		t.Fatalf("expected ErrReverted, got %v", err)
	}
	if err := classify("buy", errors.New("connection refused")); errors.Is(err, ErrReverted) || errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("unexpected classification: %v", err)
	}
}

func TestRouterABIPacksTuples(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(routerABI))
	if err != nil {
		t.Fatalf("parse router abi: %v", err)
	}
	token := common.HexToAddress("0x1111111111111111111111111111111111111111")
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	buy, err := parsed.Pack("buy", BuyParams{AmountOutMin: big.NewInt(900), Token: token, To: to, Deadline: big.NewInt(1800)})
	if err != nil {
		t.Fatalf("pack buy: %v", err)
	}
	if len(buy) != 4+4*32 {
		t.Fatalf("unexpected buy calldata length %d", len(buy))
	}
	sell, err := parsed.Pack("sell", SellParams{AmountIn: big.NewInt(5), AmountOutMin: big.NewInt(0), Token: token, To: to, Deadline: big.NewInt(1800)})
	if err != nil {
		t.Fatalf("pack sell: %v", err)
	}
	if len(sell) != 4+5*32 {
		t.Fatalf("unexpected sell calldata length %d", len(sell))
	}
	if _, err := abi.JSON(strings.NewReader(erc20ABI)); err != nil {
		t.Fatalf("parse erc20 abi: %v", err)
	}
}

// scriptedReceipts answers each poll with the next scripted result; the last one repeats.
type scriptedReceipts struct {
	mu      sync.Mutex
	calls   int
	results []func() (*types.Receipt, error)
}

func (s *scriptedReceipts) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	s.calls++
	return s.results[i]()
}

func receipt(status uint64) func() (*types.Receipt, error) {
	return func() (*types.Receipt, error) { return &types.Receipt{Status: status}, nil }
}

func failing(err error) func() (*types.Receipt, error) {
	return func() (*types.Receipt, error) { return nil, err }
}

func TestWaitMinedSurvivesFlakyPolls(t *testing.T) {
	src := &scriptedReceipts{results: []func() (*types.Receipt, error){
		failing(errors.New("rpc: i/o timeout")),
		failing(ethereum.NotFound),
		receipt(types.ReceiptStatusSuccessful),
	}}
	got, err := waitMined(context.Background(), src, common.Hash{1}, time.Millisecond, time.Second, nil)
	if err != nil {
		t.Fatalf("flaky poll should not fail the wait: %v", err)
	}
	if got.Status != types.ReceiptStatusSuccessful || src.calls != 3 {
		t.Fatalf("status %d after %d polls", got.Status, src.calls)
	}
}

func TestWaitMinedOutcomes(t *testing.T) {
	cases := []struct {
		name    string
		results []func() (*types.Receipt, error)
		want    error
	}{
		{"reverted", []func() (*types.Receipt, error){receipt(types.ReceiptStatusFailed)}, ErrReverted},
		{"never mined", []func() (*types.Receipt, error){failing(ethereum.NotFound)}, ErrConfirmationTimeout},
		{"rpc down", []func() (*types.Receipt, error){failing(errors.New("connection refused"))}, ErrConfirmationTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			src := &scriptedReceipts{results: tc.results}
			_, err := waitMined(context.Background(), src, common.Hash{2}, time.Millisecond, 20*time.Millisecond, nil)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestWaitMinedStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := &scriptedReceipts{results: []func() (*types.Receipt, error){failing(ethereum.NotFound)}}
	if _, err := waitMined(ctx, src, common.Hash{3}, time.Millisecond, time.Second, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
