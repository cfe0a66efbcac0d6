// Package chain wraps the EVM RPC: balances, ERC-20 reads, router quotes and the
// signed approve/buy/sell transactions.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/cryptomb9/nad-trading-bot-TG/internal/logger"
)

var (
	ErrReverted            = errors.New("chain: transaction reverted")
	ErrConfirmationTimeout = errors.New("chain: confirmation timed out")
	ErrInsufficientFunds   = errors.New("chain: insufficient funds")
)

// BuyParams mirrors the router's buy tuple.
type BuyParams struct {
	AmountOutMin *big.Int
	Token        common.Address
	To           common.Address
	Deadline     *big.Int
}

// SellParams mirrors the router's sell tuple.
type SellParams struct {
	AmountIn     *big.Int
	AmountOutMin *big.Int
	Token        common.Address
	To           common.Address
	Deadline     *big.Int
}

type Config struct {
	RPCURL       string
	ChainID      int64
	PollInterval time.Duration
	Logger       *logger.Logger
}

// Client is safe for concurrent use.
type Client struct {
	eth     *ethclient.Client
	chainID *big.Int
	erc20   abi.ABI
	router  abi.ABI
	poll    time.Duration
	log     *logger.Logger
}

// Dial connects to the RPC endpoint. A zero ChainID is read from the node.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		chainID, err = eth.ChainID(ctx)
		if err != nil {
			eth.Close()
			return nil, fmt.Errorf("get chain id: %w", err)
		}
	}
	erc20, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	router, err := abi.JSON(strings.NewReader(routerABI))
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("parse router abi: %w", err)
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &Client{
		eth:     eth,
		chainID: chainID,
		erc20:   erc20,
		router:  router,
		poll:    poll,
		log:     logger.OrDefault(cfg.Logger).Named("chain"),
	}, nil
}

func (c *Client) Close() {
	c.eth.Close()
}

func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

func (c *Client) token(addr common.Address) *bind.BoundContract {
	return bind.NewBoundContract(addr, c.erc20, c.eth, c.eth, c.eth)
}

func (c *Client) routerAt(addr common.Address) *bind.BoundContract {
	return bind.NewBoundContract(addr, c.router, c.eth, c.eth, c.eth)
}

func (c *Client) NativeBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	bal, err := c.eth.BalanceAt(ctx, owner, nil)
	if err != nil {
		return nil, fmt.Errorf("native balance: %w", err)
	}
	return bal, nil
}

func (c *Client) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	var out []interface{}
	if err := c.token(token).Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", owner); err != nil {
		return nil, fmt.Errorf("balanceOf %s: %w", token.Hex(), err)
	}
	return out[0].(*big.Int), nil
}

func (c *Client) TokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	var out []interface{}
	if err := c.token(token).Call(&bind.CallOpts{Context: ctx}, &out, "decimals"); err != nil {
		return 0, fmt.Errorf("decimals %s: %w", token.Hex(), err)
	}
	return out[0].(uint8), nil
}

func (c *Client) TotalSupply(ctx context.Context, token common.Address) (*big.Int, error) {
	var out []interface{}
	if err := c.token(token).Call(&bind.CallOpts{Context: ctx}, &out, "totalSupply"); err != nil {
		return nil, fmt.Errorf("totalSupply %s: %w", token.Hex(), err)
	}
	return out[0].(*big.Int), nil
}

// Quote calls getAmountOut on router. isBuy selects native→token.
func (c *Client) Quote(ctx context.Context, router, token common.Address, amountIn *big.Int, isBuy bool) (*big.Int, error) {
	var out []interface{}
	if err := c.routerAt(router).Call(&bind.CallOpts{Context: ctx}, &out, "getAmountOut", token, amountIn, isBuy); err != nil {
		return nil, fmt.Errorf("getAmountOut: %w", err)
	}
	return out[0].(*big.Int), nil
}

func (c *Client) transactor(ctx context.Context, key *ecdsa.PrivateKey) (*bind.TransactOpts, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(key, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("create transactor: %w", err)
	}
	auth.Context = ctx
	return auth, nil
}

// Approve submits an ERC-20 approval of amount for spender.
func (c *Client) Approve(ctx context.Context, key *ecdsa.PrivateKey, token, spender common.Address, amount *big.Int) (common.Hash, error) {
	auth, err := c.transactor(ctx, key)
	if err != nil {
		return common.Hash{}, err
	}
	tx, err := c.token(token).Transact(auth, "approve", spender, amount)
	if err != nil {
		return common.Hash{}, classify("approve", err)
	}
	return tx.Hash(), nil
}

// Buy submits a payable router buy with value native units attached.
func (c *Client) Buy(ctx context.Context, key *ecdsa.PrivateKey, router common.Address, p BuyParams, value *big.Int) (common.Hash, error) {
	auth, err := c.transactor(ctx, key)
	if err != nil {
		return common.Hash{}, err
	}
	auth.Value = value
	tx, err := c.routerAt(router).Transact(auth, "buy", p)
	if err != nil {
		return common.Hash{}, classify("buy", err)
	}
	return tx.Hash(), nil
}

func (c *Client) Sell(ctx context.Context, key *ecdsa.PrivateKey, router common.Address, p SellParams) (common.Hash, error) {
	auth, err := c.transactor(ctx, key)
	if err != nil {
		return common.Hash{}, err
	}
	tx, err := c.routerAt(router).Transact(auth, "sell", p)
	if err != nil {
		return common.Hash{}, classify("sell", err)
	}
	return tx.Hash(), nil
}

type receiptReader interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// WaitConfirmed polls for the receipt of hash until it is mined, ctx is done or
// timeout passes. A failed receipt yields ErrReverted.
func (c *Client) WaitConfirmed(ctx context.Context, hash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	return waitMined(ctx, c.eth, hash, c.poll, timeout, c.log)
}

// waitMined keeps polling through RPC errors; only the deadline ends the wait.
func waitMined(ctx context.Context, src receiptReader, hash common.Hash, poll, timeout time.Duration, log *logger.Logger) (*types.Receipt, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	log = logger.OrDefault(log)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	var lastErr error
	for {
		receipt, err := src.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("%w: %s", ErrReverted, hash.Hex())
			}
			return receipt, nil
		case errors.Is(err, ethereum.NotFound):
		case ctx.Err() == nil:
			lastErr = err
			log.Warn("receipt poll failed", logger.FieldTx(hash.Hex()), logger.FieldErr(err))
		}
		select {
		case <-ctx.Done():
			if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ctx.Err()
			}
			if lastErr != nil {
				return nil, fmt.Errorf("%w: %s: last error: %v", ErrConfirmationTimeout, hash.Hex(), lastErr)
			}
			return nil, fmt.Errorf("%w: %s", ErrConfirmationTimeout, hash.Hex())
		case <-ticker.C:
		}
	}
}

func classify(op string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return fmt.Errorf("%s: %w: %v", op, ErrInsufficientFunds, err)
	case strings.Contains(msg, "execution reverted"):
		return fmt.Errorf("%s: %w: %v", op, ErrReverted, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
