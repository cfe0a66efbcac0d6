package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/cryptomb9/nad-trading-bot-TG/internal/wallet"
)

// Get loads the full record for userID. A missing wallet returns nil, nil.
func (s *Store) Get(ctx context.Context, userID string) (*wallet.Record, error) {
	rec := &wallet.Record{UserID: userID}
	err := s.pool.QueryRow(ctx, `SELECT address, encrypted_key, auto_buy, slippage, default_buy_amount,
		auto_sell_enabled, created_at, updated_at
		FROM wallets WHERE user_id = $1`, userID).
		Scan(&rec.Address, &rec.EncryptedKey, &rec.AutoBuy, &rec.Slippage, &rec.DefaultBuyAmount,
			&rec.AutoSell.Enabled, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load wallet: %w", err)
	}

	if rec.Positions, err = s.positions(ctx, userID); err != nil {
		return nil, err
	}
	if rec.AutoSell.Triggers, err = s.triggers(ctx, userID); err != nil {
		return nil, err
	}
	if rec.Campaigns, err = s.campaigns(ctx, userID); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) positions(ctx context.Context, userID string) ([]wallet.Position, error) {
	rows, err := s.pool.Query(ctx, `SELECT token_address, buy_price, buy_time
		FROM positions WHERE user_id = $1 ORDER BY ord ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	defer rows.Close()

	result := make([]wallet.Position, 0)
	for rows.Next() {
		var p wallet.Position
		if err := rows.Scan(&p.Token, &p.BuyPrice, &p.BuyTime); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *Store) triggers(ctx context.Context, userID string) ([]wallet.Trigger, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, type, value::text, percentage
		FROM auto_sell_triggers WHERE user_id = $1 ORDER BY ord ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("load triggers: %w", err)
	}
	defer rows.Close()

	result := make([]wallet.Trigger, 0)
	for rows.Next() {
		var t wallet.Trigger
		var value string
		if err := rows.Scan(&t.ID, &t.Type, &value, &t.Percentage); err != nil {
			return nil, err
		}
		if t.Value, err = decimal.NewFromString(value); err != nil {
			return nil, fmt.Errorf("trigger %s value: %w", t.ID, err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (s *Store) campaigns(ctx context.Context, userID string) ([]wallet.Campaign, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, token_address, amount_per_buy, interval_minutes, max_executions,
		executed_count, active, next_execution_at, created_at
		FROM dca_campaigns WHERE user_id = $1 ORDER BY ord ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("load campaigns: %w", err)
	}
	defer rows.Close()

	result := make([]wallet.Campaign, 0)
	for rows.Next() {
		var c wallet.Campaign
		if err := rows.Scan(&c.ID, &c.Token, &c.AmountPerBuy, &c.IntervalMinutes, &c.MaxExecutions,
			&c.ExecutedCount, &c.Active, &c.NextExecutionAt, &c.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// Save writes the whole record in one transaction, replacing its child rows.
func (s *Store) Save(ctx context.Context, rec *wallet.Record) error {
	if rec == nil {
		return fmt.Errorf("wallet: nil record")
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO wallets (user_id, address, encrypted_key, auto_buy, slippage, default_buy_amount, auto_sell_enabled, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7, COALESCE($8, NOW()))
		ON CONFLICT (user_id)
		DO UPDATE SET
			address = EXCLUDED.address,
			encrypted_key = EXCLUDED.encrypted_key,
			auto_buy = EXCLUDED.auto_buy,
			slippage = EXCLUDED.slippage,
			default_buy_amount = EXCLUDED.default_buy_amount,
			auto_sell_enabled = EXCLUDED.auto_sell_enabled,
			updated_at = NOW()
	`, rec.UserID, rec.Address, rec.EncryptedKey, rec.AutoBuy, rec.Slippage, rec.DefaultBuyAmount,
		rec.AutoSell.Enabled, optionalTime(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert wallet: %w", err)
	}

	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM positions WHERE user_id = $1`, rec.UserID)
	batch.Queue(`DELETE FROM auto_sell_triggers WHERE user_id = $1`, rec.UserID)
	batch.Queue(`DELETE FROM dca_campaigns WHERE user_id = $1`, rec.UserID)
	for i, p := range rec.Positions {
		batch.Queue(`INSERT INTO positions (user_id, ord, token_address, buy_price, buy_time) VALUES ($1,$2,$3,$4,$5)`,
			rec.UserID, i, p.Token, p.BuyPrice, p.BuyTime)
	}
	for i, t := range rec.AutoSell.Triggers {
		batch.Queue(`INSERT INTO auto_sell_triggers (id, user_id, ord, type, value, percentage) VALUES ($1,$2,$3,$4,$5::numeric,$6)`,
			t.ID, rec.UserID, i, string(t.Type), t.Value.String(), t.Percentage)
	}
	for i, c := range rec.Campaigns {
		batch.Queue(`INSERT INTO dca_campaigns (id, user_id, ord, token_address, amount_per_buy, interval_minutes,
			max_executions, executed_count, active, next_execution_at, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			c.ID, rec.UserID, i, c.Token, c.AmountPerBuy, c.IntervalMinutes,
			c.MaxExecutions, c.ExecutedCount, c.Active, c.NextExecutionAt, c.CreatedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("replace children: %w", err)
	}
	return tx.Commit(ctx)
}

// ListUserIDs returns every user with a wallet, sorted.
func (s *Store) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id FROM wallets ORDER BY user_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
