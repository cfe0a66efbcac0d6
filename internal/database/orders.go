package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cryptomb9/nad-trading-bot-TG/internal/wallet"
)

func (s *Store) InsertOrder(ctx context.Context, o *wallet.Order) error {
	return s.pool.QueryRow(ctx, `INSERT INTO orders (user_id, token_address, side, venue, amount_in, min_out, status, tx_hash, source)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id, created_at, updated_at`,
		o.UserID, o.Token, string(o.Side), o.Venue, o.AmountIn, o.MinOut, string(o.Status),
		optionalString(o.TxHash), string(o.Source),
	).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
}

// UpdateOrder sets the non-empty fields of u.
func (s *Store) UpdateOrder(ctx context.Context, id int64, u wallet.OrderUpdate) error {
	tag, err := s.pool.Exec(ctx, `UPDATE orders SET
			status = COALESCE($2, status),
			stage = COALESCE($3, stage),
			error = COALESCE($4, error),
			tx_hash = COALESCE($5, tx_hash),
			updated_at = NOW()
		WHERE id = $1`,
		id, optionalString(string(u.Status)), optionalString(u.Stage), optionalString(u.Error), optionalString(u.TxHash))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("wallet: order %d not found", id)
	}
	return nil
}

// ListOrders returns the newest orders first. limit <= 0 returns all of them.
func (s *Store) ListOrders(ctx context.Context, userID string, limit int) ([]wallet.Order, error) {
	query := `SELECT id, user_id, token_address, side, venue, amount_in, min_out, status,
		stage, error, tx_hash, source, created_at, updated_at
		FROM orders WHERE user_id = $1 ORDER BY id DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]wallet.Order, 0)
	for rows.Next() {
		var o wallet.Order
		var stage, errMsg, txHash sql.NullString
		if err := rows.Scan(&o.ID, &o.UserID, &o.Token, &o.Side, &o.Venue, &o.AmountIn, &o.MinOut, &o.Status,
			&stage, &errMsg, &txHash, &o.Source, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		o.Stage = stage.String
		o.Error = errMsg.String
		o.TxHash = txHash.String
		result = append(result, o)
	}
	return result, rows.Err()
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
