package sqlite

import (
	"context"
	"fmt"
	"time"

	"snipebot/internal/model"
)

// OrderRecord is one placed order as persisted.
type OrderRecord struct {
	OrderID     string  `json:"orderId"`
	ProductID   string  `json:"productId"`
	ProductName string  `json:"productName,omitempty"`
	Quantity    int     `json:"quantity"`
	Price       float64 `json:"price,omitempty"`
	AccountID   string  `json:"accountId,omitempty"`
	PlacedAt    int64   `json:"placedAtMs"`
}

// RecordOrder persists a successful checkout. Replays of the same order id
// overwrite rather than duplicate.
func (s *Store) RecordOrder(ctx context.Context, orderID string, product model.Product, accountID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO orders
			(order_id, product_id, product_name, quantity, price, account_id, placed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		orderID, product.ID, product.Name, product.Quantity, product.Price,
		accountID, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record order %s: %w", orderID, err)
	}
	return nil
}

// ListOrders returns placed orders, newest first.
func (s *Store) ListOrders(ctx context.Context, limit int) ([]OrderRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, product_id, product_name, quantity, price, account_id, placed_at
		FROM orders ORDER BY placed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []OrderRecord
	for rows.Next() {
		var rec OrderRecord
		if err := rows.Scan(&rec.OrderID, &rec.ProductID, &rec.ProductName,
			&rec.Quantity, &rec.Price, &rec.AccountID, &rec.PlacedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
