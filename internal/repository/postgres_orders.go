package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/mmeshcher/gophermart-rewards/internal/model"
)

// AddOrder сохраняет номер заказа и возвращает признак того, что он уже существовал у пользователя.
func (r *PostgresRepository) AddOrder(ctx context.Context, userID int64, number string) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cmdTag, err := tx.Exec(ctx,
		`INSERT INTO orders (number, user_id, status) VALUES ($1, $2, $3) ON CONFLICT (number) DO NOTHING`,
		number, userID, string(model.OrderStatusNew),
	)
	if err != nil {
		return false, fmt.Errorf("insert order: %w", err)
	}

	inserted := cmdTag.RowsAffected() == 1

	var existingUserID int64
	err = tx.QueryRow(ctx,
		`SELECT user_id FROM orders WHERE number = $1`,
		number,
	).Scan(&existingUserID)
	if err != nil {
		return false, fmt.Errorf("select existing order: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}

	if existingUserID == userID {
		return !inserted, nil
	}

	return false, ErrOrderOwnedByAnother
}

// RecordOrderPayment отмечает заказ оплаченным. Возвращает true, если оплата уже была записана.
func (r *PostgresRepository) RecordOrderPayment(ctx context.Context, userID int64, number string, amount int64, paidAt time.Time) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO orders (number, user_id, status) VALUES ($1, $2, $3) ON CONFLICT (number) DO NOTHING`,
		number, userID, string(model.OrderStatusNew),
	)
	if err != nil {
		return false, fmt.Errorf("insert order: %w", err)
	}

	var (
		ownerID    int64
		paidAmount *int64
	)
	err = tx.QueryRow(ctx,
		`SELECT user_id, paid_amount FROM orders WHERE number = $1 FOR UPDATE`,
		number,
	).Scan(&ownerID, &paidAmount)
	if err != nil {
		return false, fmt.Errorf("lock order: %w", err)
	}

	if ownerID != userID {
		return false, ErrOrderOwnedByAnother
	}
	if paidAmount != nil {
		return true, nil
	}

	_, err = tx.Exec(ctx,
		`UPDATE orders SET paid_amount = $2, paid_at = $3 WHERE number = $1`,
		number, amount, paidAt,
	)
	if err != nil {
		return false, fmt.Errorf("update order payment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}

	return false, nil
}

// GetOrdersByUser возвращает список заказов пользователя.
func (r *PostgresRepository) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT number, user_id, status, accrual, paid_amount, paid_at, uploaded_at
		 FROM orders
		 WHERE user_id = $1
		 ORDER BY uploaded_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var o model.Order
		if err := rows.Scan(&o.Number, &o.AccountID, &o.Status, &o.Accrual, &o.PaidAmount, &o.PaidAt, &o.UploadedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}

// OrderForAccrual описывает заказ, ожидающий получения начислений.
type OrderForAccrual struct {
	Number    string
	AccountID int64
	Status    model.OrderStatus
}

// GetOrdersForAccrual возвращает заказы, для которых нужно запросить начисления.
func (r *PostgresRepository) GetOrdersForAccrual(ctx context.Context, limit int) ([]OrderForAccrual, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT number, user_id, status
		 FROM orders
		 WHERE status IN ($1, $2)
		 ORDER BY uploaded_at
		 LIMIT $3`,
		string(model.OrderStatusNew),
		string(model.OrderStatusProcessing),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders for accrual: %w", err)
	}
	defer rows.Close()

	var res []OrderForAccrual
	for rows.Next() {
		var o OrderForAccrual
		if err := rows.Scan(&o.Number, &o.AccountID, &o.Status); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		res = append(res, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// UpdateOrderAccrual обновляет статус заказа и сумму начисления.
func (r *PostgresRepository) UpdateOrderAccrual(ctx context.Context, number string, status model.OrderStatus, accrual *int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE orders SET status = $2, accrual = COALESCE($3, accrual) WHERE number = $1`,
		number, string(status), accrual,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	return nil
}
