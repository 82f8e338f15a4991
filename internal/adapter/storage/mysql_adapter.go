package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"github.com/rl1809/cart-store/internal/core/domain"
	"github.com/rl1809/cart-store/internal/port"
)

const mysqlDuplicateEntry = 1062

type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

func (m *MySQLAdapter) Load(ctx context.Context, key string) (domain.Cart, error) {
	var (
		payload []byte
		version int64
	)
	err := m.db.QueryRowContext(ctx, `
		SELECT items, version
		FROM cart_snapshots WHERE cart_key = ?`, key,
	).Scan(&payload, &version)

	if errors.Is(err, sql.ErrNoRows) {
		return domain.Cart{}, nil
	}
	if err != nil {
		return domain.Cart{}, fmt.Errorf("query cart snapshot: %w", err)
	}

	return decodeSnapshot(payload, version)
}

// Save inserts the first revision of a key and afterwards updates only the row
// still carrying cart.Version.
func (m *MySQLAdapter) Save(ctx context.Context, key string, cart domain.Cart) (int64, error) {
	payload, err := encodeSnapshot(cart)
	if err != nil {
		return 0, err
	}

	if cart.Version == 0 {
		_, err := m.db.ExecContext(ctx, `
			INSERT INTO cart_snapshots (cart_key, items, version, updated_at)
			VALUES (?, ?, 1, NOW())`,
			key, payload,
		)
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
			return 0, port.ErrVersionConflict
		}
		if err != nil {
			return 0, fmt.Errorf("insert cart snapshot: %w", err)
		}
		return 1, nil
	}

	result, err := m.db.ExecContext(ctx, `
		UPDATE cart_snapshots
		SET items = ?, version = version + 1, updated_at = NOW()
		WHERE cart_key = ? AND version = ?`,
		payload, key, cart.Version,
	)
	if err != nil {
		return 0, fmt.Errorf("update cart snapshot: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update cart snapshot: rows affected: %w", err)
	}
	if rows == 0 {
		return 0, port.ErrVersionConflict
	}

	return cart.Version + 1, nil
}

func (m *MySQLAdapter) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}
