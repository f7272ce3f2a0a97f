// Package cache реализует локальный кеш идемпотентности на основе SQLite.
//
// Кеш хранит идентификаторы уже применённых транзакций, чтобы повторно
// доставленные чеки не требовали похода в хранилище баланса. Кеш не является
// источником истины: окончательное решение всегда принимает транзакция в БД.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/petly/petcoins/internal/model"
)

// Entry описывает запись кеша об однажды применённой транзакции.
type Entry struct {
	TransactionID string
	ProductID     string
	ProcessedAt   time.Time
}

// PendingReceipt описывает чек, ожидающий повторной обработки.
type PendingReceipt struct {
	UserID        int64
	TransactionID string
	ProductID     string
	QueuedAt      time.Time
}

// Cache — файловый кеш идемпотентности, переживающий перезапуск процесса.
type Cache struct {
	db *sql.DB
}

// New открывает файл кеша по указанному пути и создаёт схему при необходимости.
func New(path string) (*Cache, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	// SQLite плохо переносит конкурирующие записи из нескольких соединений.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping cache: %w", err)
	}

	c := &Cache{db: db}

	if err := c.createSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return c, nil
}

func (c *Cache) createSchema() error {
	_, err := c.db.Exec(`
		CREATE TABLE IF NOT EXISTS applied (
			transaction_id TEXT PRIMARY KEY,
			product_id     TEXT NOT NULL,
			processed_at   TIMESTAMP NOT NULL
		);
		CREATE TABLE IF NOT EXISTS pending (
			transaction_id TEXT PRIMARY KEY,
			user_id        INTEGER NOT NULL,
			product_id     TEXT NOT NULL,
			queued_at      TIMESTAMP NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("create cache schema: %w", err)
	}
	return nil
}

// Close закрывает файл кеша.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Get возвращает запись кеша по идентификатору транзакции или nil, если записи нет.
func (c *Cache) Get(ctx context.Context, transactionID string) (*Entry, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT transaction_id, product_id, processed_at FROM applied WHERE transaction_id = ?`,
		transactionID,
	)

	var e Entry
	err := row.Scan(&e.TransactionID, &e.ProductID, &e.ProcessedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get cache entry: %w", err)
	}

	return &e, nil
}

// Set записывает запись о подтверждённой транзакции. Вызывается только после
// успешного завершения транзакции в хранилище баланса.
func (c *Cache) Set(ctx context.Context, e Entry) error {
	if e.ProcessedAt.IsZero() {
		e.ProcessedAt = time.Now()
	}

	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO applied (transaction_id, product_id, processed_at) VALUES (?, ?, ?)`,
		e.TransactionID, e.ProductID, e.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("set cache entry: %w", err)
	}
	return nil
}

// Enqueue помещает чек в очередь повторной обработки. Повторное добавление
// того же transactionId не является ошибкой.
func (c *Cache) Enqueue(ctx context.Context, userID int64, receipt model.PurchaseReceipt) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO pending (transaction_id, user_id, product_id, queued_at) VALUES (?, ?, ?, ?)`,
		receipt.TransactionID, userID, receipt.ProductID, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("enqueue receipt: %w", err)
	}
	return nil
}

// Pending возвращает чеки, ожидающие повторной обработки, в порядке постановки в очередь.
func (c *Cache) Pending(ctx context.Context, limit int) ([]PendingReceipt, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT transaction_id, user_id, product_id, queued_at FROM pending ORDER BY queued_at LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending: %w", err)
	}
	defer rows.Close()

	var res []PendingReceipt
	for rows.Next() {
		var p PendingReceipt
		if err := rows.Scan(&p.TransactionID, &p.UserID, &p.ProductID, &p.QueuedAt); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		res = append(res, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// Dequeue удаляет чек из очереди повторной обработки.
func (c *Cache) Dequeue(ctx context.Context, transactionID string) error {
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM pending WHERE transaction_id = ?`,
		transactionID,
	)
	if err != nil {
		return fmt.Errorf("dequeue receipt: %w", err)
	}
	return nil
}
