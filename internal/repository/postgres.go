// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/petly/petcoins/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrTransactionOwnedByAnother возвращается, если транзакция уже применена другим пользователем.
	ErrTransactionOwnedByAnother = errors.New("transaction already applied by another user")
	// ErrInsufficientBalance возвращается при попытке списания суммы, превышающей баланс.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrDuplicateSpending возвращается при повторном списании с тем же ключом идемпотентности.
	ErrDuplicateSpending = errors.New("spending already recorded")
)

// PostgresRepository предоставляет доступ к хранилищу баланса монет в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет fn при конфликте сериализации, дедлоке или сетевом сбое.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	backoff := retry.WithMaxRetries(3, retry.NewConstant(time.Second))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn()
		if err == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
		}

		if isConnectionError(err) {
			return retry.RetryableError(err)
		}

		return err
	})
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash) VALUES ($1, $2) RETURNING id`,
		login, passwordHash,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, created_at FROM users WHERE login = $1`,
		login,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// ApplyPurchase атомарно применяет транзакцию покупки монет: создаёт запись о
// транзакции и тем самым увеличивает баланс пользователя. Повторное применение
// того же transactionId не изменяет баланс. Возвращает признак того, что
// начисление выполнено именно этим вызовом, и итоговый баланс пользователя.
func (r *PostgresRepository) ApplyPurchase(ctx context.Context, userID int64, transactionID, productID string, coins int64) (bool, int64, error) {
	var (
		applied bool
		balance int64
	)

	err := r.withRetry(ctx, func() error {
		var err error
		applied, balance, err = r.applyPurchaseTx(ctx, userID, transactionID, productID, coins)
		return err
	})

	return applied, balance, err
}

func (r *PostgresRepository) applyPurchaseTx(ctx context.Context, userID int64, transactionID, productID string, coins int64) (bool, int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Блокируем строку пользователя: начисления и списания по одному балансу
	// сериализуются между собой.
	var dummy int
	err = tx.QueryRow(ctx, `SELECT 1 FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&dummy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, 0, ErrUserNotFound
		}
		return false, 0, fmt.Errorf("lock user for update: %w", err)
	}

	cmdTag, err := tx.Exec(ctx,
		`INSERT INTO purchases (transaction_id, user_id, product_id, coins)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (transaction_id) DO NOTHING`,
		transactionID, userID, productID, coins,
	)
	if err != nil {
		return false, 0, fmt.Errorf("insert purchase: %w", err)
	}

	applied := cmdTag.RowsAffected() == 1

	var existingUserID int64
	err = tx.QueryRow(ctx,
		`SELECT user_id FROM purchases WHERE transaction_id = $1`,
		transactionID,
	).Scan(&existingUserID)
	if err != nil {
		return false, 0, fmt.Errorf("select existing purchase: %w", err)
	}

	if existingUserID != userID {
		return false, 0, ErrTransactionOwnedByAnother
	}

	balance, _, err := r.balanceTx(ctx, tx, userID)
	if err != nil {
		return false, 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, 0, fmt.Errorf("commit tx: %w", err)
	}

	return applied, balance, nil
}

// balanceTx вычисляет баланс пользователя внутри открытой транзакции.
// Баланс производен от журналов начислений и списаний, поэтому запись о
// покупке и изменение баланса не могут разойтись между собой.
func (r *PostgresRepository) balanceTx(ctx context.Context, tx pgx.Tx, userID int64) (int64, int64, error) {
	var purchasedTotal int64
	err := tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(coins), 0) FROM purchases WHERE user_id = $1`,
		userID,
	).Scan(&purchasedTotal)
	if err != nil {
		return 0, 0, fmt.Errorf("sum purchases: %w", err)
	}

	var spentTotal int64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM spendings WHERE user_id = $1`,
		userID,
	).Scan(&spentTotal)
	if err != nil {
		return 0, 0, fmt.Errorf("sum spendings: %w", err)
	}

	current := purchasedTotal - spentTotal
	if current < 0 {
		current = 0
	}

	return current, spentTotal, nil
}

// GetBalance возвращает доступный баланс монет и сумму всех списаний пользователя.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID int64) (int64, int64, error) {
	var purchasedTotal int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(coins), 0) FROM purchases WHERE user_id = $1`,
		userID,
	).Scan(&purchasedTotal)
	if err != nil {
		return 0, 0, fmt.Errorf("sum purchases: %w", err)
	}

	var spentTotal int64
	err = r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM spendings WHERE user_id = $1`,
		userID,
	).Scan(&spentTotal)
	if err != nil {
		return 0, 0, fmt.Errorf("sum spendings: %w", err)
	}

	current := purchasedTotal - spentTotal
	if current < 0 {
		current = 0
	}

	return current, spentTotal, nil
}

// GetPurchasesByUser возвращает применённые транзакции покупки монет пользователя.
func (r *PostgresRepository) GetPurchasesByUser(ctx context.Context, userID int64) ([]model.AppliedTransaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT transaction_id, product_id, coins, applied_at
		 FROM purchases
		 WHERE user_id = $1
		 ORDER BY applied_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select purchases: %w", err)
	}
	defer rows.Close()

	var res []model.AppliedTransaction
	for rows.Next() {
		var p model.AppliedTransaction
		if err := rows.Scan(&p.TransactionID, &p.ProductID, &p.Coins, &p.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		res = append(res, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreateSpending создаёт запись о списании монет. Использует блокировку строки
// пользователя для сериализации списаний с начислениями и между собой.
func (r *PostgresRepository) CreateSpending(ctx context.Context, userID int64, reference, idempotencyKey string, amount int64) error {
	return r.withRetry(ctx, func() error {
		return r.createSpendingTx(ctx, userID, reference, idempotencyKey, amount)
	})
}

func (r *PostgresRepository) createSpendingTx(ctx context.Context, userID int64, reference, idempotencyKey string, amount int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var dummy int
	err = tx.QueryRow(ctx, `SELECT 1 FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&dummy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrUserNotFound
		}
		return fmt.Errorf("lock user for update: %w", err)
	}

	current, _, err := r.balanceTx(ctx, tx, userID)
	if err != nil {
		return err
	}

	if amount > current {
		return ErrInsufficientBalance
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO spendings (user_id, reference, idempotency_key, amount) VALUES ($1, $2, $3, $4)`,
		userID, reference, idempotencyKey, amount,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return ErrDuplicateSpending
		}
		return fmt.Errorf("insert spending: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// GetSpendingsByUser возвращает историю списаний пользователя.
func (r *PostgresRepository) GetSpendingsByUser(ctx context.Context, userID int64) ([]model.Spending, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT reference, amount, spent_at
		 FROM spendings
		 WHERE user_id = $1
		 ORDER BY spent_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select spendings: %w", err)
	}
	defer rows.Close()

	var res []model.Spending
	for rows.Next() {
		var s model.Spending
		if err := rows.Scan(&s.Reference, &s.Amount, &s.SpentAt); err != nil {
			return nil, fmt.Errorf("scan spending: %w", err)
		}
		res = append(res, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
