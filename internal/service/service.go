// Package service реализует бизнес-логику сервиса петкойнс.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/petly/petcoins/internal/billing"
	"github.com/petly/petcoins/internal/cache"
	"github.com/petly/petcoins/internal/catalog"
	"github.com/petly/petcoins/internal/model"
	"github.com/petly/petcoins/internal/repository"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	ApplyPurchase(ctx context.Context, userID int64, transactionID, productID string, coins int64) (bool, int64, error)
	GetPurchasesByUser(ctx context.Context, userID int64) ([]model.AppliedTransaction, error)
	GetBalance(ctx context.Context, userID int64) (int64, int64, error)
	CreateSpending(ctx context.Context, userID int64, reference, idempotencyKey string, amount int64) error
	GetSpendingsByUser(ctx context.Context, userID int64) ([]model.Spending, error)
}

// IdempotencyCache описывает контракт локального кеша идемпотентности.
// Кеш лишь ускоряет обработку повторно доставленных чеков; источником истины
// остаётся запись о транзакции в хранилище баланса.
type IdempotencyCache interface {
	Get(ctx context.Context, transactionID string) (*cache.Entry, error)
	Set(ctx context.Context, e cache.Entry) error
	Enqueue(ctx context.Context, userID int64, receipt model.PurchaseReceipt) error
	Pending(ctx context.Context, limit int) ([]cache.PendingReceipt, error)
	Dequeue(ctx context.Context, transactionID string) error
}

// Service содержит бизнес-логику сервиса петкойнс.
type Service struct {
	repo          Repository
	cache         IdempotencyCache
	billingClient *billing.Client
	catalog       *catalog.Catalog
}

// NewService создаёт новый сервис. Клиент платёжной платформы необязателен:
// без него чеки применяются без дополнительной проверки у платформы.
// При nil-справочнике используется встроенный справочник продуктов Petly.
func NewService(repo Repository, idemCache IdempotencyCache, billingClient *billing.Client, cat *catalog.Catalog) *Service {
	if cat == nil {
		cat = catalog.Default()
	}
	return &Service{
		repo:          repo,
		cache:         idemCache,
		billingClient: billingClient,
		catalog:       cat,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя.
func (s *Service) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	hashed := hashPassword(login, password)
	id, err := s.repo.CreateUser(ctx, login, hashed)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			return 0, repository.ErrUserExists
		}
		return 0, err
	}
	return id, nil
}

// AuthenticateUser проверяет логин и пароль пользователя и возвращает его идентификатор.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return 0, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return 0, errors.New("invalid credentials")
	}

	return u.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// Reconcile применяет чек покупки монет: не более одного начисления на
// transactionId независимо от количества доставок чека, устройств и повторов.
// Любая ошибка преобразуется в значение PurchaseOutcome и не покидает сервис.
func (s *Service) Reconcile(ctx context.Context, userID int64, receipt model.PurchaseReceipt) *model.PurchaseOutcome {
	if receipt.TransactionID == "" {
		return &model.PurchaseOutcome{
			Status:  model.OutcomeMissingTransactionID,
			Message: "receipt has no transaction id",
		}
	}

	if userID <= 0 {
		return &model.PurchaseOutcome{
			Status:  model.OutcomeNotAuthenticated,
			Message: "user is not authenticated",
		}
	}

	// Быстрая локальная проверка. Ошибки кеша не мешают обработке:
	// кеш лишь избавляет от лишнего похода в БД.
	if s.cache != nil {
		entry, err := s.cache.Get(ctx, receipt.TransactionID)
		if err == nil && entry != nil {
			return &model.PurchaseOutcome{
				Success:          true,
				AlreadyProcessed: true,
				Status:           model.OutcomeAlreadyProcessed,
				Message:          "purchase already processed",
			}
		}
	}

	coins, ok := s.catalog.Resolve(receipt.ProductID)
	if !ok {
		return &model.PurchaseOutcome{
			Status:  model.OutcomeUnknownProduct,
			Message: "unknown product: " + receipt.ProductID,
		}
	}

	if s.billingClient != nil {
		status, code, retryAfter, err := s.billingClient.GetTransaction(ctx, receipt.TransactionID)
		if err != nil {
			s.enqueueForReplay(ctx, userID, receipt)
			return &model.PurchaseOutcome{
				Status:  model.OutcomeNetworkError,
				Message: "billing platform unreachable: " + err.Error(),
			}
		}

		if code == http.StatusTooManyRequests {
			// Платформа ограничила частоту запросов: переносим чек в очередь
			// и сообщаем, раньше какого срока повторять бессмысленно.
			s.enqueueForReplay(ctx, userID, receipt)
			return &model.PurchaseOutcome{
				Status:     model.OutcomeGrantFailed,
				RetryAfter: retryAfter,
				Message:    "billing platform rate limited",
			}
		}

		if status != nil && status.Status == billing.StatusCanceled {
			return &model.PurchaseOutcome{
				Cancelled: true,
				Status:    model.OutcomeCancelled,
				Message:   "purchase was cancelled",
			}
		}

		if status == nil || code != http.StatusOK {
			// Платформа ещё не знает транзакцию: чек мог обогнать
			// подтверждение, поэтому оставляем его для повторной обработки.
			s.enqueueForReplay(ctx, userID, receipt)
			return &model.PurchaseOutcome{
				Status:  model.OutcomeGrantFailed,
				Message: "transaction not confirmed by billing platform",
			}
		}
	}

	applied, balance, err := s.repo.ApplyPurchase(ctx, userID, receipt.TransactionID, receipt.ProductID, coins)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionOwnedByAnother) {
			// Конфликт владения окончателен, повторять такой чек бессмысленно.
			if s.cache != nil {
				_ = s.cache.Dequeue(ctx, receipt.TransactionID)
			}
			return &model.PurchaseOutcome{
				Status:  model.OutcomeOwnershipConflict,
				Message: "transaction belongs to another user",
			}
		}

		s.enqueueForReplay(ctx, userID, receipt)
		return &model.PurchaseOutcome{
			Status:  model.OutcomeGrantFailed,
			Message: "grant failed: " + err.Error(),
		}
	}

	// Кеш пополняется только после подтверждённого завершения транзакции —
	// как при свежем начислении, так и при обнаружении уже применённой записи.
	if s.cache != nil {
		_ = s.cache.Set(ctx, cache.Entry{
			TransactionID: receipt.TransactionID,
			ProductID:     receipt.ProductID,
			ProcessedAt:   time.Now(),
		})
		_ = s.cache.Dequeue(ctx, receipt.TransactionID)
	}

	if !applied {
		return &model.PurchaseOutcome{
			Success:          true,
			AlreadyProcessed: true,
			Balance:          &balance,
			Status:           model.OutcomeAlreadyProcessed,
			Message:          "purchase already processed",
		}
	}

	return &model.PurchaseOutcome{
		Success:      true,
		CoinsGranted: coins,
		Balance:      &balance,
		Status:       model.OutcomeGranted,
		Message:      "coins granted",
	}
}

func (s *Service) enqueueForReplay(ctx context.Context, userID int64, receipt model.PurchaseReceipt) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Enqueue(ctx, userID, receipt)
}

// GetBalance возвращает баланс пользователя в виде структуры model.Balance.
func (s *Service) GetBalance(ctx context.Context, userID int64) (*model.Balance, error) {
	coins, spent, err := s.repo.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &model.Balance{
		Coins: coins,
		Spent: spent,
	}, nil
}

// GetPurchasesByUser возвращает применённые транзакции покупки монет пользователя.
func (s *Service) GetPurchasesByUser(ctx context.Context, userID int64) ([]model.AppliedTransaction, error) {
	return s.repo.GetPurchasesByUser(ctx, userID)
}

// Spend списывает монеты с баланса пользователя. Пустой ключ идемпотентности
// заменяется свежесгенерированным: такой вызов нельзя будет безопасно повторить.
func (s *Service) Spend(ctx context.Context, userID int64, reference string, amount int64, idempotencyKey string) error {
	if amount <= 0 {
		return errors.New("spend amount must be positive")
	}
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}
	return s.repo.CreateSpending(ctx, userID, reference, idempotencyKey, amount)
}

// GetSpendingsByUser возвращает историю списаний пользователя.
func (s *Service) GetSpendingsByUser(ctx context.Context, userID int64) ([]model.Spending, error) {
	return s.repo.GetSpendingsByUser(ctx, userID)
}

// StartReplayUpdates запускает фоновый процесс повторной обработки чеков,
// оставшихся в локальной очереди после сбоев.
func (s *Service) StartReplayUpdates(ctx context.Context) {
	if s.cache == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processReplayBatch(ctx)
			}
		}
	}()
}

func (s *Service) processReplayBatch(ctx context.Context) {
	pending, err := s.cache.Pending(ctx, 100)
	if err != nil {
		return
	}

	for _, p := range pending {
		receipt := model.PurchaseReceipt{
			TransactionID: p.TransactionID,
			ProductID:     p.ProductID,
		}

		outcome := s.Reconcile(ctx, p.UserID, receipt)

		if outcome.RetryAfter > 0 {
			// Платформа попросила паузу: выжидаем её, не продолжая обход очереди.
			timer := time.NewTimer(outcome.RetryAfter)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}

		if !outcome.Status.Retryable() {
			_ = s.cache.Dequeue(ctx, p.TransactionID)
		}
	}
}
