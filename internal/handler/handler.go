// Package handler содержит HTTP-обработчики API сервиса петкойнс.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/petly/petcoins/internal/middleware"
	"github.com/petly/petcoins/internal/model"
	"github.com/petly/petcoins/internal/repository"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (int64, error)
	Reconcile(ctx context.Context, userID int64, receipt model.PurchaseReceipt) *model.PurchaseOutcome
	GetPurchasesByUser(ctx context.Context, userID int64) ([]model.AppliedTransaction, error)
	GetBalance(ctx context.Context, userID int64) (*model.Balance, error)
	Spend(ctx context.Context, userID int64, reference string, amount int64, idempotencyKey string) error
	GetSpendingsByUser(ctx context.Context, userID int64) ([]model.Spending, error)
}

// Handler реализует HTTP-обработчики API сервиса петкойнс.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if err == repository.ErrUserNotFound || err.Error() == "invalid credentials" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

// ReconcilePurchase принимает чек покупки монет от текущего пользователя и
// возвращает итог его обработки. Повторная отправка того же чека безопасна.
func (h *Handler) ReconcilePurchase(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var receipt model.PurchaseReceipt
	if err := json.NewDecoder(r.Body).Decode(&receipt); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	outcome := h.service.Reconcile(r.Context(), userID, receipt)

	if outcome.Status == model.OutcomeGrantFailed || outcome.Status == model.OutcomeNetworkError {
		h.logger.Error("reconcile purchase error",
			zap.String("status", string(outcome.Status)),
			zap.String("transactionID", receipt.TransactionID),
			zap.Int64("userID", userID),
		)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(outcomeStatusCode(outcome.Status))
	if err := json.NewEncoder(w).Encode(outcome); err != nil {
		h.logger.Error("encode outcome error", zap.Error(err))
	}
}

// outcomeStatusCode сопоставляет статус обработки чека с HTTP-статусом ответа.
// Отменённая покупка — не ошибка HTTP-уровня: клиент показывает нейтральное
// сообщение и не повторяет запрос.
func outcomeStatusCode(status model.OutcomeStatus) int {
	switch status {
	case model.OutcomeGranted, model.OutcomeAlreadyProcessed, model.OutcomeCancelled:
		return http.StatusOK
	case model.OutcomeNotAuthenticated:
		return http.StatusUnauthorized
	case model.OutcomeMissingTransactionID, model.OutcomeUnknownProduct:
		return http.StatusUnprocessableEntity
	case model.OutcomeOwnershipConflict:
		return http.StatusConflict
	case model.OutcomeNetworkError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type purchaseResponse struct {
	TransactionID string `json:"transaction_id"`
	ProductID     string `json:"product_id"`
	Coins         int64  `json:"coins"`
	AppliedAt     string `json:"applied_at"`
}

// GetPurchases возвращает применённые транзакции покупки монет текущего пользователя.
func (h *Handler) GetPurchases(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	purchases, err := h.service.GetPurchasesByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("get purchases error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(purchases) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]purchaseResponse, 0, len(purchases))
	for _, p := range purchases {
		resp = append(resp, purchaseResponse{
			TransactionID: p.TransactionID,
			ProductID:     p.ProductID,
			Coins:         p.Coins,
			AppliedAt:     p.AppliedAt.Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// GetBalance возвращает баланс монет текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	balance, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		h.logger.Error("get balance error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(balance); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type spendRequest struct {
	Reference      string `json:"reference"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Spend создаёт операцию списания монет для текущего пользователя.
func (h *Handler) Spend(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req spendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Reference == "" || req.Amount <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err := h.service.Spend(r.Context(), userID, req.Reference, req.Amount, req.IdempotencyKey)
	if err != nil {
		if err == repository.ErrInsufficientBalance {
			http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
			return
		}
		if err == repository.ErrDuplicateSpending {
			// Повтор запроса с тем же ключом идемпотентности уже выполнен.
			w.WriteHeader(http.StatusOK)
			return
		}
		h.logger.Error("spend error", zap.Error(err), zap.Int64("userID", userID), zap.String("reference", req.Reference))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type spendingResponse struct {
	Reference string `json:"reference"`
	Amount    int64  `json:"amount"`
	SpentAt   string `json:"spent_at"`
}

// GetSpendings возвращает историю списаний текущего пользователя.
func (h *Handler) GetSpendings(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	spendings, err := h.service.GetSpendingsByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("get spendings error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(spendings) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]spendingResponse, 0, len(spendings))
	for _, s := range spendings {
		resp = append(resp, spendingResponse{
			Reference: s.Reference,
			Amount:    s.Amount,
			SpentAt:   s.SpentAt.Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}
