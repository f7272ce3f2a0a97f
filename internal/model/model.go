// Package model содержит доменные сущности сервиса петкойнс.
package model

import "time"

// User представляет зарегистрированного пользователя приложения Petly.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	CreatedAt    time.Time
}

// PurchaseReceipt описывает чек покупки монет, доставленный биллинговой платформой.
// Один и тот же чек может быть доставлен несколько раз (повторы, восстановление
// покупок, перезапуск приложения); применён он должен быть не более одного раза.
type PurchaseReceipt struct {
	TransactionID string `json:"transaction_id"`
	ProductID     string `json:"product_id"`
}

// AppliedTransaction описывает однократно применённую транзакцию покупки монет.
// Запись создаётся в момент первого успешного начисления и далее не изменяется.
type AppliedTransaction struct {
	TransactionID string
	ProductID     string
	Coins         int64
	AppliedAt     time.Time
}

// Spending описывает факт списания монет с баланса пользователя.
type Spending struct {
	Reference string
	Amount    int64
	SpentAt   time.Time
}

// Balance содержит текущий баланс монет пользователя и сумму всех списаний.
type Balance struct {
	Coins int64 `json:"coins"`
	Spent int64 `json:"spent"`
}

// OutcomeStatus классифицирует итог обработки чека покупки.
type OutcomeStatus string

const (
	OutcomeGranted              OutcomeStatus = "GRANTED"
	OutcomeAlreadyProcessed     OutcomeStatus = "ALREADY_PROCESSED"
	OutcomeMissingTransactionID OutcomeStatus = "MISSING_TRANSACTION_ID"
	OutcomeNotAuthenticated     OutcomeStatus = "NOT_AUTHENTICATED"
	OutcomeUnknownProduct       OutcomeStatus = "UNKNOWN_PRODUCT"
	OutcomeCancelled            OutcomeStatus = "CANCELLED"
	OutcomeNetworkError         OutcomeStatus = "NETWORK_ERROR"
	OutcomeGrantFailed          OutcomeStatus = "GRANT_FAILED"
	OutcomeOwnershipConflict    OutcomeStatus = "OWNERSHIP_CONFLICT"
)

// Retryable сообщает, имеет ли смысл повторить обработку чека с тем же
// transactionId. Остальные статусы либо окончательные, либо уже успешные.
func (s OutcomeStatus) Retryable() bool {
	return s == OutcomeGrantFailed || s == OutcomeNetworkError
}

// PurchaseOutcome — итог обработки чека покупки, возвращаемый вызывающей стороне.
type PurchaseOutcome struct {
	Success          bool          `json:"success"`
	Cancelled        bool          `json:"cancelled"`
	AlreadyProcessed bool          `json:"already_processed"`
	CoinsGranted     int64         `json:"coins_granted"`
	Balance          *int64        `json:"balance,omitempty"`
	Status           OutcomeStatus `json:"status"`
	Message          string        `json:"message"`

	// RetryAfter подсказывает, раньше какого срока повторять обработку
	// бессмысленно; заполняется, когда платёжная платформа ограничила
	// частоту запросов.
	RetryAfter time.Duration `json:"-"`
}
