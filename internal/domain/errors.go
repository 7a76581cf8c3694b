package domain

import "errors"

// Sentinel errors for domain-level error handling.
// The handler layer maps these to HTTP status codes; the error text is the
// stable code clients match on.
var (
	ErrAccountAlreadyExists = errors.New("account_already_exists")
	ErrAccountNotFound      = errors.New("account_not_found")
	ErrOrderNotFound        = errors.New("order_not_found")
	ErrDuplicateOrder       = errors.New("duplicate_order")
	ErrInsufficientBalance  = errors.New("insufficient_balance")
	ErrInsufficientShares   = errors.New("insufficient_shares")
	ErrInvalidPrice         = errors.New("invalid_price")
	ErrInvalidAmount        = errors.New("invalid_amount")

	ErrMarketNotFound      = errors.New("market_not_found")
	ErrMarketAlreadyExists = errors.New("market_already_exists")
	ErrOutcomeNotFound     = errors.New("outcome_not_found")
	ErrMarketNotActive     = errors.New("market_not_active")
	ErrInvalidTransition   = errors.New("invalid_market_transition")
	ErrMarketNotSettleable = errors.New("MARKET_NOT_SETTLEABLE")
	ErrNoShares            = errors.New("NO_SHARES")
	ErrAlreadySettled      = errors.New("ALREADY_SETTLED")
	ErrNoWinningOutcome    = errors.New("NO_WINNING_OUTCOME")
	ErrSourceUnavailable   = errors.New("oracle_source_unavailable")
	ErrUnknownOracleSource = errors.New("unknown_oracle_source")

	ErrPersistenceUnavailable = errors.New("try_again")
)

// ValidationError represents a request validation failure.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}
