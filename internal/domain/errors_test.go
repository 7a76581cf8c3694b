package domain

import (
	"errors"
	"testing"
)

func TestValidationError_Error(t *testing.T) {
	err := &ValidationError{Message: "amount must be positive"}
	if err.Error() != "amount must be positive" {
		t.Errorf("Error() = %q, want %q", err.Error(), "amount must be positive")
	}
}

func TestSentinelErrors_AreDistinct(t *testing.T) {
	errs := []error{
		ErrAccountAlreadyExists,
		ErrAccountNotFound,
		ErrOrderNotFound,
		ErrDuplicateOrder,
		ErrInsufficientBalance,
		ErrInsufficientShares,
		ErrInvalidPrice,
		ErrInvalidAmount,
		ErrMarketNotFound,
		ErrMarketAlreadyExists,
		ErrOutcomeNotFound,
		ErrMarketNotActive,
		ErrInvalidTransition,
		ErrMarketNotSettleable,
		ErrNoShares,
		ErrAlreadySettled,
		ErrNoWinningOutcome,
		ErrSourceUnavailable,
		ErrUnknownOracleSource,
		ErrPersistenceUnavailable,
	}
	for i := 0; i < len(errs); i++ {
		for j := i + 1; j < len(errs); j++ {
			if errors.Is(errs[i], errs[j]) {
				t.Errorf("sentinel errors %d and %d should be distinct", i, j)
			}
		}
	}
}

func TestSettlementErrorCodes(t *testing.T) {
	codes := map[error]string{
		ErrMarketNotSettleable: "MARKET_NOT_SETTLEABLE",
		ErrNoShares:            "NO_SHARES",
		ErrAlreadySettled:      "ALREADY_SETTLED",
		ErrNoWinningOutcome:    "NO_WINNING_OUTCOME",
	}
	for err, want := range codes {
		if err.Error() != want {
			t.Errorf("code = %q, want %q", err.Error(), want)
		}
	}
}
