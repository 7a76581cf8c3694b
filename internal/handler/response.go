package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/efreitasn/predex/internal/domain"
)

// WriteJSON writes a JSON response with the given status code and data.
// Sets Content-Type to application/json before writing the status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// errorResponse is the standard error response format.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteError writes a standard error response with the given status code,
// error code, and human-readable message.
func WriteError(w http.ResponseWriter, status int, errorCode, message string) {
	WriteJSON(w, status, errorResponse{
		Error:   errorCode,
		Message: message,
	})
}

const invalidJSON = "Request body must be valid JSON with Content-Type: application/json"

// ParseJSON decodes the request body as JSON into v and checks its
// validate tags. Decoding failures come back as a plain error, tag
// failures as *domain.ValidationError.
func ParseJSON(r *http.Request, v any) error {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(ct, "application/json") {
		return errors.New(invalidJSON)
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New(invalidJSON)
	}

	return validateRequest(v)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their JSON names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateRequest turns the first failed validate tag into a
// ValidationError naming the JSON field.
func validateRequest(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &domain.ValidationError{Message: err.Error()}
	}
	fe := fieldErrs[0]
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return &domain.ValidationError{Message: field + " is required"}
	case "max":
		return &domain.ValidationError{Message: fmt.Sprintf("%s must be at most %s characters", field, fe.Param())}
	case "oneof":
		return &domain.ValidationError{
			Message: fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", ")),
		}
	case "min":
		return &domain.ValidationError{Message: fmt.Sprintf("%s must have at least %s entries", field, fe.Param())}
	default:
		return &domain.ValidationError{Message: fmt.Sprintf("%s is invalid", field)}
	}
}

// queryInt reads an optional integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, &domain.ValidationError{Message: name + " must be a valid integer"}
	}
	return n, nil
}

type errorMapping struct {
	err    error
	status int
}

// errorStatuses maps sentinel errors to HTTP statuses. The sentinel's text
// is the error code.
var errorStatuses = []errorMapping{
	{domain.ErrAccountNotFound, http.StatusNotFound},
	{domain.ErrOrderNotFound, http.StatusNotFound},
	{domain.ErrMarketNotFound, http.StatusNotFound},
	{domain.ErrOutcomeNotFound, http.StatusNotFound},
	{domain.ErrAccountAlreadyExists, http.StatusConflict},
	{domain.ErrMarketAlreadyExists, http.StatusConflict},
	{domain.ErrDuplicateOrder, http.StatusConflict},
	{domain.ErrInsufficientBalance, http.StatusConflict},
	{domain.ErrInsufficientShares, http.StatusConflict},
	{domain.ErrMarketNotActive, http.StatusConflict},
	{domain.ErrInvalidTransition, http.StatusConflict},
	{domain.ErrMarketNotSettleable, http.StatusConflict},
	{domain.ErrNoShares, http.StatusConflict},
	{domain.ErrAlreadySettled, http.StatusConflict},
	{domain.ErrNoWinningOutcome, http.StatusConflict},
	{domain.ErrInvalidPrice, http.StatusBadRequest},
	{domain.ErrInvalidAmount, http.StatusBadRequest},
	{domain.ErrUnknownOracleSource, http.StatusBadRequest},
	{domain.ErrSourceUnavailable, http.StatusBadGateway},
	{domain.ErrPersistenceUnavailable, http.StatusServiceUnavailable},
}

var errorMessages = map[error]string{
	domain.ErrAccountNotFound:        "Account not found",
	domain.ErrOrderNotFound:          "Order not found",
	domain.ErrMarketNotFound:         "Market not found",
	domain.ErrOutcomeNotFound:        "Outcome not found",
	domain.ErrAccountAlreadyExists:   "Account already exists",
	domain.ErrMarketAlreadyExists:    "Market already exists",
	domain.ErrDuplicateOrder:         "Order already exists",
	domain.ErrInsufficientBalance:    "Insufficient available balance",
	domain.ErrInsufficientShares:     "Insufficient available shares",
	domain.ErrMarketNotActive:        "Market is not accepting orders",
	domain.ErrInvalidTransition:      "Market cannot move to the requested status",
	domain.ErrMarketNotSettleable:    "Market is neither resolved nor cancelled",
	domain.ErrNoShares:               "No shares to settle in this market",
	domain.ErrAlreadySettled:         "Shares in this market were already settled",
	domain.ErrNoWinningOutcome:       "Market was resolved without a winning outcome",
	domain.ErrPersistenceUnavailable: "Service is temporarily unavailable, try again",
}

// writeParseError reports a ParseJSON failure.
func writeParseError(w http.ResponseWriter, err error) {
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		WriteError(w, http.StatusBadRequest, "validation_error", validationErr.Message)
		return
	}
	WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
}

// writeServiceError maps a service error to its HTTP response. Unknown
// errors become 500 without leaking their text.
func writeServiceError(w http.ResponseWriter, err error) {
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		WriteError(w, http.StatusBadRequest, "validation_error", validationErr.Message)
		return
	}

	for _, m := range errorStatuses {
		if !errors.Is(err, m.err) {
			continue
		}
		msg, ok := errorMessages[m.err]
		if !ok {
			msg = err.Error()
		}
		WriteError(w, m.status, m.err.Error(), msg)
		return
	}
	WriteError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
}
