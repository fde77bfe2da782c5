package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
)

var (
	ErrValidation          = errors.New("validation error")
	ErrInvalidBalance      = errors.New("invalid balance")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAccountNotFound     = errors.New("account not found")
	ErrLastDefaultAccount  = errors.New("cannot delete the last default account")
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrInternal hides store failures from callers. The cause is logged.
	ErrInternal = errors.New("internal error")
)

// ValidationError carries field -> failed rule.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "validation error: " + strings.Join(parts, ", ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func fieldError(field string, rule string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: rule}}
}

// validateInput runs struct tag validation and folds the result into a *ValidationError.
func validateInput(input any) error {
	if err := utils.ValidateStruct(input); err != nil {
		fields := utils.ProcessValidationErrors(err)
		if len(fields) == 0 {
			return &ValidationError{Fields: map[string]string{"input": err.Error()}}
		}
		return &ValidationError{Fields: fields}
	}
	return nil
}

// IsDomainError reports whether err is one of the errors callers are expected to handle.
func IsDomainError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidBalance) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrLastDefaultAccount) ||
		errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrInternal)
}

// internalError logs unexpected failures and replaces them with ErrInternal.
// Domain errors pass through untouched.
func internalError(funcName string, data any, err error) error {
	if err == nil || IsDomainError(err) {
		return err
	}
	config.LogError(config.GetLogger(), "Ledger", funcName, "unexpected store failure", data, err)
	return ErrInternal
}
