package model

import "fmt"

// Kind classifies errors: validation, storage, provider,
// token_budget_exceeded, not_found.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindStorage        Kind = "storage"
	KindProvider       Kind = "provider"
	KindBudgetExceeded Kind = "token_budget_exceeded"
	KindNotFound       Kind = "not_found"
)

// Error is the single error type carrying a Kind plus optional detail.
type Error struct {
	Kind      Kind
	Message   string
	Field     string // validation: offending field
	Operation string // storage: failing operation
	Provider  string // provider: embedder/reflector
	Retryable bool   // provider: whether a retry is worth attempting
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// ValidationError builds a validation-kind Error.
func ValidationError(field, format string, args ...any) error {
	return &Error{Kind: KindValidation, Field: field, Message: fmt.Sprintf(format, args...)}
}

// StorageError builds a storage-kind Error.
func StorageError(operation string, cause error) error {
	return &Error{Kind: KindStorage, Operation: operation, Message: "storage operation failed", Cause: cause}
}

// ProviderError builds a provider-kind Error.
func ProviderError(provider string, retryable bool, cause error) error {
	return &Error{Kind: KindProvider, Provider: provider, Retryable: retryable, Message: "provider call failed", Cause: cause}
}

// NotFoundError builds a not-found Error for the given entity kind and id.
func NotFoundError(entity, id string) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s not found: %s", entity, id)}
}

// BudgetExceededError builds a token_budget_exceeded diagnostic Error.
func BudgetExceededError(budget, required int) error {
	return &Error{
		Kind:    KindBudgetExceeded,
		Message: fmt.Sprintf("token budget %d cannot fit minimum required content of %d tokens", budget, required),
	}
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, k Kind) bool {
	var e *Error
	if as, ok := err.(*Error); ok {
		e = as
	} else {
		return false
	}
	return e.Kind == k
}
