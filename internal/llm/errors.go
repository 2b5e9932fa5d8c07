// Package llm implements the LLM call wrapper: the orchestration of
// budget pre-check, provider dispatch, token/cost reconciliation, usage
// persistence and budget commit around an injected ProviderCallable.
package llm

import "fmt"

// Kind classifies a CallError for errors.As-based handling.
type Kind int

const (
	KindBudgetBlocked Kind = iota
	KindProviderError
	KindCancelled
	KindPriceMissing
	KindInsufficientBalance
)

func (k Kind) String() string {
	switch k {
	case KindBudgetBlocked:
		return "budget_blocked"
	case KindProviderError:
		return "provider_error"
	case KindCancelled:
		return "cancelled"
	case KindPriceMissing:
		return "price_missing"
	case KindInsufficientBalance:
		return "insufficient_balance"
	default:
		return "unknown"
	}
}

// CallError is the typed error raised by Wrapper.Call/Embed. Code is the
// symbolic name persisted as the usage event's error_code; the raw
// provider payload is never included.
type CallError struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *CallError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("llm: %s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("llm: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("llm: %s", e.Kind)
}

func (e *CallError) Unwrap() error { return e.Err }

func newBudgetBlocked(message string) *CallError {
	return &CallError{Kind: KindBudgetBlocked, Code: "budget_blocked", Message: message}
}

func newCancelled(err error) *CallError {
	return &CallError{Kind: KindCancelled, Code: "cancelled", Err: err}
}

func newProviderError(code string, err error) *CallError {
	if code == "" {
		code = "provider_error"
	}
	return &CallError{Kind: KindProviderError, Code: code, Err: err}
}
