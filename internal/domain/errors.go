package domain

import "fmt"

// FailureCode classifies a settlement failure.
type FailureCode string

const (
	CodeRateUnavailable    FailureCode = "RATE_UNAVAILABLE"
	CodeGatewayUnavailable FailureCode = "GATEWAY_UNAVAILABLE"
	CodeDeclined           FailureCode = "DECLINED"
	CodeInvalidRequest     FailureCode = "INVALID_REQUEST"
	CodeTimeout            FailureCode = "TIMEOUT"
	CodeStorageFailure     FailureCode = "STORAGE_FAILURE"
	CodeInvalidTransition  FailureCode = "INVALID_TRANSITION"
)

// Recommended user actions surfaced alongside a failure.
const (
	ActionRetry   = "retry"
	ActionSupport = "contact support"
	ActionNone    = "none"
)

// Failure is a typed settlement error carrying a human-readable reason and a
// recommended action for the presentation layer.
type Failure struct {
	Code   FailureCode
	Reason string
	Action string
	Err    error
}

func (f *Failure) Error() string {
	if f.Reason == "" {
		return string(f.Code)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Reason)
}

func (f *Failure) Unwrap() error { return f.Err }

// Is matches any *Failure with the same code, so callers can compare against
// the exported sentinels with errors.Is.
func (f *Failure) Is(target error) bool {
	t, ok := target.(*Failure)
	return ok && t.Code == f.Code
}

// Retryable reports whether an automatic retry may resolve the failure.
func (f *Failure) Retryable() bool {
	return f.Code == CodeGatewayUnavailable
}

// Sentinels for errors.Is comparisons.
var (
	ErrRateUnavailable    = &Failure{Code: CodeRateUnavailable}
	ErrGatewayUnavailable = &Failure{Code: CodeGatewayUnavailable}
	ErrDeclined           = &Failure{Code: CodeDeclined}
	ErrInvalidRequest     = &Failure{Code: CodeInvalidRequest}
	ErrTimeout            = &Failure{Code: CodeTimeout}
	ErrStorageFailure     = &Failure{Code: CodeStorageFailure}
	ErrInvalidTransition  = &Failure{Code: CodeInvalidTransition}
)

// RateUnavailable indicates no usable quote exists for a currency pair.
func RateUnavailable(reason string) *Failure {
	return &Failure{Code: CodeRateUnavailable, Reason: reason, Action: ActionRetry}
}

// GatewayUnavailable indicates the provider or the network path to it is
// down. Retryable.
func GatewayUnavailable(reason string, err error) *Failure {
	return &Failure{Code: CodeGatewayUnavailable, Reason: reason, Action: ActionRetry, Err: err}
}

// Declined indicates the payer or the provider rejected the charge. Terminal.
func Declined(reason string) *Failure {
	return &Failure{Code: CodeDeclined, Reason: reason, Action: ActionSupport}
}

// InvalidRequest indicates a malformed amount, currency or rail. Terminal and
// non-retryable; usually a client bug.
func InvalidRequest(reason string) *Failure {
	return &Failure{Code: CodeInvalidRequest, Reason: reason, Action: ActionNone}
}

// Timeout indicates the settlement did not resolve within the polling window.
// The user is offered a retry with the same idempotency key.
func Timeout(reason string) *Failure {
	return &Failure{Code: CodeTimeout, Reason: reason, Action: ActionRetry}
}

// StorageFailure indicates the offline queue could not persist an entry.
// Fatal to that enqueue attempt only.
func StorageFailure(reason string, err error) *Failure {
	return &Failure{Code: CodeStorageFailure, Reason: reason, Action: ActionRetry, Err: err}
}

// InvalidTransition indicates a programming-contract violation on the
// transaction log; it should never surface to the user.
func InvalidTransition(reason string) *Failure {
	return &Failure{Code: CodeInvalidTransition, Reason: reason, Action: ActionNone}
}
