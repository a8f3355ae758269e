package transferguard

import "fmt"

// TransferError represents a guard-specific error
type TransferError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Common error codes
const (
	ErrCodeInvalidRequest    = "invalid_request"
	ErrCodeStoreFailure      = "store_failure"
	ErrCodeSubmissionFailed  = "submission_failed"
	ErrCodeLedgerUnavailable = "ledger_unavailable"
	ErrCodeInsufficientFunds = "insufficient_funds"
	ErrCodeDuplicateTransfer = "duplicate_transfer"
)

// NewTransferError creates a new transfer error
func NewTransferError(code, message string, details map[string]interface{}) *TransferError {
	return &TransferError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// AlreadyExistsError is returned by a TransferExecutor when the network or
// chain layer itself detects that the exact transaction was already accepted.
// The guard treats it as success and reuses the reported hash.
type AlreadyExistsError struct {
	TxHash string
}

func (e *AlreadyExistsError) Error() string {
	if e.TxHash == "" {
		return "transfer already exists"
	}
	return fmt.Sprintf("transfer already exists: %s", e.TxHash)
}

// SubmissionError wraps an executor failure that is not a duplicate.
// The failed attempt stays in the log with status failed and does not
// block a retry.
type SubmissionError struct {
	Code    string
	Message string
	Cause   error
}

func (e *SubmissionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *SubmissionError) Unwrap() error {
	return e.Cause
}

// NewSubmissionError creates a SubmissionError with the submission_failed code.
func NewSubmissionError(message string, cause error) *SubmissionError {
	return &SubmissionError{
		Code:    ErrCodeSubmissionFailed,
		Message: message,
		Cause:   cause,
	}
}
