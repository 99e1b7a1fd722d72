package accounting

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientCredits は残高が 0 以下でセッションを開始できないことを示します。
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrExhausted はセッション中に残高が尽きたことを示します。
	ErrExhausted = errors.New("credits exhausted")

	// ErrSessionClosed は既に閉じたセッションへの操作です。
	ErrSessionClosed = errors.New("session already closed")

	// ErrNotOpen は Open 前の操作です。
	ErrNotOpen = errors.New("session not open")
)

// APIError は精算サービスが返したエラー応答です。
type APIError struct {
	StatusCode int
	Message    string
	kind       error
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("accounting service: status %d", e.StatusCode)
	}
	return fmt.Sprintf("accounting service: status %d: %s", e.StatusCode, e.Message)
}

// Unwrap は 402 の場合に ErrInsufficientCredits か ErrExhausted を返します。
func (e *APIError) Unwrap() error { return e.kind }
