package gemini

import (
	"errors"
	"fmt"
)

// Reason は ConnectionError の分類です。
type Reason int

const (
	// HandshakeIncomplete は setupComplete を受け取る前に接続が閉じられたことを示します。
	HandshakeIncomplete Reason = iota + 1
	// ReconnectFailed は 1 回だけの再接続が失敗したことを示します。
	ReconnectFailed
	// DialFailed はトランスポートを開けなかったことを示します。
	DialFailed
)

func (r Reason) String() string {
	switch r {
	case HandshakeIncomplete:
		return "handshake incomplete"
	case ReconnectFailed:
		return "reconnect failed"
	case DialFailed:
		return "dial failed"
	}
	return "unknown"
}

// ConnectionError は Orchestrator に伝える、この接続試行における終端エラーです。
type ConnectionError struct {
	Reason Reason
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return "live connection: " + e.Reason.String()
	}
	return fmt.Sprintf("live connection: %s: %v", e.Reason, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ErrCanceled は接続中に Disconnect されたことを示します。
var ErrCanceled = errors.New("live connection: canceled by disconnect")
