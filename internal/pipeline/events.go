package pipeline

import (
	"time"

	"interview-live-go/internal/accounting"
	"interview-live-go/internal/gemini"
)

// EventKind はセッションが通知するイベントの種類です。
type EventKind int

const (
	EventState EventKind = iota + 1
	EventReady
	// EventText は進行中の回答です。Text は常にそのターンの累積値です。
	EventText
	// EventTurnComplete はモデルのターン終了です。次の EventText は新しい回答です。
	EventTurnComplete
	EventTranscription
	EventSpeaking
	EventLevel
	EventCredits
	// EventWarning はセッションを継続したまま利用者に見せる警告です。
	EventWarning
	// EventStopped は最後のイベントです。この後 Events はクローズされます。
	EventStopped
)

func (k EventKind) String() string {
	switch k {
	case EventState:
		return "state"
	case EventReady:
		return "ready"
	case EventText:
		return "text"
	case EventTurnComplete:
		return "turn_complete"
	case EventTranscription:
		return "transcription"
	case EventSpeaking:
		return "speaking"
	case EventLevel:
		return "level"
	case EventCredits:
		return "credits"
	case EventWarning:
		return "warning"
	case EventStopped:
		return "stopped"
	}
	return "unknown"
}

// Event はプレゼンターに渡すセッションの出来事です。使うフィールドは Kind によります。
type Event struct {
	Kind EventKind

	Text     string
	State    gemini.ConnectionState
	Speaking bool
	Level    int
	Credits  float64
	Grace    time.Duration
	Err      error

	Reason  Reason
	Summary *accounting.CloseResult
}

// Reason はセッション終了の理由です。
type Reason string

const (
	ReasonManual     Reason = "manual"
	ReasonAccounting Reason = "accounting"
	ReasonDevice     Reason = "device_error"
	ReasonConnection Reason = "connection_error"
	ReasonExhausted  Reason = "credits_exhausted"
	ReasonCanceled   Reason = "canceled"
)
