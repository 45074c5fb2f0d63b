package domain

import "encoding/json"

// WebSocket message types from client.
const (
	MsgTypeSetDraft       = "set_draft"
	MsgTypeInsertEmoji    = "insert_emoji"
	MsgTypeSend           = "send"
	MsgTypeDelete         = "delete"
	MsgTypeToggleMinimize = "toggle_minimize"
	MsgTypeRetry          = "retry"
	MsgTypeDismissBanner  = "dismiss_banner"
	MsgTypeDismissNotice  = "dismiss_notice"
	MsgTypePointerDown    = "pointer_down"
	MsgTypePointerMove    = "pointer_move"
	MsgTypePointerUp      = "pointer_up"
	MsgTypeViewport       = "viewport"
	MsgTypePing           = "ping"
)

// WebSocket message types to client.
const (
	MsgTypeView     = "view"
	MsgTypeMinimize = "minimize"
	MsgTypePong     = "pong"
	MsgTypeError    = "error"
)

// Error codes
const (
	ErrCodeBadRequest    = "BAD_REQUEST"
	ErrCodeNotMounted    = "NOT_MOUNTED"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// BaseMessage is the base structure for all WebSocket messages.
type BaseMessage struct {
	Type string `json:"type"`
}

// Client -> Server messages

type SetDraftMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type InsertEmojiMessage struct {
	Type  string `json:"type"`
	Emoji string `json:"emoji"`
}

type DeleteMessage struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
}

type DismissNoticeMessage struct {
	Type     string `json:"type"`
	NoticeID int    `json:"notice_id"`
}

// PointerMessage carries pointer_down, pointer_move and pointer_up. Target is only
// meaningful on pointer_down.
type PointerMessage struct {
	Type   string  `json:"type"`
	Target string  `json:"target,omitempty"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

type ViewportMessage struct {
	Type   string  `json:"type"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Server -> Client messages

// ViewMessage wraps a rendered overlay view.
type ViewMessage struct {
	Type string          `json:"type"`
	View json.RawMessage `json:"view"`
}

// MinimizeMessage tells the host page the overlay was minimized or restored.
type MinimizeMessage struct {
	Type      string `json:"type"`
	Minimized bool   `json:"minimized"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

// NewErrorMessage creates a new error message.
func NewErrorMessage(code, message string) *ErrorMessage {
	return &ErrorMessage{
		Type:    MsgTypeError,
		Code:    code,
		Message: message,
	}
}
