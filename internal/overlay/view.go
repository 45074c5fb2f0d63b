package overlay

import (
	"time"

	"github.com/weiawesome/wes-io-live/discussion-service/internal/domain"
	"github.com/weiawesome/wes-io-live/discussion-service/internal/window"
)

// Emojis is the quick-insert palette offered next to the input.
var Emojis = []string{"😊", "👍", "🎉", "🤔", "😂", "❤️", "👋", "🙏"}

// timeFormat renders message times as HH:MM.
const timeFormat = "15:04"

// Banner is the persistent connection or permission alert.
type Banner struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Notice is a transient send or delete alert. Draft carries unsent text that
// could not be put back into the input.
type Notice struct {
	ID      int    `json:"id"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Draft   string `json:"draft,omitempty"`
}

// MessageView is one rendered message.
type MessageView struct {
	ID          string `json:"id"`
	SenderID    int64  `json:"sender_id"`
	SenderName  string `json:"sender_name"`
	SenderImage string `json:"sender_image,omitempty"`
	Content     string `json:"content"`
	Time        string `json:"time"`
	IsDeleted   bool   `json:"is_deleted"`
	IsOwn       bool   `json:"is_own"`
	CanDelete   bool   `json:"can_delete"`
}

// View is everything the renderer needs to draw the overlay.
type View struct {
	TopicID      int64               `json:"topic_id"`
	Minimized    bool                `json:"minimized"`
	Loading      bool                `json:"loading"`
	Status       domain.Status       `json:"status"`
	Banner       *Banner             `json:"banner,omitempty"`
	Notices      []Notice            `json:"notices"`
	Messages     []MessageView       `json:"messages"`
	Roster       []domain.OnlineUser `json:"roster"`
	Online       int                 `json:"online"`
	Draft        string              `json:"draft"`
	InputEnabled bool                `json:"input_enabled"`
	Pending      int                 `json:"pending"`
	Geometry     window.Geometry     `json:"geometry"`
	Gesture      string              `json:"gesture"`
	Captured     bool                `json:"captured"`
	Emojis       []string            `json:"emojis"`
}

func messageViews(msgs []domain.Message, viewer int64, loc *time.Location) []MessageView {
	out := make([]MessageView, len(msgs))
	for i, m := range msgs {
		own := m.SenderID == viewer
		out[i] = MessageView{
			ID:          m.ID,
			SenderID:    m.SenderID,
			SenderName:  m.SenderName,
			SenderImage: m.SenderImage,
			Content:     m.Content,
			Time:        m.Timestamp.In(loc).Format(timeFormat),
			IsDeleted:   m.IsDeleted,
			IsOwn:       own,
			CanDelete:   own && !m.IsDeleted,
		}
	}
	return out
}
