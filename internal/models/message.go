package models

import (
	"slices"
	"time"
)

const CollectionMessages = "messages"

// Message belongs to exactly one conversation. A direct message names its
// RecipientID; a group broadcast leaves it empty and tracks readers in ReadBy.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	RecipientID    string     `json:"recipient_id,omitempty"`
	Content        string     `json:"content"`
	Read           bool       `json:"read"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
	ReadBy         []string   `json:"read_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// AddressedTo reports whether the message counts as unread mail for userID
// until userID reads it.
func (m *Message) AddressedTo(userID string) bool {
	if m.SenderID == userID {
		return false
	}
	return m.RecipientID == "" || m.RecipientID == userID
}

// ReadByUser reports whether userID has already read the message.
func (m *Message) ReadByUser(userID string) bool {
	if m.RecipientID != "" {
		return m.Read
	}
	return slices.Contains(m.ReadBy, userID)
}

func (m *Message) ToData() map[string]any {
	readBy := make([]any, 0, len(m.ReadBy))
	for _, r := range m.ReadBy {
		readBy = append(readBy, r)
	}
	data := map[string]any{
		"conversationId": m.ConversationID,
		"senderId":       m.SenderID,
		"recipientId":    m.RecipientID,
		"content":        m.Content,
		"read":           m.Read,
		"readBy":         readBy,
		"createdAt":      ToMillis(m.CreatedAt),
		"updatedAt":      ToMillis(m.UpdatedAt),
	}
	if m.ReadAt != nil {
		data["readAt"] = ToMillis(*m.ReadAt)
	}
	return data
}

func MessageFromDocument(doc *Document) Message {
	m := Message{
		ID:             doc.ID,
		ConversationID: str(doc.Data["conversationId"]),
		SenderID:       str(doc.Data["senderId"]),
		RecipientID:    str(doc.Data["recipientId"]),
		Content:        str(doc.Data["content"]),
		Read:           boolean(doc.Data["read"]),
		ReadBy:         strSlice(doc.Data["readBy"]),
		CreatedAt:      FromMillis(doc.Data["createdAt"]),
		UpdatedAt:      FromMillis(doc.Data["updatedAt"]),
	}
	if t := FromMillis(doc.Data["readAt"]); !t.IsZero() {
		m.ReadAt = &t
	}
	return m
}
