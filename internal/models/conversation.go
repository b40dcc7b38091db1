package models

import (
	"slices"
	"time"
)

const CollectionConversations = "conversations"

type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// Conversation keeps per-participant counters. The key sets of UnreadCount
// and IsArchived always equal the participant set.
type Conversation struct {
	ID               string            `json:"id"`
	Participants     []string          `json:"participants"`
	ParticipantNames map[string]string `json:"participant_names"`
	Type             ConversationType  `json:"type"`
	Title            string            `json:"title,omitempty"`
	UnreadCount      map[string]int    `json:"unread_count"`
	IsArchived       map[string]bool   `json:"is_archived"`
	LastMessage      string            `json:"last_message,omitempty"`
	LastMessageAt    time.Time         `json:"last_message_at"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// HasParticipant reports whether userID belongs to the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	return slices.Contains(c.Participants, userID)
}

// Normalize makes the counter maps cover exactly the participant set.
func (c *Conversation) Normalize() {
	unread := make(map[string]int, len(c.Participants))
	archived := make(map[string]bool, len(c.Participants))
	names := make(map[string]string, len(c.Participants))
	for _, p := range c.Participants {
		unread[p] = max(c.UnreadCount[p], 0)
		archived[p] = c.IsArchived[p]
		if name, ok := c.ParticipantNames[p]; ok {
			names[p] = name
		}
	}
	c.UnreadCount = unread
	c.IsArchived = archived
	c.ParticipantNames = names
}

func (c *Conversation) ToData() map[string]any {
	unread := make(map[string]any, len(c.UnreadCount))
	for k, v := range c.UnreadCount {
		unread[k] = v
	}
	archived := make(map[string]any, len(c.IsArchived))
	for k, v := range c.IsArchived {
		archived[k] = v
	}
	names := make(map[string]any, len(c.ParticipantNames))
	for k, v := range c.ParticipantNames {
		names[k] = v
	}
	participants := make([]any, 0, len(c.Participants))
	for _, p := range c.Participants {
		participants = append(participants, p)
	}
	return map[string]any{
		"participants":     participants,
		"participantNames": names,
		"type":             string(c.Type),
		"title":            c.Title,
		"unreadCount":      unread,
		"isArchived":       archived,
		"lastMessage":      c.LastMessage,
		"lastMessageAt":    ToMillis(c.LastMessageAt),
		"createdAt":        ToMillis(c.CreatedAt),
		"updatedAt":        ToMillis(c.UpdatedAt),
	}
}

func ConversationFromDocument(doc *Document) Conversation {
	c := Conversation{
		ID:               doc.ID,
		Participants:     strSlice(doc.Data["participants"]),
		ParticipantNames: map[string]string{},
		Type:             ConversationType(str(doc.Data["type"])),
		Title:            str(doc.Data["title"]),
		UnreadCount:      map[string]int{},
		IsArchived:       map[string]bool{},
		LastMessage:      str(doc.Data["lastMessage"]),
		LastMessageAt:    FromMillis(doc.Data["lastMessageAt"]),
		CreatedAt:        FromMillis(doc.Data["createdAt"]),
		UpdatedAt:        FromMillis(doc.Data["updatedAt"]),
	}
	if m, ok := doc.Data["participantNames"].(map[string]any); ok {
		for k, v := range m {
			c.ParticipantNames[k] = str(v)
		}
	}
	if m, ok := doc.Data["unreadCount"].(map[string]any); ok {
		for k, v := range m {
			c.UnreadCount[k] = integer(v)
		}
	}
	if m, ok := doc.Data["isArchived"].(map[string]any); ok {
		for k, v := range m {
			c.IsArchived[k] = boolean(v)
		}
	}
	return c
}

func integer(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
