package models

import (
	"time"
)

const CollectionNotifications = "notifications"

type NotificationType string

const (
	NotificationLeaveRequested  NotificationType = "leave_requested"
	NotificationLeaveApproved   NotificationType = "leave_approved"
	NotificationLeaveRejected   NotificationType = "leave_rejected"
	NotificationIssueReported   NotificationType = "issue_reported"
	NotificationIssueResolved   NotificationType = "issue_resolved"
	NotificationStipendReport   NotificationType = "stipend_report"
	NotificationStipendApproved NotificationType = "stipend_approved"
	NotificationPlacement       NotificationType = "placement_assigned"
	NotificationMessage         NotificationType = "message_received"
	NotificationAnnouncement    NotificationType = "announcement"
	NotificationSystem          NotificationType = "system"
)

type NotificationPriority string

const (
	PriorityLow    NotificationPriority = "low"
	PriorityMedium NotificationPriority = "medium"
	PriorityHigh   NotificationPriority = "high"
	PriorityUrgent NotificationPriority = "urgent"
)

// Valid reports whether p is one of the known priorities.
func (p NotificationPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type NotificationCategory string

const (
	CategoryLeave        NotificationCategory = "leave"
	CategoryIssue        NotificationCategory = "issue"
	CategoryStipend      NotificationCategory = "stipend"
	CategoryPlacement    NotificationCategory = "placement"
	CategoryMessage      NotificationCategory = "message"
	CategoryAnnouncement NotificationCategory = "announcement"
	CategoryGeneral      NotificationCategory = "general"
)

type Notification struct {
	ID        string               `json:"id"`
	UserID    string               `json:"user_id"`
	Type      NotificationType     `json:"type"`
	Title     string               `json:"title"`
	Message   string               `json:"message"`
	Data      map[string]any       `json:"data,omitempty"`
	Read      bool                 `json:"read"`
	Priority  NotificationPriority `json:"priority"`
	Category  NotificationCategory `json:"category"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// ToData encodes the notification as a document body.
func (n *Notification) ToData() map[string]any {
	data := map[string]any{
		"userId":    n.UserID,
		"type":      string(n.Type),
		"title":     n.Title,
		"message":   n.Message,
		"read":      n.Read,
		"priority":  string(n.Priority),
		"category":  string(n.Category),
		"createdAt": ToMillis(n.CreatedAt),
		"updatedAt": ToMillis(n.UpdatedAt),
	}
	if len(n.Data) > 0 {
		data["data"] = n.Data
	}
	return data
}

// NotificationFromDocument decodes a stored notification.
func NotificationFromDocument(doc *Document) Notification {
	n := Notification{
		ID:        doc.ID,
		UserID:    str(doc.Data["userId"]),
		Type:      NotificationType(str(doc.Data["type"])),
		Title:     str(doc.Data["title"]),
		Message:   str(doc.Data["message"]),
		Read:      boolean(doc.Data["read"]),
		Priority:  NotificationPriority(str(doc.Data["priority"])),
		Category:  NotificationCategory(str(doc.Data["category"])),
		CreatedAt: FromMillis(doc.Data["createdAt"]),
		UpdatedAt: FromMillis(doc.Data["updatedAt"]),
	}
	if m, ok := doc.Data["data"].(map[string]any); ok {
		n.Data = m
	}
	return n
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func boolean(v any) bool {
	b, _ := v.(bool)
	return b
}

func strSlice(v any) []string {
	switch arr := v.(type) {
	case []string:
		return append([]string(nil), arr...)
	case []any:
		out := make([]string, 0, len(arr))
		for _, item := range arr {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
