package services

import "github.com/prudhvinik1/livesync/internal/models"

var notificationCategories = map[models.NotificationType]models.NotificationCategory{
	models.NotificationLeaveRequested:  models.CategoryLeave,
	models.NotificationLeaveApproved:   models.CategoryLeave,
	models.NotificationLeaveRejected:   models.CategoryLeave,
	models.NotificationIssueReported:   models.CategoryIssue,
	models.NotificationIssueResolved:   models.CategoryIssue,
	models.NotificationStipendReport:   models.CategoryStipend,
	models.NotificationStipendApproved: models.CategoryStipend,
	models.NotificationPlacement:       models.CategoryPlacement,
	models.NotificationMessage:         models.CategoryMessage,
	models.NotificationAnnouncement:    models.CategoryAnnouncement,
}

// CategoryFor derives a notification's category from its type. Unknown
// types fall into the general category.
func CategoryFor(t models.NotificationType) models.NotificationCategory {
	if c, ok := notificationCategories[t]; ok {
		return c
	}
	return models.CategoryGeneral
}
