package services

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prudhvinik1/livesync/internal/cache"
	"github.com/prudhvinik1/livesync/internal/logging"
	"github.com/prudhvinik1/livesync/internal/models"
	"github.com/prudhvinik1/livesync/internal/registry"
	"github.com/prudhvinik1/livesync/internal/repositories"
	"github.com/prudhvinik1/livesync/internal/syncstate"
)

const DefaultNotificationLimit = 50

var (
	ErrInvalidNotification = errors.New("notification needs a user and a type")
	ErrNoRecipients        = errors.New("fan-out needs at least one recipient")
)

// NotificationStats summarizes a user's notifications.
type NotificationStats struct {
	Total      int                                 `json:"total"`
	Unread     int                                 `json:"unread"`
	ByCategory map[models.NotificationCategory]int `json:"by_category"`
	ByPriority map[models.NotificationPriority]int `json:"by_priority"`
}

type NotificationService struct {
	repo     repositories.DocumentRepository
	registry *registry.Registry
	cache    cache.Cache
	state    *syncstate.Sessions
	logger   zerolog.Logger

	listLimit int
	cacheTTL  time.Duration
	now       func() time.Time
}

type NotificationOption func(*NotificationService)

func WithNotificationListLimit(n int) NotificationOption {
	return func(s *NotificationService) {
		if n > 0 {
			s.listLimit = n
		}
	}
}

func WithNotificationCacheTTL(d time.Duration) NotificationOption {
	return func(s *NotificationService) { s.cacheTTL = d }
}

func WithNotificationClock(now func() time.Time) NotificationOption {
	return func(s *NotificationService) { s.now = now }
}

func NewNotificationService(
	repo repositories.DocumentRepository,
	reg *registry.Registry,
	c cache.Cache,
	state *syncstate.Sessions,
	logger zerolog.Logger,
	opts ...NotificationOption,
) *NotificationService {
	s := &NotificationService{
		repo:      repo,
		registry:  reg,
		cache:     c,
		state:     state,
		logger:    logger,
		listLimit: DefaultNotificationLimit,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create stores n as unread with fresh timestamps and a derived category.
// The assigned id is returned and written back to n.
func (s *NotificationService) Create(ctx context.Context, n *models.Notification) (string, error) {
	if err := s.prepare(n); err != nil {
		return "", err
	}
	if n.ID == "" {
		n.ID = uuid.New().String()
	}

	s.track(ctx, n.ID)
	err := s.repo.Set(ctx, &models.Document{Collection: models.CollectionNotifications, ID: n.ID, Data: n.ToData()})
	if err != nil {
		s.abandon(ctx, n.ID)
		return "", fmt.Errorf("failed to create notification: %w", err)
	}
	s.invalidate(ctx)
	return n.ID, nil
}

// NotifyUser is the entry point for event producers addressing one user.
func (s *NotificationService) NotifyUser(
	ctx context.Context,
	userID string,
	typ models.NotificationType,
	title, message string,
	data map[string]any,
	priority models.NotificationPriority,
) (string, error) {
	return s.Create(ctx, &models.Notification{
		UserID:   userID,
		Type:     typ,
		Title:    title,
		Message:  message,
		Data:     data,
		Priority: priority,
	})
}

// FanOut writes one copy of n per distinct recipient in a single batch.
// Either every recipient is notified or none is; transient failures retry
// the whole batch.
func (s *NotificationService) FanOut(ctx context.Context, recipientIDs []string, n models.Notification) ([]string, error) {
	recipients := dedupe(recipientIDs)
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}
	n.UserID = recipients[0]
	if err := s.prepare(&n); err != nil {
		return nil, err
	}

	fanOutID := uuid.New().String()
	ids := make([]string, 0, len(recipients))
	ops := make([]models.WriteOp, 0, len(recipients))
	for _, r := range recipients {
		copyN := n
		copyN.UserID = r
		copyN.ID = fanOutID + "_" + r
		ids = append(ids, copyN.ID)
		ops = append(ops, models.WriteOp{
			Kind:       models.WriteSet,
			Collection: models.CollectionNotifications,
			ID:         copyN.ID,
			Data:       copyN.ToData(),
		})
	}

	for _, id := range ids {
		s.track(ctx, id)
	}
	if err := commitBatch(ctx, s.repo, ops, s.logger); err != nil {
		for _, id := range ids {
			s.abandon(ctx, id)
		}
		return nil, fmt.Errorf("failed to fan out notification to %d recipients: %w", len(recipients), err)
	}

	s.logger.Debug().Str("type", string(n.Type)).Int("recipients", len(recipients)).Msg("notification fanned out")
	s.invalidate(ctx)
	return ids, nil
}

func (s *NotificationService) Get(ctx context.Context, id string) (*models.Notification, error) {
	doc, err := s.repo.Get(ctx, models.CollectionNotifications, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}
	n := models.NotificationFromDocument(doc)
	return &n, nil
}

// List returns the newest notifications of userID. Failures are logged and
// yield an empty list.
func (s *NotificationService) List(ctx context.Context, userID string, limit int) []models.Notification {
	q := s.listQuery(userID, limit)
	key := cache.Key(models.CollectionNotifications, q)

	var cached []models.Notification
	if s.cache != nil && s.cache.Get(ctx, key, &cached) {
		return cached
	}

	docs, err := s.repo.Query(ctx, models.CollectionNotifications, q)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("failed to list notifications")
		return []models.Notification{}
	}
	out := make([]models.Notification, 0, len(docs))
	for _, doc := range docs {
		out = append(out, models.NotificationFromDocument(doc))
	}
	if s.cache != nil {
		s.cache.Set(ctx, key, out, s.cacheTTL)
	}
	return out
}

// UnreadCount degrades to zero on failure.
func (s *NotificationService) UnreadCount(ctx context.Context, userID string) int {
	q := models.Query{}.
		Where("userId", models.OpEqual, userID).
		Where("read", models.OpEqual, false)
	key := cache.KeyWith(models.CollectionNotifications, q, "count")

	var count int
	if s.cache != nil && s.cache.Get(ctx, key, &count) {
		return count
	}
	docs, err := s.repo.Query(ctx, models.CollectionNotifications, q)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("failed to count unread notifications")
		return 0
	}
	if s.cache != nil {
		s.cache.Set(ctx, key, len(docs), s.cacheTTL)
	}
	return len(docs)
}

// Stats degrades to zero values on failure.
func (s *NotificationService) Stats(ctx context.Context, userID string) NotificationStats {
	stats := NotificationStats{
		ByCategory: map[models.NotificationCategory]int{},
		ByPriority: map[models.NotificationPriority]int{},
	}
	docs, err := s.repo.Query(ctx, models.CollectionNotifications, models.Query{}.Where("userId", models.OpEqual, userID))
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("failed to compute notification stats")
		return stats
	}
	for _, doc := range docs {
		n := models.NotificationFromDocument(doc)
		stats.Total++
		if !n.Read {
			stats.Unread++
		}
		stats.ByCategory[n.Category]++
		stats.ByPriority[n.Priority]++
	}
	return stats
}

func (s *NotificationService) MarkRead(ctx context.Context, id string) error {
	s.track(ctx, id)
	err := s.repo.Update(ctx, models.CollectionNotifications, id, map[string]any{
		"read":      true,
		"updatedAt": models.ToMillis(s.now()),
	})
	if err != nil {
		s.abandon(ctx, id)
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	s.invalidate(ctx)
	return nil
}

// MarkAllRead marks every unread notification of userID read in one batch
// and returns how many were updated.
func (s *NotificationService) MarkAllRead(ctx context.Context, userID string) (int, error) {
	docs, err := s.repo.Query(ctx, models.CollectionNotifications, models.Query{}.
		Where("userId", models.OpEqual, userID).
		Where("read", models.OpEqual, false))
	if err != nil {
		return 0, fmt.Errorf("failed to load unread notifications: %w", err)
	}

	now := models.ToMillis(s.now())
	ops := make([]models.WriteOp, 0, len(docs))
	for _, doc := range docs {
		ops = append(ops, models.WriteOp{
			Kind:       models.WriteUpdate,
			Collection: models.CollectionNotifications,
			ID:         doc.ID,
			Data:       map[string]any{"read": true, "updatedAt": now},
		})
	}
	if err := s.commitTracked(ctx, ops); err != nil {
		return 0, fmt.Errorf("failed to mark all notifications read: %w", err)
	}
	return len(ops), nil
}

func (s *NotificationService) Delete(ctx context.Context, id string) error {
	s.track(ctx, id)
	if err := s.repo.Delete(ctx, models.CollectionNotifications, id); err != nil {
		s.abandon(ctx, id)
		return fmt.Errorf("failed to delete notification: %w", err)
	}
	s.invalidate(ctx)
	return nil
}

// DeleteAll removes every notification of userID in one batch.
func (s *NotificationService) DeleteAll(ctx context.Context, userID string) (int, error) {
	docs, err := s.repo.Query(ctx, models.CollectionNotifications, models.Query{}.Where("userId", models.OpEqual, userID))
	if err != nil {
		return 0, fmt.Errorf("failed to load notifications: %w", err)
	}
	ops := make([]models.WriteOp, 0, len(docs))
	for _, doc := range docs {
		ops = append(ops, models.WriteOp{Kind: models.WriteDelete, Collection: models.CollectionNotifications, ID: doc.ID})
	}
	if err := s.commitTracked(ctx, ops); err != nil {
		return 0, fmt.Errorf("failed to delete all notifications: %w", err)
	}
	return len(ops), nil
}

// SubscribeLive delivers the full current top-N list of userID after every
// change, starting with the current list. Pass registry.WithErrorHandler to
// learn when the subscription ends on a terminal error.
func (s *NotificationService) SubscribeLive(
	ctx context.Context,
	userID string,
	limit int,
	onChange func([]models.Notification),
	opts ...registry.Option,
) (registry.Unsubscribe, error) {
	q := s.listQuery(userID, limit)
	current := map[string]models.Notification{}

	return s.registry.Subscribe(ctx, userID, models.CollectionNotifications, q, func(events []models.ChangeEvent) {
		for _, ev := range events {
			if ev.ChangeType == models.ChangeRemoved || ev.Payload == nil {
				delete(current, ev.DocumentID)
				continue
			}
			current[ev.DocumentID] = models.NotificationFromDocument(ev.Payload)
		}

		list := make([]models.Notification, 0, len(current))
		for _, n := range current {
			list = append(list, n)
		}
		slices.SortFunc(list, func(a, b models.Notification) int {
			if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
				return c
			}
			return cmp.Compare(a.ID, b.ID)
		})
		if len(list) > q.Limit {
			list = list[:q.Limit]
		}
		onChange(list)
	}, opts...)
}

func (s *NotificationService) listQuery(userID string, limit int) models.Query {
	if limit <= 0 {
		limit = s.listLimit
	}
	return models.Query{}.
		Where("userId", models.OpEqual, userID).
		Order("createdAt", true).
		WithLimit(limit)
}

func (s *NotificationService) prepare(n *models.Notification) error {
	if strings.TrimSpace(n.UserID) == "" || n.Type == "" {
		return ErrInvalidNotification
	}
	if !n.Priority.Valid() {
		n.Priority = models.PriorityMedium
	}
	now := s.now()
	n.Read = false
	n.Category = CategoryFor(n.Type)
	n.CreatedAt = now
	n.UpdatedAt = now
	return nil
}

func (s *NotificationService) commitTracked(ctx context.Context, ops []models.WriteOp) error {
	for _, op := range ops {
		s.track(ctx, op.ID)
	}
	if err := commitBatch(ctx, s.repo, ops, s.logger); err != nil {
		for _, op := range ops {
			s.abandon(ctx, op.ID)
		}
		return err
	}
	if len(ops) > 0 {
		s.invalidate(ctx)
	}
	return nil
}

// track counts a write as pending in the session of the caller in ctx.
func (s *NotificationService) track(ctx context.Context, id string) {
	if s.state != nil {
		s.state.For(logging.GetUserID(ctx)).TrackWrite(models.CollectionNotifications, id)
	}
}

func (s *NotificationService) abandon(ctx context.Context, id string) {
	if s.state != nil {
		s.state.For(logging.GetUserID(ctx)).AbandonWrite(models.CollectionNotifications, id)
	}
}

func (s *NotificationService) invalidate(ctx context.Context) {
	if s.cache != nil {
		s.cache.InvalidatePattern(ctx, models.CollectionNotifications)
	}
}

// dedupe drops blanks and repeats, keeping first-seen order.
func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
