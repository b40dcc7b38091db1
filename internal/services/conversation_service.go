package services

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prudhvinik1/livesync/internal/cache"
	"github.com/prudhvinik1/livesync/internal/logging"
	"github.com/prudhvinik1/livesync/internal/models"
	"github.com/prudhvinik1/livesync/internal/registry"
	"github.com/prudhvinik1/livesync/internal/repositories"
	"github.com/prudhvinik1/livesync/internal/syncstate"
)

const previewLength = 100

var (
	ErrInvalidParticipants  = errors.New("conversation needs at least two distinct participants")
	ErrSelfConversation     = errors.New("cannot start a direct conversation with yourself")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrNotParticipant       = errors.New("user is not a participant of the conversation")
	ErrInvalidMessage       = errors.New("message needs a conversation, a sender and content")
	ErrInvalidRecipient     = errors.New("message recipient must be another participant")
	ErrConversationConflict = errors.New("conversation id is held by another pair")
)

type ConversationService struct {
	repo     repositories.DocumentRepository
	registry *registry.Registry
	cache    cache.Cache
	state    *syncstate.Sessions
	logger   zerolog.Logger

	cacheTTL time.Duration
	now      func() time.Time
}

type ConversationOption func(*ConversationService)

func WithConversationCacheTTL(d time.Duration) ConversationOption {
	return func(s *ConversationService) { s.cacheTTL = d }
}

func WithConversationClock(now func() time.Time) ConversationOption {
	return func(s *ConversationService) { s.now = now }
}

func NewConversationService(
	repo repositories.DocumentRepository,
	reg *registry.Registry,
	c cache.Cache,
	state *syncstate.Sessions,
	logger zerolog.Logger,
	opts ...ConversationOption,
) *ConversationService {
	s := &ConversationService{
		repo:     repo,
		registry: reg,
		cache:    c,
		state:    state,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DirectConversationID is the same for both argument orders, which makes
// creating a direct conversation naturally idempotent. The length of the
// lower id is part of the key, so no two pairs share one.
func DirectConversationID(userA, userB string) string {
	if userB < userA {
		userA, userB = userB, userA
	}
	return fmt.Sprintf("direct_%d_%s_%s", len(userA), userA, userB)
}

// CreateDirect returns the direct conversation between userA and userB,
// creating it on first use.
func (s *ConversationService) CreateDirect(ctx context.Context, userA, userB string, names map[string]string) (string, error) {
	userA, userB = strings.TrimSpace(userA), strings.TrimSpace(userB)
	if userA == "" || userB == "" {
		return "", ErrInvalidParticipants
	}
	if userA == userB {
		return "", ErrSelfConversation
	}

	id := DirectConversationID(userA, userB)
	var result string
	err := s.repo.RunInTx(ctx, func(tx repositories.Tx) error {
		result = ""
		doc, err := tx.Get(ctx, models.CollectionConversations, id)
		if err == nil {
			c := models.ConversationFromDocument(doc)
			if len(c.Participants) != 2 || !c.HasParticipant(userA) || !c.HasParticipant(userB) {
				return fmt.Errorf("%w: %s", ErrConversationConflict, id)
			}
			result = id
			return nil
		}
		if !errors.Is(err, repositories.ErrNotFound) {
			return err
		}

		// Conversations created before ids were derived from the pair.
		existing, err := tx.Query(ctx, models.CollectionConversations, models.Query{}.
			Where("participants", models.OpArrayContains, userA).
			Where("type", models.OpEqual, string(models.ConversationDirect)))
		if err != nil {
			return err
		}
		for _, doc := range existing {
			c := models.ConversationFromDocument(doc)
			if len(c.Participants) == 2 && c.HasParticipant(userB) {
				result = c.ID
				return nil
			}
		}

		now := s.now()
		conv := models.Conversation{
			ID:               id,
			Participants:     []string{userA, userB},
			ParticipantNames: names,
			Type:             models.ConversationDirect,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		conv.Normalize()
		result = id
		return tx.Set(ctx, &models.Document{Collection: models.CollectionConversations, ID: id, Data: conv.ToData()})
	})
	if err != nil {
		return "", fmt.Errorf("failed to create direct conversation: %w", err)
	}

	s.invalidate(ctx, models.CollectionConversations)
	return result, nil
}

// CreateGroup creates a group conversation. The creator is always a member.
func (s *ConversationService) CreateGroup(ctx context.Context, creatorID string, participants []string, names map[string]string, title string) (string, error) {
	members := dedupe(append([]string{creatorID}, participants...))
	if strings.TrimSpace(creatorID) == "" || len(members) < 2 {
		return "", ErrInvalidParticipants
	}

	now := s.now()
	conv := models.Conversation{
		ID:               uuid.New().String(),
		Participants:     members,
		ParticipantNames: names,
		Type:             models.ConversationGroup,
		Title:            strings.TrimSpace(title),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	conv.Normalize()

	s.track(ctx, models.CollectionConversations, conv.ID)
	if err := s.repo.Set(ctx, &models.Document{Collection: models.CollectionConversations, ID: conv.ID, Data: conv.ToData()}); err != nil {
		s.abandon(ctx, models.CollectionConversations, conv.ID)
		return "", fmt.Errorf("failed to create group conversation: %w", err)
	}
	s.invalidate(ctx, models.CollectionConversations)
	return conv.ID, nil
}

func (s *ConversationService) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	doc, err := s.repo.Get(ctx, models.CollectionConversations, id)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	c := models.ConversationFromDocument(doc)
	c.Normalize()
	return &c, nil
}

// SendMessage appends msg and updates the conversation's preview and unread
// counters in one transaction. A direct message without a recipient goes to
// the other participant; a group message without one goes to everyone but
// the sender.
func (s *ConversationService) SendMessage(ctx context.Context, msg *models.Message) (string, error) {
	msg.Content = strings.TrimSpace(msg.Content)
	if msg.ConversationID == "" || msg.SenderID == "" || msg.Content == "" {
		return "", ErrInvalidMessage
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}

	s.track(ctx, models.CollectionMessages, msg.ID)
	s.track(ctx, models.CollectionConversations, msg.ConversationID)

	err := s.repo.RunInTx(ctx, func(tx repositories.Tx) error {
		conv, err := loadConversation(ctx, tx, msg.ConversationID)
		if err != nil {
			return err
		}
		if !conv.HasParticipant(msg.SenderID) {
			return ErrNotParticipant
		}
		if msg.RecipientID == "" && conv.Type == models.ConversationDirect {
			for _, p := range conv.Participants {
				if p != msg.SenderID {
					msg.RecipientID = p
				}
			}
		}
		if msg.RecipientID != "" && (msg.RecipientID == msg.SenderID || !conv.HasParticipant(msg.RecipientID)) {
			return ErrInvalidRecipient
		}

		now := s.now()
		msg.Read = false
		msg.ReadAt = nil
		msg.ReadBy = nil
		msg.CreatedAt = now
		msg.UpdatedAt = now
		if err := tx.Set(ctx, &models.Document{Collection: models.CollectionMessages, ID: msg.ID, Data: msg.ToData()}); err != nil {
			return err
		}

		for _, p := range conv.Participants {
			if msg.AddressedTo(p) {
				conv.UnreadCount[p]++
			}
		}
		return tx.Update(ctx, models.CollectionConversations, conv.ID, map[string]any{
			"unreadCount":   unreadData(conv.UnreadCount),
			"lastMessage":   preview(msg.Content),
			"lastMessageAt": models.ToMillis(now),
			"updatedAt":     models.ToMillis(now),
		})
	})
	if err != nil {
		s.abandon(ctx, models.CollectionMessages, msg.ID)
		s.abandon(ctx, models.CollectionConversations, msg.ConversationID)
		return "", fmt.Errorf("failed to send message: %w", err)
	}

	s.invalidate(ctx, models.CollectionMessages)
	s.invalidate(ctx, models.CollectionConversations)
	return msg.ID, nil
}

// MarkConversationRead marks every message addressed to userID as read by
// them and zeroes their unread counter, in one transaction. It returns the
// number of messages marked.
func (s *ConversationService) MarkConversationRead(ctx context.Context, conversationID, userID string) (int, error) {
	var marked int
	s.track(ctx, models.CollectionConversations, conversationID)

	err := s.repo.RunInTx(ctx, func(tx repositories.Tx) error {
		marked = 0
		conv, err := loadConversation(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		if !conv.HasParticipant(userID) {
			return ErrNotParticipant
		}

		messages, err := tx.Query(ctx, models.CollectionMessages, models.Query{}.
			Where("conversationId", models.OpEqual, conversationID))
		if err != nil {
			return err
		}

		now := s.now()
		for _, doc := range messages {
			m := models.MessageFromDocument(doc)
			if !m.AddressedTo(userID) || m.ReadByUser(userID) {
				continue
			}
			update := map[string]any{"updatedAt": models.ToMillis(now)}
			if m.RecipientID != "" {
				update["read"] = true
				update["readAt"] = models.ToMillis(now)
			} else {
				readBy := append(m.ReadBy, userID)
				update["readBy"] = toAnySlice(readBy)
				if readByAll(conv, m.SenderID, readBy) {
					update["read"] = true
					update["readAt"] = models.ToMillis(now)
				}
			}
			if err := tx.Update(ctx, models.CollectionMessages, m.ID, update); err != nil {
				return err
			}
			marked++
		}

		conv.UnreadCount[userID] = 0
		return tx.Update(ctx, models.CollectionConversations, conv.ID, map[string]any{
			"unreadCount": unreadData(conv.UnreadCount),
			"updatedAt":   models.ToMillis(now),
		})
	})
	if err != nil {
		s.abandon(ctx, models.CollectionConversations, conversationID)
		return 0, fmt.Errorf("failed to mark conversation read: %w", err)
	}

	s.invalidate(ctx, models.CollectionMessages)
	s.invalidate(ctx, models.CollectionConversations)
	return marked, nil
}

// ReconcileUnread recomputes every participant's unread counter from the
// message history and stores the result.
func (s *ConversationService) ReconcileUnread(ctx context.Context, conversationID string) (map[string]int, error) {
	var counts map[string]int
	err := s.repo.RunInTx(ctx, func(tx repositories.Tx) error {
		conv, err := loadConversation(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		messages, err := tx.Query(ctx, models.CollectionMessages, models.Query{}.
			Where("conversationId", models.OpEqual, conversationID))
		if err != nil {
			return err
		}

		counts = make(map[string]int, len(conv.Participants))
		for _, p := range conv.Participants {
			counts[p] = 0
		}
		for _, doc := range messages {
			m := models.MessageFromDocument(doc)
			for _, p := range conv.Participants {
				if m.AddressedTo(p) && !m.ReadByUser(p) {
					counts[p]++
				}
			}
		}
		if equalCounts(conv.UnreadCount, counts) {
			return nil
		}
		return tx.Update(ctx, models.CollectionConversations, conv.ID, map[string]any{
			"unreadCount": unreadData(counts),
			"updatedAt":   models.ToMillis(s.now()),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reconcile unread counts: %w", err)
	}
	s.invalidate(ctx, models.CollectionConversations)
	return counts, nil
}

func (s *ConversationService) Archive(ctx context.Context, conversationID, userID string) error {
	return s.setArchived(ctx, conversationID, userID, true)
}

func (s *ConversationService) Unarchive(ctx context.Context, conversationID, userID string) error {
	return s.setArchived(ctx, conversationID, userID, false)
}

// setArchived changes only userID's archive flag.
func (s *ConversationService) setArchived(ctx context.Context, conversationID, userID string, archived bool) error {
	s.track(ctx, models.CollectionConversations, conversationID)
	err := s.repo.RunInTx(ctx, func(tx repositories.Tx) error {
		conv, err := loadConversation(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		if !conv.HasParticipant(userID) {
			return ErrNotParticipant
		}
		conv.IsArchived[userID] = archived

		flags := make(map[string]any, len(conv.IsArchived))
		for k, v := range conv.IsArchived {
			flags[k] = v
		}
		return tx.Update(ctx, models.CollectionConversations, conv.ID, map[string]any{
			"isArchived": flags,
			"updatedAt":  models.ToMillis(s.now()),
		})
	})
	if err != nil {
		s.abandon(ctx, models.CollectionConversations, conversationID)
		return fmt.Errorf("failed to update archive flag: %w", err)
	}
	s.invalidate(ctx, models.CollectionConversations)
	return nil
}

// ListConversations returns userID's conversations, most recent activity
// first. Failures are logged and yield an empty list.
func (s *ConversationService) ListConversations(ctx context.Context, userID string, includeArchived bool) []models.Conversation {
	q := conversationsQuery(userID)
	key := cache.Key(models.CollectionConversations, q)

	var all []models.Conversation
	if s.cache == nil || !s.cache.Get(ctx, key, &all) {
		docs, err := s.repo.Query(ctx, models.CollectionConversations, q)
		if err != nil {
			s.logger.Error().Err(err).Str("user_id", userID).Msg("failed to list conversations")
			return []models.Conversation{}
		}
		all = make([]models.Conversation, 0, len(docs))
		for _, doc := range docs {
			c := models.ConversationFromDocument(doc)
			c.Normalize()
			all = append(all, c)
		}
		if s.cache != nil {
			s.cache.Set(ctx, key, all, s.cacheTTL)
		}
	}

	out := make([]models.Conversation, 0, len(all))
	for _, c := range all {
		if includeArchived || !c.IsArchived[userID] {
			out = append(out, c)
		}
	}
	return out
}

// ListMessages returns the last limit messages of a conversation in
// ascending createdAt order. A limit <= 0 returns all of them.
func (s *ConversationService) ListMessages(ctx context.Context, conversationID string, limit int) []models.Message {
	q := models.Query{}.Where("conversationId", models.OpEqual, conversationID).Order("createdAt", true)
	if limit > 0 {
		q = q.WithLimit(limit)
	}
	key := cache.Key(models.CollectionMessages, q)

	var out []models.Message
	if s.cache != nil && s.cache.Get(ctx, key, &out) {
		return out
	}
	docs, err := s.repo.Query(ctx, models.CollectionMessages, q)
	if err != nil {
		s.logger.Error().Err(err).Str("conversation_id", conversationID).Msg("failed to list messages")
		return []models.Message{}
	}
	out = make([]models.Message, 0, len(docs))
	for i := len(docs) - 1; i >= 0; i-- {
		out = append(out, models.MessageFromDocument(docs[i]))
	}
	if s.cache != nil {
		s.cache.Set(ctx, key, out, s.cacheTTL)
	}
	return out
}

// TotalUnread sums userID's unread counters over all conversations.
func (s *ConversationService) TotalUnread(ctx context.Context, userID string) int {
	total := 0
	for _, c := range s.ListConversations(ctx, userID, true) {
		total += c.UnreadCount[userID]
	}
	return total
}

// SubscribeMessages delivers the full message list of a conversation in
// ascending createdAt order after every change.
func (s *ConversationService) SubscribeMessages(
	ctx context.Context,
	conversationID, ownerID string,
	onChange func([]models.Message),
	opts ...registry.Option,
) (registry.Unsubscribe, error) {
	q := models.Query{}.Where("conversationId", models.OpEqual, conversationID).Order("createdAt", false)
	current := map[string]models.Message{}

	return s.registry.Subscribe(ctx, ownerID, models.CollectionMessages, q, func(events []models.ChangeEvent) {
		for _, ev := range events {
			if ev.ChangeType == models.ChangeRemoved || ev.Payload == nil {
				delete(current, ev.DocumentID)
				continue
			}
			current[ev.DocumentID] = models.MessageFromDocument(ev.Payload)
		}
		list := make([]models.Message, 0, len(current))
		for _, m := range current {
			list = append(list, m)
		}
		slices.SortFunc(list, func(a, b models.Message) int {
			if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
				return c
			}
			return cmp.Compare(a.ID, b.ID)
		})
		onChange(list)
	}, opts...)
}

// SubscribeConversations delivers userID's conversations, most recent
// activity first, after every change. A terminal error ends the subscription
// and reaches the handler given with registry.WithErrorHandler.
func (s *ConversationService) SubscribeConversations(
	ctx context.Context,
	userID string,
	onChange func([]models.Conversation),
	opts ...registry.Option,
) (registry.Unsubscribe, error) {
	current := map[string]models.Conversation{}

	return s.registry.Subscribe(ctx, userID, models.CollectionConversations, conversationsQuery(userID), func(events []models.ChangeEvent) {
		for _, ev := range events {
			if ev.ChangeType == models.ChangeRemoved || ev.Payload == nil {
				delete(current, ev.DocumentID)
				continue
			}
			c := models.ConversationFromDocument(ev.Payload)
			c.Normalize()
			current[ev.DocumentID] = c
		}
		list := make([]models.Conversation, 0, len(current))
		for _, c := range current {
			list = append(list, c)
		}
		slices.SortFunc(list, func(a, b models.Conversation) int {
			if c := b.LastMessageAt.Compare(a.LastMessageAt); c != 0 {
				return c
			}
			return cmp.Compare(a.ID, b.ID)
		})
		onChange(list)
	}, opts...)
}

func conversationsQuery(userID string) models.Query {
	return models.Query{}.
		Where("participants", models.OpArrayContains, userID).
		Order("lastMessageAt", true)
}

func loadConversation(ctx context.Context, tx repositories.Tx, id string) (*models.Conversation, error) {
	doc, err := tx.Get(ctx, models.CollectionConversations, id)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	c := models.ConversationFromDocument(doc)
	c.Normalize()
	return &c, nil
}

// readByAll reports whether every participant other than the sender is in
// readBy.
func readByAll(conv *models.Conversation, senderID string, readBy []string) bool {
	for _, p := range conv.Participants {
		if p != senderID && !slices.Contains(readBy, p) {
			return false
		}
	}
	return true
}

func unreadData(counts map[string]int) map[string]any {
	out := make(map[string]any, len(counts))
	for k, v := range counts {
		out[k] = v
	}
	return out
}

func equalCounts(a, b map[string]int) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func preview(content string) string {
	if utf8.RuneCountInString(content) <= previewLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:previewLength]) + "…"
}

func (s *ConversationService) track(ctx context.Context, collection, id string) {
	if s.state != nil {
		s.state.For(logging.GetUserID(ctx)).TrackWrite(collection, id)
	}
}

func (s *ConversationService) abandon(ctx context.Context, collection, id string) {
	if s.state != nil {
		s.state.For(logging.GetUserID(ctx)).AbandonWrite(collection, id)
	}
}

func (s *ConversationService) invalidate(ctx context.Context, collection string) {
	if s.cache != nil {
		s.cache.InvalidatePattern(ctx, collection)
	}
}
