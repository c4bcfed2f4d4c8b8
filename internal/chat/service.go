package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dmchat/internal/apperr"
)

const (
	maxTextBytes = 4096
	// createAttempts bounds the create-or-fetch loop when another process wins a pair race.
	createAttempts = 3
	publishTimeout = 2 * time.Second
)

// UserDirectory answers whether a user id refers to a registered user.
// We define it here so chat does not import the user package.
type UserDirectory interface {
	Exists(ctx context.Context, userID string) (bool, error)
}

// Publisher broadcasts committed changes. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Service is the message-delivery and conversation-state core.
// It is safe for concurrent use; the pair locker is its only in-process state.
type Service struct {
	store  Store
	users  UserDirectory
	events Publisher
	logger zerolog.Logger
	locks  *pairLocker
	now    func() time.Time
}

// NewService wires the core. users and events may be nil: without a directory only
// the id format is checked, without a publisher no events are emitted.
func NewService(store Store, users UserDirectory, events Publisher, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		users:  users,
		events: events,
		logger: logger.With().Str("component", "chat").Logger(),
		locks:  newPairLocker(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ResolveConversation returns the conversation between userA and userB, creating it
// on first contact. At most one conversation exists per unordered pair.
func (s *Service) ResolveConversation(ctx context.Context, userA, userB string, isGroup bool) (*Conversation, error) {
	a, errA := s.checkUser(ctx, userA)
	b, errB := s.checkUser(ctx, userB)
	if err := firstErr(errA, errB); err != nil {
		if apperr.CodeOf(err) == apperr.CodeInvalidArgument {
			return nil, apperr.ErrInvalidParticipant
		}
		return nil, err
	}
	if a == b {
		return nil, apperr.ErrInvalidParticipant
	}

	low, high := sortPair(a, b)
	unlock := s.locks.Lock(pairKey(low, high))
	defer unlock()

	for attempt := 0; attempt < createAttempts; attempt++ {
		conv, err := s.store.FindConversation(ctx, low, high)
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, apperr.Unavailable(err)
		}

		now := s.now()
		conv = &Conversation{
			ID:           uuid.NewString(),
			Participants: [2]string{low, high},
			IsGroup:      isGroup,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		err = s.store.CreateConversation(ctx, conv)
		if err == nil {
			s.logger.Debug().Str("conversation_id", conv.ID).Str("low", low).Str("high", high).Msg("created conversation")
			return conv, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, apperr.Unavailable(err)
		}
		// Another process created the pair between our lookup and insert; fetch it.
	}
	return nil, apperr.Unavailable(errors.New("conversation create-or-fetch did not converge"))
}

// SendMessage resolves the sender/recipient conversation and appends the message to it.
func (s *Service) SendMessage(ctx context.Context, req SendRequest) (*Message, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, apperr.ErrEmptyText
	}
	if len(req.Text) > maxTextBytes {
		return nil, apperr.ErrTextTooLong
	}

	conv, err := s.ResolveConversation(ctx, req.SenderID, req.RecipientID, req.IsGroup)
	if err != nil {
		return nil, err
	}
	sender, _ := normalizeID(req.SenderID)
	return s.appendTo(ctx, conv, sender, req.Text)
}

// Append adds a message to an existing conversation. It is the message store's
// append operation for callers that already hold a conversation id.
func (s *Service) Append(ctx context.Context, conversationID, senderID, text string) (*Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, apperr.ErrEmptyText
	}
	if len(text) > maxTextBytes {
		return nil, apperr.ErrTextTooLong
	}
	sender, err := s.checkUser(ctx, senderID)
	if err != nil {
		return nil, err
	}
	conv, err := s.conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(sender) {
		return nil, apperr.ErrNotParticipant
	}
	return s.appendTo(ctx, conv, sender, text)
}

func (s *Service) appendTo(ctx context.Context, conv *Conversation, senderID, text string) (*Message, error) {
	msg := &Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       senderID,
		Text:           text,
		SentAt:         s.now().Truncate(time.Microsecond),
		ReadBy:         NewUserSet(senderID),
		DeliveryStatus: StatusSent,
		DeletedFor:     NewUserSet(),
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperr.ErrConversationNotFound
		}
		return nil, apperr.Unavailable(err)
	}

	s.publish(ctx, Event{
		Type:           EventMessageSent,
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		Recipients:     conv.Participants[:],
		Message:        msg,
	})
	return msg, nil
}

// History returns the conversation's messages oldest first, without hard-deleted
// messages. With a viewer, messages the viewer deleted for themselves are dropped too
// and the viewer must be a participant.
func (s *Service) History(ctx context.Context, conversationID, viewerID string) ([]*Message, error) {
	conv, err := s.conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	filter := ListFilter{ExcludeDeleted: true}
	if viewerID != "" {
		viewer, err := normalizeID(viewerID)
		if err != nil {
			return nil, apperr.ErrInvalidUser
		}
		if !conv.HasParticipant(viewer) {
			return nil, apperr.ErrNotParticipant
		}
		filter.Viewer = viewer
	}

	msgs, err := s.store.ListMessages(ctx, conv.ID, filter)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperr.ErrConversationNotFound
		}
		return nil, apperr.Unavailable(err)
	}
	return nonNil(msgs), nil
}

// ListConversations returns the user's conversations, most recently active first.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]*Conversation, error) {
	id, err := normalizeID(userID)
	if err != nil {
		return nil, apperr.ErrInvalidUser
	}
	convs, err := s.store.ListConversations(ctx, id)
	if err != nil {
		return nil, apperr.Unavailable(err)
	}
	if convs == nil {
		convs = []*Conversation{}
	}
	return convs, nil
}

// MarkDelivered advances sent → delivered. Any later status is left as is.
func (s *Service) MarkDelivered(ctx context.Context, messageID string) (*Message, error) {
	id, err := normalizeID(messageID)
	if err != nil {
		return nil, apperr.ErrInvalidMessage
	}
	msg, err := s.store.MarkDelivered(ctx, id)
	if err != nil {
		return nil, messageErr(err)
	}
	s.publishFor(ctx, EventMessageDelivered, msg)
	return msg, nil
}

// MarkRead adds userID to the read set and moves the status to read.
func (s *Service) MarkRead(ctx context.Context, messageID, userID string) (*Message, error) {
	id, err := normalizeID(messageID)
	if err != nil {
		return nil, apperr.ErrInvalidMessage
	}
	reader, err := s.checkUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.requireParticipant(ctx, id, reader); err != nil {
		return nil, err
	}

	msg, err := s.store.MarkRead(ctx, id, reader)
	if err != nil {
		return nil, messageErr(err)
	}
	s.publishFor(ctx, EventMessageRead, msg)
	return msg, nil
}

// DeleteForMe hides the message from userID only.
func (s *Service) DeleteForMe(ctx context.Context, messageID, userID string) error {
	id, err := normalizeID(messageID)
	if err != nil {
		return apperr.ErrInvalidMessage
	}
	user, err := s.checkUser(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.requireParticipant(ctx, id, user); err != nil {
		return err
	}

	msg, err := s.store.HideForUser(ctx, id, user)
	if err != nil {
		return messageErr(err)
	}
	s.publish(ctx, Event{
		Type:           EventMessageHidden,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Recipients:     []string{user},
	})
	return nil
}

// DeleteForEveryone hard-deletes the message for all participants. Only a participant
// of the owning conversation may do this.
func (s *Service) DeleteForEveryone(ctx context.Context, messageID, requesterID string) error {
	id, err := normalizeID(messageID)
	if err != nil {
		return apperr.ErrInvalidMessage
	}
	requester, err := s.checkUser(ctx, requesterID)
	if err != nil {
		return err
	}
	if err := s.requireParticipant(ctx, id, requester); err != nil {
		return err
	}

	msg, err := s.store.DeleteForEveryone(ctx, id, s.now())
	if err != nil {
		return messageErr(err)
	}
	s.logger.Info().Str("message_id", msg.ID).Str("requester", requester).Msg("message deleted for everyone")

	// The event carries no content: the text must not travel once deleted.
	s.publishFor(ctx, EventMessageDeleted, &Message{ID: msg.ID, ConversationID: msg.ConversationID})
	return nil
}

// PollNew returns messages sent to userID that userID has not read, oldest first.
// No cursor is kept; polling twice without a MarkRead returns the same set.
func (s *Service) PollNew(ctx context.Context, userID string) ([]*Message, error) {
	id, err := s.checkUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.store.ListUnread(ctx, id)
	if err != nil {
		return nil, apperr.Unavailable(err)
	}
	return nonNil(msgs), nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) conversation(ctx context.Context, conversationID string) (*Conversation, error) {
	id, err := normalizeID(conversationID)
	if err != nil {
		return nil, apperr.ErrInvalidConversation
	}
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperr.ErrConversationNotFound
		}
		return nil, apperr.Unavailable(err)
	}
	return conv, nil
}

func (s *Service) requireParticipant(ctx context.Context, messageID, userID string) error {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return messageErr(err)
	}
	conv, err := s.store.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return apperr.Unavailable(err)
	}
	if !conv.HasParticipant(userID) {
		return apperr.ErrNotParticipant
	}
	return nil
}

// checkUser normalizes a user id and, with a directory configured, checks it exists.
func (s *Service) checkUser(ctx context.Context, userID string) (string, error) {
	id, err := normalizeID(userID)
	if err != nil {
		return "", apperr.ErrInvalidUser
	}
	if s.users == nil {
		return id, nil
	}
	ok, err := s.users.Exists(ctx, id)
	if err != nil {
		return "", apperr.Unavailable(err)
	}
	if !ok {
		return "", apperr.ErrInvalidUser
	}
	return id, nil
}

func (s *Service) publishFor(ctx context.Context, typ EventType, msg *Message) {
	conv, err := s.store.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		s.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("skipping event, conversation lookup failed")
		return
	}
	s.publish(ctx, Event{
		Type:           typ,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Recipients:     conv.Participants[:],
		Message:        msg,
	})
}

// publish runs after the write committed, so failures are logged and not returned.
func (s *Service) publish(ctx context.Context, event Event) {
	if s.events == nil {
		return
	}
	event.At = s.now()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("type", string(event.Type)).Str("message_id", event.MessageID).Msg("event publish failed")
	}
}

func messageErr(err error) error {
	if errors.Is(err, ErrNotFound) {
		return apperr.ErrMessageNotFound
	}
	return apperr.Unavailable(err)
}

// normalizeID parses an opaque id and returns its canonical lowercase form.
func normalizeID(id string) (string, error) {
	u, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func nonNil(msgs []*Message) []*Message {
	if msgs == nil {
		return []*Message{}
	}
	return msgs
}
