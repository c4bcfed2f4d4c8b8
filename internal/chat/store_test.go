package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreSuite checks the Store contract; every implementation must pass it.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("create conversation conflicts on same pair", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		low, high := sortPair(uuid.NewString(), uuid.NewString())

		first := newConversation(low, high)
		require.NoError(t, s.CreateConversation(ctx, first))

		err := s.CreateConversation(ctx, newConversation(low, high))
		assert.ErrorIs(t, err, ErrConflict)

		found, err := s.FindConversation(ctx, low, high)
		require.NoError(t, err)
		assert.Equal(t, first.ID, found.ID)
		assert.Nil(t, found.LastMessage)
	})

	t.Run("find unknown pair", func(t *testing.T) {
		s := newStore(t)
		low, high := sortPair(uuid.NewString(), uuid.NewString())
		_, err := s.FindConversation(context.Background(), low, high)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("append updates summary and keeps order", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		conv := mustConversation(t, s)
		a, b := conv.Participants[0], conv.Participants[1]
		at := time.Now().UTC().Truncate(time.Microsecond)

		m1 := newMessage(conv.ID, a, "first", at)
		m2 := newMessage(conv.ID, b, "second", at) // same instant: append order breaks the tie
		m3 := newMessage(conv.ID, a, "third", at.Add(time.Millisecond))
		for _, m := range []*Message{m1, m2, m3} {
			require.NoError(t, s.AppendMessage(ctx, m))
		}

		got, err := s.GetConversation(ctx, conv.ID)
		require.NoError(t, err)
		require.NotNil(t, got.LastMessage)
		assert.Equal(t, "third", got.LastMessage.Text)
		assert.Equal(t, a, got.LastMessage.SenderID)
		assert.True(t, m3.SentAt.Equal(got.LastMessage.SentAt))

		msgs, err := s.ListMessages(ctx, conv.ID, ListFilter{})
		require.NoError(t, err)
		assert.Equal(t, []string{"first", "second", "third"}, texts(msgs))
		assert.True(t, msgs[0].ReadBy.Has(a))
		assert.Equal(t, StatusSent, msgs[0].DeliveryStatus)
	})

	t.Run("append to unknown conversation", func(t *testing.T) {
		s := newStore(t)
		err := s.AppendMessage(context.Background(), newMessage(uuid.NewString(), uuid.NewString(), "hi", time.Now().UTC()))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("unknown message", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := uuid.NewString()

		_, err := s.GetMessage(ctx, id)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.MarkDelivered(ctx, id)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.MarkRead(ctx, id, uuid.NewString())
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.HideForUser(ctx, id, uuid.NewString())
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.DeleteForEveryone(ctx, id, time.Now())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delivered never regresses read", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		conv := mustConversation(t, s)
		msg := newMessage(conv.ID, conv.Participants[0], "hi", time.Now().UTC())
		require.NoError(t, s.AppendMessage(ctx, msg))

		got, err := s.MarkRead(ctx, msg.ID, conv.Participants[1])
		require.NoError(t, err)
		assert.Equal(t, StatusRead, got.DeliveryStatus)

		got, err = s.MarkDelivered(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusRead, got.DeliveryStatus)
	})

	t.Run("concurrent reads are all kept", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		conv := mustConversation(t, s)
		sender := conv.Participants[0]
		msg := newMessage(conv.ID, sender, "hi", time.Now().UTC())
		require.NoError(t, s.AppendMessage(ctx, msg))

		readers := make([]string, 20)
		for i := range readers {
			readers[i] = uuid.NewString()
		}
		var wg sync.WaitGroup
		for _, reader := range readers {
			wg.Add(2)
			go func(u string) {
				defer wg.Done()
				_, err := s.MarkRead(ctx, msg.ID, u)
				assert.NoError(t, err)
			}(reader)
			// duplicates must be no-ops
			go func(u string) {
				defer wg.Done()
				_, err := s.MarkRead(ctx, msg.ID, u)
				assert.NoError(t, err)
			}(reader)
		}
		wg.Wait()

		got, err := s.GetMessage(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, NewUserSet(append(readers, sender)...), got.ReadBy)
		assert.Equal(t, StatusRead, got.DeliveryStatus)
	})

	t.Run("hide is per viewer", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		conv := mustConversation(t, s)
		a, b := conv.Participants[0], conv.Participants[1]
		msg := newMessage(conv.ID, a, "secret", time.Now().UTC())
		require.NoError(t, s.AppendMessage(ctx, msg))

		_, err := s.HideForUser(ctx, msg.ID, b)
		require.NoError(t, err)
		got, err := s.HideForUser(ctx, msg.ID, b)
		require.NoError(t, err)
		assert.Equal(t, NewUserSet(b), got.DeletedFor)
		assert.False(t, got.IsDeleted)

		forB, err := s.ListMessages(ctx, conv.ID, ListFilter{ExcludeDeleted: true, Viewer: b})
		require.NoError(t, err)
		assert.Empty(t, forB)

		forA, err := s.ListMessages(ctx, conv.ID, ListFilter{ExcludeDeleted: true, Viewer: a})
		require.NoError(t, err)
		assert.Len(t, forA, 1)
	})

	t.Run("delete for everyone recomputes summary", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		conv := mustConversation(t, s)
		a := conv.Participants[0]
		at := time.Now().UTC().Truncate(time.Microsecond)
		older := newMessage(conv.ID, a, "older", at)
		newer := newMessage(conv.ID, a, "newer", at.Add(time.Second))
		require.NoError(t, s.AppendMessage(ctx, older))
		require.NoError(t, s.AppendMessage(ctx, newer))

		deletedAt := at.Add(time.Minute)
		got, err := s.DeleteForEveryone(ctx, newer.ID, deletedAt)
		require.NoError(t, err)
		assert.True(t, got.IsDeleted)
		require.NotNil(t, got.DeletedAt)

		// a second delete keeps the first timestamp
		again, err := s.DeleteForEveryone(ctx, newer.ID, deletedAt.Add(time.Hour))
		require.NoError(t, err)
		assert.True(t, got.DeletedAt.Equal(*again.DeletedAt))

		c, err := s.GetConversation(ctx, conv.ID)
		require.NoError(t, err)
		require.NotNil(t, c.LastMessage)
		assert.Equal(t, "older", c.LastMessage.Text)

		_, err = s.DeleteForEveryone(ctx, older.ID, deletedAt)
		require.NoError(t, err)
		c, err = s.GetConversation(ctx, conv.ID)
		require.NoError(t, err)
		assert.Nil(t, c.LastMessage)

		visible, err := s.ListMessages(ctx, conv.ID, ListFilter{ExcludeDeleted: true})
		require.NoError(t, err)
		assert.Empty(t, visible)
		all, err := s.ListMessages(ctx, conv.ID, ListFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("list unread only covers the user's conversations", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		conv := mustConversation(t, s)
		other := mustConversation(t, s)
		a, b := conv.Participants[0], conv.Participants[1]
		at := time.Now().UTC().Truncate(time.Microsecond)

		fromA := newMessage(conv.ID, a, "to b", at)
		fromB := newMessage(conv.ID, b, "to a", at.Add(time.Millisecond))
		elsewhere := newMessage(other.ID, other.Participants[0], "not for b", at)
		for _, m := range []*Message{fromA, fromB, elsewhere} {
			require.NoError(t, s.AppendMessage(ctx, m))
		}

		unread, err := s.ListUnread(ctx, b)
		require.NoError(t, err)
		assert.Equal(t, []string{"to b"}, texts(unread))

		_, err = s.MarkRead(ctx, fromA.ID, b)
		require.NoError(t, err)
		unread, err = s.ListUnread(ctx, b)
		require.NoError(t, err)
		assert.Empty(t, unread)
	})

	t.Run("list conversations by recent activity", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		me := uuid.NewString()
		at := time.Now().UTC().Truncate(time.Microsecond)

		quiet := newConversationAt(me, uuid.NewString(), at)
		busy := newConversationAt(me, uuid.NewString(), at)
		require.NoError(t, s.CreateConversation(ctx, quiet))
		require.NoError(t, s.CreateConversation(ctx, busy))
		require.NoError(t, s.AppendMessage(ctx, newMessage(busy.ID, me, "ping", at.Add(time.Second))))

		convs, err := s.ListConversations(ctx, me)
		require.NoError(t, err)
		require.Len(t, convs, 2)
		assert.Equal(t, busy.ID, convs[0].ID)
		assert.Equal(t, quiet.ID, convs[1].ID)
	})

	t.Run("unicode text round trips byte for byte", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		conv := mustConversation(t, s)
		text := "héllo 👋🏽 世界 ‍👨‍👩‍👧 مرحبا"
		msg := newMessage(conv.ID, conv.Participants[0], text, time.Now().UTC())
		require.NoError(t, s.AppendMessage(ctx, msg))

		got, err := s.GetMessage(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, []byte(text), []byte(got.Text))
	})
}

func newConversation(low, high string) *Conversation {
	return newConversationAt(low, high, time.Now().UTC().Truncate(time.Microsecond))
}

func newConversationAt(a, b string, at time.Time) *Conversation {
	low, high := sortPair(a, b)
	return &Conversation{
		ID:           uuid.NewString(),
		Participants: [2]string{low, high},
		CreatedAt:    at,
		UpdatedAt:    at,
	}
}

func mustConversation(t *testing.T, s Store) *Conversation {
	t.Helper()
	low, high := sortPair(uuid.NewString(), uuid.NewString())
	conv := newConversation(low, high)
	require.NoError(t, s.CreateConversation(context.Background(), conv))
	return conv
}

func newMessage(conversationID, senderID, text string, at time.Time) *Message {
	return &Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		SentAt:         at.Truncate(time.Microsecond),
		ReadBy:         NewUserSet(senderID),
		DeliveryStatus: StatusSent,
		DeletedFor:     NewUserSet(),
	}
}

func texts(msgs []*Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Text)
	}
	return out
}
