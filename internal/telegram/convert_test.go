package telegram

import (
	"testing"

	"github.com/gotd/td/tg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockedby/chatlog/internal/events"
)

func entities() tg.Entities {
	return tg.Entities{
		Users: map[int64]*tg.User{
			10: {ID: 10, FirstName: "Ann", Username: "ann", AccessHash: 111},
			11: {ID: 11, FirstName: "Bob", Bot: true, Username: "helper_bot", AccessHash: 222},
		},
		Chats: map[int64]*tg.Chat{
			20: {ID: 20, Title: "Friends"},
		},
		Channels: map[int64]*tg.Channel{
			30: {ID: 30, Title: "News", Username: "news", AccessHash: 333},
			31: {ID: 31, Title: "Talk", Megagroup: true, AccessHash: 444},
		},
	}
}

func TestMarkUnmark(t *testing.T) {
	tests := []struct {
		name   string
		marked int64
		kind   PeerKind
		id     int64
	}{
		{"user", MarkUser(42), PeerUser, 42},
		{"chat", MarkChat(42), PeerChat, 42},
		{"channel", MarkChannel(42), PeerChannel, 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, id := Unmark(tt.marked)
			assert.Equal(t, tt.kind, kind)
			assert.Equal(t, tt.id, id)
		})
	}
	assert.Equal(t, int64(-1000000000042), MarkChannel(42))
}

func TestConverter_Message_Group(t *testing.T) {
	c := &Converter{SelfID: 1}
	m := &tg.Message{
		ID:      5,
		Date:    1700000000,
		PeerID:  &tg.PeerChat{ChatID: 20},
		FromID:  &tg.PeerUser{UserID: 10},
		Message: "hello",
		ReplyTo: &tg.MessageReplyHeader{ReplyToMsgID: 4},
	}

	got, err := c.Message(entities(), m)
	require.NoError(t, err)

	assert.Equal(t, int64(5), got.ID)
	assert.Equal(t, "hello", got.Text)
	assert.Equal(t, int64(4), got.ReplyTo)
	require.NotNil(t, got.Chat)
	assert.Equal(t, int64(-20), got.Chat.ID)
	assert.Equal(t, events.ChatGroup, got.Chat.Type)
	assert.Equal(t, "Friends", got.Chat.Title)
	require.NotNil(t, got.From)
	assert.Equal(t, "ann", got.From.Username)
	assert.Nil(t, got.SenderChat)
}

func TestConverter_Message_OutgoingPrivate(t *testing.T) {
	c := &Converter{SelfID: 1}
	m := &tg.Message{ID: 7, Out: true, PeerID: &tg.PeerUser{UserID: 10}, Message: "hi"}

	got, err := c.Message(entities(), m)
	require.NoError(t, err)

	assert.Equal(t, int64(10), got.Chat.ID)
	assert.Equal(t, events.ChatPrivate, got.Chat.Type)
	require.NotNil(t, got.From)
	assert.Equal(t, int64(1), got.From.ID)
}

func TestConverter_Message_ChannelPost(t *testing.T) {
	c := &Converter{}
	m := &tg.Message{ID: 9, PeerID: &tg.PeerChannel{ChannelID: 30}, Message: "post"}

	got, err := c.Message(entities(), m)
	require.NoError(t, err)

	assert.Equal(t, MarkChannel(30), got.Chat.ID)
	assert.Equal(t, events.ChatChannel, got.Chat.Type)
	assert.Nil(t, got.From)
	require.NotNil(t, got.SenderChat)
	assert.Equal(t, "news", got.SenderChat.Username)
}

func TestConverter_Message_ViaBotAndKeyboard(t *testing.T) {
	c := &Converter{}
	m := &tg.Message{
		ID:       3,
		PeerID:   &tg.PeerChannel{ChannelID: 31},
		FromID:   &tg.PeerUser{UserID: 10},
		ViaBotID: 11,
		ReplyMarkup: &tg.ReplyInlineMarkup{Rows: []tg.KeyboardButtonRow{
			{Buttons: []tg.KeyboardButtonClass{&tg.KeyboardButtonCallback{Text: "yes"}, &tg.KeyboardButtonCallback{Text: "no"}}},
		}},
	}

	got, err := c.Message(entities(), m)
	require.NoError(t, err)

	assert.Equal(t, events.ChatSupergroup, got.Chat.Type)
	assert.Equal(t, "helper_bot", got.ViaBot)
	assert.Equal(t, [][]string{{"yes", "no"}}, got.Inline)
	assert.Nil(t, got.Keyboard)
}

func TestConverter_Message_Contact(t *testing.T) {
	c := &Converter{}
	m := &tg.Message{
		ID:     2,
		PeerID: &tg.PeerUser{UserID: 10},
		Media:  &tg.MessageMediaContact{PhoneNumber: "+100", FirstName: "Zed", UserID: 12},
	}

	got, err := c.Message(entities(), m)
	require.NoError(t, err)

	require.NotNil(t, got.Media)
	assert.Equal(t, MediaContact, got.Media.Kind)
	require.NotNil(t, got.Contact)
	assert.Equal(t, "+100", got.Contact.Phone)
	assert.Equal(t, int64(12), got.Contact.UserID)
}

func TestConverter_Message_UnknownPeer(t *testing.T) {
	c := &Converter{}
	_, err := c.Message(entities(), &tg.Message{ID: 1})
	assert.Error(t, err)
}

func TestConverter_Edit(t *testing.T) {
	c := &Converter{}
	m := &tg.Message{ID: 5, PeerID: &tg.PeerChat{ChatID: 20}, Message: "fixed", EditDate: 1700000100}

	got, err := c.Edit(entities(), m)
	require.NoError(t, err)
	assert.Equal(t, events.KindEdit, got.Kind())
	assert.Equal(t, "fixed", got.Text)
	assert.Equal(t, 1700000100, got.EditDate)
}

func TestConverter_Service(t *testing.T) {
	c := &Converter{}
	base := func(action tg.MessageActionClass) *tg.MessageService {
		return &tg.MessageService{ID: 8, PeerID: &tg.PeerChat{ChatID: 20}, FromID: &tg.PeerUser{UserID: 10}, Action: action}
	}

	t.Run("add user", func(t *testing.T) {
		got, err := c.Service(entities(), base(&tg.MessageActionChatAddUser{Users: []int64{11}}))
		require.NoError(t, err)
		require.Len(t, got.NewMembers, 1)
		assert.Equal(t, int64(11), got.NewMembers[0].ID)
		assert.True(t, got.NewMembers[0].Bot)
	})

	t.Run("left", func(t *testing.T) {
		got, err := c.Service(entities(), base(&tg.MessageActionChatDeleteUser{UserID: 10}))
		require.NoError(t, err)
		require.NotNil(t, got.LeftMember)
		assert.Equal(t, int64(10), got.LeftMember.ID)
	})

	t.Run("title", func(t *testing.T) {
		got, err := c.Service(entities(), base(&tg.MessageActionChatEditTitle{Title: "Pals"}))
		require.NoError(t, err)
		assert.Equal(t, "Pals", got.NewTitle)
	})

	t.Run("migrate", func(t *testing.T) {
		got, err := c.Service(entities(), base(&tg.MessageActionChatMigrateTo{ChannelID: 31}))
		require.NoError(t, err)
		assert.Equal(t, MarkChannel(31), got.MigrateTo)
	})

	t.Run("pin", func(t *testing.T) {
		m := base(&tg.MessageActionPinMessage{})
		m.ReplyTo = &tg.MessageReplyHeader{ReplyToMsgID: 3}
		got, err := c.Service(entities(), m)
		require.NoError(t, err)
		assert.Equal(t, int64(3), got.PinnedMessage)
	})

	t.Run("unsupported", func(t *testing.T) {
		_, err := c.Service(entities(), base(&tg.MessageActionScreenshotTaken{}))
		assert.Error(t, err)
	})
}

func TestConverter_FromClass_Empty(t *testing.T) {
	c := &Converter{}
	ev, err := c.FromClass(entities(), &tg.MessageEmpty{ID: 1})
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestConverter_Presence(t *testing.T) {
	c := &Converter{}

	got := c.Presence(entities(), 10, &tg.UserStatusOffline{WasOnline: 1700000000}, 1700000500)
	assert.Equal(t, events.StatusOffline, got.Status)
	assert.Equal(t, 1700000000, got.LastOnline)
	assert.Equal(t, "ann", got.User.Username)

	got = c.Presence(entities(), 99, &tg.UserStatusOnline{Expires: 1}, 1)
	assert.Equal(t, events.StatusOnline, got.Status)
	assert.Zero(t, got.LastOnline)
	assert.Equal(t, int64(99), got.User.ID)
}

func TestConverter_ChannelParticipant(t *testing.T) {
	c := &Converter{}
	up := &tg.UpdateChannelParticipant{ChannelID: 31, Date: 5, UserID: 10, ActorID: 11}
	up.SetNewParticipant(&tg.ChannelParticipant{UserID: 10})

	got := c.ChannelParticipant(entities(), up)
	assert.True(t, got.Joined)
	assert.Equal(t, statusLeft, got.OldStatus)
	assert.Equal(t, statusMember, got.NewStatus)
	assert.Equal(t, MarkChannel(31), got.Chat.ID)
	require.NotNil(t, got.Performer)
	assert.Equal(t, int64(11), got.Performer.ID)
}

func TestConverter_ChatParticipant_Left(t *testing.T) {
	c := &Converter{}
	up := &tg.UpdateChatParticipant{ChatID: 20, Date: 5, UserID: 10}
	up.SetPrevParticipant(&tg.ChatParticipant{UserID: 10})

	got := c.ChatParticipant(entities(), up)
	assert.False(t, got.Joined)
	assert.Equal(t, statusMember, got.OldStatus)
	assert.Equal(t, statusLeft, got.NewStatus)
	assert.Nil(t, got.Performer)
}
