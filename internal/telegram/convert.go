package telegram

import (
	"fmt"
	"strconv"

	"github.com/gotd/td/tg"

	"github.com/blockedby/chatlog/internal/events"
)

// channel ids are shifted below this in the marked form
const channelShift = 1000000000000

// MarkUser, MarkChat and MarkChannel return the Bot API style id of a peer:
// users keep their id, basic groups are negated and channels are negated
// below -10^12.
func MarkUser(id int64) int64    { return id }
func MarkChat(id int64) int64    { return -id }
func MarkChannel(id int64) int64 { return -(channelShift + id) }

// PeerKind discriminates marked ids.
type PeerKind int

// peer kinds
const (
	PeerUser PeerKind = iota
	PeerChat
	PeerChannel
)

// Unmark splits a marked id into its kind and raw id.
func Unmark(marked int64) (PeerKind, int64) {
	switch {
	case marked > 0:
		return PeerUser, marked
	case marked < -channelShift:
		return PeerChannel, -marked - channelShift
	default:
		return PeerChat, -marked
	}
}

// PeerID returns the marked id of p.
func PeerID(p tg.PeerClass) (int64, bool) {
	switch v := p.(type) {
	case *tg.PeerUser:
		return MarkUser(v.UserID), true
	case *tg.PeerChat:
		return MarkChat(v.ChatID), true
	case *tg.PeerChannel:
		return MarkChannel(v.ChannelID), true
	default:
		return 0, false
	}
}

// Converter maps MTProto objects to events. Entities passed to each call
// resolve the users and chats a message refers to.
type Converter struct {
	// SelfID is the logged-in account, used as the sender of outgoing
	// private messages.
	SelfID int64
}

// Message converts a regular message.
func (c *Converter) Message(ent tg.Entities, m *tg.Message) (*events.Message, error) {
	chatID, ok := PeerID(m.PeerID)
	if !ok {
		return nil, fmt.Errorf("message %d: unknown peer %T", m.ID, m.PeerID)
	}

	out := &events.Message{
		ID:        int64(m.ID),
		Date:      m.Date,
		Chat:      c.chat(ent, m.PeerID),
		Text:      m.Message,
		Scheduled: m.FromScheduled,
		EditDate:  m.EditDate,
	}
	if out.Chat == nil {
		out.Chat = &events.Chat{ID: chatID, Type: chatType(m.PeerID, ent)}
	}
	c.sender(ent, m.Out, m.PeerID, m.FromID, &out.From, &out.SenderChat)

	if hdr, ok := m.ReplyTo.(*tg.MessageReplyHeader); ok && hdr.ReplyToMsgID != 0 {
		out.ReplyTo = int64(hdr.ReplyToMsgID)
	}
	if m.ViaBotID != 0 {
		if u, ok := ent.Users[m.ViaBotID]; ok && u.Username != "" {
			out.ViaBot = u.Username
		} else {
			out.ViaBot = strconv.FormatInt(m.ViaBotID, 10)
		}
	}

	switch rm := m.ReplyMarkup.(type) {
	case *tg.ReplyKeyboardMarkup:
		out.Keyboard = keyboardRows(rm.Rows)
	case *tg.ReplyInlineMarkup:
		out.Inline = keyboardRows(rm.Rows)
	}

	if m.Media != nil {
		media, poll, contact := convertMedia(m.Media)
		out.Media, out.Poll, out.Contact = media, poll, contact
	}
	return out, nil
}

// Edit converts an edited message.
func (c *Converter) Edit(ent tg.Entities, m *tg.Message) (*events.Edit, error) {
	msg, err := c.Message(ent, m)
	if err != nil {
		return nil, err
	}
	return &events.Edit{Message: *msg}, nil
}

// Service converts a service message.
func (c *Converter) Service(ent tg.Entities, m *tg.MessageService) (*events.ServiceEvent, error) {
	if _, ok := PeerID(m.PeerID); !ok {
		return nil, fmt.Errorf("service message %d: unknown peer %T", m.ID, m.PeerID)
	}
	out := &events.ServiceEvent{
		ID:   int64(m.ID),
		Date: m.Date,
		Chat: c.chat(ent, m.PeerID),
	}
	c.sender(ent, m.Out, m.PeerID, m.FromID, &out.From, &out.SenderChat)

	switch a := m.Action.(type) {
	case *tg.MessageActionChatAddUser:
		out.NewMembers = c.users(ent, a.Users)
	case *tg.MessageActionChatJoinedByLink, *tg.MessageActionChatJoinedByRequest:
		if out.From != nil {
			out.NewMembers = []events.User{*out.From}
		}
	case *tg.MessageActionChatDeleteUser:
		u := c.user(ent, a.UserID)
		out.LeftMember = &u
	case *tg.MessageActionChatEditTitle:
		out.NewTitle = a.Title
	case *tg.MessageActionChatEditPhoto:
		out.NewPhoto = photoOf(a.Photo)
	case *tg.MessageActionChatDeletePhoto:
		out.DeletePhoto = true
	case *tg.MessageActionChatCreate:
		out.GroupCreated = true
		out.NewTitle = a.Title
	case *tg.MessageActionChannelCreate:
		if out.Chat != nil && out.Chat.Type == events.ChatSupergroup {
			out.SupergroupCreated = true
		} else {
			out.ChannelCreated = true
		}
		out.NewTitle = a.Title
	case *tg.MessageActionChatMigrateTo:
		out.MigrateTo = MarkChannel(a.ChannelID)
	case *tg.MessageActionChannelMigrateFrom:
		out.MigrateFrom = MarkChat(a.ChatID)
	case *tg.MessageActionPinMessage:
		if hdr, ok := m.ReplyTo.(*tg.MessageReplyHeader); ok {
			out.PinnedMessage = int64(hdr.ReplyToMsgID)
		}
	case *tg.MessageActionGameScore:
		out.GameScore = a.Score
	case *tg.MessageActionGroupCall:
		if d, ok := a.GetDuration(); ok {
			out.VoiceChatEnded = &d
		} else {
			out.VoiceChatStarted = true
		}
	case *tg.MessageActionInviteToGroupCall:
		invited := make([]int64, len(a.Users))
		copy(invited, a.Users)
		out.VoiceChatInvited = invited
	default:
		return nil, fmt.Errorf("service message %d: unsupported action %T", m.ID, m.Action)
	}
	return out, nil
}

// FromClass converts any message class into a Message or ServiceEvent.
// Empty messages yield nil, nil.
func (c *Converter) FromClass(ent tg.Entities, mc tg.MessageClass) (events.Event, error) {
	switch m := mc.(type) {
	case *tg.Message:
		return c.Message(ent, m)
	case *tg.MessageService:
		return c.Service(ent, m)
	default:
		return nil, nil
	}
}

// User converts a platform user.
func (c *Converter) User(u *tg.User) events.User {
	out := events.User{
		ID:            u.ID,
		FirstName:     u.FirstName,
		LastName:      u.LastName,
		Username:      u.Username,
		Self:          u.Self,
		Contact:       u.Contact,
		MutualContact: u.MutualContact,
		Deleted:       u.Deleted,
		Bot:           u.Bot,
		Verified:      u.Verified,
		Restricted:    u.Restricted,
		Scam:          u.Scam,
		Fake:          u.Fake,
		Support:       u.Support,
	}
	if p, ok := u.Photo.(*tg.UserProfilePhoto); ok {
		out.DCID = p.DCID
		out.Photo = profilePhoto(p.PhotoID)
	}
	return out
}

// Presence converts a status update. date is the receipt time.
func (c *Converter) Presence(ent tg.Entities, userID int64, status tg.UserStatusClass, date int) *events.PresenceUpdate {
	out := &events.PresenceUpdate{User: c.user(ent, userID), Date: date}
	switch s := status.(type) {
	case *tg.UserStatusOnline:
		out.Status = events.StatusOnline
	case *tg.UserStatusOffline:
		out.Status = events.StatusOffline
		out.LastOnline = s.WasOnline
	case *tg.UserStatusRecently:
		out.Status = events.StatusRecently
	case *tg.UserStatusLastWeek:
		out.Status = events.StatusLastWeek
	case *tg.UserStatusLastMonth:
		out.Status = events.StatusLastMonth
	default:
		out.Status = events.StatusLongAgo
	}
	return out
}

func (c *Converter) sender(ent tg.Entities, outgoing bool, peer, from tg.PeerClass, user **events.User, senderChat **events.Chat) {
	switch f := from.(type) {
	case *tg.PeerUser:
		u := c.user(ent, f.UserID)
		*user = &u
		return
	case *tg.PeerChannel, *tg.PeerChat:
		*senderChat = c.chat(ent, f)
		return
	}

	// no from: private chats and channel posts
	switch p := peer.(type) {
	case *tg.PeerUser:
		id := p.UserID
		if outgoing && c.SelfID != 0 {
			id = c.SelfID
		}
		u := c.user(ent, id)
		*user = &u
	case *tg.PeerChannel:
		*senderChat = c.chat(ent, p)
	}
}

func (c *Converter) user(ent tg.Entities, id int64) events.User {
	if u, ok := ent.Users[id]; ok {
		return c.User(u)
	}
	return events.User{ID: id}
}

func (c *Converter) users(ent tg.Entities, ids []int64) []events.User {
	out := make([]events.User, len(ids))
	for i, id := range ids {
		out[i] = c.user(ent, id)
	}
	return out
}

func (c *Converter) chat(ent tg.Entities, p tg.PeerClass) *events.Chat {
	switch v := p.(type) {
	case *tg.PeerUser:
		out := &events.Chat{ID: MarkUser(v.UserID), Type: events.ChatPrivate}
		if u, ok := ent.Users[v.UserID]; ok {
			out.FirstName, out.LastName, out.Username = u.FirstName, u.LastName, u.Username
			out.Verified, out.Restricted, out.Scam, out.Fake, out.Support = u.Verified, u.Restricted, u.Scam, u.Fake, u.Support
			if u.Bot {
				out.Type = events.ChatBot
			}
			if p, ok := u.Photo.(*tg.UserProfilePhoto); ok {
				out.Photo = profilePhoto(p.PhotoID)
			}
		}
		return out
	case *tg.PeerChat:
		out := &events.Chat{ID: MarkChat(v.ChatID), Type: events.ChatGroup}
		if ch, ok := ent.Chats[v.ChatID]; ok {
			out.Title = ch.Title
			out.Creator = ch.Creator
			if p, ok := ch.Photo.(*tg.ChatPhoto); ok {
				out.Photo = profilePhoto(p.PhotoID)
			}
		}
		return out
	case *tg.PeerChannel:
		out := &events.Chat{ID: MarkChannel(v.ChannelID), Type: events.ChatChannel}
		if ch, ok := ent.Channels[v.ChannelID]; ok {
			if ch.Megagroup {
				out.Type = events.ChatSupergroup
			}
			out.Title, out.Username = ch.Title, ch.Username
			out.Verified, out.Restricted, out.Scam, out.Fake, out.Creator = ch.Verified, ch.Restricted, ch.Scam, ch.Fake, ch.Creator
			if p, ok := ch.Photo.(*tg.ChatPhoto); ok {
				out.Photo = profilePhoto(p.PhotoID)
			}
		}
		return out
	default:
		return nil
	}
}

func chatType(p tg.PeerClass, ent tg.Entities) string {
	switch v := p.(type) {
	case *tg.PeerUser:
		return events.ChatPrivate
	case *tg.PeerChat:
		return events.ChatGroup
	case *tg.PeerChannel:
		if ch, ok := ent.Channels[v.ChannelID]; ok && ch.Megagroup {
			return events.ChatSupergroup
		}
		return events.ChatChannel
	default:
		return ""
	}
}

func keyboardRows(rows []tg.KeyboardButtonRow) [][]string {
	out := make([][]string, 0, len(rows))
	for _, row := range rows {
		texts := make([]string, 0, len(row.Buttons))
		for _, b := range row.Buttons {
			texts = append(texts, b.GetText())
		}
		out = append(out, texts)
	}
	return out
}

func profilePhoto(photoID int64) *events.Photo {
	if photoID == 0 {
		return nil
	}
	id := strconv.FormatInt(photoID, 10)
	return &events.Photo{SmallUniqueID: id, BigUniqueID: id}
}

func photoOf(pc tg.PhotoClass) *events.Photo {
	p, ok := pc.(*tg.Photo)
	if !ok {
		return nil
	}
	out := profilePhoto(p.ID)
	if out != nil {
		out.BigFileID = encodeFileID(photoLocation(p))
	}
	return out
}
