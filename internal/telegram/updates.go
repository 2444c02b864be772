package telegram

import (
	"context"
	"time"

	"github.com/gotd/td/tg"

	"github.com/blockedby/chatlog/internal/events"
	"github.com/blockedby/chatlog/internal/logger"
)

// participant statuses
const (
	statusCreator    = "creator"
	statusAdmin      = "administrator"
	statusMember     = "member"
	statusRestricted = "restricted"
	statusLeft       = "left"
	statusKicked     = "kicked"
)

// Updates converts dispatcher updates into events for a handler.
type Updates struct {
	self  func() int64
	peers *PeerCache
	out   events.HandlerFunc
	log   *logger.Logger
	now   func() time.Time
}

// NewUpdates creates an update bridge. self supplies the logged-in user id.
func NewUpdates(self func() int64, peers *PeerCache, out events.HandlerFunc, log *logger.Logger) *Updates {
	return &Updates{self: self, peers: peers, out: out, log: log, now: time.Now}
}

// Register installs the handlers on d.
func (u *Updates) Register(d *tg.UpdateDispatcher) {
	d.OnNewMessage(func(ctx context.Context, e tg.Entities, up *tg.UpdateNewMessage) error {
		return u.message(ctx, e, up.Message, false)
	})
	d.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, up *tg.UpdateNewChannelMessage) error {
		return u.message(ctx, e, up.Message, false)
	})
	d.OnEditMessage(func(ctx context.Context, e tg.Entities, up *tg.UpdateEditMessage) error {
		return u.message(ctx, e, up.Message, true)
	})
	d.OnEditChannelMessage(func(ctx context.Context, e tg.Entities, up *tg.UpdateEditChannelMessage) error {
		return u.message(ctx, e, up.Message, true)
	})
	d.OnDeleteMessages(func(ctx context.Context, _ tg.Entities, up *tg.UpdateDeleteMessages) error {
		u.deletions(ctx, nil, up.Messages)
		return nil
	})
	d.OnDeleteChannelMessages(func(ctx context.Context, _ tg.Entities, up *tg.UpdateDeleteChannelMessages) error {
		chat := MarkChannel(up.ChannelID)
		u.deletions(ctx, &chat, up.Messages)
		return nil
	})
	d.OnUserStatus(func(ctx context.Context, e tg.Entities, up *tg.UpdateUserStatus) error {
		u.peers.Remember(e)
		u.out(ctx, u.conv().Presence(e, up.UserID, up.Status, int(u.now().Unix())))
		return nil
	})
	d.OnChatParticipant(func(ctx context.Context, e tg.Entities, up *tg.UpdateChatParticipant) error {
		u.peers.Remember(e)
		u.out(ctx, u.conv().ChatParticipant(e, up))
		return nil
	})
	d.OnChannelParticipant(func(ctx context.Context, e tg.Entities, up *tg.UpdateChannelParticipant) error {
		u.peers.Remember(e)
		u.out(ctx, u.conv().ChannelParticipant(e, up))
		return nil
	})
}

func (u *Updates) conv() *Converter {
	return &Converter{SelfID: u.self()}
}

// message handles new and edited messages. Conversion failures are logged
// and swallowed so the update loop keeps running.
func (u *Updates) message(ctx context.Context, e tg.Entities, mc tg.MessageClass, edited bool) error {
	u.peers.Remember(e)
	conv := u.conv()

	var (
		ev  events.Event
		err error
	)
	switch m := mc.(type) {
	case *tg.Message:
		if edited {
			ev, err = conv.Edit(e, m)
		} else {
			ev, err = conv.Message(e, m)
		}
	case *tg.MessageService:
		if edited {
			return nil
		}
		ev, err = conv.Service(e, m)
	default:
		return nil
	}
	if err != nil {
		u.log.Warn().Err(err).Int("message_id", mc.GetID()).Msg("telegram: skipping unconvertible update")
		return nil
	}
	u.out(ctx, ev)
	return nil
}

func (u *Updates) deletions(ctx context.Context, chat *int64, ids []int) {
	if len(ids) == 0 {
		return
	}
	b := &events.DeletionBatch{Items: make([]events.DeletedMessage, len(ids)), Date: int(u.now().Unix())}
	for i, id := range ids {
		b.Items[i] = events.DeletedMessage{ID: int64(id), Chat: chat}
	}
	u.out(ctx, b)
}

// ChatParticipant converts a basic group membership change.
func (c *Converter) ChatParticipant(ent tg.Entities, up *tg.UpdateChatParticipant) *events.MemberUpdate {
	old, _ := up.GetPrevParticipant()
	cur, _ := up.GetNewParticipant()
	out := &events.MemberUpdate{
		Chat:      c.chat(ent, &tg.PeerChat{ChatID: up.ChatID}),
		User:      c.user(ent, up.UserID),
		Date:      up.Date,
		OldStatus: chatParticipantStatus(old),
		NewStatus: chatParticipantStatus(cur),
	}
	out.Joined = isMember(out.NewStatus) && !isMember(out.OldStatus)
	if up.ActorID != 0 {
		p := c.user(ent, up.ActorID)
		out.Performer = &p
	}
	return out
}

// ChannelParticipant converts a channel or supergroup membership change.
func (c *Converter) ChannelParticipant(ent tg.Entities, up *tg.UpdateChannelParticipant) *events.MemberUpdate {
	old, _ := up.GetPrevParticipant()
	cur, _ := up.GetNewParticipant()
	out := &events.MemberUpdate{
		Chat:      c.chat(ent, &tg.PeerChannel{ChannelID: up.ChannelID}),
		User:      c.user(ent, up.UserID),
		Date:      up.Date,
		OldStatus: channelParticipantStatus(old),
		NewStatus: channelParticipantStatus(cur),
	}
	out.Joined = isMember(out.NewStatus) && !isMember(out.OldStatus)
	if up.ActorID != 0 {
		p := c.user(ent, up.ActorID)
		out.Performer = &p
	}
	return out
}

func chatParticipantStatus(p tg.ChatParticipantClass) string {
	switch p.(type) {
	case *tg.ChatParticipantCreator:
		return statusCreator
	case *tg.ChatParticipantAdmin:
		return statusAdmin
	case *tg.ChatParticipant:
		return statusMember
	default:
		return statusLeft
	}
}

func channelParticipantStatus(p tg.ChannelParticipantClass) string {
	switch v := p.(type) {
	case *tg.ChannelParticipantCreator:
		return statusCreator
	case *tg.ChannelParticipantAdmin:
		return statusAdmin
	case *tg.ChannelParticipant, *tg.ChannelParticipantSelf:
		return statusMember
	case *tg.ChannelParticipantBanned:
		if v.Left {
			return statusKicked
		}
		return statusRestricted
	default:
		return statusLeft
	}
}

func isMember(status string) bool {
	switch status {
	case statusCreator, statusAdmin, statusMember, statusRestricted:
		return true
	default:
		return false
	}
}
