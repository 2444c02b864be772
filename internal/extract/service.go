package extract

import (
	"fmt"

	"github.com/blockedby/chatlog/internal/events"
	"github.com/blockedby/chatlog/internal/models"
)

// Service actions, in the order they are checked when naming an event.
const (
	ActionNewMembers     = "new_chat_members"
	ActionLeftMember     = "left_chat_member"
	ActionNewTitle       = "new_chat_title"
	ActionNewPhoto       = "new_chat_photo"
	ActionDeletePhoto    = "delete_chat_photo"
	ActionGroupCreated   = "group_chat_created"
	ActionSupergroup     = "supergroup_chat_created"
	ActionChannelCreated = "channel_chat_created"
	ActionMigrateTo      = "migrate_to_chat_id"
	ActionMigrateFrom    = "migrate_from_chat_id"
	ActionPinned         = "pinned_message"
	ActionGameScore      = "game_high_score"
	ActionVoiceStarted   = "voice_chat_started"
	ActionVoiceEnded     = "voice_chat_ended"
	ActionVoiceInvited   = "voice_chat_members_invited"
	ActionOther          = "other"
)

var actionOrder = []string{
	ActionNewMembers, ActionLeftMember, ActionNewTitle, ActionNewPhoto,
	ActionDeletePhoto, ActionGroupCreated, ActionSupergroup, ActionChannelCreated,
	ActionMigrateTo, ActionMigrateFrom, ActionPinned, ActionGameScore,
	ActionVoiceStarted, ActionVoiceEnded, ActionVoiceInvited,
}

// Service extracts a service event together with the membership records it
// implies. Join and leave service messages are the only join history some
// chats ever expose.
func Service(s *events.ServiceEvent) (*models.ServiceEvent, []models.Membership, error) {
	if s.Chat == nil {
		return nil, nil, fmt.Errorf("service message %d: %w", s.ID, ErrMissingChat)
	}

	data := map[string]any{}
	if len(s.NewMembers) > 0 {
		ids := make([]any, 0, len(s.NewMembers))
		for _, u := range s.NewMembers {
			ids = append(ids, u.ID)
		}
		data[ActionNewMembers] = ids
	}
	if s.LeftMember != nil {
		data[ActionLeftMember] = s.LeftMember.ID
	}
	if s.NewTitle != "" {
		data[ActionNewTitle] = s.NewTitle
	}
	if s.NewPhoto != nil && s.NewPhoto.BigUniqueID != "" {
		data[ActionNewPhoto] = s.NewPhoto.BigUniqueID
	}
	setFlag(data, ActionDeletePhoto, s.DeletePhoto)
	setFlag(data, ActionGroupCreated, s.GroupCreated)
	setFlag(data, ActionSupergroup, s.SupergroupCreated)
	setFlag(data, ActionChannelCreated, s.ChannelCreated)
	if s.MigrateTo != 0 {
		data[ActionMigrateTo] = s.MigrateTo
	}
	if s.MigrateFrom != 0 {
		data[ActionMigrateFrom] = s.MigrateFrom
	}
	if s.PinnedMessage != 0 {
		data[ActionPinned] = s.PinnedMessage
	}
	if s.GameScore != 0 {
		data[ActionGameScore] = int64(s.GameScore)
	}
	setFlag(data, ActionVoiceStarted, s.VoiceChatStarted)
	if s.VoiceChatEnded != nil {
		data[ActionVoiceEnded] = int64(*s.VoiceChatEnded)
	}
	if len(s.VoiceChatInvited) > 0 {
		ids := make([]any, 0, len(s.VoiceChatInvited))
		for _, id := range s.VoiceChatInvited {
			ids = append(ids, id)
		}
		data[ActionVoiceInvited] = ids
	}

	ev := &models.ServiceEvent{
		Chat:   s.Chat.ID,
		ID:     s.ID,
		User:   Sender(s.From, s.SenderChat),
		Date:   Time(s.Date),
		Action: ActionOther,
	}
	for _, a := range actionOrder {
		if _, ok := data[a]; ok {
			ev.Action = a
			break
		}
	}
	if len(data) > 0 {
		ev.Data = data
	}

	return ev, memberships(s, ev), nil
}

func memberships(s *events.ServiceEvent, ev *models.ServiceEvent) []models.Membership {
	var out []models.Membership
	for _, u := range s.NewMembers {
		out = append(out, membership(ev, u.ID, true))
	}
	if s.LeftMember != nil {
		out = append(out, membership(ev, s.LeftMember.ID, false))
	}
	return out
}

func membership(ev *models.ServiceEvent, user int64, joined bool) models.Membership {
	m := models.Membership{Chat: ev.Chat, User: user, Date: ev.Date, Joined: joined}
	// self-joins and self-leaves have no separate performer
	if ev.User != nil && *ev.User != user {
		performer := *ev.User
		m.Performer = &performer
	}
	return m
}

func setFlag(data map[string]any, key string, on bool) {
	if on {
		data[key] = true
	}
}
