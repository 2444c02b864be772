// Package events defines the typed events produced by a chat platform
// source. Every variant is decoded once at the boundary; downstream code
// switches on the concrete type.
package events

import (
	"context"
)

// Kind discriminates event variants.
type Kind string

// Kind constants name every event variant.
const (
	KindMessage  Kind = "message"
	KindEdit     Kind = "edit"
	KindDeletion Kind = "deletion"
	KindMember   Kind = "member"
	KindService  Kind = "service"
	KindPresence Kind = "presence"
)

// Event is implemented by every variant.
type Event interface {
	Kind() Kind
}

// HandlerFunc receives events from a source.
type HandlerFunc func(ctx context.Context, e Event)

// Chat types as reported by the platform.
const (
	ChatPrivate    = "private"
	ChatBot        = "bot"
	ChatGroup      = "group"
	ChatSupergroup = "supergroup"
	ChatChannel    = "channel"
)

// Photo references a profile picture in both sizes.
type Photo struct {
	SmallFileID   string `json:"small_file_id,omitempty"`
	SmallUniqueID string `json:"small_unique_id,omitempty"`
	BigFileID     string `json:"big_file_id,omitempty"`
	BigUniqueID   string `json:"big_unique_id,omitempty"`
}

// User is a platform account as seen in an event.
type User struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
	DCID      int    `json:"dc_id,omitempty"`

	Self          bool `json:"self,omitempty"`
	Contact       bool `json:"contact,omitempty"`
	MutualContact bool `json:"mutual_contact,omitempty"`
	Deleted       bool `json:"deleted,omitempty"`
	Bot           bool `json:"bot,omitempty"`
	Verified      bool `json:"verified,omitempty"`
	Restricted    bool `json:"restricted,omitempty"`
	Scam          bool `json:"scam,omitempty"`
	Fake          bool `json:"fake,omitempty"`
	Support       bool `json:"support,omitempty"`

	Photo *Photo `json:"photo,omitempty"`
}

// Chat is a conversation as seen in an event.
type Chat struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	Title     string `json:"title,omitempty"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`

	Verified   bool `json:"verified,omitempty"`
	Restricted bool `json:"restricted,omitempty"`
	Scam       bool `json:"scam,omitempty"`
	Fake       bool `json:"fake,omitempty"`
	Support    bool `json:"support,omitempty"`
	Creator    bool `json:"creator,omitempty"`

	Photo *Photo `json:"photo,omitempty"`
}

// Media is an attachment reference. Only identifiers travel with the event.
type Media struct {
	Kind     string `json:"kind"`
	FileID   string `json:"file_id,omitempty"`
	UniqueID string `json:"unique_id,omitempty"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Poll is a poll attachment.
type Poll struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

// Contact is a shared contact card.
type Contact struct {
	Phone     string `json:"phone"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	UserID    int64  `json:"user_id,omitempty"`
	VCard     string `json:"vcard,omitempty"`
}

// Message is a new regular message. Dates are Unix seconds.
type Message struct {
	ID         int64 `json:"id"`
	Date       int   `json:"date"`
	Chat       *Chat `json:"chat,omitempty"`
	From       *User `json:"from,omitempty"`
	SenderChat *Chat `json:"sender_chat,omitempty"`

	Text      string   `json:"text,omitempty"`
	Media     *Media   `json:"media,omitempty"`
	ReplyTo   int64    `json:"reply_to,omitempty"`
	Scheduled bool     `json:"scheduled,omitempty"`
	ViaBot    string   `json:"via_bot,omitempty"`
	Poll      *Poll    `json:"poll,omitempty"`
	Contact   *Contact `json:"contact,omitempty"`

	Keyboard [][]string `json:"keyboard,omitempty"`
	Inline   [][]string `json:"inline,omitempty"`

	// set on edited copies
	EditDate int `json:"edit_date,omitempty"`
}

// Kind implements Event.
func (*Message) Kind() Kind { return KindMessage }

// Edit carries the full message as it reads after the edit.
type Edit struct {
	Message
}

// Kind implements Event.
func (*Edit) Kind() Kind { return KindEdit }

// DeletedMessage is one item of a deletion batch. Chat is nil when the
// platform did not report it.
type DeletedMessage struct {
	ID   int64  `json:"id"`
	Chat *int64 `json:"chat,omitempty"`
}

// DeletionBatch groups deletions delivered together. Date is the receipt
// time; zero means "now".
type DeletionBatch struct {
	Items []DeletedMessage `json:"items"`
	Date  int              `json:"date,omitempty"`
}

// Kind implements Event.
func (*DeletionBatch) Kind() Kind { return KindDeletion }

// MemberUpdate reports a participant change in a group or channel.
type MemberUpdate struct {
	Chat      *Chat  `json:"chat"`
	User      User   `json:"user"`
	Performer *User  `json:"performer,omitempty"`
	Date      int    `json:"date"`
	Joined    bool   `json:"joined"`
	OldStatus string `json:"old_status,omitempty"`
	NewStatus string `json:"new_status,omitempty"`
}

// Kind implements Event.
func (*MemberUpdate) Kind() Kind { return KindMember }

// ServiceEvent is a service message. Exactly the action fields that apply
// are set.
type ServiceEvent struct {
	ID         int64 `json:"id"`
	Date       int   `json:"date"`
	Chat       *Chat `json:"chat,omitempty"`
	From       *User `json:"from,omitempty"`
	SenderChat *Chat `json:"sender_chat,omitempty"`

	NewMembers        []User  `json:"new_members,omitempty"`
	LeftMember        *User   `json:"left_member,omitempty"`
	NewTitle          string  `json:"new_title,omitempty"`
	NewPhoto          *Photo  `json:"new_photo,omitempty"`
	DeletePhoto       bool    `json:"delete_photo,omitempty"`
	GroupCreated      bool    `json:"group_created,omitempty"`
	SupergroupCreated bool    `json:"supergroup_created,omitempty"`
	ChannelCreated    bool    `json:"channel_created,omitempty"`
	MigrateTo         int64   `json:"migrate_to,omitempty"`
	MigrateFrom       int64   `json:"migrate_from,omitempty"`
	PinnedMessage     int64   `json:"pinned_message,omitempty"`
	GameScore         int     `json:"game_score,omitempty"`
	VoiceChatStarted  bool    `json:"voice_chat_started,omitempty"`
	VoiceChatEnded    *int    `json:"voice_chat_ended,omitempty"`
	VoiceChatInvited  []int64 `json:"voice_chat_invited,omitempty"`
}

// Kind implements Event.
func (*ServiceEvent) Kind() Kind { return KindService }

// Presence statuses.
const (
	StatusOnline    = "online"
	StatusOffline   = "offline"
	StatusRecently  = "recently"
	StatusLastWeek  = "within_week"
	StatusLastMonth = "within_month"
	StatusLongAgo   = "long_time_ago"
)

// PresenceUpdate reports a user's online status. LastOnline is set only for
// the offline status; Date is the receipt time.
type PresenceUpdate struct {
	User       User   `json:"user"`
	Status     string `json:"status"`
	LastOnline int    `json:"last_online,omitempty"`
	Date       int    `json:"date,omitempty"`
}

// Kind implements Event.
func (*PresenceUpdate) Kind() Kind { return KindPresence }
