package models

import (
	"time"
)

// Logical collection names shared by every store backend.
const (
	CollMessages    = "messages"
	CollService     = "service_events"
	CollDeletions   = "deletions"
	CollMemberships = "memberships"
	CollUsers       = "users"
	CollChats       = "chats"
	CollFailures    = "failures"
)

// Collections lists the collections the ingestion driver writes to.
var Collections = []string{
	CollMessages, CollService, CollDeletions, CollMemberships, CollUsers, CollChats,
}

// Media is the stable descriptor kept for an attachment. The payload itself
// is never stored in the document.
type Media struct {
	Kind     string `json:"kind" bson:"kind"`
	FileID   string `json:"file_id,omitempty" bson:"file_id,omitempty"`
	UniqueID string `json:"unique_id,omitempty" bson:"unique_id,omitempty"`
	FileName string `json:"file_name,omitempty" bson:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty" bson:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty" bson:"size,omitempty"`

	// local path when media logging downloaded the file
	Path string `json:"path,omitempty" bson:"path,omitempty"`
}

// Edit is a prior state of a message text. Date is when that state became
// current.
type Edit struct {
	Date time.Time `json:"date" bson:"date"`
	Text string    `json:"text" bson:"text"`
}

// Poll is the question and option texts of a poll attachment.
type Poll struct {
	Question string   `json:"question" bson:"question"`
	Options  []string `json:"options" bson:"options"`
}

// Contact is a shared contact card.
type Contact struct {
	Phone     string `json:"phone" bson:"phone"`
	FirstName string `json:"first_name,omitempty" bson:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty" bson:"last_name,omitempty"`
	UserID    int64  `json:"user_id,omitempty" bson:"user_id,omitempty"`
	VCard     string `json:"vcard,omitempty" bson:"vcard,omitempty"`
}

// Message is a stored chat message. Rank 0 marks the canonical copy of a
// (chat, id) pair; higher ranks are superseded duplicate deliveries.
type Message struct {
	// identification
	Chat int64  `json:"chat" bson:"chat"`
	ID   int64  `json:"id" bson:"id"`
	User *int64 `json:"user,omitempty" bson:"user,omitempty"`
	Rank int    `json:"rank" bson:"rank"`

	// content
	Date      time.Time  `json:"date" bson:"date"`
	Text      string     `json:"text,omitempty" bson:"text,omitempty"`
	Media     *Media     `json:"media,omitempty" bson:"media,omitempty"`
	Reply     *int64     `json:"reply,omitempty" bson:"reply,omitempty"`
	Scheduled bool       `json:"scheduled,omitempty" bson:"scheduled,omitempty"`
	ViaBot    string     `json:"via_bot,omitempty" bson:"via_bot,omitempty"`
	Keyboard  [][]string `json:"keyboard,omitempty" bson:"keyboard,omitempty"`
	Inline    [][]string `json:"inline,omitempty" bson:"inline,omitempty"`
	Poll      *Poll      `json:"poll,omitempty" bson:"poll,omitempty"`
	Contact   *Contact   `json:"contact,omitempty" bson:"contact,omitempty"`

	// author flags copied at ingestion so deletion lookups can filter bots
	Bot bool `json:"bot,omitempty" bson:"bot,omitempty"`

	// lifecycle
	Edits   []Edit     `json:"edits,omitempty" bson:"edits,omitempty"`
	Edited  *time.Time `json:"edited,omitempty" bson:"edited,omitempty"`
	Deleted *time.Time `json:"deleted,omitempty" bson:"deleted,omitempty"`
}

// Canonical reports whether m is the authoritative copy of its key.
func (m *Message) Canonical() bool {
	return m.Rank == 0
}

// ServiceEvent is a non-message chat event such as a title change or a pin.
// Data holds the action-specific fields.
type ServiceEvent struct {
	Chat    int64          `json:"chat" bson:"chat"`
	ID      int64          `json:"id" bson:"id"`
	User    *int64         `json:"user,omitempty" bson:"user,omitempty"`
	Date    time.Time      `json:"date" bson:"date"`
	Action  string         `json:"action" bson:"action"`
	Data    map[string]any `json:"data,omitempty" bson:"data,omitempty"`
	Deleted *time.Time     `json:"deleted,omitempty" bson:"deleted,omitempty"`
}

// Deletion records a content-free deletion notification. Chat is nil when
// the platform did not say which chat the message belonged to.
type Deletion struct {
	ID   int64     `json:"id" bson:"id"`
	Chat *int64    `json:"chat,omitempty" bson:"chat,omitempty"`
	Date time.Time `json:"date" bson:"date"`
}

// Membership is one join or leave observation.
type Membership struct {
	Chat      int64     `json:"chat" bson:"chat"`
	User      int64     `json:"user" bson:"user"`
	Date      time.Time `json:"date" bson:"date"`
	Joined    bool      `json:"joined" bson:"joined"`
	Performer *int64    `json:"performer,omitempty" bson:"performer,omitempty"`
}

// Failure is an error sink record: the event that could not be ingested
// plus enough context to replay or debug it.
type Failure struct {
	ID    string    `json:"id" bson:"id"`
	Date  time.Time `json:"date" bson:"date"`
	Kind  string    `json:"kind" bson:"kind"`
	Error string    `json:"error" bson:"error"`
	Raw   string    `json:"raw,omitempty" bson:"raw,omitempty"`
	Stack string    `json:"stack,omitempty" bson:"stack,omitempty"`
}
