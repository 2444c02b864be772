// Package extract maps platform events to stored document shapes. It does
// no I/O. Fields the platform left absent are omitted from the output so a
// later diff can tell "unchanged" from "removed".
package extract

import (
	"errors"
	"fmt"
	"time"

	"github.com/blockedby/chatlog/internal/diff"
	"github.com/blockedby/chatlog/internal/events"
	"github.com/blockedby/chatlog/internal/models"
)

// errors
var (
	ErrMissingChat = errors.New("event has no chat")
	ErrMissingID   = errors.New("event has no message id")
)

// Time converts platform Unix seconds to UTC. Zero stays the zero time.
func Time(unix int) time.Time {
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(int64(unix), 0).UTC()
}

// TimeOr converts unix, falling back to now when the platform omitted it.
func TimeOr(unix int, now time.Time) time.Time {
	if unix == 0 {
		return now.UTC()
	}
	return Time(unix)
}

// Sender returns the author id: the user if present, else the chat that
// posted on its own behalf.
func Sender(from *events.User, senderChat *events.Chat) *int64 {
	switch {
	case from != nil:
		id := from.ID
		return &id
	case senderChat != nil:
		id := senderChat.ID
		return &id
	}
	return nil
}

// Message extracts the stored form of a regular message.
func Message(m *events.Message) (*models.Message, error) {
	if m.Chat == nil {
		return nil, fmt.Errorf("message %d: %w", m.ID, ErrMissingChat)
	}
	if m.ID == 0 {
		return nil, ErrMissingID
	}

	out := &models.Message{
		Chat:      m.Chat.ID,
		ID:        m.ID,
		User:      Sender(m.From, m.SenderChat),
		Date:      Time(m.Date),
		Text:      m.Text,
		Media:     Media(m.Media),
		Scheduled: m.Scheduled,
		ViaBot:    m.ViaBot,
		Keyboard:  m.Keyboard,
		Inline:    m.Inline,
		Bot:       m.From != nil && m.From.Bot,
	}
	if m.ReplyTo != 0 {
		reply := m.ReplyTo
		out.Reply = &reply
	}
	if m.Poll != nil {
		out.Poll = &models.Poll{Question: m.Poll.Question, Options: m.Poll.Options}
	}
	if m.Contact != nil {
		out.Contact = &models.Contact{
			Phone:     m.Contact.Phone,
			FirstName: m.Contact.FirstName,
			LastName:  m.Contact.LastName,
			UserID:    m.Contact.UserID,
			VCard:     m.Contact.VCard,
		}
	}
	return out, nil
}

// Edit extracts an edited message and the time the edit happened. The
// returned message has Edited set so it can be stored as-is when the
// original was never seen.
func Edit(e *events.Edit) (*models.Message, time.Time, error) {
	msg, err := Message(&e.Message)
	if err != nil {
		return nil, time.Time{}, err
	}
	at := Time(e.EditDate)
	if at.IsZero() {
		at = msg.Date
	}
	msg.Edited = &at
	return msg, at, nil
}

// Media reduces an attachment to its descriptor.
func Media(m *events.Media) *models.Media {
	if m == nil || m.Kind == "" {
		return nil
	}
	return &models.Media{
		Kind:     m.Kind,
		FileID:   m.FileID,
		UniqueID: m.UniqueID,
		FileName: m.FileName,
		MimeType: m.MimeType,
		Size:     m.Size,
	}
}

// Deletions turns a batch into deletion records stamped with the receipt
// time. The platform does not say when the deletion happened.
func Deletions(b *events.DeletionBatch, now time.Time) []models.Deletion {
	at := TimeOr(b.Date, now)
	out := make([]models.Deletion, 0, len(b.Items))
	for _, item := range b.Items {
		d := models.Deletion{ID: item.ID, Date: at}
		if item.Chat != nil {
			chat := *item.Chat
			d.Chat = &chat
		}
		out = append(out, d)
	}
	return out
}

// Membership extracts a participant change.
func Membership(u *events.MemberUpdate, now time.Time) (*models.Membership, error) {
	if u.Chat == nil {
		return nil, fmt.Errorf("member update for user %d: %w", u.User.ID, ErrMissingChat)
	}
	out := &models.Membership{
		Chat:   u.Chat.ID,
		User:   u.User.ID,
		Date:   TimeOr(u.Date, now),
		Joined: u.Joined,
	}
	if u.Performer != nil && u.Performer.ID != u.User.ID {
		id := u.Performer.ID
		out.Performer = &id
	}
	return out, nil
}

// User extracts a user profile document.
func User(u *events.User) diff.Document {
	doc := diff.Document{
		models.FieldID: u.ID,
		"flags": map[string]any{
			"self":           u.Self,
			"contact":        u.Contact,
			"mutual_contact": u.MutualContact,
			"deleted":        u.Deleted,
			"bot":            u.Bot,
			"verified":       u.Verified,
			"restricted":     u.Restricted,
			"scam":           u.Scam,
			"fake":           u.Fake,
			"support":        u.Support,
		},
	}
	putString(doc, "first_name", u.FirstName)
	putString(doc, "last_name", u.LastName)
	putString(doc, "username", u.Username)
	if u.DCID != 0 {
		doc["dc_id"] = int64(u.DCID)
	}
	if p := photo(u.Photo); p != nil {
		doc["photo"] = p
	}
	return doc
}

// Chat extracts a chat profile document.
func Chat(c *events.Chat) diff.Document {
	doc := diff.Document{
		models.FieldID: c.ID,
		"type":         c.Type,
		"flags": map[string]any{
			"verified":   c.Verified,
			"restricted": c.Restricted,
			"scam":       c.Scam,
			"fake":       c.Fake,
			"support":    c.Support,
			"created":    c.Creator,
		},
	}
	putString(doc, "title", c.Title)
	putString(doc, "username", c.Username)
	putString(doc, "first_name", c.FirstName)
	putString(doc, "last_name", c.LastName)
	if p := photo(c.Photo); p != nil {
		doc["photo"] = p
	}
	return doc
}

// Presence extracts the profile fields a status update changes.
func Presence(p *events.PresenceUpdate) diff.Document {
	doc := diff.Document{models.FieldStatus: p.Status}
	if p.LastOnline != 0 {
		doc[models.FieldLastOnline] = Time(p.LastOnline)
	}
	return doc
}

func photo(p *events.Photo) map[string]any {
	if p == nil {
		return nil
	}
	out := map[string]any{}
	putString(out, "small_file_id", p.SmallFileID)
	putString(out, "small_photo_unique_id", p.SmallUniqueID)
	putString(out, "big_file_id", p.BigFileID)
	putString(out, "big_photo_unique_id", p.BigUniqueID)
	if len(out) == 0 {
		return nil
	}
	return out
}

func putString(doc map[string]any, key, val string) {
	if val != "" {
		doc[key] = val
	}
}
