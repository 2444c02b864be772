package telegram

import (
	"context"
	"fmt"
	"sync"

	"github.com/gotd/td/tg"
)

// PeerCache remembers access hashes seen in updates and API responses so
// chats can be addressed by their marked id later.
// thread-safe
type PeerCache struct {
	mu       sync.RWMutex
	users    map[int64]int64
	chats    map[int64]struct{}
	channels map[int64]int64
}

// NewPeerCache returns an empty cache.
func NewPeerCache() *PeerCache {
	return &PeerCache{
		users:    map[int64]int64{},
		chats:    map[int64]struct{}{},
		channels: map[int64]int64{},
	}
}

// Remember stores every peer of ent.
func (c *PeerCache) Remember(ent tg.Entities) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, u := range ent.Users {
		if !u.Min {
			c.users[id] = u.AccessHash
		}
	}
	for id := range ent.Chats {
		c.chats[id] = struct{}{}
	}
	for id, ch := range ent.Channels {
		if !ch.Min {
			c.channels[id] = ch.AccessHash
		}
	}
}

// InputPeer returns the input peer for a marked id.
func (c *PeerCache) InputPeer(marked int64) (tg.InputPeerClass, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	kind, id := Unmark(marked)
	switch kind {
	case PeerUser:
		if hash, ok := c.users[id]; ok {
			return &tg.InputPeerUser{UserID: id, AccessHash: hash}, nil
		}
	case PeerChat:
		// basic groups need no access hash
		return &tg.InputPeerChat{ChatID: id}, nil
	case PeerChannel:
		if hash, ok := c.channels[id]; ok {
			return &tg.InputPeerChannel{ChannelID: id, AccessHash: hash}, nil
		}
	}
	return nil, fmt.Errorf("peer %d not seen yet", marked)
}

// InputChannel returns the input channel for a marked channel id.
func (c *PeerCache) InputChannel(marked int64) (*tg.InputChannel, error) {
	kind, id := Unmark(marked)
	if kind != PeerChannel {
		return nil, fmt.Errorf("peer %d is not a channel", marked)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	hash, ok := c.channels[id]
	if !ok {
		return nil, fmt.Errorf("channel %d not seen yet", marked)
	}
	return &tg.InputChannel{ChannelID: id, AccessHash: hash}, nil
}

// Len returns how many peers are cached.
func (c *PeerCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.users) + len(c.chats) + len(c.channels)
}

// Warm loads the dialog list so history and live checks can address chats
// that have not produced an update yet. At most pages*100 dialogs are read.
func (c *PeerCache) Warm(ctx context.Context, rpc RPC, rl *RateLimiter, pages int) error {
	req := &tg.MessagesGetDialogsRequest{OffsetPeer: &tg.InputPeerEmpty{}, Limit: 100}
	for page := 0; page < pages; page++ {
		if rl != nil {
			if err := rl.Wait(ctx); err != nil {
				return err
			}
		}
		res, err := rpc.MessagesGetDialogs(ctx, req)
		if err != nil {
			if rl != nil {
				rl.Observe(err)
			}
			return fmt.Errorf("get dialogs: %w", err)
		}

		var (
			msgs  []tg.MessageClass
			chats []tg.ChatClass
			users []tg.UserClass
			more  bool
		)
		switch d := res.(type) {
		case *tg.MessagesDialogs:
			msgs, chats, users = d.Messages, d.Chats, d.Users
		case *tg.MessagesDialogsSlice:
			msgs, chats, users = d.Messages, d.Chats, d.Users
			more = len(d.Dialogs) == req.Limit
		default:
			return nil
		}
		c.Remember(entitiesOf(chats, users))

		if !more || len(msgs) == 0 {
			return nil
		}
		last, ok := msgs[len(msgs)-1].(*tg.Message)
		if !ok {
			return nil
		}
		req.OffsetID = last.ID
		req.OffsetDate = last.Date
		req.OffsetPeer = c.offsetPeer(last.PeerID)
	}
	return nil
}

func (c *PeerCache) offsetPeer(p tg.PeerClass) tg.InputPeerClass {
	id, ok := PeerID(p)
	if !ok {
		return &tg.InputPeerEmpty{}
	}
	in, err := c.InputPeer(id)
	if err != nil {
		return &tg.InputPeerEmpty{}
	}
	return in
}

// entitiesOf indexes API response lists the way update entities are.
func entitiesOf(chats []tg.ChatClass, users []tg.UserClass) tg.Entities {
	ent := tg.Entities{
		Users:    map[int64]*tg.User{},
		Chats:    map[int64]*tg.Chat{},
		Channels: map[int64]*tg.Channel{},
	}
	for _, u := range users {
		if user, ok := u.(*tg.User); ok {
			ent.Users[user.ID] = user
		}
	}
	for _, ch := range chats {
		switch v := ch.(type) {
		case *tg.Chat:
			ent.Chats[v.ID] = v
		case *tg.Channel:
			ent.Channels[v.ID] = v
		}
	}
	return ent
}
