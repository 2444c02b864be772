package telegram

import (
	"context"
	"fmt"
	"io"

	"github.com/gotd/td/tg"

	"github.com/blockedby/chatlog/internal/backfill"
	"github.com/blockedby/chatlog/internal/events"
	"github.com/blockedby/chatlog/internal/logger"
)

// telegram api limit per history page
const historyPage = 100

// RPC is the subset of the raw API used outside the update loop.
// *tg.Client implements it.
type RPC interface {
	MessagesGetHistory(ctx context.Context, request *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error)
	MessagesGetMessages(ctx context.Context, id []tg.InputMessageClass) (tg.MessagesMessagesClass, error)
	ChannelsGetMessages(ctx context.Context, request *tg.ChannelsGetMessagesRequest) (tg.MessagesMessagesClass, error)
	MessagesGetDialogs(ctx context.Context, request *tg.MessagesGetDialogsRequest) (tg.MessagesDialogsClass, error)
}

// RPCProvider returns the API once the client is connected.
type RPCProvider func() (RPC, error)

// History opens paged chat history as event iterators. It implements
// backfill.Source.
type History struct {
	rpc   RPCProvider
	peers *PeerCache
	conv  func() *Converter
	rl    *RateLimiter
	log   *logger.Logger
}

// NewHistory creates a history source. self supplies the logged-in user id
// for converting outgoing messages.
func NewHistory(rpc RPCProvider, peers *PeerCache, self func() int64, rl *RateLimiter, log *logger.Logger) *History {
	return &History{
		rpc:   rpc,
		peers: peers,
		conv:  func() *Converter { return &Converter{SelfID: self()} },
		rl:    rl,
		log:   log,
	}
}

// History implements backfill.Source.
func (h *History) History(ctx context.Context, req backfill.Request) (events.Iterator, error) {
	rpc, err := h.rpc()
	if err != nil {
		return nil, err
	}
	peer, err := h.peers.InputPeer(req.Chat)
	if err != nil {
		return nil, err
	}
	return &historyIterator{
		h:      h,
		rpc:    rpc,
		conv:   h.conv(),
		peer:   peer,
		req:    req,
		offset: req.OffsetID,
	}, nil
}

// historyIterator reads one page at a time and yields its messages in the
// requested order.
type historyIterator struct {
	h    *History
	rpc  RPC
	conv *Converter
	peer tg.InputPeerClass
	req  backfill.Request

	buf    []events.Event
	offset int
	read   int
	done   bool
}

// Next implements events.Iterator.
func (it *historyIterator) Next(ctx context.Context) (events.Event, error) {
	for len(it.buf) == 0 {
		if it.done {
			return nil, io.EOF
		}
		if err := it.fetch(ctx); err != nil {
			return nil, err
		}
	}
	ev := it.buf[0]
	it.buf = it.buf[1:]
	return ev, nil
}

func (it *historyIterator) fetch(ctx context.Context) error {
	limit := historyPage
	if it.req.Limit > 0 {
		if left := it.req.Limit - it.read; left < limit {
			limit = left
		}
	}
	if limit <= 0 {
		it.done = true
		return nil
	}

	req := &tg.MessagesGetHistoryRequest{Peer: it.peer, Limit: limit}
	if it.req.OldestFirst {
		// the page above offset: shift the window up by a full page
		req.OffsetID = it.offset + 1
		req.AddOffset = -limit
	} else {
		req.OffsetID = it.offset
	}

	res, err := it.call(ctx, req)
	if err != nil {
		return err
	}

	var (
		msgs  []tg.MessageClass
		chats []tg.ChatClass
		users []tg.UserClass
	)
	switch r := res.(type) {
	case *tg.MessagesMessages:
		msgs, chats, users = r.Messages, r.Chats, r.Users
	case *tg.MessagesMessagesSlice:
		msgs, chats, users = r.Messages, r.Chats, r.Users
	case *tg.MessagesChannelMessages:
		msgs, chats, users = r.Messages, r.Chats, r.Users
	default:
		it.done = true
		return nil
	}
	ent := entitiesOf(chats, users)
	it.h.peers.Remember(ent)

	// pages arrive newest first
	if it.req.OldestFirst {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}

	taken := 0
	for _, mc := range msgs {
		id := mc.GetID()
		if it.req.OldestFirst && id <= it.offset {
			continue
		}
		if !it.req.OldestFirst && it.offset > 0 && id >= it.offset {
			continue
		}
		taken++
		if it.req.OldestFirst || it.offset == 0 || id < it.offset {
			it.offset = id
		}

		ev, err := it.conv.FromClass(ent, mc)
		if err != nil {
			it.h.log.Warn().Err(err).Int64("chat_id", it.req.Chat).Int("message_id", id).Msg("telegram: skipping unconvertible history message")
			continue
		}
		if ev != nil {
			it.buf = append(it.buf, ev)
		}
	}
	it.read += taken

	if taken == 0 || len(msgs) < limit {
		it.done = true
	}
	return nil
}

// call runs one history request, waiting out FLOOD_WAIT errors.
func (it *historyIterator) call(ctx context.Context, req *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error) {
	for {
		if it.h.rl != nil {
			if err := it.h.rl.Wait(ctx); err != nil {
				return nil, err
			}
		}
		res, err := it.rpc.MessagesGetHistory(ctx, req)
		if err == nil {
			return res, nil
		}
		if it.h.rl != nil && it.h.rl.Observe(err) {
			it.h.log.Warn().Err(err).Int64("chat_id", it.req.Chat).Msg("telegram: FLOOD_WAIT in history, backing off")
			continue
		}
		return nil, fmt.Errorf("get history of %d: %w", it.req.Chat, err)
	}
}
