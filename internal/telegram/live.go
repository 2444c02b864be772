package telegram

import (
	"context"
	"fmt"

	"github.com/gotd/td/tg"
)

// LiveChecker asks the platform which stored messages still exist. It
// implements ingest.LiveChecker for accounts that get no deletion updates.
type LiveChecker struct {
	rpc   RPCProvider
	peers *PeerCache
	rl    *RateLimiter
}

// NewLiveChecker creates a checker.
func NewLiveChecker(rpc RPCProvider, peers *PeerCache, rl *RateLimiter) *LiveChecker {
	return &LiveChecker{rpc: rpc, peers: peers, rl: rl}
}

// Live reports for each id whether the message is still retrievable in chat.
func (l *LiveChecker) Live(ctx context.Context, chat int64, ids []int64) (map[int64]bool, error) {
	rpc, err := l.rpc()
	if err != nil {
		return nil, err
	}

	var channel *tg.InputChannel
	if kind, _ := Unmark(chat); kind == PeerChannel {
		if channel, err = l.peers.InputChannel(chat); err != nil {
			return nil, err
		}
	}

	out := make(map[int64]bool, len(ids))
	for start := 0; start < len(ids); start += historyPage {
		end := min(start+historyPage, len(ids))
		input := make([]tg.InputMessageClass, 0, end-start)
		for _, id := range ids[start:end] {
			out[id] = false
			input = append(input, &tg.InputMessageID{ID: int(id)})
		}

		res, err := l.fetch(ctx, rpc, channel, input)
		if err != nil {
			return nil, fmt.Errorf("check messages in %d: %w", chat, err)
		}
		for _, mc := range messagesOf(res) {
			if _, empty := mc.(*tg.MessageEmpty); empty {
				continue
			}
			// private and group ids are account-wide; keep only this chat's
			if kind, _ := Unmark(chat); kind != PeerChannel {
				if peer, ok := peerOf(mc); ok && peer != chat {
					continue
				}
			}
			out[int64(mc.GetID())] = true
		}
	}
	return out, nil
}

func (l *LiveChecker) fetch(ctx context.Context, rpc RPC, channel *tg.InputChannel, ids []tg.InputMessageClass) (tg.MessagesMessagesClass, error) {
	for {
		if l.rl != nil {
			if err := l.rl.Wait(ctx); err != nil {
				return nil, err
			}
		}
		var (
			res tg.MessagesMessagesClass
			err error
		)
		if channel != nil {
			res, err = rpc.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{Channel: channel, ID: ids})
		} else {
			res, err = rpc.MessagesGetMessages(ctx, ids)
		}
		if err == nil {
			return res, nil
		}
		if l.rl != nil && l.rl.Observe(err) {
			continue
		}
		return nil, err
	}
}

func messagesOf(res tg.MessagesMessagesClass) []tg.MessageClass {
	switch r := res.(type) {
	case *tg.MessagesMessages:
		return r.Messages
	case *tg.MessagesMessagesSlice:
		return r.Messages
	case *tg.MessagesChannelMessages:
		return r.Messages
	default:
		return nil
	}
}

func peerOf(mc tg.MessageClass) (int64, bool) {
	switch m := mc.(type) {
	case *tg.Message:
		return PeerID(m.PeerID)
	case *tg.MessageService:
		return PeerID(m.PeerID)
	default:
		return 0, false
	}
}
