package events

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// longest envelope line a stream may carry
const maxEnvelopeLine = 16 << 20

// ErrUnknownKind is returned when an envelope names no known variant.
var ErrUnknownKind = errors.New("unknown event kind")

// Envelope is the wire form of an event: its kind plus the variant body.
type Envelope struct {
	Kind  Kind            `json:"kind"`
	Event json.RawMessage `json:"event"`
}

// Marshal encodes e as an envelope.
func Marshal(e Event) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", e.Kind(), err)
	}
	return json.Marshal(Envelope{Kind: e.Kind(), Event: body})
}

// Decode parses an envelope into its concrete variant.
func Decode(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	var e Event
	switch env.Kind {
	case KindMessage:
		e = &Message{}
	case KindEdit:
		e = &Edit{}
	case KindDeletion:
		e = &DeletionBatch{}
	case KindMember:
		e = &MemberUpdate{}
	case KindService:
		e = &ServiceEvent{}
	case KindPresence:
		e = &PresenceUpdate{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}

	if err := json.Unmarshal(env.Event, e); err != nil {
		return nil, fmt.Errorf("unmarshal %s event: %w", env.Kind, err)
	}
	return e, nil
}

// Iterator yields historical events. Next returns io.EOF when exhausted.
type Iterator interface {
	Next(ctx context.Context) (Event, error)
}

// SliceIterator replays a fixed list of events.
type SliceIterator struct {
	items []Event
	pos   int
}

// NewSliceIterator returns an iterator over items in order.
func NewSliceIterator(items ...Event) *SliceIterator {
	return &SliceIterator{items: items}
}

// Next implements Iterator.
func (it *SliceIterator) Next(ctx context.Context) (Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if it.pos >= len(it.items) {
		return nil, io.EOF
	}
	e := it.items[it.pos]
	it.pos++
	return e, nil
}

// StreamIterator decodes newline-delimited envelopes from a reader. Blank
// lines are skipped.
type StreamIterator struct {
	sc   *bufio.Scanner
	line int

	// Skip, when set, receives malformed lines instead of Next failing.
	Skip func(*LineError)
}

// NewStreamIterator reads envelopes from r.
func NewStreamIterator(r io.Reader) *StreamIterator {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxEnvelopeLine)
	return &StreamIterator{sc: sc}
}

// Next implements Iterator. A malformed line fails with a *LineError
// unless Skip is set.
func (it *StreamIterator) Next(ctx context.Context) (Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for it.sc.Scan() {
		it.line++
		data := bytes.TrimSpace(it.sc.Bytes())
		if len(data) == 0 {
			continue
		}
		e, err := Decode(data)
		if err != nil {
			lerr := &LineError{Line: it.line, Raw: string(data), Err: err}
			if it.Skip != nil {
				it.Skip(lerr)
				continue
			}
			return nil, lerr
		}
		return e, nil
	}
	if err := it.sc.Err(); err != nil {
		return nil, fmt.Errorf("read envelopes: %w", err)
	}
	return nil, io.EOF
}

// LineError is a line of a stream that could not be decoded.
type LineError struct {
	Line int
	Raw  string
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }
