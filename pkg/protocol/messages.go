// Package protocol implements CoValue synchronization between peers:
// the four wire messages, the peer abstraction and the node-side
// SyncManager that reconciles known states and streams missing content.
package protocol

import (
	"fmt"

	"github.com/gezibash/arc-sync/pkg/codec"
	"github.com/gezibash/arc-sync/pkg/covalue"
	arcerrors "github.com/gezibash/arc-sync/pkg/errors"
)

// Action tags a sync message.
type Action string

const (
	ActionLoad    Action = "load"
	ActionKnown   Action = "known"
	ActionContent Action = "content"
	ActionDone    Action = "done"
)

// Message is one of LoadMessage, KnownStateMessage, NewContentMessage
// or DoneMessage.
type Message interface {
	Action() Action
	CoID() covalue.CoID
}

// LoadMessage asks for everything beyond the sender's known state.
type LoadMessage struct {
	covalue.KnownState
}

func (*LoadMessage) Action() Action       { return ActionLoad }
func (m *LoadMessage) CoID() covalue.CoID { return m.ID }

// KnownStateMessage tells the receiver what the sender holds. A
// correction replaces whatever the receiver assumed before.
type KnownStateMessage struct {
	covalue.KnownState
	IsCorrection   bool         `cbor:"isCorrection,omitempty"`
	AsDependencyOf covalue.CoID `cbor:"asDependencyOf,omitempty"`
}

func (*KnownStateMessage) Action() Action       { return ActionKnown }
func (m *KnownStateMessage) CoID() covalue.CoID { return m.ID }

// NewContentMessage carries transactions the receiver is assumed to
// lack, per session, starting at each session's After offset.
type NewContentMessage struct {
	ID       covalue.CoID                                    `cbor:"id"`
	Header   *covalue.Header                                 `cbor:"header,omitempty"`
	New      map[covalue.SessionID]covalue.SessionNewContent `cbor:"new"`
	Priority covalue.Priority                                `cbor:"priority"`
}

func (*NewContentMessage) Action() Action       { return ActionContent }
func (m *NewContentMessage) CoID() covalue.CoID { return m.ID }

// DoneMessage follows the last message a storage peer sends in reply to
// a load. A load still waiting on it counts the peer as answered.
type DoneMessage struct {
	ID covalue.CoID `cbor:"id"`
}

func (*DoneMessage) Action() Action       { return ActionDone }
func (m *DoneMessage) CoID() covalue.CoID { return m.ID }

// ContentMessage converts a piece produced by Core.NewContentSince.
func ContentMessage(piece covalue.NewContent) *NewContentMessage {
	return &NewContentMessage{
		ID:       piece.ID,
		Header:   piece.Header,
		New:      piece.New,
		Priority: piece.Priority,
	}
}

// Envelope is the wire form of a Message: the action tag plus exactly
// one populated body.
type Envelope struct {
	Action  Action             `cbor:"action"`
	Load    *LoadMessage       `cbor:"load,omitempty"`
	Known   *KnownStateMessage `cbor:"known,omitempty"`
	Content *NewContentMessage `cbor:"content,omitempty"`
	Done    *DoneMessage       `cbor:"done,omitempty"`
}

// Wrap places msg in an Envelope.
func Wrap(msg Message) (*Envelope, error) {
	env := &Envelope{Action: msg.Action()}
	switch m := msg.(type) {
	case *LoadMessage:
		env.Load = m
	case *KnownStateMessage:
		env.Known = m
	case *NewContentMessage:
		env.Content = m
	case *DoneMessage:
		env.Done = m
	default:
		return nil, fmt.Errorf("%w: unknown message type %T", arcerrors.ErrInvalidInput, msg)
	}
	return env, nil
}

// Message returns the body matching the envelope's action.
func (e *Envelope) Message() (Message, error) {
	var msg Message
	switch e.Action {
	case ActionLoad:
		if e.Load != nil {
			msg = e.Load
		}
	case ActionKnown:
		if e.Known != nil {
			msg = e.Known
		}
	case ActionContent:
		if e.Content != nil {
			msg = e.Content
		}
	case ActionDone:
		if e.Done != nil {
			msg = e.Done
		}
	default:
		return nil, fmt.Errorf("%w: unknown action %q", arcerrors.ErrInvalidInput, e.Action)
	}
	if msg == nil {
		return nil, fmt.Errorf("%w: %s envelope without body", arcerrors.ErrInvalidInput, e.Action)
	}
	if !covalue.IsCoID(string(msg.CoID())) {
		return nil, fmt.Errorf("%w: %s message for malformed id %q", arcerrors.ErrInvalidInput, e.Action, msg.CoID())
	}
	return msg, nil
}

// Encode serializes msg for the wire.
func Encode(msg Message) ([]byte, error) {
	env, err := Wrap(msg)
	if err != nil {
		return nil, err
	}
	return codec.Marshal(env)
}

// Decode parses a wire frame. Malformed frames return ErrInvalidInput
// and never panic.
func Decode(data []byte) (Message, error) {
	var env Envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: decode envelope: %v", arcerrors.ErrInvalidInput, err)
	}
	return env.Message()
}
