// Package broadcast carries cache change notifications between instances.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goflare.io/tiercache/internal/models"
	"goflare.io/tiercache/internal/tier"
	"goflare.io/tiercache/pkg/serialization"
)

// ErrBusClosed is returned by Publish and Subscribe after Close.
var ErrBusClosed = errors.New("bus closed")

// Kind is the type of change a Message announces.
type Kind string

const (
	KindStore      Kind = "store"
	KindInvalidate Kind = "invalidate"
	KindClear      Kind = "clear"
)

// Message announces one change made by the instance named in Origin.
//
// A store message without Entry means the entry was too large to ship;
// receivers drop copies older than StoredAt. A clear message with an empty
// Tier clears every tier.
type Message struct {
	Kind     Kind          `json:"kind"`
	Origin   string        `json:"origin"`
	Key      models.Key    `json:"key,omitempty"`
	StoredAt time.Time     `json:"stored_at,omitempty"`
	Tier     tier.Name     `json:"tier,omitempty"`
	Entry    *models.Entry `json:"entry,omitempty"`
}

// Validate rejects messages a receiver could not act on.
func (m Message) Validate() error {
	if m.Origin == "" {
		return errors.New("message has no origin")
	}
	switch m.Kind {
	case KindStore:
		if m.Key == "" {
			return errors.New("store message has no key")
		}
		if m.Entry != nil && m.Entry.Key != m.Key {
			return fmt.Errorf("store message key %q does not match entry key %q", m.Key, m.Entry.Key)
		}
	case KindInvalidate:
		if m.Key == "" {
			return errors.New("invalidate message has no key")
		}
	case KindClear:
	default:
		return fmt.Errorf("unknown message kind %q", m.Kind)
	}
	return nil
}

// Handler receives every decoded message, including the subscriber's own.
type Handler func(Message)

// Bus is a publish/subscribe channel shared by sibling instances.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(ctx context.Context, h Handler) (unsubscribe func(), err error)
	Close() error
}

var codec = serialization.Codec{
	Type:    serialization.JSONType,
	Encoder: serialization.JSONEncoder,
	Decoder: serialization.JSONDecoder,
}

// Encode serializes msg for the wire.
func Encode(msg Message) ([]byte, error) {
	data, err := codec.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", msg.Kind, err)
	}
	return data, nil
}

// Decode parses and validates a wire message.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := codec.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}
