package events

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/parleyhq/parley/internal/model/chat"
)

const (
	TypeTurn    = "turn"
	TypeDeleted = "deleted"
)

// TurnEvent is the payload fanned out for every transcript change on a
// session. Turn is set for TypeTurn and nil for TypeDeleted.
type TurnEvent struct {
	SessionID string     `json:"session_id"`
	Type      string     `json:"type"`
	Turn      *chat.Turn `json:"turn,omitempty"`
}

// Bus fans transcript changes out to in-process subscribers, one topic per
// session. Publishing with no subscribers is a no-op, so the turn engine
// never blocks on it.
type Bus struct {
	logger watermill.LoggerAdapter
	pubsub *gochannel.GoChannel
}

type BusOption func(*Bus)

// WithLogger routes watermill's internal logging somewhere visible.
func WithLogger(logger watermill.LoggerAdapter) BusOption {
	return func(b *Bus) {
		b.logger = logger
	}
}

func NewBus(options ...BusOption) *Bus {
	b := &Bus{
		logger: watermill.NopLogger{},
	}
	for _, o := range options {
		o(b)
	}

	b.pubsub = gochannel.NewGoChannel(gochannel.Config{}, b.logger)
	return b
}

// Topic names the per-session event stream.
func Topic(sessionID string) string {
	return "chat:" + sessionID
}

func (b *Bus) PublishTurn(sessionID string, turn chat.Turn) error {
	return b.publish(TurnEvent{SessionID: sessionID, Type: TypeTurn, Turn: &turn})
}

func (b *Bus) PublishDeleted(sessionID string) error {
	return b.publish(TurnEvent{SessionID: sessionID, Type: TypeDeleted})
}

func (b *Bus) publish(event TurnEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	return b.pubsub.Publish(Topic(event.SessionID), msg)
}

// Subscribe returns the message stream for one session. The channel closes
// when ctx is done or the bus is closed; consumers must Ack each message.
func (b *Bus) Subscribe(ctx context.Context, sessionID string) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, Topic(sessionID))
}

func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// ParseTurnEvent decodes a bus payload back into a TurnEvent.
func ParseTurnEvent(payload []byte) (TurnEvent, error) {
	var event TurnEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return TurnEvent{}, err
	}
	return event, nil
}
