package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Dispatcher turns one persisted message into its two deliveries: the room
// event for everyone viewing the conversation and the notification event for
// every session the receiver has open.
type Dispatcher struct {
	bus Broadcaster
	log *zap.Logger
}

func NewDispatcher(bus Broadcaster, log *zap.Logger) *Dispatcher {
	return &Dispatcher{bus: bus, log: log.Named("fanout")}
}

// Dispatch must only be called once msg is durable. The two broadcasts are
// independent; a failure of one does not stop the other.
func (d *Dispatcher) Dispatch(ctx context.Context, room Room, msg *ChatMessage) error {
	roomEvent, err := json.Marshal(Event{
		Type:     eventChatMessage,
		SenderID: msg.Sender.ID,
		Message:  msg.Content,
	})
	if err != nil {
		return fmt.Errorf("encode room event: %w", err)
	}
	notification, err := json.Marshal(Event{
		Type:         eventChatMessage,
		Notification: true,
		SenderID:     msg.Sender.ID,
		Message:      msg.Content,
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	var errs []error
	if err := d.bus.Broadcast(ctx, room.Key(), roomEvent); err != nil {
		errs = append(errs, err)
	}
	if err := d.bus.Broadcast(ctx, UserKey(msg.Receiver.ID), notification); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		d.log.Error("fanout incomplete",
			zap.Int("message_id", msg.ID),
			zap.Stringer("room", room),
			zap.Error(err))
		return err
	}
	return nil
}
