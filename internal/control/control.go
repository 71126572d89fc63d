// Package control carries fleet commands from one-shot CLI processes to the
// running bot process over Redis pub/sub.
package control

import (
	"context"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/cenkalti/backoff/v4"
	"github.com/disgoorg/snowflake/v2"
	"github.com/redis/rueidis"
	"go.uber.org/zap"
)

// Channel is the pub/sub channel control messages are published on.
const Channel = "botfleet:control"

// queueSize bounds the messages received but not yet applied.
const queueSize = 64

// errSubscriptionClosed is returned when the server ends the subscription.
var errSubscriptionClosed = errors.New("control subscription closed")

// Action tells the running fleet what to do with an instance.
type Action string

const (
	// ActionStart (re)connects an instance from its stored record.
	ActionStart Action = "start"
	// ActionStop disconnects an instance without touching its record.
	ActionStop Action = "stop"
	// ActionInvalidate drops the cached config of an instance.
	ActionInvalidate Action = "invalidate"
)

// Message is the payload published on Channel.
type Message struct {
	Action     Action       `json:"action"`
	InstanceID snowflake.ID `json:"instanceId"`
}

// Handler applies control messages to the live fleet.
type Handler interface {
	Reload(ctx context.Context, id snowflake.ID) error
	Release(ctx context.Context, id snowflake.ID)
	Invalidate(id snowflake.ID)
}

// Bus publishes and receives control messages.
type Bus struct {
	client rueidis.Client
	logger *zap.Logger
}

// NewBus creates a control bus over the given client.
func NewBus(client rueidis.Client, logger *zap.Logger) *Bus {
	return &Bus{
		client: client,
		logger: logger.Named("control"),
	}
}

// Publish sends an action for an instance to every listening process.
func (b *Bus) Publish(ctx context.Context, action Action, id snowflake.ID) error {
	payload, err := sonic.MarshalString(Message{Action: action, InstanceID: id})
	if err != nil {
		return fmt.Errorf("failed to encode control message: %w", err)
	}

	cmd := b.client.B().Publish().Channel(Channel).Message(payload).Build()
	if err := b.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to publish %s for instance %d: %w", action, id, err)
	}

	return nil
}

// Listen applies received messages to h one at a time, in arrival order,
// until ctx is done. A lost subscription is re-established with backoff.
func (b *Bus) Listen(ctx context.Context, h Handler) error {
	queue := make(chan Message, queueSize)
	done := make(chan struct{})

	go func() {
		defer close(done)

		for msg := range queue {
			b.apply(ctx, h, msg)
		}
	}()

	defer func() {
		close(queue)
		<-done
	}()

	err := backoff.Retry(func() error {
		subscribe := b.client.B().Subscribe().Channel(Channel).Build()

		err := b.client.Receive(ctx, subscribe, func(m rueidis.PubSubMessage) {
			var msg Message
			if err := sonic.UnmarshalString(m.Message, &msg); err != nil {
				b.logger.Warn("Dropping malformed control message", zap.String("payload", m.Message), zap.Error(err))
				return
			}

			select {
			case queue <- msg:
			case <-ctx.Done():
			}
		})
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		if err == nil {
			err = errSubscriptionClosed
		}

		b.logger.Warn("Control subscription lost, resubscribing", zap.Error(err))

		return err
	}, backoff.WithContext(backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(0)), ctx))
	if ctx.Err() != nil {
		return nil
	}

	return err
}

func (b *Bus) apply(ctx context.Context, h Handler, msg Message) {
	logger := b.logger.With(
		zap.String("action", string(msg.Action)),
		zap.Uint64("instanceID", uint64(msg.InstanceID)))

	switch msg.Action {
	case ActionStart:
		if err := h.Reload(ctx, msg.InstanceID); err != nil {
			logger.Error("Failed to start instance", zap.Error(err))
			return
		}
	case ActionStop:
		h.Release(ctx, msg.InstanceID)
	case ActionInvalidate:
		h.Invalidate(msg.InstanceID)
	default:
		logger.Warn("Ignoring unknown control action")
		return
	}

	logger.Debug("Applied control message")
}
