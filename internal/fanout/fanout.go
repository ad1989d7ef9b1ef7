// Package fanout propagates committed operations between server instances
// over a shared pub/sub bus. Every payload carries the originating server's
// id; a subscriber discards its own messages (it already broadcast locally
// before publishing) and hands foreign ones to the sink.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/inkwell-app/inksync/internal/room"
)

const (
	opChannelSuffix    = ":operation"
	batchChannelSuffix = ":operations_batch"

	opPattern    = "room:*" + opChannelSuffix
	batchPattern = "room:*" + batchChannelSuffix
)

// Sink receives operations that originated on other instances.
type Sink interface {
	ReceiveOperation(ctx context.Context, op *room.Operation)
	ReceiveBatch(ctx context.Context, ops []*room.Operation)
}

// Fanout publishes this instance's commits and re-broadcasts other
// instances' commits to locally connected sockets.
type Fanout struct {
	bus      Bus
	serverID string
	sink     Sink

	// Optional counters (nil-safe).
	OnPublished func(kind string)
	OnReceived  func(result string)
}

// New creates a Fanout for the given instance identity.
func New(bus Bus, serverID string, sink Sink) *Fanout {
	return &Fanout{bus: bus, serverID: serverID, sink: sink}
}

// ServerID returns this instance's stable identity tag.
func (f *Fanout) ServerID() string { return f.serverID }

// PublishOperation tags a committed operation with this instance's id and
// publishes it on the room's operation channel.
func (f *Fanout) PublishOperation(ctx context.Context, op *room.Operation) error {
	tagged := *op
	tagged.OriginServerID = f.serverID
	payload, err := json.Marshal(tagged)
	if err != nil {
		return fmt.Errorf("encoding operation %s: %w", op.ID, err)
	}
	if err := f.bus.Publish(ctx, "room:"+op.RoomID+opChannelSuffix, payload); err != nil {
		return fmt.Errorf("publishing operation %s: %w", op.ID, err)
	}
	f.notePublished("operation")
	return nil
}

// PublishBatch publishes a coalesced batch as a single message on the
// room's batch channel. Every operation in the payload carries the origin
// tag.
func (f *Fanout) PublishBatch(ctx context.Context, roomID string, ops []*room.Operation) error {
	tagged := make([]room.Operation, len(ops))
	for i, op := range ops {
		tagged[i] = *op
		tagged[i].OriginServerID = f.serverID
	}
	payload, err := json.Marshal(tagged)
	if err != nil {
		return fmt.Errorf("encoding batch for room %s: %w", roomID, err)
	}
	if err := f.bus.Publish(ctx, "room:"+roomID+batchChannelSuffix, payload); err != nil {
		return fmt.Errorf("publishing batch for room %s: %w", roomID, err)
	}
	f.notePublished("batch")
	return nil
}

// Run subscribes to the shared channels and dispatches incoming messages
// until the context is cancelled. Delivery is at-least-once: the sink must
// tolerate re-application, which room.Apply guarantees.
func (f *Fanout) Run(ctx context.Context) error {
	sub, err := f.bus.PSubscribe(ctx, opPattern, batchPattern)
	if err != nil {
		return fmt.Errorf("subscribing to fan-out channels: %w", err)
	}
	defer sub.Close()

	slog.Info("fan-out subscriber running", "server_id", f.serverID)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.Messages():
			if !ok {
				return fmt.Errorf("fan-out subscription closed")
			}
			f.dispatch(ctx, msg)
		}
	}
}

func (f *Fanout) dispatch(ctx context.Context, msg Message) {
	switch {
	case strings.HasSuffix(msg.Channel, batchChannelSuffix):
		var ops []*room.Operation
		if err := json.Unmarshal(msg.Payload, &ops); err != nil {
			slog.Error("undecodable batch message", "channel", msg.Channel, "error", err)
			return
		}
		if len(ops) == 0 {
			return
		}
		if ops[0].OriginServerID == f.serverID {
			f.noteReceived("own")
			return
		}
		f.noteReceived("foreign")
		f.sink.ReceiveBatch(ctx, ops)

	case strings.HasSuffix(msg.Channel, opChannelSuffix):
		var op room.Operation
		if err := json.Unmarshal(msg.Payload, &op); err != nil {
			slog.Error("undecodable operation message", "channel", msg.Channel, "error", err)
			return
		}
		if op.OriginServerID == f.serverID {
			f.noteReceived("own")
			return
		}
		f.noteReceived("foreign")
		f.sink.ReceiveOperation(ctx, &op)

	default:
		slog.Debug("ignoring message on unexpected channel", "channel", msg.Channel)
	}
}

func (f *Fanout) notePublished(kind string) {
	if f.OnPublished != nil {
		f.OnPublished(kind)
	}
}

func (f *Fanout) noteReceived(result string) {
	if f.OnReceived != nil {
		f.OnReceived(result)
	}
}
