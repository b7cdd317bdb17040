package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// Event is the message delivered to observers.
type Event struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Encode serializes ev, stamping the current UTC time when Timestamp is empty.
func Encode(ev Event) ([]byte, error) {
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	return b, nil
}

// Delivery reports the result of one broadcast.
type Delivery struct {
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// BroadcastHook observes completed broadcasts.
type BroadcastHook func(channel string, d Delivery)

// Hub delivers events to the members of a channel.
type Hub struct {
	reg         *Registry
	logger      log.Logger
	onBroadcast BroadcastHook
}

// New returns a Hub with its own Registry. A nil metrics disables
// instrumentation.
func New(logger log.Logger, metrics *Metrics) *Hub {
	if logger == nil {
		logger = log.Nop()
	}
	h := &Hub{
		reg:    NewRegistry(metrics.RegistryHooks()),
		logger: logger.With("component", "hub"),
	}
	if metrics != nil {
		h.onBroadcast = metrics.observeBroadcast
	}
	return h
}

// Registry returns the hub's connection registry.
func (h *Hub) Registry() *Registry { return h.reg }

// Broadcast encodes ev once and delivers it to every member of channel.
func (h *Hub) Broadcast(ctx context.Context, channel string, ev Event) (Delivery, error) {
	if !ValidChannel(channel) {
		return Delivery{}, ErrInvalidChannel
	}
	msg, err := Encode(ev)
	if err != nil {
		return Delivery{}, err
	}
	return h.BroadcastRaw(ctx, channel, msg), nil
}

// BroadcastRaw delivers msg verbatim to every member of channel. Membership
// is snapshotted first and sends happen outside the registry lock. A member
// whose send fails is closed and removed; delivery to the rest continues.
// Members closed after the snapshot are skipped and not counted.
func (h *Hub) BroadcastRaw(ctx context.Context, channel string, msg []byte) Delivery {
	var d Delivery
	for _, c := range h.reg.Snapshot(channel) {
		err := c.send(ctx, msg)
		if errors.Is(err, ErrClosed) {
			h.reg.Remove(c)
			continue
		}
		d.Attempted++
		if err != nil {
			d.Failed++
			h.reg.Remove(c)
			h.logger.Warn(ctx, "dropping client after failed send",
				"client_id", c.ID(),
				"channel", channel,
				"error", err,
			)
			continue
		}
		d.Delivered++
	}

	if h.onBroadcast != nil {
		h.onBroadcast(channel, d)
	}
	return d
}
