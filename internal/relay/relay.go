// Package relay mirrors hub broadcasts across instances over a shared
// pub/sub bus.
//
// Locally published events are broadcast to this instance's hub first and
// then published on the bus. Events received from the bus are broadcast to
// the local hub only and are never published again, so a message crosses
// the bus at most once. Each outgoing message carries this instance's ID and
// inbound messages bearing it are dropped.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/corerecon/internal/hub"
)

// OriginHeader carries the publishing instance's ID on every bus message.
const OriginHeader = "Corerecon-Origin"

const (
	DefaultSubjectPrefix     = "corerecon.events"
	DefaultReconnectInterval = 2 * time.Second
)

// ErrNotConnected is returned by Publish on the bus when no connection is up.
var ErrNotConnected = errors.New("bus not connected")

// Message is one message received from the bus.
type Message struct {
	Subject string
	Origin  string
	Data    []byte
}

// Bus is a live connection to the shared pub/sub substrate.
type Bus interface {
	Publish(subject, origin string, data []byte) error
	Subscribe(subject string, handler func(Message)) error
	// Done is closed once the connection is permanently lost or closed.
	Done() <-chan struct{}
	Close()
}

// Dialer opens a Bus connection.
type Dialer func(ctx context.Context) (Bus, error)

// Config controls a Relay.
type Config struct {
	SubjectPrefix     string
	InstanceID        string
	ReconnectInterval time.Duration
}

// Relay bridges a local hub and the bus.
type Relay struct {
	hub      *hub.Hub
	dial     Dialer
	prefix   string
	instance string
	retry    time.Duration
	logger   log.Logger
	metrics  *Metrics

	mu  sync.RWMutex
	bus Bus
}

// New creates a Relay for h. A nil dial makes the relay local-only.
func New(h *hub.Hub, dial Dialer, cfg Config, logger log.Logger, metrics *Metrics) *Relay {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = ulid.Make().String()
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	return &Relay{
		hub:      h,
		dial:     dial,
		prefix:   strings.TrimSuffix(cfg.SubjectPrefix, "."),
		instance: cfg.InstanceID,
		retry:    cfg.ReconnectInterval,
		logger:   logger.With("component", "relay", "instance_id", cfg.InstanceID),
		metrics:  metrics,
	}
}

// InstanceID returns the origin ID stamped on outgoing messages.
func (r *Relay) InstanceID() string { return r.instance }

// Connected reports whether a bus connection is currently up.
func (r *Relay) Connected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bus != nil
}

// Subject returns the bus subject for channel.
func (r *Relay) Subject(channel string) string {
	return r.prefix + "." + channel
}

// Publish broadcasts ev to local members of channel, then publishes the same
// bytes on the bus. Bus failures degrade to local-only delivery and are not
// returned.
func (r *Relay) Publish(ctx context.Context, channel string, ev hub.Event) (hub.Delivery, error) {
	if !hub.ValidChannel(channel) {
		return hub.Delivery{}, hub.ErrInvalidChannel
	}
	msg, err := hub.Encode(ev)
	if err != nil {
		return hub.Delivery{}, err
	}

	d := r.hub.BroadcastRaw(ctx, channel, msg)

	bus := r.currentBus()
	if bus == nil {
		r.metrics.published(outcomeLocalOnly)
		return d, nil
	}
	if err := bus.Publish(r.Subject(channel), r.instance, msg); err != nil {
		r.metrics.published(outcomeError)
		r.logger.Warn(ctx, "bus publish failed, delivered locally only",
			"channel", channel,
			"type", ev.Type,
			"error", err,
		)
		return d, nil
	}
	r.metrics.published(outcomeOK)
	return d, nil
}

// Run maintains the bus subscription until ctx is done. Dial failures and
// lost connections are retried after the reconnect interval. Run returns nil
// immediately when the relay has no dialer.
func (r *Relay) Run(ctx context.Context) error {
	if r.dial == nil {
		r.logger.Info(ctx, "no bus configured, relay is local-only")
		return nil
	}

	for {
		if err := r.session(ctx); err != nil && ctx.Err() == nil {
			r.metrics.dialFailed()
			r.logger.Warn(ctx, "bus session ended", "error", err, "retry_in", r.retry.String())
		}

		t := time.NewTimer(r.retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// session dials, subscribes and blocks until the connection or ctx ends.
func (r *Relay) session(ctx context.Context) error {
	bus, err := r.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	if err := bus.Subscribe(r.prefix+".*", func(m Message) { r.handle(ctx, m) }); err != nil {
		bus.Close()
		return fmt.Errorf("subscribe: %w", err)
	}

	r.setBus(bus)
	r.logger.Info(ctx, "bus connected", "subject", r.prefix+".*")

	select {
	case <-ctx.Done():
		r.setBus(nil)
		bus.Close()
		return nil
	case <-bus.Done():
		r.setBus(nil)
		return errors.New("connection closed")
	}
}

// handle feeds one inbound message to the local hub. It never publishes.
func (r *Relay) handle(ctx context.Context, m Message) {
	if m.Origin == r.instance {
		r.metrics.received(resultSelfEcho)
		return
	}

	channel, ok := strings.CutPrefix(m.Subject, r.prefix+".")
	if !ok || !hub.ValidChannel(channel) {
		r.metrics.received(resultMalformed)
		r.logger.Warn(ctx, "dropping bus message with unroutable subject", "subject", m.Subject)
		return
	}

	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(m.Data, &probe); err != nil || probe.Type == "" {
		r.metrics.received(resultMalformed)
		r.logger.Warn(ctx, "dropping malformed bus message", "subject", m.Subject, "bytes", len(m.Data))
		return
	}

	r.hub.BroadcastRaw(ctx, channel, m.Data)
	r.metrics.received(resultDelivered)
}

func (r *Relay) currentBus() Bus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bus
}

func (r *Relay) setBus(b Bus) {
	r.mu.Lock()
	r.bus = b
	r.mu.Unlock()
	r.metrics.connected(b != nil)
}
