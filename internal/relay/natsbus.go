package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/nats-io/nats.go"
)

// NATSConfig configures the NATS bus connection.
type NATSConfig struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

type natsBus struct {
	nc   *nats.Conn
	done chan struct{}
}

// NATSDialer returns a Dialer that connects to NATS. The client reconnects
// on its own at a fixed interval; the reconnect buffer is disabled so that
// publishes while disconnected fail immediately instead of queueing.
func NATSDialer(cfg NATSConfig, logger log.Logger) Dialer {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = DefaultReconnectInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	return func(ctx context.Context) (Bus, error) {
		b := &natsBus{done: make(chan struct{})}
		var once sync.Once

		opts := []nats.Option{
			nats.Name(cfg.Name),
			nats.Timeout(cfg.Timeout),
			nats.ReconnectWait(cfg.ReconnectWait),
			nats.MaxReconnects(-1),
			nats.ReconnectBufSize(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				logger.Warn(ctx, "nats disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				logger.Info(ctx, "nats reconnected", "url", nc.ConnectedUrl())
			}),
			nats.ClosedHandler(func(_ *nats.Conn) {
				once.Do(func() { close(b.done) })
			}),
		}

		nc, err := nats.Connect(cfg.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("nats connect %s: %w", cfg.URL, err)
		}
		b.nc = nc
		return b, nil
	}
}

func (b *natsBus) Publish(subject, origin string, data []byte) error {
	if !b.nc.IsConnected() {
		return ErrNotConnected
	}
	msg := nats.NewMsg(subject)
	msg.Header.Set(OriginHeader, origin)
	msg.Data = data
	return b.nc.PublishMsg(msg)
}

func (b *natsBus) Subscribe(subject string, handler func(Message)) error {
	_, err := b.nc.Subscribe(subject, func(m *nats.Msg) {
		handler(Message{
			Subject: m.Subject,
			Origin:  m.Header.Get(OriginHeader),
			Data:    m.Data,
		})
	})
	if err != nil {
		return err
	}
	return b.nc.Flush()
}

func (b *natsBus) Done() <-chan struct{} { return b.done }

func (b *natsBus) Close() { b.nc.Close() }
