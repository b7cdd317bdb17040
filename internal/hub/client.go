// Package hub fans events out to connected observers grouped by channel.
//
// A Registry tracks which client is subscribed to which channel. A Hub
// delivers serialized events to every current member of a channel; a member
// whose send fails is closed and dropped without affecting the others.
// Delivery is best-effort and at-most-once per connection.
package hub

import (
	"context"
	"errors"
	"sync"

	"github.com/oklog/ulid/v2"
)

var (
	// ErrClosed is returned when subscribing or sending to a closed client.
	ErrClosed = errors.New("client closed")

	// ErrMembership is returned when a client already belongs to another channel.
	ErrMembership = errors.New("client already subscribed to another channel")

	// ErrInvalidChannel is returned for channel names that cannot be routed.
	ErrInvalidChannel = errors.New("invalid channel name")
)

// Conn is the transport behind a client. The same msg slice is handed to
// every recipient of a broadcast; implementations may queue it but must not
// modify it.
type Conn interface {
	Send(ctx context.Context, msg []byte) error
	Close() error
}

// State is a client's lifecycle position. Closed is terminal.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Client is one observer connection.
type Client struct {
	id   string
	conn Conn

	mu      sync.Mutex
	state   State
	channel string
}

// NewClient wraps conn in a Client in the Connecting state.
func NewClient(conn Conn) *Client {
	return &Client{
		id:   ulid.Make().String(),
		conn: conn,
	}
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Channel returns the channel the client is subscribed to, or "".
func (c *Client) Channel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

func (c *Client) send(ctx context.Context, msg []byte) error {
	if c.State() == StateClosed {
		return ErrClosed
	}
	return c.conn.Send(ctx, msg)
}

// close marks the client closed and closes the transport once. It reports
// whether this call performed the transition.
func (c *Client) close() bool {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return false
	}
	c.state = StateClosed
	c.mu.Unlock()

	_ = c.conn.Close()
	return true
}
