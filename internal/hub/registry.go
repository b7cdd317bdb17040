package hub

import (
	"maps"
	"slices"
	"strings"
	"sync"
	"unicode"
)

// maxChannelLen bounds channel names so they fit in one bus subject token.
const maxChannelLen = 128

// ValidChannel reports whether name can be used as a channel.
func ValidChannel(name string) bool {
	if name == "" || len(name) > maxChannelLen {
		return false
	}
	return !strings.ContainsFunc(name, func(r rune) bool {
		return unicode.IsSpace(r) || r == '.' || r == '*' || r == '>'
	})
}

// RegistryHooks are optional callbacks for observability.
type RegistryHooks struct {
	OnSubscribe   func(channel string)
	OnUnsubscribe func(channel string)
}

// Registry maps channels to their member clients. A client belongs to at
// most one channel. Channels are created on first subscribe and kept when
// they become empty.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]map[string]*Client
	hooks    RegistryHooks
}

// NewRegistry returns an empty Registry.
func NewRegistry(hooks RegistryHooks) *Registry {
	return &Registry{
		channels: make(map[string]map[string]*Client),
		hooks:    hooks,
	}
}

// Subscribe adds c to channel and marks it open. Subscribing a client to the
// channel it already belongs to is a no-op.
func (r *Registry) Subscribe(c *Client, channel string) error {
	if !ValidChannel(channel) {
		return ErrInvalidChannel
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.state == StateClosed:
		return ErrClosed
	case c.channel == channel:
		return nil
	case c.channel != "":
		return ErrMembership
	}

	members, ok := r.channels[channel]
	if !ok {
		members = make(map[string]*Client)
		r.channels[channel] = members
	}
	members[c.id] = c
	c.channel = channel
	c.state = StateOpen

	if r.hooks.OnSubscribe != nil {
		r.hooks.OnSubscribe(channel)
	}
	return nil
}

// Unsubscribe removes c from channel and closes it. It is a no-op when c is
// not a member of channel.
func (r *Registry) Unsubscribe(c *Client, channel string) {
	if r.detach(c, channel) {
		c.close()
	}
}

// Remove unsubscribes c from whatever channel it belongs to and closes it.
func (r *Registry) Remove(c *Client) {
	if ch := c.Channel(); ch != "" {
		r.detach(c, ch)
	}
	c.close()
}

func (r *Registry) detach(c *Client, channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.channels[channel]
	if _, ok := members[c.id]; !ok {
		return false
	}
	delete(members, c.id)

	c.mu.Lock()
	c.channel = ""
	c.mu.Unlock()

	if r.hooks.OnUnsubscribe != nil {
		r.hooks.OnUnsubscribe(channel)
	}
	return true
}

// Snapshot returns the current members of channel. The slice is owned by the
// caller and does not change with later subscriptions.
func (r *Registry) Snapshot(channel string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Collect(maps.Values(r.channels[channel]))
}

// Stats returns the member count per known channel, including empty ones.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.channels))
	for ch, members := range r.channels {
		out[ch] = len(members)
	}
	return out
}

// Count returns the number of subscribed clients across all channels.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n int
	for _, members := range r.channels {
		n += len(members)
	}
	return n
}

// CloseAll closes and removes every client. Channels remain known.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	var all []*Client
	for _, members := range r.channels {
		for _, c := range members {
			all = append(all, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range all {
		r.Remove(c)
	}
}
