// internal/realtime/hub.go
package realtime

import (
	"sync"

	"github.com/google/uuid"
	"github.com/jason-s-yu/sipsocial/internal/models"
	"github.com/sirupsen/logrus"
)

// Column names a friendship column a binding can filter on.
type Column string

const (
	ColumnUserID   Column = "user_id"
	ColumnFriendID Column = "friend_id"
	// ColumnAny matches every change regardless of value.
	ColumnAny Column = "*"
)

// channelBuffer is how many undelivered events a channel holds before it is closed.
const channelBuffer = 64

// Hub fans row changes out to named channels. Each channel delivers on its own
// goroutine, in publish order.
type Hub struct {
	mu       sync.Mutex
	channels map[string]*Channel
	logger   *logrus.Logger
}

// NewHub returns an empty hub.
func NewHub(logger *logrus.Logger) *Hub {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Hub{
		channels: make(map[string]*Channel),
		logger:   logger,
	}
}

// Channel returns the channel registered under name, creating it if needed.
func (h *Hub) Channel(name string) *Channel {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.channels[name]; ok {
		return c
	}
	c := &Channel{
		name:     name,
		hub:      h,
		bindings: make(map[int]*binding),
		events:   make(chan models.ChangeEvent, channelBuffer),
		done:     make(chan struct{}),
	}
	h.channels[name] = c
	go c.run()
	h.logger.WithField("channel", name).Debug("realtime channel opened")
	return c
}

// Len returns the number of open channels.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels)
}

// Publish queues ev on every open channel without blocking. Bindings are matched
// at delivery time.
func (h *Hub) Publish(ev models.ChangeEvent) {
	h.mu.Lock()
	chans := make([]*Channel, 0, len(h.channels))
	for _, c := range h.channels {
		chans = append(chans, c)
	}
	h.mu.Unlock()

	for _, c := range chans {
		c.enqueue(ev)
	}
}

func (h *Hub) remove(c *Channel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.channels[c.name]; ok && cur == c {
		delete(h.channels, c.name)
	}
}

type binding struct {
	column Column
	value  uuid.UUID
	fn     func(models.ChangeEvent)
}

func (b *binding) matches(ev models.ChangeEvent) bool {
	row := ev.Row()
	if row == nil {
		return false
	}
	switch b.column {
	case ColumnUserID:
		return row.UserID == b.value
	case ColumnFriendID:
		return row.FriendID == b.value
	case ColumnAny:
		return true
	}
	return false
}

// Channel is a named group of column bindings.
type Channel struct {
	name string
	hub  *Hub

	mu       sync.Mutex
	bindings map[int]*binding
	nextID   int

	events    chan models.ChangeEvent
	done      chan struct{}
	closeOnce sync.Once
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// On binds fn to changes whose row has column equal to value. The returned id
// is used with Off.
func (c *Channel) On(column Column, value uuid.UUID, fn func(models.ChangeEvent)) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.bindings[c.nextID] = &binding{column: column, value: value, fn: fn}
	return c.nextID
}

// Off drops a binding.
func (c *Channel) Off(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.bindings, id)
}

// Unsubscribe drops every binding, stops delivery and removes the channel from the hub.
// Safe to call more than once.
func (c *Channel) Unsubscribe() {
	c.closeOnce.Do(func() {
		c.hub.remove(c)
		c.mu.Lock()
		c.bindings = make(map[int]*binding)
		c.mu.Unlock()
		close(c.done)
		c.hub.logger.WithField("channel", c.name).Debug("realtime channel closed")
	})
}

// enqueue never blocks. A channel whose subscriber cannot keep up is closed so
// one stalled callback cannot hold up the publisher.
func (c *Channel) enqueue(ev models.ChangeEvent) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.events <- ev:
	default:
		c.hub.logger.WithField("channel", c.name).Warn("realtime channel buffer full, closing")
		c.Unsubscribe()
	}
}

func (c *Channel) run() {
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.events:
			c.deliver(ev)
		}
	}
}

func (c *Channel) deliver(ev models.ChangeEvent) {
	c.mu.Lock()
	matched := make([]func(models.ChangeEvent), 0, len(c.bindings))
	for _, b := range c.bindings {
		if b.matches(ev) {
			matched = append(matched, b.fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range matched {
		// closed between match and call
		select {
		case <-c.done:
			return
		default:
		}
		fn(ev)
	}
}
