package cache

import (
	"fmt"
	"log/slog"
)

// EventType names a cache notification.
type EventType string

const (
	EventChange  EventType = "change"
	EventLoading EventType = "loading"
	EventLoaded  EventType = "loaded"
	EventSaving  EventType = "saving"
	EventSaved   EventType = "saved"
	EventProblem EventType = "problem"
)

// Event is delivered to subscribers. Meta is set on saved events and Err on
// problem events.
type Event struct {
	Type  EventType
	Cache string
	Key   string
	Meta  any
	Err   error
}

// Listener receives cache events synchronously.
type Listener func(Event)

type subscription struct {
	id       int
	listener Listener
}

// Subscribe registers listener and returns a function that removes it.
func (c *Cache[T]) Subscribe(listener Listener) func() {
	if listener == nil {
		return func() {}
	}
	c.subMu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs = append(c.subs, subscription{id: id, listener: listener})
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		for i, sub := range c.subs {
			if sub.id == id {
				c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

func (c *Cache[T]) emit(events ...Event) {
	c.subMu.Lock()
	subs := append([]subscription(nil), c.subs...)
	c.subMu.Unlock()

	for _, event := range events {
		event.Cache = c.name
		for _, sub := range subs {
			c.deliver(sub.listener, event)
		}
	}
}

func (c *Cache[T]) deliver(listener Listener, event Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("cache listener panicked",
				slog.String("cache", c.name),
				slog.String("event", string(event.Type)),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	listener(event)
}
