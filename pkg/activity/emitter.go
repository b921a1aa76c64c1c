package activity

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// DefaultChannel tags events emitted without a configured channel.
const DefaultChannel = "flagstate"

// Config controls emission.
type Config struct {
	Enabled bool
	Channel string
}

// Emitter stamps events with the channel and time, then hands them to its
// sinks. A nil or disabled Emitter drops everything.
type Emitter struct {
	sinks   Sinks
	channel string
	now     func() time.Time
	logger  *slog.Logger
}

// NewEmitter returns nil when cfg disables auditing or no sink is given.
func NewEmitter(cfg Config, sinks ...Sink) *Emitter {
	var kept Sinks
	for _, sink := range sinks {
		if sink != nil {
			kept = append(kept, sink)
		}
	}
	if !cfg.Enabled || len(kept) == 0 {
		return nil
	}
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		channel = DefaultChannel
	}
	return &Emitter{
		sinks:   kept,
		channel: channel,
		now:     time.Now,
		logger:  slog.New(slog.DiscardHandler),
	}
}

// WithLogger returns the emitter logging sink failures to logger.
func (e *Emitter) WithLogger(logger *slog.Logger) *Emitter {
	if e != nil && logger != nil {
		e.logger = logger
	}
	return e
}

// Enabled reports whether events reach any sink.
func (e *Emitter) Enabled() bool {
	return e != nil
}

// Emit delivers event and returns sink failures. Events that are not
// auditable are dropped.
func (e *Emitter) Emit(ctx context.Context, event Event) error {
	if e == nil || !event.Auditable() {
		return nil
	}
	if event.Channel == "" {
		event.Channel = e.channel
	}
	if event.At.IsZero() {
		event.At = e.now()
	}
	return e.sinks.Deliver(ctx, event)
}

// Record emits event and logs, rather than returns, sink failures. Audit
// delivery never fails the transition it describes.
func (e *Emitter) Record(ctx context.Context, event Event) {
	if err := e.Emit(ctx, event); err != nil {
		e.logger.Warn("activity sink failed",
			slog.String("verb", event.Verb),
			slog.String("object", event.Object.String()),
			slog.Any("error", err),
		)
	}
}
