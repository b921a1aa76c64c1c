// Package bus delivers intents to registered handlers synchronously and in
// registration order.
//
// Dispatches that arrive while a delivery is running, whether re-entrant
// from a handler or from a completion goroutine, are queued and drained by
// the goroutine already delivering, so deliveries never interleave.
package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/goliatone/go-flagstate/pkg/metrics"
)

var (
	// ErrUnknownAction rejects nil or undeclared actions.
	ErrUnknownAction = errors.New("bus: unknown action")
	// ErrInvalidAction rejects actions missing required fields.
	ErrInvalidAction = errors.New("bus: invalid action")
)

// Payload is one dispatched intent.
type Payload struct {
	ID     string
	Source string
	Action Action
}

// Handler receives every dispatched payload.
type Handler func(Payload)

// Token identifies a registration.
type Token string

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics counts deliveries.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

type registration struct {
	token   Token
	handler Handler
}

// Dispatcher is the dispatch bus.
type Dispatcher struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu          sync.Mutex
	seq         int
	handlers    []registration
	queue       []Payload
	dispatching bool
}

func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Register appends handler to the delivery order.
func (d *Dispatcher) Register(handler Handler) Token {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	token := Token("ID_" + strconv.Itoa(d.seq))
	if handler != nil {
		d.handlers = append(d.handlers, registration{token: token, handler: handler})
	}
	return token
}

// Unregister removes a registration. It reports whether token was known.
func (d *Dispatcher) Unregister(token Token) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, reg := range d.handlers {
		if reg.token == token {
			d.handlers = append(d.handlers[:i:i], d.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// Dispatch validates the payload and delivers it to every handler. When a
// delivery is already running the payload is queued behind it and Dispatch
// returns immediately.
func (d *Dispatcher) Dispatch(payload Payload) error {
	if err := Validate(payload.Action); err != nil {
		kind := "nil"
		if payload.Action != nil {
			kind = fmt.Sprintf("%T", payload.Action)
		}
		d.metrics.ObserveDispatch(kind, metrics.OutcomeRejected)
		d.logger.Warn("bus rejected action", slog.String("action", kind), slog.Any("error", err))
		return err
	}
	if payload.ID == "" {
		payload.ID = uuid.NewString()
	}

	d.mu.Lock()
	d.queue = append(d.queue, payload)
	if d.dispatching {
		d.mu.Unlock()
		return nil
	}
	d.dispatching = true
	for len(d.queue) > 0 {
		next := d.queue[0]
		d.queue = d.queue[1:]
		handlers := append([]registration(nil), d.handlers...)
		d.mu.Unlock()

		d.deliver(next, handlers)

		d.mu.Lock()
	}
	d.dispatching = false
	d.mu.Unlock()
	return nil
}

// IsDispatching reports whether a delivery is running.
func (d *Dispatcher) IsDispatching() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dispatching
}

func (d *Dispatcher) deliver(payload Payload, handlers []registration) {
	action := string(payload.Action.Type())
	d.logger.Debug("bus dispatch",
		slog.String("id", payload.ID),
		slog.String("source", payload.Source),
		slog.String("action", action),
		slog.Int("handlers", len(handlers)),
	)
	outcome := metrics.OutcomeSuccess
	for _, reg := range handlers {
		if !d.call(reg, payload) {
			outcome = metrics.OutcomeError
		}
	}
	d.metrics.ObserveDispatch(action, outcome)
}

func (d *Dispatcher) call(reg registration, payload Payload) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			d.logger.Error("bus handler panicked",
				slog.String("token", string(reg.token)),
				slog.String("action", string(payload.Action.Type())),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	reg.handler(payload)
	return true
}

func require(ok bool, action Action, what string) error {
	if ok {
		return nil
	}
	return fmt.Errorf("%w: %s requires %s", ErrInvalidAction, action.Type(), what)
}
