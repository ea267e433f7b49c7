/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package events fans typed events out to subscribers. It decouples the wire
// format of the backend event stream, and the in-process notifications of the
// call session machine, from whoever consumes them.
package events

import (
	"encoding/json"
	"reflect"
	"sync"

	"github.com/rs/zerolog"
)

// Event kinds pushed by the backend event stream.
const (
	KindCallUpdate   = "call_update"
	KindIncomingCall = "incoming_call"
	KindStatsUpdate  = "stats_update"
	KindAgentStatus  = "agent_status"
)

// Synthetic kinds produced locally.
const (
	// KindConnected is emitted every time the event stream (re)opens.
	KindConnected = "connected"
	// KindDisconnected is emitted when an open event stream is lost.
	KindDisconnected = "disconnected"
	// KindMessage receives every decoded envelope regardless of its type.
	KindMessage = "message"

	KindSessionUpdate     = "session_update"
	KindSessionCleared    = "session_cleared"
	KindRegistrationState = "registration_state"
)

// Event is a tagged envelope. Events decoded from the wire carry Data and Raw;
// in-process events carry a typed Payload.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`

	// Raw is the whole frame as received.
	Raw json.RawMessage `json:"-"`
	// Payload holds a Go value for locally produced events.
	Payload interface{} `json:"-"`
}

// Decode unmarshals the event data into v.
func (e Event) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// CallUpdate is the data of a call_update event.
type CallUpdate struct {
	CallID      int64  `json:"call_id"`
	Status      string `json:"status,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

// IncomingCall is the data of an incoming_call event.
type IncomingCall struct {
	CallID    int64  `json:"call_id"`
	Direction string `json:"direction,omitempty"`
}

// AgentStatus is the data of an agent_status event.
type AgentStatus struct {
	Status string `json:"status"`
}

// Handler receives events. A handler is identified by the pointer it is
// stored as, so implementations must have pointer receivers or be passed as
// pointers.
type Handler interface {
	HandleEvent(Event)
}

type funcHandler struct {
	fn func(Event)
}

func (h *funcHandler) HandleEvent(e Event) { h.fn(e) }

// Func wraps fn into a Handler. Every call returns a distinct handler, so keep
// the returned value to unsubscribe it later.
func Func(fn func(Event)) Handler {
	return &funcHandler{fn: fn}
}

// Dispatcher holds subscriptions keyed by event kind.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]map[handlerKey]Handler
	logger   zerolog.Logger
}

type handlerKey struct {
	typ reflect.Type
	ptr uintptr
}

// keyOf identifies h by its pointer. ok is false for nil and non-pointer
// handlers.
func keyOf(h Handler) (handlerKey, bool) {
	if h == nil {
		return handlerKey{}, false
	}
	v := reflect.ValueOf(h)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return handlerKey{}, false
	}
	return handlerKey{typ: v.Type(), ptr: v.Pointer()}, true
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher(logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]map[handlerKey]Handler),
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// On subscribes h to kind. Subscribing the same handler twice has no effect.
// Non-pointer handlers are refused.
func (d *Dispatcher) On(kind string, h Handler) {
	key, ok := keyOf(h)
	if !ok {
		if h != nil {
			d.logger.Error().Str("kind", kind).Str("handler", reflect.TypeOf(h).String()).Msg("refusing non-pointer event handler")
		}
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.handlers[kind]
	if !ok {
		set = make(map[handlerKey]Handler)
		d.handlers[kind] = set
	}
	set[key] = h
}

// Off unsubscribes h from kind. Unknown handlers are ignored.
func (d *Dispatcher) Off(kind string, h Handler) {
	key, ok := keyOf(h)
	if !ok {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.handlers[kind]
	if !ok {
		return
	}
	delete(set, key)
	if len(set) == 0 {
		delete(d.handlers, kind)
	}
}

// Clear drops every subscription.
func (d *Dispatcher) Clear() {
	d.mu.Lock()
	d.handlers = make(map[string]map[handlerKey]Handler)
	d.mu.Unlock()
}

// HandlerCount returns the number of handlers subscribed to kind.
func (d *Dispatcher) HandlerCount(kind string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[kind])
}

// Emit delivers e to the subscribers of e.Type.
func (d *Dispatcher) Emit(e Event) {
	d.Dispatch(e.Type, e)
}

// Dispatch delivers e to the subscribers of kind, synchronously on the
// calling goroutine. The handler set is copied first, so handlers may
// subscribe or unsubscribe while being called.
func (d *Dispatcher) Dispatch(kind string, e Event) {
	d.mu.RLock()
	set := d.handlers[kind]
	handlers := make([]Handler, 0, len(set))
	for _, h := range set {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()

	for _, h := range handlers {
		d.call(kind, h, e)
	}
}

func (d *Dispatcher) call(kind string, h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Str("kind", kind).Interface("panic", r).Msg("event handler panicked")
		}
	}()
	h.HandleEvent(e)
}
