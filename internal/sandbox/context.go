package sandbox

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/danmuck/scriptnode/internal/store"
)

// QuerySender is the sender identity installed for query invocations.
const QuerySender = "<querier>"

// Attribute is one ordered key/value pair of an Event.
type Attribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Index bool   `json:"index"`
}

// Event is emitted by execute-mode scripts, in call order.
type Event struct {
	Type       string      `json:"type"`
	Attributes []Attribute `json:"attributes"`
}

func (e Event) clone() Event {
	return Event{Type: e.Type, Attributes: slices.Clone(e.Attributes)}
}

// ExecutionContext is the per-invocation record shared with the capability layer.
// It is owned by exactly one Run call.
type ExecutionContext struct {
	Mode    Mode
	Store   *store.Shared
	Sender  string
	Request any

	events    []Event
	response  any
	responded bool
	faults    []fault
	writes    []write
}

// fault is a capability error as it was raised into Lua.
type fault struct {
	err        error
	message    string
	positioned bool
}

// write remembers what a key held before store.set touched it.
type write struct {
	key     string
	prev    string
	existed bool
}

// NewExecutionContext builds a fresh context for one invocation.
func NewExecutionContext(mode Mode, shared *store.Shared, sender string, request any) *ExecutionContext {
	return &ExecutionContext{
		Mode:    mode,
		Store:   shared,
		Sender:  sender,
		Request: request,
	}
}

// Events returns a copy of the accumulated events.
func (c *ExecutionContext) Events() []Event {
	out := make([]Event, 0, len(c.events))
	for _, evt := range c.events {
		out = append(out, evt.clone())
	}
	return out
}

// Response returns the value passed to respond and whether respond was called.
func (c *ExecutionContext) Response() (any, bool) {
	return c.response, c.responded
}

func (c *ExecutionContext) recordFault(err error, message string, positioned bool) {
	c.faults = append(c.faults, fault{err: err, message: message, positioned: positioned})
}

// causeOf returns the fault that produced msg. A positioned fault also matches
// when the script rethrew it with error(e), which prefixes another position.
func (c *ExecutionContext) causeOf(msg string) error {
	for i := len(c.faults) - 1; i >= 0; i-- {
		f := c.faults[i]
		if msg == f.message || (f.positioned && strings.HasSuffix(msg, f.message)) {
			return f.err
		}
	}
	return nil
}

// rollback undoes this invocation's writes, newest first.
func (c *ExecutionContext) rollback(ctx context.Context) error {
	for i := len(c.writes) - 1; i >= 0; i-- {
		w := c.writes[i]
		var err error
		if w.existed {
			_, _, err = c.Store.Set(ctx, w.key, w.prev)
		} else {
			err = c.Store.Delete(ctx, w.key)
		}
		if err != nil {
			return fmt.Errorf("%w: rollback %q: %w", ErrStore, w.key, err)
		}
	}
	c.writes = nil
	return nil
}
