package sandbox

import (
	"context"
	"fmt"
	"strings"
)

// Capabilities is the op layer bound to one ExecutionContext.
// Every op checks mode preconditions before touching shared state.
type Capabilities struct {
	ctx context.Context
	ec  *ExecutionContext
}

// NewCapabilities binds the op layer to ec for the duration of one invocation.
func NewCapabilities(ctx context.Context, ec *ExecutionContext) *Capabilities {
	return &Capabilities{ctx: ctx, ec: ec}
}

// KVSet stores value and returns the previous value, or value when the key was new.
func (c *Capabilities) KVSet(key, value string) (string, error) {
	if err := c.ec.Mode.require(ModeExecute, "store.set"); err != nil {
		return "", err
	}
	prev, existed, err := c.ec.Store.Set(c.ctx, key, value)
	if err != nil {
		return "", fmt.Errorf("%w: set %q: %w", ErrStore, key, err)
	}
	c.ec.writes = append(c.ec.writes, write{key: key, prev: prev, existed: existed})
	if existed {
		return prev, nil
	}
	return value, nil
}

// KVGet reads key in either mode.
func (c *Capabilities) KVGet(key string) (string, error) {
	val, ok, err := c.ec.Store.Get(c.ctx, key)
	if err != nil {
		return "", fmt.Errorf("%w: get %q: %w", ErrStore, key, err)
	}
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	return val, nil
}

// Emit appends evt to the invocation's event sequence.
func (c *Capabilities) Emit(evt Event) error {
	if err := c.ec.Mode.require(ModeExecute, "context.emit"); err != nil {
		return err
	}
	if strings.TrimSpace(evt.Type) == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidEvent)
	}
	c.ec.events = append(c.ec.events, evt.clone())
	return nil
}

// Respond sets the query response. It may be called once.
func (c *Capabilities) Respond(value any) error {
	if err := c.ec.Mode.require(ModeQuery, "context.respond"); err != nil {
		return err
	}
	if c.ec.responded {
		return ErrAlreadyResponded
	}
	c.ec.response = value
	c.ec.responded = true
	return nil
}

func (c *Capabilities) Sender() string {
	return c.ec.Sender
}

func (c *Capabilities) Request() any {
	return c.ec.Request
}
