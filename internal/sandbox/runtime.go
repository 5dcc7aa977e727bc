package sandbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/Shopify/go-lua"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/scriptnode/internal/store"
)

// Invocation names one script run.
type Invocation struct {
	Mode    Mode
	Path    string
	Sender  string
	Request any
}

// Result is what a successful invocation produced.
// Query results carry Response; execute results carry Events.
type Result struct {
	Mode     Mode
	Response any
	Events   []Event
}

type Option func(*Runtime)

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Runtime) { r.logger = logger }
}

func WithMaxTasks(n int) Option {
	return func(r *Runtime) {
		if n > 0 {
			r.maxTasks = n
		}
	}
}

// Runtime evaluates scripts. Each Run gets a fresh Lua state, so nothing
// a script defines survives into the next invocation.
type Runtime struct {
	logger   zerolog.Logger
	maxTasks int
}

func New(opts ...Option) *Runtime {
	r := &Runtime{
		logger:   log.Logger,
		maxTasks: DefaultMaxTasks,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run evaluates the script at inv.Path, then drains deferred tasks.
// A failed invocation leaves the store as it found it.
func (r *Runtime) Run(ctx context.Context, shared *store.Shared, inv Invocation) (Result, error) {
	if !inv.Mode.valid() {
		return Result{}, fmt.Errorf("%w: %s", ErrInvalidMode, inv.Mode)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	ec := NewExecutionContext(inv.Mode, shared, inv.Sender, inv.Request)
	state := lua.NewState()
	openSandbox(state)
	tasks := newTaskQueue(state, r.maxTasks)
	b := &bindings{
		caps:  NewCapabilities(ctx, ec),
		tasks: tasks,
		logger: r.logger.With().
			Str("script", inv.Path).
			Str("mode", inv.Mode.String()).
			Logger(),
	}
	b.install(state)

	if err := lua.LoadFile(state, inv.Path, "t"); err != nil {
		return Result{}, fmt.Errorf("%w: %s", ErrScriptLoad, errorMessage(state, err))
	}
	if err := state.ProtectedCall(0, 0, 0); err != nil {
		return Result{}, r.abort(ctx, ec, evaluationError(state, ec, inv.Path, err))
	}
	err := tasks.drain(ctx, func() error {
		if err := state.ProtectedCall(0, 0, 0); err != nil {
			return evaluationError(state, ec, inv.Path, err)
		}
		return nil
	})
	if err != nil {
		return Result{}, r.abort(ctx, ec, err)
	}

	res := Result{Mode: inv.Mode}
	switch inv.Mode {
	case ModeQuery:
		value, ok := ec.Response()
		if !ok {
			return Result{}, &EvaluationError{
				Script:  inv.Path,
				Message: ErrMissingResponse.Error(),
				Cause:   ErrMissingResponse,
			}
		}
		res.Response = value
	case ModeExecute:
		res.Events = ec.Events()
	}
	return res, nil
}

// abort restores the store to its state before the invocation began.
func (r *Runtime) abort(ctx context.Context, ec *ExecutionContext, cause error) error {
	if err := ec.rollback(context.WithoutCancel(ctx)); err != nil {
		r.logger.Error().Err(err).Msg("sandbox rollback failed")
		return errors.Join(cause, err)
	}
	return cause
}

func errorMessage(state *lua.State, err error) string {
	if state.Top() > 0 {
		if msg, ok := state.ToString(-1); ok {
			state.Pop(1)
			return msg
		}
	}
	return err.Error()
}

func evaluationError(state *lua.State, ec *ExecutionContext, script string, err error) error {
	msg := errorMessage(state, err)
	return &EvaluationError{Script: script, Message: msg, Cause: ec.causeOf(msg)}
}
