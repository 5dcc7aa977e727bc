package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/danmuck/scriptnode/internal/observability"
	"github.com/danmuck/scriptnode/internal/sandbox"
	"github.com/danmuck/scriptnode/internal/scripts"
	"github.com/danmuck/scriptnode/internal/store"
)

const (
	DefaultQueueSize = 64

	// initialDigestSize matches the widest varint the commit digest can take.
	initialDigestSize = 16
)

// Sandbox evaluates one script invocation.
type Sandbox interface {
	Run(ctx context.Context, shared *store.Shared, inv sandbox.Invocation) (sandbox.Result, error)
}

// Resolver maps a nominal script path to an allow-listed reference.
type Resolver interface {
	Resolve(kind scripts.Kind, name string) (scripts.Reference, error)
}

// Recorder receives every applied Execute and Commit, in order.
type Recorder interface {
	RecordExecute(path, sender string, request any, ok bool) error
	RecordCommit(height int64, digest []byte) error
}

type Option func(*Runner)

func WithQueueSize(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

func WithRecorder(rec Recorder) Option {
	return func(r *Runner) { r.recorder = rec }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// Runner is the single consumer of the command queue.
type Runner struct {
	shared   *store.Shared
	sandbox  Sandbox
	resolver Resolver
	recorder Recorder
	logger   zerolog.Logger
	tracer   trace.Tracer

	queueSize int
	queue     chan Command
	done      chan struct{}
	started   atomic.Bool
	stopErr   atomic.Pointer[error]

	// owned by the Run goroutine
	height int64
	digest []byte
}

func New(shared *store.Shared, sb Sandbox, resolver Resolver, opts ...Option) *Runner {
	r := &Runner{
		shared:    shared,
		sandbox:   sb,
		resolver:  resolver,
		logger:    log.Logger.With().Str("component", "runner").Logger(),
		tracer:    otel.Tracer("github.com/danmuck/scriptnode/internal/runner"),
		queueSize: DefaultQueueSize,
		done:      make(chan struct{}),
		digest:    make([]byte, initialDigestSize),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.queue = make(chan Command, r.queueSize)
	return r
}

// Queue is the submit side of the runner.
func (r *Runner) Queue() chan<- Command {
	return r.queue
}

// Done is closed once Run returns.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Err reports why the runner stopped, or nil while it is running.
func (r *Runner) Err() error {
	if p := r.stopErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Run processes commands until ctx ends or a reply channel faults.
// A command that has been dequeued runs to completion even if ctx ends meanwhile.
func (r *Runner) Run(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(r.done)
	r.logger.Info().Int("queue_size", r.queueSize).Msg("runner started")

	work := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			err := ctx.Err()
			r.stopErr.Store(&err)
			r.logger.Info().Int64("height", r.height).Msg("runner stopped")
			return err
		case cmd := <-r.queue:
			if err := r.handle(work, cmd); err != nil {
				r.stopErr.Store(&err)
				r.logger.Error().Err(err).Str("kind", string(cmd.Kind())).Msg("runner halted")
				return err
			}
		}
	}
}

func (r *Runner) handle(ctx context.Context, cmd Command) error {
	if cmd == nil {
		r.logger.Warn().Msg("nil command ignored")
		return nil
	}
	kind := cmd.Kind()
	ctx, span := r.tracer.Start(ctx, "runner."+string(kind))
	defer span.End()
	start := time.Now()

	var (
		outcome error
		fault   error
	)
	switch c := cmd.(type) {
	case GetInfo:
		info := r.handleInfo()
		fault = deliver(c.Reply, Reply[Info]{Value: info})
	case Query:
		span.SetAttributes(attribute.String("script.path", c.Path))
		res, err := r.handleQuery(ctx, c.Path, c.Request)
		outcome = err
		fault = deliver(c.Reply, Reply[QueryResult]{Value: res, Err: err})
	case Execute:
		span.SetAttributes(attribute.String("script.path", c.Path), attribute.String("sender", c.Sender))
		res, err := r.handleExecute(ctx, c.Path, c.Sender, c.Request)
		outcome = err
		fault = deliver(c.Reply, Reply[ExecResult]{Value: res, Err: err})
	case Commit:
		info, err := r.handleCommit(ctx)
		outcome = err
		fault = deliver(c.Reply, Reply[Info]{Value: info, Err: err})
	default:
		r.logger.Warn().Str("kind", string(kind)).Msg("unknown command ignored")
		return nil
	}

	label := observability.OutcomeOK
	switch {
	case fault != nil:
		label = observability.OutcomeFault
		span.SetStatus(codes.Error, fault.Error())
	case errors.Is(outcome, scripts.ErrUnknownScript):
		label = observability.OutcomeRouting
		span.SetStatus(codes.Error, outcome.Error())
	case outcome != nil:
		label = observability.OutcomeError
		span.RecordError(outcome)
		span.SetStatus(codes.Error, outcome.Error())
	}
	observability.RecordCommand(string(kind), label, time.Since(start))
	r.logger.Debug().
		Str("kind", string(kind)).
		Str("outcome", label).
		Int64("height", r.height).
		Err(outcome).
		Msg("command applied")

	if fault != nil {
		return fmt.Errorf("%w: %s reply", fault, kind)
	}
	return nil
}

func (r *Runner) handleInfo() Info {
	return Info{Height: r.height, Digest: slices.Clone(r.digest)}
}

func (r *Runner) handleQuery(ctx context.Context, path string, raw []byte) (QueryResult, error) {
	ref, err := r.resolver.Resolve(scripts.KindQuery, path)
	if err != nil {
		return QueryResult{}, err
	}
	request, err := DecodeRequest(raw)
	if err != nil {
		return QueryResult{}, err
	}
	res, err := r.invoke(ctx, sandbox.Invocation{
		Mode:    sandbox.ModeQuery,
		Path:    ref.Path,
		Sender:  sandbox.QuerySender,
		Request: request,
	})
	if err != nil {
		return QueryResult{}, err
	}
	value, err := json.Marshal(res.Response)
	if err != nil {
		return QueryResult{}, fmt.Errorf("%w: %w", ErrInvalidResult, err)
	}
	return QueryResult{Value: value, Height: r.height}, nil
}

func (r *Runner) handleExecute(ctx context.Context, path, sender string, request any) (ExecResult, error) {
	ref, err := r.resolver.Resolve(scripts.KindExecute, path)
	if err != nil {
		return ExecResult{}, err
	}
	res, err := r.invoke(ctx, sandbox.Invocation{
		Mode:    sandbox.ModeExecute,
		Path:    ref.Path,
		Sender:  sender,
		Request: request,
	})
	if r.recorder != nil {
		if rerr := r.recorder.RecordExecute(path, sender, request, err == nil); rerr != nil {
			r.logger.Error().Err(rerr).Str("path", path).Msg("journal execute failed")
		}
	}
	if err != nil {
		return ExecResult{}, err
	}
	return ExecResult{Events: res.Events}, nil
}

// handleCommit is the only place height and digest change.
func (r *Runner) handleCommit(ctx context.Context) (Info, error) {
	n, err := r.shared.Len(ctx)
	if err != nil {
		return Info{}, fmt.Errorf("runner: commit: %w", err)
	}
	r.digest = Digest(n)
	r.height++
	observability.RecordHeight(r.height)
	if r.recorder != nil {
		if rerr := r.recorder.RecordCommit(r.height, r.digest); rerr != nil {
			r.logger.Error().Err(rerr).Int64("height", r.height).Msg("journal commit failed")
		}
	}
	r.logger.Info().Int64("height", r.height).Int("keys", n).Hex("digest", r.digest).Msg("committed")
	return r.handleInfo(), nil
}

func (r *Runner) invoke(ctx context.Context, inv sandbox.Invocation) (sandbox.Result, error) {
	res, err := r.sandbox.Run(ctx, r.shared, inv)
	outcome := observability.OutcomeOK
	if err != nil {
		outcome = observability.OutcomeError
	}
	observability.RecordInvocation(inv.Mode.String(), outcome)
	return res, err
}

// Digest is the commitment for a store holding n keys.
func Digest(n int) []byte {
	return protowire.AppendVarint(nil, uint64(n))
}

// DecodeRequest parses JSON with numbers kept exact. Empty input is a nil request.
func DecodeRequest(raw []byte) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data", ErrInvalidRequest)
	}
	return v, nil
}
