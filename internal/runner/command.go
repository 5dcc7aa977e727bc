package runner

import (
	"errors"

	"github.com/danmuck/scriptnode/internal/sandbox"
)

var (
	ErrChannelFault   = errors.New("runner: reply channel unusable")
	ErrRunnerStopped  = errors.New("runner: stopped")
	ErrInvalidRequest = errors.New("runner: invalid request")
	ErrInvalidResult  = errors.New("runner: invalid script result")
	ErrAlreadyRunning = errors.New("runner: already running")
)

type Kind string

const (
	KindInfo    Kind = "info"
	KindQuery   Kind = "query"
	KindExecute Kind = "execute"
	KindCommit  Kind = "commit"
)

// Reply is the single value delivered on a command's reply channel.
type Reply[T any] struct {
	Value T
	Err   error
}

// Info is a snapshot of runner state.
type Info struct {
	Height int64
	Digest []byte
}

type QueryResult struct {
	Value  []byte
	Height int64
}

type ExecResult struct {
	Events []sandbox.Event
}

// Command is one of GetInfo, Query, Execute or Commit.
type Command interface {
	Kind() Kind
}

type GetInfo struct {
	Reply chan Reply[Info]
}

// Query reads through a query script. Request is raw JSON.
type Query struct {
	Path    string
	Request []byte
	Reply   chan Reply[QueryResult]
}

// Execute mutates through an execute script. Request is a decoded JSON value.
type Execute struct {
	Path    string
	Sender  string
	Request any
	Reply   chan Reply[ExecResult]
}

type Commit struct {
	Reply chan Reply[Info]
}

func (GetInfo) Kind() Kind { return KindInfo }
func (Query) Kind() Kind   { return KindQuery }
func (Execute) Kind() Kind { return KindExecute }
func (Commit) Kind() Kind  { return KindCommit }

// deliver never blocks; a full or nil reply channel is a fault.
func deliver[T any](ch chan Reply[T], reply Reply[T]) error {
	select {
	case ch <- reply:
		return nil
	default:
		return ErrChannelFault
	}
}
