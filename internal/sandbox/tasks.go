package sandbox

import (
	"context"
	"fmt"

	"github.com/Shopify/go-lua"
)

const (
	taskRegistryKey = "scriptnode.tasks"

	// DefaultMaxTasks bounds deferred tasks per invocation.
	DefaultMaxTasks = 10000
)

// taskQueue is a FIFO of deferred Lua functions kept in the registry.
// Slots are 1-based; head is the next slot to run, tail the next slot to fill.
type taskQueue struct {
	state  *lua.State
	limit  int
	head   int
	tail   int
	queued int
}

func newTaskQueue(state *lua.State, limit int) *taskQueue {
	if limit <= 0 {
		limit = DefaultMaxTasks
	}
	state.NewTable()
	state.SetField(lua.RegistryIndex, taskRegistryKey)
	return &taskQueue{state: state, limit: limit, head: 1, tail: 1}
}

// push enqueues the function at index.
func (q *taskQueue) push(index int) error {
	if q.queued >= q.limit {
		return fmt.Errorf("%w: more than %d tasks", ErrTaskLimit, q.limit)
	}
	index = q.state.AbsIndex(index)
	q.state.Field(lua.RegistryIndex, taskRegistryKey)
	q.state.PushValue(index)
	q.state.RawSetInt(-2, q.tail)
	q.state.Pop(1)
	q.tail++
	q.queued++
	return nil
}

// drain runs tasks until the queue is empty. Tasks may enqueue further tasks.
// run is called with the task function on top of the stack.
func (q *taskQueue) drain(ctx context.Context, run func() error) error {
	for q.head < q.tail {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.state.Field(lua.RegistryIndex, taskRegistryKey)
		q.state.RawGetInt(-1, q.head)
		q.state.PushNil()
		q.state.RawSetInt(-3, q.head)
		q.state.Remove(-2)
		q.head++
		if err := run(); err != nil {
			return err
		}
	}
	return nil
}
