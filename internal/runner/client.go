package runner

import "context"

// Client submits commands to a Runner and waits for their replies.
type Client struct {
	queue chan<- Command
	done  <-chan struct{}
}

func NewClient(r *Runner) *Client {
	return &Client{queue: r.Queue(), done: r.Done()}
}

func (c *Client) Info(ctx context.Context) (Info, error) {
	reply := make(chan Reply[Info], 1)
	return submit(ctx, c, GetInfo{Reply: reply}, reply)
}

func (c *Client) Query(ctx context.Context, path string, request []byte) (QueryResult, error) {
	reply := make(chan Reply[QueryResult], 1)
	return submit(ctx, c, Query{Path: path, Request: request, Reply: reply}, reply)
}

func (c *Client) Execute(ctx context.Context, path, sender string, request any) (ExecResult, error) {
	reply := make(chan Reply[ExecResult], 1)
	return submit(ctx, c, Execute{Path: path, Sender: sender, Request: request, Reply: reply}, reply)
}

func (c *Client) Commit(ctx context.Context) (Info, error) {
	reply := make(chan Reply[Info], 1)
	return submit(ctx, c, Commit{Reply: reply}, reply)
}

// submit enqueues cmd and waits. Once enqueued, a command is applied even if
// ctx ends before its reply is read.
func submit[T any](ctx context.Context, c *Client, cmd Command, reply chan Reply[T]) (T, error) {
	var zero T
	select {
	case c.queue <- cmd:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-c.done:
		return zero, ErrRunnerStopped
	}
	select {
	case rep := <-reply:
		return rep.Value, rep.Err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-c.done:
		select {
		case rep := <-reply:
			return rep.Value, rep.Err
		default:
			return zero, ErrRunnerStopped
		}
	}
}
