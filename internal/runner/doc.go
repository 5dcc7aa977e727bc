// Package runner owns the node's mutable state and applies commands to it
// strictly one at a time.
//
// Callers never touch the store or height directly. They build a Command
// carrying a one-slot reply channel, push it onto Runner.Queue, and wait.
// Client wraps that exchange. The order in which the runner dequeues
// commands is the node's state-transition log; any replica given the same
// sequence reaches the same height, digest and store contents.
//
// Script failures, routing misses and decode errors are returned as data
// on the reply channel. The only condition that stops the loop is a reply
// channel that cannot accept its result (ErrChannelFault).
package runner
