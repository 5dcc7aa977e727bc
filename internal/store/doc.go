// Package store owns the node's key/value state.
//
// Ownership boundary:
// - Store backends (memory, sqlite)
//
// - Shared handle serializing one operation at a time
//
// Mutation reaches a Store only through the sandbox capability layer in
// execute mode. Reads are allowed in either mode.
package store
