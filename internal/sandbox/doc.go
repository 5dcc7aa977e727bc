// Package sandbox executes one untrusted script per invocation.
//
// Ownership boundary:
// - ExecutionContext lifecycle (built per call, read back once)
//
// - capability ops, the only surface a script can reach
//
// - Lua state setup, evaluation, and task-queue quiescence
//
// Lifecycle order:
// - load sandbox -> install bindings -> evaluate entry chunk -> drain tasks -> tear down
//
// No interpreter state survives across Run calls.
package sandbox
