// Package reliability provides the failure-handling primitives of the
// consumption core: the exponential backoff retry policy and the
// per-dependency circuit breaker.
package reliability
