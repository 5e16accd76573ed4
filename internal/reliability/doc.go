// Package reliability provides the fault-handling primitives used around the
// relay's broker and cache clients.
//
//   - Circuit Breaker: fails fast while an infrastructure dependency keeps erroring
//   - Retry Policies: exponential backoff and fixed delay, used by broker clients
//
// Neither primitive is applied by the request bridge implicitly: the bridge
// never retries a publish, it only accepts an optional circuit breaker so a
// dead broker is reported immediately instead of once per caller timeout.
//
// Example usage:
//
//	cb := NewCircuitBreaker(
//	    WithName("rabbitmq"),
//	    WithFailureThreshold(5),
//	    WithTimeout(30 * time.Second),
//	)
//
//	err := cb.Execute(ctx, func() error {
//	    return publisher.Send(ctx, key, env)
//	})
package reliability
