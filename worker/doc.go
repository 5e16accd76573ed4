// Package worker implements the consumer side of the relay: it takes
// envelopes off the queue, runs a Handler and writes exactly one result
// envelope under the same correlation id, which wakes any caller blocked
// in SubmitAndWait.
package worker
