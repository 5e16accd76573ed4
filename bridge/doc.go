// Package bridge turns a request on an asynchronously consumed queue into
// either an immediate acknowledgement or a blocking call.
//
// A RequestBridge publishes envelopes through a Publisher and correlates
// outcomes through a Cache keyed by the envelope's correlation id. The
// downstream consumer answers by writing one terminal envelope under the
// same id; SubmitAndWait returns it, or a TIMEOUT envelope when nothing is
// written in time.
//
// Basic usage:
//
//	b, err := bridge.NewRequestBridge(transport, cache, bridge.Config{
//		DefaultTTL:     10 * time.Minute,
//		DefaultTimeout: 30 * time.Second,
//	})
//	if err != nil {
//		return err
//	}
//
//	result, err := b.SubmitAndWait(ctx, env, 0)
//	if err != nil {
//		return err // broker or cache failure
//	}
//	// result.Status is the consumer's outcome or TIMEOUT
//
// Callers that share a correlation id race: each SubmitAndWait clears the
// entry before publishing, so one may observe the other's result or time out.
package bridge
