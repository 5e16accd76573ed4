// Package contracts provides the envelope and status types shared by the
// relay bridge, its cache adapters and downstream consumers.
//
// An Envelope carries a correlation id, the operation kind, an opaque payload,
// a Status and, once a consumer has finished, opaque response data. The same
// Envelope shape is published to the queue and written back to the
// correlation cache, so every party agrees on the wire format:
//
//	{
//	  "correlationId": "9f1c...",
//	  "kind": "payments.generate",
//	  "payload": {...},
//	  "status": "CREATED",
//	  "responseData": {...},
//	  "timestamp": "2024-05-01T10:00:00Z"
//	}
//
// Status is a closed set. CREATED is the only non-terminal value; anything
// else written by a consumer concludes the operation.
package contracts
