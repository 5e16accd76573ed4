// Package cache provides correlation caches: keyed envelope stores with a
// per-entry TTL and a Get that blocks until an entry appears.
//
// MemoryCache keeps entries in process and wakes waiters by closing a
// per-key channel. MongoCache stores entries in a MongoDB collection and
// wakes waiters from a change stream, so it needs a replica set.
//
// Neither implementation polls.
package cache
