// Package maintenance provides a reference host loop for the generation
// protocol an arraystore.ArrayStore expects its caller to drive: after a
// batch of writes, stamp the hold list with the current generation and
// advance it; periodically trim everything the host's used-generation
// floor has cleared.
//
// The protocol itself lives entirely in internal/datastore; this package
// only supplies a ticker-driven Scheduler that calls it on a cadence,
// bounded by a semaphore so at most one trim runs at a time and throttled
// by a rate limiter so trims driven by a busy ticker don't starve the
// foreground writer.
package maintenance
