// Package scheduler is the durable timing engine.
//
// It keeps an always-correct view of "what fires next" by treating the
// JobStore as ground truth: the wait loop sleeps until the earliest known
// fire time (or a wake notification), then re-queries the store for due
// jobs instead of trusting any in-memory timestamp, which tolerates clock
// drift and process suspends. Each due job is claimed with an atomic
// pending->running transition before its handler runs, so a concurrent
// instance against the same store cannot double-fire an occurrence.
package scheduler
