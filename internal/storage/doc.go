// Package storage provides the two durable SQLite stores the service owns:
//
//   - JobStore: the scheduled-job table (one-shot and recurring jobs),
//     including the atomic pending->running claim used for crash-safe,
//     at-most-once firing per occurrence.
//   - StateStore: application/conversation context keyed by subject,
//     plus operator settings and the inbound-delivery dedup window.
//
// Each store owns its own database file; the store is ground truth and
// callers never treat in-memory copies as authoritative across restarts.
package storage
