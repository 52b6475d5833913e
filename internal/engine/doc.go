// Package engine implements the dashboard's synchronization engine.
//
// The engine holds one Mirror per watch spec and keeps it in step with the
// remote store through the adapter's subscriptions.
//
// ARCHITECTURE:
//
// Single-Writer Event Loop:
// Adapter callbacks never touch a mirror. They enqueue the snapshot on an
// unbounded FIFO queue and return. Engine.Run dequeues one snapshot at a time
// and swaps the mirror's immutable state, so per spec, snapshots are applied
// in delivery order and readers never see a half-applied update.
//
// Readiness:
// The engine is ready once every spec has delivered at least one snapshot,
// data or error. OnReady fires exactly once.
//
// Seeding:
// A spec with SeedIfEmpty whose target is observed empty (and whose mirror is
// empty) gets its defaults written once per engine. Seeding runs on the loop
// before readiness is counted, so ready implies seeded data is visible.
//
// Teardown:
// Dispose cancels every subscription, closes the queue and discards anything
// still pending. No seed write starts after Dispose.
package engine
