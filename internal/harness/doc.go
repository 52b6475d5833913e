// Package harness runs YAML scenarios against a real session.
//
// Each scenario gets a fresh in-memory store, a fake clock and sequential ids,
// so runs are reproducible. The harness opens a session for the scenario's
// identity, applies setup steps with admin rights, then drives the flow
// through the same session API the CLI uses: purchases, pushes (ticked by
// the fake clock), deposits, status changes and clock advances.
//
// After every step the harness waits for the mirrors to settle, so
// assertions see the effect of each write:
//
//   - dashboard: subset match against the derived dashboard
//   - document: subset match against one stored document
//   - count: number of documents in a collection
//   - trace_contains / trace_count: the recorded step outcomes
//
// RunWithGolden additionally compares the canonical JSON of the trace and the
// final dashboard against testdata/golden/{name}.golden.
package harness
