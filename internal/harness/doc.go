// Package harness runs YAML scenarios against a fresh in-memory store and
// checks the resulting version chains.
//
// # Scenario Format
//
//	name: obs_correction
//	description: "Editing an immutable property spins off a new version"
//	spec: |
//	  entity: Obs: properties: { concept: string, value: int, comment: string }
//	  policy: Obs: { mutable: ["comment"] }
//	setup:
//	  - create: Obs
//	    id: 42
//	    properties: { concept: weight, value: 5 }
//	transactions:
//	  - as: bob
//	    steps:
//	      - edit: 42
//	        set: { value: 6 }
//	assertions:
//	  - type: entity
//	    id: 42
//	    expect: { voided: true, voided_by: bob }
//	  - type: chain
//	    id: 43
//	    ids: [43, 42]
//
// Specs may also be given as CUE files (specs:), resolved relative to the
// scenario file.
//
// # Steps
//
//   - create: type, optional id, properties
//   - edit: id, set (declared or audit properties; null clears)
//   - void: id, reason
//   - flush: true
//   - nested: a transaction run inside the current one
//
// A transaction with fail: true returns an error after its steps so the
// whole unit is rolled back. expect_error checks a transaction fails with a
// message containing the given text.
//
// # Assertion Types
//
//   - entity: subset match on one stored record
//   - chain: ids of History(id), newest first
//   - count: number of records, optionally of one type
//   - active: ids of non-voided records, optionally of one type
//   - scopes_empty: no transaction frames left after the run
//
// # Deterministic Testing
//
// Frame timestamps come from testutil.SteppingClock starting at
// testutil.DefaultStart with a one-second step. Creations and explicit voids
// carry their transaction's frame timestamp, so setup records are stamped
// with the first one. Every transaction runs on the same execution context,
// so leftover frame state would surface in scopes_empty.
package harness
