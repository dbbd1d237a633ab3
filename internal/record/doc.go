// Package record defines the Context Record exchanged between applications:
// its wire shape, field-level merge semantics, and the deterministic id
// derivation that makes external re-delivery idempotent.
package record
