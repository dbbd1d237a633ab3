// Package transport defines the adapter contract the platform transports
// implement, plus the shared plumbing they build on.
//
// # Adapter
//
// An Adapter bridges the local context store to one platform exchange
// mechanism. Three implementations live in subpackages:
//
//   - notifybus: distributed notification center, helper scripts + spool
//   - autohost: automation-host scripting of the native context API
//   - msgbus: session message bus with socket and emulation fallbacks
//
// # Shared plumbing
//
//   - WithGate wraps an adapter so calls serialize through a weighted
//     semaphore with a timeout; a wedged platform call surfaces as
//     ErrGateTimeout instead of a pile-up.
//   - Runner abstracts helper process execution so adapter logic tests on
//     any platform; ExecRunner is the production implementation.
//   - Stage writes helper scripts and transient payloads with unique names
//     and returns a cleanup.
//   - supervise (subpackage) relaunches crashed long-lived helpers with
//     capped exponential backoff.
//
// MockAdapter and MockRunner are in-memory test doubles usable by any
// package that drives transports.
package transport
