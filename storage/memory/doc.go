// Package memory implements the storage interfaces with plain maps behind a
// single mutex. State does not survive a restart, which is acceptable for
// the short-lived records this server keeps (codes, sessions, pending
// requests); long-lived secrets are persisted elsewhere, encrypted.
package memory
