// Package storage provides the persistence interfaces and record types used
// by the authorization server: registered clients, user sessions, pending
// authorization requests, authorization codes, and issued tokens.
//
// All lookups treat expired or already-consumed records as absent and return
// ErrNotFound, so TTL enforcement happens lazily on access and callers never
// need to distinguish "expired" from "never existed".
package storage
