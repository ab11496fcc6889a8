// Package messaging implements the Workkap conversation and message core:
// the conversation directory (canonical pair + context key, alias migration,
// duplicate merge), the message facade (send, paged fetch, read-on-view,
// unread accounting), and the per-user conversation listing.
//
// Durable state lives behind Store (Postgres or in-memory); a Redis-backed
// MessageCache is a best-effort read accelerator that the facade falls back
// from on any failure.
package messaging
