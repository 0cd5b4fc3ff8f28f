// Package store implements the durable message store and the outbound
// delivery queue on BadgerDB.
//
// Three key families share one database:
//
//	m:<id>                    message record (JSON)
//	c:<peer>:<timestamp>:<id> conversation index, value is the id
//	q:<id>                    outbound queue membership (set semantics)
//
// The conversation index embeds the zero-padded timestamp so a plain
// lexicographic prefix scan yields a peer's history in timestamp
// order. Every operation is a single Badger transaction; a write error
// propagates to the caller and is never reported as success.
package store
