// Package relay implements the session authentication relay: a
// rendezvous service that lets devices on a shared network prove
// identity to each other via signature challenge, then exchanges
// opaque signaling payloads without reading message content.
//
// The wire protocol is newline-delimited JSON objects over a
// persistent TCP connection. On connect the relay issues a fresh
// random challenge; the client answers with its peer id (Base64
// signing public key) and a detached signature of the challenge. A
// valid signature promotes the connection to an authenticated session
// and announces it to the others; an invalid one terminates the
// connection immediately. Authenticated traffic is relayed verbatim to
// every other authenticated session, never back to the sender.
package relay
