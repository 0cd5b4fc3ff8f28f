// Package discovery finds nearby peers and delivers payloads to them.
//
// A Discovery wraps a Scanner (the radio-facing collaborator) and
// manages one scan session at a time: peers are deduplicated by id
// within a session, identity fields are pinned to the first sighting,
// and liveness fields refresh on repeat sightings. The session table
// is cleared when a new scan starts.
//
// LANScanner is the built-in scanner: it announces the local identity
// over UDP broadcast and listens for announcements from others.
// Transport is the capability used to push an encrypted payload to a
// discovered peer; its failures are transient and never message loss.
package discovery
