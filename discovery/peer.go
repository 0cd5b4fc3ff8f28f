package discovery

// DiscoveredPeer is an ephemeral, session-scoped record of a nearby
// device. Its lifetime is bounded by one scan; the table is cleared
// when the next scan starts.
type DiscoveredPeer struct {
	// ID is the peer's stable identifier within the transport
	// (announced device id).
	ID string
	// Name is the peer's display name.
	Name string
	// PublicKey is the Base64 Curve25519 encryption public key, when
	// the announcement carried one.
	PublicKey string
	// SignPublicKey is the Base64 Ed25519 signing public key.
	SignPublicKey string
	// Addr is the peer's reachable transport address (host:port).
	Addr string
	// SignalStrength is the last observed signal in dBm, or
	// SignalUnknown when the transport cannot measure it.
	SignalStrength int
}

// SignalUnknown marks a sighting whose transport reports no signal
// measurement.
const SignalUnknown = -1
