// Package winkyx implements the messaging core of WinkyX, an
// offline-first peer-to-peer encrypted messenger.
//
// The Messenger ties the core together: the device identity
// (package identity), the end-to-end encryption channel
// (package crypto), the durable message store and outbound queue
// (package store), and nearby-peer discovery and delivery
// (package discovery). Session bootstrap over a shared network is
// handled by the relay (package relay).
//
// Messages are encrypted and signed at origination, persisted
// immediately with status "queued", and delivered when a live peer is
// in range; the host schedules periodic ProcessQueue calls to retry
// whatever is still pending.
//
// Example:
//
//	m, err := winkyx.New(winkyx.DefaultOptions(dataDir))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer m.Close()
//
//	peer, err := m.AddPeer(winkyx.Peer{ID: "...", PublicKey: "...", SignPublicKey: "..."})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	msg, err := m.SendMessage(peer, "hello")
package winkyx
