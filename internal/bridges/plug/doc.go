// Package plug implements the UDP bridge to Wi-Fi mains smart plugs.
//
// The plugs speak a small binary command protocol on UDP port 10000. Every
// datagram is a single frame:
//
//	┌──────────┬──────────────┬────────────┬───────────────┐
//	│ 0x68 0x64│ length (BE16)│ cmd (BE16) │ payload ...   │
//	└──────────┴──────────────┴────────────┴───────────────┘
//
// The length covers the whole frame including the 6-byte header.
//
// # Components
//
//   - Address: 48-bit hardware address used as the identity of a plug
//   - EncodeFrame / DecodeFrame: the wire codec
//   - Transport: the broadcast-capable UDP socket and local address filter
//   - Registry: the receive loop that discovers plugs and tracks their state
//
// # Commands
//
// A power change is always preceded by an unlock (subscribe) command; plugs
// ignore power commands from peers that have not unlocked them recently.
// Commands are fire-and-forget: the next status push or discovery response
// is the only confirmation.
//
// Example:
//
//	tr, err := plug.OpenTransport(plug.TransportConfig{Port: plug.DefaultPort})
//	if err != nil {
//	    return err
//	}
//	reg := plug.NewRegistry(tr, plug.RegistryConfig{}, logger)
//	reg.OnChange(func(s plug.Snapshot) { ... })
//	if err := reg.Start(ctx); err != nil {
//	    return err
//	}
//	defer reg.Stop()
//	reg.Discover()
package plug
