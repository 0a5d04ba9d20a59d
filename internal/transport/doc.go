// Package transport implements the length-prefixed, tag-and-payload wire
// protocol that connects clients and workers to the executor (spec.md
// §4.H, §6).
//
// # Framing
//
// Every message on the wire is:
//
//	u32 length (big-endian) || tag byte || msgpack-encoded payload
//
// length counts the tag byte plus the payload. A single schema-version
// byte is exchanged as the very first frame on a new connection;
// handshake refuses to proceed if the peer's version differs (spec §6,
// "peers refuse to connect if their schema-version byte differs").
//
// # Transports
//
// Three concrete Conn implementations share the same message types: a
// TCP connection (optionally AEAD-encrypted, see crypto.go) and a Unix
// domain socket connection (never encrypted), both using the framing
// above, and an in-process pair of channels for the local, single-binary
// mode (spec §4.H), which passes Envelopes without framing. Callers
// obtain a network Conn through Dial/Listen, which parse the
// `tcp://[password@]host:port` / `unix:///path` URL forms from spec §6,
// and an in-process pair through NewInProcessPair.
package transport
