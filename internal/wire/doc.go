// Package wire defines the on-the-wire formats of a realtime volumetric
// stream: the geometry payload headers, the audio format side header, the
// transport frame encoding, the control messages exchanged when a session
// is established, and the chunk header used to carry frames over SRT.
//
// Payload headers are packed little-endian structures produced by the
// capture side. Transport framing uses QUIC variable-length integers
// (RFC 9000 §16).
package wire
