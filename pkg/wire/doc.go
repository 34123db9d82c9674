// Package wire defines the access-layer vocabulary of the mesh engine.
//
// It covers addresses, opcodes, the request/response opcode pairing used to
// correlate replies, parameter encoders for outbound requests and typed
// decoders for inbound status messages. Multi-octet fields are little-endian
// as they appear on the air.
//
// # Opcodes
//
// Opcodes are one, two or three octets long:
//   - 0x00..0x7E: one-octet SIG opcodes
//   - 0x8000..0xBFFF: two-octet SIG opcodes
//   - 0xC0xxxx: three-octet vendor opcodes, the low 16 bits hold the company ID
//
// # Correlation
//
// ResponseOpcode maps an acknowledged request to the status opcode the node
// answers with. Vendor requests are not in the table; their callers name the
// response opcode explicitly.
package wire
