// Package codec converts between engine messages and the proxy PDUs a
// transport link carries.
//
// Messages travel as CBOR frames with integer keys. A frame is wrapped in
// one or more proxy PDUs: the first octet of each PDU holds the SAR field
// (bits 6..7) and the PDU type (bits 0..5), so a frame larger than the
// link MTU is split into first, continuation and last segments and
// reassembled on receipt.
//
// Network frames carry the 8-byte network ID derived from the primary
// network key; frames from other networks are rejected. The same
// derivation backs the proxy advertisement checks the scanner uses to tell
// this network's proxies apart from foreign ones.
//
// The codec performs no encryption or routing.
package codec
