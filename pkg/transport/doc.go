// Package transport defines the radio link the mesh engine drives.
//
// A Transport scans for advertising devices, holds at most one GATT link
// to a mesh proxy or unprovisioned device, and moves raw proxy PDUs over
// that link. It knows nothing about mesh addressing or security; decoding
// is the codec's job.
//
// # Bearer
//
//	┌────────────────────────────────┐
//	│   Access / provisioning PDUs   │  codec
//	├────────────────────────────────┤
//	│   Proxy PDU segmentation       │  codec
//	├────────────────────────────────┤
//	│   GATT write / notify          │  transport
//	├────────────────────────────────┤
//	│   Bluetooth LE                 │
//	└────────────────────────────────┘
//
// Implementations deliver callbacks on their own goroutines. Callers must
// not block in them.
package transport
