// Package network holds the mesh network definition the engine operates on.
//
// A Network owns the network and application keys, the local provisioner
// and the list of provisioned nodes. It is also the unicast address
// authority: NextUnicastAddress finds the lowest free block for a device's
// elements and Reserve holds it while provisioning is in flight.
//
// Definitions are exchanged as JSON. Import validates documents against an
// embedded JSON schema before decoding them; Store persists a definition
// to a file.
package network
